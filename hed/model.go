package hed

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"
	"k8s.io/klog/v2"

	"github.com/zhouzhaorun/edge-detection-framework/base"
	"github.com/zhouzhaorun/edge-detection-framework/encoder"
)

// Config fixes everything the network needs to know about its inputs.
// Nothing is inferred from ambient defaults.
type Config struct {
	DType      gotch.DType
	Device     gotch.Device
	BatchSize  int64
	Channels   int64
	CropHeight int64
	CropWidth  int64
	BatchNorm  bool
	Activation base.Activation
}

// DefaultConfig is a float32 CPU network for 256x256 RGB patches.
func DefaultConfig() Config {
	return Config{
		DType:      gotch.Float,
		Device:     gotch.CPU,
		BatchSize:  1,
		Channels:   3,
		CropHeight: 256,
		CropWidth:  256,
		Activation: base.ReLU,
	}
}

// Net is a holistically-nested edge detection network: a VGG16 backbone
// with a deeply supervised side output per stage, fused by a fixed
// weighted sum.
// Ref. https://arxiv.org/abs/1504.06375
type Net struct {
	cfg      Config
	geom     Geometry
	out      [2]int64
	encoder  encoder.Encoder
	scores   []*nn.Conv2D
	upsample []*nn.ConvTranspose2D // nil entry for native resolution stages
}

// Output holds the fused edge map and the five aligned side outputs.
type Output struct {
	Fused *ts.Tensor
	Sides []*ts.Tensor
}

// Drop frees every tensor held by o.
func (o *Output) Drop() {
	if o.Fused != nil {
		o.Fused.MustDrop()
	}
	for _, s := range o.Sides {
		s.MustDrop()
	}
}

// NewNet creates a HED network under p. Crop margins are derived from the
// default geometry for cfg's crop size, and the fused output size is
// checked before any variable is created.
func NewNet(p *nn.Path, cfg Config) (*Net, error) {
	if cfg.Channels <= 0 {
		cfg.Channels = 3
	}
	if cfg.Activation == nil {
		cfg.Activation = base.ReLU
	}

	geom, err := DefaultGeometry().Align(cfg.CropHeight, cfg.CropWidth)
	if err != nil {
		return nil, errors.Wrap(err, "aligning side outputs")
	}
	out, err := geom.OutputSize(cfg.CropHeight, cfg.CropWidth)
	if err != nil {
		return nil, err
	}

	stages := encoder.VGG16Stages()
	if len(stages) != len(geom.Stages) {
		return nil, errors.Errorf("backbone has %d stages, geometry has %d", len(stages), len(geom.Stages))
	}
	enc := encoder.NewVGGEncoder(p, stages, encoder.VGGOptions{
		InChannels: cfg.Channels,
		FirstPad:   geom.FirstPad,
		BatchNorm:  cfg.BatchNorm,
		Act:        cfg.Activation,
	})

	n := &Net{
		cfg:     cfg,
		geom:    geom,
		out:     out,
		encoder: enc,
	}
	for i, s := range geom.Stages {
		n.scores = append(n.scores, base.NewScoreHead(p.Sub(fmt.Sprintf("score_dsn%d", i+1)), stages[i].Channels))
		var up *nn.ConvTranspose2D
		if s.Upsampled() {
			up = base.NewUpsampleHead(p.Sub(fmt.Sprintf("deconv%d", i+1)), s.Kernel, s.Stride)
		}
		n.upsample = append(n.upsample, up)
	}
	klog.V(1).Infof("hed: input %dx%d -> output %dx%d, crops %v", cfg.CropHeight, cfg.CropWidth, out[0], out[1], n.crops())

	return n, nil
}

func (n *Net) crops() []base.Margin {
	m := make([]base.Margin, len(n.geom.Stages))
	for i, s := range n.geom.Stages {
		m[i] = s.Crop
	}
	return m
}

// Geometry returns the aligned geometry the network was built with.
func (n *Net) Geometry() Geometry {
	return n.geom
}

// OutputSize returns the (height, width) of the fused map.
func (n *Net) OutputSize() (int64, int64) {
	return n.out[0], n.out[1]
}

// Config returns the network configuration.
func (n *Net) Config() Config {
	return n.cfg
}

func (n *Net) checkInput(x *ts.Tensor) error {
	size := x.MustSize()
	if len(size) != 4 {
		return errors.Errorf("expected [N C H W] input. Got shape %v", size)
	}
	if size[1] != n.cfg.Channels || size[2] != n.cfg.CropHeight || size[3] != n.cfg.CropWidth {
		return errors.Errorf("expected input [N %d %d %d]. Got %v", n.cfg.Channels, n.cfg.CropHeight, n.cfg.CropWidth, size)
	}
	if dtype := x.DType(); dtype != n.cfg.DType {
		return errors.Errorf("expected %v input. Got %v", n.cfg.DType, dtype)
	}
	return nil
}

// Forward runs the network and returns the fused map with its side outputs.
// Every side output is sigmoid activated and cropped; their shapes are
// compared before fusion.
func (n *Net) Forward(x *ts.Tensor, train bool) (*Output, error) {
	if err := n.checkInput(x); err != nil {
		return nil, err
	}

	features := n.encoder.ForwardAll(x, train)
	if len(features) != len(n.scores) {
		for _, f := range features {
			f.MustDrop()
		}
		return nil, errors.Errorf("encoder returned %d features, expected %d", len(features), len(n.scores))
	}

	sides := make([]*ts.Tensor, 0, len(features))
	dropAll := func() {
		for _, f := range features {
			if f != nil {
				f.MustDrop()
			}
		}
		for _, s := range sides {
			s.MustDrop()
		}
	}
	for i, f := range features {
		s := n.scores[i].Forward(f)
		f.MustDrop()
		features[i] = nil
		if up := n.upsample[i]; up != nil {
			u := up.Forward(s)
			s.MustDrop()
			s = u
		}
		prob := s.MustSigmoid(true)
		cropped, err := base.Crop(prob, n.geom.Stages[i].Crop, true)
		if err != nil {
			prob.MustDrop()
			dropAll()
			return nil, errors.Wrapf(err, "stage %d", i+1)
		}
		sides = append(sides, cropped)
	}

	ref := sides[0].MustSize()
	for i, s := range sides[1:] {
		if size := s.MustSize(); !sameShape(ref, size) {
			dropAll()
			return nil, errors.Wrapf(ErrShapeMismatch, "stage %d is %v, stage 1 is %v", i+2, size, ref)
		}
	}

	fused := sides[0].MustMulScalar(ts.FloatScalar(n.geom.Stages[0].Weight), false)
	for i, s := range sides[1:] {
		weighted := s.MustMulScalar(ts.FloatScalar(n.geom.Stages[i+1].Weight), false)
		fused = fused.MustAdd(weighted, true)
		weighted.MustDrop()
	}

	return &Output{Fused: fused, Sides: sides}, nil
}

// ForwardT implements ts.ModuleT for Net. It panics on a shape error since
// that means the architecture constants are inconsistent.
func (n *Net) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	out, err := n.Forward(x, train)
	if err != nil {
		panic(err)
	}
	for _, s := range out.Sides {
		s.MustDrop()
	}

	return out.Fused
}

func sameShape(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
