package encoder

import (
	"fmt"

	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"

	"github.com/zhouzhaorun/edge-detection-framework/base"
)

// StageConfig describes one VGG stage: Convs 3x3 convolutions to Channels
// output channels, optionally followed by a 2x2 stride 2 max-pool.
type StageConfig struct {
	Channels int64
	Convs    int
	Pool     bool
}

// VGG16Stages is the 5 stage VGG16 layout used by HED. Stage 5 has no
// trailing pool.
func VGG16Stages() []StageConfig {
	return []StageConfig{
		{Channels: 64, Convs: 2, Pool: true},
		{Channels: 128, Convs: 2, Pool: true},
		{Channels: 256, Convs: 3, Pool: true},
		{Channels: 512, Convs: 3, Pool: true},
		{Channels: 512, Convs: 3, Pool: false},
	}
}

// VGGOptions configures NewVGGEncoder.
type VGGOptions struct {
	InChannels int64
	// FirstPad is the (height, width) padding of the very first convolution.
	// Every other convolution uses padding 1.
	FirstPad  [2]int64
	BatchNorm bool
	Act       base.Activation
}

type vggStage struct {
	blocks []*base.ConvBlock
	pool   bool
}

func (s *vggStage) forward(x *ts.Tensor, train bool) *ts.Tensor {
	out := x
	for _, b := range s.blocks {
		next := b.ForwardT(out, train)
		if out != x {
			out.MustDrop()
		}
		out = next
	}

	return out
}

// VGGEncoder is a plain VGG backbone that exposes every stage's pre-pool
// feature map.
type VGGEncoder struct {
	stages []*vggStage
}

// ForwardAll implements Encoder interface for VGGEncoder.
//
// E.g. x [1 3 256 256] with FirstPad (29,33):
// c1 [1  64 312 320]
// c2 [1 128 156 160]
// c3 [1 256  78  80]
// c4 [1 512  39  40]
// c5 [1 512  19  20]
func (e *VGGEncoder) ForwardAll(x *ts.Tensor, train bool) []*ts.Tensor {
	features := make([]*ts.Tensor, 0, len(e.stages))
	in, owned := x, false
	for _, s := range e.stages {
		f := s.forward(in, train)
		if owned {
			in.MustDrop()
		}
		features = append(features, f)

		if !s.pool {
			in, owned = f, false
			continue
		}
		// ksize = 2; stride=2; padding=0; dilation=1; ceil=false
		in = f.MustMaxPool2d([]int64{2, 2}, []int64{2, 2}, []int64{0, 0}, []int64{1, 1}, false, false)
		owned = true
	}
	if owned {
		in.MustDrop()
	}

	return features
}

// NumStages returns the number of feature maps ForwardAll yields.
func (e *VGGEncoder) NumStages() int {
	return len(e.stages)
}

// NewVGGEncoder creates a VGG encoder. Variables are named `conv<stage>_<i>`
// directly under p, so checkpoints line up with the usual HED layout.
func NewVGGEncoder(p *nn.Path, stages []StageConfig, opts VGGOptions) *VGGEncoder {
	cIn := opts.InChannels
	if cIn == 0 {
		cIn = 3
	}

	enc := &VGGEncoder{}
	for si, sc := range stages {
		stage := &vggStage{pool: sc.Pool}
		for ci := 0; ci < sc.Convs; ci++ {
			padH, padW := int64(1), int64(1)
			if si == 0 && ci == 0 {
				padH, padW = opts.FirstPad[0], opts.FirstPad[1]
			}
			name := fmt.Sprintf("conv%d_%d", si+1, ci+1)
			block := base.NewConvBlock(p.Sub(name), cIn, sc.Channels, 3, padH, padW, opts.BatchNorm, opts.Act)
			stage.blocks = append(stage.blocks, block)
			cIn = sc.Channels
		}
		enc.stages = append(enc.stages, stage)
	}

	return enc
}
