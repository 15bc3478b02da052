// Package preprocess turns raw image/label pairs into network ready tensors:
// channel first, scaled to [0,1], cropped by one shared random patch.
package preprocess

import (
	"math/rand"

	"github.com/pkg/errors"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/ts"
)

// Default seeds. Training draws crops from a live
// source; validation and test replay the same crops on every pass.
const (
	TrainSeed int64 = 37145
	ValidSeed int64 = 0
)

// Augmentation is the set of lossless transforms applied after the crop.
// Values are drawn uniformly, with the same draw for the image and its label.
type Augmentation struct {
	Enabled     bool    `yaml:"enabled"`
	Rot90Values []int64 `yaml:"rot90_values"`
	Flip        []int64 `yaml:"flip"`
}

// Options configures a Preprocessor.
type Options struct {
	Height   int64        `yaml:"height"`
	Width    int64        `yaml:"width"`
	Channels int64        `yaml:"channels"`
	DType    gotch.DType  `yaml:"-"`
	Aug      Augmentation `yaml:"augmentation"`
}

// DefaultOptions crops 256x256 float32 patches from RGB images. The
// augmentation values are configured but disabled.
func DefaultOptions() Options {
	return Options{
		Height:   256,
		Width:    256,
		Channels: 3,
		DType:    gotch.Float,
		Aug: Augmentation{
			Rot90Values: []int64{0, 1, 2, 3},
			Flip:        []int64{0, 1},
		},
	}
}

func (o Options) validate() error {
	if o.Height <= 0 || o.Width <= 0 {
		return errors.Errorf("invalid patch size %dx%d", o.Height, o.Width)
	}
	if o.Channels <= 0 {
		return errors.Errorf("invalid number of channels %d", o.Channels)
	}
	if o.DType != gotch.Float && o.DType != gotch.Double {
		return errors.Errorf("unsupported dtype %v: use float or double", o.DType)
	}
	if !o.Aug.Enabled {
		return nil
	}
	if len(o.Aug.Rot90Values) == 0 || len(o.Aug.Flip) == 0 {
		return errors.New("augmentation enabled without rot90 or flip values")
	}
	for _, f := range o.Aug.Flip {
		if f != 0 && f != 1 {
			return errors.Errorf("flip values must be 0 or 1. Got %d", f)
		}
	}
	for _, k := range o.Aug.Rot90Values {
		if k%2 != 0 && o.Height != o.Width {
			return errors.Errorf("rot90 by %d changes the %dx%d patch shape", k, o.Height, o.Width)
		}
	}
	return nil
}

// Preprocessor prepares (image, label) pairs. It owns its random source:
// two preprocessors never share one, so a validation preprocessor replays
// identical crops regardless of how much training consumed.
// A Preprocessor is not safe for concurrent use.
type Preprocessor struct {
	opts Options
	rng  *rand.Rand
}

// New returns a Preprocessor drawing from rng.
func New(opts Options, rng *rand.Rand) (*Preprocessor, error) {
	if rng == nil {
		return nil, errors.New("preprocessor needs a random source")
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Preprocessor{opts: opts, rng: rng}, nil
}

// NewSeeded returns a Preprocessor with its own source seeded by seed.
func NewSeeded(opts Options, seed int64) (*Preprocessor, error) {
	return New(opts, rand.New(rand.NewSource(seed)))
}

// Options returns the preprocessor options.
func (p *Preprocessor) Options() Options {
	return p.opts
}

// Offset draws the (top, left) corner of a patch inside a h×w image. Every
// offset in [0, h-height] × [0, w-width] is equally likely.
func (p *Preprocessor) Offset(h, w int64) (top, left int64, err error) {
	if h < p.opts.Height || w < p.opts.Width {
		return 0, 0, errors.Errorf("image %dx%d is smaller than the %dx%d patch", h, w, p.opts.Height, p.opts.Width)
	}
	top = p.rng.Int63n(h - p.opts.Height + 1)
	left = p.rng.Int63n(w - p.opts.Width + 1)
	return top, left, nil
}

// Prepare converts a raw image x of shape (H, W, C) and its label y of shape
// (H, W) (or (H, W, 1|3), converted to gray) into x (C, h, w) and y (1, h, w)
// in [0,1], both cropped at the same offset. Inputs are not modified.
func (p *Preprocessor) Prepare(x, y *ts.Tensor) (*ts.Tensor, *ts.Tensor, error) {
	xSize := x.MustSize()
	if len(xSize) != 3 {
		return nil, nil, errors.Errorf("expected (H, W, C) image. Got shape %v", xSize)
	}
	if xSize[2] != p.opts.Channels {
		return nil, nil, errors.Errorf("expected %d channels. Got %d", p.opts.Channels, xSize[2])
	}
	label, err := labelHW(y)
	if err != nil {
		return nil, nil, err
	}
	ySize := label.MustSize()
	if ySize[0] != xSize[0] || ySize[1] != xSize[1] {
		label.MustDrop()
		return nil, nil, errors.Errorf("image is %dx%d but label is %dx%d", xSize[0], xSize[1], ySize[0], ySize[1])
	}

	top, left, err := p.Offset(xSize[0], xSize[1])
	if err != nil {
		label.MustDrop()
		return nil, nil, err
	}

	xOut := x.MustPermute([]int64{2, 0, 1}, false).
		MustTotype(p.opts.DType, true).
		MustDivScalar(ts.FloatScalar(255.0), true)
	xOut = crop(xOut, top, left, p.opts.Height, p.opts.Width)

	yOut := label.MustTotype(p.opts.DType, true).
		MustDivScalar(ts.FloatScalar(255.0), true).
		MustUnsqueeze(0, true)
	yOut = crop(yOut, top, left, p.opts.Height, p.opts.Width)

	if p.opts.Aug.Enabled {
		xOut, yOut = p.augment(xOut, yOut)
	}

	return xOut, yOut, nil
}

// crop narrows the spatial dims of a (C, H, W) tensor, consuming it.
func crop(x *ts.Tensor, top, left, h, w int64) *ts.Tensor {
	return x.MustNarrow(1, top, h, true).
		MustNarrow(2, left, w, true).
		MustContiguous(true)
}

// augment applies one rot90/flip draw to both tensors, consuming them.
func (p *Preprocessor) augment(x, y *ts.Tensor) (*ts.Tensor, *ts.Tensor) {
	k := p.opts.Aug.Rot90Values[p.rng.Intn(len(p.opts.Aug.Rot90Values))]
	flip := p.opts.Aug.Flip[p.rng.Intn(len(p.opts.Aug.Flip))]

	spatial := []int64{1, 2}
	if k%4 != 0 {
		x = x.MustRot90(k, spatial, true)
		y = y.MustRot90(k, spatial, true)
	}
	if flip == 1 {
		x = x.MustFlip([]int64{2}, true)
		y = y.MustFlip([]int64{2}, true)
	}
	return x.MustContiguous(true), y.MustContiguous(true)
}

// labelHW returns a new (H, W) view of a label given as (H, W), (H, W, 1) or
// an RGB (H, W, 3) image.
func labelHW(y *ts.Tensor) (*ts.Tensor, error) {
	size := y.MustSize()
	switch {
	case len(size) == 2:
		return y.MustShallowClone(), nil
	case len(size) == 3 && size[2] == 1:
		return y.MustSelect(2, 0, false), nil
	case len(size) == 3 && size[2] == 3:
		return rgb2Gray(y), nil
	default:
		return nil, errors.Errorf("expected (H, W) label. Got shape %v", size)
	}
}

// rgb2Gray converts an (H, W, 3) image to (H, W) luma:
// 0.2989*r + 0.587*g + 0.114*b, rounded back to the input dtype.
func rgb2Gray(x *ts.Tensor) *ts.Tensor {
	dtype := x.DType()
	weights := []float64{0.2989, 0.587, 0.114}

	var gray *ts.Tensor
	for i, wt := range weights {
		c := x.MustSelect(2, int64(i), false).
			MustTotype(gotch.Double, true).
			MustMulScalar(ts.FloatScalar(wt), true)
		if gray == nil {
			gray = c
			continue
		}
		gray = gray.MustAdd(c, true)
		c.MustDrop()
	}

	return gray.MustRound(true).MustTotype(dtype, true)
}
