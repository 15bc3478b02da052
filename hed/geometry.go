package hed

import (
	"github.com/pkg/errors"

	"github.com/zhouzhaorun/edge-detection-framework/base"
)

// ErrShapeMismatch is returned when the aligned side outputs do not share
// one spatial size.
var ErrShapeMismatch = errors.New("side outputs differ in shape after crop")

// Stage is the side output geometry of one backbone stage.
type Stage struct {
	// Kernel and Stride of the transposed convolution upsampling the
	// stage score. Zero for the native resolution stage.
	Kernel, Stride int64
	// Crop aligns the (upsampled) score map to the input frame.
	Crop base.Margin
	// Weight of the side output in the fused map.
	Weight float64
}

// Upsampled reports whether the stage score goes through a transposed conv.
func (s Stage) Upsampled() bool {
	return s.Stride > 0
}

// Geometry holds every architecture constant that affects spatial size.
// The invariant is that for the configured input all five side outputs
// have the same size once cropped.
type Geometry struct {
	// FirstPad is the (height, width) padding of conv1_1.
	FirstPad [2]int64
	Stages   []Stage
}

// DefaultGeometry is the geometry for 256×256 patches.
//
//	stage | deconv k/s | pre-crop  | crop (l,r,t,b)
//	1     | -          | 312 x 320 | (32,32,28,28)
//	2     | 4/2        | 314 x 322 | (33,33,29,29)
//	3     | 8/4        | 316 x 324 | (34,34,30,30)
//	4     | 16/8       | 320 x 328 | (36,36,32,32)
//	5     | 32/16      | 320 x 336 | (40,40,32,32)
func DefaultGeometry() Geometry {
	return Geometry{
		FirstPad: [2]int64{29, 33},
		Stages: []Stage{
			{Crop: base.Margin{Left: 32, Right: 32, Top: 28, Bottom: 28}, Weight: 0.2},
			{Kernel: 4, Stride: 2, Crop: base.Margin{Left: 33, Right: 33, Top: 29, Bottom: 29}, Weight: 0.2},
			{Kernel: 8, Stride: 4, Crop: base.Margin{Left: 34, Right: 34, Top: 30, Bottom: 30}, Weight: 0.2},
			{Kernel: 16, Stride: 8, Crop: base.Margin{Left: 36, Right: 36, Top: 32, Bottom: 32}, Weight: 0.2},
			{Kernel: 32, Stride: 16, Crop: base.Margin{Left: 40, Right: 40, Top: 32, Bottom: 32}, Weight: 0.2},
		},
	}
}

// SideSizes returns the (height, width) of every side score map before
// cropping for a h×w input. Stage i feature maps are 2^(i-1) times smaller
// than stage 1 (floor division by the 2x2 pools).
func (g Geometry) SideSizes(h, w int64) ([][2]int64, error) {
	fh := h + 2*g.FirstPad[0] - 2
	fw := w + 2*g.FirstPad[1] - 2

	sizes := make([][2]int64, 0, len(g.Stages))
	for i, s := range g.Stages {
		if i > 0 {
			fh, fw = fh/2, fw/2
		}
		if fh <= 0 || fw <= 0 {
			return nil, errors.Errorf("input %dx%d too small: stage %d feature map is empty", h, w, i+1)
		}
		sh, sw := fh, fw
		if s.Upsampled() {
			sh = (fh-1)*s.Stride + s.Kernel
			sw = (fw-1)*s.Stride + s.Kernel
		}
		sizes = append(sizes, [2]int64{sh, sw})
	}

	return sizes, nil
}

// OutputSize returns the fused output size for a h×w input, or
// ErrShapeMismatch if the crops don't bring the side outputs to one size.
func (g Geometry) OutputSize(h, w int64) ([2]int64, error) {
	sizes, err := g.SideSizes(h, w)
	if err != nil {
		return [2]int64{}, err
	}

	var out [2]int64
	for i, sz := range sizes {
		ch, cw := g.Stages[i].Crop.Cropped(sz[0], sz[1])
		if ch <= 0 || cw <= 0 {
			return [2]int64{}, errors.Errorf("stage %d crop %v empties its %dx%d map", i+1, g.Stages[i].Crop, sz[0], sz[1])
		}
		if i == 0 {
			out = [2]int64{ch, cw}
			continue
		}
		if out != [2]int64{ch, cw} {
			return [2]int64{}, errors.Wrapf(ErrShapeMismatch, "stage %d is %dx%d, stage 1 is %dx%d", i+1, ch, cw, out[0], out[1])
		}
	}

	return out, nil
}

// Align returns a copy of g whose crop margins center every side output on
// the h×w input frame. When a total margin is odd the extra pixel goes to
// the right/bottom.
func (g Geometry) Align(h, w int64) (Geometry, error) {
	sizes, err := g.SideSizes(h, w)
	if err != nil {
		return Geometry{}, err
	}

	aligned := Geometry{FirstPad: g.FirstPad, Stages: make([]Stage, len(g.Stages))}
	for i, sz := range sizes {
		dh, dw := sz[0]-h, sz[1]-w
		if dh < 0 || dw < 0 {
			return Geometry{}, errors.Errorf("stage %d output %dx%d is smaller than input %dx%d", i+1, sz[0], sz[1], h, w)
		}
		s := g.Stages[i]
		s.Crop = base.Margin{
			Left:   dw / 2,
			Right:  dw - dw/2,
			Top:    dh / 2,
			Bottom: dh - dh/2,
		}
		aligned.Stages[i] = s
	}

	return aligned, nil
}
