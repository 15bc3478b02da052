package preprocess_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugarme/gotch/ts"

	"github.com/zhouzhaorun/edge-detection-framework/preprocess"
)

// ramp returns an (h, w, c) uint8 image and its (h, w) label where pixel
// (i, j) holds 10*i + j in every channel.
func ramp(h, w, c int64) (*ts.Tensor, *ts.Tensor) {
	img := make([]uint8, 0, h*w*c)
	lbl := make([]uint8, 0, h*w)
	for i := int64(0); i < h; i++ {
		for j := int64(0); j < w; j++ {
			v := uint8(10*i + j)
			lbl = append(lbl, v)
			for k := int64(0); k < c; k++ {
				img = append(img, v)
			}
		}
	}
	x := ts.MustOfSlice(img).MustView([]int64{h, w, c}, true)
	y := ts.MustOfSlice(lbl).MustView([]int64{h, w}, true)
	return x, y
}

func smallOptions() preprocess.Options {
	opts := preprocess.DefaultOptions()
	opts.Height, opts.Width = 4, 4
	return opts
}

func TestOffsetDeterministic(t *testing.T) {
	a, err := preprocess.NewSeeded(smallOptions(), preprocess.ValidSeed)
	require.NoError(t, err)
	b, err := preprocess.NewSeeded(smallOptions(), preprocess.ValidSeed)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		ta, la, err := a.Offset(9, 12)
		require.NoError(t, err)
		tb, lb, err := b.Offset(9, 12)
		require.NoError(t, err)
		assert.Equal(t, ta, tb)
		assert.Equal(t, la, lb)
		assert.True(t, ta >= 0 && ta <= 5)
		assert.True(t, la >= 0 && la <= 8)
	}
}

func TestOffsetTooSmall(t *testing.T) {
	p, err := preprocess.NewSeeded(smallOptions(), 1)
	require.NoError(t, err)

	_, _, err = p.Offset(3, 10)
	assert.Error(t, err)

	top, left, err := p.Offset(4, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(0), top)
	assert.Equal(t, int64(0), left)
}

func TestPreparePairedCrop(t *testing.T) {
	x, y := ramp(6, 7, 3)
	defer x.MustDrop()
	defer y.MustDrop()

	p, err := preprocess.NewSeeded(smallOptions(), preprocess.TrainSeed)
	require.NoError(t, err)
	twin, err := preprocess.NewSeeded(smallOptions(), preprocess.TrainSeed)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		top, left, err := twin.Offset(6, 7)
		require.NoError(t, err)

		xOut, yOut, err := p.Prepare(x, y)
		require.NoError(t, err)

		assert.Equal(t, []int64{3, 4, 4}, xOut.MustSize())
		assert.Equal(t, []int64{1, 4, 4}, yOut.MustSize())

		xv := xOut.Float64Values()
		yv := yOut.Float64Values()
		assert.InDelta(t, float64(10*top+left)/255, yv[0], 1e-6)
		// every channel of x matches y pixel for pixel
		for c := 0; c < 3; c++ {
			assert.InDeltaSlice(t, yv, xv[c*16:(c+1)*16], 1e-6)
		}

		xOut.MustDrop()
		yOut.MustDrop()
	}
}

func TestPrepareValidIsReproducible(t *testing.T) {
	x, y := ramp(8, 9, 3)
	defer x.MustDrop()
	defer y.MustDrop()

	run := func() ([]float64, []float64) {
		p, err := preprocess.NewSeeded(smallOptions(), preprocess.ValidSeed)
		require.NoError(t, err)
		var xs, ys []float64
		for i := 0; i < 3; i++ {
			xOut, yOut, err := p.Prepare(x, y)
			require.NoError(t, err)
			xs = append(xs, xOut.Float64Values()...)
			ys = append(ys, yOut.Float64Values()...)
			xOut.MustDrop()
			yOut.MustDrop()
		}
		return xs, ys
	}

	x1, y1 := run()
	x2, y2 := run()
	assert.Equal(t, x1, x2)
	assert.Equal(t, y1, y2)
}

func TestPrepareErrors(t *testing.T) {
	p, err := preprocess.NewSeeded(smallOptions(), 0)
	require.NoError(t, err)

	// too small
	x, y := ramp(3, 3, 3)
	_, _, err = p.Prepare(x, y)
	assert.Error(t, err)
	x.MustDrop()
	y.MustDrop()

	// wrong channel count
	x, y = ramp(6, 6, 1)
	_, _, err = p.Prepare(x, y)
	assert.Error(t, err)
	x.MustDrop()
	y.MustDrop()

	// label size differs from the image
	x, _ = ramp(6, 6, 3)
	_, y = ramp(5, 6, 3)
	_, _, err = p.Prepare(x, y)
	assert.Error(t, err)
	x.MustDrop()
	y.MustDrop()
}

func TestAugmentationNeedsSquarePatch(t *testing.T) {
	opts := smallOptions()
	opts.Width = 6
	opts.Aug.Enabled = true
	_, err := preprocess.NewSeeded(opts, 0)
	assert.Error(t, err)

	opts.Aug.Rot90Values = []int64{0, 2}
	_, err = preprocess.NewSeeded(opts, 0)
	assert.NoError(t, err)
}

func TestAugmentationKeepsPairing(t *testing.T) {
	opts := smallOptions()
	opts.Aug.Enabled = true

	x, y := ramp(6, 6, 3)
	defer x.MustDrop()
	defer y.MustDrop()

	p, err := preprocess.NewSeeded(opts, 7)
	require.NoError(t, err)
	for i := 0; i < 8; i++ {
		xOut, yOut, err := p.Prepare(x, y)
		require.NoError(t, err)
		xv := xOut.Float64Values()
		assert.InDeltaSlice(t, yOut.Float64Values(), xv[:16], 1e-6)
		xOut.MustDrop()
		yOut.MustDrop()
	}
}
