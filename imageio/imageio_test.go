package imageio_test

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/ts"

	"github.com/zhouzhaorun/edge-detection-framework/dataset"
	"github.com/zhouzhaorun/edge-detection-framework/imageio"
)

func writePair(t *testing.T, dir string, w, h int) dataset.Pair {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	lbl := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: 200, G: 100, B: 50, A: 255})
			if x == y {
				lbl.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	p := dataset.Pair{
		ID:    "sample",
		Image: filepath.Join(dir, "sample.png"),
		Label: filepath.Join(dir, "sample_hed.png"),
	}
	require.NoError(t, imaging.Save(img, p.Image))
	require.NoError(t, imaging.Save(lbl, p.Label))
	return p
}

func TestPairLoader(t *testing.T) {
	p := writePair(t, t.TempDir(), 5, 4)

	x, y, err := imageio.PairLoader{}.Load(p)
	require.NoError(t, err)
	defer x.MustDrop()
	defer y.MustDrop()

	assert.Equal(t, []int64{4, 5, 3}, x.MustSize())
	assert.Equal(t, []int64{4, 5}, y.MustSize())
	assert.Equal(t, gotch.Uint8, x.DType())

	xv := x.Float64Values()
	assert.Equal(t, []float64{200, 100, 50}, xv[:3])
	yv := y.Float64Values()
	assert.Equal(t, 255.0, yv[0])
	assert.Equal(t, 0.0, yv[1])
	assert.Equal(t, 255.0, yv[6])
}

func TestPairLoaderUpscales(t *testing.T) {
	p := writePair(t, t.TempDir(), 8, 4)

	x, y, err := imageio.PairLoader{MinHeight: 16, MinWidth: 16}.Load(p)
	require.NoError(t, err)
	defer x.MustDrop()
	defer y.MustDrop()

	assert.Equal(t, []int64{16, 32, 3}, x.MustSize())
	assert.Equal(t, []int64{16, 32}, y.MustSize())
}

func TestPairLoaderMissing(t *testing.T) {
	_, _, err := imageio.PairLoader{}.Load(dataset.Pair{ID: "x", Image: "nope.png", Label: "nope.png"})
	assert.Error(t, err)
}

func TestSavePredictions(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "checkpoints", "exp")

	batch := ts.MustRand([]int64{3, 1, 8, 8}, gotch.Float, gotch.CPU)
	defer batch.MustDrop()

	n, err := imageio.SavePredictions([]*ts.Tensor{batch, batch}, dir, 120, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	for k := 0; k < 4; k++ {
		img, err := imaging.Open(imageio.PredictionPath(dir, 120, k))
		require.NoError(t, err)
		assert.Equal(t, 8, img.Bounds().Dx())
	}
	_, err = os.Stat(imageio.PredictionPath(dir, 120, 4))
	assert.True(t, os.IsNotExist(err))
}

func TestGrayImage(t *testing.T) {
	pred := ts.MustOfSlice([]float64{0, 0.5, 1, 2}).MustView([]int64{1, 2, 2}, true)
	defer pred.MustDrop()

	img, err := imageio.GrayImage(pred)
	require.NoError(t, err)
	assert.Equal(t, []uint8{0, 127, 255, 255}, img.Pix)

	bad := ts.MustZeros([]int64{2, 2, 2}, gotch.Float, gotch.CPU)
	defer bad.MustDrop()
	_, err = imageio.GrayImage(bad)
	assert.Error(t, err)
}

func TestPlotCurves(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plots", "curves.png")
	train := []imageio.Point{{Step: 0, Value: 0.9}, {Step: 10, Value: 0.6}, {Step: 20, Value: 0.4}}
	valid := []imageio.Point{{Step: 10, Value: 0.7}, {Step: 20, Value: 0.5}}

	require.NoError(t, imageio.PlotCurves(path, "hed", train, valid))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}
