// Package imageio reads images into raw tensors and writes predictions and
// learning curves back to disk.
package imageio

import (
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/chai2010/tiff"
	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	"github.com/sugarme/gotch/ts"
	"golang.org/x/image/draw"

	"github.com/zhouzhaorun/edge-detection-framework/dataset"
)

// Decode reads an image file. TIFF files go through chai2010/tiff (which
// handles the multi-page and 16 bit files common in imaging datasets);
// everything else through imaging.
func Decode(path string) (image.Image, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".tif", ".tiff":
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		img, err := tiff.Decode(f)
		if err != nil {
			return nil, errors.Wrapf(err, "decoding %q", path)
		}
		return img, nil
	default:
		img, err := imaging.Open(path)
		if err != nil {
			return nil, errors.Wrapf(err, "decoding %q", path)
		}
		return img, nil
	}
}

// ToRGB returns img as an (H, W, 3) uint8 tensor. Alpha is dropped.
func ToRGB(img image.Image) *ts.Tensor {
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)

	pix := make([]uint8, 0, b.Dx()*b.Dy()*3)
	for i := 0; i < len(rgba.Pix); i += 4 {
		pix = append(pix, rgba.Pix[i], rgba.Pix[i+1], rgba.Pix[i+2])
	}
	return ts.MustOfSlice(pix).MustView([]int64{int64(b.Dy()), int64(b.Dx()), 3}, true)
}

// ToGray returns img as an (H, W) uint8 luma tensor.
func ToGray(img image.Image) *ts.Tensor {
	b := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(gray, gray.Bounds(), img, b.Min, draw.Src)

	pix := make([]uint8, len(gray.Pix))
	copy(pix, gray.Pix)
	return ts.MustOfSlice(pix).MustView([]int64{int64(b.Dy()), int64(b.Dx())}, true)
}

// PairLoader implements dataset.Loader for image files on disk. Images
// smaller than MinHeight×MinWidth are upscaled, keeping their aspect ratio,
// so a patch can always be cropped from them.
type PairLoader struct {
	MinHeight, MinWidth int
}

var _ dataset.Loader = PairLoader{}

// Load decodes the pair into an (H, W, 3) image and an (H, W) label.
func (l PairLoader) Load(p dataset.Pair) (*ts.Tensor, *ts.Tensor, error) {
	img, err := Decode(p.Image)
	if err != nil {
		return nil, nil, err
	}
	lbl, err := Decode(p.Label)
	if err != nil {
		return nil, nil, err
	}
	if ib, lb := img.Bounds(), lbl.Bounds(); ib.Dx() != lb.Dx() || ib.Dy() != lb.Dy() {
		return nil, nil, errors.Errorf("%q is %dx%d but its label is %dx%d", p.ID, ib.Dy(), ib.Dx(), lb.Dy(), lb.Dx())
	}

	img = l.upscale(img, resize.Bilinear)
	// nearest neighbour keeps edge labels crisp
	lbl = l.upscale(lbl, resize.NearestNeighbor)

	return ToRGB(img), ToGray(lbl), nil
}

func (l PairLoader) upscale(img image.Image, interp resize.InterpolationFunction) image.Image {
	b := img.Bounds()
	scale := max(float64(l.MinHeight)/float64(b.Dy()), float64(l.MinWidth)/float64(b.Dx()))
	if scale <= 1 {
		return img
	}
	w := uint(float64(b.Dx())*scale + 0.999)
	h := uint(float64(b.Dy())*scale + 0.999)
	return resize.Resize(w, h, img, interp)
}
