package imageio

import (
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/ts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// PredictionPath is the file of the k-th saved prediction of validation
// round it.
func PredictionPath(dir string, it, k int) string {
	return filepath.Join(dir, fmt.Sprintf("%d_%d.jpg", it, k))
}

// GrayImage converts a (1, H, W) or (H, W) probability map in [0,1] to an
// 8-bit grayscale image.
func GrayImage(pred *ts.Tensor) (*image.Gray, error) {
	size := pred.MustSize()
	if len(size) == 3 && size[0] == 1 {
		size = size[1:]
	}
	if len(size) != 2 {
		return nil, errors.Errorf("expected (1, H, W) prediction. Got shape %v", pred.MustSize())
	}

	vals := pred.MustTotype(gotch.Double, false)
	defer vals.MustDrop()

	h, w := int(size[0]), int(size[1])
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i, v := range vals.Float64Values() {
		img.Pix[i] = uint8(255 * min(max(v, 0), 1))
	}
	return img, nil
}

// SavePredictions writes the first nSave predictions of the (N, 1, H, W)
// batches as grayscale JPEG files dir/<itValid>_<k>.jpg. It returns the
// number of files written.
func SavePredictions(preds []*ts.Tensor, dir string, itValid, nSave int) (int, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, err
	}

	k := 0
	for _, batch := range preds {
		n := batch.MustSize()[0]
		for i := int64(0); i < n && k < nSave; i++ {
			pred := batch.MustSelect(0, i, false)
			img, err := GrayImage(pred)
			pred.MustDrop()
			if err != nil {
				return k, err
			}
			if err := imaging.Save(img, PredictionPath(dir, itValid, k), imaging.JPEGQuality(95)); err != nil {
				return k, errors.Wrapf(err, "saving prediction %d", k)
			}
			k++
		}
		if k >= nSave {
			break
		}
	}
	return k, nil
}

// Point is one measurement of a learning curve.
type Point struct {
	Step  int
	Value float64
}

func xys(points []Point) plotter.XYs {
	pts := make(plotter.XYs, len(points))
	for i, p := range points {
		pts[i].X = float64(p.Step)
		pts[i].Y = p.Value
	}
	return pts
}

// PlotCurves saves the training and validation curves to path. The image
// format follows the file extension.
func PlotCurves(path, title string, train, valid []Point) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "step"
	p.Y.Label.Text = "loss"
	p.Add(plotter.NewGrid())

	for _, c := range []struct {
		name   string
		points []Point
		dashed bool
	}{{"train", train, false}, {"valid", valid, true}} {
		if len(c.points) == 0 {
			continue
		}
		line, err := plotter.NewLine(xys(c.points))
		if err != nil {
			return errors.Wrapf(err, "plotting %s curve", c.name)
		}
		if c.dashed {
			line.LineStyle.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		}
		p.Add(line)
		p.Legend.Add(c.name, line)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return p.Save(8*vg.Inch, 4*vg.Inch, path)
}
