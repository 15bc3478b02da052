package base

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/sugarme/gotch/ts"
)

// Margin is a number of pixels removed from each border of a feature map.
type Margin struct {
	Left, Right, Top, Bottom int64
}

func (m Margin) String() string {
	return fmt.Sprintf("(%d,%d,%d,%d)", m.Left, m.Right, m.Top, m.Bottom)
}

// Cropped returns the spatial size left after removing m from a h×w map.
func (m Margin) Cropped(h, w int64) (int64, int64) {
	return h - m.Top - m.Bottom, w - m.Left - m.Right
}

// Crop removes m from the last two dimensions of a [N C H W] tensor.
// The result is a contiguous copy; x is dropped when del is set.
func Crop(x *ts.Tensor, m Margin, del bool) (*ts.Tensor, error) {
	size := x.MustSize()
	if len(size) != 4 {
		return nil, errors.Errorf("crop expects a 4D [N C H W] tensor. Got shape %v", size)
	}
	if m.Left < 0 || m.Right < 0 || m.Top < 0 || m.Bottom < 0 {
		return nil, errors.Errorf("negative crop margin %v", m)
	}
	h, w := m.Cropped(size[2], size[3])
	if h <= 0 || w <= 0 {
		return nil, errors.Errorf("crop margin %v too large for %vx%v map", m, size[2], size[3])
	}

	rows := x.MustNarrow(2, m.Top, h, false)
	cols := rows.MustNarrow(3, m.Left, w, true)
	out := cols.MustContiguous(true)
	if del {
		x.MustDrop()
	}

	return out, nil
}
