package encoder

import (
	"github.com/sugarme/gotch/ts"
)

// Encoder is the backbone interface of an edge detection model.
// ForwardAll returns one feature map per stage, shallowest first.
// The caller owns the returned tensors.
type Encoder interface {
	ForwardAll(x *ts.Tensor, train bool) []*ts.Tensor
}
