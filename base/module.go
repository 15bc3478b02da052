package base

import (
	"math"

	"github.com/pkg/errors"
	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"
)

// Activation is a pointwise nonlinearity. It returns a new tensor and
// leaves its input untouched.
type Activation func(x *ts.Tensor) *ts.Tensor

// ReLU is the default activation of the backbone.
func ReLU(x *ts.Tensor) *ts.Tensor {
	return x.MustRelu(false)
}

// Tanh activation.
func Tanh(x *ts.Tensor) *ts.Tensor {
	return x.MustTanh(false)
}

// ActivationByName returns the activation registered under name.
func ActivationByName(name string) (Activation, error) {
	switch name {
	case "", "relu":
		return ReLU, nil
	case "tanh":
		return Tanh, nil
	default:
		return nil, errors.Errorf("unsupported activation %q. Expected 'relu' or 'tanh'", name)
	}
}

// HeNormal returns a variance scaling initializer N(0, sqrt(2/n)) where
// n = ksize * ksize * cOut (fan-out of a square kernel).
func HeNormal(ksize, cOut int64) nn.Init {
	n := float64(ksize * ksize * cOut)
	return nn.NewRandnInit(0.0, math.Sqrt(2.0/n))
}

// Conv2d creates a Conv2D module with symmetric padding and He-normal weights.
func Conv2d(p *nn.Path, cIn, cOut, ksize, padding, stride int64) *nn.Conv2D {
	return Conv2dHW(p, cIn, cOut, ksize, padding, padding, stride)
}

// Conv2dHW creates a Conv2D module with separate height and width padding.
func Conv2dHW(p *nn.Path, cIn, cOut, ksize, padH, padW, stride int64) *nn.Conv2D {
	config := nn.DefaultConv2DConfig()
	config.Stride = []int64{stride, stride}
	config.Padding = []int64{padH, padW}
	config.WsInit = HeNormal(ksize, cOut)

	return nn.NewConv2D(p, cIn, cOut, ksize, config)
}

// Conv2dNoBias creates Conv2D with no bias. Used in front of a batch norm.
func Conv2dNoBias(p *nn.Path, cIn, cOut, ksize, padH, padW, stride int64) *nn.Conv2D {
	config := nn.DefaultConv2DConfig()
	config.Bias = false
	config.Stride = []int64{stride, stride}
	config.Padding = []int64{padH, padW}
	config.WsInit = HeNormal(ksize, cOut)

	return nn.NewConv2D(p, cIn, cOut, ksize, config)
}

// BatchNorm2d creates a batch norm with scale initialised to 1 and bias to 0.
func BatchNorm2d(p *nn.Path, dim int64) *nn.BatchNorm {
	config := nn.DefaultBatchNormConfig()
	config.WsInit = nn.NewConstInit(1.0)
	config.BsInit = nn.NewConstInit(0.0)

	return nn.BatchNorm2D(p, dim, config)
}

// ConvBlock is a 3x3 convolution followed by an optional batch norm and
// an activation.
type ConvBlock struct {
	Conv *nn.Conv2D
	Bn   *nn.BatchNorm
	act  Activation
}

// NewConvBlock creates a ConvBlock. With batchNorm set the convolution has
// no bias and the norm lives under `<p>/bn`.
func NewConvBlock(p *nn.Path, cIn, cOut, ksize, padH, padW int64, batchNorm bool, act Activation) *ConvBlock {
	if act == nil {
		act = ReLU
	}
	if !batchNorm {
		return &ConvBlock{
			Conv: Conv2dHW(p, cIn, cOut, ksize, padH, padW, 1),
			act:  act,
		}
	}

	return &ConvBlock{
		Conv: Conv2dNoBias(p, cIn, cOut, ksize, padH, padW, 1),
		Bn:   BatchNorm2d(p.Sub("bn"), cOut),
		act:  act,
	}
}

// ForwardT implements ts.ModuleT for ConvBlock.
func (b *ConvBlock) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	c := b.Conv.Forward(x)
	if b.Bn != nil {
		bn := b.Bn.ForwardT(c, train)
		c.MustDrop()
		c = bn
	}
	out := b.act(c)
	c.MustDrop()

	return out
}
