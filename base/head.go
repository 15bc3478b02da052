package base

import "github.com/sugarme/gotch/nn"

// NewScoreHead creates the 1x1 convolution projecting a stage feature map
// to a single score channel.
func NewScoreHead(p *nn.Path, cIn int64) *nn.Conv2D {
	return Conv2d(p, cIn, 1, 1, 0, 1)
}

// NewUpsampleHead creates a learned 1->1 transposed convolution that
// upsamples a score map by stride. No padding, so the output grows to
// (in-1)*stride + ksize.
func NewUpsampleHead(p *nn.Path, ksize, stride int64) *nn.ConvTranspose2D {
	config := nn.DefaultConvTranspose2DConfig()
	config.Stride = []int64{stride, stride}
	config.Padding = []int64{0, 0}

	return nn.NewConvTranspose2D(p, 1, 1, []int64{ksize, ksize}, config)
}
