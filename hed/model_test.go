package hed_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"

	"github.com/zhouzhaorun/edge-detection-framework/hed"
)

func TestNetForwardShapes(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	net, err := hed.NewNet(vs.Root(), hed.DefaultConfig())
	require.NoError(t, err)

	h, w := net.OutputSize()
	assert.Equal(t, int64(256), h)
	assert.Equal(t, int64(256), w)

	batchSize := int64(1)
	image := ts.MustRand([]int64{batchSize, 3, 256, 256}, gotch.Float, gotch.CPU)
	defer image.MustDrop()

	var out *hed.Output
	ts.NoGrad(func() {
		out, err = net.Forward(image, false)
	})
	require.NoError(t, err)
	defer out.Drop()

	// all five side outputs share one shape before they are summed
	require.Len(t, out.Sides, 5)
	ref := out.Sides[0].MustSize()
	for i, s := range out.Sides {
		assert.Equal(t, ref, s.MustSize(), "side %d", i+1)
	}
	assert.Equal(t, []int64{batchSize, 1, 256, 256}, ref)
	assert.Equal(t, []int64{batchSize, 1, 256, 256}, out.Fused.MustSize())

	// fused map is a convex combination of sigmoids
	hi := out.Fused.MustMax(false)
	lo := out.Fused.MustMin(false)
	defer hi.MustDrop()
	defer lo.MustDrop()
	assert.LessOrEqual(t, hi.Float64Values()[0], 1.0)
	assert.GreaterOrEqual(t, lo.Float64Values()[0], 0.0)
}

func TestNetFusedIsWeightedSum(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	net, err := hed.NewNet(vs.Root(), hed.DefaultConfig())
	require.NoError(t, err)

	image := ts.MustRand([]int64{1, 3, 256, 256}, gotch.Float, gotch.CPU)
	defer image.MustDrop()

	var out *hed.Output
	ts.NoGrad(func() {
		out, err = net.Forward(image, false)
	})
	require.NoError(t, err)
	defer out.Drop()

	sum := out.Fused.MustZerosLike(false)
	for i, s := range out.Sides {
		weighted := s.MustMulScalar(ts.FloatScalar(net.Geometry().Stages[i].Weight), false)
		sum = sum.MustAdd(weighted, true)
		weighted.MustDrop()
	}
	defer sum.MustDrop()

	diff := sum.MustSub(out.Fused, false).MustAbs(true).MustMax(true)
	defer diff.MustDrop()
	assert.Less(t, diff.Float64Values()[0], 1e-5)
}

func TestNetRejectsWrongInput(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	net, err := hed.NewNet(vs.Root(), hed.DefaultConfig())
	require.NoError(t, err)

	image := ts.MustRand([]int64{1, 3, 128, 256}, gotch.Float, gotch.CPU)
	defer image.MustDrop()

	_, err = net.Forward(image, false)
	assert.Error(t, err)
	assert.Panics(t, func() { net.ForwardT(image, false) })
}

func TestNetTrainStep(t *testing.T) {
	cfg := hed.DefaultConfig()
	cfg.CropHeight, cfg.CropWidth = 64, 64
	cfg.BatchNorm = true

	vs := nn.NewVarStore(gotch.CPU)
	net, err := hed.NewNet(vs.Root(), cfg)
	require.NoError(t, err)
	h, w := net.OutputSize()
	assert.Equal(t, int64(64), h)
	assert.Equal(t, int64(64), w)

	opt, err := nn.DefaultAdamConfig().Build(vs, 1e-3)
	require.NoError(t, err)

	image := ts.MustRand([]int64{2, 3, 64, 64}, gotch.Float, gotch.CPU)
	target := ts.MustRand([]int64{2, 1, 64, 64}, gotch.Float, gotch.CPU)
	defer image.MustDrop()
	defer target.MustDrop()

	pred := net.ForwardT(image, true)
	loss := pred.MustBinaryCrossEntropy(target, ts.NewTensor(), 1, true)
	opt.BackwardStep(loss)
	assert.False(t, math.IsNaN(loss.Float64Values()[0]))
	loss.MustDrop()
}
