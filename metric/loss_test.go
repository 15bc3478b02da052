package metric_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/ts"

	"github.com/zhouzhaorun/edge-detection-framework/metric"
)

func tensor2x2(vals []float64) *ts.Tensor {
	return ts.MustOfSlice(vals).MustView([]int64{1, 1, 2, 2}, true)
}

func TestClassWeights(t *testing.T) {
	target := tensor2x2([]float64{1, 0, 0, 0})
	defer target.MustDrop()

	w, beta := metric.ClassWeights(target)
	defer w.MustDrop()

	assert.InDelta(t, 0.75, beta, 1e-9)
	assert.InDeltaSlice(t, []float64{0.75, 0.25, 0.25, 0.25}, w.Float64Values(), 1e-9)
}

func TestWeightedBCEHalfBeta(t *testing.T) {
	// beta = 0.5 so every pixel weighs 0.5
	pred := tensor2x2([]float64{0.9, 0.2, 0.3, 0.6})
	target := tensor2x2([]float64{1, 0, 0, 1})
	defer pred.MustDrop()
	defer target.MustDrop()

	weighted, err := metric.WeightedBCELoss(pred, target)
	require.NoError(t, err)
	defer weighted.MustDrop()

	plain, err := metric.BCELoss(pred, target)
	require.NoError(t, err)
	defer plain.MustDrop()

	want := -(math.Log(0.9) + math.Log(0.8) + math.Log(0.7) + math.Log(0.6)) / 4
	assert.InDelta(t, want, plain.Float64Values()[0], 1e-9)
	assert.InDelta(t, 0.5*want, weighted.Float64Values()[0], 1e-9)
}

func TestLossRejectsGradTarget(t *testing.T) {
	pred := tensor2x2([]float64{0.9, 0.2, 0.3, 0.6})
	target := tensor2x2([]float64{1, 0, 0, 1}).MustSetRequiresGrad(true, true)
	defer pred.MustDrop()
	defer target.MustDrop()

	_, err := metric.WeightedBCELoss(pred, target)
	assert.ErrorIs(t, err, metric.ErrTargetRequiresGrad)

	_, err = metric.BCELoss(pred, target)
	assert.ErrorIs(t, err, metric.ErrTargetRequiresGrad)

	_, _, err = metric.WeightedMSELoss(pred, target)
	assert.ErrorIs(t, err, metric.ErrTargetRequiresGrad)

	assert.Panics(t, func() { metric.MustWeightedBCELoss(pred, target) })
}

func TestWeightedMSE(t *testing.T) {
	pred := tensor2x2([]float64{0.5, 0.5, 0, 1})
	target := tensor2x2([]float64{1, 0, 0, 0})
	defer pred.MustDrop()
	defer target.MustDrop()

	loss, diag, err := metric.WeightedMSELoss(pred, target)
	require.NoError(t, err)
	defer loss.MustDrop()

	// beta = 0.75: 0.75*0.25 + 0.25*(0.25 + 0 + 1)
	assert.InDelta(t, 0.5, loss.Float64Values()[0], 1e-9)
	assert.InDelta(t, 0.25, diag.Pos, 1e-9)
	assert.InDelta(t, 1.25/3, diag.Neg, 1e-9)
	assert.Equal(t, 1.0, diag.Max)
	assert.Equal(t, 0.0, diag.Min)
	assert.False(t, diag.Degenerate)
}

func TestWeightedMSEDegenerate(t *testing.T) {
	pred := tensor2x2([]float64{0.1, 0.2, 0.3, 0.4})
	target := tensor2x2([]float64{0, 0, 0, 0})
	defer pred.MustDrop()
	defer target.MustDrop()

	loss, diag, err := metric.WeightedMSELoss(pred, target)
	require.NoError(t, err)
	defer loss.MustDrop()

	assert.True(t, diag.Degenerate)
	assert.True(t, math.IsNaN(diag.Pos))
	assert.False(t, math.IsNaN(diag.Neg))
	// beta = 1: background weighs 0
	assert.InDelta(t, 0.0, loss.Float64Values()[0], 1e-9)
}

func TestNewObjective(t *testing.T) {
	pred := ts.MustRand([]int64{2, 1, 4, 4}, gotch.Double, gotch.CPU)
	target := ts.MustRand([]int64{2, 1, 4, 4}, gotch.Double, gotch.CPU)
	defer pred.MustDrop()
	defer target.MustDrop()

	for _, name := range []string{metric.ObjectiveBCE, metric.ObjectiveWeightedBCE, metric.ObjectiveWeightedMSE} {
		obj, err := metric.NewObjective(name)
		require.NoError(t, err, name)
		loss, err := obj(pred, target)
		require.NoError(t, err, name)
		assert.Empty(t, loss.MustSize(), name)
		loss.MustDrop()
	}

	_, err := metric.NewObjective("hinge")
	assert.Error(t, err)
}
