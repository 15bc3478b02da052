package metric

import (
	"math"

	"github.com/pkg/errors"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/ts"
	"k8s.io/klog/v2"
)

// ErrTargetRequiresGrad is returned when a loss target is tracked by
// autograd. Losses never differentiate w.r.t. their targets.
var ErrTargetRequiresGrad = errors.New("loss target requires grad: mark it as not requiring gradients")

// NOTE: reduction: none = 0; mean = 1; sum = 2.
const (
	reductionNone int64 = iota
	reductionMean
	reductionSum
)

func assertNoGrad(target *ts.Tensor) error {
	if target.MustRequiresGrad() {
		return ErrTargetRequiresGrad
	}
	return nil
}

// ClassWeights returns the per-pixel weight map
//
//	w = (1 - beta) + (2*beta - 1) * target, beta = 1 - mean(target)
//
// so edge pixels (target = 1) weigh beta and background pixels weigh 1-beta.
// beta is computed on the whole batch.
func ClassWeights(target *ts.Tensor) (w *ts.Tensor, beta float64) {
	mean := target.MustMean(gotch.Double, false)
	beta = 1 - mean.Float64Values()[0]
	mean.MustDrop()

	w = target.MustMulScalar(ts.FloatScalar(2*beta-1), false).MustAddScalar(ts.FloatScalar(1-beta), true)
	return w, beta
}

// BCELoss is the mean binary cross entropy between probabilities pred and
// target.
func BCELoss(pred, target *ts.Tensor) (*ts.Tensor, error) {
	if err := assertNoGrad(target); err != nil {
		return nil, err
	}
	return pred.MustBinaryCrossEntropy(target, ts.NewTensor(), reductionMean, false), nil
}

// WeightedBCELoss is the binary cross entropy of probabilities pred against
// target, each pixel weighted by ClassWeights and averaged over all pixels.
func WeightedBCELoss(pred, target *ts.Tensor) (*ts.Tensor, error) {
	if err := assertNoGrad(target); err != nil {
		return nil, err
	}
	w, _ := ClassWeights(target)
	loss := pred.MustBinaryCrossEntropy(target, w, reductionMean, false)
	w.MustDrop()

	return loss, nil
}

// MustWeightedBCELoss is WeightedBCELoss that panics on error.
func MustWeightedBCELoss(pred, target *ts.Tensor) *ts.Tensor {
	loss, err := WeightedBCELoss(pred, target)
	if err != nil {
		panic(err)
	}
	return loss
}

// MSEDiagnostics reports the squared error split by class. Pos and Neg are
// NaN when the batch has no pixel of that class; Degenerate is set then.
type MSEDiagnostics struct {
	Pos, Neg   float64
	Max, Min   float64
	Beta       float64
	Degenerate bool
}

// WeightedMSELoss returns the weighted sum (not the mean) of squared errors
//
//	sum(w * (target - pred)^2)
//
// with w from ClassWeights, plus per-class mean errors as diagnostics.
// The diagnostics are not part of the graph.
func WeightedMSELoss(pred, target *ts.Tensor) (*ts.Tensor, MSEDiagnostics, error) {
	var diag MSEDiagnostics
	if err := assertNoGrad(target); err != nil {
		return nil, diag, err
	}

	w, beta := ClassWeights(target)
	diag.Beta = beta

	diff := target.MustSub(pred, false)
	sqErr := diff.MustMul(diff, false)
	diff.MustDrop()

	ts.NoGrad(func() {
		diag.Pos, diag.Neg, diag.Degenerate = classErrors(sqErr, target)
		hi := pred.MustMax(false)
		lo := pred.MustMin(false)
		diag.Max = hi.Float64Values()[0]
		diag.Min = lo.Float64Values()[0]
		hi.MustDrop()
		lo.MustDrop()
	})
	if diag.Degenerate {
		klog.Warningf("weighted mse: degenerate batch (beta=%.3f), class mean error undefined: pos=%v neg=%v", beta, diag.Pos, diag.Neg)
	}

	weighted := w.MustMul(sqErr, true)
	sqErr.MustDrop()
	loss := weighted.MustSum(pred.DType(), true)

	return loss, diag, nil
}

// classErrors returns sum(t*e)/sum(t) and sum((1-t)*e)/sum(1-t).
func classErrors(sqErr, target *ts.Tensor) (pos, neg float64, degenerate bool) {
	posErr := target.MustMul(sqErr, false).MustSum(gotch.Double, true)
	posCount := target.MustSum(gotch.Double, false)
	negTarget := target.MustMulScalar(ts.FloatScalar(-1), false).MustAddScalar(ts.FloatScalar(1), true)
	negErr := negTarget.MustMul(sqErr, false).MustSum(gotch.Double, true)
	negCount := negTarget.MustSum(gotch.Double, true)

	pe, pc := posErr.Float64Values()[0], posCount.Float64Values()[0]
	ne, nc := negErr.Float64Values()[0], negCount.Float64Values()[0]
	posErr.MustDrop()
	posCount.MustDrop()
	negErr.MustDrop()
	negCount.MustDrop()

	pos, neg = math.NaN(), math.NaN()
	if pc > 0 {
		pos = pe / pc
	} else {
		degenerate = true
	}
	if nc > 0 {
		neg = ne / nc
	} else {
		degenerate = true
	}

	return pos, neg, degenerate
}

// Objective is a training loss over a batch of probabilities and targets.
type Objective func(pred, target *ts.Tensor) (*ts.Tensor, error)

// Objective names accepted by NewObjective.
const (
	ObjectiveBCE         = "bce"
	ObjectiveWeightedBCE = "weighted_bce"
	ObjectiveWeightedMSE = "weighted_mse"
)

// NewObjective returns the objective registered under name.
func NewObjective(name string) (Objective, error) {
	switch name {
	case ObjectiveBCE:
		return BCELoss, nil
	case ObjectiveWeightedBCE:
		return WeightedBCELoss, nil
	case ObjectiveWeightedMSE:
		return func(pred, target *ts.Tensor) (*ts.Tensor, error) {
			loss, diag, err := WeightedMSELoss(pred, target)
			if err != nil {
				return nil, err
			}
			klog.V(2).Infof("mse pos %.5f neg %.5f max %.4f min %.4f", diag.Pos, diag.Neg, diag.Max, diag.Min)
			return loss, nil
		}, nil
	default:
		return nil, errors.Errorf("unknown objective %q. Expected one of %q, %q, %q",
			name, ObjectiveBCE, ObjectiveWeightedBCE, ObjectiveWeightedMSE)
	}
}
