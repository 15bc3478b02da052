package metric

import (
	"github.com/pkg/errors"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/ts"
)

// ContFScore is the continuous F-score of predicted edge probabilities
// against ground truths, accumulated over all batches:
//
//	P = sum(p*g)/sum(p), R = sum(p*g)/sum(g), F = 2PR/(P+R) = 2*sum(p*g)/(sum(p)+sum(g))
//
// It returns 1 when both predictions and ground truths are empty.
func ContFScore(preds, gts []*ts.Tensor) (float64, error) {
	if len(preds) != len(gts) {
		return 0, errors.Errorf("got %d prediction batches and %d ground truth batches", len(preds), len(gts))
	}

	var tp, sumP, sumG float64
	for i := range preds {
		if !sameSize(preds[i].MustSize(), gts[i].MustSize()) {
			return 0, errors.Errorf("batch %d: prediction shape %v, ground truth shape %v", i, preds[i].MustSize(), gts[i].MustSize())
		}
		ts.NoGrad(func() {
			inter := preds[i].MustMul(gts[i], false).MustSum(gotch.Double, true)
			p := preds[i].MustSum(gotch.Double, false)
			g := gts[i].MustSum(gotch.Double, false)
			tp += inter.Float64Values()[0]
			sumP += p.Float64Values()[0]
			sumG += g.Float64Values()[0]
			inter.MustDrop()
			p.MustDrop()
			g.MustDrop()
		})
	}

	if sumP+sumG == 0 {
		return 1, nil
	}
	return 2 * tp / (sumP + sumG), nil
}

// binarize thresholds x at 0.5 into a float tensor of 0/1.
func binarize(x *ts.Tensor) *ts.Tensor {
	return x.MustGt(ts.FloatScalar(0.5), false).MustTotype(gotch.Double, true)
}

// DiceCoeff is 2|P∩T|/(|P|+|T|) of predictions and targets thresholded at 0.5.
func DiceCoeff(pred, target *ts.Tensor) float64 {
	var dice float64
	ts.NoGrad(func() {
		p := binarize(pred)
		t := binarize(target)
		inter := p.MustMul(t, false).MustSum(gotch.Double, true)
		union := p.MustAdd(t, false).MustSum(gotch.Double, true)

		i, u := inter.Float64Values()[0], union.Float64Values()[0]
		if u == 0 {
			dice = 1
		} else {
			dice = 2 * i / u
		}

		p.MustDrop()
		t.MustDrop()
		inter.MustDrop()
		union.MustDrop()
	})

	return dice
}

// IoU is the intersection over union |P∩T|/|P∪T| at a 0.5 threshold.
func IoU(pred, target *ts.Tensor) float64 {
	var iou float64
	ts.NoGrad(func() {
		p := binarize(pred)
		t := binarize(target)
		inter := p.MustMul(t, false).MustSum(gotch.Double, true)
		total := p.MustAdd(t, false).MustSum(gotch.Double, true)

		i, s := inter.Float64Values()[0], total.Float64Values()[0]
		if s-i == 0 {
			iou = 1
		} else {
			iou = i / (s - i)
		}

		p.MustDrop()
		t.MustDrop()
		inter.MustDrop()
		total.MustDrop()
	})

	return iou
}

func sameSize(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
