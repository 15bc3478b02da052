// Package schedule implements the step based learning rate schedule and the
// validation/checkpoint cadence of a training run.
package schedule

import (
	"sort"

	"github.com/pkg/errors"
)

// Default breakpoints as fractions of the total number of steps, and the
// learning rate that takes effect at each of them.
var (
	DefaultFractions = []float64{0, 0.3, 0.6, 0.8, 0.9}
	DefaultRates     = []float64{5e-2, 2e-2, 1e-2, 3e-3, 1e-3}
)

// Breakpoint sets the learning rate to Rate from Step on.
type Breakpoint struct {
	Step int
	Rate float64
}

// Piecewise is a piecewise constant learning rate schedule. It is immutable
// once built.
type Piecewise struct {
	breaks []Breakpoint
}

// NewPiecewise returns the default schedule for a run of maxSteps steps.
func NewPiecewise(maxSteps int) *Piecewise {
	p, err := NewPiecewiseFractions(maxSteps, DefaultFractions, DefaultRates)
	if err != nil {
		panic(err)
	}
	return p
}

// NewPiecewiseFractions places a breakpoint at int(maxSteps*fraction) for
// every fraction. The first fraction must be 0 so the rate is defined from
// step 0. When two fractions round to the same step the later rate wins.
func NewPiecewiseFractions(maxSteps int, fractions, rates []float64) (*Piecewise, error) {
	if len(fractions) != len(rates) {
		return nil, errors.Errorf("got %d fractions and %d rates", len(fractions), len(rates))
	}
	if len(fractions) == 0 || fractions[0] != 0 {
		return nil, errors.New("schedule must start at fraction 0")
	}
	if maxSteps < 0 {
		return nil, errors.Errorf("invalid number of steps %d", maxSteps)
	}

	breaks := make([]Breakpoint, 0, len(fractions))
	for i, f := range fractions {
		if f < 0 || f > 1 {
			return nil, errors.Errorf("fraction %v out of [0, 1]", f)
		}
		if i > 0 && f < fractions[i-1] {
			return nil, errors.Errorf("fractions must be non-decreasing. Got %v after %v", f, fractions[i-1])
		}
		if rates[i] <= 0 {
			return nil, errors.Errorf("learning rate must be positive. Got %v", rates[i])
		}
		step := int(float64(maxSteps) * f)
		if n := len(breaks); n > 0 && breaks[n-1].Step == step {
			breaks[n-1].Rate = rates[i]
			continue
		}
		breaks = append(breaks, Breakpoint{Step: step, Rate: rates[i]})
	}

	return &Piecewise{breaks: breaks}, nil
}

// Rate returns the learning rate in effect at step.
func (p *Piecewise) Rate(step int) float64 {
	i := sort.Search(len(p.breaks), func(i int) bool { return p.breaks[i].Step > step })
	if i == 0 {
		return p.breaks[0].Rate
	}
	return p.breaks[i-1].Rate
}

// Changed reports the rate to swap into the optimizer if step is exactly a
// breakpoint.
func (p *Piecewise) Changed(step int) (float64, bool) {
	i := sort.Search(len(p.breaks), func(i int) bool { return p.breaks[i].Step >= step })
	if i < len(p.breaks) && p.breaks[i].Step == step {
		return p.breaks[i].Rate, true
	}
	return 0, false
}

// Breakpoints returns a copy of the breakpoints in increasing step order.
func (p *Piecewise) Breakpoints() []Breakpoint {
	out := make([]Breakpoint, len(p.breaks))
	copy(out, p.breaks)
	return out
}
