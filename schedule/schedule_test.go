package schedule_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzhaorun/edge-detection-framework/schedule"
)

func TestPiecewiseBreakpoints(t *testing.T) {
	p := schedule.NewPiecewise(1000)

	want := []schedule.Breakpoint{
		{Step: 0, Rate: 5e-2},
		{Step: 300, Rate: 2e-2},
		{Step: 600, Rate: 1e-2},
		{Step: 800, Rate: 3e-3},
		{Step: 900, Rate: 1e-3},
	}
	assert.Equal(t, want, p.Breakpoints())
}

func TestPiecewiseRate(t *testing.T) {
	p := schedule.NewPiecewise(1000)

	tests := []struct {
		step int
		rate float64
	}{
		{0, 5e-2},
		{299, 5e-2},
		{300, 2e-2},
		{599, 2e-2},
		{600, 1e-2},
		{850, 3e-3},
		{999, 1e-3},
		{5000, 1e-3},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.rate, p.Rate(tt.step), "step %d", tt.step)
	}
}

func TestPiecewiseChanged(t *testing.T) {
	p := schedule.NewPiecewise(1000)

	lr, ok := p.Changed(300)
	assert.True(t, ok)
	assert.Equal(t, 2e-2, lr)

	_, ok = p.Changed(301)
	assert.False(t, ok)

	lr, ok = p.Changed(0)
	assert.True(t, ok)
	assert.Equal(t, 5e-2, lr)
}

func TestPiecewiseCoincidingSteps(t *testing.T) {
	// int(3*0.3) == int(3*0.0) == 0 ...
	p := schedule.NewPiecewise(3)
	bps := p.Breakpoints()

	steps := make(map[int]bool)
	for i, bp := range bps {
		assert.False(t, steps[bp.Step], "duplicate step %d", bp.Step)
		steps[bp.Step] = true
		if i > 0 {
			assert.Greater(t, bp.Step, bps[i-1].Step)
		}
	}
	// the later rate wins at step 0
	assert.Equal(t, 2e-2, p.Rate(0))
	assert.Equal(t, 1e-3, p.Rate(2))
}

func TestPiecewiseFractionsErrors(t *testing.T) {
	_, err := schedule.NewPiecewiseFractions(10, []float64{0, 0.5}, []float64{1})
	assert.Error(t, err)
	_, err = schedule.NewPiecewiseFractions(10, []float64{0.1}, []float64{1})
	assert.Error(t, err)
	_, err = schedule.NewPiecewiseFractions(10, []float64{0, 0.5, 0.2}, []float64{1, 1, 1})
	assert.Error(t, err)
	_, err = schedule.NewPiecewiseFractions(10, []float64{0}, []float64{-1})
	assert.Error(t, err)
}

func TestCadence(t *testing.T) {
	c, err := schedule.NewCadence(1000, 1, 40)
	require.NoError(t, err)
	assert.Equal(t, 1000, c.StepsPerPass)
	assert.Equal(t, 40000, c.MaxSteps)
	assert.Equal(t, 100, c.ValidateEvery)
	assert.Equal(t, 10000, c.SaveEvery)

	assert.False(t, c.Validate(0))
	assert.True(t, c.Validate(200))
	assert.False(t, c.Validate(201))
	assert.True(t, c.Save(10000))
	assert.True(t, c.Save(40000))
	assert.False(t, c.Save(5000))
	assert.Equal(t, 2.5, c.Epoch(2500))
}

func TestCadenceSmallTrainSet(t *testing.T) {
	// int(0.1 * 5) == 0 would never validate
	c, err := schedule.NewCadence(5, 1, 40)
	require.NoError(t, err)
	assert.Equal(t, 1, c.ValidateEvery)
	assert.Equal(t, 200, c.MaxSteps)

	_, err = schedule.NewCadence(0, 1, 40)
	assert.Error(t, err)
	_, err = schedule.NewCadence(10, 0, 40)
	assert.Error(t, err)
}
