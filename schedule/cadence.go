package schedule

import (
	"github.com/pkg/errors"
)

// Cadence is the step accounting of a training run. A step processes one
// chunk of samples.
type Cadence struct {
	StepsPerPass  int
	MaxSteps      int
	ValidateEvery int
	SaveEvery     int
}

// NewCadence derives the cadence from the training set size: epochs passes
// over floor(nTrain/chunkSize) steps, validation every tenth of a pass and a
// checkpoint every 10 passes. Both intervals are at least one step.
func NewCadence(nTrain, chunkSize, epochs int) (Cadence, error) {
	if chunkSize <= 0 {
		return Cadence{}, errors.Errorf("invalid chunk size %d", chunkSize)
	}
	if epochs <= 0 {
		return Cadence{}, errors.Errorf("invalid number of epochs %d", epochs)
	}
	perPass := nTrain / chunkSize
	if perPass == 0 {
		return Cadence{}, errors.Errorf("%d training samples do not fill one chunk of %d", nTrain, chunkSize)
	}

	return Cadence{
		StepsPerPass:  perPass,
		MaxSteps:      perPass * epochs,
		ValidateEvery: max(int(0.1*float64(perPass)), 1),
		SaveEvery:     max(10*perPass, 1),
	}, nil
}

// Validate reports whether validation runs after step. Step 0 never
// validates.
func (c Cadence) Validate(step int) bool {
	return step > 0 && step%c.ValidateEvery == 0
}

// Save reports whether a checkpoint is written after step. The last step
// always saves.
func (c Cadence) Save(step int) bool {
	return step > 0 && (step%c.SaveEvery == 0 || step == c.MaxSteps)
}

// Epoch returns the (fractional) pass number of step.
func (c Cadence) Epoch(step int) float64 {
	return float64(step) / float64(c.StepsPerPass)
}
