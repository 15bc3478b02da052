package experiment

import (
	"os"
	"path/filepath"

	"github.com/go-gota/gota/dataframe"
	"github.com/pkg/errors"

	"github.com/zhouzhaorun/edge-detection-framework/imageio"
)

// Record is one validation round.
type Record struct {
	Step      int
	Epoch     float64
	LR        float64
	TrainLoss float64
	ValidLoss float64
	FScore    float64
	Dice      float64
	IoU       float64
}

// History accumulates the learning curves of a run.
type History struct {
	Records []Record
	train   []imageio.Point
}

// AddTrain records the mean training loss since the last validation.
func (h *History) AddTrain(step int, loss float64) {
	h.train = append(h.train, imageio.Point{Step: step, Value: loss})
}

// Add records a validation round.
func (h *History) Add(r Record) {
	h.Records = append(h.Records, r)
}

// Best returns the record with the highest F-score.
func (h *History) Best() (Record, bool) {
	if len(h.Records) == 0 {
		return Record{}, false
	}
	best := h.Records[0]
	for _, r := range h.Records[1:] {
		if r.FScore > best.FScore {
			best = r
		}
	}
	return best, true
}

// Save writes the validation records as dir/<pid>.csv and the loss curves
// as dir/<pid>.png.
func (h *History) Save(dir, pid string) error {
	if len(h.Records) == 0 {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	df := dataframe.LoadStructs(h.Records)
	if df.Err != nil {
		return errors.Wrap(df.Err, "history frame")
	}
	f, err := os.Create(filepath.Join(dir, pid+".csv"))
	if err != nil {
		return err
	}
	if err := df.WriteCSV(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	valid := make([]imageio.Point, len(h.Records))
	for i, r := range h.Records {
		valid[i] = imageio.Point{Step: r.Step, Value: r.ValidLoss}
	}
	return imageio.PlotCurves(filepath.Join(dir, pid+".png"), pid, h.train, valid)
}

// LoadHistory reads back the records written by Save.
func LoadHistory(path string) (*History, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	df := dataframe.ReadCSV(f, dataframe.HasHeader(true))
	if df.Err != nil {
		return nil, errors.Wrapf(df.Err, "reading %q", path)
	}

	h := &History{Records: make([]Record, df.Nrow())}
	steps, err := df.Col("Step").Int()
	if err != nil {
		return nil, err
	}
	for i := range h.Records {
		h.Records[i] = Record{
			Step:      steps[i],
			Epoch:     df.Col("Epoch").Elem(i).Float(),
			LR:        df.Col("LR").Elem(i).Float(),
			TrainLoss: df.Col("TrainLoss").Elem(i).Float(),
			ValidLoss: df.Col("ValidLoss").Elem(i).Float(),
			FScore:    df.Col("FScore").Elem(i).Float(),
			Dice:      df.Col("Dice").Elem(i).Float(),
			IoU:       df.Col("IoU").Elem(i).Float(),
		}
	}
	return h, nil
}
