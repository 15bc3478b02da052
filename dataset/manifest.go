package dataset

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/pkg/errors"
)

// Manifest column names.
const (
	ColID    = "id"
	ColImage = "image"
	ColLabel = "label"
	ColSplit = "split"
)

// Split names as written in a split manifest.
const (
	SplitTrain = "train"
	SplitValid = "valid"
	SplitTest  = "test"
)

// readFrame reads a CSV file with a header line into a dataframe of string
// columns. ok is false when the file holds no record.
func readFrame(path string, cols ...string) (df dataframe.DataFrame, ok bool, err error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return df, false, errors.Wrapf(err, "reading %q", path)
	}
	if lines := bytes.Count(bytes.TrimSpace(content), []byte("\n")); lines < 1 {
		return df, false, nil
	}

	types := make(map[string]series.Type, len(cols))
	for _, c := range cols {
		types[c] = series.String
	}
	df = dataframe.ReadCSV(bytes.NewReader(content),
		dataframe.HasHeader(true),
		dataframe.DetectTypes(false),
		dataframe.WithTypes(types))
	if df.Err != nil {
		return df, false, errors.Wrapf(df.Err, "parsing %q", path)
	}
	names := make(map[string]bool)
	for _, n := range df.Names() {
		names[n] = true
	}
	for _, c := range cols {
		if !names[c] {
			return df, false, errors.Errorf("%q has no %q column. Got %v", path, c, df.Names())
		}
	}
	return df, true, nil
}

func writeFrame(path string, df dataframe.DataFrame) error {
	if df.Err != nil {
		return df.Err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := df.WriteCSV(f); err != nil {
		f.Close()
		return errors.Wrapf(err, "writing %q", path)
	}
	return f.Close()
}

func pairsFrame(pairs []Pair, extra ...series.Series) dataframe.DataFrame {
	ids := make([]string, len(pairs))
	images := make([]string, len(pairs))
	labels := make([]string, len(pairs))
	for i, p := range pairs {
		ids[i], images[i], labels[i] = p.ID, p.Image, p.Label
	}
	cols := []series.Series{
		series.New(ids, series.String, ColID),
		series.New(images, series.String, ColImage),
		series.New(labels, series.String, ColLabel),
	}
	return dataframe.New(append(cols, extra...)...)
}

func framePairs(df dataframe.DataFrame) []Pair {
	ids := df.Col(ColID).Records()
	images := df.Col(ColImage).Records()
	labels := df.Col(ColLabel).Records()

	pairs := make([]Pair, len(ids))
	for i := range ids {
		pairs[i] = Pair{ID: ids[i], Image: images[i], Label: labels[i]}
	}
	return pairs
}

// WritePairs saves pairs as a CSV manifest with id, image and label columns.
func WritePairs(path string, pairs []Pair) error {
	return writeFrame(path, pairsFrame(pairs))
}

// ReadPairs loads a manifest written by WritePairs.
func ReadPairs(path string) ([]Pair, error) {
	df, ok, err := readFrame(path, ColID, ColImage, ColLabel)
	if err != nil || !ok {
		return nil, err
	}
	return framePairs(df), nil
}

// ReadExclusions loads the ids of the "id" column of a CSV file.
func ReadExclusions(path string) ([]string, error) {
	df, ok, err := readFrame(path, ColID)
	if err != nil || !ok {
		return nil, err
	}
	return df.Col(ColID).Records(), nil
}

// WriteSplit saves a split as one manifest with an extra split column.
func WriteSplit(path string, s Split) error {
	var all []Pair
	var names []string
	for _, part := range []struct {
		name  string
		pairs []Pair
	}{{SplitTrain, s.Train}, {SplitValid, s.Valid}, {SplitTest, s.Test}} {
		all = append(all, part.pairs...)
		for range part.pairs {
			names = append(names, part.name)
		}
	}
	return writeFrame(path, pairsFrame(all, series.New(names, series.String, ColSplit)))
}

// ReadSplit loads a split written by WriteSplit, keeping the pair order.
func ReadSplit(path string) (Split, error) {
	var s Split
	df, ok, err := readFrame(path, ColID, ColImage, ColLabel, ColSplit)
	if err != nil || !ok {
		return s, err
	}

	names := df.Col(ColSplit).Records()
	for i, p := range framePairs(df) {
		switch names[i] {
		case SplitTrain:
			s.Train = append(s.Train, p)
		case SplitValid:
			s.Valid = append(s.Valid, p)
		case SplitTest:
			s.Test = append(s.Test, p)
		default:
			return Split{}, errors.Errorf("%q row %d: unknown split %q", path, i+1, names[i])
		}
	}
	return s, nil
}
