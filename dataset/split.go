package dataset

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
)

// ErrFractions is returned when the split fractions do not sum to 1.
var ErrFractions = errors.New("train, valid and test fractions must sum to 1")

const fractionTolerance = 1e-6

// SplitOptions configures Partition.
type SplitOptions struct {
	Train float64 `yaml:"train"`
	Valid float64 `yaml:"valid"`
	Test  float64 `yaml:"test"`
	Seed  int64   `yaml:"seed"`
	// Exclude lists pair ids dropped from every split.
	Exclude []string `yaml:"exclude"`
	// ExcludeBeforeSplit drops excluded ids before partitioning so the
	// split ratios hold on the remaining pairs. By default they are dropped
	// afterwards, which reproduces the splits of earlier runs.
	ExcludeBeforeSplit bool `yaml:"exclude_before_split"`
}

// DefaultSplitOptions is a 70/15/15 split.
func DefaultSplitOptions() SplitOptions {
	return SplitOptions{Train: 0.7, Valid: 0.15, Test: 0.15, Seed: 37145}
}

// Validate checks the fractions.
func (o SplitOptions) Validate() error {
	for _, f := range []float64{o.Train, o.Valid, o.Test} {
		if f < 0 || f > 1 {
			return errors.Wrapf(ErrFractions, "fraction %v out of [0, 1]", f)
		}
	}
	if sum := o.Train + o.Valid + o.Test; math.Abs(sum-1) > fractionTolerance {
		return errors.Wrapf(ErrFractions, "got %v + %v + %v = %v", o.Train, o.Valid, o.Test, sum)
	}
	return nil
}

// Split holds the three disjoint partitions.
type Split struct {
	Train []Pair
	Valid []Pair
	Test  []Pair
}

// Len returns the total number of pairs over all partitions.
func (s Split) Len() int {
	return len(s.Train) + len(s.Valid) + len(s.Test)
}

// Partition shuffles every list with a source seeded by opts.Seed and cuts
// it into floor(n*Train) training pairs, floor(n*Valid) validation pairs and
// the rest for test. Partitions of the same kind are concatenated across
// lists. Input lists are not modified.
func Partition(lists [][]Pair, opts SplitOptions) (Split, error) {
	if err := opts.Validate(); err != nil {
		return Split{}, err
	}

	excluded := make(map[string]bool, len(opts.Exclude))
	for _, id := range opts.Exclude {
		excluded[id] = true
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	var split Split
	for _, list := range lists {
		pairs := make([]Pair, len(list))
		copy(pairs, list)
		if opts.ExcludeBeforeSplit {
			pairs = exclude(pairs, excluded)
		}
		rng.Shuffle(len(pairs), func(i, j int) { pairs[i], pairs[j] = pairs[j], pairs[i] })

		n := len(pairs)
		nTrain := int(float64(n) * opts.Train)
		nValid := int(float64(n) * opts.Valid)

		split.Train = append(split.Train, pairs[:nTrain]...)
		split.Valid = append(split.Valid, pairs[nTrain:nTrain+nValid]...)
		split.Test = append(split.Test, pairs[nTrain+nValid:]...)
	}

	if !opts.ExcludeBeforeSplit {
		split.Train = exclude(split.Train, excluded)
		split.Valid = exclude(split.Valid, excluded)
		split.Test = exclude(split.Test, excluded)
	}

	return split, nil
}

func exclude(pairs []Pair, excluded map[string]bool) []Pair {
	if len(excluded) == 0 {
		return pairs
	}
	kept := pairs[:0]
	for _, p := range pairs {
		if !excluded[p.ID] {
			kept = append(kept, p)
		}
	}
	return kept
}
