package dataset

import (
	"io"
	"math/rand"

	"github.com/pkg/errors"
	"github.com/sugarme/gotch/ts"
)

// Loader decodes the raw arrays of a pair: an (H, W, C) uint8 image and an
// (H, W) uint8 label.
type Loader interface {
	Load(p Pair) (x, y *ts.Tensor, err error)
}

// PrepFunc turns raw arrays into network tensors, e.g.
// preprocess.Preprocessor.Prepare. It must not consume its inputs.
type PrepFunc func(x, y *ts.Tensor) (*ts.Tensor, *ts.Tensor, error)

// IteratorOptions configures an Iterator.
type IteratorOptions struct {
	BatchSize int
	// Shuffle, if not nil, reshuffles the pairs at the start of every pass.
	Shuffle *rand.Rand
	// Infinite iterators start a new pass instead of returning io.EOF.
	Infinite bool
	// FullBatch drops the last batch of a pass if it is partial.
	FullBatch bool
}

// Batch is a stack of prepared samples, inputs (N, C, h, w) and targets
// (N, 1, h, w), with the pairs they came from.
type Batch struct {
	Inputs  *ts.Tensor
	Targets *ts.Tensor
	Pairs   []Pair
}

// Drop frees the batch tensors.
func (b *Batch) Drop() {
	b.Inputs.MustDrop()
	b.Targets.MustDrop()
}

// Iterator yields batches of prepared pairs. It is not safe for concurrent
// use.
type Iterator struct {
	pairs  []Pair
	order  []int
	pos    int
	loader Loader
	prep   PrepFunc
	opts   IteratorOptions
}

// NewIterator returns an iterator over pairs. An infinite iterator needs at
// least one full batch.
func NewIterator(pairs []Pair, loader Loader, prep PrepFunc, opts IteratorOptions) (*Iterator, error) {
	if loader == nil || prep == nil {
		return nil, errors.New("iterator needs a loader and a prep function")
	}
	if opts.BatchSize <= 0 {
		return nil, errors.Errorf("invalid batch size %d", opts.BatchSize)
	}
	if opts.Infinite && (len(pairs) == 0 || (opts.FullBatch && len(pairs) < opts.BatchSize)) {
		return nil, errors.Errorf("infinite iterator over %d pairs can't fill a batch of %d", len(pairs), opts.BatchSize)
	}

	it := &Iterator{
		pairs:  pairs,
		order:  make([]int, len(pairs)),
		loader: loader,
		prep:   prep,
		opts:   opts,
	}
	for i := range it.order {
		it.order[i] = i
	}
	it.Reset()
	return it, nil
}

// NumSamples returns the number of pairs of one pass.
func (it *Iterator) NumSamples() int {
	return len(it.pairs)
}

// BatchSize returns the configured batch size.
func (it *Iterator) BatchSize() int {
	return it.opts.BatchSize
}

// Reset restarts the iterator from the beginning of a new pass.
func (it *Iterator) Reset() {
	it.pos = 0
	if it.opts.Shuffle != nil {
		it.opts.Shuffle.Shuffle(len(it.order), func(i, j int) { it.order[i], it.order[j] = it.order[j], it.order[i] })
	}
}

// next returns the indices of the next batch, or io.EOF.
func (it *Iterator) next() ([]int, error) {
	for {
		remaining := len(it.order) - it.pos
		if remaining >= it.opts.BatchSize || (remaining > 0 && !it.opts.FullBatch) {
			n := min(remaining, it.opts.BatchSize)
			idx := it.order[it.pos : it.pos+n]
			it.pos += n
			return idx, nil
		}
		if !it.opts.Infinite {
			return nil, io.EOF
		}
		it.Reset()
	}
}

// Next loads, prepares and stacks the next batch. Finite iterators return
// io.EOF at the end of the pass; call Reset to go again.
func (it *Iterator) Next() (*Batch, error) {
	idx, err := it.next()
	if err != nil {
		return nil, err
	}

	xs := make([]*ts.Tensor, 0, len(idx))
	ys := make([]*ts.Tensor, 0, len(idx))
	pairs := make([]Pair, 0, len(idx))
	dropAll := func() {
		for i := range xs {
			xs[i].MustDrop()
			ys[i].MustDrop()
		}
	}
	for _, i := range idx {
		p := it.pairs[i]
		rawX, rawY, err := it.loader.Load(p)
		if err != nil {
			dropAll()
			return nil, errors.Wrapf(err, "loading %q", p.ID)
		}
		x, y, err := it.prep(rawX, rawY)
		rawX.MustDrop()
		rawY.MustDrop()
		if err != nil {
			dropAll()
			return nil, errors.Wrapf(err, "preparing %q", p.ID)
		}
		xs = append(xs, x)
		ys = append(ys, y)
		pairs = append(pairs, p)
	}

	batch := &Batch{
		Inputs:  ts.MustStack(xs, 0),
		Targets: ts.MustStack(ys, 0),
		Pairs:   pairs,
	}
	dropAll()
	return batch, nil
}
