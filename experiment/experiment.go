// Package experiment wires the configuration, data, network, objective and
// optimizer of one HED training run.
package experiment

import (
	"io"
	"math/rand"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"
	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"

	"github.com/zhouzhaorun/edge-detection-framework/base"
	"github.com/zhouzhaorun/edge-detection-framework/config"
	"github.com/zhouzhaorun/edge-detection-framework/dataset"
	"github.com/zhouzhaorun/edge-detection-framework/hed"
	"github.com/zhouzhaorun/edge-detection-framework/imageio"
	"github.com/zhouzhaorun/edge-detection-framework/metric"
	"github.com/zhouzhaorun/edge-detection-framework/preprocess"
	"github.com/zhouzhaorun/edge-detection-framework/schedule"
)

// evalSet is a finite split whose crops are replayed identically on every
// pass: its preprocessor is reseeded when the pass starts.
type evalSet struct {
	name string
	it   *dataset.Iterator
	prep *preprocess.Preprocessor
	opts preprocess.Options
	seed int64
}

func (s *evalSet) reset() error {
	prep, err := preprocess.NewSeeded(s.opts, s.seed)
	if err != nil {
		return err
	}
	s.prep = prep
	s.it.Reset()
	return nil
}

func (s *evalSet) prepare(x, y *ts.Tensor) (*ts.Tensor, *ts.Tensor, error) {
	return s.prep.Prepare(x, y)
}

// Experiment is one configured training run.
type Experiment struct {
	Config   config.Config
	Split    dataset.Split
	Cadence  schedule.Cadence
	Schedule *schedule.Piecewise

	// Train is an infinite, shuffled iterator of full chunks.
	Train *dataset.Iterator

	valid *evalSet
	test  *evalSet

	device gotch.Device
	dtype  gotch.DType
}

// New scans the configured dataset directories, splits the pairs and
// builds the experiment on top of the split.
func New(cfg config.Config, loader dataset.Loader) (*Experiment, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(cfg.Datasets) == 0 {
		return nil, errors.New("no dataset directories configured")
	}

	var lists [][]dataset.Pair
	for _, d := range cfg.Datasets {
		pairs, err := dataset.PairIDs(d.Images, d.Labels)
		if err != nil {
			return nil, err
		}
		klog.V(1).Infof("%s: %d pairs", d.Images, len(pairs))
		lists = append(lists, pairs)
	}

	opts := cfg.Split
	if cfg.ExclusionsFile != "" {
		excluded, err := dataset.ReadExclusions(cfg.ExclusionsFile)
		if err != nil {
			return nil, err
		}
		opts.Exclude = append(append([]string{}, opts.Exclude...), excluded...)
	}

	split, err := dataset.Partition(lists, opts)
	if err != nil {
		return nil, err
	}
	return NewFromSplit(cfg, split, loader)
}

// NewFromSplit builds the experiment on an existing split, e.g. one read
// back with dataset.ReadSplit.
func NewFromSplit(cfg config.Config, split dataset.Split, loader dataset.Loader) (*Experiment, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	device, err := cfg.Device()
	if err != nil {
		return nil, err
	}
	dtype, err := cfg.DType()
	if err != nil {
		return nil, err
	}
	opts, err := cfg.PreprocessOptions()
	if err != nil {
		return nil, err
	}

	trainPrep, err := preprocess.NewSeeded(opts, cfg.TrainSeed)
	if err != nil {
		return nil, err
	}
	chunk := cfg.ChunkSize()
	train, err := dataset.NewIterator(split.Train, loader, trainPrep.Prepare, dataset.IteratorOptions{
		BatchSize: chunk,
		Shuffle:   rand.New(rand.NewSource(cfg.ShuffleSeed)),
		Infinite:  true,
		FullBatch: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "train iterator")
	}

	e := &Experiment{
		Config: cfg,
		Split:  split,
		Train:  train,
		device: device,
		dtype:  dtype,
	}
	if e.valid, err = newEvalSet("valid", split.Valid, loader, opts, cfg.ValidSeed, chunk); err != nil {
		return nil, err
	}
	if e.test, err = newEvalSet("test", split.Test, loader, opts, cfg.ValidSeed, chunk); err != nil {
		return nil, err
	}

	e.Cadence, err = schedule.NewCadence(train.NumSamples(), chunk, cfg.Epochs)
	if err != nil {
		return nil, err
	}
	e.Schedule = schedule.NewPiecewise(e.Cadence.MaxSteps)

	klog.Infof("split: %d train, %d valid, %d test; %d steps/epoch, %d steps", len(split.Train), len(split.Valid),
		len(split.Test), e.Cadence.StepsPerPass, e.Cadence.MaxSteps)
	return e, nil
}

func newEvalSet(name string, pairs []dataset.Pair, loader dataset.Loader, opts preprocess.Options, seed int64, batchSize int) (*evalSet, error) {
	s := &evalSet{name: name, opts: opts, seed: seed}
	it, err := dataset.NewIterator(pairs, loader, s.prepare, dataset.IteratorOptions{BatchSize: batchSize})
	if err != nil {
		return nil, errors.Wrapf(err, "%s iterator", name)
	}
	s.it = it
	return s, s.reset()
}

// Device returns the device tensors and weights live on.
func (e *Experiment) Device() gotch.Device {
	return e.device
}

// NetConfig returns the network configuration of the experiment.
func (e *Experiment) NetConfig() (hed.Config, error) {
	act, err := base.ActivationByName(e.Config.Activation)
	if err != nil {
		return hed.Config{}, err
	}
	return hed.Config{
		DType:      e.dtype,
		Device:     e.device,
		BatchSize:  int64(e.Config.BatchSize),
		Channels:   e.Config.Patch.Channels,
		CropHeight: e.Config.Patch.Height,
		CropWidth:  e.Config.Patch.Width,
		BatchNorm:  e.Config.BatchNorm,
		Activation: act,
	}, nil
}

// BuildModel creates the network variables in vs.
func (e *Experiment) BuildModel(vs *nn.VarStore) (*hed.Net, error) {
	cfg, err := e.NetConfig()
	if err != nil {
		return nil, err
	}
	net, err := hed.NewNet(vs.Root(), cfg)
	if err != nil {
		return nil, err
	}
	if e.dtype == gotch.Double {
		vs.ToDouble()
	}
	return net, nil
}

// BuildObjective returns the configured training loss.
func (e *Experiment) BuildObjective() (metric.Objective, error) {
	return metric.NewObjective(e.Config.Objective)
}

// BuildUpdates returns the configured optimizer over the variables of vs.
// The learning rate is swapped by the caller as the schedule changes.
func (e *Experiment) BuildUpdates(vs *nn.VarStore, lr float64) (*nn.Optimizer, error) {
	switch strings.ToLower(e.Config.Optimizer) {
	case config.OptimizerSGD:
		return nn.NewSGDConfig(e.Config.Momentum, 0, e.Config.WeightDecay, false).Build(vs, lr)
	case config.OptimizerAdam:
		return nn.DefaultAdamConfig().Build(vs, lr)
	default:
		return nil, errors.Errorf("unknown optimizer %q", e.Config.Optimizer)
	}
}

// Score is the continuous F-score of predictions against ground truths.
func (e *Experiment) Score(preds, gts []*ts.Tensor) (float64, error) {
	return metric.ContFScore(preds, gts)
}

// CheckpointDir is where validation predictions of run pid are dumped.
func (e *Experiment) CheckpointDir(pid string) string {
	return filepath.Join(e.Config.MetadataPath, "checkpoints", pid)
}

// ModelPath is the weights file of run pid.
func (e *Experiment) ModelPath(pid string) string {
	return filepath.Join(e.Config.MetadataPath, "models", pid, pid+".pt")
}

// IntermediateValidPredictions dumps the first NSave predictions of a
// validation round as grayscale images.
func (e *Experiment) IntermediateValidPredictions(preds []*ts.Tensor, pid string, itValid int) (int, error) {
	return imageio.SavePredictions(preds, e.CheckpointDir(pid), itValid, e.Config.NSave)
}

// TrainStep runs one optimization step over a chunk, split into batches of
// Config.BatchSize whose gradients are accumulated. It returns the mean
// batch loss.
func (e *Experiment) TrainStep(net *hed.Net, obj metric.Objective, opt *nn.Optimizer, chunk *dataset.Batch) (float64, error) {
	n := chunk.Inputs.MustSize()[0]
	bs := int64(e.Config.BatchSize)

	opt.ZeroGrad()
	var losses []float64
	for start := int64(0); start < n; start += bs {
		size := min(bs, n-start)
		x := chunk.Inputs.MustNarrow(0, start, size, false).MustTo(e.device, true)
		y := chunk.Targets.MustNarrow(0, start, size, false).MustTo(e.device, true)

		pred := net.ForwardT(x, true)
		loss, err := obj(pred, y)
		x.MustDrop()
		y.MustDrop()
		pred.MustDrop()
		if err != nil {
			return 0, err
		}
		loss.MustBackward()
		losses = append(losses, loss.Float64Values()[0])
		loss.MustDrop()
	}
	opt.Step()

	return stat.Mean(losses, nil), nil
}

// Evaluation is the result of one pass over a validation or test split.
// Preds and Targets are on the CPU and owned by the caller.
type Evaluation struct {
	Loss    float64
	FScore  float64
	Dice    float64
	IoU     float64
	Preds   []*ts.Tensor
	Targets []*ts.Tensor
}

// Drop frees the predictions and targets.
func (ev *Evaluation) Drop() {
	for i := range ev.Preds {
		ev.Preds[i].MustDrop()
		ev.Targets[i].MustDrop()
	}
	ev.Preds, ev.Targets = nil, nil
}

// Validate evaluates net on the validation split.
func (e *Experiment) Validate(net *hed.Net, obj metric.Objective) (*Evaluation, error) {
	return e.evaluate(e.valid, net, obj)
}

// Test evaluates net on the test split.
func (e *Experiment) Test(net *hed.Net, obj metric.Objective) (*Evaluation, error) {
	return e.evaluate(e.test, net, obj)
}

func (e *Experiment) evaluate(set *evalSet, net *hed.Net, obj metric.Objective) (*Evaluation, error) {
	if err := set.reset(); err != nil {
		return nil, err
	}

	ev := &Evaluation{}
	var losses, dices, ious []float64
	for {
		b, err := set.it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			ev.Drop()
			return nil, errors.Wrapf(err, "%s pass", set.name)
		}

		var loss *ts.Tensor
		var pred *ts.Tensor
		ts.NoGrad(func() {
			x := b.Inputs.MustTo(e.device, false)
			y := b.Targets.MustTo(e.device, false)
			pred = net.ForwardT(x, false)
			loss, err = obj(pred, y)
			x.MustDrop()
			y.MustDrop()
		})
		if err != nil {
			pred.MustDrop()
			b.Drop()
			ev.Drop()
			return nil, err
		}
		losses = append(losses, loss.Float64Values()[0])
		loss.MustDrop()

		cpuPred := pred.MustTo(gotch.CPU, true)
		dices = append(dices, metric.DiceCoeff(cpuPred, b.Targets))
		ious = append(ious, metric.IoU(cpuPred, b.Targets))
		ev.Preds = append(ev.Preds, cpuPred)
		ev.Targets = append(ev.Targets, b.Targets)
		b.Inputs.MustDrop()
	}

	if len(losses) == 0 {
		return ev, errors.Errorf("%s split is empty", set.name)
	}
	score, err := e.Score(ev.Preds, ev.Targets)
	if err != nil {
		ev.Drop()
		return nil, err
	}
	ev.Loss = stat.Mean(losses, nil)
	ev.FScore = score
	ev.Dice = stat.Mean(dices, nil)
	ev.IoU = stat.Mean(ious, nil)

	return ev, nil
}
