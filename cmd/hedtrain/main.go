// hedtrain trains a HED edge detector on paired image/edge directories.
//
//	hedtrain --config configs/ir2day.yaml --id hed_ir2day
package main

import (
	"flag"
	"os"
	"path/filepath"
	"strconv"
	"time"

	arg "github.com/alexflint/go-arg"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"
	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"

	"github.com/zhouzhaorun/edge-detection-framework/config"
	"github.com/zhouzhaorun/edge-detection-framework/dataset"
	"github.com/zhouzhaorun/edge-detection-framework/experiment"
	"github.com/zhouzhaorun/edge-detection-framework/hed"
	"github.com/zhouzhaorun/edge-detection-framework/imageio"
	"github.com/zhouzhaorun/edge-detection-framework/metric"
)

type args struct {
	Config     string `arg:"-c,--config" help:"experiment YAML file; defaults are used when empty"`
	ID         string `arg:"--id" help:"experiment id (default: config experiment_id or a random id)"`
	Metadata   string `arg:"--metadata" help:"override metadata_path"`
	Restart    string `arg:"--restart" help:"weights file to resume from"`
	Split      string `arg:"--split" help:"reuse a split manifest instead of splitting the dataset directories"`
	Verbosity  int    `arg:"-v" help:"klog verbosity"`
	NoProgress bool   `arg:"--no-progress" help:"disable the progress bar"`
}

func main() {
	var a args
	arg.MustParse(&a)

	klog.InitFlags(nil)
	if err := flag.Set("v", strconv.Itoa(a.Verbosity)); err != nil {
		klog.Exitf("setting verbosity: %v", err)
	}
	defer klog.Flush()

	cfg := config.Default()
	if a.Config != "" {
		var err error
		if cfg, err = config.Load(a.Config); err != nil {
			klog.Exitf("%+v", err)
		}
	}
	if a.Metadata != "" {
		cfg.MetadataPath = a.Metadata
	}
	if a.Restart != "" {
		cfg.RestartFrom = a.Restart
	}

	pid := a.ID
	if pid == "" {
		pid = cfg.ExperimentID
	}
	if pid == "" {
		pid = "hed-" + uuid.NewString()[:8]
	}
	cfg.ExperimentID = pid

	if err := run(cfg, a); err != nil {
		klog.Fatalf("%s: %+v", pid, err)
	}
}

func newExperiment(cfg config.Config, splitPath string) (*experiment.Experiment, error) {
	loader := imageio.PairLoader{MinHeight: int(cfg.Patch.Height), MinWidth: int(cfg.Patch.Width)}
	if splitPath == "" {
		return experiment.New(cfg, loader)
	}
	split, err := dataset.ReadSplit(splitPath)
	if err != nil {
		return nil, err
	}
	return experiment.NewFromSplit(cfg, split, loader)
}

func run(cfg config.Config, a args) error {
	pid := cfg.ExperimentID
	e, err := newExperiment(cfg, a.Split)
	if err != nil {
		return err
	}

	runDir := filepath.Dir(e.ModelPath(pid))
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return err
	}
	if err := cfg.Save(filepath.Join(runDir, "config.yaml")); err != nil {
		return err
	}
	if err := dataset.WriteSplit(filepath.Join(runDir, "split.csv"), e.Split); err != nil {
		return err
	}

	vs := nn.NewVarStore(e.Device())
	net, err := e.BuildModel(vs)
	if err != nil {
		return err
	}
	if cfg.RestartFrom != "" {
		if err := vs.Load(cfg.RestartFrom); err != nil {
			return err
		}
		klog.Infof("restarted from %s", cfg.RestartFrom)
	}
	obj, err := e.BuildObjective()
	if err != nil {
		return err
	}
	opt, err := e.BuildUpdates(vs, e.Schedule.Rate(0))
	if err != nil {
		return err
	}

	history := &experiment.History{}
	if err := train(e, pid, vs, net, obj, opt, history, !a.NoProgress); err != nil {
		return err
	}

	ev, err := e.Test(net, obj)
	if err != nil {
		return err
	}
	defer ev.Drop()
	klog.Infof("%s test: loss %.5f F %.4f dice %.4f iou %.4f", pid, ev.Loss, ev.FScore, ev.Dice, ev.IoU)
	if best, ok := history.Best(); ok {
		klog.Infof("%s best valid F %.4f at step %s", pid, best.FScore, humanize.Comma(int64(best.Step)))
	}
	return nil
}

func train(e *experiment.Experiment, pid string, vs *nn.VarStore, net *hed.Net, obj metric.Objective,
	opt *nn.Optimizer, history *experiment.History, progress bool) error {
	c := e.Cadence
	klog.Infof("%s: %s steps, validate every %s, save every %s", pid,
		humanize.Comma(int64(c.MaxSteps)), humanize.Comma(int64(c.ValidateEvery)), humanize.Comma(int64(c.SaveEvery)))

	var bar *progressbar.ProgressBar
	if progress {
		bar = progressbar.NewOptions(c.MaxSteps,
			progressbar.OptionSetDescription(pid),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("steps"),
			progressbar.OptionSetTheme(progressbar.ThemeASCII),
		)
	}

	start := time.Now()
	lr := e.Schedule.Rate(0)
	var losses []float64
	for step := 0; step < c.MaxSteps; step++ {
		if rate, ok := e.Schedule.Changed(step); ok {
			lr = rate
			opt.SetLR(lr)
			klog.V(1).Infof("step %d: learning rate %g", step, lr)
		}

		chunk, err := e.Train.Next()
		if err != nil {
			return err
		}
		loss, err := e.TrainStep(net, obj, opt, chunk)
		chunk.Drop()
		if err != nil {
			return err
		}
		losses = append(losses, loss)
		if bar != nil {
			_ = bar.Add(1)
		}

		done := step + 1
		if c.Validate(done) {
			if err := validate(e, pid, done, lr, net, obj, stat.Mean(losses, nil), history); err != nil {
				return err
			}
			losses = losses[:0]
		}
		if c.Save(done) {
			path := e.ModelPath(pid)
			if err := vs.Save(path); err != nil {
				return err
			}
			size := int64(0)
			if info, err := os.Stat(path); err == nil {
				size = info.Size()
			}
			klog.Infof("saved %s (%s) after %s", path, humanize.Bytes(uint64(size)), time.Since(start).Round(time.Second))
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}
	return nil
}

func validate(e *experiment.Experiment, pid string, step int, lr float64, net *hed.Net, obj metric.Objective,
	trainLoss float64, history *experiment.History) error {
	var ev *experiment.Evaluation
	var err error
	ts.NoGrad(func() {
		ev, err = e.Validate(net, obj)
	})
	if err != nil {
		return err
	}
	defer ev.Drop()

	history.AddTrain(step, trainLoss)
	history.Add(experiment.Record{
		Step:      step,
		Epoch:     e.Cadence.Epoch(step),
		LR:        lr,
		TrainLoss: trainLoss,
		ValidLoss: ev.Loss,
		FScore:    ev.FScore,
		Dice:      ev.Dice,
		IoU:       ev.IoU,
	})
	klog.Infof("step %s epoch %.2f lr %g: train %.5f valid %.5f F %.4f",
		humanize.Comma(int64(step)), e.Cadence.Epoch(step), lr, trainLoss, ev.Loss, ev.FScore)

	if _, err := e.IntermediateValidPredictions(ev.Preds, pid, step); err != nil {
		return err
	}
	return history.Save(filepath.Join(e.Config.MetadataPath, "history"), pid)
}
