// Package config holds the settings of one HED training experiment.
package config

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/sugarme/gotch"
	"gopkg.in/yaml.v3"

	"github.com/zhouzhaorun/edge-detection-framework/base"
	"github.com/zhouzhaorun/edge-detection-framework/dataset"
	"github.com/zhouzhaorun/edge-detection-framework/metric"
	"github.com/zhouzhaorun/edge-detection-framework/preprocess"
)

// Optimizers accepted in Config.Optimizer.
const (
	OptimizerAdam = "adam"
	OptimizerSGD  = "sgd"
)

// Dirs is an image directory and its parallel label directory.
type Dirs struct {
	Images string `yaml:"images"`
	Labels string `yaml:"labels"`
}

// Config is an experiment configuration. Zero fields of a loaded file keep
// their Default value.
type Config struct {
	// ExperimentID names checkpoints and prediction dumps. Empty means a
	// fresh id is generated by the driver.
	ExperimentID string `yaml:"experiment_id"`
	MetadataPath string `yaml:"metadata_path"`
	// RestartFrom is a weights file to resume from.
	RestartFrom string `yaml:"restart_from"`

	Datasets       []Dirs               `yaml:"datasets"`
	ExclusionsFile string               `yaml:"exclusions_file"`
	Split          dataset.SplitOptions `yaml:"split"`

	Patch     preprocess.Options `yaml:"patch"`
	TrainSeed int64              `yaml:"train_seed"`
	ValidSeed int64              `yaml:"valid_seed"`
	// ShuffleSeed drives the order of training batches, independently of
	// the crop draws.
	ShuffleSeed int64 `yaml:"shuffle_seed"`

	BatchSize     int `yaml:"batch_size"`
	NBatchesChunk int `yaml:"nbatches_chunk"`
	Epochs        int `yaml:"epochs"`
	NSave         int `yaml:"n_save"`

	Objective   string  `yaml:"objective"`
	Optimizer   string  `yaml:"optimizer"`
	Momentum    float64 `yaml:"momentum"`
	WeightDecay float64 `yaml:"weight_decay"`

	BatchNorm  bool   `yaml:"batch_norm"`
	Activation string `yaml:"activation"`
	DeviceName string `yaml:"device"`
	DTypeName  string `yaml:"dtype"`
}

// Default is the reference setup: batches of one 256x256
// patch, a 70/15/15 split, 40 epochs of Adam on plain BCE.
func Default() Config {
	return Config{
		MetadataPath:  "metadata",
		Split:         dataset.DefaultSplitOptions(),
		Patch:         preprocess.DefaultOptions(),
		TrainSeed:     preprocess.TrainSeed,
		ValidSeed:     preprocess.ValidSeed,
		ShuffleSeed:   1,
		BatchSize:     1,
		NBatchesChunk: 1,
		Epochs:        40,
		NSave:         10,
		Objective:     metric.ObjectiveBCE,
		Optimizer:     OptimizerAdam,
		Momentum:      0.9,
		WeightDecay:   2e-4,
		Activation:    "relu",
		DeviceName:    "auto",
		DTypeName:     "float",
	}
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "reading config")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parsing config %q", path)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, errors.Wrapf(err, "config %q", path)
	}
	return cfg, nil
}

// Save writes cfg as YAML.
func (c Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Validate fails fast on settings that would only break later in training.
func (c Config) Validate() error {
	if err := c.Split.Validate(); err != nil {
		return err
	}
	if c.BatchSize <= 0 || c.NBatchesChunk <= 0 {
		return errors.Errorf("batch size %d and batches per chunk %d must be positive", c.BatchSize, c.NBatchesChunk)
	}
	if c.Epochs <= 0 {
		return errors.Errorf("invalid number of epochs %d", c.Epochs)
	}
	if c.NSave < 0 {
		return errors.Errorf("invalid number of saved predictions %d", c.NSave)
	}
	if c.Patch.Height <= 0 || c.Patch.Width <= 0 {
		return errors.Errorf("invalid patch size %dx%d", c.Patch.Height, c.Patch.Width)
	}
	if _, err := metric.NewObjective(c.Objective); err != nil {
		return err
	}
	switch strings.ToLower(c.Optimizer) {
	case OptimizerAdam, OptimizerSGD:
	default:
		return errors.Errorf("unknown optimizer %q. Expected %q or %q", c.Optimizer, OptimizerAdam, OptimizerSGD)
	}
	if _, err := base.ActivationByName(c.Activation); err != nil {
		return err
	}
	if _, err := c.Device(); err != nil {
		return err
	}
	if _, err := c.DType(); err != nil {
		return err
	}
	return nil
}

// ChunkSize is the number of samples per optimization step.
func (c Config) ChunkSize() int {
	return c.BatchSize * c.NBatchesChunk
}

// Device resolves DeviceName: "cpu", or "cuda"/"auto" for the first GPU
// when one is available.
func (c Config) Device() (gotch.Device, error) {
	switch strings.ToLower(c.DeviceName) {
	case "cpu":
		return gotch.CPU, nil
	case "", "auto", "cuda", "gpu":
		return gotch.CudaIfAvailable(), nil
	default:
		return gotch.CPU, errors.Errorf("unknown device %q", c.DeviceName)
	}
}

// DType resolves DTypeName.
func (c Config) DType() (gotch.DType, error) {
	switch strings.ToLower(c.DTypeName) {
	case "", "float", "float32":
		return gotch.Float, nil
	case "double", "float64":
		return gotch.Double, nil
	default:
		return gotch.Float, errors.Errorf("unknown dtype %q. Expected float or double", c.DTypeName)
	}
}

// PreprocessOptions returns the patch options with the resolved dtype.
func (c Config) PreprocessOptions() (preprocess.Options, error) {
	opts := c.Patch
	dtype, err := c.DType()
	if err != nil {
		return opts, err
	}
	opts.DType = dtype
	if opts.Channels == 0 {
		opts.Channels = 3
	}
	return opts, nil
}
