// Package config resolves and validates training and test
// configurations: column derivation from the source schema, device
// resolution, checkpoint paths, and the persisted parameters file
// that makes test runs reproduce the training-time architecture.
package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/kamicup/Nervus/nn"
	"github.com/kamicup/Nervus/tensor"
)

// ErrInvalidConfig marks configuration errors that must stop a run
// before any batch work.
var ErrInvalidConfig = errors.New("invalid configuration")

// Supported task names.
const (
	TaskClassification = "classification"
	TaskRegression     = "regression"
	TaskDeepSurv       = "deepsurv"
)

// Save-weight policies.
const (
	SaveBest = "best"
	SaveEach = "each"
)

// TrainOptions are the raw caller-supplied training options before
// resolution against the source schema.
type TrainOptions struct {
	CSVPath    string
	Task       string
	Model      string // "MLP", "<arch>", or "MLP+<arch>"
	Optimizer  string
	LR         float64
	Epochs     int
	BatchSize  int
	InChannels int
	ImageSize  int
	Normalize  bool
	SavePolicy string
	GPUIDs     []int
	SaveDir    string
	Seed       int64
	Now        time.Time // zero means current time
}

// TestOptions select what to evaluate. Architecture-relevant fields
// always come from the persisted training parameters, never from
// here.
type TestOptions struct {
	CheckpointDir string
	CSVPath       string // optional override, e.g. an external table
	Splits        []string
	BatchSize     int
	GPUIDs        []int
}

// ModelConfig is the resolved, immutable-after-construction
// configuration shared by training and test runs.
type ModelConfig struct {
	Task     string `json:"task"`
	Modality string `json:"modality"`
	Backbone string `json:"backbone,omitempty"`
	Model    string `json:"model"`

	CSVPath      string              `json:"csvpath"`
	InputList    []string            `json:"input_list"`
	LabelList    []string            `json:"label_list"`
	PeriodColumn string              `json:"period_column,omitempty"`
	LabelClasses map[string][]string `json:"label_classes,omitempty"`
	NumOutputs   map[string]int      `json:"num_outputs"`
	NumInputs    int                 `json:"num_inputs"`

	InChannels int  `json:"in_channels"`
	ImageSize  int  `json:"image_size,omitempty"`
	Normalize  bool `json:"normalize_image"`

	Optimizer  string  `json:"optimizer"`
	LR         float64 `json:"lr"`
	Epochs     int     `json:"epochs"`
	BatchSize  int     `json:"batch_size"`
	SavePolicy string  `json:"save_weight_policy"`
	Seed       int64   `json:"seed"`

	GPUIDs        []int  `json:"gpu_ids"`
	CheckpointDir string `json:"-"`

	// Test-only, never persisted.
	Splits       []string `json:"-"`
	IsTest       bool     `json:"-"`
	Augmentation bool     `json:"-"`
	Sampler      bool     `json:"-"`
}

// ParseModel splits the model option into modality and backbone:
// "MLP" is tabular, "MLP+<arch>" is fusion, anything else is an
// image architecture name.
func ParseModel(model string) (modality, backbone string, err error) {
	switch {
	case model == "":
		return "", "", errors.Wrap(ErrInvalidConfig, "model not specified")
	case model == "MLP":
		return nn.ModalityMLP, "", nil
	case strings.HasPrefix(model, "MLP+"):
		backbone = strings.TrimPrefix(model, "MLP+")
		if backbone == "" {
			return "", "", errors.Wrapf(ErrInvalidConfig, "fusion model %q has no image architecture", model)
		}
		return nn.ModalityFusion, backbone, nil
	default:
		return nn.ModalityCV, model, nil
	}
}

// FromOptions resolves a training configuration against the source
// schema: prefix-derived columns, per-label cardinalities, device
// list, and the timestamped checkpoint directory.
func FromOptions(opts TrainOptions) (*ModelConfig, error) {
	if err := validTask(opts.Task); err != nil {
		return nil, err
	}
	modality, backbone, err := ParseModel(opts.Model)
	if err != nil {
		return nil, err
	}

	schema, err := ScanSource(opts.CSVPath)
	if err != nil {
		return nil, err
	}
	if modality != nn.ModalityCV && len(schema.InputCols) == 0 {
		return nil, errors.Wrapf(ErrInvalidConfig, "modality %s requires %s columns", modality, InputPrefix)
	}
	if opts.Task == TaskDeepSurv && schema.PeriodCol == "" {
		return nil, errors.Wrapf(ErrInvalidConfig, "task %s requires a %s column", TaskDeepSurv, PeriodPrefix)
	}

	cfg := &ModelConfig{
		Task:       opts.Task,
		Modality:   modality,
		Backbone:   backbone,
		Model:      opts.Model,
		CSVPath:    opts.CSVPath,
		InputList:  schema.InputCols,
		LabelList:  schema.LabelCols,
		NumInputs:  len(schema.InputCols),
		InChannels: opts.InChannels,
		ImageSize:  opts.ImageSize,
		Normalize:  opts.Normalize,
		Optimizer:  opts.Optimizer,
		LR:         opts.LR,
		Epochs:     opts.Epochs,
		BatchSize:  opts.BatchSize,
		SavePolicy: opts.SavePolicy,
		Seed:       opts.Seed,
		GPUIDs:     opts.GPUIDs,
	}
	if opts.Task == TaskDeepSurv {
		cfg.PeriodColumn = schema.PeriodCol
	}

	cfg.NumOutputs = make(map[string]int, len(schema.LabelCols))
	if opts.Task == TaskClassification {
		cfg.LabelClasses = make(map[string][]string, len(schema.LabelCols))
		for _, label := range schema.LabelCols {
			classes := schema.LabelValues[label]
			if len(classes) < 2 {
				return nil, errors.Wrapf(ErrInvalidConfig, "label %s has %d distinct values", label, len(classes))
			}
			cfg.LabelClasses[label] = classes
			cfg.NumOutputs[label] = len(classes)
		}
	} else {
		for _, label := range schema.LabelCols {
			cfg.NumOutputs[label] = 1
		}
	}

	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	cfg.CheckpointDir = checkpointDir(opts.SaveDir, opts.CSVPath, now)
	cfg.Augmentation = true
	cfg.Sampler = true
	return cfg, nil
}

// FromWeightCheckpoint builds a test configuration from a training
// run's persisted parameters. Architecture-relevant fields are taken
// from the persisted copy; training-only behaviors are disabled;
// requested splits are reconciled against the source.
func FromWeightCheckpoint(opts TestOptions) (*ModelConfig, error) {
	cfg, err := LoadParameters(filepath.Join(opts.CheckpointDir, ParametersFile))
	if err != nil {
		return nil, err
	}
	cfg.CheckpointDir = opts.CheckpointDir
	cfg.IsTest = true
	cfg.Augmentation = false
	cfg.Sampler = false
	if opts.CSVPath != "" {
		cfg.CSVPath = opts.CSVPath
	}
	if opts.BatchSize > 0 {
		cfg.BatchSize = opts.BatchSize
	}
	cfg.GPUIDs = opts.GPUIDs

	schema, err := ScanSource(cfg.CSVPath)
	if err != nil {
		return nil, err
	}
	requested := opts.Splits
	if len(requested) == 0 {
		requested = []string{"train", "val", "test"}
	}
	cfg.Splits = ReconcileSplits(requested, schema.Splits)
	return cfg, nil
}

// Devices resolves the configured device-index list: empty means CPU,
// otherwise one accelerator per index with the first as primary.
func (c *ModelConfig) Devices() ([]tensor.Device, error) {
	if len(c.GPUIDs) == 0 {
		return []tensor.Device{tensor.CPUDevice}, nil
	}
	devices := make([]tensor.Device, len(c.GPUIDs))
	for i, id := range c.GPUIDs {
		d := tensor.AcceleratorDevice(id)
		if !tensor.DeviceAvailable(d) {
			return nil, errors.Wrapf(ErrInvalidConfig, "device %s not available", d)
		}
		devices[i] = d
	}
	return devices, nil
}

// PrimaryDevice is the device parameters live on.
func (c *ModelConfig) PrimaryDevice() (tensor.Device, error) {
	devices, err := c.Devices()
	if err != nil {
		return tensor.Device{}, err
	}
	return devices[0], nil
}

// BuildSpec maps the resolved configuration onto the network factory
// input.
func (c *ModelConfig) BuildSpec() (nn.BuildSpec, error) {
	device, err := c.PrimaryDevice()
	if err != nil {
		return nn.BuildSpec{}, err
	}
	return nn.BuildSpec{
		Modality:   c.Modality,
		Backbone:   c.Backbone,
		NumInputs:  c.NumInputs,
		LabelDims:  c.NumOutputs,
		LabelOrder: c.LabelList,
		ImageSize:  c.ImageSize,
		InChannels: c.InChannels,
		Device:     device,
	}, nil
}

// ClassIndex maps a classification label value to its head output
// index.
func (c *ModelConfig) ClassIndex(label, value string) (int, error) {
	classes, ok := c.LabelClasses[label]
	if !ok {
		return 0, errors.Wrapf(ErrInvalidConfig, "no class mapping for label %s", label)
	}
	for i, v := range classes {
		if v == value {
			return i, nil
		}
	}
	return 0, errors.Wrapf(ErrInvalidConfig, "label %s has no class %q", label, value)
}

func validTask(task string) error {
	switch task {
	case TaskClassification, TaskRegression, TaskDeepSurv:
		return nil
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown task %q", task)
	}
}

// checkpointDir derives the run directory from the source table stem
// and the run timestamp.
func checkpointDir(saveDir, csvPath string, now time.Time) string {
	stem := strings.TrimSuffix(filepath.Base(csvPath), filepath.Ext(csvPath))
	if saveDir == "" {
		saveDir = "results"
	}
	return filepath.Join(saveDir, stem, "trials", now.Format("2006-01-02-15-04-05"))
}
