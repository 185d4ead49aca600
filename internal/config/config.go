// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config holds the configuration of a training run, read from a TOML file.
package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gomlx/avsep/pkg/ml/datasets"
	"github.com/gomlx/avsep/pkg/ml/train"
	"github.com/gomlx/avsep/pkg/ml/train/checkpoints"
	"github.com/gomlx/avsep/pkg/ml/train/optimizers"
	"github.com/gomlx/avsep/pkg/support/fsutil"
	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
)

//go:embed sample_config.toml
var sampleConfig string

// Data configures the corpus and how batches are built and loaded.
type Data struct {
	Manifest   string `toml:"manifest"`
	MixtureDir string `toml:"mixture_dir"`
	AudioDir   string `toml:"audio_dir"`
	VisualDir  string `toml:"visual_dir"`

	SampleRate  int     `toml:"sample_rate"`
	FrameRate   int     `toml:"fps"`
	MaxLength   float64 `toml:"max_length"`
	BatchSize   int     `toml:"batch_size"`
	NumSpeakers int     `toml:"num_speakers"`
	NumWorkers  int     `toml:"num_workers"`

	// Synthetic replaces the corpus by generated clips, see datasets.SyntheticStore.
	Synthetic        bool `toml:"synthetic"`
	SyntheticRecords int  `toml:"synthetic_records"`
}

// Train configures the training loop.
type Train struct {
	Epochs             int     `toml:"epochs"`
	EffectiveBatchSize int     `toml:"effective_batch_size"`
	AccumulateGrad     bool    `toml:"accumulate_grad"`
	MaxNorm            float64 `toml:"max_norm"`
	Seed               int64   `toml:"seed"`
	Shuffle            bool    `toml:"shuffle"`
	PlateauPatience    int     `toml:"plateau_patience"`
	DecayFactor        float64 `toml:"decay_factor"`
	EarlyStopPatience  int     `toml:"early_stop_patience"`
	RunTest            bool    `toml:"run_test"`
	NumTaps            int     `toml:"num_taps"`
}

// Optimizer selects and configures the optimizer.
type Optimizer struct {
	Name         string  `toml:"name"`
	LearningRate float64 `toml:"lr"`
	WeightDecay  float64 `toml:"weight_decay"`
}

// Checkpoint configures where the training state and the run history are stored.
type Checkpoint struct {
	Dir         string `toml:"dir"`
	Keep        int    `toml:"keep"`
	Compression string `toml:"compression"`
	Journal     string `toml:"journal"`
}

// Distributed configures the replicas when the process is not started by a multi-process launcher.
type Distributed struct {
	LocalReplicas            int `toml:"local_replicas"`
	CollectiveTimeoutSeconds int `toml:"collective_timeout_seconds"`
}

// Config is the full configuration of a run.
type Config struct {
	Data        Data        `toml:"data"`
	Train       Train       `toml:"train"`
	Optimizer   Optimizer   `toml:"optimizer"`
	Checkpoint  Checkpoint  `toml:"checkpoint"`
	Distributed Distributed `toml:"distributed"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Data: Data{
			SampleRate:       16000,
			FrameRate:        25,
			MaxLength:        6,
			BatchSize:        4,
			NumSpeakers:      2,
			NumWorkers:       4,
			SyntheticRecords: 64,
		},
		Train: Train{
			Epochs:             100,
			EffectiveBatchSize: 4,
			MaxNorm:            5,
			Shuffle:            true,
			PlateauPatience:    3,
			DecayFactor:        0.5,
			EarlyStopPatience:  6,
			RunTest:            true,
			NumTaps:            16,
		},
		Optimizer: Optimizer{
			Name:         optimizers.NameAdam,
			LearningRate: 1e-3,
		},
		Checkpoint: Checkpoint{
			Keep:        3,
			Compression: checkpoints.BinGZIP.String(),
		},
		Distributed: Distributed{
			LocalReplicas:            1,
			CollectiveTimeoutSeconds: 600,
		},
	}
}

// Load reads the configuration file at path on top of the defaults and expands the paths.
// Unknown keys are an error. If path is empty it returns the defaults.
//
// It doesn't validate the result, since command line flags may still override values: call
// Normalize and Validate after that.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		expanded, err := fsutil.ReplaceTildeInDir(path)
		if err != nil {
			return nil, err
		}
		contents, err := os.ReadFile(expanded)
		if err != nil {
			return nil, errors.Wrap(err, "read config")
		}
		if err := Decode(contents, &cfg); err != nil {
			return nil, errors.WithMessagef(err, "parse config %q", expanded)
		}
	}
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Decode contents into cfg, rejecting keys that don't map to any field.
func Decode(contents []byte, cfg *Config) error {
	decoder := toml.NewDecoder(bytes.NewReader(contents))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(cfg); err != nil {
		var strictErr *toml.StrictMissingError
		if errors.As(err, &strictErr) {
			return errors.Errorf("unknown configuration keys:\n%s", strictErr.String())
		}
		var decodeErr *toml.DecodeError
		if errors.As(err, &decodeErr) {
			row, col := decodeErr.Position()
			return errors.Errorf("line %d, column %d: %s", row, col, decodeErr.Error())
		}
		return err
	}
	return nil
}

// Normalize expands "~" in the paths and lower-cases the names of the optimizer and compression.
func (c *Config) Normalize() error {
	for _, p := range []*string{&c.Data.Manifest, &c.Data.MixtureDir, &c.Data.AudioDir, &c.Data.VisualDir,
		&c.Checkpoint.Dir, &c.Checkpoint.Journal} {
		trimmed := strings.TrimSpace(*p)
		if trimmed == "" {
			*p = ""
			continue
		}
		expanded, err := fsutil.ReplaceTildeInDir(trimmed)
		if err != nil {
			return err
		}
		*p = filepath.Clean(expanded)
	}
	c.Optimizer.Name = strings.ToLower(strings.TrimSpace(c.Optimizer.Name))
	c.Checkpoint.Compression = strings.ToLower(strings.TrimSpace(c.Checkpoint.Compression))
	return nil
}

func configError(field, format string, args ...any) error {
	return &datasets.ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks that the values are compatible with each other. Failures are returned as
// *datasets.ConfigError.
func (c *Config) Validate() error {
	d := &c.Data
	switch {
	case d.SampleRate <= 0:
		return configError("data.sample_rate", "must be > 0, got %d", d.SampleRate)
	case d.FrameRate <= 0:
		return configError("data.fps", "must be > 0, got %d", d.FrameRate)
	case d.MaxLength <= 0:
		return configError("data.max_length", "must be > 0, got %g", d.MaxLength)
	case d.NumWorkers < 1:
		return configError("data.num_workers", "must be >= 1, got %d", d.NumWorkers)
	case d.Synthetic && d.SyntheticRecords < 1:
		return configError("data.synthetic_records", "must be >= 1, got %d", d.SyntheticRecords)
	case !d.Synthetic && d.Manifest == "":
		return configError("data.manifest", "is required unless data.synthetic is set")
	}
	if _, err := datasets.BatchCapacity(d.BatchSize, d.NumSpeakers); err != nil {
		return err
	}

	t := &c.Train
	switch {
	case t.Epochs < 0:
		return configError("train.epochs", "must be >= 0, got %d", t.Epochs)
	case t.NumTaps < 1:
		return configError("train.num_taps", "must be >= 1, got %d", t.NumTaps)
	case t.PlateauPatience > 0 && (t.DecayFactor <= 0 || t.DecayFactor >= 1):
		return configError("train.decay_factor", "must be in (0, 1), got %g", t.DecayFactor)
	}
	if t.AccumulateGrad {
		if t.EffectiveBatchSize < d.BatchSize || t.EffectiveBatchSize%d.BatchSize != 0 {
			return configError("train.effective_batch_size",
				"must be a positive multiple of data.batch_size=%d when accumulating, got %d",
				d.BatchSize, t.EffectiveBatchSize)
		}
	}

	if c.Optimizer.LearningRate <= 0 {
		return configError("optimizer.lr", "must be > 0, got %g", c.Optimizer.LearningRate)
	}
	if c.Optimizer.WeightDecay < 0 {
		return configError("optimizer.weight_decay", "must be >= 0, got %g", c.Optimizer.WeightDecay)
	}
	if _, err := c.NewOptimizer(); err != nil {
		return configError("optimizer.name", "%v", err)
	}
	if _, err := checkpoints.ParseBinFormat(c.Checkpoint.Compression); err != nil {
		return configError("checkpoint.compression", "%v", err)
	}

	switch {
	case c.Distributed.LocalReplicas < 1:
		return configError("distributed.local_replicas", "must be >= 1, got %d", c.Distributed.LocalReplicas)
	case c.Distributed.CollectiveTimeoutSeconds <= 0:
		return configError("distributed.collective_timeout_seconds", "must be > 0, got %d",
			c.Distributed.CollectiveTimeoutSeconds)
	}
	return nil
}

// AccumulationSteps returns the number of batches whose gradients are summed before each
// optimizer step: effective_batch_size / batch_size if accumulate_grad is set, 1 otherwise.
func (c *Config) AccumulationSteps() int {
	if !c.Train.AccumulateGrad || c.Data.BatchSize <= 0 {
		return 1
	}
	return max(c.Train.EffectiveBatchSize/c.Data.BatchSize, 1)
}

// LoaderConfig returns the sampling parameters of the batch loader.
func (c *Config) LoaderConfig() datasets.LoaderConfig {
	return datasets.LoaderConfig{SampleRate: c.Data.SampleRate, FrameRate: c.Data.FrameRate, MaxLength: c.Data.MaxLength}
}

// CollectiveTimeout of the replica groups.
func (c *Config) CollectiveTimeout() time.Duration {
	return time.Duration(c.Distributed.CollectiveTimeoutSeconds) * time.Second
}

// TrainConfig returns the configuration of the training engine. The run id and the text of
// the configuration are recorded in the checkpoints.
func (c *Config) TrainConfig(runID string) (train.Config, error) {
	text, err := c.Marshal()
	if err != nil {
		return train.Config{}, err
	}
	return train.Config{
		Epochs:            c.Train.Epochs,
		AccumulationSteps: c.AccumulationSteps(),
		MaxGradNorm:       c.Train.MaxNorm,
		Seed:              c.Train.Seed,
		Shuffle:           c.Train.Shuffle,
		PlateauPatience:   c.Train.PlateauPatience,
		DecayFactor:       c.Train.DecayFactor,
		EarlyStopPatience: c.Train.EarlyStopPatience,
		NumWorkers:        c.Data.NumWorkers,
		RunTest:           c.Train.RunTest,
		RunID:             runID,
		ConfigText:        text,
	}, nil
}

// NewOptimizer creates the configured optimizer.
func (c *Config) NewOptimizer() (optimizers.Interface, error) {
	if c.Optimizer.Name == optimizers.NameAdam {
		return optimizers.Adam().
			LearningRate(c.Optimizer.LearningRate).
			WeightDecay(c.Optimizer.WeightDecay).
			Done(), nil
	}
	return optimizers.ByName(c.Optimizer.Name, c.Optimizer.LearningRate)
}

// Marshal returns the configuration as TOML.
func (c *Config) Marshal() (string, error) {
	data, err := toml.Marshal(c)
	if err != nil {
		return "", errors.Wrap(err, "marshal config")
	}
	return string(data), nil
}

// Sample returns the annotated sample configuration file.
func Sample() string {
	return sampleConfig
}

// CreateSample writes the sample configuration to path, creating its directory.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "create config directory")
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return errors.Wrap(err, "write sample config")
	}
	return nil
}
