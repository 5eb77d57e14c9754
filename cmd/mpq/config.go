package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the mpq configuration file (~/.config/mpq/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	Capabilities string `yaml:"capabilities"`

	// Calibration
	SampleCount     *int   `yaml:"sample_count"`
	MinBatches      *int   `yaml:"min_batches"`
	GridSize        *int   `yaml:"grid_size"`
	WeightError     string `yaml:"weight_error"`
	ActivationError string `yaml:"activation_error"`
	InputScaling    *bool  `yaml:"input_scaling"`

	// Sensitivity and search
	Metric             string             `yaml:"metric"`
	SensitivityBatches *int               `yaml:"sensitivity_batches"`
	MaxSearchSteps     *int               `yaml:"max_search_steps"`
	Budget             map[string]float64 `yaml:"budget"`

	// Refinement
	Iterations   *int     `yaml:"iterations"`
	LearnRate    *float64 `yaml:"learn_rate"`
	TrainWeights *bool    `yaml:"train_weights"`
	TrackBest    *bool    `yaml:"track_best"`

	Seed    *int64 `yaml:"seed"`
	Shuffle *bool  `yaml:"shuffle"`
	Workers *int   `yaml:"workers"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "mpq", "config.yaml")
}

// LoadConfig reads path, or the default location when path is empty. A
// missing default file yields a zero Config; a missing explicit file is an
// error.
func LoadConfig(path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = configPath()
		if path == "" {
			return Config{}, nil
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// applyQuantizeConfig applies config file defaults to quantize options when
// the corresponding CLI flag was not explicitly set.
func applyQuantizeConfig(c *cli.Command, cfg Config, o *quantizeOptions) {
	if cfg.Capabilities != "" && !c.IsSet("capabilities") {
		capabilitiesPath = cfg.Capabilities
	}
	setInt(c, "samples", cfg.SampleCount, &o.samples)
	setInt(c, "min-batches", cfg.MinBatches, &o.minBatches)
	setInt(c, "grid", cfg.GridSize, &o.grid)
	setString(c, "weight-error", cfg.WeightError, &o.weightError)
	setString(c, "activation-error", cfg.ActivationError, &o.activationError)
	setBool(c, "input-scaling", cfg.InputScaling, &o.inputScaling)
	setString(c, "metric", cfg.Metric, &o.metric)
	setInt(c, "sensitivity-batches", cfg.SensitivityBatches, &o.sensitivityBatches)
	setInt(c, "max-steps", cfg.MaxSearchSteps, &o.maxSteps)
	setInt(c, "iterations", cfg.Iterations, &o.iterations)
	if cfg.LearnRate != nil && !c.IsSet("learn-rate") {
		o.learnRate = *cfg.LearnRate
	}
	setBool(c, "train-weights", cfg.TrainWeights, &o.trainWeights)
	setBool(c, "track-best", cfg.TrackBest, &o.trackBest)
	if cfg.Seed != nil && !c.IsSet("seed") {
		o.seed = *cfg.Seed
	}
	setBool(c, "shuffle", cfg.Shuffle, &o.shuffle)
	setInt(c, "workers", cfg.Workers, &o.workers)
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	if cfg.Capabilities != "" && !c.IsSet("capabilities") {
		capabilitiesPath = cfg.Capabilities
	}
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
}

func setInt(c *cli.Command, flag string, v *int, dst *int) {
	if v != nil && !c.IsSet(flag) {
		*dst = *v
	}
}

func setBool(c *cli.Command, flag string, v *bool, dst *bool) {
	if v != nil && !c.IsSet(flag) {
		*dst = *v
	}
}

func setString(c *cli.Command, flag, v string, dst *string) {
	if v != "" && !c.IsSet(flag) {
		*dst = v
	}
}
