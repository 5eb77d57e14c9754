package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/mpq/internal/calibrate"
	"github.com/samcharles93/mpq/internal/capability"
	"github.com/samcharles93/mpq/internal/dataset"
	"github.com/samcharles93/mpq/internal/export"
	"github.com/samcharles93/mpq/internal/kpi"
	"github.com/samcharles93/mpq/internal/logger"
	"github.com/samcharles93/mpq/internal/model"
	"github.com/samcharles93/mpq/internal/pipeline"
	"github.com/samcharles93/mpq/internal/similarity"
)

type quantizeOptions struct {
	samples            int
	minBatches         int
	grid               int
	weightError        string
	activationError    string
	inputScaling       bool
	metric             string
	sensitivityBatches int
	maxSteps           int
	iterations         int
	learnRate          float64
	trainWeights       bool
	trackBest          bool
	seed               int64
	shuffle            bool
	workers            int

	dataPath      string
	batchSize     int
	randomBatches int

	reportPath string
	exportPath string
	exportType string
	codes      bool
	quiet      bool
}

var budgetFlags = map[string]kpi.Dimension{
	"budget-weights":     kpi.WeightMemory,
	"budget-activations": kpi.ActivationMemory,
	"budget-compute":     kpi.Compute,
}

func (o *quantizeOptions) pipelineConfig() (pipeline.Config, error) {
	cfg := pipeline.DefaultConfig()
	cfg.SampleCount = o.samples
	cfg.MinBatches = o.minBatches
	cfg.Shuffle, cfg.Seed = o.shuffle, o.seed
	cfg.Calibration.GridSize = o.grid
	var err error
	if cfg.Calibration.WeightError, err = calibrate.ParseErrorMethod(o.weightError); err != nil {
		return cfg, err
	}
	if cfg.Calibration.ActivationError, err = calibrate.ParseErrorMethod(o.activationError); err != nil {
		return cfg, err
	}
	cfg.InputScaling = o.inputScaling
	if cfg.Metric, err = similarity.Parse(o.metric); err != nil {
		return cfg, err
	}
	cfg.SensitivityBatches = o.sensitivityBatches
	cfg.MaxSearchSteps = o.maxSteps
	cfg.Refinement.Iterations = o.iterations
	cfg.Refinement.LearnRate = o.learnRate
	cfg.Refinement.TrainWeights = o.trainWeights
	cfg.Refinement.TrackBest = o.trackBest
	cfg.Workers = o.workers
	return cfg, cfg.Validate()
}

// budgetFrom reads the budget flags, falling back to the config file.
func budgetFrom(c *cli.Command, cfg Config) (kpi.Budget, error) {
	b := kpi.Budget{}
	for name, v := range cfg.Budget {
		d, err := kpi.ParseDimension(name)
		if err != nil {
			return nil, fmt.Errorf("config budget: %w", err)
		}
		b[d] = v
	}
	for flag, d := range budgetFlags {
		if c.IsSet(flag) {
			b[d] = c.Float(flag)
		}
	}
	return b, b.Validate()
}

func quantizeCmd() *cli.Command {
	var o quantizeOptions

	return &cli.Command{
		Name:  "quantize",
		Usage: "Search a mixed-precision configuration for a model under a resource budget",
		Flags: append(modelFlags(),
			&cli.StringFlag{
				Name:        "data",
				Usage:       "safetensors file holding one [N, ...] tensor per model input; random data when empty",
				Destination: &o.dataPath,
			},
			&cli.IntFlag{
				Name:        "batch-size",
				Usage:       "samples per batch",
				Value:       16,
				Destination: &o.batchSize,
			},
			&cli.IntFlag{
				Name:        "random-batches",
				Usage:       "number of distinct random batches when --data is empty",
				Value:       8,
				Destination: &o.randomBatches,
			},
			&cli.IntFlag{
				Name:        "samples",
				Usage:       "number of calibration passes",
				Value:       10,
				Destination: &o.samples,
			},
			&cli.IntFlag{
				Name:        "min-batches",
				Usage:       "distinct batches the dataset must provide",
				Value:       1,
				Destination: &o.minBatches,
			},
			&cli.IntFlag{
				Name:        "grid",
				Usage:       "threshold search grid size",
				Value:       calibrate.DefaultGridSize,
				Destination: &o.grid,
			},
			&cli.StringFlag{
				Name:        "weight-error",
				Usage:       "weight threshold error (mse, mae, lp, kl, noclipping)",
				Value:       string(calibrate.MSE),
				Destination: &o.weightError,
			},
			&cli.StringFlag{
				Name:        "activation-error",
				Usage:       "activation threshold error (mse, mae, lp, kl, noclipping)",
				Value:       string(calibrate.MSE),
				Destination: &o.activationError,
			},
			&cli.StringFlag{
				Name:        "metric",
				Usage:       "sensitivity metric (mse, nmse, mae, nmae, kl, cosine, lp)",
				Value:       string(similarity.Default),
				Destination: &o.metric,
			},
			&cli.IntFlag{
				Name:        "sensitivity-batches",
				Usage:       "batches each candidate is scored on",
				Value:       2,
				Destination: &o.sensitivityBatches,
			},
			&cli.IntFlag{
				Name:        "max-steps",
				Usage:       "search step cap (0 = total candidate count)",
				Destination: &o.maxSteps,
			},
			&cli.FloatFlag{Name: "budget-weights", Usage: "weight memory limit in bytes"},
			&cli.FloatFlag{Name: "budget-activations", Usage: "peak activation memory limit in bytes"},
			&cli.FloatFlag{Name: "budget-compute", Usage: "compute limit in bit-operations"},
			&cli.IntFlag{
				Name:        "iterations",
				Usage:       "refinement iterations (0 disables refinement)",
				Destination: &o.iterations,
			},
			&cli.FloatFlag{
				Name:        "learn-rate",
				Usage:       "refinement threshold learning rate",
				Value:       1e-2,
				Destination: &o.learnRate,
			},
			&cli.BoolFlag{
				Name:        "input-scaling",
				Usage:       "stretch model inputs onto their power-of-two thresholds before the search",
				Destination: &o.inputScaling,
			},
			&cli.BoolFlag{
				Name:        "train-weights",
				Usage:       "also refine kernels",
				Destination: &o.trainWeights,
			},
			&cli.BoolFlag{
				Name:        "track-best",
				Usage:       "keep the refinement state with the lowest validation loss",
				Destination: &o.trackBest,
			},
			&cli.Int64Flag{
				Name:        "seed",
				Usage:       "seed for random data and batch shuffling",
				Destination: &o.seed,
			},
			&cli.BoolFlag{
				Name:        "shuffle",
				Usage:       "shuffle batch order",
				Destination: &o.shuffle,
			},
			&cli.IntFlag{
				Name:        "workers",
				Usage:       "parallel workers (0 = unbounded)",
				Destination: &o.workers,
			},
			&cli.StringFlag{
				Name:        "report",
				Usage:       "write the JSON report to this path",
				Destination: &o.reportPath,
			},
			&cli.StringFlag{
				Name:        "export",
				Usage:       "write fake-quantized weights and parameters to this .safetensors path",
				Destination: &o.exportPath,
			},
			&cli.StringFlag{
				Name:        "export-dtype",
				Usage:       "float dtype of exported tensors (F64, F32, F16)",
				Value:       "F32",
				Destination: &o.exportType,
			},
			&cli.BoolFlag{
				Name:        "codes",
				Usage:       "also export integer weight codes",
				Destination: &o.codes,
			},
			&cli.BoolFlag{
				Name:        "quiet",
				Aliases:     []string{"q"},
				Usage:       "do not print the result table",
				Destination: &o.quiet,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyQuantizeConfig(cmd, fileConfig, &o)

			cfg, err := o.pipelineConfig()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if cfg.Budget, err = budgetFrom(cmd, fileConfig); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			m, caps, err := loadInputs()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			data, err := o.dataProvider(m)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			res, err := pipeline.Run(ctx, m, caps, data, cfg)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: quantize: %v", err), 1)
			}
			for _, w := range res.Warnings {
				log.Warn(w)
			}

			if o.reportPath != "" {
				if err := res.Report.WriteFile(o.reportPath); err != nil {
					return cli.Exit(fmt.Sprintf("error: write report: %v", err), 1)
				}
				log.Info("report written", "path", o.reportPath)
			}
			if o.exportPath != "" {
				opts := export.Options{RunID: res.RunID, FloatDType: o.exportType, Codes: o.codes}
				if err := export.WriteFile(o.exportPath, res.Graph, opts); err != nil {
					return cli.Exit(fmt.Sprintf("error: export: %v", err), 1)
				}
				log.Info("quantized model written", "path", o.exportPath)
			}
			if !o.quiet {
				res.Report.WriteTable(os.Stdout)
			}
			return nil
		},
	}
}

// loadInputs reads the model and capability files named by the flags.
func loadInputs() (*model.Model, capability.Provider, error) {
	m, err := model.Load(topologyPath, weightsPath)
	if err != nil {
		return nil, nil, err
	}
	if capabilitiesPath == "" {
		return m, capability.Default(), nil
	}
	caps, err := capability.Load(capabilitiesPath)
	if err != nil {
		return nil, nil, err
	}
	return m, caps, nil
}

func (o *quantizeOptions) dataProvider(m *model.Model) (dataset.Provider, error) {
	if o.batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", o.batchSize)
	}
	if o.dataPath == "" {
		shapes := make([][]int, len(m.Inputs))
		for i, in := range m.Inputs {
			shapes[i] = in.Shape
		}
		return dataset.NewRandom(shapes, o.batchSize, o.randomBatches, o.seed), nil
	}
	batches, err := loadBatches(o.dataPath, m, o.batchSize)
	if err != nil {
		return nil, err
	}
	return dataset.NewMemory(batches...), nil
}
