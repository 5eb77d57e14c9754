// Package pipeline runs the quantization stages in order: graph build,
// statistics, calibration, sensitivity, search and optional refinement.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/mpq/internal/calibrate"
	"github.com/samcharles93/mpq/internal/capability"
	"github.com/samcharles93/mpq/internal/dataset"
	"github.com/samcharles93/mpq/internal/errdefs"
	"github.com/samcharles93/mpq/internal/gptq"
	"github.com/samcharles93/mpq/internal/graph"
	"github.com/samcharles93/mpq/internal/kpi"
	"github.com/samcharles93/mpq/internal/logger"
	"github.com/samcharles93/mpq/internal/model"
	"github.com/samcharles93/mpq/internal/report"
	"github.com/samcharles93/mpq/internal/search"
	"github.com/samcharles93/mpq/internal/sensitivity"
	"github.com/samcharles93/mpq/internal/similarity"
	"github.com/samcharles93/mpq/internal/stats"
)

// Config is the full set of run options. The zero value of a nested stage
// config means that stage's defaults.
type Config struct {
	// SampleCount is the number of statistics passes.
	SampleCount int `json:"sample_count"`
	// MinBatches is the number of distinct batches the dataset must yield.
	MinBatches int   `json:"min_batches"`
	Shuffle    bool  `json:"shuffle"`
	Seed       int64 `json:"seed"`
	// Bins is the histogram resolution of the statistics records.
	Bins int `json:"bins"`

	Calibration calibrate.Config `json:"calibration"`
	// InputScaling stretches graph inputs onto their power-of-two
	// thresholds after calibration, then calibrates again.
	InputScaling bool `json:"input_scaling"`

	Metric similarity.Metric `json:"metric"`
	// Norm is the exponent of the LP metric.
	Norm float64 `json:"norm"`
	// SensitivityBatches is the number of batches each candidate is scored on.
	SensitivityBatches int `json:"sensitivity_batches"`

	Budget         kpi.Budget `json:"budget"`
	MaxSearchSteps int        `json:"max_search_steps"`

	Refinement gptq.Config `json:"refinement"`
	// ValidationBatches are held out for best-checkpoint tracking.
	ValidationBatches int `json:"validation_batches"`

	// Workers bounds every parallel stage; zero means unbounded.
	Workers int `json:"workers"`

	// RunID names the run in logs and the report; empty means a fresh id.
	RunID string `json:"-"`
}

func DefaultConfig() Config {
	return Config{
		SampleCount:        10,
		MinBatches:         1,
		Calibration:        calibrate.DefaultConfig(),
		Metric:             similarity.Default,
		Norm:               2,
		SensitivityBatches: 2,
		Refinement:         gptq.DefaultConfig(),
		ValidationBatches:  2,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinBatches == 0 {
		c.MinBatches = d.MinBatches
	}
	if c.Metric == "" {
		c.Metric = d.Metric
	}
	if c.Norm == 0 {
		c.Norm = d.Norm
	}
	if c.SensitivityBatches == 0 {
		c.SensitivityBatches = d.SensitivityBatches
	}
	if c.ValidationBatches == 0 {
		c.ValidationBatches = d.ValidationBatches
	}
	if c.Calibration.Workers == 0 {
		c.Calibration.Workers = c.Workers
	}
	if c.Refinement.Workers == 0 {
		c.Refinement.Workers = c.Workers
	}
	return c
}

// Validate checks the options that no stage constructor checks itself.
func (c Config) Validate() error {
	switch {
	case c.SampleCount <= 0:
		return errdefs.ConfigErrorf("sample count must be positive, got %d", c.SampleCount)
	case c.MinBatches < 0:
		return errdefs.ConfigErrorf("min batches must not be negative, got %d", c.MinBatches)
	case c.SensitivityBatches < 0:
		return errdefs.ConfigErrorf("sensitivity batches must not be negative, got %d", c.SensitivityBatches)
	case c.ValidationBatches < 0:
		return errdefs.ConfigErrorf("validation batches must not be negative, got %d", c.ValidationBatches)
	case c.Workers < 0:
		return errdefs.ConfigErrorf("workers must not be negative, got %d", c.Workers)
	}
	if _, err := similarity.Parse(string(c.Metric)); err != nil {
		return errdefs.ConfigErrorf("%v", err)
	}
	return c.Budget.Validate()
}

// Result is everything a run produced. Graph carries the final selection
// and parameters.
type Result struct {
	RunID    string
	Graph    *graph.Graph
	Scores   *sensitivity.Scores
	Solution *search.Solution
	Refined  *gptq.Result
	Scalings []calibrate.Scaling
	// Restored is set when refinement diverged and the searched solution
	// was put back.
	Restored bool
	Usage    kpi.Vector
	Report   *report.Report
	Notes    []string
	Warnings []string
}

// stages holds the constructed stage engines of one run.
type stages struct {
	collector  *stats.Collector
	calibrator *calibrate.Calibrator
	evaluator  *sensitivity.Evaluator
	engine     *search.Engine
	refiner    *gptq.Refiner
}

func newStages(cfg Config) (*stages, error) {
	col, err := stats.NewCollector(stats.Config{SampleCount: cfg.SampleCount, Bins: cfg.Bins, Workers: cfg.Workers})
	if err != nil {
		return nil, err
	}
	cal, err := calibrate.New(cfg.Calibration)
	if err != nil {
		return nil, err
	}
	ev, err := sensitivity.New(sensitivity.Config{Metric: cfg.Metric, Norm: cfg.Norm, Workers: cfg.Workers})
	if err != nil {
		return nil, err
	}
	eng, err := search.New(search.Config{MaxSteps: cfg.MaxSearchSteps})
	if err != nil {
		return nil, err
	}
	ref, err := gptq.New(cfg.Refinement)
	if err != nil {
		return nil, err
	}
	return &stages{collector: col, calibrator: cal, evaluator: ev, engine: eng, refiner: ref}, nil
}

// NewRunID returns a fresh run identifier.
func NewRunID() string { return "run_" + uuid.NewString() }

// Run builds the graph of m against caps and quantizes it.
func Run(ctx context.Context, m *model.Model, caps capability.Provider, data dataset.Provider, cfg Config) (*Result, error) {
	g, err := graph.Build(m, caps)
	if err != nil {
		return nil, err
	}
	return Quantize(ctx, g, data, cfg)
}

// Quantize runs every stage after graph construction on g. Any error other
// than refinement divergence is fatal and no partial result is returned.
// On divergence g is rolled back to the searched solution and the
// divergence is reported as a warning.
func Quantize(ctx context.Context, g *graph.Graph, data dataset.Provider, cfg Config) (*Result, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	st, err := newStages(cfg)
	if err != nil {
		return nil, err
	}

	res := &Result{RunID: cfg.RunID, Graph: g}
	if res.RunID == "" {
		res.RunID = NewRunID()
	}
	log := logger.FromContext(ctx).With("run_id", res.RunID, "model", g.Name)
	ctx = logger.WithContext(ctx, log)
	start := time.Now()
	log.Info("quantization started", "nodes", g.NumNodes(), "quantizable", len(g.Quantizable()))

	km := kpi.New(g)
	if err := km.CheckFeasible(cfg.Budget); err != nil {
		return nil, err
	}

	sampler := dataset.NewSampler(data, dataset.SamplerConfig{
		MinBatches: cfg.MinBatches,
		Shuffle:    cfg.Shuffle,
		Seed:       cfg.Seed,
	})

	if err := st.collector.Collect(ctx, g, sampler); err != nil {
		return nil, fmt.Errorf("statistics: %w", err)
	}

	notes, err := st.calibrator.Calibrate(ctx, g, st.collector)
	if err != nil {
		return nil, fmt.Errorf("calibration: %w", err)
	}
	if cfg.InputScaling {
		res.Scalings, err = calibrate.ScaleInputs(ctx, g, st.collector)
		if err != nil {
			return nil, fmt.Errorf("input scaling: %w", err)
		}
		if len(res.Scalings) > 0 {
			if notes, err = st.calibrator.Calibrate(ctx, g, st.collector); err != nil {
				return nil, fmt.Errorf("calibration after input scaling: %w", err)
			}
		}
		for _, s := range res.Scalings {
			res.Notes = append(res.Notes, fmt.Sprintf("input %s scaled by %g into %s", s.Input, s.Factor, s.Linear))
		}
	}
	for _, n := range notes {
		res.Notes = append(res.Notes, n.Error())
	}

	eval, err := sampler.Take(ctx, cfg.SensitivityBatches)
	if err != nil {
		return nil, fmt.Errorf("sensitivity data: %w", err)
	}
	res.Scores, err = st.evaluator.Evaluate(ctx, g, eval)
	if err != nil {
		return nil, fmt.Errorf("sensitivity: %w", err)
	}
	if err := res.Scores.Check(g, dataset.Fingerprint(eval), st.evaluator.Metric()); err != nil {
		return nil, err
	}

	res.Solution, err = st.engine.Search(ctx, g, res.Scores, cfg.Budget)
	if err != nil {
		return nil, err
	}
	if err := g.Apply(res.Solution.Assignment); err != nil {
		return nil, err
	}

	if cfg.Refinement.Iterations > 0 {
		if err := refine(ctx, g, st.refiner, sampler, cfg, res); err != nil {
			return nil, err
		}
	}

	res.Usage = km.Vector(g.Assignment())
	res.Report = buildReport(g, km, cfg, res)
	log.Info("quantization finished",
		"usage", res.Usage.String(),
		"sensitivity", res.Solution.Sensitivity,
		"warnings", len(res.Warnings),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return res, nil
}

func refine(ctx context.Context, g *graph.Graph, r *gptq.Refiner, sampler *dataset.Sampler, cfg Config, res *Result) error {
	log := logger.FromContext(ctx)
	snap := g.Snapshot()

	var validation []dataset.Batch
	if cfg.Refinement.TrackBest {
		var err error
		validation, err = sampler.Take(ctx, cfg.ValidationBatches)
		if err != nil {
			return fmt.Errorf("validation data: %w", err)
		}
	}

	out, err := r.Refine(ctx, g, sampler, validation)
	var div *errdefs.RefinementDivergenceError
	switch {
	case errors.As(err, &div):
		g.Restore(snap)
		res.Restored = true
		res.Warnings = append(res.Warnings, fmt.Sprintf("%v; kept the searched solution", div))
		log.Warn("refinement discarded", "iteration", div.Iteration)
		res.Refined = &gptq.Result{Iterations: div.Iteration, Best: -1}
		return nil
	case err != nil:
		return fmt.Errorf("refinement: %w", err)
	}
	res.Refined = out
	return nil
}

func buildReport(g *graph.Graph, km *kpi.Model, cfg Config, res *Result) *report.Report {
	_, maxV := km.Max()
	_, minV := km.Min()
	rep := &report.Report{
		RunID:       res.RunID,
		Model:       g.Name,
		CreatedAt:   time.Now().UTC(),
		Metric:      string(res.Scores.Metric),
		Budget:      cfg.Budget,
		Usage:       res.Usage,
		Max:         maxV,
		Min:         minV,
		Sensitivity: res.Scores.Total(g.Assignment()),
		SearchSteps: res.Solution.Steps,
		Nodes:       report.Nodes(g, km, res.Scores),
		Notes:       res.Notes,
		Warnings:    res.Warnings,
	}
	if r := res.Refined; r != nil {
		rep.Refinement = &report.Refinement{
			Iterations: r.Iterations,
			Thresholds: r.Thresholds,
			Kernels:    r.Kernels,
			Loss:       r.Loss,
			Best:       r.Best,
			Restored:   res.Restored,
		}
	}
	return rep
}
