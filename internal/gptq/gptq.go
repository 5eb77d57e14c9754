// Package gptq refines the selected quantization parameters of a searched
// graph against its float outputs, knowledge-distillation style.
//
// Thresholds are trained in log space with central finite-difference
// gradients. Kernels, when enabled, follow the layer-wise reconstruction
// gradient with a straight-through estimator through fake quantization.
// Both are updated with a gorgonia Adam solver created per run.
package gptq

import (
	"context"
	"fmt"
	"math"

	G "gorgonia.org/gorgonia"

	"github.com/samcharles93/mpq/internal/dataset"
	"github.com/samcharles93/mpq/internal/errdefs"
	"github.com/samcharles93/mpq/internal/executor"
	"github.com/samcharles93/mpq/internal/graph"
	"github.com/samcharles93/mpq/internal/logger"
	"github.com/samcharles93/mpq/internal/tensor"
)

type Config struct {
	// Iterations is the fixed step budget; zero disables refinement.
	Iterations int
	// LearnRate applies to log-thresholds, KernelLearnRate to kernels.
	LearnRate       float64
	KernelLearnRate float64
	TrainWeights    bool
	// Loss = IntermediateWeight * mean node distance + OutputWeight * mean
	// output distance. Both zero means 1 and 1.
	IntermediateWeight float64
	OutputWeight       float64
	// Step is the finite-difference half-width in log-threshold space.
	Step float64
	// TrackBest keeps the parameters with the lowest validation loss,
	// including the starting point.
	TrackBest bool
	Workers   int
}

func DefaultConfig() Config {
	return Config{
		LearnRate:          1e-2,
		KernelLearnRate:    1e-4,
		IntermediateWeight: 1,
		OutputWeight:       1,
		Step:               1e-2,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.LearnRate == 0 {
		c.LearnRate = d.LearnRate
	}
	if c.KernelLearnRate == 0 {
		c.KernelLearnRate = d.KernelLearnRate
	}
	if c.IntermediateWeight == 0 && c.OutputWeight == 0 {
		c.IntermediateWeight, c.OutputWeight = d.IntermediateWeight, d.OutputWeight
	}
	if c.Step == 0 {
		c.Step = d.Step
	}
	return c
}

func (c Config) Validate() error {
	switch {
	case c.Iterations < 0:
		return errdefs.ConfigErrorf("refinement iterations must not be negative, got %d", c.Iterations)
	case !(c.LearnRate > 0), !(c.KernelLearnRate > 0):
		return errdefs.ConfigErrorf("learning rates must be positive")
	case c.IntermediateWeight < 0, c.OutputWeight < 0:
		return errdefs.ConfigErrorf("loss weights must not be negative")
	case !(c.Step > 0):
		return errdefs.ConfigErrorf("finite-difference step must be positive, got %g", c.Step)
	case c.Workers < 0:
		return errdefs.ConfigErrorf("workers must not be negative, got %d", c.Workers)
	}
	return nil
}

type Refiner struct {
	cfg Config
}

func New(cfg Config) (*Refiner, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Refiner{cfg: cfg}, nil
}

// Result summarises one refinement run.
type Result struct {
	Iterations int       `json:"iterations"`
	Loss       []float64 `json:"loss"`
	// Validation holds the validation loss of the starting point followed
	// by one value per iteration, when tracking.
	Validation []float64 `json:"validation,omitempty"`
	// Best is the iteration whose parameters were kept; -1 is the start.
	Best       int `json:"best"`
	Thresholds int `json:"thresholds"`
	Kernels    int `json:"kernels"`
}

// Refine trains the selected candidates of g. Float weights are never
// touched; refined kernels are stored as overrides. On a non-finite loss it
// stores the last finite state and returns a RefinementDivergenceError.
func (r *Refiner) Refine(ctx context.Context, g *graph.Graph, sampler *dataset.Sampler, validation []dataset.Batch) (*Result, error) {
	res := &Result{Best: -1}
	if r.cfg.Iterations == 0 {
		return res, nil
	}
	if r.cfg.TrackBest && len(validation) == 0 {
		return nil, errdefs.ConfigErrorf("best-checkpoint tracking needs validation batches")
	}
	log := logger.FromContext(ctx).With("stage", "refinement")

	p, cur := newProblem(g, r.cfg.TrainWeights)
	res.Thresholds, res.Kernels = len(p.thresholds), len(p.trained)
	if len(p.thresholds) == 0 && len(p.trained) == 0 {
		return res, nil
	}

	// Fresh solvers per run: Adam moments must not leak between graphs.
	tSolver := G.NewAdamSolver(G.WithLearnRate(r.cfg.LearnRate))
	kSolver := G.NewAdamSolver(G.WithLearnRate(r.cfg.KernelLearnRate))
	tVec := newVec(cur.logT)
	kVecs := make([]G.ValueGrad, 0, len(p.trained))
	kByNode := make(map[int]*vec, len(p.trained))
	for _, id := range p.trained {
		v := newVec(cur.kernels[id].Data)
		kVecs = append(kVecs, v)
		kByNode[id] = v
	}

	good := cur.clone()
	best, bestLoss := good, math.Inf(1)
	if r.cfg.TrackBest {
		vl, err := r.validate(ctx, p, cur, validation)
		if err != nil {
			return nil, err
		}
		res.Validation = append(res.Validation, vl)
		bestLoss = vl
	}

	for it := range r.cfg.Iterations {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch, err := sampler.Next(ctx)
		if err != nil {
			return nil, err
		}
		ref, err := executor.Run(ctx, g, batch, executor.Float())
		if err != nil {
			return nil, err
		}

		loss, qres, err := r.loss(ctx, p, cur, batch, ref)
		if err != nil {
			return nil, err
		}
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			return res, r.diverged(p, good, it, loss, log)
		}

		if len(p.thresholds) > 0 {
			if err := r.thresholdGrad(ctx, p, cur, batch, ref, tVec.grad); err != nil {
				return nil, err
			}
		}
		for _, id := range p.trained {
			if err := r.kernelGrad(p, cur, id, ref, qres, kByNode[id].grad); err != nil {
				return nil, err
			}
		}
		if !tensor.AllFinite(tVec.grad) {
			return res, r.diverged(p, good, it, math.NaN(), log)
		}

		good = cur.clone()
		if len(p.thresholds) > 0 {
			if err := tSolver.Step([]G.ValueGrad{tVec}); err != nil {
				return nil, fmt.Errorf("threshold step: %w", err)
			}
		}
		if len(kVecs) > 0 {
			if err := kSolver.Step(kVecs); err != nil {
				return nil, fmt.Errorf("kernel step: %w", err)
			}
		}
		if !cur.finite() {
			return res, r.diverged(p, good, it, math.NaN(), log)
		}
		res.Loss = append(res.Loss, loss)
		res.Iterations++

		if r.cfg.TrackBest {
			vl, err := r.validate(ctx, p, cur, validation)
			if err != nil {
				return nil, err
			}
			res.Validation = append(res.Validation, vl)
			if vl < bestLoss {
				best, bestLoss, res.Best = cur.clone(), vl, it
			}
		}
		log.Debug("refinement step", "iteration", it, "loss", loss)
	}

	final := cur
	if r.cfg.TrackBest {
		final = best
	} else {
		res.Best = res.Iterations - 1
	}
	if err := p.apply(final); err != nil {
		return nil, err
	}
	log.Info("refinement finished", "iterations", res.Iterations, "thresholds", res.Thresholds, "kernels", res.Kernels)
	return res, nil
}

func (r *Refiner) diverged(p *problem, good state, it int, loss float64, log logger.Logger) error {
	if err := p.apply(good); err != nil {
		return err
	}
	log.Warn("refinement diverged", "iteration", it, "loss", loss)
	return &errdefs.RefinementDivergenceError{Iteration: it, Loss: loss}
}

func (r *Refiner) validate(ctx context.Context, p *problem, s state, batches []dataset.Batch) (float64, error) {
	var sum float64
	for _, b := range batches {
		ref, err := executor.Run(ctx, p.g, b, executor.Float())
		if err != nil {
			return 0, err
		}
		l, _, err := r.loss(ctx, p, s, b, ref)
		if err != nil {
			return 0, err
		}
		sum += l
	}
	return sum / float64(len(batches)), nil
}
