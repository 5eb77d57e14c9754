// Package sensitivity scores how much each candidate of each quantizable
// node distorts the graph outputs, one node at a time.
package sensitivity

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/mpq/internal/dataset"
	"github.com/samcharles93/mpq/internal/errdefs"
	"github.com/samcharles93/mpq/internal/executor"
	"github.com/samcharles93/mpq/internal/graph"
	"github.com/samcharles93/mpq/internal/logger"
	"github.com/samcharles93/mpq/internal/similarity"
	"github.com/samcharles93/mpq/internal/tensor"
)

type Config struct {
	Metric similarity.Metric
	// Norm is the exponent of the LP metric.
	Norm float64
	// Workers bounds concurrent (node, candidate) evaluations; zero means
	// unbounded.
	Workers int
}

// Scores holds one value per (node, candidate), stamped with what it was
// computed from.
type Scores struct {
	Metric      similarity.Metric `json:"metric"`
	Revision    uint64            `json:"revision"`
	Fingerprint uint64            `json:"fingerprint"`
	Nodes       map[int][]float64 `json:"nodes"`
}

// Score returns the sensitivity of candidate idx of a node. Unknown pairs
// score zero.
func (s *Scores) Score(nodeID, idx int) float64 {
	v := s.Nodes[nodeID]
	if idx < 0 || idx >= len(v) {
		return 0
	}
	return v[idx]
}

// Total sums the scores of an assignment.
func (s *Scores) Total(assignment map[int]int) float64 {
	var sum float64
	for id, idx := range assignment {
		sum += s.Score(id, idx)
	}
	return sum
}

// Check fails with ErrStaleSensitivity when g, the evaluation data or the
// metric differ from those the scores were computed with.
func (s *Scores) Check(g *graph.Graph, fingerprint uint64, metric similarity.Metric) error {
	switch {
	case s.Revision != g.Revision():
		return fmt.Errorf("%w: graph revision %d, scores from %d", errdefs.ErrStaleSensitivity, g.Revision(), s.Revision)
	case s.Fingerprint != fingerprint:
		return fmt.Errorf("%w: evaluation data changed", errdefs.ErrStaleSensitivity)
	case s.Metric != metric:
		return fmt.Errorf("%w: metric %s, scores use %s", errdefs.ErrStaleSensitivity, metric, s.Metric)
	}
	for _, n := range g.Quantizable() {
		if len(s.Nodes[n.ID]) != len(n.Candidates) {
			return fmt.Errorf("%w: node %q", errdefs.ErrStaleSensitivity, n.Name)
		}
	}
	return nil
}

type Evaluator struct {
	cfg  Config
	dist similarity.Func
}

func New(cfg Config) (*Evaluator, error) {
	if cfg.Metric == "" {
		cfg.Metric = similarity.Default
	}
	if cfg.Norm == 0 {
		cfg.Norm = 2
	}
	if cfg.Workers < 0 {
		return nil, errdefs.ConfigErrorf("workers must not be negative, got %d", cfg.Workers)
	}
	f, err := cfg.Metric.Get(cfg.Norm)
	if err != nil {
		return nil, errdefs.ConfigErrorf("%v", err)
	}
	return &Evaluator{cfg: cfg, dist: f}, nil
}

func (e *Evaluator) Metric() similarity.Metric { return e.cfg.Metric }

type unit struct {
	node *graph.Node
	cand int
}

// Evaluate scores every candidate of every quantizable node over batches.
// The other nodes run at their highest-precision candidate. Scores are
// then raised so that no candidate scores below one that dominates it.
func (e *Evaluator) Evaluate(ctx context.Context, g *graph.Graph, batches []dataset.Batch) (*Scores, error) {
	if len(batches) == 0 {
		return nil, &errdefs.InsufficientCalibrationDataError{Got: 0, Want: 1}
	}
	log := logger.FromContext(ctx).With("stage", "sensitivity")

	refs := make([][]*tensor.Tensor, len(batches))
	for i, b := range batches {
		res, err := executor.Run(ctx, g, b, executor.Float())
		if err != nil {
			return nil, fmt.Errorf("float reference: %w", err)
		}
		refs[i] = res.Outputs()
	}

	var units []unit
	for _, n := range g.Quantizable() {
		for i := range n.Candidates {
			units = append(units, unit{node: n, cand: i})
		}
	}
	out := make([]float64, len(units))

	eg, egctx := errgroup.WithContext(ctx)
	if e.cfg.Workers > 0 {
		eg.SetLimit(e.cfg.Workers)
	}
	for k, u := range units {
		eg.Go(func() error {
			plan := executor.Plan{
				Quantize: true,
				Base:     executor.Highest,
				Override: map[int]int{u.node.ID: u.cand},
			}
			var sum float64
			for i, b := range batches {
				res, err := executor.Run(egctx, g, b, plan)
				if err != nil {
					return fmt.Errorf("node %q candidate %s: %w", u.node.Name, u.node.Candidates[u.cand], err)
				}
				d, err := similarity.Mean(e.dist, refs[i], res.Outputs())
				if err != nil {
					return err
				}
				sum += d
			}
			out[k] = sum / float64(len(batches))
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	s := &Scores{
		Metric:      e.cfg.Metric,
		Revision:    g.Revision(),
		Fingerprint: dataset.Fingerprint(batches),
		Nodes:       make(map[int][]float64),
	}
	for k, u := range units {
		s.Nodes[u.node.ID] = append(s.Nodes[u.node.ID], out[k])
	}
	for _, n := range g.Quantizable() {
		monotone(n.Candidates, s.Nodes[n.ID])
	}
	log.Debug("sensitivity evaluated", "units", len(units), "batches", len(batches), "metric", e.cfg.Metric)
	return s, nil
}

// monotone raises each score to the maximum over the candidates that
// dominate it.
func monotone(cands []graph.Candidate, scores []float64) {
	for i := range cands {
		for j := range cands {
			if j != i && cands[j].Dominates(cands[i]) && scores[j] > scores[i] {
				scores[i] = scores[j]
			}
		}
	}
}
