// Package search picks one candidate per quantizable node so that the
// assignment fits a resource budget with little added sensitivity.
package search

import (
	"context"
	"fmt"
	"maps"
	"math"

	"github.com/samcharles93/mpq/internal/errdefs"
	"github.com/samcharles93/mpq/internal/graph"
	"github.com/samcharles93/mpq/internal/kpi"
	"github.com/samcharles93/mpq/internal/logger"
	"github.com/samcharles93/mpq/internal/sensitivity"
)

// Solution is the outcome of a search.
type Solution struct {
	// Assignment maps node id to candidate index.
	Assignment  map[int]int `json:"assignment"`
	Sensitivity float64     `json:"sensitivity"`
	Usage       kpi.Vector  `json:"usage"`
	Steps       int         `json:"steps"`
}

type Config struct {
	// MaxSteps caps the descent; zero means the total candidate count.
	MaxSteps int
}

type Engine struct {
	cfg Config
}

func New(cfg Config) (*Engine, error) {
	if cfg.MaxSteps < 0 {
		return nil, errdefs.ConfigErrorf("max steps must not be negative, got %d", cfg.MaxSteps)
	}
	return &Engine{cfg: cfg}, nil
}

const tieTolerance = 1e-12

// move is one candidate reduction considered in a step.
type move struct {
	node, to   int
	efficiency float64
	footprint  float64
}

// Search runs a greedy descent from the all-highest assignment. Each step
// moves one node to a next lower candidate, one with no other candidate
// between it and the current one. The move with the smallest sensitivity
// increase per unit of normalised resource saved on the violated dimensions
// wins. Equal efficiencies prefer the node with the larger footprint,
// then the earlier node in topological order.
func (e *Engine) Search(ctx context.Context, g *graph.Graph, scores *sensitivity.Scores, budget kpi.Budget) (*Solution, error) {
	log := logger.FromContext(ctx).With("stage", "search")
	nodes := g.Quantizable()
	if len(nodes) == 0 {
		return &Solution{Assignment: map[int]int{}}, nil
	}
	for _, n := range nodes {
		if len(scores.Nodes[n.ID]) != len(n.Candidates) {
			return nil, fmt.Errorf("%w: no scores for node %q", errdefs.ErrStaleSensitivity, n.Name)
		}
	}

	m := kpi.New(g)
	if err := m.CheckFeasible(budget); err != nil {
		return nil, err
	}

	a, v := m.Max()
	top := v
	limit := e.cfg.MaxSteps
	if limit == 0 {
		for _, n := range nodes {
			limit += len(n.Candidates)
		}
	}

	steps := 0
	for ; steps < limit; steps++ {
		violated := budget.Violated(v)
		if len(violated) == 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		norm := func(d kpi.Dimension, x float64) float64 {
			s := budget[d]
			if s <= 0 {
				s = top.Get(d)
			}
			if s <= 0 {
				return 0
			}
			return x / s
		}

		var best *move
		for _, n := range nodes {
			cur := a[n.ID]
			var fp float64
			foot := m.Footprint(a, n.ID)
			for _, d := range violated {
				fp += norm(d, foot.Get(d))
			}
			for j := range n.Candidates {
				if !nextLower(n.Candidates, cur, j) {
					continue
				}
				next := maps.Clone(a)
				next[n.ID] = j
				nv := m.Vector(next)
				var saved float64
				for _, d := range violated {
					saved += norm(d, v.Get(d)-nv.Get(d))
				}
				if !(saved > 0) {
					continue
				}
				delta := math.Max(scores.Score(n.ID, j)-scores.Score(n.ID, cur), 0)
				mv := &move{node: n.ID, to: j, efficiency: delta / saved, footprint: fp}
				if best == nil || better(mv, best) {
					best = mv
				}
			}
		}
		if best == nil {
			break
		}
		a[best.node] = best.to
		v = m.Vector(a)
		log.Debug("search step", "step", steps, "node", g.Node(best.node).Name,
			"candidate", g.Node(best.node).Candidates[best.to].String(), "efficiency", best.efficiency)
	}

	if violated := budget.Violated(v); len(violated) > 0 {
		dims := make([]string, len(violated))
		for i, d := range violated {
			dims[i] = string(d)
		}
		return nil, &errdefs.SearchInfeasibleError{Steps: steps, Dimensions: dims}
	}

	sol := &Solution{Assignment: a, Sensitivity: scores.Total(a), Usage: v, Steps: steps}
	log.Info("search finished", "steps", steps, "sensitivity", sol.Sensitivity, "usage", v.String())
	return sol, nil
}

// nextLower reports whether candidate j sits one step below cur: cur
// dominates j and no third candidate lies strictly between them.
func nextLower(cands []graph.Candidate, cur, j int) bool {
	hi, lo := cands[cur], cands[j]
	if j == cur || !hi.Dominates(lo) || lo.Dominates(hi) {
		return false
	}
	for k, mid := range cands {
		if k == cur || k == j {
			continue
		}
		if hi.Dominates(mid) && mid.Dominates(lo) && !mid.Dominates(hi) && !lo.Dominates(mid) {
			return false
		}
	}
	return true
}

// better reports whether a beats b. Candidates are visited in topological
// order, so keeping b on a full tie keeps the earlier node.
func better(a, b *move) bool {
	tol := tieTolerance * math.Max(1, math.Abs(b.efficiency))
	if a.efficiency < b.efficiency-tol {
		return true
	}
	if a.efficiency > b.efficiency+tol {
		return false
	}
	return a.footprint > b.footprint+tieTolerance*math.Max(1, b.footprint)
}
