// Package stats collects per-tensor statistics from float forward passes
// over representative data.
package stats

import (
	"context"
	"fmt"
	"math"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/mpq/internal/dataset"
	"github.com/samcharles93/mpq/internal/errdefs"
	"github.com/samcharles93/mpq/internal/executor"
	"github.com/samcharles93/mpq/internal/graph"
	"github.com/samcharles93/mpq/internal/logger"
)

// Config controls collection.
type Config struct {
	// SampleCount is the number of forward passes. Must be positive.
	SampleCount int
	// Bins is the histogram resolution; zero means DefaultBins, negative
	// disables histograms.
	Bins int
	// Workers bounds parallel record updates; zero means unbounded.
	Workers int
}

// Collector owns the records of one calibration round.
type Collector struct {
	cfg Config

	activations map[int]*Record   // by tensor id
	weights     map[int]*Record   // by node id
	channels    map[int][]*Record // by node id, one per output channel
	frozen      bool
	batches     int
}

func NewCollector(cfg Config) (*Collector, error) {
	if cfg.SampleCount <= 0 {
		return nil, errdefs.ConfigErrorf("sample count must be positive, got %d", cfg.SampleCount)
	}
	if cfg.Bins == 0 {
		cfg.Bins = DefaultBins
	}
	if cfg.Workers < 0 {
		return nil, errdefs.ConfigErrorf("workers must not be negative, got %d", cfg.Workers)
	}
	c := &Collector{cfg: cfg}
	c.Reset()
	return c, nil
}

// Reset discards all records so Collect may run again.
func (c *Collector) Reset() {
	c.activations = make(map[int]*Record)
	c.weights = make(map[int]*Record)
	c.channels = make(map[int][]*Record)
	c.frozen = false
	c.batches = 0
}

// Frozen reports whether Collect has completed.
func (c *Collector) Frozen() bool { return c.frozen }

// Batches is the number of batches observed.
func (c *Collector) Batches() int { return c.batches }

// Activation returns the record of an activation tensor.
func (c *Collector) Activation(tid int) (*Record, bool) {
	r, ok := c.activations[tid]
	return r, ok
}

// Weights returns the kernel record of a node.
func (c *Collector) Weights(nodeID int) (*Record, bool) {
	r, ok := c.weights[nodeID]
	return r, ok
}

// Channels returns the per-output-channel kernel records of a node. Only
// nodes marked PerChannel have them.
func (c *Collector) Channels(nodeID int) ([]*Record, bool) {
	rs, ok := c.channels[nodeID]
	return rs, ok
}

// ScaleActivation multiplies the recorded values of an activation tensor by
// s, as if every observed value had been scaled. The collector must be frozen.
func (c *Collector) ScaleActivation(tid int, s float64) error {
	if !c.frozen {
		return ErrNotCollected
	}
	if !(s > 0) || math.IsInf(s, 0) {
		return fmt.Errorf("stats: activation %d: invalid scale %v", tid, s)
	}
	r, ok := c.activations[tid]
	if !ok {
		return fmt.Errorf("stats: activation %d has no record", tid)
	}
	r = r.scaled(s)
	r.freeze()
	c.activations[tid] = r
	return nil
}

// RefreshWeights rebuilds the kernel records of n from its current kernel.
// Used after a weight rewrite such as input scaling.
func (c *Collector) RefreshWeights(n *graph.Node) error {
	if !c.frozen {
		return ErrNotCollected
	}
	if _, ok := c.weights[n.ID]; !ok {
		return fmt.Errorf("stats: node %s has no weight record", n.Name)
	}
	return c.loadWeights(n, true)
}

func (c *Collector) loadWeights(n *graph.Node, freeze bool) error {
	k := n.Kernel()
	r := NewRecord(n.Name+"/kernel", c.cfg.Bins)
	if err := r.Update(k.Data); err != nil {
		return err
	}
	var rows []*Record
	if n.PerChannel && len(k.Shape) > 0 && k.Shape[0] > 0 {
		per := len(k.Data) / k.Shape[0]
		rows = make([]*Record, k.Shape[0])
		for i := range rows {
			rows[i] = NewRecord(fmt.Sprintf("%s/kernel[%d]", n.Name, i), c.cfg.Bins)
			if err := rows[i].Update(k.Data[i*per : (i+1)*per]); err != nil {
				return err
			}
		}
	}
	if freeze {
		r.freeze()
		for _, rr := range rows {
			rr.freeze()
		}
	}
	c.weights[n.ID] = r
	if rows != nil {
		c.channels[n.ID] = rows
	} else {
		delete(c.channels, n.ID)
	}
	return nil
}

// Records returns all records, activations first, each group sorted by id.
func (c *Collector) Records() []*Record {
	var out []*Record
	for _, m := range []map[int]*Record{c.activations, c.weights} {
		keys := make([]int, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			out = append(out, m[k])
		}
	}
	return out
}

// Collect runs SampleCount float passes and records every tensor that has a
// candidate configuration. Weights are read, never modified.
func (c *Collector) Collect(ctx context.Context, g *graph.Graph, sampler *dataset.Sampler) error {
	if c.frozen {
		return ErrFrozen
	}
	log := logger.FromContext(ctx).With("stage", "statistics")

	var tids []int
	for _, n := range g.Quantizable() {
		var hasW, hasA bool
		for _, cand := range n.Candidates {
			hasW = hasW || cand.HasWeights()
			hasA = hasA || cand.HasActivation()
		}
		if hasA {
			tid := n.Output()
			tids = append(tids, tid)
			c.activations[tid] = NewRecord(g.Tensor(tid).Name, c.cfg.Bins)
		}
		if hasW {
			if err := c.loadWeights(n, false); err != nil {
				return err
			}
		}
	}

	if err := sampler.Ensure(ctx); err != nil {
		return err
	}
	for i := range c.cfg.SampleCount {
		batch, err := sampler.Next(ctx)
		if err != nil {
			return err
		}
		res, err := executor.Run(ctx, g, batch, executor.Float())
		if err != nil {
			return fmt.Errorf("statistics pass %d: %w", i, err)
		}

		eg, _ := errgroup.WithContext(ctx)
		if c.cfg.Workers > 0 {
			eg.SetLimit(c.cfg.Workers)
		}
		for _, tid := range tids {
			r, v := c.activations[tid], res.Values[tid]
			eg.Go(func() error { return r.Update(v.Data) })
		}
		if err := eg.Wait(); err != nil {
			return err
		}
		c.batches++
	}

	for _, r := range c.activations {
		r.freeze()
	}
	for _, r := range c.weights {
		r.freeze()
	}
	for _, rs := range c.channels {
		for _, r := range rs {
			r.freeze()
		}
	}
	c.frozen = true
	log.Debug("statistics collected",
		"batches", c.batches,
		"activations", len(c.activations),
		"weights", len(c.weights),
	)
	return nil
}
