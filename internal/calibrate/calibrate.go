// Package calibrate turns frozen tensor statistics into quantization
// parameters for every candidate bit-width of every quantizable node.
package calibrate

import (
	"context"
	"errors"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/mpq/internal/capability"
	"github.com/samcharles93/mpq/internal/errdefs"
	"github.com/samcharles93/mpq/internal/graph"
	"github.com/samcharles93/mpq/internal/logger"
	"github.com/samcharles93/mpq/internal/stats"
	"github.com/samcharles93/mpq/pkg/quant"
)

const (
	DefaultGridSize     = 100
	DefaultMinFraction  = 0.5
	DefaultMinThreshold = 1.0 / (1 << 16)
)

var (
	ErrNotCollected  = errors.New("calibrate: statistics are not frozen")
	ErrNotCalibrated = errors.New("calibrate: graph has no calibrated thresholds")
)

// Config controls the threshold search.
type Config struct {
	// GridSize is the number of thresholds tried between MinFraction*maxAbs
	// and maxAbs.
	GridSize    int
	MinFraction float64
	// MinThreshold replaces degenerate thresholds.
	MinThreshold    float64
	WeightError     ErrorMethod
	ActivationError ErrorMethod
	// Norm is the exponent of the LP method.
	Norm    float64
	Workers int
}

func DefaultConfig() Config {
	return Config{
		GridSize:        DefaultGridSize,
		MinFraction:     DefaultMinFraction,
		MinThreshold:    DefaultMinThreshold,
		WeightError:     MSE,
		ActivationError: MSE,
		Norm:            2,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.GridSize == 0 {
		c.GridSize = d.GridSize
	}
	if c.MinFraction == 0 {
		c.MinFraction = d.MinFraction
	}
	if c.MinThreshold == 0 {
		c.MinThreshold = d.MinThreshold
	}
	if c.WeightError == "" {
		c.WeightError = d.WeightError
	}
	if c.ActivationError == "" {
		c.ActivationError = d.ActivationError
	}
	if c.Norm == 0 {
		c.Norm = d.Norm
	}
	return c
}

func (c Config) Validate() error {
	if c.GridSize < 1 {
		return errdefs.ConfigErrorf("grid size must be at least 1, got %d", c.GridSize)
	}
	if !(c.MinFraction > 0 && c.MinFraction <= 1) {
		return errdefs.ConfigErrorf("min fraction must be in (0, 1], got %g", c.MinFraction)
	}
	if !(c.MinThreshold > 0) || math.IsInf(c.MinThreshold, 0) {
		return errdefs.ConfigErrorf("min threshold must be positive, got %g", c.MinThreshold)
	}
	if !(c.Norm >= 1) {
		return errdefs.ConfigErrorf("lp norm must be at least 1, got %g", c.Norm)
	}
	if c.Workers < 0 {
		return errdefs.ConfigErrorf("workers must not be negative, got %d", c.Workers)
	}
	for _, m := range []ErrorMethod{c.WeightError, c.ActivationError} {
		if _, err := ParseErrorMethod(string(m)); err != nil {
			return errdefs.ConfigErrorf("%v", err)
		}
	}
	return nil
}

type Calibrator struct {
	cfg Config
}

// New validates cfg, filling unset fields with defaults.
func New(cfg Config) (*Calibrator, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Calibrator{cfg: cfg}, nil
}

func (c *Calibrator) Config() Config { return c.cfg }

// request is one (record, bits, scheme) threshold search.
type request struct {
	record *stats.Record
	bits   int
	method quant.Method
	signed bool
	errm   ErrorMethod

	params quant.Params
	note   *errdefs.CalibrationNumericError
}

type slot struct {
	node, cand int
	w, a       *request
	// rows holds one search per output channel of a per-channel kernel.
	rows []*request
}

// Calibrate stores parameters for every candidate of every quantizable node
// and returns the degenerate-range notes. The graph's selection is unchanged.
func (c *Calibrator) Calibrate(ctx context.Context, g *graph.Graph, col *stats.Collector) ([]*errdefs.CalibrationNumericError, error) {
	if !col.Frozen() {
		return nil, ErrNotCollected
	}
	log := logger.FromContext(ctx).With("stage", "calibration")

	var (
		slots []slot
		reqs  []*request
		dedup = map[string]*request{}
	)
	get := func(kind string, id int, r *stats.Record, bits int, method quant.Method, signed bool, em ErrorMethod) *request {
		key := fmt.Sprintf("%s/%d/%d/%s/%t/%s", kind, id, bits, method, signed, em)
		if q, ok := dedup[key]; ok {
			return q
		}
		q := &request{record: r, bits: bits, method: method, signed: signed, errm: em}
		dedup[key] = q
		reqs = append(reqs, q)
		return q
	}

	for _, n := range g.Quantizable() {
		for i, cand := range n.Candidates {
			s := slot{node: n.ID, cand: i}
			if cand.HasWeights() {
				r, ok := col.Weights(n.ID)
				if !ok {
					return nil, fmt.Errorf("calibrate: node %q has no weight statistics", n.Name)
				}
				s.w = get("w", n.ID, r, cand.WeightBits, n.WeightMethod, r.Min < 0, c.cfg.WeightError)
				if n.PerChannel {
					rows, ok := col.Channels(n.ID)
					if !ok {
						return nil, fmt.Errorf("calibrate: node %q has no per-channel statistics", n.Name)
					}
					for j, rr := range rows {
						s.rows = append(s.rows, get(fmt.Sprintf("w%d", j), n.ID, rr, cand.WeightBits,
							n.WeightMethod, r.Min < 0, c.cfg.WeightError))
					}
				}
			}
			if cand.HasActivation() {
				r, ok := col.Activation(n.Output())
				if !ok {
					return nil, fmt.Errorf("calibrate: tensor %q has no statistics", g.Tensor(n.Output()).Name)
				}
				s.a = get("a", n.Output(), r, cand.ActivationBits, n.ActivationMethod,
					activationSigned(n.Signedness, r), c.cfg.ActivationError)
			}
			slots = append(slots, s)
		}
	}

	eg, egctx := errgroup.WithContext(ctx)
	if c.cfg.Workers > 0 {
		eg.SetLimit(c.cfg.Workers)
	}
	for _, q := range reqs {
		eg.Go(func() error {
			if err := egctx.Err(); err != nil {
				return err
			}
			p, note, err := c.Params(q.record, q.bits, q.method, q.signed, q.errm)
			if err != nil {
				return fmt.Errorf("calibrate %q at %d bits: %w", q.record.Name, q.bits, err)
			}
			q.params, q.note = p, note
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	for _, s := range slots {
		var w, a quant.Params
		if s.w != nil {
			w = s.w.params
		}
		if s.a != nil {
			a = s.a.params
		}
		if err := g.SetParams(s.node, s.cand, w, a); err != nil {
			return nil, err
		}
		if len(s.rows) == 0 {
			continue
		}
		ch := make(quant.Channels, len(s.rows))
		for j, q := range s.rows {
			ch[j] = q.params
		}
		if err := g.SetWeightChannels(s.node, s.cand, ch); err != nil {
			return nil, err
		}
	}

	var notes []*errdefs.CalibrationNumericError
	for _, q := range reqs {
		if q.note != nil {
			notes = append(notes, q.note)
			log.Warn("degenerate calibration range", "tensor", q.note.Tensor, "max_abs", q.note.MaxAbs, "bits", q.bits)
		}
	}
	log.Debug("thresholds calibrated", "searches", len(reqs), "candidates", len(slots))
	return notes, nil
}

func activationSigned(s capability.Signedness, r *stats.Record) bool {
	switch s {
	case capability.Signed:
		return true
	case capability.Unsigned:
		return false
	default:
		return r.Min < 0
	}
}

// Params searches the threshold of one record at one bit-width. The result
// depends only on its arguments.
func (c *Calibrator) Params(r *stats.Record, bits int, method quant.Method, signed bool, em ErrorMethod) (quant.Params, *errdefs.CalibrationNumericError, error) {
	maxAbs := r.MaxAbs()
	if r.Count == 0 || maxAbs < c.cfg.MinThreshold || math.IsNaN(maxAbs) {
		note := &errdefs.CalibrationNumericError{Tensor: r.Name, MaxAbs: maxAbs, Threshold: c.cfg.MinThreshold}
		t := c.cfg.MinThreshold
		if method == quant.Uniform {
			lo := 0.0
			if signed {
				lo = -t
			}
			p, err := quant.NewUniform(bits, lo, t)
			return p, note, err
		}
		p, err := quant.New(method, bits, t, 0, 0, signed)
		return p, note, err
	}

	if method == quant.Uniform {
		p, err := c.searchUniform(r, bits, em)
		return p, nil, err
	}
	base, err := quant.New(method, bits, maxAbs, 0, 0, signed)
	if err != nil {
		return quant.Params{}, nil, err
	}
	if em == NoClipping || !r.HasHistogram() {
		return base, nil, nil
	}

	best, bestErr := base, histogramError(r, base, em, c.cfg.Norm)
	for _, f := range c.grid() {
		p := base.WithThreshold(math.Max(f*maxAbs, c.cfg.MinThreshold))
		if e := histogramError(r, p, em, c.cfg.Norm); e < bestErr {
			best, bestErr = p, e
		}
	}
	return best, nil, nil
}

// searchUniform shrinks the observed range towards zero by each grid factor.
func (c *Calibrator) searchUniform(r *stats.Record, bits int, em ErrorMethod) (quant.Params, error) {
	base, err := quant.NewUniform(bits, r.Min, r.Max)
	if err != nil {
		return quant.Params{}, err
	}
	if em == NoClipping || !r.HasHistogram() {
		return base, nil
	}
	best, bestErr := base, histogramError(r, base, em, c.cfg.Norm)
	for _, f := range c.grid() {
		p, err := quant.NewUniform(bits, f*r.Min, f*r.Max)
		if err != nil {
			continue
		}
		if e := histogramError(r, p, em, c.cfg.Norm); e < bestErr {
			best, bestErr = p, e
		}
	}
	return best, nil
}

// grid returns the threshold fractions from largest to smallest, excluding 1.
func (c *Calibrator) grid() []float64 {
	n := c.cfg.GridSize
	if n <= 1 {
		return nil
	}
	out := make([]float64, 0, n-1)
	step := (1 - c.cfg.MinFraction) / float64(n-1)
	for i := 1; i < n; i++ {
		out = append(out, 1-float64(i)*step)
	}
	return out
}
