// Package dataset supplies representative batches for calibration,
// sensitivity evaluation and refinement.
package dataset

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"math/rand"
	"slices"
	"sync"

	"github.com/samcharles93/mpq/internal/errdefs"
	"github.com/samcharles93/mpq/internal/tensor"
)

// Batch holds one tensor per graph input, each with a leading batch dim.
type Batch []*tensor.Tensor

// Provider is a lazy, restartable batch source. Next returns io.EOF when a
// finite source is exhausted; Reset rewinds it.
type Provider interface {
	Next(ctx context.Context) (Batch, error)
	Reset() error
}

// Memory serves a fixed list of batches.
type Memory struct {
	mu      sync.Mutex
	batches []Batch
	pos     int
}

func NewMemory(batches ...Batch) *Memory {
	return &Memory{batches: batches}
}

func (m *Memory) Next(ctx context.Context) (Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pos >= len(m.batches) {
		return nil, io.EOF
	}
	b := m.batches[m.pos]
	m.pos++
	return b, nil
}

func (m *Memory) Reset() error {
	m.mu.Lock()
	m.pos = 0
	m.mu.Unlock()
	return nil
}

// Random generates uniform batches in [-Scale, Scale) from a seed. Count
// limits the number of batches per pass; zero means unlimited.
type Random struct {
	Shapes    [][]int
	BatchSize int
	Count     int
	Seed      int64
	Scale     float64

	mu       sync.Mutex
	produced int
}

func NewRandom(shapes [][]int, batchSize, count int, seed int64) *Random {
	return &Random{Shapes: shapes, BatchSize: batchSize, Count: count, Seed: seed, Scale: 1}
}

func (r *Random) Next(ctx context.Context) (Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	i := r.produced
	if r.Count > 0 && i >= r.Count {
		r.mu.Unlock()
		return nil, io.EOF
	}
	r.produced++
	r.mu.Unlock()

	rng := rand.New(rand.NewSource(r.Seed + int64(i)*7919))
	b := make(Batch, len(r.Shapes))
	for j, s := range r.Shapes {
		t := tensor.New(append([]int{max(r.BatchSize, 1)}, s...)...)
		for k := range t.Data {
			t.Data[k] = (rng.Float64()*2 - 1) * r.Scale
		}
		b[j] = t
	}
	return b, nil
}

func (r *Random) Reset() error {
	r.mu.Lock()
	r.produced = 0
	r.mu.Unlock()
	return nil
}

// SamplerConfig configures a Sampler.
type SamplerConfig struct {
	// MinBatches is the number of distinct batches the provider must yield
	// in one pass. Values below one are treated as one.
	MinBatches int
	// Shuffle permutes each taken run of batches with Seed.
	Shuffle bool
	Seed    int64
}

// Sampler enforces the at-least-N contract and cycles a finite provider.
type Sampler struct {
	provider Provider
	cfg      SamplerConfig

	distinct  int
	exhausted bool
	draws     int64
}

func NewSampler(p Provider, cfg SamplerConfig) *Sampler {
	cfg.MinBatches = max(cfg.MinBatches, 1)
	return &Sampler{provider: p, cfg: cfg}
}

// Next returns the next batch, rewinding the provider at end of data.
func (s *Sampler) Next(ctx context.Context) (Batch, error) {
	b, err := s.provider.Next(ctx)
	if errors.Is(err, io.EOF) {
		if !s.exhausted {
			s.exhausted = true
			if s.distinct < s.cfg.MinBatches {
				return nil, &errdefs.InsufficientCalibrationDataError{Got: s.distinct, Want: s.cfg.MinBatches}
			}
		}
		if s.distinct == 0 {
			return nil, &errdefs.InsufficientCalibrationDataError{Got: 0, Want: s.cfg.MinBatches}
		}
		if err := s.provider.Reset(); err != nil {
			return nil, fmt.Errorf("reset dataset: %w", err)
		}
		b, err = s.provider.Next(ctx)
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &errdefs.InsufficientCalibrationDataError{Got: 0, Want: s.cfg.MinBatches}
		}
		return nil, err
	}
	if !s.exhausted {
		s.distinct++
	}
	return b, nil
}

// Take returns n batches, cycling the provider as needed. It fails with
// InsufficientCalibrationDataError when the provider's first pass ends
// before MinBatches batches. With Shuffle set, the returned slice is
// permuted deterministically.
func (s *Sampler) Take(ctx context.Context, n int) ([]Batch, error) {
	out := make([]Batch, 0, n)
	for range n {
		b, err := s.Next(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if s.cfg.Shuffle {
		rng := rand.New(rand.NewSource(s.cfg.Seed + s.draws))
		rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	}
	s.draws++
	return out, nil
}

// Ensure verifies that one pass of the provider yields at least MinBatches
// batches, then rewinds. Providers that never end satisfy it trivially.
func (s *Sampler) Ensure(ctx context.Context) error {
	if err := s.Reset(); err != nil {
		return err
	}
	for range s.cfg.MinBatches {
		if _, err := s.Next(ctx); err != nil {
			return err
		}
	}
	return s.Reset()
}

// Reset rewinds the provider and the sampler's bookkeeping.
func (s *Sampler) Reset() error {
	s.distinct = 0
	s.exhausted = false
	s.draws = 0
	return s.provider.Reset()
}

// Fingerprint hashes batch contents so that score caches can detect a
// change of evaluation data.
func Fingerprint(batches []Batch) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	for _, b := range batches {
		for _, t := range b {
			for _, d := range t.Shape {
				binary.LittleEndian.PutUint64(buf[:], uint64(d))
				_, _ = h.Write(buf[:])
			}
			for _, v := range t.Data {
				binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
				_, _ = h.Write(buf[:])
			}
		}
		_, _ = h.Write([]byte{0xff})
	}
	return h.Sum64()
}

// Concat merges batches along the batch dimension, input by input.
func Concat(batches []Batch) (Batch, error) {
	if len(batches) == 0 {
		return nil, nil
	}
	out := make(Batch, len(batches[0]))
	for i := range out {
		parts := make([]*tensor.Tensor, len(batches))
		for j, b := range batches {
			if len(b) != len(out) {
				return nil, fmt.Errorf("dataset: batch %d has %d inputs, want %d", j, len(b), len(out))
			}
			parts[j] = b[i]
		}
		t, err := tensor.Concat(0, parts...)
		if err != nil {
			return nil, err
		}
		out[i] = t
	}
	return out, nil
}

// Shapes returns the per-sample shape of each input of b.
func (b Batch) Shapes() [][]int {
	out := make([][]int, len(b))
	for i, t := range b {
		out[i] = slices.Clone(t.SampleShape())
	}
	return out
}
