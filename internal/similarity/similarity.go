// Package similarity measures the distance between a float reference tensor
// and its quantized counterpart.
package similarity

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"

	"github.com/samcharles93/mpq/internal/tensor"
)

type Metric string

const (
	MSE    Metric = "mse"
	NMSE   Metric = "nmse"
	MAE    Metric = "mae"
	NMAE   Metric = "nmae"
	KL     Metric = "kl"
	Cosine Metric = "cosine"
	LP     Metric = "lp"
)

// Default is used when no metric is configured.
const Default = NMSE

const eps = 1e-12

// Parse accepts the config spelling of a metric; empty means Default.
func Parse(s string) (Metric, error) {
	switch m := Metric(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return Default, nil
	case MSE, NMSE, MAE, NMAE, KL, Cosine, LP:
		return m, nil
	case "kl-divergence", "kl_divergence":
		return KL, nil
	default:
		return "", fmt.Errorf("unknown distance metric %q", s)
	}
}

// Func is a distance between two tensors of identical shape. Larger means
// more distortion; identical tensors score zero.
type Func func(ref, got *tensor.Tensor) (float64, error)

// Get returns the distance function for m. norm only affects LP.
func (m Metric) Get(norm float64) (Func, error) {
	var f func(a, b []float64, rows int) float64
	switch m {
	case MSE:
		f = func(a, b []float64, _ int) float64 { return mse(a, b) }
	case NMSE:
		f = func(a, b []float64, _ int) float64 { return nmse(a, b) }
	case MAE:
		f = func(a, b []float64, _ int) float64 { return floats.Distance(a, b, 1) / float64(len(a)) }
	case NMAE:
		f = func(a, b []float64, _ int) float64 { return nmae(a, b) }
	case LP:
		if !(norm >= 1) {
			return nil, fmt.Errorf("lp norm must be at least 1, got %g", norm)
		}
		f = func(a, b []float64, _ int) float64 { return lp(a, b, norm) }
	case Cosine:
		f = func(a, b []float64, rows int) float64 { return cosine(a, b, rows) }
	case KL:
		f = func(a, b []float64, rows int) float64 { return kl(a, b, rows) }
	default:
		return nil, fmt.Errorf("unknown distance metric %q", m)
	}
	return func(ref, got *tensor.Tensor) (float64, error) {
		if !tensor.SameShape(ref, got) {
			return 0, fmt.Errorf("similarity: shape %v vs %v", ref.Shape, got.Shape)
		}
		if ref.Len() == 0 {
			return 0, nil
		}
		return f(ref.Data, got.Data, max(ref.Batch(), 1)), nil
	}, nil
}

func mse(a, b []float64) float64 {
	d := floats.Distance(a, b, 2)
	return d * d / float64(len(a))
}

// nmse is the squared error normalised by the reference energy.
func nmse(a, b []float64) float64 {
	d := floats.Distance(a, b, 2)
	n := floats.Norm(a, 2)
	return d * d / (n*n + eps)
}

// nmae is the absolute error normalised by the reference L1 norm.
func nmae(a, b []float64) float64 {
	return floats.Distance(a, b, 1) / (floats.Norm(a, 1) + eps)
}

func lp(a, b []float64, p float64) float64 {
	var s float64
	for i := range a {
		s += math.Pow(math.Abs(a[i]-b[i]), p)
	}
	return s / float64(len(a))
}

// cosine maps per-row cosine similarity onto [0, 1] as (1-cs)/2 and
// averages over rows.
func cosine(a, b []float64, rows int) float64 {
	w := len(a) / rows
	var s float64
	for r := range rows {
		x, y := a[r*w:(r+1)*w], b[r*w:(r+1)*w]
		nx, ny := floats.Norm(x, 2), floats.Norm(y, 2)
		cs := 1.0
		if nx > eps || ny > eps {
			cs = floats.Dot(x, y) / (math.Max(nx, eps) * math.Max(ny, eps))
		}
		s += (1 - math.Max(-1, math.Min(1, cs))) / 2
	}
	return s / float64(rows)
}

// kl applies a softmax to every row and averages KL(ref || got).
func kl(a, b []float64, rows int) float64 {
	w := len(a) / rows
	p, q := make([]float64, w), make([]float64, w)
	var s float64
	for r := range rows {
		copy(p, a[r*w:(r+1)*w])
		copy(q, b[r*w:(r+1)*w])
		tensor.Softmax(p)
		tensor.Softmax(q)
		for i := range p {
			if p[i] > 0 {
				s += p[i] * math.Log(p[i]/math.Max(q[i], eps))
			}
		}
	}
	return math.Max(s/float64(rows), 0)
}

// Mean averages f over paired tensor lists.
func Mean(f Func, refs, gots []*tensor.Tensor) (float64, error) {
	if len(refs) != len(gots) {
		return 0, fmt.Errorf("similarity: %d references vs %d tensors", len(refs), len(gots))
	}
	if len(refs) == 0 {
		return 0, nil
	}
	var s float64
	for i := range refs {
		d, err := f(refs[i], gots[i])
		if err != nil {
			return 0, err
		}
		s += d
	}
	return s / float64(len(refs)), nil
}
