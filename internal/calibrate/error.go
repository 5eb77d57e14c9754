package calibrate

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"

	"github.com/samcharles93/mpq/internal/stats"
	"github.com/samcharles93/mpq/pkg/quant"
)

// ErrorMethod scores a candidate threshold against an observed histogram.
type ErrorMethod string

const (
	MSE        ErrorMethod = "mse"
	MAE        ErrorMethod = "mae"
	LP         ErrorMethod = "lp"
	KL         ErrorMethod = "kl"
	NoClipping ErrorMethod = "noclipping"
)

// ParseErrorMethod accepts the config spelling; empty means MSE.
func ParseErrorMethod(s string) (ErrorMethod, error) {
	switch m := ErrorMethod(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return MSE, nil
	case MSE, MAE, LP, KL, NoClipping:
		return m, nil
	case "no_clipping", "minmax":
		return NoClipping, nil
	default:
		return "", fmt.Errorf("unknown threshold error method %q", s)
	}
}

const klEpsilon = 1e-10

// histogramError is the count-weighted quantization error of the bin centers
// of r under p.
func histogramError(r *stats.Record, p quant.Params, m ErrorMethod, norm float64) float64 {
	if m == KL {
		return klError(r, p)
	}
	var sum float64
	for i, c := range r.Bins {
		if c == 0 {
			continue
		}
		x := r.BinCenter(i)
		d := math.Abs(x - p.FakeQuant(x))
		switch m {
		case MAE:
			sum += c * d
		case LP:
			sum += c * math.Pow(d, norm)
		default:
			sum += c * d * d
		}
	}
	return sum / floats.Sum(r.Bins)
}

// klError compares the observed distribution with the one obtained by moving
// each bin's mass to the bin of its quantized center.
func klError(r *stats.Record, p quant.Params) float64 {
	n := len(r.Bins)
	total := floats.Sum(r.Bins)
	q := make([]float64, n)
	w := r.BinWidth()
	for i, c := range r.Bins {
		if c == 0 {
			continue
		}
		j := int((p.FakeQuant(r.BinCenter(i)) - r.Lo) / w)
		q[min(max(j, 0), n-1)] += c
	}
	var kl float64
	for i, c := range r.Bins {
		if c == 0 {
			continue
		}
		pi := c / total
		qi := math.Max(q[i]/total, klEpsilon)
		kl += pi * math.Log(pi/qi)
	}
	return kl
}
