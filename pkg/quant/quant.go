// Package quant defines per-tensor and per-channel quantization parameters
// and the fake-quantization arithmetic shared by calibration, search,
// refinement and export.
package quant

import (
	"errors"
	"fmt"
	"math"
)

// Method selects how a threshold maps onto the integer grid.
type Method string

const (
	// Symmetric uses a zero-centred grid with step T/2^(B-1) (signed) or T/2^B (unsigned).
	Symmetric Method = "symmetric"
	// PowerOfTwo is Symmetric with the threshold rounded up to a power of two.
	PowerOfTwo Method = "power_of_two"
	// Uniform is the asymmetric scheme: an explicit range with scale and zero-point.
	Uniform Method = "uniform"
)

const (
	MinBits = 2
	MaxBits = 16
)

var (
	ErrInvalidParams = errors.New("quant: invalid parameters")
	ErrUnknownMethod = errors.New("quant: unknown method")
)

// ParseMethod accepts the YAML/CLI spelling of a method. The empty string
// means Symmetric.
func ParseMethod(s string) (Method, error) {
	switch Method(s) {
	case "", Symmetric:
		return Symmetric, nil
	case PowerOfTwo, "pot":
		return PowerOfTwo, nil
	case Uniform, "asymmetric":
		return Uniform, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMethod, s)
	}
}

// Params is the quantization configuration of one tensor at one bit-width.
//
// Threshold is always strictly positive. For the uniform scheme it is the
// largest magnitude of the range and Min/Max/Scale/ZeroPoint describe the
// grid; for the symmetric schemes those fields are zero.
type Params struct {
	Bits      int     `json:"bits" yaml:"bits"`
	Method    Method  `json:"method" yaml:"method"`
	Signed    bool    `json:"signed" yaml:"signed"`
	Threshold float64 `json:"threshold" yaml:"threshold"`
	Min       float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max       float64 `json:"max,omitempty" yaml:"max,omitempty"`
	Scale     float64 `json:"scale,omitempty" yaml:"scale,omitempty"`
	ZeroPoint int     `json:"zero_point,omitempty" yaml:"zero_point,omitempty"`
}

// NewSymmetric builds symmetric parameters for threshold t.
func NewSymmetric(bits int, t float64, signed bool) (Params, error) {
	p := Params{Bits: bits, Method: Symmetric, Signed: signed, Threshold: t}
	return p, p.Validate()
}

// NewPowerOfTwo builds symmetric parameters with t rounded up to 2^k.
func NewPowerOfTwo(bits int, t float64, signed bool) (Params, error) {
	p := Params{Bits: bits, Method: PowerOfTwo, Signed: signed, Threshold: RoundUpPowerOfTwo(t)}
	return p, p.Validate()
}

// NewUniform builds asymmetric parameters covering [lo, hi]. The range is
// widened to contain zero so that zero is exactly representable.
func NewUniform(bits int, lo, hi float64) (Params, error) {
	lo, hi = math.Min(lo, 0), math.Max(hi, 0)
	p := Params{Bits: bits, Method: Uniform, Signed: lo < 0, Min: lo, Max: hi}
	if bits < MinBits || bits > MaxBits {
		return p, fmt.Errorf("%w: %d bits", ErrInvalidParams, bits)
	}
	levels := float64(int(1)<<bits - 1)
	p.Scale = (hi - lo) / levels
	if !(p.Scale > 0) || math.IsInf(p.Scale, 0) {
		return p, fmt.Errorf("%w: empty uniform range [%g, %g]", ErrInvalidParams, lo, hi)
	}
	p.ZeroPoint = int(math.Round(-lo / p.Scale))
	p.Threshold = math.Max(-lo, hi)
	return p, p.Validate()
}

// New dispatches on method. lo and hi are only used by Uniform; the
// symmetric schemes use t.
func New(method Method, bits int, t, lo, hi float64, signed bool) (Params, error) {
	switch method {
	case Symmetric, "":
		return NewSymmetric(bits, t, signed)
	case PowerOfTwo:
		return NewPowerOfTwo(bits, t, signed)
	case Uniform:
		return NewUniform(bits, lo, hi)
	default:
		return Params{}, fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}
}

// Validate checks bit-width, threshold and grid consistency.
func (p Params) Validate() error {
	if p.Bits < MinBits || p.Bits > MaxBits {
		return fmt.Errorf("%w: %d bits outside [%d, %d]", ErrInvalidParams, p.Bits, MinBits, MaxBits)
	}
	if !(p.Threshold > 0) || math.IsInf(p.Threshold, 0) {
		return fmt.Errorf("%w: threshold %v must be positive and finite", ErrInvalidParams, p.Threshold)
	}
	switch p.Method {
	case Symmetric, PowerOfTwo:
	case Uniform:
		if !(p.Scale > 0) {
			return fmt.Errorf("%w: uniform scale %v", ErrInvalidParams, p.Scale)
		}
		if p.ZeroPoint < 0 || p.ZeroPoint > p.QMax() {
			return fmt.Errorf("%w: zero point %d outside [0, %d]", ErrInvalidParams, p.ZeroPoint, p.QMax())
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMethod, p.Method)
	}
	return nil
}

// QMin is the smallest integer code.
func (p Params) QMin() int {
	if p.Method != Uniform && p.Signed {
		return -(1 << (p.Bits - 1))
	}
	return 0
}

// QMax is the largest integer code.
func (p Params) QMax() int {
	if p.Method != Uniform && p.Signed {
		return 1<<(p.Bits-1) - 1
	}
	return 1<<p.Bits - 1
}

// Delta is the quantization step size.
func (p Params) Delta() float64 {
	if p.Method == Uniform {
		return p.Scale
	}
	if p.Signed {
		return p.Threshold / float64(int(1)<<(p.Bits-1))
	}
	return p.Threshold / float64(int(1)<<p.Bits)
}

// Quantize maps x to its clamped integer code.
func (p Params) Quantize(x float64) int {
	d := p.Delta()
	var q float64
	if p.Method == Uniform {
		q = math.Round(x/d) + float64(p.ZeroPoint)
	} else {
		q = math.Round(x / d)
	}
	if math.IsNaN(q) {
		return 0
	}
	return int(math.Max(float64(p.QMin()), math.Min(float64(p.QMax()), q)))
}

// Dequantize maps an integer code back to a real value.
func (p Params) Dequantize(q int) float64 {
	if p.Method == Uniform {
		return float64(q-p.ZeroPoint) * p.Scale
	}
	return float64(q) * p.Delta()
}

// FakeQuant is Dequantize(Quantize(x)).
func (p Params) FakeQuant(x float64) float64 {
	return p.Dequantize(p.Quantize(x))
}

// FakeQuantSlice writes the fake-quantized src into dst. dst and src may alias.
func (p Params) FakeQuantSlice(dst, src []float64) {
	for i, v := range src {
		dst[i] = p.FakeQuant(v)
	}
}

// Encode returns the integer codes of data.
func (p Params) Encode(data []float64) []int32 {
	out := make([]int32, len(data))
	for i, v := range data {
		out[i] = int32(p.Quantize(v))
	}
	return out
}

// WithThreshold returns a copy with the threshold replaced. The uniform range
// is scaled proportionally, keeping its zero point.
func (p Params) WithThreshold(t float64) Params {
	switch p.Method {
	case PowerOfTwo:
		p.Threshold = RoundUpPowerOfTwo(t)
	case Uniform:
		if p.Threshold > 0 {
			f := t / p.Threshold
			p.Min *= f
			p.Max *= f
			p.Scale *= f
		}
		p.Threshold = t
	default:
		p.Threshold = t
	}
	return p
}

// Dominates reports whether p is at least as precise as o.
func (p Params) Dominates(o Params) bool {
	return p.Bits >= o.Bits
}

func (p Params) String() string {
	sign := "u"
	if p.Signed {
		sign = "s"
	}
	if p.Method == Uniform {
		return fmt.Sprintf("%s%d[%g,%g] zp=%d", sign, p.Bits, p.Min, p.Max, p.ZeroPoint)
	}
	return fmt.Sprintf("%s%d %s T=%g", sign, p.Bits, p.Method, p.Threshold)
}

// RoundUpPowerOfTwo returns the smallest power of two >= t, or t itself when
// t is not positive.
func RoundUpPowerOfTwo(t float64) float64 {
	if !(t > 0) || math.IsInf(t, 0) {
		return t
	}
	return math.Exp2(math.Ceil(math.Log2(t)))
}
