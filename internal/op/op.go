// Package op is the closed registry of operator kinds the graph understands.
//
// Each Kind maps to a Spec carrying its arity, shape inference, MAC count and
// float forward function. Eligibility for quantization is not decided here;
// that is the capability model's job.
package op

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/samcharles93/mpq/internal/tensor"
)

// Kind names an operator.
type Kind string

const (
	Input     Kind = "Input"
	Dense     Kind = "Dense"
	Conv2D    Kind = "Conv2D"
	BatchNorm Kind = "BatchNorm"
	ReLU      Kind = "ReLU"
	ReLU6     Kind = "ReLU6"
	Sigmoid   Kind = "Sigmoid"
	Tanh      Kind = "Tanh"
	Add       Kind = "Add"
	Concat    Kind = "Concat"
	Flatten   Kind = "Flatten"
	Reshape   Kind = "Reshape"
	Identity  Kind = "Identity"
	Dropout   Kind = "Dropout"
)

// Weight tensor names.
const (
	WeightKernel   = "kernel"
	WeightBias     = "bias"
	WeightGamma    = "gamma"
	WeightBeta     = "beta"
	WeightMean     = "mean"
	WeightVariance = "variance"
)

var (
	ErrUnknownKind = errors.New("op: unknown operator kind")
	ErrArity       = errors.New("op: wrong number of inputs")
	ErrShape       = errors.New("op: incompatible shapes")
	ErrWeights     = errors.New("op: missing or malformed weights")
)

// Attrs are the static operator attributes. Unused fields are ignored.
type Attrs struct {
	Stride  int     `yaml:"stride,omitempty" json:"stride,omitempty"`
	Padding int     `yaml:"padding,omitempty" json:"padding,omitempty"`
	Axis    int     `yaml:"axis,omitempty" json:"axis,omitempty"`
	Epsilon float64 `yaml:"epsilon,omitempty" json:"epsilon,omitempty"`
	Shape   []int   `yaml:"shape,omitempty" json:"shape,omitempty"`
}

// Geometry returns the convolution window described by a.
func (a Attrs) Geometry() tensor.ConvGeometry {
	return tensor.ConvGeometry{Stride: max(a.Stride, 1), Padding: a.Padding}
}

// Weights maps weight names (WeightKernel, ...) to tensors.
type Weights map[string]*tensor.Tensor

// ShapeFunc infers the per-sample output shape from per-sample input shapes.
type ShapeFunc func(in [][]int, a Attrs, w Weights) ([]int, error)

// MACFunc counts multiply-accumulates for one sample.
type MACFunc func(in [][]int, out []int, w Weights) int64

// ForwardFunc evaluates the operator on batched inputs.
type ForwardFunc func(in []*tensor.Tensor, a Attrs, w Weights) (*tensor.Tensor, error)

// Spec describes one operator kind.
type Spec struct {
	Kind Kind
	// MinInputs and MaxInputs bound the arity; MaxInputs < 0 is variadic.
	MinInputs int
	MaxInputs int
	// Weighted ops own a kernel and optional bias.
	Weighted bool
	// Foldable ops (BatchNorm) can be folded into a preceding weighted op.
	Foldable bool
	// Func is set for elementwise activations that can fuse as a post-op.
	Func func(float64) float64

	Shape   ShapeFunc
	MACs    MACFunc
	Forward ForwardFunc

	// WeightNames lists the weights the op requires.
	WeightNames []string
}

// IsActivation reports whether the kind is an elementwise activation.
func (s Spec) IsActivation() bool { return s.Func != nil }

// CheckArity validates the input count.
func (s Spec) CheckArity(n int) error {
	if n < s.MinInputs || (s.MaxInputs >= 0 && n > s.MaxInputs) {
		return fmt.Errorf("%w: %s takes %s, got %d", ErrArity, s.Kind, s.arity(), n)
	}
	return nil
}

func (s Spec) arity() string {
	switch {
	case s.MaxInputs < 0:
		return fmt.Sprintf("at least %d", s.MinInputs)
	case s.MinInputs == s.MaxInputs:
		return fmt.Sprintf("%d", s.MinInputs)
	default:
		return fmt.Sprintf("%d..%d", s.MinInputs, s.MaxInputs)
	}
}

// CheckWeights validates that all required weights are present.
func (s Spec) CheckWeights(w Weights) error {
	for _, name := range s.WeightNames {
		if w[name] == nil {
			return fmt.Errorf("%w: %s needs %q", ErrWeights, s.Kind, name)
		}
	}
	return nil
}

// ParamCount is the number of stored weight values for a weighted op.
func ParamCount(w Weights) int {
	n := 0
	if k := w[WeightKernel]; k != nil {
		n += k.Len()
	}
	if b := w[WeightBias]; b != nil {
		n += b.Len()
	}
	return n
}

// Lookup returns the Spec for kind.
func Lookup(k Kind) (Spec, error) {
	s, ok := registry[k]
	if !ok {
		return Spec{}, fmt.Errorf("%w: %q", ErrUnknownKind, k)
	}
	return s, nil
}

// ParseKind resolves a kind name, accepting common aliases case-insensitively.
func ParseKind(name string) (Kind, error) {
	if _, ok := registry[Kind(name)]; ok {
		return Kind(name), nil
	}
	if k, ok := aliases[strings.ToLower(name)]; ok {
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, name)
}

// Kinds returns every registered kind in sorted order.
func Kinds() []Kind {
	out := make([]Kind, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
