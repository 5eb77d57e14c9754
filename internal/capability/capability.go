// Package capability describes what the target hardware can quantize.
//
// A Model groups operator kinds into named operator sets, each declaring the
// allowed weight and activation bit-widths, the quantization method and any
// signedness requirement. Kinds listed as passthrough are carried through the
// graph unquantized. Fusion patterns name operator chains that execute as a
// single quantized unit.
package capability

import (
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/samcharles93/mpq/internal/errdefs"
	"github.com/samcharles93/mpq/internal/op"
	"github.com/samcharles93/mpq/pkg/quant"
)

// Signedness constrains the sign of an activation grid. Empty means auto.
type Signedness string

const (
	Auto     Signedness = ""
	Signed   Signedness = "signed"
	Unsigned Signedness = "unsigned"
)

// Provider is the read-only query surface used by the graph builder and
// calibrator.
type Provider interface {
	OpSet(kind op.Kind) (OpSet, bool)
	Passthrough(kind op.Kind) bool
	Fusions() [][]op.Kind
}

// OpSet is one group of operator kinds with shared quantization options.
type OpSet struct {
	Name             string       `yaml:"name" json:"name"`
	Kinds            []op.Kind    `yaml:"kinds" json:"kinds"`
	WeightBits       []int        `yaml:"weight_bits,omitempty" json:"weight_bits,omitempty"`
	ActivationBits   []int        `yaml:"activation_bits,omitempty" json:"activation_bits,omitempty"`
	WeightMethod     quant.Method `yaml:"weight_method,omitempty" json:"weight_method,omitempty"`
	ActivationMethod quant.Method `yaml:"activation_method,omitempty" json:"activation_method,omitempty"`
	Signedness       Signedness   `yaml:"signedness,omitempty" json:"signedness,omitempty"`
	// PerChannel calibrates one weight threshold per output channel.
	PerChannel bool `yaml:"per_channel,omitempty" json:"per_channel,omitempty"`
}

// Model is a declarative capability description.
type Model struct {
	Name             string      `yaml:"name" json:"name"`
	OpSets           []OpSet     `yaml:"op_sets" json:"op_sets"`
	PassthroughKinds []op.Kind   `yaml:"passthrough,omitempty" json:"passthrough,omitempty"`
	FusionPatterns   [][]op.Kind `yaml:"fusions,omitempty" json:"fusions,omitempty"`

	index       map[op.Kind]int
	passthrough map[op.Kind]bool
}

var _ Provider = (*Model)(nil)

// Load reads a YAML capability model from path.
func Load(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read capability model: %w", err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Parse decodes and validates a YAML capability model.
func Parse(data []byte) (*Model, error) {
	var m Model
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, errdefs.ConfigErrorf("parse capability model: %v", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate normalizes kind names and bit lists and builds the lookup index.
// It must be called before the model is queried; Load and Default do so.
func (m *Model) Validate() error {
	m.index = make(map[op.Kind]int)
	m.passthrough = make(map[op.Kind]bool)

	for i := range m.OpSets {
		s := &m.OpSets[i]
		if s.Name == "" {
			s.Name = fmt.Sprintf("op_set_%d", i)
		}
		for j, k := range s.Kinds {
			kind, err := op.ParseKind(string(k))
			if err != nil {
				return errdefs.ConfigErrorf("op set %q: %v", s.Name, err)
			}
			if prev, dup := m.index[kind]; dup {
				return errdefs.ConfigErrorf("kind %s in both %q and %q", kind, m.OpSets[prev].Name, s.Name)
			}
			s.Kinds[j] = kind
			m.index[kind] = i
		}
		var err error
		if s.WeightBits, err = normalizeBits(s.WeightBits); err != nil {
			return errdefs.ConfigErrorf("op set %q weight bits: %v", s.Name, err)
		}
		if s.ActivationBits, err = normalizeBits(s.ActivationBits); err != nil {
			return errdefs.ConfigErrorf("op set %q activation bits: %v", s.Name, err)
		}
		if s.WeightMethod, err = quant.ParseMethod(string(s.WeightMethod)); err != nil {
			return errdefs.ConfigErrorf("op set %q: %v", s.Name, err)
		}
		if s.ActivationMethod, err = quant.ParseMethod(string(s.ActivationMethod)); err != nil {
			return errdefs.ConfigErrorf("op set %q: %v", s.Name, err)
		}
		switch s.Signedness {
		case Auto, Signed, Unsigned:
		default:
			return errdefs.ConfigErrorf("op set %q: signedness %q", s.Name, s.Signedness)
		}
	}

	for i, k := range m.PassthroughKinds {
		kind, err := op.ParseKind(string(k))
		if err != nil {
			return errdefs.ConfigErrorf("passthrough: %v", err)
		}
		if _, ok := m.index[kind]; ok {
			return errdefs.ConfigErrorf("kind %s is both quantizable and passthrough", kind)
		}
		m.PassthroughKinds[i] = kind
		m.passthrough[kind] = true
	}

	for i, pattern := range m.FusionPatterns {
		if len(pattern) < 2 {
			return errdefs.ConfigErrorf("fusion %d: pattern needs at least two kinds", i)
		}
		for j, k := range pattern {
			kind, err := op.ParseKind(string(k))
			if err != nil {
				return errdefs.ConfigErrorf("fusion %d: %v", i, err)
			}
			if j > 0 {
				spec, _ := op.Lookup(kind)
				if !spec.Foldable && !spec.IsActivation() {
					return errdefs.ConfigErrorf("fusion %d: %s cannot follow %s", i, kind, pattern[j-1])
				}
			}
			pattern[j] = kind
		}
	}
	return nil
}

// OpSet returns the operator set covering kind.
func (m *Model) OpSet(kind op.Kind) (OpSet, bool) {
	i, ok := m.index[kind]
	if !ok {
		return OpSet{}, false
	}
	return m.OpSets[i], true
}

// Passthrough reports whether kind is explicitly carried unquantized.
func (m *Model) Passthrough(kind op.Kind) bool {
	return m.passthrough[kind]
}

// Fusions returns the fusion patterns, longest first. Patterns of equal
// length keep their declaration order.
func (m *Model) Fusions() [][]op.Kind {
	out := make([][]op.Kind, len(m.FusionPatterns))
	for i, p := range m.FusionPatterns {
		out[i] = slices.Clone(p)
	}
	slices.SortStableFunc(out, func(a, b []op.Kind) int { return len(b) - len(a) })
	return out
}

// normalizeBits sorts bit-widths high to low and drops duplicates.
func normalizeBits(bits []int) ([]int, error) {
	out := slices.Clone(bits)
	for _, b := range out {
		if b < quant.MinBits || b > quant.MaxBits {
			return nil, fmt.Errorf("%d outside [%d, %d]", b, quant.MinBits, quant.MaxBits)
		}
	}
	slices.Sort(out)
	slices.Reverse(out)
	return slices.Compact(out), nil
}

// Default mirrors a typical integer accelerator: convolution and fully
// connected kernels at 8, 4 or 2 bits, all activations at 8 bits, ReLU
// outputs unsigned.
func Default() *Model {
	m := &Model{
		Name: "default",
		OpSets: []OpSet{
			{Name: "conv", Kinds: []op.Kind{op.Conv2D}, WeightBits: []int{8, 4, 2}, ActivationBits: []int{8}},
			{Name: "fully_connected", Kinds: []op.Kind{op.Dense}, WeightBits: []int{8, 4, 2}, ActivationBits: []int{8}},
			{Name: "any_relu", Kinds: []op.Kind{op.ReLU, op.ReLU6}, ActivationBits: []int{8}, Signedness: Unsigned},
			{Name: "sigmoid_tanh", Kinds: []op.Kind{op.Sigmoid, op.Tanh}, ActivationBits: []int{8}},
			{Name: "elementwise", Kinds: []op.Kind{op.Add, op.Concat}, ActivationBits: []int{8}},
			{Name: "input", Kinds: []op.Kind{op.Input}, ActivationBits: []int{8}},
		},
		PassthroughKinds: []op.Kind{op.Flatten, op.Reshape, op.Identity, op.Dropout, op.BatchNorm},
		FusionPatterns: [][]op.Kind{
			{op.Conv2D, op.BatchNorm, op.ReLU},
			{op.Conv2D, op.BatchNorm, op.ReLU6},
			{op.Conv2D, op.BatchNorm},
			{op.Conv2D, op.ReLU},
			{op.Conv2D, op.ReLU6},
			{op.Dense, op.BatchNorm},
			{op.Dense, op.ReLU},
			{op.Dense, op.ReLU6},
		},
	}
	if err := m.Validate(); err != nil {
		panic(err)
	}
	return m
}
