// Package model is the external, framework-neutral description of a trained
// network: named inputs, an ordered list of layers referencing their inputs by
// name, and the float weights each layer owns.
//
// Topologies are YAML (or JSON) documents. Weights are either inline in the
// document or referenced by name from a safetensors container.
package model

import (
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/samcharles93/mpq/internal/errdefs"
	"github.com/samcharles93/mpq/internal/op"
	"github.com/samcharles93/mpq/internal/safetensors"
	"github.com/samcharles93/mpq/internal/tensor"
)

type Input struct {
	Name  string `yaml:"name" json:"name"`
	Shape []int  `yaml:"shape" json:"shape"`
}

// InlineTensor is a weight embedded in the topology document.
type InlineTensor struct {
	Shape []int     `yaml:"shape" json:"shape"`
	Data  []float64 `yaml:"data" json:"data"`
}

type Layer struct {
	Name   string   `yaml:"name" json:"name"`
	Op     op.Kind  `yaml:"op" json:"op"`
	Inputs []string `yaml:"inputs" json:"inputs"`
	Attrs  op.Attrs `yaml:"attrs,omitempty" json:"attrs,omitempty"`
	// Weights maps a weight role (kernel, bias, gamma, ...) to a tensor name
	// in the weight container.
	Weights map[string]string `yaml:"weights,omitempty" json:"weights,omitempty"`
	// Tensors holds inline weights by role.
	Tensors map[string]InlineTensor `yaml:"tensors,omitempty" json:"tensors,omitempty"`

	// Params are the resolved weights. Populated by Resolve or by the
	// programmatic builder.
	Params op.Weights `yaml:"-" json:"-"`
}

type Model struct {
	Name    string   `yaml:"name" json:"name"`
	Inputs  []Input  `yaml:"inputs" json:"inputs"`
	Layers  []Layer  `yaml:"layers" json:"layers"`
	Outputs []string `yaml:"outputs" json:"outputs"`
}

// weightRoles are tried as "<layer>.<role>" when a layer declares no
// explicit references.
var weightRoles = []string{
	op.WeightKernel, op.WeightBias,
	op.WeightGamma, op.WeightBeta, op.WeightMean, op.WeightVariance,
}

// New returns an empty model for programmatic construction.
func New(name string) *Model {
	return &Model{Name: name}
}

// AddInput declares a model input with a per-sample shape.
func (m *Model) AddInput(name string, shape ...int) *Model {
	m.Inputs = append(m.Inputs, Input{Name: name, Shape: slices.Clone(shape)})
	return m
}

// AddLayer appends a layer with resolved weights.
func (m *Model) AddLayer(name string, kind op.Kind, inputs []string, attrs op.Attrs, w op.Weights) *Model {
	m.Layers = append(m.Layers, Layer{Name: name, Op: kind, Inputs: inputs, Attrs: attrs, Params: w})
	return m
}

// SetOutputs names the layers whose tensors are the model outputs.
func (m *Model) SetOutputs(names ...string) *Model {
	m.Outputs = names
	return m
}

// Layer returns the layer named name.
func (m *Model) Layer(name string) (*Layer, bool) {
	for i := range m.Layers {
		if m.Layers[i].Name == name {
			return &m.Layers[i], true
		}
	}
	return nil, false
}

// Parse decodes a topology document and materializes inline tensors.
func Parse(data []byte) (*Model, error) {
	var m Model
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, errdefs.Invalidf("parse topology: %v", err)
	}
	if err := m.resolveInline(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Load reads a topology from topologyPath and, when weightsPath is set,
// resolves weight references against that safetensors file.
func Load(topologyPath, weightsPath string) (*Model, error) {
	data, err := os.ReadFile(topologyPath)
	if err != nil {
		return nil, fmt.Errorf("read topology: %w", err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", topologyPath, err)
	}
	if weightsPath == "" {
		return m, nil
	}
	f, err := safetensors.Open(weightsPath)
	if err != nil {
		return nil, fmt.Errorf("open weights: %w", err)
	}
	defer func() { _ = f.Close() }()
	if err := m.Resolve(f); err != nil {
		return nil, fmt.Errorf("%s: %w", weightsPath, err)
	}
	return m, nil
}

func (m *Model) resolveInline() error {
	for i := range m.Layers {
		l := &m.Layers[i]
		for role, it := range l.Tensors {
			t, err := tensor.FromData(it.Shape, slices.Clone(it.Data))
			if err != nil {
				return errdefs.Invalidf("layer %q weight %q: %v", l.Name, role, err)
			}
			if l.Params == nil {
				l.Params = op.Weights{}
			}
			l.Params[role] = t
		}
	}
	return nil
}

// Resolve loads every referenced weight from f. Layers without explicit
// references pick up "<layer>.<role>" tensors when present. Inline tensors
// take precedence.
func (m *Model) Resolve(f *safetensors.File) error {
	for i := range m.Layers {
		l := &m.Layers[i]
		refs := l.Weights
		if len(refs) == 0 {
			refs = make(map[string]string)
			for _, role := range weightRoles {
				name := l.Name + "." + role
				if _, ok := f.Tensor(name); ok {
					refs[role] = name
				}
			}
		}
		for role, name := range refs {
			if l.Params != nil && l.Params[role] != nil {
				continue
			}
			vals, info, err := f.ReadFloat64(name)
			if err != nil {
				return errdefs.Invalidf("layer %q weight %q: %v", l.Name, role, err)
			}
			t, err := tensor.FromData(info.Shape, vals)
			if err != nil {
				return errdefs.Invalidf("layer %q weight %q: %v", l.Name, role, err)
			}
			if l.Params == nil {
				l.Params = op.Weights{}
			}
			l.Params[role] = t
		}
	}
	return nil
}
