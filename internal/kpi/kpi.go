// Package kpi computes the resource cost of a candidate assignment from the
// graph's static shapes.
package kpi

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/samcharles93/mpq/internal/errdefs"
	"github.com/samcharles93/mpq/internal/graph"
	"github.com/samcharles93/mpq/internal/op"
)

// Dimension names one resource axis.
type Dimension string

const (
	WeightMemory     Dimension = "weight_memory"
	ActivationMemory Dimension = "activation_memory"
	Compute          Dimension = "compute"
)

// Dimensions lists every axis in report order.
var Dimensions = []Dimension{WeightMemory, ActivationMemory, Compute}

// FloatBits is the width assumed for an unquantized operand in compute cost.
const FloatBits = 32

// ParseDimension accepts the config spelling of an axis.
func ParseDimension(s string) (Dimension, error) {
	d := Dimension(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	if !slices.Contains(Dimensions, d) {
		return "", fmt.Errorf("unknown resource dimension %q", s)
	}
	return d, nil
}

// Vector is a resource cost. Memory is in bytes, compute in bit-operations.
type Vector struct {
	WeightMemory     float64 `json:"weight_memory" yaml:"weight_memory"`
	ActivationMemory float64 `json:"activation_memory" yaml:"activation_memory"`
	Compute          float64 `json:"compute" yaml:"compute"`
}

func (v Vector) Get(d Dimension) float64 {
	switch d {
	case WeightMemory:
		return v.WeightMemory
	case ActivationMemory:
		return v.ActivationMemory
	case Compute:
		return v.Compute
	}
	return 0
}

func (v Vector) Sub(o Vector) Vector {
	return Vector{
		WeightMemory:     v.WeightMemory - o.WeightMemory,
		ActivationMemory: v.ActivationMemory - o.ActivationMemory,
		Compute:          v.Compute - o.Compute,
	}
}

func (v Vector) String() string {
	return fmt.Sprintf("weights=%gB activations=%gB compute=%g", v.WeightMemory, v.ActivationMemory, v.Compute)
}

// Budget maps dimensions to limits. An absent dimension is unconstrained.
type Budget map[Dimension]float64

func (b Budget) Validate() error {
	for d, limit := range b {
		if !slices.Contains(Dimensions, d) {
			return errdefs.ConfigErrorf("unknown budget dimension %q", d)
		}
		if limit < 0 || math.IsNaN(limit) {
			return errdefs.ConfigErrorf("budget %s must not be negative, got %g", d, limit)
		}
	}
	return nil
}

// Violated returns the constrained dimensions on which v exceeds b, in
// Dimensions order.
func (b Budget) Violated(v Vector) []Dimension {
	var out []Dimension
	for _, d := range Dimensions {
		if limit, ok := b[d]; ok && v.Get(d) > limit {
			out = append(out, d)
		}
	}
	return out
}

func (b Budget) Satisfied(v Vector) bool { return len(b.Violated(v)) == 0 }

// Model evaluates assignments against one graph. It only reads shapes and
// candidate bit-widths, never the current selection.
type Model struct {
	g     *graph.Graph
	nodes []*graph.Node
	pos   map[int]int // node id -> topological position
	last  map[int]int // tensor id -> position of last consumer
}

func New(g *graph.Graph) *Model {
	m := &Model{
		g:     g,
		nodes: g.Nodes(),
		pos:   make(map[int]int),
		last:  make(map[int]int),
	}
	for i, n := range m.nodes {
		m.pos[n.ID] = i
	}
	end := len(m.nodes)
	for _, t := range g.Tensors() {
		l := m.pos[t.Producer]
		for _, c := range t.Consumers {
			l = max(l, m.pos[c])
		}
		if g.IsOutput(t.ID) {
			l = end
		}
		m.last[t.ID] = l
	}
	return m
}

// Max returns the all-highest assignment and its cost.
func (m *Model) Max() (map[int]int, Vector) {
	a := make(map[int]int)
	for _, n := range m.g.Quantizable() {
		a[n.ID] = 0
	}
	return a, m.Vector(a)
}

// Min returns the all-lowest assignment and its cost.
func (m *Model) Min() (map[int]int, Vector) {
	a := make(map[int]int)
	for _, n := range m.g.Quantizable() {
		a[n.ID] = len(n.Candidates) - 1
	}
	return a, m.Vector(a)
}

// CheckFeasible fails with InfeasibleBudgetError when even the cheapest
// assignment exceeds b.
func (m *Model) CheckFeasible(b Budget) error {
	if err := b.Validate(); err != nil {
		return err
	}
	_, low := m.Min()
	violated := b.Violated(low)
	if len(violated) == 0 {
		return nil
	}
	e := &errdefs.InfeasibleBudgetError{Minimum: map[string]float64{}, Limit: map[string]float64{}}
	for _, d := range violated {
		e.Dimensions = append(e.Dimensions, string(d))
		e.Minimum[string(d)] = low.Get(d)
		e.Limit[string(d)] = b[d]
	}
	return e
}

func (m *Model) candidate(a map[int]int, n *graph.Node) (graph.Candidate, bool) {
	if !n.Quantizable() {
		return graph.Candidate{}, false
	}
	idx, ok := a[n.ID]
	if !ok || idx < 0 || idx >= len(n.Candidates) {
		idx = 0
	}
	return n.Candidates[idx], true
}

// activationBits is the width of tensor tid under a, zero when unquantized.
func (m *Model) activationBits(a map[int]int, tid int) int {
	c, ok := m.candidate(a, m.g.Producer(tid))
	if !ok {
		return 0
	}
	return c.ActivationBits
}

// Vector computes the cost of a. Nodes absent from a count at their highest
// candidate.
func (m *Model) Vector(a map[int]int) Vector {
	var v Vector
	for _, n := range m.nodes {
		nv := m.nodeCost(a, n)
		v.WeightMemory += nv.WeightMemory
		v.Compute += nv.Compute
	}
	v.ActivationMemory = m.peakActivations(a)
	return v
}

// Footprint is the weight, output and compute cost attributable to one node.
func (m *Model) Footprint(a map[int]int, nodeID int) Vector {
	n := m.g.Node(nodeID)
	v := m.nodeCost(a, n)
	if bits := m.activationBits(a, n.Output()); bits > 0 {
		v.ActivationMemory = float64(m.g.Tensor(n.Output()).Numel()*bits) / 8
	}
	return v
}

func (m *Model) nodeCost(a map[int]int, n *graph.Node) Vector {
	c, ok := m.candidate(a, n)
	if !ok {
		return Vector{}
	}
	var v Vector
	if c.HasWeights() {
		// Only the kernel is quantized; bias and folded norm parameters
		// stay float.
		kernel := 0
		if k := n.Kernel(); k != nil {
			kernel = k.Len()
		}
		rest := n.ParamCount() - kernel
		v.WeightMemory = float64(kernel*c.WeightBits+rest*FloatBits) / 8
	}
	spec, _ := op.Lookup(n.Kind)
	if spec.Weighted {
		wb := c.WeightBits
		if wb == 0 {
			wb = FloatBits
		}
		ab := FloatBits
		if len(n.Inputs) > 0 {
			if bits := m.activationBits(a, n.Inputs[0]); bits > 0 {
				ab = bits
			}
		}
		v.Compute = float64(n.MACs) * float64(wb) * float64(ab)
	} else if c.HasActivation() {
		v.Compute = float64(m.g.Tensor(n.Output()).Numel() * c.ActivationBits)
	}
	return v
}

// peakActivations walks the topological order and returns the largest total
// size of simultaneously live quantized tensors.
func (m *Model) peakActivations(a map[int]int) float64 {
	tensors := m.g.Tensors()
	size := make([]float64, len(tensors))
	for _, t := range tensors {
		if bits := m.activationBits(a, t.ID); bits > 0 {
			size[t.ID] = float64(t.Numel()*bits) / 8
		}
	}
	var peak float64
	for i := range m.nodes {
		var live float64
		for _, t := range tensors {
			if size[t.ID] > 0 && m.pos[t.Producer] <= i && i <= m.last[t.ID] {
				live += size[t.ID]
			}
		}
		peak = math.Max(peak, live)
	}
	return peak
}
