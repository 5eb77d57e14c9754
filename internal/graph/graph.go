// Package graph holds the computational graph the quantization stages work
// on: nodes owning frozen float weights and candidate quantization
// configurations, tensors connecting them, and a deterministic topological
// order.
package graph

import (
	"fmt"
	"math"
	"slices"

	"github.com/samcharles93/mpq/internal/capability"
	"github.com/samcharles93/mpq/internal/errdefs"
	"github.com/samcharles93/mpq/internal/op"
	"github.com/samcharles93/mpq/internal/tensor"
	"github.com/samcharles93/mpq/pkg/quant"
)

// Candidate is one allowed (weight bits, activation bits) combination of a
// node. A zero bit-width means that side is not quantized. Weights and
// Activation are filled in by calibration. WeightChannels, when set, holds
// one kernel threshold per output channel and replaces Weights for fake
// quantization; Weights then stays the per-tensor summary.
type Candidate struct {
	WeightBits     int            `json:"weight_bits,omitempty"`
	ActivationBits int            `json:"activation_bits,omitempty"`
	Weights        quant.Params   `json:"weights"`
	WeightChannels quant.Channels `json:"weight_channels,omitempty"`
	Activation     quant.Params   `json:"activation"`
}

func (c Candidate) HasWeights() bool    { return c.WeightBits > 0 }
func (c Candidate) HasActivation() bool { return c.ActivationBits > 0 }

// Calibrated reports whether every quantized side has parameters.
func (c Candidate) Calibrated() bool {
	if c.HasWeights() && c.Weights.Bits != c.WeightBits {
		return false
	}
	if len(c.WeightChannels) > 0 && c.WeightChannels.Bits() != c.WeightBits {
		return false
	}
	if c.HasActivation() && c.Activation.Bits != c.ActivationBits {
		return false
	}
	return true
}

// Dominates reports whether c is at least as precise as o on both sides.
func (c Candidate) Dominates(o Candidate) bool {
	return c.WeightBits >= o.WeightBits && c.ActivationBits >= o.ActivationBits
}

// FakeQuantWeights writes the fake-quantized kernel src into dst, per
// channel when channel parameters are set. dst and src may alias.
func (c Candidate) FakeQuantWeights(dst, src []float64) {
	if len(c.WeightChannels) > 0 {
		c.WeightChannels.FakeQuantSlice(dst, src)
		return
	}
	c.Weights.FakeQuantSlice(dst, src)
}

// EncodeWeights returns the integer codes of kernel data.
func (c Candidate) EncodeWeights(data []float64) []int32 {
	if len(c.WeightChannels) > 0 {
		return c.WeightChannels.Encode(data)
	}
	return c.Weights.Encode(data)
}

func (c Candidate) String() string {
	return fmt.Sprintf("w%da%d", c.WeightBits, c.ActivationBits)
}

// Tensor is an edge. Shape is per sample (no batch dimension).
type Tensor struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	Shape     []int  `json:"shape"`
	Producer  int    `json:"producer"`
	Consumers []int  `json:"consumers,omitempty"`
}

// Numel is the per-sample element count.
func (t *Tensor) Numel() int { return tensor.Numel(t.Shape) }

type Node struct {
	ID      int
	Name    string
	Kind    op.Kind
	Inputs  []int
	Outputs []int
	Attrs   op.Attrs
	// Weights are the frozen float weights, with any BatchNorm folded in.
	Weights op.Weights
	// PostOp is a fused elementwise activation applied before the output
	// is quantized. Empty when none.
	PostOp op.Kind
	// Fused lists the layers absorbed into this node after the head.
	Fused []string

	OpSet            string
	WeightMethod     quant.Method
	ActivationMethod quant.Method
	Signedness       capability.Signedness
	// PerChannel calibrates one kernel threshold per output channel.
	PerChannel bool
	// InputScale multiplies the fed values of an Input node. Zero means 1.
	InputScale float64

	// Candidates are ordered highest precision first.
	Candidates []Candidate
	MACs       int64

	selected int
	refined  *tensor.Tensor
}

// Output returns the node's output tensor id.
func (n *Node) Output() int { return n.Outputs[0] }

// Quantizable reports whether the node has any candidate.
func (n *Node) Quantizable() bool { return len(n.Candidates) > 0 }

// Selected returns the chosen candidate index, -1 for passthrough nodes.
func (n *Node) Selected() int {
	if !n.Quantizable() {
		return -1
	}
	return n.selected
}

// SelectedCandidate returns the chosen candidate.
func (n *Node) SelectedCandidate() (Candidate, bool) {
	if !n.Quantizable() {
		return Candidate{}, false
	}
	return n.Candidates[n.selected], true
}

// Kernel returns the float kernel, or nil.
func (n *Node) Kernel() *tensor.Tensor { return n.Weights[op.WeightKernel] }

// RefinedKernel returns the refined kernel override, or nil.
func (n *Node) RefinedKernel() *tensor.Tensor { return n.refined }

// ParamCount is the number of stored kernel and bias values.
func (n *Node) ParamCount() int { return op.ParamCount(n.Weights) }

// Layers returns the names of every model layer the node implements.
func (n *Node) Layers() []string {
	return append([]string{n.Name}, n.Fused...)
}

type Graph struct {
	Name string

	nodes   []*Node
	tensors []*Tensor
	order   []int
	inputs  []int
	outputs []int

	revision uint64
}

// Nodes returns nodes in topological order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, len(g.order))
	for i, id := range g.order {
		out[i] = g.nodes[id]
	}
	return out
}

// Quantizable returns quantizable nodes in topological order.
func (g *Graph) Quantizable() []*Node {
	var out []*Node
	for _, id := range g.order {
		if n := g.nodes[id]; n.Quantizable() {
			out = append(out, n)
		}
	}
	return out
}

func (g *Graph) Node(id int) *Node { return g.nodes[id] }

// NodeByName finds a node by its head layer name.
func (g *Graph) NodeByName(name string) (*Node, bool) {
	for _, n := range g.nodes {
		if n.Name == name {
			return n, true
		}
	}
	return nil, false
}

func (g *Graph) NumNodes() int          { return len(g.nodes) }
func (g *Graph) Tensor(id int) *Tensor  { return g.tensors[id] }
func (g *Graph) Tensors() []*Tensor     { return g.tensors }
func (g *Graph) Order() []int           { return slices.Clone(g.order) }
func (g *Graph) Inputs() []int          { return slices.Clone(g.inputs) }
func (g *Graph) Outputs() []int         { return slices.Clone(g.outputs) }
func (g *Graph) Revision() uint64       { return g.revision }
func (g *Graph) IsOutput(tid int) bool  { return slices.Contains(g.outputs, tid) }
func (g *Graph) Producer(tid int) *Node { return g.nodes[g.tensors[tid].Producer] }

// ActivationParams returns the activation quantization carried by a tensor:
// that of its producer's selected candidate, when calibrated.
func (g *Graph) ActivationParams(tid int) (quant.Params, bool) {
	c, ok := g.Producer(tid).SelectedCandidate()
	if !ok || !c.HasActivation() || c.Activation.Bits != c.ActivationBits {
		return quant.Params{}, false
	}
	return c.Activation, true
}

// Select sets the chosen candidate of a node.
func (g *Graph) Select(nodeID, idx int) error {
	n := g.nodes[nodeID]
	if idx < 0 || idx >= len(n.Candidates) {
		return fmt.Errorf("%w: node %q has %d candidates, got index %d",
			errdefs.ErrInvalidAssignment, n.Name, len(n.Candidates), idx)
	}
	n.selected = idx
	return nil
}

// Assignment returns node id -> selected index for every quantizable node.
func (g *Graph) Assignment() map[int]int {
	out := make(map[int]int)
	for _, n := range g.nodes {
		if n.Quantizable() {
			out[n.ID] = n.selected
		}
	}
	return out
}

// Apply selects every candidate in a. Unlisted nodes keep their selection.
// Nothing is changed when any entry is invalid.
func (g *Graph) Apply(a map[int]int) error {
	for id, idx := range a {
		if id < 0 || id >= len(g.nodes) {
			return fmt.Errorf("%w: unknown node %d", errdefs.ErrInvalidAssignment, id)
		}
		if n := g.nodes[id]; idx < 0 || idx >= len(n.Candidates) {
			return fmt.Errorf("%w: node %q index %d", errdefs.ErrInvalidAssignment, n.Name, idx)
		}
	}
	for id, idx := range a {
		g.nodes[id].selected = idx
	}
	return nil
}

// SetParams stores calibrated parameters on one candidate. Zero-valued
// Params leave that side unchanged.
func (g *Graph) SetParams(nodeID, idx int, w, a quant.Params) error {
	n := g.nodes[nodeID]
	if idx < 0 || idx >= len(n.Candidates) {
		return fmt.Errorf("%w: node %q index %d", errdefs.ErrInvalidAssignment, n.Name, idx)
	}
	c := &n.Candidates[idx]
	if w.Bits != 0 {
		if w.Bits != c.WeightBits {
			return fmt.Errorf("%w: node %q weight params at %d bits for a %d-bit candidate",
				errdefs.ErrInvalidAssignment, n.Name, w.Bits, c.WeightBits)
		}
		c.Weights = w
	}
	if a.Bits != 0 {
		if a.Bits != c.ActivationBits {
			return fmt.Errorf("%w: node %q activation params at %d bits for a %d-bit candidate",
				errdefs.ErrInvalidAssignment, n.Name, a.Bits, c.ActivationBits)
		}
		c.Activation = a
	}
	g.revision++
	return nil
}

// SetWeightChannels stores per-channel kernel parameters on one candidate.
// A nil ch clears them.
func (g *Graph) SetWeightChannels(nodeID, idx int, ch quant.Channels) error {
	n := g.nodes[nodeID]
	if idx < 0 || idx >= len(n.Candidates) {
		return fmt.Errorf("%w: node %q index %d", errdefs.ErrInvalidAssignment, n.Name, idx)
	}
	c := &n.Candidates[idx]
	if ch != nil {
		k := n.Kernel()
		if k == nil || !c.HasWeights() {
			return fmt.Errorf("%w: node %q candidate %s quantizes no kernel", errdefs.ErrInvalidAssignment, n.Name, c)
		}
		if err := ch.Validate(); err != nil {
			return fmt.Errorf("%w: node %q: %v", errdefs.ErrInvalidAssignment, n.Name, err)
		}
		if len(ch) != k.Shape[0] || ch.Bits() != c.WeightBits {
			return fmt.Errorf("%w: node %q has %d channels at %d bits, got %d at %d bits",
				errdefs.ErrInvalidAssignment, n.Name, k.Shape[0], c.WeightBits, len(ch), ch.Bits())
		}
	}
	c.WeightChannels = ch.Clone()
	g.revision++
	return nil
}

// ScaleInput multiplies the values fed to an Input node by s and divides the
// kernel of the linear node it feeds by s, leaving the float function
// unchanged. Scales compose.
func (g *Graph) ScaleInput(inputID, linearID int, s float64) error {
	in, lin := g.nodes[inputID], g.nodes[linearID]
	if in.Kind != op.Input {
		return fmt.Errorf("%w: %q is not an input", errdefs.ErrInvalidAssignment, in.Name)
	}
	k := lin.Kernel()
	if k == nil {
		return fmt.Errorf("%w: %q has no kernel", errdefs.ErrInvalidAssignment, lin.Name)
	}
	if !(s > 0) || math.IsInf(s, 0) {
		return fmt.Errorf("%w: input scale %v", errdefs.ErrInvalidAssignment, s)
	}
	scaled := k.Clone()
	for i := range scaled.Data {
		scaled.Data[i] /= s
	}
	w := make(op.Weights, len(lin.Weights))
	for name, t := range lin.Weights {
		w[name] = t
	}
	w[op.WeightKernel] = scaled
	lin.Weights = w
	if lin.refined != nil {
		for i := range lin.refined.Data {
			lin.refined.Data[i] /= s
		}
	}
	if in.InputScale == 0 {
		in.InputScale = 1
	}
	in.InputScale *= s
	g.revision++
	return nil
}

// SetRefinedKernel stores a refined kernel used only by quantized execution.
// A nil kernel clears the override.
func (g *Graph) SetRefinedKernel(nodeID int, k *tensor.Tensor) error {
	n := g.nodes[nodeID]
	if k != nil {
		base := n.Kernel()
		if base == nil || !tensor.SameShape(base, k) {
			return fmt.Errorf("%w: node %q refined kernel shape", errdefs.ErrInvalidAssignment, n.Name)
		}
		k = k.Clone()
	}
	n.refined = k
	g.revision++
	return nil
}

// Snapshot captures every mutable part of the graph.
type Snapshot struct {
	selected   []int
	candidates [][]Candidate
	refined    []*tensor.Tensor
}

func (g *Graph) Snapshot() *Snapshot {
	s := &Snapshot{
		selected:   make([]int, len(g.nodes)),
		candidates: make([][]Candidate, len(g.nodes)),
		refined:    make([]*tensor.Tensor, len(g.nodes)),
	}
	for i, n := range g.nodes {
		s.selected[i] = n.selected
		s.candidates[i] = slices.Clone(n.Candidates)
		s.refined[i] = n.refined.Clone()
	}
	return s
}

// Restore rolls the graph back to s.
func (g *Graph) Restore(s *Snapshot) {
	for i, n := range g.nodes {
		n.selected = s.selected[i]
		n.Candidates = slices.Clone(s.candidates[i])
		n.refined = s.refined[i].Clone()
	}
	g.revision++
}
