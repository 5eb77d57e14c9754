package graph

import (
	"fmt"
	"math"
	"slices"

	"github.com/samcharles93/mpq/internal/capability"
	"github.com/samcharles93/mpq/internal/errdefs"
	"github.com/samcharles93/mpq/internal/model"
	"github.com/samcharles93/mpq/internal/op"
	"github.com/samcharles93/mpq/internal/tensor"
)

// Option tweaks Build.
type Option func(*buildOptions)

type buildOptions struct {
	fuse bool
}

// WithoutFusion disables pattern fusion and BatchNorm folding.
func WithoutFusion() Option {
	return func(o *buildOptions) { o.fuse = false }
}

// layer is the builder's view of one model layer or input.
type layer struct {
	index  int
	name   string
	kind   op.Kind
	spec   op.Spec
	inputs []int // layer indices
	attrs  op.Attrs
	params op.Weights

	consumers []int
	absorbed  bool
}

// Build converts m into a graph using caps for eligibility, fusion and
// candidate bit-widths. The model is not modified.
func Build(m *model.Model, caps capability.Provider, opts ...Option) (*Graph, error) {
	o := buildOptions{fuse: true}
	for _, opt := range opts {
		opt(&o)
	}

	layers, outputs, err := collectLayers(m)
	if err != nil {
		return nil, err
	}
	order, err := sortLayers(layers)
	if err != nil {
		return nil, err
	}

	var chains [][]int
	if o.fuse {
		chains = fuseChains(layers, order, outputs, caps.Fusions())
	} else {
		for _, li := range order {
			chains = append(chains, []int{li})
		}
	}

	for _, chain := range chains {
		head := layers[chain[0]]
		if head.kind == op.Input {
			continue
		}
		if _, ok := caps.OpSet(head.kind); !ok && !caps.Passthrough(head.kind) {
			return nil, &errdefs.UnsupportedOperatorError{Layer: head.name, Kind: string(head.kind)}
		}
	}

	g := &Graph{Name: m.Name}
	// layer index -> tensor id of the node output that carries it
	tensorOf := make(map[int]int, len(layers))
	for _, chain := range chains {
		n, err := newNode(layers, chain, caps)
		if err != nil {
			return nil, err
		}
		n.ID = len(g.nodes)
		tail := layers[chain[len(chain)-1]]
		for _, li := range layers[chain[0]].inputs {
			n.Inputs = append(n.Inputs, tensorOf[li])
		}
		t := &Tensor{ID: len(g.tensors), Name: tail.name, Producer: n.ID}
		n.Outputs = []int{t.ID}
		g.tensors = append(g.tensors, t)
		g.nodes = append(g.nodes, n)
		g.order = append(g.order, n.ID)
		for _, li := range chain {
			tensorOf[li] = t.ID
		}
		for _, tid := range n.Inputs {
			g.tensors[tid].Consumers = append(g.tensors[tid].Consumers, n.ID)
		}
		if n.Kind == op.Input {
			g.inputs = append(g.inputs, t.ID)
		}
	}
	for _, li := range outputs {
		g.outputs = append(g.outputs, tensorOf[li])
	}

	if err := g.inferShapes(); err != nil {
		return nil, err
	}
	g.revision = 1
	return g, nil
}

func collectLayers(m *model.Model) ([]*layer, []int, error) {
	if m == nil {
		return nil, nil, errdefs.Invalidf("nil model")
	}
	index := make(map[string]int)
	var layers []*layer
	add := func(l *layer) error {
		if l.name == "" {
			return errdefs.Invalidf("layer %d has no name", len(layers))
		}
		if _, dup := index[l.name]; dup {
			return errdefs.Invalidf("duplicate layer name %q", l.name)
		}
		l.index = len(layers)
		index[l.name] = l.index
		layers = append(layers, l)
		return nil
	}

	if len(m.Inputs) == 0 {
		return nil, nil, errdefs.Invalidf("model %q declares no inputs", m.Name)
	}
	inputSpec, _ := op.Lookup(op.Input)
	for _, in := range m.Inputs {
		l := &layer{name: in.Name, kind: op.Input, spec: inputSpec, attrs: op.Attrs{Shape: slices.Clone(in.Shape)}}
		if err := add(l); err != nil {
			return nil, nil, err
		}
	}
	for _, ml := range m.Layers {
		kind, err := op.ParseKind(string(ml.Op))
		if err != nil {
			return nil, nil, &errdefs.UnsupportedOperatorError{Layer: ml.Name, Kind: string(ml.Op)}
		}
		spec, _ := op.Lookup(kind)
		if kind == op.Input {
			return nil, nil, errdefs.Invalidf("layer %q: inputs belong in the inputs section", ml.Name)
		}
		params := make(op.Weights, len(ml.Params))
		for role, t := range ml.Params {
			params[role] = t.Clone()
		}
		if err := add(&layer{name: ml.Name, kind: kind, spec: spec, attrs: ml.Attrs, params: params}); err != nil {
			return nil, nil, err
		}
	}

	// Resolve input references once all names are known so that forward
	// references (and therefore cycles) can be expressed and detected.
	for i, ml := range m.Layers {
		l := layers[len(m.Inputs)+i]
		if err := l.spec.CheckArity(len(ml.Inputs)); err != nil {
			return nil, nil, errdefs.Invalidf("layer %q: %v", l.name, err)
		}
		for _, name := range ml.Inputs {
			src, ok := index[name]
			if !ok {
				return nil, nil, errdefs.Invalidf("layer %q: unknown input %q", l.name, name)
			}
			l.inputs = append(l.inputs, src)
			layers[src].consumers = append(layers[src].consumers, l.index)
		}
	}

	if len(m.Outputs) == 0 {
		return nil, nil, errdefs.Invalidf("model %q declares no outputs", m.Name)
	}
	var outputs []int
	for _, name := range m.Outputs {
		li, ok := index[name]
		if !ok {
			return nil, nil, errdefs.Invalidf("unknown output %q", name)
		}
		outputs = append(outputs, li)
	}
	return layers, outputs, nil
}

// sortLayers is Kahn's algorithm. Among ready layers the earliest declared
// goes first, so the order is deterministic.
func sortLayers(layers []*layer) ([]int, error) {
	indeg := make([]int, len(layers))
	for _, l := range layers {
		indeg[l.index] = len(l.inputs)
	}
	var ready []int
	for i, d := range indeg {
		if d == 0 {
			ready = append(ready, i)
		}
	}
	order := make([]int, 0, len(layers))
	for len(ready) > 0 {
		slices.Sort(ready)
		li := ready[0]
		ready = ready[1:]
		order = append(order, li)
		for _, c := range layers[li].consumers {
			indeg[c]--
			if indeg[c] == 0 {
				ready = append(ready, c)
			}
		}
	}
	if len(order) != len(layers) {
		var stuck []string
		for i, d := range indeg {
			if d > 0 {
				stuck = append(stuck, layers[i].name)
			}
		}
		return nil, &errdefs.GraphCycleError{Nodes: stuck}
	}
	return order, nil
}

func newNode(layers []*layer, chain []int, caps capability.Provider) (*Node, error) {
	head := layers[chain[0]]
	tail := layers[chain[len(chain)-1]]
	n := &Node{
		Name:    head.name,
		Kind:    head.kind,
		Attrs:   head.attrs,
		Weights: head.params,
	}
	if head.spec.Weighted || head.spec.Foldable {
		if err := head.spec.CheckWeights(n.Weights); err != nil {
			return nil, errdefs.Invalidf("layer %q: %v", head.name, err)
		}
	}
	for _, li := range chain[1:] {
		l := layers[li]
		n.Fused = append(n.Fused, l.name)
		switch {
		case l.spec.Foldable:
			if err := foldBatchNorm(n, l); err != nil {
				return nil, err
			}
		case l.spec.IsActivation():
			n.PostOp = l.kind
		}
	}

	headSet, headOK := caps.OpSet(head.kind)
	tailSet, tailOK := caps.OpSet(tail.kind)
	if !tailOK {
		tailSet, tailOK = headSet, headOK
	}
	var wbits, abits []int
	if headOK {
		n.OpSet = headSet.Name
		n.WeightMethod = headSet.WeightMethod
		if head.spec.Weighted {
			wbits = headSet.WeightBits
			n.PerChannel = headSet.PerChannel && len(wbits) > 0
		}
	}
	if tailOK {
		if n.OpSet == "" {
			n.OpSet = tailSet.Name
		}
		n.ActivationMethod = tailSet.ActivationMethod
		n.Signedness = tailSet.Signedness
		abits = tailSet.ActivationBits
	}
	n.Candidates = cartesian(wbits, abits)
	return n, nil
}

// cartesian crosses two high-to-low bit lists. An empty side contributes a
// single zero entry; two empty sides give no candidates.
func cartesian(wbits, abits []int) []Candidate {
	if len(wbits) == 0 && len(abits) == 0 {
		return nil
	}
	if len(wbits) == 0 {
		wbits = []int{0}
	}
	if len(abits) == 0 {
		abits = []int{0}
	}
	out := make([]Candidate, 0, len(wbits)*len(abits))
	for _, w := range wbits {
		for _, a := range abits {
			out = append(out, Candidate{WeightBits: w, ActivationBits: a})
		}
	}
	return out
}

// foldBatchNorm folds an inference-mode BatchNorm into the node's kernel
// and bias: W' = W * s, b' = (b - mean) * s + beta with s = gamma/sqrt(var+eps).
func foldBatchNorm(n *Node, bn *layer) error {
	if err := bn.spec.CheckWeights(bn.params); err != nil {
		return errdefs.Invalidf("layer %q: %v", bn.name, err)
	}
	k := n.Kernel()
	out := k.Shape[0]
	for _, name := range []string{op.WeightGamma, op.WeightBeta, op.WeightMean, op.WeightVariance} {
		if bn.params[name].Len() != out {
			return errdefs.Invalidf("layer %q: %s has %d values for %d channels of %q",
				bn.name, name, bn.params[name].Len(), out, n.Name)
		}
	}
	gamma, beta := bn.params[op.WeightGamma].Data, bn.params[op.WeightBeta].Data
	mean, variance := bn.params[op.WeightMean].Data, bn.params[op.WeightVariance].Data
	eps := bn.attrs.Eps()

	bias := n.Weights[op.WeightBias]
	if bias == nil {
		bias = tensor.New(out)
	}
	per := k.Len() / out
	for o := range out {
		s := gamma[o] / math.Sqrt(variance[o]+eps)
		row := k.Data[o*per : (o+1)*per]
		for i := range row {
			row[i] *= s
		}
		bias.Data[o] = (bias.Data[o]-mean[o])*s + beta[o]
	}
	n.Weights[op.WeightBias] = bias
	return nil
}

func (g *Graph) inferShapes() error {
	for _, id := range g.order {
		n := g.nodes[id]
		spec, _ := op.Lookup(n.Kind)
		in := make([][]int, len(n.Inputs))
		for i, tid := range n.Inputs {
			in[i] = g.tensors[tid].Shape
		}
		shape, err := spec.Shape(in, n.Attrs, n.Weights)
		if err != nil {
			return errdefs.Invalidf("node %q: %v", n.Name, err)
		}
		g.tensors[n.Output()].Shape = shape
		if spec.MACs != nil {
			n.MACs = spec.MACs(in, shape, n.Weights)
		}
	}
	return nil
}

// String summarizes the graph for logs.
func (g *Graph) String() string {
	return fmt.Sprintf("graph %q: %d nodes, %d quantizable, %d inputs, %d outputs",
		g.Name, len(g.nodes), len(g.Quantizable()), len(g.inputs), len(g.outputs))
}
