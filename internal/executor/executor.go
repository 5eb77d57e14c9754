// Package executor evaluates a graph on a batch, either in float or with
// fake quantization of weights and activations.
//
// The graph is only read. Float weights are never modified; quantized
// kernels are materialized per run.
package executor

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/samcharles93/mpq/internal/graph"
	"github.com/samcharles93/mpq/internal/op"
	"github.com/samcharles93/mpq/internal/tensor"
)

var (
	ErrInputMismatch = errors.New("executor: inputs do not match graph")
	ErrUncalibrated  = errors.New("executor: candidate has no calibrated parameters")
)

// Base selects the candidate used for nodes without an explicit override.
type Base int

const (
	// Selected uses each node's selected candidate.
	Selected Base = iota
	// Highest uses each node's highest-precision candidate.
	Highest
	// None leaves nodes without an override unquantized.
	None
)

// Plan describes one run. The zero Plan is a float run.
type Plan struct {
	Quantize bool
	Base     Base
	// Override maps node id to a candidate index.
	Override map[int]int
	// Candidates maps node id to an explicit candidate, taking precedence
	// over Override. Used to evaluate perturbed parameters.
	Candidates map[int]graph.Candidate
	// Kernels maps node id to a kernel used instead of the refined or float
	// kernel before weight quantization.
	Kernels map[int]*tensor.Tensor
	// Trace records each node's output before activation quantization.
	Trace bool
}

// Float is the plan for a float forward pass.
func Float() Plan { return Plan{} }

// Quantized is the plan for the graph's current selection.
func Quantized() Plan { return Plan{Quantize: true} }

// Result holds tensor values indexed by tensor id.
type Result struct {
	Values []*tensor.Tensor
	// Raw is set when tracing: node outputs before activation quantization.
	Raw []*tensor.Tensor
	// outputs are the graph output tensor ids.
	outputs []int
}

// Outputs returns the graph output values in declaration order.
func (r *Result) Outputs() []*tensor.Tensor {
	out := make([]*tensor.Tensor, len(r.outputs))
	for i, tid := range r.outputs {
		out[i] = r.Values[tid]
	}
	return out
}

// Run evaluates g on inputs, one tensor per graph input with a leading batch
// dimension.
func Run(ctx context.Context, g *graph.Graph, inputs []*tensor.Tensor, plan Plan) (*Result, error) {
	gin := g.Inputs()
	if len(inputs) != len(gin) {
		return nil, fmt.Errorf("%w: %d inputs for %d graph inputs", ErrInputMismatch, len(inputs), len(gin))
	}
	batch := -1
	for i, tid := range gin {
		x := inputs[i]
		if x == nil || x.Rank() == 0 || !slices.Equal(x.SampleShape(), g.Tensor(tid).Shape) {
			return nil, fmt.Errorf("%w: input %q wants samples of shape %v", ErrInputMismatch, g.Tensor(tid).Name, g.Tensor(tid).Shape)
		}
		if batch >= 0 && x.Batch() != batch {
			return nil, fmt.Errorf("%w: inputs disagree on batch size", ErrInputMismatch)
		}
		batch = x.Batch()
	}

	res := &Result{
		Values:  make([]*tensor.Tensor, len(g.Tensors())),
		outputs: g.Outputs(),
	}
	if plan.Trace {
		res.Raw = make([]*tensor.Tensor, len(g.Tensors()))
	}
	inputIndex := make(map[int]int, len(gin))
	for i, tid := range gin {
		inputIndex[tid] = i
	}

	for _, n := range g.Nodes() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cand, quantized, err := plan.candidate(n)
		if err != nil {
			return nil, err
		}

		var y *tensor.Tensor
		if n.Kind == op.Input {
			y = inputs[inputIndex[n.Output()]].Clone()
			if s := n.InputScale; s != 0 && s != 1 {
				for i := range y.Data {
					y.Data[i] *= s
				}
			}
		} else {
			in := make([]*tensor.Tensor, len(n.Inputs))
			for i, tid := range n.Inputs {
				in[i] = res.Values[tid]
			}
			w := n.Weights
			if plan.Quantize {
				w = plan.weights(n, cand, quantized)
			}
			spec, _ := op.Lookup(n.Kind)
			if y, err = spec.Forward(in, n.Attrs, w); err != nil {
				return nil, fmt.Errorf("node %q: %w", n.Name, err)
			}
			if n.PostOp != "" {
				post, _ := op.Lookup(n.PostOp)
				for i, v := range y.Data {
					y.Data[i] = post.Func(v)
				}
			}
		}

		if plan.Trace {
			res.Raw[n.Output()] = y.Clone()
		}
		if quantized && cand.HasActivation() {
			cand.Activation.FakeQuantSlice(y.Data, y.Data)
		}
		res.Values[n.Output()] = y
	}
	return res, nil
}

// candidate resolves the quantization applied to n. The bool is false when
// the node runs in float.
func (p Plan) candidate(n *graph.Node) (graph.Candidate, bool, error) {
	if !p.Quantize || !n.Quantizable() {
		return graph.Candidate{}, false, nil
	}
	c, ok := p.Candidates[n.ID]
	if !ok {
		idx := -1
		if i, set := p.Override[n.ID]; set {
			idx = i
		} else {
			switch p.Base {
			case Selected:
				idx = n.Selected()
			case Highest:
				idx = 0
			}
		}
		if idx < 0 {
			return graph.Candidate{}, false, nil
		}
		if idx >= len(n.Candidates) {
			return graph.Candidate{}, false, fmt.Errorf("node %q: candidate %d of %d", n.Name, idx, len(n.Candidates))
		}
		c = n.Candidates[idx]
	}
	if !c.Calibrated() {
		return graph.Candidate{}, false, fmt.Errorf("%w: node %q %s", ErrUncalibrated, n.Name, c)
	}
	return c, true, nil
}

// weights returns the weight set for a quantized run: plan kernel, then
// refined kernel, then float kernel, fake-quantized when the candidate
// quantizes weights. Bias stays in float.
func (p Plan) weights(n *graph.Node, c graph.Candidate, quantized bool) op.Weights {
	k := n.Kernel()
	if k == nil {
		return n.Weights
	}
	if r := n.RefinedKernel(); r != nil {
		k = r
	}
	if pk, ok := p.Kernels[n.ID]; ok && pk != nil {
		k = pk
	}
	if quantized && c.HasWeights() {
		q := tensor.New(k.Shape...)
		c.FakeQuantWeights(q.Data, k.Data)
		k = q
	}
	if k == n.Kernel() {
		return n.Weights
	}
	w := make(op.Weights, len(n.Weights))
	for name, t := range n.Weights {
		w[name] = t
	}
	w[op.WeightKernel] = k
	return w
}
