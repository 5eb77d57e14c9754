package gptq

import (
	"math"

	G "gorgonia.org/gorgonia"
	gtensor "gorgonia.org/tensor"

	"github.com/samcharles93/mpq/internal/executor"
	"github.com/samcharles93/mpq/internal/graph"
	"github.com/samcharles93/mpq/internal/tensor"
	"github.com/samcharles93/mpq/pkg/quant"
)

// side selects the weight or activation parameters of a candidate.
type side int

const (
	weightSide side = iota
	activationSide
)

// threshold is one trainable quantization threshold, held as its log.
type threshold struct {
	node int
	side side
	// channel is the output channel of a per-channel kernel, or -1.
	channel int
	base    quant.Params
	log0    float64
}

// params returns the parameters at log-threshold l. The untouched starting
// value maps back to base exactly.
func (t threshold) params(l float64) quant.Params {
	if l == t.log0 {
		return t.base
	}
	return t.base.WithThreshold(math.Exp(l))
}

// vec is a flat float64 parameter with its gradient, viewed as a gorgonia
// value without copying.
type vec struct {
	data []float64
	grad []float64

	value *gtensor.Dense
	dgrad *gtensor.Dense
}

func newVec(data []float64) *vec {
	v := &vec{data: data, grad: make([]float64, len(data))}
	v.value = gtensor.New(gtensor.WithShape(len(data)), gtensor.WithBacking(v.data))
	v.dgrad = gtensor.New(gtensor.WithShape(len(data)), gtensor.WithBacking(v.grad))
	return v
}

func (v *vec) Value() G.Value         { return v.value }
func (v *vec) Grad() (G.Value, error) { return v.dgrad, nil }

var _ G.ValueGrad = (*vec)(nil)

// state is everything refinement may change.
type state struct {
	logT    []float64
	kernels map[int]*tensor.Tensor
}

func (s state) clone() state {
	out := state{logT: append([]float64(nil), s.logT...), kernels: make(map[int]*tensor.Tensor, len(s.kernels))}
	for id, k := range s.kernels {
		out.kernels[id] = k.Clone()
	}
	return out
}

func (s state) finite() bool {
	if !tensor.AllFinite(s.logT) {
		return false
	}
	for _, k := range s.kernels {
		if !tensor.AllFinite(k.Data) {
			return false
		}
	}
	return true
}

// problem binds the trainable parameters to a graph.
type problem struct {
	g          *graph.Graph
	thresholds []threshold
	trained    []int // node ids with trainable kernels, topological order
}

func newProblem(g *graph.Graph, trainWeights bool) (*problem, state) {
	p := &problem{g: g}
	s := state{kernels: map[int]*tensor.Tensor{}}
	for _, n := range g.Quantizable() {
		c, _ := n.SelectedCandidate()
		if c.HasWeights() && c.Weights.Method != quant.PowerOfTwo {
			if len(c.WeightChannels) > 0 {
				for j, q := range c.WeightChannels {
					p.add(threshold{node: n.ID, side: weightSide, channel: j, base: q}, &s)
				}
			} else {
				p.add(threshold{node: n.ID, side: weightSide, channel: -1, base: c.Weights}, &s)
			}
		}
		if c.HasActivation() && c.Activation.Method != quant.PowerOfTwo {
			p.add(threshold{node: n.ID, side: activationSide, channel: -1, base: c.Activation}, &s)
		}
		if trainWeights && c.HasWeights() && n.Kernel() != nil {
			k := n.RefinedKernel()
			if k == nil {
				k = n.Kernel()
			}
			p.trained = append(p.trained, n.ID)
			s.kernels[n.ID] = k.Clone()
		}
	}
	return p, s
}

func (p *problem) add(t threshold, s *state) {
	t.log0 = math.Log(t.base.Threshold)
	p.thresholds = append(p.thresholds, t)
	s.logT = append(s.logT, t.log0)
}

// plan builds a quantized executor plan for s.
func (p *problem) plan(s state) executor.Plan {
	cands := make(map[int]graph.Candidate)
	for i, t := range p.thresholds {
		c, ok := cands[t.node]
		if !ok {
			c, _ = p.g.Node(t.node).SelectedCandidate()
			c.WeightChannels = c.WeightChannels.Clone()
		}
		q := t.params(s.logT[i])
		switch {
		case t.side == activationSide:
			c.Activation = q
		case t.channel >= 0:
			c.WeightChannels[t.channel] = q
		default:
			c.Weights = q
		}
		cands[t.node] = c
	}
	return executor.Plan{Quantize: true, Candidates: cands, Kernels: s.kernels}
}

// apply stores s on the graph.
func (p *problem) apply(s state) error {
	channels := make(map[int]quant.Channels)
	for i, t := range p.thresholds {
		q := t.params(s.logT[i])
		n := p.g.Node(t.node)
		if t.channel >= 0 {
			ch, ok := channels[t.node]
			if !ok {
				c, _ := n.SelectedCandidate()
				ch = c.WeightChannels.Clone()
				channels[t.node] = ch
			}
			ch[t.channel] = q
			continue
		}
		var w, a quant.Params
		if t.side == weightSide {
			w = q
		} else {
			a = q
		}
		if err := p.g.SetParams(t.node, n.Selected(), w, a); err != nil {
			return err
		}
	}
	for id, ch := range channels {
		if err := p.g.SetWeightChannels(id, p.g.Node(id).Selected(), ch); err != nil {
			return err
		}
	}
	for _, id := range p.trained {
		if err := p.g.SetRefinedKernel(id, s.kernels[id]); err != nil {
			return err
		}
	}
	return nil
}
