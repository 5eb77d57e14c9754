package calibrate

import (
	"context"

	"github.com/samcharles93/mpq/internal/graph"
	"github.com/samcharles93/mpq/internal/logger"
	"github.com/samcharles93/mpq/internal/op"
	"github.com/samcharles93/mpq/internal/stats"
)

// scaleSlack keeps a rescaled range just inside its threshold, so the
// power-of-two round-up lands on the same threshold again.
const scaleSlack = 1e-12

// scaleTolerance is the relative headroom below which an input is already
// aligned with its threshold.
const scaleTolerance = 1e-9

// Scaling is one input range stretched onto its constrained threshold.
type Scaling struct {
	Input  string  `json:"input"`
	Linear string  `json:"linear"`
	Factor float64 `json:"factor"`
}

// scaleInvariant kinds commute with multiplication by a positive constant.
var scaleInvariant = map[op.Kind]bool{
	op.Flatten:  true,
	op.Reshape:  true,
	op.Identity: true,
	op.Dropout:  true,
	op.ReLU:     true,
}

// ScaleInputs stretches each graph input whose top-candidate threshold
// exceeds its observed range so the range fills the threshold, and divides
// the first downstream kernel by the same factor. The float function is
// unchanged. Input statistics are rescaled and kernel statistics rebuilt;
// the caller recalibrates afterwards.
//
// Only inputs reaching a Dense or Conv2D kernel through a chain of
// single-consumer, non-quantized, scale-invariant nodes are touched.
func ScaleInputs(ctx context.Context, g *graph.Graph, col *stats.Collector) ([]Scaling, error) {
	if !col.Frozen() {
		return nil, ErrNotCollected
	}
	log := logger.FromContext(ctx).With("stage", "input_scaling")

	var out []Scaling
	for _, tid := range g.Inputs() {
		in := g.Producer(tid)
		if !in.Quantizable() || !in.Candidates[0].HasActivation() {
			continue
		}
		p := in.Candidates[0].Activation
		if err := p.Validate(); err != nil {
			return nil, ErrNotCalibrated
		}
		r, ok := col.Activation(tid)
		if !ok {
			continue
		}
		m := r.MaxAbs()
		if !(m > 0) || p.Threshold <= m*(1+scaleTolerance) {
			continue
		}
		lin := scaleTarget(g, tid)
		if lin == nil {
			log.Debug("input not scalable", "input", in.Name)
			continue
		}

		s := p.Threshold / m * (1 - scaleSlack)
		if err := g.ScaleInput(in.ID, lin.ID, s); err != nil {
			return nil, err
		}
		if err := col.ScaleActivation(tid, s); err != nil {
			return nil, err
		}
		if _, ok := col.Weights(lin.ID); ok {
			if err := col.RefreshWeights(lin); err != nil {
				return nil, err
			}
		}
		out = append(out, Scaling{Input: in.Name, Linear: lin.Name, Factor: s})
		log.Info("input scaled", "input", in.Name, "linear", lin.Name, "factor", s, "threshold", p.Threshold)
	}
	return out, nil
}

// scaleTarget follows tid to the Dense or Conv2D node whose kernel absorbs
// the scale, or returns nil.
func scaleTarget(g *graph.Graph, tid int) *graph.Node {
	for {
		t := g.Tensor(tid)
		if len(t.Consumers) != 1 || g.IsOutput(tid) {
			return nil
		}
		n := g.Node(t.Consumers[0])
		switch {
		case n.Kind == op.Dense || n.Kind == op.Conv2D:
			if n.Kernel() == nil || len(n.Inputs) == 0 || n.Inputs[0] != tid {
				return nil
			}
			return n
		case scaleInvariant[n.Kind] && !n.Quantizable() && n.PostOp == "" && len(n.Outputs) == 1:
			tid = n.Output()
		default:
			return nil
		}
	}
}
