package gptq

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/mpq/internal/dataset"
	"github.com/samcharles93/mpq/internal/executor"
	"github.com/samcharles93/mpq/internal/op"
	"github.com/samcharles93/mpq/internal/tensor"
)

func meanSquared(a, b *tensor.Tensor) float64 {
	var s float64
	for i := range a.Data {
		d := a.Data[i] - b.Data[i]
		s += d * d
	}
	return s / float64(max(len(a.Data), 1))
}

// loss runs the quantized graph under s and compares it with ref.
func (r *Refiner) loss(ctx context.Context, p *problem, s state, batch dataset.Batch, ref *executor.Result) (float64, *executor.Result, error) {
	q, err := executor.Run(ctx, p.g, batch, p.plan(s))
	if err != nil {
		return 0, nil, err
	}
	var inner float64
	nodes := p.g.Quantizable()
	for _, n := range nodes {
		tid := n.Output()
		inner += meanSquared(ref.Values[tid], q.Values[tid])
	}
	if len(nodes) > 0 {
		inner /= float64(len(nodes))
	}
	var outer float64
	outs := p.g.Outputs()
	for _, tid := range outs {
		outer += meanSquared(ref.Values[tid], q.Values[tid])
	}
	outer /= float64(max(len(outs), 1))
	return r.cfg.IntermediateWeight*inner + r.cfg.OutputWeight*outer, q, nil
}

// thresholdGrad fills grad with central differences of the loss in each
// log-threshold. Differences run in parallel on private copies of the vector.
func (r *Refiner) thresholdGrad(ctx context.Context, p *problem, s state, batch dataset.Batch, ref *executor.Result, grad []float64) error {
	eg, egctx := errgroup.WithContext(ctx)
	if r.cfg.Workers > 0 {
		eg.SetLimit(r.cfg.Workers)
	}
	h := r.cfg.Step
	for k := range s.logT {
		eg.Go(func() error {
			shifted := state{logT: append([]float64(nil), s.logT...), kernels: s.kernels}
			shifted.logT[k] = s.logT[k] + h
			up, _, err := r.loss(egctx, p, shifted, batch, ref)
			if err != nil {
				return err
			}
			shifted.logT[k] = s.logT[k] - h
			down, _, err := r.loss(egctx, p, shifted, batch, ref)
			if err != nil {
				return err
			}
			grad[k] = (up - down) / (2 * h)
			return nil
		})
	}
	return eg.Wait()
}

// kernelGrad fills grad with the gradient of the node's pre-activation
// reconstruction error, treating fake quantization as identity.
func (r *Refiner) kernelGrad(p *problem, s state, id int, ref, q *executor.Result, grad []float64) error {
	n := p.g.Node(id)
	spec, err := op.Lookup(n.Kind)
	if err != nil {
		return err
	}
	c, ok := p.plan(s).Candidates[id]
	if !ok {
		c, _ = n.SelectedCandidate()
	}
	k := s.kernels[id]
	wq := tensor.New(k.Shape...)
	c.FakeQuantWeights(wq.Data, k.Data)

	xq, xf := q.Values[n.Inputs[0]], ref.Values[n.Inputs[0]]
	qw := op.Weights{op.WeightKernel: wq}
	if b, ok := n.Weights[op.WeightBias]; ok {
		qw[op.WeightBias] = b
	}
	zq, err := spec.Forward([]*tensor.Tensor{xq}, n.Attrs, qw)
	if err != nil {
		return fmt.Errorf("node %q: %w", n.Name, err)
	}
	zf, err := spec.Forward([]*tensor.Tensor{xf}, n.Attrs, n.Weights)
	if err != nil {
		return fmt.Errorf("node %q: %w", n.Name, err)
	}

	dz := tensor.New(zq.Shape...)
	scale := 2 / float64(max(zq.Len(), 1))
	for i := range dz.Data {
		dz.Data[i] = scale * (zq.Data[i] - zf.Data[i])
	}
	var g *tensor.Tensor
	switch n.Kind {
	case op.Dense:
		g, err = tensor.DenseKernelGrad(dz, xq)
	case op.Conv2D:
		g, err = tensor.Conv2DKernelGrad(dz, xq, k.Shape[2], k.Shape[3], n.Attrs.Geometry())
	default:
		return fmt.Errorf("node %q: no kernel gradient for %s", n.Name, n.Kind)
	}
	if err != nil {
		return err
	}
	copy(grad, g.Data)
	return nil
}
