// Package graphtest builds small deterministic models and graphs for tests.
package graphtest

import (
	"fmt"
	"testing"

	"github.com/samcharles93/mpq/internal/capability"
	"github.com/samcharles93/mpq/internal/graph"
	"github.com/samcharles93/mpq/internal/model"
	"github.com/samcharles93/mpq/internal/op"
	"github.com/samcharles93/mpq/internal/tensor"
	"github.com/samcharles93/mpq/pkg/quant"
)

// Rand returns a deterministic tensor with values in [-scale, scale).
func Rand(seed int64, scale float64, shape ...int) *tensor.Tensor {
	t := tensor.New(shape...)
	tensor.FillRand(t, seed, -scale, scale)
	return t
}

// MLP is x[in] -> Dense(hidden) -> ReLU -> Dense(out).
func MLP(seed int64, in, hidden, out int) *model.Model {
	return model.New("mlp").
		AddInput("x", in).
		AddLayer("fc1", op.Dense, []string{"x"}, op.Attrs{}, op.Weights{
			op.WeightKernel: Rand(seed, 0.5, hidden, in),
			op.WeightBias:   Rand(seed+1, 0.1, hidden),
		}).
		AddLayer("relu1", op.ReLU, []string{"fc1"}, op.Attrs{}, nil).
		AddLayer("fc2", op.Dense, []string{"relu1"}, op.Attrs{}, op.Weights{
			op.WeightKernel: Rand(seed+2, 0.5, out, hidden),
			op.WeightBias:   Rand(seed+3, 0.1, out),
		}).
		SetOutputs("fc2")
}

// ConvNet is x[c,h,w] -> Conv2D -> BatchNorm -> ReLU -> Flatten -> Dense(out).
func ConvNet(seed int64, c, h, w, filters, out int) *model.Model {
	flat := filters * h * w
	bn := op.Weights{
		op.WeightGamma:    tensor.New(filters),
		op.WeightBeta:     Rand(seed+3, 0.1, filters),
		op.WeightMean:     Rand(seed+4, 0.1, filters),
		op.WeightVariance: tensor.New(filters),
	}
	bn[op.WeightGamma].Fill(1.5)
	bn[op.WeightVariance].Fill(0.5)
	return model.New("convnet").
		AddInput("x", c, h, w).
		AddLayer("conv", op.Conv2D, []string{"x"}, op.Attrs{Stride: 1, Padding: 1}, op.Weights{
			op.WeightKernel: Rand(seed, 0.4, filters, c, 3, 3),
			op.WeightBias:   Rand(seed+1, 0.1, filters),
		}).
		AddLayer("bn", op.BatchNorm, []string{"conv"}, op.Attrs{}, bn).
		AddLayer("relu", op.ReLU, []string{"bn"}, op.Attrs{}, nil).
		AddLayer("flat", op.Flatten, []string{"relu"}, op.Attrs{}, nil).
		AddLayer("fc", op.Dense, []string{"flat"}, op.Attrs{}, op.Weights{
			op.WeightKernel: Rand(seed+2, 0.2, out, flat),
		}).
		SetOutputs("fc")
}

// DenseChain is x[width] -> n Dense(width) layers in sequence.
func DenseChain(seed int64, n, width int) *model.Model {
	m := model.New("chain").AddInput("x", width)
	prev := "x"
	for i := range n {
		name := "fc" + string(rune('a'+i))
		m.AddLayer(name, op.Dense, []string{prev}, op.Attrs{}, op.Weights{
			op.WeightKernel: Rand(seed+int64(i), 0.6, width, width),
		})
		prev = name
	}
	return m.SetOutputs(prev)
}

// DenseStack is x[widths[0]] -> Dense(widths[1]) -> ... with no biases, so
// layer i holds widths[i-1]*widths[i] parameters.
func DenseStack(seed int64, widths ...int) *model.Model {
	m := model.New("stack").AddInput("x", widths[0])
	prev := "x"
	for i := 1; i < len(widths); i++ {
		name := fmt.Sprintf("d%d", i)
		m.AddLayer(name, op.Dense, []string{prev}, op.Attrs{}, op.Weights{
			op.WeightKernel: Rand(seed+int64(i), 0.5, widths[i], widths[i-1]),
		})
		prev = name
	}
	return m.SetOutputs(prev)
}

// Build builds m against caps, failing the test on error.
func Build(tb testing.TB, m *model.Model, caps capability.Provider, opts ...graph.Option) *graph.Graph {
	tb.Helper()
	g, err := graph.Build(m, caps, opts...)
	if err != nil {
		tb.Fatalf("build graph: %v", err)
	}
	return g
}

// WeightsOnly is a capability model that quantizes only Dense and Conv2D
// kernels, at the given bit-widths. Everything else passes through.
func WeightsOnly(bits ...int) *capability.Model {
	m := &capability.Model{
		Name: "weights-only",
		OpSets: []capability.OpSet{
			{Name: "weighted", Kinds: []op.Kind{op.Dense, op.Conv2D}, WeightBits: bits},
		},
		PassthroughKinds: []op.Kind{op.Input, op.ReLU, op.ReLU6, op.Flatten, op.BatchNorm, op.Add, op.Identity},
	}
	if err := m.Validate(); err != nil {
		panic(err)
	}
	return m
}

// PerChannelWeights is WeightsOnly with one weight threshold per output
// channel.
func PerChannelWeights(bits ...int) *capability.Model {
	m := WeightsOnly(bits...)
	m.Name = "per-channel"
	m.OpSets[0].PerChannel = true
	return m
}

// ScaledInput quantizes the graph input with power-of-two activation
// thresholds and Dense and Conv2D kernels at bits. Everything else passes
// through.
func ScaledInput(bits ...int) *capability.Model {
	m := &capability.Model{
		Name: "scaled-input",
		OpSets: []capability.OpSet{
			{Name: "input", Kinds: []op.Kind{op.Input}, ActivationBits: []int{8}, ActivationMethod: quant.PowerOfTwo},
			{Name: "weighted", Kinds: []op.Kind{op.Dense, op.Conv2D}, WeightBits: bits},
		},
		PassthroughKinds: []op.Kind{op.ReLU, op.ReLU6, op.Flatten, op.BatchNorm, op.Add, op.Identity, op.Dropout},
	}
	if err := m.Validate(); err != nil {
		panic(err)
	}
	return m
}

// Batch builds an input batch of n samples for the graph's single input.
func Batch(g *graph.Graph, seed int64, n int) []*tensor.Tensor {
	var out []*tensor.Tensor
	for i, tid := range g.Inputs() {
		shape := append([]int{n}, g.Tensor(tid).Shape...)
		out = append(out, Rand(seed+int64(i), 1, shape...))
	}
	return out
}
