package graph_test

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/mpq/internal/capability"
	"github.com/samcharles93/mpq/internal/errdefs"
	"github.com/samcharles93/mpq/internal/graph"
	"github.com/samcharles93/mpq/internal/graph/graphtest"
	"github.com/samcharles93/mpq/internal/model"
	"github.com/samcharles93/mpq/internal/op"
	"github.com/samcharles93/mpq/pkg/quant"
)

func TestBuildFusesDenseReLU(t *testing.T) {
	t.Parallel()
	g := graphtest.Build(t, graphtest.MLP(1, 4, 6, 2), capability.Default())

	names := []string{}
	for _, n := range g.Nodes() {
		names = append(names, n.Name)
	}
	assert.Equal(t, []string{"x", "fc1", "fc2"}, names)

	fc1, ok := g.NodeByName("fc1")
	require.True(t, ok)
	assert.Equal(t, op.ReLU, fc1.PostOp)
	assert.Equal(t, []string{"relu1"}, fc1.Fused)
	assert.Equal(t, capability.Unsigned, fc1.Signedness)
	assert.Equal(t, "relu1", g.Tensor(fc1.Output()).Name)
	assert.Equal(t, []int{6}, g.Tensor(fc1.Output()).Shape)
	assert.Equal(t, int64(24), fc1.MACs)

	want := []graph.Candidate{
		{WeightBits: 8, ActivationBits: 8},
		{WeightBits: 4, ActivationBits: 8},
		{WeightBits: 2, ActivationBits: 8},
	}
	if diff := cmp.Diff(want, fc1.Candidates); diff != "" {
		t.Fatalf("candidates mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 0, fc1.Selected())

	fc2, _ := g.NodeByName("fc2")
	assert.Equal(t, capability.Auto, fc2.Signedness)
	assert.Equal(t, []int{fc2.Output()}, g.Outputs())
	assert.Equal(t, uint64(1), g.Revision())
}

func TestCandidatesAreOrderedByDominance(t *testing.T) {
	t.Parallel()
	caps := &capability.Model{
		OpSets: []capability.OpSet{
			{Name: "fc", Kinds: []op.Kind{op.Dense}, WeightBits: []int{4, 8}, ActivationBits: []int{4, 8}},
		},
		PassthroughKinds: []op.Kind{op.Input},
	}
	require.NoError(t, caps.Validate())
	g := graphtest.Build(t, graphtest.DenseChain(3, 1, 4), caps)
	n := g.Quantizable()[0]
	require.Len(t, n.Candidates, 4)
	assert.Equal(t, "w8a8", n.Candidates[0].String())
	assert.Equal(t, "w4a4", n.Candidates[3].String())
	for i := range n.Candidates {
		assert.True(t, n.Candidates[0].Dominates(n.Candidates[i]))
		assert.True(t, n.Candidates[i].Dominates(n.Candidates[3]))
	}
}

func TestBuildFoldsBatchNorm(t *testing.T) {
	t.Parallel()
	m := graphtest.ConvNet(5, 2, 4, 4, 3, 2)
	conv, _ := m.Layer("conv")
	origKernel := conv.Params[op.WeightKernel].Clone()
	origBias := conv.Params[op.WeightBias].Clone()
	bn, _ := m.Layer("bn")

	g := graphtest.Build(t, m, capability.Default())
	n, ok := g.NodeByName("conv")
	require.True(t, ok)
	assert.Equal(t, []string{"bn", "relu"}, n.Fused)
	assert.Equal(t, op.ReLU, n.PostOp)
	assert.Equal(t, []int{3, 4, 4}, g.Tensor(n.Output()).Shape)

	s := 1.5 / math.Sqrt(0.5+op.DefaultEpsilon)
	assert.InDelta(t, origKernel.Data[0]*s, n.Kernel().Data[0], 1e-12)
	for o := range 3 {
		want := (origBias.Data[o]-bn.Params[op.WeightMean].Data[o])*s + bn.Params[op.WeightBeta].Data[o]
		assert.InDelta(t, want, n.Weights[op.WeightBias].Data[o], 1e-12)
	}
	// The model keeps its float weights.
	assert.Equal(t, origKernel.Data, conv.Params[op.WeightKernel].Data)

	flat, ok := g.NodeByName("flat")
	require.True(t, ok)
	assert.False(t, flat.Quantizable())
	assert.Equal(t, -1, flat.Selected())
	assert.Equal(t, []int{48}, g.Tensor(flat.Output()).Shape)
}

func TestOutputTensorIsNotFusedAway(t *testing.T) {
	t.Parallel()
	m := graphtest.MLP(1, 3, 3, 1)
	m.Outputs = []string{"fc1", "fc2"}
	g := graphtest.Build(t, m, capability.Default())
	fc1, _ := g.NodeByName("fc1")
	assert.Empty(t, fc1.Fused)
	_, ok := g.NodeByName("relu1")
	assert.True(t, ok)
	assert.Len(t, g.Outputs(), 2)
}

func TestWithoutFusion(t *testing.T) {
	t.Parallel()
	g := graphtest.Build(t, graphtest.MLP(1, 3, 3, 1), capability.Default(), graph.WithoutFusion())
	assert.Equal(t, 4, g.NumNodes())
}

func TestBuildDetectsCycle(t *testing.T) {
	t.Parallel()
	m := model.New("loop").AddInput("x", 2).
		AddLayer("a", op.Add, []string{"x", "b"}, op.Attrs{}, nil).
		AddLayer("b", op.ReLU, []string{"a"}, op.Attrs{}, nil).
		AddLayer("c", op.ReLU, []string{"x"}, op.Attrs{}, nil).
		SetOutputs("c")
	_, err := graph.Build(m, capability.Default())
	require.ErrorIs(t, err, errdefs.ErrGraphCycle)
	var cycle *errdefs.GraphCycleError
	require.ErrorAs(t, err, &cycle)
	assert.Equal(t, []string{"a", "b"}, cycle.Nodes)
}

func TestBuildRejectsUnsupportedOperator(t *testing.T) {
	t.Parallel()
	unknown := model.New("m").AddInput("x", 2).
		AddLayer("s", op.Kind("Softmax"), []string{"x"}, op.Attrs{}, nil).
		SetOutputs("s")
	_, err := graph.Build(unknown, capability.Default())
	var unsupported *errdefs.UnsupportedOperatorError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, "s", unsupported.Layer)

	noEntry := model.New("m").AddInput("x", 2).
		AddLayer("t", op.Tanh, []string{"x"}, op.Attrs{}, nil).
		SetOutputs("t")
	_, err = graph.Build(noEntry, graphtest.WeightsOnly(8))
	require.ErrorIs(t, err, errdefs.ErrUnsupportedOperator)
}

func TestBuildRejectsInvalidModels(t *testing.T) {
	t.Parallel()
	cases := map[string]*model.Model{
		"dangling input": model.New("m").AddInput("x", 2).
			AddLayer("r", op.ReLU, []string{"y"}, op.Attrs{}, nil).SetOutputs("r"),
		"duplicate name": model.New("m").AddInput("x", 2).
			AddLayer("x", op.ReLU, []string{"x"}, op.Attrs{}, nil).SetOutputs("x"),
		"no outputs": model.New("m").AddInput("x", 2).
			AddLayer("r", op.ReLU, []string{"x"}, op.Attrs{}, nil),
		"missing kernel": model.New("m").AddInput("x", 2).
			AddLayer("fc", op.Dense, []string{"x"}, op.Attrs{}, nil).SetOutputs("fc"),
		"kernel shape": model.New("m").AddInput("x", 2).
			AddLayer("fc", op.Dense, []string{"x"}, op.Attrs{}, op.Weights{op.WeightKernel: graphtest.Rand(1, 1, 3, 5)}).
			SetOutputs("fc"),
		"arity": model.New("m").AddInput("x", 2).
			AddLayer("r", op.ReLU, []string{"x", "x"}, op.Attrs{}, nil).SetOutputs("r"),
	}
	for name, m := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := graph.Build(m, capability.Default())
			require.ErrorIs(t, err, errdefs.ErrInvalidModel)
		})
	}
}

func TestSelectionAndParams(t *testing.T) {
	t.Parallel()
	g := graphtest.Build(t, graphtest.DenseChain(1, 2, 3), graphtest.WeightsOnly(8, 4))
	nodes := g.Quantizable()
	require.Len(t, nodes, 2)
	a, b := nodes[0], nodes[1]

	require.ErrorIs(t, g.Select(a.ID, 2), errdefs.ErrInvalidAssignment)
	require.ErrorIs(t, g.Apply(map[int]int{a.ID: 1, b.ID: 5}), errdefs.ErrInvalidAssignment)
	assert.Equal(t, 0, a.Selected(), "failed Apply must not partially apply")

	require.NoError(t, g.Apply(map[int]int{a.ID: 1}))
	assert.Equal(t, map[int]int{a.ID: 1, b.ID: 0}, g.Assignment())

	_, ok := g.ActivationParams(a.Output())
	assert.False(t, ok, "weights-only candidates carry no activation params")

	p, err := quant.NewSymmetric(4, 0.5, true)
	require.NoError(t, err)
	rev := g.Revision()
	snap := g.Snapshot()
	require.NoError(t, g.SetParams(a.ID, 1, p, quant.Params{}))
	assert.Greater(t, g.Revision(), rev)
	assert.Equal(t, p, a.Candidates[1].Weights)
	require.ErrorIs(t, g.SetParams(a.ID, 0, p, quant.Params{}), errdefs.ErrInvalidAssignment)

	require.NoError(t, g.SetRefinedKernel(a.ID, a.Kernel()))
	require.NotNil(t, a.RefinedKernel())
	require.Error(t, g.SetRefinedKernel(a.ID, graphtest.Rand(1, 1, 2, 2)))

	g.Restore(snap)
	assert.Equal(t, quant.Params{}, a.Candidates[1].Weights)
	assert.Nil(t, a.RefinedKernel())
	assert.Equal(t, 1, a.Selected())
}

func TestActivationParamsFollowSelection(t *testing.T) {
	t.Parallel()
	g := graphtest.Build(t, graphtest.MLP(2, 3, 3, 1), capability.Default())
	fc2, _ := g.NodeByName("fc2")
	_, ok := g.ActivationParams(fc2.Output())
	assert.False(t, ok, "uncalibrated")

	p, err := quant.NewSymmetric(8, 2, true)
	require.NoError(t, err)
	require.NoError(t, g.SetParams(fc2.ID, 0, quant.Params{}, p))
	got, ok := g.ActivationParams(fc2.Output())
	require.True(t, ok)
	assert.Equal(t, p, got)
}

func TestWeightChannels(t *testing.T) {
	t.Parallel()
	g := graphtest.Build(t, graphtest.DenseStack(4, 3, 2), graphtest.PerChannelWeights(8, 4))
	d1, ok := g.NodeByName("d1")
	require.True(t, ok)
	assert.True(t, d1.PerChannel)

	lo, err := quant.NewSymmetric(4, 0.25, true)
	require.NoError(t, err)
	hi, err := quant.NewSymmetric(4, 1, true)
	require.NoError(t, err)
	ch := quant.Channels{lo, hi}

	snap := g.Snapshot()
	rev := g.Revision()
	require.NoError(t, g.SetWeightChannels(d1.ID, 1, ch))
	assert.Greater(t, g.Revision(), rev)
	ch[0].Threshold = 9
	assert.Equal(t, 0.25, d1.Candidates[1].WeightChannels[0].Threshold, "stored channels are copied")

	require.ErrorIs(t, g.SetWeightChannels(d1.ID, 0, quant.Channels{lo, hi}), errdefs.ErrInvalidAssignment, "bits mismatch")
	require.ErrorIs(t, g.SetWeightChannels(d1.ID, 1, quant.Channels{lo}), errdefs.ErrInvalidAssignment, "channel count")

	c := d1.Candidates[1]
	c.Weights = hi
	src := d1.Kernel().Data
	dst := make([]float64, len(src))
	c.FakeQuantWeights(dst, src)
	for i, v := range src {
		want := lo
		if i >= len(src)/2 {
			want = hi
		}
		assert.Equal(t, want.FakeQuant(v), dst[i])
	}
	assert.Len(t, c.EncodeWeights(src), len(src))

	g.Restore(snap)
	assert.Nil(t, d1.Candidates[1].WeightChannels)
}

func TestScaleInput(t *testing.T) {
	t.Parallel()
	g := graphtest.Build(t, graphtest.DenseStack(5, 3, 2), graphtest.WeightsOnly(8))
	x, _ := g.NodeByName("x")
	d1, _ := g.NodeByName("d1")
	before := d1.Kernel().Clone()

	rev := g.Revision()
	require.NoError(t, g.ScaleInput(x.ID, d1.ID, 2))
	require.NoError(t, g.ScaleInput(x.ID, d1.ID, 1.5))
	assert.Greater(t, g.Revision(), rev)
	assert.InDelta(t, 3, x.InputScale, 1e-15)
	for i, v := range before.Data {
		assert.InDelta(t, v/3, d1.Kernel().Data[i], 1e-15)
	}

	require.ErrorIs(t, g.ScaleInput(d1.ID, d1.ID, 2), errdefs.ErrInvalidAssignment)
	require.ErrorIs(t, g.ScaleInput(x.ID, d1.ID, 0), errdefs.ErrInvalidAssignment)
	require.ErrorIs(t, g.ScaleInput(x.ID, d1.ID, math.Inf(1)), errdefs.ErrInvalidAssignment)
}
