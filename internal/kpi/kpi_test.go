package kpi

import (
	"maps"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/mpq/internal/capability"
	"github.com/samcharles93/mpq/internal/errdefs"
	"github.com/samcharles93/mpq/internal/graph/graphtest"
	"github.com/samcharles93/mpq/internal/op"
)

func TestWeightMemoryScenario(t *testing.T) {
	t.Parallel()
	g := graphtest.Build(t, graphtest.DenseStack(1, 5, 4, 5, 4), graphtest.WeightsOnly(8, 4))
	m := New(g)

	_, hi := m.Max()
	_, lo := m.Min()
	assert.Equal(t, 60.0, hi.WeightMemory)
	assert.Equal(t, 30.0, lo.WeightMemory)
	assert.Equal(t, 0.0, hi.ActivationMemory, "unquantized activations are not counted")
	assert.Equal(t, float64(3*20*8*FloatBits), hi.Compute)
	assert.Equal(t, float64(3*20*4*FloatBits), lo.Compute)

	nodes := g.Quantizable()
	mixed := map[int]int{nodes[0].ID: 1, nodes[1].ID: 1, nodes[2].ID: 0}
	assert.Equal(t, 40.0, m.Vector(mixed).WeightMemory)
	assert.Equal(t, 10.0, m.Footprint(mixed, nodes[0].ID).WeightMemory)
	assert.Equal(t, 20.0, m.Footprint(mixed, nodes[2].ID).WeightMemory)
}

func TestMLPVector(t *testing.T) {
	t.Parallel()
	g := graphtest.Build(t, graphtest.MLP(1, 3, 5, 2), capability.Default())
	m := New(g)

	_, hi := m.Max()
	// 25 kernel values at 8 bits plus 7 float32 biases.
	assert.Equal(t, Vector{WeightMemory: 25 + 28, ActivationMemory: 8, Compute: 960 + 640 + 24}, hi)

	_, lo := m.Min()
	assert.Equal(t, 25.0*2/8+28, lo.WeightMemory)
	assert.Equal(t, 8.0, lo.ActivationMemory)
	assert.Less(t, lo.Compute, hi.Compute)
}

func TestPerCandidateCostIsMonotone(t *testing.T) {
	t.Parallel()
	g := graphtest.Build(t, graphtest.ConvNet(2, 2, 4, 4, 3, 2), capability.Default())
	m := New(g)
	base, _ := m.Max()
	for _, n := range g.Quantizable() {
		for i, ci := range n.Candidates {
			for j, cj := range n.Candidates {
				if !cj.Dominates(ci) {
					continue
				}
				a, b := clone(base), clone(base)
				a[n.ID], b[n.ID] = i, j
				va, vb := m.Vector(a), m.Vector(b)
				for _, d := range Dimensions {
					assert.LessOrEqual(t, va.Get(d), vb.Get(d), "%s %s vs %s on %s", n.Name, ci, cj, d)
				}
			}
		}
	}
}

func TestCheckFeasible(t *testing.T) {
	t.Parallel()
	g := graphtest.Build(t, graphtest.DenseStack(1, 5, 4, 5, 4), graphtest.WeightsOnly(8, 4))
	m := New(g)

	require.NoError(t, m.CheckFeasible(Budget{WeightMemory: 30}))
	require.NoError(t, m.CheckFeasible(nil))

	err := m.CheckFeasible(Budget{WeightMemory: 29, Compute: 1e9})
	var infeasible *errdefs.InfeasibleBudgetError
	require.ErrorAs(t, err, &infeasible)
	assert.Equal(t, []string{"weight_memory"}, infeasible.Dimensions)
	assert.Equal(t, 30.0, infeasible.Minimum["weight_memory"])
	assert.Equal(t, 29.0, infeasible.Limit["weight_memory"])
	require.ErrorIs(t, err, errdefs.ErrInfeasibleBudget)

	require.ErrorIs(t, m.CheckFeasible(Budget{"latency": 1}), errdefs.ErrInvalidConfig)
	require.ErrorIs(t, m.CheckFeasible(Budget{Compute: -1}), errdefs.ErrInvalidConfig)
}

func TestBudgetViolated(t *testing.T) {
	t.Parallel()
	b := Budget{WeightMemory: 10, Compute: 5}
	v := Vector{WeightMemory: 11, ActivationMemory: 1e6, Compute: 5}
	assert.Equal(t, []Dimension{WeightMemory}, b.Violated(v))
	assert.False(t, b.Satisfied(v))
	assert.True(t, Budget{}.Satisfied(v))
}

func TestParseDimension(t *testing.T) {
	t.Parallel()
	d, err := ParseDimension("Weight-Memory")
	require.NoError(t, err)
	assert.Equal(t, WeightMemory, d)
	_, err = ParseDimension("latency")
	assert.Error(t, err)
}

func TestNoQuantizableNodes(t *testing.T) {
	t.Parallel()
	caps := &capability.Model{
		Name:             "float",
		PassthroughKinds: []op.Kind{op.Input, op.Dense, op.ReLU},
	}
	require.NoError(t, caps.Validate())
	g := graphtest.Build(t, graphtest.MLP(1, 3, 3, 2), caps)
	m := New(g)
	a, v := m.Max()
	assert.Empty(t, a)
	assert.Equal(t, Vector{}, v)
}

func clone(a map[int]int) map[int]int { return maps.Clone(a) }
