package search

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/mpq/internal/capability"
	"github.com/samcharles93/mpq/internal/errdefs"
	"github.com/samcharles93/mpq/internal/graph"
	"github.com/samcharles93/mpq/internal/graph/graphtest"
	"github.com/samcharles93/mpq/internal/kpi"
	"github.com/samcharles93/mpq/internal/op"
	"github.com/samcharles93/mpq/internal/sensitivity"
)

// threeNodes has three 20-parameter Dense nodes with {8,4}-bit weights:
// 20 or 10 bytes each.
func threeNodes(t *testing.T) (*graph.Graph, *sensitivity.Scores) {
	t.Helper()
	g := graphtest.Build(t, graphtest.DenseStack(1, 5, 4, 5, 4), graphtest.WeightsOnly(8, 4))
	s := &sensitivity.Scores{Nodes: map[int][]float64{}}
	for _, n := range g.Quantizable() {
		s.Nodes[n.ID] = []float64{1, 5}
	}
	return g, s
}

func newEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(Config{})
	require.NoError(t, err)
	return e
}

func TestThreeNodeScenario(t *testing.T) {
	t.Parallel()
	g, scores := threeNodes(t)
	sol, err := newEngine(t).Search(context.Background(), g, scores, kpi.Budget{kpi.WeightMemory: 45})
	require.NoError(t, err)

	var low, high int
	for _, n := range g.Quantizable() {
		switch n.Candidates[sol.Assignment[n.ID]].WeightBits {
		case 4:
			low++
		case 8:
			high++
		}
	}
	assert.Equal(t, 2, low)
	assert.Equal(t, 1, high)
	assert.Equal(t, 40.0, sol.Usage.WeightMemory)
	assert.Equal(t, 11.0, sol.Sensitivity)
	assert.Equal(t, 2, sol.Steps)

	// Ties resolve in topological order.
	nodes := g.Quantizable()
	assert.Equal(t, map[int]int{nodes[0].ID: 1, nodes[1].ID: 1, nodes[2].ID: 0}, sol.Assignment)
}

func TestPrefersLeastSensitiveNode(t *testing.T) {
	t.Parallel()
	g, scores := threeNodes(t)
	nodes := g.Quantizable()
	scores.Nodes[nodes[2].ID] = []float64{1, 2}
	sol, err := newEngine(t).Search(context.Background(), g, scores, kpi.Budget{kpi.WeightMemory: 50})
	require.NoError(t, err)
	assert.Equal(t, 1, sol.Assignment[nodes[2].ID])
	assert.Equal(t, 0, sol.Assignment[nodes[0].ID])
	assert.Equal(t, 1, sol.Steps)
}

func TestLooseBudgetKeepsHighestPrecision(t *testing.T) {
	t.Parallel()
	g, scores := threeNodes(t)
	sol, err := newEngine(t).Search(context.Background(), g, scores, kpi.Budget{kpi.WeightMemory: 1000})
	require.NoError(t, err)
	assert.Equal(t, 0, sol.Steps)
	for _, idx := range sol.Assignment {
		assert.Equal(t, 0, idx)
	}
	assert.Equal(t, 3.0, sol.Sensitivity)
}

func TestNoQuantizableNodes(t *testing.T) {
	t.Parallel()
	caps := &capability.Model{Name: "float", PassthroughKinds: []op.Kind{op.Input, op.Dense, op.ReLU}}
	require.NoError(t, caps.Validate())
	g := graphtest.Build(t, graphtest.MLP(1, 3, 3, 2), caps)

	sol, err := newEngine(t).Search(context.Background(), g, &sensitivity.Scores{}, kpi.Budget{kpi.WeightMemory: 0})
	require.NoError(t, err)
	assert.Empty(t, sol.Assignment)
	assert.Zero(t, sol.Sensitivity)
	assert.Equal(t, kpi.Vector{}, sol.Usage)
}

func TestInfeasibleBudgetFailsBeforeSearch(t *testing.T) {
	t.Parallel()
	g, scores := threeNodes(t)
	_, err := newEngine(t).Search(context.Background(), g, scores, kpi.Budget{kpi.WeightMemory: 29})
	require.ErrorIs(t, err, errdefs.ErrInfeasibleBudget)
	assert.NotErrorIs(t, err, errdefs.ErrSearchInfeasible)
}

func TestStepLimitReportsSearchInfeasible(t *testing.T) {
	t.Parallel()
	g, scores := threeNodes(t)
	e, err := New(Config{MaxSteps: 1})
	require.NoError(t, err)
	_, err = e.Search(context.Background(), g, scores, kpi.Budget{kpi.WeightMemory: 30})
	var infeasible *errdefs.SearchInfeasibleError
	require.ErrorAs(t, err, &infeasible)
	assert.Equal(t, 1, infeasible.Steps)
	assert.Equal(t, []string{"weight_memory"}, infeasible.Dimensions)
}

func TestBudgetsAtOrAboveMinimumAreMet(t *testing.T) {
	t.Parallel()
	g := graphtest.Build(t, graphtest.ConvNet(3, 2, 4, 4, 3, 2), capability.Default())
	scores := &sensitivity.Scores{Nodes: map[int][]float64{}}
	for _, n := range g.Quantizable() {
		for i := range n.Candidates {
			scores.Nodes[n.ID] = append(scores.Nodes[n.ID], float64(i*(n.ID+1)))
		}
	}
	m := kpi.New(g)
	_, lo := m.Min()
	_, hi := m.Max()

	for _, f := range []float64{0, 0.25, 0.5, 0.9, 1} {
		budget := kpi.Budget{
			kpi.WeightMemory: lo.WeightMemory + f*(hi.WeightMemory-lo.WeightMemory),
			kpi.Compute:      lo.Compute + f*(hi.Compute-lo.Compute),
		}
		sol, err := newEngine(t).Search(context.Background(), g, scores, budget)
		require.NoError(t, err, "fraction %g", f)
		assert.True(t, budget.Satisfied(sol.Usage), "fraction %g: %s", f, sol.Usage)
		assert.Equal(t, m.Vector(sol.Assignment), sol.Usage)
	}
}

func TestMissingScores(t *testing.T) {
	t.Parallel()
	g, _ := threeNodes(t)
	_, err := newEngine(t).Search(context.Background(), g, &sensitivity.Scores{}, nil)
	require.ErrorIs(t, err, errdefs.ErrStaleSensitivity)
}

func TestDescentStopsAtNextLowerCandidate(t *testing.T) {
	t.Parallel()
	// One 20-parameter node at 8, 4 or 2 bits: 20, 10 or 5 bytes.
	g := graphtest.Build(t, graphtest.DenseStack(1, 5, 4), graphtest.WeightsOnly(8, 4, 2))
	n := g.Quantizable()[0]
	scores := &sensitivity.Scores{Nodes: map[int][]float64{n.ID: {0, 1, 1.2}}}

	sol, err := newEngine(t).Search(context.Background(), g, scores, kpi.Budget{kpi.WeightMemory: 15})
	require.NoError(t, err)
	assert.Equal(t, 1, sol.Assignment[n.ID], "w4 fits; w2 is never considered from w8")
	assert.Equal(t, 4, n.Candidates[sol.Assignment[n.ID]].WeightBits)
	assert.Equal(t, 1.0, sol.Sensitivity)
	assert.Equal(t, 10.0, sol.Usage.WeightMemory)
	assert.Equal(t, 1, sol.Steps)
}

func TestEqualEfficiencyReducesLargerNodeFirst(t *testing.T) {
	t.Parallel()
	// d1 holds 20 parameters, d2 holds 40.
	g := graphtest.Build(t, graphtest.DenseStack(1, 5, 4, 10), graphtest.WeightsOnly(8, 4))
	d1, ok := g.NodeByName("d1")
	require.True(t, ok)
	d2, ok := g.NodeByName("d2")
	require.True(t, ok)
	// Saving 10 bytes costs 1 on d1, saving 20 costs 2 on d2.
	scores := &sensitivity.Scores{Nodes: map[int][]float64{
		d1.ID: {0, 1},
		d2.ID: {0, 2},
	}}

	sol, err := newEngine(t).Search(context.Background(), g, scores, kpi.Budget{kpi.WeightMemory: 50})
	require.NoError(t, err)
	assert.Equal(t, map[int]int{d1.ID: 0, d2.ID: 1}, sol.Assignment)
	assert.Equal(t, 40.0, sol.Usage.WeightMemory)
	assert.Equal(t, 1, sol.Steps)
}

func TestNextLower(t *testing.T) {
	t.Parallel()
	c := func(w, a int) graph.Candidate { return graph.Candidate{WeightBits: w, ActivationBits: a} }
	cands := []graph.Candidate{c(8, 8), c(8, 4), c(4, 8), c(4, 4), c(2, 8), c(2, 4)}

	var got []int
	for j := range cands {
		if nextLower(cands, 0, j) {
			got = append(got, j)
		}
	}
	assert.Equal(t, []int{1, 2}, got)
	assert.True(t, nextLower(cands, 2, 3))
	assert.True(t, nextLower(cands, 2, 4))
	assert.False(t, nextLower(cands, 2, 5), "w4a4 and w2a8 lie between")
	assert.False(t, nextLower(cands, 3, 0))
}
