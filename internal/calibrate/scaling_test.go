package calibrate

import (
	"context"
	"math"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/mpq/internal/capability"
	"github.com/samcharles93/mpq/internal/dataset"
	"github.com/samcharles93/mpq/internal/graph"
	"github.com/samcharles93/mpq/internal/graph/graphtest"
	"github.com/samcharles93/mpq/internal/stats"
)

func collected(t *testing.T, g *graph.Graph) *stats.Collector {
	t.Helper()
	col, err := stats.NewCollector(stats.Config{SampleCount: 2, Bins: 256})
	require.NoError(t, err)
	s := dataset.NewSampler(dataset.NewMemory(graphtest.Batch(g, 5, 16)), dataset.SamplerConfig{})
	require.NoError(t, col.Collect(context.Background(), g, s))
	return col
}

func TestScaleInputsFillsPowerOfTwoThreshold(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g := graphtest.Build(t, graphtest.DenseStack(3, 4, 3), graphtest.ScaledInput(8))
	col := collected(t, g)
	cal := newCalibrator(t, Config{WeightError: NoClipping, ActivationError: NoClipping})
	_, err := cal.Calibrate(ctx, g, col)
	require.NoError(t, err)

	x, ok := g.NodeByName("x")
	require.True(t, ok)
	d1, ok := g.NodeByName("d1")
	require.True(t, ok)
	r, _ := col.Activation(x.Output())
	m, th := r.MaxAbs(), x.Candidates[0].Activation.Threshold
	require.Greater(t, th, m)
	kernel := slices.Clone(d1.Kernel().Data)

	sc, err := ScaleInputs(ctx, g, col)
	require.NoError(t, err)
	require.Len(t, sc, 1)
	assert.Equal(t, "x", sc[0].Input)
	assert.Equal(t, "d1", sc[0].Linear)
	assert.InDelta(t, th/m, sc[0].Factor, 1e-9)
	assert.InDelta(t, th/m, x.InputScale, 1e-9)

	r, _ = col.Activation(x.Output())
	assert.InDelta(t, th, r.MaxAbs(), 1e-9)
	assert.True(t, r.Frozen())
	for i, v := range d1.Kernel().Data {
		assert.InDelta(t, kernel[i], v*sc[0].Factor, 1e-12)
	}
	var peak float64
	for _, v := range kernel {
		peak = math.Max(peak, math.Abs(v))
	}
	w, _ := col.Weights(d1.ID)
	assert.InDelta(t, peak/sc[0].Factor, w.MaxAbs(), 1e-12)

	_, err = cal.Calibrate(ctx, g, col)
	require.NoError(t, err)
	assert.Equal(t, th, x.Candidates[0].Activation.Threshold)

	again, err := ScaleInputs(ctx, g, col)
	require.NoError(t, err)
	assert.Empty(t, again, "aligned inputs are left alone")
}

func TestScaleInputsSkipsUnscalableGraphs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	// The MLP input feeds a Dense kernel but uses symmetric thresholds,
	// which never exceed the observed range.
	g := graphtest.Build(t, graphtest.MLP(2, 4, 6, 3), capability.Default())
	col := collected(t, g)
	_, err := newCalibrator(t, Config{}).Calibrate(ctx, g, col)
	require.NoError(t, err)
	sc, err := ScaleInputs(ctx, g, col)
	require.NoError(t, err)
	assert.Empty(t, sc)

	fresh := graphtest.Build(t, graphtest.DenseStack(3, 4, 3), graphtest.ScaledInput(8))
	_, err = ScaleInputs(ctx, fresh, collected(t, fresh))
	require.ErrorIs(t, err, ErrNotCalibrated)

	unfrozen, err := stats.NewCollector(stats.Config{SampleCount: 1})
	require.NoError(t, err)
	_, err = ScaleInputs(ctx, fresh, unfrozen)
	require.ErrorIs(t, err, ErrNotCollected)
}
