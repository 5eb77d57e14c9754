package similarity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/mpq/internal/tensor"
)

func TestIdenticalTensorsScoreZero(t *testing.T) {
	t.Parallel()
	a := tensor.MustFromData([]int{2, 3}, []float64{1, -2, 3, 0.5, 0, -1})
	for _, m := range []Metric{MSE, NMSE, MAE, NMAE, KL, Cosine, LP} {
		f, err := m.Get(3)
		require.NoError(t, err)
		d, err := f(a, a.Clone())
		require.NoError(t, err)
		assert.InDelta(t, 0, d, 1e-12, m)
	}
}

func TestKnownValues(t *testing.T) {
	t.Parallel()
	ref := tensor.MustFromData([]int{1, 2}, []float64{3, 4})
	got := tensor.MustFromData([]int{1, 2}, []float64{3, 2})

	tests := []struct {
		metric Metric
		want   float64
	}{
		{MSE, 2},
		{NMSE, 4.0 / 25},
		{MAE, 1},
		{NMAE, 2.0 / 7},
		{LP, 4},
	}
	for _, tc := range tests {
		f, err := tc.metric.Get(3)
		require.NoError(t, err)
		d, err := f(ref, got)
		require.NoError(t, err)
		assert.InDelta(t, tc.want, d, 1e-9, tc.metric)
	}
}

func TestCosineRange(t *testing.T) {
	t.Parallel()
	f, err := Cosine.Get(0)
	require.NoError(t, err)
	a := tensor.MustFromData([]int{2, 2}, []float64{1, 0, 0, 1})
	b := tensor.MustFromData([]int{2, 2}, []float64{-1, 0, 1, 0})
	d, err := f(a, b)
	require.NoError(t, err)
	// Row 0 opposite (1), row 1 orthogonal (0.5).
	assert.InDelta(t, 0.75, d, 1e-12)
}

func TestKLGrowsWithDistortion(t *testing.T) {
	t.Parallel()
	f, err := KL.Get(0)
	require.NoError(t, err)
	ref := tensor.MustFromData([]int{1, 3}, []float64{2, 1, 0})
	near := tensor.MustFromData([]int{1, 3}, []float64{1.9, 1, 0})
	far := tensor.MustFromData([]int{1, 3}, []float64{0, 1, 2})
	dn, err := f(ref, near)
	require.NoError(t, err)
	df, err := f(ref, far)
	require.NoError(t, err)
	assert.Greater(t, dn, 0.0)
	assert.Less(t, dn, df)
}

func TestShapeMismatch(t *testing.T) {
	t.Parallel()
	f, err := MSE.Get(0)
	require.NoError(t, err)
	_, err = f(tensor.New(1, 2), tensor.New(2, 1))
	assert.Error(t, err)
}

func TestMean(t *testing.T) {
	t.Parallel()
	f, err := MAE.Get(0)
	require.NoError(t, err)
	refs := []*tensor.Tensor{tensor.MustFromData([]int{1}, []float64{0}), tensor.MustFromData([]int{1}, []float64{0})}
	gots := []*tensor.Tensor{tensor.MustFromData([]int{1}, []float64{1}), tensor.MustFromData([]int{1}, []float64{3})}
	d, err := Mean(f, refs, gots)
	require.NoError(t, err)
	assert.Equal(t, 2.0, d)

	_, err = Mean(f, refs, gots[:1])
	assert.Error(t, err)
}

func TestParse(t *testing.T) {
	t.Parallel()
	m, err := Parse("")
	require.NoError(t, err)
	assert.Equal(t, NMSE, m)
	m, err = Parse("COSINE")
	require.NoError(t, err)
	assert.Equal(t, Cosine, m)
	m, err = Parse(" nmae ")
	require.NoError(t, err)
	assert.Equal(t, NMAE, m)
	m, err = Parse("kl-divergence")
	require.NoError(t, err)
	assert.Equal(t, KL, m)
	_, err = Parse("hamming")
	assert.Error(t, err)
	_, err = LP.Get(0.5)
	assert.Error(t, err)
}
