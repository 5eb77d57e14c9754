package quant

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSymmetricRoundTripBound(t *testing.T) {
	t.Parallel()
	for _, bits := range []int{2, 4, 8} {
		for _, thr := range []float64{0.25, 1, 3.7} {
			p, err := NewSymmetric(bits, thr, true)
			require.NoError(t, err)
			delta := thr / math.Exp2(float64(bits-1))
			assert.InDelta(t, delta, p.Delta(), 1e-15)

			rng := rand.New(rand.NewSource(int64(bits)))
			for range 2000 {
				x := (rng.Float64()*2 - 1) * thr
				assert.LessOrEqual(t, math.Abs(x-p.FakeQuant(x)), delta+1e-12, "bits=%d T=%g x=%g", bits, thr, x)
			}
		}
	}
}

func TestSymmetricClipsOutOfRange(t *testing.T) {
	t.Parallel()
	p, err := NewSymmetric(8, 1, true)
	require.NoError(t, err)
	assert.Equal(t, 127, p.Quantize(5))
	assert.Equal(t, -128, p.Quantize(-5))
	assert.InDelta(t, 127.0/128, p.FakeQuant(5), 1e-15)
	assert.InDelta(t, -1, p.FakeQuant(-5), 1e-15)
}

func TestUnsignedGrid(t *testing.T) {
	t.Parallel()
	p, err := NewSymmetric(4, 2, false)
	require.NoError(t, err)
	assert.Equal(t, 0, p.QMin())
	assert.Equal(t, 15, p.QMax())
	assert.InDelta(t, 0.125, p.Delta(), 1e-15)
	assert.Equal(t, 0, p.Quantize(-1))
}

func TestPowerOfTwoThreshold(t *testing.T) {
	t.Parallel()
	p, err := NewPowerOfTwo(8, 0.7, true)
	require.NoError(t, err)
	assert.Equal(t, 1.0, p.Threshold)

	p, err = NewPowerOfTwo(8, 2, true)
	require.NoError(t, err)
	assert.Equal(t, 2.0, p.Threshold)
	assert.Equal(t, 8.0, p.WithThreshold(5).Threshold)
}

func TestUniformContainsZero(t *testing.T) {
	t.Parallel()
	p, err := NewUniform(8, 0.5, 3)
	require.NoError(t, err)
	assert.Equal(t, 0.0, p.Min)
	assert.Equal(t, 0, p.ZeroPoint)
	assert.Equal(t, 0.0, p.FakeQuant(0))

	p, err = NewUniform(8, -1, 3)
	require.NoError(t, err)
	assert.InDelta(t, 0, p.FakeQuant(0), 1e-15)
	for _, x := range []float64{-1, -0.3, 0.9, 2.99} {
		assert.LessOrEqual(t, math.Abs(x-p.FakeQuant(x)), p.Scale/2+1e-12)
	}
	assert.Equal(t, 3.0, p.Threshold)
}

func TestUniformWithThresholdKeepsZeroPoint(t *testing.T) {
	t.Parallel()
	p, err := NewUniform(8, -1, 3)
	require.NoError(t, err)
	q := p.WithThreshold(6)
	assert.Equal(t, p.ZeroPoint, q.ZeroPoint)
	assert.InDelta(t, 2*p.Scale, q.Scale, 1e-15)
	assert.InDelta(t, -2, q.Min, 1e-15)
	require.NoError(t, q.Validate())
}

func TestValidateRejects(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		p    Params
	}{
		{"zero threshold", Params{Bits: 8, Method: Symmetric}},
		{"nan threshold", Params{Bits: 8, Method: Symmetric, Threshold: math.NaN()}},
		{"one bit", Params{Bits: 1, Method: Symmetric, Threshold: 1}},
		{"too many bits", Params{Bits: 17, Method: Symmetric, Threshold: 1}},
		{"uniform without scale", Params{Bits: 8, Method: Uniform, Threshold: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.ErrorIs(t, tc.p.Validate(), ErrInvalidParams)
		})
	}

	_, err := NewUniform(8, 0, 0)
	require.ErrorIs(t, err, ErrInvalidParams)
	require.ErrorIs(t, Params{Bits: 8, Method: "log", Threshold: 1}.Validate(), ErrUnknownMethod)
}

func TestParseMethod(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]Method{
		"":             Symmetric,
		"symmetric":    Symmetric,
		"pot":          PowerOfTwo,
		"power_of_two": PowerOfTwo,
		"uniform":      Uniform,
		"asymmetric":   Uniform,
	} {
		got, err := ParseMethod(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseMethod("lut")
	require.ErrorIs(t, err, ErrUnknownMethod)
}

func TestEncodeMatchesQuantize(t *testing.T) {
	t.Parallel()
	p, err := NewSymmetric(4, 1, true)
	require.NoError(t, err)
	codes := p.Encode([]float64{-2, -0.5, 0, 0.5, 2})
	assert.Equal(t, []int32{-8, -4, 0, 4, 7}, codes)
}

func TestChannelsQuantizeEachBlock(t *testing.T) {
	t.Parallel()
	small, err := NewSymmetric(4, 0.5, true)
	require.NoError(t, err)
	large, err := NewSymmetric(4, 4, true)
	require.NoError(t, err)
	ch := Channels{small, large}
	require.NoError(t, ch.Validate())
	assert.Equal(t, 4, ch.Bits())
	assert.Equal(t, []float64{0.5, 4}, ch.Thresholds())

	src := []float64{0.3, -0.45, 3, -2.5}
	dst := make([]float64, len(src))
	ch.FakeQuantSlice(dst, src)
	assert.Equal(t, small.FakeQuant(0.3), dst[0])
	assert.Equal(t, small.FakeQuant(-0.45), dst[1])
	assert.Equal(t, large.FakeQuant(3), dst[2])
	assert.Equal(t, large.FakeQuant(-2.5), dst[3])

	codes := ch.Encode(src)
	assert.Equal(t, []int32{int32(small.Quantize(0.3)), int32(small.Quantize(-0.45)),
		int32(large.Quantize(3)), int32(large.Quantize(-2.5))}, codes)

	// a per-tensor grid at the large threshold loses the small channel
	assert.Greater(t, math.Abs(large.FakeQuant(0.3)-0.3), math.Abs(dst[0]-0.3))
}

func TestChannelsValidateRejectsMixedGrids(t *testing.T) {
	t.Parallel()
	a, err := NewSymmetric(8, 1, true)
	require.NoError(t, err)
	b, err := NewSymmetric(4, 1, true)
	require.NoError(t, err)
	assert.ErrorIs(t, Channels{a, b}.Validate(), ErrInvalidParams)
	assert.ErrorIs(t, Channels{}.Validate(), ErrInvalidParams)
	u, err := NewSymmetric(8, 1, false)
	require.NoError(t, err)
	assert.ErrorIs(t, Channels{a, u}.Validate(), ErrInvalidParams)

	lo, err := NewUniform(8, -1, 2)
	require.NoError(t, err)
	hi, err := NewUniform(8, 0, 3)
	require.NoError(t, err)
	assert.NoError(t, Channels{lo, hi}.Validate(), "uniform rows may differ in sign")

	c := Channels{a}
	d := c.Clone()
	d[0].Threshold = 2
	assert.Equal(t, 1.0, c[0].Threshold)
}
