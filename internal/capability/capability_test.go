package capability

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/mpq/internal/errdefs"
	"github.com/samcharles93/mpq/internal/op"
	"github.com/samcharles93/mpq/pkg/quant"
)

func TestDefaultModel(t *testing.T) {
	t.Parallel()
	m := Default()

	conv, ok := m.OpSet(op.Conv2D)
	require.True(t, ok)
	assert.Equal(t, []int{8, 4, 2}, conv.WeightBits)
	assert.Equal(t, []int{8}, conv.ActivationBits)
	assert.Equal(t, quant.Symmetric, conv.WeightMethod)

	relu, ok := m.OpSet(op.ReLU6)
	require.True(t, ok)
	assert.Equal(t, Unsigned, relu.Signedness)

	assert.True(t, m.Passthrough(op.Flatten))
	assert.False(t, m.Passthrough(op.Dense))

	fusions := m.Fusions()
	require.NotEmpty(t, fusions)
	assert.Len(t, fusions[0], 3)
	for i := 1; i < len(fusions); i++ {
		assert.GreaterOrEqual(t, len(fusions[i-1]), len(fusions[i]))
	}
}

const capsYAML = `
name: edge
op_sets:
  - name: linear
    kinds: [linear, conv]
    weight_bits: [4, 8, 8, 2]
    activation_bits: [8, 4]
    activation_method: pot
    per_channel: true
  - name: act
    kinds: [relu]
    activation_bits: [8]
    activation_method: uniform
    signedness: unsigned
passthrough: [flatten, dropout]
fusions:
  - [Dense, relu]
`

func TestParseNormalizes(t *testing.T) {
	t.Parallel()
	m, err := Parse([]byte(capsYAML))
	require.NoError(t, err)

	s, ok := m.OpSet(op.Dense)
	require.True(t, ok)
	assert.Equal(t, "linear", s.Name)
	assert.Equal(t, []int{8, 4, 2}, s.WeightBits)
	assert.Equal(t, []int{8, 4}, s.ActivationBits)
	assert.Equal(t, quant.PowerOfTwo, s.ActivationMethod)
	assert.True(t, s.PerChannel)

	_, ok = m.OpSet(op.Conv2D)
	assert.True(t, ok)

	act, ok := m.OpSet(op.ReLU)
	require.True(t, ok)
	assert.Equal(t, quant.Uniform, act.ActivationMethod)
	assert.False(t, act.PerChannel)

	assert.True(t, m.Passthrough(op.Dropout))
	assert.Equal(t, [][]op.Kind{{op.Dense, op.ReLU}}, m.Fusions())
}

func TestLoadFromFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "caps.yaml")
	require.NoError(t, os.WriteFile(path, []byte(capsYAML), 0o644))
	m, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "edge", m.Name)
}

func TestParseRejects(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"unknown kind":   "op_sets: [{name: a, kinds: [Softmax]}]",
		"duplicate kind": "op_sets: [{name: a, kinds: [Dense]}, {name: b, kinds: [linear]}]",
		"bad bits":       "op_sets: [{name: a, kinds: [Dense], weight_bits: [1]}]",
		"bad method":     "op_sets: [{name: a, kinds: [Dense], weight_method: log}]",
		"both lists":     "op_sets: [{name: a, kinds: [Dense]}]\npassthrough: [Dense]",
		"short fusion":   "fusions: [[Dense]]",
		"bad fusion":     "fusions: [[Dense, Conv2D]]",
		"bad sign":       "op_sets: [{name: a, kinds: [ReLU], signedness: maybe}]",
		"not yaml":       "op_sets: {",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(doc))
			require.ErrorIs(t, err, errdefs.ErrInvalidConfig)
		})
	}
}
