package op

import (
	"fmt"
	"math"
	"slices"

	"github.com/samcharles93/mpq/internal/tensor"
)

// DefaultEpsilon is used by BatchNorm when Attrs.Epsilon is zero.
const DefaultEpsilon = 1e-3

var registry = map[Kind]Spec{
	Input: {
		Kind:  Input,
		Shape: inputShape,
		Forward: func([]*tensor.Tensor, Attrs, Weights) (*tensor.Tensor, error) {
			return nil, fmt.Errorf("%w: Input nodes are fed, not evaluated", ErrArity)
		},
	},
	Dense: {
		Kind: Dense, MinInputs: 1, MaxInputs: 1, Weighted: true,
		WeightNames: []string{WeightKernel},
		Shape:       denseShape,
		MACs:        func(_ [][]int, _ []int, w Weights) int64 { return int64(w[WeightKernel].Len()) },
		Forward: func(in []*tensor.Tensor, _ Attrs, w Weights) (*tensor.Tensor, error) {
			return tensor.Dense(in[0], w[WeightKernel], w[WeightBias])
		},
	},
	Conv2D: {
		Kind: Conv2D, MinInputs: 1, MaxInputs: 1, Weighted: true,
		WeightNames: []string{WeightKernel},
		Shape:       convShape,
		MACs: func(_ [][]int, out []int, w Weights) int64 {
			k := w[WeightKernel]
			return int64(tensor.Numel(out)) * int64(k.Len()/k.Shape[0])
		},
		Forward: func(in []*tensor.Tensor, a Attrs, w Weights) (*tensor.Tensor, error) {
			return tensor.Conv2D(in[0], w[WeightKernel], w[WeightBias], a.Geometry())
		},
	},
	BatchNorm: {
		Kind: BatchNorm, MinInputs: 1, MaxInputs: 1, Foldable: true,
		WeightNames: []string{WeightGamma, WeightBeta, WeightMean, WeightVariance},
		Shape:       batchNormShape,
		Forward: func(in []*tensor.Tensor, a Attrs, w Weights) (*tensor.Tensor, error) {
			return tensor.BatchNorm(in[0], w[WeightGamma], w[WeightBeta], w[WeightMean], w[WeightVariance], a.Eps())
		},
	},
	ReLU:    activation(ReLU, tensor.ReLU),
	ReLU6:   activation(ReLU6, tensor.ReLU6),
	Sigmoid: activation(Sigmoid, tensor.Sigmoid),
	Tanh:    activation(Tanh, math.Tanh),
	Add: {
		Kind: Add, MinInputs: 2, MaxInputs: -1,
		Shape: func(in [][]int, _ Attrs, _ Weights) ([]int, error) {
			for _, s := range in[1:] {
				if !slices.Equal(s, in[0]) {
					return nil, fmt.Errorf("%w: add %v and %v", ErrShape, in[0], s)
				}
			}
			return slices.Clone(in[0]), nil
		},
		Forward: func(in []*tensor.Tensor, _ Attrs, _ Weights) (*tensor.Tensor, error) {
			acc := in[0]
			for _, t := range in[1:] {
				var err error
				if acc, err = tensor.Add(acc, t); err != nil {
					return nil, err
				}
			}
			return acc, nil
		},
	},
	Concat: {
		Kind: Concat, MinInputs: 1, MaxInputs: -1,
		Shape: concatShape,
		Forward: func(in []*tensor.Tensor, a Attrs, _ Weights) (*tensor.Tensor, error) {
			return tensor.Concat(a.Axis+1, in...)
		},
	},
	Flatten: {
		Kind: Flatten, MinInputs: 1, MaxInputs: 1,
		Shape: func(in [][]int, _ Attrs, _ Weights) ([]int, error) {
			return []int{tensor.Numel(in[0])}, nil
		},
		Forward: func(in []*tensor.Tensor, _ Attrs, _ Weights) (*tensor.Tensor, error) {
			return tensor.Flatten(in[0]), nil
		},
	},
	Reshape: {
		Kind: Reshape, MinInputs: 1, MaxInputs: 1,
		Shape: func(in [][]int, a Attrs, _ Weights) ([]int, error) {
			return resolveShape(a.Shape, tensor.Numel(in[0]))
		},
		Forward: func(in []*tensor.Tensor, a Attrs, _ Weights) (*tensor.Tensor, error) {
			x := in[0]
			s, err := resolveShape(a.Shape, tensor.Numel(x.SampleShape()))
			if err != nil {
				return nil, err
			}
			return x.Clone().Reshape(append([]int{x.Batch()}, s...)...)
		},
	},
	Identity: passthrough(Identity),
	Dropout:  passthrough(Dropout),
}

var aliases = map[string]Kind{
	"input":              Input,
	"inputlayer":         Input,
	"dense":              Dense,
	"linear":             Dense,
	"fullyconnected":     Dense,
	"conv2d":             Conv2D,
	"conv":               Conv2D,
	"batchnorm":          BatchNorm,
	"batchnormalization": BatchNorm,
	"batchnorm2d":        BatchNorm,
	"relu":               ReLU,
	"relu6":              ReLU6,
	"sigmoid":            Sigmoid,
	"tanh":               Tanh,
	"add":                Add,
	"concat":             Concat,
	"concatenate":        Concat,
	"flatten":            Flatten,
	"reshape":            Reshape,
	"identity":           Identity,
	"dropout":            Dropout,
}

// Eps returns the BatchNorm epsilon, defaulting when unset.
func (a Attrs) Eps() float64 {
	if a.Epsilon > 0 {
		return a.Epsilon
	}
	return DefaultEpsilon
}

func activation(k Kind, fn func(float64) float64) Spec {
	return Spec{
		Kind: k, MinInputs: 1, MaxInputs: 1, Func: fn,
		Shape: sameShape,
		Forward: func(in []*tensor.Tensor, _ Attrs, _ Weights) (*tensor.Tensor, error) {
			return tensor.Map(in[0], fn), nil
		},
	}
}

func passthrough(k Kind) Spec {
	return Spec{
		Kind: k, MinInputs: 1, MaxInputs: 1,
		Shape: sameShape,
		Forward: func(in []*tensor.Tensor, _ Attrs, _ Weights) (*tensor.Tensor, error) {
			return in[0].Clone(), nil
		},
	}
}

func sameShape(in [][]int, _ Attrs, _ Weights) ([]int, error) {
	return slices.Clone(in[0]), nil
}

func inputShape(_ [][]int, a Attrs, _ Weights) ([]int, error) {
	if len(a.Shape) == 0 || tensor.Numel(a.Shape) <= 0 {
		return nil, fmt.Errorf("%w: input shape %v", ErrShape, a.Shape)
	}
	return slices.Clone(a.Shape), nil
}

func denseShape(in [][]int, _ Attrs, w Weights) ([]int, error) {
	k := w[WeightKernel]
	if k.Rank() != 2 {
		return nil, fmt.Errorf("%w: dense kernel %v must be [out, in]", ErrWeights, k.Shape)
	}
	if len(in[0]) != 1 || in[0][0] != k.Shape[1] {
		return nil, fmt.Errorf("%w: dense input %v for kernel %v", ErrShape, in[0], k.Shape)
	}
	if b := w[WeightBias]; b != nil && b.Len() != k.Shape[0] {
		return nil, fmt.Errorf("%w: dense bias %v for %d units", ErrWeights, b.Shape, k.Shape[0])
	}
	return []int{k.Shape[0]}, nil
}

func convShape(in [][]int, a Attrs, w Weights) ([]int, error) {
	k := w[WeightKernel]
	if k.Rank() != 4 {
		return nil, fmt.Errorf("%w: conv kernel %v must be [out, in, kh, kw]", ErrWeights, k.Shape)
	}
	if len(in[0]) != 3 || in[0][0] != k.Shape[1] {
		return nil, fmt.Errorf("%w: conv input %v for kernel %v", ErrShape, in[0], k.Shape)
	}
	if b := w[WeightBias]; b != nil && b.Len() != k.Shape[0] {
		return nil, fmt.Errorf("%w: conv bias %v for %d filters", ErrWeights, b.Shape, k.Shape[0])
	}
	geo := a.Geometry()
	oh, ow := geo.OutputSize(in[0][1], k.Shape[2]), geo.OutputSize(in[0][2], k.Shape[3])
	if oh <= 0 || ow <= 0 {
		return nil, fmt.Errorf("%w: conv kernel %v larger than input %v", ErrShape, k.Shape, in[0])
	}
	return []int{k.Shape[0], oh, ow}, nil
}

func batchNormShape(in [][]int, _ Attrs, w Weights) ([]int, error) {
	if len(in[0]) == 0 {
		return nil, fmt.Errorf("%w: batchnorm on a scalar", ErrShape)
	}
	ch := in[0][0]
	for _, name := range []string{WeightGamma, WeightBeta, WeightMean, WeightVariance} {
		if w[name].Len() != ch {
			return nil, fmt.Errorf("%w: batchnorm %s %v for %d channels", ErrWeights, name, w[name].Shape, ch)
		}
	}
	return slices.Clone(in[0]), nil
}

func concatShape(in [][]int, a Attrs, _ Weights) ([]int, error) {
	rank := len(in[0])
	if a.Axis < 0 || a.Axis >= rank {
		return nil, fmt.Errorf("%w: concat axis %d for rank %d", ErrShape, a.Axis, rank)
	}
	out := slices.Clone(in[0])
	for _, s := range in[1:] {
		if len(s) != rank {
			return nil, fmt.Errorf("%w: concat %v with %v", ErrShape, in[0], s)
		}
		for d := range rank {
			if d != a.Axis && s[d] != in[0][d] {
				return nil, fmt.Errorf("%w: concat %v with %v on axis %d", ErrShape, in[0], s, a.Axis)
			}
		}
		out[a.Axis] += s[a.Axis]
	}
	return out, nil
}

// resolveShape fills a single -1 dimension so the element count matches n.
func resolveShape(shape []int, n int) ([]int, error) {
	out := slices.Clone(shape)
	free, known := -1, 1
	for i, d := range out {
		switch {
		case d == -1 && free < 0:
			free = i
		case d <= 0:
			return nil, fmt.Errorf("%w: reshape target %v", ErrShape, shape)
		default:
			known *= d
		}
	}
	if free >= 0 {
		if known == 0 || n%known != 0 {
			return nil, fmt.Errorf("%w: cannot reshape %d elements to %v", ErrShape, n, shape)
		}
		out[free] = n / known
	}
	if tensor.Numel(out) != n {
		return nil, fmt.Errorf("%w: cannot reshape %d elements to %v", ErrShape, n, shape)
	}
	return out, nil
}
