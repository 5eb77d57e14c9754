package tensor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Map returns a new tensor with fn applied to every element of x.
func Map(x *Tensor, fn func(float64) float64) *Tensor {
	out := New(x.Shape...)
	for i, v := range x.Data {
		out.Data[i] = fn(v)
	}
	return out
}

// ReLU is max(0, x).
func ReLU(x float64) float64 { return math.Max(0, x) }

// ReLU6 is min(max(0, x), 6).
func ReLU6(x float64) float64 { return math.Min(math.Max(0, x), 6) }

// Sigmoid computes the logistic sigmoid.
func Sigmoid(x float64) float64 { return 1 / (1 + math.Exp(-x)) }

// Add returns a + b. Shapes must match.
func Add(a, b *Tensor) (*Tensor, error) {
	if !SameShape(a, b) {
		return nil, fmt.Errorf("%w: add %v and %v", errShapeMismatch, a.Shape, b.Shape)
	}
	out := New(a.Shape...)
	floats.AddTo(out.Data, a.Data, b.Data)
	return out, nil
}

// Concat joins tensors along axis. All other dims must agree.
func Concat(axis int, ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("%w: concat of nothing", errShapeMismatch)
	}
	rank := ts[0].Rank()
	if axis < 0 || axis >= rank {
		return nil, fmt.Errorf("%w: concat axis %d for rank %d", errShapeMismatch, axis, rank)
	}
	outShape := append([]int(nil), ts[0].Shape...)
	outShape[axis] = 0
	for _, t := range ts {
		if t.Rank() != rank {
			return nil, fmt.Errorf("%w: concat rank %d vs %d", errShapeMismatch, t.Rank(), rank)
		}
		for d := range rank {
			if d != axis && t.Shape[d] != ts[0].Shape[d] {
				return nil, fmt.Errorf("%w: concat %v with %v on axis %d", errShapeMismatch, ts[0].Shape, t.Shape, axis)
			}
		}
		outShape[axis] += t.Shape[axis]
	}

	outer := Numel(outShape[:axis])
	inner := Numel(outShape[axis+1:])
	out := New(outShape...)
	off := 0
	for o := range outer {
		for _, t := range ts {
			n := t.Shape[axis] * inner
			copy(out.Data[off:off+n], t.Data[o*n:(o+1)*n])
			off += n
		}
	}
	return out, nil
}

// Flatten keeps the batch dim and collapses the rest.
func Flatten(x *Tensor) *Tensor {
	if x.Rank() <= 2 {
		return x.Clone()
	}
	return &Tensor{Shape: []int{x.Shape[0], Numel(x.Shape[1:])}, Data: append([]float64(nil), x.Data...)}
}

// Dense computes x·Wᵀ + b for x [B x in], w [out x in], b [out] (b may be nil).
func Dense(x, w, b *Tensor) (*Tensor, error) {
	if x.Rank() != 2 || w.Rank() != 2 || x.Shape[1] != w.Shape[1] {
		return nil, fmt.Errorf("%w: dense x%v w%v", errShapeMismatch, x.Shape, w.Shape)
	}
	batch, in, out := x.Shape[0], x.Shape[1], w.Shape[0]
	if b != nil && b.Len() != out {
		return nil, fmt.Errorf("%w: dense bias %v for %d outputs", errShapeMismatch, b.Shape, out)
	}
	y := New(batch, out)
	for i := range batch {
		row := x.Data[i*in : (i+1)*in]
		dst := y.Data[i*out : (i+1)*out]
		for j := range out {
			dst[j] = floats.Dot(row, w.Data[j*in:(j+1)*in])
		}
		if b != nil {
			floats.Add(dst, b.Data)
		}
	}
	return y, nil
}

// ConvGeometry describes a 2-D convolution window.
type ConvGeometry struct {
	Stride  int
	Padding int
}

// OutputSize returns the spatial output extent for an input of size n.
func (g ConvGeometry) OutputSize(n, k int) int {
	s := max(g.Stride, 1)
	return (n+2*g.Padding-k)/s + 1
}

// Conv2D computes a direct NCHW convolution with zero padding.
func Conv2D(x, w, b *Tensor, geo ConvGeometry) (*Tensor, error) {
	if x.Rank() != 4 || w.Rank() != 4 || x.Shape[1] != w.Shape[1] {
		return nil, fmt.Errorf("%w: conv2d x%v w%v", errShapeMismatch, x.Shape, w.Shape)
	}
	batch, cin, h, wd := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	cout, kh, kw := w.Shape[0], w.Shape[2], w.Shape[3]
	oh, ow := geo.OutputSize(h, kh), geo.OutputSize(wd, kw)
	if oh <= 0 || ow <= 0 {
		return nil, fmt.Errorf("%w: conv2d kernel %dx%d larger than input %dx%d", errShapeMismatch, kh, kw, h, wd)
	}
	if b != nil && b.Len() != cout {
		return nil, fmt.Errorf("%w: conv2d bias %v for %d outputs", errShapeMismatch, b.Shape, cout)
	}
	stride := max(geo.Stride, 1)
	y := New(batch, cout, oh, ow)
	for n := range batch {
		for o := range cout {
			var bias float64
			if b != nil {
				bias = b.Data[o]
			}
			for oy := range oh {
				for ox := range ow {
					sum := bias
					for c := range cin {
						for ky := range kh {
							iy := oy*stride + ky - geo.Padding
							if iy < 0 || iy >= h {
								continue
							}
							xrow := ((n*cin+c)*h + iy) * wd
							wrow := ((o*cin+c)*kh + ky) * kw
							for kx := range kw {
								ix := ox*stride + kx - geo.Padding
								if ix < 0 || ix >= wd {
									continue
								}
								sum += x.Data[xrow+ix] * w.Data[wrow+kx]
							}
						}
					}
					y.Data[((n*cout+o)*oh+oy)*ow+ox] = sum
				}
			}
		}
	}
	return y, nil
}

// BatchNorm applies inference-mode normalization over channel axis 1.
func BatchNorm(x, gamma, beta, mean, variance *Tensor, eps float64) (*Tensor, error) {
	if x.Rank() < 2 {
		return nil, fmt.Errorf("%w: batchnorm on rank %d", errShapeMismatch, x.Rank())
	}
	ch := x.Shape[1]
	for _, p := range []*Tensor{gamma, beta, mean, variance} {
		if p.Len() != ch {
			return nil, fmt.Errorf("%w: batchnorm param %v for %d channels", errShapeMismatch, p.Shape, ch)
		}
	}
	inner := Numel(x.Shape[2:])
	y := New(x.Shape...)
	for i, v := range x.Data {
		c := (i / inner) % ch
		inv := 1 / math.Sqrt(variance.Data[c]+eps)
		y.Data[i] = gamma.Data[c]*(v-mean.Data[c])*inv + beta.Data[c]
	}
	return y, nil
}

// DenseKernelGrad returns dL/dW = dzᵀ·x for a Dense layer, with dz [B x out]
// and x [B x in].
func DenseKernelGrad(dz, x *Tensor) (*Tensor, error) {
	if dz.Rank() != 2 || x.Rank() != 2 || dz.Shape[0] != x.Shape[0] {
		return nil, fmt.Errorf("%w: dense grad dz%v x%v", errShapeMismatch, dz.Shape, x.Shape)
	}
	batch, out, in := dz.Shape[0], dz.Shape[1], x.Shape[1]
	g := New(out, in)
	for n := range batch {
		xrow := x.Data[n*in : (n+1)*in]
		for o := range out {
			d := dz.Data[n*out+o]
			if d == 0 {
				continue
			}
			floats.AddScaled(g.Data[o*in:(o+1)*in], d, xrow)
		}
	}
	return g, nil
}

// Conv2DKernelGrad returns dL/dW for a Conv2D layer given the output
// gradient dz [B x O x OH x OW] and the layer input x.
func Conv2DKernelGrad(dz, x *Tensor, kh, kw int, geo ConvGeometry) (*Tensor, error) {
	if dz.Rank() != 4 || x.Rank() != 4 || dz.Shape[0] != x.Shape[0] {
		return nil, fmt.Errorf("%w: conv grad dz%v x%v", errShapeMismatch, dz.Shape, x.Shape)
	}
	batch, cin, h, wd := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	cout, oh, ow := dz.Shape[1], dz.Shape[2], dz.Shape[3]
	stride := max(geo.Stride, 1)
	g := New(cout, cin, kh, kw)
	for n := range batch {
		for o := range cout {
			for oy := range oh {
				for ox := range ow {
					d := dz.Data[((n*cout+o)*oh+oy)*ow+ox]
					if d == 0 {
						continue
					}
					for c := range cin {
						for ky := range kh {
							iy := oy*stride + ky - geo.Padding
							if iy < 0 || iy >= h {
								continue
							}
							for kx := range kw {
								ix := ox*stride + kx - geo.Padding
								if ix < 0 || ix >= wd {
									continue
								}
								g.Data[((o*cin+c)*kh+ky)*kw+kx] += d * x.Data[((n*cin+c)*h+iy)*wd+ix]
							}
						}
					}
				}
			}
		}
	}
	return g, nil
}

// Softmax normalizes each row of a [rows x cols] view of data in place.
func Softmax(row []float64) {
	if len(row) == 0 {
		return
	}
	maxv := floats.Max(row)
	var sum float64
	for i, v := range row {
		e := math.Exp(v - maxv)
		row[i] = e
		sum += e
	}
	if sum == 0 {
		return
	}
	floats.Scale(1/sum, row)
}

// MaxAbs returns the largest absolute value in data, 0 for empty input.
func MaxAbs(data []float64) float64 {
	var m float64
	for _, v := range data {
		if a := math.Abs(v); a > m {
			m = a
		}
	}
	return m
}

// AllFinite reports whether data contains no NaN or Inf.
func AllFinite(data []float64) bool {
	for _, v := range data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
