package nn

import (
	"math"

	"github.com/NVIDIA/elucidated-text-to-audio/tensor"
)

// Linear is a dense projection storing its weight [out, in].
type Linear struct {
	Weight *tensor.Tensor `weight:"weight"`
	Bias   *tensor.Tensor `weight:"bias"`
}

// NewLinear creates a linear layer with Kaiming-uniform init.
func NewLinear(key tensor.Key, in, out int, bias bool) *Linear {
	l := &Linear{
		Weight: tensor.KaimingUniform(key.Derive(0), in, out, in).AsParam(),
	}
	if bias {
		l.Bias = tensor.KaimingUniform(key.Derive(1), in, out).AsParam()
	}
	return l
}

// Forward applies x @ W^T + b over the last dimension of x.
func (l *Linear) Forward(x *tensor.Tensor) *tensor.Tensor {
	return tensor.Linear(x, l.Weight, l.Bias)
}

// OutputDim returns the layer's output width.
func (l *Linear) OutputDim() int { return l.Weight.Dim(0) }

// Conv1d is a 1-d convolution over the sequence axis of [B, L, D] input,
// with same padding. Kernel width 1 degenerates to a pointwise Linear.
type Conv1d struct {
	Weight *tensor.Tensor `weight:"weight"` // [out, in, kernel]
	Bias   *tensor.Tensor `weight:"bias"`
	Kernel int `weight:"-"`
}

// NewConv1d creates a conv layer. Kernel must be odd so padding is symmetric.
func NewConv1d(key tensor.Key, in, out, kernel int, bias bool) *Conv1d {
	if kernel%2 == 0 {
		panic("nn: Conv1d kernel width must be odd")
	}
	c := &Conv1d{
		Weight: tensor.KaimingUniform(key.Derive(0), in*kernel, out, in, kernel).AsParam(),
		Kernel: kernel,
	}
	if bias {
		c.Bias = tensor.KaimingUniform(key.Derive(1), in*kernel, out).AsParam()
	}
	return c
}

// Forward convolves x [B, L, D] along L.
func (c *Conv1d) Forward(x *tensor.Tensor) *tensor.Tensor {
	if c.Kernel == 1 {
		w := tensor.Reshape(c.Weight, c.Weight.Dim(0), c.Weight.Dim(1))
		return tensor.Linear(x, w, c.Bias)
	}
	l := x.Dim(1)
	pad := c.Kernel / 2
	xp := tensor.Pad(x, 1, pad, pad)
	var acc *tensor.Tensor
	for j := 0; j < c.Kernel; j++ {
		wj := tensor.Reshape(tensor.SliceAxis(c.Weight, 2, j, j+1), c.Weight.Dim(0), c.Weight.Dim(1))
		term := tensor.Linear(tensor.SliceAxis(xp, 1, j, j+l), wj, nil)
		if acc == nil {
			acc = term
		} else {
			acc = tensor.Add(acc, term)
		}
	}
	if c.Bias != nil {
		acc = tensor.Add(acc, c.Bias)
	}
	return acc
}

// RMSNorm normalizes the last axis by its root mean square, with a learned
// per-channel gain.
type RMSNorm struct {
	Weight *tensor.Tensor `weight:"weight"`
	Eps    float32 `weight:"-"`
}

// NewRMSNorm creates an RMSNorm with unit gain.
func NewRMSNorm(dim int, eps float32) *RMSNorm {
	return &RMSNorm{Weight: tensor.Ones(dim).AsParam(), Eps: eps}
}

// Forward applies the normalization.
func (n *RMSNorm) Forward(x *tensor.Tensor) *tensor.Tensor {
	return tensor.RMSNorm(x, n.Weight, n.Eps)
}

// FourierFeatures maps a scalar input to [cos(2*pi*f*x), sin(2*pi*f*x)]
// features with fixed random frequencies. The frequency table is stored in
// checkpoints but is not trained.
type FourierFeatures struct {
	Weight *tensor.Tensor `weight:"weight"` // [outFeatures/2, 1]
}

// NewFourierFeatures draws the frequency table; outFeatures must be even.
func NewFourierFeatures(key tensor.Key, outFeatures int, std float32) *FourierFeatures {
	if outFeatures%2 != 0 {
		panic("nn: FourierFeatures output width must be even")
	}
	return &FourierFeatures{
		Weight: tensor.RandomNormalScaled(key, std, outFeatures/2, 1),
	}
}

// Forward embeds x [B, 1] into [B, outFeatures].
func (f *FourierFeatures) Forward(x *tensor.Tensor) *tensor.Tensor {
	args := tensor.MulScalar(tensor.Linear(x, f.Weight, nil), 2*math.Pi)
	return tensor.Concatenate([]*tensor.Tensor{tensor.Cos(args), tensor.Sin(args)}, -1)
}
