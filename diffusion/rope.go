package diffusion

import (
	"math"

	"github.com/NVIDIA/elucidated-text-to-audio/tensor"
)

// RoPECache holds precomputed rotation tables for a sequence length, shaped
// for broadcasting against [B, L, H, headDim/2, 1].
type RoPECache struct {
	Cos *tensor.Tensor
	Sin *tensor.Tensor
	Len int
}

// prepareRoPE computes cos/sin tables for positions [0, length) with the
// configured base frequency.
func prepareRoPE(length, headDim int, base float32) *RoPECache {
	half := headDim / 2
	cos := make([]float32, length*half)
	sin := make([]float32, length*half)
	for pos := 0; pos < length; pos++ {
		for i := 0; i < half; i++ {
			freq := math.Pow(float64(base), -float64(i)/float64(half))
			arg := float64(pos) * freq
			cos[pos*half+i] = float32(math.Cos(arg))
			sin[pos*half+i] = float32(math.Sin(arg))
		}
	}
	return &RoPECache{
		Cos: tensor.New(cos, 1, length, 1, half, 1),
		Sin: tensor.New(sin, 1, length, 1, half, 1),
		Len: length,
	}
}

// applyRoPE rotates interleaved (even, odd) channel pairs of x
// [B, L, H, headDim] by the cached angles.
func applyRoPE(x *tensor.Tensor, rope *RoPECache) *tensor.Tensor {
	b, l, h, d := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)
	half := d / 2
	pairs := tensor.Reshape(x, b, l, h, half, 2)
	x1 := tensor.SliceAxis(pairs, 4, 0, 1)
	x2 := tensor.SliceAxis(pairs, 4, 1, 2)

	r1 := tensor.Sub(tensor.Mul(x1, rope.Cos), tensor.Mul(x2, rope.Sin))
	r2 := tensor.Add(tensor.Mul(x1, rope.Sin), tensor.Mul(x2, rope.Cos))
	return tensor.Reshape(tensor.Concatenate([]*tensor.Tensor{r1, r2}, 4), b, l, h, d)
}
