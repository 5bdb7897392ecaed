package diffusion

import (
	"math"

	"github.com/NVIDIA/elucidated-text-to-audio/nn"
	"github.com/NVIDIA/elucidated-text-to-audio/tensor"
)

// SelfAttention is full bidirectional multi-head attention over latent
// positions with per-head QK RMS normalization and rotary embeddings.
type SelfAttention struct {
	ToQ   *nn.Linear  `weight:"to_q"`
	ToK   *nn.Linear  `weight:"to_k"`
	ToV   *nn.Linear  `weight:"to_v"`
	ToOut *nn.Linear  `weight:"to_out"`
	NormQ *nn.RMSNorm `weight:"norm_q"`
	NormK *nn.RMSNorm `weight:"norm_k"`

	Heads   int     `weight:"-"`
	HeadDim int     `weight:"-"`
	Scale   float32 `weight:"-"`
	Fused   bool    `weight:"-"`
}

func newSelfAttention(key tensor.Key, cfg Config) *SelfAttention {
	headDim := cfg.Dim / cfg.Heads
	return &SelfAttention{
		ToQ:     nn.NewLinear(key.Derive(0), cfg.Dim, cfg.Dim, false),
		ToK:     nn.NewLinear(key.Derive(1), cfg.Dim, cfg.Dim, false),
		ToV:     nn.NewLinear(key.Derive(2), cfg.Dim, cfg.Dim, false),
		ToOut:   nn.NewLinear(key.Derive(3), cfg.Dim, cfg.Dim, false),
		NormQ:   nn.NewRMSNorm(headDim, cfg.NormEps),
		NormK:   nn.NewRMSNorm(headDim, cfg.NormEps),
		Heads:   cfg.Heads,
		HeadDim: headDim,
		Scale:   float32(1 / math.Sqrt(float64(headDim))),
		Fused:   cfg.FusedAttention,
	}
}

// Forward attends x [B, L, D] to itself.
func (a *SelfAttention) Forward(x *tensor.Tensor, rope *RoPECache) *tensor.Tensor {
	b, l := x.Dim(0), x.Dim(1)

	q := tensor.Reshape(a.ToQ.Forward(x), b, l, a.Heads, a.HeadDim)
	k := tensor.Reshape(a.ToK.Forward(x), b, l, a.Heads, a.HeadDim)
	v := tensor.Reshape(a.ToV.Forward(x), b, l, a.Heads, a.HeadDim)

	q = a.NormQ.Forward(q)
	k = a.NormK.Forward(k)
	q = applyRoPE(q, rope)
	k = applyRoPE(k, rope)

	q = tensor.Transpose(q, 0, 2, 1, 3)
	k = tensor.Transpose(k, 0, 2, 1, 3)
	v = tensor.Transpose(v, 0, 2, 1, 3)

	out := attend(q, k, v, a.Scale, nil, a.Fused)
	out = tensor.Reshape(tensor.Transpose(out, 0, 2, 1, 3), b, l, a.Heads*a.HeadDim)
	return a.ToOut.Forward(out)
}

// CrossAttention attends latent positions to the assembled conditioning
// tokens. Key/value projections read the tokens at whatever width the block
// was constructed for (internal width or native token width).
type CrossAttention struct {
	ToQ   *nn.Linear `weight:"to_q"`
	ToK   *nn.Linear `weight:"to_k"`
	ToV   *nn.Linear `weight:"to_v"`
	ToOut *nn.Linear `weight:"to_out"`

	Heads   int     `weight:"-"`
	HeadDim int     `weight:"-"`
	Scale   float32 `weight:"-"`
	Fused   bool    `weight:"-"`
}

func newCrossAttention(key tensor.Key, cfg Config, ctxDim int) *CrossAttention {
	headDim := cfg.Dim / cfg.Heads
	return &CrossAttention{
		ToQ:     nn.NewLinear(key.Derive(0), cfg.Dim, cfg.Dim, false),
		ToK:     nn.NewLinear(key.Derive(1), ctxDim, cfg.Dim, false),
		ToV:     nn.NewLinear(key.Derive(2), ctxDim, cfg.Dim, false),
		ToOut:   nn.NewLinear(key.Derive(3), cfg.Dim, cfg.Dim, false),
		Heads:   cfg.Heads,
		HeadDim: headDim,
		Scale:   float32(1 / math.Sqrt(float64(headDim))),
		Fused:   cfg.FusedAttention,
	}
}

// Forward attends x [B, L, D] to ctx [B, S, ctxDim]. bias is the additive
// mask [B, 1, L, S] with -inf at padded token positions, or nil.
func (a *CrossAttention) Forward(x, ctx, bias *tensor.Tensor) *tensor.Tensor {
	b, l := x.Dim(0), x.Dim(1)
	s := ctx.Dim(1)

	q := tensor.Reshape(a.ToQ.Forward(x), b, l, a.Heads, a.HeadDim)
	k := tensor.Reshape(a.ToK.Forward(ctx), b, s, a.Heads, a.HeadDim)
	v := tensor.Reshape(a.ToV.Forward(ctx), b, s, a.Heads, a.HeadDim)

	q = tensor.Transpose(q, 0, 2, 1, 3)
	k = tensor.Transpose(k, 0, 2, 1, 3)
	v = tensor.Transpose(v, 0, 2, 1, 3)

	out := attend(q, k, v, a.Scale, bias, a.Fused)
	out = tensor.Reshape(tensor.Transpose(out, 0, 2, 1, 3), b, l, a.Heads*a.HeadDim)
	return a.ToOut.Forward(out)
}

// attend dispatches between the fused kernel and the reference path. The
// two are numerically interchangeable; the flag is a performance choice.
func attend(q, k, v *tensor.Tensor, scale float32, bias *tensor.Tensor, fused bool) *tensor.Tensor {
	if fused {
		return tensor.FusedScaledDotProductAttention(q, k, v, scale, bias)
	}
	return tensor.ScaledDotProductAttention(q, k, v, scale, bias)
}

// maskBias converts a validity mask into an additive attention bias
// [B, 1, queryLen, S]: zero where valid, -inf where padded, so masked
// positions get exactly zero attention weight after normalization.
func maskBias(mask [][]bool, queryLen int) *tensor.Tensor {
	b := len(mask)
	s := len(mask[0])
	neg := float32(math.Inf(-1))
	bias := tensor.Zeros(b, 1, queryLen, s)
	data := bias.Data()
	for i, row := range mask {
		for j, ok := range row {
			if ok {
				continue
			}
			base := i * queryLen * s
			for qi := 0; qi < queryLen; qi++ {
				data[base+qi*s+j] = neg
			}
		}
	}
	return bias
}
