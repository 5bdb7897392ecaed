package diffusion

import (
	"github.com/NVIDIA/elucidated-text-to-audio/nn"
	"github.com/NVIDIA/elucidated-text-to-audio/tensor"
)

// FeedForward is the position-local transform: an expanding convolution over
// the sequence axis, gated activation, then a contracting pointwise layer.
type FeedForward struct {
	Up   *nn.Conv1d `weight:"up"`
	Down *nn.Linear `weight:"down"`
}

func newFeedForward(key tensor.Key, cfg Config) *FeedForward {
	hidden := cfg.Dim * cfg.FFMult
	return &FeedForward{
		Up:   nn.NewConv1d(key.Derive(0), cfg.Dim, hidden, cfg.FFKernel, true),
		Down: nn.NewLinear(key.Derive(1), hidden, cfg.Dim, true),
	}
}

func (f *FeedForward) Forward(x *tensor.Tensor) *tensor.Tensor {
	return f.Down.Forward(tensor.SiLU(f.Up.Forward(x)))
}

// TransformerBlock is one layer of the denoiser: rotary self-attention,
// masked cross-attention to the conditioning tokens, and a feed-forward
// transform, each wrapped in adaptive layer normalization driven by the
// global conditioning vector.
type TransformerBlock struct {
	SelfAttn  *SelfAttention  `weight:"self_attn"`
	CrossAttn *CrossAttention `weight:"cross_attn"`
	FF        *FeedForward    `weight:"ff"`
	AdaLN     *nn.Linear      `weight:"ada_ln"`

	eps     float32
	dropout float32
}

func newTransformerBlock(key tensor.Key, cfg Config, ctxDim int) *TransformerBlock {
	b := &TransformerBlock{
		SelfAttn:  newSelfAttention(key.Derive(0), cfg),
		CrossAttn: newCrossAttention(key.Derive(1), cfg, ctxDim),
		FF:        newFeedForward(key.Derive(2), cfg),
		AdaLN:     nn.NewLinear(key.Derive(3), cfg.Dim, 9*cfg.Dim, true),
		eps:       cfg.NormEps,
		dropout:   cfg.Dropout,
	}
	// Zero-init the modulation so every block starts as identity.
	for i := range b.AdaLN.Weight.Data() {
		b.AdaLN.Weight.Data()[i] = 0
	}
	for i := range b.AdaLN.Bias.Data() {
		b.AdaLN.Bias.Data()[i] = 0
	}
	return b
}

// modulate applies the adaptive scale and shift to a normalized activation.
// scale and shift are [B, Dim] and broadcast over sequence positions.
func modulate(x, scale, shift *tensor.Tensor) *tensor.Tensor {
	scale = tensor.ExpandDims(scale, 1)
	shift = tensor.ExpandDims(shift, 1)
	return tensor.Add(tensor.Mul(x, tensor.AddScalar(scale, 1)), shift)
}

// gate scales a residual branch by a Tanh-squashed per-channel gate [B, Dim].
func gate(x, g *tensor.Tensor) *tensor.Tensor {
	return tensor.Mul(x, tensor.ExpandDims(tensor.Tanh(g), 1))
}

// Forward runs the block. cond is the embedded global conditioning [B, Dim];
// ctx and bias are the cross-attention tokens and their additive mask.
func (b *TransformerBlock) Forward(x, cond, ctx, bias *tensor.Tensor, rope *RoPECache, training bool, key tensor.Key) *tensor.Tensor {
	mod := b.AdaLN.Forward(tensor.SiLU(cond))
	dim := x.Dim(2)
	chunk := func(i int) *tensor.Tensor {
		return tensor.SliceAxis(mod, 1, i*dim, (i+1)*dim)
	}
	saScale, saShift, saGate := chunk(0), chunk(1), chunk(2)
	caScale, caShift, caGate := chunk(3), chunk(4), chunk(5)
	ffScale, ffShift, ffGate := chunk(6), chunk(7), chunk(8)

	h := b.SelfAttn.Forward(modulate(tensor.LayerNorm(x, b.eps), saScale, saShift), rope)
	h = b.drop(h, training, key.Derive(1))
	x = tensor.Add(x, gate(h, saGate))

	if ctx != nil {
		h = b.CrossAttn.Forward(modulate(tensor.LayerNorm(x, b.eps), caScale, caShift), ctx, bias)
		h = b.drop(h, training, key.Derive(2))
		x = tensor.Add(x, gate(h, caGate))
	}

	h = b.FF.Forward(modulate(tensor.LayerNorm(x, b.eps), ffScale, ffShift))
	h = b.drop(h, training, key.Derive(3))
	return tensor.Add(x, gate(h, ffGate))
}

func (b *TransformerBlock) drop(x *tensor.Tensor, training bool, key tensor.Key) *tensor.Tensor {
	if !training || b.dropout <= 0 {
		return x
	}
	return tensor.Dropout(x, b.dropout, key)
}
