// Package diffusion implements the denoising network: a stack of identical
// transformer blocks over latent positions with rotary self-attention,
// masked cross-attention to conditioning tokens and adaptive normalization
// driven by the global conditioning vector.
package diffusion

import "fmt"

// Config are the network hyperparameters. Widths are fixed for the lifetime
// of a configuration.
type Config struct {
	// IOChannels is the latent channel count (network input and output).
	IOChannels int `json:"io_channels"`
	// Dim is the internal width of every block.
	Dim int `json:"embed_dim"`
	// Depth is the number of transformer blocks.
	Depth int `json:"depth"`
	// Heads is the attention head count; Dim must divide evenly.
	Heads int `json:"num_heads"`
	// CondTokenDim is the declared cross-attention token width.
	CondTokenDim int `json:"cond_token_dim"`
	// GlobalDim is the declared global conditioning width.
	GlobalDim int `json:"global_cond_dim"`
	// FFKernel is the receptive field of the position-local feed-forward
	// transform. Must be odd; 1 means pointwise.
	FFKernel int `json:"ff_kernel"`
	// FFMult is the feed-forward expansion factor.
	FFMult int `json:"ff_mult"`
	// RoPEBase is the rotary embedding base frequency.
	RoPEBase float32 `json:"rope_base"`
	// Dropout is the training-time dropout rate on attention and
	// feed-forward outputs.
	Dropout float32 `json:"dropout"`
	// FusedAttention selects the fused attention kernel over the composed
	// reference path. Outputs agree within floating-point tolerance.
	FusedAttention bool `json:"fused_attention"`
	// ProjectConditioning projects conditioning tokens once to Dim before
	// the blocks; otherwise every block projects from the native token
	// width itself.
	ProjectConditioning bool `json:"project_conditioning"`
	// NormEps stabilizes the normalization denominators.
	NormEps float32 `json:"norm_eps"`
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.FFKernel == 0 {
		out.FFKernel = 1
	}
	if out.FFMult == 0 {
		out.FFMult = 4
	}
	if out.RoPEBase == 0 {
		out.RoPEBase = 10000
	}
	if out.NormEps == 0 {
		out.NormEps = 1e-6
	}
	return out
}

// Validate reports fatal configuration problems.
func (c *Config) Validate() error {
	switch {
	case c.IOChannels <= 0:
		return fmt.Errorf("diffusion: io_channels must be positive")
	case c.Dim <= 0 || c.Depth <= 0 || c.Heads <= 0:
		return fmt.Errorf("diffusion: embed_dim, depth and num_heads must be positive")
	case c.Dim%c.Heads != 0:
		return fmt.Errorf("diffusion: embed_dim %d not divisible by num_heads %d", c.Dim, c.Heads)
	case (c.Dim/c.Heads)%2 != 0:
		return fmt.Errorf("diffusion: head dim %d must be even for rotary embedding", c.Dim/c.Heads)
	case c.CondTokenDim <= 0:
		return fmt.Errorf("diffusion: cond_token_dim must be positive")
	case c.GlobalDim <= 0:
		return fmt.Errorf("diffusion: global_cond_dim must be positive")
	case c.FFKernel != 0 && c.FFKernel%2 == 0:
		return fmt.Errorf("diffusion: ff_kernel must be odd")
	case c.Dropout < 0 || c.Dropout >= 1:
		return fmt.Errorf("diffusion: dropout %v out of range [0, 1)", c.Dropout)
	}
	return nil
}
