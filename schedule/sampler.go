package schedule

import (
	"context"
	"fmt"

	"github.com/NVIDIA/elucidated-text-to-audio/diffusion"
	"github.com/NVIDIA/elucidated-text-to-audio/tensor"
)

// Denoiser is the velocity predictor the sampler integrates. Implemented by
// *diffusion.Transformer.
type Denoiser interface {
	Forward(latent, t *tensor.Tensor, cond *diffusion.Conditioning, opts diffusion.ForwardOptions) *tensor.Tensor
}

// SampleOptions control reverse-time integration.
type SampleOptions struct {
	// Steps is the number of Euler steps from t=1 to t=0.
	Steps int
	// GuidanceScale blends conditional and unconditional predictions. At
	// exactly 1 the unconditional branch is never evaluated.
	GuidanceScale float32
	// Key seeds the initial noise.
	Key tensor.Key
	// Progress, when set, is called after each completed step.
	Progress func(step, total int)
}

// Sample integrates the flow from pure noise at t=1 down to a clean latent
// at t=0, applying classifier-free guidance when GuidanceScale differs
// from 1. Shape is [B, C, L]. Cancellation is checked at step boundaries;
// a canceled context returns ctx.Err with no partial result.
func Sample(ctx context.Context, model Denoiser, cond, uncond *diffusion.Conditioning, shape []int, opts SampleOptions) (*tensor.Tensor, error) {
	if len(shape) != 3 {
		return nil, fmt.Errorf("schedule: latent shape must be [B, C, L], got %v", shape)
	}
	times, err := Times(opts.Steps)
	if err != nil {
		return nil, err
	}
	if opts.GuidanceScale != 1 && uncond == nil {
		uncond = nullConditioning(cond)
	}

	b := shape[0]
	x := tensor.RandomNormal(opts.Key, shape...)
	for i := 0; i < opts.Steps; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tCur, tNext := times[i], times[i+1]
		tBatch := tensor.Full(tCur, b, 1)

		v := guidedVelocity(model, x, tBatch, cond, uncond, opts.GuidanceScale)
		x = tensor.Detach(ReverseStep(x, v, tCur, tNext))

		if opts.Progress != nil {
			opts.Progress(i+1, opts.Steps)
		}
	}
	return x, nil
}

// nullConditioning is the default unconditional branch: zeroed tokens and
// global vector with the conditional mask, matching how the unconditional
// path is trained under conditioning dropout.
func nullConditioning(cond *diffusion.Conditioning) *diffusion.Conditioning {
	if cond == nil {
		return &diffusion.Conditioning{}
	}
	out := &diffusion.Conditioning{Mask: cond.Mask}
	if cond.Tokens != nil {
		out.Tokens = tensor.Zeros(cond.Tokens.Shape()...)
	}
	if cond.Global != nil {
		out.Global = tensor.Zeros(cond.Global.Shape()...)
	}
	return out
}

// guidedVelocity evaluates the model once at scale 1, twice otherwise:
// uncond + scale * (cond - uncond).
func guidedVelocity(model Denoiser, x, t *tensor.Tensor, cond, uncond *diffusion.Conditioning, scale float32) *tensor.Tensor {
	c := model.Forward(x, t, cond, diffusion.ForwardOptions{})
	if scale == 1 {
		return c
	}
	u := model.Forward(x, t, uncond, diffusion.ForwardOptions{})
	return tensor.Add(u, tensor.MulScalar(tensor.Sub(c, u), scale))
}
