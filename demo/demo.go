// Package demo renders listening samples during training: a grid of
// conditioning inputs crossed with guidance scales, generated from the EMA
// weights and decoded to audio.
package demo

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/NVIDIA/elucidated-text-to-audio/conditioner"
	"github.com/NVIDIA/elucidated-text-to-audio/diffusion"
	"github.com/NVIDIA/elucidated-text-to-audio/nn"
	"github.com/NVIDIA/elucidated-text-to-audio/schedule"
	"github.com/NVIDIA/elucidated-text-to-audio/tensor"
)

// Codec turns latents back into audio. Implementations wrap the pretrained
// autoencoder; Decode must be safe for concurrent use.
type Codec interface {
	// Decode converts one latent [C, L] into per-channel samples.
	Decode(ctx context.Context, latent *tensor.Tensor) ([][]float32, error)
}

// Sink receives finished demos. label identifies the item and scale.
type Sink func(ctx context.Context, label string, audio [][]float32) error

// Config describes the demo grid.
type Config struct {
	// Inputs are the conditioning rows of the grid.
	Inputs []conditioner.ItemInputs `json:"-"`
	// GuidanceScales are the columns.
	GuidanceScales []float32 `json:"guidance_scales"`
	// Steps is the sampler step count per demo.
	Steps int `json:"steps"`
	// LatentLength is the generated latent sequence length.
	LatentLength int `json:"latent_length"`

	CrossIDs  []string `json:"cross_attention_ids"`
	GlobalIDs []string `json:"global_ids"`

	// Seed makes demo noise deterministic across runs.
	Seed uint64 `json:"seed"`

	// Workers caps concurrent codec decodes. Zero means unlimited.
	Workers int `json:"workers"`
}

// Generator owns a private copy of the network that EMA snapshots are
// materialized into, so rendering never touches live training weights.
type Generator struct {
	cfg      Config
	model    *diffusion.Transformer
	registry *conditioner.Registry
	codec    Codec
	sink     Sink
	log      *slog.Logger
}

// NewGenerator builds the private model copy from the same network
// configuration and registry layout the trainer uses.
func NewGenerator(cfg Config, model *diffusion.Transformer, registry *conditioner.Registry, codec Codec, sink Sink, log *slog.Logger) *Generator {
	if log == nil {
		log = slog.Default()
	}
	return &Generator{
		cfg:      cfg,
		model:    model,
		registry: registry,
		codec:    codec,
		sink:     sink,
		log:      log,
	}
}

// Render implements training.DemoFunc: it loads the EMA snapshot into the
// private model and generates the full grid. Sampling is sequential (it
// saturates the arithmetic already); decoding fans out per item.
func (g *Generator) Render(ctx context.Context, step uint64, ema map[string]*tensor.Tensor) error {
	bundle := struct {
		Model    *diffusion.Transformer `weight:"model"`
		Registry *conditioner.Registry  `weight:"conditioner"`
	}{g.model, g.registry}
	if err := nn.LoadStateDict(bundle, ema); err != nil {
		return fmt.Errorf("demo: materialize EMA weights: %w", err)
	}

	if len(g.cfg.Inputs) == 0 {
		return nil
	}
	encoded, err := g.registry.Encode(ctx, g.cfg.Inputs)
	if err != nil {
		return err
	}
	asm, err := g.registry.Assemble(encoded, g.cfg.CrossIDs, g.cfg.GlobalIDs)
	if err != nil {
		return err
	}
	cond := &diffusion.Conditioning{Tokens: asm.Tokens, Mask: asm.Mask, Global: asm.Global}

	mc := g.model.Config()
	b := len(g.cfg.Inputs)
	shape := []int{b, mc.IOChannels, g.cfg.LatentLength}

	for si, scale := range g.cfg.GuidanceScales {
		latents, err := schedule.Sample(ctx, g.model, cond, nil, shape, schedule.SampleOptions{
			Steps:         g.cfg.Steps,
			GuidanceScale: scale,
			Key:           tensor.NewKey(g.cfg.Seed).Derive(step).Derive(uint64(si)),
		})
		if err != nil {
			return err
		}

		grp, gctx := errgroup.WithContext(ctx)
		if g.cfg.Workers > 0 {
			grp.SetLimit(g.cfg.Workers)
		}
		for i := 0; i < b; i++ {
			item := tensor.SliceAxis(latents, 0, i, i+1)
			latent := tensor.Reshape(item, mc.IOChannels, g.cfg.LatentLength)
			label := fmt.Sprintf("step%d_item%d_cfg%g", step, i, scale)
			grp.Go(func() error {
				audio, err := g.codec.Decode(gctx, latent)
				if err != nil {
					return fmt.Errorf("demo: decode %s: %w", label, err)
				}
				if g.sink == nil {
					return nil
				}
				return g.sink(gctx, label, audio)
			})
		}
		if err := grp.Wait(); err != nil {
			return err
		}
		g.log.Info("demo grid rendered", "step", step, "scale", scale, "items", b)
	}
	return nil
}
