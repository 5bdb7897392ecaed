// Package config loads and validates the JSON model configuration: audio
// geometry, the conditioner declarations, network hyperparameters, and the
// training and demo settings.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/NVIDIA/elucidated-text-to-audio/conditioner"
	"github.com/NVIDIA/elucidated-text-to-audio/diffusion"
	"github.com/NVIDIA/elucidated-text-to-audio/tensor"
	"github.com/NVIDIA/elucidated-text-to-audio/training"
)

// Error is a fatal configuration problem, reported with the offending field.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// Audio describes the waveform geometry the latents correspond to.
type Audio struct {
	SampleRate int `json:"sample_rate"`
	// Channels is the waveform channel count; stereo is 2.
	Channels int `json:"audio_channels"`
	// SampleSize is the training clip length in samples.
	SampleSize int `json:"sample_size"`
	// Downsampling is the autoencoder's temporal compression ratio; latent
	// length is SampleSize / Downsampling.
	Downsampling int `json:"downsampling_ratio"`
}

// LatentLength is the latent sequence length of one training clip.
func (a Audio) LatentLength() int {
	if a.Downsampling == 0 {
		return 0
	}
	return a.SampleSize / a.Downsampling
}

// ConditionerSpec declares one conditioner instance.
type ConditionerSpec struct {
	ID   string `json:"id"`
	Kind string `json:"type"`
	// Text conditioners.
	MaxLength int `json:"max_length,omitempty"`
	EmbedDim  int `json:"embed_dim,omitempty"`
	// Number conditioners.
	MinVal float64 `json:"min_val,omitempty"`
	MaxVal float64 `json:"max_val,omitempty"`
}

// Conditioning declares the conditioner set and how outputs route into the
// network.
type Conditioning struct {
	Conditioners []ConditionerSpec `json:"configs"`
	CrossIDs     []string          `json:"cross_attention_cond_ids"`
	GlobalIDs    []string          `json:"global_cond_ids"`
}

// Demo configures the periodic listening samples.
type Demo struct {
	Prompts        []string  `json:"prompts"`
	SecondsTotal   float64   `json:"seconds_total"`
	GuidanceScales []float32 `json:"guidance_scales"`
	Steps          int       `json:"steps"`
}

// Model is the full configuration file.
type Model struct {
	Audio        Audio            `json:"audio"`
	Conditioning Conditioning     `json:"conditioning"`
	Diffusion    diffusion.Config `json:"diffusion"`
	Training     training.Config  `json:"training"`
	Demo         Demo             `json:"demo"`
}

// Load reads and validates a configuration file.
func Load(path string) (*Model, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Model
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate cross-checks the sections against each other.
func (m *Model) Validate() error {
	if m.Audio.SampleRate <= 0 {
		return &Error{Field: "audio.sample_rate", Reason: "must be positive"}
	}
	if m.Audio.Channels <= 0 {
		return &Error{Field: "audio.audio_channels", Reason: "must be positive"}
	}
	if m.Audio.Downsampling <= 0 {
		return &Error{Field: "audio.downsampling_ratio", Reason: "must be positive"}
	}
	if m.Audio.SampleSize%m.Audio.Downsampling != 0 {
		return &Error{Field: "audio.sample_size", Reason: "must be a multiple of downsampling_ratio"}
	}
	if err := m.Diffusion.Validate(); err != nil {
		return err
	}

	ids := make(map[string]bool, len(m.Conditioning.Conditioners))
	for _, spec := range m.Conditioning.Conditioners {
		if spec.ID == "" {
			return &Error{Field: "conditioning.configs", Reason: "conditioner without id"}
		}
		if ids[spec.ID] {
			return &Error{Field: "conditioning.configs", Reason: fmt.Sprintf("duplicate id %q", spec.ID)}
		}
		ids[spec.ID] = true
		switch spec.Kind {
		case "text":
			if spec.MaxLength <= 0 {
				return &Error{Field: spec.ID + ".max_length", Reason: "must be positive"}
			}
			if spec.EmbedDim <= 0 {
				return &Error{Field: spec.ID + ".embed_dim", Reason: "must be positive"}
			}
		case "number":
			if spec.MaxVal <= spec.MinVal {
				return &Error{Field: spec.ID + ".max_val", Reason: "must exceed min_val"}
			}
		default:
			return &Error{Field: spec.ID + ".type", Reason: fmt.Sprintf("unknown conditioner type %q", spec.Kind)}
		}
	}
	for _, id := range append(append([]string(nil), m.Conditioning.CrossIDs...), m.Conditioning.GlobalIDs...) {
		if !ids[id] {
			return &Error{Field: "conditioning", Reason: fmt.Sprintf("routing names undeclared conditioner %q", id)}
		}
	}

	for _, s := range m.Demo.GuidanceScales {
		if s < 0 {
			return &Error{Field: "demo.guidance_scales", Reason: "must be non-negative"}
		}
	}
	return nil
}

// TextEncoderFactory supplies the pretrained text encoder collaborator for a
// text conditioner declaration.
type TextEncoderFactory func(spec ConditionerSpec) (conditioner.TextEncoder, error)

// BuildRegistry instantiates the declared conditioners. Text conditioners
// need an encoder from the factory; number conditioners are self-contained.
func BuildRegistry(key tensor.Key, m *Model, encoders TextEncoderFactory) (*conditioner.Registry, error) {
	reg := conditioner.NewRegistry(key, m.Diffusion.CondTokenDim, m.Diffusion.GlobalDim)
	for i, spec := range m.Conditioning.Conditioners {
		var c conditioner.Conditioner
		switch spec.Kind {
		case "text":
			if encoders == nil {
				return nil, &Error{Field: spec.ID, Reason: "text conditioner declared but no encoder factory provided"}
			}
			enc, err := encoders(spec)
			if err != nil {
				return nil, err
			}
			c = conditioner.NewTextConditioner(key.Derive(uint64(i+1)), spec.ID, enc, spec.EmbedDim, m.Diffusion.CondTokenDim, spec.MaxLength)
		case "number":
			c = conditioner.NewNumberConditioner(key.Derive(uint64(i+1)), spec.ID, spec.MinVal, spec.MaxVal, m.Diffusion.CondTokenDim)
		default:
			return nil, &Error{Field: spec.ID + ".type", Reason: fmt.Sprintf("unknown conditioner type %q", spec.Kind)}
		}
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
