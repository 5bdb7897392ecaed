package cmd

import (
	"context"
	"fmt"

	"github.com/NVIDIA/elucidated-text-to-audio/conditioner"
	"github.com/NVIDIA/elucidated-text-to-audio/config"
	"github.com/NVIDIA/elucidated-text-to-audio/tensor"
	"github.com/NVIDIA/elucidated-text-to-audio/training"
)

// embeddingEncoder serves precomputed text embeddings from a safetensors
// table keyed by the literal prompt string. The pretrained text encoder runs
// offline; training only needs its outputs.
type embeddingEncoder struct {
	table map[string]*tensor.Tensor
	dim   int
}

func openEmbeddingTable(path string, dim int) (*embeddingEncoder, error) {
	table, err := training.ReadSafetensors(path)
	if err != nil {
		return nil, err
	}
	for text, t := range table {
		if t.Ndim() != 2 || t.Dim(1) != dim {
			return nil, fmt.Errorf("embedding for %q has shape %v, want [*, %d]", text, t.Shape(), dim)
		}
	}
	return &embeddingEncoder{table: table, dim: dim}, nil
}

func (e *embeddingEncoder) Encode(_ context.Context, text string, maxLength int) (*tensor.Tensor, []bool, error) {
	emb, ok := e.table[text]
	if !ok {
		return nil, nil, fmt.Errorf("no precomputed embedding for %q", text)
	}
	n := emb.Dim(0)
	if n > maxLength {
		n = maxLength
	}
	out := tensor.Zeros(maxLength, e.dim)
	copy(out.Data(), emb.Data()[:n*e.dim])
	mask := make([]bool, maxLength)
	for i := 0; i < n; i++ {
		mask[i] = true
	}
	return out, mask, nil
}

// encoderFactory builds text encoders from the --text-embeddings table.
// Configurations without text conditioners never call it.
func encoderFactory(path string) config.TextEncoderFactory {
	return func(spec config.ConditionerSpec) (conditioner.TextEncoder, error) {
		if path == "" {
			return nil, fmt.Errorf("conditioner %q needs --text-embeddings", spec.ID)
		}
		return openEmbeddingTable(path, spec.EmbedDim)
	}
}
