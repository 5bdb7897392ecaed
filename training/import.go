package training

import (
	"fmt"
	"strings"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"

	"github.com/NVIDIA/elucidated-text-to-audio/tensor"
)

// ImportTorchStateDict reads a pickled pytorch checkpoint and returns its
// tensors as a flat state dict. Keys are passed through replacer first, so
// callers can map the source naming scheme onto module parameter names.
// Non-float storages are rejected.
func ImportTorchStateDict(path string, replacer *strings.Replacer) (map[string]*tensor.Tensor, error) {
	loaded, err := pytorch.Load(path)
	if err != nil {
		return nil, fmt.Errorf("training: load %s: %w", path, err)
	}

	dict, ok := loaded.(*types.Dict)
	if !ok {
		// Checkpoints saved as {"state_dict": {...}} wrap the weights once.
		return nil, fmt.Errorf("training: %s: expected a state dict, got %T", path, loaded)
	}
	if inner, ok := dict.Get("state_dict"); ok {
		if d, ok := inner.(*types.Dict); ok {
			dict = d
		}
	}

	out := make(map[string]*tensor.Tensor, dict.Len())
	for _, key := range dict.Keys() {
		name, ok := key.(string)
		if !ok {
			return nil, fmt.Errorf("training: %s: non-string key %v", path, key)
		}
		entry := dict.MustGet(key)
		pt, ok := entry.(*pytorch.Tensor)
		if !ok {
			continue // optimizer state, scalars
		}
		data, err := storageFloats(pt)
		if err != nil {
			return nil, fmt.Errorf("training: %s: tensor %q: %w", path, name, err)
		}
		if replacer != nil {
			name = replacer.Replace(name)
		}
		out[name] = tensor.New(data, pt.Size...)
	}
	return out, nil
}

// storageFloats materializes a pytorch tensor's storage as float32, honoring
// the tensor's own offset and length so shared storages read correctly.
func storageFloats(pt *pytorch.Tensor) ([]float32, error) {
	n := 1
	for _, d := range pt.Size {
		n *= d
	}
	out := make([]float32, n)
	switch src := pt.Source.(type) {
	case *pytorch.FloatStorage:
		copy(out, src.Data[pt.StorageOffset:pt.StorageOffset+n])
	case *pytorch.DoubleStorage:
		for i := 0; i < n; i++ {
			out[i] = float32(src.Data[pt.StorageOffset+i])
		}
	case *pytorch.HalfStorage:
		copy(out, src.Data[pt.StorageOffset:pt.StorageOffset+n])
	default:
		return nil, fmt.Errorf("unsupported storage %T", pt.Source)
	}
	return out, nil
}
