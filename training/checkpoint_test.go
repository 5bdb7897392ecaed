package training

import (
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/NVIDIA/elucidated-text-to-audio/tensor"
)

func TestSafetensorsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weights.safetensors")
	in := map[string]*tensor.Tensor{
		"a.weight": tensor.RandomNormal(tensor.NewKey(1), 3, 4),
		"b.bias":   tensor.New([]float32{-1.5, 0, 2.25}, 3),
	}
	if err := WriteSafetensors(path, in, false); err != nil {
		t.Fatal(err)
	}
	out, err := ReadSafetensors(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != len(in) {
		t.Fatalf("read %d tensors, want %d", len(out), len(in))
	}
	for name, want := range in {
		got, ok := out[name]
		if !ok {
			t.Fatalf("missing tensor %q", name)
		}
		for i := range want.Data() {
			if got.Data()[i] != want.Data()[i] {
				t.Fatalf("%s[%d] = %v, want %v (f32 must round-trip exactly)", name, i, got.Data()[i], want.Data()[i])
			}
		}
	}
}

func TestSafetensorsHalfPrecisionTolerance(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weights.safetensors")
	in := map[string]*tensor.Tensor{"w": tensor.RandomNormal(tensor.NewKey(2), 64)}
	if err := WriteSafetensors(path, in, true); err != nil {
		t.Fatal(err)
	}
	out, err := ReadSafetensors(path)
	if err != nil {
		t.Fatal(err)
	}
	for i, want := range in["w"].Data() {
		got := out["w"].Data()[i]
		if d := math.Abs(float64(got - want)); d > 5e-3 {
			t.Fatalf("w[%d]: f16 round trip error %v too large (%v vs %v)", i, d, got, want)
		}
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ckpt.safetensors")
	ckpt := &Checkpoint{
		Model:  map[string]*tensor.Tensor{"model.w": tensor.New([]float32{1, 2}, 2)},
		OptimM: map[string][]float32{"model.w": {0.1, 0.2}},
		OptimV: map[string][]float32{"model.w": {0.01, 0.02}},
		EMA:    map[string]*tensor.Tensor{"model.w": tensor.New([]float32{1.5, 2.5}, 2)},
		Meta: Meta{
			RunID:     "run-1234",
			Step:      42,
			OptimStep: 40,
			Seed:      7,
			SavedAt:   time.Now().UTC(),
		},
	}
	if err := ckpt.Save(path, false); err != nil {
		t.Fatal(err)
	}
	got, err := LoadCheckpoint(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Meta.Step != 42 || got.Meta.RunID != "run-1234" || got.Meta.Seed != 7 || got.Meta.OptimStep != 40 {
		t.Fatalf("sidecar meta = %+v", got.Meta)
	}
	if got.Model["model.w"].Data()[1] != 2 {
		t.Fatal("model weights did not survive")
	}
	if got.OptimM["model.w"][0] != 0.1 || got.OptimV["model.w"][1] != 0.02 {
		t.Fatal("optimizer moments did not survive")
	}
	if got.EMA["model.w"].Data()[0] != 1.5 {
		t.Fatal("EMA shadow did not survive")
	}
}

func TestCheckpointHalfKeepsMomentsExact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ckpt.safetensors")
	ckpt := &Checkpoint{
		Model:  map[string]*tensor.Tensor{"w": tensor.New([]float32{0.123456789}, 1)},
		OptimM: map[string][]float32{"w": {0.000123456789}},
		OptimV: map[string][]float32{"w": {0.000000123456}},
		EMA:    map[string]*tensor.Tensor{},
		Meta:   Meta{RunID: "r", Seed: 1},
	}
	if err := ckpt.Save(path, true); err != nil {
		t.Fatal(err)
	}
	got, err := LoadCheckpoint(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.OptimM["w"][0] != 0.000123456789 {
		t.Fatal("half-precision checkpoints must keep optimizer moments in full precision")
	}
}

func TestReadSafetensorsRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.safetensors")
	if err := WriteSafetensors(path, map[string]*tensor.Tensor{"w": tensor.Ones(2)}, false); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadSafetensors(filepath.Join(t.TempDir(), "missing.safetensors")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
