package diffusion

import (
	"math"
	"testing"

	"github.com/NVIDIA/elucidated-text-to-audio/nn"
	"github.com/NVIDIA/elucidated-text-to-audio/tensor"
)

func testConfig() Config {
	return Config{
		IOChannels:   4,
		Dim:          32,
		Depth:        2,
		Heads:        4,
		CondTokenDim: 12,
		GlobalDim:    16,
		FFKernel:     3,
		FFMult:       2,
	}
}

// randomize replaces every parameter with small random values so the
// zero-initialized output path actually produces signal.
func randomize(t *testing.T, m *Transformer, seed uint64) {
	t.Helper()
	key := tensor.NewKey(seed)
	dict := nn.StateDict(m)
	for i, name := range nn.SortedNames(dict) {
		p := dict[name]
		src := tensor.RandomNormalScaled(key.Derive(uint64(i)), 0.05, p.Shape()...)
		copy(p.Data(), src.Data())
	}
}

func testConditioning(b, s int, cfg Config) *Conditioning {
	key := tensor.NewKey(7)
	mask := make([][]bool, b)
	for i := range mask {
		mask[i] = make([]bool, s)
		for j := 0; j < s-1; j++ {
			mask[i][j] = true
		}
	}
	return &Conditioning{
		Tokens: tensor.RandomNormal(key.Derive(0), b, s, cfg.CondTokenDim),
		Mask:   mask,
		Global: tensor.RandomNormal(key.Derive(1), b, cfg.GlobalDim),
	}
}

func TestForwardShape(t *testing.T) {
	for _, project := range []bool{false, true} {
		cfg := testConfig()
		cfg.ProjectConditioning = project
		m, err := New(tensor.NewKey(1), cfg)
		if err != nil {
			t.Fatal(err)
		}
		randomize(t, m, 2)

		latent := tensor.RandomNormal(tensor.NewKey(3), 2, cfg.IOChannels, 10)
		tt := tensor.New([]float32{0.3, 0.8}, 2, 1)
		out := m.Forward(latent, tt, testConditioning(2, 6, cfg), ForwardOptions{})
		want := []int{2, cfg.IOChannels, 10}
		for i, d := range want {
			if out.Dim(i) != d {
				t.Fatalf("project=%v: output shape %v, want %v", project, out.Shape(), want)
			}
		}
	}
}

func TestUnconditionalForward(t *testing.T) {
	cfg := testConfig()
	m, err := New(tensor.NewKey(1), cfg)
	if err != nil {
		t.Fatal(err)
	}
	randomize(t, m, 2)
	latent := tensor.RandomNormal(tensor.NewKey(3), 1, cfg.IOChannels, 8)
	tt := tensor.New([]float32{0.5}, 1, 1)
	out := m.Forward(latent, tt, nil, ForwardOptions{})
	if out.Dim(2) != 8 {
		t.Fatalf("unconditional output shape = %v", out.Shape())
	}
}

func TestFusedMatchesReference(t *testing.T) {
	cfgRef := testConfig()
	cfgFused := cfgRef
	cfgFused.FusedAttention = true

	ref, err := New(tensor.NewKey(1), cfgRef)
	if err != nil {
		t.Fatal(err)
	}
	fused, err := New(tensor.NewKey(1), cfgFused)
	if err != nil {
		t.Fatal(err)
	}
	randomize(t, ref, 9)
	randomize(t, fused, 9)

	latent := tensor.RandomNormal(tensor.NewKey(3), 2, cfgRef.IOChannels, 12)
	tt := tensor.New([]float32{0.2, 0.9}, 2, 1)
	cond := testConditioning(2, 5, cfgRef)

	a := ref.Forward(latent, tt, cond, ForwardOptions{})
	b := fused.Forward(latent, tt, cond, ForwardOptions{})
	for i := range a.Data() {
		if d := math.Abs(float64(a.Data()[i] - b.Data()[i])); d > 1e-4 {
			t.Fatalf("fused and reference attention disagree at %d: %v vs %v", i, a.Data()[i], b.Data()[i])
		}
	}
}

func TestMaskedTokensDoNotAffectOutput(t *testing.T) {
	cfg := testConfig()
	m, err := New(tensor.NewKey(1), cfg)
	if err != nil {
		t.Fatal(err)
	}
	randomize(t, m, 4)

	latent := tensor.RandomNormal(tensor.NewKey(3), 1, cfg.IOChannels, 6)
	tt := tensor.New([]float32{0.4}, 1, 1)

	cond := testConditioning(1, 4, cfg)
	// Scribble over the masked (last) token; output must not move.
	altTokens := cond.Tokens.Clone()
	for j := 0; j < cfg.CondTokenDim; j++ {
		altTokens.SetAt(1e4, 0, 3, j)
	}
	alt := &Conditioning{Tokens: altTokens, Mask: cond.Mask, Global: cond.Global}

	a := m.Forward(latent, tt, cond, ForwardOptions{})
	b := m.Forward(latent, tt, alt, ForwardOptions{})
	for i := range a.Data() {
		if a.Data()[i] != b.Data()[i] {
			t.Fatalf("masked token leaked into output at %d", i)
		}
	}
}

func TestFullyMaskedItemProducesFiniteOutput(t *testing.T) {
	for _, fusedAttn := range []bool{false, true} {
		cfg := testConfig()
		cfg.FusedAttention = fusedAttn
		m, err := New(tensor.NewKey(1), cfg)
		if err != nil {
			t.Fatal(err)
		}
		randomize(t, m, 6)

		// Item 0 has no valid conditioning tokens at all; its queries attend
		// to nothing and cross-attention contributes zero.
		cond := testConditioning(2, 4, cfg)
		for j := range cond.Mask[0] {
			cond.Mask[0][j] = false
		}

		latent := tensor.RandomNormal(tensor.NewKey(3), 2, cfg.IOChannels, 6)
		tt := tensor.New([]float32{0.3, 0.7}, 2, 1)
		out := m.Forward(latent, tt, cond, ForwardOptions{})
		if !tensor.IsFinite(out) {
			t.Fatalf("fused=%v: fully masked item produced non-finite output", fusedAttn)
		}
	}
}

func TestZeroInitPredictsZeroVelocity(t *testing.T) {
	cfg := testConfig()
	m, err := New(tensor.NewKey(1), cfg)
	if err != nil {
		t.Fatal(err)
	}
	latent := tensor.RandomNormal(tensor.NewKey(3), 1, cfg.IOChannels, 6)
	tt := tensor.New([]float32{0.5}, 1, 1)
	out := m.Forward(latent, tt, testConditioning(1, 4, cfg), ForwardOptions{})
	for i, v := range out.Data() {
		if v != 0 {
			t.Fatalf("fresh network output[%d] = %v, want 0", i, v)
		}
	}
}

func TestGradientReachesEveryTrainableParameter(t *testing.T) {
	cfg := testConfig()
	cfg.Depth = 1
	m, err := New(tensor.NewKey(1), cfg)
	if err != nil {
		t.Fatal(err)
	}
	randomize(t, m, 5)

	latent := tensor.RandomNormal(tensor.NewKey(3), 1, cfg.IOChannels, 6)
	tt := tensor.New([]float32{0.5}, 1, 1)
	out := m.Forward(latent, tt, testConditioning(1, 4, cfg), ForwardOptions{})
	tensor.Backward(tensor.MeanAll(tensor.Square(out)))

	for _, p := range nn.Parameters(m) {
		if p.Tensor.Grad() == nil {
			t.Errorf("parameter %s received no gradient", p.Name)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	bad := testConfig()
	bad.Heads = 5 // 32 % 5 != 0
	if _, err := New(tensor.NewKey(1), bad); err == nil {
		t.Fatal("expected divisibility error")
	}
	bad = testConfig()
	bad.FFKernel = 2
	if _, err := New(tensor.NewKey(1), bad); err == nil {
		t.Fatal("expected odd-kernel error")
	}
}
