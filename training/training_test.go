package training

import (
	"math"
	"testing"

	"github.com/NVIDIA/elucidated-text-to-audio/nn"
	"github.com/NVIDIA/elucidated-text-to-audio/tensor"
)

func TestLearningRateStartsNearZero(t *testing.T) {
	cfg := LRConfig{Base: 1e-4, Warmup: 0.99}
	if lr := LearningRate(0, cfg); lr > cfg.Base*0.02 {
		t.Fatalf("lr at step 0 = %v, want near zero", lr)
	}
}

func TestLearningRateWarmsUpThenDecays(t *testing.T) {
	cfg := LRConfig{Base: 1e-4, InvGamma: 1000, Power: 1, Warmup: 0.99}
	peakish := LearningRate(2000, cfg)
	if peakish < cfg.Base*0.2 {
		t.Fatalf("lr after warmup = %v, want a sizable fraction of base %v", peakish, cfg.Base)
	}
	// Strictly decaying once warmup has saturated.
	prev := LearningRate(3000, cfg)
	for step := uint64(4000); step <= 20000; step += 1000 {
		cur := LearningRate(step, cfg)
		if cur >= prev {
			t.Fatalf("lr not decaying: step %d has %v >= %v", step, cur, prev)
		}
		prev = cur
	}
}

func TestLearningRateAsymptote(t *testing.T) {
	cfg := LRConfig{Base: 1e-4, InvGamma: 100, Power: 1}
	if lr := LearningRate(100_000_000, cfg); lr > 1e-9 {
		t.Fatalf("lr at huge step = %v, want approaching zero", lr)
	}
}

func TestLearningRateIsPure(t *testing.T) {
	cfg := LRConfig{Base: 3e-4, InvGamma: 500, Power: 0.5, Warmup: 0.9}
	for _, step := range []uint64{0, 1, 17, 500, 99999} {
		if LearningRate(step, cfg) != LearningRate(step, cfg) {
			t.Fatalf("lr at step %d is not deterministic", step)
		}
	}
}

type quadratic struct {
	W *tensor.Tensor `weight:"w"`
}

func TestAdamWReducesQuadraticLoss(t *testing.T) {
	q := &quadratic{W: tensor.New([]float32{3, -2, 5, 1}, 4).AsParam()}
	opt := NewAdamW(nn.Parameters(q), AdamWConfig{})

	lossAt := func() float32 {
		return tensor.SumAll(tensor.Square(q.W)).Item()
	}
	first := lossAt()
	for i := 0; i < 200; i++ {
		loss := tensor.SumAll(tensor.Square(q.W))
		tensor.Backward(loss)
		opt.Step(0.1)
		opt.ZeroGrad()
	}
	if last := lossAt(); last >= first/10 {
		t.Fatalf("loss went %v -> %v, want at least 10x reduction", first, last)
	}
}

func TestAdamWGroupOverrides(t *testing.T) {
	type model struct {
		A *nn.Linear `weight:"blocks.0"`
		B *nn.Linear `weight:"out"`
	}
	key := tensor.NewKey(1)
	m := &model{A: nn.NewLinear(key.Derive(0), 2, 2, false), B: nn.NewLinear(key.Derive(1), 2, 2, false)}

	// Near-zero lr scale on the "out" group pins its parameter in place.
	opt := NewAdamW(nn.Parameters(m), AdamWConfig{
		Groups: []GroupConfig{{Prefix: "out", LRScale: 1e-12}},
	})
	before := append([]float32(nil), m.B.Weight.Data()...)

	x := tensor.New([]float32{1, 2, 3, 4}, 2, 2)
	loss := tensor.SumAll(tensor.Square(tensor.Add(m.A.Forward(x), m.B.Forward(x))))
	tensor.Backward(loss)
	opt.Step(0.05)

	for i := range before {
		if d := math.Abs(float64(m.B.Weight.Data()[i] - before[i])); d > 1e-6 {
			t.Fatalf("grouped parameter moved by %v despite near-zero lr scale", d)
		}
	}
	moved := false
	for _, g := range nn.Parameters(m) {
		if g.Name == "blocks.0.weight" && g.Tensor.Grad() != nil {
			moved = true
		}
	}
	if !moved {
		t.Fatal("ungrouped parameter received no gradient")
	}
}

func TestEMAConvergesToConstantParams(t *testing.T) {
	q := &quadratic{W: tensor.Full(4, 3).AsParam()}
	params := nn.Parameters(q)
	ema := NewEMA(params, 0.5)
	// Shadow starts at the params; move params once, then hold.
	copy(q.W.Data(), []float32{8, 8, 8})
	var prev float32 = 100
	for i := 0; i < 20; i++ {
		ema.Update(params)
		snap := ema.Snapshot()
		gap := float32(math.Abs(float64(snap["w"].Data()[0] - 8)))
		if gap > prev {
			t.Fatalf("EMA gap grew: %v -> %v", prev, gap)
		}
		prev = gap
	}
	if prev > 1e-4 {
		t.Fatalf("EMA did not converge to held parameter value, gap %v", prev)
	}
}

func TestEMASnapshotIsIsolated(t *testing.T) {
	q := &quadratic{W: tensor.Full(1, 2).AsParam()}
	ema := NewEMA(nn.Parameters(q), 0.9)
	snap := ema.Snapshot()
	snap["w"].Data()[0] = 999
	if v := ema.Snapshot()["w"].Data()[0]; v == 999 {
		t.Fatal("mutating a snapshot leaked into the shadow")
	}
}
