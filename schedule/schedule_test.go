package schedule

import (
	"context"
	"math"
	"testing"

	"github.com/NVIDIA/elucidated-text-to-audio/diffusion"
	"github.com/NVIDIA/elucidated-text-to-audio/tensor"
)

func TestInterpolateExactAtBoundaries(t *testing.T) {
	key := tensor.NewKey(1)
	clean := tensor.RandomNormal(key.Derive(0), 2, 4, 8)
	noise := tensor.RandomNormal(key.Derive(1), 2, 4, 8)

	atZero := Interpolate(clean, noise, tensor.Full(0, 2, 1))
	for i := range clean.Data() {
		if atZero.Data()[i] != clean.Data()[i] {
			t.Fatalf("t=0: position %d = %v, want exactly %v", i, atZero.Data()[i], clean.Data()[i])
		}
	}
	atOne := Interpolate(clean, noise, tensor.Full(1, 2, 1))
	for i := range noise.Data() {
		if atOne.Data()[i] != noise.Data()[i] {
			t.Fatalf("t=1: position %d = %v, want exactly %v", i, atOne.Data()[i], noise.Data()[i])
		}
	}
}

func TestVelocityIsPathDerivative(t *testing.T) {
	key := tensor.NewKey(2)
	clean := tensor.RandomNormal(key.Derive(0), 1, 2, 4)
	noise := tensor.RandomNormal(key.Derive(1), 1, 2, 4)
	v := Velocity(clean, noise)

	// Finite difference along the path must equal the velocity everywhere.
	a := Interpolate(clean, noise, tensor.Full(0.25, 1, 1))
	b := Interpolate(clean, noise, tensor.Full(0.75, 1, 1))
	for i := range v.Data() {
		fd := (b.Data()[i] - a.Data()[i]) / 0.5
		if d := math.Abs(float64(fd - v.Data()[i])); d > 1e-5 {
			t.Fatalf("path derivative %v != velocity %v at %d", fd, v.Data()[i], i)
		}
	}
}

func TestSampleTimestepsInOpenUnitInterval(t *testing.T) {
	ts := SampleTimesteps(tensor.NewKey(3), 512, TimestepOptions{})
	for i, v := range ts.Data() {
		if v <= 0 || v >= 1 {
			t.Fatalf("timestep[%d] = %v, want in (0, 1)", i, v)
		}
	}
}

func TestSampleTimestepsReproducible(t *testing.T) {
	a := SampleTimesteps(tensor.NewKey(7), 16, TimestepOptions{})
	b := SampleTimesteps(tensor.NewKey(7), 16, TimestepOptions{})
	for i := range a.Data() {
		if a.Data()[i] != b.Data()[i] {
			t.Fatal("same key must reproduce the same timesteps")
		}
	}
	c := SampleTimesteps(tensor.NewKey(8), 16, TimestepOptions{})
	same := true
	for i := range a.Data() {
		if a.Data()[i] != c.Data()[i] {
			same = false
		}
	}
	if same {
		t.Fatal("different keys produced identical timesteps")
	}
}

func TestLossZeroOnExactPrediction(t *testing.T) {
	key := tensor.NewKey(4)
	target := tensor.RandomNormal(key, 2, 4, 8)
	ts := tensor.Full(0.5, 2, 1)
	loss := Loss(target, target, ts, LossOptions{})
	if loss.Item() != 0 {
		t.Fatalf("loss on exact prediction = %v, want 0", loss.Item())
	}
}

func TestLossDebiasWeightsClamped(t *testing.T) {
	key := tensor.NewKey(5)
	pred := tensor.RandomNormal(key.Derive(0), 2, 2, 4)
	target := tensor.RandomNormal(key.Derive(1), 2, 2, 4)
	// Extreme timesteps have near-zero density; the inverse must clamp
	// rather than blow up.
	ts := tensor.New([]float32{0.0001, 0.9999}, 2, 1)
	loss := Loss(pred, target, ts, LossOptions{Debias: true, MaxWeight: 10})
	base := Loss(pred, target, ts, LossOptions{})
	if v := loss.Item(); math.IsInf(float64(v), 0) || math.IsNaN(float64(v)) {
		t.Fatalf("debiased loss = %v, want finite", v)
	}
	if loss.Item() > 10*base.Item() {
		t.Fatalf("debiased loss %v exceeds the weight clamp times base %v", loss.Item(), base.Item())
	}
}

// countingDenoiser returns a fixed velocity and records how it was called.
type countingDenoiser struct {
	evals     int
	condVel   float32
	uncondVel float32
	cond      *diffusion.Conditioning
}

func (d *countingDenoiser) Forward(latent, t *tensor.Tensor, cond *diffusion.Conditioning, _ diffusion.ForwardOptions) *tensor.Tensor {
	d.evals++
	v := d.uncondVel
	if cond == d.cond {
		v = d.condVel
	}
	return tensor.Full(v, latent.Shape()...)
}

func TestGuidanceScaleOneSkipsUnconditional(t *testing.T) {
	cond := &diffusion.Conditioning{}
	d := &countingDenoiser{cond: cond}
	_, err := Sample(context.Background(), d, cond, nil, []int{1, 2, 4}, SampleOptions{
		Steps:         10,
		GuidanceScale: 1,
		Key:           tensor.NewKey(1),
	})
	if err != nil {
		t.Fatal(err)
	}
	if d.evals != 10 {
		t.Fatalf("evaluations = %d, want exactly one per step (10)", d.evals)
	}
}

func TestGuidanceScaleAboveOneEvaluatesBothBranches(t *testing.T) {
	cond := &diffusion.Conditioning{}
	d := &countingDenoiser{cond: cond}
	_, err := Sample(context.Background(), d, cond, nil, []int{1, 2, 4}, SampleOptions{
		Steps:         10,
		GuidanceScale: 3.5,
		Key:           tensor.NewKey(1),
	})
	if err != nil {
		t.Fatal(err)
	}
	if d.evals != 20 {
		t.Fatalf("evaluations = %d, want two per step (20)", d.evals)
	}
}

func TestGuidanceBlendsPredictions(t *testing.T) {
	cond := &diffusion.Conditioning{}
	d := &countingDenoiser{cond: cond, condVel: 1, uncondVel: 0}
	key := tensor.NewKey(9)
	out, err := Sample(context.Background(), d, cond, nil, []int{1, 1, 2}, SampleOptions{
		Steps:         4,
		GuidanceScale: 3.5,
		Key:           key,
	})
	if err != nil {
		t.Fatal(err)
	}
	// Guided velocity is 0 + 3.5*(1-0) = 3.5 at every step; integrating from
	// t=1 to t=0 subtracts it once.
	noise := tensor.RandomNormal(key, 1, 1, 2)
	for i := range out.Data() {
		want := noise.Data()[i] - 3.5
		if d := math.Abs(float64(out.Data()[i] - want)); d > 1e-5 {
			t.Fatalf("sample[%d] = %v, want %v", i, out.Data()[i], want)
		}
	}
}

func TestConstantVelocityRecovery(t *testing.T) {
	cond := &diffusion.Conditioning{}
	d := &countingDenoiser{cond: cond, condVel: 2}
	key := tensor.NewKey(11)
	out, err := Sample(context.Background(), d, cond, nil, []int{1, 2, 3}, SampleOptions{
		Steps:         50,
		GuidanceScale: 1,
		Key:           key,
	})
	if err != nil {
		t.Fatal(err)
	}
	noise := tensor.RandomNormal(key, 1, 2, 3)
	for i := range out.Data() {
		want := noise.Data()[i] - 2
		if diff := math.Abs(float64(out.Data()[i] - want)); diff > 1e-4 {
			t.Fatalf("integrated sample[%d] = %v, want %v", i, out.Data()[i], want)
		}
	}
}

func TestSampleHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cond := &diffusion.Conditioning{}
	d := &countingDenoiser{cond: cond}
	_, err := Sample(ctx, d, cond, nil, []int{1, 1, 1}, SampleOptions{
		Steps: 5, GuidanceScale: 1, Key: tensor.NewKey(1),
	})
	if err == nil {
		t.Fatal("canceled context should abort sampling")
	}
	if d.evals != 0 {
		t.Fatalf("canceled before start, but model was evaluated %d times", d.evals)
	}
}

func TestSampleProgressCallback(t *testing.T) {
	cond := &diffusion.Conditioning{}
	d := &countingDenoiser{cond: cond}
	var seen []int
	_, err := Sample(context.Background(), d, cond, nil, []int{1, 1, 1}, SampleOptions{
		Steps: 3, GuidanceScale: 1, Key: tensor.NewKey(1),
		Progress: func(step, total int) { seen = append(seen, step) },
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(seen) != 3 || seen[0] != 1 || seen[2] != 3 {
		t.Fatalf("progress callbacks = %v, want [1 2 3]", seen)
	}
}
