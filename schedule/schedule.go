// Package schedule implements the rectified-flow formulation: timestep
// sampling, the linear interpolation path between data and noise, the
// velocity regression loss, and reverse-time Euler sampling with
// classifier-free guidance.
package schedule

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/NVIDIA/elucidated-text-to-audio/tensor"
)

// TimestepOptions parameterize the logit-normal timestep distribution.
type TimestepOptions struct {
	// Mean and Std shape the underlying normal draw; its sigmoid is the
	// timestep. Zero values give the standard logit-normal.
	Mean float64 `json:"timestep_mean"`
	Std  float64 `json:"timestep_std"`
}

func (o TimestepOptions) std() float64 {
	if o.Std == 0 {
		return 1
	}
	return o.Std
}

// SampleTimesteps draws n timesteps in (0, 1) from the logit-normal
// distribution: dense near 0.5, sparse near the endpoints, where the
// velocity target is hardest to regress.
func SampleTimesteps(key tensor.Key, n int, opts TimestepOptions) *tensor.Tensor {
	dist := distuv.Normal{
		Mu:    opts.Mean,
		Sigma: opts.std(),
		Src:   rand.NewSource(uint64(key)),
	}
	data := make([]float32, n)
	for i := range data {
		data[i] = float32(1 / (1 + math.Exp(-dist.Rand())))
	}
	return tensor.New(data, n, 1)
}

// Interpolate places clean [B, C, L] at position t [B, 1] along the straight
// path to noise: (1-t)*clean + t*noise. At t=0 the result is exactly clean
// and at t=1 exactly noise.
func Interpolate(clean, noise, t *tensor.Tensor) *tensor.Tensor {
	tb := tensor.ExpandDims(t, 2) // [B, 1, 1]
	return tensor.Add(
		tensor.Mul(clean, tensor.AddScalar(tensor.Neg(tb), 1)),
		tensor.Mul(noise, tb),
	)
}

// Velocity is the regression target of rectified flow: the constant
// derivative of the interpolation path, noise - clean.
func Velocity(clean, noise *tensor.Tensor) *tensor.Tensor {
	return tensor.Sub(noise, clean)
}

// LossOptions control the velocity regression loss.
type LossOptions struct {
	// Debias reweights each item by the inverse of the timestep density,
	// undoing the logit-normal concentration so all times contribute
	// comparably in expectation.
	Debias bool `json:"debias_loss"`
	// MaxWeight clamps the debiasing weight; the density vanishes at the
	// endpoints so the raw inverse is unbounded. Zero means 10.
	MaxWeight float64 `json:"max_loss_weight"`

	Timesteps TimestepOptions `json:"-"`
}

// Loss is the mean over the batch of per-item mean squared velocity error,
// optionally debiased by timestep density. pred and target are [B, C, L],
// t is [B, 1].
func Loss(pred, target, t *tensor.Tensor, opts LossOptions) *tensor.Tensor {
	diff := tensor.Square(tensor.Sub(pred, target))
	perItem := tensor.Mean(tensor.Mean(diff, 2, false), 1, false) // [B]
	if !opts.Debias {
		return tensor.MeanAll(perItem)
	}

	maxW := opts.MaxWeight
	if maxW == 0 {
		maxW = 10
	}
	b := t.Dim(0)
	weights := make([]float32, b)
	for i := 0; i < b; i++ {
		w := 1 / logitNormalDensity(float64(t.At(i, 0)), opts.Timesteps)
		if w > maxW {
			w = maxW
		}
		weights[i] = float32(w)
	}
	weighted := tensor.Mul(perItem, tensor.New(weights, b))
	return tensor.MeanAll(weighted)
}

// logitNormalDensity is the pdf of sigmoid(Normal(mean, std)) at x in (0, 1).
func logitNormalDensity(x float64, opts TimestepOptions) float64 {
	const eps = 1e-5
	if x < eps {
		x = eps
	} else if x > 1-eps {
		x = 1 - eps
	}
	norm := distuv.Normal{Mu: opts.Mean, Sigma: opts.std()}
	logit := math.Log(x / (1 - x))
	return norm.Prob(logit) / (x * (1 - x))
}

// ReverseStep advances x from time tCur to tNext along the predicted
// velocity (explicit Euler). Sampling runs tCur > tNext, so the step
// subtracts velocity.
func ReverseStep(x, velocity *tensor.Tensor, tCur, tNext float32) *tensor.Tensor {
	return tensor.Add(x, tensor.MulScalar(velocity, tNext-tCur))
}

// Times returns the sampling grid: steps+1 values from 1 down to 0.
func Times(steps int) ([]float32, error) {
	if steps <= 0 {
		return nil, fmt.Errorf("schedule: steps must be positive, got %d", steps)
	}
	out := make([]float32, steps+1)
	for i := range out {
		out[i] = 1 - float32(i)/float32(steps)
	}
	out[steps] = 0
	return out, nil
}
