package tensor

import (
	"math"

	"golang.org/x/exp/rand"
)

// Key seeds a random draw. Keys are cheap values derived from the run seed;
// there is no shared mutable generator state anywhere in the package, so a
// seeded computation replays exactly.
type Key uint64

// NewKey creates a key from a seed.
func NewKey(seed uint64) Key { return Key(splitmix(seed)) }

// Derive produces an independent child key for the given label. Deriving the
// same label from the same key always yields the same child.
func (k Key) Derive(label uint64) Key {
	return Key(splitmix(uint64(k) ^ splitmix(label)))
}

// splitmix is the splitmix64 finalizer, used purely for key derivation.
func splitmix(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

func (k Key) rng() *rand.Rand {
	return rand.New(rand.NewSource(uint64(k)))
}

// RandomNormal draws iid standard normal values.
func RandomNormal(k Key, shape ...int) *Tensor {
	rng := k.rng()
	out := empty(shape)
	for i := range out.data {
		out.data[i] = float32(rng.NormFloat64())
	}
	return out
}

// RandomNormalScaled draws normal values with the given standard deviation.
func RandomNormalScaled(k Key, std float32, shape ...int) *Tensor {
	rng := k.rng()
	out := empty(shape)
	for i := range out.data {
		out.data[i] = float32(rng.NormFloat64()) * std
	}
	return out
}

// RandomUniform draws iid values in [0, 1).
func RandomUniform(k Key, shape ...int) *Tensor {
	rng := k.rng()
	out := empty(shape)
	for i := range out.data {
		out.data[i] = float32(rng.Float64())
	}
	return out
}

// Bernoulli draws 0/1 values that are 1 with probability p.
func Bernoulli(k Key, p float32, shape ...int) *Tensor {
	rng := k.rng()
	out := empty(shape)
	for i := range out.data {
		if rng.Float64() < float64(p) {
			out.data[i] = 1
		}
	}
	return out
}

// KaimingUniform draws from U(-b, b) with b = sqrt(1/fanIn), the default
// linear-layer initialization.
func KaimingUniform(k Key, fanIn int, shape ...int) *Tensor {
	bound := float32(math.Sqrt(1 / float64(fanIn)))
	rng := k.rng()
	out := empty(shape)
	for i := range out.data {
		out.data[i] = (2*float32(rng.Float64()) - 1) * bound
	}
	return out
}
