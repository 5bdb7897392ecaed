package training

import "math"

// LRConfig parameterizes the inverse-decay learning rate schedule with
// exponential warmup.
type LRConfig struct {
	// Base is the peak learning rate the warmup approaches.
	Base float64 `json:"lr"`
	// InvGamma is the decay timescale in steps. Zero means 20000.
	InvGamma float64 `json:"inv_gamma"`
	// Power is the decay exponent. Zero means 1.
	Power float64 `json:"power"`
	// Warmup in [0, 1) sets the warmup sharpness; higher is slower. The rate
	// at step s is scaled by 1 - Warmup^(s+1), so step 0 starts near zero.
	Warmup float64 `json:"warmup"`
}

func (c LRConfig) withDefaults() LRConfig {
	if c.InvGamma == 0 {
		c.InvGamma = 20000
	}
	if c.Power == 0 {
		c.Power = 1
	}
	return c
}

// LearningRate is the rate for an optimizer step index. Pure: the same
// (step, config) pair always yields the same rate, so resumed runs follow
// the identical curve.
func LearningRate(step uint64, cfg LRConfig) float64 {
	cfg = cfg.withDefaults()
	warmup := 1.0
	if cfg.Warmup > 0 {
		warmup = 1 - math.Pow(cfg.Warmup, float64(step)+1)
	}
	decay := math.Pow(1+float64(step)/cfg.InvGamma, -cfg.Power)
	return warmup * cfg.Base * decay
}
