// Package training drives optimization: the AdamW optimizer with named
// parameter groups, the learning-rate schedule, the EMA shadow of the model,
// checkpointing, and the step loop that ties them together atomically.
package training

import (
	"math"
	"sort"
	"strings"

	"github.com/NVIDIA/elucidated-text-to-audio/nn"
)

// GroupConfig overrides optimizer hyperparameters for every parameter whose
// dotted name starts with Prefix. The longest matching prefix wins.
type GroupConfig struct {
	Prefix      string  `json:"prefix"`
	LRScale     float64 `json:"lr_scale"`
	WeightDecay float64 `json:"weight_decay"`
}

// AdamWConfig are the optimizer hyperparameters.
type AdamWConfig struct {
	Beta1       float64       `json:"beta1"`
	Beta2       float64       `json:"beta2"`
	Eps         float64       `json:"eps"`
	WeightDecay float64       `json:"weight_decay"`
	Groups      []GroupConfig `json:"groups"`
}

func (c AdamWConfig) withDefaults() AdamWConfig {
	if c.Beta1 == 0 {
		c.Beta1 = 0.9
	}
	if c.Beta2 == 0 {
		c.Beta2 = 0.999
	}
	if c.Eps == 0 {
		c.Eps = 1e-8
	}
	return c
}

type paramState struct {
	param   nn.NamedParameter
	m, v    []float32
	lrScale float64
	decay   float64
}

// AdamW is decoupled-weight-decay Adam over a fixed set of named parameters.
type AdamW struct {
	cfg    AdamWConfig
	states []*paramState
	step   uint64
}

// NewAdamW builds the optimizer. Group prefixes resolve against parameter
// names once, at construction.
func NewAdamW(params []nn.NamedParameter, cfg AdamWConfig) *AdamW {
	cfg = cfg.withDefaults()
	groups := append([]GroupConfig(nil), cfg.Groups...)
	sort.Slice(groups, func(i, j int) bool { return len(groups[i].Prefix) > len(groups[j].Prefix) })

	o := &AdamW{cfg: cfg}
	for _, p := range params {
		st := &paramState{
			param:   p,
			m:       make([]float32, p.Tensor.Numel()),
			v:       make([]float32, p.Tensor.Numel()),
			lrScale: 1,
			decay:   cfg.WeightDecay,
		}
		for _, g := range groups {
			if strings.HasPrefix(p.Name, g.Prefix) {
				if g.LRScale != 0 {
					st.lrScale = g.LRScale
				}
				st.decay = g.WeightDecay
				break
			}
		}
		o.states = append(o.states, st)
	}
	return o
}

// Step applies one update at the given learning rate using the gradients
// currently attached to the parameters. Parameters without a gradient are
// skipped.
func (o *AdamW) Step(lr float64) {
	o.step++
	c1 := 1 - math.Pow(o.cfg.Beta1, float64(o.step))
	c2 := 1 - math.Pow(o.cfg.Beta2, float64(o.step))
	b1, b2 := float32(o.cfg.Beta1), float32(o.cfg.Beta2)
	eps := float32(o.cfg.Eps)

	for _, st := range o.states {
		grad := st.param.Tensor.Grad()
		if grad == nil {
			continue
		}
		rate := float32(lr * st.lrScale)
		decay := float32(lr * st.lrScale * st.decay)
		w := st.param.Tensor.Data()
		g := grad.Data()
		for i := range w {
			st.m[i] = b1*st.m[i] + (1-b1)*g[i]
			st.v[i] = b2*st.v[i] + (1-b2)*g[i]*g[i]
			mHat := st.m[i] / float32(c1)
			vHat := st.v[i] / float32(c2)
			w[i] -= rate*mHat/(float32(math.Sqrt(float64(vHat)))+eps) + decay*w[i]
		}
	}
}

// ZeroGrad clears all parameter gradients.
func (o *AdamW) ZeroGrad() {
	for _, st := range o.states {
		st.param.Tensor.ZeroGrad()
	}
}

// StepCount is the number of committed updates.
func (o *AdamW) StepCount() uint64 { return o.step }

// State exposes the first and second moment buffers by parameter name, for
// checkpointing. The returned slices alias the live state.
func (o *AdamW) State() (m, v map[string][]float32) {
	m = make(map[string][]float32, len(o.states))
	v = make(map[string][]float32, len(o.states))
	for _, st := range o.states {
		m[st.param.Name] = st.m
		v[st.param.Name] = st.v
	}
	return m, v
}

// LoadState restores moment buffers from a checkpoint. Unknown names are
// ignored; missing names keep their zero state.
func (o *AdamW) LoadState(m, v map[string][]float32, step uint64) {
	for _, st := range o.states {
		if src, ok := m[st.param.Name]; ok && len(src) == len(st.m) {
			copy(st.m, src)
		}
		if src, ok := v[st.param.Name]; ok && len(src) == len(st.v) {
			copy(st.v, src)
		}
	}
	o.step = step
}
