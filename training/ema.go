package training

import (
	"sync"

	"github.com/NVIDIA/elucidated-text-to-audio/nn"
	"github.com/NVIDIA/elucidated-text-to-audio/tensor"
)

// EMA maintains an exponential moving average of model parameters. Readers
// take snapshots; the trainer updates the shadow after each committed
// optimizer step. Both paths lock, so a snapshot never observes a
// half-applied update.
type EMA struct {
	mu     sync.Mutex
	decay  float32
	shadow map[string][]float32
	shapes map[string][]int
}

// NewEMA seeds the shadow from the current parameter values.
func NewEMA(params []nn.NamedParameter, decay float64) *EMA {
	e := &EMA{
		decay:  float32(decay),
		shadow: make(map[string][]float32, len(params)),
		shapes: make(map[string][]int, len(params)),
	}
	for _, p := range params {
		e.shadow[p.Name] = append([]float32(nil), p.Tensor.Data()...)
		e.shapes[p.Name] = append([]int(nil), p.Tensor.Shape()...)
	}
	return e
}

// Update moves the shadow toward the current parameter values. Call only
// after the optimizer step has committed.
func (e *EMA) Update(params []nn.NamedParameter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d := e.decay
	for _, p := range params {
		s, ok := e.shadow[p.Name]
		if !ok {
			continue
		}
		w := p.Tensor.Data()
		for i := range s {
			s[i] = d*s[i] + (1-d)*w[i]
		}
	}
}

// Snapshot returns a copy of the shadow as a state dict, safe to load into a
// separate model while training continues.
func (e *EMA) Snapshot() map[string]*tensor.Tensor {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]*tensor.Tensor, len(e.shadow))
	for name, s := range e.shadow {
		out[name] = tensor.New(append([]float32(nil), s...), e.shapes[name]...)
	}
	return out
}

// Load replaces the shadow, for checkpoint resume. Shapes must already
// match the tracked parameters.
func (e *EMA) Load(dict map[string]*tensor.Tensor) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for name, t := range dict {
		if s, ok := e.shadow[name]; ok && len(s) == t.Numel() {
			copy(s, t.Data())
		}
	}
}
