package conditioner

import (
	"context"
	"fmt"

	"github.com/NVIDIA/elucidated-text-to-audio/nn"
	"github.com/NVIDIA/elucidated-text-to-audio/tensor"
)

// NumberConditioner embeds a scalar such as clip duration. The raw value is
// clamped into [Min, Max] (out-of-range inputs are recovered, not rejected),
// normalized to [0, 1] and mapped through Fourier features and a linear head
// so the embedding stays differentiable in the conditioning value.
type NumberConditioner struct {
	Features *nn.FourierFeatures `weight:"features"`
	Head     *nn.Linear          `weight:"head"`

	Ident    string  `weight:"-"`
	Min, Max float64 `weight:"-"`
	Dim      int     `weight:"-"`
}

// NewNumberConditioner creates a number conditioner for values in [min, max].
func NewNumberConditioner(key tensor.Key, id string, min, max float64, dim int) *NumberConditioner {
	return &NumberConditioner{
		Features: nn.NewFourierFeatures(key.Derive(0), dim, 1),
		Head:     nn.NewLinear(key.Derive(1), dim, dim, true),
		Ident:    id,
		Min:      min,
		Max:      max,
		Dim:      dim,
	}
}

func (c *NumberConditioner) ID() string     { return c.Ident }
func (c *NumberConditioner) Kind() Kind     { return KindNumber }
func (c *NumberConditioner) OutputDim() int { return c.Dim }

// Encode produces one token per item, always valid.
func (c *NumberConditioner) Encode(ctx context.Context, values []Value) (*Conditioned, error) {
	b := len(values)
	raw := make([]float32, b)
	for i, v := range values {
		if v.isText {
			return nil, fmt.Errorf("conditioner: %q expects numeric input", c.Ident)
		}
		x := v.number
		if x < c.Min {
			x = c.Min
		}
		if x > c.Max {
			x = c.Max
		}
		raw[i] = float32((x - c.Min) / (c.Max - c.Min))
	}
	feats := c.Features.Forward(tensor.New(raw, b, 1))
	tokens := tensor.ExpandDims(c.Head.Forward(feats), 1)
	mask := make([][]bool, b)
	for i := range mask {
		mask[i] = []bool{true}
	}
	return &Conditioned{Tokens: tokens, Mask: mask}, nil
}
