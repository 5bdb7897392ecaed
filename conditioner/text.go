package conditioner

import (
	"context"
	"fmt"

	"github.com/NVIDIA/elucidated-text-to-audio/nn"
	"github.com/NVIDIA/elucidated-text-to-audio/tensor"
)

// TextEncoder is the external text-embedding collaborator. Encode truncates
// or pads deterministically to maxLength and returns embeddings [L, D] with
// the validity mask.
type TextEncoder interface {
	Encode(ctx context.Context, text string, maxLength int) (*tensor.Tensor, []bool, error)
}

// TextConditioner embeds free text through the injected encoder and projects
// it to the declared token width.
type TextConditioner struct {
	Proj *nn.Linear `weight:"proj"`

	Ident     string      `weight:"-"`
	MaxLength int         `weight:"-"`
	Dim       int         `weight:"-"`
	Encoder   TextEncoder `weight:"-"`
}

// NewTextConditioner creates a text conditioner projecting encoder output of
// width encoderDim to dim.
func NewTextConditioner(key tensor.Key, id string, encoder TextEncoder, encoderDim, dim, maxLength int) *TextConditioner {
	return &TextConditioner{
		Proj:      nn.NewLinear(key, encoderDim, dim, false),
		Ident:     id,
		MaxLength: maxLength,
		Dim:       dim,
		Encoder:   encoder,
	}
}

func (c *TextConditioner) ID() string     { return c.Ident }
func (c *TextConditioner) Kind() Kind     { return KindText }
func (c *TextConditioner) OutputDim() int { return c.Dim }

// Encode embeds each item's text. All sequences come back at MaxLength, so
// the batch stacks without re-padding.
func (c *TextConditioner) Encode(ctx context.Context, values []Value) (*Conditioned, error) {
	b := len(values)
	rows := make([]*tensor.Tensor, b)
	mask := make([][]bool, b)
	for i, v := range values {
		if !v.isText {
			return nil, fmt.Errorf("conditioner: %q expects text input", c.Ident)
		}
		emb, m, err := c.Encoder.Encode(ctx, v.text, c.MaxLength)
		if err != nil {
			return nil, fmt.Errorf("conditioner: %q: %w", c.Ident, err)
		}
		if emb.Dim(0) != c.MaxLength || len(m) != c.MaxLength {
			return nil, fmt.Errorf("conditioner: %q: encoder returned %d tokens, want %d", c.Ident, emb.Dim(0), c.MaxLength)
		}
		rows[i] = tensor.ExpandDims(emb, 0)
		mask[i] = m
	}
	tokens := c.Proj.Forward(tensor.Concatenate(rows, 0))
	return &Conditioned{Tokens: tokens, Mask: mask}, nil
}
