// Package conditioner turns raw conditioning inputs (free text, scalars)
// into the attention tokens and the global vector the diffusion network
// consumes. Conditioner kinds are a closed set: adding a kind means adding a
// type here, never subclassing from outside.
package conditioner

import (
	"context"
	"fmt"

	"github.com/NVIDIA/elucidated-text-to-audio/tensor"
)

// Kind discriminates the closed set of conditioner variants.
type Kind string

const (
	KindText   Kind = "text"
	KindNumber Kind = "number"
)

// Value is a raw conditioning input for one batch item: either a string or
// a scalar, matching the conditioner kind it feeds.
type Value struct {
	text   string
	number float64
	isText bool
}

// Text wraps a string input.
func Text(s string) Value { return Value{text: s, isText: true} }

// Number wraps a scalar input.
func Number(x float64) Value { return Value{number: x} }

// ItemInputs maps conditioner ids to raw values for one batch item.
type ItemInputs map[string]Value

// Conditioned is one conditioner's encoded output for a batch: a padded
// token sequence with a validity mask. Numeric conditioners produce a single
// token per item.
type Conditioned struct {
	Tokens *tensor.Tensor // [B, L, dim]
	Mask   [][]bool       // [B][L]
}

// Conditioner encodes one registered conditioning input.
type Conditioner interface {
	ID() string
	Kind() Kind
	// OutputDim is the width of the produced token vectors.
	OutputDim() int
	// Encode produces tokens and mask for one value per batch item. Order
	// follows the batch.
	Encode(ctx context.Context, values []Value) (*Conditioned, error)
}

// MissingInputError reports a required conditioner id absent from a batch.
// It is fatal for that batch.
type MissingInputError struct {
	ID string
}

func (e *MissingInputError) Error() string {
	return fmt.Sprintf("conditioner: required input %q missing from batch", e.ID)
}

// RegistrationError reports an invalid registration: a duplicate id, an
// unknown kind or a width mismatch. It is fatal at configuration time.
type RegistrationError struct {
	ID     string
	Reason string
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("conditioner: cannot register %q: %s", e.ID, e.Reason)
}
