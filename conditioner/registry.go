package conditioner

import (
	"context"
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/NVIDIA/elucidated-text-to-audio/nn"
	"github.com/NVIDIA/elucidated-text-to-audio/tensor"
)

// Registry holds the configured conditioners in declaration order and owns
// the per-conditioner projections onto the global conditioning width.
//
// A conditioner id may be named by both the cross-attention and the global
// path. It is encoded once; each path then applies its own projection, so
// the two consumers get independently trained views of the same embedding.
type Registry struct {
	Conditioners []Conditioner `weight:"conditioners"`
	GlobalProjs  []*nn.Linear  `weight:"global_proj"`

	byID      *orderedmap.OrderedMap[string, int] `weight:"-"`
	tokenDim  int
	globalDim int
	key       tensor.Key
}

// NewRegistry creates a registry for networks with the given cross-attention
// token width and global conditioning width.
func NewRegistry(key tensor.Key, tokenDim, globalDim int) *Registry {
	return &Registry{
		byID:      orderedmap.New[string, int](),
		tokenDim:  tokenDim,
		globalDim: globalDim,
		key:       key,
	}
}

// Register adds a conditioner. Registration order is the order token
// sequences concatenate in. Duplicate ids and token-width mismatches are
// fatal configuration errors.
func (r *Registry) Register(c Conditioner) error {
	if _, ok := r.byID.Get(c.ID()); ok {
		return &RegistrationError{ID: c.ID(), Reason: "duplicate id"}
	}
	switch c.Kind() {
	case KindText, KindNumber:
	default:
		return &RegistrationError{ID: c.ID(), Reason: fmt.Sprintf("unknown kind %q", c.Kind())}
	}
	if c.OutputDim() != r.tokenDim {
		return &RegistrationError{
			ID:     c.ID(),
			Reason: fmt.Sprintf("produces width %d, network expects %d", c.OutputDim(), r.tokenDim),
		}
	}
	idx := len(r.Conditioners)
	r.byID.Set(c.ID(), idx)
	r.Conditioners = append(r.Conditioners, c)
	r.GlobalProjs = append(r.GlobalProjs, nn.NewLinear(r.key.Derive(uint64(idx)), r.tokenDim, r.globalDim, false))
	return nil
}

// Get returns the conditioner registered under id.
func (r *Registry) Get(id string) (Conditioner, bool) {
	idx, ok := r.byID.Get(id)
	if !ok {
		return nil, false
	}
	return r.Conditioners[idx], true
}

// IDs returns the registered ids in declaration order.
func (r *Registry) IDs() []string {
	out := make([]string, 0, len(r.Conditioners))
	for pair := r.byID.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Key)
	}
	return out
}

// Encode runs every registered conditioner over the batch. A registered id
// absent from any batch item is a fatal conditioning error for the batch.
func (r *Registry) Encode(ctx context.Context, batch []ItemInputs) (map[string]*Conditioned, error) {
	if len(batch) == 0 {
		return nil, fmt.Errorf("conditioner: empty batch")
	}
	out := make(map[string]*Conditioned, len(r.Conditioners))
	for pair := r.byID.Oldest(); pair != nil; pair = pair.Next() {
		id := pair.Key
		values := make([]Value, len(batch))
		for i, item := range batch {
			v, ok := item[id]
			if !ok {
				return nil, &MissingInputError{ID: id}
			}
			values[i] = v
		}
		enc, err := r.Conditioners[pair.Value].Encode(ctx, values)
		if err != nil {
			return nil, err
		}
		out[id] = enc
	}
	return out, nil
}

// Assembled is the fused conditioning for one batch: the concatenated
// cross-attention context with its mask, and the aggregated global vector.
type Assembled struct {
	Tokens *tensor.Tensor // [B, L, tokenDim]; nil when crossIDs is empty
	Mask   [][]bool       // [B][L]
	Global *tensor.Tensor // [B, globalDim]; nil when globalIDs is empty
}

// Assemble concatenates the named token sequences in declared registry
// order and sums the named global contributions after projection.
func (r *Registry) Assemble(encoded map[string]*Conditioned, crossIDs, globalIDs []string) (*Assembled, error) {
	out := &Assembled{}

	for _, id := range r.orderLike(crossIDs) {
		enc, ok := encoded[id]
		if !ok {
			return nil, &MissingInputError{ID: id}
		}
		if out.Tokens == nil {
			out.Tokens = enc.Tokens
			out.Mask = copyMask(enc.Mask)
			continue
		}
		out.Tokens = tensor.Concatenate([]*tensor.Tensor{out.Tokens, enc.Tokens}, 1)
		for i := range out.Mask {
			out.Mask[i] = append(out.Mask[i], enc.Mask[i]...)
		}
	}

	for _, id := range r.orderLike(globalIDs) {
		enc, ok := encoded[id]
		if !ok {
			return nil, &MissingInputError{ID: id}
		}
		idx, _ := r.byID.Get(id)
		contrib := r.GlobalProjs[idx].Forward(pooled(enc))
		if out.Global == nil {
			out.Global = contrib
		} else {
			out.Global = tensor.Add(out.Global, contrib)
		}
	}
	return out, nil
}

// orderLike filters the registry's declaration order down to the given ids,
// erroring later if an id is unknown (it will be missing from encoded).
func (r *Registry) orderLike(ids []string) []string {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []string
	for pair := r.byID.Oldest(); pair != nil; pair = pair.Next() {
		if want[pair.Key] {
			out = append(out, pair.Key)
			delete(want, pair.Key)
		}
	}
	for id := range want {
		out = append(out, id) // unknown; surfaces as MissingInputError
	}
	return out
}

// pooled reduces a token sequence to one vector per item by masked mean.
func pooled(enc *Conditioned) *tensor.Tensor {
	b, l := enc.Tokens.Dim(0), enc.Tokens.Dim(1)
	weights := tensor.Zeros(b, l, 1)
	for i, row := range enc.Mask {
		n := 0
		for _, ok := range row {
			if ok {
				n++
			}
		}
		if n == 0 {
			continue
		}
		w := 1 / float32(n)
		for j, ok := range row {
			if ok {
				weights.SetAt(w, i, j, 0)
			}
		}
	}
	return tensor.Sum(tensor.Mul(enc.Tokens, weights), 1, false)
}

func copyMask(mask [][]bool) [][]bool {
	out := make([][]bool, len(mask))
	for i, row := range mask {
		out[i] = append([]bool(nil), row...)
	}
	return out
}
