package diffusion

import (
	"sync"

	"github.com/NVIDIA/elucidated-text-to-audio/nn"
	"github.com/NVIDIA/elucidated-text-to-audio/tensor"
)

// Conditioning carries the assembled conditioning signals for one forward
// pass. Any field may be nil/empty for unconditional evaluation.
type Conditioning struct {
	Tokens *tensor.Tensor // [B, S, CondTokenDim]
	Mask   [][]bool       // [B][S]; nil means all positions valid
	Global *tensor.Tensor // [B, GlobalDim]
}

// ForwardOptions control per-call behavior.
type ForwardOptions struct {
	// Training enables dropout; Key seeds its draws.
	Training bool
	Key      tensor.Key
}

// Transformer is the denoising network. It predicts the flow velocity for a
// noisy latent at a given time, conditioned on token sequences via
// cross-attention and on a global vector via adaptive normalization.
type Transformer struct {
	TimestepFeatures *nn.FourierFeatures `weight:"timestep_features"`
	TimestepIn       *nn.Linear          `weight:"timestep_in"`
	TimestepOut      *nn.Linear          `weight:"timestep_out"`
	GlobalIn         *nn.Linear          `weight:"global_in"`
	GlobalOut        *nn.Linear          `weight:"global_out"`
	InProj           *nn.Linear          `weight:"in_proj"`
	CondProj         *nn.Linear          `weight:"cond_proj"`
	Blocks           []*TransformerBlock `weight:"blocks"`
	FinalAdaLN       *nn.Linear          `weight:"final_ada_ln"`
	OutProj          *nn.Linear          `weight:"out_proj"`

	cfg Config

	mu   sync.Mutex
	rope *RoPECache
}

// New builds a transformer from the configuration, drawing all initial
// weights from key.
func New(key tensor.Key, cfg Config) (*Transformer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	ctxDim := cfg.CondTokenDim
	var condProj *nn.Linear
	if cfg.ProjectConditioning {
		// One projection up front; blocks then see the internal width.
		condProj = nn.NewLinear(key.Derive(4), cfg.CondTokenDim, cfg.Dim, false)
		ctxDim = cfg.Dim
	}

	m := &Transformer{
		TimestepFeatures: nn.NewFourierFeatures(key.Derive(0), 256, 1),
		TimestepIn:       nn.NewLinear(key.Derive(1), 256, cfg.Dim, true),
		TimestepOut:      nn.NewLinear(key.Derive(2), cfg.Dim, cfg.Dim, true),
		GlobalIn:         nn.NewLinear(key.Derive(5), cfg.GlobalDim, cfg.Dim, true),
		GlobalOut:        nn.NewLinear(key.Derive(6), cfg.Dim, cfg.Dim, true),
		InProj:           nn.NewLinear(key.Derive(3), cfg.IOChannels, cfg.Dim, true),
		CondProj:         condProj,
		FinalAdaLN:       nn.NewLinear(key.Derive(7), cfg.Dim, 2*cfg.Dim, true),
		OutProj:          nn.NewLinear(key.Derive(8), cfg.Dim, cfg.IOChannels, true),
		cfg:              cfg,
	}
	for i := 0; i < cfg.Depth; i++ {
		m.Blocks = append(m.Blocks, newTransformerBlock(key.Derive(uint64(16+i)), cfg, ctxDim))
	}
	// Zero the final modulation and output so the untrained network predicts
	// zero velocity, matching the block-level identity init.
	zero(m.FinalAdaLN.Weight, m.FinalAdaLN.Bias, m.OutProj.Weight, m.OutProj.Bias)
	return m, nil
}

func zero(ts ...*tensor.Tensor) {
	for _, t := range ts {
		d := t.Data()
		for i := range d {
			d[i] = 0
		}
	}
}

// Config returns the network hyperparameters.
func (m *Transformer) Config() Config { return m.cfg }

func (m *Transformer) ropeFor(length int) *RoPECache {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rope == nil || m.rope.Len < length {
		m.rope = prepareRoPE(length, m.cfg.Dim/m.cfg.Heads, m.cfg.RoPEBase)
	}
	if m.rope.Len == length {
		return m.rope
	}
	return &RoPECache{
		Cos: tensor.SliceAxis(m.rope.Cos, 1, 0, length),
		Sin: tensor.SliceAxis(m.rope.Sin, 1, 0, length),
		Len: length,
	}
}

// Forward predicts the velocity for latent [B, IOChannels, L] at time
// t [B, 1]. The returned tensor has the input's shape.
func (m *Transformer) Forward(latent, t *tensor.Tensor, cond *Conditioning, opts ForwardOptions) *tensor.Tensor {
	l := latent.Dim(2)

	// [B, C, L] -> [B, L, C] -> [B, L, Dim]
	x := m.InProj.Forward(tensor.Transpose(latent, 0, 2, 1))

	embed := m.TimestepOut.Forward(tensor.SiLU(m.TimestepIn.Forward(m.TimestepFeatures.Forward(t))))
	if cond != nil && cond.Global != nil {
		g := m.GlobalOut.Forward(tensor.SiLU(m.GlobalIn.Forward(cond.Global)))
		embed = tensor.Add(embed, g)
	}

	var ctx, bias *tensor.Tensor
	if cond != nil && cond.Tokens != nil {
		ctx = cond.Tokens
		if m.CondProj != nil {
			ctx = m.CondProj.Forward(ctx)
		}
		if cond.Mask != nil {
			bias = maskBias(cond.Mask, l)
		}
	}

	rope := m.ropeFor(l)
	for i, blk := range m.Blocks {
		x = blk.Forward(x, embed, ctx, bias, rope, opts.Training, opts.Key.Derive(uint64(i)))
	}

	mod := m.FinalAdaLN.Forward(tensor.SiLU(embed))
	scale := tensor.SliceAxis(mod, 1, 0, m.cfg.Dim)
	shift := tensor.SliceAxis(mod, 1, m.cfg.Dim, 2*m.cfg.Dim)
	x = modulate(tensor.LayerNorm(x, m.cfg.NormEps), scale, shift)

	// [B, L, Dim] -> [B, L, C] -> [B, C, L]
	return tensor.Transpose(m.OutProj.Forward(x), 0, 2, 1)
}
