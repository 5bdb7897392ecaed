package training

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NVIDIA/elucidated-text-to-audio/conditioner"
	"github.com/NVIDIA/elucidated-text-to-audio/diffusion"
	"github.com/NVIDIA/elucidated-text-to-audio/nn"
	"github.com/NVIDIA/elucidated-text-to-audio/schedule"
	"github.com/NVIDIA/elucidated-text-to-audio/tensor"
)

// NumericalError reports a non-finite loss or gradient. The step that
// produced it was not committed: weights, optimizer moments and the EMA
// shadow are exactly as they were before the batch.
type NumericalError struct {
	Step   uint64
	Detail string
}

func (e *NumericalError) Error() string {
	return fmt.Sprintf("training: step %d: %s", e.Step, e.Detail)
}

// ErrResourceExhausted means a batch would exceed the configured activation
// budget. It is detected before any work happens.
var ErrResourceExhausted = errors.New("training: activation budget exceeded")

// Batch is one training batch: clean latents with the conditioning inputs
// for each item.
type Batch struct {
	Latents *tensor.Tensor // [B, C, L]
	Inputs  []conditioner.ItemInputs
}

// DataSource yields training batches. Next blocks until a batch is ready or
// the context ends.
type DataSource interface {
	Next(ctx context.Context) (*Batch, error)
}

// Config drives a training run.
type Config struct {
	// Steps is the total optimizer step budget.
	Steps uint64 `json:"steps"`
	// Seed makes the run's randomness reproducible end to end.
	Seed uint64 `json:"seed"`

	LR        LRConfig                 `json:"lr_schedule"`
	Optimizer AdamWConfig              `json:"optimizer"`
	Timesteps schedule.TimestepOptions `json:"timesteps"`
	Loss      schedule.LossOptions     `json:"loss"`

	// EMADecay is the per-step shadow decay. Zero means 0.999.
	EMADecay float64 `json:"ema_decay"`
	// CondDropout is the per-item probability of erasing all conditioning,
	// which trains the unconditional branch classifier-free guidance needs.
	CondDropout float32 `json:"cond_dropout"`

	// CrossIDs and GlobalIDs route conditioner outputs to the two network
	// inputs. An id may appear in both.
	CrossIDs  []string `json:"cross_attention_ids"`
	GlobalIDs []string `json:"global_ids"`

	// MaxActivations caps the per-step activation element count. Zero
	// disables the check.
	MaxActivations int `json:"max_activations"`

	// CheckpointEvery and DemoEvery are step cadences; zero disables.
	CheckpointEvery uint64 `json:"checkpoint_every"`
	DemoEvery       uint64 `json:"demo_every"`
	CheckpointPath  string `json:"checkpoint_path"`
	HalfCheckpoints bool   `json:"half_checkpoints"`
}

// DemoFunc renders demos from an EMA snapshot at the given step. It runs on
// the trainer's goroutine; failures are logged, never fatal.
type DemoFunc func(ctx context.Context, step uint64, ema map[string]*tensor.Tensor) error

// Trainer owns a model, its optimizer state and EMA shadow, and advances
// them one atomic step at a time. Concurrent readers (demo generation,
// checkpoint writers on other goroutines) see either the state before a
// step or after it, never between.
type Trainer struct {
	cfg      Config
	model    *diffusion.Transformer
	registry *conditioner.Registry
	opt      *AdamW
	ema      *EMA
	log      *slog.Logger
	runID    string
	key      tensor.Key
	demo     DemoFunc

	mu   sync.Mutex
	step uint64
}

// NewTrainer wires a trainer around the model and conditioner registry.
func NewTrainer(model *diffusion.Transformer, registry *conditioner.Registry, cfg Config, log *slog.Logger) *Trainer {
	if cfg.EMADecay == 0 {
		cfg.EMADecay = 0.999
	}
	if log == nil {
		log = slog.Default()
	}
	bundle := bundleOf(model, registry)
	return &Trainer{
		cfg:      cfg,
		model:    model,
		registry: registry,
		opt:      NewAdamW(nn.Parameters(bundle), cfg.Optimizer),
		// The shadow covers buffers too, so a snapshot is a complete,
		// strictly loadable state dict.
		ema:      NewEMA(nn.NamedTensors(bundle), cfg.EMADecay),
		log:      log,
		runID:    uuid.NewString(),
		key:      tensor.NewKey(cfg.Seed),
	}
}

// SetDemo installs the demo renderer.
func (t *Trainer) SetDemo(fn DemoFunc) { t.demo = fn }

// RunID identifies this training run in logs and checkpoints.
func (t *Trainer) RunID() string { return t.runID }

// Step returns the number of committed optimizer steps.
func (t *Trainer) Step() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.step
}

// EMASnapshot returns a copy of the current EMA weights.
func (t *Trainer) EMASnapshot() map[string]*tensor.Tensor { return t.ema.Snapshot() }

func (t *Trainer) params() []nn.NamedParameter {
	return nn.Parameters(t.bundle())
}

// TrainStep runs one batch: forward, loss, backward, and an atomic commit of
// optimizer update plus EMA. On NumericalError nothing was committed.
func (t *Trainer) TrainStep(ctx context.Context, batch *Batch) (float32, error) {
	step := t.Step()
	b := batch.Latents.Dim(0)
	c := batch.Latents.Dim(1)
	l := batch.Latents.Dim(2)

	if t.cfg.MaxActivations > 0 {
		mc := t.model.Config()
		est := b * l * mc.Dim * mc.Depth * (4 + mc.FFMult)
		if est > t.cfg.MaxActivations {
			return 0, fmt.Errorf("%w: batch needs ~%d elements, budget %d", ErrResourceExhausted, est, t.cfg.MaxActivations)
		}
	}

	// Every draw this step makes comes from a key derived from the step
	// index, so a resumed run replays the identical randomness.
	stepKey := t.key.Derive(step)

	cond, err := t.conditioning(ctx, batch, stepKey.Derive(0))
	if err != nil {
		return 0, err
	}

	noise := tensor.RandomNormal(stepKey.Derive(1), b, c, l)
	ts := schedule.SampleTimesteps(stepKey.Derive(2), b, t.cfg.Timesteps)
	noisy := schedule.Interpolate(batch.Latents, noise, ts)
	target := schedule.Velocity(batch.Latents, noise)

	pred := t.model.Forward(noisy, ts, cond, diffusion.ForwardOptions{Training: true, Key: stepKey.Derive(3)})
	loss := schedule.Loss(pred, target, ts, t.cfg.Loss)
	if !tensor.IsFinite(loss) {
		return 0, &NumericalError{Step: step, Detail: fmt.Sprintf("non-finite loss for batch %v", batch.Latents.Shape())}
	}

	tensor.Backward(loss)
	params := t.params()
	for _, p := range params {
		if g := p.Tensor.Grad(); g != nil && !tensor.IsFinite(g) {
			t.opt.ZeroGrad()
			return 0, &NumericalError{Step: step, Detail: fmt.Sprintf("non-finite gradient in %s %v", p.Name, p.Tensor.Shape())}
		}
	}

	lr := LearningRate(step, t.cfg.LR)
	t.mu.Lock()
	t.opt.Step(lr)
	t.step++
	t.mu.Unlock()
	// EMA strictly after the commit, so the shadow tracks applied updates.
	t.ema.Update(nn.NamedTensors(t.bundle()))
	t.opt.ZeroGrad()

	return loss.Item(), nil
}

// conditioning encodes and assembles the batch conditioning, erasing it for
// a CondDropout fraction of items so the unconditional branch trains too.
func (t *Trainer) conditioning(ctx context.Context, batch *Batch, key tensor.Key) (*diffusion.Conditioning, error) {
	if len(t.cfg.CrossIDs) == 0 && len(t.cfg.GlobalIDs) == 0 {
		return nil, nil
	}
	encoded, err := t.registry.Encode(ctx, batch.Inputs)
	if err != nil {
		return nil, err
	}
	asm, err := t.registry.Assemble(encoded, t.cfg.CrossIDs, t.cfg.GlobalIDs)
	if err != nil {
		return nil, err
	}
	cond := &diffusion.Conditioning{Tokens: asm.Tokens, Mask: asm.Mask, Global: asm.Global}

	if t.cfg.CondDropout > 0 {
		// Dropped items see the null conditioning: zeroed tokens and global
		// vector. Masks stay as encoded so attention rows never go fully
		// invalid.
		b := len(batch.Inputs)
		keep := tensor.Bernoulli(key, 1-t.cfg.CondDropout, b, 1)
		if cond.Tokens != nil {
			cond.Tokens = tensor.Mul(cond.Tokens, tensor.ExpandDims(keep, 2))
		}
		if cond.Global != nil {
			cond.Global = tensor.Mul(cond.Global, keep)
		}
	}
	return cond, nil
}

// Run drives training until the step budget is met or the context ends.
// Numerical errors halt the run: the failed step committed nothing, and
// continuing would feed the same corruption back in on the next batch.
func (t *Trainer) Run(ctx context.Context, source DataSource) error {
	t.log.Info("training run starting", "run_id", t.runID, "steps", t.cfg.Steps, "resume_step", t.Step())
	for t.Step() < t.cfg.Steps {
		if err := ctx.Err(); err != nil {
			t.log.Info("training interrupted", "run_id", t.runID, "step", t.Step())
			return err
		}
		batch, err := source.Next(ctx)
		if err != nil {
			return fmt.Errorf("training: next batch: %w", err)
		}

		start := time.Now()
		loss, err := t.TrainStep(ctx, batch)
		if err != nil {
			var numErr *NumericalError
			if errors.As(err, &numErr) {
				t.log.Error("halting run", "run_id", t.runID, "step", numErr.Step, "reason", numErr.Detail)
			}
			return err
		}

		step := t.Step()
		t.log.Debug("step", "run_id", t.runID, "step", step, "loss", loss, "dur", time.Since(start))

		if t.cfg.DemoEvery > 0 && step%t.cfg.DemoEvery == 0 && t.demo != nil {
			if err := t.demo(ctx, step, t.ema.Snapshot()); err != nil {
				t.log.Warn("demo failed", "run_id", t.runID, "step", step, "err", err)
			}
		}
		if t.cfg.CheckpointEvery > 0 && step%t.cfg.CheckpointEvery == 0 {
			if err := t.SaveCheckpoint(); err != nil {
				return err
			}
		}
	}
	if t.cfg.CheckpointPath != "" {
		if err := t.SaveCheckpoint(); err != nil {
			return err
		}
	}
	t.log.Info("training run complete", "run_id", t.runID, "step", t.Step())
	return nil
}

// SaveCheckpoint writes the full training state. The snapshot is taken under
// the commit lock, so it never captures a half-applied step.
func (t *Trainer) SaveCheckpoint() error {
	if t.cfg.CheckpointPath == "" {
		return fmt.Errorf("training: no checkpoint path configured")
	}
	t.mu.Lock()
	m, v := t.opt.State()
	ckpt := &Checkpoint{
		Model:  cloneDict(nn.StateDict(t.bundle())),
		OptimM: cloneFlat(m),
		OptimV: cloneFlat(v),
		EMA:    t.ema.Snapshot(),
		Meta: Meta{
			RunID:     t.runID,
			Step:      t.step,
			OptimStep: t.opt.StepCount(),
			Seed:      t.cfg.Seed,
			SavedAt:   time.Now().UTC(),
		},
	}
	t.mu.Unlock()

	if err := ckpt.Save(t.cfg.CheckpointPath, t.cfg.HalfCheckpoints); err != nil {
		return err
	}
	t.log.Info("checkpoint saved", "run_id", t.runID, "step", ckpt.Meta.Step, "path", t.cfg.CheckpointPath)
	return nil
}

// Resume restores model weights, optimizer moments, the EMA shadow and the
// step counter from a checkpoint, so the run continues exactly where it
// stopped.
func (t *Trainer) Resume(path string) error {
	ckpt, err := LoadCheckpoint(path)
	if err != nil {
		return err
	}
	if err := nn.LoadStateDict(t.bundle(), ckpt.Model); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.opt.LoadState(ckpt.OptimM, ckpt.OptimV, ckpt.Meta.OptimStep)
	t.ema.Load(ckpt.EMA)
	t.step = ckpt.Meta.Step
	t.runID = ckpt.Meta.RunID
	t.key = tensor.NewKey(ckpt.Meta.Seed)
	t.log.Info("resumed from checkpoint", "run_id", t.runID, "step", t.step, "path", path)
	return nil
}

// bundle is the combined trainable surface: network weights plus the
// registry's learned projections.
func (t *Trainer) bundle() any { return bundleOf(t.model, t.registry) }

func bundleOf(model *diffusion.Transformer, registry *conditioner.Registry) any {
	return struct {
		Model    *diffusion.Transformer `weight:"model"`
		Registry *conditioner.Registry  `weight:"conditioner"`
	}{model, registry}
}

func cloneDict(in map[string]*tensor.Tensor) map[string]*tensor.Tensor {
	out := make(map[string]*tensor.Tensor, len(in))
	for name, t := range in {
		out[name] = t.Clone()
	}
	return out
}

func cloneFlat(in map[string][]float32) map[string][]float32 {
	out := make(map[string][]float32, len(in))
	for name, s := range in {
		out[name] = append([]float32(nil), s...)
	}
	return out
}
