// Package cmd wires the command line interface: training, sampling, and
// checkpoint import.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/NVIDIA/elucidated-text-to-audio/conditioner"
	"github.com/NVIDIA/elucidated-text-to-audio/config"
	"github.com/NVIDIA/elucidated-text-to-audio/demo"
	"github.com/NVIDIA/elucidated-text-to-audio/diffusion"
	"github.com/NVIDIA/elucidated-text-to-audio/envconfig"
	"github.com/NVIDIA/elucidated-text-to-audio/logutil"
	"github.com/NVIDIA/elucidated-text-to-audio/nn"
	"github.com/NVIDIA/elucidated-text-to-audio/schedule"
	"github.com/NVIDIA/elucidated-text-to-audio/tensor"
	"github.com/NVIDIA/elucidated-text-to-audio/training"
)

func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}
	usage := "\nEnvironment Variables:\n"
	for _, e := range envs {
		usage += fmt.Sprintf("      %-24s   %s\n", e.Name, e.Description)
	}
	cmd.SetUsageTemplate(cmd.UsageTemplate() + usage)
}

// NewCLI builds the root command.
func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "elucidate",
		Short:         "Text-to-audio latent diffusion trainer",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))
		},
	}

	trainCmd := &cobra.Command{
		Use:   "train",
		Short: "Train the diffusion model",
		Args:  cobra.ExactArgs(0),
		RunE:  trainHandler,
	}
	trainCmd.Flags().String("config", "model_config.json", "Model configuration file")
	trainCmd.Flags().String("data", "", "Prepared latent dataset (safetensors plus .json inputs)")
	trainCmd.Flags().String("resume", "", "Checkpoint to resume from")
	trainCmd.Flags().Int("batch-size", 8, "Training batch size")
	trainCmd.Flags().String("text-embeddings", "", "Precomputed text embedding table (safetensors keyed by prompt)")

	sampleCmd := &cobra.Command{
		Use:   "sample",
		Short: "Generate latents from a trained checkpoint",
		Args:  cobra.ExactArgs(0),
		RunE:  sampleHandler,
	}
	sampleCmd.Flags().String("config", "model_config.json", "Model configuration file")
	sampleCmd.Flags().String("checkpoint", "", "Checkpoint to sample from")
	sampleCmd.Flags().String("out", "latents.safetensors", "Output file for generated latents")
	sampleCmd.Flags().Float64("seconds", 30, "Requested duration conditioning")
	sampleCmd.Flags().Float32("cfg", 3.5, "Classifier-free guidance scale")
	sampleCmd.Flags().Int("steps", 100, "Sampler steps")
	sampleCmd.Flags().Uint64("seed", 0, "Noise seed")
	sampleCmd.Flags().Bool("ema", true, "Sample from the EMA weights")
	sampleCmd.Flags().String("prompt", "", "Text prompt for text conditioners")
	sampleCmd.Flags().String("text-embeddings", "", "Precomputed text embedding table (safetensors keyed by prompt)")

	importCmd := &cobra.Command{
		Use:   "import CHECKPOINT",
		Short: "Convert a pickled pytorch checkpoint to the native format",
		Args:  cobra.ExactArgs(1),
		RunE:  importHandler,
	}
	importCmd.Flags().String("out", "", "Output path (default: input with .safetensors extension)")
	importCmd.Flags().StringArray("rename", nil, "old=new prefix rewrites applied to tensor names")
	importCmd.Flags().Bool("half", false, "Store weights as 16-bit floats")

	envCmd := &cobra.Command{
		Use:   "env",
		Short: "Print recognized environment variables",
		Run: func(cmd *cobra.Command, _ []string) {
			for _, e := range envconfig.AsMap() {
				fmt.Fprintf(cmd.OutOrStdout(), "%-24s %v\n", e.Name, e.Value)
			}
		},
	}

	for _, cmd := range []*cobra.Command{trainCmd, sampleCmd, importCmd, envCmd} {
		rootCmd.AddCommand(cmd)
	}
	appendEnvDocs(rootCmd, envVarList())
	return rootCmd
}

func envVarList() []envconfig.EnvVar {
	m := envconfig.AsMap()
	out := make([]envconfig.EnvVar, 0, len(m))
	for _, name := range []string{"ETA_DEBUG", "ETA_CHECKPOINTS", "ETA_THREADS", "ETA_FUSED_ATTENTION"} {
		out = append(out, m[name])
	}
	return out
}

// applyEnvOverrides layers process-level environment knobs over the loaded
// model configuration.
func applyEnvOverrides(m *config.Model) {
	m.Diffusion.FusedAttention = envconfig.FusedAttention()
}

func trainHandler(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	dataPath, _ := cmd.Flags().GetString("data")
	resume, _ := cmd.Flags().GetString("resume")
	batchSize, _ := cmd.Flags().GetInt("batch-size")
	embPath, _ := cmd.Flags().GetString("text-embeddings")

	m, err := config.Load(configPath)
	if err != nil {
		return err
	}
	applyEnvOverrides(m)
	if m.Training.CheckpointPath == "" {
		m.Training.CheckpointPath = filepath.Join(envconfig.Checkpoints(), "latest.safetensors")
	}
	if err := os.MkdirAll(filepath.Dir(m.Training.CheckpointPath), 0o755); err != nil {
		return err
	}

	key := tensor.NewKey(m.Training.Seed)
	model, err := diffusion.New(key.Derive(1), m.Diffusion)
	if err != nil {
		return err
	}
	reg, err := config.BuildRegistry(key.Derive(2), m, encoderFactory(embPath))
	if err != nil {
		return err
	}

	source, err := openDataset(dataPath, batchSize, key.Derive(3))
	if err != nil {
		return err
	}

	trainer := training.NewTrainer(model, reg, m.Training, slog.Default())
	if m.Training.DemoEvery > 0 && len(m.Demo.Prompts) > 0 {
		gen, err := buildDemoGenerator(m, embPath)
		if err != nil {
			return err
		}
		trainer.SetDemo(gen.Render)
	}
	if resume != "" {
		if err := trainer.Resume(resume); err != nil {
			return err
		}
	}
	return trainer.Run(cmd.Context(), source)
}

// latentCodec stands in for the pretrained autoencoder on machines that only
// train the diffusion stage: demos are saved as raw latent channels.
type latentCodec struct{}

func (latentCodec) Decode(_ context.Context, latent *tensor.Tensor) ([][]float32, error) {
	out := make([][]float32, latent.Dim(0))
	for ch := range out {
		row := make([]float32, latent.Dim(1))
		for i := range row {
			row[i] = latent.At(ch, i)
		}
		out[ch] = row
	}
	return out, nil
}

// buildDemoGenerator assembles the demo grid from the configuration: every
// prompt crossed with every guidance scale, written under the checkpoints
// directory.
func buildDemoGenerator(m *config.Model, embPath string) (*demo.Generator, error) {
	key := tensor.NewKey(m.Training.Seed)
	// The generator owns private copies so rendering never races training.
	model, err := diffusion.New(key.Derive(1), m.Diffusion)
	if err != nil {
		return nil, err
	}
	reg, err := config.BuildRegistry(key.Derive(2), m, encoderFactory(embPath))
	if err != nil {
		return nil, err
	}

	inputs := make([]conditioner.ItemInputs, len(m.Demo.Prompts))
	for i, prompt := range m.Demo.Prompts {
		item := conditioner.ItemInputs{}
		for _, id := range reg.IDs() {
			c, _ := reg.Get(id)
			switch c.Kind() {
			case conditioner.KindText:
				item[id] = conditioner.Text(prompt)
			case conditioner.KindNumber:
				item[id] = conditioner.Number(m.Demo.SecondsTotal)
			}
		}
		inputs[i] = item
	}

	outDir := filepath.Join(envconfig.Checkpoints(), "demos")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, err
	}
	sink := func(_ context.Context, label string, audio [][]float32) error {
		flat := make([]float32, 0, len(audio)*len(audio[0]))
		for _, ch := range audio {
			flat = append(flat, ch...)
		}
		out := tensor.New(flat, len(audio), len(audio[0]))
		return training.WriteSafetensors(
			filepath.Join(outDir, label+".safetensors"),
			map[string]*tensor.Tensor{"latent": out}, false)
	}

	return demo.NewGenerator(demo.Config{
		Inputs:         inputs,
		GuidanceScales: m.Demo.GuidanceScales,
		Steps:          m.Demo.Steps,
		LatentLength:   m.Audio.LatentLength(),
		CrossIDs:       m.Conditioning.CrossIDs,
		GlobalIDs:      m.Conditioning.GlobalIDs,
		Seed:           m.Training.Seed,
		Workers:        int(envconfig.Threads()),
	}, model, reg, latentCodec{}, sink, slog.Default()), nil
}

func sampleHandler(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	ckptPath, _ := cmd.Flags().GetString("checkpoint")
	outPath, _ := cmd.Flags().GetString("out")
	seconds, _ := cmd.Flags().GetFloat64("seconds")
	scale, _ := cmd.Flags().GetFloat32("cfg")
	steps, _ := cmd.Flags().GetInt("steps")
	seed, _ := cmd.Flags().GetUint64("seed")
	useEMA, _ := cmd.Flags().GetBool("ema")
	prompt, _ := cmd.Flags().GetString("prompt")
	embPath, _ := cmd.Flags().GetString("text-embeddings")

	if ckptPath == "" {
		return fmt.Errorf("--checkpoint is required")
	}
	m, err := config.Load(configPath)
	if err != nil {
		return err
	}
	applyEnvOverrides(m)

	key := tensor.NewKey(seed)
	model, err := diffusion.New(key.Derive(1), m.Diffusion)
	if err != nil {
		return err
	}
	reg, err := config.BuildRegistry(key.Derive(2), m, encoderFactory(embPath))
	if err != nil {
		return err
	}
	if err := loadWeights(model, reg, ckptPath, useEMA); err != nil {
		return err
	}

	// Every registered conditioner needs an input: text ids take the prompt,
	// number ids take the requested duration.
	item := conditioner.ItemInputs{}
	for _, id := range reg.IDs() {
		c, _ := reg.Get(id)
		switch c.Kind() {
		case conditioner.KindText:
			item[id] = conditioner.Text(prompt)
		case conditioner.KindNumber:
			item[id] = conditioner.Number(seconds)
		}
	}
	encoded, err := reg.Encode(cmd.Context(), []conditioner.ItemInputs{item})
	if err != nil {
		return err
	}
	asm, err := reg.Assemble(encoded, m.Conditioning.CrossIDs, m.Conditioning.GlobalIDs)
	if err != nil {
		return err
	}

	latents, err := schedule.Sample(cmd.Context(), model,
		&diffusion.Conditioning{Tokens: asm.Tokens, Mask: asm.Mask, Global: asm.Global}, nil,
		[]int{1, m.Diffusion.IOChannels, m.Audio.LatentLength()},
		schedule.SampleOptions{
			Steps:         steps,
			GuidanceScale: scale,
			Key:           key.Derive(3),
			Progress: func(step, total int) {
				fmt.Fprintf(cmd.ErrOrStderr(), "\rstep %d/%d", step, total)
				if step == total {
					fmt.Fprintln(cmd.ErrOrStderr())
				}
			},
		})
	if err != nil {
		return err
	}
	return training.WriteSafetensors(outPath, map[string]*tensor.Tensor{"latents": latents}, false)
}

func importHandler(cmd *cobra.Command, args []string) error {
	outPath, _ := cmd.Flags().GetString("out")
	renames, _ := cmd.Flags().GetStringArray("rename")
	half, _ := cmd.Flags().GetBool("half")

	if outPath == "" {
		base := strings.TrimSuffix(args[0], filepath.Ext(args[0]))
		outPath = base + ".safetensors"
	}

	var pairs []string
	for _, r := range renames {
		from, to, ok := strings.Cut(r, "=")
		if !ok {
			return fmt.Errorf("--rename %q: want old=new", r)
		}
		pairs = append(pairs, from, to)
	}
	var replacer *strings.Replacer
	if len(pairs) > 0 {
		replacer = strings.NewReplacer(pairs...)
	}

	dict, err := training.ImportTorchStateDict(args[0], replacer)
	if err != nil {
		return err
	}
	prefixed := make(map[string]*tensor.Tensor, len(dict))
	for name, t := range dict {
		prefixed["model."+name] = t
	}
	if err := training.WriteSafetensors(outPath, prefixed, half); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "imported %d tensors to %s\n", len(dict), outPath)
	return nil
}

// loadWeights restores model and registry weights from a checkpoint,
// preferring the EMA shadow when asked and present.
func loadWeights(model *diffusion.Transformer, reg *conditioner.Registry, path string, useEMA bool) error {
	ckpt, err := training.LoadCheckpoint(path)
	if err != nil {
		return err
	}
	dict := ckpt.Model
	if useEMA && len(ckpt.EMA) > 0 {
		dict = ckpt.EMA
	}
	bundle := struct {
		Model    *diffusion.Transformer `weight:"model"`
		Registry *conditioner.Registry  `weight:"conditioner"`
	}{model, reg}
	return nn.LoadStateDict(bundle, dict)
}

// datasetSource draws random batches from a prepared latent file: a
// safetensors file holding "latents" [N, C, L] and a sibling .json listing
// per-item conditioning inputs.
type datasetSource struct {
	latents *tensor.Tensor
	inputs  []conditioner.ItemInputs
	batch   int
	key     tensor.Key
	draw    uint64
}

type datasetInput struct {
	Text   map[string]string  `json:"text"`
	Number map[string]float64 `json:"number"`
}

func openDataset(path string, batch int, key tensor.Key) (*datasetSource, error) {
	if path == "" {
		return nil, fmt.Errorf("--data is required")
	}
	dict, err := training.ReadSafetensors(path)
	if err != nil {
		return nil, err
	}
	latents, ok := dict["latents"]
	if !ok {
		return nil, fmt.Errorf("dataset %s has no \"latents\" tensor", path)
	}
	if latents.Ndim() != 3 {
		return nil, fmt.Errorf("dataset latents must be [N, C, L], got %v", latents.Shape())
	}

	sidecar := strings.TrimSuffix(path, filepath.Ext(path)) + ".json"
	raw, err := os.ReadFile(sidecar)
	if err != nil {
		return nil, err
	}
	var rows []datasetInput
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("parse %s: %w", sidecar, err)
	}
	if len(rows) != latents.Dim(0) {
		return nil, fmt.Errorf("dataset has %d latents but %d input rows", latents.Dim(0), len(rows))
	}

	inputs := make([]conditioner.ItemInputs, len(rows))
	for i, row := range rows {
		item := conditioner.ItemInputs{}
		for id, v := range row.Text {
			item[id] = conditioner.Text(v)
		}
		for id, v := range row.Number {
			item[id] = conditioner.Number(v)
		}
		inputs[i] = item
	}
	return &datasetSource{latents: latents, inputs: inputs, batch: batch, key: key}, nil
}

func (s *datasetSource) Next(_ context.Context) (*training.Batch, error) {
	n := s.latents.Dim(0)
	b := s.batch
	if b > n {
		b = n
	}
	picks := tensor.RandomUniform(s.key.Derive(s.draw), b)
	s.draw++

	items := make([]*tensor.Tensor, b)
	inputs := make([]conditioner.ItemInputs, b)
	for i := 0; i < b; i++ {
		idx := int(picks.Data()[i] * float32(n))
		if idx >= n {
			idx = n - 1
		}
		items[i] = tensor.SliceAxis(s.latents, 0, idx, idx+1)
		inputs[i] = s.inputs[idx]
	}
	return &training.Batch{
		Latents: tensor.Concatenate(items, 0),
		Inputs:  inputs,
	}, nil
}
