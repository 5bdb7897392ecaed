package nn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/elucidated-text-to-audio/tensor"
)

func TestConv1dKernelOneIsPointwise(t *testing.T) {
	key := tensor.NewKey(1)
	conv := NewConv1d(key, 4, 6, 1, true)
	lin := &Linear{
		Weight: tensor.Reshape(conv.Weight, 6, 4),
		Bias:   conv.Bias,
	}
	x := tensor.RandomNormal(key.Derive(9), 2, 5, 4)

	a := conv.Forward(x)
	b := lin.Forward(x)
	require.Equal(t, a.Shape(), b.Shape())
	for i := range a.Data() {
		assert.InDelta(t, b.Data()[i], a.Data()[i], 1e-6)
	}
}

func TestConv1dSamePadding(t *testing.T) {
	key := tensor.NewKey(2)
	conv := NewConv1d(key, 3, 5, 3, true)
	x := tensor.RandomNormal(key.Derive(9), 1, 7, 3)
	out := conv.Forward(x)
	require.Equal(t, []int{1, 7, 5}, out.Shape(), "odd kernels must preserve sequence length")
}

func TestConv1dRejectsEvenKernel(t *testing.T) {
	assert.Panics(t, func() {
		NewConv1d(tensor.NewKey(1), 3, 5, 4, false)
	})
}

func TestRMSNormUnitGainScale(t *testing.T) {
	n := NewRMSNorm(8, 1e-6)
	x := tensor.MulScalar(tensor.Ones(2, 8), 3)
	out := n.Forward(x)
	// All-equal inputs have rms equal to their magnitude.
	for _, v := range out.Data() {
		assert.InDelta(t, 1.0, float64(v), 1e-4)
	}
}

func TestFourierFeaturesIdentity(t *testing.T) {
	key := tensor.NewKey(3)
	f := NewFourierFeatures(key, 16, 1)
	x := tensor.New([]float32{0.25, 0.75}, 2, 1)
	out := f.Forward(x)
	require.Equal(t, []int{2, 16}, out.Shape())
	// cos^2 + sin^2 = 1 for every frequency pair.
	for i := 0; i < 2; i++ {
		for j := 0; j < 8; j++ {
			c := float64(out.At(i, j))
			s := float64(out.At(i, j+8))
			assert.InDelta(t, 1.0, c*c+s*s, 1e-5)
		}
	}
}

func TestFourierFeaturesNotTrainable(t *testing.T) {
	f := NewFourierFeatures(tensor.NewKey(4), 8, 1)
	assert.False(t, f.Weight.RequiresGrad(), "frequency table is a buffer, not a parameter")
}

type toyModel struct {
	In     *Linear   `weight:"in_proj"`
	Blocks []*Linear `weight:"blocks"`
	Skip   *Linear   `weight:"-"`
	note   string
}

func TestVisitNaming(t *testing.T) {
	key := tensor.NewKey(5)
	m := &toyModel{
		In:     NewLinear(key.Derive(0), 2, 2, true),
		Blocks: []*Linear{NewLinear(key.Derive(1), 2, 2, false), NewLinear(key.Derive(2), 2, 2, false)},
		Skip:   NewLinear(key.Derive(3), 2, 2, false),
	}
	dict := StateDict(m)
	want := []string{
		"blocks.0.weight",
		"blocks.1.weight",
		"in_proj.bias",
		"in_proj.weight",
	}
	require.Equal(t, want, SortedNames(dict))
}

func TestLoadStateDictInPlace(t *testing.T) {
	key := tensor.NewKey(6)
	m := &toyModel{In: NewLinear(key, 2, 2, false)}
	ref := m.In.Weight // must stay the same tensor after loading

	src := map[string]*tensor.Tensor{
		"in_proj.weight": tensor.Full(7, 2, 2),
	}
	require.NoError(t, LoadStateDict(m, src))
	assert.Same(t, ref, m.In.Weight)
	assert.Equal(t, float32(7), m.In.Weight.Data()[0])
}

func TestLoadStateDictStrict(t *testing.T) {
	key := tensor.NewKey(7)
	m := &toyModel{In: NewLinear(key, 2, 2, false)}

	err := LoadStateDict(m, map[string]*tensor.Tensor{})
	require.Error(t, err, "missing keys must fail")

	err = LoadStateDict(m, map[string]*tensor.Tensor{
		"in_proj.weight": tensor.Full(1, 2, 2),
		"mystery":        tensor.Ones(1),
	})
	require.Error(t, err, "unknown keys must fail")

	err = LoadStateDict(m, map[string]*tensor.Tensor{
		"in_proj.weight": tensor.Ones(3, 3),
	})
	require.Error(t, err, "shape mismatches must fail")
}

func TestParametersExcludesBuffers(t *testing.T) {
	type withBuffer struct {
		Lin  *Linear          `weight:"lin"`
		Freq *FourierFeatures `weight:"freq"`
	}
	key := tensor.NewKey(8)
	m := &withBuffer{Lin: NewLinear(key, 2, 2, false), Freq: NewFourierFeatures(key, 4, 1)}

	params := Parameters(m)
	require.Len(t, params, 1)
	assert.Equal(t, "lin.weight", params[0].Name)

	all := NamedTensors(m)
	require.Len(t, all, 2)
}

func TestLinearOutputDim(t *testing.T) {
	l := NewLinear(tensor.NewKey(9), 3, 5, false)
	assert.Equal(t, 5, l.OutputDim())
	x := tensor.RandomNormal(tensor.NewKey(10), 4, 3)
	assert.Equal(t, []int{4, 5}, l.Forward(x).Shape())
}
