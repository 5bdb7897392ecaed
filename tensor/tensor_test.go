package tensor

import (
	"math"
	"testing"
)

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol*(1+math.Abs(a)+math.Abs(b))
}

func TestBroadcastAdd(t *testing.T) {
	a := New([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	b := New([]float32{10, 20, 30}, 3)
	out := Add(a, b)
	want := []float32{11, 22, 33, 14, 25, 36}
	for i, v := range out.Data() {
		if v != want[i] {
			t.Errorf("Add[%d] = %v, want %v", i, v, want[i])
		}
	}
}

func TestBroadcastMulColumn(t *testing.T) {
	a := New([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	b := New([]float32{2, 3}, 2, 1)
	out := Mul(a, b)
	want := []float32{2, 4, 6, 12, 15, 18}
	for i, v := range out.Data() {
		if v != want[i] {
			t.Errorf("Mul[%d] = %v, want %v", i, v, want[i])
		}
	}
}

func TestMatmul(t *testing.T) {
	a := New([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	b := New([]float32{7, 8, 9, 10, 11, 12}, 3, 2)
	out := Matmul(a, b)
	want := []float32{58, 64, 139, 154}
	for i, v := range out.Data() {
		if v != want[i] {
			t.Errorf("Matmul[%d] = %v, want %v", i, v, want[i])
		}
	}
}

func TestTransposeRoundTrip(t *testing.T) {
	a := RandomNormal(NewKey(1), 2, 3, 4)
	b := Transpose(Transpose(a, 2, 0, 1), 1, 2, 0)
	for i, v := range b.Data() {
		if v != a.Data()[i] {
			t.Fatalf("double transpose changed element %d", i)
		}
	}
}

func TestConcatenateSlice(t *testing.T) {
	a := Full(1, 2, 5, 4)
	b := Full(2, 2, 3, 4)
	c := Concatenate([]*Tensor{a, b}, 1)
	if c.Dim(1) != 8 {
		t.Fatalf("concat dim = %d, want 8", c.Dim(1))
	}
	back := SliceAxis(c, 1, 5, 8)
	for _, v := range back.Data() {
		if v != 2 {
			t.Fatalf("slice returned %v, want 2", v)
		}
	}
}

func TestSoftmaxRowsSumToOne(t *testing.T) {
	a := RandomNormal(NewKey(7), 3, 9)
	p := Softmax(a)
	for r := 0; r < 3; r++ {
		var sum float64
		for c := 0; c < 9; c++ {
			sum += float64(p.At(r, c))
		}
		if !almostEqual(sum, 1, 1e-5) {
			t.Errorf("row %d sums to %v", r, sum)
		}
	}
}

// numericGrad estimates d loss / d x[i] by central differences.
func numericGrad(t *testing.T, x *Tensor, loss func() *Tensor, i int) float64 {
	t.Helper()
	const h = 1e-3
	orig := x.Data()[i]
	x.Data()[i] = orig + h
	up := float64(loss().Item())
	x.Data()[i] = orig - h
	down := float64(loss().Item())
	x.Data()[i] = orig
	return (up - down) / (2 * h)
}

func checkGradients(t *testing.T, x *Tensor, loss func() *Tensor) {
	t.Helper()
	x.ZeroGrad()
	l := loss()
	Backward(l)
	if x.Grad() == nil {
		t.Fatal("no gradient accumulated")
	}
	for i := range x.Data() {
		want := numericGrad(t, x, loss, i)
		got := float64(x.Grad().Data()[i])
		if !almostEqual(got, want, 2e-2) {
			t.Errorf("grad[%d] = %v, numeric %v", i, got, want)
		}
	}
}

func TestGradLinearChain(t *testing.T) {
	key := NewKey(3)
	x := RandomNormal(key.Derive(0), 4, 3)
	w := RandomNormal(key.Derive(1), 5, 3).AsParam()
	b := RandomNormal(key.Derive(2), 5).AsParam()
	loss := func() *Tensor {
		return MeanAll(Square(Linear(x, w, b)))
	}
	checkGradients(t, w, loss)
	checkGradients(t, b, loss)
}

func TestGradSoftmaxMean(t *testing.T) {
	x := RandomNormal(NewKey(11), 2, 6).AsParam()
	target := RandomNormal(NewKey(12), 2, 6)
	loss := func() *Tensor {
		return MeanAll(Square(Sub(Softmax(x), target)))
	}
	checkGradients(t, x, loss)
}

func TestGradLayerNorm(t *testing.T) {
	x := RandomNormal(NewKey(13), 3, 8).AsParam()
	loss := func() *Tensor {
		return MeanAll(Square(AddScalar(LayerNorm(x, 1e-6), 0.5)))
	}
	checkGradients(t, x, loss)
}

func TestGradBroadcastMul(t *testing.T) {
	x := RandomNormal(NewKey(17), 2, 1, 4).AsParam()
	y := RandomNormal(NewKey(18), 2, 3, 4)
	loss := func() *Tensor {
		return MeanAll(Mul(x, y))
	}
	checkGradients(t, x, loss)
}

func TestGradConcatSliceTranspose(t *testing.T) {
	x := RandomNormal(NewKey(19), 2, 3).AsParam()
	y := RandomNormal(NewKey(20), 2, 3)
	loss := func() *Tensor {
		c := Concatenate([]*Tensor{x, y}, 1)
		s := SliceAxis(c, 1, 1, 5)
		return MeanAll(Square(Transpose(s, 1, 0)))
	}
	checkGradients(t, x, loss)
}

func TestFusedAttentionMatchesReference(t *testing.T) {
	key := NewKey(23)
	b, h, l, s, d := 2, 2, 4, 5, 8
	q := RandomNormal(key.Derive(1), b, h, l, d)
	k := RandomNormal(key.Derive(2), b, h, s, d)
	v := RandomNormal(key.Derive(3), b, h, s, d)

	// Mask out the last two key positions of batch 1.
	bias := Zeros(b, 1, l, s)
	for r := 0; r < l; r++ {
		bias.SetAt(float32(math.Inf(-1)), 1, 0, r, s-1)
		bias.SetAt(float32(math.Inf(-1)), 1, 0, r, s-2)
	}

	scale := float32(1 / math.Sqrt(float64(d)))
	ref := ScaledDotProductAttention(q, k, v, scale, bias)
	fused := FusedScaledDotProductAttention(q, k, v, scale, bias)
	for i := range ref.Data() {
		if !almostEqual(float64(ref.Data()[i]), float64(fused.Data()[i]), 1e-5) {
			t.Fatalf("fused[%d] = %v, reference %v", i, fused.Data()[i], ref.Data()[i])
		}
	}
}

func TestFusedAttentionGradMatchesReference(t *testing.T) {
	key := NewKey(29)
	b, h, l, d := 1, 2, 3, 4
	mk := func() (*Tensor, *Tensor, *Tensor) {
		q := RandomNormal(key.Derive(1), b, h, l, d).AsParam()
		k := RandomNormal(key.Derive(2), b, h, l, d).AsParam()
		v := RandomNormal(key.Derive(3), b, h, l, d).AsParam()
		return q, k, v
	}
	scale := float32(0.5)

	q1, k1, v1 := mk()
	Backward(MeanAll(Square(ScaledDotProductAttention(q1, k1, v1, scale, nil))))
	q2, k2, v2 := mk()
	Backward(MeanAll(Square(FusedScaledDotProductAttention(q2, k2, v2, scale, nil))))

	pairs := [][2]*Tensor{{q1, q2}, {k1, k2}, {v1, v2}}
	for pi, p := range pairs {
		for i := range p[0].Grad().Data() {
			a := float64(p[0].Grad().Data()[i])
			bb := float64(p[1].Grad().Data()[i])
			if !almostEqual(a, bb, 1e-4) {
				t.Fatalf("pair %d grad[%d]: reference %v fused %v", pi, i, a, bb)
			}
		}
	}
}

func TestMaskedAttentionIgnoresMaskedValues(t *testing.T) {
	// Values at masked key positions must not influence the output at all.
	key := NewKey(31)
	b, h, l, s, d := 1, 1, 2, 4, 4
	q := RandomNormal(key.Derive(1), b, h, l, d)
	k := RandomNormal(key.Derive(2), b, h, s, d)
	v := RandomNormal(key.Derive(3), b, h, s, d)
	bias := Zeros(b, 1, l, s)
	for r := 0; r < l; r++ {
		bias.SetAt(float32(math.Inf(-1)), 0, 0, r, 3)
	}
	out1 := ScaledDotProductAttention(q, k, v, 0.5, bias)

	// Perturb the masked value row.
	v2 := v.Clone()
	for i := 0; i < d; i++ {
		v2.SetAt(99, 0, 0, 3, i)
	}
	out2 := ScaledDotProductAttention(q, k, v2, 0.5, bias)
	for i := range out1.Data() {
		if out1.Data()[i] != out2.Data()[i] {
			t.Fatalf("masked value leaked into output at %d", i)
		}
	}
}

func TestFullyMaskedAttentionRowIsZero(t *testing.T) {
	// A query whose every key is masked attends to nothing: zero output,
	// never NaN, on both attention paths.
	key := NewKey(37)
	b, h, l, s, d := 1, 2, 3, 4, 4
	q := RandomNormal(key.Derive(1), b, h, l, d).AsParam()
	k := RandomNormal(key.Derive(2), b, h, s, d)
	v := RandomNormal(key.Derive(3), b, h, s, d)
	bias := Zeros(b, 1, l, s)
	for c := 0; c < s; c++ {
		bias.SetAt(float32(math.Inf(-1)), 0, 0, 1, c)
	}

	ref := ScaledDotProductAttention(q, k, v, 0.5, bias)
	fused := FusedScaledDotProductAttention(q, k, v, 0.5, bias)
	for _, out := range []*Tensor{ref, fused} {
		if !IsFinite(out) {
			t.Fatal("fully masked row produced non-finite output")
		}
		for hh := 0; hh < h; hh++ {
			for i := 0; i < d; i++ {
				if got := out.At(0, hh, 1, i); got != 0 {
					t.Fatalf("fully masked row output = %v, want 0", got)
				}
			}
		}
	}

	Backward(MeanAll(Square(ref)))
	if !IsFinite(q.Grad()) {
		t.Fatal("fully masked row corrupted the gradient")
	}
}

func TestSeededDrawsReproduce(t *testing.T) {
	a := RandomNormal(NewKey(42).Derive(7), 16)
	b := RandomNormal(NewKey(42).Derive(7), 16)
	for i := range a.Data() {
		if a.Data()[i] != b.Data()[i] {
			t.Fatal("same key produced different draws")
		}
	}
	c := RandomNormal(NewKey(42).Derive(8), 16)
	same := true
	for i := range a.Data() {
		if a.Data()[i] != c.Data()[i] {
			same = false
		}
	}
	if same {
		t.Fatal("different keys produced identical draws")
	}
}

func TestDropoutDisabledIsIdentity(t *testing.T) {
	x := RandomNormal(NewKey(5), 3, 3)
	if Dropout(x, 0, NewKey(1)) != x {
		t.Fatal("p=0 dropout must be identity")
	}
}
