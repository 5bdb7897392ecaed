package tensor

import (
	"fmt"
	"math"
)

// Softmax normalizes along the last axis. The running max is subtracted for
// stability; softmax is shift invariant so gradients stay exact. A row that
// is entirely -Inf (a fully masked attention query) normalizes to all zeros
// instead of NaN.
func Softmax(a *Tensor) *Tensor {
	m := maxAlongLast(a)
	var masked *Tensor
	negInf := float32(math.Inf(-1))
	for i, v := range m.data {
		if v == negInf {
			if masked == nil {
				masked = empty(m.shape)
			}
			m.data[i] = 0
			masked.data[i] = 1
		}
	}
	z := Exp(Sub(a, m))
	denom := Sum(z, -1, true)
	if masked != nil {
		denom = Add(denom, masked)
	}
	return Div(z, denom)
}

// LayerNorm normalizes the last axis to zero mean and unit variance, without
// learnable parameters.
func LayerNorm(x *Tensor, eps float32) *Tensor {
	mean := Mean(x, -1, true)
	centered := Sub(x, mean)
	variance := Mean(Square(centered), -1, true)
	return Div(centered, Sqrt(AddScalar(variance, eps)))
}

// RMSNorm scales the last axis by 1/rms(x), then by weight when non-nil.
func RMSNorm(x, weight *Tensor, eps float32) *Tensor {
	ms := Mean(Square(x), -1, true)
	out := Div(x, Sqrt(AddScalar(ms, eps)))
	if weight != nil {
		out = Mul(out, weight)
	}
	return out
}

// Dropout zeroes elements with probability p and rescales survivors by
// 1/(1-p). Identity when p == 0.
func Dropout(x *Tensor, p float32, key Key) *Tensor {
	if p <= 0 {
		return x
	}
	if p >= 1 {
		panic("tensor: Dropout probability must be < 1")
	}
	mask := Bernoulli(key, 1-p, x.shape...)
	return Mul(x, MulScalar(mask, 1/(1-p)))
}

// ScaledDotProductAttention is the reference attention path, composed from
// tape primitives. q, k, v are [B, H, L, D] ([B, H, S, D] for k/v); bias, when
// non-nil, is added to the scores before normalization and broadcasts over
// heads.
func ScaledDotProductAttention(q, k, v *Tensor, scale float32, bias *Tensor) *Tensor {
	b, h, l, d := q.shape[0], q.shape[1], q.shape[2], q.shape[3]
	s := k.shape[2]
	q3 := Reshape(q, b*h, l, d)
	k3 := Reshape(k, b*h, s, d)
	v3 := Reshape(v, b*h, s, d)

	scores := MulScalar(Matmul(q3, Transpose(k3, 0, 2, 1)), scale)
	scores = Reshape(scores, b, h, l, s)
	if bias != nil {
		scores = Add(scores, bias)
	}
	probs := Softmax(scores)
	out := Matmul(Reshape(probs, b*h, l, s), v3)
	return Reshape(out, b, h, l, d)
}

// FusedScaledDotProductAttention computes the same function as
// ScaledDotProductAttention in one tape node with a hand-written backward,
// never materializing intermediate graph nodes. Outputs agree with the
// reference path to floating-point tolerance.
func FusedScaledDotProductAttention(q, k, v *Tensor, scale float32, bias *Tensor) *Tensor {
	b, h, l, d := q.shape[0], q.shape[1], q.shape[2], q.shape[3]
	s := k.shape[2]
	if k.shape[0] != b || k.shape[1] != h || v.shape[2] != s || v.shape[3] != d {
		panic(fmt.Sprintf("tensor: attention shape mismatch q=%v k=%v v=%v", q.shape, k.shape, v.shape))
	}

	// probs is retained for the backward pass.
	probs := make([]float32, b*h*l*s)
	out := empty([]int{b, h, l, d})
	for bh := 0; bh < b*h; bh++ {
		qm := q.data[bh*l*d : (bh+1)*l*d]
		km := k.data[bh*s*d : (bh+1)*s*d]
		vm := v.data[bh*s*d : (bh+1)*s*d]
		pm := probs[bh*l*s : (bh+1)*l*s]

		// scores = scale * q k^T (+ bias), softmax rows in place.
		sc := matmul2d(qm, km, l, d, s, false, true)
		for i := range sc {
			sc[i] *= scale
		}
		if bias != nil {
			addBiasRows(sc, bias, bh/h, l, s)
		}
		softmaxRows(sc, l, s)
		copy(pm, sc)

		copy(out.data[bh*l*d:(bh+1)*l*d], matmul2d(pm, vm, l, s, d, false, false))
	}

	if q.requiresGrad || k.requiresGrad || v.requiresGrad {
		out.requiresGrad = true
		out.prev = []*Tensor{q, k, v}
		out.back = func() {
			gq := empty(q.shape)
			gk := empty(k.shape)
			gv := empty(v.shape)
			for bh := 0; bh < b*h; bh++ {
				qm := q.data[bh*l*d : (bh+1)*l*d]
				km := k.data[bh*s*d : (bh+1)*s*d]
				vm := v.data[bh*s*d : (bh+1)*s*d]
				pm := probs[bh*l*s : (bh+1)*l*s]
				gom := out.grad.data[bh*l*d : (bh+1)*l*d]

				// dV = P^T dO
				copy(gv.data[bh*s*d:(bh+1)*s*d], matmul2d(pm, gom, s, l, d, true, false))
				// dP = dO V^T
				dp := matmul2d(gom, vm, l, d, s, false, true)
				// dS = P * (dP - rowsum(dP * P))
				for r := 0; r < l; r++ {
					row := r * s
					var dot float32
					for c := 0; c < s; c++ {
						dot += dp[row+c] * pm[row+c]
					}
					for c := 0; c < s; c++ {
						dp[row+c] = pm[row+c] * (dp[row+c] - dot) * scale
					}
				}
				// dQ = dS K, dK = dS^T Q
				copy(gq.data[bh*l*d:(bh+1)*l*d], matmul2d(dp, km, l, s, d, false, false))
				copy(gk.data[bh*s*d:(bh+1)*s*d], matmul2d(dp, qm, s, l, d, true, false))
			}
			q.accumGrad(gq)
			k.accumGrad(gk)
			v.accumGrad(gv)
		}
	}
	return out
}

// addBiasRows adds a bias of shape [B,1,L,S] or [1,1,L,S] into an l x s
// score block for batch index bi. The head dimension must be 1; the block
// repeats across heads.
func addBiasRows(sc []float32, bias *Tensor, bi, l, s int) {
	if bias.shape[1] != 1 || bias.shape[2] != l || bias.shape[3] != s {
		panic(fmt.Sprintf("tensor: attention bias shape %v incompatible with scores [%d,%d]", bias.shape, l, s))
	}
	base := 0
	if bias.shape[0] > 1 {
		base = bi * l * s
	}
	for i := 0; i < l*s; i++ {
		sc[i] += bias.data[base+i]
	}
}

func softmaxRows(m []float32, rows, cols int) {
	negInf := float32(math.Inf(-1))
	for r := 0; r < rows; r++ {
		row := m[r*cols : (r+1)*cols]
		mx := row[0]
		for _, v := range row[1:] {
			if v > mx {
				mx = v
			}
		}
		// Fully masked rows attend to nothing.
		if mx == negInf {
			for i := range row {
				row[i] = 0
			}
			continue
		}
		var sum float32
		for i, v := range row {
			e := exp32(v - mx)
			row[i] = e
			sum += e
		}
		inv := 1 / sum
		for i := range row {
			row[i] *= inv
		}
	}
}
