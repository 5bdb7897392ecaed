package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

func gemm(tA, tB blas.Transpose, m, n, k int, a []float32, lda int, b []float32, ldb int, c []float32, ldc int) {
	am := blas32.General{Rows: m, Cols: k, Stride: lda, Data: a}
	bm := blas32.General{Rows: k, Cols: n, Stride: ldb, Data: b}
	if tA == blas.Trans {
		am.Rows, am.Cols = k, m
	}
	if tB == blas.Trans {
		bm.Rows, bm.Cols = n, k
	}
	cm := blas32.General{Rows: m, Cols: n, Stride: ldc, Data: c}
	blas32.Gemm(tA, tB, 1, am, bm, 0, cm)
}

// matmul2d computes a [m,k] x b [k,n] with optional transposes, writing into
// a fresh [m,n] buffer.
func matmul2d(a, b []float32, m, k, n int, transA, transB bool) []float32 {
	c := make([]float32, m*n)
	tA, tB := blas.NoTrans, blas.NoTrans
	lda, ldb := k, n
	if transA {
		tA = blas.Trans
		lda = m
	}
	if transB {
		tB = blas.Trans
		ldb = k
	}
	gemm(tA, tB, m, n, k, a, lda, b, ldb, c, n)
	return c
}

// Matmul computes the matrix product. Supports [m,k]x[k,n] and batched
// [b,m,k]x[b,k,n].
func Matmul(a, b *Tensor) *Tensor {
	switch {
	case len(a.shape) == 2 && len(b.shape) == 2:
		m, k := a.shape[0], a.shape[1]
		k2, n := b.shape[0], b.shape[1]
		if k != k2 {
			panic(fmt.Sprintf("tensor: Matmul inner dims %v x %v", a.shape, b.shape))
		}
		out := New(matmul2d(a.data, b.data, m, k, n, false, false), m, n)
		if a.requiresGrad || b.requiresGrad {
			out.requiresGrad = true
			out.prev = []*Tensor{a, b}
			out.back = func() {
				if a.requiresGrad {
					// dA = dC x B^T
					a.accumGrad(New(matmul2d(out.grad.data, b.data, m, n, k, false, true), m, k))
				}
				if b.requiresGrad {
					// dB = A^T x dC
					b.accumGrad(New(matmul2d(a.data, out.grad.data, k, m, n, true, false), k, n))
				}
			}
		}
		return out
	case len(a.shape) == 3 && len(b.shape) == 3:
		if a.shape[0] != b.shape[0] {
			panic(fmt.Sprintf("tensor: Matmul batch dims %v x %v", a.shape, b.shape))
		}
		bs, m, k := a.shape[0], a.shape[1], a.shape[2]
		k2, n := b.shape[1], b.shape[2]
		if k != k2 {
			panic(fmt.Sprintf("tensor: Matmul inner dims %v x %v", a.shape, b.shape))
		}
		out := empty([]int{bs, m, n})
		for i := 0; i < bs; i++ {
			c := matmul2d(a.data[i*m*k:(i+1)*m*k], b.data[i*k*n:(i+1)*k*n], m, k, n, false, false)
			copy(out.data[i*m*n:(i+1)*m*n], c)
		}
		if a.requiresGrad || b.requiresGrad {
			out.requiresGrad = true
			out.prev = []*Tensor{a, b}
			out.back = func() {
				if a.requiresGrad {
					ga := empty(a.shape)
					for i := 0; i < bs; i++ {
						c := matmul2d(out.grad.data[i*m*n:(i+1)*m*n], b.data[i*k*n:(i+1)*k*n], m, n, k, false, true)
						copy(ga.data[i*m*k:(i+1)*m*k], c)
					}
					a.accumGrad(ga)
				}
				if b.requiresGrad {
					gb := empty(b.shape)
					for i := 0; i < bs; i++ {
						c := matmul2d(a.data[i*m*k:(i+1)*m*k], out.grad.data[i*m*n:(i+1)*m*n], k, m, n, true, false)
						copy(gb.data[i*k*n:(i+1)*k*n], c)
					}
					b.accumGrad(gb)
				}
			}
		}
		return out
	default:
		panic(fmt.Sprintf("tensor: Matmul unsupported ranks %v x %v", a.shape, b.shape))
	}
}

// Linear computes x @ w^T (+ bias), with w stored [out, in] and x [..., in].
// The leading dimensions of x are preserved.
func Linear(x, w, bias *Tensor) *Tensor {
	in := w.shape[1]
	outDim := w.shape[0]
	lead := cloneShape(x.shape[:len(x.shape)-1])
	if x.shape[len(x.shape)-1] != in {
		panic(fmt.Sprintf("tensor: Linear input %v does not match weight %v", x.shape, w.shape))
	}
	x2 := Reshape(x, -1, in)
	m := x2.shape[0]

	out := New(matmul2d(x2.data, w.data, m, in, outDim, false, true), m, outDim)
	if x2.requiresGrad || w.requiresGrad {
		out.requiresGrad = true
		out.prev = []*Tensor{x2, w}
		out.back = func() {
			if x2.requiresGrad {
				// dX = dY x W
				x2.accumGrad(New(matmul2d(out.grad.data, w.data, m, outDim, in, false, false), m, in))
			}
			if w.requiresGrad {
				// dW = dY^T x X
				w.accumGrad(New(matmul2d(out.grad.data, x2.data, outDim, m, in, true, false), outDim, in))
			}
		}
	}
	if bias != nil {
		out = Add(out, bias)
	}
	return Reshape(out, append(lead, outDim)...)
}
