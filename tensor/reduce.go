package tensor

import "fmt"

func reducedShape(shape []int, axis int, keepdims bool) []int {
	out := cloneShape(shape)
	if keepdims {
		out[axis] = 1
		return out
	}
	return append(out[:axis], out[axis+1:]...)
}

// Sum reduces along axis.
func Sum(a *Tensor, axis int, keepdims bool) *Tensor {
	if axis < 0 {
		axis += len(a.shape)
	}
	if axis < 0 || axis >= len(a.shape) {
		panic(fmt.Sprintf("tensor: Sum axis out of range for shape %v", a.shape))
	}
	keepShape := cloneShape(a.shape)
	keepShape[axis] = 1

	outer := 1
	for d := 0; d < axis; d++ {
		outer *= a.shape[d]
	}
	n := a.shape[axis]
	inner := 1
	for d := axis + 1; d < len(a.shape); d++ {
		inner *= a.shape[d]
	}
	out := empty(keepShape)
	for o := 0; o < outer; o++ {
		for j := 0; j < n; j++ {
			base := (o*n + j) * inner
			dst := o * inner
			for i := 0; i < inner; i++ {
				out.data[dst+i] += a.data[base+i]
			}
		}
	}
	if a.requiresGrad {
		out.requiresGrad = true
		out.prev = []*Tensor{a}
		out.back = func() {
			ga := empty(a.shape)
			for o := 0; o < outer; o++ {
				for j := 0; j < n; j++ {
					base := (o*n + j) * inner
					src := o * inner
					for i := 0; i < inner; i++ {
						ga.data[base+i] = out.grad.data[src+i]
					}
				}
			}
			a.accumGrad(ga)
		}
	}
	if keepdims {
		return out
	}
	return Reshape(out, reducedShape(a.shape, axis, false)...)
}

// Mean reduces along axis by averaging.
func Mean(a *Tensor, axis int, keepdims bool) *Tensor {
	if axis < 0 {
		axis += len(a.shape)
	}
	return MulScalar(Sum(a, axis, keepdims), 1/float32(a.shape[axis]))
}

// SumAll reduces every element to a scalar.
func SumAll(a *Tensor) *Tensor {
	out := Scalar(0)
	for _, v := range a.data {
		out.data[0] += v
	}
	if a.requiresGrad {
		out.requiresGrad = true
		out.prev = []*Tensor{a}
		out.back = func() {
			g := out.grad.data[0]
			ga := Full(g, a.shape...)
			a.accumGrad(ga)
		}
	}
	return out
}

// MeanAll averages every element to a scalar.
func MeanAll(a *Tensor) *Tensor {
	return MulScalar(SumAll(a), 1/float32(len(a.data)))
}

// maxAlongLast returns the detached max over the last axis, keepdims. It does
// not participate in gradients; softmax is shift invariant so this is exact.
func maxAlongLast(a *Tensor) *Tensor {
	n := a.shape[len(a.shape)-1]
	rows := len(a.data) / n
	keepShape := cloneShape(a.shape)
	keepShape[len(keepShape)-1] = 1
	out := empty(keepShape)
	for r := 0; r < rows; r++ {
		m := a.data[r*n]
		for i := 1; i < n; i++ {
			if a.data[r*n+i] > m {
				m = a.data[r*n+i]
			}
		}
		out.data[r] = m
	}
	return out
}
