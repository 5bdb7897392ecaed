package tensor

import "fmt"

// New creates a tensor from data with the given shape. The data slice is
// used directly, not copied.
func New(data []float32, shape ...int) *Tensor {
	if len(data) != numel(shape) {
		panic(fmt.Sprintf("tensor: data length %d does not match shape %v", len(data), shape))
	}
	return &Tensor{data: data, shape: cloneShape(shape)}
}

// Zeros creates a zero-filled tensor.
func Zeros(shape ...int) *Tensor {
	return empty(shape)
}

// Ones creates a one-filled tensor.
func Ones(shape ...int) *Tensor {
	return Full(1, shape...)
}

// Full creates a tensor filled with value.
func Full(value float32, shape ...int) *Tensor {
	out := empty(shape)
	for i := range out.data {
		out.data[i] = value
	}
	return out
}

// Scalar creates a single-element tensor.
func Scalar(value float32) *Tensor {
	return New([]float32{value}, 1)
}

// Arange creates a 1-d tensor of values [start, stop) with the given step.
func Arange(start, stop, step float32) *Tensor {
	if step == 0 {
		panic("tensor: Arange with zero step")
	}
	n := 0
	for v := start; (step > 0 && v < stop) || (step < 0 && v > stop); v += step {
		n++
	}
	out := empty([]int{n})
	v := start
	for i := 0; i < n; i++ {
		out.data[i] = v
		v += step
	}
	return out
}

// Linspace creates a 1-d tensor of steps values evenly spaced from start to
// stop inclusive.
func Linspace(start, stop float32, steps int) *Tensor {
	if steps < 2 {
		return New([]float32{start}, 1)
	}
	out := empty([]int{steps})
	d := (stop - start) / float32(steps-1)
	for i := 0; i < steps; i++ {
		out.data[i] = start + float32(i)*d
	}
	out.data[steps-1] = stop
	return out
}
