// Package tensor implements the float32 array type the diffusion core is
// built on: contiguous row-major storage, broadcasting elementwise math, a
// BLAS-backed matmul and a reverse-mode gradient tape. Every operation is a
// free function returning a new tensor, and every random draw takes an
// explicit Key.
package tensor

import "fmt"

// Tensor is a contiguous row-major float32 array. Tensors produced by ops on
// gradient-requiring inputs carry the closures needed for Backward.
type Tensor struct {
	data         []float32
	shape        []int
	requiresGrad bool
	grad         *Tensor
	prev         []*Tensor
	back         func()
}

// Shape returns the tensor's dimensions. The returned slice must not be
// modified.
func (t *Tensor) Shape() []int { return t.shape }

// Ndim returns the number of dimensions.
func (t *Tensor) Ndim() int { return len(t.shape) }

// Dim returns the size of dimension i. Negative i counts from the end.
func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.shape)
	}
	return t.shape[i]
}

// Numel returns the total number of elements.
func (t *Tensor) Numel() int { return numel(t.shape) }

// Data returns the backing slice. Mutating it mutates the tensor.
func (t *Tensor) Data() []float32 { return t.data }

// Item returns the value of a single-element tensor.
func (t *Tensor) Item() float32 {
	if len(t.data) != 1 {
		panic(fmt.Sprintf("tensor: Item on tensor with %d elements", len(t.data)))
	}
	return t.data[0]
}

// At returns the element at the given multi-index.
func (t *Tensor) At(idx ...int) float32 {
	return t.data[t.offset(idx)]
}

// SetAt sets the element at the given multi-index.
func (t *Tensor) SetAt(v float32, idx ...int) {
	t.data[t.offset(idx)] = v
}

func (t *Tensor) offset(idx []int) int {
	if len(idx) != len(t.shape) {
		panic(fmt.Sprintf("tensor: index rank %d does not match shape %v", len(idx), t.shape))
	}
	off := 0
	for i, ix := range idx {
		if ix < 0 || ix >= t.shape[i] {
			panic(fmt.Sprintf("tensor: index %v out of range for shape %v", idx, t.shape))
		}
		off = off*t.shape[i] + ix
	}
	return off
}

// Clone returns a deep copy sharing no state with t. The copy is a constant:
// it does not carry gradient history.
func (t *Tensor) Clone() *Tensor {
	out := empty(t.shape)
	copy(out.data, t.data)
	return out
}

// Detach returns a view of t cut off from the gradient tape. It shares the
// backing data.
func Detach(t *Tensor) *Tensor {
	return &Tensor{data: t.data, shape: cloneShape(t.shape)}
}

// AsParam marks t as a trainable leaf and returns it.
func (t *Tensor) AsParam() *Tensor {
	t.requiresGrad = true
	return t
}

// RequiresGrad reports whether t participates in gradient computation.
func (t *Tensor) RequiresGrad() bool { return t.requiresGrad }

// Grad returns the accumulated gradient, or nil if none has been computed.
func (t *Tensor) Grad() *Tensor { return t.grad }

// ZeroGrad clears the accumulated gradient.
func (t *Tensor) ZeroGrad() { t.grad = nil }

func (t *Tensor) String() string {
	if t == nil {
		return "tensor(nil)"
	}
	if len(t.data) == 1 {
		return fmt.Sprintf("tensor(%v, shape=%v)", t.data[0], t.shape)
	}
	return fmt.Sprintf("tensor(shape=%v)", t.shape)
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func cloneShape(shape []int) []int {
	out := make([]int, len(shape))
	copy(out, shape)
	return out
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func empty(shape []int) *Tensor {
	return &Tensor{data: make([]float32, numel(shape)), shape: cloneShape(shape)}
}

// stridesFor returns row-major strides for shape.
func stridesFor(shape []int) []int {
	strides := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = acc
		acc *= shape[i]
	}
	return strides
}

// broadcastShapes aligns the two shapes from the right and returns the
// broadcast result shape.
func broadcastShapes(as, bs []int) []int {
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	out := make([]int, n)
	for i := 0; i < n; i++ {
		ad, bd := 1, 1
		if j := len(as) - n + i; j >= 0 {
			ad = as[j]
		}
		if j := len(bs) - n + i; j >= 0 {
			bd = bs[j]
		}
		switch {
		case ad == bd:
			out[i] = ad
		case ad == 1:
			out[i] = bd
		case bd == 1:
			out[i] = ad
		default:
			panic(fmt.Sprintf("tensor: cannot broadcast shapes %v and %v", as, bs))
		}
	}
	return out
}

// broadcastStrides returns strides for reading a tensor of shape `shape` as
// if it had outShape, with zero strides on broadcast dimensions.
func broadcastStrides(shape, outShape []int) []int {
	strides := stridesFor(shape)
	out := make([]int, len(outShape))
	off := len(outShape) - len(shape)
	for i := range outShape {
		if i < off {
			out[i] = 0
			continue
		}
		if shape[i-off] == 1 && outShape[i] != 1 {
			out[i] = 0
		} else {
			out[i] = strides[i-off]
		}
	}
	return out
}
