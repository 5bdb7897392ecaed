package tensor

import "fmt"

// Reshape returns a tensor with the same data and a new shape. One dimension
// may be -1 and is inferred.
func Reshape(a *Tensor, shape ...int) *Tensor {
	shape = cloneShape(shape)
	infer := -1
	known := 1
	for i, d := range shape {
		if d == -1 {
			if infer >= 0 {
				panic("tensor: Reshape with more than one inferred dimension")
			}
			infer = i
		} else {
			known *= d
		}
	}
	if infer >= 0 {
		shape[infer] = len(a.data) / known
	}
	if numel(shape) != len(a.data) {
		panic(fmt.Sprintf("tensor: cannot reshape %v to %v", a.shape, shape))
	}
	out := &Tensor{data: make([]float32, len(a.data)), shape: shape}
	copy(out.data, a.data)
	if a.requiresGrad {
		out.requiresGrad = true
		out.prev = []*Tensor{a}
		out.back = func() {
			a.accumGrad(&Tensor{data: out.grad.data, shape: a.shape})
		}
	}
	return out
}

// ExpandDims inserts a size-1 dimension at axis.
func ExpandDims(a *Tensor, axis int) *Tensor {
	if axis < 0 {
		axis += len(a.shape) + 1
	}
	shape := make([]int, 0, len(a.shape)+1)
	shape = append(shape, a.shape[:axis]...)
	shape = append(shape, 1)
	shape = append(shape, a.shape[axis:]...)
	return Reshape(a, shape...)
}

// Squeeze removes a size-1 dimension at axis.
func Squeeze(a *Tensor, axis int) *Tensor {
	if axis < 0 {
		axis += len(a.shape)
	}
	if a.shape[axis] != 1 {
		panic(fmt.Sprintf("tensor: Squeeze axis %d of shape %v is not 1", axis, a.shape))
	}
	shape := make([]int, 0, len(a.shape)-1)
	shape = append(shape, a.shape[:axis]...)
	shape = append(shape, a.shape[axis+1:]...)
	return Reshape(a, shape...)
}

// Transpose permutes dimensions. With no axes given it reverses them.
func Transpose(a *Tensor, axes ...int) *Tensor {
	n := len(a.shape)
	if len(axes) == 0 {
		axes = make([]int, n)
		for i := range axes {
			axes[i] = n - 1 - i
		}
	}
	if len(axes) != n {
		panic(fmt.Sprintf("tensor: Transpose axes %v do not match rank %d", axes, n))
	}
	outShape := make([]int, n)
	for i, ax := range axes {
		outShape[i] = a.shape[ax]
	}
	out := empty(outShape)
	permuteInto(out.data, a.data, a.shape, axes)
	if a.requiresGrad {
		inv := make([]int, n)
		for i, ax := range axes {
			inv[ax] = i
		}
		out.requiresGrad = true
		out.prev = []*Tensor{a}
		out.back = func() {
			ga := empty(a.shape)
			permuteInto(ga.data, out.grad.data, outShape, inv)
			a.accumGrad(ga)
		}
	}
	return out
}

// permuteInto writes src (with srcShape) permuted by axes into dst.
func permuteInto(dst, src []float32, srcShape, axes []int) {
	n := len(srcShape)
	srcStrides := stridesFor(srcShape)
	outShape := make([]int, n)
	readStrides := make([]int, n)
	for i, ax := range axes {
		outShape[i] = srcShape[ax]
		readStrides[i] = srcStrides[ax]
	}
	idx := make([]int, n)
	off := 0
	for i := range dst {
		dst[i] = src[off]
		for d := n - 1; d >= 0; d-- {
			idx[d]++
			off += readStrides[d]
			if idx[d] < outShape[d] {
				break
			}
			idx[d] = 0
			off -= readStrides[d] * outShape[d]
		}
	}
}

// Concatenate joins tensors along axis. All other dimensions must match.
func Concatenate(ts []*Tensor, axis int) *Tensor {
	if len(ts) == 0 {
		panic("tensor: Concatenate of nothing")
	}
	if axis < 0 {
		axis += len(ts[0].shape)
	}
	outShape := cloneShape(ts[0].shape)
	outShape[axis] = 0
	for _, t := range ts {
		if len(t.shape) != len(outShape) {
			panic(fmt.Sprintf("tensor: Concatenate rank mismatch %v vs %v", t.shape, ts[0].shape))
		}
		for d := range t.shape {
			if d != axis && t.shape[d] != ts[0].shape[d] {
				panic(fmt.Sprintf("tensor: Concatenate shape mismatch %v vs %v on axis %d", t.shape, ts[0].shape, d))
			}
		}
		outShape[axis] += t.shape[axis]
	}
	out := empty(outShape)

	// outer = product of dims before axis, inner = product after.
	outer := 1
	for d := 0; d < axis; d++ {
		outer *= outShape[d]
	}
	inner := 1
	for d := axis + 1; d < len(outShape); d++ {
		inner *= outShape[d]
	}
	rowOut := outShape[axis] * inner
	col := 0
	for _, t := range ts {
		rowIn := t.shape[axis] * inner
		for o := 0; o < outer; o++ {
			copy(out.data[o*rowOut+col:o*rowOut+col+rowIn], t.data[o*rowIn:(o+1)*rowIn])
		}
		col += rowIn
	}

	grads := false
	for _, t := range ts {
		if t.requiresGrad {
			grads = true
			break
		}
	}
	if grads {
		out.requiresGrad = true
		out.prev = append([]*Tensor(nil), ts...)
		out.back = func() {
			col := 0
			for _, t := range ts {
				rowIn := t.shape[axis] * inner
				if t.requiresGrad {
					ga := empty(t.shape)
					for o := 0; o < outer; o++ {
						copy(ga.data[o*rowIn:(o+1)*rowIn], out.grad.data[o*rowOut+col:o*rowOut+col+rowIn])
					}
					t.accumGrad(ga)
				}
				col += rowIn
			}
		}
	}
	return out
}

// Slice extracts the half-open region [start, stop) in every dimension.
func Slice(a *Tensor, start, stop []int) *Tensor {
	n := len(a.shape)
	if len(start) != n || len(stop) != n {
		panic(fmt.Sprintf("tensor: Slice bounds rank mismatch for shape %v", a.shape))
	}
	outShape := make([]int, n)
	for d := 0; d < n; d++ {
		if start[d] < 0 || stop[d] > a.shape[d] || start[d] >= stop[d] {
			panic(fmt.Sprintf("tensor: Slice bounds [%v, %v) invalid for shape %v", start, stop, a.shape))
		}
		outShape[d] = stop[d] - start[d]
	}
	out := empty(outShape)
	copyRegion(out.data, a.data, a.shape, start, outShape, false)
	if a.requiresGrad {
		out.requiresGrad = true
		out.prev = []*Tensor{a}
		out.back = func() {
			ga := empty(a.shape)
			copyRegion(out.grad.data, ga.data, a.shape, start, outShape, true)
			a.accumGrad(ga)
		}
	}
	return out
}

// SliceAxis slices [start, stop) along one axis.
func SliceAxis(a *Tensor, axis, start, stop int) *Tensor {
	if axis < 0 {
		axis += len(a.shape)
	}
	lo := make([]int, len(a.shape))
	hi := cloneShape(a.shape)
	lo[axis] = start
	hi[axis] = stop
	return Slice(a, lo, hi)
}

// copyRegion copies between a full tensor (shape full, offset start) and a
// region tensor (shape region). reverse=false reads from full into region,
// reverse=true scatters region into full.
func copyRegion(region, full []float32, fullShape, start, regionShape []int, reverse bool) {
	n := len(fullShape)
	fullStrides := stridesFor(fullShape)
	off := 0
	for d := 0; d < n; d++ {
		off += start[d] * fullStrides[d]
	}
	idx := make([]int, n)
	fo := off
	for i := range region {
		if reverse {
			full[fo] += region[i]
		} else {
			region[i] = full[fo]
		}
		for d := n - 1; d >= 0; d-- {
			idx[d]++
			fo += fullStrides[d]
			if idx[d] < regionShape[d] {
				break
			}
			idx[d] = 0
			fo -= fullStrides[d] * regionShape[d]
		}
	}
}

// BroadcastTo explicitly broadcasts a to shape.
func BroadcastTo(a *Tensor, shape []int) *Tensor {
	out := apply2(a, empty(shape), func(x, _ float32) float32 { return x })
	if !sameShape(out.shape, shape) {
		panic(fmt.Sprintf("tensor: cannot broadcast %v to %v", a.shape, shape))
	}
	if a.requiresGrad {
		out.requiresGrad = true
		out.prev = []*Tensor{a}
		out.back = func() {
			a.accumGrad(reduceTo(out.grad, a.shape))
		}
	}
	return out
}

// Pad zero-pads the tensor along one axis with before/after elements.
func Pad(a *Tensor, axis, before, after int) *Tensor {
	if axis < 0 {
		axis += len(a.shape)
	}
	outShape := cloneShape(a.shape)
	outShape[axis] += before + after
	out := empty(outShape)
	start := make([]int, len(a.shape))
	start[axis] = before
	copyRegion(a.data, out.data, outShape, start, a.shape, true)
	if a.requiresGrad {
		out.requiresGrad = true
		out.prev = []*Tensor{a}
		out.back = func() {
			ga := empty(a.shape)
			copyRegion(ga.data, out.grad.data, outShape, start, a.shape, false)
			a.accumGrad(ga)
		}
	}
	return out
}
