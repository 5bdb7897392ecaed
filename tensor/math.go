package tensor

import "math"

// apply2 evaluates f elementwise over the broadcast of a and b.
func apply2(a, b *Tensor, f func(x, y float32) float32) *Tensor {
	if sameShape(a.shape, b.shape) {
		out := empty(a.shape)
		for i := range out.data {
			out.data[i] = f(a.data[i], b.data[i])
		}
		return out
	}
	outShape := broadcastShapes(a.shape, b.shape)
	out := empty(outShape)
	as := broadcastStrides(a.shape, outShape)
	bs := broadcastStrides(b.shape, outShape)
	idx := make([]int, len(outShape))
	ao, bo := 0, 0
	for i := range out.data {
		out.data[i] = f(a.data[ao], b.data[bo])
		for d := len(outShape) - 1; d >= 0; d-- {
			idx[d]++
			ao += as[d]
			bo += bs[d]
			if idx[d] < outShape[d] {
				break
			}
			idx[d] = 0
			ao -= as[d] * outShape[d]
			bo -= bs[d] * outShape[d]
		}
	}
	return out
}

// reduceTo sums g over broadcast dimensions so the result has the target
// shape. Used to route gradients back through broadcasting.
func reduceTo(g *Tensor, shape []int) *Tensor {
	if sameShape(g.shape, shape) {
		return g
	}
	out := empty(shape)
	ts := broadcastStrides(shape, g.shape)
	idx := make([]int, len(g.shape))
	to := 0
	for i := range g.data {
		out.data[to] += g.data[i]
		for d := len(g.shape) - 1; d >= 0; d-- {
			idx[d]++
			to += ts[d]
			if idx[d] < g.shape[d] {
				break
			}
			idx[d] = 0
			to -= ts[d] * g.shape[d]
		}
	}
	return out
}

func (t *Tensor) accumGrad(g *Tensor) {
	if !t.requiresGrad {
		return
	}
	if t.grad == nil {
		t.grad = g.Clone()
		return
	}
	for i := range t.grad.data {
		t.grad.data[i] += g.data[i]
	}
}

// binop builds the broadcast elementwise op with partial derivatives dfa and
// dfb, each given (x, y, outgrad).
func binop(a, b *Tensor, f func(x, y float32) float32, dfa, dfb func(x, y, g float32) float32) *Tensor {
	out := apply2(a, b, f)
	if !a.requiresGrad && !b.requiresGrad {
		return out
	}
	out.requiresGrad = true
	out.prev = []*Tensor{a, b}
	out.back = func() {
		if a.requiresGrad {
			ga := apply2(out.grad, apply2(Detach(a), Detach(b), func(x, y float32) float32 { return dfa(x, y, 1) }), func(g, d float32) float32 { return g * d })
			a.accumGrad(reduceTo(ga, a.shape))
		}
		if b.requiresGrad {
			gb := apply2(out.grad, apply2(Detach(a), Detach(b), func(x, y float32) float32 { return dfb(x, y, 1) }), func(g, d float32) float32 { return g * d })
			b.accumGrad(reduceTo(gb, b.shape))
		}
	}
	return out
}

// unop builds an elementwise op with derivative df given (x, y, outgrad).
func unop(a *Tensor, f func(float32) float32, df func(x, y, g float32) float32) *Tensor {
	out := empty(a.shape)
	for i := range out.data {
		out.data[i] = f(a.data[i])
	}
	if !a.requiresGrad {
		return out
	}
	out.requiresGrad = true
	out.prev = []*Tensor{a}
	out.back = func() {
		ga := empty(a.shape)
		for i := range ga.data {
			ga.data[i] = df(a.data[i], out.data[i], out.grad.data[i])
		}
		a.accumGrad(ga)
	}
	return out
}

// Add computes a + b with broadcasting.
func Add(a, b *Tensor) *Tensor {
	return binop(a, b,
		func(x, y float32) float32 { return x + y },
		func(x, y, g float32) float32 { return g },
		func(x, y, g float32) float32 { return g })
}

// Sub computes a - b with broadcasting.
func Sub(a, b *Tensor) *Tensor {
	return binop(a, b,
		func(x, y float32) float32 { return x - y },
		func(x, y, g float32) float32 { return g },
		func(x, y, g float32) float32 { return -g })
}

// Mul computes a * b with broadcasting.
func Mul(a, b *Tensor) *Tensor {
	return binop(a, b,
		func(x, y float32) float32 { return x * y },
		func(x, y, g float32) float32 { return g * y },
		func(x, y, g float32) float32 { return g * x })
}

// Div computes a / b with broadcasting.
func Div(a, b *Tensor) *Tensor {
	return binop(a, b,
		func(x, y float32) float32 { return x / y },
		func(x, y, g float32) float32 { return g / y },
		func(x, y, g float32) float32 { return -g * x / (y * y) })
}

// AddScalar computes a + s.
func AddScalar(a *Tensor, s float32) *Tensor {
	return unop(a,
		func(x float32) float32 { return x + s },
		func(x, y, g float32) float32 { return g })
}

// MulScalar computes a * s.
func MulScalar(a *Tensor, s float32) *Tensor {
	return unop(a,
		func(x float32) float32 { return x * s },
		func(x, y, g float32) float32 { return g * s })
}

// Neg computes -a.
func Neg(a *Tensor) *Tensor { return MulScalar(a, -1) }

// Exp computes elementwise e^x.
func Exp(a *Tensor) *Tensor {
	return unop(a,
		func(x float32) float32 { return float32(math.Exp(float64(x))) },
		func(x, y, g float32) float32 { return g * y })
}

// Log computes elementwise natural log.
func Log(a *Tensor) *Tensor {
	return unop(a,
		func(x float32) float32 { return float32(math.Log(float64(x))) },
		func(x, y, g float32) float32 { return g / x })
}

// Sqrt computes elementwise square root.
func Sqrt(a *Tensor) *Tensor {
	return unop(a,
		func(x float32) float32 { return float32(math.Sqrt(float64(x))) },
		func(x, y, g float32) float32 { return g / (2 * y) })
}

// Square computes elementwise x^2.
func Square(a *Tensor) *Tensor {
	return unop(a,
		func(x float32) float32 { return x * x },
		func(x, y, g float32) float32 { return 2 * g * x })
}

// Abs computes elementwise |x|.
func Abs(a *Tensor) *Tensor {
	return unop(a,
		func(x float32) float32 { return float32(math.Abs(float64(x))) },
		func(x, y, g float32) float32 {
			if x < 0 {
				return -g
			}
			return g
		})
}

// Sin computes elementwise sine.
func Sin(a *Tensor) *Tensor {
	return unop(a,
		func(x float32) float32 { return float32(math.Sin(float64(x))) },
		func(x, y, g float32) float32 { return g * float32(math.Cos(float64(x))) })
}

// Cos computes elementwise cosine.
func Cos(a *Tensor) *Tensor {
	return unop(a,
		func(x float32) float32 { return float32(math.Cos(float64(x))) },
		func(x, y, g float32) float32 { return -g * float32(math.Sin(float64(x))) })
}

// Tanh computes elementwise tanh.
func Tanh(a *Tensor) *Tensor {
	return unop(a,
		func(x float32) float32 { return float32(math.Tanh(float64(x))) },
		func(x, y, g float32) float32 { return g * (1 - y*y) })
}

// Sigmoid computes elementwise 1/(1+e^-x).
func Sigmoid(a *Tensor) *Tensor {
	return unop(a,
		func(x float32) float32 { return float32(1 / (1 + math.Exp(-float64(x)))) },
		func(x, y, g float32) float32 { return g * y * (1 - y) })
}

// SiLU computes elementwise x*sigmoid(x).
func SiLU(a *Tensor) *Tensor {
	return unop(a,
		func(x float32) float32 { return x * float32(1/(1+math.Exp(-float64(x)))) },
		func(x, y, g float32) float32 {
			s := float32(1 / (1 + math.Exp(-float64(x))))
			return g * (s + x*s*(1-s))
		})
}

// GELU computes elementwise x*0.5*(1+erf(x/sqrt2)).
func GELU(a *Tensor) *Tensor {
	const invSqrt2 = 0.7071067811865476
	const invSqrt2Pi = 0.3989422804014327
	return unop(a,
		func(x float32) float32 {
			return x * 0.5 * float32(1+math.Erf(float64(x)*invSqrt2))
		},
		func(x, y, g float32) float32 {
			cdf := 0.5 * float32(1+math.Erf(float64(x)*invSqrt2))
			pdf := float32(invSqrt2Pi * math.Exp(-0.5*float64(x)*float64(x)))
			return g * (cdf + x*pdf)
		})
}

// Clip clamps values into [min, max]. Gradients pass only where the input is
// strictly inside the bounds.
func Clip(a *Tensor, min, max float32) *Tensor {
	return unop(a,
		func(x float32) float32 {
			if x < min {
				return min
			}
			if x > max {
				return max
			}
			return x
		},
		func(x, y, g float32) float32 {
			if x < min || x > max {
				return 0
			}
			return g
		})
}

func exp32(x float32) float32 { return float32(math.Exp(float64(x))) }

// IsFinite reports whether every element is finite.
func IsFinite(a *Tensor) bool {
	for _, v := range a.data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}
