package tensor

import "fmt"

// Backward runs reverse-mode differentiation from a scalar loss. After it
// returns, every gradient-requiring tensor reachable from loss holds its
// accumulated gradient.
func Backward(loss *Tensor) {
	if loss.Numel() != 1 {
		panic(fmt.Sprintf("tensor: Backward from non-scalar shape %v", loss.shape))
	}
	if !loss.requiresGrad {
		return
	}

	var order []*Tensor
	visited := make(map[*Tensor]bool)
	var visit func(n *Tensor)
	visit = func(n *Tensor) {
		if visited[n] {
			return
		}
		visited[n] = true
		for _, p := range n.prev {
			visit(p)
		}
		order = append(order, n)
	}
	visit(loss)

	loss.grad = Ones(loss.shape...)
	for i := len(order) - 1; i >= 0; i-- {
		n := order[i]
		if n.back != nil && n.grad != nil {
			n.back()
		}
	}
}
