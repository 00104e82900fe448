// Package tensor implements a CPU tensor type with reverse-mode automatic
// differentiation. Operations that participate in gradient computation are
// expressed as Operation values recorded on the result tensor; calling
// Backward on a tensor walks the recorded graph and accumulates gradients
// into every reachable tensor that requires them.
package tensor

import (
	"fmt"
)

type DType int

const (
	Float32 DType = iota
	Int32
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "Float32"
	case Int32:
		return "Int32"
	default:
		return "Unknown"
	}
}

// Operation is one differentiable step in the computation graph. Forward
// consumes input tensors and produces the result; Backward maps the gradient
// of the result to gradients of the inputs, in input order. Inputs exposes
// the tensors Forward consumed so the graph can be walked.
type Operation interface {
	Forward(...*Tensor) *Tensor
	Backward(gradOut *Tensor) []*Tensor
	Inputs() []*Tensor
}

type Tensor struct {
	Shape        []int
	Strides      []int
	DType        DType
	Data         interface{}
	NumElems     int
	requiresGrad bool
	grad         *Tensor
	creator      Operation
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, dtype=%s, elements=%d)",
		t.Shape, t.DType, t.NumElems)
}

func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

func (t *Tensor) SetRequiresGrad(requires bool) {
	t.requiresGrad = requires
}

func (t *Tensor) Grad() *Tensor {
	return t.grad
}

// Record registers op as the creator of result so Backward can reach it.
// Operations defined outside this package use it to join the graph after
// computing their forward result.
func Record(result *Tensor, op Operation, requiresGrad bool) {
	result.creator = op
	result.requiresGrad = requiresGrad
}

// Detach returns a view of the tensor cut out of the computation graph.
// The underlying data is shared.
func (t *Tensor) Detach() *Tensor {
	return &Tensor{
		Shape:    append([]int(nil), t.Shape...),
		Strides:  append([]int(nil), t.Strides...),
		DType:    t.DType,
		Data:     t.Data,
		NumElems: t.NumElems,
	}
}

// Backward propagates gradients from t through the recorded graph. seed is
// the gradient of t itself; pass nil for a single-element tensor to use 1.
// Gradients accumulate into every reachable tensor with requiresGrad set.
func (t *Tensor) Backward(seed *Tensor) error {
	if !t.requiresGrad {
		return fmt.Errorf("backward called on tensor that does not require grad")
	}

	if seed == nil {
		if t.NumElems != 1 {
			return fmt.Errorf("backward without explicit gradient requires a single-element tensor, got shape %v", t.Shape)
		}
		var err error
		seed, err = Ones(t.Shape, Float32)
		if err != nil {
			return err
		}
	}
	if !shapesEqual(seed.Shape, t.Shape) {
		return fmt.Errorf("gradient shape %v does not match tensor shape %v", seed.Shape, t.Shape)
	}

	// Topological order over creators, outputs before inputs.
	order := make([]*Tensor, 0)
	visited := make(map[*Tensor]bool)
	var visit func(node *Tensor)
	visit = func(node *Tensor) {
		if visited[node] || node.creator == nil {
			visited[node] = true
			return
		}
		visited[node] = true
		for _, in := range node.creator.Inputs() {
			visit(in)
		}
		order = append(order, node)
	}
	visit(t)

	if err := t.accumulateGrad(seed); err != nil {
		return err
	}

	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		if node.grad == nil {
			continue
		}
		grads := node.creator.Backward(node.grad)
		inputs := node.creator.Inputs()
		if len(grads) != len(inputs) {
			return fmt.Errorf("operation returned %d gradients for %d inputs", len(grads), len(inputs))
		}
		for j, in := range inputs {
			if grads[j] == nil {
				continue
			}
			if !in.requiresGrad && in.creator == nil {
				continue
			}
			if err := in.accumulateGrad(grads[j]); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *Tensor) accumulateGrad(g *Tensor) error {
	if t.grad == nil {
		clone, err := g.Clone()
		if err != nil {
			return fmt.Errorf("failed to clone gradient: %v", err)
		}
		t.grad = clone
		return nil
	}
	if !shapesEqual(t.grad.Shape, g.Shape) {
		return fmt.Errorf("gradient shape %v does not match accumulated shape %v", g.Shape, t.grad.Shape)
	}
	dst, err := t.grad.GetFloat32Data()
	if err != nil {
		return err
	}
	src, err := g.GetFloat32Data()
	if err != nil {
		return err
	}
	for i := range dst {
		dst[i] += src[i]
	}
	return nil
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}

	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}

	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}
