package tensor

import (
	"fmt"
	"math/rand"
)

// reduceGradientToShape reduces a gradient tensor to match the target shape.
// This is needed when broadcasting occurred during the forward pass.
func reduceGradientToShape(grad *Tensor, targetShape []int) (*Tensor, error) {
	if shapesEqual(grad.Shape, targetShape) {
		return grad.Clone()
	}

	if len(targetShape) == 1 && targetShape[0] == 1 {
		return sumAllElements(grad)
	}

	result := grad
	var err error

	// Sum away leading dimensions the target does not have.
	dimsToSum := len(grad.Shape) - len(targetShape)
	for i := 0; i < dimsToSum; i++ {
		result, err = sumOverDimension(result, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to sum over dimension: %v", err)
		}
	}

	// Sum dimensions that were broadcast from size 1.
	for i := 0; i < len(targetShape); i++ {
		if i < len(result.Shape) && result.Shape[i] != targetShape[i] {
			if targetShape[i] == 1 && result.Shape[i] > 1 {
				result, err = sumOverDimension(result, i)
				if err != nil {
					return nil, fmt.Errorf("failed to sum over broadcast dimension: %v", err)
				}
				result, err = Unsqueeze(result, i)
				if err != nil {
					return nil, fmt.Errorf("failed to restore broadcast dimension: %v", err)
				}
			}
		}
	}

	if !shapesEqual(result.Shape, targetShape) {
		result, err = Reshape(result, targetShape)
		if err != nil {
			return nil, fmt.Errorf("failed to reshape gradient: %v", err)
		}
	}

	return result, nil
}

func sumAllElements(t *Tensor) (*Tensor, error) {
	switch t.DType {
	case Float32:
		data := t.Data.([]float32)
		sum := float32(0)
		for _, val := range data {
			sum += val
		}
		return NewTensor([]int{1}, t.DType, []float32{sum})
	case Int32:
		data := t.Data.([]int32)
		sum := int32(0)
		for _, val := range data {
			sum += val
		}
		return NewTensor([]int{1}, t.DType, []int32{sum})
	default:
		return nil, fmt.Errorf("unsupported data type for sum: %v", t.DType)
	}
}

// sumOverDimension sums a Float32 tensor over one dimension, dropping it.
func sumOverDimension(t *Tensor, dim int) (*Tensor, error) {
	if dim < 0 || dim >= len(t.Shape) {
		return nil, fmt.Errorf("dimension %d out of bounds for tensor with %d dimensions", dim, len(t.Shape))
	}
	if t.DType != Float32 {
		return nil, fmt.Errorf("unsupported data type for sum: %v", t.DType)
	}

	outputShape := make([]int, 0, len(t.Shape)-1)
	for i, size := range t.Shape {
		if i != dim {
			outputShape = append(outputShape, size)
		}
	}
	if len(outputShape) == 0 {
		return sumAllElements(t)
	}

	result, err := Zeros(outputShape, Float32)
	if err != nil {
		return nil, err
	}

	data := t.Data.([]float32)
	resultData := result.Data.([]float32)

	outer := 1
	for i := 0; i < dim; i++ {
		outer *= t.Shape[i]
	}
	inner := 1
	for i := dim + 1; i < len(t.Shape); i++ {
		inner *= t.Shape[i]
	}
	size := t.Shape[dim]

	for o := 0; o < outer; o++ {
		for in := 0; in < inner; in++ {
			var sum float32
			for s := 0; s < size; s++ {
				sum += data[(o*size+s)*inner+in]
			}
			resultData[o*inner+in] = sum
		}
	}

	return result, nil
}

// AddOp implements the Operation interface for tensor addition.
type AddOp struct {
	inputs []*Tensor
}

func (op *AddOp) Inputs() []*Tensor { return op.inputs }

func (op *AddOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 2 {
		panic("AddOp requires exactly 2 inputs")
	}

	a, b := inputs[0], inputs[1]
	op.inputs = inputs

	result, err := Add(a, b)
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}

	result.creator = op
	result.requiresGrad = a.requiresGrad || b.requiresGrad
	return result
}

func (op *AddOp) Backward(gradOut *Tensor) []*Tensor {
	// Addition passes the gradient through unchanged; broadcast dimensions
	// are summed back out.
	gradA, err := reduceGradientToShape(gradOut, op.inputs[0].Shape)
	if err != nil {
		panic(fmt.Sprintf("Failed to reduce gradient for input A: %v", err))
	}

	gradB, err := reduceGradientToShape(gradOut, op.inputs[1].Shape)
	if err != nil {
		panic(fmt.Sprintf("Failed to reduce gradient for input B: %v", err))
	}

	return []*Tensor{gradA, gradB}
}

// SubOp implements the Operation interface for tensor subtraction.
type SubOp struct {
	inputs []*Tensor
}

func (op *SubOp) Inputs() []*Tensor { return op.inputs }

func (op *SubOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 2 {
		panic("SubOp requires exactly 2 inputs")
	}

	a, b := inputs[0], inputs[1]
	op.inputs = inputs

	result, err := Sub(a, b)
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}

	result.creator = op
	result.requiresGrad = a.requiresGrad || b.requiresGrad
	return result
}

func (op *SubOp) Backward(gradOut *Tensor) []*Tensor {
	gradA, err := reduceGradientToShape(gradOut, op.inputs[0].Shape)
	if err != nil {
		panic(fmt.Sprintf("Failed to reduce gradient for input A: %v", err))
	}

	negGrad, err := Scale(gradOut, -1)
	if err != nil {
		panic(fmt.Sprintf("Failed to negate gradient: %v", err))
	}
	gradB, err := reduceGradientToShape(negGrad, op.inputs[1].Shape)
	if err != nil {
		panic(fmt.Sprintf("Failed to reduce gradient for input B: %v", err))
	}

	return []*Tensor{gradA, gradB}
}

// MulOp implements the Operation interface for element-wise multiplication.
type MulOp struct {
	inputs []*Tensor
}

func (op *MulOp) Inputs() []*Tensor { return op.inputs }

func (op *MulOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 2 {
		panic("MulOp requires exactly 2 inputs")
	}

	a, b := inputs[0], inputs[1]
	op.inputs = inputs

	result, err := Mul(a, b)
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}

	result.creator = op
	result.requiresGrad = a.requiresGrad || b.requiresGrad
	return result
}

func (op *MulOp) Backward(gradOut *Tensor) []*Tensor {
	a, b := op.inputs[0], op.inputs[1]

	bBroadcast, err := BroadcastTensor(b, gradOut.Shape)
	if err != nil {
		panic(fmt.Sprintf("Failed to broadcast b for gradA: %v", err))
	}
	gradAFull, err := Mul(gradOut, bBroadcast)
	if err != nil {
		panic(fmt.Sprintf("Backward pass failed for gradA: %v", err))
	}
	gradA, err := reduceGradientToShape(gradAFull, a.Shape)
	if err != nil {
		panic(fmt.Sprintf("Failed to reduce gradient for input A: %v", err))
	}

	aBroadcast, err := BroadcastTensor(a, gradOut.Shape)
	if err != nil {
		panic(fmt.Sprintf("Failed to broadcast a for gradB: %v", err))
	}
	gradBFull, err := Mul(gradOut, aBroadcast)
	if err != nil {
		panic(fmt.Sprintf("Backward pass failed for gradB: %v", err))
	}
	gradB, err := reduceGradientToShape(gradBFull, b.Shape)
	if err != nil {
		panic(fmt.Sprintf("Failed to reduce gradient for input B: %v", err))
	}

	return []*Tensor{gradA, gradB}
}

// ScaleOp multiplies a tensor by a constant factor.
type ScaleOp struct {
	inputs []*Tensor
	factor float32
}

func (op *ScaleOp) Inputs() []*Tensor { return op.inputs }

func (op *ScaleOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("ScaleOp requires exactly 1 input")
	}

	a := inputs[0]
	op.inputs = inputs

	result, err := Scale(a, op.factor)
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}

	result.creator = op
	result.requiresGrad = a.requiresGrad
	return result
}

func (op *ScaleOp) Backward(gradOut *Tensor) []*Tensor {
	grad, err := Scale(gradOut, op.factor)
	if err != nil {
		panic(fmt.Sprintf("Backward pass failed: %v", err))
	}
	return []*Tensor{grad}
}

// MatMulOp implements the Operation interface for matrix multiplication.
type MatMulOp struct {
	inputs []*Tensor
}

func (op *MatMulOp) Inputs() []*Tensor { return op.inputs }

func (op *MatMulOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 2 {
		panic("MatMulOp requires exactly 2 inputs")
	}

	a, b := inputs[0], inputs[1]
	op.inputs = inputs

	result, err := MatMul(a, b)
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}

	result.creator = op
	result.requiresGrad = a.requiresGrad || b.requiresGrad
	return result
}

func (op *MatMulOp) Backward(gradOut *Tensor) []*Tensor {
	a, b := op.inputs[0], op.inputs[1]
	nd := len(a.Shape)

	// grad A = gradOut @ B^T, grad B = A^T @ gradOut, transposing the two
	// matrix dimensions and leaving batch dimensions in place.
	bT, err := Transpose(b, nd-2, nd-1)
	if err != nil {
		panic(fmt.Sprintf("Failed to transpose B: %v", err))
	}
	gradA, err := MatMul(gradOut, bT)
	if err != nil {
		panic(fmt.Sprintf("Backward pass failed for gradA: %v", err))
	}

	aT, err := Transpose(a, nd-2, nd-1)
	if err != nil {
		panic(fmt.Sprintf("Failed to transpose A: %v", err))
	}
	gradB, err := MatMul(aT, gradOut)
	if err != nil {
		panic(fmt.Sprintf("Backward pass failed for gradB: %v", err))
	}

	return []*Tensor{gradA, gradB}
}

// ReLUOp implements the Operation interface for ReLU activation.
type ReLUOp struct {
	inputs []*Tensor
}

func (op *ReLUOp) Inputs() []*Tensor { return op.inputs }

func (op *ReLUOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("ReLUOp requires exactly 1 input")
	}

	a := inputs[0]
	op.inputs = inputs

	result, err := ReLU(a)
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}

	result.creator = op
	result.requiresGrad = a.requiresGrad
	return result
}

func (op *ReLUOp) Backward(gradOut *Tensor) []*Tensor {
	a := op.inputs[0]

	grad, err := gradOut.Clone()
	if err != nil {
		panic(fmt.Sprintf("Failed to clone gradient: %v", err))
	}

	inputData := a.Data.([]float32)
	gradData := grad.Data.([]float32)
	for i := range gradData {
		if inputData[i] <= 0 {
			gradData[i] = 0
		}
	}

	return []*Tensor{grad}
}

// SigmoidOp implements the Operation interface for sigmoid activation.
type SigmoidOp struct {
	inputs []*Tensor
	output *Tensor
}

func (op *SigmoidOp) Inputs() []*Tensor { return op.inputs }

func (op *SigmoidOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("SigmoidOp requires exactly 1 input")
	}

	a := inputs[0]
	op.inputs = inputs

	result, err := Sigmoid(a)
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}

	op.output = result
	result.creator = op
	result.requiresGrad = a.requiresGrad
	return result
}

func (op *SigmoidOp) Backward(gradOut *Tensor) []*Tensor {
	if op.output == nil {
		panic("SigmoidOp: output not stored for backward pass")
	}

	// dσ/dx = σ(x) (1 − σ(x))
	out := op.output.Data.([]float32)
	gout := gradOut.Data.([]float32)
	gradData := make([]float32, len(gout))
	for i := range gradData {
		gradData[i] = gout[i] * out[i] * (1 - out[i])
	}

	grad, err := NewTensor(append([]int(nil), gradOut.Shape...), Float32, gradData)
	if err != nil {
		panic(fmt.Sprintf("Failed to build gradient tensor: %v", err))
	}
	return []*Tensor{grad}
}

// GELUOp implements the Operation interface for the GELU activation.
type GELUOp struct {
	inputs []*Tensor
}

func (op *GELUOp) Inputs() []*Tensor { return op.inputs }

func (op *GELUOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("GELUOp requires exactly 1 input")
	}

	a := inputs[0]
	op.inputs = inputs

	result, err := GELU(a)
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}

	result.creator = op
	result.requiresGrad = a.requiresGrad
	return result
}

func (op *GELUOp) Backward(gradOut *Tensor) []*Tensor {
	a := op.inputs[0]
	inputData := a.Data.([]float32)
	gout := gradOut.Data.([]float32)
	gradData := make([]float32, len(gout))
	for i := range gradData {
		gradData[i] = gout[i] * geluGradScalar(inputData[i])
	}

	grad, err := NewTensor(append([]int(nil), gradOut.Shape...), Float32, gradData)
	if err != nil {
		panic(fmt.Sprintf("Failed to build gradient tensor: %v", err))
	}
	return []*Tensor{grad}
}

// SoftmaxOp normalizes the last dimension into probabilities.
type SoftmaxOp struct {
	inputs []*Tensor
	output *Tensor
}

func (op *SoftmaxOp) Inputs() []*Tensor { return op.inputs }

func (op *SoftmaxOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("SoftmaxOp requires exactly 1 input")
	}

	a := inputs[0]
	op.inputs = inputs

	result, err := Softmax(a)
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}

	op.output = result
	result.creator = op
	result.requiresGrad = a.requiresGrad
	return result
}

func (op *SoftmaxOp) Backward(gradOut *Tensor) []*Tensor {
	if op.output == nil {
		panic("SoftmaxOp: output not stored for backward pass")
	}

	// Per row: grad_i = s_i (gout_i − Σ_j gout_j s_j)
	width := op.output.Shape[len(op.output.Shape)-1]
	rows := op.output.NumElems / width
	s := op.output.Data.([]float32)
	gout := gradOut.Data.([]float32)
	gradData := make([]float32, len(gout))

	for r := 0; r < rows; r++ {
		var dot float32
		for i := 0; i < width; i++ {
			dot += gout[r*width+i] * s[r*width+i]
		}
		for i := 0; i < width; i++ {
			idx := r*width + i
			gradData[idx] = s[idx] * (gout[idx] - dot)
		}
	}

	grad, err := NewTensor(append([]int(nil), gradOut.Shape...), Float32, gradData)
	if err != nil {
		panic(fmt.Sprintf("Failed to build gradient tensor: %v", err))
	}
	return []*Tensor{grad}
}

// ReshapeOp changes the logical shape while sharing data.
type ReshapeOp struct {
	inputs   []*Tensor
	newShape []int
}

func (op *ReshapeOp) Inputs() []*Tensor { return op.inputs }

func (op *ReshapeOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("ReshapeOp requires exactly 1 input")
	}

	a := inputs[0]
	op.inputs = inputs

	result, err := a.Reshape(op.newShape)
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}

	result.creator = op
	result.requiresGrad = a.requiresGrad
	return result
}

func (op *ReshapeOp) Backward(gradOut *Tensor) []*Tensor {
	grad, err := Reshape(gradOut, op.inputs[0].Shape)
	if err != nil {
		panic(fmt.Sprintf("Failed to reshape gradient: %v", err))
	}
	return []*Tensor{grad}
}

// TransposeOp swaps two dimensions.
type TransposeOp struct {
	inputs     []*Tensor
	dim0, dim1 int
}

func (op *TransposeOp) Inputs() []*Tensor { return op.inputs }

func (op *TransposeOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("TransposeOp requires exactly 1 input")
	}

	a := inputs[0]
	op.inputs = inputs

	result, err := Transpose(a, op.dim0, op.dim1)
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}

	result.creator = op
	result.requiresGrad = a.requiresGrad
	return result
}

func (op *TransposeOp) Backward(gradOut *Tensor) []*Tensor {
	grad, err := Transpose(gradOut, op.dim0, op.dim1)
	if err != nil {
		panic(fmt.Sprintf("Failed to transpose gradient: %v", err))
	}
	return []*Tensor{grad}
}

// ConcatOp joins tensors along one dimension.
type ConcatOp struct {
	inputs []*Tensor
	dim    int
}

func (op *ConcatOp) Inputs() []*Tensor { return op.inputs }

func (op *ConcatOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) < 2 {
		panic("ConcatOp requires at least 2 inputs")
	}
	op.inputs = inputs

	result, err := Concat(inputs, op.dim)
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}

	result.creator = op
	for _, in := range inputs {
		if in.requiresGrad {
			result.requiresGrad = true
		}
	}
	return result
}

func (op *ConcatOp) Backward(gradOut *Tensor) []*Tensor {
	grads := make([]*Tensor, len(op.inputs))
	offset := 0
	for i, in := range op.inputs {
		g, err := Narrow(gradOut, op.dim, offset, in.Shape[op.dim])
		if err != nil {
			panic(fmt.Sprintf("Failed to split gradient: %v", err))
		}
		grads[i] = g
		offset += in.Shape[op.dim]
	}
	return grads
}

// SliceOp narrows one dimension to [start, start+length).
type SliceOp struct {
	inputs        []*Tensor
	dim           int
	start, length int
}

func (op *SliceOp) Inputs() []*Tensor { return op.inputs }

func (op *SliceOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("SliceOp requires exactly 1 input")
	}

	a := inputs[0]
	op.inputs = inputs

	result, err := Narrow(a, op.dim, op.start, op.length)
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}

	result.creator = op
	result.requiresGrad = a.requiresGrad
	return result
}

func (op *SliceOp) Backward(gradOut *Tensor) []*Tensor {
	a := op.inputs[0]
	grad, err := Zeros(a.Shape, Float32)
	if err != nil {
		panic(fmt.Sprintf("Failed to allocate gradient: %v", err))
	}
	if err := scatterNarrow(grad, gradOut, op.dim, op.start); err != nil {
		panic(fmt.Sprintf("Failed to scatter gradient: %v", err))
	}
	return []*Tensor{grad}
}

// DropoutOp zeroes elements with probability p and scales survivors by
// 1/(1−p) so the expected activation is unchanged.
type DropoutOp struct {
	inputs []*Tensor
	p      float32
	src    *rand.Rand
	mask   []float32
}

func (op *DropoutOp) Inputs() []*Tensor { return op.inputs }

func (op *DropoutOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("DropoutOp requires exactly 1 input")
	}
	if op.p < 0 || op.p >= 1 {
		panic(fmt.Sprintf("invalid dropout probability %v", op.p))
	}

	a := inputs[0]
	op.inputs = inputs

	data := a.Data.([]float32)
	out := make([]float32, len(data))
	op.mask = make([]float32, len(data))
	keep := 1 / (1 - op.p)
	for i, v := range data {
		if op.src.Float32() >= op.p {
			op.mask[i] = keep
			out[i] = v * keep
		}
	}

	result, err := NewTensor(append([]int(nil), a.Shape...), Float32, out)
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}

	result.creator = op
	result.requiresGrad = a.requiresGrad
	return result
}

func (op *DropoutOp) Backward(gradOut *Tensor) []*Tensor {
	gout := gradOut.Data.([]float32)
	gradData := make([]float32, len(gout))
	for i := range gradData {
		gradData[i] = gout[i] * op.mask[i]
	}

	grad, err := NewTensor(append([]int(nil), gradOut.Shape...), Float32, gradData)
	if err != nil {
		panic(fmt.Sprintf("Failed to build gradient tensor: %v", err))
	}
	return []*Tensor{grad}
}

// High-level autograd functions that create and execute operations.

func AddAutograd(a, b *Tensor) *Tensor {
	op := &AddOp{}
	return op.Forward(a, b)
}

func SubAutograd(a, b *Tensor) *Tensor {
	op := &SubOp{}
	return op.Forward(a, b)
}

func MulAutograd(a, b *Tensor) *Tensor {
	op := &MulOp{}
	return op.Forward(a, b)
}

func ScaleAutograd(a *Tensor, factor float32) *Tensor {
	op := &ScaleOp{factor: factor}
	return op.Forward(a)
}

func MatMulAutograd(a, b *Tensor) *Tensor {
	op := &MatMulOp{}
	return op.Forward(a, b)
}

func ReLUAutograd(a *Tensor) *Tensor {
	op := &ReLUOp{}
	return op.Forward(a)
}

func SigmoidAutograd(a *Tensor) *Tensor {
	op := &SigmoidOp{}
	return op.Forward(a)
}

func GELUAutograd(a *Tensor) *Tensor {
	op := &GELUOp{}
	return op.Forward(a)
}

func SoftmaxAutograd(a *Tensor) *Tensor {
	op := &SoftmaxOp{}
	return op.Forward(a)
}

func ReshapeAutograd(a *Tensor, shape []int) *Tensor {
	op := &ReshapeOp{newShape: shape}
	return op.Forward(a)
}

func TransposeAutograd(a *Tensor, dim0, dim1 int) *Tensor {
	op := &TransposeOp{dim0: dim0, dim1: dim1}
	return op.Forward(a)
}

func ConcatAutograd(dim int, tensors ...*Tensor) *Tensor {
	op := &ConcatOp{dim: dim}
	return op.Forward(tensors...)
}

func SliceAutograd(a *Tensor, dim, start, length int) *Tensor {
	op := &SliceOp{dim: dim, start: start, length: length}
	return op.Forward(a)
}

func DropoutAutograd(a *Tensor, p float32, src *rand.Rand) *Tensor {
	op := &DropoutOp{p: p, src: src}
	return op.Forward(a)
}
