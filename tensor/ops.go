package tensor

import (
	"fmt"
	"math"
)

func checkCompatibility(t1, t2 *Tensor) error {
	if t1.DType != t2.DType {
		return fmt.Errorf("tensors must have same dtype: %s vs %s", t1.DType, t2.DType)
	}
	return nil
}

// binaryOp applies fn elementwise after broadcasting both operands to a
// common shape. Only Float32 participates in arithmetic used by training;
// Int32 is supported for label bookkeeping.
func binaryOp(t1, t2 *Tensor, name string, f32 func(a, b float32) float32, i32 func(a, b int32) int32) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, err
	}

	a, b := t1, t2
	if !shapesEqual(t1.Shape, t2.Shape) {
		var err error
		a, b, err = BroadcastTensorsForOperation(t1, t2)
		if err != nil {
			return nil, fmt.Errorf("%s: %v", name, err)
		}
	}

	result, err := Zeros(a.Shape, a.DType)
	if err != nil {
		return nil, err
	}

	switch a.DType {
	case Float32:
		data1 := a.Data.([]float32)
		data2 := b.Data.([]float32)
		resultData := result.Data.([]float32)
		for i := 0; i < a.NumElems; i++ {
			resultData[i] = f32(data1[i], data2[i])
		}
	case Int32:
		if i32 == nil {
			return nil, fmt.Errorf("unsupported dtype for %s: %s", name, a.DType)
		}
		data1 := a.Data.([]int32)
		data2 := b.Data.([]int32)
		resultData := result.Data.([]int32)
		for i := 0; i < a.NumElems; i++ {
			resultData[i] = i32(data1[i], data2[i])
		}
	default:
		return nil, fmt.Errorf("unsupported dtype for %s: %s", name, a.DType)
	}

	return result, nil
}

func Add(t1, t2 *Tensor) (*Tensor, error) {
	return binaryOp(t1, t2, "Add",
		func(a, b float32) float32 { return a + b },
		func(a, b int32) int32 { return a + b })
}

func Sub(t1, t2 *Tensor) (*Tensor, error) {
	return binaryOp(t1, t2, "Sub",
		func(a, b float32) float32 { return a - b },
		func(a, b int32) int32 { return a - b })
}

func Mul(t1, t2 *Tensor) (*Tensor, error) {
	return binaryOp(t1, t2, "Mul",
		func(a, b float32) float32 { return a * b },
		func(a, b int32) int32 { return a * b })
}

func Div(t1, t2 *Tensor) (*Tensor, error) {
	return binaryOp(t1, t2, "Div",
		func(a, b float32) float32 { return a / b },
		nil)
}

// Scale multiplies every element by a constant.
func Scale(t *Tensor, s float32) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("Scale only supports Float32 tensors, got %s", t.DType)
	}
	data := t.Data.([]float32)
	out := make([]float32, len(data))
	for i, v := range data {
		out[i] = v * s
	}
	return NewTensor(append([]int(nil), t.Shape...), Float32, out)
}

// AddScalar adds a constant to every element.
func AddScalar(t *Tensor, s float32) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("AddScalar only supports Float32 tensors, got %s", t.DType)
	}
	data := t.Data.([]float32)
	out := make([]float32, len(data))
	for i, v := range data {
		out[i] = v + s
	}
	return NewTensor(append([]int(nil), t.Shape...), Float32, out)
}

func ReLU(t *Tensor) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("ReLU only supports Float32 tensors, got %s", t.DType)
	}
	data := t.Data.([]float32)
	out := make([]float32, len(data))
	for i, v := range data {
		if v > 0 {
			out[i] = v
		}
	}
	return NewTensor(append([]int(nil), t.Shape...), Float32, out)
}

func Sigmoid(t *Tensor) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("Sigmoid only supports Float32 tensors, got %s", t.DType)
	}
	data := t.Data.([]float32)
	out := make([]float32, len(data))
	for i, v := range data {
		out[i] = float32(1.0 / (1.0 + math.Exp(-float64(v))))
	}
	return NewTensor(append([]int(nil), t.Shape...), Float32, out)
}

// GELU computes the tanh approximation of the Gaussian error linear unit.
func GELU(t *Tensor) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("GELU only supports Float32 tensors, got %s", t.DType)
	}
	data := t.Data.([]float32)
	out := make([]float32, len(data))
	for i, v := range data {
		out[i] = geluScalar(v)
	}
	return NewTensor(append([]int(nil), t.Shape...), Float32, out)
}

const geluCoeff = 0.044715

func geluScalar(x float32) float32 {
	xf := float64(x)
	inner := math.Sqrt(2.0/math.Pi) * (xf + geluCoeff*xf*xf*xf)
	return float32(0.5 * xf * (1.0 + math.Tanh(inner)))
}

// geluGradScalar is the derivative of the tanh approximation.
func geluGradScalar(x float32) float32 {
	xf := float64(x)
	k := math.Sqrt(2.0 / math.Pi)
	inner := k * (xf + geluCoeff*xf*xf*xf)
	tanhInner := math.Tanh(inner)
	sech2 := 1.0 - tanhInner*tanhInner
	return float32(0.5*(1.0+tanhInner) + 0.5*xf*sech2*k*(1.0+3.0*geluCoeff*xf*xf))
}

func Exp(t *Tensor) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("Exp only supports Float32 tensors, got %s", t.DType)
	}
	data := t.Data.([]float32)
	out := make([]float32, len(data))
	for i, v := range data {
		out[i] = float32(math.Exp(float64(v)))
	}
	return NewTensor(append([]int(nil), t.Shape...), Float32, out)
}

// Softmax normalizes the last dimension into a probability distribution,
// subtracting the row maximum first for numerical stability.
func Softmax(t *Tensor) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("Softmax only supports Float32 tensors, got %s", t.DType)
	}
	if len(t.Shape) < 1 {
		return nil, fmt.Errorf("Softmax requires at least 1 dimension")
	}

	width := t.Shape[len(t.Shape)-1]
	rows := t.NumElems / width
	data := t.Data.([]float32)
	out := make([]float32, len(data))

	for r := 0; r < rows; r++ {
		row := data[r*width : (r+1)*width]
		maxVal := row[0]
		for _, v := range row[1:] {
			if v > maxVal {
				maxVal = v
			}
		}
		var sum float64
		for i, v := range row {
			e := math.Exp(float64(v - maxVal))
			out[r*width+i] = float32(e)
			sum += e
		}
		for i := range row {
			out[r*width+i] = float32(float64(out[r*width+i]) / sum)
		}
	}

	return NewTensor(append([]int(nil), t.Shape...), Float32, out)
}
