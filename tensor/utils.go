package tensor

import (
	"fmt"
	"math"
	"strings"
)

// Reshape returns a view sharing the underlying data with a new shape. One
// dimension may be -1 and is inferred from the element count.
func (t *Tensor) Reshape(newShape []int) (*Tensor, error) {
	newNumElems := 1
	hasNegOne := false
	negOneIdx := -1

	for i, dim := range newShape {
		if dim < 0 {
			if dim != -1 {
				return nil, fmt.Errorf("negative dimension %d at index %d is not allowed (only -1 is allowed)", dim, i)
			}
			if hasNegOne {
				return nil, fmt.Errorf("only one dimension can be -1")
			}
			hasNegOne = true
			negOneIdx = i
		} else if dim == 0 {
			return nil, fmt.Errorf("dimension %d cannot be 0", i)
		} else {
			newNumElems *= dim
		}
	}

	shape := append([]int(nil), newShape...)
	if hasNegOne {
		if t.NumElems%newNumElems != 0 {
			return nil, fmt.Errorf("cannot reshape tensor of size %d into shape with -1: size must be divisible by %d", t.NumElems, newNumElems)
		}
		shape[negOneIdx] = t.NumElems / newNumElems
		newNumElems *= shape[negOneIdx]
	}

	if newNumElems != t.NumElems {
		return nil, fmt.Errorf("cannot reshape tensor of size %d into shape %v (size %d)", t.NumElems, shape, newNumElems)
	}

	return &Tensor{
		Shape:        shape,
		Strides:      calculateStrides(shape),
		DType:        t.DType,
		Data:         t.Data,
		NumElems:     t.NumElems,
		requiresGrad: t.requiresGrad,
	}, nil
}

func (t *Tensor) Clone() (*Tensor, error) {
	clone := &Tensor{
		Shape:        append([]int(nil), t.Shape...),
		Strides:      append([]int(nil), t.Strides...),
		DType:        t.DType,
		NumElems:     t.NumElems,
		requiresGrad: t.requiresGrad,
	}

	switch t.DType {
	case Float32:
		if t.Data == nil {
			return nil, fmt.Errorf("tensor has nil data")
		}
		data := t.Data.([]float32)
		cloneData := make([]float32, len(data))
		copy(cloneData, data)
		clone.Data = cloneData
	case Int32:
		if t.Data == nil {
			return nil, fmt.Errorf("tensor has nil data")
		}
		data := t.Data.([]int32)
		cloneData := make([]int32, len(data))
		copy(cloneData, data)
		clone.Data = cloneData
	default:
		return nil, fmt.Errorf("unsupported dtype for Clone: %s", t.DType)
	}

	return clone, nil
}

func (t *Tensor) GetFloat32Data() ([]float32, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("tensor dtype is %s, not Float32", t.DType)
	}
	return t.Data.([]float32), nil
}

func (t *Tensor) GetInt32Data() ([]int32, error) {
	if t.DType != Int32 {
		return nil, fmt.Errorf("tensor dtype is %s, not Int32", t.DType)
	}
	return t.Data.([]int32), nil
}

func (t *Tensor) Item() (interface{}, error) {
	if t.NumElems != 1 {
		return nil, fmt.Errorf("item() can only be called on tensors with exactly one element, got %d", t.NumElems)
	}

	switch t.DType {
	case Float32:
		return t.Data.([]float32)[0], nil
	case Int32:
		return t.Data.([]int32)[0], nil
	default:
		return nil, fmt.Errorf("unsupported dtype for Item: %s", t.DType)
	}
}

// Float32Item returns the single element of a scalar Float32 tensor.
func (t *Tensor) Float32Item() (float32, error) {
	if t.NumElems != 1 {
		return 0, fmt.Errorf("expected a single-element tensor, got %d elements", t.NumElems)
	}
	if t.DType != Float32 {
		return 0, fmt.Errorf("tensor dtype is %s, not Float32", t.DType)
	}
	return t.Data.([]float32)[0], nil
}

func (t *Tensor) At(indices ...int) (interface{}, error) {
	if len(indices) != len(t.Shape) {
		return nil, fmt.Errorf("expected %d indices, got %d", len(t.Shape), len(indices))
	}

	for i, idx := range indices {
		if idx < 0 || idx >= t.Shape[i] {
			return nil, fmt.Errorf("index %d out of bounds for dimension %d (size %d)", idx, i, t.Shape[i])
		}
	}

	linearIndex := getIndex(indices, t.Strides)
	switch t.DType {
	case Float32:
		return t.Data.([]float32)[linearIndex], nil
	case Int32:
		return t.Data.([]int32)[linearIndex], nil
	default:
		return nil, fmt.Errorf("unsupported dtype for At: %s", t.DType)
	}
}

func (t *Tensor) SetAt(value interface{}, indices ...int) error {
	if len(indices) != len(t.Shape) {
		return fmt.Errorf("expected %d indices, got %d", len(t.Shape), len(indices))
	}

	for i, idx := range indices {
		if idx < 0 || idx >= t.Shape[i] {
			return fmt.Errorf("index %d out of bounds for dimension %d (size %d)", idx, i, t.Shape[i])
		}
	}

	linearIndex := getIndex(indices, t.Strides)
	switch t.DType {
	case Float32:
		val, ok := value.(float32)
		if !ok {
			return fmt.Errorf("expected float32 value for Float32 tensor")
		}
		t.Data.([]float32)[linearIndex] = val
	case Int32:
		val, ok := value.(int32)
		if !ok {
			return fmt.Errorf("expected int32 value for Int32 tensor")
		}
		t.Data.([]int32)[linearIndex] = val
	default:
		return fmt.Errorf("unsupported dtype for SetAt: %s", t.DType)
	}

	return nil
}

func (t *Tensor) Size() []int {
	return append([]int(nil), t.Shape...)
}

func (t *Tensor) Numel() int {
	return t.NumElems
}

func (t *Tensor) Dim() int {
	return len(t.Shape)
}

func (t *Tensor) Equal(other *Tensor) (bool, error) {
	if t.DType != other.DType {
		return false, nil
	}
	if !shapesEqual(t.Shape, other.Shape) {
		return false, nil
	}

	switch t.DType {
	case Float32:
		data1 := t.Data.([]float32)
		data2 := other.Data.([]float32)
		for i := 0; i < t.NumElems; i++ {
			if data1[i] != data2[i] {
				return false, nil
			}
		}
	case Int32:
		data1 := t.Data.([]int32)
		data2 := other.Data.([]int32)
		for i := 0; i < t.NumElems; i++ {
			if data1[i] != data2[i] {
				return false, nil
			}
		}
	default:
		return false, fmt.Errorf("unsupported dtype for Equal: %s", t.DType)
	}

	return true, nil
}

func (t *Tensor) PrintData(maxElements int) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Tensor(shape=%v, dtype=%s)\n", t.Shape, t.DType))

	if maxElements <= 0 {
		maxElements = 20
	}

	elementsToShow := t.NumElems
	if elementsToShow > maxElements {
		elementsToShow = maxElements
	}

	switch t.DType {
	case Float32:
		data := t.Data.([]float32)
		sb.WriteString("[")
		for i := 0; i < elementsToShow; i++ {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(fmt.Sprintf("%.4f", data[i]))
		}
		if t.NumElems > maxElements {
			sb.WriteString(fmt.Sprintf(", ... (%d more elements)", t.NumElems-maxElements))
		}
		sb.WriteString("]")
	case Int32:
		data := t.Data.([]int32)
		sb.WriteString("[")
		for i := 0; i < elementsToShow; i++ {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(fmt.Sprintf("%d", data[i]))
		}
		if t.NumElems > maxElements {
			sb.WriteString(fmt.Sprintf(", ... (%d more elements)", t.NumElems-maxElements))
		}
		sb.WriteString("]")
	}

	return sb.String()
}

// ZeroGrad clears accumulated gradients on the given tensors.
func ZeroGrad(tensors []*Tensor) {
	for _, t := range tensors {
		if t.requiresGrad && t.grad != nil {
			switch t.DType {
			case Float32:
				data := t.grad.Data.([]float32)
				for i := range data {
					data[i] = 0
				}
			case Int32:
				data := t.grad.Data.([]int32)
				for i := range data {
					data[i] = 0
				}
			}
		}
	}
}

// Sqrt computes the square root of a tensor element-wise. Negative inputs
// produce NaN rather than an error.
func Sqrt(t *Tensor) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("sqrt only supports Float32 tensors")
	}

	data := t.Data.([]float32)
	result := make([]float32, len(data))
	for i, val := range data {
		if val < 0 {
			result[i] = float32(math.NaN())
		} else {
			result[i] = float32(math.Sqrt(float64(val)))
		}
	}

	return NewTensor(append([]int(nil), t.Shape...), Float32, result)
}

// Argmax returns, for a (rows, width) Float32 tensor, the index of the
// largest value in each row as an Int32 tensor of shape (rows).
func Argmax(t *Tensor) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("Argmax only supports Float32 tensors, got %s", t.DType)
	}
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("Argmax expects a 2D tensor, got shape %v", t.Shape)
	}

	rows, width := t.Shape[0], t.Shape[1]
	data := t.Data.([]float32)
	out := make([]int32, rows)
	for r := 0; r < rows; r++ {
		best := 0
		bestVal := data[r*width]
		for c := 1; c < width; c++ {
			if data[r*width+c] > bestVal {
				bestVal = data[r*width+c]
				best = c
			}
		}
		out[r] = int32(best)
	}

	return NewTensor([]int{rows}, Int32, out)
}
