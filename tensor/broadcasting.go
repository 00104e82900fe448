package tensor

import (
	"fmt"
)

// BroadcastShapes determines if two shapes are broadcastable and returns the
// resulting shape, following the usual trailing-dimension rules: dimensions
// are compatible when equal, when one is 1, or when one is missing.
func BroadcastShapes(shape1, shape2 []int) ([]int, error) {
	if len(shape1) == 0 && len(shape2) == 0 {
		return []int{}, nil
	}
	if len(shape1) == 0 {
		return shape2, nil
	}
	if len(shape2) == 0 {
		return shape1, nil
	}

	maxDims := len(shape1)
	if len(shape2) > maxDims {
		maxDims = len(shape2)
	}

	resultShape := make([]int, maxDims)
	for i := 0; i < maxDims; i++ {
		dim1, dim2 := 1, 1
		if idx := len(shape1) - 1 - i; idx >= 0 {
			dim1 = shape1[idx]
		}
		if idx := len(shape2) - 1 - i; idx >= 0 {
			dim2 = shape2[idx]
		}

		switch {
		case dim1 == dim2:
			resultShape[maxDims-1-i] = dim1
		case dim1 == 1:
			resultShape[maxDims-1-i] = dim2
		case dim2 == 1:
			resultShape[maxDims-1-i] = dim1
		default:
			return nil, fmt.Errorf("shapes %v and %v are not broadcastable: dimension %d (%d vs %d)",
				shape1, shape2, i, dim1, dim2)
		}
	}

	return resultShape, nil
}

// AreBroadcastable checks if two shapes can be broadcast together.
func AreBroadcastable(shape1, shape2 []int) bool {
	_, err := BroadcastShapes(shape1, shape2)
	return err == nil
}

// broadcastIndexMap returns, for every flat index of targetShape, the flat
// index in a tensor of srcShape that supplies its value.
func broadcastIndexMap(srcShape, targetShape []int) []int {
	numDims := len(targetShape)
	srcDims := len(srcShape)
	srcStrides := calculateStrides(srcShape)
	totalElems := calculateNumElements(targetShape)

	indexMap := make([]int, totalElems)
	coords := make([]int, numDims)
	for dstIdx := 0; dstIdx < totalElems; dstIdx++ {
		remaining := dstIdx
		for i := numDims - 1; i >= 0; i-- {
			coords[i] = remaining % targetShape[i]
			remaining /= targetShape[i]
		}

		srcIdx := 0
		for i := 0; i < srcDims; i++ {
			coord := coords[i+numDims-srcDims]
			if srcShape[i] == 1 {
				coord = 0
			}
			srcIdx += coord * srcStrides[i]
		}
		indexMap[dstIdx] = srcIdx
	}
	return indexMap
}

// BroadcastTensor expands a tensor to a target shape using broadcasting rules.
func BroadcastTensor(t *Tensor, targetShape []int) (*Tensor, error) {
	if len(targetShape) == 0 {
		return t.Clone()
	}
	if shapesEqual(t.Shape, targetShape) {
		return t.Clone()
	}

	resultShape, err := BroadcastShapes(t.Shape, targetShape)
	if err != nil {
		return nil, fmt.Errorf("cannot broadcast tensor with shape %v to %v: %v", t.Shape, targetShape, err)
	}
	if !shapesEqual(resultShape, targetShape) {
		return nil, fmt.Errorf("cannot broadcast tensor with shape %v to %v", t.Shape, targetShape)
	}

	result, err := Zeros(targetShape, t.DType)
	if err != nil {
		return nil, err
	}
	result.requiresGrad = t.requiresGrad

	indexMap := broadcastIndexMap(t.Shape, targetShape)
	switch t.DType {
	case Float32:
		src := t.Data.([]float32)
		dst := result.Data.([]float32)
		for i, srcIdx := range indexMap {
			dst[i] = src[srcIdx]
		}
	case Int32:
		src := t.Data.([]int32)
		dst := result.Data.([]int32)
		for i, srcIdx := range indexMap {
			dst[i] = src[srcIdx]
		}
	default:
		return nil, fmt.Errorf("unsupported data type for broadcasting: %v", t.DType)
	}

	return result, nil
}

func shapesEqual(shape1, shape2 []int) bool {
	if len(shape1) != len(shape2) {
		return false
	}
	for i := range shape1 {
		if shape1[i] != shape2[i] {
			return false
		}
	}
	return true
}

// BroadcastTensorsForOperation broadcasts two tensors to a common shape for
// element-wise operations.
func BroadcastTensorsForOperation(a, b *Tensor) (*Tensor, *Tensor, error) {
	broadcastShape, err := BroadcastShapes(a.Shape, b.Shape)
	if err != nil {
		return nil, nil, fmt.Errorf("tensors cannot be broadcast together: %v", err)
	}

	aBroadcast, err := BroadcastTensor(a, broadcastShape)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to broadcast first tensor: %v", err)
	}

	bBroadcast, err := BroadcastTensor(b, broadcastShape)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to broadcast second tensor: %v", err)
	}

	return aBroadcast, bBroadcast, nil
}
