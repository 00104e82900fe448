package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

func getIndex(indices []int, strides []int) int {
	index := 0
	for i, idx := range indices {
		index += idx * strides[i]
	}
	return index
}

func getIndicesFromLinear(linearIndex int, shape []int) []int {
	indices := make([]int, len(shape))
	for i := len(shape) - 1; i >= 0; i-- {
		indices[i] = linearIndex % shape[i]
		linearIndex /= shape[i]
	}
	return indices
}

// gemm multiplies the (m,k) and (k,n) row-major float32 blocks into dst.
func gemm(m, k, n int, a, b, dst []float32) {
	ga := blas32.General{Rows: m, Cols: k, Stride: k, Data: a}
	gb := blas32.General{Rows: k, Cols: n, Stride: n, Data: b}
	gc := blas32.General{Rows: m, Cols: n, Stride: n, Data: dst}
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, ga, gb, 0, gc)
}

// MatMul multiplies the last two dimensions of both tensors. Tensors with
// more than two dimensions are treated as batches of matrices and must agree
// in their leading dimensions.
func MatMul(t1, t2 *Tensor) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, err
	}
	if t1.DType != Float32 {
		return nil, fmt.Errorf("unsupported dtype for MatMul: %s", t1.DType)
	}
	if len(t1.Shape) < 2 || len(t2.Shape) < 2 {
		return nil, fmt.Errorf("matmul requires tensors with at least 2 dimensions")
	}
	if len(t1.Shape) != len(t2.Shape) {
		return nil, fmt.Errorf("matmul requires tensors of equal rank: %v vs %v", t1.Shape, t2.Shape)
	}

	nd := len(t1.Shape)
	m := t1.Shape[nd-2]
	k := t1.Shape[nd-1]
	k2 := t2.Shape[nd-2]
	n := t2.Shape[nd-1]
	if k != k2 {
		return nil, fmt.Errorf("incompatible dimensions for matmul: (%d, %d) x (%d, %d)", m, k, k2, n)
	}

	batch := 1
	for i := 0; i < nd-2; i++ {
		if t1.Shape[i] != t2.Shape[i] {
			return nil, fmt.Errorf("matmul batch dimensions must match: %v vs %v", t1.Shape, t2.Shape)
		}
		batch *= t1.Shape[i]
	}

	outputShape := make([]int, nd)
	copy(outputShape, t1.Shape)
	outputShape[nd-1] = n

	result, err := Zeros(outputShape, Float32)
	if err != nil {
		return nil, err
	}

	data1 := t1.Data.([]float32)
	data2 := t2.Data.([]float32)
	resultData := result.Data.([]float32)

	for bi := 0; bi < batch; bi++ {
		gemm(m, k, n,
			data1[bi*m*k:(bi+1)*m*k],
			data2[bi*k*n:(bi+1)*k*n],
			resultData[bi*m*n:(bi+1)*m*n])
	}

	return result, nil
}

func Transpose(t *Tensor, dim0, dim1 int) (*Tensor, error) {
	if dim0 < 0 || dim0 >= len(t.Shape) {
		return nil, fmt.Errorf("dim0 %d out of range for tensor with %d dimensions", dim0, len(t.Shape))
	}
	if dim1 < 0 || dim1 >= len(t.Shape) {
		return nil, fmt.Errorf("dim1 %d out of range for tensor with %d dimensions", dim1, len(t.Shape))
	}

	outputShape := make([]int, len(t.Shape))
	copy(outputShape, t.Shape)
	outputShape[dim0], outputShape[dim1] = outputShape[dim1], outputShape[dim0]

	result, err := Zeros(outputShape, t.DType)
	if err != nil {
		return nil, err
	}

	switch t.DType {
	case Float32:
		data := t.Data.([]float32)
		resultData := result.Data.([]float32)
		for i := 0; i < t.NumElems; i++ {
			indices := getIndicesFromLinear(i, t.Shape)
			indices[dim0], indices[dim1] = indices[dim1], indices[dim0]
			resultData[getIndex(indices, result.Strides)] = data[i]
		}
	case Int32:
		data := t.Data.([]int32)
		resultData := result.Data.([]int32)
		for i := 0; i < t.NumElems; i++ {
			indices := getIndicesFromLinear(i, t.Shape)
			indices[dim0], indices[dim1] = indices[dim1], indices[dim0]
			resultData[getIndex(indices, result.Strides)] = data[i]
		}
	default:
		return nil, fmt.Errorf("unsupported dtype for Transpose: %s", t.DType)
	}

	return result, nil
}

// Reshape returns a copy of the tensor with a new shape of equal size.
func Reshape(t *Tensor, newShape []int) (*Tensor, error) {
	if err := validateShape(newShape); err != nil {
		return nil, err
	}

	newNumElems := calculateNumElements(newShape)
	if newNumElems != t.NumElems {
		return nil, fmt.Errorf("cannot reshape tensor of size %d into shape %v (size %d)",
			t.NumElems, newShape, newNumElems)
	}

	clone, err := t.Clone()
	if err != nil {
		return nil, err
	}
	clone.Shape = append([]int(nil), newShape...)
	clone.Strides = calculateStrides(newShape)
	return clone, nil
}

func Squeeze(t *Tensor, dim int) (*Tensor, error) {
	if dim < 0 || dim >= len(t.Shape) {
		return nil, fmt.Errorf("dim %d out of range for tensor with %d dimensions", dim, len(t.Shape))
	}
	if t.Shape[dim] != 1 {
		return nil, fmt.Errorf("cannot squeeze dimension %d with size %d (must be 1)", dim, t.Shape[dim])
	}

	newShape := make([]int, 0, len(t.Shape)-1)
	for i, size := range t.Shape {
		if i != dim {
			newShape = append(newShape, size)
		}
	}
	return Reshape(t, newShape)
}

func Unsqueeze(t *Tensor, dim int) (*Tensor, error) {
	if dim < 0 || dim > len(t.Shape) {
		return nil, fmt.Errorf("dim %d out of range for unsqueeze operation", dim)
	}

	newShape := make([]int, len(t.Shape)+1)
	copy(newShape[:dim], t.Shape[:dim])
	newShape[dim] = 1
	copy(newShape[dim+1:], t.Shape[dim:])
	return Reshape(t, newShape)
}

func Sum(t *Tensor, dim int, keepDim bool) (*Tensor, error) {
	if dim < 0 || dim >= len(t.Shape) {
		return nil, fmt.Errorf("dim %d out of range for tensor with %d dimensions", dim, len(t.Shape))
	}
	if t.DType != Float32 {
		return nil, fmt.Errorf("unsupported dtype for Sum: %s", t.DType)
	}

	var outputShape []int
	if keepDim {
		outputShape = append([]int(nil), t.Shape...)
		outputShape[dim] = 1
	} else {
		for i, size := range t.Shape {
			if i != dim {
				outputShape = append(outputShape, size)
			}
		}
		if len(outputShape) == 0 {
			outputShape = []int{1}
		}
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

func Mean(t *Tensor, dim int, keepDim bool) (*Tensor, error) {
	summed, err := Sum(t, dim, keepDim)
	if err != nil {
		return nil, err
	}
	return Scale(summed, 1.0/float32(t.Shape[dim]))
}
