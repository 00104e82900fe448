package tensor

import (
	"fmt"
)

// Narrow returns a copy of the tensor restricted to [start, start+length)
// along the given dimension.
func Narrow(t *Tensor, dim, start, length int) (*Tensor, error) {
	if dim < 0 || dim >= len(t.Shape) {
		return nil, fmt.Errorf("dim %d out of range for tensor with %d dimensions", dim, len(t.Shape))
	}
	if start < 0 || length <= 0 || start+length > t.Shape[dim] {
		return nil, fmt.Errorf("narrow window [%d, %d) out of range for dimension of size %d", start, start+length, t.Shape[dim])
	}

	outputShape := append([]int(nil), t.Shape...)
	outputShape[dim] = length

	result, err := Zeros(outputShape, t.DType)
	if err != nil {
		return nil, err
	}

	outer := 1
	for i := 0; i < dim; i++ {
		outer *= t.Shape[i]
	}
	inner := 1
	for i := dim + 1; i < len(t.Shape); i++ {
		inner *= t.Shape[i]
	}
	size := t.Shape[dim]

	switch t.DType {
	case Float32:
		src := t.Data.([]float32)
		dst := result.Data.([]float32)
		for o := 0; o < outer; o++ {
			from := (o*size + start) * inner
			to := o * length * inner
			copy(dst[to:to+length*inner], src[from:from+length*inner])
		}
	case Int32:
		src := t.Data.([]int32)
		dst := result.Data.([]int32)
		for o := 0; o < outer; o++ {
			from := (o*size + start) * inner
			to := o * length * inner
			copy(dst[to:to+length*inner], src[from:from+length*inner])
		}
	default:
		return nil, fmt.Errorf("unsupported dtype for Narrow: %s", t.DType)
	}

	return result, nil
}

// scatterNarrow adds src into dst at offset start along dim. dst and src must
// agree in every other dimension.
func scatterNarrow(dst, src *Tensor, dim, start int) error {
	if len(dst.Shape) != len(src.Shape) {
		return fmt.Errorf("rank mismatch: %v vs %v", dst.Shape, src.Shape)
	}
	length := src.Shape[dim]
	if start < 0 || start+length > dst.Shape[dim] {
		return fmt.Errorf("scatter window [%d, %d) out of range for dimension of size %d", start, start+length, dst.Shape[dim])
	}

	outer := 1
	for i := 0; i < dim; i++ {
		outer *= dst.Shape[i]
	}
	inner := 1
	for i := dim + 1; i < len(dst.Shape); i++ {
		inner *= dst.Shape[i]
	}
	size := dst.Shape[dim]

	dstData, err := dst.GetFloat32Data()
	if err != nil {
		return err
	}
	srcData, err := src.GetFloat32Data()
	if err != nil {
		return err
	}

	for o := 0; o < outer; o++ {
		to := (o*size + start) * inner
		from := o * length * inner
		for i := 0; i < length*inner; i++ {
			dstData[to+i] += srcData[from+i]
		}
	}
	return nil
}

// Concat joins tensors along one dimension. All other dimensions must match.
func Concat(tensors []*Tensor, dim int) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, fmt.Errorf("concat requires at least one tensor")
	}
	first := tensors[0]
	if dim < 0 || dim >= len(first.Shape) {
		return nil, fmt.Errorf("dim %d out of range for tensor with %d dimensions", dim, len(first.Shape))
	}

	total := 0
	for _, t := range tensors {
		if t.DType != first.DType {
			return nil, fmt.Errorf("concat requires matching dtypes: %s vs %s", first.DType, t.DType)
		}
		if len(t.Shape) != len(first.Shape) {
			return nil, fmt.Errorf("concat requires matching ranks: %v vs %v", first.Shape, t.Shape)
		}
		for i := range t.Shape {
			if i != dim && t.Shape[i] != first.Shape[i] {
				return nil, fmt.Errorf("concat shapes differ outside dim %d: %v vs %v", dim, first.Shape, t.Shape)
			}
		}
		total += t.Shape[dim]
	}

	outputShape := append([]int(nil), first.Shape...)
	outputShape[dim] = total

	result, err := Zeros(outputShape, first.DType)
	if err != nil {
		return nil, err
	}

	outer := 1
	for i := 0; i < dim; i++ {
		outer *= first.Shape[i]
	}
	inner := 1
	for i := dim + 1; i < len(first.Shape); i++ {
		inner *= first.Shape[i]
	}

	switch first.DType {
	case Float32:
		dst := result.Data.([]float32)
		offset := 0
		for _, t := range tensors {
			src := t.Data.([]float32)
			length := t.Shape[dim]
			for o := 0; o < outer; o++ {
				to := (o*total + offset) * inner
				from := o * length * inner
				copy(dst[to:to+length*inner], src[from:from+length*inner])
			}
			offset += length
		}
	case Int32:
		dst := result.Data.([]int32)
		offset := 0
		for _, t := range tensors {
			src := t.Data.([]int32)
			length := t.Shape[dim]
			for o := 0; o < outer; o++ {
				to := (o*total + offset) * inner
				from := o * length * inner
				copy(dst[to:to+length*inner], src[from:from+length*inner])
			}
			offset += length
		}
	default:
		return nil, fmt.Errorf("unsupported dtype for Concat: %s", first.DType)
	}

	return result, nil
}
