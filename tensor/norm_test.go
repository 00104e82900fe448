package tensor

import (
	"testing"
)

func TestLayerNormForward(t *testing.T) {
	x, _ := NewTensor([]int{2, 4}, Float32, []float32{
		1, 2, 3, 4,
		10, 10, 10, 10,
	})

	out := LayerNormAutograd(x, 1e-5)
	data := out.Data.([]float32)

	// First row normalizes to zero mean, unit variance.
	var mean float32
	for i := 0; i < 4; i++ {
		mean += data[i]
	}
	mean /= 4
	if !closeEnough(mean, 0, 1e-5) {
		t.Errorf("row mean = %v, expected 0", mean)
	}

	var variance float32
	for i := 0; i < 4; i++ {
		variance += data[i] * data[i]
	}
	variance /= 4
	if !closeEnough(variance, 1, 1e-3) {
		t.Errorf("row variance = %v, expected 1", variance)
	}

	// Constant rows collapse to zero instead of dividing by zero.
	for i := 4; i < 8; i++ {
		if !closeEnough(data[i], 0, 1e-2) {
			t.Errorf("constant row normalized to %v, expected 0", data[i])
		}
	}
}

func TestLayerNormPreservesOrder(t *testing.T) {
	x, _ := NewTensor([]int{1, 4}, Float32, []float32{-3, 0, 2, 7})
	out := LayerNormAutograd(x, 1e-5)
	data := out.Data.([]float32)

	for i := 1; i < 4; i++ {
		if data[i] <= data[i-1] {
			t.Errorf("normalization broke ordering at %d: %v", i, data)
		}
	}
}
