package tensor

import (
	"math"
	"math/rand"
	"testing"
)

func sumData(t *Tensor) float32 {
	var sum float32
	for _, v := range t.Data.([]float32) {
		sum += v
	}
	return sum
}

// checkGradients compares analytic gradients against central finite
// differences of the summed output. forward must rebuild the graph on every
// call because the numeric probes mutate x in place.
func checkGradients(t *testing.T, forward func(x *Tensor) *Tensor, x *Tensor, tol float32) {
	t.Helper()

	out := forward(x)
	seed, err := Ones(out.Shape, Float32)
	if err != nil {
		t.Fatalf("failed to build seed: %v", err)
	}
	if err := out.Backward(seed); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	if x.Grad() == nil {
		t.Fatal("no gradient accumulated")
	}
	analytic := append([]float32(nil), x.Grad().Data.([]float32)...)

	const eps = 1e-2
	data := x.Data.([]float32)
	for i := range data {
		orig := data[i]
		data[i] = orig + eps
		plus := sumData(forward(x))
		data[i] = orig - eps
		minus := sumData(forward(x))
		data[i] = orig

		numeric := (plus - minus) / (2 * eps)
		if diff := float32(math.Abs(float64(analytic[i] - numeric))); diff > tol {
			t.Errorf("gradient[%d] = %v, finite difference %v (delta %v)", i, analytic[i], numeric, diff)
		}
	}
}

func TestAddBackward(t *testing.T) {
	a, _ := NewTensor([]int{2}, Float32, []float32{1, 2})
	b, _ := NewTensor([]int{2}, Float32, []float32{3, 4})
	a.SetRequiresGrad(true)
	b.SetRequiresGrad(true)

	out := AddAutograd(a, b)
	seed, _ := Ones([]int{2}, Float32)
	if err := out.Backward(seed); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	for i, v := range a.Grad().Data.([]float32) {
		if v != 1 {
			t.Errorf("gradA[%d] = %v, expected 1", i, v)
		}
	}
	for i, v := range b.Grad().Data.([]float32) {
		if v != 1 {
			t.Errorf("gradB[%d] = %v, expected 1", i, v)
		}
	}
}

func TestAddBackwardBroadcast(t *testing.T) {
	a, _ := NewTensor([]int{2, 3}, Float32, []float32{1, 2, 3, 4, 5, 6})
	bias, _ := NewTensor([]int{3}, Float32, []float32{1, 1, 1})
	a.SetRequiresGrad(true)
	bias.SetRequiresGrad(true)

	out := AddAutograd(a, bias)
	seed, _ := Ones([]int{2, 3}, Float32)
	if err := out.Backward(seed); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	// Broadcast dimensions collapse by summation.
	for i, v := range bias.Grad().Data.([]float32) {
		if v != 2 {
			t.Errorf("gradBias[%d] = %v, expected 2", i, v)
		}
	}
}

func TestMulBackward(t *testing.T) {
	a, _ := NewTensor([]int{2}, Float32, []float32{2, 3})
	b, _ := NewTensor([]int{2}, Float32, []float32{5, 7})
	a.SetRequiresGrad(true)
	b.SetRequiresGrad(true)

	out := MulAutograd(a, b)
	seed, _ := Ones([]int{2}, Float32)
	if err := out.Backward(seed); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	gradA := a.Grad().Data.([]float32)
	gradB := b.Grad().Data.([]float32)
	if gradA[0] != 5 || gradA[1] != 7 {
		t.Errorf("gradA = %v, expected [5 7]", gradA)
	}
	if gradB[0] != 2 || gradB[1] != 3 {
		t.Errorf("gradB = %v, expected [2 3]", gradB)
	}
}

func TestChainedBackward(t *testing.T) {
	// y = relu(a*2 + b), da = 2 where the relu is active.
	a, _ := NewTensor([]int{3}, Float32, []float32{1, -5, 2})
	b, _ := NewTensor([]int{3}, Float32, []float32{1, 1, 1})
	a.SetRequiresGrad(true)
	b.SetRequiresGrad(true)

	out := ReLUAutograd(AddAutograd(ScaleAutograd(a, 2), b))
	seed, _ := Ones([]int{3}, Float32)
	if err := out.Backward(seed); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	wantA := []float32{2, 0, 2}
	wantB := []float32{1, 0, 1}
	for i := range wantA {
		if a.Grad().Data.([]float32)[i] != wantA[i] {
			t.Errorf("gradA[%d] = %v, expected %v", i, a.Grad().Data.([]float32)[i], wantA[i])
		}
		if b.Grad().Data.([]float32)[i] != wantB[i] {
			t.Errorf("gradB[%d] = %v, expected %v", i, b.Grad().Data.([]float32)[i], wantB[i])
		}
	}
}

func TestReusedTensorAccumulates(t *testing.T) {
	// y = a + a, dy/da = 2.
	a, _ := NewTensor([]int{2}, Float32, []float32{1, 2})
	a.SetRequiresGrad(true)

	out := AddAutograd(a, a)
	seed, _ := Ones([]int{2}, Float32)
	if err := out.Backward(seed); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	for i, v := range a.Grad().Data.([]float32) {
		if v != 2 {
			t.Errorf("grad[%d] = %v, expected 2", i, v)
		}
	}
}

func TestSigmoidGradients(t *testing.T) {
	x, _ := NewTensor([]int{4}, Float32, []float32{-1.5, -0.3, 0.4, 1.7})
	x.SetRequiresGrad(true)
	checkGradients(t, func(x *Tensor) *Tensor { return SigmoidAutograd(x) }, x, 1e-3)
}

func TestGELUGradients(t *testing.T) {
	x, _ := NewTensor([]int{4}, Float32, []float32{-1.2, -0.4, 0.6, 1.3})
	x.SetRequiresGrad(true)
	checkGradients(t, func(x *Tensor) *Tensor { return GELUAutograd(x) }, x, 1e-3)
}

func TestSoftmaxGradients(t *testing.T) {
	x, _ := NewTensor([]int{2, 3}, Float32, []float32{0.5, -0.2, 0.9, 1.1, 0.3, -0.7})
	x.SetRequiresGrad(true)

	// Weight the probabilities so the probe is not the constant row sum.
	w, _ := NewTensor([]int{2, 3}, Float32, []float32{1, -2, 3, 0.5, 2, -1})
	checkGradients(t, func(x *Tensor) *Tensor { return MulAutograd(SoftmaxAutograd(x), w) }, x, 1e-3)
}

func TestMatMulGradients(t *testing.T) {
	x, _ := NewTensor([]int{2, 3}, Float32, []float32{0.1, -0.5, 0.3, 0.8, -0.2, 0.6})
	w, _ := NewTensor([]int{3, 2}, Float32, []float32{0.4, -0.3, 0.2, 0.7, -0.6, 0.1})
	x.SetRequiresGrad(true)

	checkGradients(t, func(x *Tensor) *Tensor { return MatMulAutograd(x, w) }, x, 1e-3)
}

func TestMatMulWeightGradients(t *testing.T) {
	x, _ := NewTensor([]int{2, 3}, Float32, []float32{0.1, -0.5, 0.3, 0.8, -0.2, 0.6})
	w, _ := NewTensor([]int{3, 2}, Float32, []float32{0.4, -0.3, 0.2, 0.7, -0.6, 0.1})
	w.SetRequiresGrad(true)

	checkGradients(t, func(w *Tensor) *Tensor { return MatMulAutograd(x, w) }, w, 1e-3)
}

func TestLayerNormGradients(t *testing.T) {
	x, _ := NewTensor([]int{2, 4}, Float32, []float32{0.3, -0.8, 1.2, 0.1, -0.4, 0.9, -1.1, 0.5})
	x.SetRequiresGrad(true)

	// Weight the normalized values so the probe is not the constant row sum.
	w, _ := NewTensor([]int{2, 4}, Float32, []float32{1, -1, 2, 0.5, -2, 1, 0.5, 3})
	checkGradients(t, func(x *Tensor) *Tensor { return MulAutograd(LayerNormAutograd(x, 1e-5), w) }, x, 5e-3)
}

func TestTransposeBackward(t *testing.T) {
	x, _ := NewTensor([]int{2, 3}, Float32, []float32{1, 2, 3, 4, 5, 6})
	x.SetRequiresGrad(true)

	out := TransposeAutograd(x, 0, 1)
	seed, _ := NewTensor([]int{3, 2}, Float32, []float32{1, 2, 3, 4, 5, 6})
	if err := out.Backward(seed); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	// Gradient transposes back to the input layout.
	want := []float32{1, 3, 5, 2, 4, 6}
	for i, v := range x.Grad().Data.([]float32) {
		if v != want[i] {
			t.Errorf("grad[%d] = %v, expected %v", i, v, want[i])
		}
	}
}

func TestReshapeBackward(t *testing.T) {
	x, _ := NewTensor([]int{2, 3}, Float32, []float32{1, 2, 3, 4, 5, 6})
	x.SetRequiresGrad(true)

	out := ReshapeAutograd(x, []int{6})
	seed, _ := NewTensor([]int{6}, Float32, []float32{1, 2, 3, 4, 5, 6})
	if err := out.Backward(seed); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	if !shapesEqual(x.Grad().Shape, []int{2, 3}) {
		t.Errorf("gradient shape = %v, expected [2 3]", x.Grad().Shape)
	}
}

func TestConcatSliceBackward(t *testing.T) {
	a, _ := NewTensor([]int{2, 2}, Float32, []float32{1, 2, 3, 4})
	b, _ := NewTensor([]int{2, 3}, Float32, []float32{5, 6, 7, 8, 9, 10})
	a.SetRequiresGrad(true)
	b.SetRequiresGrad(true)

	joined := ConcatAutograd(1, a, b)
	if !shapesEqual(joined.Shape, []int{2, 5}) {
		t.Fatalf("concat shape = %v, expected [2 5]", joined.Shape)
	}

	// Slice the b half back out; only b should receive gradient.
	part := SliceAutograd(joined, 1, 2, 3)
	seed, _ := Ones([]int{2, 3}, Float32)
	if err := part.Backward(seed); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	for i, v := range b.Grad().Data.([]float32) {
		if v != 1 {
			t.Errorf("gradB[%d] = %v, expected 1", i, v)
		}
	}
	if a.Grad() != nil {
		for i, v := range a.Grad().Data.([]float32) {
			if v != 0 {
				t.Errorf("gradA[%d] = %v, expected 0", i, v)
			}
		}
	}
}

func TestDropoutBackwardMatchesMask(t *testing.T) {
	src := rand.New(rand.NewSource(7))
	x, _ := NewTensor([]int{100}, Float32, make([]float32, 100))
	for i := range x.Data.([]float32) {
		x.Data.([]float32)[i] = 1
	}
	x.SetRequiresGrad(true)

	out := DropoutAutograd(x, 0.5, src)
	seed, _ := Ones([]int{100}, Float32)
	if err := out.Backward(seed); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	outData := out.Data.([]float32)
	gradData := x.Grad().Data.([]float32)
	var kept int
	for i := range outData {
		if outData[i] != gradData[i] {
			t.Errorf("output[%d] = %v but grad[%d] = %v; mask must match", i, outData[i], i, gradData[i])
		}
		if outData[i] != 0 {
			kept++
			if !closeEnough(outData[i], 2, 1e-6) {
				t.Errorf("surviving element scaled to %v, expected 2", outData[i])
			}
		}
	}
	if kept == 0 || kept == 100 {
		t.Errorf("dropout kept %d of 100 elements, expected a mix", kept)
	}
}
