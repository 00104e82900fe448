package training

import (
	"math"
	"strings"
	"testing"

	"github.com/tsawler/go-visage/tensor"
)

func mustLogits(t *testing.T, shape []int, data []float32) *tensor.Tensor {
	t.Helper()
	logits, err := tensor.NewTensor(shape, tensor.Float32, data)
	if err != nil {
		t.Fatalf("Failed to create logits: %v", err)
	}
	logits.SetRequiresGrad(true)
	return logits
}

func mustTargets(t *testing.T, data []int32) *tensor.Tensor {
	t.Helper()
	targets, err := tensor.NewTensor([]int{len(data)}, tensor.Int32, data)
	if err != nil {
		t.Fatalf("Failed to create targets: %v", err)
	}
	return targets
}

func lossValue(t *testing.T, criterion Loss, logits, targets *tensor.Tensor) float32 {
	t.Helper()
	loss, err := criterion.Forward(logits, targets)
	if err != nil {
		t.Fatalf("%s forward failed: %v", criterion.Name(), err)
	}
	v, err := loss.Float32Item()
	if err != nil {
		t.Fatalf("Failed to read loss value: %v", err)
	}
	return v
}

func TestCrossEntropyUniformLogits(t *testing.T) {
	logits := mustLogits(t, []int{2, 3}, []float32{0, 0, 0, 0, 0, 0})
	targets := mustTargets(t, []int32{0, 2})

	got := lossValue(t, NewCrossEntropyLoss(), logits, targets)
	want := float32(math.Log(3))
	if math.Abs(float64(got-want)) > 1e-5 {
		t.Errorf("uniform logits loss = %v, expected ln(3) = %v", got, want)
	}
}

func TestCrossEntropyConfidentPrediction(t *testing.T) {
	logits := mustLogits(t, []int{1, 3}, []float32{10, 0, 0})
	targets := mustTargets(t, []int32{0})

	got := lossValue(t, NewCrossEntropyLoss(), logits, targets)
	if got < 0 || got > 1e-3 {
		t.Errorf("confident correct prediction loss = %v, expected near zero", got)
	}
}

func TestCrossEntropySumReduction(t *testing.T) {
	logits := mustLogits(t, []int{2, 3}, []float32{0, 0, 0, 0, 0, 0})
	targets := mustTargets(t, []int32{1, 1})

	criterion := &CrossEntropyLoss{Reduction: ReductionSum}
	got := lossValue(t, criterion, logits, targets)
	want := float32(2 * math.Log(3))
	if math.Abs(float64(got-want)) > 1e-5 {
		t.Errorf("sum-reduced loss = %v, expected %v", got, want)
	}
}

func TestCrossEntropyGradient(t *testing.T) {
	logits := mustLogits(t, []int{2, 3}, []float32{1, 2, 3, 2, 1, 0})
	targets := mustTargets(t, []int32{2, 0})

	loss, err := NewCrossEntropyLoss().Forward(logits, targets)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if err := loss.Backward(nil); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	if logits.Grad() == nil {
		t.Fatal("Expected gradient on logits")
	}

	// Gradient of mean cross entropy is (softmax - onehot) / batch.
	p := []float32{0.090030573, 0.244728471, 0.665240956}
	expected := []float32{
		p[0] / 2, p[1] / 2, (p[2] - 1) / 2,
		(p[2] - 1) / 2, p[1] / 2, p[0] / 2,
	}
	grad, err := logits.Grad().GetFloat32Data()
	if err != nil {
		t.Fatalf("Failed to read gradient: %v", err)
	}
	for i, want := range expected {
		if math.Abs(float64(grad[i]-want)) > 1e-5 {
			t.Errorf("grad[%d] = %v, expected %v", i, grad[i], want)
		}
	}
}

func TestFocalGammaZeroMatchesCrossEntropy(t *testing.T) {
	data := []float32{1.5, -0.5, 0.2, -1, 2, 0.3}
	targets := mustTargets(t, []int32{0, 1})

	ceLogits := mustLogits(t, []int{2, 3}, append([]float32(nil), data...))
	ceLoss, err := NewCrossEntropyLoss().Forward(ceLogits, targets)
	if err != nil {
		t.Fatalf("cross entropy forward failed: %v", err)
	}
	if err := ceLoss.Backward(nil); err != nil {
		t.Fatalf("cross entropy backward failed: %v", err)
	}

	focalLogits := mustLogits(t, []int{2, 3}, append([]float32(nil), data...))
	criterion := &FocalLoss{Gamma: 0, Reduction: ReductionMean}
	focalLoss, err := criterion.Forward(focalLogits, targets)
	if err != nil {
		t.Fatalf("focal forward failed: %v", err)
	}
	if err := focalLoss.Backward(nil); err != nil {
		t.Fatalf("focal backward failed: %v", err)
	}

	ceVal, _ := ceLoss.Float32Item()
	focalVal, _ := focalLoss.Float32Item()
	if math.Abs(float64(ceVal-focalVal)) > 1e-5 {
		t.Errorf("focal loss with gamma 0 = %v, expected cross entropy %v", focalVal, ceVal)
	}

	ceGrad, _ := ceLogits.Grad().GetFloat32Data()
	focalGrad, _ := focalLogits.Grad().GetFloat32Data()
	for i := range ceGrad {
		if math.Abs(float64(ceGrad[i]-focalGrad[i])) > 1e-5 {
			t.Errorf("grad[%d]: focal %v, cross entropy %v", i, focalGrad[i], ceGrad[i])
		}
	}
}

func TestFocalDownWeightsEasyExamples(t *testing.T) {
	logits := mustLogits(t, []int{1, 3}, []float32{5, 0, 0})
	targets := mustTargets(t, []int32{0})

	ce := lossValue(t, NewCrossEntropyLoss(), logits, targets)

	logits2 := mustLogits(t, []int{1, 3}, []float32{5, 0, 0})
	focal := lossValue(t, NewFocalLoss(), logits2, targets)

	if focal >= ce/10 {
		t.Errorf("focal loss %v should be far below cross entropy %v on an easy sample", focal, ce)
	}
}

func TestFocalGradientFinite(t *testing.T) {
	// Saturated softmax pushes p_t to 1; the gradient must stay finite.
	logits := mustLogits(t, []int{1, 2}, []float32{50, -50})
	targets := mustTargets(t, []int32{0})

	criterion := &FocalLoss{Gamma: 0.5, Reduction: ReductionMean}
	loss, err := criterion.Forward(logits, targets)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if err := loss.Backward(nil); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	grad, _ := logits.Grad().GetFloat32Data()
	for i, g := range grad {
		if math.IsNaN(float64(g)) || math.IsInf(float64(g), 0) {
			t.Errorf("grad[%d] = %v, expected finite value", i, g)
		}
	}
}

func TestLabelSmoothingZeroMatchesCrossEntropy(t *testing.T) {
	data := []float32{1, 2, 3, 2, 1, 0}
	targets := mustTargets(t, []int32{2, 0})

	ceLogits := mustLogits(t, []int{2, 3}, append([]float32(nil), data...))
	ce := lossValue(t, NewCrossEntropyLoss(), ceLogits, targets)

	lsLogits := mustLogits(t, []int{2, 3}, append([]float32(nil), data...))
	criterion := &LabelSmoothingLoss{Smoothing: 0, Reduction: ReductionMean}
	ls := lossValue(t, criterion, lsLogits, targets)

	if math.Abs(float64(ce-ls)) > 1e-5 {
		t.Errorf("label smoothing with eps 0 = %v, expected cross entropy %v", ls, ce)
	}
}

func TestLabelSmoothingPenalizesConfidence(t *testing.T) {
	logits := mustLogits(t, []int{1, 3}, []float32{10, 0, 0})
	targets := mustTargets(t, []int32{0})

	ce := lossValue(t, NewCrossEntropyLoss(), logits, targets)

	logits2 := mustLogits(t, []int{1, 3}, []float32{10, 0, 0})
	ls := lossValue(t, NewLabelSmoothingLoss(), logits2, targets)

	if ls <= ce {
		t.Errorf("smoothed loss %v should exceed hard-target loss %v on over-confident logits", ls, ce)
	}
}

func TestLabelSmoothingGradient(t *testing.T) {
	logits := mustLogits(t, []int{1, 3}, []float32{1, 2, 3})
	targets := mustTargets(t, []int32{2})

	criterion := &LabelSmoothingLoss{Smoothing: 0.3, Reduction: ReductionMean}
	loss, err := criterion.Forward(logits, targets)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if err := loss.Backward(nil); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	// Gradient is softmax minus the smoothed target distribution.
	p := []float32{0.090030573, 0.244728471, 0.665240956}
	q := []float32{0.1, 0.1, 0.8}
	grad, _ := logits.Grad().GetFloat32Data()
	for i := range p {
		want := p[i] - q[i]
		if math.Abs(float64(grad[i]-want)) > 1e-5 {
			t.Errorf("grad[%d] = %v, expected %v", i, grad[i], want)
		}
	}
}

func TestLossInputValidation(t *testing.T) {
	criterion := NewCrossEntropyLoss()

	flat, _ := tensor.NewTensor([]int{3}, tensor.Float32, []float32{1, 2, 3})
	targets := mustTargets(t, []int32{0})
	if _, err := criterion.Forward(flat, targets); err == nil {
		t.Error("Expected error for 1D logits")
	}

	logits := mustLogits(t, []int{1, 3}, []float32{1, 2, 3})
	outOfRange := mustTargets(t, []int32{5})
	if _, err := criterion.Forward(logits, outOfRange); err == nil {
		t.Error("Expected error for out-of-range target class")
	}

	floatTargets, _ := tensor.NewTensor([]int{1}, tensor.Float32, []float32{0})
	if _, err := criterion.Forward(logits, floatTargets); err == nil {
		t.Error("Expected error for Float32 targets")
	}

	shortTargets := mustTargets(t, []int32{0, 1})
	if _, err := criterion.Forward(logits, shortTargets); err == nil {
		t.Error("Expected error for batch size mismatch")
	}
}

func TestNewCriterion(t *testing.T) {
	for _, name := range CriterionNames() {
		criterion, err := NewCriterion(name)
		if err != nil {
			t.Errorf("NewCriterion(%q) failed: %v", name, err)
			continue
		}
		if criterion.Name() != name {
			t.Errorf("criterion registered as %q reports name %q", name, criterion.Name())
		}
	}

	if _, err := NewCriterion("focall"); err == nil {
		t.Error("Expected error for unknown criterion")
	} else if !strings.Contains(err.Error(), `did you mean "focal"`) {
		t.Errorf("Expected suggestion for near miss, got: %v", err)
	}
}
