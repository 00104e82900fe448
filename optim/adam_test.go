package optim

import (
	"math"
	"testing"

	"github.com/tsawler/go-visage/tensor"
)

func TestAdamConvergesOnQuadratic(t *testing.T) {
	x, _ := tensor.NewTensor([]int{3}, tensor.Float32, []float32{5, -3, 2})
	target, _ := tensor.NewTensor([]int{3}, tensor.Float32, []float32{1, 1, 1})
	x.SetRequiresGrad(true)

	opt := NewAdam([]*tensor.Tensor{x}, 0.1, 0.9, 0.999, 1e-8, 0)
	for i := 0; i < 200; i++ {
		opt.ZeroGrad()
		quadraticStep(t, x, target)
		if err := opt.Step(); err != nil {
			t.Fatalf("Step failed: %v", err)
		}
	}

	if worst := maxAbsDiff(t, x, target); worst > 1e-2 {
		t.Errorf("Adam did not converge, max deviation %v", worst)
	}
}

func TestAdamFirstStepIsLearningRateSized(t *testing.T) {
	// With bias correction, the very first update has magnitude close to lr
	// regardless of the gradient scale.
	x, _ := tensor.NewTensor([]int{1}, tensor.Float32, []float32{100})
	target, _ := tensor.NewTensor([]int{1}, tensor.Float32, []float32{0})
	x.SetRequiresGrad(true)

	opt := NewAdam([]*tensor.Tensor{x}, 0.1, 0.9, 0.999, 1e-8, 0)
	opt.ZeroGrad()
	quadraticStep(t, x, target)
	if err := opt.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	data, _ := x.GetFloat32Data()
	step := 100 - float64(data[0])
	if math.Abs(step-0.1) > 1e-3 {
		t.Errorf("first Adam step = %v, expected about lr = 0.1", step)
	}
}

func TestAdamWDecoupledDecay(t *testing.T) {
	// With zero gradient, AdamW still shrinks the parameter by lr*wd*x while
	// plain Adam with L2 decay routes the decay through the adaptive scaling.
	x, _ := tensor.NewTensor([]int{1}, tensor.Float32, []float32{4})
	same, _ := tensor.NewTensor([]int{1}, tensor.Float32, []float32{4})
	x.SetRequiresGrad(true)

	opt := NewAdamW([]*tensor.Tensor{x}, 0.1, 0.9, 0.999, 1e-8, 0.5)
	opt.ZeroGrad()
	quadraticStep(t, x, same)
	if err := opt.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	data, _ := x.GetFloat32Data()
	// 4 - 0.1*0.5*4 = 3.8, plus a zero moment update.
	if math.Abs(float64(data[0])-3.8) > 1e-5 {
		t.Errorf("parameter = %v, expected 3.8", data[0])
	}
}

func TestRMSPropConvergesOnQuadratic(t *testing.T) {
	x, _ := tensor.NewTensor([]int{3}, tensor.Float32, []float32{5, -3, 2})
	target, _ := tensor.NewTensor([]int{3}, tensor.Float32, []float32{1, 1, 1})
	x.SetRequiresGrad(true)

	opt := NewRMSProp([]*tensor.Tensor{x}, 0.05, 0.99, 1e-8, 0, 0)
	for i := 0; i < 300; i++ {
		opt.ZeroGrad()
		quadraticStep(t, x, target)
		if err := opt.Step(); err != nil {
			t.Fatalf("Step failed: %v", err)
		}
	}

	if worst := maxAbsDiff(t, x, target); worst > 0.1 {
		t.Errorf("RMSProp did not converge, max deviation %v", worst)
	}
}

func TestAdaGradStepsShrinkOverTime(t *testing.T) {
	x, _ := tensor.NewTensor([]int{1}, tensor.Float32, []float32{10})
	target, _ := tensor.NewTensor([]int{1}, tensor.Float32, []float32{0})
	x.SetRequiresGrad(true)

	opt := NewAdaGrad([]*tensor.Tensor{x}, 0.5, 1e-8, 0)

	var prev float64 = math.Inf(1)
	var prevX float64 = 10
	for i := 0; i < 5; i++ {
		opt.ZeroGrad()
		quadraticStep(t, x, target)
		if err := opt.Step(); err != nil {
			t.Fatalf("Step failed: %v", err)
		}
		data, _ := x.GetFloat32Data()
		step := prevX - float64(data[0])
		if step <= 0 {
			t.Fatalf("step %d moved away from the target", i)
		}
		if step >= prev {
			t.Errorf("step %d size %v did not shrink from %v", i, step, prev)
		}
		prev = step
		prevX = float64(data[0])
	}
}

func TestRegistryNames(t *testing.T) {
	names := Names()
	want := []string{"adagrad", "adam", "adamw", "rmsprop", "sgd"}
	if len(names) != len(want) {
		t.Fatalf("Names() = %v, expected %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("Names()[%d] = %q, expected %q", i, names[i], want[i])
		}
	}
}

func TestRegistryNew(t *testing.T) {
	x, _ := tensor.NewTensor([]int{1}, tensor.Float32, []float32{1})
	x.SetRequiresGrad(true)

	cfg := DefaultConfig()
	for _, name := range Names() {
		if _, err := New(name, []*tensor.Tensor{x}, cfg); err != nil {
			t.Errorf("New(%q) failed: %v", name, err)
		}
	}
}

func TestRegistryUnknownSuggestsClosest(t *testing.T) {
	_, err := New("sdg", nil, DefaultConfig())
	if err == nil {
		t.Fatal("unknown optimizer succeeded, expected error")
	}
	if got := err.Error(); got != `unknown optimizer "sdg" (did you mean "sgd"?)` {
		t.Errorf("unexpected error message: %v", got)
	}
}
