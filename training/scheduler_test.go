package training

import (
	"math"
	"testing"
)

func TestStepLRHalvesAtDecayBoundaries(t *testing.T) {
	scheduler := NewStepLRScheduler(20, 0.5)
	baseLR := 1e-3

	tests := []struct {
		epoch int
		want  float64
	}{
		{0, 1e-3},
		{1, 1e-3},
		{19, 1e-3},
		{20, 5e-4},
		{21, 5e-4},
		{39, 5e-4},
		{40, 2.5e-4},
		{60, 1.25e-4},
	}
	for _, tt := range tests {
		got := scheduler.GetLR(tt.epoch, 0, baseLR)
		if math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("GetLR(epoch=%d) = %v, expected %v", tt.epoch, got, tt.want)
		}
	}
}

func TestStepLRDefaults(t *testing.T) {
	scheduler := NewStepLRScheduler(0, 0)
	if scheduler.StepSize != 20 {
		t.Errorf("Default StepSize = %d, expected 20", scheduler.StepSize)
	}
	if scheduler.Gamma != 0.5 {
		t.Errorf("Default Gamma = %v, expected 0.5", scheduler.Gamma)
	}
	if name := scheduler.GetName(); name != "StepLR" {
		t.Errorf("GetName() = %q, expected StepLR", name)
	}
}

func TestExponentialLRDecaysEveryEpoch(t *testing.T) {
	scheduler := NewExponentialLRScheduler(0.9)
	baseLR := 0.1

	if got := scheduler.GetLR(0, 0, baseLR); math.Abs(got-0.1) > 1e-12 {
		t.Errorf("GetLR(epoch=0) = %v, expected 0.1", got)
	}
	if got := scheduler.GetLR(1, 0, baseLR); math.Abs(got-0.09) > 1e-12 {
		t.Errorf("GetLR(epoch=1) = %v, expected 0.09", got)
	}
	if got := scheduler.GetLR(10, 0, baseLR); math.Abs(got-0.1*math.Pow(0.9, 10)) > 1e-12 {
		t.Errorf("GetLR(epoch=10) = %v, expected %v", got, 0.1*math.Pow(0.9, 10))
	}
}

func TestCosineAnnealingEndpoints(t *testing.T) {
	scheduler := NewCosineAnnealingLRScheduler(100, 1e-5)
	baseLR := 1e-2

	if got := scheduler.GetLR(0, 0, baseLR); math.Abs(got-baseLR) > 1e-12 {
		t.Errorf("GetLR(epoch=0) = %v, expected baseLR %v", got, baseLR)
	}

	mid := scheduler.GetLR(50, 0, baseLR)
	wantMid := 1e-5 + (baseLR-1e-5)/2
	if math.Abs(mid-wantMid) > 1e-9 {
		t.Errorf("GetLR(epoch=50) = %v, expected midpoint %v", mid, wantMid)
	}

	if got := scheduler.GetLR(100, 0, baseLR); got != 1e-5 {
		t.Errorf("GetLR(epoch=TMax) = %v, expected EtaMin", got)
	}
	if got := scheduler.GetLR(150, 0, baseLR); got != 1e-5 {
		t.Errorf("GetLR(epoch>TMax) = %v, expected EtaMin", got)
	}

	// The schedule never increases.
	prev := scheduler.GetLR(0, 0, baseLR)
	for epoch := 1; epoch <= 100; epoch++ {
		lr := scheduler.GetLR(epoch, 0, baseLR)
		if lr > prev+1e-12 {
			t.Fatalf("LR increased from %v to %v at epoch %d", prev, lr, epoch)
		}
		prev = lr
	}
}

func TestReduceLROnPlateau(t *testing.T) {
	scheduler := NewReduceLROnPlateauScheduler(0.5, 2, 1e-4, "min")

	lr := scheduler.Step(1.0, 0.1)
	if lr != 0.1 {
		t.Errorf("First step LR = %v, expected unchanged 0.1", lr)
	}

	// Improvement resets the bad-epoch count.
	lr = scheduler.Step(0.8, lr)
	if lr != 0.1 {
		t.Errorf("LR after improvement = %v, expected 0.1", lr)
	}

	// Two stalled epochs hit patience and halve the rate.
	lr = scheduler.Step(0.85, lr)
	if lr != 0.1 {
		t.Errorf("LR after one bad epoch = %v, expected 0.1", lr)
	}
	lr = scheduler.Step(0.85, lr)
	if math.Abs(lr-0.05) > 1e-12 {
		t.Errorf("LR after patience exhausted = %v, expected 0.05", lr)
	}

	if got := scheduler.GetLR(10, 0, 0.1); math.Abs(got-0.05) > 1e-12 {
		t.Errorf("GetLR after reduction = %v, expected tracked 0.05", got)
	}
}

func TestReduceLROnPlateauMaxMode(t *testing.T) {
	scheduler := NewReduceLROnPlateauScheduler(0.1, 1, 1e-4, "max")

	lr := scheduler.Step(0.5, 1.0)
	lr = scheduler.Step(0.6, lr)
	if lr != 1.0 {
		t.Errorf("LR after accuracy gain = %v, expected 1.0", lr)
	}
	lr = scheduler.Step(0.55, lr)
	if math.Abs(lr-0.1) > 1e-12 {
		t.Errorf("LR after stalled accuracy = %v, expected 0.1", lr)
	}
}

func TestNoOpSchedulerConstant(t *testing.T) {
	scheduler := &NoOpScheduler{}
	for _, epoch := range []int{0, 10, 1000} {
		if got := scheduler.GetLR(epoch, 5, 0.01); got != 0.01 {
			t.Errorf("GetLR(epoch=%d) = %v, expected 0.01", epoch, got)
		}
	}
	if name := scheduler.GetName(); name != "ConstantLR" {
		t.Errorf("GetName() = %q, expected ConstantLR", name)
	}
}
