package training

import (
	"math"
)

// LRScheduler computes the learning rate for a given point in training.
// Implementations other than ReduceLROnPlateau are pure functions of the
// epoch, so resuming a run at epoch N reproduces the same schedule.
type LRScheduler interface {
	// GetLR returns the learning rate for the current epoch and step.
	GetLR(epoch int, step int, baseLR float64) float64

	// GetName returns the scheduler name for logging.
	GetName() string
}

// StepLRScheduler multiplies the learning rate by Gamma every StepSize
// epochs.
type StepLRScheduler struct {
	StepSize int
	Gamma    float64
}

// NewStepLRScheduler creates a step scheduler. Out-of-range arguments fall
// back to the harness defaults of halving every 20 epochs.
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 20
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.5
	}
	return &StepLRScheduler{
		StepSize: stepSize,
		Gamma:    gamma,
	}
}

func (s *StepLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	times := epoch / s.StepSize
	return baseLR * math.Pow(s.Gamma, float64(times))
}

func (s *StepLRScheduler) GetName() string {
	return "StepLR"
}

// ExponentialLRScheduler decays the learning rate by Gamma every epoch.
type ExponentialLRScheduler struct {
	Gamma float64
}

// NewExponentialLRScheduler creates an exponential scheduler.
func NewExponentialLRScheduler(gamma float64) *ExponentialLRScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.95
	}
	return &ExponentialLRScheduler{
		Gamma: gamma,
	}
}

func (s *ExponentialLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch))
}

func (s *ExponentialLRScheduler) GetName() string {
	return "ExponentialLR"
}

// CosineAnnealingLRScheduler sweeps the learning rate from baseLR down to
// EtaMin along a half cosine over TMax epochs.
type CosineAnnealingLRScheduler struct {
	TMax   int
	EtaMin float64
}

// NewCosineAnnealingLRScheduler creates a cosine annealing scheduler.
func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 100
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &CosineAnnealingLRScheduler{
		TMax:   tMax,
		EtaMin: etaMin,
	}
}

func (s *CosineAnnealingLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if epoch >= s.TMax {
		return s.EtaMin
	}
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLRScheduler) GetName() string {
	return "CosineAnnealingLR"
}

// ReduceLROnPlateauScheduler cuts the learning rate by Factor after the
// tracked metric fails to improve for Patience consecutive epochs. Unlike
// the other schedulers it is stateful; drive it through Step once per epoch.
type ReduceLROnPlateauScheduler struct {
	Factor    float64
	Patience  int
	Threshold float64
	Mode      string // "min" or "max"

	bestMetric  float64
	badEpochs   int
	currentLR   float64
	initialized bool
}

// NewReduceLROnPlateauScheduler creates a plateau scheduler.
func NewReduceLROnPlateauScheduler(factor float64, patience int, threshold float64, mode string) *ReduceLROnPlateauScheduler {
	if factor <= 0 || factor >= 1 {
		factor = 0.1
	}
	if patience <= 0 {
		patience = 10
	}
	if threshold < 0 {
		threshold = 1e-4
	}
	if mode != "min" && mode != "max" {
		mode = "min"
	}
	return &ReduceLROnPlateauScheduler{
		Factor:    factor,
		Patience:  patience,
		Threshold: threshold,
		Mode:      mode,
	}
}

// Step feeds one epoch's validation metric and returns the learning rate to
// use next. The first call only records the baseline.
func (s *ReduceLROnPlateauScheduler) Step(metric float64, currentLR float64) float64 {
	if !s.initialized {
		s.bestMetric = metric
		s.currentLR = currentLR
		s.initialized = true
		return currentLR
	}

	improved := false
	if s.Mode == "min" {
		improved = metric < s.bestMetric-s.Threshold
	} else {
		improved = metric > s.bestMetric+s.Threshold
	}

	if improved {
		s.bestMetric = metric
		s.badEpochs = 0
	} else {
		s.badEpochs++
		if s.badEpochs >= s.Patience {
			s.currentLR *= s.Factor
			s.badEpochs = 0
		}
	}
	return s.currentLR
}

func (s *ReduceLROnPlateauScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if s.initialized {
		return s.currentLR
	}
	return baseLR
}

func (s *ReduceLROnPlateauScheduler) GetName() string {
	return "ReduceLROnPlateau"
}

// NoOpScheduler keeps the learning rate constant.
type NoOpScheduler struct{}

func (s *NoOpScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR
}

func (s *NoOpScheduler) GetName() string {
	return "ConstantLR"
}
