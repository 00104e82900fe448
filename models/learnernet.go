package models

import (
	"errors"
	"fmt"

	"github.com/tsawler/go-visage/tensor"
)

// ErrNotImplemented is returned by LearnerNet.Forward until an experiment
// fills the template in.
var ErrNotImplemented = errors.New("model not implemented")

// LearnerNet is an intentionally empty starting point for custom
// architectures. Construction succeeds so the registry lists it; Forward
// reports ErrNotImplemented until layers are added.
type LearnerNet struct {
	numClasses int
	training   bool
}

// NewLearnerNet creates the empty template.
func NewLearnerNet(cfg Config) (*LearnerNet, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &LearnerNet{numClasses: cfg.NumClasses, training: true}, nil
}

// Forward returns ErrNotImplemented. Replace this with a real forward pass
// ending in a [N, NumClasses] logit tensor.
func (l *LearnerNet) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return nil, fmt.Errorf("learnernet: %w", ErrNotImplemented)
}

// Parameters returns the trainable parameters; none until layers are added.
func (l *LearnerNet) Parameters() []*tensor.Tensor { return []*tensor.Tensor{} }

// Train sets the module to training mode
func (l *LearnerNet) Train() { l.training = true }

// Eval sets the module to evaluation mode
func (l *LearnerNet) Eval() { l.training = false }

// IsTraining returns true if in training mode
func (l *LearnerNet) IsTraining() bool { return l.training }

// Name returns the registry name.
func (l *LearnerNet) Name() string { return "learnernet" }

// NumClasses returns the width the finished forward pass must produce.
func (l *LearnerNet) NumClasses() int { return l.numClasses }
