package models

import (
	"fmt"

	"github.com/tsawler/go-visage/training"
)

// Smallest input for which every BaseNet stage keeps a positive extent.
const baseNetMinExtent = 16

// BaseNet is the small convolutional baseline: three conv/ReLU stages with
// pooling and dropout, global average pooling, and one linear head.
type BaseNet struct {
	*training.Sequential
	numClasses int
}

// NewBaseNet creates a BaseNet producing cfg.NumClasses logits.
func NewBaseNet(cfg Config) (*BaseNet, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Width < baseNetMinExtent || cfg.Height < baseNetMinExtent {
		return nil, fmt.Errorf("input extent %dx%d too small, need at least %dx%d",
			cfg.Width, cfg.Height, baseNetMinExtent, baseNetMinExtent)
	}

	conv1, err := training.NewConv2D(3, 32, 7, 1, 0, true, cfg.Source)
	if err != nil {
		return nil, err
	}
	conv2, err := training.NewConv2D(32, 64, 3, 1, 0, true, cfg.Source)
	if err != nil {
		return nil, err
	}
	conv3, err := training.NewConv2D(64, 128, 3, 1, 0, true, cfg.Source)
	if err != nil {
		return nil, err
	}
	drop1, err := training.NewDropout(0.25, cfg.Source)
	if err != nil {
		return nil, err
	}
	drop2, err := training.NewDropout(0.25, cfg.Source)
	if err != nil {
		return nil, err
	}
	fc, err := training.NewLinear(128, cfg.NumClasses, true, cfg.Source)
	if err != nil {
		return nil, err
	}

	return &BaseNet{
		Sequential: training.NewSequential(
			conv1,
			training.NewReLU(),
			conv2,
			training.NewReLU(),
			training.NewMaxPool2D(2, 2),
			drop1,
			conv3,
			training.NewReLU(),
			training.NewMaxPool2D(2, 2),
			drop2,
			training.NewGlobalAvgPool2D(),
			fc,
		),
		numClasses: cfg.NumClasses,
	}, nil
}

// Name returns the registry name.
func (b *BaseNet) Name() string { return "basenet" }

// NumClasses returns the width of the logit output.
func (b *BaseNet) NumClasses() int { return b.numClasses }
