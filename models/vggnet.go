package models

import (
	"fmt"

	"github.com/tsawler/go-visage/training"
)

// poolMarker closes one conv block of the VGG layout.
const poolMarker = -1

// vgg19Layout is the VGG-19 feature stack: conv output widths with a
// pooling layer after each block. Every conv is 3x3 with padding 1 and is
// followed by batch normalization and ReLU.
var vgg19Layout = []int{
	64, 64, poolMarker,
	128, 128, poolMarker,
	256, 256, 256, 256, poolMarker,
	512, 512, 512, 512, poolMarker,
	512, 512, 512, 512, poolMarker,
}

// vggReduction is the total spatial downscaling of the five pooling layers.
const vggReduction = 32

// VGGNet is a VGG-19 feature stack with batch normalization and a replaced
// three-layer classifier sized for the configured input extent.
type VGGNet struct {
	*training.Sequential
	numClasses int
}

// NewVGGNet creates a VGGNet producing cfg.NumClasses logits. The input
// extent must be a multiple of 32 so the five pooling stages divide evenly.
func NewVGGNet(cfg Config) (*VGGNet, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Width%vggReduction != 0 || cfg.Height%vggReduction != 0 {
		return nil, fmt.Errorf("input extent %dx%d is not a multiple of %d",
			cfg.Width, cfg.Height, vggReduction)
	}

	seq := training.NewSequential()
	channels := 3
	for _, entry := range vgg19Layout {
		if entry == poolMarker {
			seq.Add(training.NewMaxPool2D(2, 2))
			continue
		}
		conv, err := training.NewConv2D(channels, entry, 3, 1, 1, true, cfg.Source)
		if err != nil {
			return nil, err
		}
		bn, err := training.NewBatchNorm2D(entry, 1e-5, 0.1)
		if err != nil {
			return nil, err
		}
		seq.Add(conv)
		seq.Add(bn)
		seq.Add(training.NewReLU())
		channels = entry
	}

	featureSize := channels * (cfg.Width / vggReduction) * (cfg.Height / vggReduction)
	fc1, err := training.NewLinear(featureSize, 4096, true, cfg.Source)
	if err != nil {
		return nil, err
	}
	fc2, err := training.NewLinear(4096, 4096, true, cfg.Source)
	if err != nil {
		return nil, err
	}
	head, err := training.NewLinear(4096, cfg.NumClasses, true, cfg.Source)
	if err != nil {
		return nil, err
	}
	drop1, err := training.NewDropout(0.5, cfg.Source)
	if err != nil {
		return nil, err
	}
	drop2, err := training.NewDropout(0.5, cfg.Source)
	if err != nil {
		return nil, err
	}

	seq.Add(training.NewFlatten())
	seq.Add(fc1)
	seq.Add(training.NewReLU())
	seq.Add(drop1)
	seq.Add(fc2)
	seq.Add(training.NewReLU())
	seq.Add(drop2)
	seq.Add(head)

	return &VGGNet{Sequential: seq, numClasses: cfg.NumClasses}, nil
}

// Name returns the registry name.
func (v *VGGNet) Name() string { return "vggnet" }

// NumClasses returns the width of the logit output.
func (v *VGGNet) NumClasses() int { return v.numClasses }
