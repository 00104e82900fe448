// Package models implements the selectable classifier backbones. Every
// backbone maps a batch of normalized images [N, 3, H, W] to one logit
// tensor [N, C] that the multi-task criterion slices per attribute. Models
// are built through the named registry so an unknown name fails at startup.
package models

import (
	"fmt"

	"github.com/tsawler/go-visage/rng"
	"github.com/tsawler/go-visage/training"
)

// Model is a trainable backbone with a registry name.
type Model interface {
	training.Module
	Name() string
	NumClasses() int
}

// Config carries what every backbone constructor needs. Width and Height
// are the preprocessed input extent in pixels.
type Config struct {
	NumClasses int
	Width      int
	Height     int
	Source     *rng.Source
}

func (c Config) validate() error {
	if c.NumClasses < 1 {
		return fmt.Errorf("class count %d is not positive", c.NumClasses)
	}
	if c.Width < 1 || c.Height < 1 {
		return fmt.Errorf("input extent %dx%d is not positive", c.Width, c.Height)
	}
	if c.Source == nil {
		return fmt.Errorf("weight initialization requires a random source")
	}
	return nil
}
