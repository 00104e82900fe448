// Package optim provides gradient-descent optimizers for model parameters.
// All optimizers share the Optimizer interface so training code can swap
// between them by name.
package optim

import (
	"fmt"
	"math"
	"sort"

	"github.com/agnivade/levenshtein"

	"github.com/tsawler/go-visage/tensor"
)

// Optimizer interface defines the methods that all optimizers must implement
type Optimizer interface {
	Step() error      // Updates model parameters based on gradients
	ZeroGrad()        // Resets gradients to zero for all parameters
	GetLR() float64   // Gets current learning rate
	SetLR(lr float64) // Sets learning rate
}

// Config collects the hyperparameters shared across optimizer families.
// Fields not used by a given optimizer are ignored.
type Config struct {
	LR          float64
	Momentum    float64
	Dampening   float64
	Nesterov    bool
	WeightDecay float64
	Beta1       float64
	Beta2       float64
	Eps         float64
	Alpha       float64
}

// DefaultConfig returns the hyperparameters the training harness starts
// from: SGD-style momentum 0.9 with weight decay 5e-4, and the usual Adam
// moment coefficients.
func DefaultConfig() Config {
	return Config{
		LR:          1e-3,
		Momentum:    0.9,
		WeightDecay: 5e-4,
		Beta1:       0.9,
		Beta2:       0.999,
		Eps:         1e-8,
		Alpha:       0.99,
	}
}

type factory func(params []*tensor.Tensor, cfg Config) Optimizer

var registry = map[string]factory{
	"sgd": func(params []*tensor.Tensor, cfg Config) Optimizer {
		return NewSGD(params, cfg.LR, cfg.Momentum, cfg.WeightDecay, cfg.Dampening, cfg.Nesterov)
	},
	"adam": func(params []*tensor.Tensor, cfg Config) Optimizer {
		return NewAdam(params, cfg.LR, cfg.Beta1, cfg.Beta2, cfg.Eps, cfg.WeightDecay)
	},
	"adamw": func(params []*tensor.Tensor, cfg Config) Optimizer {
		return NewAdamW(params, cfg.LR, cfg.Beta1, cfg.Beta2, cfg.Eps, cfg.WeightDecay)
	},
	"rmsprop": func(params []*tensor.Tensor, cfg Config) Optimizer {
		return NewRMSProp(params, cfg.LR, cfg.Alpha, cfg.Eps, cfg.Momentum, cfg.WeightDecay)
	},
	"adagrad": func(params []*tensor.Tensor, cfg Config) Optimizer {
		return NewAdaGrad(params, cfg.LR, cfg.Eps, cfg.WeightDecay)
	},
}

// Names returns the registered optimizer names in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds the named optimizer over the given parameters. Unknown names
// report the closest registered name to catch typos.
func New(name string, params []*tensor.Tensor, cfg Config) (Optimizer, error) {
	if create, ok := registry[name]; ok {
		return create(params, cfg), nil
	}

	closest := ""
	score := math.MaxInt
	for candidate := range registry {
		if d := levenshtein.ComputeDistance(name, candidate); d < score {
			score = d
			closest = candidate
		}
	}
	if score < 5 {
		return nil, fmt.Errorf("unknown optimizer %q (did you mean %q?)", name, closest)
	}
	return nil, fmt.Errorf("unknown optimizer %q, available: %v", name, Names())
}
