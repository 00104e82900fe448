package optim

import (
	"fmt"
	"math"
	"sync"

	"github.com/tsawler/go-visage/tensor"
)

// AdaGrad implements the AdaGrad optimizer: per-parameter learning rates
// shrink as squared gradients accumulate, so frequently updated parameters
// take smaller steps over time.
type AdaGrad struct {
	parameters  []*tensor.Tensor
	lr          float64
	eps         float64
	weightDecay float64
	accum       map[*tensor.Tensor][]float32
	mutex       sync.RWMutex
}

// NewAdaGrad creates a new AdaGrad optimizer
func NewAdaGrad(parameters []*tensor.Tensor, lr, eps, weightDecay float64) *AdaGrad {
	return &AdaGrad{
		parameters:  parameters,
		lr:          lr,
		eps:         eps,
		weightDecay: weightDecay,
		accum:       make(map[*tensor.Tensor][]float32),
	}
}

// Step performs a single optimization step
func (a *AdaGrad) Step() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	lr := float32(a.lr)
	eps := float32(a.eps)
	wd := float32(a.weightDecay)

	for _, param := range a.parameters {
		if !param.RequiresGrad() || param.Grad() == nil {
			continue
		}

		data, err := param.GetFloat32Data()
		if err != nil {
			return fmt.Errorf("parameter data access failed: %v", err)
		}
		grad, err := param.Grad().GetFloat32Data()
		if err != nil {
			return fmt.Errorf("gradient data access failed: %v", err)
		}

		accum := a.accum[param]
		if accum == nil {
			accum = make([]float32, len(data))
			a.accum[param] = accum
		}

		for i := range data {
			g := grad[i]
			if wd > 0 {
				g += wd * data[i]
			}
			accum[i] += g * g
			data[i] -= lr * g / (float32(math.Sqrt(float64(accum[i]))) + eps)
		}
	}

	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (a *AdaGrad) ZeroGrad() {
	tensor.ZeroGrad(a.parameters)
}

// GetLR returns the current learning rate
func (a *AdaGrad) GetLR() float64 {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	return a.lr
}

// SetLR sets the learning rate
func (a *AdaGrad) SetLR(lr float64) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.lr = lr
}
