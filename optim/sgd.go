package optim

import (
	"fmt"
	"sync"

	"github.com/tsawler/go-visage/tensor"
)

// SGD implements stochastic gradient descent with optional momentum,
// dampening, Nesterov acceleration and L2 weight decay.
type SGD struct {
	parameters   []*tensor.Tensor
	learningRate float64
	momentum     float64
	weightDecay  float64
	dampening    float64
	nesterov     bool
	velocities   map[*tensor.Tensor][]float32
	mutex        sync.RWMutex
}

// NewSGD creates a new SGD optimizer
func NewSGD(parameters []*tensor.Tensor, lr, momentum, weightDecay, dampening float64, nesterov bool) *SGD {
	return &SGD{
		parameters:   parameters,
		learningRate: lr,
		momentum:     momentum,
		weightDecay:  weightDecay,
		dampening:    dampening,
		nesterov:     nesterov,
		velocities:   make(map[*tensor.Tensor][]float32),
	}
}

// Step performs a single optimization step
func (sgd *SGD) Step() error {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()

	lr := float32(sgd.learningRate)
	mu := float32(sgd.momentum)
	wd := float32(sgd.weightDecay)
	damp := float32(sgd.dampening)

	for _, param := range sgd.parameters {
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

		velocity := sgd.velocities[param]
		if sgd.momentum > 0 && velocity == nil {
			velocity = make([]float32, len(data))
			sgd.velocities[param] = velocity
		}

		for i := range data {
			g := grad[i]
			if wd > 0 {
				g += wd * data[i]
			}
			if mu > 0 {
				v := mu*velocity[i] + (1-damp)*g
				velocity[i] = v
				if sgd.nesterov {
					g += mu * v
				} else {
					g = v
				}
			}
			data[i] -= lr * g
		}
	}

	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (sgd *SGD) ZeroGrad() {
	tensor.ZeroGrad(sgd.parameters)
}

// GetLR returns the current learning rate
func (sgd *SGD) GetLR() float64 {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()
	return sgd.learningRate
}

// SetLR sets the learning rate
func (sgd *SGD) SetLR(lr float64) {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()
	sgd.learningRate = lr
}
