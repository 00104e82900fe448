package optim

import (
	"fmt"
	"math"
	"sync"

	"github.com/tsawler/go-visage/tensor"
)

type moments struct {
	m []float32
	v []float32
}

// Adam implements the Adam optimizer with bias-corrected first and second
// moment estimates. Weight decay is the classic L2 form added to the
// gradient before the moment updates.
type Adam struct {
	parameters  []*tensor.Tensor
	lr          float64
	beta1       float64
	beta2       float64
	eps         float64
	weightDecay float64
	decoupled   bool
	step        int64
	state       map[*tensor.Tensor]*moments
	mutex       sync.RWMutex
}

// NewAdam creates a new Adam optimizer
func NewAdam(parameters []*tensor.Tensor, lr, beta1, beta2, eps, weightDecay float64) *Adam {
	return &Adam{
		parameters:  parameters,
		lr:          lr,
		beta1:       beta1,
		beta2:       beta2,
		eps:         eps,
		weightDecay: weightDecay,
		state:       make(map[*tensor.Tensor]*moments),
	}
}

// NewAdamW creates an Adam optimizer with decoupled weight decay: the decay
// is applied directly to the parameters instead of through the gradient, so
// the adaptive scaling does not shrink it.
func NewAdamW(parameters []*tensor.Tensor, lr, beta1, beta2, eps, weightDecay float64) *Adam {
	adam := NewAdam(parameters, lr, beta1, beta2, eps, weightDecay)
	adam.decoupled = true
	return adam
}

// Step performs a single optimization step
func (adam *Adam) Step() error {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()

	adam.step++

	// Bias correction factors
	bias1 := 1.0 - math.Pow(adam.beta1, float64(adam.step))
	bias2 := 1.0 - math.Pow(adam.beta2, float64(adam.step))

	lr := float32(adam.lr)
	b1 := float32(adam.beta1)
	b2 := float32(adam.beta2)
	eps := float32(adam.eps)
	wd := float32(adam.weightDecay)
	c1 := float32(1.0 / bias1)
	c2 := float32(1.0 / bias2)

	for _, param := range adam.parameters {
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

		state := adam.state[param]
		if state == nil {
			state = &moments{
				m: make([]float32, len(data)),
				v: make([]float32, len(data)),
			}
			adam.state[param] = state
		}

		for i := range data {
			g := grad[i]
			if wd > 0 && !adam.decoupled {
				g += wd * data[i]
			}

			state.m[i] = b1*state.m[i] + (1-b1)*g
			state.v[i] = b2*state.v[i] + (1-b2)*g*g

			mHat := state.m[i] * c1
			vHat := state.v[i] * c2

			if wd > 0 && adam.decoupled {
				data[i] -= lr * wd * data[i]
			}
			data[i] -= lr * mHat / (float32(math.Sqrt(float64(vHat))) + eps)
		}
	}

	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (adam *Adam) ZeroGrad() {
	tensor.ZeroGrad(adam.parameters)
}

// GetLR returns the current learning rate
func (adam *Adam) GetLR() float64 {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	return adam.lr
}

// SetLR sets the learning rate
func (adam *Adam) SetLR(lr float64) {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()
	adam.lr = lr
}
