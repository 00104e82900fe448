package optim

import (
	"fmt"
	"math"
	"sync"

	"github.com/tsawler/go-visage/tensor"
)

// RMSProp implements the RMSProp optimizer: gradients are scaled by a
// running average of their recent magnitudes.
type RMSProp struct {
	parameters  []*tensor.Tensor
	lr          float64
	alpha       float64
	eps         float64
	momentum    float64
	weightDecay float64
	squareAvg   map[*tensor.Tensor][]float32
	buffer      map[*tensor.Tensor][]float32
	mutex       sync.RWMutex
}

// NewRMSProp creates a new RMSProp optimizer
func NewRMSProp(parameters []*tensor.Tensor, lr, alpha, eps, momentum, weightDecay float64) *RMSProp {
	return &RMSProp{
		parameters:  parameters,
		lr:          lr,
		alpha:       alpha,
		eps:         eps,
		momentum:    momentum,
		weightDecay: weightDecay,
		squareAvg:   make(map[*tensor.Tensor][]float32),
		buffer:      make(map[*tensor.Tensor][]float32),
	}
}

// Step performs a single optimization step
func (r *RMSProp) Step() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	lr := float32(r.lr)
	alpha := float32(r.alpha)
	eps := float32(r.eps)
	mu := float32(r.momentum)
	wd := float32(r.weightDecay)

	for _, param := range r.parameters {
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

		sq := r.squareAvg[param]
		if sq == nil {
			sq = make([]float32, len(data))
			r.squareAvg[param] = sq
		}
		var buf []float32
		if r.momentum > 0 {
			buf = r.buffer[param]
			if buf == nil {
				buf = make([]float32, len(data))
				r.buffer[param] = buf
			}
		}

		for i := range data {
			g := grad[i]
			if wd > 0 {
				g += wd * data[i]
			}

			sq[i] = alpha*sq[i] + (1-alpha)*g*g
			update := g / (float32(math.Sqrt(float64(sq[i]))) + eps)

			if mu > 0 {
				buf[i] = mu*buf[i] + update
				update = buf[i]
			}
			data[i] -= lr * update
		}
	}

	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (r *RMSProp) ZeroGrad() {
	tensor.ZeroGrad(r.parameters)
}

// GetLR returns the current learning rate
func (r *RMSProp) GetLR() float64 {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.lr
}

// SetLR sets the learning rate
func (r *RMSProp) SetLR(lr float64) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.lr = lr
}
