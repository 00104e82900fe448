package tensor

import (
	"fmt"
	"math"
)

// LayerNormOp normalizes the last dimension to zero mean and unit variance.
// Scale and shift parameters are applied by the caller so the op stays
// parameter-free.
type LayerNormOp struct {
	Eps    float32
	inputs []*Tensor
	xhat   []float32
	invStd []float32
}

func (op *LayerNormOp) Inputs() []*Tensor { return op.inputs }

func (op *LayerNormOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("LayerNormOp requires exactly 1 input")
	}

	a := inputs[0]
	op.inputs = inputs

	if len(a.Shape) < 1 {
		panic("LayerNormOp requires at least 1 dimension")
	}

	width := a.Shape[len(a.Shape)-1]
	rows := a.NumElems / width
	data := a.Data.([]float32)

	op.xhat = make([]float32, a.NumElems)
	op.invStd = make([]float32, rows)
	out := make([]float32, a.NumElems)

	for r := 0; r < rows; r++ {
		row := data[r*width : (r+1)*width]

		var mean float32
		for _, v := range row {
			mean += v
		}
		mean /= float32(width)

		var variance float32
		for _, v := range row {
			d := v - mean
			variance += d * d
		}
		variance /= float32(width)

		invStd := 1 / float32(math.Sqrt(float64(variance+op.Eps)))
		op.invStd[r] = invStd

		for i, v := range row {
			xhat := (v - mean) * invStd
			op.xhat[r*width+i] = xhat
			out[r*width+i] = xhat
		}
	}

	result, err := NewTensor(append([]int(nil), a.Shape...), Float32, out)
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}

	result.creator = op
	result.requiresGrad = a.requiresGrad
	return result
}

func (op *LayerNormOp) Backward(gradOut *Tensor) []*Tensor {
	a := op.inputs[0]
	width := a.Shape[len(a.Shape)-1]
	rows := a.NumElems / width
	gout := gradOut.Data.([]float32)
	gradData := make([]float32, a.NumElems)

	// Per row: dx_i = invStd * (g_i − mean(g) − xhat_i * mean(g·xhat))
	for r := 0; r < rows; r++ {
		var gMean, gxMean float32
		for i := 0; i < width; i++ {
			idx := r*width + i
			gMean += gout[idx]
			gxMean += gout[idx] * op.xhat[idx]
		}
		gMean /= float32(width)
		gxMean /= float32(width)

		for i := 0; i < width; i++ {
			idx := r*width + i
			gradData[idx] = op.invStd[r] * (gout[idx] - gMean - op.xhat[idx]*gxMean)
		}
	}

	grad, err := NewTensor(append([]int(nil), gradOut.Shape...), Float32, gradData)
	if err != nil {
		panic(fmt.Sprintf("Failed to build gradient tensor: %v", err))
	}
	return []*Tensor{grad}
}

func LayerNormAutograd(a *Tensor, eps float32) *Tensor {
	op := &LayerNormOp{Eps: eps}
	return op.Forward(a)
}
