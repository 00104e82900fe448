package tensor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// f32gemm computes c = op(a) @ op(b) + beta*c for row-major float32 blocks,
// where op(a) is (m,k) and op(b) is (k,n). A transposed operand is stored
// with its axes swapped.
func f32gemm(transA, transB bool, m, n, k int, a, b, c []float32, beta float32) {
	tA, tB := blas.NoTrans, blas.NoTrans
	ga := blas32.General{Rows: m, Cols: k, Stride: k, Data: a}
	if transA {
		tA = blas.Trans
		ga = blas32.General{Rows: k, Cols: m, Stride: m, Data: a}
	}
	gb := blas32.General{Rows: k, Cols: n, Stride: n, Data: b}
	if transB {
		tB = blas.Trans
		gb = blas32.General{Rows: n, Cols: k, Stride: k, Data: b}
	}
	gc := blas32.General{Rows: m, Cols: n, Stride: n, Data: c}
	blas32.Gemm(tA, tB, 1, ga, gb, beta, gc)
}

func convOutputSize(in, kernel, stride, padding int) int {
	return (in+2*padding-kernel)/stride + 1
}

// im2col unrolls one sample's receptive fields into a (C*KH*KW, Hout*Wout)
// column matrix. Out-of-bounds positions read as zero.
func im2col(x []float32, c, h, w, kh, kw, stride, padding int, cols []float32) {
	hOut := convOutputSize(h, kh, stride, padding)
	wOut := convOutputSize(w, kw, stride, padding)
	spatial := hOut * wOut

	for ci := 0; ci < c; ci++ {
		for ki := 0; ki < kh; ki++ {
			for kj := 0; kj < kw; kj++ {
				row := (ci*kh+ki)*kw + kj
				for oh := 0; oh < hOut; oh++ {
					ih := oh*stride - padding + ki
					for ow := 0; ow < wOut; ow++ {
						iw := ow*stride - padding + kj
						var v float32
						if ih >= 0 && ih < h && iw >= 0 && iw < w {
							v = x[(ci*h+ih)*w+iw]
						}
						cols[row*spatial+oh*wOut+ow] = v
					}
				}
			}
		}
	}
}

// col2im accumulates a column matrix back into a (C, H, W) image.
func col2im(cols []float32, c, h, w, kh, kw, stride, padding int, x []float32) {
	hOut := convOutputSize(h, kh, stride, padding)
	wOut := convOutputSize(w, kw, stride, padding)
	spatial := hOut * wOut

	for ci := 0; ci < c; ci++ {
		for ki := 0; ki < kh; ki++ {
			for kj := 0; kj < kw; kj++ {
				row := (ci*kh+ki)*kw + kj
				for oh := 0; oh < hOut; oh++ {
					ih := oh*stride - padding + ki
					if ih < 0 || ih >= h {
						continue
					}
					for ow := 0; ow < wOut; ow++ {
						iw := ow*stride - padding + kj
						if iw < 0 || iw >= w {
							continue
						}
						x[(ci*h+ih)*w+iw] += cols[row*spatial+oh*wOut+ow]
					}
				}
			}
		}
	}
}

// Conv2DOp is a 2D convolution over (N, C, H, W) input with weight
// (Cout, Cin, KH, KW) and bias (Cout). The column matrices are recomputed
// in the backward pass rather than kept alive for the whole step.
type Conv2DOp struct {
	inputs  []*Tensor
	Stride  int
	Padding int
}

func (op *Conv2DOp) Inputs() []*Tensor { return op.inputs }

func (op *Conv2DOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 3 {
		panic("Conv2DOp requires input, weight and bias")
	}

	x, weight, bias := inputs[0], inputs[1], inputs[2]
	op.inputs = inputs

	if len(x.Shape) != 4 || len(weight.Shape) != 4 {
		panic(fmt.Sprintf("Conv2DOp expects 4D input and weight, got %v and %v", x.Shape, weight.Shape))
	}
	n, cin, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	cout, wcin, kh, kw := weight.Shape[0], weight.Shape[1], weight.Shape[2], weight.Shape[3]
	if cin != wcin {
		panic(fmt.Sprintf("Conv2DOp channel mismatch: input has %d, weight expects %d", cin, wcin))
	}

	hOut := convOutputSize(h, kh, op.Stride, op.Padding)
	wOut := convOutputSize(w, kw, op.Stride, op.Padding)
	if hOut <= 0 || wOut <= 0 {
		panic(fmt.Sprintf("Conv2DOp output would be empty for input %dx%d kernel %dx%d", h, w, kh, kw))
	}
	spatial := hOut * wOut
	ckk := cin * kh * kw

	result, err := Zeros([]int{n, cout, hOut, wOut}, Float32)
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}

	xData := x.Data.([]float32)
	wData := weight.Data.([]float32)
	bData := bias.Data.([]float32)
	outData := result.Data.([]float32)

	cols := make([]float32, ckk*spatial)
	for ni := 0; ni < n; ni++ {
		im2col(xData[ni*cin*h*w:(ni+1)*cin*h*w], cin, h, w, kh, kw, op.Stride, op.Padding, cols)
		out := outData[ni*cout*spatial : (ni+1)*cout*spatial]
		f32gemm(false, false, cout, spatial, ckk, wData, cols, out, 0)
		for co := 0; co < cout; co++ {
			b := bData[co]
			for s := 0; s < spatial; s++ {
				out[co*spatial+s] += b
			}
		}
	}

	result.creator = op
	result.requiresGrad = x.requiresGrad || weight.requiresGrad || bias.requiresGrad
	return result
}

func (op *Conv2DOp) Backward(gradOut *Tensor) []*Tensor {
	x, weight := op.inputs[0], op.inputs[1]
	n, cin, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	cout, kh, kw := weight.Shape[0], weight.Shape[2], weight.Shape[3]
	hOut := convOutputSize(h, kh, op.Stride, op.Padding)
	wOut := convOutputSize(w, kw, op.Stride, op.Padding)
	spatial := hOut * wOut
	ckk := cin * kh * kw

	xData := x.Data.([]float32)
	wData := weight.Data.([]float32)
	goutData := gradOut.Data.([]float32)

	gradX := make([]float32, len(xData))
	gradW := make([]float32, len(wData))
	gradB := make([]float32, cout)

	cols := make([]float32, ckk*spatial)
	gradCols := make([]float32, ckk*spatial)
	for ni := 0; ni < n; ni++ {
		goutN := goutData[ni*cout*spatial : (ni+1)*cout*spatial]

		for co := 0; co < cout; co++ {
			var sum float32
			for s := 0; s < spatial; s++ {
				sum += goutN[co*spatial+s]
			}
			gradB[co] += sum
		}

		im2col(xData[ni*cin*h*w:(ni+1)*cin*h*w], cin, h, w, kh, kw, op.Stride, op.Padding, cols)
		f32gemm(false, true, cout, ckk, spatial, goutN, cols, gradW, 1)

		f32gemm(true, false, ckk, spatial, cout, wData, goutN, gradCols, 0)
		col2im(gradCols, cin, h, w, kh, kw, op.Stride, op.Padding, gradX[ni*cin*h*w:(ni+1)*cin*h*w])
	}

	gx, err := NewTensor(append([]int(nil), x.Shape...), Float32, gradX)
	if err != nil {
		panic(fmt.Sprintf("Failed to build input gradient: %v", err))
	}
	gw, err := NewTensor(append([]int(nil), weight.Shape...), Float32, gradW)
	if err != nil {
		panic(fmt.Sprintf("Failed to build weight gradient: %v", err))
	}
	gb, err := NewTensor([]int{cout}, Float32, gradB)
	if err != nil {
		panic(fmt.Sprintf("Failed to build bias gradient: %v", err))
	}
	return []*Tensor{gx, gw, gb}
}

// MaxPool2DOp takes the maximum over non-overlapping or strided windows.
type MaxPool2DOp struct {
	inputs  []*Tensor
	Kernel  int
	Stride  int
	argmax  []int32
	inShape []int
}

func (op *MaxPool2DOp) Inputs() []*Tensor { return op.inputs }

func (op *MaxPool2DOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("MaxPool2DOp requires exactly 1 input")
	}

	x := inputs[0]
	op.inputs = inputs
	if len(x.Shape) != 4 {
		panic(fmt.Sprintf("MaxPool2DOp expects 4D input, got %v", x.Shape))
	}

	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	hOut := (h-op.Kernel)/op.Stride + 1
	wOut := (w-op.Kernel)/op.Stride + 1
	if hOut <= 0 || wOut <= 0 {
		panic(fmt.Sprintf("MaxPool2DOp output would be empty for input %dx%d kernel %d", h, w, op.Kernel))
	}

	result, err := Zeros([]int{n, c, hOut, wOut}, Float32)
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}

	xData := x.Data.([]float32)
	outData := result.Data.([]float32)
	op.argmax = make([]int32, n*c*hOut*wOut)
	op.inShape = append([]int(nil), x.Shape...)

	outIdx := 0
	for ni := 0; ni < n; ni++ {
		for ci := 0; ci < c; ci++ {
			plane := xData[(ni*c+ci)*h*w : (ni*c+ci+1)*h*w]
			for oh := 0; oh < hOut; oh++ {
				for ow := 0; ow < wOut; ow++ {
					best := float32(math.Inf(-1))
					bestIdx := 0
					for ki := 0; ki < op.Kernel; ki++ {
						for kj := 0; kj < op.Kernel; kj++ {
							ih := oh*op.Stride + ki
							iw := ow*op.Stride + kj
							if v := plane[ih*w+iw]; v > best {
								best = v
								bestIdx = ih*w + iw
							}
						}
					}
					outData[outIdx] = best
					op.argmax[outIdx] = int32((ni*c+ci)*h*w + bestIdx)
					outIdx++
				}
			}
		}
	}

	result.creator = op
	result.requiresGrad = x.requiresGrad
	return result
}

func (op *MaxPool2DOp) Backward(gradOut *Tensor) []*Tensor {
	gout := gradOut.Data.([]float32)
	gradX := make([]float32, calculateNumElements(op.inShape))
	for i, srcIdx := range op.argmax {
		gradX[srcIdx] += gout[i]
	}

	grad, err := NewTensor(append([]int(nil), op.inShape...), Float32, gradX)
	if err != nil {
		panic(fmt.Sprintf("Failed to build gradient tensor: %v", err))
	}
	return []*Tensor{grad}
}

// GlobalAvgPool2DOp averages each channel's spatial plane, producing (N, C).
type GlobalAvgPool2DOp struct {
	inputs []*Tensor
}

func (op *GlobalAvgPool2DOp) Inputs() []*Tensor { return op.inputs }

func (op *GlobalAvgPool2DOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("GlobalAvgPool2DOp requires exactly 1 input")
	}

	x := inputs[0]
	op.inputs = inputs
	if len(x.Shape) != 4 {
		panic(fmt.Sprintf("GlobalAvgPool2DOp expects 4D input, got %v", x.Shape))
	}

	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	result, err := Zeros([]int{n, c}, Float32)
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}

	xData := x.Data.([]float32)
	outData := result.Data.([]float32)
	area := float32(h * w)
	for p := 0; p < n*c; p++ {
		var sum float32
		for s := 0; s < h*w; s++ {
			sum += xData[p*h*w+s]
		}
		outData[p] = sum / area
	}

	result.creator = op
	result.requiresGrad = x.requiresGrad
	return result
}

func (op *GlobalAvgPool2DOp) Backward(gradOut *Tensor) []*Tensor {
	x := op.inputs[0]
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	gout := gradOut.Data.([]float32)

	gradX := make([]float32, x.NumElems)
	area := float32(h * w)
	for p := 0; p < n*c; p++ {
		g := gout[p] / area
		for s := 0; s < h*w; s++ {
			gradX[p*h*w+s] = g
		}
	}

	grad, err := NewTensor(append([]int(nil), x.Shape...), Float32, gradX)
	if err != nil {
		panic(fmt.Sprintf("Failed to build gradient tensor: %v", err))
	}
	return []*Tensor{grad}
}

// BatchNorm2DOp normalizes each channel over the batch and spatial
// dimensions using batch statistics, then applies the affine transform.
// It is used in training mode; inference normalizes with running statistics
// outside the graph.
type BatchNorm2DOp struct {
	inputs []*Tensor
	Eps    float32

	xhat      []float32
	invStd    []float32
	BatchMean []float32
	BatchVar  []float32
}

func (op *BatchNorm2DOp) Inputs() []*Tensor { return op.inputs }

func (op *BatchNorm2DOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 3 {
		panic("BatchNorm2DOp requires input, gamma and beta")
	}

	x, gamma, beta := inputs[0], inputs[1], inputs[2]
	op.inputs = inputs
	if len(x.Shape) != 4 {
		panic(fmt.Sprintf("BatchNorm2DOp expects 4D input, got %v", x.Shape))
	}

	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	m := float32(n * h * w)

	xData := x.Data.([]float32)
	gData := gamma.Data.([]float32)
	bData := beta.Data.([]float32)

	op.BatchMean = make([]float32, c)
	op.BatchVar = make([]float32, c)
	op.invStd = make([]float32, c)
	op.xhat = make([]float32, len(xData))
	out := make([]float32, len(xData))

	for ci := 0; ci < c; ci++ {
		var sum float32
		for ni := 0; ni < n; ni++ {
			base := (ni*c + ci) * h * w
			for s := 0; s < h*w; s++ {
				sum += xData[base+s]
			}
		}
		mean := sum / m

		var sqSum float32
		for ni := 0; ni < n; ni++ {
			base := (ni*c + ci) * h * w
			for s := 0; s < h*w; s++ {
				d := xData[base+s] - mean
				sqSum += d * d
			}
		}
		variance := sqSum / m

		op.BatchMean[ci] = mean
		op.BatchVar[ci] = variance
		inv := float32(1.0 / math.Sqrt(float64(variance+op.Eps)))
		op.invStd[ci] = inv

		g, b := gData[ci], bData[ci]
		for ni := 0; ni < n; ni++ {
			base := (ni*c + ci) * h * w
			for s := 0; s < h*w; s++ {
				xh := (xData[base+s] - mean) * inv
				op.xhat[base+s] = xh
				out[base+s] = g*xh + b
			}
		}
	}

	result, err := NewTensor(append([]int(nil), x.Shape...), Float32, out)
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}
	result.creator = op
	result.requiresGrad = x.requiresGrad || gamma.requiresGrad || beta.requiresGrad
	return result
}

func (op *BatchNorm2DOp) Backward(gradOut *Tensor) []*Tensor {
	x, gamma := op.inputs[0], op.inputs[1]
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	m := float32(n * h * w)

	gout := gradOut.Data.([]float32)
	gData := gamma.Data.([]float32)

	gradX := make([]float32, x.NumElems)
	gradGamma := make([]float32, c)
	gradBeta := make([]float32, c)

	for ci := 0; ci < c; ci++ {
		var sumG, sumGX float32
		for ni := 0; ni < n; ni++ {
			base := (ni*c + ci) * h * w
			for s := 0; s < h*w; s++ {
				sumG += gout[base+s]
				sumGX += gout[base+s] * op.xhat[base+s]
			}
		}
		gradBeta[ci] = sumG
		gradGamma[ci] = sumGX

		scale := gData[ci] * op.invStd[ci] / m
		for ni := 0; ni < n; ni++ {
			base := (ni*c + ci) * h * w
			for s := 0; s < h*w; s++ {
				gradX[base+s] = scale * (m*gout[base+s] - sumG - op.xhat[base+s]*sumGX)
			}
		}
	}

	gx, err := NewTensor(append([]int(nil), x.Shape...), Float32, gradX)
	if err != nil {
		panic(fmt.Sprintf("Failed to build input gradient: %v", err))
	}
	gg, err := NewTensor([]int{c}, Float32, gradGamma)
	if err != nil {
		panic(fmt.Sprintf("Failed to build gamma gradient: %v", err))
	}
	gb, err := NewTensor([]int{c}, Float32, gradBeta)
	if err != nil {
		panic(fmt.Sprintf("Failed to build beta gradient: %v", err))
	}
	return []*Tensor{gx, gg, gb}
}

// Autograd wrappers for the structured ops.

func Conv2DAutograd(x, weight, bias *Tensor, stride, padding int) *Tensor {
	op := &Conv2DOp{Stride: stride, Padding: padding}
	return op.Forward(x, weight, bias)
}

func MaxPool2DAutograd(x *Tensor, kernel, stride int) *Tensor {
	op := &MaxPool2DOp{Kernel: kernel, Stride: stride}
	return op.Forward(x)
}

func GlobalAvgPool2DAutograd(x *Tensor) *Tensor {
	op := &GlobalAvgPool2DOp{}
	return op.Forward(x)
}
