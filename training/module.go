// Package training provides the layers, losses and the epoch loop used to
// train face-attribute classifiers. Layers implement the Module interface
// and compose through Sequential; the Trainer drives batches from a
// dataloader through a model, a multi-task criterion and an optimizer.
package training

import (
	"fmt"
	"math"

	"github.com/tsawler/go-visage/rng"
	"github.com/tsawler/go-visage/tensor"
)

// Module interface defines methods that all neural network layers must implement
type Module interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*tensor.Tensor // Returns trainable parameters (tensors with requiresGrad=true)
	Train()                       // Sets module to training mode
	Eval()                        // Sets module to evaluation mode
	IsTraining() bool             // Returns true if in training mode
}

// xavierUniform fills a weight slice with U(-bound, bound) where
// bound = sqrt(6/(fanIn+fanOut)).
func xavierUniform(data []float32, fanIn, fanOut int, src *rng.Source) {
	bound := math.Sqrt(6.0 / float64(fanIn+fanOut))
	for i := range data {
		data[i] = float32((src.Float64()*2.0 - 1.0) * bound)
	}
}

// Linear implements a fully connected (dense) layer: y = xW + b
type Linear struct {
	weight   *tensor.Tensor
	bias     *tensor.Tensor
	training bool
}

// NewLinear creates a new Linear layer with Xavier-initialized weights.
func NewLinear(inputSize, outputSize int, bias bool, src *rng.Source) (*Linear, error) {
	if inputSize <= 0 || outputSize <= 0 {
		return nil, fmt.Errorf("invalid linear dimensions %dx%d", inputSize, outputSize)
	}

	weightData := make([]float32, inputSize*outputSize)
	xavierUniform(weightData, inputSize, outputSize, src)

	weight, err := tensor.NewTensor([]int{inputSize, outputSize}, tensor.Float32, weightData)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %v", err)
	}
	weight.SetRequiresGrad(true)

	linear := &Linear{
		weight:   weight,
		training: true,
	}

	if bias {
		biasT, err := tensor.Zeros([]int{outputSize}, tensor.Float32)
		if err != nil {
			return nil, fmt.Errorf("failed to create bias tensor: %v", err)
		}
		biasT.SetRequiresGrad(true)
		linear.bias = biasT
	}

	return linear, nil
}

// Forward performs the forward pass. 2D inputs are [batch, features]; higher
// rank inputs are flattened over their leading dimensions, multiplied, and
// restored, so sequence tensors [batch, tokens, features] work directly.
func (l *Linear) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) < 2 {
		return nil, fmt.Errorf("Linear layer expects at least 2D input, got shape %v", input.Shape)
	}

	inputSize := input.Shape[len(input.Shape)-1]
	if inputSize != l.weight.Shape[0] {
		return nil, fmt.Errorf("input size mismatch: expected %d, got %d", l.weight.Shape[0], inputSize)
	}

	x := input
	if len(input.Shape) > 2 {
		x = tensor.ReshapeAutograd(input, []int{-1, inputSize})
	}

	output := tensor.MatMulAutograd(x, l.weight)
	if l.bias != nil {
		output = tensor.AddAutograd(output, l.bias)
	}

	if len(input.Shape) > 2 {
		outShape := append([]int(nil), input.Shape[:len(input.Shape)-1]...)
		outShape = append(outShape, l.weight.Shape[1])
		output = tensor.ReshapeAutograd(output, outShape)
	}

	return output, nil
}

// Parameters returns the trainable parameters
func (l *Linear) Parameters() []*tensor.Tensor {
	params := []*tensor.Tensor{l.weight}
	if l.bias != nil {
		params = append(params, l.bias)
	}
	return params
}

// Train sets the module to training mode
func (l *Linear) Train() { l.training = true }

// Eval sets the module to evaluation mode
func (l *Linear) Eval() { l.training = false }

// IsTraining returns true if in training mode
func (l *Linear) IsTraining() bool { return l.training }

// Weight exposes the weight tensor for checkpointing.
func (l *Linear) Weight() *tensor.Tensor { return l.weight }

// Bias exposes the bias tensor for checkpointing; nil when disabled.
func (l *Linear) Bias() *tensor.Tensor { return l.bias }

// ReLU implements ReLU activation function module
type ReLU struct {
	training bool
}

// NewReLU creates a new ReLU activation module
func NewReLU() *ReLU {
	return &ReLU{training: true}
}

// Forward performs ReLU activation
func (r *ReLU) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.ReLUAutograd(input), nil
}

// Parameters returns empty slice (ReLU has no parameters)
func (r *ReLU) Parameters() []*tensor.Tensor { return []*tensor.Tensor{} }

// Train sets the module to training mode
func (r *ReLU) Train() { r.training = true }

// Eval sets the module to evaluation mode
func (r *ReLU) Eval() { r.training = false }

// IsTraining returns true if in training mode
func (r *ReLU) IsTraining() bool { return r.training }

// GELU implements the Gaussian error linear unit activation module
type GELU struct {
	training bool
}

// NewGELU creates a new GELU activation module
func NewGELU() *GELU {
	return &GELU{training: true}
}

// Forward performs GELU activation
func (g *GELU) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.GELUAutograd(input), nil
}

// Parameters returns empty slice (GELU has no parameters)
func (g *GELU) Parameters() []*tensor.Tensor { return []*tensor.Tensor{} }

// Train sets the module to training mode
func (g *GELU) Train() { g.training = true }

// Eval sets the module to evaluation mode
func (g *GELU) Eval() { g.training = false }

// IsTraining returns true if in training mode
func (g *GELU) IsTraining() bool { return g.training }

// Conv2D implements a 2D convolution layer
type Conv2D struct {
	weight   *tensor.Tensor
	bias     *tensor.Tensor
	stride   int
	padding  int
	training bool
}

// NewConv2D creates a new Conv2D layer with Xavier-initialized weights.
func NewConv2D(inputChannels, outputChannels, kernelSize, stride, padding int, bias bool, src *rng.Source) (*Conv2D, error) {
	if inputChannels <= 0 || outputChannels <= 0 || kernelSize <= 0 {
		return nil, fmt.Errorf("invalid conv dimensions: %d -> %d kernel %d", inputChannels, outputChannels, kernelSize)
	}
	if stride <= 0 {
		return nil, fmt.Errorf("invalid stride %d", stride)
	}

	fanIn := inputChannels * kernelSize * kernelSize
	fanOut := outputChannels * kernelSize * kernelSize
	weightData := make([]float32, outputChannels*inputChannels*kernelSize*kernelSize)
	xavierUniform(weightData, fanIn, fanOut, src)

	weight, err := tensor.NewTensor([]int{outputChannels, inputChannels, kernelSize, kernelSize}, tensor.Float32, weightData)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %v", err)
	}
	weight.SetRequiresGrad(true)

	// The convolution always consumes a bias tensor; a frozen zero tensor
	// stands in when bias is disabled.
	biasT, err := tensor.Zeros([]int{outputChannels}, tensor.Float32)
	if err != nil {
		return nil, fmt.Errorf("failed to create bias tensor: %v", err)
	}
	biasT.SetRequiresGrad(bias)

	return &Conv2D{
		weight:   weight,
		bias:     biasT,
		stride:   stride,
		padding:  padding,
		training: true,
	}, nil
}

// Forward performs 2D convolution
func (c *Conv2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("Conv2D expects 4D input [batch, channels, height, width], got shape %v", input.Shape)
	}
	if input.Shape[1] != c.weight.Shape[1] {
		return nil, fmt.Errorf("channel mismatch: input has %d, layer expects %d", input.Shape[1], c.weight.Shape[1])
	}
	kh := c.weight.Shape[2]
	if out := (input.Shape[2]+2*c.padding-kh)/c.stride + 1; out <= 0 {
		return nil, fmt.Errorf("input %dx%d too small for kernel %d", input.Shape[2], input.Shape[3], kh)
	}

	return tensor.Conv2DAutograd(input, c.weight, c.bias, c.stride, c.padding), nil
}

// Parameters returns the trainable parameters
func (c *Conv2D) Parameters() []*tensor.Tensor {
	params := []*tensor.Tensor{c.weight}
	if c.bias.RequiresGrad() {
		params = append(params, c.bias)
	}
	return params
}

// Train sets the module to training mode
func (c *Conv2D) Train() { c.training = true }

// Eval sets the module to evaluation mode
func (c *Conv2D) Eval() { c.training = false }

// IsTraining returns true if in training mode
func (c *Conv2D) IsTraining() bool { return c.training }

// Weight exposes the weight tensor for checkpointing.
func (c *Conv2D) Weight() *tensor.Tensor { return c.weight }

// Bias exposes the bias tensor for checkpointing.
func (c *Conv2D) Bias() *tensor.Tensor { return c.bias }

// BatchNorm2D implements batch normalization over the channel dimension of
// NCHW tensors. Batch statistics drive training; running averages drive
// evaluation.
type BatchNorm2D struct {
	gamma       *tensor.Tensor
	beta        *tensor.Tensor
	runningMean []float32
	runningVar  []float32
	numFeatures int
	eps         float64
	momentum    float64
	training    bool
}

// NewBatchNorm2D creates a new batch normalization layer.
func NewBatchNorm2D(numFeatures int, eps, momentum float64) (*BatchNorm2D, error) {
	if numFeatures <= 0 {
		return nil, fmt.Errorf("invalid feature count %d", numFeatures)
	}

	gamma, err := tensor.Ones([]int{numFeatures}, tensor.Float32)
	if err != nil {
		return nil, fmt.Errorf("failed to create gamma tensor: %v", err)
	}
	gamma.SetRequiresGrad(true)

	beta, err := tensor.Zeros([]int{numFeatures}, tensor.Float32)
	if err != nil {
		return nil, fmt.Errorf("failed to create beta tensor: %v", err)
	}
	beta.SetRequiresGrad(true)

	runningVar := make([]float32, numFeatures)
	for i := range runningVar {
		runningVar[i] = 1
	}

	return &BatchNorm2D{
		gamma:       gamma,
		beta:        beta,
		runningMean: make([]float32, numFeatures),
		runningVar:  runningVar,
		numFeatures: numFeatures,
		eps:         eps,
		momentum:    momentum,
		training:    true,
	}, nil
}

// Forward performs batch normalization
func (bn *BatchNorm2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("BatchNorm2D expects 4D input, got shape %v", input.Shape)
	}
	if input.Shape[1] != bn.numFeatures {
		return nil, fmt.Errorf("channel mismatch: input has %d, layer expects %d", input.Shape[1], bn.numFeatures)
	}

	if bn.training {
		op := &tensor.BatchNorm2DOp{Eps: float32(bn.eps)}
		out := op.Forward(input, bn.gamma, bn.beta)

		mom := float32(bn.momentum)
		for c := 0; c < bn.numFeatures; c++ {
			bn.runningMean[c] = (1-mom)*bn.runningMean[c] + mom*op.BatchMean[c]
			bn.runningVar[c] = (1-mom)*bn.runningVar[c] + mom*op.BatchVar[c]
		}
		return out, nil
	}

	// Evaluation path: normalize with the running statistics.
	n, c, h, w := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	xData, err := input.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	gData, _ := bn.gamma.GetFloat32Data()
	bData, _ := bn.beta.GetFloat32Data()

	out := make([]float32, len(xData))
	for ci := 0; ci < c; ci++ {
		inv := float32(1.0 / math.Sqrt(float64(bn.runningVar[ci])+bn.eps))
		g, b := gData[ci], bData[ci]
		mean := bn.runningMean[ci]
		for ni := 0; ni < n; ni++ {
			base := (ni*c + ci) * h * w
			for s := 0; s < h*w; s++ {
				out[base+s] = g*(xData[base+s]-mean)*inv + b
			}
		}
	}

	return tensor.NewTensor([]int{n, c, h, w}, tensor.Float32, out)
}

// Parameters returns the trainable parameters
func (bn *BatchNorm2D) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{bn.gamma, bn.beta}
}

// Train sets the module to training mode
func (bn *BatchNorm2D) Train() { bn.training = true }

// Eval sets the module to evaluation mode
func (bn *BatchNorm2D) Eval() { bn.training = false }

// IsTraining returns true if in training mode
func (bn *BatchNorm2D) IsTraining() bool { return bn.training }

// RunningStats exposes the running mean and variance for checkpointing.
func (bn *BatchNorm2D) RunningStats() ([]float32, []float32) {
	return bn.runningMean, bn.runningVar
}

// SetRunningStats restores running statistics from a checkpoint.
func (bn *BatchNorm2D) SetRunningStats(mean, variance []float32) error {
	if len(mean) != bn.numFeatures || len(variance) != bn.numFeatures {
		return fmt.Errorf("running stats length mismatch: got %d/%d, expected %d", len(mean), len(variance), bn.numFeatures)
	}
	copy(bn.runningMean, mean)
	copy(bn.runningVar, variance)
	return nil
}

// LayerNorm normalizes the last dimension and applies learned scale and
// shift, as used inside transformer blocks.
type LayerNorm struct {
	gamma    *tensor.Tensor
	beta     *tensor.Tensor
	eps      float64
	training bool
}

// NewLayerNorm creates a new layer normalization module.
func NewLayerNorm(numFeatures int, eps float64) (*LayerNorm, error) {
	if numFeatures <= 0 {
		return nil, fmt.Errorf("invalid feature count %d", numFeatures)
	}

	gamma, err := tensor.Ones([]int{numFeatures}, tensor.Float32)
	if err != nil {
		return nil, fmt.Errorf("failed to create gamma tensor: %v", err)
	}
	gamma.SetRequiresGrad(true)

	beta, err := tensor.Zeros([]int{numFeatures}, tensor.Float32)
	if err != nil {
		return nil, fmt.Errorf("failed to create beta tensor: %v", err)
	}
	beta.SetRequiresGrad(true)

	return &LayerNorm{gamma: gamma, beta: beta, eps: eps, training: true}, nil
}

// Forward normalizes the last dimension of the input.
func (ln *LayerNorm) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	width := input.Shape[len(input.Shape)-1]
	if width != ln.gamma.Shape[0] {
		return nil, fmt.Errorf("feature mismatch: input has %d, layer expects %d", width, ln.gamma.Shape[0])
	}

	normed := tensor.LayerNormAutograd(input, float32(ln.eps))
	scaled := tensor.MulAutograd(normed, ln.gamma)
	return tensor.AddAutograd(scaled, ln.beta), nil
}

// Parameters returns the trainable parameters
func (ln *LayerNorm) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{ln.gamma, ln.beta}
}

// Train sets the module to training mode
func (ln *LayerNorm) Train() { ln.training = true }

// Eval sets the module to evaluation mode
func (ln *LayerNorm) Eval() { ln.training = false }

// IsTraining returns true if in training mode
func (ln *LayerNorm) IsTraining() bool { return ln.training }

// Dropout zeroes activations with probability p during training and is the
// identity during evaluation.
type Dropout struct {
	p        float64
	src      *rng.Source
	training bool
}

// NewDropout creates a new dropout module drawing from the given source.
func NewDropout(p float64, src *rng.Source) (*Dropout, error) {
	if p < 0 || p >= 1 {
		return nil, fmt.Errorf("invalid dropout probability %v", p)
	}
	return &Dropout{p: p, src: src, training: true}, nil
}

// Forward applies dropout in training mode.
func (d *Dropout) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if !d.training || d.p == 0 {
		return input, nil
	}
	return tensor.DropoutAutograd(input, float32(d.p), d.src.Rand), nil
}

// Parameters returns empty slice (Dropout has no parameters)
func (d *Dropout) Parameters() []*tensor.Tensor { return []*tensor.Tensor{} }

// Train sets the module to training mode
func (d *Dropout) Train() { d.training = true }

// Eval sets the module to evaluation mode
func (d *Dropout) Eval() { d.training = false }

// IsTraining returns true if in training mode
func (d *Dropout) IsTraining() bool { return d.training }

// MaxPool2D implements a 2D max pooling layer
type MaxPool2D struct {
	kernelSize int
	stride     int
	training   bool
}

// NewMaxPool2D creates a new MaxPool2D layer
func NewMaxPool2D(kernelSize, stride int) *MaxPool2D {
	return &MaxPool2D{kernelSize: kernelSize, stride: stride, training: true}
}

// Forward performs 2D max pooling
func (mp *MaxPool2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("MaxPool2D expects 4D input, got shape %v", input.Shape)
	}
	return tensor.MaxPool2DAutograd(input, mp.kernelSize, mp.stride), nil
}

// Parameters returns empty slice (MaxPool2D has no parameters)
func (mp *MaxPool2D) Parameters() []*tensor.Tensor { return []*tensor.Tensor{} }

// Train sets the module to training mode
func (mp *MaxPool2D) Train() { mp.training = true }

// Eval sets the module to evaluation mode
func (mp *MaxPool2D) Eval() { mp.training = false }

// IsTraining returns true if in training mode
func (mp *MaxPool2D) IsTraining() bool { return mp.training }

// GlobalAvgPool2D averages each channel over its spatial extent, reducing
// [batch, channels, height, width] to [batch, channels].
type GlobalAvgPool2D struct {
	training bool
}

// NewGlobalAvgPool2D creates a new global average pooling layer.
func NewGlobalAvgPool2D() *GlobalAvgPool2D {
	return &GlobalAvgPool2D{training: true}
}

// Forward averages over the spatial dimensions.
func (gap *GlobalAvgPool2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("GlobalAvgPool2D expects 4D input, got shape %v", input.Shape)
	}
	return tensor.GlobalAvgPool2DAutograd(input), nil
}

// Parameters returns empty slice (GlobalAvgPool2D has no parameters)
func (gap *GlobalAvgPool2D) Parameters() []*tensor.Tensor { return []*tensor.Tensor{} }

// Train sets the module to training mode
func (gap *GlobalAvgPool2D) Train() { gap.training = true }

// Eval sets the module to evaluation mode
func (gap *GlobalAvgPool2D) Eval() { gap.training = false }

// IsTraining returns true if in training mode
func (gap *GlobalAvgPool2D) IsTraining() bool { return gap.training }

// Flatten reshapes input tensor to [batch_size, -1]
type Flatten struct {
	training bool
}

// NewFlatten creates a new Flatten layer
func NewFlatten() *Flatten {
	return &Flatten{training: true}
}

// Forward flattens the input tensor to [batch_size, -1]
func (f *Flatten) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) < 2 {
		return nil, fmt.Errorf("Flatten expects at least 2D input, got shape %v", input.Shape)
	}
	return tensor.ReshapeAutograd(input, []int{input.Shape[0], -1}), nil
}

// Parameters returns empty slice (Flatten has no parameters)
func (f *Flatten) Parameters() []*tensor.Tensor { return []*tensor.Tensor{} }

// Train sets the module to training mode
func (f *Flatten) Train() { f.training = true }

// Eval sets the module to evaluation mode
func (f *Flatten) Eval() { f.training = false }

// IsTraining returns true if in training mode
func (f *Flatten) IsTraining() bool { return f.training }

// Sequential allows chaining multiple modules together
type Sequential struct {
	modules  []Module
	training bool
}

// NewSequential creates a new Sequential container
func NewSequential(modules ...Module) *Sequential {
	return &Sequential{modules: modules, training: true}
}

// Forward passes input through all modules in sequence
func (s *Sequential) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	current := input
	for i, module := range s.modules {
		output, err := module.Forward(current)
		if err != nil {
			return nil, fmt.Errorf("module %d forward failed: %v", i, err)
		}
		current = output
	}
	return current, nil
}

// Parameters returns all trainable parameters from all modules
func (s *Sequential) Parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	for _, module := range s.modules {
		params = append(params, module.Parameters()...)
	}
	return params
}

// Train sets all modules to training mode
func (s *Sequential) Train() {
	s.training = true
	for _, module := range s.modules {
		module.Train()
	}
}

// Eval sets all modules to evaluation mode
func (s *Sequential) Eval() {
	s.training = false
	for _, module := range s.modules {
		module.Eval()
	}
}

// IsTraining returns true if in training mode
func (s *Sequential) IsTraining() bool { return s.training }

// Add appends a module to the sequential container
func (s *Sequential) Add(module Module) {
	s.modules = append(s.modules, module)
}

// Modules exposes the contained modules in order.
func (s *Sequential) Modules() []Module { return s.modules }
