package training

import (
	"fmt"
	"math"
	"sort"

	"github.com/agnivade/levenshtein"

	"github.com/tsawler/go-visage/tensor"
)

// Loss maps logits and integer class targets to a single-element loss
// tensor connected to the autograd graph, so Backward on the result reaches
// the model parameters.
type Loss interface {
	Forward(logits, targets *tensor.Tensor) (*tensor.Tensor, error)
	Name() string
}

// Reduction selects how per-sample losses collapse to a scalar.
type Reduction int

const (
	ReductionMean Reduction = iota
	ReductionSum
)

func validateLossInputs(logits, targets *tensor.Tensor) (rows, width int, err error) {
	if len(logits.Shape) != 2 {
		return 0, 0, fmt.Errorf("expected 2D logits [batch, classes], got shape %v", logits.Shape)
	}
	if logits.DType != tensor.Float32 {
		return 0, 0, fmt.Errorf("logits must be Float32, got %s", logits.DType)
	}
	if targets.DType != tensor.Int32 {
		return 0, 0, fmt.Errorf("targets must be Int32 class indices, got %s", targets.DType)
	}
	if len(targets.Shape) != 1 || targets.Shape[0] != logits.Shape[0] {
		return 0, 0, fmt.Errorf("targets shape %v does not match logits batch %d", targets.Shape, logits.Shape[0])
	}
	rows, width = logits.Shape[0], logits.Shape[1]
	classes, err := targets.GetInt32Data()
	if err != nil {
		return 0, 0, err
	}
	for i, cls := range classes {
		if cls < 0 || int(cls) >= width {
			return 0, 0, fmt.Errorf("target %d at index %d out of range for %d classes", cls, i, width)
		}
	}
	return rows, width, nil
}

// softmaxRows computes a numerically stable row softmax into a fresh slice.
func softmaxRows(logits []float32, rows, width int) []float32 {
	probs := make([]float32, len(logits))
	for r := 0; r < rows; r++ {
		row := logits[r*width : (r+1)*width]
		maxVal := row[0]
		for _, v := range row[1:] {
			if v > maxVal {
				maxVal = v
			}
		}
		var sum float32
		for i, v := range row {
			e := float32(math.Exp(float64(v - maxVal)))
			probs[r*width+i] = e
			sum += e
		}
		for i := range row {
			probs[r*width+i] /= sum
		}
	}
	return probs
}

// crossEntropyOp fuses softmax and negative log likelihood with a known
// closed-form gradient: softmax minus one-hot.
type crossEntropyOp struct {
	inputs    []*tensor.Tensor
	targets   []int32
	probs     []float32
	rows      int
	width     int
	reduction Reduction
}

func (op *crossEntropyOp) Inputs() []*tensor.Tensor { return op.inputs }

func (op *crossEntropyOp) Forward(inputs ...*tensor.Tensor) *tensor.Tensor {
	logits := inputs[0]
	op.inputs = inputs

	data := logits.Data.([]float32)
	op.probs = softmaxRows(data, op.rows, op.width)

	var total float32
	for r := 0; r < op.rows; r++ {
		p := op.probs[r*op.width+int(op.targets[r])]
		if p < 1e-10 {
			p = 1e-10
		}
		total += -float32(math.Log(float64(p)))
	}
	if op.reduction == ReductionMean {
		total /= float32(op.rows)
	}

	result, err := tensor.NewTensor([]int{1}, tensor.Float32, []float32{total})
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}
	tensor.Record(result, op, logits.RequiresGrad())
	return result
}

func (op *crossEntropyOp) Backward(gradOut *tensor.Tensor) []*tensor.Tensor {
	scale := gradOut.Data.([]float32)[0]
	if op.reduction == ReductionMean {
		scale /= float32(op.rows)
	}

	grad := make([]float32, op.rows*op.width)
	for r := 0; r < op.rows; r++ {
		t := int(op.targets[r])
		for c := 0; c < op.width; c++ {
			g := op.probs[r*op.width+c]
			if c == t {
				g -= 1
			}
			grad[r*op.width+c] = g * scale
		}
	}

	gt, err := tensor.NewTensor([]int{op.rows, op.width}, tensor.Float32, grad)
	if err != nil {
		panic(fmt.Sprintf("Failed to build gradient tensor: %v", err))
	}
	return []*tensor.Tensor{gt}
}

// CrossEntropyLoss is softmax cross entropy over integer class targets.
type CrossEntropyLoss struct {
	Reduction Reduction
}

// NewCrossEntropyLoss creates a mean-reduced cross entropy criterion.
func NewCrossEntropyLoss() *CrossEntropyLoss {
	return &CrossEntropyLoss{Reduction: ReductionMean}
}

func (l *CrossEntropyLoss) Name() string { return "cross_entropy" }

func (l *CrossEntropyLoss) Forward(logits, targets *tensor.Tensor) (*tensor.Tensor, error) {
	rows, width, err := validateLossInputs(logits, targets)
	if err != nil {
		return nil, fmt.Errorf("cross entropy: %v", err)
	}
	classes, _ := targets.GetInt32Data()

	op := &crossEntropyOp{
		targets:   classes,
		rows:      rows,
		width:     width,
		reduction: l.Reduction,
	}
	return op.Forward(logits), nil
}

// focalOp scales the cross-entropy of each sample by (1-p_t)^gamma so easy,
// confidently-correct samples contribute less.
type focalOp struct {
	inputs    []*tensor.Tensor
	targets   []int32
	probs     []float32
	rows      int
	width     int
	gamma     float64
	reduction Reduction
}

func (op *focalOp) Inputs() []*tensor.Tensor { return op.inputs }

func (op *focalOp) Forward(inputs ...*tensor.Tensor) *tensor.Tensor {
	logits := inputs[0]
	op.inputs = inputs

	data := logits.Data.([]float32)
	op.probs = softmaxRows(data, op.rows, op.width)

	var total float32
	for r := 0; r < op.rows; r++ {
		p := float64(op.probs[r*op.width+int(op.targets[r])])
		if p < 1e-10 {
			p = 1e-10
		}
		total += -float32(math.Pow(1-p, op.gamma) * math.Log(p))
	}
	if op.reduction == ReductionMean {
		total /= float32(op.rows)
	}

	result, err := tensor.NewTensor([]int{1}, tensor.Float32, []float32{total})
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}
	tensor.Record(result, op, logits.RequiresGrad())
	return result
}

func (op *focalOp) Backward(gradOut *tensor.Tensor) []*tensor.Tensor {
	scale := gradOut.Data.([]float32)[0]
	if op.reduction == ReductionMean {
		scale /= float32(op.rows)
	}

	grad := make([]float32, op.rows*op.width)
	for r := 0; r < op.rows; r++ {
		t := int(op.targets[r])
		u := float64(op.probs[r*op.width+t])
		// Keep u strictly inside (0, 1) so log(u) and (1-u)^(gamma-1)
		// stay finite for every gamma.
		if u < 1e-10 {
			u = 1e-10
		} else if u > 1-1e-7 {
			u = 1 - 1e-7
		}

		// d/dz_j of -(1-u)^g log(u) factors through du/dz_j = u(1[j=t]-p_j):
		// factor = g*u*(1-u)^(g-1)*log(u) - (1-u)^g
		factor := float32(op.gamma*u*math.Pow(1-u, op.gamma-1)*math.Log(u) - math.Pow(1-u, op.gamma))

		for c := 0; c < op.width; c++ {
			indicator := float32(0)
			if c == t {
				indicator = 1
			}
			grad[r*op.width+c] = factor * (indicator - op.probs[r*op.width+c]) * scale
		}
	}

	gt, err := tensor.NewTensor([]int{op.rows, op.width}, tensor.Float32, grad)
	if err != nil {
		panic(fmt.Sprintf("Failed to build gradient tensor: %v", err))
	}
	return []*tensor.Tensor{gt}
}

// FocalLoss down-weights well-classified samples, which keeps rare classes
// from being drowned out on imbalanced data.
type FocalLoss struct {
	Gamma     float64
	Reduction Reduction
}

// NewFocalLoss creates a focal criterion with the standard gamma of 2.
func NewFocalLoss() *FocalLoss {
	return &FocalLoss{Gamma: 2.0, Reduction: ReductionMean}
}

func (l *FocalLoss) Name() string { return "focal" }

func (l *FocalLoss) Forward(logits, targets *tensor.Tensor) (*tensor.Tensor, error) {
	rows, width, err := validateLossInputs(logits, targets)
	if err != nil {
		return nil, fmt.Errorf("focal loss: %v", err)
	}
	classes, _ := targets.GetInt32Data()

	op := &focalOp{
		targets:   classes,
		rows:      rows,
		width:     width,
		gamma:     l.Gamma,
		reduction: l.Reduction,
	}
	return op.Forward(logits), nil
}

// labelSmoothingOp computes cross entropy against the smoothed target
// distribution (1-eps)*onehot + eps/K.
type labelSmoothingOp struct {
	inputs    []*tensor.Tensor
	targets   []int32
	probs     []float32
	rows      int
	width     int
	smoothing float64
	reduction Reduction
}

func (op *labelSmoothingOp) Inputs() []*tensor.Tensor { return op.inputs }

func (op *labelSmoothingOp) Forward(inputs ...*tensor.Tensor) *tensor.Tensor {
	logits := inputs[0]
	op.inputs = inputs

	data := logits.Data.([]float32)
	op.probs = softmaxRows(data, op.rows, op.width)

	eps := op.smoothing
	uniform := eps / float64(op.width)

	var total float64
	for r := 0; r < op.rows; r++ {
		t := int(op.targets[r])
		for c := 0; c < op.width; c++ {
			q := uniform
			if c == t {
				q += 1 - eps
			}
			p := float64(op.probs[r*op.width+c])
			if p < 1e-10 {
				p = 1e-10
			}
			total += -q * math.Log(p)
		}
	}
	if op.reduction == ReductionMean {
		total /= float64(op.rows)
	}

	result, err := tensor.NewTensor([]int{1}, tensor.Float32, []float32{float32(total)})
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}
	tensor.Record(result, op, logits.RequiresGrad())
	return result
}

func (op *labelSmoothingOp) Backward(gradOut *tensor.Tensor) []*tensor.Tensor {
	scale := gradOut.Data.([]float32)[0]
	if op.reduction == ReductionMean {
		scale /= float32(op.rows)
	}

	eps := float32(op.smoothing)
	uniform := eps / float32(op.width)

	grad := make([]float32, op.rows*op.width)
	for r := 0; r < op.rows; r++ {
		t := int(op.targets[r])
		for c := 0; c < op.width; c++ {
			q := uniform
			if c == t {
				q += 1 - eps
			}
			grad[r*op.width+c] = (op.probs[r*op.width+c] - q) * scale
		}
	}

	gt, err := tensor.NewTensor([]int{op.rows, op.width}, tensor.Float32, grad)
	if err != nil {
		panic(fmt.Sprintf("Failed to build gradient tensor: %v", err))
	}
	return []*tensor.Tensor{gt}
}

// LabelSmoothingLoss is cross entropy against softened targets, which
// discourages over-confident logits.
type LabelSmoothingLoss struct {
	Smoothing float64
	Reduction Reduction
}

// NewLabelSmoothingLoss creates a smoothing criterion with eps 0.1.
func NewLabelSmoothingLoss() *LabelSmoothingLoss {
	return &LabelSmoothingLoss{Smoothing: 0.1, Reduction: ReductionMean}
}

func (l *LabelSmoothingLoss) Name() string { return "label_smoothing" }

func (l *LabelSmoothingLoss) Forward(logits, targets *tensor.Tensor) (*tensor.Tensor, error) {
	rows, width, err := validateLossInputs(logits, targets)
	if err != nil {
		return nil, fmt.Errorf("label smoothing: %v", err)
	}
	classes, _ := targets.GetInt32Data()

	op := &labelSmoothingOp{
		targets:   classes,
		rows:      rows,
		width:     width,
		smoothing: l.Smoothing,
		reduction: l.Reduction,
	}
	return op.Forward(logits), nil
}

var criterionRegistry = map[string]func() Loss{
	"cross_entropy":   func() Loss { return NewCrossEntropyLoss() },
	"focal":           func() Loss { return NewFocalLoss() },
	"label_smoothing": func() Loss { return NewLabelSmoothingLoss() },
}

// CriterionNames returns the registered criterion names in sorted order.
func CriterionNames() []string {
	names := make([]string, 0, len(criterionRegistry))
	for name := range criterionRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewCriterion builds the named loss. Unknown names report the closest
// registered name to catch typos.
func NewCriterion(name string) (Loss, error) {
	if create, ok := criterionRegistry[name]; ok {
		return create(), nil
	}

	closest := ""
	score := math.MaxInt
	for candidate := range criterionRegistry {
		if d := levenshtein.ComputeDistance(name, candidate); d < score {
			score = d
			closest = candidate
		}
	}
	if score < 5 {
		return nil, fmt.Errorf("unknown criterion %q (did you mean %q?)", name, closest)
	}
	return nil, fmt.Errorf("unknown criterion %q, available: %v", name, CriterionNames())
}
