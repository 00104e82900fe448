package training

import (
	"fmt"

	"github.com/tsawler/go-visage/tensor"
)

// CountCorrect returns how many predicted class indices match the labels.
// Both tensors must be Int32 of the same length.
func CountCorrect(predictions, labels *tensor.Tensor) (int, error) {
	preds, err := predictions.GetInt32Data()
	if err != nil {
		return 0, err
	}
	actual, err := labels.GetInt32Data()
	if err != nil {
		return 0, err
	}
	if len(preds) != len(actual) {
		return 0, fmt.Errorf("prediction count %d does not match label count %d", len(preds), len(actual))
	}

	correct := 0
	for i := range preds {
		if preds[i] == actual[i] {
			correct++
		}
	}
	return correct, nil
}

// EpochMetrics accumulates loss and accuracy over the batches of one epoch.
// Losses are sample-weighted so uneven batch sizes do not skew the means;
// accuracies are correct counts over total samples.
type EpochMetrics struct {
	taskNames []string

	samples      int
	lossSum      float64
	jointCorrect int

	taskLossSums map[string]float64
	taskCorrect  map[string]int
}

// NewEpochMetrics creates an accumulator for the given task names.
func NewEpochMetrics(taskNames []string) *EpochMetrics {
	m := &EpochMetrics{
		taskNames:    append([]string(nil), taskNames...),
		taskLossSums: make(map[string]float64, len(taskNames)),
		taskCorrect:  make(map[string]int, len(taskNames)),
	}
	for _, name := range taskNames {
		m.taskLossSums[name] = 0
		m.taskCorrect[name] = 0
	}
	return m
}

// AddBatch folds one batch's results into the running totals. taskLosses and
// taskCorrect may omit tasks (treated as zero); unknown task names error.
func (m *EpochMetrics) AddBatch(batchSize int, totalLoss float32, taskLosses map[string]float32, taskCorrect map[string]int, jointCorrect int) error {
	if batchSize <= 0 {
		return fmt.Errorf("batch size %d must be positive", batchSize)
	}
	for name := range taskLosses {
		if _, ok := m.taskLossSums[name]; !ok {
			return fmt.Errorf("unknown task %q in batch losses", name)
		}
	}
	for name := range taskCorrect {
		if _, ok := m.taskCorrect[name]; !ok {
			return fmt.Errorf("unknown task %q in batch corrects", name)
		}
	}

	m.samples += batchSize
	m.lossSum += float64(totalLoss) * float64(batchSize)
	m.jointCorrect += jointCorrect
	for name, loss := range taskLosses {
		m.taskLossSums[name] += float64(loss) * float64(batchSize)
	}
	for name, correct := range taskCorrect {
		m.taskCorrect[name] += correct
	}
	return nil
}

// Samples returns how many samples the accumulator has seen.
func (m *EpochMetrics) Samples() int { return m.samples }

// TaskNames returns the task names in registration order.
func (m *EpochMetrics) TaskNames() []string { return m.taskNames }

// Loss returns the sample-weighted mean of the combined loss.
func (m *EpochMetrics) Loss() float64 {
	if m.samples == 0 {
		return 0
	}
	return m.lossSum / float64(m.samples)
}

// TaskLoss returns the sample-weighted mean loss of one task.
func (m *EpochMetrics) TaskLoss(name string) float64 {
	if m.samples == 0 {
		return 0
	}
	return m.taskLossSums[name] / float64(m.samples)
}

// TaskAccuracy returns one task's correct fraction.
func (m *EpochMetrics) TaskAccuracy(name string) float64 {
	if m.samples == 0 {
		return 0
	}
	return float64(m.taskCorrect[name]) / float64(m.samples)
}

// JointAccuracy returns the fraction of samples where every task was
// predicted correctly at once.
func (m *EpochMetrics) JointAccuracy() float64 {
	if m.samples == 0 {
		return 0
	}
	return float64(m.jointCorrect) / float64(m.samples)
}

// ConfusionMatrix counts joint-class outcomes indexed [true][predicted].
type ConfusionMatrix struct {
	NumClasses   int
	Matrix       [][]int
	TotalSamples int
}

// NewConfusionMatrix creates an empty numClasses x numClasses matrix.
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}
	return &ConfusionMatrix{
		NumClasses: numClasses,
		Matrix:     matrix,
	}
}

// Reset clears all counts.
func (cm *ConfusionMatrix) Reset() {
	for i := range cm.Matrix {
		for j := range cm.Matrix[i] {
			cm.Matrix[i][j] = 0
		}
	}
	cm.TotalSamples = 0
}

// Update adds one batch of predicted and actual class indices.
func (cm *ConfusionMatrix) Update(predicted, actual []int32) error {
	if len(predicted) != len(actual) {
		return fmt.Errorf("prediction count %d does not match label count %d", len(predicted), len(actual))
	}
	for i := range predicted {
		p, a := int(predicted[i]), int(actual[i])
		if p < 0 || p >= cm.NumClasses {
			return fmt.Errorf("predicted class %d out of range for %d classes", p, cm.NumClasses)
		}
		if a < 0 || a >= cm.NumClasses {
			return fmt.Errorf("actual class %d out of range for %d classes", a, cm.NumClasses)
		}
		cm.Matrix[a][p]++
		cm.TotalSamples++
	}
	return nil
}

// Accuracy returns the diagonal fraction.
func (cm *ConfusionMatrix) Accuracy() float64 {
	if cm.TotalSamples == 0 {
		return 0
	}
	correct := 0
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}
	return float64(correct) / float64(cm.TotalSamples)
}

// MacroPrecision averages per-class precision over classes that received at
// least one prediction.
func (cm *ConfusionMatrix) MacroPrecision() float64 {
	sum := 0.0
	valid := 0
	for class := 0; class < cm.NumClasses; class++ {
		tp := float64(cm.Matrix[class][class])
		fp := 0.0
		for other := 0; other < cm.NumClasses; other++ {
			if other != class {
				fp += float64(cm.Matrix[other][class])
			}
		}
		if tp+fp > 0 {
			sum += tp / (tp + fp)
			valid++
		}
	}
	if valid == 0 {
		return 0
	}
	return sum / float64(valid)
}

// MacroRecall averages per-class recall over classes with at least one
// actual sample.
func (cm *ConfusionMatrix) MacroRecall() float64 {
	sum := 0.0
	valid := 0
	for class := 0; class < cm.NumClasses; class++ {
		tp := float64(cm.Matrix[class][class])
		fn := 0.0
		for other := 0; other < cm.NumClasses; other++ {
			if other != class {
				fn += float64(cm.Matrix[class][other])
			}
		}
		if tp+fn > 0 {
			sum += tp / (tp + fn)
			valid++
		}
	}
	if valid == 0 {
		return 0
	}
	return sum / float64(valid)
}

// MacroF1 is the harmonic mean of macro precision and macro recall.
func (cm *ConfusionMatrix) MacroF1() float64 {
	precision := cm.MacroPrecision()
	recall := cm.MacroRecall()
	if precision+recall == 0 {
		return 0
	}
	return 2 * (precision * recall) / (precision + recall)
}
