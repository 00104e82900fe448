package training

import (
	"fmt"

	"github.com/tsawler/go-visage/tensor"
)

// Task binds one contiguous slice of the shared logit vector to its own
// criterion and loss weight. Lo and Hi are half-open column bounds.
type Task struct {
	Name      string
	Lo, Hi    int
	Criterion Loss
	Weight    float32
}

// Width returns the number of classes the task predicts.
func (t Task) Width() int { return t.Hi - t.Lo }

// DefaultTasks returns the face-attribute task layout over an 8-wide logit
// vector: mask wearing (3 classes), gender (2), age group (3). Age carries
// weight 1.5; each task gets its own criterion instance.
func DefaultTasks(criterionName string) ([]Task, error) {
	layout := []struct {
		name   string
		lo, hi int
		weight float32
	}{
		{"mask", 0, 3, 1},
		{"gender", 3, 5, 1},
		{"age", 5, 8, 1.5},
	}

	tasks := make([]Task, 0, len(layout))
	for _, l := range layout {
		criterion, err := NewCriterion(criterionName)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, Task{
			Name:      l.name,
			Lo:        l.lo,
			Hi:        l.hi,
			Criterion: criterion,
			Weight:    l.weight,
		})
	}
	return tasks, nil
}

// MultiTaskLoss combines per-task losses over slices of one shared logit
// vector into a single weighted total connected to the autograd graph.
type MultiTaskLoss struct {
	tasks []Task
}

// NewMultiTaskLoss validates that the tasks tile the logit vector from
// column zero with no gaps or overlaps.
func NewMultiTaskLoss(tasks []Task) (*MultiTaskLoss, error) {
	if len(tasks) == 0 {
		return nil, fmt.Errorf("multi-task loss requires at least one task")
	}
	next := 0
	for _, task := range tasks {
		if task.Lo != next {
			return nil, fmt.Errorf("task %q starts at column %d, expected %d", task.Name, task.Lo, next)
		}
		if task.Hi <= task.Lo {
			return nil, fmt.Errorf("task %q has empty slice [%d:%d]", task.Name, task.Lo, task.Hi)
		}
		if task.Criterion == nil {
			return nil, fmt.Errorf("task %q has no criterion", task.Name)
		}
		if task.Weight <= 0 {
			return nil, fmt.Errorf("task %q has non-positive weight %v", task.Name, task.Weight)
		}
		next = task.Hi
	}
	return &MultiTaskLoss{tasks: tasks}, nil
}

// Tasks returns the task layout in slice order.
func (m *MultiTaskLoss) Tasks() []Task { return m.tasks }

// OutputWidth returns the logit width the task layout expects.
func (m *MultiTaskLoss) OutputWidth() int { return m.tasks[len(m.tasks)-1].Hi }

// Forward computes the weighted sum of per-task losses. targets maps task
// name to an Int32 class-index tensor of shape [batch]. The returned parts
// hold each task's unweighted loss value for reporting.
func (m *MultiTaskLoss) Forward(logits *tensor.Tensor, targets map[string]*tensor.Tensor) (*tensor.Tensor, map[string]float32, error) {
	if len(logits.Shape) != 2 {
		return nil, nil, fmt.Errorf("expected 2D logits [batch, classes], got shape %v", logits.Shape)
	}
	if logits.Shape[1] != m.OutputWidth() {
		return nil, nil, fmt.Errorf("logit width %d does not match task layout width %d", logits.Shape[1], m.OutputWidth())
	}

	parts := make(map[string]float32, len(m.tasks))
	var total *tensor.Tensor
	for _, task := range m.tasks {
		target, ok := targets[task.Name]
		if !ok {
			return nil, nil, fmt.Errorf("missing targets for task %q", task.Name)
		}

		slice := tensor.SliceAutograd(logits, 1, task.Lo, task.Width())
		taskLoss, err := task.Criterion.Forward(slice, target)
		if err != nil {
			return nil, nil, fmt.Errorf("task %q: %v", task.Name, err)
		}

		value, err := taskLoss.Float32Item()
		if err != nil {
			return nil, nil, err
		}
		parts[task.Name] = value

		weighted := tensor.ScaleAutograd(taskLoss, task.Weight)
		if total == nil {
			total = weighted
		} else {
			total = tensor.AddAutograd(total, weighted)
		}
	}
	return total, parts, nil
}

// ForwardMixed computes the weighted sum of per-task losses against two
// label sets, blending them as lam*loss(A) + (1-lam)*loss(B). Both label
// maps follow the Forward conventions; lam must lie in [0, 1]. parts hold
// each task's unweighted blended loss.
func (m *MultiTaskLoss) ForwardMixed(logits *tensor.Tensor, targetsA, targetsB map[string]*tensor.Tensor, lam float32) (*tensor.Tensor, map[string]float32, error) {
	if lam < 0 || lam > 1 {
		return nil, nil, fmt.Errorf("mix weight %v outside [0, 1]", lam)
	}
	if len(logits.Shape) != 2 {
		return nil, nil, fmt.Errorf("expected 2D logits [batch, classes], got shape %v", logits.Shape)
	}
	if logits.Shape[1] != m.OutputWidth() {
		return nil, nil, fmt.Errorf("logit width %d does not match task layout width %d", logits.Shape[1], m.OutputWidth())
	}

	parts := make(map[string]float32, len(m.tasks))
	var total *tensor.Tensor
	for _, task := range m.tasks {
		labelA, ok := targetsA[task.Name]
		if !ok {
			return nil, nil, fmt.Errorf("missing primary targets for task %q", task.Name)
		}
		labelB, ok := targetsB[task.Name]
		if !ok {
			return nil, nil, fmt.Errorf("missing partner targets for task %q", task.Name)
		}

		slice := tensor.SliceAutograd(logits, 1, task.Lo, task.Width())
		lossA, err := task.Criterion.Forward(slice, labelA)
		if err != nil {
			return nil, nil, fmt.Errorf("task %q: %v", task.Name, err)
		}
		lossB, err := task.Criterion.Forward(slice, labelB)
		if err != nil {
			return nil, nil, fmt.Errorf("task %q: %v", task.Name, err)
		}

		blended := tensor.AddAutograd(
			tensor.ScaleAutograd(lossA, lam),
			tensor.ScaleAutograd(lossB, 1-lam),
		)
		value, err := blended.Float32Item()
		if err != nil {
			return nil, nil, err
		}
		parts[task.Name] = value

		weighted := tensor.ScaleAutograd(blended, task.Weight)
		if total == nil {
			total = weighted
		} else {
			total = tensor.AddAutograd(total, weighted)
		}
	}
	return total, parts, nil
}

// Predictions returns each task's argmax class indices over its slice of
// the logits as an Int32 tensor of shape [batch].
func (m *MultiTaskLoss) Predictions(logits *tensor.Tensor) (map[string]*tensor.Tensor, error) {
	if len(logits.Shape) != 2 {
		return nil, fmt.Errorf("expected 2D logits [batch, classes], got shape %v", logits.Shape)
	}
	if logits.Shape[1] != m.OutputWidth() {
		return nil, fmt.Errorf("logit width %d does not match task layout width %d", logits.Shape[1], m.OutputWidth())
	}

	preds := make(map[string]*tensor.Tensor, len(m.tasks))
	for _, task := range m.tasks {
		slice, err := tensor.Narrow(logits, 1, task.Lo, task.Width())
		if err != nil {
			return nil, fmt.Errorf("task %q: %v", task.Name, err)
		}
		argmax, err := tensor.Argmax(slice)
		if err != nil {
			return nil, fmt.Errorf("task %q: %v", task.Name, err)
		}
		preds[task.Name] = argmax
	}
	return preds, nil
}
