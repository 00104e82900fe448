package training

import (
	"context"
	"io"
	"math"
	"path/filepath"
	"testing"

	"github.com/tsawler/go-visage/checkpoints"
	"github.com/tsawler/go-visage/optim"
	"github.com/tsawler/go-visage/rng"
	"github.com/tsawler/go-visage/tensor"
)

// sliceSource replays a fixed batch list each epoch.
type sliceSource struct {
	batches []*Batch
	idx     int
}

func newSliceSource(batches ...*Batch) *sliceSource {
	return &sliceSource{batches: batches}
}

func (s *sliceSource) Reset() { s.idx = 0 }

func (s *sliceSource) Next() (*Batch, error) {
	if s.idx >= len(s.batches) {
		return nil, io.EOF
	}
	b := s.batches[s.idx]
	s.idx++
	return b, nil
}

func (s *sliceSource) NumBatches() int { return len(s.batches) }

func (s *sliceSource) NumSamples() int {
	n := 0
	for _, b := range s.batches {
		n += b.Images.Shape[0]
	}
	return n
}

// scriptedSource serves a different batch list on each Reset so tests can
// change validation outcomes between epochs.
type scriptedSource struct {
	epochs [][]*Batch
	call   int
	cur    []*Batch
	idx    int
}

func (s *scriptedSource) Reset() {
	i := s.call
	if i >= len(s.epochs) {
		i = len(s.epochs) - 1
	}
	s.cur = s.epochs[i]
	s.idx = 0
	s.call++
}

func (s *scriptedSource) Next() (*Batch, error) {
	if s.idx >= len(s.cur) {
		return nil, io.EOF
	}
	b := s.cur[s.idx]
	s.idx++
	return b, nil
}

func (s *scriptedSource) NumBatches() int { return len(s.cur) }

func (s *scriptedSource) NumSamples() int {
	n := 0
	for _, b := range s.cur {
		n += b.Images.Shape[0]
	}
	return n
}

func labelTensor(t *testing.T, n int, value int32) *tensor.Tensor {
	t.Helper()
	values := make([]int32, n)
	for i := range values {
		values[i] = value
	}
	labels, err := tensor.NewTensor([]int{n}, tensor.Int32, values)
	if err != nil {
		t.Fatalf("creating label tensor: %v", err)
	}
	return labels
}

// constBatch builds a batch of n 3x4x4 images with constant labels.
func constBatch(t *testing.T, n int, mask, gender, age int32) *Batch {
	t.Helper()
	pixels := make([]float32, n*3*4*4)
	for i := range pixels {
		pixels[i] = float32(i%13) * 0.1
	}
	images, err := tensor.NewTensor([]int{n, 3, 4, 4}, tensor.Float32, pixels)
	if err != nil {
		t.Fatalf("creating image tensor: %v", err)
	}
	return &Batch{
		Images: images,
		Targets: map[string]*tensor.Tensor{
			"mask":   labelTensor(t, n, mask),
			"gender": labelTensor(t, n, gender),
			"age":    labelTensor(t, n, age),
		},
	}
}

// zeroModel builds a flatten+linear model with all parameters zeroed, so
// every logit is 0 and argmax picks class 0 for every task.
func zeroModel(t *testing.T) Module {
	t.Helper()
	linear, err := NewLinear(3*4*4, 8, true, rng.New(7))
	if err != nil {
		t.Fatalf("creating linear module: %v", err)
	}
	model := NewSequential(NewFlatten(), linear)
	for _, p := range model.Parameters() {
		data, err := p.GetFloat32Data()
		if err != nil {
			t.Fatalf("reading parameter: %v", err)
		}
		for i := range data {
			data[i] = 0
		}
	}
	return model
}

func testCriterion(t *testing.T) *MultiTaskLoss {
	t.Helper()
	tasks, err := DefaultTasks("cross_entropy")
	if err != nil {
		t.Fatalf("building tasks: %v", err)
	}
	criterion, err := NewMultiTaskLoss(tasks)
	if err != nil {
		t.Fatalf("building criterion: %v", err)
	}
	return criterion
}

// uniformLoss is the total loss a zeroed model yields on any batch:
// ln 3 for mask, ln 2 for gender, and 1.5*ln 3 for age.
func uniformLoss() float64 {
	return math.Log(3) + math.Log(2) + 1.5*math.Log(3)
}

func loadSlot(t *testing.T, dir, name string) *checkpoints.Checkpoint {
	t.Helper()
	ckpt, err := checkpoints.NewSaver(checkpoints.FormatJSON).Load(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("loading %s: %v", name, err)
	}
	return ckpt
}

func TestTrainerPerfectModelSavesBestOnce(t *testing.T) {
	model := zeroModel(t)
	// Learning rate 0 keeps the model frozen so every epoch repeats the
	// same predictions and losses exactly.
	opt := optim.NewSGD(model.Parameters(), 0, 0, 0, 0, false)
	dir := t.TempDir()

	curves := NewCurveRecorder()
	trainer := NewTrainer(model, opt, testCriterion(t), TrainerConfig{
		Epochs:      3,
		LogInterval: 1,
		Patience:    5,
		Checkpoints: checkpoints.NewRunSaver(dir, "run-1", "basenet"),
		Curves:      curves,
	})

	train := newSliceSource(constBatch(t, 4, 0, 0, 0), constBatch(t, 4, 0, 0, 0))
	valid := newSliceSource(constBatch(t, 4, 0, 0, 0))

	if err := trainer.Train(context.Background(), train, valid); err != nil {
		t.Fatalf("Train() error: %v", err)
	}

	history := trainer.History()
	if len(history) != 3 {
		t.Fatalf("History() has %d epochs, want 3", len(history))
	}
	want := uniformLoss()
	for i, epoch := range history {
		if math.Abs(epoch.TrainLoss-want) > 1e-4 {
			t.Errorf("epoch %d TrainLoss = %v, want %v", i+1, epoch.TrainLoss, want)
		}
		if math.Abs(epoch.ValidLoss-want) > 1e-4 {
			t.Errorf("epoch %d ValidLoss = %v, want %v", i+1, epoch.ValidLoss, want)
		}
		if epoch.ValidAcc != 1.0 {
			t.Errorf("epoch %d ValidAcc = %v, want 1.0", i+1, epoch.ValidAcc)
		}
		for _, task := range []string{"mask", "gender", "age"} {
			if epoch.TaskAcc[task] != 1.0 {
				t.Errorf("epoch %d TaskAcc[%s] = %v, want 1.0", i+1, task, epoch.TaskAcc[task])
			}
		}
	}

	// Accuracy hits 1.0 in epoch 1 and never strictly improves again, so
	// best.pth stays at epoch 1 while last.pth advances to epoch 3.
	best := loadSlot(t, dir, checkpoints.BestFile)
	if best.TrainingState.Epoch != 1 {
		t.Errorf("best.pth epoch = %d, want 1", best.TrainingState.Epoch)
	}
	if best.TrainingState.BestAccuracy != 1.0 {
		t.Errorf("best.pth best accuracy = %v, want 1.0", best.TrainingState.BestAccuracy)
	}
	if best.TrainingState.Counter != 0 {
		t.Errorf("best.pth counter = %d, want 0", best.TrainingState.Counter)
	}

	last := loadSlot(t, dir, checkpoints.LastFile)
	if last.TrainingState.Epoch != 3 {
		t.Errorf("last.pth epoch = %d, want 3", last.TrainingState.Epoch)
	}
	if last.TrainingState.Counter != 2 {
		t.Errorf("last.pth counter = %d, want 2", last.TrainingState.Counter)
	}
	if math.Abs(last.TrainingState.BestLoss-want) > 1e-4 {
		t.Errorf("last.pth best loss = %v, want %v", last.TrainingState.BestLoss, want)
	}

	if curves.Len() != 3 {
		t.Errorf("curve recorder has %d epochs, want 3", curves.Len())
	}
	if trainer.BestAccuracy() != 1.0 {
		t.Errorf("BestAccuracy() = %v, want 1.0", trainer.BestAccuracy())
	}
}

func TestTrainerEarlyStopping(t *testing.T) {
	model := zeroModel(t)
	opt := optim.NewSGD(model.Parameters(), 0, 0, 0, 0, false)

	trainer := NewTrainer(model, opt, testCriterion(t), TrainerConfig{
		Epochs:      10,
		LogInterval: 1,
		Patience:    1,
		Checkpoints: checkpoints.NewRunSaver(t.TempDir(), "run-2", "basenet"),
	})

	train := newSliceSource(constBatch(t, 4, 0, 0, 0))
	valid := newSliceSource(constBatch(t, 4, 0, 0, 0))

	if err := trainer.Train(context.Background(), train, valid); err != nil {
		t.Fatalf("Train() error: %v", err)
	}

	// Epoch 1 improves; epochs 2 and 3 push the counter to 2, which
	// exceeds patience 1 and stops the run.
	if len(trainer.History()) != 3 {
		t.Errorf("History() has %d epochs, want 3 after early stop", len(trainer.History()))
	}
}

func TestTrainerImprovementResetsCounter(t *testing.T) {
	model := zeroModel(t)
	opt := optim.NewSGD(model.Parameters(), 0, 0, 0, 0, false)
	dir := t.TempDir()

	trainer := NewTrainer(model, opt, testCriterion(t), TrainerConfig{
		Epochs:      3,
		LogInterval: 1,
		Patience:    5,
		Checkpoints: checkpoints.NewRunSaver(dir, "run-3", "basenet"),
	})

	train := newSliceSource(constBatch(t, 4, 0, 0, 0))
	// Validation targets flip between all-wrong and all-right so accuracy
	// goes 0, 1, 0 across the three epochs.
	valid := &scriptedSource{epochs: [][]*Batch{
		{constBatch(t, 4, 1, 1, 1)},
		{constBatch(t, 4, 0, 0, 0)},
		{constBatch(t, 4, 1, 1, 1)},
	}}

	if err := trainer.Train(context.Background(), train, valid); err != nil {
		t.Fatalf("Train() error: %v", err)
	}

	history := trainer.History()
	if len(history) != 3 {
		t.Fatalf("History() has %d epochs, want 3", len(history))
	}
	wantAcc := []float64{0, 1, 0}
	for i, epoch := range history {
		if epoch.ValidAcc != wantAcc[i] {
			t.Errorf("epoch %d ValidAcc = %v, want %v", i+1, epoch.ValidAcc, wantAcc[i])
		}
	}

	best := loadSlot(t, dir, checkpoints.BestFile)
	if best.TrainingState.Epoch != 2 {
		t.Errorf("best.pth epoch = %d, want 2", best.TrainingState.Epoch)
	}

	// Counter was reset by epoch 2's improvement, then epoch 3 raised it
	// back to 1.
	last := loadSlot(t, dir, checkpoints.LastFile)
	if last.TrainingState.Counter != 1 {
		t.Errorf("last.pth counter = %d, want 1", last.TrainingState.Counter)
	}
}

func TestTrainerCutMixPath(t *testing.T) {
	model := zeroModel(t)
	opt := optim.NewSGD(model.Parameters(), 0, 0, 0, 0, false)

	mixer, err := NewCutMix(1.0, rng.New(5))
	if err != nil {
		t.Fatalf("NewCutMix() error: %v", err)
	}
	trainer := NewTrainer(model, opt, testCriterion(t), TrainerConfig{
		Epochs:      2,
		LogInterval: 1,
		Patience:    5,
		CutMix:      mixer,
	})

	train := newSliceSource(constBatch(t, 4, 0, 0, 0), constBatch(t, 4, 1, 1, 1))
	valid := newSliceSource(constBatch(t, 4, 0, 0, 0))

	if err := trainer.Train(context.Background(), train, valid); err != nil {
		t.Fatalf("Train() with CutMix error: %v", err)
	}

	history := trainer.History()
	if len(history) != 2 {
		t.Fatalf("History() has %d epochs, want 2", len(history))
	}
	// Both label sets blend losses over the same uniform logits, so the
	// mixed loss equals the plain uniform loss regardless of lam.
	want := uniformLoss()
	for i, epoch := range history {
		if math.Abs(epoch.TrainLoss-want) > 1e-4 {
			t.Errorf("epoch %d TrainLoss = %v, want %v", i+1, epoch.TrainLoss, want)
		}
	}
}

func TestTrainerContextCancelled(t *testing.T) {
	model := zeroModel(t)
	opt := optim.NewSGD(model.Parameters(), 0, 0, 0, 0, false)

	trainer := NewTrainer(model, opt, testCriterion(t), TrainerConfig{
		Epochs:      3,
		LogInterval: 1,
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := trainer.Train(ctx, newSliceSource(constBatch(t, 4, 0, 0, 0)), newSliceSource(constBatch(t, 4, 0, 0, 0)))
	if err == nil {
		t.Fatal("Train() with cancelled context should fail")
	}
}

func TestTrainerSchedulerDrivesLR(t *testing.T) {
	model := zeroModel(t)
	opt := optim.NewSGD(model.Parameters(), 1e-3, 0, 0, 0, false)

	trainer := NewTrainer(model, opt, testCriterion(t), TrainerConfig{
		Epochs:      4,
		LogInterval: 1,
		Patience:    10,
		BaseLR:      1e-3,
		Scheduler:   NewStepLRScheduler(2, 0.5),
	})

	train := newSliceSource(constBatch(t, 4, 0, 0, 0))
	valid := newSliceSource(constBatch(t, 4, 0, 0, 0))

	if err := trainer.Train(context.Background(), train, valid); err != nil {
		t.Fatalf("Train() error: %v", err)
	}

	history := trainer.History()
	wantLR := []float64{1e-3, 1e-3, 5e-4, 5e-4}
	if len(history) != 4 {
		t.Fatalf("History() has %d epochs, want 4", len(history))
	}
	for i, epoch := range history {
		if math.Abs(epoch.LR-wantLR[i]) > 1e-12 {
			t.Errorf("epoch %d LR = %v, want %v", i+1, epoch.LR, wantLR[i])
		}
	}
}

func TestCountJointCorrect(t *testing.T) {
	tasks := []Task{{Name: "mask"}, {Name: "gender"}, {Name: "age"}}

	mk := func(values []int32) *tensor.Tensor {
		tt, err := tensor.NewTensor([]int{len(values)}, tensor.Int32, values)
		if err != nil {
			t.Fatalf("creating tensor: %v", err)
		}
		return tt
	}

	preds := map[string]*tensor.Tensor{
		"mask":   mk([]int32{0, 1, 2, 0}),
		"gender": mk([]int32{1, 0, 1, 0}),
		"age":    mk([]int32{2, 2, 0, 1}),
	}
	targets := map[string]*tensor.Tensor{
		"mask":   mk([]int32{0, 1, 0, 0}),
		"gender": mk([]int32{1, 1, 1, 0}),
		"age":    mk([]int32{2, 2, 0, 1}),
	}

	// Sample 0 matches on all tasks, sample 1 misses gender, sample 2
	// misses mask, sample 3 matches everywhere.
	got, err := countJointCorrect(preds, targets, tasks)
	if err != nil {
		t.Fatalf("countJointCorrect() error: %v", err)
	}
	if got != 2 {
		t.Errorf("countJointCorrect() = %d, want 2", got)
	}

	delete(preds, "age")
	if _, err := countJointCorrect(preds, targets, tasks); err == nil {
		t.Error("countJointCorrect() with missing task should fail")
	}
}
