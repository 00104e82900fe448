package training

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/tsawler/go-visage/checkpoints"
	"github.com/tsawler/go-visage/optim"
	"github.com/tsawler/go-visage/tensor"
)

// Batch is one mini-batch of images with per-task integer labels.
type Batch struct {
	Images  *tensor.Tensor            // [N, C, H, W] Float32
	Targets map[string]*tensor.Tensor // task name -> [N] Int32
}

// BatchSource yields batches for one pass over a data split. Reset starts
// a new pass, reshuffling when the source shuffles; Next returns io.EOF
// after the last batch.
type BatchSource interface {
	Reset()
	Next() (*Batch, error)
	NumBatches() int
	NumSamples() int
}

// TrainerConfig holds configuration for training
type TrainerConfig struct {
	Epochs      int
	LogInterval int // print mean training loss every N batches
	Patience    int // non-improving epochs tolerated before early stopping
	BaseLR      float64

	Scheduler   LRScheduler           // nil = constant learning rate
	CutMix      *CutMix               // nil = plain steps only
	Checkpoints *checkpoints.RunSaver // nil = no checkpoints written
	Dashboard   *Dashboard            // nil = no metric submission
	Curves      *CurveRecorder        // nil = no curve recording
}

// EpochResult holds the metrics of one completed epoch
type EpochResult struct {
	Epoch     int
	TrainLoss float64
	ValidLoss float64
	ValidAcc  float64
	TaskLoss  map[string]float64
	TaskAcc   map[string]float64
	LR        float64
	Duration  time.Duration
}

// Trainer manages the multi-task training process
type Trainer struct {
	model     Module
	optimizer optim.Optimizer
	criterion *MultiTaskLoss
	config    TrainerConfig

	history  []EpochResult
	bestAcc  float64
	bestLoss float64
}

// NewTrainer creates a new Trainer
func NewTrainer(model Module, optimizer optim.Optimizer, criterion *MultiTaskLoss, config TrainerConfig) *Trainer {
	if config.LogInterval <= 0 {
		config.LogInterval = 20
	}
	if config.Scheduler == nil {
		config.Scheduler = &NoOpScheduler{}
	}
	if config.BaseLR <= 0 {
		config.BaseLR = optimizer.GetLR()
	}
	return &Trainer{
		model:     model,
		optimizer: optimizer,
		criterion: criterion,
		config:    config,
		bestLoss:  math.Inf(1),
	}
}

// History returns the per-epoch results recorded so far.
func (t *Trainer) History() []EpochResult {
	return t.history
}

// BestAccuracy returns the best joint validation accuracy seen.
func (t *Trainer) BestAccuracy() float64 {
	return t.bestAcc
}

// BestLoss returns the lowest validation loss seen.
func (t *Trainer) BestLoss() float64 {
	return t.bestLoss
}

// Train runs the complete training loop: per epoch a pass over the train
// split with plain or CutMix steps, a gradient-free validation pass, the
// best/last checkpoint policy, and early stopping once the patience
// counter is exceeded.
func (t *Trainer) Train(ctx context.Context, trainLoader, validLoader BatchSource) error {
	fmt.Printf("Starting training for %d epochs\n", t.config.Epochs)

	counter := 0
	for epoch := 0; epoch < t.config.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lr := t.config.Scheduler.GetLR(epoch, 0, t.config.BaseLR)
		t.optimizer.SetLR(lr)

		start := time.Now()
		t.model.Train()
		trainLoss, err := t.trainEpoch(ctx, trainLoader, epoch, lr)
		if err != nil {
			return fmt.Errorf("training epoch %d: %w", epoch+1, err)
		}

		t.submitMetrics(ctx, epoch+1, map[string]float64{"train_loss": trainLoss})

		fmt.Println("Calculating validation results...")
		t.model.Eval()
		valid, err := t.validate(ctx, validLoader)
		if err != nil {
			return fmt.Errorf("validation epoch %d: %w", epoch+1, err)
		}

		valAcc := valid.JointAccuracy()
		valLoss := valid.Loss()

		// Update the loss floor first so checkpoint states never carry
		// the +Inf sentinel, which JSON cannot encode.
		if valLoss < t.bestLoss {
			t.bestLoss = valLoss
		}

		if valAcc > t.bestAcc {
			fmt.Printf("New best model for val accuracy : %.2f%%! saving the best model..\n", valAcc*100)
			t.bestAcc = valAcc
			counter = 0
			if err := t.saveSlot(epoch, lr, counter, true); err != nil {
				return err
			}
		} else {
			counter++
			fmt.Printf("Not Update val accuracy... counter : %d\n", counter)
		}
		if err := t.saveSlot(epoch, lr, counter, false); err != nil {
			return err
		}

		fmt.Printf("[Val] acc : %.2f%%, loss: %.2f || best acc : %.2f%%, best loss: %.2f\n",
			valAcc*100, valLoss, t.bestAcc*100, t.bestLoss)

		metrics := map[string]float64{
			"valid_loss": valLoss,
			"valid_acc":  valAcc,
		}
		for _, name := range valid.TaskNames() {
			metrics[name+"_loss"] = valid.TaskLoss(name)
			metrics[name+"_acc"] = valid.TaskAccuracy(name)
		}
		t.submitMetrics(ctx, epoch+1, metrics)

		if t.config.Curves != nil {
			t.config.Curves.Record(epoch+1, trainLoss, valLoss, valAcc)
		}

		result := EpochResult{
			Epoch:     epoch + 1,
			TrainLoss: trainLoss,
			ValidLoss: valLoss,
			ValidAcc:  valAcc,
			TaskLoss:  map[string]float64{},
			TaskAcc:   map[string]float64{},
			LR:        lr,
			Duration:  time.Since(start),
		}
		for _, name := range valid.TaskNames() {
			result.TaskLoss[name] = valid.TaskLoss(name)
			result.TaskAcc[name] = valid.TaskAccuracy(name)
		}
		t.history = append(t.history, result)

		if plateau, ok := t.config.Scheduler.(*ReduceLROnPlateauScheduler); ok {
			plateau.Step(valLoss, lr)
		}

		if counter > t.config.Patience {
			fmt.Println("Early Stopping...")
			break
		}
	}
	return nil
}

// trainEpoch runs one pass over the training split and returns the
// sample-weighted mean loss.
func (t *Trainer) trainEpoch(ctx context.Context, loader BatchSource, epoch int, lr float64) (float64, error) {
	loader.Reset()

	windowSum := 0.0
	epochSum := 0.0
	epochSamples := 0
	batches := 0
	numBatches := loader.NumBatches()

	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		batch, err := loader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("next batch: %w", err)
		}

		lossValue, err := t.trainStep(batch)
		if err != nil {
			return 0, err
		}

		batchSize := batch.Images.Shape[0]
		windowSum += lossValue
		epochSum += lossValue * float64(batchSize)
		epochSamples += batchSize
		batches++

		if batches%t.config.LogInterval == 0 {
			fmt.Printf("Epoch[%d/%d](%d/%d) || training loss %.4f || lr %g\n",
				epoch+1, t.config.Epochs, batches, numBatches,
				windowSum/float64(t.config.LogInterval), lr)
			windowSum = 0
		}
	}

	if epochSamples == 0 {
		return 0, fmt.Errorf("train loader produced no batches")
	}
	return epochSum / float64(epochSamples), nil
}

// trainStep runs a single optimization step, taking the CutMix branch
// when the mixer samples one.
func (t *Trainer) trainStep(batch *Batch) (float64, error) {
	t.optimizer.ZeroGrad()

	var loss *tensor.Tensor
	if t.config.CutMix != nil && t.config.CutMix.Sample() {
		mix, err := t.config.CutMix.Mix(batch.Images)
		if err != nil {
			return 0, fmt.Errorf("cutmix: %w", err)
		}
		partnerTargets, err := PermuteTargets(batch.Targets, mix.Perm)
		if err != nil {
			return 0, fmt.Errorf("cutmix targets: %w", err)
		}
		logits, err := t.model.Forward(batch.Images)
		if err != nil {
			return 0, fmt.Errorf("forward pass: %w", err)
		}
		loss, _, err = t.criterion.ForwardMixed(logits, batch.Targets, partnerTargets, mix.Lam)
		if err != nil {
			return 0, fmt.Errorf("mixed loss: %w", err)
		}
	} else {
		logits, err := t.model.Forward(batch.Images)
		if err != nil {
			return 0, fmt.Errorf("forward pass: %w", err)
		}
		loss, _, err = t.criterion.Forward(logits, batch.Targets)
		if err != nil {
			return 0, fmt.Errorf("loss: %w", err)
		}
	}

	if err := loss.Backward(nil); err != nil {
		return 0, fmt.Errorf("backward pass: %w", err)
	}
	if err := t.optimizer.Step(); err != nil {
		return 0, fmt.Errorf("optimizer step: %w", err)
	}

	value, err := loss.Float32Item()
	if err != nil {
		return 0, fmt.Errorf("loss value: %w", err)
	}
	return float64(value), nil
}

// validate runs a gradient-free pass and accumulates per-task and joint
// metrics. Callers set eval mode first.
func (t *Trainer) validate(ctx context.Context, loader BatchSource) (*EpochMetrics, error) {
	taskNames := make([]string, 0, len(t.criterion.Tasks()))
	for _, task := range t.criterion.Tasks() {
		taskNames = append(taskNames, task.Name)
	}
	metrics := NewEpochMetrics(taskNames)

	loader.Reset()
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		batch, err := loader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("next batch: %w", err)
		}

		logits, err := t.model.Forward(batch.Images)
		if err != nil {
			return nil, fmt.Errorf("forward pass: %w", err)
		}
		loss, parts, err := t.criterion.Forward(logits, batch.Targets)
		if err != nil {
			return nil, fmt.Errorf("loss: %w", err)
		}
		lossValue, err := loss.Float32Item()
		if err != nil {
			return nil, fmt.Errorf("loss value: %w", err)
		}

		preds, err := t.criterion.Predictions(logits)
		if err != nil {
			return nil, fmt.Errorf("predictions: %w", err)
		}

		taskCorrect := make(map[string]int, len(preds))
		for name, pred := range preds {
			correct, err := CountCorrect(pred, batch.Targets[name])
			if err != nil {
				return nil, fmt.Errorf("task %s accuracy: %w", name, err)
			}
			taskCorrect[name] = correct
		}

		joint, err := countJointCorrect(preds, batch.Targets, t.criterion.Tasks())
		if err != nil {
			return nil, err
		}

		batchSize := batch.Images.Shape[0]
		if err := metrics.AddBatch(batchSize, lossValue, parts, taskCorrect, joint); err != nil {
			return nil, err
		}
	}

	if metrics.Samples() == 0 {
		return nil, fmt.Errorf("validation loader produced no batches")
	}
	return metrics, nil
}

// Evaluate runs the model over a split in eval mode and returns the
// accumulated metrics.
func (t *Trainer) Evaluate(ctx context.Context, loader BatchSource) (*EpochMetrics, error) {
	t.model.Eval()
	return t.validate(ctx, loader)
}

// countJointCorrect counts samples where every task prediction matches
// its target, which is exactly a correct joint-class prediction.
func countJointCorrect(preds, targets map[string]*tensor.Tensor, tasks []Task) (int, error) {
	n := -1
	predData := make([][]int32, 0, len(tasks))
	targetData := make([][]int32, 0, len(tasks))
	for _, task := range tasks {
		pred, ok := preds[task.Name]
		if !ok {
			return 0, fmt.Errorf("missing prediction for task %s", task.Name)
		}
		target, ok := targets[task.Name]
		if !ok {
			return 0, fmt.Errorf("missing target for task %s", task.Name)
		}
		pd, err := pred.GetInt32Data()
		if err != nil {
			return 0, fmt.Errorf("task %s prediction: %w", task.Name, err)
		}
		td, err := target.GetInt32Data()
		if err != nil {
			return 0, fmt.Errorf("task %s target: %w", task.Name, err)
		}
		if n < 0 {
			n = len(pd)
		}
		if len(pd) != n || len(td) != n {
			return 0, fmt.Errorf("task %s has %d predictions and %d targets, want %d", task.Name, len(pd), len(td), n)
		}
		predData = append(predData, pd)
		targetData = append(targetData, td)
	}

	correct := 0
	for i := 0; i < n; i++ {
		match := true
		for k := range predData {
			if predData[k][i] != targetData[k][i] {
				match = false
				break
			}
		}
		if match {
			correct++
		}
	}
	return correct, nil
}

// saveSlot writes the best or last checkpoint slot with current state.
func (t *Trainer) saveSlot(epoch int, lr float64, counter int, best bool) error {
	if t.config.Checkpoints == nil {
		return nil
	}
	state := checkpoints.TrainingState{
		Epoch:        epoch + 1,
		LearningRate: lr,
		BestAccuracy: t.bestAcc,
		BestLoss:     t.bestLoss,
		Counter:      counter,
	}
	params := t.model.Parameters()
	if best {
		if err := t.config.Checkpoints.SaveBest(params, state); err != nil {
			return fmt.Errorf("saving best checkpoint: %w", err)
		}
		return nil
	}
	if err := t.config.Checkpoints.SaveLast(params, state); err != nil {
		return fmt.Errorf("saving last checkpoint: %w", err)
	}
	return nil
}

// submitMetrics sends one scalar set to the dashboard, logging and
// continuing on failure so a dead dashboard never aborts training.
func (t *Trainer) submitMetrics(ctx context.Context, epoch int, metrics map[string]float64) {
	if t.config.Dashboard == nil || !t.config.Dashboard.IsEnabled() {
		return
	}
	if err := t.config.Dashboard.Log(ctx, epoch, metrics); err != nil {
		slog.Warn("dashboard submission failed", "epoch", epoch, "error", err)
	}
}
