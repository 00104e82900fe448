// Package checkpoints serializes model parameters and training progress to
// disk. Runs write two JSON slots, best.pth and last.pth, and finished
// checkpoints can be converted to ONNX for use outside this repo.
package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/tsawler/go-visage/tensor"
)

// FormatVersion is the on-disk checkpoint schema version. Loading accepts
// any version with the same major component and rejects newer majors.
const FormatVersion = "1.0.0"

// Slot file names inside a run directory. The .pth names are retained
// from the competition pipeline; the contents are this repo's JSON format.
const (
	BestFile = "best.pth"
	LastFile = "last.pth"
)

// Format defines the serialization format
type Format int

const (
	FormatJSON Format = iota
	FormatONNX
)

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "JSON"
	case FormatONNX:
		return "ONNX"
	default:
		return "Unknown"
	}
}

// Checkpoint represents a complete model state including weights, training
// progress, and metadata
type Checkpoint struct {
	Weights []WeightTensor `json:"weights"`

	TrainingState TrainingState `json:"training_state"`

	// Optimizer hyperparameters (if available)
	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`

	Metadata Metadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// TrainingState captures the training progress at save time
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	LearningRate float64 `json:"learning_rate"`
	BestAccuracy float64 `json:"best_accuracy"`
	BestLoss     float64 `json:"best_loss"`
	Counter      int     `json:"counter"`
}

// OptimizerState records which optimizer produced the weights and its
// hyperparameters. Buffer tensors are not serialized; a resumed run
// rebuilds them from zero.
type OptimizerState struct {
	Type       string                 `json:"type"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

// Metadata contains checkpoint metadata
type Metadata struct {
	FormatVersion string    `json:"format_version"`
	Framework     string    `json:"framework"`
	Model         string    `json:"model,omitempty"`
	RunID         string    `json:"run_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	Description   string    `json:"description,omitempty"`
}

// Saver handles saving and loading checkpoints in the supported formats
type Saver struct {
	format Format
}

// NewSaver creates a checkpoint saver for the specified format
func NewSaver(format Format) *Saver {
	return &Saver{format: format}
}

// Save writes a checkpoint to path, filling in metadata defaults first
func (s *Saver) Save(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "go-visage"
	}
	if checkpoint.Metadata.FormatVersion == "" {
		checkpoint.Metadata.FormatVersion = FormatVersion
	}
	if checkpoint.Metadata.RunID == "" {
		checkpoint.Metadata.RunID = uuid.New().String()
	}
	if checkpoint.Metadata.CreatedAt.IsZero() {
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	switch s.format {
	case FormatJSON:
		return s.saveJSON(checkpoint, path)
	case FormatONNX:
		return NewONNXExporter().Export(checkpoint, path)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", s.format)
	}
}

// Load reads a checkpoint from path
func (s *Saver) Load(path string) (*Checkpoint, error) {
	switch s.format {
	case FormatJSON:
		return s.loadJSON(path)
	case FormatONNX:
		return NewONNXImporter().Import(path)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", s.format)
	}
}

func (s *Saver) saveJSON(checkpoint *Checkpoint, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %v", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(checkpoint); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %v", err)
	}
	return nil
}

func (s *Saver) loadJSON(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %v", err)
	}
	defer file.Close()

	var checkpoint Checkpoint
	if err := json.NewDecoder(file).Decode(&checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %v", err)
	}
	if err := checkFormatVersion(checkpoint.Metadata.FormatVersion); err != nil {
		return nil, err
	}
	return &checkpoint, nil
}

func checkFormatVersion(version string) error {
	if version == "" {
		return fmt.Errorf("checkpoint has no format version")
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("invalid checkpoint format version %q: %v", version, err)
	}
	current := semver.MustParse(FormatVersion)
	if v.Major() > current.Major() {
		return fmt.Errorf("checkpoint format %s is newer than supported %s", version, FormatVersion)
	}
	return nil
}

// Snapshot copies parameter tensors into weight records in traversal
// order. Names are positional so a checkpoint restores into a freshly
// built model of the same architecture.
func Snapshot(params []*tensor.Tensor) ([]WeightTensor, error) {
	weights := make([]WeightTensor, 0, len(params))
	for i, param := range params {
		data, err := param.GetFloat32Data()
		if err != nil {
			return nil, fmt.Errorf("parameter %d: %v", i, err)
		}
		weights = append(weights, WeightTensor{
			Name:  fmt.Sprintf("param_%03d", i),
			Shape: append([]int(nil), param.Shape...),
			Data:  append([]float32(nil), data...),
		})
	}
	return weights, nil
}

// Restore copies weight records back into parameter tensors. Counts and
// shapes must match exactly; matching is positional.
func Restore(params []*tensor.Tensor, weights []WeightTensor) error {
	if len(params) != len(weights) {
		return fmt.Errorf("weight count mismatch: model has %d parameters, checkpoint has %d", len(params), len(weights))
	}
	for i, param := range params {
		weight := weights[i]
		if !shapeEqual(param.Shape, weight.Shape) {
			return fmt.Errorf("shape mismatch for %s: model %v vs checkpoint %v", weight.Name, param.Shape, weight.Shape)
		}
		dst, err := param.GetFloat32Data()
		if err != nil {
			return fmt.Errorf("parameter %d: %v", i, err)
		}
		if len(dst) != len(weight.Data) {
			return fmt.Errorf("data length mismatch for %s: %d vs %d", weight.Name, len(dst), len(weight.Data))
		}
		copy(dst, weight.Data)
	}
	return nil
}

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// RunSaver binds a run directory and writes the best/last checkpoint
// slots for it.
type RunSaver struct {
	dir   string
	saver *Saver
	runID string
	model string
	opt   *OptimizerState
}

// NewRunSaver creates a RunSaver writing JSON checkpoints into dir.
func NewRunSaver(dir, runID, model string) *RunSaver {
	return &RunSaver{
		dir:   dir,
		saver: NewSaver(FormatJSON),
		runID: runID,
		model: model,
	}
}

// SetOptimizerState attaches optimizer info recorded into every slot.
func (r *RunSaver) SetOptimizerState(state *OptimizerState) {
	r.opt = state
}

// Dir returns the run directory this saver writes into.
func (r *RunSaver) Dir() string {
	return r.dir
}

// SaveBest writes the best.pth slot.
func (r *RunSaver) SaveBest(params []*tensor.Tensor, state TrainingState) error {
	return r.write(BestFile, params, state)
}

// SaveLast writes the last.pth slot.
func (r *RunSaver) SaveLast(params []*tensor.Tensor, state TrainingState) error {
	return r.write(LastFile, params, state)
}

func (r *RunSaver) write(name string, params []*tensor.Tensor, state TrainingState) error {
	weights, err := Snapshot(params)
	if err != nil {
		return fmt.Errorf("snapshot for %s: %v", name, err)
	}
	checkpoint := &Checkpoint{
		Weights:        weights,
		TrainingState:  state,
		OptimizerState: r.opt,
		Metadata: Metadata{
			Model: r.model,
			RunID: r.runID,
		},
	}
	return r.saver.Save(checkpoint, filepath.Join(r.dir, name))
}
