package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/tsawler/go-visage/checkpoints"
	"github.com/tsawler/go-visage/envconfig"
	"github.com/tsawler/go-visage/models"
	"github.com/tsawler/go-visage/optim"
	"github.com/tsawler/go-visage/rng"
	"github.com/tsawler/go-visage/training"
	"github.com/tsawler/go-visage/vision/dataloader"
	"github.com/tsawler/go-visage/vision/dataset"
	"github.com/tsawler/go-visage/vision/preprocessing"
)

// trainOptions holds every knob of one training run. The JSON form is what
// SaveRunConfig writes into the run directory.
type trainOptions struct {
	Seed           int64   `json:"seed"`
	Epochs         int     `json:"epochs"`
	Dataset        string  `json:"dataset"`
	Augmentation   string  `json:"augmentation"`
	Resize         string  `json:"resize"`
	BatchSize      int     `json:"batch_size"`
	ValidBatchSize int     `json:"valid_batch_size"`
	Model          string  `json:"model"`
	Pretrained     string  `json:"pretrained,omitempty"`
	Optimizer      string  `json:"optimizer"`
	LR             float64 `json:"lr"`
	ValRatio       float64 `json:"val_ratio"`
	Criterion      string  `json:"criterion"`
	LRDecayStep    int     `json:"lr_decay_step"`
	LogInterval    int     `json:"log_interval"`
	Name           string  `json:"name"`
	DataDir        string  `json:"data_dir"`
	ModelDir       string  `json:"model_dir"`
	OutputDir      string  `json:"output_dir"`
	Patience       int     `json:"patience"`
	CutMixProb     float64 `json:"cutmix_prob"`
	Workers        int     `json:"workers"`
	ComputeStats   bool    `json:"compute_stats"`
	DashboardURL   string  `json:"dashboard_url,omitempty"`
	NoDashboard    bool    `json:"no_dashboard"`
	ConfigFile     string  `json:"-"`
}

func defaultTrainOptions() *trainOptions {
	return &trainOptions{
		Seed:           42,
		Epochs:         100,
		Dataset:        "mask_base",
		Augmentation:   "base",
		Resize:         "128x96",
		BatchSize:      64,
		ValidBatchSize: 1000,
		Model:          "basenet",
		Optimizer:      "sgd",
		LR:             1e-3,
		ValRatio:       0.2,
		Criterion:      "cross_entropy",
		LRDecayStep:    20,
		LogInterval:    20,
		Name:           "exp",
		DataDir:        envconfig.DataDir(),
		ModelDir:       envconfig.ModelDir(),
		OutputDir:      envconfig.OutputDir(),
		Patience:       5,
		CutMixProb:     0.2,
		Workers:        int(envconfig.NumWorkers()),
	}
}

func newTrainCmd() *cobra.Command {
	opts := defaultTrainOptions()

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a face attribute model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.ConfigFile != "" {
				if err := applyConfigFile(cmd.Flags(), opts.ConfigFile); err != nil {
					return err
				}
			}
			return runTrain(cmd.Context(), opts)
		},
	}

	fs := cmd.Flags()
	fs.Int64Var(&opts.Seed, "seed", opts.Seed, "random seed for the run")
	fs.IntVar(&opts.Epochs, "epochs", opts.Epochs, "number of training epochs")
	fs.StringVar(&opts.Dataset, "dataset", opts.Dataset, "dataset type (see visage list)")
	fs.StringVar(&opts.Augmentation, "augmentation", opts.Augmentation, "augmentation pipeline (see visage list)")
	fs.StringVar(&opts.Resize, "resize", opts.Resize, "input extent as HEIGHTxWIDTH")
	fs.IntVar(&opts.BatchSize, "batch-size", opts.BatchSize, "training batch size")
	fs.IntVar(&opts.ValidBatchSize, "valid-batch-size", opts.ValidBatchSize, "validation batch size")
	fs.StringVar(&opts.Model, "model", opts.Model, "model architecture (see visage list)")
	fs.StringVar(&opts.Pretrained, "pretrained", opts.Pretrained, "torch or safetensors weight file to start from")
	fs.StringVar(&opts.Optimizer, "optimizer", opts.Optimizer, "optimizer (see visage list)")
	fs.Float64Var(&opts.LR, "lr", opts.LR, "initial learning rate")
	fs.Float64Var(&opts.ValRatio, "val-ratio", opts.ValRatio, "fraction of samples held out for validation")
	fs.StringVar(&opts.Criterion, "criterion", opts.Criterion, "per-task loss (see visage list)")
	fs.IntVar(&opts.LRDecayStep, "lr-decay-step", opts.LRDecayStep, "epochs between learning rate halvings")
	fs.IntVar(&opts.LogInterval, "log-interval", opts.LogInterval, "batches between progress lines")
	fs.StringVar(&opts.Name, "name", opts.Name, "experiment name, becomes the run directory")
	fs.StringVar(&opts.DataDir, "data-dir", opts.DataDir, "dataset root directory")
	fs.StringVar(&opts.ModelDir, "model-dir", opts.ModelDir, "directory run directories are created under")
	fs.StringVar(&opts.OutputDir, "output-dir", opts.OutputDir, "directory for auxiliary outputs")
	fs.IntVar(&opts.Patience, "patience", opts.Patience, "epochs without improvement before early stopping")
	fs.Float64Var(&opts.CutMixProb, "cutmix-prob", opts.CutMixProb, "probability of mixing each training batch")
	fs.IntVar(&opts.Workers, "workers", opts.Workers, "decode workers (0 = automatic)")
	fs.BoolVar(&opts.ComputeStats, "compute-stats", opts.ComputeStats, "estimate channel statistics from the dataset before training")
	fs.StringVar(&opts.DashboardURL, "dashboard-url", opts.DashboardURL, "metrics dashboard base URL (empty disables reporting)")
	fs.BoolVar(&opts.NoDashboard, "no-dashboard", opts.NoDashboard, "disable dashboard reporting")
	fs.StringVar(&opts.ConfigFile, "config", opts.ConfigFile, "YAML file of flag values, keyed by flag name; explicit flags win")

	return cmd
}

// applyConfigFile overlays a YAML file onto the flag set. Flags given on the
// command line keep their value; keys that match no flag are an error.
func applyConfigFile(fs *pflag.FlagSet, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var values map[string]interface{}
	if err := yaml.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	var applyErr error
	fs.VisitAll(func(f *pflag.Flag) {
		v, ok := values[f.Name]
		if !ok {
			return
		}
		delete(values, f.Name)
		if applyErr != nil || f.Changed {
			return
		}
		if err := f.Value.Set(fmt.Sprintf("%v", v)); err != nil {
			applyErr = fmt.Errorf("%s: %s: %w", path, f.Name, err)
		}
	})
	if applyErr != nil {
		return applyErr
	}

	if len(values) > 0 {
		keys := make([]string, 0, len(values))
		for k := range values {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return fmt.Errorf("%s: unknown keys %v", path, keys)
	}
	return nil
}

// parseResize splits a HEIGHTxWIDTH extent. Height leads to match the
// portrait shape of the source photographs.
func parseResize(s string) (height, width int, err error) {
	first, second, ok := strings.Cut(s, "x")
	if ok {
		height, err = strconv.Atoi(first)
		if err == nil {
			width, err = strconv.Atoi(second)
		}
	}
	if !ok || err != nil || height < 1 || width < 1 {
		return 0, 0, fmt.Errorf("invalid resize %q, want HEIGHTxWIDTH like 128x96", s)
	}
	return height, width, nil
}

func (o *trainOptions) runConfig() (map[string]interface{}, error) {
	data, err := json.Marshal(o)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func runTrain(ctx context.Context, opts *trainOptions) error {
	if opts.Epochs < 1 {
		return fmt.Errorf("epochs %d is not positive", opts.Epochs)
	}
	height, width, err := parseResize(opts.Resize)
	if err != nil {
		return err
	}

	// One seed drives the whole run. Each consumer gets its own fork so
	// the draw sequences stay stable when one component is reconfigured.
	src := rng.New(opts.Seed)
	modelSrc := src.Fork()
	splitSrc := src.Fork()
	augmentSrc := src.Fork()
	loaderSrc := src.Fork()
	mixSrc := src.Fork()

	ds, err := dataset.NewDataset(opts.Dataset, opts.DataDir)
	if err != nil {
		return err
	}
	if opts.ComputeStats {
		if _, _, err := ds.ComputeStats(0); err != nil {
			return err
		}
	}
	fmt.Print(ds)

	pipeline, err := preprocessing.NewAugmentation(opts.Augmentation, preprocessing.Config{
		Width:  width,
		Height: height,
		Mean:   ds.Mean(),
		Std:    ds.Std(),
		Source: augmentSrc,
	})
	if err != nil {
		return err
	}
	// Installed before the split so both halves share one pipeline, the
	// way the competition harness transformed before splitting.
	ds.SetTransform(pipeline)

	trainSet, valSet, err := ds.Split(opts.ValRatio, splitSrc)
	if err != nil {
		return err
	}
	fmt.Printf("Train: %d samples, valid: %d samples\n", trainSet.Len(), valSet.Len())

	trainLoader, valLoader, err := dataloader.NewSharedLoaders(trainSet, valSet, dataloader.Config{
		BatchSize: opts.BatchSize,
		DropLast:  true,
		Width:     width,
		Height:    height,
		Workers:   opts.Workers,
		Prefetch:  true,
		Source:    loaderSrc,
	}, opts.ValidBatchSize)
	if err != nil {
		return err
	}

	tasks, err := training.DefaultTasks(opts.Criterion)
	if err != nil {
		return err
	}
	criterion, err := training.NewMultiTaskLoss(tasks)
	if err != nil {
		return err
	}

	model, err := models.New(opts.Model, models.Config{
		NumClasses: criterion.OutputWidth(),
		Width:      width,
		Height:     height,
		Source:     modelSrc,
	})
	if err != nil {
		return err
	}
	if opts.Pretrained != "" {
		weights, err := models.LoadTorchWeights(opts.Pretrained)
		if err != nil {
			return err
		}
		if err := models.ApplyPretrained(model, weights); err != nil {
			return err
		}
		fmt.Printf("Loaded pretrained weights from %s\n", opts.Pretrained)
	}

	ocfg := optim.DefaultConfig()
	ocfg.LR = opts.LR
	optimizer, err := optim.New(opts.Optimizer, model.Parameters(), ocfg)
	if err != nil {
		return err
	}

	var mixer *training.CutMix
	if opts.CutMixProb > 0 {
		if mixer, err = training.NewCutMix(opts.CutMixProb, mixSrc); err != nil {
			return err
		}
	}

	runDir, err := training.IncrementPath(filepath.Join(opts.ModelDir, opts.Name))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return err
	}
	if opts.OutputDir != "" {
		if err := os.MkdirAll(opts.OutputDir, 0755); err != nil {
			return err
		}
	}
	if err := training.SaveRunConfig(runDir, opts); err != nil {
		return err
	}
	fmt.Printf("Run directory: %s\n", runDir)

	runConfig, err := opts.runConfig()
	if err != nil {
		return err
	}

	dcfg := training.DefaultDashboardConfig()
	dcfg.BaseURL = opts.DashboardURL
	dash := training.NewDashboard(dcfg)
	if opts.NoDashboard {
		dash.Disable()
	}
	if err := dash.Init(ctx, "go-visage", filepath.Base(runDir), runConfig); err != nil {
		slog.Warn("dashboard unreachable, continuing without it", "error", err)
		dash.Disable()
	}

	runID := dash.RunID()
	if runID == "" {
		runID = uuid.New().String()
	}
	saver := checkpoints.NewRunSaver(runDir, runID, opts.Model)
	saver.SetOptimizerState(&checkpoints.OptimizerState{
		Type: opts.Optimizer,
		Parameters: map[string]interface{}{
			"lr":           opts.LR,
			"momentum":     ocfg.Momentum,
			"weight_decay": ocfg.WeightDecay,
		},
	})

	curves := training.NewCurveRecorder()

	trainer := training.NewTrainer(model, optimizer, criterion, training.TrainerConfig{
		Epochs:      opts.Epochs,
		LogInterval: opts.LogInterval,
		Patience:    opts.Patience,
		BaseLR:      opts.LR,
		Scheduler:   training.NewStepLRScheduler(opts.LRDecayStep, 0.5),
		CutMix:      mixer,
		Checkpoints: saver,
		Dashboard:   dash,
		Curves:      curves,
	})

	if err := trainer.Train(ctx, trainLoader, valLoader); err != nil {
		return err
	}

	if curves.Len() >= 2 {
		if err := curves.RenderPNG(filepath.Join(runDir, "curves.png")); err != nil {
			slog.Warn("could not render loss curves", "error", err)
		}
	}

	fmt.Printf("Done. Best accuracy %.2f%%, artifacts in %s\n", trainer.BestAccuracy()*100, runDir)
	return nil
}
