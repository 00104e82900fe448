package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-visage/checkpoints"
)

func TestExportCmd(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "best.pth")

	checkpoint := &checkpoints.Checkpoint{
		Weights: []checkpoints.WeightTensor{
			{Name: "param_0", Shape: []int{2, 2}, Data: []float32{1, -2, 3.5, 4}},
			{Name: "param_1", Shape: []int{2}, Data: []float32{0.5, -0.5}},
		},
		TrainingState: checkpoints.TrainingState{Epoch: 3, LearningRate: 1e-3},
		Metadata:      checkpoints.Metadata{Model: "basenet"},
	}
	require.NoError(t, checkpoints.NewSaver(checkpoints.FormatJSON).Save(checkpoint, src))

	t.Run("ExplicitOutput", func(t *testing.T) {
		out := filepath.Join(dir, "model.onnx")

		cmd := newExportCmd()
		cmd.SetArgs([]string{src, "--output", out})
		require.NoError(t, cmd.Execute())

		imported, err := checkpoints.NewONNXImporter().Import(out)
		require.NoError(t, err)
		require.Len(t, imported.Weights, 2)
		require.Empty(t, cmp.Diff(checkpoint.Weights[0].Data, imported.Weights[0].Data))
		require.Equal(t, checkpoint.Weights[1].Shape, imported.Weights[1].Shape)
	})

	t.Run("DefaultOutput", func(t *testing.T) {
		cmd := newExportCmd()
		cmd.SetArgs([]string{src, "--half"})
		require.NoError(t, cmd.Execute())

		_, err := os.Stat(filepath.Join(dir, "best.onnx"))
		require.NoError(t, err)
	})

	t.Run("MissingCheckpoint", func(t *testing.T) {
		cmd := newExportCmd()
		cmd.SetArgs([]string{filepath.Join(dir, "absent.pth")})
		require.Error(t, cmd.Execute())
	})
}
