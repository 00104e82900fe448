package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tsawler/go-visage/checkpoints"
)

func newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export CHECKPOINT",
		Short: "Convert a checkpoint to an ONNX weight archive",
		Args:  cobra.ExactArgs(1),
		RunE:  ExportHandler,
	}
	cmd.Flags().StringP("output", "o", "", "destination path (default: checkpoint path with .onnx extension)")
	cmd.Flags().Bool("half", false, "store weights as float16")
	return cmd
}

func ExportHandler(cmd *cobra.Command, args []string) error {
	output, err := cmd.Flags().GetString("output")
	if err != nil {
		return err
	}
	half, err := cmd.Flags().GetBool("half")
	if err != nil {
		return err
	}

	path := args[0]
	if output == "" {
		output = strings.TrimSuffix(path, filepath.Ext(path)) + ".onnx"
	}

	checkpoint, err := checkpoints.NewSaver(checkpoints.FormatJSON).Load(path)
	if err != nil {
		return err
	}

	exporter := checkpoints.NewONNXExporter()
	exporter.SetHalfPrecision(half)
	if err := exporter.Export(checkpoint, output); err != nil {
		return err
	}

	fmt.Printf("Exported %d tensors to %s\n", len(checkpoint.Weights), output)
	return nil
}
