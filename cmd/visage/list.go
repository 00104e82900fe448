package main

import (
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/tsawler/go-visage/models"
	"github.com/tsawler/go-visage/optim"
	"github.com/tsawler/go-visage/training"
	"github.com/tsawler/go-visage/vision/dataset"
	"github.com/tsawler/go-visage/vision/preprocessing"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List registered components",
		Args:    cobra.NoArgs,
		RunE:    ListHandler,
	}
}

func ListHandler(cmd *cobra.Command, args []string) error {
	data := [][]string{
		{"models", strings.Join(models.Names(), ", ")},
		{"optimizers", strings.Join(optim.Names(), ", ")},
		{"criteria", strings.Join(training.CriterionNames(), ", ")},
		{"datasets", strings.Join(dataset.DatasetNames(), ", ")},
		{"augmentations", strings.Join(preprocessing.AugmentationNames(), ", ")},
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"COMPONENT", "NAMES"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()

	return nil
}
