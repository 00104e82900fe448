package main

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/tsawler/go-visage/envconfig"
)

// NewCLI builds the visage command tree.
func NewCLI() *cobra.Command {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "visage",
		Short:         "Face attribute training harness",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Print(cmd.UsageString())
		},
	}

	trainCmd := newTrainCmd()
	listCmd := newListCmd()
	exportCmd := newExportCmd()

	vars := envconfig.AsMap()
	appendEnvDocs(trainCmd, []envconfig.EnvVar{
		vars["SM_CHANNEL_TRAIN"],
		vars["SM_MODEL_DIR"],
		vars["VISAGE_NUM_WORKERS"],
		vars["VISAGE_DEBUG"],
	})

	rootCmd.AddCommand(trainCmd, listCmd, exportCmd)
	return rootCmd
}

func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-24s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}
