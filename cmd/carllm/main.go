package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:           "carllm",
	Short:         "Multi-model car diagnostics",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.AddCommand(
		startCmd,
		stopCmd,
		statusCmd,
		userCmd,
		vehicleCmd,
		chatCmd,
		diagnoseCmd,
		serviceRecordCmd,
		configCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
