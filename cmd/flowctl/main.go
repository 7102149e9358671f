// flowctl validates and runs workflow documents locally, without a server
// or database.
//
// Usage:
//
//	flowctl [--json] <command> [flags]
//
// Commands:
//
//	validate FILE   check a workflow document
//	run FILE        execute a workflow and print its results
//	node-types      list the registered node kinds
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"workflow-engine/pkg/telemetry"
)

// version is set with ldflags at build time.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var jsonOutput bool

	rootCmd := &cobra.Command{
		Use:           "flowctl",
		Short:         "flowctl - validate and run workflow graphs",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			telemetry.NewLogger(cmd.ErrOrStderr(), "text", telemetry.LogLevel())
		},
	}
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	outputFn := func(cmd *cobra.Command) *Output {
		return NewOutput(cmd.OutOrStdout(), cmd.ErrOrStderr(), jsonOutput)
	}

	rootCmd.AddCommand(
		newValidateCmd(outputFn),
		newRunCmd(outputFn),
		newNodeTypesCmd(outputFn),
	)
	return rootCmd
}
