package main

import (
	"fmt"
	"os"

	"github.com/coderunr/cprunner/cli/cmd"
	"github.com/spf13/cobra"
)

var (
	version = "1.0.0"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "cprunner",
		Short:   "cprunner CLI - compile, run and judge competitive programming solutions",
		Long:    `A command line client for the cprunner bridge.`,
		Version: fmt.Sprintf("%s (%s) built at %s", version, commit, date),
	}

	// Global flags
	rootCmd.PersistentFlags().StringP("url", "u", "http://127.0.0.1:2000", "cprunner bridge URL")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose output")

	rootCmd.AddCommand(
		cmd.NewCompileCommand(),
		cmd.NewRunCommand(),
		cmd.NewJudgeCommand(),
		cmd.NewToolchainCommand(),
		cmd.NewIngestCommand(),
		cmd.NewVersionCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
