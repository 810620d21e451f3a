package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/joeycumines/logiface"
	"github.com/spf13/cobra"

	"github.com/Pam-La/lakesched"
)

var (
	verbose bool
	jsonOut bool
)

var rootCmd = &cobra.Command{
	Use:   "lakestress",
	Short: "Stress the lakesched fiber scheduler",
	Long: `lakestress runs synthetic workloads on the scheduler and verifies its
invariants: every submitted item executes exactly once, a fiber waiting on a
chain resumes only after the whole chain finished, and scoped arena memory is
returned to the block map.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log scheduler events at debug level")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Print the report as JSON")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func logger() *lakesched.Logger {
	level := logiface.LevelWarning
	if verbose {
		level = logiface.LevelDebug
	}
	return lakesched.NewLogger(os.Stderr, level)
}

func printJSON(v any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
