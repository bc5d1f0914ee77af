// Command fbtrain gathers forward-backward statistics for HMM re-estimation.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "fbtrain",
	Short: "Pruned forward-backward statistics for HMM training",
	Long: `fbtrain runs the pruned forward-backward pass over a corpus and writes
the accumulated sufficient statistics.

Examples:
  # accumulate over a corpus with 8 workers
  fbtrain run --models hmm.gob --corpus train.gob --workers 8 --dump acc.msgpack

  # combine partial accumulators from several machines
  fbtrain merge --models hmm.gob -o all.msgpack part1.msgpack part2.msgpack

  # export state duration models
  fbtrain durations --models hmm.gob --acc all.msgpack --out dur.yaml`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.AddCommand(runCmd, mergeCmd, durationsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fbtrain: %v\n", err)
		os.Exit(1)
	}
}
