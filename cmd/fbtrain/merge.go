package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ieee0824/fbtrain/acoustic"
	"github.com/ieee0824/fbtrain/stats"
)

var mergeFlags struct {
	models string
	out    string
}

var mergeCmd = &cobra.Command{
	Use:   "merge [flags] acc...",
	Short: "Sum accumulator dumps gathered with the same model set",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runMerge,
}

func init() {
	mergeCmd.Flags().StringVar(&mergeFlags.models, "models", "", "model set the dumps were gathered with (gob)")
	mergeCmd.Flags().StringVarP(&mergeFlags.out, "out", "o", "", "merged dump (msgpack)")
	_ = mergeCmd.MarkFlagRequired("models")
	_ = mergeCmd.MarkFlagRequired("out")
}

func runMerge(cmd *cobra.Command, args []string) error {
	ms, err := acoustic.LoadFile(mergeFlags.models)
	if err != nil {
		return fmt.Errorf("load models: %w", err)
	}
	total := stats.New(ms)
	for _, path := range args {
		s, err := loadStats(path, ms)
		if err != nil {
			return err
		}
		if err := total.Merge(s); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		slog.Debug("merged", "file", path, "utterances", s.Utterances, "frames", s.Frames)
	}
	slog.Info("merge done", "files", len(args), "utterances", total.Utterances, "frames", total.Frames)
	return writeFile(mergeFlags.out, total.Save)
}

func loadStats(path string, ms *acoustic.ModelSet) (*stats.Set, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	s, err := stats.Load(f, ms)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}
