package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/ieee0824/fbtrain/acoustic"
	"github.com/ieee0824/fbtrain/stats"
)

var durFlags struct {
	models       string
	acc          string
	out          string
	floorPercent float64
	floorAbs     float64
}

var durationsCmd = &cobra.Command{
	Use:   "durations",
	Short: "Export per-state duration models from an accumulator dump",
	RunE:  runDurations,
}

func init() {
	f := durationsCmd.Flags()
	f.StringVar(&durFlags.models, "models", "", "model set (gob)")
	f.StringVar(&durFlags.acc, "acc", "", "accumulator dump (msgpack)")
	f.StringVar(&durFlags.out, "out", "", "output yaml (default stdout)")
	f.Float64Var(&durFlags.floorPercent, "floor-percent", 0, "variance floor as a percentage of the global variance")
	f.Float64Var(&durFlags.floorAbs, "floor-abs", 0, "absolute variance floor")
	_ = durationsCmd.MarkFlagRequired("models")
	_ = durationsCmd.MarkFlagRequired("acc")
}

func runDurations(cmd *cobra.Command, _ []string) error {
	ms, err := acoustic.LoadFile(durFlags.models)
	if err != nil {
		return fmt.Errorf("load models: %w", err)
	}
	s, err := loadStats(durFlags.acc, ms)
	if err != nil {
		return err
	}
	floor := stats.Floor{Percent: durFlags.floorPercent, Absolute: durFlags.floorAbs}
	write := func(w io.Writer) error { return s.WriteDurations(w, floor) }
	if durFlags.out == "" {
		return write(cmd.OutOrStdout())
	}
	return writeFile(durFlags.out, write)
}

