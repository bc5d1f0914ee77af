package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ieee0824/fbtrain/acoustic"
	"github.com/ieee0824/fbtrain/adapt"
	"github.com/ieee0824/fbtrain/corpus"
	"github.com/ieee0824/fbtrain/fwdbwd"
	"github.com/ieee0824/fbtrain/stats"
)

var runFlags struct {
	models      string
	alignModels string
	config      string
	corpus      string
	workers     int
	dump        string
	durations   string
	deltas      int
	cmn         bool
	adaptOut    string
	metricsAddr string
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Accumulate statistics over a corpus",
	RunE:  runRun,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlags.models, "models", "", "model set to accumulate into (gob)")
	f.StringVar(&runFlags.alignModels, "align-models", "", "separate alignment model set (gob); enables two-model mode")
	f.StringVar(&runFlags.config, "config", "", "engine config (yaml)")
	f.StringVar(&runFlags.corpus, "corpus", "", "utterance archive (gob)")
	f.IntVar(&runFlags.workers, "workers", 1, "parallel engines")
	f.StringVar(&runFlags.dump, "dump", "", "write accumulators here (msgpack)")
	f.StringVar(&runFlags.durations, "durations", "", "write state duration models here (yaml)")
	f.IntVar(&runFlags.deltas, "deltas", 0, "append delta and delta-delta streams with this window (0 = off)")
	f.BoolVar(&runFlags.cmn, "cmn", false, "subtract the corpus mean from every frame (single-stream sets only)")
	f.StringVar(&runFlags.adaptOut, "adapt-out", "", "write per-Gaussian adaptation statistics here (yaml); needs adapt != none")
	f.StringVar(&runFlags.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address while running")
	_ = runCmd.MarkFlagRequired("models")
	_ = runCmd.MarkFlagRequired("corpus")
}

func runRun(cmd *cobra.Command, _ []string) error {
	log := slog.Default()

	cfg := fwdbwd.DefaultConfig()
	if runFlags.config != "" {
		var err error
		if cfg, err = fwdbwd.LoadConfig(runFlags.config); err != nil {
			return err
		}
	}

	update, err := acoustic.LoadFile(runFlags.models)
	if err != nil {
		return fmt.Errorf("load models: %w", err)
	}
	align := update
	var opts []fwdbwd.Option
	if runFlags.alignModels != "" {
		if align, err = acoustic.LoadFile(runFlags.alignModels); err != nil {
			return fmt.Errorf("load alignment models: %w", err)
		}
		opts = append(opts, fwdbwd.WithUpdateSet(update))
	}

	recs, err := corpus.LoadFile(runFlags.corpus)
	if err != nil {
		return fmt.Errorf("load corpus: %w", err)
	}
	if runFlags.deltas > 0 {
		for i := range recs {
			if err := recs[i].AddDeltaStreams(0, runFlags.deltas); err != nil {
				return err
			}
		}
	}
	if runFlags.cmn {
		tr, err := corpusMean(recs, update.NumStreams())
		if err != nil {
			return err
		}
		opts = append(opts, fwdbwd.WithTransform(tr))
	}
	var adaptStats *adapt.MeanStats
	if cfg.Adapt != fwdbwd.AdaptNone {
		adaptStats = adapt.NewMeanStats(update)
		opts = append(opts, fwdbwd.WithAdaptAccumulator(adaptStats))
	}
	log.Info("loaded", "models", len(update.HMMs()), "utterances", len(recs), "streams", update.NumStreams())

	reg := prometheus.NewRegistry()
	opts = append(opts, fwdbwd.WithLogger(log), fwdbwd.WithMetrics(fwdbwd.NewMetrics(reg)))
	if runFlags.metricsAddr != "" {
		srv := &http.Server{Addr: runFlags.metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server", "error", err)
			}
		}()
		defer srv.Close()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	res, err := fwdbwd.RunCorpus(ctx, cfg, align, corpus.Utterances(recs), runFlags.workers, opts...)
	if err != nil {
		return err
	}
	if res.Totals.Utterances == 0 {
		return fmt.Errorf("no utterance could be processed (%d failed)", res.Totals.Failed)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "utterances %d failed %d frames %d avg log prob/frame %.4f\n",
		res.Totals.Utterances, res.Totals.Failed, res.Totals.Frames,
		res.Totals.LogProb/float64(res.Totals.Frames))

	if runFlags.dump != "" {
		if err := writeFile(runFlags.dump, res.Stats.Save); err != nil {
			return fmt.Errorf("dump accumulators: %w", err)
		}
	}
	if runFlags.durations != "" {
		err := writeFile(runFlags.durations, func(w io.Writer) error {
			return res.Stats.WriteDurations(w, stats.Floor{})
		})
		if err != nil {
			return fmt.Errorf("write durations: %w", err)
		}
	}
	if runFlags.adaptOut != "" {
		if adaptStats == nil {
			return fmt.Errorf("--adapt-out needs adapt routing replace or both")
		}
		err := writeFile(runFlags.adaptOut, func(w io.Writer) error {
			return writeAdaptStats(w, update, adaptStats)
		})
		if err != nil {
			return fmt.Errorf("write adaptation statistics: %w", err)
		}
	}
	return nil
}

func corpusMean(recs []corpus.Record, streams int) (*adapt.Linear, error) {
	if streams != 1 {
		return nil, fmt.Errorf("--cmn needs a single-stream model set, got %d streams", streams)
	}
	var frames [][]float64
	for _, r := range recs {
		for _, f := range r.Frames {
			frames = append(frames, f[0])
		}
	}
	return adapt.MeanOffset(frames)
}

type adaptEntry struct {
	Gaussian  int       `yaml:"gaussian"`
	Occupancy float64   `yaml:"occupancy"`
	Mean      []float64 `yaml:"mean,flow"`
}

func writeAdaptStats(w io.Writer, ms *acoustic.ModelSet, m *adapt.MeanStats) error {
	var out []adaptEntry
	for _, g := range ms.Gaussians() {
		if occ := m.Occupancy(g.ID); occ > 0 {
			out = append(out, adaptEntry{Gaussian: g.ID, Occupancy: occ, Mean: m.Mean(g.ID)})
		}
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(out); err != nil {
		return err
	}
	return enc.Close()
}

func writeFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
