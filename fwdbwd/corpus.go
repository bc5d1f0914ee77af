package fwdbwd

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/ieee0824/fbtrain/acoustic"
	"github.com/ieee0824/fbtrain/stats"
)

// CorpusResult summarises a RunCorpus call.
type CorpusResult struct {
	Stats  *stats.Set
	Totals RunTotals
	Failed []error // one *UtteranceError per skipped utterance, in no particular order
}

// RunCorpus processes utts on workers engines in parallel. Every worker
// owns its engine and statistics; the statistics are merged when all
// utterances are done. Per-utterance failures are logged and collected,
// never returned as the error.
//
// Options are applied to every worker engine, so a logger, metrics or
// trial hook passed here must be safe for concurrent use. WithStats is
// ignored. Adaptation routing needs a single worker.
func RunCorpus(ctx context.Context, cfg Config, align *acoustic.ModelSet, utts []*Utterance, workers int, opts ...Option) (*CorpusResult, error) {
	if workers <= 0 {
		workers = 1
	}
	workers = min(workers, max(len(utts), 1))
	if cfg.Adapt != AdaptNone && workers > 1 {
		return nil, fmt.Errorf("%w: adapt routing %q with %d workers", ErrConfig, cfg.Adapt, workers)
	}

	own := append(append([]Option(nil), opts...), func(e *Engine) { e.stats = nil })
	engines := make([]*Engine, workers)
	for i := range engines {
		e, err := NewEngine(cfg, align, own...)
		if err != nil {
			return nil, err
		}
		engines[i] = e
	}
	log := engines[0].log

	jobs := make(chan *Utterance)
	failed := make([][]error, workers)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(jobs)
		for _, u := range utts {
			if err := gctx.Err(); err != nil {
				return err
			}
			select {
			case jobs <- u:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})
	for i, e := range engines {
		g.Go(func() error {
			for u := range jobs {
				res, err := e.Run(u)
				if err != nil {
					level := slog.LevelError
					if Recoverable(err) {
						level = slog.LevelWarn
					}
					log.Log(gctx, level, "utterance skipped", "utterance", u.Name, "error", err)
					failed[i] = append(failed[i], err)
					continue
				}
				log.Debug("utterance done", "utterance", u.Name, "frames", res.Frames,
					"log_prob", res.LogProb, "trials", res.Trials)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := &CorpusResult{Stats: engines[0].stats}
	for i, e := range engines {
		if i > 0 {
			if err := out.Stats.Merge(e.stats); err != nil {
				return nil, err
			}
		}
		t := e.Totals()
		out.Totals.Utterances += t.Utterances
		out.Totals.Frames += t.Frames
		out.Totals.LogProb += t.LogProb
		out.Totals.Failed += t.Failed
		out.Failed = append(out.Failed, failed[i]...)
	}
	log.Info("corpus done", "utterances", out.Totals.Utterances, "failed", out.Totals.Failed,
		"frames", out.Totals.Frames, "log_prob", out.Totals.LogProb)
	return out, nil
}
