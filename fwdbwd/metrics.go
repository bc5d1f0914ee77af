package fwdbwd

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "fbtrain"
	metricsSubsystem = "fwdbwd"
)

// Metrics are the engine's prometheus collectors. One Metrics value may be
// shared by several engines.
type Metrics struct {
	// UtterancesTotal counts processed utterances.
	// Labels: outcome (ok, pruned, too_short, bad_segments, error)
	UtterancesTotal *prometheus.CounterVec

	// TrialsTotal counts backward-pass trials including the first.
	TrialsTotal prometheus.Counter

	// FramesTotal counts frames of successfully processed utterances.
	FramesTotal prometheus.Counter

	// LogProbPerFrame observes the average log-likelihood per frame.
	LogProbPerFrame prometheus.Histogram

	// BeamWidth observes the mean number of active models per frame.
	BeamWidth prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		UtterancesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "utterances_total",
			Help:      "Utterances processed by outcome",
		}, []string{"outcome"}),
		TrialsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "trials_total",
			Help:      "Backward-pass pruning trials",
		}),
		FramesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "frames_total",
			Help:      "Frames of successfully processed utterances",
		}),
		LogProbPerFrame: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "log_prob_per_frame",
			Help:      "Average log-likelihood per frame",
			Buckets:   prometheus.LinearBuckets(-150, 10, 16),
		}),
		BeamWidth: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "beam_width_models",
			Help:      "Mean number of active models per frame",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrPruningFailed):
		return "pruned"
	case errors.Is(err, ErrTooShort):
		return "too_short"
	case errors.Is(err, ErrBadSegments):
		return "bad_segments"
	}
	return "error"
}

func (m *Metrics) observe(err error, res Result, beamWidth float64) {
	if m == nil {
		return
	}
	m.UtterancesTotal.WithLabelValues(outcome(err)).Inc()
	if err != nil || res.Frames == 0 {
		return
	}
	m.FramesTotal.Add(float64(res.Frames))
	m.LogProbPerFrame.Observe(res.LogProb / float64(res.Frames))
	m.BeamWidth.Observe(beamWidth)
}
