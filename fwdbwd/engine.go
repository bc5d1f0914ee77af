// Package fwdbwd implements the pruned forward-backward pass that turns
// one utterance (a label sequence plus observations) into expected
// sufficient statistics for HMM re-estimation.
//
// An Engine concatenates the models named by the labels into a composite
// model, runs a beam-pruned backward pass (retrying with wider beams when
// no path survives), then a forward pass restricted to the same beam that
// accumulates transition, output and duration statistics into a stats.Set.
//
// An Engine is single-threaded; RunCorpus spreads utterances over several
// engines and merges their statistics.
package fwdbwd

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/ieee0824/fbtrain/acoustic"
	"github.com/ieee0824/fbtrain/adapt"
	"github.com/ieee0824/fbtrain/internal/arena"
	"github.com/ieee0824/fbtrain/stats"
)

// Result describes one successfully processed utterance.
type Result struct {
	LogProb        float64 // backward total, log P(O | model sequence)
	ForwardLogProb float64 // forward total over the same beam
	Frames         int
	Trials         int     // backward passes run, including the successful one
	Threshold      float64 // beam threshold of the successful trial, +Inf if unpruned
}

// RunTotals are the running totals of an engine.
type RunTotals struct {
	Utterances int
	Frames     int
	LogProb    float64
	Failed     int
}

// Option configures an Engine.
type Option func(*Engine)

// WithUpdateSet accumulates into a model set other than the alignment set
// (two-model re-estimation).
func WithUpdateSet(ms *acoustic.ModelSet) Option {
	return func(e *Engine) { e.update = ms }
}

// WithStats accumulates into s instead of a fresh set. s must have been
// created for the update model set.
func WithStats(s *stats.Set) Option {
	return func(e *Engine) { e.stats = s }
}

// WithTransform applies a feature-space transform before evaluating every
// Gaussian.
func WithTransform(t adapt.Transform) Option {
	return func(e *Engine) { e.transform = t }
}

// WithAdaptAccumulator receives mean/variance observations when the adapt
// routing is replace or both.
func WithAdaptAccumulator(a adapt.Accumulator) Option {
	return func(e *Engine) { e.adaptAcc = a }
}

// WithLogger sets the logger; the default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithMetrics reports per-utterance outcomes to m.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTrialHook calls fn before every backward trial with its 0-based
// index and beam threshold.
func WithTrialHook(fn func(trial int, threshold float64)) Option {
	return func(e *Engine) { e.trialHook = fn }
}

// Engine runs forward-backward over utterances and accumulates statistics.
type Engine struct {
	cfg    Config
	upd    updates
	ladder []float64

	align, update *acoustic.ModelSet
	stats         *stats.Set
	transform     adapt.Transform
	xform         xformCache
	adaptAcc      adapt.Accumulator
	strategy      outputStrategy

	log       *slog.Logger
	metrics   *Metrics
	trialHook func(trial int, threshold float64)

	minDur      []int // by alignment HMM.Index
	contextFree map[string]bool

	// per-utterance working memory, reused across Run calls
	arena   *arena.Arena
	memo    gaussMemo
	updMemo gaussMemo
	gen     uint64
	qmax    []float64
	cols    [][]float64
	beta    [][]float64
	frames  [][][]float64
	post    []float64

	beamLo, beamHi []int
	totals         RunTotals

	cacheHits, pdeSkips int
}

// NewEngine checks cfg and the model sets and prepares an engine. Both
// model sets are finalized if they are not already.
func NewEngine(cfg Config, align *acoustic.ModelSet, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if align == nil {
		return nil, fmt.Errorf("%w: no alignment model set", ErrConfig)
	}
	e := &Engine{
		cfg:       cfg,
		upd:       cfg.updates(),
		ladder:    cfg.Pruning.Ladder(),
		align:     align,
		update:    align,
		transform: adapt.Identity{},
		log:       slog.Default(),
		arena:     arena.New(0),
	}
	for _, o := range opts {
		o(e)
	}

	for _, ms := range []*acoustic.ModelSet{e.align, e.update} {
		if !ms.Finalized() {
			if err := ms.Finalize(); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrConfig, err)
			}
		}
	}
	if err := e.checkSets(); err != nil {
		return nil, err
	}
	if cfg.Adapt != AdaptNone && e.adaptAcc == nil {
		return nil, fmt.Errorf("%w: adapt routing %q needs an adaptation accumulator", ErrConfig, cfg.Adapt)
	}
	if e.stats == nil {
		e.stats = stats.New(e.update)
	} else if e.stats.ModelSet() != e.update {
		return nil, fmt.Errorf("%w: statistics were created for another model set", ErrConfig)
	}

	if ct, ok := e.transform.(adapt.ClassTransform); ok {
		e.xform = newXformCache(ct, len(e.align.StreamWidths))
	}
	e.strategy = newStrategy(cfg.Mode)
	e.memo = newGaussMemo(len(e.align.Gaussians()))
	e.updMemo = newGaussMemo(len(e.update.Gaussians()))
	e.post = make([]float64, max(maxMix(e.align), maxMix(e.update)))

	e.minDur = make([]int, len(e.align.HMMs()))
	for _, h := range e.align.HMMs() {
		d, unreachable, ok := acoustic.MinDuration(h)
		if !ok {
			e.log.Warn("model exit is unreachable", "model", h.Name)
		} else if len(unreachable) > 0 {
			e.log.Warn("model has unreachable states", "model", h.Name, "states", unreachable)
		}
		e.minDur[h.Index] = d
	}

	if cfg.Triphone.Expand {
		e.contextFree = make(map[string]bool, len(cfg.Triphone.ContextFree))
		for _, l := range cfg.Triphone.ContextFree {
			e.contextFree[l] = true
		}
	}
	return e, nil
}

func (e *Engine) checkSets() error {
	a, u := e.align, e.update
	if len(a.StreamWidths) != len(u.StreamWidths) {
		return fmt.Errorf("%w: alignment set has %d streams, update set %d", ErrConfig, len(a.StreamWidths), len(u.StreamWidths))
	}
	for s := range a.StreamWidths {
		if a.StreamWidths[s] != u.StreamWidths[s] {
			return fmt.Errorf("%w: stream %d width %d vs %d", ErrConfig, s, a.StreamWidths[s], u.StreamWidths[s])
		}
	}
	if e.cfg.Mode == ModeSingle && a != u {
		return fmt.Errorf("%w: mode %q with a separate update set", ErrConfig, ModeSingle)
	}
	if e.cfg.PartialDistance && a.HasFullCov() {
		return fmt.Errorf("%w: partial distance elimination needs diagonal covariances", ErrConfig)
	}
	return nil
}

func maxMix(ms *acoustic.ModelSet) int {
	n := 1
	for _, st := range ms.States() {
		for _, d := range st.Streams {
			n = max(n, d.NumMix())
		}
	}
	return n
}

// ConfigurePruning replaces the pruning thresholds used by later Run calls.
func (e *Engine) ConfigurePruning(p PruningConfig) error {
	if err := p.Validate(); err != nil {
		return err
	}
	e.cfg.Pruning = p
	e.ladder = p.Ladder()
	return nil
}

// Stats returns the accumulators the engine writes to.
func (e *Engine) Stats() *stats.Set { return e.stats }

// Totals returns the running totals over all Run calls.
func (e *Engine) Totals() RunTotals { return e.totals }

// Beam returns a copy of the per-frame beam [lo[t], hi[t]] of the last
// successful utterance.
func (e *Engine) Beam() (lo, hi []int) {
	return append([]int(nil), e.beamLo...), append([]int(nil), e.beamHi...)
}

// Run processes one utterance. On error nothing is accumulated and the
// error is an *UtteranceError.
func (e *Engine) Run(u *Utterance) (Result, error) {
	res, err := e.run(u)
	if err != nil {
		e.totals.Failed++
		err = &UtteranceError{Utterance: u.Name, Err: err}
	}
	e.metrics.observe(err, res, e.meanBeam())
	return res, err
}

func (e *Engine) run(u *Utterance) (Result, error) {
	seq, T, err := e.prepare(u)
	if err != nil {
		return Result{}, err
	}

	var tr *trial
	trials := 0
	mark := e.arena.Mark()
	for k, th := range e.ladder {
		trials++
		e.arena.Release(mark)
		if e.trialHook != nil {
			e.trialHook(k, th)
		}
		if e.metrics != nil {
			e.metrics.TrialsTotal.Inc()
		}
		cand := e.newTrial(seq, T, th)
		if cand.backward() {
			tr = cand
			break
		}
		if k+1 < len(e.ladder) {
			e.log.Debug("pruning retry", "utterance", u.Name, "threshold", th, "next", e.ladder[k+1])
		}
	}
	if tr == nil {
		return Result{Trials: len(e.ladder)}, fmt.Errorf("%w (threshold %g)", ErrPruningFailed, e.ladder[len(e.ladder)-1])
	}

	fwd := tr.forward()
	if d := math.Abs(fwd - tr.logP); d > e.cfg.AgreementTolerance*max(1, math.Abs(tr.logP)) {
		e.log.Warn("forward and backward probabilities disagree",
			"utterance", u.Name, "backward", tr.logP, "forward", fwd)
	}

	e.stats.Utterances++
	e.stats.Frames += T
	e.stats.LogProb += tr.logP
	e.totals.Utterances++
	e.totals.Frames += T
	e.totals.LogProb += tr.logP
	e.beamLo = append(e.beamLo[:0], tr.qLo...)
	e.beamHi = append(e.beamHi[:0], tr.qHi...)

	return Result{
		LogProb:        tr.logP,
		ForwardLogProb: fwd,
		Frames:         T,
		Trials:         trials,
		Threshold:      tr.th,
	}, nil
}

// prepare starts a new utterance: it rewinds the arena, builds the model
// sequence and loads the frames.
func (e *Engine) prepare(u *Utterance) (*sequence, int, error) {
	e.gen++
	e.arena.Reset()

	if u.Obs == nil {
		return nil, 0, fmt.Errorf("%w: no observations", ErrObservation)
	}
	labels := u.Labels
	if e.cfg.Triphone.Expand {
		labels = acoustic.ExpandTriphones(labels, e.contextFree)
	}
	T := u.Obs.NumFrames()
	seq, err := e.buildSequence(labels, u.Segments, T, e.arena)
	if err != nil {
		return nil, 0, err
	}
	if err := e.loadFrames(u.Obs, T); err != nil {
		return nil, 0, err
	}

	e.cols = grow(e.cols, T)
	e.beta = grow(e.beta, T)
	if Q := seq.numModels(); len(e.qmax) < Q {
		e.qmax = make([]float64, Q)
	}
	return seq, T, nil
}

// newTrial allocates the per-trial tables from the arena.
func (e *Engine) newTrial(seq *sequence, T int, th float64) *trial {
	tr := &trial{
		e:    e,
		seq:  seq,
		T:    T,
		th:   th,
		qLo:  e.arena.Ints(T),
		qHi:  e.arena.Ints(T),
		base: e.arena.Ints(T),
		beta: e.beta,
	}
	tr.cache = outCache{
		e:      e,
		seq:    seq,
		frames: e.frames,
		cols:   e.cols,
		base:   tr.base,
		stride: 1 + len(e.align.StreamWidths),
	}
	return tr
}

// loadFrames fetches every frame once and checks its stream layout.
func (e *Engine) loadFrames(obs Observations, T int) error {
	widths := e.align.StreamWidths
	e.frames = grow(e.frames, T)
	for t := range T {
		x := obs.Frame(t)
		if len(x) != len(widths) {
			return fmt.Errorf("%w: frame %d has %d streams, want %d", ErrObservation, t, len(x), len(widths))
		}
		for s, w := range widths {
			if len(x[s]) != w {
				return fmt.Errorf("%w: frame %d stream %d has width %d, want %d", ErrObservation, t, s, len(x[s]), w)
			}
		}
		e.frames[t] = x
	}
	return nil
}

func (e *Engine) meanBeam() float64 {
	if len(e.beamLo) == 0 {
		return 0
	}
	sum := 0
	for t := range e.beamLo {
		sum += e.beamHi[t] - e.beamLo[t] + 1
	}
	return float64(sum) / float64(len(e.beamLo))
}

// grow returns s resized to n, reallocating only when its capacity is short.
func grow[T any](s []T, n int) []T {
	if cap(s) < n {
		return make([]T, n)
	}
	return s[:n]
}
