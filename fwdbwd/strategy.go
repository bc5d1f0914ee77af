package fwdbwd

import (
	"github.com/ieee0824/fbtrain/acoustic"
	"github.com/ieee0824/fbtrain/internal/mathutil"
	"github.com/ieee0824/fbtrain/stats"
)

// outputStrategy distributes the occupancy of an emitting state over the
// mixture components of the update model. posteriors writes one log
// posterior per update component into post (LogZero for components that
// receive nothing) and returns it.
type outputStrategy interface {
	posteriors(tr *trial, t, q, j, s int, logOcc float64, post []float64) []float64
}

func newStrategy(m Mode) outputStrategy {
	switch m {
	case ModeModel:
		return modelStrategy{}
	case ModeComponent:
		return componentStrategy{}
	}
	return singleStrategy{}
}

// alignPosteriors computes L(m) = γ + log c_m + log N_m(x) - log b_s(x) for
// the alignment mixture of stream s.
func alignPosteriors(tr *trial, t, q, j, s int, logOcc float64, post []float64) []float64 {
	gmm, ok := tr.seq.align[q].States[j].Streams[s].(*acoustic.GMM)
	if !ok {
		return post[:0]
	}
	post = post[:len(gmm.Components)]
	bs := tr.cache.streamProb(t, q, j, s)
	x := tr.cache.frames[t][s]
	for m := range gmm.Components {
		c := &gmm.Components[m]
		if c.LogWeight < acoustic.LogMinMixWeight {
			post[m] = mathutil.LogZero
			continue
		}
		post[m] = logOcc + c.LogWeight + tr.e.compLogProb(&tr.e.memo, c.Gauss, s, x, t) - bs
	}
	return post
}

type singleStrategy struct{}

func (singleStrategy) posteriors(tr *trial, t, q, j, s int, logOcc float64, post []float64) []float64 {
	return alignPosteriors(tr, t, q, j, s, logOcc, post)
}

// componentStrategy assumes component m of the alignment mixture
// corresponds to component m of the update mixture.
type componentStrategy struct{}

func (componentStrategy) posteriors(tr *trial, t, q, j, s int, logOcc float64, post []float64) []float64 {
	return alignPosteriors(tr, t, q, j, s, logOcc, post)
}

// modelStrategy keeps the alignment state occupancy but splits it using the
// update model's own mixture.
type modelStrategy struct{}

func (modelStrategy) posteriors(tr *trial, t, q, j, s int, logOcc float64, post []float64) []float64 {
	e := tr.e
	gmm, ok := tr.seq.update[q].States[j].Streams[s].(*acoustic.GMM)
	if !ok {
		return post[:0]
	}
	post = post[:len(gmm.Components)]
	x := tr.cache.frames[t][s]
	bs := e.streamLogProb(&e.updMemo, gmm, s, x, t, false)
	for m := range gmm.Components {
		c := &gmm.Components[m]
		if mathutil.IsZero(bs) || c.LogWeight < acoustic.LogMinMixWeight {
			post[m] = mathutil.LogZero
			continue
		}
		post[m] = logOcc + c.LogWeight + e.compLogProb(&e.updMemo, c.Gauss, s, x, t) - bs
	}
	return post
}

// addOutput accumulates the output statistics of emitting state j of
// instance q at frame t, which holds occupancy occ = exp(logOcc).
func (tr *trial) addOutput(t, q, j int, logOcc, occ float64) {
	e := tr.e
	st := tr.seq.update[q].States[j]
	sacc := &e.stats.States[st.ID]
	sacc.Occ += occ
	if !e.upd.weights && !e.upd.means && !e.upd.vars {
		return
	}
	x := tr.cache.frames[t]
	for s, d := range st.Streams {
		switch dist := d.(type) {
		case *acoustic.Discrete:
			if sym := dist.Symbol(x[s]); e.upd.weights && sym >= 0 {
				sacc.Streams[s].Weights[sym] += occ
			}
		case *acoustic.GMM:
			if len(dist.Components) == 1 {
				e.addMix(sacc, s, 0, dist.Components[0].Gauss, occ, x[s], t)
				continue
			}
			post := e.strategy.posteriors(tr, t, q, j, s, logOcc, e.post)
			for m, lp := range post {
				if m >= len(dist.Components) || lp <= e.cfg.Pruning.MinForwardProb {
					continue
				}
				if w := mathutil.Occupancy(lp); w > 0 {
					e.addMix(sacc, s, m, dist.Components[m].Gauss, w, x[s], t)
				}
			}
		}
	}
}

// addMix adds observation x with weight w to component m of stream s and
// to its Gaussian, routing mean/variance data per the adaptation mode.
func (e *Engine) addMix(sacc *stats.StateAcc, s, m int, g *acoustic.Gaussian, w float64, x []float64, t int) {
	if e.upd.weights {
		sacc.Streams[s].Weights[m] += w
	}
	if !e.upd.means && !e.upd.vars {
		return
	}
	y, _ := e.transformed(g, s, x, t)
	if e.cfg.Adapt != AdaptReplace {
		gacc := &e.stats.Gauss[g.ID]
		if g.Kind == acoustic.FullCov {
			gacc.AddFull(w, y, g.Mean)
		} else {
			gacc.AddDiag(w, y, g.Mean)
		}
	}
	if e.cfg.Adapt != AdaptNone {
		e.adaptAcc.Accumulate(g, y, w, t)
	}
}
