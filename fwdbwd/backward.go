package fwdbwd

import (
	"math"

	"github.com/ieee0824/fbtrain/internal/mathutil"
)

// trial is one attempt at a pruning threshold. Everything it allocates
// comes from the engine arena after the utterance mark, so a failed trial
// is discarded by releasing to that mark.
//
// Cell layout: instance q occupies states stateOff[q] .. stateOff[q+1]-1 of
// the composite model. Column t semantics:
//
//	entry  (q,0)   q is entered and its next emission is frame t
//	emit   (q,j)   frame t is emitted by state j of q
//	exit   (q,N-1) q is left after emitting frame t
//
// A tee instance q (non-zero entry->exit) may also be skipped between two
// frames. The skip never lives in q's own cells: it is carried by the exit
// of q-1 in the backward pass and the entry of q+1 in the forward pass,
// which is what allows q to fall out of the beam without losing the path.
type trial struct {
	e     *Engine
	seq   *sequence
	T     int
	th    float64
	cache outCache

	qLo, qHi []int       // beam per frame, inclusive
	base     []int       // stateOff of the first instance stored in beta[t]
	beta     [][]float64 // per frame, covering the provisional beam

	logP float64
}

func (tr *trial) betaAt(t, q, j int) float64 {
	if t >= tr.T || q < tr.qLo[t] || q > tr.qHi[t] {
		return mathutil.LogZero
	}
	return tr.beta[t][tr.seq.stateOff[q]-tr.base[t]+j]
}

// backward computes beta columns from T-1 down to 0 and reports whether a
// non-zero total probability survived the beam.
func (tr *trial) backward() bool {
	seq, T := tr.seq, tr.T
	Q := seq.numModels()
	pruned := !math.IsInf(tr.th, 1)
	qmax := tr.e.qmax[:Q]

	for t := T - 1; t >= 0; t-- {
		lo, hi := 0, Q-1
		if t < T-1 {
			// one instance may be left between t and t+1, plus a skipped tee
			hi = tr.qHi[t+1]
			lo = tr.qLo[t+1] - 1
			if lo >= 0 && seq.isTee(lo) {
				lo--
			}
			lo = max(lo, 0)
		}
		if pruned {
			lo = max(lo, seq.minQ(t, T))
			hi = min(hi, seq.maxQ(t))
		}
		for lo <= hi && !seq.cellOK(lo, t) {
			lo++
		}
		for hi >= lo && !seq.cellOK(hi, t) {
			hi--
		}
		if lo > hi {
			return false
		}

		tr.qLo[t], tr.qHi[t] = lo, hi
		tr.base[t] = seq.stateOff[lo]
		tr.beta[t] = tr.e.arena.FloatsFill(seq.stateOff[hi+1]-seq.stateOff[lo], mathutil.LogZero)
		tr.cache.open(t, lo, hi)

		colMax := mathutil.LogZero
		for q := hi; q >= lo; q-- {
			m := tr.betaModel(t, q)
			qmax[q] = m
			if m > colMax {
				colMax = m
			}
		}
		if mathutil.IsZero(colMax) {
			return false
		}

		if pruned {
			floor := colMax - tr.th
			for lo < hi && qmax[lo] < floor {
				lo++
			}
			for hi > lo && qmax[hi] < floor {
				hi--
			}
			tr.qLo[t], tr.qHi[t] = lo, hi
		}
	}

	tr.logP = tr.betaAt(0, 0, 0)
	return !mathutil.IsZero(tr.logP)
}

// betaModel fills the cells of instance q in column t and returns their
// maximum.
func (tr *trial) betaModel(t, q int) float64 {
	seq := tr.seq
	if !seq.cellOK(q, t) {
		return mathutil.LogZero
	}
	h := seq.align[q]
	N := h.NumStates()
	A := h.TransLog
	off := seq.stateOff[q] - tr.base[t]
	b := tr.beta[t][off : off+N]
	last := seq.numModels() - 1

	// exit: enter q+1 at t+1, or skip a tee q+1 and enter q+2 at t+1
	x := mathutil.LogZero
	switch {
	case q == last:
		if t == tr.T-1 {
			x = 0
		}
	case t+1 < tr.T:
		x = tr.betaAt(t+1, q+1, 0)
		if seq.isTee(q+1) && seq.skipOK(q+1, t+1) {
			if nb := tr.betaAt(t+1, q+2, 0); !mathutil.IsZero(nb) {
				x = mathutil.LogAdd(x, seq.tee(q+1)+nb)
			}
		}
	}
	b[N-1] = x
	best := x

	// emitting: leave to the exit now, or move within q at t+1
	for i := 1; i < N-1; i++ {
		v := mathutil.LogZero
		if !mathutil.IsZero(x) && !mathutil.IsZero(A[i][N-1]) {
			v = A[i][N-1] + x
		}
		if t+1 < tr.T {
			for j := 1; j < N-1; j++ {
				if mathutil.IsZero(A[i][j]) {
					continue
				}
				bn := tr.betaAt(t+1, q, j)
				if mathutil.IsZero(bn) {
					continue
				}
				v = mathutil.LogAdd(v, A[i][j]+tr.cache.prob(t+1, q, j)+bn)
			}
		}
		if mathutil.IsZero(v) {
			v = mathutil.LogZero
		}
		b[i] = v
		if v > best {
			best = v
		}
	}

	// entry: emit frame t from the first state reached
	v := mathutil.LogZero
	for j := 1; j < N-1; j++ {
		if mathutil.IsZero(A[0][j]) || mathutil.IsZero(b[j]) {
			continue
		}
		v = mathutil.LogAdd(v, A[0][j]+tr.cache.prob(t, q, j)+b[j])
	}
	if mathutil.IsZero(v) {
		v = mathutil.LogZero
	}
	b[0] = v
	if v > best {
		best = v
	}
	return best
}
