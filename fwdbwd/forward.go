package fwdbwd

import (
	"github.com/ieee0824/fbtrain/internal/mathutil"
)

// alphaRing keeps the current and previous alpha columns, selected by the
// parity of t. Each column spans the whole composite model; only the beam
// of its frame is valid.
type alphaRing struct {
	buf [2][]float64
}

func (r *alphaRing) col(t int) []float64 { return r.buf[t&1] }

func (tr *trial) alphaAt(ring *alphaRing, t, q, j int) float64 {
	if t < 0 || q < tr.qLo[t] || q > tr.qHi[t] {
		return mathutil.LogZero
	}
	return ring.col(t)[tr.seq.stateOff[q]+j]
}

// durTally holds per-instance expected state entries and occupancies for
// the duration statistics, in the linear domain.
type durTally struct {
	entries []float64
	occ     []float64
}

// forward computes alpha columns over the final beam, accumulating
// statistics as it goes, and returns the forward total log-probability.
// Alpha is only kept where beta is non-zero so both passes cover exactly
// the same paths.
func (tr *trial) forward() float64 {
	seq := tr.seq
	a := tr.e.arena
	total := seq.stateOff[seq.numModels()]
	ring := &alphaRing{buf: [2][]float64{a.Floats(total), a.Floats(total)}}

	var dur *durTally
	if tr.e.upd.durs {
		dur = &durTally{entries: a.FloatsFill(total, 0), occ: a.FloatsFill(total, 0)}
	}

	for t := 0; t < tr.T; t++ {
		cur := ring.col(t)
		lo, hi := tr.qLo[t], tr.qHi[t]
		for k := seq.stateOff[lo]; k < seq.stateOff[hi+1]; k++ {
			cur[k] = mathutil.LogZero
		}
		for q := lo; q <= hi; q++ {
			tr.alphaModel(ring, t, q)
			tr.accumulate(ring, t, q, dur)
		}
	}

	if dur != nil {
		tr.flushDurations(dur)
	}
	last := seq.numModels() - 1
	return tr.alphaAt(ring, tr.T-1, last, seq.align[last].NumStates()-1)
}

func (tr *trial) alphaModel(ring *alphaRing, t, q int) {
	seq := tr.seq
	if !seq.cellOK(q, t) {
		return
	}
	h := seq.align[q]
	N := h.NumStates()
	A := h.TransLog
	off := seq.stateOff[q]
	al := ring.col(t)[off : off+N]

	// entry: q-1 left after frame t-1, or q-2 left and tee q-1 was skipped
	v := mathutil.LogZero
	switch {
	case t == 0:
		if q == 0 {
			v = 0
		}
	case q > 0:
		v = tr.alphaAt(ring, t-1, q-1, seq.align[q-1].NumStates()-1)
		if q >= 2 && seq.isTee(q-1) && seq.skipOK(q-1, t) {
			if pa := tr.alphaAt(ring, t-1, q-2, seq.align[q-2].NumStates()-1); !mathutil.IsZero(pa) {
				v = mathutil.LogAdd(v, seq.tee(q-1)+pa)
			}
		}
	}
	if mathutil.IsZero(v) || mathutil.IsZero(tr.betaAt(t, q, 0)) {
		v = mathutil.LogZero
	}
	al[0] = v

	for j := 1; j < N-1; j++ {
		if mathutil.IsZero(tr.betaAt(t, q, j)) {
			continue
		}
		s := mathutil.LogZero
		if !mathutil.IsZero(v) && !mathutil.IsZero(A[0][j]) {
			s = v + A[0][j]
		}
		for i := 1; i < N-1; i++ {
			if mathutil.IsZero(A[i][j]) {
				continue
			}
			if pa := tr.alphaAt(ring, t-1, q, i); !mathutil.IsZero(pa) {
				s = mathutil.LogAdd(s, pa+A[i][j])
			}
		}
		if mathutil.IsZero(s) {
			continue
		}
		if s += tr.cache.prob(t, q, j); !mathutil.IsZero(s) {
			al[j] = s
		}
	}

	if mathutil.IsZero(tr.betaAt(t, q, N-1)) {
		return
	}
	x := mathutil.LogZero
	for i := 1; i < N-1; i++ {
		if mathutil.IsZero(al[i]) || mathutil.IsZero(A[i][N-1]) {
			continue
		}
		x = mathutil.LogAdd(x, al[i]+A[i][N-1])
	}
	al[N-1] = x
}

// accumulate adds the transition, output and duration statistics of
// instance q at frame t.
func (tr *trial) accumulate(ring *alphaRing, t, q int, dur *durTally) {
	e, seq := tr.e, tr.seq
	P := tr.logP
	h := seq.align[q]
	N := h.NumStates()
	A := h.TransLog
	off := seq.stateOff[q]
	al := ring.col(t)[off : off+N]
	trans := e.upd.trans
	tacc := &e.stats.Trans[seq.update[q].Index]

	// tee q-1 skipped between t-1 and t; counted here because q-1 itself
	// may be outside the beam
	if t > 0 && q >= 2 && seq.isTee(q-1) && seq.skipOK(q-1, t) {
		pa := tr.alphaAt(ring, t-1, q-2, seq.align[q-2].NumStates()-1)
		b0 := tr.betaAt(t, q, 0)
		if !mathutil.IsZero(pa) && !mathutil.IsZero(b0) {
			w := mathutil.Occupancy(pa + seq.tee(q-1) + b0 - P)
			if trans && w > 0 {
				tee := &e.stats.Trans[seq.update[q-1].Index]
				tee.Occ[0] += w
				tee.Count[0][seq.align[q-1].NumStates()-1] += w
			}
		}
	}

	// entry state
	if !mathutil.IsZero(al[0]) {
		if trans {
			tacc.Occ[0] += mathutil.Occupancy(al[0] + tr.betaAt(t, q, 0) - P)
		}
		for j := 1; j < N-1; j++ {
			bj := tr.betaAt(t, q, j)
			if mathutil.IsZero(bj) || mathutil.IsZero(A[0][j]) {
				continue
			}
			w := mathutil.Occupancy(al[0] + A[0][j] + tr.cache.prob(t, q, j) + bj - P)
			if trans {
				tacc.Count[0][j] += w
			}
			if dur != nil {
				dur.entries[off+j] += w
			}
		}
	}

	// transitions within q from t-1 into t
	if t > 0 {
		for j := 1; j < N-1; j++ {
			bj := tr.betaAt(t, q, j)
			if mathutil.IsZero(bj) {
				continue
			}
			pj := tr.cache.prob(t, q, j)
			for i := 1; i < N-1; i++ {
				if mathutil.IsZero(A[i][j]) {
					continue
				}
				pa := tr.alphaAt(ring, t-1, q, i)
				if mathutil.IsZero(pa) {
					continue
				}
				w := mathutil.Occupancy(pa + A[i][j] + pj + bj - P)
				if trans {
					tacc.Count[i][j] += w
				}
				if dur != nil && i != j {
					dur.entries[off+j] += w
				}
			}
		}
	}

	// emitting states: occupancy, exit transitions and output statistics
	x := tr.betaAt(t, q, N-1)
	for i := 1; i < N-1; i++ {
		if mathutil.IsZero(al[i]) {
			continue
		}
		logOcc := al[i] + tr.betaAt(t, q, i) - P
		occ := mathutil.Occupancy(logOcc)
		if occ == 0 {
			continue
		}
		if trans {
			tacc.Occ[i] += occ
			if !mathutil.IsZero(x) && !mathutil.IsZero(A[i][N-1]) {
				tacc.Count[i][N-1] += mathutil.Occupancy(al[i] + A[i][N-1] + x - P)
			}
		}
		if dur != nil {
			dur.occ[off+i] += occ
		}
		tr.addOutput(t, q, i, logOcc, occ)
	}
}

// flushDurations turns the per-instance tallies into sojourn statistics:
// each instance state contributes its expected occupancy divided by its
// expected number of entries, weighted by the entries.
func (tr *trial) flushDurations(dur *durTally) {
	seq := tr.seq
	floor := tr.e.cfg.MinDurationVisits
	for q := 0; q < seq.numModels(); q++ {
		u := seq.update[q]
		off := seq.stateOff[q]
		for j := 1; j < u.NumStates()-1; j++ {
			visits := dur.entries[off+j]
			if visits <= 0 || visits < floor {
				continue
			}
			tr.e.stats.States[u.States[j].ID].Dur.Add(visits, dur.occ[off+j]/visits)
		}
	}
}
