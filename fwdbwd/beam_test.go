package fwdbwd

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ieee0824/fbtrain/internal/mathutil"
)

func cycleLabels(n int, names ...string) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = names[i%len(names)]
	}
	return out
}

func TestPrunedColumnsDropOnlyNegligibleModels(t *testing.T) {
	ms := gmmSet(t, 6, 2)
	u := &Utterance{Labels: cycleLabels(8, "a", "b", "c"), Obs: randomFrames(9, 40, 2)}

	cfg := unpruned()
	cfg.Pruning.Init, cfg.Pruning.Inc, cfg.Pruning.Limit = 4, 4, 200
	e := newEngine(t, cfg, ms)
	res, err := e.Run(u)
	require.NoError(t, err)

	// replay the successful trial and inspect its columns
	seq, T, err := e.prepare(u)
	require.NoError(t, err)
	tr := e.newTrial(seq, T, res.Threshold)
	require.True(t, tr.backward())
	assert.InDelta(t, res.LogProb, tr.logP, 1e-12)

	Q := seq.numModels()
	narrowed := false
	for t0 := range T {
		// provisional range the column was computed over
		lo := 0
		for seq.stateOff[lo] != tr.base[t0] {
			lo++
		}
		hi := lo
		for seq.stateOff[hi+1]-tr.base[t0] < len(tr.beta[t0]) {
			hi++
		}
		require.Equal(t, len(tr.beta[t0]), seq.stateOff[hi+1]-tr.base[t0])

		colMax, beamMax := mathutil.LogZero, mathutil.LogZero
		best := make([]float64, Q)
		for q := lo; q <= hi; q++ {
			best[q] = mathutil.LogZero
			off := seq.stateOff[q] - tr.base[t0]
			for j := range seq.align[q].NumStates() {
				best[q] = max(best[q], tr.beta[t0][off+j])
			}
			colMax = max(colMax, best[q])
			if q >= tr.qLo[t0] && q <= tr.qHi[t0] {
				beamMax = max(beamMax, best[q])
			}
		}

		assert.LessOrEqual(t, lo, tr.qLo[t0])
		assert.LessOrEqual(t, tr.qLo[t0], tr.qHi[t0])
		assert.LessOrEqual(t, tr.qHi[t0], hi)
		assert.Equal(t, colMax, beamMax, "frame %d", t0)
		for q := lo; q <= hi; q++ {
			if q < tr.qLo[t0] || q > tr.qHi[t0] {
				assert.Less(t, best[q], colMax-res.Threshold, "frame %d model %d", t0, q)
			}
		}
		if tr.qHi[t0]-tr.qLo[t0] < Q-1 {
			narrowed = true
		}
	}
	assert.True(t, narrowed)
}

// Model f emits exactly two frames, model g one or more. With four frames
// the only path is f f g g. At frame 2 the backward pass sees f about to
// exit (log 0.5) and g needing one more self-loop (log 0.25); a threshold
// below log 2 prunes g there, which leaves no way back to frame 0.
func TestPruningRetryRecovers(t *testing.T) {
	f := discreteHMM("f",
		[][]float64{{0, 1, 0, 0}, {0, 0, 1, 0}, {0, 0, 0, 1}, {0, 0, 0, 0}},
		[][]float64{{1}, {1}})
	g := discreteHMM("g",
		[][]float64{{0, 1, 0}, {0, 0.5, 0.5}, {0, 0, 0}},
		[][]float64{{1}})
	ms := discreteSet(t, f, g)

	cfg := unpruned()
	cfg.Pruning.Init, cfg.Pruning.Inc, cfg.Pruning.Limit = 0.5, 0.5, 2
	var thresholds []float64
	e := newEngine(t, cfg, ms, WithTrialHook(func(_ int, th float64) {
		thresholds = append(thresholds, th)
	}))

	res, err := e.Run(&Utterance{Labels: []string{"f", "g"}, Obs: symbols(0, 0, 0, 0)})
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5, 1}, thresholds)
	assert.Equal(t, 2, res.Trials)
	assert.Equal(t, 1.0, res.Threshold)
	assert.InDelta(t, 2*math.Log(0.5), res.LogProb, 1e-12)
	assert.InDelta(t, res.LogProb, res.ForwardLogProb, 1e-12)

	// nothing left over from the failed trial
	s := e.Stats()
	tf, tg := s.Trans[f.Index], s.Trans[g.Index]
	assert.InDeltaSlice(t, []float64{1, 1, 1, 0}, tf.Occ, 1e-12)
	assert.InDelta(t, 1, tf.Count[0][1], 1e-12)
	assert.InDelta(t, 1, tf.Count[1][2], 1e-12)
	assert.InDelta(t, 1, tf.Count[2][3], 1e-12)
	assert.InDeltaSlice(t, []float64{1, 2, 0}, tg.Occ, 1e-12)
	assert.InDelta(t, 1, tg.Count[1][1], 1e-12)
	assert.InDelta(t, 1, tg.Count[1][2], 1e-12)
	assert.InDelta(t, 1, s.States[f.States[1].ID].Occ, 1e-12)
	assert.InDelta(t, 2, s.States[g.States[1].ID].Occ, 1e-12)
	assert.Equal(t, RunTotals{Utterances: 1, Frames: 4, LogProb: res.LogProb}, e.Totals())

	// a single tight threshold cannot recover
	cfg.Pruning.Inc = 0
	e = newEngine(t, cfg, ms)
	_, err = e.Run(&Utterance{Labels: []string{"f", "g"}, Obs: symbols(0, 0, 0, 0)})
	assert.ErrorIs(t, err, ErrPruningFailed)
}

func TestOutputCacheFollowsBeam(t *testing.T) {
	ms := gmmSet(t, 11, 2)
	labels := cycleLabels(30, "a", "b", "c")
	cfg := unpruned()
	cfg.Pruning.Init, cfg.Pruning.Inc, cfg.Pruning.Limit = 5, 5, 200
	e := newEngine(t, cfg, ms)
	_, err := e.Run(&Utterance{Labels: labels, Obs: randomFrames(12, 150, 2)})
	require.NoError(t, err)

	const stride, states = 2, 4 // one stream; a, b and c have four states
	lo, hi := e.Beam()
	T := len(lo)
	require.Len(t, e.cols, T)
	for t0 := range T {
		assert.Len(t, e.cols[t0], stride*len(e.beta[t0]), "frame %d", t0)
		if t0+1 < T {
			// the column covers the beam of the next frame plus one model
			span := hi[t0+1] - max(lo[t0+1]-1, 0) + 1
			assert.LessOrEqual(t, len(e.cols[t0]), stride*states*span, "frame %d", t0)
		}
	}
}
