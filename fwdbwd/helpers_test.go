package fwdbwd

import (
	"bytes"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ieee0824/fbtrain/acoustic"
	"github.com/ieee0824/fbtrain/internal/mathutil"
)

func logp(p float64) float64 {
	if p == 0 {
		return mathutil.LogZero
	}
	return math.Log(p)
}

// discreteHMM builds a one-stream discrete model. trans is the linear
// N×N transition matrix, emit[i] the symbol distribution of emitting
// state i+1.
func discreteHMM(name string, trans [][]float64, emit [][]float64) *acoustic.HMM {
	n := len(trans)
	h := &acoustic.HMM{
		Name:     name,
		States:   make([]*acoustic.State, n),
		TransLog: mathutil.NewMatFill(n, n, mathutil.LogZero),
	}
	for i := range trans {
		for j, p := range trans[i] {
			h.TransLog[i][j] = logp(p)
		}
	}
	for i, probs := range emit {
		d := &acoustic.Discrete{LogProbs: make([]float64, len(probs))}
		for k, p := range probs {
			d.LogProbs[k] = logp(p)
		}
		h.States[i+1] = &acoustic.State{Streams: []acoustic.OutputDist{d}}
	}
	return h
}

func symbols(seq ...int) Frames {
	f := make(Frames, len(seq))
	for t, s := range seq {
		f[t] = [][]float64{{float64(s)}}
	}
	return f
}

func discreteSet(t *testing.T, hmms ...*acoustic.HMM) *acoustic.ModelSet {
	t.Helper()
	ms := acoustic.NewModelSet(acoustic.DiscreteSet, []int{1})
	for _, h := range hmms {
		require.NoError(t, ms.Add(h))
	}
	require.NoError(t, ms.Finalize())
	return ms
}

// teeHMM turns a one-state left-to-right model into a tee model that is
// skipped with probability skip.
func teeHMM(name string, dim, numMix int, skip float64, rng *rand.Rand) *acoustic.HMM {
	h := acoustic.NewLeftToRight(name, 1, []int{dim}, numMix, rng)
	h.TransLog[0][1] = math.Log(1 - skip)
	h.TransLog[0][2] = math.Log(skip)
	return h
}

// gmmSet holds left-to-right models a, b, c (two emitting states) and the
// tee model sp.
func gmmSet(t *testing.T, seed int64, numMix int) *acoustic.ModelSet {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	ms := acoustic.NewModelSet(acoustic.PlainSet, []int{2})
	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, ms.Add(acoustic.NewLeftToRight(name, 2, []int{2}, numMix, rng)))
	}
	require.NoError(t, ms.Add(teeHMM("sp", 2, numMix, 0.4, rng)))
	require.NoError(t, ms.Finalize())
	return ms
}

func randomFrames(seed int64, T, dim int) SingleStream {
	rng := rand.New(rand.NewSource(seed))
	out := make(SingleStream, T)
	for t := range out {
		out[t] = make([]float64, dim)
		for d := range out[t] {
			out[t][d] = rng.NormFloat64()
		}
	}
	return out
}

// cloneSet round-trips ms through its persistent form, giving an
// independent set with the same layout and dense indices.
func cloneSet(t *testing.T, ms *acoustic.ModelSet) *acoustic.ModelSet {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, ms.Save(&buf))
	out, err := acoustic.Load(&buf)
	require.NoError(t, err)
	return out
}

// pathSum enumerates every state path through the concatenated models and
// sums their probabilities. It shares no code with the engine's recursions.
type pathSum struct {
	hmms   []*acoustic.HMM
	obs    Observations
	lo, hi []int // optional emission windows
}

func (p *pathSum) total() float64 { return p.from(0, 0, 0) }

// from returns the log probability of completing the utterance from state i
// of instance q after t frames have been emitted.
func (p *pathSum) from(q, i, t int) float64 {
	h := p.hmms[q]
	n := h.NumStates()
	T := p.obs.NumFrames()
	sum := mathutil.LogZero
	for j := 1; j < n; j++ {
		a := h.TransLog[i][j]
		if mathutil.IsZero(a) {
			continue
		}
		var v float64
		if j == n-1 {
			if i == 0 && p.lo != nil && (t < p.lo[q] || t > p.hi[q]+1) {
				continue
			}
			v = p.leave(q, t)
		} else {
			if t >= T || (p.lo != nil && (t < p.lo[q] || t > p.hi[q])) {
				continue
			}
			b := h.States[j].LogProb(p.obs.Frame(t))
			if mathutil.IsZero(b) {
				continue
			}
			v = b + p.from(q, j, t+1)
		}
		if mathutil.IsZero(v) {
			continue
		}
		sum = mathutil.LogAdd(sum, a+v)
	}
	return sum
}

func (p *pathSum) leave(q, t int) float64 {
	if q == len(p.hmms)-1 {
		if t == p.obs.NumFrames() {
			return 0
		}
		return mathutil.LogZero
	}
	return p.from(q+1, 0, t)
}

func lookupAll(t *testing.T, ms *acoustic.ModelSet, labels ...string) []*acoustic.HMM {
	t.Helper()
	out := make([]*acoustic.HMM, len(labels))
	for i, l := range labels {
		h, ok := ms.Lookup(l)
		require.True(t, ok, l)
		out[i] = h
	}
	return out
}

func unpruned() Config {
	cfg := DefaultConfig()
	cfg.Pruning.MinForwardProb = -1000
	return cfg
}
