package acoustic

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/ieee0824/fbtrain/internal/mathutil"
)

// State is an emitting HMM state with one output distribution per stream.
// States may be shared between HMMs (tied states); ID is the dense index
// assigned by ModelSet.Finalize.
type State struct {
	ID            int
	Streams       []OutputDist
	StreamWeights []float64 // nil means all 1
}

// StreamWeight returns the exponent applied to stream s.
func (s *State) StreamWeight(stream int) float64 {
	if s.StreamWeights == nil {
		return 1
	}
	return s.StreamWeights[stream]
}

// LogProb computes log b(o) for a multi-stream observation o[stream].
func (s *State) LogProb(o [][]float64) float64 {
	total := 0.0
	for i, d := range s.Streams {
		lp := d.LogProb(o[i])
		if mathutil.IsZero(lp) {
			return mathutil.LogZero
		}
		total += s.StreamWeight(i) * lp
	}
	return total
}

// HMM is a sequence model.
// States: [0]=entry (non-emitting), [1..N-2]=emitting, [N-1]=exit (non-emitting).
// TransLog may hold any topology; zero transitions are mathutil.LogZero.
type HMM struct {
	Name     string
	Index    int // dense index inside the owning ModelSet, assigned by Finalize
	States   []*State
	TransLog [][]float64 // [N][N] log transition probs
}

// NumStates returns the total number of states including entry and exit.
func (h *HMM) NumStates() int { return len(h.States) }

// NumEmitting returns the number of emitting states.
func (h *HMM) NumEmitting() int { return len(h.States) - 2 }

// IsEmitting returns true if the state index corresponds to an emitting state.
func (h *HMM) IsEmitting(stateIdx int) bool {
	return stateIdx >= 1 && stateIdx <= len(h.States)-2
}

// IsTee reports whether the model can be traversed without emitting a frame.
func (h *HMM) IsTee() bool {
	n := len(h.States)
	return !mathutil.IsZero(h.TransLog[0][n-1])
}

// LogLikelihood computes log P(observation | state) for an emitting state.
func (h *HMM) LogLikelihood(stateIdx int, obs [][]float64) float64 {
	if !h.IsEmitting(stateIdx) || h.States[stateIdx] == nil {
		return mathutil.LogZero
	}
	return h.States[stateIdx].LogProb(obs)
}

// Validate checks shape consistency of the transition matrix and states.
func (h *HMM) Validate(streamWidths []int) error {
	n := len(h.States)
	if n < 2 {
		return fmt.Errorf("hmm %q: %d states, need entry and exit", h.Name, n)
	}
	if len(h.TransLog) != n {
		return fmt.Errorf("hmm %q: transition matrix has %d rows for %d states", h.Name, len(h.TransLog), n)
	}
	for i, row := range h.TransLog {
		if len(row) != n {
			return fmt.Errorf("hmm %q: transition row %d has %d columns", h.Name, i, len(row))
		}
	}
	if h.States[0] != nil || h.States[n-1] != nil {
		return fmt.Errorf("hmm %q: entry and exit states must be non-emitting", h.Name)
	}
	for i := 1; i < n-1; i++ {
		st := h.States[i]
		if st == nil {
			return fmt.Errorf("hmm %q: emitting state %d is missing", h.Name, i)
		}
		if len(st.Streams) != len(streamWidths) {
			return fmt.Errorf("hmm %q state %d: %d streams, model set has %d", h.Name, i, len(st.Streams), len(streamWidths))
		}
		if st.StreamWeights != nil && len(st.StreamWeights) != len(st.Streams) {
			return fmt.Errorf("hmm %q state %d: %d stream weights for %d streams", h.Name, i, len(st.StreamWeights), len(st.Streams))
		}
		for s, d := range st.Streams {
			switch dist := d.(type) {
			case *GMM:
				for m, c := range dist.Components {
					if c.Gauss == nil || c.Gauss.Dim() != streamWidths[s] {
						return fmt.Errorf("hmm %q state %d stream %d mix %d: width mismatch", h.Name, i, s, m)
					}
				}
			case *Discrete:
				if streamWidths[s] != 1 {
					return fmt.Errorf("hmm %q state %d stream %d: discrete stream must have width 1", h.Name, i, s)
				}
			default:
				return fmt.Errorf("hmm %q state %d stream %d: unsupported distribution %T", h.Name, i, s, d)
			}
		}
	}
	return nil
}

// NewLeftToRight creates a left-to-right HMM with numEmitting states, one
// randomly initialised diagonal GMM of numMix components per stream, and
// self-loop/forward probabilities of 0.5.
func NewLeftToRight(name string, numEmitting int, streamWidths []int, numMix int, rng *rand.Rand) *HMM {
	n := numEmitting + 2
	h := &HMM{
		Name:     name,
		States:   make([]*State, n),
		TransLog: mathutil.NewMatFill(n, n, mathutil.LogZero),
	}
	for i := 1; i <= numEmitting; i++ {
		st := &State{Streams: make([]OutputDist, len(streamWidths))}
		for s, w := range streamWidths {
			st.Streams[s] = NewGMM(numMix, w, rng)
		}
		h.States[i] = st
	}

	// Entry -> first emitting state
	h.TransLog[0][1] = 0.0

	logHalf := math.Log(0.5)
	for i := 1; i <= numEmitting; i++ {
		h.TransLog[i][i] = logHalf
		h.TransLog[i][i+1] = logHalf
	}
	return h
}
