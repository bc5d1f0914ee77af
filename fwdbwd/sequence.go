package fwdbwd

import (
	"fmt"

	"github.com/ieee0824/fbtrain/acoustic"
	"github.com/ieee0824/fbtrain/internal/arena"
)

// sequence is the model instance list of one utterance. Index arrays are
// carved from the utterance arena and die with it.
type sequence struct {
	align  []*acoustic.HMM
	update []*acoustic.HMM

	minDur   []int // per instance
	before   []int // before[q] = Σ minDur[k] for k < q
	after    []int // after[q] = Σ minDur[k] for k > q
	stateOff []int // stateOff[q] = Σ N_k for k < q, len Q+1
	total    int

	// admissible emitting frames [winLo[q], winHi[q]] when segments are given
	winLo, winHi []int
}

func (s *sequence) numModels() int { return len(s.align) }

// maxQ returns the last instance whose predecessors fit into frames 0..t-1.
func (s *sequence) maxQ(t int) int {
	q := len(s.align) - 1
	for q > 0 && s.before[q] > t {
		q--
	}
	return q
}

// minQ returns the first instance whose successors fit into frames t+1..T-1.
func (s *sequence) minQ(t, T int) int {
	q := 0
	for q < len(s.align)-1 && s.after[q] > T-1-t {
		q++
	}
	return q
}

// cellOK reports whether instance q may occupy any state at frame t.
// Without segments every cell is admissible.
func (s *sequence) cellOK(q, t int) bool {
	return s.winLo == nil || (t >= s.winLo[q] && t <= s.winHi[q])
}

// skipOK reports whether tee instance q may be skipped between frames t-1
// and t.
func (s *sequence) skipOK(q, t int) bool {
	return s.winLo == nil || (t >= s.winLo[q] && t <= s.winHi[q]+1)
}

func (s *sequence) isTee(q int) bool { return s.align[q].IsTee() }

// tee returns the log skip probability of instance q.
func (s *sequence) tee(q int) float64 {
	h := s.align[q]
	return h.TransLog[0][h.NumStates()-1]
}

// buildSequence resolves labels against both model sets and derives the
// duration bookkeeping used by the beam taper.
func (e *Engine) buildSequence(labels []string, segs []Segment, T int, a *arena.Arena) (*sequence, error) {
	Q := len(labels)
	if Q == 0 {
		return nil, fmt.Errorf("%w: empty transcription", ErrUnknownLabel)
	}
	seq := &sequence{
		align:    make([]*acoustic.HMM, Q),
		update:   make([]*acoustic.HMM, Q),
		minDur:   a.Ints(Q),
		before:   a.Ints(Q),
		after:    a.Ints(Q),
		stateOff: a.Ints(Q + 1),
	}
	backoff := e.cfg.Triphone.Backoff
	for q, label := range labels {
		ah, err := e.align.Resolve(label, backoff)
		if err != nil {
			return nil, fmt.Errorf("%w %q in alignment set", ErrUnknownLabel, label)
		}
		uh := ah
		if e.update != e.align {
			if uh, err = e.update.Resolve(label, backoff); err != nil {
				return nil, fmt.Errorf("%w %q in update set", ErrUnknownLabel, label)
			}
		}
		if ah.NumStates() != uh.NumStates() {
			return nil, fmt.Errorf("%w: %q has %d alignment and %d update states", ErrStateMismatch, label, ah.NumStates(), uh.NumStates())
		}
		if e.cfg.Mode == ModeComponent {
			if err := sameMixtures(ah, uh); err != nil {
				return nil, fmt.Errorf("%w: %q: %v", ErrMixtureMismatch, label, err)
			}
		}
		if ah.IsTee() {
			if q == 0 || q == Q-1 {
				return nil, fmt.Errorf("%w: %q at position %d", ErrTeeAtBoundary, label, q)
			}
			if seq.align[q-1].IsTee() {
				return nil, fmt.Errorf("%w: %q follows %q", ErrConsecutiveTee, label, labels[q-1])
			}
		}
		seq.align[q] = ah
		seq.update[q] = uh
		seq.minDur[q] = e.minDur[ah.Index]
		seq.stateOff[q+1] = seq.stateOff[q] + ah.NumStates()
	}
	for q := 1; q < Q; q++ {
		seq.before[q] = seq.before[q-1] + seq.minDur[q-1]
	}
	for q := Q - 2; q >= 0; q-- {
		seq.after[q] = seq.after[q+1] + seq.minDur[q+1]
	}
	seq.total = seq.before[Q-1] + seq.minDur[Q-1]
	if T == 0 || T < seq.total {
		return nil, fmt.Errorf("%w: %d frames, need %d", ErrTooShort, T, seq.total)
	}
	if segs != nil {
		if err := seq.setWindows(labels, segs, T, e.cfg.BoundarySlack, a); err != nil {
			return nil, err
		}
	}
	return seq, nil
}

func (s *sequence) setWindows(labels []string, segs []Segment, T, slack int, a *arena.Arena) error {
	if len(segs) != len(labels) {
		return fmt.Errorf("%w: %d segments for %d labels", ErrBadSegments, len(segs), len(labels))
	}
	s.winLo = a.Ints(len(segs))
	s.winHi = a.Ints(len(segs))
	for q, sg := range segs {
		switch {
		case sg.StartFrame < 0 || sg.EndFrame > T:
			return fmt.Errorf("%w: segment %d [%d,%d) outside %d frames", ErrBadSegments, q, sg.StartFrame, sg.EndFrame, T)
		case sg.StartFrame > sg.EndFrame:
			return fmt.Errorf("%w: segment %d starts after it ends", ErrBadSegments, q)
		case sg.EndFrame-sg.StartFrame < s.minDur[q]:
			return fmt.Errorf("%w: segment %d has %d frames, model needs %d", ErrBadSegments, q, sg.EndFrame-sg.StartFrame, s.minDur[q])
		case sg.Label != "" && sg.Label != labels[q]:
			return fmt.Errorf("%w: segment %d is %q, label is %q", ErrBadSegments, q, sg.Label, labels[q])
		}
		s.winLo[q] = max(0, sg.StartFrame-slack)
		s.winHi[q] = min(T-1, sg.EndFrame-1+slack)
	}
	return nil
}

// sameMixtures checks that two models can exchange component posteriors.
func sameMixtures(a, b *acoustic.HMM) error {
	for i := 1; i < a.NumStates()-1; i++ {
		sa, sb := a.States[i], b.States[i]
		if len(sa.Streams) != len(sb.Streams) {
			return fmt.Errorf("state %d: %d vs %d streams", i, len(sa.Streams), len(sb.Streams))
		}
		for s := range sa.Streams {
			if sa.Streams[s].NumMix() != sb.Streams[s].NumMix() {
				return fmt.Errorf("state %d stream %d: %d vs %d mixtures", i, s, sa.Streams[s].NumMix(), sb.Streams[s].NumMix())
			}
		}
	}
	return nil
}
