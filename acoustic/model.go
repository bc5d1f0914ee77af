package acoustic

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// ErrUnknownModel is returned when a label does not name a model in the set.
var ErrUnknownModel = errors.New("unknown model")

// SetKind describes how output distributions are organised in a model set.
type SetKind uint8

const (
	// PlainSet has private continuous mixtures per state.
	PlainSet SetKind = iota
	// SharedSet may share states and Gaussians between models.
	SharedSet
	// TiedSet draws every stream's mixture from a shared codebook.
	TiedSet
	// DiscreteSet uses discrete (vector-quantised) output distributions.
	DiscreteSet
)

func (k SetKind) String() string {
	switch k {
	case PlainSet:
		return "plain"
	case SharedSet:
		return "shared"
	case TiedSet:
		return "tied"
	case DiscreteSet:
		return "discrete"
	}
	return fmt.Sprintf("SetKind(%d)", uint8(k))
}

// ModelSet holds the HMMs referenced by transcriptions. Several logical
// names may map to one physical HMM.
type ModelSet struct {
	Kind         SetKind
	StreamWidths []int

	models map[string]*HMM

	// built by Finalize
	hmms      []*HMM
	states    []*State
	gaussians []*Gaussian
	finalized bool
}

// NewModelSet creates an empty model set.
func NewModelSet(kind SetKind, streamWidths []int) *ModelSet {
	return &ModelSet{
		Kind:         kind,
		StreamWidths: append([]int(nil), streamWidths...),
		models:       make(map[string]*HMM),
	}
}

// Add registers h under its own name.
func (ms *ModelSet) Add(h *HMM) error {
	if _, dup := ms.models[h.Name]; dup {
		return fmt.Errorf("model set: duplicate model %q", h.Name)
	}
	ms.models[h.Name] = h
	ms.finalized = false
	return nil
}

// Alias makes logical resolve to the physical model named physical.
func (ms *ModelSet) Alias(logical, physical string) error {
	h, ok := ms.models[physical]
	if !ok {
		return fmt.Errorf("model set: alias %q: %w %q", logical, ErrUnknownModel, physical)
	}
	if _, dup := ms.models[logical]; dup {
		return fmt.Errorf("model set: duplicate model %q", logical)
	}
	ms.models[logical] = h
	return nil
}

// Validate checks every model against the set's stream widths.
func (ms *ModelSet) Validate() error {
	for _, name := range ms.Names() {
		if err := ms.models[name].Validate(ms.StreamWidths); err != nil {
			return err
		}
	}
	return nil
}

// Finalize validates every model and assigns dense indices to HMMs, states
// and Gaussians. Shared objects receive a single index.
func (ms *ModelSet) Finalize() error {
	seen := make(map[*HMM]bool)
	var hmms []*HMM
	for _, h := range ms.models {
		if !seen[h] {
			seen[h] = true
			hmms = append(hmms, h)
		}
	}
	sort.Slice(hmms, func(i, j int) bool { return hmms[i].Name < hmms[j].Name })

	ms.hmms = hmms
	ms.states = ms.states[:0]
	ms.gaussians = ms.gaussians[:0]
	stateSeen := make(map[*State]bool)
	gaussSeen := make(map[*Gaussian]bool)
	for i, h := range hmms {
		if err := h.Validate(ms.StreamWidths); err != nil {
			return err
		}
		h.Index = i
		for _, st := range h.States[1 : len(h.States)-1] {
			if stateSeen[st] {
				continue
			}
			stateSeen[st] = true
			st.ID = len(ms.states)
			ms.states = append(ms.states, st)
			for _, d := range st.Streams {
				switch dist := d.(type) {
				case *GMM:
					if ms.Kind == DiscreteSet {
						return fmt.Errorf("model set: %q has a continuous stream in a discrete set", h.Name)
					}
					for _, c := range dist.Components {
						if gaussSeen[c.Gauss] {
							continue
						}
						gaussSeen[c.Gauss] = true
						c.Gauss.ID = len(ms.gaussians)
						ms.gaussians = append(ms.gaussians, c.Gauss)
					}
				case *Discrete:
					if ms.Kind != DiscreteSet {
						return fmt.Errorf("model set: %q has a discrete stream in a %s set", h.Name, ms.Kind)
					}
				}
			}
		}
	}
	ms.finalized = true
	return nil
}

// Finalized reports whether indices are up to date.
func (ms *ModelSet) Finalized() bool { return ms.finalized }

// Lookup returns the model for a logical name.
func (ms *ModelSet) Lookup(name string) (*HMM, bool) {
	h, ok := ms.models[name]
	return h, ok
}

// Resolve returns the model for label. With backoff, a missing triphone
// falls back to its center label.
func (ms *ModelSet) Resolve(label string, backoff bool) (*HMM, error) {
	if h, ok := ms.models[label]; ok {
		return h, nil
	}
	if backoff {
		if h, ok := ms.models[Triphone(label).Center()]; ok {
			return h, nil
		}
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownModel, label)
}

// HMMs returns the physical models ordered by Index.
func (ms *ModelSet) HMMs() []*HMM { return ms.hmms }

// States returns the distinct emitting states ordered by ID.
func (ms *ModelSet) States() []*State { return ms.states }

// Gaussians returns the distinct Gaussians ordered by ID.
func (ms *ModelSet) Gaussians() []*Gaussian { return ms.gaussians }

// NumStreams returns the number of observation streams.
func (ms *ModelSet) NumStreams() int { return len(ms.StreamWidths) }

// HasFullCov reports whether any Gaussian uses a full covariance.
func (ms *ModelSet) HasFullCov() bool {
	for _, g := range ms.gaussians {
		if g.Kind == FullCov {
			return true
		}
	}
	return false
}

// Names returns all logical names in sorted order.
func (ms *ModelSet) Names() []string {
	names := make([]string, 0, len(ms.models))
	for n := range ms.models {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// serializable types for gob encoding
type serializedSet struct {
	Kind         uint8
	StreamWidths []int
	Gaussians    []serializedGaussian
	States       []serializedState
	HMMs         []serializedHMM
	Aliases      map[string]string
}

type serializedGaussian struct {
	Kind     uint8
	Mean     []float64
	Variance []float64
	Cov      []float64 // row-major dim*dim, FullCov only
}

type serializedState struct {
	Streams       []serializedStream
	StreamWeights []float64
}

type serializedStream struct {
	Discrete   []float64
	Components []serializedMix
}

type serializedMix struct {
	LogWeight float64
	Gauss     int
}

type serializedHMM struct {
	Name     string
	TransLog [][]float64
	States   []int // state IDs of emitting states
}

// Save serializes the model set to a writer using gob encoding.
func (ms *ModelSet) Save(w io.Writer) error {
	if !ms.finalized {
		if err := ms.Finalize(); err != nil {
			return err
		}
	}
	ss := serializedSet{
		Kind:         uint8(ms.Kind),
		StreamWidths: ms.StreamWidths,
		Aliases:      make(map[string]string),
	}
	for _, g := range ms.gaussians {
		sg := serializedGaussian{Kind: uint8(g.Kind), Mean: g.Mean, Variance: g.Variance}
		if g.Kind == FullCov {
			n := g.Dim()
			sg.Cov = make([]float64, 0, n*n)
			for i := 0; i < n; i++ {
				for j := 0; j < n; j++ {
					sg.Cov = append(sg.Cov, g.Cov.At(i, j))
				}
			}
		}
		ss.Gaussians = append(ss.Gaussians, sg)
	}
	for _, st := range ms.states {
		sst := serializedState{StreamWeights: st.StreamWeights}
		for _, d := range st.Streams {
			var sd serializedStream
			switch dist := d.(type) {
			case *GMM:
				for _, c := range dist.Components {
					sd.Components = append(sd.Components, serializedMix{LogWeight: c.LogWeight, Gauss: c.Gauss.ID})
				}
			case *Discrete:
				sd.Discrete = dist.LogProbs
			}
			sst.Streams = append(sst.Streams, sd)
		}
		ss.States = append(ss.States, sst)
	}
	for _, h := range ms.hmms {
		sh := serializedHMM{Name: h.Name, TransLog: h.TransLog}
		for _, st := range h.States[1 : len(h.States)-1] {
			sh.States = append(sh.States, st.ID)
		}
		ss.HMMs = append(ss.HMMs, sh)
	}
	for name, h := range ms.models {
		if name != h.Name {
			ss.Aliases[name] = h.Name
		}
	}
	return gob.NewEncoder(w).Encode(ss)
}

// Load deserializes a model set from a reader and finalizes it.
func Load(r io.Reader) (*ModelSet, error) {
	var ss serializedSet
	if err := gob.NewDecoder(r).Decode(&ss); err != nil {
		return nil, err
	}

	ms := NewModelSet(SetKind(ss.Kind), ss.StreamWidths)
	gaussians := make([]*Gaussian, len(ss.Gaussians))
	for i, sg := range ss.Gaussians {
		g := &Gaussian{Kind: CovKind(sg.Kind), Mean: sg.Mean, Variance: sg.Variance}
		if g.Kind == FullCov {
			g.Cov = mat.NewSymDense(len(sg.Mean), sg.Cov)
		}
		if err := g.Precompute(); err != nil {
			return nil, fmt.Errorf("gaussian %d: %w", i, err)
		}
		gaussians[i] = g
	}
	states := make([]*State, len(ss.States))
	for i, sst := range ss.States {
		st := &State{StreamWeights: sst.StreamWeights}
		for s, sd := range sst.Streams {
			if sd.Discrete != nil {
				st.Streams = append(st.Streams, &Discrete{LogProbs: sd.Discrete})
				continue
			}
			gmm := &GMM{}
			if s < len(ss.StreamWidths) {
				gmm.Dim = ss.StreamWidths[s]
			}
			for _, sm := range sd.Components {
				if sm.Gauss < 0 || sm.Gauss >= len(gaussians) {
					return nil, fmt.Errorf("state %d: gaussian index %d out of range", i, sm.Gauss)
				}
				gmm.Components = append(gmm.Components, Mixture{LogWeight: sm.LogWeight, Gauss: gaussians[sm.Gauss]})
			}
			st.Streams = append(st.Streams, gmm)
		}
		states[i] = st
	}
	for _, sh := range ss.HMMs {
		h := &HMM{
			Name:     sh.Name,
			TransLog: sh.TransLog,
			States:   make([]*State, len(sh.States)+2),
		}
		for k, id := range sh.States {
			if id < 0 || id >= len(states) {
				return nil, fmt.Errorf("hmm %q: state index %d out of range", sh.Name, id)
			}
			h.States[k+1] = states[id]
		}
		if err := ms.Add(h); err != nil {
			return nil, err
		}
	}
	aliases := make([]string, 0, len(ss.Aliases))
	for logical := range ss.Aliases {
		aliases = append(aliases, logical)
	}
	sort.Strings(aliases)
	for _, logical := range aliases {
		if err := ms.Alias(logical, ss.Aliases[logical]); err != nil {
			return nil, err
		}
	}
	if err := ms.Finalize(); err != nil {
		return nil, err
	}
	return ms, nil
}

// LoadFile loads a model set from a gob file.
func LoadFile(path string) (*ModelSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}
