package stats

import (
	"io"

	"gopkg.in/yaml.v3"
)

// Floor bounds duration variances from below. The effective floor of a
// state is max(Absolute, Percent/100 × global variance), where the global
// variance pools every model's state at the same position.
type Floor struct {
	Percent  float64 `yaml:"percent"`
	Absolute float64 `yaml:"absolute"`
}

// StateDuration is the duration model of one emitting state.
type StateDuration struct {
	State    int     `yaml:"state"`
	Visits   float64 `yaml:"visits"`
	Mean     float64 `yaml:"mean"`
	Variance float64 `yaml:"variance"`
}

// ModelDuration holds the duration models of one HMM's emitting states.
type ModelDuration struct {
	Name   string          `yaml:"name"`
	States []StateDuration `yaml:"states"`
}

type durationFile struct {
	Floor  Floor           `yaml:"floor"`
	Models []ModelDuration `yaml:"models"`
}

// Durations computes per-state sojourn mean and floored variance for every
// physical model, ordered by model name. States never entered have zero
// mean and the floor as variance.
func (s *Set) Durations(floor Floor) []ModelDuration {
	hmms := s.ms.HMMs()

	// pooled statistics per state position
	var global []DurAcc
	for _, h := range hmms {
		for k, st := range h.States[1 : len(h.States)-1] {
			for len(global) <= k {
				global = append(global, DurAcc{})
			}
			d := s.States[st.ID].Dur
			global[k].Visits += d.Visits
			global[k].Sum += d.Sum
			global[k].SumSq += d.SumSq
		}
	}
	floors := make([]float64, len(global))
	for k, g := range global {
		floors[k] = floor.Absolute
		if _, v, ok := moments(g); ok {
			if f := floor.Percent / 100 * v; f > floors[k] {
				floors[k] = f
			}
		}
	}

	out := make([]ModelDuration, 0, len(hmms))
	for _, h := range hmms {
		md := ModelDuration{Name: h.Name}
		for k, st := range h.States[1 : len(h.States)-1] {
			d := s.States[st.ID].Dur
			sd := StateDuration{State: k + 1, Visits: d.Visits, Variance: floors[k]}
			if m, v, ok := moments(d); ok {
				sd.Mean = m
				if v > sd.Variance {
					sd.Variance = v
				}
			}
			md.States = append(md.States, sd)
		}
		out = append(out, md)
	}
	return out
}

func moments(d DurAcc) (mean, variance float64, ok bool) {
	if d.Visits <= 0 {
		return 0, 0, false
	}
	mean = d.Sum / d.Visits
	variance = d.SumSq/d.Visits - mean*mean
	if variance < 0 {
		variance = 0
	}
	return mean, variance, true
}

// WriteDurations writes the duration models as YAML. The output depends only
// on the accumulators and the floor, so repeated exports are identical.
func (s *Set) WriteDurations(w io.Writer, floor Floor) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(durationFile{Floor: floor, Models: s.Durations(floor)}); err != nil {
		return err
	}
	return enc.Close()
}
