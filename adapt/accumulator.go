package adapt

import (
	"gonum.org/v1/gonum/floats"

	"github.com/ieee0824/fbtrain/acoustic"
)

// Accumulator receives weighted observations for a transform-estimation
// step. x is the observation as seen by the model (after any feature
// transform) and weight is the component posterior.
type Accumulator interface {
	Accumulate(g *acoustic.Gaussian, x []float64, weight float64, frame int)
}

// MeanStats gathers per-Gaussian occupancy and first-order sums, which is
// what mean-only regression transforms are estimated from.
// It is not safe for concurrent use.
type MeanStats struct {
	occ []float64
	sum [][]float64
}

// NewMeanStats allocates statistics for every Gaussian of ms.
func NewMeanStats(ms *acoustic.ModelSet) *MeanStats {
	gs := ms.Gaussians()
	m := &MeanStats{
		occ: make([]float64, len(gs)),
		sum: make([][]float64, len(gs)),
	}
	for i, g := range gs {
		m.sum[i] = make([]float64, g.Dim())
	}
	return m
}

// Accumulate adds weight*x to g's sums.
func (m *MeanStats) Accumulate(g *acoustic.Gaussian, x []float64, weight float64, _ int) {
	m.occ[g.ID] += weight
	floats.AddScaled(m.sum[g.ID], weight, x)
}

// Reset zeroes all statistics.
func (m *MeanStats) Reset() {
	for i := range m.occ {
		m.occ[i] = 0
		for d := range m.sum[i] {
			m.sum[i][d] = 0
		}
	}
}

// Occupancy returns the accumulated posterior mass of Gaussian id.
func (m *MeanStats) Occupancy(id int) float64 { return m.occ[id] }

// Mean returns the occupancy-weighted mean observation for Gaussian id, or
// nil if nothing was accumulated.
func (m *MeanStats) Mean(id int) []float64 {
	if m.occ[id] <= 0 {
		return nil
	}
	out := append([]float64(nil), m.sum[id]...)
	floats.Scale(1/m.occ[id], out)
	return out
}
