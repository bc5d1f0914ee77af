// Package stats holds the persistent sufficient-statistics accumulators
// filled by the forward-backward engine and consumed by re-estimation.
//
// Accumulators are side tables indexed by the dense indices a ModelSet
// assigns in Finalize: Trans by HMM.Index, States by State.ID and Gauss by
// Gaussian.ID. A Set is not safe for concurrent use; parallel workers each
// fill their own Set and the results are combined with Merge.
package stats

import (
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/ieee0824/fbtrain/acoustic"
)

// ErrShape is returned when two accumulator sets were built for different
// model sets.
var ErrShape = errors.New("stats: accumulator shape mismatch")

// TransAcc accumulates expected transition counts of one HMM.
type TransAcc struct {
	Occ   []float64   `msgpack:"occ"`   // [N] expected occupancy; Occ[0] counts entries
	Count [][]float64 `msgpack:"count"` // [N][N] expected transitions i->j
}

// StreamAcc accumulates mixture occupancies (symbol counts for discrete
// streams) of one stream of a state.
type StreamAcc struct {
	Weights []float64 `msgpack:"weights"`
}

// DurAcc accumulates expected sojourn lengths of a state.
type DurAcc struct {
	Visits float64 `msgpack:"visits"` // expected number of entries
	Sum    float64 `msgpack:"sum"`    // Σ visits·d
	SumSq  float64 `msgpack:"sum_sq"` // Σ visits·d²
}

// Add records an expected sojourn length d observed with weight visits.
func (d *DurAcc) Add(visits, length float64) {
	d.Visits += visits
	d.Sum += visits * length
	d.SumSq += visits * length * length
}

// StateAcc accumulates statistics of one emitting state.
type StateAcc struct {
	Occ     float64     `msgpack:"occ"`
	Streams []StreamAcc `msgpack:"streams"`
	Dur     DurAcc      `msgpack:"dur"`
}

// GaussAcc accumulates zero-mean statistics of one Gaussian: Sum and Sq are
// taken around the Gaussian's mean at accumulation time.
type GaussAcc struct {
	Occ   float64
	Sum   []float64     // Σ γ (x-μ)
	Sq    []float64     // Σ γ (x-μ)², diagonal Gaussians
	Cross *mat.SymDense // Σ γ (x-μ)(x-μ)ᵀ, full-covariance Gaussians
}

// AddDiag accumulates observation x with weight w around mean.
func (g *GaussAcc) AddDiag(w float64, x, mean []float64) {
	g.Occ += w
	for d := range x {
		dx := x[d] - mean[d]
		g.Sum[d] += w * dx
		g.Sq[d] += w * dx * dx
	}
}

// AddFull accumulates observation x with weight w around mean, including
// the full outer product.
func (g *GaussAcc) AddFull(w float64, x, mean []float64) {
	g.Occ += w
	dx := make([]float64, len(x))
	floats.SubTo(dx, x, mean)
	floats.AddScaled(g.Sum, w, dx)
	g.Cross.SymRankOne(g.Cross, w, mat.NewVecDense(len(dx), dx))
}

// Mean returns the re-estimated mean given the mean used while accumulating,
// or nil when the Gaussian was never observed.
func (g *GaussAcc) Mean(mean []float64) []float64 {
	if g.Occ <= 0 {
		return nil
	}
	out := append([]float64(nil), mean...)
	floats.AddScaled(out, 1/g.Occ, g.Sum)
	return out
}

// Variance returns the re-estimated diagonal variance, or nil when the
// Gaussian was never observed. For full-covariance accumulators the
// diagonal of the covariance is returned.
func (g *GaussAcc) Variance() []float64 {
	if g.Occ <= 0 {
		return nil
	}
	out := make([]float64, len(g.Sum))
	for d := range out {
		sq := 0.0
		if g.Sq != nil {
			sq = g.Sq[d]
		} else {
			sq = g.Cross.At(d, d)
		}
		m := g.Sum[d] / g.Occ
		out[d] = sq/g.Occ - m*m
	}
	return out
}

// Set is the complete accumulator state for one model set.
type Set struct {
	Trans  []TransAcc
	States []StateAcc
	Gauss  []GaussAcc

	// running totals
	Utterances int
	Frames     int
	LogProb    float64

	ms *acoustic.ModelSet
}

// New allocates zeroed accumulators for every HMM, state and Gaussian of ms.
// ms must be finalized.
func New(ms *acoustic.ModelSet) *Set {
	s := &Set{ms: ms}
	for _, h := range ms.HMMs() {
		n := h.NumStates()
		count := make([][]float64, n)
		for i := range count {
			count[i] = make([]float64, n)
		}
		s.Trans = append(s.Trans, TransAcc{Occ: make([]float64, n), Count: count})
	}
	for _, st := range ms.States() {
		acc := StateAcc{Streams: make([]StreamAcc, len(st.Streams))}
		for i, d := range st.Streams {
			acc.Streams[i].Weights = make([]float64, d.NumMix())
		}
		s.States = append(s.States, acc)
	}
	for _, g := range ms.Gaussians() {
		acc := GaussAcc{Sum: make([]float64, g.Dim())}
		if g.Kind == acoustic.FullCov {
			acc.Cross = mat.NewSymDense(g.Dim(), nil)
		} else {
			acc.Sq = make([]float64, g.Dim())
		}
		s.Gauss = append(s.Gauss, acc)
	}
	return s
}

// ModelSet returns the model set the accumulators are bound to.
func (s *Set) ModelSet() *acoustic.ModelSet { return s.ms }

// Reset zeroes every accumulator and the running totals. It is called at the
// start of a re-estimation cycle.
func (s *Set) Reset() {
	for i := range s.Trans {
		zero(s.Trans[i].Occ)
		for _, row := range s.Trans[i].Count {
			zero(row)
		}
	}
	for i := range s.States {
		st := &s.States[i]
		st.Occ = 0
		st.Dur = DurAcc{}
		for _, sa := range st.Streams {
			zero(sa.Weights)
		}
	}
	for i := range s.Gauss {
		g := &s.Gauss[i]
		g.Occ = 0
		zero(g.Sum)
		zero(g.Sq)
		if g.Cross != nil {
			g.Cross.Zero()
		}
	}
	s.Utterances, s.Frames, s.LogProb = 0, 0, 0
}

func zero(v []float64) {
	for i := range v {
		v[i] = 0
	}
}

// Merge adds the accumulators of o into s.
func (s *Set) Merge(o *Set) error {
	if err := s.sameShape(o); err != nil {
		return err
	}
	for i := range s.Trans {
		floats.Add(s.Trans[i].Occ, o.Trans[i].Occ)
		for r, row := range s.Trans[i].Count {
			floats.Add(row, o.Trans[i].Count[r])
		}
	}
	for i := range s.States {
		st, ot := &s.States[i], &o.States[i]
		st.Occ += ot.Occ
		st.Dur.Visits += ot.Dur.Visits
		st.Dur.Sum += ot.Dur.Sum
		st.Dur.SumSq += ot.Dur.SumSq
		for k := range st.Streams {
			floats.Add(st.Streams[k].Weights, ot.Streams[k].Weights)
		}
	}
	for i := range s.Gauss {
		g, og := &s.Gauss[i], &o.Gauss[i]
		g.Occ += og.Occ
		floats.Add(g.Sum, og.Sum)
		if g.Sq != nil {
			floats.Add(g.Sq, og.Sq)
		}
		if g.Cross != nil {
			g.Cross.AddSym(g.Cross, og.Cross)
		}
	}
	s.Utterances += o.Utterances
	s.Frames += o.Frames
	s.LogProb += o.LogProb
	return nil
}

func (s *Set) sameShape(o *Set) error {
	if len(s.Trans) != len(o.Trans) || len(s.States) != len(o.States) || len(s.Gauss) != len(o.Gauss) {
		return fmt.Errorf("%w: %d/%d/%d vs %d/%d/%d models/states/gaussians", ErrShape,
			len(s.Trans), len(s.States), len(s.Gauss), len(o.Trans), len(o.States), len(o.Gauss))
	}
	for i := range s.Trans {
		if len(s.Trans[i].Occ) != len(o.Trans[i].Occ) {
			return fmt.Errorf("%w: model %d", ErrShape, i)
		}
	}
	for i := range s.States {
		if len(s.States[i].Streams) != len(o.States[i].Streams) {
			return fmt.Errorf("%w: state %d", ErrShape, i)
		}
		for k := range s.States[i].Streams {
			if len(s.States[i].Streams[k].Weights) != len(o.States[i].Streams[k].Weights) {
				return fmt.Errorf("%w: state %d stream %d", ErrShape, i, k)
			}
		}
	}
	for i := range s.Gauss {
		if len(s.Gauss[i].Sum) != len(o.Gauss[i].Sum) || (s.Gauss[i].Cross == nil) != (o.Gauss[i].Cross == nil) {
			return fmt.Errorf("%w: gaussian %d", ErrShape, i)
		}
	}
	return nil
}

// wire format of a dumped Set
type wireSet struct {
	Models     []string    `msgpack:"models"`
	Trans      []TransAcc  `msgpack:"trans"`
	States     []StateAcc  `msgpack:"states"`
	Gauss      []wireGauss `msgpack:"gauss"`
	Utterances int         `msgpack:"utterances"`
	Frames     int         `msgpack:"frames"`
	LogProb    float64     `msgpack:"log_prob"`
}

type wireGauss struct {
	Occ   float64   `msgpack:"occ"`
	Sum   []float64 `msgpack:"sum"`
	Sq    []float64 `msgpack:"sq,omitempty"`
	Cross []float64 `msgpack:"cross,omitempty"` // row-major
}

// Save writes the accumulators in msgpack form so partial statistics from
// separate runs can be merged later.
func (s *Set) Save(w io.Writer) error {
	ws := wireSet{
		Trans:      s.Trans,
		States:     s.States,
		Utterances: s.Utterances,
		Frames:     s.Frames,
		LogProb:    s.LogProb,
	}
	if s.ms != nil {
		for _, h := range s.ms.HMMs() {
			ws.Models = append(ws.Models, h.Name)
		}
	}
	for _, g := range s.Gauss {
		wg := wireGauss{Occ: g.Occ, Sum: g.Sum, Sq: g.Sq}
		if g.Cross != nil {
			n := g.Cross.SymmetricDim()
			wg.Cross = make([]float64, 0, n*n)
			for i := 0; i < n; i++ {
				for j := 0; j < n; j++ {
					wg.Cross = append(wg.Cross, g.Cross.At(i, j))
				}
			}
		}
		ws.Gauss = append(ws.Gauss, wg)
	}
	data, err := msgpack.Marshal(&ws)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// Load reads accumulators written by Save and binds them to ms, which must
// be the model set they were gathered with.
func Load(r io.Reader, ms *acoustic.ModelSet) (*Set, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var ws wireSet
	if err := msgpack.Unmarshal(data, &ws); err != nil {
		return nil, fmt.Errorf("stats: decode: %w", err)
	}

	s := New(ms)
	hmms := ms.HMMs()
	if len(ws.Models) != len(hmms) {
		return nil, fmt.Errorf("%w: dump has %d models, model set %d", ErrShape, len(ws.Models), len(hmms))
	}
	for i, name := range ws.Models {
		if hmms[i].Name != name {
			return nil, fmt.Errorf("%w: model %d is %q in dump, %q in model set", ErrShape, i, name, hmms[i].Name)
		}
	}
	loaded := &Set{Trans: ws.Trans, States: ws.States, Utterances: ws.Utterances, Frames: ws.Frames, LogProb: ws.LogProb}
	for _, wg := range ws.Gauss {
		g := GaussAcc{Occ: wg.Occ, Sum: wg.Sum, Sq: wg.Sq}
		if wg.Cross != nil {
			g.Cross = mat.NewSymDense(len(wg.Sum), wg.Cross)
		}
		loaded.Gauss = append(loaded.Gauss, g)
	}
	if err := s.Merge(loaded); err != nil {
		return nil, err
	}
	return s, nil
}
