package fwdbwd

import (
	"math"

	"github.com/ieee0824/fbtrain/acoustic"
	"github.com/ieee0824/fbtrain/adapt"
	"github.com/ieee0824/fbtrain/internal/mathutil"
)

// gaussMemo caches one component log-likelihood per Gaussian, stamped with
// the utterance generation and frame it was computed for. Shared Gaussians
// are therefore evaluated once per frame no matter how many states use them.
type gaussMemo struct {
	gen []uint64
	t   []int
	val []float64
}

func newGaussMemo(n int) gaussMemo {
	return gaussMemo{gen: make([]uint64, n), t: make([]int, n), val: make([]float64, n)}
}

func (m *gaussMemo) lookup(id int, gen uint64, t int) (float64, bool) {
	if m.gen[id] == gen && m.t[id] == t {
		return m.val[id], true
	}
	return 0, false
}

func (m *gaussMemo) store(id int, gen uint64, t int, v float64) {
	m.gen[id], m.t[id], m.val[id] = gen, t, v
}

// xformCache holds the transformed stream-s observation per transform
// class, stamped like gaussMemo. Frames of odd and even index have separate
// slots since the backward pass reads frames t and t+1 together.
type xformCache struct {
	ct      adapt.ClassTransform
	streams int
	gen     []uint64
	t       []int
	y       [][]float64
	logDet  []float64
}

func newXformCache(ct adapt.ClassTransform, streams int) xformCache {
	n := 2 * ct.NumClasses() * streams
	return xformCache{
		ct:      ct,
		streams: streams,
		gen:     make([]uint64, n),
		t:       make([]int, n),
		y:       make([][]float64, n),
		logDet:  make([]float64, n),
	}
}

// transformed returns the stream-s observation x of frame t as seen by g,
// and the log-determinant of the transform. The returned slice is only
// valid until frame t+2 is transformed.
func (e *Engine) transformed(g *acoustic.Gaussian, s int, x []float64, t int) ([]float64, float64) {
	c := &e.xform
	if c.ct == nil {
		return e.transform.Apply(g, x, t)
	}
	k := c.ct.Class(g)
	if k < 0 {
		return x, 0
	}
	i := 2*(k*c.streams+s) + t&1
	if c.gen[i] != e.gen || c.t[i] != t {
		if len(c.y[i]) != len(x) {
			c.y[i] = make([]float64, len(x))
		}
		c.logDet[i] = c.ct.ApplyClass(k, c.y[i], x)
		c.gen[i], c.t[i] = e.gen, t
	}
	return c.y[i], c.logDet[i]
}

// compLogProb returns log N(x; g) for the frame-t observation x of stream
// s, after the feature transform, using memo.
func (e *Engine) compLogProb(memo *gaussMemo, g *acoustic.Gaussian, s int, x []float64, t int) float64 {
	if v, ok := memo.lookup(g.ID, e.gen, t); ok {
		e.cacheHits++
		return v
	}
	y, logDet := e.transformed(g, s, x, t)
	v := g.LogProb(y) + logDet
	memo.store(g.ID, e.gen, t, v)
	return v
}

// streamLogProb evaluates one stream's output distribution.
func (e *Engine) streamLogProb(memo *gaussMemo, d acoustic.OutputDist, s int, x []float64, t int, partial bool) float64 {
	switch dist := d.(type) {
	case *acoustic.Discrete:
		return dist.LogProb(x)
	case *acoustic.GMM:
		if partial {
			return e.gmmPartial(memo, dist, s, x, t)
		}
		sum := mathutil.LogZero
		for i := range dist.Components {
			c := &dist.Components[i]
			if c.LogWeight < acoustic.LogMinMixWeight {
				continue
			}
			sum = mathutil.LogAdd(sum, c.LogWeight+e.compLogProb(memo, c.Gauss, s, x, t))
		}
		return sum
	}
	return mathutil.LogZero
}

// gmmPartial evaluates a diagonal mixture with partial distance elimination:
// after the first component, a component is abandoned as soon as its
// partial distance shows it lies more than the mixture pruning margin below
// the best component so far. Only valid for diagonal covariances, which
// NewEngine enforces.
func (e *Engine) gmmPartial(memo *gaussMemo, gmm *acoustic.GMM, s int, x []float64, t int) float64 {
	margin := -e.cfg.Pruning.MinForwardProb
	best := mathutil.LogZero
	sum := mathutil.LogZero
	for i := range gmm.Components {
		c := &gmm.Components[i]
		if c.LogWeight < acoustic.LogMinMixWeight {
			continue
		}
		var lp float64
		if v, ok := memo.lookup(c.Gauss.ID, e.gen, t); ok {
			lp = v
		} else if mathutil.IsZero(best) {
			lp = e.compLogProb(memo, c.Gauss, s, x, t)
		} else {
			y, logDet := e.transformed(c.Gauss, s, x, t)
			v, done := c.Gauss.PartialLogProb(y, best-c.LogWeight-margin-logDet)
			if !done {
				e.pdeSkips++
				continue
			}
			lp = v + logDet
			memo.store(c.Gauss.ID, e.gen, t, lp)
		}
		v := c.LogWeight + lp
		sum = mathutil.LogAdd(sum, v)
		if v > best {
			best = v
		}
	}
	return sum
}

// outCache holds prob(t, q, j) for the current trial. Frame t has one
// column laid out like beta[t]: every state of the instances in the
// provisional beam of t, starting at state offset base[t]. Per state it
// stores the total log output probability followed by one value per
// stream. Columns are carved from the trial arena when the backward pass
// reaches the frame and filled lazily per state.
type outCache struct {
	e      *Engine
	seq    *sequence
	frames [][][]float64
	cols   [][]float64 // per frame
	base   []int       // shared with the trial
	stride int         // 1 + number of streams
}

// open allocates the column of frame t for instances lo..hi. base[t] must
// already hold stateOff[lo].
func (c *outCache) open(t, lo, hi int) {
	n := c.seq.stateOff[hi+1] - c.seq.stateOff[lo]
	c.cols[t] = c.e.arena.FloatsFill(n*c.stride, math.NaN())
}

func (c *outCache) cell(t, q, j int) []float64 {
	k := (c.seq.stateOff[q] - c.base[t] + j) * c.stride
	return c.cols[t][k : k+c.stride]
}

// prob returns log b_j(o_t) of emitting state j of instance q.
func (c *outCache) prob(t, q, j int) float64 {
	r := c.cell(t, q, j)
	if math.IsNaN(r[0]) {
		c.fill(r, t, q, j)
	}
	return r[0]
}

// streamProb returns the unweighted stream-s log output probability of
// state j, computing the state if necessary.
func (c *outCache) streamProb(t, q, j, s int) float64 {
	r := c.cell(t, q, j)
	if math.IsNaN(r[0]) {
		c.fill(r, t, q, j)
	}
	return r[1+s]
}

func (c *outCache) fill(cell []float64, t, q, j int) {
	st := c.seq.align[q].States[j]
	x := c.frames[t]
	total := 0.0
	for s, d := range st.Streams {
		lp := c.e.streamLogProb(&c.e.memo, d, s, x[s], t, c.e.cfg.PartialDistance)
		cell[1+s] = lp
		if mathutil.IsZero(lp) {
			total = mathutil.LogZero
			continue
		}
		if !mathutil.IsZero(total) {
			total += st.StreamWeight(s) * lp
		}
	}
	cell[0] = total
}
