package stats

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/ieee0824/fbtrain/acoustic"
)

func testSet(t *testing.T) *acoustic.ModelSet {
	t.Helper()
	rng := rand.New(rand.NewSource(1))
	ms := acoustic.NewModelSet(acoustic.PlainSet, []int{2})
	require.NoError(t, ms.Add(acoustic.NewLeftToRight("b", 2, []int{2}, 2, rng)))

	full := acoustic.NewLeftToRight("a", 1, []int{2}, 1, rng)
	g, err := acoustic.NewFullGaussian([]float64{0, 0}, mat.NewSymDense(2, []float64{1, 0, 0, 1}))
	require.NoError(t, err)
	full.States[1].Streams[0] = acoustic.NewTiedGMM([]*acoustic.Gaussian{g}, []float64{0})
	require.NoError(t, ms.Add(full))
	require.NoError(t, ms.Finalize())
	return ms
}

func TestNewShape(t *testing.T) {
	ms := testSet(t)
	s := New(ms)
	assert.Same(t, ms, s.ModelSet())
	require.Len(t, s.Trans, 2)
	assert.Len(t, s.Trans[0].Occ, 3) // "a" sorts first
	assert.Len(t, s.Trans[1].Count, 4)
	require.Len(t, s.States, 3)
	assert.Len(t, s.States[1].Streams[0].Weights, 2)
	require.Len(t, s.Gauss, 5)
	assert.NotNil(t, s.Gauss[0].Cross)
	assert.Nil(t, s.Gauss[0].Sq)
	assert.NotNil(t, s.Gauss[1].Sq)
}

func TestGaussAccDiagAndFullAgree(t *testing.T) {
	mean := []float64{1, -1}
	diag := GaussAcc{Sum: make([]float64, 2), Sq: make([]float64, 2)}
	full := GaussAcc{Sum: make([]float64, 2), Cross: mat.NewSymDense(2, nil)}

	obs := [][]float64{{0, 0}, {2, -1}, {1.5, 1}}
	w := []float64{0.5, 1, 0.25}
	for i, x := range obs {
		diag.AddDiag(w[i], x, mean)
		full.AddFull(w[i], x, mean)
	}
	assert.InDelta(t, 1.75, diag.Occ, 1e-12)
	assert.InDeltaSlice(t, diag.Sum, full.Sum, 1e-12)
	assert.InDeltaSlice(t, diag.Variance(), full.Variance(), 1e-12)

	// Direct weighted moments.
	m0 := (0.5*0 + 1*2 + 0.25*1.5) / 1.75
	assert.InDelta(t, m0, diag.Mean(mean)[0], 1e-12)
	v0 := (0.5*0*0+1*2*2+0.25*1.5*1.5)/1.75 - m0*m0
	assert.InDelta(t, v0, diag.Variance()[0], 1e-12)
	// Off-diagonal: Σ w (x0-μ0)(x1-μ1)
	assert.InDelta(t, 0.5*(-1)*(1)+1*(1)*(0)+0.25*(0.5)*(2), full.Cross.At(0, 1), 1e-12)

	var empty GaussAcc
	assert.Nil(t, empty.Mean(mean))
	assert.Nil(t, empty.Variance())
}

func fill(s *Set, v float64) {
	for i := range s.Trans {
		s.Trans[i].Occ[1] += v
		s.Trans[i].Count[1][2] += v
	}
	for i := range s.States {
		s.States[i].Occ += v
		s.States[i].Streams[0].Weights[0] += v
		s.States[i].Dur.Add(v, 3)
	}
	for i := range s.Gauss {
		g := &s.Gauss[i]
		x := []float64{v, 2 * v}
		if g.Cross != nil {
			g.AddFull(1, x, []float64{0, 0})
		} else {
			g.AddDiag(1, x, []float64{0, 0})
		}
	}
	s.Utterances++
	s.Frames += 10
	s.LogProb -= v
}

func TestResetAndMerge(t *testing.T) {
	ms := testSet(t)
	a, b := New(ms), New(ms)
	fill(a, 1)
	fill(b, 2)

	require.NoError(t, a.Merge(b))
	assert.Equal(t, 3.0, a.Trans[0].Count[1][2])
	assert.Equal(t, 3.0, a.States[2].Occ)
	assert.Equal(t, 3.0, a.States[2].Dur.Visits)
	assert.Equal(t, 9.0, a.States[2].Dur.Sum)
	assert.Equal(t, 2.0, a.Gauss[0].Occ)
	assert.Equal(t, 1.0+4.0, a.Gauss[0].Cross.At(0, 0))
	assert.Equal(t, 2, a.Utterances)
	assert.Equal(t, 20, a.Frames)
	assert.Equal(t, -3.0, a.LogProb)

	a.Reset()
	assert.Equal(t, New(ms).Trans, a.Trans)
	assert.Equal(t, New(ms).States, a.States)
	assert.Zero(t, a.Gauss[0].Occ)
	assert.Zero(t, a.Gauss[0].Cross.At(1, 1))
	assert.Zero(t, a.Gauss[1].Sq[0])
	assert.Zero(t, a.Utterances)
}

func TestMergeShapeMismatch(t *testing.T) {
	ms := testSet(t)
	other := acoustic.NewModelSet(acoustic.PlainSet, []int{2})
	require.NoError(t, other.Add(acoustic.NewLeftToRight("a", 1, []int{2}, 1, rand.New(rand.NewSource(2)))))
	require.NoError(t, other.Finalize())

	err := New(ms).Merge(New(other))
	assert.ErrorIs(t, err, ErrShape)
}

func TestSaveLoad(t *testing.T) {
	ms := testSet(t)
	s := New(ms)
	fill(s, 1.5)

	var buf bytes.Buffer
	require.NoError(t, s.Save(&buf))
	loaded, err := Load(&buf, ms)
	require.NoError(t, err)

	assert.Equal(t, s.Trans, loaded.Trans)
	assert.Equal(t, s.States, loaded.States)
	assert.Equal(t, s.Utterances, loaded.Utterances)
	assert.Equal(t, s.LogProb, loaded.LogProb)
	for i := range s.Gauss {
		assert.Equal(t, s.Gauss[i].Occ, loaded.Gauss[i].Occ)
		assert.Equal(t, s.Gauss[i].Sum, loaded.Gauss[i].Sum)
		if s.Gauss[i].Cross != nil {
			assert.True(t, mat.Equal(s.Gauss[i].Cross, loaded.Gauss[i].Cross))
		} else {
			assert.Equal(t, s.Gauss[i].Sq, loaded.Gauss[i].Sq)
		}
	}

	// Bound to a different model set.
	other := acoustic.NewModelSet(acoustic.PlainSet, []int{2})
	require.NoError(t, other.Add(acoustic.NewLeftToRight("z", 1, []int{2}, 1, rand.New(rand.NewSource(2)))))
	require.NoError(t, other.Finalize())
	buf.Reset()
	require.NoError(t, s.Save(&buf))
	_, err = Load(&buf, other)
	assert.ErrorIs(t, err, ErrShape)
}

func TestDurations(t *testing.T) {
	ms := testSet(t)
	s := New(ms)
	b, _ := ms.Lookup("b")
	a, _ := ms.Lookup("a")

	// b state 1: lengths 2 and 4 with equal weight -> mean 3, var 1
	s.States[b.States[1].ID].Dur.Add(1, 2)
	s.States[b.States[1].ID].Dur.Add(1, 4)
	// a state 1: constant length 3 -> var 0
	s.States[a.States[1].ID].Dur.Add(2, 3)

	durs := s.Durations(Floor{Percent: 50, Absolute: 0.1})
	require.Len(t, durs, 2)
	assert.Equal(t, "a", durs[0].Name)
	require.Len(t, durs[0].States, 1)
	// position 1 pools a and b: visits 4, mean 3, var (4+16+18)/4 - 9 = 0.5
	assert.InDelta(t, 3.0, durs[0].States[0].Mean, 1e-12)
	assert.InDelta(t, 0.25, durs[0].States[0].Variance, 1e-12)

	require.Len(t, durs[1].States, 2)
	assert.Equal(t, 1, durs[1].States[0].State)
	assert.InDelta(t, 1.0, durs[1].States[0].Variance, 1e-12)
	// never entered: floor only
	assert.Zero(t, durs[1].States[1].Mean)
	assert.InDelta(t, 0.1, durs[1].States[1].Variance, 1e-12)
}

func TestWriteDurationsIdempotent(t *testing.T) {
	ms := testSet(t)
	s := New(ms)
	fill(s, 0.7)

	var first, second bytes.Buffer
	floor := Floor{Percent: 10, Absolute: 0.01}
	require.NoError(t, s.WriteDurations(&first, floor))
	require.NoError(t, s.WriteDurations(&second, floor))
	assert.Equal(t, first.Bytes(), second.Bytes())
	assert.Contains(t, first.String(), "name: a")
}
