package corpus

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ieee0824/fbtrain/fwdbwd"
)

func sample() []Record {
	return []Record{
		{
			Name:   "u1",
			Labels: []string{"a", "b"},
			Frames: [][][]float64{{{1, 2}}, {{3, 4}}, {{5, 6}}},
			Segments: []fwdbwd.Segment{
				{Label: "a", StartFrame: 0, EndFrame: 1},
				{Label: "b", StartFrame: 1, EndFrame: 3},
			},
		},
		{Name: "u2", Labels: []string{"c"}, Frames: [][][]float64{{{0, 0}}}},
	}
}

func TestSaveLoad(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Save(&buf, sample()))
	got, err := Load(&buf)
	require.NoError(t, err)
	assert.Equal(t, sample(), got)

	u := got[0].Utterance()
	assert.Equal(t, "u1", u.Name)
	assert.Equal(t, 3, u.Obs.NumFrames())
	assert.Equal(t, [][]float64{{3, 4}}, u.Obs.Frame(1))
	assert.Len(t, u.Segments, 2)
	assert.Len(t, Utterances(got), 2)
}

func TestSaveLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.gob")
	require.NoError(t, SaveFile(path, sample()))
	got, err := LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.gob"))
	assert.Error(t, err)
}

func TestLoadEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Save(&buf, nil))
	_, err := Load(&buf)
	assert.ErrorIs(t, err, ErrEmpty)

	_, err = Load(bytes.NewReader([]byte("not gob")))
	assert.Error(t, err)
}

func TestDelta(t *testing.T) {
	// linear ramp: interior deltas equal the slope
	feats := [][]float64{{0}, {1}, {2}, {3}, {4}, {5}}
	d := Delta(feats, 2)
	require.Len(t, d, 6)
	assert.InDelta(t, 1.0, d[2][0], 1e-12)
	assert.InDelta(t, 1.0, d[3][0], 1e-12)
	// clamped edges: (1*(1-0) + 2*(2-0)) / 10
	assert.InDelta(t, 0.5, d[0][0], 1e-12)
	assert.Nil(t, Delta(nil, 2))
}

func TestAddDeltaStreams(t *testing.T) {
	r := Record{Name: "u", Frames: [][][]float64{{{0, 1}}, {{1, 1}}, {{2, 1}}, {{3, 1}}}}
	require.NoError(t, r.AddDeltaStreams(0, 1))
	assert.Equal(t, 3, r.NumStreams())
	assert.InDelta(t, 1.0, r.Frames[1][1][0], 1e-12)
	assert.InDelta(t, 0.0, r.Frames[1][1][1], 1e-12)
	assert.Len(t, r.Frames[2][2], 2)
	assert.Error(t, r.AddDeltaStreams(5, 1))
}

func TestSplitStreams(t *testing.T) {
	out, err := SplitStreams([][]float64{{1, 2, 3}, {4, 5, 6}}, []int{2, 1})
	require.NoError(t, err)
	assert.Equal(t, [][][]float64{{{1, 2}, {3}}, {{4, 5}, {6}}}, out)

	_, err = SplitStreams([][]float64{{1, 2}}, []int{2, 1})
	assert.Error(t, err)
}
