package fwdbwd

// Observations is the per-utterance observation source. Frame returns one
// vector per stream; discrete streams carry the symbol in element 0.
type Observations interface {
	NumFrames() int
	Frame(t int) [][]float64
}

// Frames is an in-memory observation sequence indexed [t][stream][dim].
type Frames [][][]float64

func (f Frames) NumFrames() int { return len(f) }

func (f Frames) Frame(t int) [][]float64 { return f[t] }

// SingleStream wraps a [t][dim] feature matrix as a one-stream source.
type SingleStream [][]float64

func (s SingleStream) NumFrames() int { return len(s) }

func (s SingleStream) Frame(t int) [][]float64 { return [][]float64{s[t]} }

// Segment constrains label i of an utterance to frames [StartFrame, EndFrame).
// Label, when set, must equal the utterance label it belongs to.
type Segment struct {
	Label      string
	StartFrame int
	EndFrame   int
}

// Utterance is one training item: a label sequence and its observations.
// Segments, when non-nil, has one entry per label (after any triphone
// expansion, which does not change the label count).
type Utterance struct {
	Name     string
	Labels   []string
	Obs      Observations
	Segments []Segment
}
