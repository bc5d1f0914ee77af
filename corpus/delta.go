package corpus

import "fmt"

// Delta computes regression coefficients with window N:
// d[t] = sum_{n=1}^{N} n*(c[t+n] - c[t-n]) / (2 * sum_{n=1}^{N} n^2)
// Frames beyond the edges are clamped to the first or last frame.
func Delta(features [][]float64, N int) [][]float64 {
	T := len(features)
	if T == 0 {
		return nil
	}
	dim := len(features[0])
	deltas := make([][]float64, T)

	denom := 0.0
	for n := 1; n <= N; n++ {
		denom += float64(n * n)
	}
	denom *= 2.0

	buf := make([]float64, T*dim)
	for t := 0; t < T; t++ {
		deltas[t] = buf[t*dim : (t+1)*dim]
		for d := 0; d < dim; d++ {
			num := 0.0
			for n := 1; n <= N; n++ {
				tp := min(t+n, T-1)
				tn := max(t-n, 0)
				num += float64(n) * (features[tp][d] - features[tn][d])
			}
			deltas[t][d] = num / denom
		}
	}
	return deltas
}

// AddDeltaStreams appends delta and delta-delta streams computed from stream
// src, so a one-stream record becomes the classic three-stream layout.
func (r *Record) AddDeltaStreams(src, window int) error {
	if src < 0 || src >= r.NumStreams() {
		return fmt.Errorf("corpus: record %q has no stream %d", r.Name, src)
	}
	statics := make([][]float64, len(r.Frames))
	for t, f := range r.Frames {
		statics[t] = f[src]
	}
	d1 := Delta(statics, window)
	d2 := Delta(d1, window)
	for t := range r.Frames {
		r.Frames[t] = append(r.Frames[t], d1[t], d2[t])
	}
	return nil
}

// SplitStreams cuts single-vector frames into consecutive streams of the
// given widths, which must add up to the frame width.
func SplitStreams(features [][]float64, widths []int) ([][][]float64, error) {
	total := 0
	for _, w := range widths {
		total += w
	}
	out := make([][][]float64, len(features))
	for t, x := range features {
		if len(x) != total {
			return nil, fmt.Errorf("corpus: frame %d has width %d, streams need %d", t, len(x), total)
		}
		out[t] = make([][]float64, len(widths))
		off := 0
		for s, w := range widths {
			out[t][s] = x[off : off+w : off+w]
			off += w
		}
	}
	return out, nil
}
