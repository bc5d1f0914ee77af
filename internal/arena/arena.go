// Package arena provides a resettable slab allocator for per-utterance
// dynamic-programming tables. Memory handed out by an Arena stays owned by
// the arena: after Reset or Release the slices must no longer be used, and
// the next allocations reuse the same backing chunks.
package arena

// DefaultChunk is the number of elements in a freshly allocated chunk.
const DefaultChunk = 1 << 16

// slab hands out sub-slices of a growing list of chunks.
type slab[T any] struct {
	chunks [][]T
	cur    int // index of the chunk being carved
	off    int // next free element in chunks[cur]
	size   int
}

func (s *slab[T]) alloc(n int) []T {
	if n == 0 {
		return nil
	}
	for s.cur < len(s.chunks) {
		c := s.chunks[s.cur]
		if s.off+n <= len(c) {
			out := c[s.off : s.off+n : s.off+n]
			s.off += n
			return out
		}
		s.cur++
		s.off = 0
	}
	size := s.size
	if n > size {
		size = n
	}
	s.chunks = append(s.chunks, make([]T, size))
	s.cur = len(s.chunks) - 1
	s.off = n
	return s.chunks[s.cur][:n:n]
}

func (s *slab[T]) capacity() int {
	total := 0
	for _, c := range s.chunks {
		total += len(c)
	}
	return total
}

// Mark records an allocation position that can later be restored with Release.
type Mark struct {
	fCur, fOff int
	iCur, iOff int
}

// Arena allocates float64 and int slices from reusable chunks.
// It is not safe for concurrent use; give each engine its own arena.
type Arena struct {
	floats slab[float64]
	ints   slab[int]
}

// New creates an arena whose chunks hold at least chunk elements.
func New(chunk int) *Arena {
	if chunk <= 0 {
		chunk = DefaultChunk
	}
	return &Arena{
		floats: slab[float64]{size: chunk},
		ints:   slab[int]{size: chunk},
	}
}

// Floats returns n float64 slots. Contents are unspecified.
func (a *Arena) Floats(n int) []float64 {
	return a.floats.alloc(n)
}

// FloatsFill returns n float64 slots set to v.
func (a *Arena) FloatsFill(n int, v float64) []float64 {
	out := a.floats.alloc(n)
	for i := range out {
		out[i] = v
	}
	return out
}

// Ints returns n int slots set to zero.
func (a *Arena) Ints(n int) []int {
	out := a.ints.alloc(n)
	clear(out)
	return out
}

// Mark returns the current allocation position.
func (a *Arena) Mark() Mark {
	return Mark{
		fCur: a.floats.cur, fOff: a.floats.off,
		iCur: a.ints.cur, iOff: a.ints.off,
	}
}

// Release rewinds the arena to m. Everything allocated after m is invalidated.
func (a *Arena) Release(m Mark) {
	a.floats.cur, a.floats.off = m.fCur, m.fOff
	a.ints.cur, a.ints.off = m.iCur, m.iOff
}

// Reset rewinds the arena to empty in O(1), keeping its chunks for reuse.
func (a *Arena) Reset() {
	a.Release(Mark{})
}

// Cap reports the number of bytes held by the arena's chunks.
func (a *Arena) Cap() int {
	return a.floats.capacity()*8 + a.ints.capacity()*8
}
