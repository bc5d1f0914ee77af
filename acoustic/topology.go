package acoustic

import (
	"github.com/ieee0824/fbtrain/internal/mathutil"
)

// MinDuration returns the minimum number of frames needed to pass from the
// entry to the exit state of h, following non-zero transitions only
// (self-loops never shorten a path). Each emitting state visited costs one
// frame; the exit state is free.
//
// unreachable lists the states that cannot be reached from the entry or
// cannot reach the exit. If the exit itself is unreachable the returned
// duration is an estimate (the number of emitting states, at least 1) and
// ok is false.
func MinDuration(h *HMM) (frames int, unreachable []int, ok bool) {
	n := h.NumStates()
	const inf = int(^uint(0) >> 1)

	// 0-1 BFS from the entry: entering an emitting state costs 1, the exit 0.
	dist := make([]int, n)
	for i := range dist {
		dist[i] = inf
	}
	dist[0] = 0
	deque := []int{0}
	for len(deque) > 0 {
		i := deque[0]
		deque = deque[1:]
		for j := 1; j < n; j++ {
			if j == i || mathutil.IsZero(h.TransLog[i][j]) {
				continue
			}
			cost := 1
			if j == n-1 {
				cost = 0
			}
			if d := dist[i] + cost; d < dist[j] {
				dist[j] = d
				if cost == 0 {
					deque = append([]int{j}, deque...)
				} else {
					deque = append(deque, j)
				}
			}
		}
	}

	// Reverse reachability from the exit.
	reach := make([]bool, n)
	reach[n-1] = true
	for changed := true; changed; {
		changed = false
		for i := 0; i < n-1; i++ {
			if reach[i] {
				continue
			}
			for j := 1; j < n; j++ {
				if j != i && reach[j] && !mathutil.IsZero(h.TransLog[i][j]) {
					reach[i] = true
					changed = true
					break
				}
			}
		}
	}

	for i := 0; i < n; i++ {
		if dist[i] == inf || !reach[i] {
			unreachable = append(unreachable, i)
		}
	}

	if dist[n-1] == inf {
		est := h.NumEmitting()
		if est < 1 {
			est = 1
		}
		return est, unreachable, false
	}
	return dist[n-1], unreachable, true
}
