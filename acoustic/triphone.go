package acoustic

import (
	"fmt"
	"strings"
)

// Triphone represents a context-dependent label in "left-center+right" format.
// Sentence edges are represented by "#".
// Example: for labels [i, k, u] the triphones are "#-i+k", "i-k+u", "k-u+#".
type Triphone string

// Boundary is the context symbol for sequence edges.
const Boundary = "#"

// MakeTriphone constructs a triphone string from its components.
func MakeTriphone(left, center, right string) Triphone {
	return Triphone(fmt.Sprintf("%s-%s+%s", left, center, right))
}

// Center extracts the center (base) label from a triphone.
// For "i-k+u", returns "k". Labels without context are returned unchanged.
func (t Triphone) Center() string {
	s := string(t)
	if i := strings.IndexByte(s, '-'); i >= 0 {
		s = s[i+1:]
	}
	if i := strings.LastIndexByte(s, '+'); i >= 0 {
		s = s[:i]
	}
	return s
}

// ExpandTriphones converts a monophone label sequence to triphones.
// Labels listed in contextFree (typically silences) are kept as they are and
// act as context boundaries, so their neighbours see "#" as context.
// Example: [sil, i, k, u, sil] → [sil, #-i+k, i-k+u, k-u+#, sil]
func ExpandTriphones(labels []string, contextFree map[string]bool) []string {
	n := len(labels)
	if n == 0 {
		return nil
	}
	out := make([]string, n)
	for i, l := range labels {
		if contextFree[l] {
			out[i] = l
			continue
		}
		left, right := Boundary, Boundary
		if i > 0 && !contextFree[labels[i-1]] {
			left = labels[i-1]
		}
		if i < n-1 && !contextFree[labels[i+1]] {
			right = labels[i+1]
		}
		out[i] = string(MakeTriphone(left, l, right))
	}
	return out
}
