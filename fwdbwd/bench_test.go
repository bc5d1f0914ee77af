package fwdbwd

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ieee0824/fbtrain/acoustic"
)

func benchmarkRun(b *testing.B, T int, partial bool) {
	rng := rand.New(rand.NewSource(3))
	ms := acoustic.NewModelSet(acoustic.PlainSet, []int{13})
	labels := []string{"sil", "a", "i", "u", "e", "o", "sil"}
	for _, name := range []string{"sil", "a", "i", "u", "e", "o"} {
		require.NoError(b, ms.Add(acoustic.NewLeftToRight(name, 3, []int{13}, 4, rng)))
	}
	cfg := DefaultConfig()
	cfg.PartialDistance = partial
	e, err := NewEngine(cfg, ms)
	require.NoError(b, err)
	u := &Utterance{Name: "bench", Labels: labels, Obs: randomFrames(4, T, 13)}
	b.ResetTimer()
	for b.Loop() {
		if _, err := e.Run(u); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkRun_200frames(b *testing.B) { benchmarkRun(b, 200, false) }
func BenchmarkRun_1000frames(b *testing.B) { benchmarkRun(b, 1000, false) }
func BenchmarkRun_1000frames_PDE(b *testing.B) { benchmarkRun(b, 1000, true) }
