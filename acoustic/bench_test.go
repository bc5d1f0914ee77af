package acoustic

import (
	"math/rand"
	"testing"
)

func randomObs(rng *rand.Rand, dim int) []float64 {
	obs := make([]float64, dim)
	for i := range obs {
		obs[i] = rng.NormFloat64()
	}
	return obs
}

func benchmarkGMM(b *testing.B, k int) {
	rng := rand.New(rand.NewSource(1))
	gmm := NewGMM(k, 39, rng)
	obs := randomObs(rng, 39)
	b.ResetTimer()
	for b.Loop() {
		gmm.LogProb(obs)
	}
}

func BenchmarkGMM_LogProb_1mix_39dim(b *testing.B) { benchmarkGMM(b, 1) }
func BenchmarkGMM_LogProb_4mix_39dim(b *testing.B) { benchmarkGMM(b, 4) }
func BenchmarkGMM_LogProb_16mix_39dim(b *testing.B) { benchmarkGMM(b, 16) }

func BenchmarkState_LogProb_3streams(b *testing.B) {
	rng := rand.New(rand.NewSource(1))
	h := NewLeftToRight("a", 3, []int{13, 13, 13}, 8, rng)
	obs := [][]float64{randomObs(rng, 13), randomObs(rng, 13), randomObs(rng, 13)}
	b.ResetTimer()
	for b.Loop() {
		h.LogLikelihood(2, obs)
	}
}

func BenchmarkPartialLogProb_39dim(b *testing.B) {
	rng := rand.New(rand.NewSource(1))
	g := NewGMM(1, 39, rng).Components[0].Gauss
	obs := randomObs(rng, 39)
	floor := g.LogProb(obs) - 5
	b.ResetTimer()
	for b.Loop() {
		g.PartialLogProb(obs, floor)
	}
}
