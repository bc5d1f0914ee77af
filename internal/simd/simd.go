// Package simd holds the distance kernels used by Gaussian evaluation.
// The loops are unrolled by four so the compiler keeps the partial sums in
// registers.
package simd

// MahalanobisAccum computes sum((x[i]-mean[i])^2 * invVar[i]) for i in 0..len(x)-1.
func MahalanobisAccum(x, mean, invVar []float64) float64 {
	n := len(x)
	if n == 0 {
		return 0
	}
	mean = mean[:n]
	invVar = invVar[:n]
	var s0, s1, s2, s3 float64
	i := 0
	for ; i+4 <= n; i += 4 {
		d0 := x[i] - mean[i]
		d1 := x[i+1] - mean[i+1]
		d2 := x[i+2] - mean[i+2]
		d3 := x[i+3] - mean[i+3]
		s0 += d0 * d0 * invVar[i]
		s1 += d1 * d1 * invVar[i+1]
		s2 += d2 * d2 * invVar[i+2]
		s3 += d3 * d3 * invVar[i+3]
	}
	for ; i < n; i++ {
		d := x[i] - mean[i]
		s0 += d * d * invVar[i]
	}
	return (s0 + s1) + (s2 + s3)
}

// MahalanobisPartial accumulates the same distance as MahalanobisAccum but
// stops as soon as the running sum exceeds limit. It reports the (possibly
// partial) distance and whether the full vector was consumed. Because every
// term is non-negative the partial sum is a lower bound of the full distance.
func MahalanobisPartial(x, mean, invVar []float64, limit float64) (float64, bool) {
	n := len(x)
	mean = mean[:n]
	invVar = invVar[:n]
	sum := 0.0
	i := 0
	for ; i+4 <= n; i += 4 {
		d0 := x[i] - mean[i]
		d1 := x[i+1] - mean[i+1]
		d2 := x[i+2] - mean[i+2]
		d3 := x[i+3] - mean[i+3]
		sum += d0*d0*invVar[i] + d1*d1*invVar[i+1] + d2*d2*invVar[i+2] + d3*d3*invVar[i+3]
		if sum > limit {
			return sum, false
		}
	}
	for ; i < n; i++ {
		d := x[i] - mean[i]
		sum += d * d * invVar[i]
		if sum > limit {
			return sum, i == n-1
		}
	}
	return sum, true
}
