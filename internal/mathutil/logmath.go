package mathutil

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// LogZero represents log(0), used as negative infinity in log-domain arithmetic.
const LogZero = -1e30

// LogSmall is the threshold below which a log value is treated as zero probability.
const LogSmall = -0.5e30

// MinExpArg is the smallest argument for which math.Exp does not underflow.
const MinExpArg = -708.3

// MinLogExp is the log-domain cut-off under which an occupancy is clamped to zero.
var MinLogExp = -math.Log(-LogZero)

// LogAdd returns log(exp(a) + exp(b)) in a numerically stable way.
// Uses threshold-based early exit to skip expensive exp/log1p when the
// smaller value contributes less than float64 precision (exp(-36) ≈ 2.3e-16).
func LogAdd(a, b float64) float64 {
	if a > b {
		if b < LogSmall {
			return a
		}
		d := b - a
		if d < -36.0 {
			return a
		}
		return a + math.Log1p(math.Exp(d))
	}
	if a < LogSmall {
		return b
	}
	d := a - b
	if d < -36.0 {
		return b
	}
	return b + math.Log1p(math.Exp(d))
}

// LogSub returns log(exp(a) - exp(b)), assuming a > b.
func LogSub(a, b float64) float64 {
	if b < LogSmall {
		return a
	}
	if a <= b {
		return LogZero
	}
	return a + math.Log1p(-math.Exp(b-a))
}

// LogSumExp returns log(sum(exp(xs))). Entries below LogSmall are ignored;
// an empty or all-zero input yields LogZero.
func LogSumExp(xs []float64) float64 {
	live := make([]float64, 0, len(xs))
	for _, x := range xs {
		if x >= LogSmall {
			live = append(live, x)
		}
	}
	if len(live) == 0 {
		return LogZero
	}
	return floats.LogSumExp(live)
}

// IsZero reports whether x represents zero probability.
func IsZero(x float64) bool {
	return x < LogSmall
}

// SafeExp returns exp(x), or 0 when x would underflow.
func SafeExp(x float64) float64 {
	if x < MinExpArg {
		return 0
	}
	return math.Exp(x)
}

// Occupancy converts a log posterior into a linear weight, clamping values
// below MinLogExp to exactly zero.
func Occupancy(x float64) float64 {
	if x < MinLogExp {
		return 0
	}
	return math.Exp(x)
}
