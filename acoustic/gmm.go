package acoustic

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/ieee0824/fbtrain/internal/mathutil"
	"github.com/ieee0824/fbtrain/internal/simd"
)

// MinMixWeight is the smallest mixture weight that still contributes to an
// output probability. Lighter components evaluate to exactly zero.
const MinMixWeight = 1e-5

// LogMinMixWeight is log(MinMixWeight).
var LogMinMixWeight = math.Log(MinMixWeight)

// CovKind selects the covariance representation of a Gaussian.
type CovKind uint8

const (
	// DiagCov stores per-dimension variances in Variance.
	DiagCov CovKind = iota
	// FullCov stores a symmetric covariance matrix in Cov.
	FullCov
)

func (k CovKind) String() string {
	switch k {
	case DiagCov:
		return "diag"
	case FullCov:
		return "full"
	}
	return fmt.Sprintf("CovKind(%d)", uint8(k))
}

// Gaussian represents a single multivariate Gaussian component.
// A *Gaussian may be shared by several mixtures (tied mixtures); ID is its
// dense index inside the owning ModelSet, assigned by Finalize.
type Gaussian struct {
	ID       int
	Kind     CovKind
	Mean     []float64     // [dim]
	Variance []float64     // [dim] diagonal covariance, DiagCov only
	Cov      *mat.SymDense // full covariance, FullCov only

	// Pre-computed values
	logNormConst float64
	invVariance  []float64     // [dim] 1/Variance, precomputed to avoid division in hot loop
	invCov       *mat.SymDense // inverse of Cov
}

// NewDiagGaussian creates a diagonal Gaussian and precomputes its constants.
func NewDiagGaussian(mean, variance []float64) (*Gaussian, error) {
	g := &Gaussian{
		Kind:     DiagCov,
		Mean:     append([]float64(nil), mean...),
		Variance: append([]float64(nil), variance...),
	}
	if err := g.Precompute(); err != nil {
		return nil, err
	}
	return g, nil
}

// NewFullGaussian creates a full-covariance Gaussian and precomputes its constants.
func NewFullGaussian(mean []float64, cov *mat.SymDense) (*Gaussian, error) {
	c := mat.NewSymDense(cov.SymmetricDim(), nil)
	c.CopySym(cov)
	g := &Gaussian{
		Kind: FullCov,
		Mean: append([]float64(nil), mean...),
		Cov:  c,
	}
	if err := g.Precompute(); err != nil {
		return nil, err
	}
	return g, nil
}

// Dim returns the dimensionality of the Gaussian.
func (g *Gaussian) Dim() int { return len(g.Mean) }

// Precompute recalculates cached normalization constants and inverse variances.
// Must be called after updating Mean, Variance or Cov.
func (g *Gaussian) Precompute() error {
	dim := len(g.Mean)
	switch g.Kind {
	case DiagCov:
		if len(g.Variance) != dim {
			return fmt.Errorf("gaussian: %d variances for %d-dim mean", len(g.Variance), dim)
		}
		g.invVariance = make([]float64, dim)
		sumLog := 0.0
		for i, v := range g.Variance {
			if v <= 0 {
				return fmt.Errorf("gaussian: non-positive variance %g at dim %d", v, i)
			}
			g.invVariance[i] = 1.0 / v
			sumLog += math.Log(v)
		}
		g.logNormConst = float64(dim)/2.0*math.Log(2*math.Pi) + 0.5*sumLog
	case FullCov:
		if g.Cov == nil || g.Cov.SymmetricDim() != dim {
			return fmt.Errorf("gaussian: full covariance does not match %d-dim mean", dim)
		}
		var chol mat.Cholesky
		if ok := chol.Factorize(g.Cov); !ok {
			return errors.New("gaussian: covariance is not positive definite")
		}
		inv := mat.NewSymDense(dim, nil)
		if err := chol.InverseTo(inv); err != nil {
			return fmt.Errorf("gaussian: invert covariance: %w", err)
		}
		g.invCov = inv
		g.logNormConst = float64(dim)/2.0*math.Log(2*math.Pi) + 0.5*chol.LogDet()
	default:
		return fmt.Errorf("gaussian: unknown covariance kind %v", g.Kind)
	}
	return nil
}

// LogProb computes the log probability of observation x under this Gaussian.
// It is safe for concurrent use once Precompute has returned.
func (g *Gaussian) LogProb(x []float64) float64 {
	if g.Kind == FullCov {
		d := make([]float64, len(g.Mean))
		for i := range d {
			d[i] = x[i] - g.Mean[i]
		}
		v := mat.NewVecDense(len(d), d)
		return -0.5*mat.Inner(v, g.invCov, v) - g.logNormConst
	}
	maha := simd.MahalanobisAccum(x, g.Mean, g.invVariance)
	return -0.5*maha - g.logNormConst
}

// PartialLogProb evaluates a diagonal Gaussian but gives up once the result
// is certain to be below floor. It returns the exact log probability and true,
// or an upper bound and false when evaluation stopped early.
func (g *Gaussian) PartialLogProb(x []float64, floor float64) (float64, bool) {
	limit := 2 * (-g.logNormConst - floor)
	if limit < 0 {
		return -g.logNormConst, false
	}
	maha, done := simd.MahalanobisPartial(x, g.Mean, g.invVariance, limit)
	return -0.5*maha - g.logNormConst, done
}

// OutputDist is a per-stream output distribution of an emitting state.
// Implementations are *GMM and *Discrete.
type OutputDist interface {
	// LogProb returns log b(x) for one stream observation.
	LogProb(x []float64) float64
	// NumMix returns the number of mixture components (symbols for Discrete).
	NumMix() int
}

// Mixture is one weighted component of a GMM.
type Mixture struct {
	LogWeight float64
	Gauss     *Gaussian
}

// GMM is a Gaussian mixture model. Components may be shared with other
// GMMs, which is how tied-mixture systems are represented.
type GMM struct {
	Components []Mixture
	Dim        int
}

// NewGMM creates a GMM with k diagonal components of dimension dim, initialized randomly.
func NewGMM(k, dim int, rng *rand.Rand) *GMM {
	g := &GMM{
		Components: make([]Mixture, k),
		Dim:        dim,
	}
	logW := -math.Log(float64(k))
	for i := range g.Components {
		mean := make([]float64, dim)
		variance := make([]float64, dim)
		for d := 0; d < dim; d++ {
			mean[d] = rng.NormFloat64()
			variance[d] = 1.0
		}
		gauss, _ := NewDiagGaussian(mean, variance)
		g.Components[i] = Mixture{LogWeight: logW, Gauss: gauss}
	}
	return g
}

// NewGMMWithParams creates a diagonal GMM from given parameters.
func NewGMMWithParams(means, variances [][]float64, logWeights []float64) (*GMM, error) {
	k := len(means)
	if k == 0 || len(variances) != k || len(logWeights) != k {
		return nil, fmt.Errorf("gmm: inconsistent parameter counts %d/%d/%d", k, len(variances), len(logWeights))
	}
	g := &GMM{
		Components: make([]Mixture, k),
		Dim:        len(means[0]),
	}
	for i := range g.Components {
		gauss, err := NewDiagGaussian(means[i], variances[i])
		if err != nil {
			return nil, fmt.Errorf("gmm component %d: %w", i, err)
		}
		g.Components[i] = Mixture{LogWeight: logWeights[i], Gauss: gauss}
	}
	return g, nil
}

// NewTiedGMM creates a mixture over a shared codebook of Gaussians.
func NewTiedGMM(codebook []*Gaussian, logWeights []float64) *GMM {
	g := &GMM{
		Components: make([]Mixture, len(codebook)),
	}
	if len(codebook) > 0 {
		g.Dim = codebook[0].Dim()
	}
	for i, gauss := range codebook {
		g.Components[i] = Mixture{LogWeight: logWeights[i], Gauss: gauss}
	}
	return g
}

// NumMix returns the number of mixture components.
func (g *GMM) NumMix() int { return len(g.Components) }

// LogProb computes log P(x | this GMM) = log sum_k w_k * N(x; μ_k, σ_k).
// Components lighter than MinMixWeight are skipped.
func (g *GMM) LogProb(x []float64) float64 {
	logSum := mathutil.LogZero
	for i := range g.Components {
		c := &g.Components[i]
		if c.LogWeight < LogMinMixWeight {
			continue
		}
		logSum = mathutil.LogAdd(logSum, c.LogWeight+c.Gauss.LogProb(x))
	}
	return logSum
}

// Discrete is a discrete output distribution over symbol indices. The stream
// observation carries the symbol in x[0].
type Discrete struct {
	LogProbs []float64
}

// NumMix returns the number of symbols.
func (d *Discrete) NumMix() int { return len(d.LogProbs) }

// Symbol extracts the symbol index from a stream observation, or -1.
func (d *Discrete) Symbol(x []float64) int {
	if len(x) == 0 {
		return -1
	}
	s := int(x[0])
	if s < 0 || s >= len(d.LogProbs) || float64(s) != x[0] {
		return -1
	}
	return s
}

// LogProb returns the log probability of the symbol in x[0].
func (d *Discrete) LogProb(x []float64) float64 {
	s := d.Symbol(x)
	if s < 0 {
		return mathutil.LogZero
	}
	return d.LogProbs[s]
}
