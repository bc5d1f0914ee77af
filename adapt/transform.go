// Package adapt holds the feature-space transform and adaptation
// accumulator contracts consumed by the forward-backward engine.
package adapt

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/ieee0824/fbtrain/acoustic"
)

// Transform maps an observation before it is scored against, or
// accumulated into, Gaussian g. The returned log-determinant is added to
// the component log-likelihood.
type Transform interface {
	Apply(g *acoustic.Gaussian, x []float64, frame int) ([]float64, float64)
}

// ClassTransform is a Transform that maps every Gaussian of a regression
// class the same way, so each frame needs transforming only once per class.
// Callers may reuse dst between frames and must not retain it.
type ClassTransform interface {
	Transform
	// Class returns the class of g, or -1 if g is left unchanged.
	Class(g *acoustic.Gaussian) int
	NumClasses() int
	// ApplyClass writes the class-k image of x into dst and returns the
	// log-determinant.
	ApplyClass(k int, dst, x []float64) float64
}

// Identity leaves observations unchanged.
type Identity struct{}

// Apply returns x and a zero log-determinant.
func (Identity) Apply(_ *acoustic.Gaussian, x []float64, _ int) ([]float64, float64) {
	return x, 0
}

func (Identity) Class(*acoustic.Gaussian) int { return -1 }

func (Identity) NumClasses() int { return 0 }

func (Identity) ApplyClass(_ int, dst, x []float64) float64 {
	copy(dst, x)
	return 0
}

// Linear is the affine transform y = A x + b.
type Linear struct {
	A      *mat.Dense
	B      []float64
	logDet float64
}

// NewLinear builds a transform from a square matrix and a bias.
// A nil bias means zero.
func NewLinear(a *mat.Dense, b []float64) (*Linear, error) {
	r, c := a.Dims()
	if r != c {
		return nil, fmt.Errorf("adapt: transform matrix is %dx%d, want square", r, c)
	}
	if b != nil && len(b) != r {
		return nil, fmt.Errorf("adapt: bias has %d entries for a %d-dim transform", len(b), r)
	}
	var lu mat.LU
	lu.Factorize(a)
	logAbs, _ := lu.LogDet()
	if math.IsInf(logAbs, -1) {
		return nil, fmt.Errorf("adapt: transform matrix is singular")
	}
	l := &Linear{A: mat.DenseCopyOf(a), logDet: logAbs}
	if b != nil {
		l.B = append([]float64(nil), b...)
	}
	return l, nil
}

// MeanOffset returns the transform that subtracts the per-dimension mean of
// frames (cepstral mean normalisation).
func MeanOffset(frames [][]float64) (*Linear, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("adapt: no frames")
	}
	dim := len(frames[0])
	bias := make([]float64, dim)
	for _, f := range frames {
		for d := 0; d < dim; d++ {
			bias[d] += f[d]
		}
	}
	invT := -1.0 / float64(len(frames))
	for d := range bias {
		bias[d] *= invT
	}
	a := mat.NewDense(dim, dim, nil)
	for d := 0; d < dim; d++ {
		a.Set(d, d, 1)
	}
	return NewLinear(a, bias)
}

// LogDet returns log|det A|.
func (l *Linear) LogDet() float64 { return l.logDet }

// Apply returns A x + b.
func (l *Linear) Apply(_ *acoustic.Gaussian, x []float64, _ int) ([]float64, float64) {
	out := make([]float64, len(x))
	return out, l.ApplyClass(0, out, x)
}

// Class puts every Gaussian in class 0.
func (l *Linear) Class(*acoustic.Gaussian) int { return 0 }

func (l *Linear) NumClasses() int { return 1 }

// ApplyClass writes A x + b into dst.
func (l *Linear) ApplyClass(_ int, dst, x []float64) float64 {
	y := mat.NewVecDense(len(dst), dst)
	y.MulVec(l.A, mat.NewVecDense(len(x), x))
	for i, b := range l.B {
		dst[i] += b
	}
	return l.logDet
}

// Classes selects a transform per Gaussian through a regression-class table
// indexed by Gaussian ID. Gaussians outside the table, or with a negative
// class, are left unchanged.
type Classes struct {
	Transforms []*Linear
	ClassOf    []int
}

// Apply dispatches to the transform of g's class.
func (c *Classes) Apply(g *acoustic.Gaussian, x []float64, frame int) ([]float64, float64) {
	k := c.Class(g)
	if k < 0 {
		return x, 0
	}
	return c.Transforms[k].Apply(g, x, frame)
}

// Class returns g's entry in ClassOf, or -1 if it has none.
func (c *Classes) Class(g *acoustic.Gaussian) int {
	if g == nil || g.ID < 0 || g.ID >= len(c.ClassOf) {
		return -1
	}
	k := c.ClassOf[g.ID]
	if k < 0 || k >= len(c.Transforms) {
		return -1
	}
	return k
}

func (c *Classes) NumClasses() int { return len(c.Transforms) }

func (c *Classes) ApplyClass(k int, dst, x []float64) float64 {
	return c.Transforms[k].ApplyClass(0, dst, x)
}
