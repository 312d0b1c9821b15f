// ------------------------------------------------------
// Linkmark - Label Propagation
// Spreads follow marks across the similarity graph
// ------------------------------------------------------

package annotate

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/linkmark/linkmark/pkg/config"
)

// maxIterations bounds the propagation loop; with alpha below 1 the
// iteration contracts and converges long before this
const maxIterations = 10000

// PropagateLabels spreads the seed labels in y across the similarity
// kernel w using the method of Zhou et al. (2003): the kernel is
// normalized to S = D^-1/2 W D^-1/2 and the label matrix is iterated
// as F <- alpha*S*F + (1-alpha)*Y until no entry moves by more than
// eps. w must be n x n, y must be n x c and alpha must lie strictly
// between 0 and 1
func PropagateLabels(w, y mat.Matrix, alpha, eps float64) *mat.Dense {
	n, c := y.Dims()
	if n == 0 {
		return &mat.Dense{}
	}
	if eps <= 0 {
		eps = config.DefaultEpsilon
	}

	// Symmetric normalization; empty kernel rows are clamped so
	// isolated points keep a defined (zero) score
	invSqrt := make([]float64, n)
	for i := 0; i < n; i++ {
		sum := 0.0
		for j := 0; j < n; j++ {
			sum += w.At(i, j)
		}
		if sum == 0 {
			sum = 1
		}
		invSqrt[i] = 1 / math.Sqrt(sum)
	}
	d := mat.NewDiagDense(n, invSqrt)

	tmp := mat.NewDense(n, n, nil)
	tmp.Mul(d, w)
	s := mat.NewDense(n, n, nil)
	s.Mul(tmp, d)

	// Constant seed term (1-alpha)*Y
	seed := mat.NewDense(n, c, nil)
	seed.Scale(1-alpha, y)

	f := mat.DenseCopyOf(y)
	next := mat.NewDense(n, c, nil)
	for iter := 0; iter < maxIterations; iter++ {
		next.Mul(s, f)
		next.Scale(alpha, next)
		next.Add(next, seed)

		delta := 0.0
		for i := 0; i < n; i++ {
			for j := 0; j < c; j++ {
				diff := math.Abs(next.At(i, j) - f.At(i, j))
				if diff > delta {
					delta = diff
				}
			}
		}
		f.Copy(next)
		if delta < eps {
			break
		}
	}
	return f
}
