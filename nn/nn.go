// Package nn provides the matrix-level neural building blocks used by the
// point-cloud models in this repository: linear layers, layer normalization,
// feed-forward blocks, shared-weight self/cross attention, pre-norm
// transformer blocks and encoder/decoder stacks.
//
// All primitives operate on gonum *mat.Dense matrices holding one token per
// row. Batching is handled by the callers (one matrix per cloud); there is no
// implicit batch dimension inside this package.
//
// Notes on parameters:
//   - Every layer exposes RegisterParams so its weights can be collected into
//     a ParamStore under a dotted name. The store is the unit of checkpoint
//     save/load; see params.go.
//   - Weight initialization follows a truncated normal (std 0.02) with zero
//     biases and unit layer-norm gains. Initialization draws from the
//     *rand.Rand passed to the constructor so models are reproducible.
package nn

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// GELU applies the tanh-approximated Gaussian error linear unit elementwise
// and returns a new matrix.
func GELU(x *mat.Dense) *mat.Dense {
	r, c := x.Dims()
	out := mat.NewDense(r, c, nil)
	sqrt2OverPi := math.Sqrt(2.0 / math.Pi)
	const coeff = 0.044715
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := x.At(i, j)
			inner := sqrt2OverPi * (v + coeff*v*v*v)
			out.Set(i, j, 0.5*v*(1.0+math.Tanh(inner)))
		}
	}
	return out
}

// ReLU applies max(0, x) elementwise and returns a new matrix.
func ReLU(x *mat.Dense) *mat.Dense {
	r, c := x.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if v := x.At(i, j); v > 0 {
				out.Set(i, j, v)
			}
		}
	}
	return out
}

// SoftmaxRows applies a numerically stable softmax independently to each row
// of x, in place.
func SoftmaxRows(x *mat.Dense) {
	r, c := x.Dims()
	for i := 0; i < r; i++ {
		maxV := x.At(i, 0)
		for j := 1; j < c; j++ {
			if v := x.At(i, j); v > maxV {
				maxV = v
			}
		}
		sum := 0.0
		for j := 0; j < c; j++ {
			e := math.Exp(x.At(i, j) - maxV)
			x.Set(i, j, e)
			sum += e
		}
		for j := 0; j < c; j++ {
			x.Set(i, j, x.At(i, j)/sum)
		}
	}
}

// AddInto returns a+b as a new matrix. The inputs must share dimensions.
func AddInto(a, b *mat.Dense) (*mat.Dense, error) {
	ar, ac := a.Dims()
	br, bc := b.Dims()
	if ar != br || ac != bc {
		return nil, fmt.Errorf("matrix dimensions don't match for addition: a(%dx%d), b(%dx%d)", ar, ac, br, bc)
	}
	out := mat.NewDense(ar, ac, nil)
	out.Add(a, b)
	return out, nil
}

// ConcatRows stacks a on top of b. An empty sequence is represented by a nil
// matrix (gonum does not allow zero-row matrices); if one side is nil the
// other is returned as a copy.
func ConcatRows(a, b *mat.Dense) (*mat.Dense, error) {
	if a == nil && b == nil {
		return nil, fmt.Errorf("cannot concatenate two nil matrices")
	}
	if a == nil {
		return mat.DenseCopyOf(b), nil
	}
	if b == nil {
		return mat.DenseCopyOf(a), nil
	}
	ar, ac := a.Dims()
	br, bc := b.Dims()
	if ac != bc {
		return nil, fmt.Errorf("matrix widths don't match for row concat: a(%dx%d), b(%dx%d)", ar, ac, br, bc)
	}
	out := mat.NewDense(ar+br, ac, nil)
	for i := 0; i < ar; i++ {
		for j := 0; j < ac; j++ {
			out.Set(i, j, a.At(i, j))
		}
	}
	for i := 0; i < br; i++ {
		for j := 0; j < bc; j++ {
			out.Set(ar+i, j, b.At(i, j))
		}
	}
	return out, nil
}

// SliceRows returns rows [from, to) of x as a fresh matrix.
func SliceRows(x *mat.Dense, from, to int) (*mat.Dense, error) {
	r, c := x.Dims()
	if from < 0 || to > r || from > to {
		return nil, fmt.Errorf("row slice [%d,%d) out of range for %d rows", from, to, r)
	}
	out := mat.NewDense(to-from, c, nil)
	for i := from; i < to; i++ {
		for j := 0; j < c; j++ {
			out.Set(i-from, j, x.At(i, j))
		}
	}
	return out, nil
}

// RowMax returns the columnwise maximum over all rows of x (a length-C
// vector). x must have at least one row.
func RowMax(x *mat.Dense) []float64 {
	r, c := x.Dims()
	out := make([]float64, c)
	for j := 0; j < c; j++ {
		maxV := x.At(0, j)
		for i := 1; i < r; i++ {
			if v := x.At(i, j); v > maxV {
				maxV = v
			}
		}
		out[j] = maxV
	}
	return out
}

// RowMean returns the columnwise mean over all rows of x.
func RowMean(x *mat.Dense) []float64 {
	r, c := x.Dims()
	out := make([]float64, c)
	for j := 0; j < c; j++ {
		sum := 0.0
		for i := 0; i < r; i++ {
			sum += x.At(i, j)
		}
		out[j] = sum / float64(r)
	}
	return out
}
