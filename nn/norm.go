package nn

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// LayerNorm normalizes each row of its input to zero mean and unit variance,
// then applies a learned per-channel gain and shift.
type LayerNorm struct {
	Dim   int
	Gamma []float64
	Beta  []float64
	Eps   float64
}

// NewLayerNorm creates a layer norm over dim channels with unit gains and
// zero shifts.
func NewLayerNorm(dim int) (*LayerNorm, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("layer norm dimension must be positive, got %d", dim)
	}
	gamma := make([]float64, dim)
	for i := range gamma {
		gamma[i] = 1.0
	}
	return &LayerNorm{
		Dim:   dim,
		Gamma: gamma,
		Beta:  make([]float64, dim),
		Eps:   1e-5,
	}, nil
}

// Forward normalizes every row of x and returns a new matrix.
func (ln *LayerNorm) Forward(x *mat.Dense) (*mat.Dense, error) {
	if x == nil {
		return nil, fmt.Errorf("input matrix cannot be nil")
	}
	r, c := x.Dims()
	if c != ln.Dim {
		return nil, fmt.Errorf("input width %d doesn't match layer norm dimension %d", c, ln.Dim)
	}
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		mean := 0.0
		for j := 0; j < c; j++ {
			mean += x.At(i, j)
		}
		mean /= float64(c)
		variance := 0.0
		for j := 0; j < c; j++ {
			d := x.At(i, j) - mean
			variance += d * d
		}
		variance /= float64(c)
		inv := 1.0 / math.Sqrt(variance+ln.Eps)
		for j := 0; j < c; j++ {
			out.Set(i, j, (x.At(i, j)-mean)*inv*ln.Gamma[j]+ln.Beta[j])
		}
	}
	return out, nil
}

// RegisterParams records the gain and shift under prefix.weight and
// prefix.bias.
func (ln *LayerNorm) RegisterParams(ps *ParamStore, prefix string) {
	ps.Register(prefix+".weight", mat.NewDense(1, ln.Dim, ln.Gamma))
	ps.Register(prefix+".bias", mat.NewDense(1, ln.Dim, ln.Beta))
}
