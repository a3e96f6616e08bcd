package mae

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/Noofbiz/pointMAE/nn"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// PosEmbedFunc maps group centers to raw positional embeddings, one row per
// center. The model applies its learned projection on top of the result.
type PosEmbedFunc func(dim int, centers []r3.Vector) (*mat.Dense, error)

// SinusoidalPosEmbed is the default PosEmbedFunc: each coordinate axis gets
// dim/6 sine and dim/6 cosine features at geometrically spaced frequencies
// (base 10000), concatenated as x-sin, x-cos, y-sin, y-cos, z-sin, z-cos.
// dim must be divisible by 6. Returns nil for an empty center list.
func SinusoidalPosEmbed(dim int, centers []r3.Vector) (*mat.Dense, error) {
	if dim%6 != 0 {
		return nil, fmt.Errorf("positional embedding dim must be divisible by 6, got %d", dim)
	}
	if len(centers) == 0 {
		return nil, nil
	}

	bands := dim / 6
	omega := make([]float64, bands)
	for k := range omega {
		omega[k] = 1.0 / math.Pow(10000, float64(k)/float64(bands))
	}

	out := mat.NewDense(len(centers), dim, nil)
	for i, c := range centers {
		coords := [3]float64{c.X, c.Y, c.Z}
		col := 0
		for _, v := range coords {
			for k := 0; k < bands; k++ {
				out.Set(i, col+k, math.Sin(v*omega[k]))
				out.Set(i, col+bands+k, math.Cos(v*omega[k]))
			}
			col += 2 * bands
		}
	}
	return out, nil
}

// posProjection is the learned two-layer projection applied on top of the
// raw positional embedding before tokens enter the transformer.
type posProjection struct {
	Fc1 *nn.Linear
	Fc2 *nn.Linear
}

func newPosProjection(dim int, rng *rand.Rand) (*posProjection, error) {
	fc1, err := nn.NewLinear(dim, dim, rng)
	if err != nil {
		return nil, err
	}
	fc2, err := nn.NewLinear(dim, dim, rng)
	if err != nil {
		return nil, err
	}
	return &posProjection{Fc1: fc1, Fc2: fc2}, nil
}

// Forward projects raw embeddings; a nil input (empty sequence) passes
// through as nil.
func (p *posProjection) Forward(x *mat.Dense) (*mat.Dense, error) {
	if x == nil {
		return nil, nil
	}
	h, err := p.Fc1.Forward(x)
	if err != nil {
		return nil, err
	}
	return p.Fc2.Forward(nn.GELU(h))
}

func (p *posProjection) RegisterParams(ps *nn.ParamStore, prefix string) {
	p.Fc1.RegisterParams(ps, prefix+".0")
	p.Fc2.RegisterParams(ps, prefix+".2")
}
