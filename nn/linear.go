package nn

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Linear is a fully connected layer mapping In-dimensional rows to
// Out-dimensional rows: y = x*W + b.
type Linear struct {
	In, Out int

	// W has shape In x Out; B has length Out and is broadcast over rows.
	W *mat.Dense
	B []float64
}

// NewLinear creates a linear layer with truncated-normal weights (std 0.02)
// and zero biases, drawing initialization randomness from rng.
func NewLinear(in, out int, rng *rand.Rand) (*Linear, error) {
	if in <= 0 || out <= 0 {
		return nil, fmt.Errorf("linear dimensions must be positive: in=%d, out=%d", in, out)
	}
	if rng == nil {
		return nil, fmt.Errorf("rng cannot be nil")
	}
	w := mat.NewDense(in, out, nil)
	for i := 0; i < in; i++ {
		for j := 0; j < out; j++ {
			w.Set(i, j, truncNormal(rng, 0.02))
		}
	}
	return &Linear{
		In:  in,
		Out: out,
		W:   w,
		B:   make([]float64, out),
	}, nil
}

// Forward applies the layer to every row of x.
func (l *Linear) Forward(x *mat.Dense) (*mat.Dense, error) {
	if x == nil {
		return nil, fmt.Errorf("input matrix cannot be nil")
	}
	r, c := x.Dims()
	if c != l.In {
		return nil, fmt.Errorf("input width %d doesn't match layer input dimension %d", c, l.In)
	}
	out := mat.NewDense(r, l.Out, nil)
	out.Mul(x, l.W)
	for i := 0; i < r; i++ {
		for j := 0; j < l.Out; j++ {
			out.Set(i, j, out.At(i, j)+l.B[j])
		}
	}
	return out, nil
}

// ForwardVec applies the layer to a single vector of length In.
func (l *Linear) ForwardVec(v []float64) ([]float64, error) {
	if len(v) != l.In {
		return nil, fmt.Errorf("input length %d doesn't match layer input dimension %d", len(v), l.In)
	}
	out := make([]float64, l.Out)
	for j := 0; j < l.Out; j++ {
		sum := l.B[j]
		for i := 0; i < l.In; i++ {
			sum += v[i] * l.W.At(i, j)
		}
		out[j] = sum
	}
	return out, nil
}

// RegisterParams records the layer weights under prefix.weight and
// prefix.bias.
func (l *Linear) RegisterParams(ps *ParamStore, prefix string) {
	ps.Register(prefix+".weight", l.W)
	ps.Register(prefix+".bias", mat.NewDense(1, l.Out, l.B))
}

// NewTokenParam draws a learned token vector of length dim with the standard
// truncated-normal init. Used for mask placeholders and class tokens.
func NewTokenParam(rng *rand.Rand, dim int) []float64 {
	out := make([]float64, dim)
	for i := range out {
		out[i] = truncNormal(rng, 0.02)
	}
	return out
}

// truncNormal samples a normal with the given std, re-drawing values that
// fall beyond two standard deviations (the usual truncated init).
func truncNormal(rng *rand.Rand, std float64) float64 {
	for {
		v := rng.NormFloat64() * std
		if math.Abs(v) <= 2*std {
			return v
		}
	}
}
