package mae

import (
	"fmt"
	"math/rand"

	"github.com/Noofbiz/pointMAE/nn"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// PointEncoder embeds one local neighborhood into a single feature vector.
// It is a two-stage shared MLP with max pooling: points go through
// 3->128->256, the pooled 256 global feature is concatenated back onto every
// point (512), a second MLP maps 512->512->C, and a final max pool yields the
// group token. Max pooling makes the result invariant to point order within
// the group.
type PointEncoder struct {
	Dim int

	first1  *nn.Linear // 3 -> 128
	first2  *nn.Linear // 128 -> 256
	second1 *nn.Linear // 512 -> 512
	second2 *nn.Linear // 512 -> Dim
}

// NewPointEncoder builds a point encoder producing dim-length group tokens.
func NewPointEncoder(dim int, rng *rand.Rand) (*PointEncoder, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("point encoder dim must be positive, got %d", dim)
	}
	first1, err := nn.NewLinear(3, 128, rng)
	if err != nil {
		return nil, err
	}
	first2, err := nn.NewLinear(128, 256, rng)
	if err != nil {
		return nil, err
	}
	second1, err := nn.NewLinear(512, 512, rng)
	if err != nil {
		return nil, err
	}
	second2, err := nn.NewLinear(512, dim, rng)
	if err != nil {
		return nil, err
	}
	return &PointEncoder{
		Dim:     dim,
		first1:  first1,
		first2:  first2,
		second1: second1,
		second2: second2,
	}, nil
}

// EncodeGroup maps one neighborhood (local offsets) to its Dim-length token.
func (pe *PointEncoder) EncodeGroup(points []r3.Vector) ([]float64, error) {
	if len(points) == 0 {
		return nil, fmt.Errorf("cannot encode an empty group")
	}

	x := mat.NewDense(len(points), 3, nil)
	for i, p := range points {
		x.Set(i, 0, p.X)
		x.Set(i, 1, p.Y)
		x.Set(i, 2, p.Z)
	}

	h, err := pe.first1.Forward(x)
	if err != nil {
		return nil, err
	}
	h, err = pe.first2.Forward(nn.ReLU(h))
	if err != nil {
		return nil, err
	}

	// Concatenate the pooled global feature onto every point feature.
	global := nn.RowMax(h)
	n, c := h.Dims()
	cat := mat.NewDense(n, 2*c, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < c; j++ {
			cat.Set(i, j, global[j])
			cat.Set(i, c+j, h.At(i, j))
		}
	}

	h, err = pe.second1.Forward(cat)
	if err != nil {
		return nil, err
	}
	h, err = pe.second2.Forward(nn.ReLU(h))
	if err != nil {
		return nil, err
	}
	return nn.RowMax(h), nil
}

// EncodeGroups stacks the tokens for all neighborhoods into one matrix, one
// group per row.
func (pe *PointEncoder) EncodeGroups(neighborhoods [][]r3.Vector) (*mat.Dense, error) {
	if len(neighborhoods) == 0 {
		return nil, fmt.Errorf("cannot encode zero groups")
	}
	out := mat.NewDense(len(neighborhoods), pe.Dim, nil)
	for gi, nbh := range neighborhoods {
		tok, err := pe.EncodeGroup(nbh)
		if err != nil {
			return nil, fmt.Errorf("encoding group %d: %w", gi, err)
		}
		out.SetRow(gi, tok)
	}
	return out, nil
}

// RegisterParams records the four shared-MLP layers.
func (pe *PointEncoder) RegisterParams(ps *nn.ParamStore, prefix string) {
	pe.first1.RegisterParams(ps, prefix+".first_conv.0")
	pe.first2.RegisterParams(ps, prefix+".first_conv.3")
	pe.second1.RegisterParams(ps, prefix+".second_conv.0")
	pe.second2.RegisterParams(ps, prefix+".second_conv.3")
}
