package nn

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Attention is multi-head scaled dot-product attention with a single fused
// query/key/value projection. The same weights back two entry points:
//
//   - AttendSelf: one sequence attends to itself.
//   - AttendJoint: two sequences share projected keys/values; the second
//     sequence (y) queries against the concatenation of both while the first
//     (x) attends only among its own tokens.
//
// AttendJoint is what lets masked tokens see every token while visible
// tokens remain blind to the masked ones, without a second weight set.
type Attention struct {
	Dim      int
	NumHeads int
	HeadDim  int
	Scale    float64

	QKV  *Linear // Dim -> 3*Dim
	Proj *Linear // Dim -> Dim
}

// NewAttention creates an attention layer. dim must be divisible by heads.
func NewAttention(dim, heads int, rng *rand.Rand) (*Attention, error) {
	if heads <= 0 {
		return nil, fmt.Errorf("number of heads must be positive, got %d", heads)
	}
	if dim <= 0 {
		return nil, fmt.Errorf("model dimension must be positive, got %d", dim)
	}
	if dim%heads != 0 {
		return nil, fmt.Errorf("model dimension (%d) must be divisible by number of heads (%d)", dim, heads)
	}
	qkv, err := NewLinear(dim, 3*dim, rng)
	if err != nil {
		return nil, fmt.Errorf("failed to create qkv projection: %w", err)
	}
	proj, err := NewLinear(dim, dim, rng)
	if err != nil {
		return nil, fmt.Errorf("failed to create output projection: %w", err)
	}
	headDim := dim / heads
	return &Attention{
		Dim:      dim,
		NumHeads: heads,
		HeadDim:  headDim,
		Scale:    1.0 / math.Sqrt(float64(headDim)),
		QKV:      qkv,
		Proj:     proj,
	}, nil
}

// AttendSelf runs standard multi-head self-attention over x (one token per
// row) and returns a matrix of the same shape.
func (a *Attention) AttendSelf(x *mat.Dense) (*mat.Dense, error) {
	q, k, v, err := a.project(x)
	if err != nil {
		return nil, err
	}
	mixed, err := a.attendHeads(q, k, v)
	if err != nil {
		return nil, err
	}
	return a.Proj.Forward(mixed)
}

// AttendJoint runs the shared-weight self+cross pass. x and y must share
// width; y may be nil (empty), in which case the result for x is exactly
// AttendSelf(x) and the returned y is nil.
func (a *Attention) AttendJoint(x, y *mat.Dense) (*mat.Dense, *mat.Dense, error) {
	if y == nil {
		selfOut, err := a.AttendSelf(x)
		return selfOut, nil, err
	}
	n, xc := x.Dims()
	l, yc := y.Dims()
	if xc != yc {
		return nil, nil, fmt.Errorf("sequence widths don't match: x(%dx%d), y(%dx%d)", n, xc, l, yc)
	}
	z, err := ConcatRows(x, y)
	if err != nil {
		return nil, nil, err
	}
	q, k, v, err := a.project(z)
	if err != nil {
		return nil, nil, err
	}

	// Cross pass: y queries against all n+l keys/values.
	qy, err := SliceRows(q, n, n+l)
	if err != nil {
		return nil, nil, err
	}
	yMixed, err := a.attendHeads(qy, k, v)
	if err != nil {
		return nil, nil, err
	}
	newY, err := a.Proj.Forward(yMixed)
	if err != nil {
		return nil, nil, err
	}

	// Self pass: x queries restricted to x's own keys/values.
	qx, err := SliceRows(q, 0, n)
	if err != nil {
		return nil, nil, err
	}
	kx, err := SliceRows(k, 0, n)
	if err != nil {
		return nil, nil, err
	}
	vx, err := SliceRows(v, 0, n)
	if err != nil {
		return nil, nil, err
	}
	xMixed, err := a.attendHeads(qx, kx, vx)
	if err != nil {
		return nil, nil, err
	}
	newX, err := a.Proj.Forward(xMixed)
	if err != nil {
		return nil, nil, err
	}
	return newX, newY, nil
}

// RegisterParams records the fused projection and output projection under
// the given prefix.
func (a *Attention) RegisterParams(ps *ParamStore, prefix string) {
	a.QKV.RegisterParams(ps, prefix+".qkv")
	a.Proj.RegisterParams(ps, prefix+".proj")
}

// project computes the fused qkv projection of x and splits it into the
// query, key and value matrices.
func (a *Attention) project(x *mat.Dense) (q, k, v *mat.Dense, err error) {
	if x == nil {
		return nil, nil, nil, fmt.Errorf("input matrix cannot be nil")
	}
	r, c := x.Dims()
	if c != a.Dim {
		return nil, nil, nil, fmt.Errorf("input width %d doesn't match attention dimension %d", c, a.Dim)
	}
	fused, err := a.QKV.Forward(x)
	if err != nil {
		return nil, nil, nil, err
	}
	q = mat.NewDense(r, a.Dim, nil)
	k = mat.NewDense(r, a.Dim, nil)
	v = mat.NewDense(r, a.Dim, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < a.Dim; j++ {
			q.Set(i, j, fused.At(i, j))
			k.Set(i, j, fused.At(i, a.Dim+j))
			v.Set(i, j, fused.At(i, 2*a.Dim+j))
		}
	}
	return q, k, v, nil
}

// attendHeads runs scaled dot-product attention per head and concatenates
// the head outputs. q has qr rows; k and v share kr rows.
func (a *Attention) attendHeads(q, k, v *mat.Dense) (*mat.Dense, error) {
	qr, _ := q.Dims()
	kr, _ := k.Dims()
	out := mat.NewDense(qr, a.Dim, nil)
	for h := 0; h < a.NumHeads; h++ {
		lo := h * a.HeadDim
		qh := headCols(q, lo, a.HeadDim)
		kh := headCols(k, lo, a.HeadDim)
		vh := headCols(v, lo, a.HeadDim)

		scores := mat.NewDense(qr, kr, nil)
		scores.Mul(qh, kh.T())
		scores.Scale(a.Scale, scores)
		SoftmaxRows(scores)

		mixed := mat.NewDense(qr, a.HeadDim, nil)
		mixed.Mul(scores, vh)
		for i := 0; i < qr; i++ {
			for j := 0; j < a.HeadDim; j++ {
				out.Set(i, lo+j, mixed.At(i, j))
			}
		}
	}
	return out, nil
}

// headCols copies width columns of x starting at lo into a new matrix.
func headCols(x *mat.Dense, lo, width int) *mat.Dense {
	r, _ := x.Dims()
	out := mat.NewDense(r, width, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < width; j++ {
			out.Set(i, j, x.At(i, lo+j))
		}
	}
	return out
}
