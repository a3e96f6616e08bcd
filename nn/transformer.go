package nn

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Encoder is a stack of pre-norm blocks. Positional embeddings are re-added
// to the token sequences before every block, matching the masked-autoencoder
// convention of keeping positions available at every depth.
type Encoder struct {
	Blocks []*Block
}

// NewEncoder creates a depth-deep encoder of the given width.
func NewEncoder(dim, depth, heads int, rng *rand.Rand) (*Encoder, error) {
	if depth <= 0 {
		return nil, fmt.Errorf("encoder depth must be positive, got %d", depth)
	}
	blocks := make([]*Block, depth)
	for i := range blocks {
		b, err := NewBlock(dim, heads, 0, rng)
		if err != nil {
			return nil, fmt.Errorf("failed to create block %d: %w", i, err)
		}
		blocks[i] = b
	}
	return &Encoder{Blocks: blocks}, nil
}

// Forward runs the self-only path: every block sees x offset by pos.
// x and pos must have identical shapes.
func (e *Encoder) Forward(x, pos *mat.Dense) (*mat.Dense, error) {
	if err := sameShape("tokens", x, "positions", pos); err != nil {
		return nil, err
	}
	var err error
	for i, block := range e.Blocks {
		x, err = AddInto(x, pos)
		if err != nil {
			return nil, err
		}
		x, err = block.ForwardSelf(x)
		if err != nil {
			return nil, fmt.Errorf("encoder block %d: %w", i, err)
		}
	}
	return x, nil
}

// ForwardJoint runs the joint self+cross path with visible tokens x (offset
// by pos) and masked tokens y (offset by yPos). Shape mismatches between a
// token sequence and its positional embeddings are caller contract
// violations and fail immediately.
func (e *Encoder) ForwardJoint(x, pos, y, yPos *mat.Dense) (*mat.Dense, *mat.Dense, error) {
	if err := sameShape("tokens", x, "positions", pos); err != nil {
		return nil, nil, err
	}
	if y != nil {
		if err := sameShape("masked tokens", y, "masked positions", yPos); err != nil {
			return nil, nil, err
		}
	}
	var err error
	for i, block := range e.Blocks {
		x, err = AddInto(x, pos)
		if err != nil {
			return nil, nil, err
		}
		if y != nil {
			y, err = AddInto(y, yPos)
			if err != nil {
				return nil, nil, err
			}
		}
		x, y, err = block.ForwardJoint(x, y)
		if err != nil {
			return nil, nil, fmt.Errorf("encoder block %d: %w", i, err)
		}
	}
	return x, y, nil
}

// RegisterParams records every block under prefix.blocks.<i>.
func (e *Encoder) RegisterParams(ps *ParamStore, prefix string) {
	for i, b := range e.Blocks {
		b.RegisterParams(ps, fmt.Sprintf("%s.blocks.%d", prefix, i))
	}
}

// Decoder is a self-attention-only stack with a final layer norm. It is used
// to reconstruct geometry from the full (visible + mask placeholder) token
// sequence.
type Decoder struct {
	Blocks []*Block
	Norm   *LayerNorm
}

// NewDecoder creates a depth-deep decoder of the given width.
func NewDecoder(dim, depth, heads int, rng *rand.Rand) (*Decoder, error) {
	if depth <= 0 {
		return nil, fmt.Errorf("decoder depth must be positive, got %d", depth)
	}
	blocks := make([]*Block, depth)
	for i := range blocks {
		b, err := NewBlock(dim, heads, 0, rng)
		if err != nil {
			return nil, fmt.Errorf("failed to create block %d: %w", i, err)
		}
		blocks[i] = b
	}
	norm, err := NewLayerNorm(dim)
	if err != nil {
		return nil, err
	}
	return &Decoder{Blocks: blocks, Norm: norm}, nil
}

// Forward runs the stack with positions re-added before every block and
// returns only the last keepLast tokens after the final norm.
func (d *Decoder) Forward(x, pos *mat.Dense, keepLast int) (*mat.Dense, error) {
	if err := sameShape("tokens", x, "positions", pos); err != nil {
		return nil, err
	}
	r, _ := x.Dims()
	if keepLast <= 0 || keepLast > r {
		return nil, fmt.Errorf("keepLast %d out of range for %d tokens", keepLast, r)
	}
	var err error
	for i, block := range d.Blocks {
		x, err = AddInto(x, pos)
		if err != nil {
			return nil, err
		}
		x, err = block.ForwardSelf(x)
		if err != nil {
			return nil, fmt.Errorf("decoder block %d: %w", i, err)
		}
	}
	x, err = d.Norm.Forward(x)
	if err != nil {
		return nil, err
	}
	return SliceRows(x, r-keepLast, r)
}

// ForwardRaw runs the stack without positional offsets and keeps every
// token, normalizing at the end.
func (d *Decoder) ForwardRaw(x *mat.Dense) (*mat.Dense, error) {
	var err error
	for i, block := range d.Blocks {
		x, err = block.ForwardSelf(x)
		if err != nil {
			return nil, fmt.Errorf("decoder block %d: %w", i, err)
		}
	}
	return d.Norm.Forward(x)
}

// RegisterParams records every block and the final norm under the prefix.
func (d *Decoder) RegisterParams(ps *ParamStore, prefix string) {
	for i, b := range d.Blocks {
		b.RegisterParams(ps, fmt.Sprintf("%s.blocks.%d", prefix, i))
	}
	d.Norm.RegisterParams(ps, prefix+".norm")
}

// CrossDecoder is a stack of joint self+cross blocks with a final norm. The
// primary sequence x carries positions; the auxiliary sequence y is attended
// to through the shared-weight cross path.
type CrossDecoder struct {
	Blocks []*Block
	Norm   *LayerNorm
}

// NewCrossDecoder creates a depth-deep cross decoder of the given width.
func NewCrossDecoder(dim, depth, heads int, rng *rand.Rand) (*CrossDecoder, error) {
	if depth <= 0 {
		return nil, fmt.Errorf("cross decoder depth must be positive, got %d", depth)
	}
	blocks := make([]*Block, depth)
	for i := range blocks {
		b, err := NewBlock(dim, heads, 0, rng)
		if err != nil {
			return nil, fmt.Errorf("failed to create block %d: %w", i, err)
		}
		blocks[i] = b
	}
	norm, err := NewLayerNorm(dim)
	if err != nil {
		return nil, err
	}
	return &CrossDecoder{Blocks: blocks, Norm: norm}, nil
}

// Forward runs the joint stack over x (offset by pos) with auxiliary tokens
// y, returning the last keepLast tokens of x after the final norm.
func (cd *CrossDecoder) Forward(x, y, pos *mat.Dense, keepLast int) (*mat.Dense, error) {
	if err := sameShape("tokens", x, "positions", pos); err != nil {
		return nil, err
	}
	r, _ := x.Dims()
	if keepLast <= 0 || keepLast > r {
		return nil, fmt.Errorf("keepLast %d out of range for %d tokens", keepLast, r)
	}
	var err error
	for i, block := range cd.Blocks {
		x, err = AddInto(x, pos)
		if err != nil {
			return nil, err
		}
		x, _, err = block.ForwardJoint(x, y)
		if err != nil {
			return nil, fmt.Errorf("cross decoder block %d: %w", i, err)
		}
	}
	x, err = cd.Norm.Forward(x)
	if err != nil {
		return nil, err
	}
	return SliceRows(x, r-keepLast, r)
}

// RegisterParams records every block and the final norm under the prefix.
func (cd *CrossDecoder) RegisterParams(ps *ParamStore, prefix string) {
	for i, b := range cd.Blocks {
		b.RegisterParams(ps, fmt.Sprintf("%s.blocks.%d", prefix, i))
	}
	cd.Norm.RegisterParams(ps, prefix+".norm")
}

func sameShape(aName string, a *mat.Dense, bName string, b *mat.Dense) error {
	if a == nil || b == nil {
		return fmt.Errorf("%s and %s must both be non-nil", aName, bName)
	}
	ar, ac := a.Dims()
	br, bc := b.Dims()
	if ar != br || ac != bc {
		return fmt.Errorf("%s shape (%dx%d) doesn't match %s shape (%dx%d)", aName, ar, ac, bName, br, bc)
	}
	return nil
}
