package nn

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Block is a pre-norm transformer block: norm -> attention -> residual,
// norm -> feed-forward -> residual. The same block serves both the self-only
// path and the joint self+cross path, mirroring the shared-weight attention
// underneath.
type Block struct {
	Norm1 *LayerNorm
	Norm2 *LayerNorm
	Attn  *Attention
	MLP   *FeedForward
}

// NewBlock creates a transformer block of the given width. mlpHidden of zero
// defaults to 4*dim.
func NewBlock(dim, heads, mlpHidden int, rng *rand.Rand) (*Block, error) {
	norm1, err := NewLayerNorm(dim)
	if err != nil {
		return nil, err
	}
	norm2, err := NewLayerNorm(dim)
	if err != nil {
		return nil, err
	}
	attn, err := NewAttention(dim, heads, rng)
	if err != nil {
		return nil, fmt.Errorf("failed to create attention: %w", err)
	}
	mlp, err := NewFeedForward(dim, mlpHidden, rng)
	if err != nil {
		return nil, fmt.Errorf("failed to create feed-forward: %w", err)
	}
	return &Block{Norm1: norm1, Norm2: norm2, Attn: attn, MLP: mlp}, nil
}

// ForwardSelf applies the block to a single sequence.
func (b *Block) ForwardSelf(x *mat.Dense) (*mat.Dense, error) {
	normed, err := b.Norm1.Forward(x)
	if err != nil {
		return nil, err
	}
	attnOut, err := b.Attn.AttendSelf(normed)
	if err != nil {
		return nil, err
	}
	x, err = AddInto(x, attnOut)
	if err != nil {
		return nil, err
	}
	normed, err = b.Norm2.Forward(x)
	if err != nil {
		return nil, err
	}
	mlpOut, err := b.MLP.Forward(normed)
	if err != nil {
		return nil, err
	}
	return AddInto(x, mlpOut)
}

// ForwardJoint applies the block to a visible sequence x and a masked
// sequence y. Normalization, residuals and the feed-forward step are applied
// to each sequence independently; only the attention weights are shared.
// y may be nil, in which case the call degenerates to ForwardSelf.
func (b *Block) ForwardJoint(x, y *mat.Dense) (*mat.Dense, *mat.Dense, error) {
	if y == nil {
		out, err := b.ForwardSelf(x)
		return out, nil, err
	}
	normedX, err := b.Norm1.Forward(x)
	if err != nil {
		return nil, nil, err
	}
	normedY, err := b.Norm1.Forward(y)
	if err != nil {
		return nil, nil, err
	}
	attnX, attnY, err := b.Attn.AttendJoint(normedX, normedY)
	if err != nil {
		return nil, nil, err
	}
	x, err = AddInto(x, attnX)
	if err != nil {
		return nil, nil, err
	}
	y, err = AddInto(y, attnY)
	if err != nil {
		return nil, nil, err
	}

	normedX, err = b.Norm2.Forward(x)
	if err != nil {
		return nil, nil, err
	}
	mlpX, err := b.MLP.Forward(normedX)
	if err != nil {
		return nil, nil, err
	}
	x, err = AddInto(x, mlpX)
	if err != nil {
		return nil, nil, err
	}

	normedY, err = b.Norm2.Forward(y)
	if err != nil {
		return nil, nil, err
	}
	mlpY, err := b.MLP.Forward(normedY)
	if err != nil {
		return nil, nil, err
	}
	y, err = AddInto(y, mlpY)
	if err != nil {
		return nil, nil, err
	}
	return x, y, nil
}

// RegisterParams records all block parameters under the given prefix.
func (b *Block) RegisterParams(ps *ParamStore, prefix string) {
	b.Norm1.RegisterParams(ps, prefix+".norm1")
	b.Attn.RegisterParams(ps, prefix+".attn")
	b.Norm2.RegisterParams(ps, prefix+".norm2")
	b.MLP.RegisterParams(ps, prefix+".mlp")
}
