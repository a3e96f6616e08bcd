package nn

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// FeedForward is the position-wise two-layer MLP used after attention in
// every transformer block: fc1 -> GELU -> fc2.
type FeedForward struct {
	Fc1 *Linear
	Fc2 *Linear
}

// NewFeedForward creates a feed-forward block from dim to hidden back to dim.
// A hidden size of zero defaults to 4*dim.
func NewFeedForward(dim, hidden int, rng *rand.Rand) (*FeedForward, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("feed-forward dimension must be positive, got %d", dim)
	}
	if hidden == 0 {
		hidden = 4 * dim
	}
	if hidden < 0 {
		return nil, fmt.Errorf("feed-forward hidden size must be positive, got %d", hidden)
	}
	fc1, err := NewLinear(dim, hidden, rng)
	if err != nil {
		return nil, fmt.Errorf("failed to create fc1: %w", err)
	}
	fc2, err := NewLinear(hidden, dim, rng)
	if err != nil {
		return nil, fmt.Errorf("failed to create fc2: %w", err)
	}
	return &FeedForward{Fc1: fc1, Fc2: fc2}, nil
}

// Forward applies the MLP to every row of x.
func (ff *FeedForward) Forward(x *mat.Dense) (*mat.Dense, error) {
	h, err := ff.Fc1.Forward(x)
	if err != nil {
		return nil, err
	}
	h = GELU(h)
	out, err := ff.Fc2.Forward(h)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RegisterParams records both linear layers under the given prefix.
func (ff *FeedForward) RegisterParams(ps *ParamStore, prefix string) {
	ff.Fc1.RegisterParams(ps, prefix+".fc1")
	ff.Fc2.RegisterParams(ps, prefix+".fc2")
}
