package mae

import (
	"fmt"
	"math/rand"

	"github.com/Noofbiz/pointMAE/geometry"
	"github.com/Noofbiz/pointMAE/nn"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// MaskTransformer is the pretraining encoder: it embeds group neighborhoods
// into tokens, hides a masked subset, and runs the joint self+cross stack.
// Visible tokens attend among themselves; masked tokens attend to everything
// but never leak back into the visible stream. Masked tokens enter the stack
// with a learned placeholder in place of their positional embedding, so the
// model must infer where they belong.
type MaskTransformer struct {
	Dim       int
	MaskRatio float64
	MaskType  string

	pointEnc *PointEncoder
	posProj  *posProjection
	posFn    PosEmbedFunc
	blocks   *nn.Encoder
	norm     *nn.LayerNorm

	// maskPosToken is the learned stand-in for masked positions, shared
	// across slots.
	maskPosToken []float64
}

// maskTransformerConfig carries the subset of Config the encoder needs.
type maskTransformerConfig struct {
	Dim         int
	EncoderDims int
	Depth       int
	NumHeads    int
	MaskRatio   float64
	MaskType    string
}

func newMaskTransformer(cfg maskTransformerConfig, posFn PosEmbedFunc, rng *rand.Rand) (*MaskTransformer, error) {
	if cfg.MaskType != MaskTypeRand && cfg.MaskType != MaskTypeBlock {
		return nil, fmt.Errorf("unknown mask type %q (want %s or %s)", cfg.MaskType, MaskTypeRand, MaskTypeBlock)
	}
	if cfg.MaskRatio < 0 || cfg.MaskRatio >= 1 {
		return nil, fmt.Errorf("mask ratio %v out of range [0, 1)", cfg.MaskRatio)
	}
	// Group tokens go straight into the transformer, so the widths must
	// agree.
	if cfg.EncoderDims != cfg.Dim {
		return nil, fmt.Errorf("encoder dims %d must equal transformer dim %d", cfg.EncoderDims, cfg.Dim)
	}
	pointEnc, err := NewPointEncoder(cfg.EncoderDims, rng)
	if err != nil {
		return nil, err
	}
	posProj, err := newPosProjection(cfg.Dim, rng)
	if err != nil {
		return nil, err
	}
	blocks, err := nn.NewEncoder(cfg.Dim, cfg.Depth, cfg.NumHeads, rng)
	if err != nil {
		return nil, err
	}
	norm, err := nn.NewLayerNorm(cfg.Dim)
	if err != nil {
		return nil, err
	}
	return &MaskTransformer{
		Dim:          cfg.Dim,
		MaskRatio:    cfg.MaskRatio,
		MaskType:     cfg.MaskType,
		pointEnc:     pointEnc,
		posProj:      posProj,
		posFn:        posFn,
		blocks:       blocks,
		norm:         norm,
		maskPosToken: nn.NewTokenParam(rng, cfg.Dim),
	}, nil
}

// drawMask applies the configured masking policy to the group centers.
func (mt *MaskTransformer) drawMask(rng *rand.Rand, centers []r3.Vector) []bool {
	if mt.MaskType == MaskTypeBlock {
		return BlockMask(rng, centers, mt.MaskRatio)
	}
	return RandomMask(rng, len(centers), mt.MaskRatio)
}

// EncoderOutput is one forward pass of the mask transformer.
type EncoderOutput struct {
	// Visible holds the encoded visible tokens, one per unmasked group.
	Visible *mat.Dense
	// Masked holds the encoded masked tokens, carrying no positional
	// information about where their groups sit. Nil when nothing is
	// masked.
	Masked *mat.Dense
	// Mask marks which groups were hidden.
	Mask []bool
}

// Forward embeds the grouping, draws a mask from rng, and runs the joint
// stack. Masked token count is int(MaskRatio * groups), truncating.
func (mt *MaskTransformer) Forward(rng *rand.Rand, grouping *geometry.Grouping) (*EncoderOutput, error) {
	tokens, err := mt.pointEnc.EncodeGroups(grouping.Neighborhoods)
	if err != nil {
		return nil, fmt.Errorf("embedding groups: %w", err)
	}

	mask := mt.drawMask(rng, grouping.Centers)
	numMask := countMasked(mask)
	numVis := len(mask) - numMask
	if numVis == 0 {
		return nil, fmt.Errorf("mask hides all %d groups; nothing left to encode", len(mask))
	}

	xVis := mat.NewDense(numVis, mt.Dim, nil)
	var xMask *mat.Dense
	if numMask > 0 {
		xMask = mat.NewDense(numMask, mt.Dim, nil)
	}
	visCenters := make([]r3.Vector, 0, numVis)
	vi, mi := 0, 0
	for g, masked := range mask {
		row := tokens.RawRowView(g)
		if masked {
			xMask.SetRow(mi, row)
			mi++
		} else {
			xVis.SetRow(vi, row)
			visCenters = append(visCenters, grouping.Centers[g])
			vi++
		}
	}

	pos, err := mt.posEmbed(visCenters)
	if err != nil {
		return nil, err
	}

	var maskPos *mat.Dense
	if numMask > 0 {
		maskPos = mat.NewDense(numMask, mt.Dim, nil)
		for i := 0; i < numMask; i++ {
			maskPos.SetRow(i, mt.maskPosToken)
		}
	}

	xVis, xMask, err = mt.blocks.ForwardJoint(xVis, pos, xMask, maskPos)
	if err != nil {
		return nil, err
	}
	xVis, err = mt.norm.Forward(xVis)
	if err != nil {
		return nil, err
	}
	if xMask != nil {
		xMask, err = mt.norm.Forward(xMask)
		if err != nil {
			return nil, err
		}
	}
	return &EncoderOutput{Visible: xVis, Masked: xMask, Mask: mask}, nil
}

// posEmbed maps centers through the raw embedding and the learned
// projection. Returns nil for no centers.
func (mt *MaskTransformer) posEmbed(centers []r3.Vector) (*mat.Dense, error) {
	raw, err := mt.posFn(mt.Dim, centers)
	if err != nil {
		return nil, fmt.Errorf("positional embedding: %w", err)
	}
	return mt.posProj.Forward(raw)
}

// RegisterParams records every sub-module under prefix.
func (mt *MaskTransformer) RegisterParams(ps *nn.ParamStore, prefix string) {
	mt.pointEnc.RegisterParams(ps, prefix+".encoder")
	mt.posProj.RegisterParams(ps, prefix+".pos_embed")
	mt.blocks.RegisterParams(ps, prefix+".blocks")
	ps.Register(prefix+".mask_pos_token", mat.NewDense(1, mt.Dim, mt.maskPosToken))
	mt.norm.RegisterParams(ps, prefix+".norm")
}
