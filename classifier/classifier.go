// Package classifier implements the fine-tuning model: the pretraining
// encoder backbone with a class token and a classification head in place of
// the masking and decoding machinery. Weights from a pretraining checkpoint
// load best-effort into the shared sub-modules.
package classifier

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/Noofbiz/pointMAE/geometry"
	"github.com/Noofbiz/pointMAE/mae"
	"github.com/Noofbiz/pointMAE/nn"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// Head types.
const (
	HeadLinear = "linear"
	HeadMLP    = "mlp"
)

// Config holds the fine-tuning hyperparameters. Zero values pick up the
// standard configuration in NewPointTransformer.
type Config struct {
	TransDim    int    `json:"trans_dim"`
	Depth       int    `json:"depth"`
	NumHeads    int    `json:"num_heads"`
	ClsDim      int    `json:"cls_dim"`
	GroupSize   int    `json:"group_size"`
	NumGroup    int    `json:"num_group"`
	EncoderDims int    `json:"encoder_dims"`
	HeadType    string `json:"type"`
	Seed        int64  `json:"seed"`
}

func (cfg Config) withDefaults() Config {
	if cfg.TransDim == 0 {
		cfg.TransDim = 384
	}
	if cfg.Depth == 0 {
		cfg.Depth = 12
	}
	if cfg.NumHeads == 0 {
		cfg.NumHeads = 6
	}
	if cfg.ClsDim == 0 {
		cfg.ClsDim = 40
	}
	if cfg.GroupSize == 0 {
		cfg.GroupSize = 32
	}
	if cfg.NumGroup == 0 {
		cfg.NumGroup = 64
	}
	if cfg.EncoderDims == 0 {
		cfg.EncoderDims = cfg.TransDim
	}
	if cfg.HeadType == "" {
		cfg.HeadType = HeadMLP
	}
	return cfg
}

// PointTransformer classifies point clouds. The backbone (point encoder,
// positional projection, transformer stack, final norm) shares its parameter
// names with the pretraining encoder so checkpoints transfer.
type PointTransformer struct {
	Config Config

	grouper  *geometry.Grouper
	pointEnc *mae.PointEncoder
	posProj  *posProjection
	blocks   *nn.Encoder
	norm     *nn.LayerNorm

	clsToken []float64
	clsPos   []float64

	head *clsHead

	rng *rand.Rand
}

// posProjection mirrors the pretraining learned positional projection.
type posProjection struct {
	Fc1 *nn.Linear
	Fc2 *nn.Linear
}

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

// clsHead maps the pooled representation to class logits: either a single
// linear layer or a two-hidden-layer MLP (the training-time batch norm and
// dropout reduce to identity on this inference path).
type clsHead struct {
	Type   string
	Linear *nn.Linear

	Fc1, Fc2, Fc3 *nn.Linear
}

func newClsHead(headType string, dim, classes int, rng *rand.Rand) (*clsHead, error) {
	switch headType {
	case HeadLinear:
		l, err := nn.NewLinear(2*dim, classes, rng)
		if err != nil {
			return nil, err
		}
		return &clsHead{Type: HeadLinear, Linear: l}, nil
	case HeadMLP:
		fc1, err := nn.NewLinear(2*dim, 256, rng)
		if err != nil {
			return nil, err
		}
		fc2, err := nn.NewLinear(256, 256, rng)
		if err != nil {
			return nil, err
		}
		fc3, err := nn.NewLinear(256, classes, rng)
		if err != nil {
			return nil, err
		}
		return &clsHead{Type: HeadMLP, Fc1: fc1, Fc2: fc2, Fc3: fc3}, nil
	default:
		return nil, fmt.Errorf("unknown head type %q (want %s or %s)", headType, HeadLinear, HeadMLP)
	}
}

func (h *clsHead) forwardVec(pooled []float64) ([]float64, error) {
	if h.Type == HeadLinear {
		return h.Linear.ForwardVec(pooled)
	}
	v, err := h.Fc1.ForwardVec(pooled)
	if err != nil {
		return nil, err
	}
	reluVec(v)
	v, err = h.Fc2.ForwardVec(v)
	if err != nil {
		return nil, err
	}
	reluVec(v)
	return h.Fc3.ForwardVec(v)
}

func reluVec(v []float64) {
	for i, x := range v {
		if x < 0 {
			v[i] = 0
		}
	}
}

// NewPointTransformer builds the classifier. Unknown head types fail here.
func NewPointTransformer(cfg Config) (*PointTransformer, error) {
	cfg = cfg.withDefaults()
	// Group tokens go straight into the transformer, so the widths must
	// agree.
	if cfg.EncoderDims != cfg.TransDim {
		return nil, fmt.Errorf("encoder dims %d must equal transformer dim %d", cfg.EncoderDims, cfg.TransDim)
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(cfg.Seed))

	grouper, err := geometry.NewGrouper(cfg.NumGroup, cfg.GroupSize, cfg.Seed)
	if err != nil {
		return nil, err
	}
	pointEnc, err := mae.NewPointEncoder(cfg.EncoderDims, rng)
	if err != nil {
		return nil, err
	}
	fc1, err := nn.NewLinear(cfg.TransDim, cfg.TransDim, rng)
	if err != nil {
		return nil, err
	}
	fc2, err := nn.NewLinear(cfg.TransDim, cfg.TransDim, rng)
	if err != nil {
		return nil, err
	}
	blocks, err := nn.NewEncoder(cfg.TransDim, cfg.Depth, cfg.NumHeads, rng)
	if err != nil {
		return nil, err
	}
	norm, err := nn.NewLayerNorm(cfg.TransDim)
	if err != nil {
		return nil, err
	}
	head, err := newClsHead(cfg.HeadType, cfg.TransDim, cfg.ClsDim, rng)
	if err != nil {
		return nil, err
	}

	return &PointTransformer{
		Config:   cfg,
		grouper:  grouper,
		pointEnc: pointEnc,
		posProj:  &posProjection{Fc1: fc1, Fc2: fc2},
		blocks:   blocks,
		norm:     norm,
		clsToken: nn.NewTokenParam(rng, cfg.TransDim),
		clsPos:   nn.NewTokenParam(rng, cfg.TransDim),
		head:     head,
		rng:      rng,
	}, nil
}

// Logits runs the classifier over one cloud and returns unnormalized class
// scores.
func (pt *PointTransformer) Logits(cloud []r3.Vector) ([]float64, error) {
	grouping, err := pt.grouper.DivideWith(pt.rng, cloud)
	if err != nil {
		return nil, fmt.Errorf("grouping cloud: %w", err)
	}
	tokens, err := pt.pointEnc.EncodeGroups(grouping.Neighborhoods)
	if err != nil {
		return nil, fmt.Errorf("embedding groups: %w", err)
	}

	rawPos, err := mae.SinusoidalPosEmbed(pt.Config.TransDim, grouping.Centers)
	if err != nil {
		return nil, err
	}
	pos, err := pt.posProj.Forward(rawPos)
	if err != nil {
		return nil, err
	}

	// Prepend the class token with its own learned position.
	cls := mat.NewDense(1, pt.Config.TransDim, pt.clsToken)
	clsPos := mat.NewDense(1, pt.Config.TransDim, pt.clsPos)
	x, err := nn.ConcatRows(cls, tokens)
	if err != nil {
		return nil, err
	}
	fullPos, err := nn.ConcatRows(clsPos, pos)
	if err != nil {
		return nil, err
	}

	x, err = pt.blocks.Forward(x, fullPos)
	if err != nil {
		return nil, err
	}
	x, err = pt.norm.Forward(x)
	if err != nil {
		return nil, err
	}

	// Pool: class token output concatenated with max over the sequence.
	n, _ := x.Dims()
	rest, err := nn.SliceRows(x, 1, n)
	if err != nil {
		return nil, err
	}
	pooled := make([]float64, 2*pt.Config.TransDim)
	copy(pooled, x.RawRowView(0))
	copy(pooled[pt.Config.TransDim:], nn.RowMax(rest))

	return pt.head.forwardVec(pooled)
}

// LossAcc computes mean cross-entropy loss and accuracy over a batch of
// logits and integer labels.
func LossAcc(logits [][]float64, labels []int) (loss, acc float64, err error) {
	if len(logits) == 0 || len(logits) != len(labels) {
		return 0, 0, fmt.Errorf("batch size mismatch: %d logits vs %d labels", len(logits), len(labels))
	}
	correct := 0
	for i, lg := range logits {
		label := labels[i]
		if label < 0 || label >= len(lg) {
			return 0, 0, fmt.Errorf("label %d out of range for %d classes", label, len(lg))
		}

		// Stable log-softmax cross entropy.
		maxV := lg[0]
		argmax := 0
		for j, v := range lg {
			if v > maxV {
				maxV = v
				argmax = j
			}
		}
		sum := 0.0
		for _, v := range lg {
			sum += math.Exp(v - maxV)
		}
		loss += math.Log(sum) - (lg[label] - maxV)
		if argmax == label {
			correct++
		}
	}
	n := float64(len(logits))
	return loss / n, float64(correct) / n, nil
}

// Params returns a store with the backbone registered under the same names
// the pretraining encoder uses (unprefixed), plus the classifier-only
// parameters.
func (pt *PointTransformer) Params() *nn.ParamStore {
	ps := nn.NewParamStore()
	pt.pointEnc.RegisterParams(ps, "encoder")
	pt.posProj.Fc1.RegisterParams(ps, "pos_embed.0")
	pt.posProj.Fc2.RegisterParams(ps, "pos_embed.2")
	pt.blocks.RegisterParams(ps, "blocks")
	pt.norm.RegisterParams(ps, "norm")
	ps.Register("cls_token", mat.NewDense(1, pt.Config.TransDim, pt.clsToken))
	ps.Register("cls_pos", mat.NewDense(1, pt.Config.TransDim, pt.clsPos))
	switch pt.head.Type {
	case HeadLinear:
		pt.head.Linear.RegisterParams(ps, "cls_head_finetune.0")
	case HeadMLP:
		pt.head.Fc1.RegisterParams(ps, "cls_head_finetune.0")
		pt.head.Fc2.RegisterParams(ps, "cls_head_finetune.4")
		pt.head.Fc3.RegisterParams(ps, "cls_head_finetune.8")
	}
	return ps
}

// LoadPretrained loads a pretraining checkpoint state into the backbone,
// best-effort: prefixes like "MAE_encoder." are stripped, unmatched keys are
// reported and logged, and the load itself never fails.
func (pt *PointTransformer) LoadPretrained(state nn.State) *nn.LoadReport {
	return pt.Params().LoadState(state)
}

// LoadPretrainedFile is LoadPretrained reading from a gob checkpoint file.
func (pt *PointTransformer) LoadPretrainedFile(path string) (*nn.LoadReport, error) {
	state, err := nn.LoadStateFile(path)
	if err != nil {
		return nil, err
	}
	return pt.LoadPretrained(state), nil
}
