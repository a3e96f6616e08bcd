// Package mae implements a masked autoencoder for point clouds. A cloud is
// divided into local groups, a random subset of groups is hidden, and a
// joint self+cross transformer encodes the rest. Training signals come from
// two places: a decoder reconstructs the hidden geometry under a chamfer
// loss, and the hidden tokens are aligned against features a frozen 2D
// encoder extracts from a rasterized view of the hidden points.
package mae

import (
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"sync"
	"time"

	"github.com/Noofbiz/pointMAE/geometry"
	"github.com/Noofbiz/pointMAE/nn"
	"github.com/Noofbiz/pointMAE/projection"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// PCPMAE is the pretraining model.
type PCPMAE struct {
	Config Config

	grouper *geometry.Grouper
	encoder *MaskTransformer

	// maskToken fills the masked slots of the reconstruction decoder
	// input.
	maskToken []float64

	decoder      *nn.Decoder
	crossDecoder *nn.CrossDecoder

	// predPosProj maps masked tokens into the 2D encoder's feature space
	// for the alignment loss.
	predPosProj    *alignProjection
	predPosDecoder *nn.Decoder

	increaseDim      *nn.Linear
	increaseCrossDim *nn.Linear

	chamfer ChamferFunc
	imgEnc  projection.ImageEncoder

	rng *rand.Rand
}

// alignProjection is Linear -> LayerNorm -> ReLU -> Linear into the frozen
// encoder's feature dimension.
type alignProjection struct {
	Fc1  *nn.Linear
	Norm *nn.LayerNorm
	Fc2  *nn.Linear
}

func newAlignProjection(in, out int, rng *rand.Rand) (*alignProjection, error) {
	fc1, err := nn.NewLinear(in, out, rng)
	if err != nil {
		return nil, err
	}
	norm, err := nn.NewLayerNorm(out)
	if err != nil {
		return nil, err
	}
	fc2, err := nn.NewLinear(out, out, rng)
	if err != nil {
		return nil, err
	}
	return &alignProjection{Fc1: fc1, Norm: norm, Fc2: fc2}, nil
}

func (ap *alignProjection) Forward(x *mat.Dense) (*mat.Dense, error) {
	h, err := ap.Fc1.Forward(x)
	if err != nil {
		return nil, err
	}
	h, err = ap.Norm.Forward(h)
	if err != nil {
		return nil, err
	}
	return ap.Fc2.Forward(nn.ReLU(h))
}

func (ap *alignProjection) RegisterParams(ps *nn.ParamStore, prefix string) {
	ap.Fc1.RegisterParams(ps, prefix+".0")
	ap.Norm.RegisterParams(ps, prefix+".1")
	ap.Fc2.RegisterParams(ps, prefix+".3")
}

// NewPCPMAE builds the pretraining model. The frozen 2D encoder is injected;
// its feature dimension determines the alignment projection width. Unknown
// loss or mask-type names fail here, not mid-training.
func NewPCPMAE(cfg Config, imgEnc projection.ImageEncoder) (*PCPMAE, error) {
	cfg = cfg.withDefaults()
	if imgEnc == nil {
		return nil, fmt.Errorf("image encoder cannot be nil")
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(cfg.Seed))

	chamfer, err := NewChamfer(cfg.Loss)
	if err != nil {
		return nil, err
	}
	grouper, err := geometry.NewGrouper(cfg.NumGroup, cfg.GroupSize, cfg.Seed)
	if err != nil {
		return nil, err
	}
	encoder, err := newMaskTransformer(maskTransformerConfig{
		Dim:         cfg.TransDim,
		EncoderDims: cfg.EncoderDims,
		Depth:       cfg.Depth,
		NumHeads:    cfg.NumHeads,
		MaskRatio:   cfg.MaskRatio,
		MaskType:    cfg.MaskType,
	}, SinusoidalPosEmbed, rng)
	if err != nil {
		return nil, err
	}
	decoder, err := nn.NewDecoder(cfg.TransDim, cfg.DecoderDepth, cfg.DecoderNumHeads, rng)
	if err != nil {
		return nil, err
	}
	crossDecoder, err := nn.NewCrossDecoder(cfg.TransDim, cfg.DecoderDepth, cfg.DecoderNumHeads, rng)
	if err != nil {
		return nil, err
	}
	predPosProj, err := newAlignProjection(cfg.TransDim, imgEnc.FeatureDim(), rng)
	if err != nil {
		return nil, err
	}
	var predPosDecoder *nn.Decoder
	if cfg.PredPosTransformerLayer != 0 {
		predPosDecoder, err = nn.NewDecoder(cfg.TransDim, cfg.PredPosTransformerLayer, cfg.DecoderNumHeads, rng)
		if err != nil {
			return nil, err
		}
	}
	increaseDim, err := nn.NewLinear(cfg.TransDim, 3*cfg.GroupSize, rng)
	if err != nil {
		return nil, err
	}
	increaseCrossDim, err := nn.NewLinear(cfg.TransDim, 3*cfg.GroupSize, rng)
	if err != nil {
		return nil, err
	}

	return &PCPMAE{
		Config:           cfg,
		grouper:          grouper,
		encoder:          encoder,
		maskToken:        nn.NewTokenParam(rng, cfg.TransDim),
		decoder:          decoder,
		crossDecoder:     crossDecoder,
		predPosProj:      predPosProj,
		predPosDecoder:   predPosDecoder,
		increaseDim:      increaseDim,
		increaseCrossDim: increaseCrossDim,
		chamfer:          chamfer,
		imgEnc:           imgEnc,
		rng:              rng,
	}, nil
}

// ForwardResult carries the losses of one pretraining forward pass.
type ForwardResult struct {
	// RecLoss is the chamfer reconstruction loss over the hidden groups.
	RecLoss float64
	// AlignLoss is the cross-modal cosine loss, already scaled by ita.
	AlignLoss float64
	// CrossRecLoss is the cross-decoder reconstruction loss; zero unless
	// enabled in the config.
	CrossRecLoss float64
	// NumMasked is how many groups were hidden this pass.
	NumMasked int
}

// Total sums the active loss terms.
func (r *ForwardResult) Total() float64 {
	return r.RecLoss + r.AlignLoss + r.CrossRecLoss
}

// Forward runs one pretraining pass over a cloud using the model's own
// random source. Not safe for concurrent use; ForwardBatch handles
// parallelism with pre-seeded per-cloud sources.
func (m *PCPMAE) Forward(cloud []r3.Vector) (*ForwardResult, error) {
	return m.forward(m.rng, cloud)
}

func (m *PCPMAE) forward(rng *rand.Rand, cloud []r3.Vector) (*ForwardResult, error) {
	grouping, err := m.grouper.DivideWith(rng, cloud)
	if err != nil {
		return nil, fmt.Errorf("grouping cloud: %w", err)
	}
	out, err := m.encoder.Forward(rng, grouping)
	if err != nil {
		return nil, fmt.Errorf("encoding: %w", err)
	}
	if out.Masked == nil {
		// Nothing hidden (mask ratio 0): no training signal.
		return &ForwardResult{}, nil
	}

	maskedPts, maskedCenters, visCenters := splitByMask(grouping, out.Mask)

	alignLoss, masked, err := m.alignmentLoss(out.Masked, flatten(maskedPts))
	if err != nil {
		return nil, err
	}

	rebuilt, err := m.reconstruct(nil, out.Visible, masked, visCenters, maskedCenters)
	if err != nil {
		return nil, err
	}
	recLoss, err := m.reconstructionLoss(rebuilt, maskedPts)
	if err != nil {
		return nil, err
	}

	res := &ForwardResult{
		RecLoss:   recLoss,
		AlignLoss: alignLoss,
		NumMasked: len(maskedPts),
	}

	if m.Config.CrossLoss {
		// The cross decoder additionally attends to the aligned masked
		// tokens, which stay frozen targets here.
		crossRebuilt, err := m.reconstruct(masked, out.Visible, masked, visCenters, maskedCenters)
		if err != nil {
			return nil, err
		}
		res.CrossRecLoss, err = m.reconstructionLoss(crossRebuilt, maskedPts)
		if err != nil {
			return nil, err
		}
	}
	return res, nil
}

// alignmentLoss projects the masked tokens into the frozen encoder's space
// and compares their pooled direction to the features of the rasterized
// hidden points. Returns the scaled loss and the (possibly decoder-refined)
// masked tokens used downstream.
func (m *PCPMAE) alignmentLoss(masked *mat.Dense, maskedPts []r3.Vector) (float64, *mat.Dense, error) {
	x := masked
	var err error
	if m.predPosDecoder != nil {
		x, err = m.predPosDecoder.ForwardRaw(x)
		if err != nil {
			return 0, nil, err
		}
	}
	potRec, err := m.predPosProj.Forward(x)
	if err != nil {
		return 0, nil, err
	}

	img, err := projection.Project(maskedPts, m.Config.ImageSize)
	if err != nil {
		return 0, nil, fmt.Errorf("projecting hidden points: %w", err)
	}
	// The 2D features are constants: the frozen encoder never trains, and
	// when AddDetach is set the legacy configs also detached here, which
	// changes nothing on this inference path.
	imgFeats, err := m.imgEnc.EncodeImage(img)
	if err != nil {
		return 0, nil, fmt.Errorf("encoding projection: %w", err)
	}

	pooled := nn.RowMean(potRec)
	cos, err := cosineSimilarity(imgFeats, pooled)
	if err != nil {
		return 0, nil, err
	}
	return m.Config.Ita * (1 - cos), x, nil
}

// reconstruct runs the decoder over [visible tokens, mask tokens] with real
// positional embeddings for both halves and expands the masked outputs back
// into local point sets. A non-nil crossY sequence routes through the cross
// decoder, which additionally attends to it.
func (m *PCPMAE) reconstruct(crossY *mat.Dense, visible, masked *mat.Dense, visCenters, maskedCenters []r3.Vector) ([][]r3.Vector, error) {
	numMask, _ := masked.Dims()

	posVis, err := m.encoder.posEmbed(visCenters)
	if err != nil {
		return nil, err
	}
	posMask, err := m.encoder.posEmbed(maskedCenters)
	if err != nil {
		return nil, err
	}

	tokenRows := mat.NewDense(numMask, m.Config.TransDim, nil)
	for i := 0; i < numMask; i++ {
		tokenRows.SetRow(i, m.maskToken)
	}
	xFull, err := nn.ConcatRows(visible, tokenRows)
	if err != nil {
		return nil, err
	}
	posFull, err := nn.ConcatRows(posVis, posMask)
	if err != nil {
		return nil, err
	}

	var xRec *mat.Dense
	if crossY != nil {
		xRec, err = m.crossDecoder.Forward(xFull, crossY, posFull, numMask)
	} else {
		xRec, err = m.decoder.Forward(xFull, posFull, numMask)
	}
	if err != nil {
		return nil, err
	}

	head := m.increaseDim
	if crossY != nil {
		head = m.increaseCrossDim
	}
	coords, err := head.Forward(xRec)
	if err != nil {
		return nil, err
	}

	out := make([][]r3.Vector, numMask)
	for i := 0; i < numMask; i++ {
		pts := make([]r3.Vector, m.Config.GroupSize)
		for j := 0; j < m.Config.GroupSize; j++ {
			pts[j] = r3.Vector{
				X: coords.At(i, 3*j),
				Y: coords.At(i, 3*j+1),
				Z: coords.At(i, 3*j+2),
			}
		}
		out[i] = pts
	}
	return out, nil
}

// reconstructionLoss averages the chamfer distance between each rebuilt
// group and its ground-truth neighborhood.
func (m *PCPMAE) reconstructionLoss(rebuilt, truth [][]r3.Vector) (float64, error) {
	if len(rebuilt) != len(truth) {
		return 0, fmt.Errorf("internal: %d rebuilt groups vs %d ground-truth groups", len(rebuilt), len(truth))
	}
	total := 0.0
	for i := range rebuilt {
		d, err := m.chamfer(rebuilt[i], truth[i])
		if err != nil {
			return 0, err
		}
		total += d
	}
	return total / float64(len(rebuilt)), nil
}

// BatchResult aggregates losses over a batch of clouds.
type BatchResult struct {
	MeanRecLoss      float64
	MeanAlignLoss    float64
	MeanCrossRecLoss float64
	PerCloud         []*ForwardResult
}

// ForwardBatch runs the forward pass over every cloud on a worker pool.
// Per-cloud seeds are drawn from the model rng up front, so results match a
// sequential run with the same seed regardless of worker scheduling.
func (m *PCPMAE) ForwardBatch(clouds [][]r3.Vector) (*BatchResult, error) {
	if len(clouds) == 0 {
		return nil, fmt.Errorf("empty batch")
	}

	seeds := make([]int64, len(clouds))
	for i := range seeds {
		seeds[i] = m.rng.Int63()
	}

	results := make([]*ForwardResult, len(clouds))
	errs := make([]error, len(clouds))
	jobs := make(chan int)
	var wg sync.WaitGroup

	workers := runtime.NumCPU()
	if workers > len(clouds) {
		workers = len(clouds)
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				rng := rand.New(rand.NewSource(seeds[i]))
				results[i], errs[i] = m.forward(rng, clouds[i])
			}
		}()
	}
	for i := range clouds {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	out := &BatchResult{PerCloud: results}
	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("cloud %d: %w", i, err)
		}
		out.MeanRecLoss += results[i].RecLoss
		out.MeanAlignLoss += results[i].AlignLoss
		out.MeanCrossRecLoss += results[i].CrossRecLoss
	}
	n := float64(len(clouds))
	out.MeanRecLoss /= n
	out.MeanAlignLoss /= n
	out.MeanCrossRecLoss /= n
	return out, nil
}

// VisResult is the visualization-mode output: clouds in global coordinates.
type VisResult struct {
	// Reconstructed is the visible geometry plus the rebuilt hidden
	// geometry, restored to global coordinates.
	Reconstructed []r3.Vector
	// Visible is just the geometry the encoder saw.
	Visible []r3.Vector
	// Centers lists the group centers, hidden groups first.
	Centers []r3.Vector
}

// Visualize runs a forward pass and returns geometry instead of losses.
func (m *PCPMAE) Visualize(cloud []r3.Vector) (*VisResult, error) {
	grouping, err := m.grouper.DivideWith(m.rng, cloud)
	if err != nil {
		return nil, fmt.Errorf("grouping cloud: %w", err)
	}
	out, err := m.encoder.Forward(m.rng, grouping)
	if err != nil {
		return nil, fmt.Errorf("encoding: %w", err)
	}
	if out.Masked == nil {
		return nil, fmt.Errorf("mask ratio %v hides nothing; no reconstruction to visualize", m.Config.MaskRatio)
	}

	_, maskedCenters, visCenters := splitByMask(grouping, out.Mask)

	masked := out.Masked
	if m.predPosDecoder != nil {
		masked, err = m.predPosDecoder.ForwardRaw(masked)
		if err != nil {
			return nil, err
		}
	}
	rebuilt, err := m.reconstruct(nil, out.Visible, masked, visCenters, maskedCenters)
	if err != nil {
		return nil, err
	}

	res := &VisResult{}
	for g, isMasked := range out.Mask {
		if isMasked {
			continue
		}
		for _, p := range grouping.Neighborhoods[g] {
			res.Visible = append(res.Visible, p.Add(grouping.Centers[g]))
		}
	}
	res.Reconstructed = append(res.Reconstructed, res.Visible...)
	for i, pts := range rebuilt {
		for _, p := range pts {
			res.Reconstructed = append(res.Reconstructed, p.Add(maskedCenters[i]))
		}
	}
	res.Centers = append(res.Centers, maskedCenters...)
	res.Centers = append(res.Centers, visCenters...)
	return res, nil
}

// Params returns a store with every trainable parameter registered under the
// pretraining names.
func (m *PCPMAE) Params() *nn.ParamStore {
	ps := nn.NewParamStore()
	m.encoder.RegisterParams(ps, "MAE_encoder")
	ps.Register("mask_token", mat.NewDense(1, m.Config.TransDim, m.maskToken))
	m.decoder.RegisterParams(ps, "MAE_decoder")
	m.crossDecoder.RegisterParams(ps, "MAE_Cross_decoder")
	m.predPosProj.RegisterParams(ps, "pred_pos_proj")
	if m.predPosDecoder != nil {
		m.predPosDecoder.RegisterParams(ps, "pred_pos_decoder")
	}
	m.increaseDim.RegisterParams(ps, "increase_dim.0")
	m.increaseCrossDim.RegisterParams(ps, "increase_cross_dim.0")
	return ps
}

// splitByMask separates the grouping into hidden neighborhoods (still local
// offsets), hidden centers, and visible centers.
func splitByMask(grouping *geometry.Grouping, mask []bool) (maskedPts [][]r3.Vector, maskedCenters, visCenters []r3.Vector) {
	for g, m := range mask {
		if m {
			maskedPts = append(maskedPts, grouping.Neighborhoods[g])
			maskedCenters = append(maskedCenters, grouping.Centers[g])
		} else {
			visCenters = append(visCenters, grouping.Centers[g])
		}
	}
	return maskedPts, maskedCenters, visCenters
}

func flatten(groups [][]r3.Vector) []r3.Vector {
	var out []r3.Vector
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

// cosineSimilarity between two equal-length vectors. Zero vectors have
// undefined direction and are an error.
func cosineSimilarity(a, b []float64) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vector lengths don't match: %d vs %d", len(a), len(b))
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0, fmt.Errorf("cosine similarity of zero vector")
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), nil
}
