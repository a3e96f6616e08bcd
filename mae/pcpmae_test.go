package mae

import (
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/Noofbiz/pointMAE/geometry"
	"github.com/Noofbiz/pointMAE/projection"
	"github.com/golang/geo/r3"
)

// testConfig keeps dims small enough for fast tests while preserving the
// standard grouping geometry.
func testConfig() Config {
	return Config{
		MaskRatio:       0.6,
		MaskType:        MaskTypeRand,
		TransDim:        24,
		Depth:           2,
		NumHeads:        2,
		DecoderDepth:    1,
		DecoderNumHeads: 2,
		GroupSize:       32,
		NumGroup:        64,
		Loss:            "cdl2",
		Ita:             10,
		ImageSize:       32,
		Seed:            99,
	}
}

func testEncoder(t *testing.T) projection.ImageEncoder {
	t.Helper()
	enc, err := projection.NewRandomFeatureEncoder(4, 16, 123)
	if err != nil {
		t.Fatalf("building test image encoder: %v", err)
	}
	return enc
}

func sphereCloud(rng *rand.Rand, n int) []r3.Vector {
	pts := make([]r3.Vector, n)
	for i := range pts {
		v := r3.Vector{X: rng.NormFloat64(), Y: rng.NormFloat64(), Z: rng.NormFloat64()}
		pts[i] = v.Normalize()
	}
	return pts
}

func TestPointEncoderPermutationInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	pe, err := NewPointEncoder(16, rng)
	if err != nil {
		t.Fatalf("NewPointEncoder: %v", err)
	}
	pts := sphereCloud(rng, 32)
	a, err := pe.EncodeGroup(pts)
	if err != nil {
		t.Fatalf("EncodeGroup: %v", err)
	}

	shuffled := append([]r3.Vector(nil), pts...)
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	b, err := pe.EncodeGroup(shuffled)
	if err != nil {
		t.Fatalf("EncodeGroup: %v", err)
	}
	for i := range a {
		if math.Abs(a[i]-b[i]) > 1e-12 {
			t.Fatalf("token changed under point permutation at %d: %v vs %v", i, a[i], b[i])
		}
	}
}

func TestMaskTransformerSplitCounts(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	mt, err := newMaskTransformer(maskTransformerConfig{
		Dim: 24, EncoderDims: 24, Depth: 1, NumHeads: 2, MaskRatio: 0.6, MaskType: MaskTypeRand,
	}, SinusoidalPosEmbed, rng)
	if err != nil {
		t.Fatalf("newMaskTransformer: %v", err)
	}
	g, err := geometry.NewGrouper(64, 32, 7)
	if err != nil {
		t.Fatalf("NewGrouper: %v", err)
	}
	grouping, err := g.Divide(sphereCloud(rng, 1024))
	if err != nil {
		t.Fatalf("Divide: %v", err)
	}
	out, err := mt.Forward(rng, grouping)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	// 0.6 * 64 truncates to 38 masked, 26 visible.
	if r, _ := out.Visible.Dims(); r != 26 {
		t.Errorf("visible tokens %d, want 26", r)
	}
	if r, _ := out.Masked.Dims(); r != 38 {
		t.Errorf("masked tokens %d, want 38", r)
	}
	if got := countMasked(out.Mask); got != 38 {
		t.Errorf("mask count %d, want 38", got)
	}
}

func TestMaskTransformerRejectsBadConfig(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	if _, err := newMaskTransformer(maskTransformerConfig{
		Dim: 24, EncoderDims: 24, Depth: 1, NumHeads: 2, MaskRatio: 0.5, MaskType: "diagonal",
	}, SinusoidalPosEmbed, rng); err == nil {
		t.Error("expected error for unknown mask type")
	}
	if _, err := newMaskTransformer(maskTransformerConfig{
		Dim: 24, EncoderDims: 24, Depth: 1, NumHeads: 2, MaskRatio: 1.0, MaskType: MaskTypeRand,
	}, SinusoidalPosEmbed, rng); err == nil {
		t.Error("expected error for mask ratio 1")
	}
	if _, err := newMaskTransformer(maskTransformerConfig{
		Dim: 24, EncoderDims: 32, Depth: 1, NumHeads: 2, MaskRatio: 0.5, MaskType: MaskTypeRand,
	}, SinusoidalPosEmbed, rng); err == nil {
		t.Error("expected error for encoder dims not matching transformer dim")
	}
}

func TestPCPMAEEncoderDimsMismatch(t *testing.T) {
	cfg := testConfig()
	cfg.EncoderDims = 48
	if _, err := NewPCPMAE(cfg, testEncoder(t)); err == nil {
		t.Fatal("expected constructor error for encoder dims not matching trans dim")
	}
}

func TestPCPMAEForward(t *testing.T) {
	m, err := NewPCPMAE(testConfig(), testEncoder(t))
	if err != nil {
		t.Fatalf("NewPCPMAE: %v", err)
	}
	cloud := sphereCloud(rand.New(rand.NewSource(4)), 1024)
	res, err := m.Forward(cloud)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if res.NumMasked != 38 {
		t.Errorf("masked groups %d, want 38", res.NumMasked)
	}
	if res.RecLoss <= 0 || math.IsNaN(res.RecLoss) || math.IsInf(res.RecLoss, 0) {
		t.Errorf("reconstruction loss %v not a positive finite value", res.RecLoss)
	}
	if math.IsNaN(res.AlignLoss) || math.IsInf(res.AlignLoss, 0) {
		t.Errorf("alignment loss %v not finite", res.AlignLoss)
	}
	// Cosine similarity lives in [-1, 1], so the scaled loss is bounded by
	// 2*ita.
	if res.AlignLoss < 0 || res.AlignLoss > 2*m.Config.Ita {
		t.Errorf("alignment loss %v outside [0, %v]", res.AlignLoss, 2*m.Config.Ita)
	}
	if res.CrossRecLoss != 0 {
		t.Errorf("cross loss %v should be zero when disabled", res.CrossRecLoss)
	}
}

func TestPCPMAEForwardCrossLoss(t *testing.T) {
	cfg := testConfig()
	cfg.CrossLoss = true
	m, err := NewPCPMAE(cfg, testEncoder(t))
	if err != nil {
		t.Fatalf("NewPCPMAE: %v", err)
	}
	res, err := m.Forward(sphereCloud(rand.New(rand.NewSource(5)), 1024))
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if res.CrossRecLoss <= 0 || math.IsNaN(res.CrossRecLoss) {
		t.Errorf("cross reconstruction loss %v not a positive finite value", res.CrossRecLoss)
	}
}

func TestPCPMAEForwardPredPosDecoder(t *testing.T) {
	cfg := testConfig()
	cfg.PredPosTransformerLayer = 1
	m, err := NewPCPMAE(cfg, testEncoder(t))
	if err != nil {
		t.Fatalf("NewPCPMAE: %v", err)
	}
	if _, err := m.Forward(sphereCloud(rand.New(rand.NewSource(6)), 1024)); err != nil {
		t.Fatalf("Forward with pred-pos decoder: %v", err)
	}
}

func TestPCPMAEUnknownLoss(t *testing.T) {
	cfg := testConfig()
	cfg.Loss = "hausdorff"
	if _, err := NewPCPMAE(cfg, testEncoder(t)); err == nil {
		t.Fatal("expected constructor error for unknown loss")
	}
}

func TestPCPMAENilEncoder(t *testing.T) {
	if _, err := NewPCPMAE(testConfig(), nil); err == nil {
		t.Fatal("expected error for nil image encoder")
	}
}

func TestPCPMAEMaskRatioZero(t *testing.T) {
	cfg := testConfig()
	cfg.MaskRatio = 0.001
	m, err := NewPCPMAE(cfg, testEncoder(t))
	if err != nil {
		t.Fatalf("NewPCPMAE: %v", err)
	}
	// 0.001 * 64 truncates to 0 masked groups: no training signal.
	res, err := m.Forward(sphereCloud(rand.New(rand.NewSource(7)), 1024))
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if res.NumMasked != 0 || res.RecLoss != 0 || res.AlignLoss != 0 {
		t.Errorf("expected empty result for unmasked pass, got %+v", res)
	}
}

func TestPCPMAEForwardBatchDeterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	clouds := make([][]r3.Vector, 4)
	for i := range clouds {
		clouds[i] = sphereCloud(rng, 256)
	}
	cfg := testConfig()
	cfg.NumGroup = 16
	cfg.GroupSize = 16

	run := func() *BatchResult {
		m, err := NewPCPMAE(cfg, testEncoder(t))
		if err != nil {
			t.Fatalf("NewPCPMAE: %v", err)
		}
		res, err := m.ForwardBatch(clouds)
		if err != nil {
			t.Fatalf("ForwardBatch: %v", err)
		}
		return res
	}
	a, b := run(), run()
	if a.MeanRecLoss != b.MeanRecLoss || a.MeanAlignLoss != b.MeanAlignLoss {
		t.Fatalf("same seed diverged: (%v, %v) vs (%v, %v)",
			a.MeanRecLoss, a.MeanAlignLoss, b.MeanRecLoss, b.MeanAlignLoss)
	}
	for i := range a.PerCloud {
		if a.PerCloud[i].RecLoss != b.PerCloud[i].RecLoss {
			t.Fatalf("cloud %d rec loss diverged", i)
		}
	}

	// The pooled run must equal a plain sequential loop over the same
	// pre-drawn per-cloud seeds: worker scheduling must not matter.
	m, err := NewPCPMAE(cfg, testEncoder(t))
	if err != nil {
		t.Fatalf("NewPCPMAE: %v", err)
	}
	seeds := make([]int64, len(clouds))
	for i := range seeds {
		seeds[i] = m.rng.Int63()
	}
	for i, cloud := range clouds {
		res, err := m.forward(rand.New(rand.NewSource(seeds[i])), cloud)
		if err != nil {
			t.Fatalf("sequential forward of cloud %d: %v", i, err)
		}
		if res.RecLoss != a.PerCloud[i].RecLoss || res.AlignLoss != a.PerCloud[i].AlignLoss {
			t.Fatalf("cloud %d: sequential (%v, %v) vs pooled (%v, %v)",
				i, res.RecLoss, res.AlignLoss, a.PerCloud[i].RecLoss, a.PerCloud[i].AlignLoss)
		}
	}
}

func TestPCPMAEForwardBatchEmpty(t *testing.T) {
	m, err := NewPCPMAE(testConfig(), testEncoder(t))
	if err != nil {
		t.Fatalf("NewPCPMAE: %v", err)
	}
	if _, err := m.ForwardBatch(nil); err == nil {
		t.Fatal("expected error for empty batch")
	}
}

func TestPCPMAEVisualize(t *testing.T) {
	m, err := NewPCPMAE(testConfig(), testEncoder(t))
	if err != nil {
		t.Fatalf("NewPCPMAE: %v", err)
	}
	vis, err := m.Visualize(sphereCloud(rand.New(rand.NewSource(9)), 1024))
	if err != nil {
		t.Fatalf("Visualize: %v", err)
	}
	if got := len(vis.Visible); got != 26*32 {
		t.Errorf("visible points %d, want %d", got, 26*32)
	}
	if got := len(vis.Reconstructed); got != 64*32 {
		t.Errorf("reconstructed points %d, want %d", got, 64*32)
	}
	if got := len(vis.Centers); got != 64 {
		t.Errorf("centers %d, want 64", got)
	}
}

func TestPCPMAECheckpointRoundTrip(t *testing.T) {
	m, err := NewPCPMAE(testConfig(), testEncoder(t))
	if err != nil {
		t.Fatalf("NewPCPMAE: %v", err)
	}
	ps := m.Params()
	if ps.NumParams() == 0 {
		t.Fatal("no parameters registered")
	}
	state := ps.State()

	path := filepath.Join(t.TempDir(), "pretrain.gob")
	if err := SaveCheckpoint(path, m); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("checkpoint file missing: %v", err)
	}

	// A fresh model with a different seed has different weights; loading
	// the checkpoint must restore them all.
	cfg := testConfig()
	cfg.Seed = 1234
	m2, err := NewPCPMAE(cfg, testEncoder(t))
	if err != nil {
		t.Fatalf("NewPCPMAE: %v", err)
	}
	report, err := LoadCheckpoint(path, m2)
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if len(report.Missing) != 0 || len(report.Unexpected) != 0 || len(report.ShapeMismatch) != 0 {
		t.Fatalf("lossy round trip: %+v", report)
	}

	state2 := m2.Params().State()
	for name, p := range state {
		q, ok := state2[name]
		if !ok {
			t.Fatalf("parameter %s missing after load", name)
		}
		for i := range p.Data {
			if p.Data[i] != q.Data[i] {
				t.Fatalf("parameter %s differs after load", name)
			}
		}
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.MaskRatio != 0.6 || cfg.TransDim != 384 || cfg.NumGroup != 64 || cfg.GroupSize != 32 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.Loss != "cdl2" || cfg.MaskType != MaskTypeRand {
		t.Errorf("unexpected loss/mask defaults: %q %q", cfg.Loss, cfg.MaskType)
	}
	if cfg.EncoderDims != cfg.TransDim {
		t.Errorf("encoder dims %d should default to trans dim %d", cfg.EncoderDims, cfg.TransDim)
	}
}

func TestLoadConfigPartialJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.json")
	if err := os.WriteFile(path, []byte(`{"mask_ratio": 0.75, "num_group": 128}`), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.MaskRatio != 0.75 || cfg.NumGroup != 128 {
		t.Errorf("loaded values not applied: %+v", cfg)
	}
	cfg = cfg.withDefaults()
	if cfg.TransDim != 384 {
		t.Errorf("defaults not applied to absent fields: %+v", cfg)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig("/does/not/exist.json"); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
