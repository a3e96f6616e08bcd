package projection

import (
	"fmt"
	"math"
	"math/rand"
)

// ImageEncoder is a frozen 2D backbone. It maps a projected pseudo-image to
// one global feature vector; the masked autoencoder treats the output as a
// constant alignment target (no gradients flow into it).
type ImageEncoder interface {
	// EncodeImage returns a FeatureDim-length feature vector for im.
	EncodeImage(im *Image) ([]float64, error)
	// FeatureDim is the length of the vectors EncodeImage produces.
	FeatureDim() int
}

// RandomFeatureEncoder is a deterministic stand-in for a pretrained 2D
// backbone: it mean-pools the image into a coarse patch grid and pushes the
// pooled values through a fixed random projection drawn once at construction.
// The projection weights are frozen, so the same image always maps to the
// same features. Useful for tests and the visualize command; real training
// setups inject an actual pretrained encoder instead.
type RandomFeatureEncoder struct {
	Patches int
	Dim     int

	weights [][]float64 // Dim x (Patches*Patches*3)
}

// NewRandomFeatureEncoder builds an encoder pooling to a patches x patches
// grid and projecting to dim features, with weights drawn from seed.
func NewRandomFeatureEncoder(patches, dim int, seed int64) (*RandomFeatureEncoder, error) {
	if patches <= 0 {
		return nil, fmt.Errorf("patch grid must be positive, got %d", patches)
	}
	if dim <= 0 {
		return nil, fmt.Errorf("feature dim must be positive, got %d", dim)
	}
	rng := rand.New(rand.NewSource(seed))
	in := patches * patches * 3
	w := make([][]float64, dim)
	scale := 1.0 / math.Sqrt(float64(in))
	for i := range w {
		w[i] = make([]float64, in)
		for j := range w[i] {
			w[i][j] = rng.NormFloat64() * scale
		}
	}
	return &RandomFeatureEncoder{Patches: patches, Dim: dim, weights: w}, nil
}

// FeatureDim implements ImageEncoder.
func (e *RandomFeatureEncoder) FeatureDim() int { return e.Dim }

// EncodeImage implements ImageEncoder. The image resolution must be
// divisible into the patch grid with at least one pixel per patch.
func (e *RandomFeatureEncoder) EncodeImage(im *Image) ([]float64, error) {
	if im == nil || im.Res == 0 {
		return nil, fmt.Errorf("cannot encode an empty image")
	}
	if im.Res < e.Patches {
		return nil, fmt.Errorf("image resolution %d smaller than patch grid %d", im.Res, e.Patches)
	}

	// Mean-pool each patch per channel.
	pooled := make([]float64, e.Patches*e.Patches*3)
	step := im.Res / e.Patches
	for px := 0; px < e.Patches; px++ {
		for py := 0; py < e.Patches; py++ {
			x0, y0 := px*step, py*step
			x1, y1 := x0+step, y0+step
			if px == e.Patches-1 {
				x1 = im.Res
			}
			if py == e.Patches-1 {
				y1 = im.Res
			}
			var sum [3]float64
			count := 0
			for x := x0; x < x1; x++ {
				for y := y0; y < y1; y++ {
					base := (x*im.Res + y) * 3
					sum[0] += im.Data[base]
					sum[1] += im.Data[base+1]
					sum[2] += im.Data[base+2]
					count++
				}
			}
			base := (px*e.Patches + py) * 3
			for c := 0; c < 3; c++ {
				pooled[base+c] = sum[c] / float64(count)
			}
		}
	}

	out := make([]float64, e.Dim)
	for i, row := range e.weights {
		dot := 0.0
		for j, v := range pooled {
			dot += row[j] * v
		}
		out[i] = dot
	}
	return out, nil
}
