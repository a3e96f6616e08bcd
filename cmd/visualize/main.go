// Command visualize runs the masked autoencoder over a synthetic point
// cloud and renders what the model sees: the original cloud, the visible
// groups, the reconstructed cloud, and the pseudo-image projected from the
// hidden points. It is a smoke-test harness for the full pretraining
// forward pass.
package main

import (
	"flag"
	"image/color"
	"image/png"
	"log"
	"math"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/Noofbiz/pointMAE/geometry"
	"github.com/Noofbiz/pointMAE/mae"
	"github.com/Noofbiz/pointMAE/projection"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

func main() {
	var (
		configPath = flag.String("config", "", "optional JSON model config; defaults apply when empty")
		shape      = flag.String("shape", "torus", "synthetic cloud shape: sphere or torus")
		numPoints  = flag.Int("points", 2048, "points in the synthetic cloud")
		seed       = flag.Int64("seed", 1, "seed for the cloud and the model")
		outDir     = flag.String("out", "vis_out", "output directory for renders")
	)
	flag.Parse()

	var cfg mae.Config
	if *configPath != "" {
		var err error
		cfg, err = mae.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
		log.Printf("Loaded model config from %s", *configPath)
	}
	if cfg.Seed == 0 {
		cfg.Seed = *seed
	}
	// Small transformer dims keep the CPU forward pass quick; grouping
	// geometry stays at the standard 64 x 32.
	if cfg.TransDim == 0 {
		cfg.TransDim = 96
	}
	if cfg.Depth == 0 {
		cfg.Depth = 4
	}
	if cfg.ImageSize == 0 {
		cfg.ImageSize = 64
	}

	imgEnc, err := projection.NewRandomFeatureEncoder(8, 512, cfg.Seed)
	if err != nil {
		log.Fatalf("failed to build image encoder: %v", err)
	}
	model, err := mae.NewPCPMAE(cfg, imgEnc)
	if err != nil {
		log.Fatalf("failed to build model: %v", err)
	}
	log.Printf("Model ready: %d groups x %d points, dim %d, mask ratio %.2f",
		model.Config.NumGroup, model.Config.GroupSize, model.Config.TransDim, model.Config.MaskRatio)

	rng := rand.New(rand.NewSource(*seed))
	cloud := syntheticCloud(rng, *shape, *numPoints)
	log.Printf("Generated %s cloud with %d points", *shape, len(cloud))

	res, err := model.Forward(cloud)
	if err != nil {
		log.Fatalf("forward pass failed: %v", err)
	}
	log.Printf("Losses: reconstruction %.4f, alignment %.4f (masked groups: %d)",
		res.RecLoss, res.AlignLoss, res.NumMasked)

	vis, err := model.Visualize(cloud)
	if err != nil {
		log.Fatalf("visualization pass failed: %v", err)
	}
	logCloudStats("visible", vis.Visible)
	logCloudStats("reconstructed", vis.Reconstructed)

	if err := os.MkdirAll(*outDir, 0755); err != nil {
		log.Fatalf("failed to create output dir: %v", err)
	}
	if err := plotClouds(*outDir, cloud, vis); err != nil {
		log.Fatalf("failed to render scatter plots: %v", err)
	}
	if err := renderProjection(*outDir, vis, model.Config.ImageSize); err != nil {
		log.Fatalf("failed to render projection: %v", err)
	}
	if err := tensorSmokeTest(cloud, model.Config); err != nil {
		log.Fatalf("tensor bridge check failed: %v", err)
	}
	log.Printf("Wrote renders to %s", *outDir)
}

// syntheticCloud samples a noisy sphere or torus surface.
func syntheticCloud(rng *rand.Rand, shape string, n int) []r3.Vector {
	pts := make([]r3.Vector, n)
	for i := range pts {
		switch shape {
		case "sphere":
			v := r3.Vector{X: rng.NormFloat64(), Y: rng.NormFloat64(), Z: rng.NormFloat64()}
			pts[i] = v.Normalize()
		default: // torus
			u := rng.Float64() * 2 * math.Pi
			t := rng.Float64() * 2 * math.Pi
			const major, minor = 1.0, 0.35
			pts[i] = r3.Vector{
				X: (major + minor*math.Cos(t)) * math.Cos(u),
				Y: (major + minor*math.Cos(t)) * math.Sin(u),
				Z: minor * math.Sin(t),
			}
		}
		// light jitter so groups are never degenerate
		pts[i] = pts[i].Add(r3.Vector{
			X: rng.NormFloat64() * 0.01,
			Y: rng.NormFloat64() * 0.01,
			Z: rng.NormFloat64() * 0.01,
		})
	}
	return pts
}

func logCloudStats(name string, pts []r3.Vector) {
	xs := make([]float64, len(pts))
	for i, p := range pts {
		xs[i] = p.Norm()
	}
	mean, std := stat.MeanStdDev(xs, nil)
	log.Printf("%s cloud: %d points, radius mean %.3f std %.3f", name, len(pts), mean, std)
}

func toXYs(pts []r3.Vector) plotter.XYs {
	xys := make(plotter.XYs, len(pts))
	for i, p := range pts {
		xys[i] = plotter.XY{X: p.X, Y: p.Y}
	}
	return xys
}

// plotClouds writes three top-down scatter renders: original, visible-only,
// and reconstructed.
func plotClouds(outDir string, original []r3.Vector, vis *mae.VisResult) error {
	renders := []struct {
		name  string
		title string
		pts   []r3.Vector
		col   color.RGBA
	}{
		{"original.png", "Original cloud (top view)", original, color.RGBA{R: 120, G: 120, B: 120, A: 200}},
		{"visible.png", "Visible groups only", vis.Visible, color.RGBA{R: 20, G: 80, B: 200, A: 220}},
		{"reconstructed.png", "Visible + reconstructed", vis.Reconstructed, color.RGBA{R: 200, G: 30, B: 30, A: 200}},
	}
	for _, r := range renders {
		p := plot.New()
		p.Title.Text = r.title
		p.X.Label.Text = "x"
		p.Y.Label.Text = "y"

		sc, err := plotter.NewScatter(toXYs(r.pts))
		if err != nil {
			return err
		}
		sc.GlyphStyle.Color = r.col
		sc.GlyphStyle.Radius = vg.Points(1.2)
		p.Add(sc, plotter.NewGrid())

		if err := p.Save(6*vg.Inch, 6*vg.Inch, filepath.Join(outDir, r.name)); err != nil {
			return err
		}
	}
	return nil
}

// renderProjection rasterizes the hidden-region geometry the way the
// alignment loss does and writes it as a PNG.
func renderProjection(outDir string, vis *mae.VisResult, res int) error {
	// The reconstructed tail of the cloud holds the hidden groups.
	hidden := vis.Reconstructed[len(vis.Visible):]
	img, err := projection.Project(hidden, res)
	if err != nil {
		return err
	}
	f, err := os.Create(filepath.Join(outDir, "projection.png"))
	if err != nil {
		return err
	}
	defer f.Close()
	return png.Encode(f, img.ToRGBA())
}

// tensorSmokeTest exercises the gomlx bridge on a small grouped batch, the
// path a tensor-backed trainer would consume.
func tensorSmokeTest(cloud []r3.Vector, cfg mae.Config) error {
	g, err := geometry.NewGrouper(cfg.NumGroup, cfg.GroupSize, cfg.Seed)
	if err != nil {
		return err
	}
	grouping, err := g.Divide(cloud)
	if err != nil {
		return err
	}
	flat, err := geometry.FlattenGroups([]*geometry.Grouping{grouping})
	if err != nil {
		return err
	}
	tensor, err := flat.ToGomlxTensor()
	if err != nil {
		return err
	}
	log.Printf("Tensor bridge ok: batch (%d, %d, %d, 3) -> %v", flat.Batch, flat.Groups, flat.Size, tensor.Shape())
	return nil
}
