// Package projection rasterizes point clouds into pseudo-images so a frozen
// 2D encoder can produce alignment targets for the masked autoencoder.
//
// The projection drops each point's x/y position onto a square pixel grid,
// densifies every point into a 5x5 stamp so sparse clouds still leave a
// visible footprint, recenters the footprint in the image, and scatter-sums
// the z coordinate into all three channels. The result is squashed through a
// sigmoid and normalized with the usual ImageNet channel statistics, which is
// what pretrained 2D backbones expect to see.
package projection

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/golang/geo/r3"
	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// ImageNet channel statistics applied after the sigmoid squash.
var (
	imgMean = [3]float64{0.485, 0.456, 0.406}
	imgStd  = [3]float64{0.229, 0.224, 0.225}
)

// stampOffsets is the 5x5 neighborhood each point is densified into.
var stampOffsets = func() [][2]int {
	out := make([][2]int, 0, 25)
	for dx := -2; dx <= 2; dx++ {
		for dy := -2; dy <= 2; dy++ {
			out = append(out, [2]int{dx, dy})
		}
	}
	return out
}()

// Image is a res x res x 3 pseudo-image in float64. Raw holds the
// pre-normalization channel intensities (accumulated z values) for debug
// rendering; Data holds the sigmoid-and-normalized values fed to encoders.
// Both are laid out row-major, channel-minor: index (x*Res+y)*3 + c.
type Image struct {
	Res  int
	Data []float64
	Raw  []float64
}

// At returns the normalized value of channel c at grid cell (x, y).
func (im *Image) At(x, y, c int) float64 {
	return im.Data[(x*im.Res+y)*3+c]
}

// Project rasterizes points into an Image of the given resolution. Any
// non-empty cloud yields exactly res*res*3 finite values; degenerate clouds
// (single point, collinear, all identical) are handled by treating a zero
// planar extent as a unit cell size.
func Project(points []r3.Vector, res int) (*Image, error) {
	if res < 8 {
		return nil, fmt.Errorf("projection resolution must be at least 8, got %d", res)
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("cannot project an empty point cloud")
	}

	lo, hi := boundingBox(points)
	extent := math.Max(hi.X-lo.X, hi.Y-lo.Y)
	cell := extent / float64(res-3)
	if cell <= 0 {
		cell = 1
	}

	// Quantize each point, then densify into the 5x5 stamp. The +1 keeps
	// the raw stamp away from the negative edge before recentering.
	type stamp struct {
		x, y int
		z    float64
	}
	dense := make([]stamp, 0, len(points)*len(stampOffsets))
	minX, minY := math.MaxInt32, math.MaxInt32
	maxX, maxY := math.MinInt32, math.MinInt32
	for _, p := range points {
		ix := int(math.Floor((p.X - lo.X) / cell))
		iy := int(math.Floor((p.Y - lo.Y) / cell))
		for _, off := range stampOffsets {
			sx := ix + off[0] + 1
			sy := iy + off[1] + 1
			dense = append(dense, stamp{x: sx, y: sy, z: p.Z})
			if sx < minX {
				minX = sx
			}
			if sy < minY {
				minY = sy
			}
			if sx > maxX {
				maxX = sx
			}
			if sy > maxY {
				maxY = sy
			}
		}
	}

	// Move the footprint to the image center.
	centerX := int(math.Floor(float64(maxX+minX) / 2))
	centerY := int(math.Floor(float64(maxY+minY) / 2))
	offX := res/2 - centerX - 1
	offY := res/2 - centerY - 1

	raw := make([]float64, res*res*3)
	for _, s := range dense {
		x := clampIndex(s.x+offX, res)
		y := clampIndex(s.y+offY, res)
		if x < 0 || x >= res || y < 0 || y >= res {
			return nil, fmt.Errorf("internal: projected index (%d,%d) out of range after clamping", x, y)
		}
		base := (x*res + y) * 3
		raw[base] += s.z
		raw[base+1] += s.z
		raw[base+2] += s.z
	}

	data := make([]float64, len(raw))
	for i, v := range raw {
		c := i % 3
		data[i] = (sigmoid(v) - imgMean[c]) / imgStd[c]
	}
	return &Image{Res: res, Data: data, Raw: raw}, nil
}

// clampIndex nudges a slightly out-of-range index back to the nearest valid
// cell; no point is ever dropped.
func clampIndex(i, res int) int {
	if i < 0 {
		return 0
	}
	if i > res-1 {
		return res - 1
	}
	return i
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

func boundingBox(pts []r3.Vector) (lo, hi r3.Vector) {
	lo, hi = pts[0], pts[0]
	for _, p := range pts[1:] {
		lo.X = math.Min(lo.X, p.X)
		lo.Y = math.Min(lo.Y, p.Y)
		lo.Z = math.Min(lo.Z, p.Z)
		hi.X = math.Max(hi.X, p.X)
		hi.Y = math.Max(hi.Y, p.Y)
		hi.Z = math.Max(hi.Z, p.Z)
	}
	return lo, hi
}

// ToGomlxTensor converts the normalized image to a gomlx tensor of shape
// (Res, Res, 3).
func (im *Image) ToGomlxTensor() (*tensors.Tensor, error) {
	if im.Res == 0 {
		empty := make([][][]float32, 0)
		return tensors.FromAnyValue(empty), nil
	}
	data := make([][][]float32, im.Res)
	idx := 0
	for x := 0; x < im.Res; x++ {
		data[x] = make([][]float32, im.Res)
		for y := 0; y < im.Res; y++ {
			row := make([]float32, 3)
			for c := 0; c < 3; c++ {
				row[c] = float32(im.Data[idx])
				idx++
			}
			data[x][y] = row
		}
	}
	return tensors.FromAnyValue(data), nil
}

// ToRGBA renders the pre-normalization intensities as a grayscale RGBA image
// for debugging and the visualize command. Intensities are mapped through the
// sigmoid so the output is always in range.
func (im *Image) ToRGBA() *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, im.Res, im.Res))
	for x := 0; x < im.Res; x++ {
		for y := 0; y < im.Res; y++ {
			v := sigmoid(im.Raw[(x*im.Res+y)*3])
			g := uint8(v * 255)
			out.SetRGBA(y, x, color.RGBA{R: g, G: g, B: g, A: 255})
		}
	}
	return out
}
