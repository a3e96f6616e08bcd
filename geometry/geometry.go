// Package geometry implements the point-cloud sampling and grouping
// primitives the models in this repository are built on: farthest point
// sampling, k-nearest-neighbor lookup, and the grouper that divides a cloud
// into fixed-size local neighborhoods around sampled centers.
//
// Points are github.com/golang/geo/r3 vectors. Neighborhoods produced by the
// grouper are translated so their center sits at the local origin; the
// centers themselves carry the global placement.
package geometry

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/golang/geo/r3"
)

// FarthestPointSample greedily selects count points from pts so that each new
// pick maximizes its distance to the points already picked. The first pick is
// drawn from rng, so results are reproducible for a fixed seed. Returns the
// selected indices in pick order.
func FarthestPointSample(rng *rand.Rand, pts []r3.Vector, count int) ([]int, error) {
	if count <= 0 {
		return nil, fmt.Errorf("sample count must be positive, got %d", count)
	}
	if len(pts) < count {
		return nil, fmt.Errorf("cannot sample %d points from a cloud of %d", count, len(pts))
	}

	picked := make([]int, 0, count)
	// minDist[i] tracks the squared distance from pts[i] to the nearest
	// already-picked point.
	minDist := make([]float64, len(pts))
	for i := range minDist {
		minDist[i] = math.MaxFloat64
	}

	cur := rng.Intn(len(pts))
	for len(picked) < count {
		picked = append(picked, cur)
		next, nextDist := 0, -1.0
		for i, p := range pts {
			if d := p.Sub(pts[cur]).Norm2(); d < minDist[i] {
				minDist[i] = d
			}
			if minDist[i] > nextDist {
				next, nextDist = i, minDist[i]
			}
		}
		cur = next
	}
	return picked, nil
}

// NearestNeighbors returns the indices of the k points in pts closest to
// center, nearest first. Distance ties are broken by index order so the
// result is deterministic.
func NearestNeighbors(pts []r3.Vector, center r3.Vector, k int) ([]int, error) {
	if k <= 0 {
		return nil, fmt.Errorf("neighbor count must be positive, got %d", k)
	}
	if len(pts) < k {
		return nil, fmt.Errorf("cannot find %d neighbors in a cloud of %d", k, len(pts))
	}

	type cand struct {
		idx  int
		dist float64
	}
	cands := make([]cand, len(pts))
	for i, p := range pts {
		cands[i] = cand{idx: i, dist: p.Sub(center).Norm2()}
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].dist != cands[j].dist {
			return cands[i].dist < cands[j].dist
		}
		return cands[i].idx < cands[j].idx
	})

	out := make([]int, k)
	for i := 0; i < k; i++ {
		out[i] = cands[i].idx
	}
	return out, nil
}

// Centroid returns the arithmetic mean of pts.
func Centroid(pts []r3.Vector) r3.Vector {
	var sum r3.Vector
	for _, p := range pts {
		sum = sum.Add(p)
	}
	return sum.Mul(1.0 / float64(len(pts)))
}

// BoundingBox returns the componentwise min and max corners of pts.
func BoundingBox(pts []r3.Vector) (lo, hi r3.Vector) {
	if len(pts) == 0 {
		return r3.Vector{}, r3.Vector{}
	}
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
