package mae

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
)

// ChamferFunc is a symmetric set distance between two point sets. It is
// permutation invariant and zero when the sets are identical.
type ChamferFunc func(a, b []r3.Vector) (float64, error)

// NewChamfer returns the chamfer variant for the given loss name: "cdl1"
// averages nearest-neighbor euclidean distances (halved), "cdl2" sums
// averaged squared distances. Unknown names are an error.
func NewChamfer(loss string) (ChamferFunc, error) {
	switch loss {
	case "cdl1":
		return ChamferL1, nil
	case "cdl2":
		return ChamferL2, nil
	default:
		return nil, fmt.Errorf("unknown reconstruction loss %q (want cdl1 or cdl2)", loss)
	}
}

// ChamferL1 is the L1 chamfer distance:
// (mean_a min_b |a-b| + mean_b min_a |a-b|) / 2.
func ChamferL1(a, b []r3.Vector) (float64, error) {
	d1, d2, err := nearestSquared(a, b)
	if err != nil {
		return 0, err
	}
	return (meanSqrt(d1) + meanSqrt(d2)) / 2, nil
}

// ChamferL2 is the squared chamfer distance:
// mean_a min_b |a-b|^2 + mean_b min_a |a-b|^2.
func ChamferL2(a, b []r3.Vector) (float64, error) {
	d1, d2, err := nearestSquared(a, b)
	if err != nil {
		return 0, err
	}
	return mean(d1) + mean(d2), nil
}

// nearestSquared returns, for each point of a, its squared distance to the
// nearest point of b, and vice versa.
func nearestSquared(a, b []r3.Vector) ([]float64, []float64, error) {
	if len(a) == 0 || len(b) == 0 {
		return nil, nil, fmt.Errorf("chamfer distance of empty set (|a|=%d, |b|=%d)", len(a), len(b))
	}
	d1 := make([]float64, len(a))
	for i, p := range a {
		best := math.MaxFloat64
		for _, q := range b {
			if d := p.Sub(q).Norm2(); d < best {
				best = d
			}
		}
		d1[i] = best
	}
	d2 := make([]float64, len(b))
	for i, q := range b {
		best := math.MaxFloat64
		for _, p := range a {
			if d := q.Sub(p).Norm2(); d < best {
				best = d
			}
		}
		d2[i] = best
	}
	return d1, d2, nil
}

func mean(xs []float64) float64 {
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func meanSqrt(xs []float64) float64 {
	sum := 0.0
	for _, x := range xs {
		sum += math.Sqrt(x)
	}
	return sum / float64(len(xs))
}
