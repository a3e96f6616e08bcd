package mae

import (
	"math/rand"
	"sort"

	"github.com/golang/geo/r3"
)

// Masking policies.
const (
	MaskTypeRand  = "rand"
	MaskTypeBlock = "block"
)

// RandomMask returns a boolean mask over numGroup groups with exactly
// int(ratio*numGroup) entries set, chosen uniformly from rng. A ratio of
// zero yields an all-false mask.
func RandomMask(rng *rand.Rand, numGroup int, ratio float64) []bool {
	mask := make([]bool, numGroup)
	numMask := int(ratio * float64(numGroup))
	if numMask <= 0 {
		return mask
	}
	perm := rng.Perm(numGroup)
	for _, i := range perm[:numMask] {
		mask[i] = true
	}
	return mask
}

// BlockMask masks a spatially contiguous region: it draws a random anchor
// center and masks the int(ratio*len(centers)) centers nearest to it. A
// ratio of zero yields an all-false mask.
func BlockMask(rng *rand.Rand, centers []r3.Vector, ratio float64) []bool {
	mask := make([]bool, len(centers))
	numMask := int(ratio * float64(len(centers)))
	if numMask <= 0 {
		return mask
	}

	anchor := centers[rng.Intn(len(centers))]
	type cand struct {
		idx  int
		dist float64
	}
	cands := make([]cand, len(centers))
	for i, c := range centers {
		cands[i] = cand{idx: i, dist: c.Sub(anchor).Norm()}
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].dist != cands[j].dist {
			return cands[i].dist < cands[j].dist
		}
		return cands[i].idx < cands[j].idx
	})
	for _, c := range cands[:numMask] {
		mask[c.idx] = true
	}
	return mask
}

// countMasked returns the number of set entries in mask.
func countMasked(mask []bool) int {
	n := 0
	for _, m := range mask {
		if m {
			n++
		}
	}
	return n
}
