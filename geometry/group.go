package geometry

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/golang/geo/r3"
	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// Grouper divides a point cloud into NumGroup neighborhoods of GroupSize
// points each. Centers come from farthest point sampling; each neighborhood
// holds the GroupSize nearest points to its center, translated so the center
// is the local origin.
type Grouper struct {
	NumGroup  int
	GroupSize int
	// Seed drives the farthest-point-sample start index. Zero means seed
	// from the clock.
	Seed int64

	rng *rand.Rand
}

// Grouping is the output of a Divide call. Neighborhoods[i] contains
// GroupSize local offsets relative to Centers[i]; Indices[i] maps those
// offsets back to positions in the input cloud.
type Grouping struct {
	Centers       []r3.Vector
	Neighborhoods [][]r3.Vector
	Indices       [][]int
}

// NewGrouper validates the group parameters and returns a ready Grouper.
func NewGrouper(numGroup, groupSize int, seed int64) (*Grouper, error) {
	if numGroup <= 0 {
		return nil, fmt.Errorf("number of groups must be positive, got %d", numGroup)
	}
	if groupSize <= 0 {
		return nil, fmt.Errorf("group size must be positive, got %d", groupSize)
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Grouper{
		NumGroup:  numGroup,
		GroupSize: groupSize,
		Seed:      seed,
		rng:       rand.New(rand.NewSource(seed)),
	}, nil
}

// Divide splits cloud into the grouper's neighborhoods. The cloud must hold
// at least max(NumGroup, GroupSize) points. Points may appear in more than
// one neighborhood; neighborhoods jointly cover the cloud only approximately,
// matching the usual grouping behavior for these models.
func (g *Grouper) Divide(cloud []r3.Vector) (*Grouping, error) {
	return g.DivideWith(g.rng, cloud)
}

// DivideWith is Divide with an explicit random source, for callers that
// pre-draw per-item seeds to keep parallel work reproducible.
func (g *Grouper) DivideWith(rng *rand.Rand, cloud []r3.Vector) (*Grouping, error) {
	if len(cloud) < g.NumGroup {
		return nil, fmt.Errorf("cloud of %d points is smaller than %d groups", len(cloud), g.NumGroup)
	}
	if len(cloud) < g.GroupSize {
		return nil, fmt.Errorf("cloud of %d points is smaller than group size %d", len(cloud), g.GroupSize)
	}

	centerIdx, err := FarthestPointSample(rng, cloud, g.NumGroup)
	if err != nil {
		return nil, fmt.Errorf("sampling group centers: %w", err)
	}

	out := &Grouping{
		Centers:       make([]r3.Vector, g.NumGroup),
		Neighborhoods: make([][]r3.Vector, g.NumGroup),
		Indices:       make([][]int, g.NumGroup),
	}
	for gi, ci := range centerIdx {
		center := cloud[ci]
		nbr, err := NearestNeighbors(cloud, center, g.GroupSize)
		if err != nil {
			return nil, fmt.Errorf("grouping around center %d: %w", gi, err)
		}
		local := make([]r3.Vector, g.GroupSize)
		for i, pi := range nbr {
			local[i] = cloud[pi].Sub(center)
		}
		out.Centers[gi] = center
		out.Neighborhoods[gi] = local
		out.Indices[gi] = nbr
	}
	return out, nil
}

// Restore translates the neighborhoods back into global coordinates by
// re-adding each center, returning one merged cloud.
func (gr *Grouping) Restore() []r3.Vector {
	out := make([]r3.Vector, 0, len(gr.Neighborhoods)*len(gr.Neighborhoods[0]))
	for gi, nbh := range gr.Neighborhoods {
		for _, p := range nbh {
			out = append(out, p.Add(gr.Centers[gi]))
		}
	}
	return out
}

// GroupBatchFlat stores a batch of groupings as one flat float32 buffer with
// shape (Batch, Groups, Size, 3), the layout consumed by tensor backends.
type GroupBatchFlat struct {
	Buf    []float32
	Batch  int
	Groups int
	Size   int
}

// FlattenGroups packs groupings into a GroupBatchFlat. All groupings must
// share group count and size.
func FlattenGroups(groupings []*Grouping) (*GroupBatchFlat, error) {
	if len(groupings) == 0 {
		return &GroupBatchFlat{}, nil
	}
	groups := len(groupings[0].Neighborhoods)
	size := len(groupings[0].Neighborhoods[0])
	for i, gr := range groupings {
		if len(gr.Neighborhoods) != groups {
			return nil, fmt.Errorf("inconsistent group counts: grouping 0 has %d, grouping %d has %d",
				groups, i, len(gr.Neighborhoods))
		}
		for _, nbh := range gr.Neighborhoods {
			if len(nbh) != size {
				return nil, fmt.Errorf("inconsistent group sizes in grouping %d: expected %d, got %d",
					i, size, len(nbh))
			}
		}
	}

	flat := make([]float32, len(groupings)*groups*size*3)
	idx := 0
	for _, gr := range groupings {
		for _, nbh := range gr.Neighborhoods {
			for _, p := range nbh {
				flat[idx] = float32(p.X)
				flat[idx+1] = float32(p.Y)
				flat[idx+2] = float32(p.Z)
				idx += 3
			}
		}
	}
	return &GroupBatchFlat{
		Buf:    flat,
		Batch:  len(groupings),
		Groups: groups,
		Size:   size,
	}, nil
}

// ToGomlxTensor converts the flat batch to a gomlx tensor of shape
// (Batch, Groups, Size, 3).
func (b *GroupBatchFlat) ToGomlxTensor() (*tensors.Tensor, error) {
	if b.Batch == 0 || b.Groups == 0 || b.Size == 0 {
		empty := make([][][][]float32, 0)
		return tensors.FromAnyValue(empty), nil
	}
	data := make([][][][]float32, b.Batch)
	idx := 0
	for i := 0; i < b.Batch; i++ {
		data[i] = make([][][]float32, b.Groups)
		for j := 0; j < b.Groups; j++ {
			data[i][j] = make([][]float32, b.Size)
			for k := 0; k < b.Size; k++ {
				data[i][j][k] = b.Buf[idx : idx+3]
				idx += 3
			}
		}
	}
	return tensors.FromAnyValue(data), nil
}
