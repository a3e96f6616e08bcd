package mae

import (
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r3"
)

func TestRandomMaskCount(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	// 0.6 * 64 = 38.4 truncates to 38.
	mask := RandomMask(rng, 64, 0.6)
	if len(mask) != 64 {
		t.Fatalf("mask length %d, want 64", len(mask))
	}
	if got := countMasked(mask); got != 38 {
		t.Fatalf("masked %d groups, want 38", got)
	}
}

func TestRandomMaskZeroRatio(t *testing.T) {
	mask := RandomMask(rand.New(rand.NewSource(2)), 32, 0)
	if countMasked(mask) != 0 {
		t.Fatal("zero ratio should mask nothing")
	}
}

func TestRandomMaskVaries(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	a := RandomMask(rng, 64, 0.5)
	b := RandomMask(rng, 64, 0.5)
	same := true
	for i := range a {
		if a[i] != b[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatal("consecutive draws produced identical masks")
	}
}

func TestBlockMaskContiguous(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	// Centers on a line: a block mask must cover a contiguous run.
	centers := make([]r3.Vector, 20)
	for i := range centers {
		centers[i] = r3.Vector{X: float64(i)}
	}
	mask := BlockMask(rng, centers, 0.5)
	if got := countMasked(mask); got != 10 {
		t.Fatalf("masked %d, want 10", got)
	}
	first, last := -1, -1
	for i, m := range mask {
		if m {
			if first < 0 {
				first = i
			}
			last = i
		}
	}
	if last-first+1 != 10 {
		t.Fatalf("masked run [%d,%d] is not contiguous", first, last)
	}
}

func TestBlockMaskZeroRatio(t *testing.T) {
	centers := []r3.Vector{{X: 1}, {X: 2}, {X: 3}}
	mask := BlockMask(rand.New(rand.NewSource(5)), centers, 0)
	if countMasked(mask) != 0 {
		t.Fatal("zero ratio should mask nothing")
	}
}

func TestSinusoidalPosEmbedShape(t *testing.T) {
	centers := []r3.Vector{{X: 0.1, Y: 0.2, Z: 0.3}, {X: -1, Y: 2, Z: 0}}
	emb, err := SinusoidalPosEmbed(12, centers)
	if err != nil {
		t.Fatalf("SinusoidalPosEmbed: %v", err)
	}
	r, c := emb.Dims()
	if r != 2 || c != 12 {
		t.Fatalf("embedding %dx%d, want 2x12", r, c)
	}
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := emb.At(i, j)
			if v < -1 || v > 1 || math.IsNaN(v) {
				t.Fatalf("embedding value %v at (%d,%d) outside [-1,1]", v, i, j)
			}
		}
	}
}

func TestSinusoidalPosEmbedBadDim(t *testing.T) {
	if _, err := SinusoidalPosEmbed(10, []r3.Vector{{}}); err == nil {
		t.Fatal("expected error for dim not divisible by 6")
	}
}

func TestSinusoidalPosEmbedEmpty(t *testing.T) {
	emb, err := SinusoidalPosEmbed(12, nil)
	if err != nil {
		t.Fatalf("SinusoidalPosEmbed: %v", err)
	}
	if emb != nil {
		t.Fatal("empty center list should embed to nil")
	}
}

func TestSinusoidalPosEmbedDistinguishesPositions(t *testing.T) {
	emb, err := SinusoidalPosEmbed(12, []r3.Vector{{X: 0.1}, {X: 0.9}})
	if err != nil {
		t.Fatalf("SinusoidalPosEmbed: %v", err)
	}
	same := true
	for j := 0; j < 12; j++ {
		if emb.At(0, j) != emb.At(1, j) {
			same = false
			break
		}
	}
	if same {
		t.Fatal("distinct centers produced identical embeddings")
	}
}

func TestChamferZeroOnIdenticalSets(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	pts := make([]r3.Vector, 16)
	for i := range pts {
		pts[i] = r3.Vector{X: rng.Float64(), Y: rng.Float64(), Z: rng.Float64()}
	}
	for _, name := range []string{"cdl1", "cdl2"} {
		fn, err := NewChamfer(name)
		if err != nil {
			t.Fatalf("NewChamfer(%s): %v", name, err)
		}
		d, err := fn(pts, pts)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if d != 0 {
			t.Errorf("%s on identical sets = %v, want 0", name, d)
		}
	}
}

func TestChamferPermutationInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	a := make([]r3.Vector, 12)
	b := make([]r3.Vector, 12)
	for i := range a {
		a[i] = r3.Vector{X: rng.Float64(), Y: rng.Float64(), Z: rng.Float64()}
		b[i] = r3.Vector{X: rng.Float64(), Y: rng.Float64(), Z: rng.Float64()}
	}
	shuffled := append([]r3.Vector(nil), b...)
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	d1, err := ChamferL2(a, b)
	if err != nil {
		t.Fatalf("ChamferL2: %v", err)
	}
	d2, err := ChamferL2(a, shuffled)
	if err != nil {
		t.Fatalf("ChamferL2: %v", err)
	}
	if math.Abs(d1-d2) > 1e-12 {
		t.Fatalf("chamfer changed under permutation: %v vs %v", d1, d2)
	}
}

func TestChamferSymmetric(t *testing.T) {
	a := []r3.Vector{{X: 0}, {X: 1}}
	b := []r3.Vector{{X: 0.5}, {X: 2}}
	ab, err := ChamferL1(a, b)
	if err != nil {
		t.Fatalf("ChamferL1: %v", err)
	}
	ba, err := ChamferL1(b, a)
	if err != nil {
		t.Fatalf("ChamferL1: %v", err)
	}
	if math.Abs(ab-ba) > 1e-12 {
		t.Fatalf("chamfer not symmetric: %v vs %v", ab, ba)
	}
}

func TestChamferEmptySet(t *testing.T) {
	if _, err := ChamferL2(nil, []r3.Vector{{}}); err == nil {
		t.Fatal("expected error for empty set")
	}
}

func TestNewChamferUnknownLoss(t *testing.T) {
	if _, err := NewChamfer("emd"); err == nil {
		t.Fatal("expected error for unknown loss name")
	}
}
