package matcher

import (
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/andresmejia3/votegate/internal/types"
)

func TestCosineDist(t *testing.T) {
	tests := []struct {
		name string
		a    types.Embedding
		b    types.Embedding
		want float64
	}{
		{"Identical vectors", types.Embedding{1.0, 0.0}, types.Embedding{1.0, 0.0}, 0.0},
		{"Orthogonal vectors", types.Embedding{1.0, 0.0}, types.Embedding{0.0, 1.0}, 1.0},
		{"Opposite vectors", types.Embedding{1.0, 0.0}, types.Embedding{-1.0, 0.0}, 2.0},
		{"B is scaled", types.Embedding{1.0, 0.0}, types.Embedding{5.0, 0.0}, 0.0},
		{"Zero vector", types.Embedding{0.0, 0.0}, types.Embedding{1.0, 0.0}, 1.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CosineDist(tt.a, tt.b)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("CosineDist() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEuclideanDist(t *testing.T) {
	tests := []struct {
		name string
		a    types.Embedding
		b    types.Embedding
		want float64
	}{
		{"Identical vectors", types.Embedding{0.3, 0.4}, types.Embedding{0.3, 0.4}, 0.0},
		{"Scale invariant", types.Embedding{3, 4}, types.Embedding{0.6, 0.8}, 0.0},
		{"Orthogonal vectors", types.Embedding{1, 0}, types.Embedding{0, 1}, math.Sqrt2},
		{"Opposite vectors", types.Embedding{1, 0}, types.Embedding{-1, 0}, 2.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EuclideanDist(tt.a, tt.b)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("EuclideanDist() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMatchIdenticalIsZero(t *testing.T) {
	for _, metric := range []string{"euclidean", "cosine"} {
		t.Run(metric, func(t *testing.T) {
			m, err := New(metric, 0.5)
			if err != nil {
				t.Fatal(err)
			}
			e := types.Embedding{0.12, -0.7, 0.33, 0.051, 0.9}
			dist, ok, err := m.Match(e, e.Clone())
			if err != nil {
				t.Fatalf("Match failed: %v", err)
			}
			if dist != 0 {
				t.Errorf("Expected distance 0 for identical vectors, got %v", dist)
			}
			if !ok {
				t.Error("Expected identical vectors to match")
			}
		})
	}
}

func TestMatchSymmetric(t *testing.T) {
	m, _ := New("euclidean", 0.8)
	a := types.Embedding{0.1, 0.9, -0.2}
	b := types.Embedding{0.4, 0.1, 0.7}

	d1, _, _ := m.Match(a, b)
	d2, _, _ := m.Match(b, a)
	if d1 != d2 {
		t.Errorf("Distance not symmetric: %v vs %v", d1, d2)
	}
}

func TestMatchBoundaryInclusive(t *testing.T) {
	// Orthogonal unit vectors sit at cosine distance exactly 1.0.
	m, _ := New("cosine", 1.0)
	dist, ok, err := m.Match(types.Embedding{1, 0}, types.Embedding{0, 1})
	if err != nil {
		t.Fatal(err)
	}
	if dist != 1.0 {
		t.Fatalf("Expected distance 1.0, got %v", dist)
	}
	if !ok {
		t.Error("Distance equal to threshold must count as a match")
	}

	strict, _ := New("cosine", 0.999)
	if _, ok, _ := strict.Match(types.Embedding{1, 0}, types.Embedding{0, 1}); ok {
		t.Error("Distance over threshold must not match")
	}
}

func TestMatchDimensionMismatch(t *testing.T) {
	m, _ := New("euclidean", 0.8)

	cases := [][2]types.Embedding{
		{{1, 0, 0}, {1, 0}},
		{{}, {1}},
		{{}, {}},
	}
	for _, c := range cases {
		dist, ok, err := m.Match(c[0], c[1])
		if !errors.Is(err, ErrDimensionMismatch) {
			t.Errorf("Expected ErrDimensionMismatch for %d vs %d, got %v", len(c[0]), len(c[1]), err)
		}
		if dist != 0 || ok {
			t.Errorf("Mismatch must not yield a score, got dist=%v ok=%v", dist, ok)
		}
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	if _, err := New("manhattan", 0.5); err == nil {
		t.Error("Expected error for unknown metric")
	}
	if _, err := New("cosine", 0); err == nil {
		t.Error("Expected error for zero threshold")
	}
}

func TestMatchConcurrent(t *testing.T) {
	m, _ := New("euclidean", 0.8)
	ref := types.Embedding{0.5, 0.5, 0.5, 0.5}

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cand := types.Embedding{0.5, 0.5, 0.5, float64(i) / 32}
			if _, _, err := m.Match(cand, ref); err != nil {
				t.Errorf("Match failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if ref[3] != 0.5 {
		t.Error("Match mutated the reference embedding")
	}
}
