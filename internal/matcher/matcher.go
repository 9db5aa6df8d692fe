// Package matcher decides whether two face embeddings belong to the same person.
package matcher

import (
	"errors"
	"fmt"
	"math"

	"github.com/andresmejia3/votegate/internal/types"
)

// ErrDimensionMismatch means the embeddings come from different models or model versions.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Metric is a symmetric distance over equal-length vectors. Lower is closer.
type Metric func(a, b types.Embedding) float64

// Matcher compares embeddings against a fixed threshold. It holds no mutable
// state and is safe for concurrent use.
type Matcher struct {
	metric    Metric
	threshold float64
}

// New returns a Matcher for the named metric ("euclidean" or "cosine").
func New(metric string, threshold float64) (*Matcher, error) {
	if threshold <= 0 || math.IsNaN(threshold) {
		return nil, fmt.Errorf("threshold must be positive, got %f", threshold)
	}
	var m Metric
	switch metric {
	case "euclidean":
		m = EuclideanDist
	case "cosine":
		m = CosineDist
	default:
		return nil, fmt.Errorf("unknown metric %q", metric)
	}
	return &Matcher{metric: m, threshold: threshold}, nil
}

// Threshold returns the inclusive match boundary.
func (m *Matcher) Threshold() float64 { return m.threshold }

// Match returns the distance between candidate and reference and whether it
// is within the threshold. A distance exactly on the threshold is a match.
func (m *Matcher) Match(candidate, reference types.Embedding) (float64, bool, error) {
	if err := CheckDims(candidate, reference); err != nil {
		return 0, false, err
	}
	dist := m.metric(candidate, reference)
	return dist, dist <= m.threshold, nil
}

// CheckDims fails with ErrDimensionMismatch unless a and b are non-empty and equally long.
func CheckDims(a, b types.Embedding) error {
	if len(a) != len(b) {
		return fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(a), len(b))
	}
	if len(a) == 0 {
		return fmt.Errorf("%w: empty embedding", ErrDimensionMismatch)
	}
	return nil
}

// EuclideanDist is the L2 distance between the unit-normalised forms of a and b.
// The result lies in [0, 2].
func EuclideanDist(a, b types.Embedding) float64 {
	na, nb := a.Normalized(), b.Normalized()
	var sum float64
	for i := range na {
		d := na[i] - nb[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// CosineDist is 1 - cos(a, b). The result lies in [0, 2]; a zero vector is at distance 1.
func CosineDist(a, b types.Embedding) float64 {
	if equal(a, b) {
		return 0
	}
	var dot, sumA, sumB float64
	for i := range a {
		dot += a[i] * b[i]
		sumA += a[i] * a[i]
		sumB += b[i] * b[i]
	}
	if sumA == 0 || sumB == 0 {
		return 1.0
	}
	dist := 1.0 - (dot / (math.Sqrt(sumA) * math.Sqrt(sumB)))
	if dist < 0 {
		return 0
	}
	return dist
}

func equal(a, b types.Embedding) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
