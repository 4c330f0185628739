// Package distance provides vector distance calculations and the
// distance-to-similarity convention used by the matching layer.
package distance

import (
	"slices"

	"github.com/hupe1980/biovault/internal/math32"
)

// Dot calculates the dot product of two vectors.
// Assumes vectors are the same length (caller's responsibility).
func Dot(a, b []float32) float32 {
	return math32.Dot(a, b)
}

// SquaredL2 calculates the squared L2 (Euclidean) distance between two vectors.
// Assumes vectors are the same length (caller's responsibility).
func SquaredL2(a, b []float32) float32 {
	return math32.SquaredL2(a, b)
}

// Euclidean calculates the L2 (Euclidean) distance between two vectors.
func Euclidean(a, b []float32) float32 {
	return math32.Sqrt(math32.SquaredL2(a, b))
}

// NormalizeL2InPlace L2-normalizes v in place.
// Returns false if v has zero L2 norm.
func NormalizeL2InPlace(v []float32) bool {
	if len(v) == 0 {
		return false
	}
	norm2 := math32.Dot(v, v)
	if norm2 == 0 {
		return false
	}
	inv := 1 / math32.Sqrt(norm2)
	math32.ScaleInPlace(v, inv)
	return true
}

// NormalizeL2Copy returns a normalized copy of src.
// Returns false if src has zero L2 norm.
func NormalizeL2Copy(src []float32) ([]float32, bool) {
	dst := slices.Clone(src)
	if !NormalizeL2InPlace(dst) {
		return nil, false
	}
	return dst, true
}

// Similarity converts a Euclidean distance between unit vectors into a
// similarity score in [0, 1]. Unit vectors are at most distance 2 apart,
// so similarity = max(0, 1 - d/2).
func Similarity(d float32) float64 {
	s := 1 - float64(d)/2
	if s < 0 {
		return 0
	}
	return s
}
