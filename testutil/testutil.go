// Package testutil provides testing utilities for biovault.
//
// This package is intended for use in tests and benchmarks only. It provides
// deterministic random embedding generation and a brute-force exact search
// used as ground truth when checking index recall.
package testutil

import (
	"math"
	"math/rand"
	"sort"
	"sync"
)

// SearchResult is one ground-truth search hit.
type SearchResult struct {
	Row      int
	Distance float32
}

// RNG encapsulates a seeded random number generator. It is thread-safe.
type RNG struct {
	rand *rand.Rand
	seed int64
	mu   sync.Mutex
}

// NewRNG creates a new RNG instance with the specified seed.
func NewRNG(seed int64) *RNG {
	return &RNG{
		rand: rand.New(rand.NewSource(seed)), //nolint:gosec // deterministic test data
		seed: seed,
	}
}

// Reset resets the RNG to its initial seed.
func (r *RNG) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rand.Seed(r.seed)
}

// Intn returns a non-negative pseudo-random number in [0,n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

// Float64 returns a pseudo-random number in [0,1).
func (r *RNG) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Float64()
}

// Vector returns a Gaussian random vector of the given dimension.
func (r *RNG) Vector(dim int) []float32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	vec := make([]float32, dim)
	for i := range vec {
		vec[i] = float32(r.rand.NormFloat64())
	}
	return vec
}

// UnitVector returns a Gaussian random vector normalized to unit length.
func (r *RNG) UnitVector(dim int) []float32 {
	vec := r.Vector(dim)
	Normalize(vec)
	return vec
}

// Vectors returns n Gaussian random vectors of the given dimension.
func (r *RNG) Vectors(n, dim int) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		out[i] = r.Vector(dim)
	}
	return out
}

// UnitVectors returns n unit-length random vectors of the given dimension.
func (r *RNG) UnitVectors(n, dim int) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		out[i] = r.UnitVector(dim)
	}
	return out
}

// Perturb returns a copy of vec with Gaussian noise of the given scale
// added, re-normalized to unit length. Useful for generating queries close
// to a known template.
func (r *RNG) Perturb(vec []float32, scale float64) []float32 {
	r.mu.Lock()
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = v + float32(r.rand.NormFloat64()*scale)
	}
	r.mu.Unlock()

	Normalize(out)
	return out
}

// Frames returns a variable-length temporal sequence of fixed-width frames.
func (r *RNG) Frames(n, width int) [][]float32 {
	return r.Vectors(n, width)
}

// Normalize scales vec to unit length in place. Zero vectors are left as-is.
func Normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range vec {
		vec[i] *= inv
	}
}

// ExactTopK computes the exact k nearest rows to query by Euclidean
// distance. It is the ground truth for recall checks.
func ExactTopK(query []float32, dataset [][]float32, k int) []SearchResult {
	results := make([]SearchResult, 0, len(dataset))
	for row, vec := range dataset {
		var sum float64
		for i, v := range vec {
			d := float64(v) - float64(query[i])
			sum += d * d
		}
		results = append(results, SearchResult{Row: row, Distance: float32(math.Sqrt(sum))})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Distance != results[j].Distance {
			return results[i].Distance < results[j].Distance
		}
		return results[i].Row < results[j].Row
	})
	if len(results) > k {
		results = results[:k]
	}
	return results
}

// Recall returns the fraction of ground-truth rows present in got.
func Recall(got []SearchResult, want []SearchResult) float64 {
	if len(want) == 0 {
		return 1
	}
	truth := make(map[int]struct{}, len(want))
	for _, r := range want {
		truth[r.Row] = struct{}{}
	}
	hits := 0
	for _, r := range got {
		if _, ok := truth[r.Row]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(want))
}
