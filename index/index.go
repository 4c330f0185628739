// Package index provides interfaces and shared storage for the per-modality
// nearest-neighbor indexes.
package index

import (
	"errors"
	"fmt"
)

// ErrInvalidK is returned when k is not positive.
var ErrInvalidK = errors.New("k must be positive")

// ErrDimensionMismatch indicates a vector/query dimensionality mismatch.
type ErrDimensionMismatch struct {
	Expected int // Expected dimensions
	Actual   int // Actual dimensions
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// ErrInvalidDimension indicates an invalid configured dimension.
type ErrInvalidDimension struct {
	Dimension int
}

func (e *ErrInvalidDimension) Error() string {
	return fmt.Sprintf("invalid dimension: %d", e.Dimension)
}

// ErrDuplicateID indicates an attempt to add an entry under an ID that is
// already present.
type ErrDuplicateID struct {
	ID string
}

func (e *ErrDuplicateID) Error() string {
	return fmt.Sprintf("duplicate entry id: %s", e.ID)
}

// Strategy names an index implementation.
type Strategy string

const (
	StrategyLinear   Strategy = "linear"
	StrategyKDTree   Strategy = "kdtree"
	StrategyLSH      Strategy = "lsh"
	StrategyHCluster Strategy = "hcluster"
)

// SearchResult is one nearest-neighbor hit.
type SearchResult struct {
	// TemplateID is the identifier of the matched entry.
	TemplateID string

	// UserID is the owner of the matched entry.
	UserID string

	// Distance is the Euclidean distance between the query and the entry.
	Distance float32
}

// Index is a nearest-neighbor index over one fixed-dimension embedding space.
//
// Implementations are not safe for concurrent mutation; the orchestrator
// serializes access behind its own lock.
type Index interface {
	// Add appends an embedding. It invalidates built state and the query
	// cache. Fails with *ErrDimensionMismatch on wrong-length vectors.
	Add(vec []float32, templateID, userID string) error

	// Build materializes the strategy's auxiliary structure. Implementations
	// that cannot build (insufficient data) degrade to a linear scan rather
	// than failing.
	Build() error

	// Search returns up to k results ascending by Euclidean distance,
	// optionally excluding all entries owned by excludeUser. An empty index
	// returns an empty slice, never an error.
	Search(query []float32, k int, excludeUser string) ([]SearchResult, error)

	// Remove deletes the entry with the given template ID and invalidates
	// built state and the query cache. It reports whether the ID was present.
	Remove(templateID string) bool

	// Len returns the number of entries.
	Len() int

	// Dimension returns the configured vector dimensionality.
	Dimension() int

	// Strategy returns the configured strategy.
	Strategy() Strategy

	// EffectiveStrategy returns the strategy that actually served the most
	// recent build or search. It differs from Strategy after a degradation
	// to linear scanning.
	EffectiveStrategy() Strategy

	// CacheStats returns query cache hit/miss counters.
	CacheStats() (hits, misses int64)
}

// ValidateBasicOptions checks options shared by all strategies.
func ValidateBasicOptions(dimension int) error {
	if dimension <= 0 {
		return &ErrInvalidDimension{Dimension: dimension}
	}
	return nil
}
