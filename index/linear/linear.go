// Package linear provides the exact brute-force index. It is the baseline
// correctness oracle and the degradation target for every other strategy.
package linear

import (
	"github.com/hupe1980/biovault/index"
)

// Compile-time check to ensure Linear satisfies the index interface.
var _ index.Index = (*Linear)(nil)

// Options contains configuration options for the linear index.
type Options struct {
	// Dimension is the fixed vector dimensionality for this index.
	// It must be > 0 and is enforced for all adds and searches.
	Dimension int

	// CacheSize caps the query-result cache. <= 0 disables caching.
	CacheSize int
}

// DefaultOptions contains the default configuration options for the linear index.
var DefaultOptions = Options{
	Dimension: 0,
	CacheSize: 128,
}

// Linear is an exact nearest-neighbor index backed by a full scan.
type Linear struct {
	*index.Matrix
}

// New creates a new linear index. Dimension is required.
func New(optFns ...func(o *Options)) (*Linear, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	if err := index.ValidateBasicOptions(opts.Dimension); err != nil {
		return nil, err
	}

	return &Linear{Matrix: index.NewMatrix(opts.Dimension, opts.CacheSize)}, nil
}

// Build is a no-op; linear search needs no auxiliary structure.
func (l *Linear) Build() error { return nil }

// Search performs an exact scan, memoized by the query cache.
func (l *Linear) Search(query []float32, k int, excludeUser string) ([]index.SearchResult, error) {
	if err := l.CheckQuery(query, k); err != nil {
		return nil, err
	}

	key := l.CacheKey(query, k, excludeUser)
	if cached, ok := l.CachedSearch(key); ok {
		return cached, nil
	}

	results, err := l.Scan(query, k, excludeUser)
	if err != nil {
		return nil, err
	}

	l.StoreCached(key, results)
	return results, nil
}

// Strategy returns the configured strategy.
func (l *Linear) Strategy() index.Strategy { return index.StrategyLinear }

// EffectiveStrategy returns the strategy actually serving searches.
func (l *Linear) EffectiveStrategy() index.Strategy { return index.StrategyLinear }
