// Package lsh provides an approximate index using random hyperplane hashing.
// Lookup cost is O(1) on average; recall is traded for speed. Queries whose
// bucket is empty fall back to the exact linear scan, so an approximate
// lookup can never fail outright.
package lsh

import (
	"log/slog"
	"math/rand"

	"github.com/hupe1980/biovault/distance"
	"github.com/hupe1980/biovault/index"
)

// Compile-time check to ensure LSH satisfies the index interface.
var _ index.Index = (*LSH)(nil)

// Options contains configuration options for the LSH index.
type Options struct {
	// Dimension is the fixed vector dimensionality for this index.
	Dimension int

	// CacheSize caps the query-result cache. <= 0 disables caching.
	CacheSize int

	// NumHyperplanes is the number of random hyperplanes, i.e. bits in the
	// bucket signature. More hyperplanes mean smaller, purer buckets.
	NumHyperplanes int

	// Seed makes hyperplane generation reproducible.
	Seed int64

	// Logger receives degradation transitions. Defaults to a discard logger.
	Logger *slog.Logger
}

// DefaultOptions contains the default configuration options for the LSH index.
var DefaultOptions = Options{
	Dimension:      0,
	CacheSize:      128,
	NumHyperplanes: 12,
	Seed:           42,
}

// LSH is an approximate nearest-neighbor index over hyperplane signatures.
type LSH struct {
	*index.Matrix

	opts         Options
	logger       *slog.Logger
	hyperplanes  [][]float32
	buckets      map[uint64][]int
	builtVersion uint64
	built        bool
	effective    index.Strategy
}

// New creates a new LSH index. Dimension is required.
func New(optFns ...func(o *Options)) (*LSH, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	if err := index.ValidateBasicOptions(opts.Dimension); err != nil {
		return nil, err
	}
	if opts.NumHyperplanes <= 0 || opts.NumHyperplanes > 64 {
		opts.NumHyperplanes = DefaultOptions.NumHyperplanes
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &LSH{
		Matrix:    index.NewMatrix(opts.Dimension, opts.CacheSize),
		opts:      opts,
		logger:    logger,
		effective: index.StrategyLSH,
	}, nil
}

// Build generates the hyperplanes once and hashes every row into its bucket.
func (l *LSH) Build() error {
	if l.hyperplanes == nil {
		rng := rand.New(rand.NewSource(l.opts.Seed))
		l.hyperplanes = make([][]float32, l.opts.NumHyperplanes)
		for i := range l.hyperplanes {
			plane := make([]float32, l.Dimension())
			for j := range plane {
				plane[j] = float32(rng.NormFloat64())
			}
			l.hyperplanes[i] = plane
		}
	}

	l.buckets = make(map[uint64][]int)
	for row := 0; row < l.Len(); row++ {
		sig := l.signature(l.Vector(row))
		l.buckets[sig] = append(l.buckets[sig], row)
	}

	l.built = true
	l.builtVersion = l.Version()
	l.effective = index.StrategyLSH
	return nil
}

func (l *LSH) signature(vec []float32) uint64 {
	var sig uint64
	for i, plane := range l.hyperplanes {
		if distance.Dot(vec, plane) >= 0 {
			sig |= 1 << uint(i)
		}
	}
	return sig
}

// Search scans only the query's bucket. An empty bucket or a stale build
// degrades to the exact linear scan.
func (l *LSH) Search(query []float32, k int, excludeUser string) ([]index.SearchResult, error) {
	if err := l.CheckQuery(query, k); err != nil {
		return nil, err
	}

	key := l.CacheKey(query, k, excludeUser)
	if cached, ok := l.CachedSearch(key); ok {
		return cached, nil
	}

	if !l.built || l.builtVersion != l.Version() {
		if l.built {
			l.effective = index.StrategyLinear
			l.logger.Debug("lsh degraded to linear scan", "reason", "stale buckets")
		}
		results, err := l.Scan(query, k, excludeUser)
		if err != nil {
			return nil, err
		}
		l.StoreCached(key, results)
		return results, nil
	}

	rows := l.buckets[l.signature(query)]
	if len(rows) == 0 {
		l.effective = index.StrategyLinear
		l.logger.Debug("lsh degraded to linear scan", "reason", "empty bucket")
		results, err := l.Scan(query, k, excludeUser)
		if err != nil {
			return nil, err
		}
		l.StoreCached(key, results)
		return results, nil
	}

	l.effective = index.StrategyLSH
	results := l.ScanRows(rows, query, k, excludeUser)
	l.StoreCached(key, results)
	return results, nil
}

// Strategy returns the configured strategy.
func (l *LSH) Strategy() index.Strategy { return index.StrategyLSH }

// EffectiveStrategy returns the strategy that served the last build or search.
func (l *LSH) EffectiveStrategy() index.Strategy { return l.effective }
