// Package hcluster provides an approximate index that prunes by cluster
// centroids: rows are agglomerated into a small number of clusters and only
// the clusters nearest the query are scanned.
package hcluster

import (
	"log/slog"

	"github.com/hupe1980/biovault/index"
	"github.com/hupe1980/biovault/internal/cluster"
)

// Compile-time check to ensure HCluster satisfies the index interface.
var _ index.Index = (*HCluster)(nil)

// Options contains configuration options for the hierarchical index.
type Options struct {
	// Dimension is the fixed vector dimensionality for this index.
	Dimension int

	// CacheSize caps the query-result cache. <= 0 disables caching.
	CacheSize int

	// MaxClusters bounds the number of clusters built.
	MaxClusters int

	// NumProbes is how many nearest clusters are scanned per query.
	NumProbes int

	// MinPoints is the entry count below which Build keeps the linear scan.
	MinPoints int

	// Logger receives degradation transitions. Defaults to a discard logger.
	Logger *slog.Logger
}

// DefaultOptions contains the default configuration options for the hierarchical index.
var DefaultOptions = Options{
	Dimension:   0,
	CacheSize:   128,
	MaxClusters: 10,
	NumProbes:   2,
	MinPoints:   10,
}

// HCluster is an approximate nearest-neighbor index with centroid pruning.
type HCluster struct {
	*index.Matrix

	opts         Options
	logger       *slog.Logger
	clusters     []cluster.Cluster
	builtVersion uint64
	built        bool
	effective    index.Strategy
}

// New creates a new hierarchical clustering index. Dimension is required.
func New(optFns ...func(o *Options)) (*HCluster, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	if err := index.ValidateBasicOptions(opts.Dimension); err != nil {
		return nil, err
	}
	if opts.MaxClusters <= 0 {
		opts.MaxClusters = DefaultOptions.MaxClusters
	}
	if opts.NumProbes <= 0 {
		opts.NumProbes = DefaultOptions.NumProbes
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &HCluster{
		Matrix:    index.NewMatrix(opts.Dimension, opts.CacheSize),
		opts:      opts,
		logger:    logger,
		effective: index.StrategyHCluster,
	}, nil
}

// Build agglomerates all rows into at most MaxClusters clusters. With fewer
// than MinPoints entries clustering is skipped and searches scan linearly.
func (h *HCluster) Build() error {
	if h.Len() < h.opts.MinPoints {
		h.clusters = nil
		h.built = false
		h.builtVersion = h.Version()
		h.effective = index.StrategyLinear
		h.logger.Debug("hcluster degraded to linear scan", "reason", "insufficient points", "n", h.Len(), "min", h.opts.MinPoints)
		return nil
	}

	vecs := make([][]float32, h.Len())
	for row := range vecs {
		vecs[row] = h.Vector(row)
	}

	h.clusters = cluster.Agglomerate(vecs, h.opts.MaxClusters)
	h.built = true
	h.builtVersion = h.Version()
	h.effective = index.StrategyHCluster
	return nil
}

// Search scans the NumProbes clusters nearest the query. A stale build
// degrades to the exact linear scan.
func (h *HCluster) Search(query []float32, k int, excludeUser string) ([]index.SearchResult, error) {
	if err := h.CheckQuery(query, k); err != nil {
		return nil, err
	}

	key := h.CacheKey(query, k, excludeUser)
	if cached, ok := h.CachedSearch(key); ok {
		return cached, nil
	}

	if !h.built || h.builtVersion != h.Version() {
		if h.built {
			h.effective = index.StrategyLinear
			h.logger.Debug("hcluster degraded to linear scan", "reason", "stale clusters")
		}
		results, err := h.Scan(query, k, excludeUser)
		if err != nil {
			return nil, err
		}
		h.StoreCached(key, results)
		return results, nil
	}

	var rows []int
	for _, ci := range cluster.Nearest(query, h.clusters, h.opts.NumProbes) {
		rows = append(rows, h.clusters[ci].Rows...)
	}

	h.effective = index.StrategyHCluster
	results := h.ScanRows(rows, query, k, excludeUser)
	h.StoreCached(key, results)
	return results, nil
}

// Strategy returns the configured strategy.
func (h *HCluster) Strategy() index.Strategy { return index.StrategyHCluster }

// EffectiveStrategy returns the strategy that served the last build or search.
func (h *HCluster) EffectiveStrategy() index.Strategy { return h.effective }
