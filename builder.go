package biovault

import (
	"fmt"
	"log/slog"

	"github.com/hupe1980/biovault/index"
	"github.com/hupe1980/biovault/index/hcluster"
	"github.com/hupe1980/biovault/index/kdtree"
	"github.com/hupe1980/biovault/index/linear"
	"github.com/hupe1980/biovault/index/lsh"
)

// newIndex constructs one modality index for the configured strategy.
func newIndex(strategy index.Strategy, dimension, cacheSize int, logger *slog.Logger) (index.Index, error) {
	switch strategy {
	case index.StrategyLinear, "":
		return linear.New(func(o *linear.Options) {
			o.Dimension = dimension
			o.CacheSize = cacheSize
		})
	case index.StrategyKDTree:
		return kdtree.New(func(o *kdtree.Options) {
			o.Dimension = dimension
			o.CacheSize = cacheSize
			o.Logger = logger
		})
	case index.StrategyLSH:
		return lsh.New(func(o *lsh.Options) {
			o.Dimension = dimension
			o.CacheSize = cacheSize
			o.Logger = logger
		})
	case index.StrategyHCluster:
		return hcluster.New(func(o *hcluster.Options) {
			o.Dimension = dimension
			o.CacheSize = cacheSize
			o.Logger = logger
		})
	default:
		return nil, fmt.Errorf("unknown index strategy: %q", strategy)
	}
}
