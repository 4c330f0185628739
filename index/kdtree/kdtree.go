// Package kdtree provides an exact tree-based index. Average search cost is
// O(log n) for low-to-moderate dimensions; results are identical to the
// linear baseline.
package kdtree

import (
	"container/heap"
	"log/slog"
	"sort"

	"github.com/hupe1980/biovault/distance"
	"github.com/hupe1980/biovault/index"
)

// Compile-time check to ensure KDTree satisfies the index interface.
var _ index.Index = (*KDTree)(nil)

// Options contains configuration options for the k-d tree index.
type Options struct {
	// Dimension is the fixed vector dimensionality for this index.
	Dimension int

	// CacheSize caps the query-result cache. <= 0 disables caching.
	CacheSize int

	// MinPoints is the entry count below which Build keeps the linear scan
	// instead of materializing a tree.
	MinPoints int

	// Logger receives degradation transitions. Defaults to a discard logger.
	Logger *slog.Logger
}

// DefaultOptions contains the default configuration options for the k-d tree index.
var DefaultOptions = Options{
	Dimension: 0,
	CacheSize: 128,
	MinPoints: 16,
}

type node struct {
	row   int
	axis  int
	left  *node
	right *node
}

// KDTree is an exact nearest-neighbor index over a balanced k-d tree.
// It degrades to a linear scan when the tree is stale or too small.
type KDTree struct {
	*index.Matrix

	opts         Options
	logger       *slog.Logger
	root         *node
	builtVersion uint64
	built        bool
	effective    index.Strategy
}

// New creates a new k-d tree index. Dimension is required.
func New(optFns ...func(o *Options)) (*KDTree, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	if err := index.ValidateBasicOptions(opts.Dimension); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &KDTree{
		Matrix:    index.NewMatrix(opts.Dimension, opts.CacheSize),
		opts:      opts,
		logger:    logger,
		effective: index.StrategyKDTree,
	}, nil
}

// Build materializes the tree. With fewer than MinPoints entries the tree is
// skipped and searches scan linearly.
func (t *KDTree) Build() error {
	if t.Len() < t.opts.MinPoints {
		t.root = nil
		t.built = false
		t.builtVersion = t.Version()
		t.effective = index.StrategyLinear
		t.logger.Debug("kdtree degraded to linear scan", "reason", "insufficient points", "n", t.Len(), "min", t.opts.MinPoints)
		return nil
	}

	rows := make([]int, t.Len())
	for i := range rows {
		rows[i] = i
	}

	t.root = t.build(rows, 0)
	t.built = true
	t.builtVersion = t.Version()
	t.effective = index.StrategyKDTree
	return nil
}

func (t *KDTree) build(rows []int, depth int) *node {
	if len(rows) == 0 {
		return nil
	}

	axis := depth % t.Dimension()
	sort.Slice(rows, func(i, j int) bool {
		return t.Vector(rows[i])[axis] < t.Vector(rows[j])[axis]
	})

	mid := len(rows) / 2
	return &node{
		row:   rows[mid],
		axis:  axis,
		left:  t.build(rows[:mid], depth+1),
		right: t.build(rows[mid+1:], depth+1),
	}
}

// Search returns the exact k nearest neighbors. A stale or missing tree
// falls back to the linear scan.
func (t *KDTree) Search(query []float32, k int, excludeUser string) ([]index.SearchResult, error) {
	if err := t.CheckQuery(query, k); err != nil {
		return nil, err
	}

	key := t.CacheKey(query, k, excludeUser)
	if cached, ok := t.CachedSearch(key); ok {
		return cached, nil
	}

	if !t.built || t.builtVersion != t.Version() {
		if t.built {
			t.effective = index.StrategyLinear
			t.logger.Debug("kdtree degraded to linear scan", "reason", "stale tree")
		}
		results, err := t.Scan(query, k, excludeUser)
		if err != nil {
			return nil, err
		}
		t.StoreCached(key, results)
		return results, nil
	}

	h := &resultHeap{}
	t.knn(t.root, query, k, excludeUser, h)

	results := make([]index.SearchResult, h.Len())
	for i := len(results) - 1; i >= 0; i-- {
		results[i] = heap.Pop(h).(index.SearchResult)
	}

	t.StoreCached(key, results)
	return results, nil
}

func (t *KDTree) knn(n *node, query []float32, k int, excludeUser string, h *resultHeap) {
	if n == nil {
		return
	}

	if !t.Excluded(n.row, excludeUser) {
		d := distance.Euclidean(query, t.Vector(n.row))
		templateID, userID := t.EntryAt(n.row)
		if h.Len() < k {
			heap.Push(h, index.SearchResult{TemplateID: templateID, UserID: userID, Distance: d})
		} else if d < (*h)[0].Distance {
			heap.Pop(h)
			heap.Push(h, index.SearchResult{TemplateID: templateID, UserID: userID, Distance: d})
		}
	}

	diff := query[n.axis] - t.Vector(n.row)[n.axis]
	near, far := n.left, n.right
	if diff > 0 {
		near, far = n.right, n.left
	}

	t.knn(near, query, k, excludeUser, h)

	// Visit the far side only if the splitting plane can still hold a
	// closer neighbor than the current worst.
	if h.Len() < k || abs32(diff) < (*h)[0].Distance {
		t.knn(far, query, k, excludeUser, h)
	}
}

// Strategy returns the configured strategy.
func (t *KDTree) Strategy() index.Strategy { return index.StrategyKDTree }

// EffectiveStrategy returns the strategy that served the last build or search.
func (t *KDTree) EffectiveStrategy() index.Strategy { return t.effective }

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}

// resultHeap is a max-heap over distance, keeping the k best candidates.
type resultHeap []index.SearchResult

func (h resultHeap) Len() int           { return len(h) }
func (h resultHeap) Less(i, j int) bool { return h[i].Distance > h[j].Distance }
func (h resultHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *resultHeap) Push(x any) { *h = append(*h, x.(index.SearchResult)) }

func (h *resultHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
