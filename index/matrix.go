package index

import (
	"sort"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/biovault/distance"
	"github.com/hupe1980/biovault/internal/cache"
)

// Matrix is the shared row storage embedded by every index strategy: the
// embedding rows, owner posting bitmaps for exclusion filtering, and the
// bounded query cache. Strategies add their auxiliary structures on top.
type Matrix struct {
	dim     int
	vecs    [][]float32
	ids     []string
	users   []string
	rowByID map[string]int
	owners  map[string]*roaring.Bitmap
	cache   *cache.Query[[]SearchResult]

	// version increments on every mutation; strategies compare it against
	// the version captured at Build time to detect staleness.
	version uint64
}

// NewMatrix creates row storage for vectors of the given dimension.
func NewMatrix(dimension, cacheSize int) *Matrix {
	return &Matrix{
		dim:     dimension,
		rowByID: make(map[string]int),
		owners:  make(map[string]*roaring.Bitmap),
		cache:   cache.NewQuery[[]SearchResult](cacheSize),
	}
}

// Dimension returns the configured vector dimensionality.
func (m *Matrix) Dimension() int { return m.dim }

// Len returns the number of stored rows.
func (m *Matrix) Len() int { return len(m.vecs) }

// Version returns the mutation counter.
func (m *Matrix) Version() uint64 { return m.version }

// CacheStats returns query cache hit/miss counters.
func (m *Matrix) CacheStats() (hits, misses int64) { return m.cache.Stats() }

// Add appends a row. The vector is stored as-is; callers normalize first.
func (m *Matrix) Add(vec []float32, templateID, userID string) error {
	if len(vec) != m.dim {
		return &ErrDimensionMismatch{Expected: m.dim, Actual: len(vec)}
	}
	if _, ok := m.rowByID[templateID]; ok {
		return &ErrDuplicateID{ID: templateID}
	}

	row := len(m.vecs)
	m.vecs = append(m.vecs, vec)
	m.ids = append(m.ids, templateID)
	m.users = append(m.users, userID)
	m.rowByID[templateID] = row

	bm, ok := m.owners[userID]
	if !ok {
		bm = roaring.New()
		m.owners[userID] = bm
	}
	bm.Add(uint32(row))

	m.mutated()
	return nil
}

// Remove deletes the row with the given template ID by swapping the last row
// into its place. O(n) bitmap fixups are acceptable at enrollment volumes.
func (m *Matrix) Remove(templateID string) bool {
	row, ok := m.rowByID[templateID]
	if !ok {
		return false
	}

	last := len(m.vecs) - 1
	m.ownerBitmap(m.users[row]).Remove(uint32(row))

	if row != last {
		m.vecs[row] = m.vecs[last]
		m.ids[row] = m.ids[last]
		m.users[row] = m.users[last]
		m.rowByID[m.ids[row]] = row

		moved := m.ownerBitmap(m.users[row])
		moved.Remove(uint32(last))
		moved.Add(uint32(row))
	}

	m.vecs = m.vecs[:last]
	m.ids = m.ids[:last]
	m.users = m.users[:last]
	delete(m.rowByID, templateID)

	m.mutated()
	return true
}

func (m *Matrix) ownerBitmap(userID string) *roaring.Bitmap {
	bm, ok := m.owners[userID]
	if !ok {
		bm = roaring.New()
		m.owners[userID] = bm
	}
	return bm
}

func (m *Matrix) mutated() {
	m.version++
	m.cache.Clear()
}

// Excluded reports whether row belongs to excludeUser.
func (m *Matrix) Excluded(row int, excludeUser string) bool {
	if excludeUser == "" {
		return false
	}
	bm, ok := m.owners[excludeUser]
	return ok && bm.Contains(uint32(row))
}

// Vector returns the stored vector at row.
func (m *Matrix) Vector(row int) []float32 { return m.vecs[row] }

// EntryAt returns the template and user IDs at row.
func (m *Matrix) EntryAt(row int) (templateID, userID string) {
	return m.ids[row], m.users[row]
}

// Contains reports whether the template ID is indexed.
func (m *Matrix) Contains(templateID string) bool {
	_, ok := m.rowByID[templateID]
	return ok
}

// CachedSearch consults the query cache.
func (m *Matrix) CachedSearch(key string) ([]SearchResult, bool) {
	return m.cache.Get(key)
}

// StoreCached records a search result under key.
func (m *Matrix) StoreCached(key string, results []SearchResult) {
	m.cache.Set(key, results)
}

// CacheKey builds the cache key for the exact search arguments.
func (m *Matrix) CacheKey(query []float32, k int, excludeUser string) string {
	return cache.Key(query, k, excludeUser)
}

// Scan performs an exact linear scan: up to k rows ascending by Euclidean
// distance, skipping rows owned by excludeUser. This is both the baseline
// strategy and the degradation path for every approximate strategy.
func (m *Matrix) Scan(query []float32, k int, excludeUser string) ([]SearchResult, error) {
	if err := m.checkQuery(query, k); err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(m.vecs))
	for row, vec := range m.vecs {
		if m.Excluded(row, excludeUser) {
			continue
		}
		results = append(results, SearchResult{
			TemplateID: m.ids[row],
			UserID:     m.users[row],
			Distance:   distance.Euclidean(query, vec),
		})
	}

	sortAndTrim(&results, k)
	return results, nil
}

// ScanRows is Scan restricted to the given candidate rows.
func (m *Matrix) ScanRows(rows []int, query []float32, k int, excludeUser string) []SearchResult {
	results := make([]SearchResult, 0, len(rows))
	for _, row := range rows {
		if m.Excluded(row, excludeUser) {
			continue
		}
		results = append(results, SearchResult{
			TemplateID: m.ids[row],
			UserID:     m.users[row],
			Distance:   distance.Euclidean(query, m.vecs[row]),
		})
	}

	sortAndTrim(&results, k)
	return results
}

func (m *Matrix) checkQuery(query []float32, k int) error {
	if k <= 0 {
		return ErrInvalidK
	}
	if len(query) != m.dim {
		return &ErrDimensionMismatch{Expected: m.dim, Actual: len(query)}
	}
	return nil
}

// CheckQuery validates search arguments for strategies that pre-process the
// query before scanning.
func (m *Matrix) CheckQuery(query []float32, k int) error {
	return m.checkQuery(query, k)
}

func sortAndTrim(results *[]SearchResult, k int) {
	r := *results
	sort.Slice(r, func(i, j int) bool {
		if r[i].Distance != r[j].Distance {
			return r[i].Distance < r[j].Distance
		}
		return r[i].TemplateID < r[j].TemplateID
	})
	if len(r) > k {
		r = r[:k]
	}
	*results = r
}
