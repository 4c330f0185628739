package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatrixAdd(t *testing.T) {
	t.Run("DimensionMismatch", func(t *testing.T) {
		m := NewMatrix(3, 8)

		err := m.Add([]float32{1, 2}, "t-1", "u-1")
		require.Error(t, err)

		var mismatch *ErrDimensionMismatch
		require.ErrorAs(t, err, &mismatch)
		assert.Equal(t, 3, mismatch.Expected)
		assert.Equal(t, 2, mismatch.Actual)
	})

	t.Run("DuplicateID", func(t *testing.T) {
		m := NewMatrix(2, 8)
		require.NoError(t, m.Add([]float32{1, 0}, "t-1", "u-1"))

		err := m.Add([]float32{0, 1}, "t-1", "u-1")
		var dup *ErrDuplicateID
		require.ErrorAs(t, err, &dup)
		assert.Equal(t, "t-1", dup.ID)
	})
}

func TestMatrixRemove(t *testing.T) {
	t.Run("SwapRemoveKeepsBitmapsConsistent", func(t *testing.T) {
		m := NewMatrix(2, 8)
		require.NoError(t, m.Add([]float32{0, 0}, "t-1", "u-1"))
		require.NoError(t, m.Add([]float32{1, 0}, "t-2", "u-2"))
		require.NoError(t, m.Add([]float32{0, 1}, "t-3", "u-3"))

		// Removing the first row swaps t-3 into row 0.
		require.True(t, m.Remove("t-1"))
		assert.Equal(t, 2, m.Len())
		assert.False(t, m.Contains("t-1"))

		// The moved row's owner exclusion must still apply.
		results, err := m.Scan([]float32{0, 1}, 10, "u-3")
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, "t-2", results[0].TemplateID)
	})

	t.Run("MissingID", func(t *testing.T) {
		m := NewMatrix(2, 8)
		assert.False(t, m.Remove("nope"))
	})
}

func TestMatrixScan(t *testing.T) {
	m := NewMatrix(2, 8)
	require.NoError(t, m.Add([]float32{0, 0}, "t-1", "u-1"))
	require.NoError(t, m.Add([]float32{1, 0}, "t-2", "u-2"))
	require.NoError(t, m.Add([]float32{3, 0}, "t-3", "u-1"))

	t.Run("AscendingByDistance", func(t *testing.T) {
		results, err := m.Scan([]float32{0, 0}, 10, "")
		require.NoError(t, err)
		require.Len(t, results, 3)
		assert.Equal(t, "t-1", results[0].TemplateID)
		assert.Equal(t, "t-2", results[1].TemplateID)
		assert.Equal(t, "t-3", results[2].TemplateID)
	})

	t.Run("ExcludeUser", func(t *testing.T) {
		results, err := m.Scan([]float32{0, 0}, 10, "u-1")
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, "t-2", results[0].TemplateID)
	})

	t.Run("TrimsToK", func(t *testing.T) {
		results, err := m.Scan([]float32{0, 0}, 2, "")
		require.NoError(t, err)
		assert.Len(t, results, 2)
	})

	t.Run("InvalidK", func(t *testing.T) {
		_, err := m.Scan([]float32{0, 0}, 0, "")
		assert.ErrorIs(t, err, ErrInvalidK)
	})

	t.Run("EmptyIndex", func(t *testing.T) {
		empty := NewMatrix(2, 8)
		results, err := empty.Scan([]float32{0, 0}, 5, "")
		require.NoError(t, err)
		assert.Empty(t, results)
	})
}

func TestMatrixCache(t *testing.T) {
	m := NewMatrix(2, 8)
	require.NoError(t, m.Add([]float32{1, 0}, "t-1", "u-1"))

	key := m.CacheKey([]float32{1, 0}, 5, "")
	results, err := m.Scan([]float32{1, 0}, 5, "")
	require.NoError(t, err)
	m.StoreCached(key, results)

	cached, ok := m.CachedSearch(key)
	require.True(t, ok)
	assert.Equal(t, results, cached)

	// Any mutation clears the cache.
	require.NoError(t, m.Add([]float32{0, 1}, "t-2", "u-2"))
	_, ok = m.CachedSearch(key)
	assert.False(t, ok)
}
