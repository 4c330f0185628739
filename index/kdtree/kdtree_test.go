package kdtree

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/biovault/index"
	"github.com/hupe1980/biovault/testutil"
)

func newTestTree(t *testing.T, dim, minPoints int) *KDTree {
	t.Helper()
	tree, err := New(func(o *Options) {
		o.Dimension = dim
		o.MinPoints = minPoints
	})
	require.NoError(t, err)
	return tree
}

func TestDegradation(t *testing.T) {
	t.Run("BelowMinPointsFallsBackToLinear", func(t *testing.T) {
		tree := newTestTree(t, 2, 16)
		require.NoError(t, tree.Add([]float32{1, 0}, "t-1", "u-1"))
		require.NoError(t, tree.Build())

		results, err := tree.Search([]float32{1, 0}, 1, "")
		require.NoError(t, err)
		require.Len(t, results, 1)

		assert.Equal(t, index.StrategyKDTree, tree.Strategy())
		assert.Equal(t, index.StrategyLinear, tree.EffectiveStrategy())
	})

	t.Run("StaleBuildFallsBackUntilRebuilt", func(t *testing.T) {
		tree := newTestTree(t, 2, 2)
		for i := 0; i < 8; i++ {
			require.NoError(t, tree.Add([]float32{float32(i), 0}, fmt.Sprintf("t-%d", i), "u"))
		}
		require.NoError(t, tree.Build())

		_, err := tree.Search([]float32{0, 0}, 1, "")
		require.NoError(t, err)
		assert.Equal(t, index.StrategyKDTree, tree.EffectiveStrategy())

		// A mutation after Build makes the tree stale.
		require.NoError(t, tree.Add([]float32{100, 0}, "t-new", "u"))
		results, err := tree.Search([]float32{100, 0}, 1, "")
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, "t-new", results[0].TemplateID)
		assert.Equal(t, index.StrategyLinear, tree.EffectiveStrategy())

		require.NoError(t, tree.Build())
		_, err = tree.Search([]float32{100, 0}, 1, "")
		require.NoError(t, err)
		assert.Equal(t, index.StrategyKDTree, tree.EffectiveStrategy())
	})
}

func TestSearchExact(t *testing.T) {
	// The kd-tree is an exact strategy: results must equal ground truth.
	const (
		dim = 4
		n   = 200
		k   = 10
	)

	rng := testutil.NewRNG(7)
	vecs := rng.UnitVectors(n, dim)

	tree := newTestTree(t, dim, 2)
	for i, v := range vecs {
		require.NoError(t, tree.Add(v, fmt.Sprintf("t-%d", i), fmt.Sprintf("u-%d", i)))
	}
	require.NoError(t, tree.Build())

	for q := 0; q < 10; q++ {
		query := rng.UnitVector(dim)

		results, err := tree.Search(query, k, "")
		require.NoError(t, err)
		require.Len(t, results, k)

		want := testutil.ExactTopK(query, vecs, k)
		for i, r := range results {
			assert.Equal(t, fmt.Sprintf("t-%d", want[i].Row), r.TemplateID, "query %d rank %d", q, i)
		}
	}
}

func TestSearchExcludeUser(t *testing.T) {
	const dim = 4

	rng := testutil.NewRNG(3)
	tree := newTestTree(t, dim, 2)
	for i := 0; i < 50; i++ {
		owner := fmt.Sprintf("u-%d", i%5)
		require.NoError(t, tree.Add(rng.UnitVector(dim), fmt.Sprintf("t-%d", i), owner))
	}
	require.NoError(t, tree.Build())

	results, err := tree.Search(rng.UnitVector(dim), 50, "u-0")
	require.NoError(t, err)
	require.Len(t, results, 40)
	for _, r := range results {
		assert.NotEqual(t, "u-0", r.UserID)
	}
}
