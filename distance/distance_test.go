package distance

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDot(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []float32
		expected float32
	}{
		{"Simple", []float32{1, 2, 3}, []float32{4, 5, 6}, 32},
		{"Zero", []float32{0, 0, 0}, []float32{0, 0, 0}, 0},
		{"Mixed", []float32{1, -1, 2}, []float32{1, 1, -2}, -4},
		{"Empty", []float32{}, []float32{}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, Dot(tt.a, tt.b), 1e-5)
		})
	}
}

func TestSquaredL2(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []float32
		expected float32
	}{
		{"Simple", []float32{1, 2, 3}, []float32{4, 5, 6}, 27},
		{"Identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 0},
		{"Mixed", []float32{1, -1}, []float32{-1, 1}, 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, SquaredL2(tt.a, tt.b), 1e-5)
		})
	}
}

func TestEuclidean(t *testing.T) {
	assert.InDelta(t, 5.0, Euclidean([]float32{0, 0}, []float32{3, 4}), 1e-5)
	assert.InDelta(t, 0.0, Euclidean([]float32{1, 2}, []float32{1, 2}), 1e-5)
}

func TestNormalizeL2(t *testing.T) {
	t.Run("UnitLength", func(t *testing.T) {
		v := []float32{3, 4}
		NormalizeL2InPlace(v)

		norm := math.Sqrt(float64(v[0])*float64(v[0]) + float64(v[1])*float64(v[1]))
		assert.InDelta(t, 1.0, norm, 1e-6)
		assert.InDelta(t, 0.6, v[0], 1e-6)
		assert.InDelta(t, 0.8, v[1], 1e-6)
	})

	t.Run("ZeroVectorUnchanged", func(t *testing.T) {
		v := []float32{0, 0, 0}
		assert.False(t, NormalizeL2InPlace(v))
		assert.Equal(t, []float32{0, 0, 0}, v)
	})

	t.Run("CopyLeavesOriginal", func(t *testing.T) {
		v := []float32{3, 4}
		out, ok := NormalizeL2Copy(v)

		require.True(t, ok)
		require.Equal(t, []float32{3, 4}, v)
		assert.InDelta(t, 0.6, out[0], 1e-6)
	})
}

func TestSimilarity(t *testing.T) {
	tests := []struct {
		name     string
		d        float32
		expected float64
	}{
		{"Identical", 0, 1},
		{"Halfway", 1, 0.5},
		// Opposite unit vectors are distance 2 apart.
		{"Opposite", 2, 0},
		// Distances beyond the unit-sphere maximum clamp to zero.
		{"Beyond", 3, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, Similarity(tt.d), 1e-6)
		})
	}
}
