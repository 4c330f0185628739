// Package cluster provides centroid-linkage agglomerative clustering for the
// hierarchical index strategy.
package cluster

import (
	"math"

	"github.com/hupe1980/biovault/internal/math32"
)

// Cluster is one group of rows with its centroid.
type Cluster struct {
	Centroid []float32
	Rows     []int
}

// Agglomerate merges the given vectors bottom-up by centroid distance until
// at most maxClusters remain. Complexity is O(n^2) per merge step, which is
// acceptable at enrollment-rate data volumes.
func Agglomerate(vecs [][]float32, maxClusters int) []Cluster {
	if len(vecs) == 0 || maxClusters <= 0 {
		return nil
	}

	clusters := make([]Cluster, len(vecs))
	for i, v := range vecs {
		centroid := make([]float32, len(v))
		copy(centroid, v)
		clusters[i] = Cluster{Centroid: centroid, Rows: []int{i}}
	}

	for len(clusters) > maxClusters {
		bi, bj := closestPair(clusters)
		clusters[bi] = merge(clusters[bi], clusters[bj])
		clusters[bj] = clusters[len(clusters)-1]
		clusters = clusters[:len(clusters)-1]
	}

	return clusters
}

func closestPair(clusters []Cluster) (int, int) {
	bi, bj := 0, 1
	best := float32(math.MaxFloat32)

	for i := 0; i < len(clusters); i++ {
		for j := i + 1; j < len(clusters); j++ {
			d := math32.SquaredL2(clusters[i].Centroid, clusters[j].Centroid)
			if d < best {
				best = d
				bi, bj = i, j
			}
		}
	}

	return bi, bj
}

func merge(a, b Cluster) Cluster {
	na, nb := float32(len(a.Rows)), float32(len(b.Rows))
	total := na + nb

	centroid := make([]float32, len(a.Centroid))
	for d := range centroid {
		centroid[d] = (a.Centroid[d]*na + b.Centroid[d]*nb) / total
	}

	rows := make([]int, 0, len(a.Rows)+len(b.Rows))
	rows = append(rows, a.Rows...)
	rows = append(rows, b.Rows...)

	return Cluster{Centroid: centroid, Rows: rows}
}

// Nearest returns the indices of the n clusters whose centroids are closest
// to the query, ascending by distance.
func Nearest(query []float32, clusters []Cluster, n int) []int {
	if n > len(clusters) {
		n = len(clusters)
	}

	type centroidDist struct {
		id   int
		dist float32
	}

	dists := make([]centroidDist, len(clusters))
	for i, c := range clusters {
		dists[i] = centroidDist{id: i, dist: math32.SquaredL2(query, c.Centroid)}
	}

	// Selection sort over the cluster count (<= 10 in practice).
	for i := 0; i < n; i++ {
		min := i
		for j := i + 1; j < len(dists); j++ {
			if dists[j].dist < dists[min].dist {
				min = j
			}
		}
		dists[i], dists[min] = dists[min], dists[i]
	}

	result := make([]int, n)
	for i := 0; i < n; i++ {
		result[i] = dists[i].id
	}
	return result
}
