package memory

import (
	"math/rand"

	"github.com/kiautoagent/orchestrator/pkg/types"
)

const (
	clusterMaxK          = 10
	clusterSizePerBucket = 50
	clusterMaxIterations = 50
)

// kmeansCluster partitions the embedding space into k = min(10, N/50)
// clusters (0 when N < 50), running at most clusterMaxIterations
// Lloyd's-algorithm iterations. Each cluster's coherence is the mean
// pairwise cosine similarity of its members.
func kmeansCluster(ids []string, vectors [][]float64) []types.MemoryCluster {
	n := len(ids)
	k := n / clusterSizePerBucket
	if k > clusterMaxK {
		k = clusterMaxK
	}
	if k < 1 {
		return nil
	}

	dim := len(vectors[0])
	centroids := initCentroids(vectors, k)
	assignments := make([]int, n)

	for iter := 0; iter < clusterMaxIterations; iter++ {
		changed := false
		for i, v := range vectors {
			best, bestSim := 0, -2.0
			for c, centroid := range centroids {
				sim := cosineSimilarity(v, centroid)
				if sim > bestSim {
					best, bestSim = c, sim
				}
			}
			if assignments[i] != best {
				assignments[i] = best
				changed = true
			}
		}

		newCentroids := make([][]float64, k)
		counts := make([]int, k)
		for c := range newCentroids {
			newCentroids[c] = make([]float64, dim)
		}
		for i, v := range vectors {
			c := assignments[i]
			counts[c]++
			for d := 0; d < dim; d++ {
				newCentroids[c][d] += v[d]
			}
		}
		for c := range newCentroids {
			if counts[c] == 0 {
				newCentroids[c] = centroids[c]
				continue
			}
			for d := range newCentroids[c] {
				newCentroids[c][d] /= float64(counts[c])
			}
			newCentroids[c] = normalize(newCentroids[c])
		}
		centroids = newCentroids

		if !changed && iter > 0 {
			break
		}
	}

	members := make([][]string, k)
	memberVecs := make([][][]float64, k)
	for i, v := range vectors {
		c := assignments[i]
		members[c] = append(members[c], ids[i])
		memberVecs[c] = append(memberVecs[c], v)
	}

	clusters := make([]types.MemoryCluster, 0, k)
	for c := 0; c < k; c++ {
		if len(members[c]) == 0 {
			continue
		}
		clusters = append(clusters, types.MemoryCluster{
			Centroid:  centroids[c],
			Members:   members[c],
			Coherence: meanPairwiseSimilarity(memberVecs[c]),
		})
	}
	return clusters
}

// initCentroids seeds k centroids by copying k distinct, randomly chosen
// vectors (k > len(vectors) never happens here since callers already guard
// n >= clusterSizePerBucket*k).
func initCentroids(vectors [][]float64, k int) [][]float64 {
	idx := rand.Perm(len(vectors))[:k]
	centroids := make([][]float64, k)
	for i, vi := range idx {
		c := make([]float64, len(vectors[vi]))
		copy(c, vectors[vi])
		centroids[i] = c
	}
	return centroids
}

func meanPairwiseSimilarity(vectors [][]float64) float64 {
	n := len(vectors)
	if n < 2 {
		return 1
	}
	var sum float64
	var pairs int
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			sum += cosineSimilarity(vectors[i], vectors[j])
			pairs++
		}
	}
	if pairs == 0 {
		return 1
	}
	return sum / float64(pairs)
}
