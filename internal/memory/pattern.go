package memory

import (
	"github.com/kiautoagent/orchestrator/pkg/types"
)

const (
	patternSimilarityThreshold = 0.8
	patternMinGroupSize        = 3
	patternMaxExamples         = 10
)

// recomputePatternsAndClusters re-derives patterns and clusters from the
// current entry set when the store has changed since the last recompute.
// Both are lazy, best-effort summaries, never part of a search path.
func (s *Store) recomputePatternsAndClusters() {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return
	}

	ids := make([]string, 0, len(s.entries))
	vectors := make([][]float64, 0, len(s.entries))
	for id, e := range s.entries {
		ids = append(ids, id)
		vectors = append(vectors, e.Embedding)
	}

	s.patterns = extractPatterns(ids, vectors)
	s.clusters = kmeansCluster(ids, vectors)
	s.dirty = false
	s.mu.Unlock()
}

// extractPatterns groups each not-yet-grouped seed entry with every later
// ungrouped entry whose similarity to the seed is at least
// patternSimilarityThreshold; groups reaching patternMinGroupSize become a
// materialized MemoryPattern (signature + frequency + capped examples).
func extractPatterns(ids []string, vectors [][]float64) []types.MemoryPattern {
	n := len(ids)
	if n < patternMinGroupSize {
		return nil
	}

	visited := make([]bool, n)
	var patterns []types.MemoryPattern

	for i := 0; i < n; i++ {
		if visited[i] {
			continue
		}
		group := []int{i}
		for j := i + 1; j < n; j++ {
			if visited[j] {
				continue
			}
			if cosineSimilarity(vectors[i], vectors[j]) >= patternSimilarityThreshold {
				group = append(group, j)
			}
		}
		if len(group) < patternMinGroupSize {
			continue
		}
		for _, idx := range group {
			visited[idx] = true
		}

		examples := make([]string, 0, patternMaxExamples)
		for _, idx := range group {
			if len(examples) >= patternMaxExamples {
				break
			}
			examples = append(examples, ids[idx])
		}

		patterns = append(patterns, types.MemoryPattern{
			Signature: ids[i], // representative member stands in for the group
			Frequency: len(group),
			Examples:  examples,
		})
	}

	return patterns
}
