package memory

import (
	"sort"

	"github.com/kiautoagent/orchestrator/pkg/types"
)

func sortScoredByRelevanceDesc(scored []types.ScoredMemory) {
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Relevance > scored[j].Relevance
	})
}

type accessCount struct {
	id    string
	count int
}

func sortAccessedDesc(items []accessCount) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].count > items[j].count
	})
}
