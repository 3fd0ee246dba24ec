package memory

import (
	"sort"
	"time"

	"github.com/kiautoagent/orchestrator/internal/logging"
	"github.com/kiautoagent/orchestrator/pkg/types"
)

// forgetFloor is the fraction of capacity that must remain free once
// forgetting has run; entries are evicted in ascending retention-score
// order until at least this much headroom exists.
const forgetFloor = 0.5

// forget evicts the lowest-retention entries once the store exceeds
// maxMemories, freeing capacity down to forgetFloor of max_memories. It
// never runs as part of a search path — only after a store() that pushes
// the count over the limit.
func (s *Store) forget() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.maxMemories <= 0 || len(s.entries) <= s.maxMemories {
		return
	}

	target := int(float64(s.maxMemories) * forgetFloor)
	now := time.Now()

	type scored struct {
		id    string
		score float64
	}
	ranked := make([]scored, 0, len(s.entries))
	for id, e := range s.entries {
		ranked = append(ranked, scored{id: id, score: retentionScore(*e, now)})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].score < ranked[j].score })

	evicted := 0
	for _, r := range ranked {
		if len(s.entries) <= target {
			break
		}
		s.deleteLocked(r.id)
		evicted++
	}
	if evicted > 0 {
		logging.Logger.Info().Int("evicted", evicted).Int("remaining", len(s.entries)).Msg("memory forgetting policy evicted entries")
	}
}

// retentionScore = 0.4*(access_count/age_weeks) + 0.6*importance. A
// just-created entry is treated as one week old to avoid a division spike.
func retentionScore(e types.MemoryEntry, now time.Time) float64 {
	ageWeeks := now.Sub(time.UnixMilli(e.CreatedAt)).Hours() / (24 * 7)
	if ageWeeks < 1 {
		ageWeeks = 1
	}
	return 0.4*(float64(e.Metadata.AccessCount)/ageWeeks) + 0.6*e.Metadata.Importance
}
