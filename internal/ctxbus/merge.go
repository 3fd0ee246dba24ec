package ctxbus

import (
	"github.com/kiautoagent/orchestrator/pkg/types"
)

// Resolver picks the winner between two updates to the same key arriving
// in the same Merge call. The default, lastWriterWins, keeps the one with
// the later Timestamp.
type Resolver func(a, b types.ContextValue) types.ContextValue

func lastWriterWins(a, b types.ContextValue) types.ContextValue {
	if b.Timestamp >= a.Timestamp {
		return b
	}
	return a
}

// Merge applies a batch of updates as if each were written by Update,
// except that conflicting updates to the same key within the same batch
// are resolved by resolver (or lastWriterWins if nil) before either one
// reaches the store, so only a single new version is minted per key.
func (b *Bus) Merge(updates []types.ContextValue, resolver Resolver) error {
	if resolver == nil {
		resolver = lastWriterWins
	}

	winners := make(map[string]types.ContextValue, len(updates))
	for _, u := range updates {
		cur, ok := winners[u.Key]
		if !ok {
			winners[u.Key] = u
			continue
		}
		winners[u.Key] = resolver(cur, u)
	}

	for _, u := range winners {
		if _, err := b.Update(u.WriterAgentID, u.Key, u.Value, u.Metadata); err != nil {
			return err
		}
	}
	return nil
}
