package ctxbus

import (
	"sync/atomic"
	"time"

	"github.com/kiautoagent/orchestrator/pkg/types"
)

const contextRestoredKey = "__context_restored__"

// Snapshot captures the current version and every key's value, atomically
// with respect to concurrent Update calls.
func (b *Bus) Snapshot() types.ContextSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	values := make(map[string]any, len(b.values))
	for k, v := range b.values {
		values[k] = v.Value
	}
	return types.ContextSnapshot{Version: b.version, Values: values}
}

// Restore replaces the bus's entire key set with snapshot's and resets the
// version counter to snapshot.Version. It does not replay per-key history:
// the history preceding the restore point stays as it was. Subscribers are
// notified via a single synthetic update on contextRestoredKey, since no
// individual writer agent produced this state.
func (b *Bus) Restore(snapshot types.ContextSnapshot) {
	b.mu.Lock()
	values := make(map[string]types.ContextValue, len(snapshot.Values))
	for k, v := range snapshot.Values {
		values[k] = types.ContextValue{
			Key:     k,
			Value:   v,
			Version: snapshot.Version,
		}
	}
	b.values = values
	atomic.StoreInt64(&b.version, snapshot.Version)
	// Publish from inside the same critical section Update delivers
	// under, for the same reason Update does: it's what keeps this
	// synthetic update from racing a concurrent Update's delivery to the
	// same subscriber out of version order.
	b.publish(types.ContextValue{
		Key:       contextRestoredKey,
		Value:     snapshot.Version,
		Version:   snapshot.Version,
		Timestamp: time.Now().UnixMilli(),
	})
	b.mu.Unlock()
}
