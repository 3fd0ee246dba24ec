package ctxbus

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/kiautoagent/orchestrator/internal/logging"
	"github.com/kiautoagent/orchestrator/pkg/types"
)

// updateLockWait bounds how long Update() waits for a key's advisory lock
// to clear before giving up, when the lock is held by a different agent.
const updateLockWait = 5 * time.Second

// topic is the single watermill topic the bus publishes raw wake-up signals
// on; the gochannel pub/sub only carries a notification that a key changed,
// the payload dispatch with filters and writer-exclusion happens in the
// in-process subscriber list below, mirroring the direct-call idiom the
// teacher's event bus uses on top of the same transport.
const topic = "context-updates"

// Callback receives a key's new value. A returned error does not stop
// delivery to other subscribers; it is reported on Bus.Errors().
type Callback func(types.ContextValue) error

// Filter decides whether a subscriber wants to see a given update. A nil
// filter matches everything.
type Filter func(types.ContextValue) bool

// SubscriberError reports a callback failure (error return or panic)
// without interrupting delivery to other subscribers.
type SubscriberError struct {
	Agent string
	Key   string
	Err   error
}

func (e SubscriberError) Error() string {
	return fmt.Sprintf("ctxbus subscriber %s on key %s: %v", e.Agent, e.Key, e.Err)
}

type subscription struct {
	id       uint64
	agent    string
	filter   Filter
	callback Callback
}

// Bus is the Shared Context Bus: one versioned map, its per-key history,
// per-key advisory locks, and a subscriber list notified on every write.
type Bus struct {
	mu      sync.RWMutex
	values  map[string]types.ContextValue
	history map[string][]types.ContextValue
	version int64

	locksMu sync.Mutex
	locks   map[string]*keyLock

	subMu       sync.Mutex
	subscribers map[uint64]subscription
	nextSubID   uint64

	pubsub *gochannel.GoChannel
	errs   chan SubscriberError
}

// New creates an empty Shared Context Bus.
func New() *Bus {
	return &Bus{
		values:      make(map[string]types.ContextValue),
		history:     make(map[string][]types.ContextValue),
		locks:       make(map[string]*keyLock),
		subscribers: make(map[uint64]subscription),
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 256},
			watermill.NopLogger{},
		),
		errs: make(chan SubscriberError, 64),
	}
}

// Errors returns the channel subscriber failures are reported on. Reads
// are non-blocking on the publisher side: a full channel drops the report
// after logging it, so a slow consumer never stalls writers.
func (b *Bus) Errors() <-chan SubscriberError {
	return b.errs
}

// Close releases the underlying pub/sub transport.
func (b *Bus) Close() error {
	return b.pubsub.Close()
}

// Get returns the current value for key, if one has been written.
func (b *Bus) Get(key string) (types.ContextValue, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.values[key]
	return v, ok
}

// All returns a snapshot of every key currently set.
func (b *Bus) All() map[string]types.ContextValue {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]types.ContextValue, len(b.values))
	for k, v := range b.values {
		out[k] = v
	}
	return out
}

// History returns up to limit most-recent versions of key, oldest first.
// limit <= 0 returns the full retained history.
func (b *Bus) History(key string, limit int) []types.ContextValue {
	b.mu.RLock()
	defer b.mu.RUnlock()
	h := b.history[key]
	if limit <= 0 || limit >= len(h) {
		out := make([]types.ContextValue, len(h))
		copy(out, h)
		return out
	}
	out := make([]types.ContextValue, limit)
	copy(out, h[len(h)-limit:])
	return out
}

// Update writes a new version of key and notifies every subscriber other
// than the writing agent. If another agent currently holds the key's
// advisory lock, Update blocks up to updateLockWait for it to clear before
// writing; a lock held re-entrantly by agent itself never blocks its own
// writes.
func (b *Bus) Update(agent, key string, value any, metadata any) (types.ContextValue, error) {
	lock := b.lockFor(key)
	if err := lock.Acquire(agent, updateLockWait); err != nil {
		return types.ContextValue{}, fmt.Errorf("ctxbus: update %s: %w", key, err)
	}
	// Update only needs the lock cleared, not held; release immediately so
	// it doesn't pre-empt an agent's own explicit acquire_lock session
	// (Acquire/Release are re-entrant for the same agent, so a caller that
	// already holds the lock keeps holding it after this returns).
	defer lock.Release(agent)

	b.mu.Lock()
	version := atomic.AddInt64(&b.version, 1)
	cv := types.ContextValue{
		Key:           key,
		Value:         value,
		Version:       version,
		WriterAgentID: agent,
		Timestamp:     time.Now().UnixMilli(),
		Metadata:      metadata,
	}
	b.values[key] = cv
	b.history[key] = append(b.history[key], cv)
	// Deliver while still holding b.mu: this is what serializes delivery
	// across concurrent Update calls into version order. Releasing the
	// lock first (and delivering from a spawned goroutine, or even just
	// calling publish() after Unlock) would let two updates' deliveries
	// to the same subscriber interleave in either order.
	b.publish(cv)
	b.mu.Unlock()

	return cv, nil
}

// Subscribe registers callback to receive every future update whose key
// passes filter (nil filter matches all keys), except updates written by
// agent itself. It returns an unsubscribe function.
func (b *Bus) Subscribe(agent string, filter Filter, callback Callback) func() {
	id := atomic.AddUint64(&b.nextSubID, 1)
	b.subMu.Lock()
	b.subscribers[id] = subscription{id: id, agent: agent, filter: filter, callback: callback}
	b.subMu.Unlock()

	return func() {
		b.subMu.Lock()
		delete(b.subscribers, id)
		b.subMu.Unlock()
	}
}

func (b *Bus) publish(cv types.ContextValue) {
	// A no-op payload on the watermill topic keeps the transport exercised
	// (and available to external consumers wired onto the same pub/sub)
	// even though in-process dispatch below is direct calls, matching the
	// teacher's event.Bus split between infra transport and typed fan-out.
	msg := message.NewMessage(watermill.NewUUID(), nil)
	if err := b.pubsub.Publish(topic, msg); err != nil {
		logging.Logger.Warn().Err(err).Str("key", cv.Key).Msg("ctxbus: publish to transport failed")
	}

	b.subMu.Lock()
	subs := make([]subscription, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		subs = append(subs, s)
	}
	b.subMu.Unlock()

	for _, s := range subs {
		if s.agent == cv.WriterAgentID {
			continue
		}
		if s.filter != nil && !s.filter(cv) {
			continue
		}
		// Called synchronously, with the caller (Update) still holding
		// b.mu: subscribers observe updates in strict version order, per
		// the §5 cooperative single-loop model, rather than racing across
		// unordered per-delivery goroutines.
		b.deliver(s, cv)
	}
}

func (b *Bus) deliver(s subscription, cv types.ContextValue) {
	defer func() {
		if r := recover(); r != nil {
			b.reportError(SubscriberError{Agent: s.agent, Key: cv.Key, Err: fmt.Errorf("panic: %v", r)})
		}
	}()
	if err := s.callback(cv); err != nil {
		b.reportError(SubscriberError{Agent: s.agent, Key: cv.Key, Err: err})
	}
}

func (b *Bus) reportError(se SubscriberError) {
	logging.Logger.Warn().Str("agent", se.Agent).Str("key", se.Key).Err(se.Err).Msg("ctxbus: subscriber error")
	select {
	case b.errs <- se:
	default:
	}
}
