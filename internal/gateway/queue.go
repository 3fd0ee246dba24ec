package gateway

import (
	"sync"

	"github.com/kiautoagent/orchestrator/pkg/types"
)

// defaultQueueCapacity is the soft bound on an outbound queue's length.
// It is a soft bound, not hard: progress events coalesce to stay within
// it, but no other event is ever dropped to enforce it.
const defaultQueueCapacity = 256

// progressKey identifies the agent a progress event belongs to, so a new
// progress event can replace a stale one instead of queuing behind it.
func progressKey(e types.ServerEvent) (string, bool) {
	if e.Type != "progress" {
		return "", false
	}
	p, ok := e.Data.(types.ProgressEvent)
	if !ok {
		return "", false
	}
	return p.Agent, true
}

// eventQueue is a session's bounded outbound mailbox. Push never blocks
// and never drops a non-progress event; Pop blocks until an event is
// available or the queue is closed.
type eventQueue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    []types.ServerEvent
	capacity int
	closed   bool
}

func newEventQueue(capacity int) *eventQueue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	q := &eventQueue{capacity: capacity}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends e, replacing any still-queued progress event for the same
// agent. If the queue is at capacity and e is itself a progress event, the
// oldest queued progress event (for any agent) is dropped to make room;
// every other event kind is appended regardless of capacity.
func (q *eventQueue) Push(e types.ServerEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}

	if agent, ok := progressKey(e); ok {
		for i, queued := range q.items {
			if qa, qok := progressKey(queued); qok && qa == agent {
				q.items[i] = e
				q.cond.Signal()
				return
			}
		}
		if len(q.items) >= q.capacity {
			if idx := q.oldestProgressIndex(); idx >= 0 {
				q.items = append(q.items[:idx], q.items[idx+1:]...)
			}
		}
	}

	q.items = append(q.items, e)
	q.cond.Signal()
}

func (q *eventQueue) oldestProgressIndex() int {
	for i, e := range q.items {
		if _, ok := progressKey(e); ok {
			return i
		}
	}
	return -1
}

// Pop blocks until an event is available, returning ok=false once the
// queue has been closed and drained.
func (q *eventQueue) Pop() (types.ServerEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return types.ServerEvent{}, false
	}
	e := q.items[0]
	q.items = q.items[1:]
	return e, true
}

// Close marks the queue closed; a blocked Pop wakes and returns ok=false
// once drained.
func (q *eventQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}
