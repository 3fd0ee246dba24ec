package ctxbus

import (
	"fmt"
	"sync"
	"time"

	"github.com/kiautoagent/orchestrator/pkg/types"
)

// keyLock is a per-key advisory, re-entrant mutex with a bounded-wait
// acquire. It is advisory only: nothing stops a caller from mutating a key
// without holding its lock, the same way the teacher's permission checks
// are cooperative rather than enforced by the OS.
type keyLock struct {
	tokens chan struct{} // capacity 1; full means available

	stateMu sync.Mutex
	owner   string
	depth   int
}

func newKeyLock() *keyLock {
	kl := &keyLock{tokens: make(chan struct{}, 1)}
	kl.tokens <- struct{}{}
	return kl
}

// Acquire blocks up to timeout waiting for the lock to become available,
// or returns immediately if agent already holds it (re-entrant).
func (kl *keyLock) Acquire(agent string, timeout time.Duration) error {
	kl.stateMu.Lock()
	if kl.owner == agent && kl.depth > 0 {
		kl.depth++
		kl.stateMu.Unlock()
		return nil
	}
	kl.stateMu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-kl.tokens:
		kl.stateMu.Lock()
		kl.owner = agent
		kl.depth = 1
		kl.stateMu.Unlock()
		return nil
	case <-timer.C:
		return fmt.Errorf("lock held by another agent after %s: %w", timeout, types.ErrStore)
	}
}

// Release gives up one level of agent's hold on the lock. It is idempotent:
// releasing a lock you don't hold is a no-op, not an error, matching the
// spec's "release is idempotent" requirement.
func (kl *keyLock) Release(agent string) {
	kl.stateMu.Lock()
	if kl.owner != agent {
		kl.stateMu.Unlock()
		return
	}
	kl.depth--
	if kl.depth > 0 {
		kl.stateMu.Unlock()
		return
	}
	kl.owner = ""
	kl.stateMu.Unlock()
	kl.tokens <- struct{}{}
}

// lockFor returns the keyLock for key, creating it on first use.
func (b *Bus) lockFor(key string) *keyLock {
	b.locksMu.Lock()
	defer b.locksMu.Unlock()
	kl, ok := b.locks[key]
	if !ok {
		kl = newKeyLock()
		b.locks[key] = kl
	}
	return kl
}

// AcquireLock gives agent exclusive advisory ownership of key for up to
// timeout, re-entrantly if agent already holds it. Callers are expected to
// pair every successful AcquireLock with a ReleaseLock.
func (b *Bus) AcquireLock(agent, key string, timeout time.Duration) error {
	return b.lockFor(key).Acquire(agent, timeout)
}

// ReleaseLock releases agent's hold on key, if any. Idempotent.
func (b *Bus) ReleaseLock(agent, key string) {
	b.lockFor(key).Release(agent)
}
