package registry

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kiautoagent/orchestrator/internal/logging"
	"github.com/kiautoagent/orchestrator/pkg/types"
)

// restartRateLimitWindow and maxRestartsPerWindow bound how many times an
// agent may be restarted before the registry gives up on it for good.
const (
	restartRateLimitWindow = 60 * time.Second
	maxRestartsPerWindow   = 5
)

// restartTracker records recent restart timestamps per agent name and
// decides when the rate limit has been exceeded.
type restartTracker struct {
	mu       sync.Mutex
	attempts map[string][]time.Time
	disabled map[string]bool
}

func newRestartTracker() *restartTracker {
	return &restartTracker{
		attempts: make(map[string][]time.Time),
		disabled: make(map[string]bool),
	}
}

// allow records a restart attempt for name and reports whether it's
// within the rate limit. Once the limit is exceeded the agent is
// permanently disabled (until the registry itself is recreated).
func (rt *restartTracker) allow(name string) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.disabled[name] {
		return false
	}

	now := time.Now()
	cutoff := now.Add(-restartRateLimitWindow)
	kept := rt.attempts[name][:0]
	for _, t := range rt.attempts[name] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	rt.attempts[name] = kept

	if len(kept) > maxRestartsPerWindow {
		rt.disabled[name] = true
		return false
	}
	return true
}

func (rt *restartTracker) isDisabled(name string) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.disabled[name]
}

// restartBackoff builds the exponential backoff schedule used before each
// restart attempt, so a flapping agent doesn't busy-loop relaunches.
func restartBackoff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = restartRateLimitWindow
	return backoff.WithContext(b, ctx)
}

// restart applies descriptor.RestartPolicy after a process dies. It never
// restarts a `never` policy process, and `on-crash`/`always` both go
// through the same rate-limited, backed-off relaunch path (the
// distinction that matters operationally is whether a *clean* stop also
// triggers a relaunch, which Stop bypasses by removing the process from
// the pool before this is ever consulted).
func (r *Registry) restart(descriptor types.AgentDescriptor, dead *Process) {
	if descriptor.RestartPolicy == types.RestartNever {
		return
	}
	if !r.restarts.allow(descriptor.Name) {
		r.metrics.recordDisabled(descriptor.Name)
		logging.Logger.Error().Str("agent", descriptor.Name).
			Msg("registry: restart rate limit exceeded, agent disabled")
		if r.onDisabled != nil {
			r.onDisabled(descriptor.Name)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), restartRateLimitWindow)
	defer cancel()

	op := func() error {
		p, err := startProcess(ctx, descriptor, r.onNotifyFor(descriptor.Name))
		if err != nil {
			return err
		}
		pl := r.poolFor(descriptor.Name)
		pl.remove(dead)
		pl.add(p)
		r.metrics.recordRestart(descriptor.Name)
		go r.healthLoop(descriptor, p)
		return nil
	}

	if err := backoff.Retry(op, restartBackoff(ctx)); err != nil {
		logging.Logger.Error().Str("agent", descriptor.Name).Err(err).
			Msg("registry: restart attempts exhausted")
	}
}
