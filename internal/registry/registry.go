package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kiautoagent/orchestrator/internal/rpc"
	"github.com/kiautoagent/orchestrator/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
)

// defaultStopGrace is used when Stop is called with grace <= 0.
const defaultStopGrace = 3 * time.Second

// Registry owns every AgentProcess's lifecycle: start, stop, call,
// notify, health, and restart. It is the only caller of internal/rpc.
type Registry struct {
	mu    sync.RWMutex
	pools map[string]*pool

	restarts   *restartTracker
	metrics    *metrics
	onDisabled func(agent string)
	onNotify   func(agent string, n types.Notification)

	nextCallID int64
}

// New creates an empty Registry. onNotify (may be nil) receives every
// notification an agent process sends, tagged with its agent name.
func New(onNotify func(agent string, n types.Notification)) *Registry {
	return &Registry{
		pools:    make(map[string]*pool),
		restarts: newRestartTracker(),
		metrics:  newMetrics(),
		onNotify: onNotify,
	}
}

// OnDisabled registers a callback invoked when an agent is permanently
// disabled after exceeding its restart rate limit (the AgentDisabled event).
func (r *Registry) OnDisabled(fn func(agent string)) {
	r.onDisabled = fn
}

func (r *Registry) poolFor(name string) *pool {
	r.mu.Lock()
	defer r.mu.Unlock()
	pl, ok := r.pools[name]
	if !ok {
		return nil
	}
	return pl
}

func (r *Registry) onNotifyFor(agent string) rpc.NotificationHandler {
	return func(n types.Notification) {
		if r.onNotify != nil {
			r.onNotify(agent, n)
		}
	}
}

// Start spawns descriptor's subprocess, performs the initialize handshake,
// and adds it to the named pool (creating the pool on first use). Calling
// Start again for the same name adds a replica to the existing pool.
func (r *Registry) Start(ctx context.Context, descriptor types.AgentDescriptor) (*Process, error) {
	p, err := startProcess(ctx, descriptor, r.onNotifyFor(descriptor.Name))
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	pl, ok := r.pools[descriptor.Name]
	if !ok {
		pl = newPool(descriptor)
		r.pools[descriptor.Name] = pl
	}
	r.mu.Unlock()

	pl.add(p)
	go r.healthLoop(descriptor, p)
	return p, nil
}

// Stop drains and terminates every process registered under name,
// removing the pool entirely. It bypasses the restart policy.
func (r *Registry) Stop(name string, grace time.Duration) error {
	if grace <= 0 {
		grace = defaultStopGrace
	}

	r.mu.Lock()
	pl, ok := r.pools[name]
	delete(r.pools, name)
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("registry: stop %s: %w", name, types.ErrAgentUnavailable)
	}

	var wg sync.WaitGroup
	for _, p := range pl.all() {
		wg.Add(1)
		go func(p *Process) {
			defer wg.Done()
			p.stop(grace)
		}(p)
	}
	wg.Wait()
	return nil
}

// Call dispatches method/params to a ready process in name's pool with
// spare capacity, chosen round-robin, and waits for the response.
func (r *Registry) Call(ctx context.Context, name, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	pl := r.poolFor(name)
	if pl == nil {
		return nil, fmt.Errorf("registry: call %s.%s: %w", name, method, types.ErrAgentUnavailable)
	}

	p, ok := pl.pick()
	if !ok {
		return nil, fmt.Errorf("registry: call %s.%s: %w", name, method, types.ErrAgentUnavailable)
	}

	id := atomic.AddInt64(&r.nextCallID, 1)
	if err := p.acquire(ctx, id); err != nil {
		return nil, fmt.Errorf("registry: call %s.%s: %w", name, method, types.ErrCancelled)
	}
	r.metrics.setInFlight(name, p.inFlightCount())
	defer func() {
		p.release(id)
		r.metrics.setInFlight(name, p.inFlightCount())
	}()

	raw, err := p.transport.Send(ctx, method, params, timeout)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// Notify fires a notification at any ready process in name's pool,
// round-robin, without waiting for a reply.
func (r *Registry) Notify(name, method string, params any) error {
	pl := r.poolFor(name)
	if pl == nil {
		return fmt.Errorf("registry: notify %s.%s: %w", name, method, types.ErrAgentUnavailable)
	}
	p, ok := pl.pick()
	if !ok {
		return fmt.Errorf("registry: notify %s.%s: %w", name, method, types.ErrAgentUnavailable)
	}
	return p.transport.Notify(method, params)
}

// Status reports every known process for name and its current state.
func (r *Registry) Status(name string) []types.AgentProcessState {
	pl := r.poolFor(name)
	if pl == nil {
		return nil
	}
	var states []types.AgentProcessState
	for _, p := range pl.all() {
		states = append(states, p.getState())
	}
	return states
}

// Names returns every agent name with at least one registered process.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.pools))
	for name := range r.pools {
		names = append(names, name)
	}
	return names
}

// IsDisabled reports whether name has been permanently disabled after
// exceeding its restart rate limit.
func (r *Registry) IsDisabled(name string) bool {
	return r.restarts.isDisabled(name)
}

// MetricsRegistry exposes the Prometheus registry backing this Registry's
// restart/in-flight gauges, for wiring into an HTTP /metrics handler.
func (r *Registry) MetricsRegistry() *prometheus.Registry {
	return r.metrics.Registry()
}
