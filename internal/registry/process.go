package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/kiautoagent/orchestrator/internal/rpc"
	"github.com/kiautoagent/orchestrator/pkg/types"
)

// initializeTimeout bounds the startup handshake.
const initializeTimeout = 10 * time.Second

// Process is a live instance of an AgentDescriptor. It is owned
// exclusively by the Registry and torn down on descriptor removal or
// crash; nothing outside this package holds a reference to one.
type Process struct {
	descriptor types.AgentDescriptor
	transport  *rpc.Transport

	stateMu        sync.RWMutex
	state          types.AgentProcessState
	lastHealthOkAt time.Time
	misses         int

	capacity chan struct{} // buffered to MaxConcurrency; one token per in-flight call

	inFlightMu sync.Mutex
	inFlight   map[int64]struct{}

	tools []string // advertised during the initialize handshake
}

// handshakeResult is the payload exchanged during the initialize call.
type handshakeResult struct {
	ProtocolVersion string   `json:"protocolVersion"`
	Tools           []string `json:"tools"`
}

func startProcess(ctx context.Context, descriptor types.AgentDescriptor, onNotify rpc.NotificationHandler) (*Process, error) {
	capacity := descriptor.MaxConcurrency
	if capacity <= 0 {
		capacity = 1
	}

	p := &Process{
		descriptor: descriptor,
		state:      types.StateStarting,
		capacity:   make(chan struct{}, capacity),
		inFlight:   make(map[int64]struct{}),
	}

	transport, err := rpc.NewStdioTransport(ctx, descriptor.LaunchSpec.Command, descriptor.LaunchSpec.Env, onNotify)
	if err != nil {
		return nil, fmt.Errorf("registry: start %s: %w", descriptor.Name, err)
	}
	p.transport = transport

	hctx, cancel := context.WithTimeout(ctx, initializeTimeout)
	defer cancel()
	raw, err := transport.Send(hctx, "initialize", map[string]any{"name": descriptor.Name}, initializeTimeout)
	if err != nil {
		transport.Close()
		return nil, fmt.Errorf("registry: initialize handshake with %s: %w", descriptor.Name, err)
	}
	var hs handshakeResult
	if err := json.Unmarshal(raw, &hs); err == nil {
		p.tools = hs.Tools
	}

	p.setState(types.StateReady)
	p.touchHealth()
	return p, nil
}

func (p *Process) setState(s types.AgentProcessState) {
	p.stateMu.Lock()
	p.state = s
	p.stateMu.Unlock()
}

func (p *Process) getState() types.AgentProcessState {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.state
}

func (p *Process) touchHealth() {
	p.stateMu.Lock()
	p.lastHealthOkAt = time.Now()
	p.misses = 0
	p.stateMu.Unlock()
}

// recordMiss increments the consecutive-miss counter and reports whether
// the process should now be considered dead.
func (p *Process) recordMiss(threshold int) bool {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	p.misses++
	return p.misses >= threshold
}

// hasCapacity reports whether the process can accept one more call
// without blocking, without actually reserving a slot.
func (p *Process) hasCapacity() bool {
	return len(p.capacity) < cap(p.capacity)
}

// acquire reserves one capacity slot, blocking until one frees or ctx ends.
func (p *Process) acquire(ctx context.Context, id int64) error {
	select {
	case p.capacity <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.inFlightMu.Lock()
	p.inFlight[id] = struct{}{}
	p.inFlightMu.Unlock()
	return nil
}

func (p *Process) release(id int64) {
	p.inFlightMu.Lock()
	delete(p.inFlight, id)
	p.inFlightMu.Unlock()
	<-p.capacity
}

// inFlightCount returns the number of calls currently dispatched to p.
func (p *Process) inFlightCount() int {
	p.inFlightMu.Lock()
	defer p.inFlightMu.Unlock()
	return len(p.inFlight)
}

// stop sends a shutdown notification, waits the full grace period, then
// force-closes the transport.
func (p *Process) stop(grace time.Duration) {
	p.setState(types.StateDraining)
	_ = p.transport.Notify("shutdown", nil)
	time.Sleep(grace)
	p.transport.Close()
	p.setState(types.StateDead)
}

// crash marks the process dead without attempting a graceful shutdown;
// the transport is already closed (or closing) when this is called from
// the health loop or the notification read-loop's own crash path.
func (p *Process) crash() {
	p.setState(types.StateDead)
	p.transport.Close()
}
