package registry

import (
	"context"
	"errors"
	"time"

	"github.com/kiautoagent/orchestrator/internal/logging"
	"github.com/kiautoagent/orchestrator/pkg/types"
)

const (
	healthInterval      = 5 * time.Second
	healthPingTimeout   = 2 * time.Second
	healthMissThreshold = 3
)

// healthLoop pings p on an interval; after healthMissThreshold consecutive
// misses it marks the process dead, which crashes its transport (resolving
// every in-flight call with AgentCrashed) and then hands off to the
// restart policy.
func (r *Registry) healthLoop(descriptor types.AgentDescriptor, p *Process) {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	for range ticker.C {
		if p.getState() == types.StateDead {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), healthPingTimeout)
		_, err := p.transport.Send(ctx, "ping", nil, healthPingTimeout)
		cancel()

		if err == nil {
			p.touchHealth()
			continue
		}
		if errors.Is(err, types.ErrAgentCrashed) {
			// the transport already resolved every waiter; just record
			// the death and let the restart policy take over.
			r.onProcessDead(descriptor, p, "crashed")
			return
		}

		logging.Logger.Warn().Str("agent", descriptor.Name).Err(err).Msg("registry: health ping missed")
		if p.recordMiss(healthMissThreshold) {
			r.onProcessDead(descriptor, p, "health_check_failed")
			return
		}
	}
}

// onProcessDead transitions p to dead, removes it from in-flight
// accounting, and applies the descriptor's restart policy.
func (r *Registry) onProcessDead(descriptor types.AgentDescriptor, p *Process, reason string) {
	p.crash()
	r.metrics.recordDeath(descriptor.Name, reason)
	r.restart(descriptor, p)
}
