package registry

import (
	"sync"

	"github.com/kiautoagent/orchestrator/pkg/types"
)

// pool holds every live Process for one agent name and round-robins call
// dispatch among the ones that are ready with capacity, so concurrent
// replicas (e.g. one restarted while another is still draining) share
// load evenly instead of starving the newest process.
type pool struct {
	mu         sync.Mutex
	descriptor types.AgentDescriptor
	processes  []*Process
	rrIndex    int
}

func newPool(descriptor types.AgentDescriptor) *pool {
	return &pool{descriptor: descriptor}
}

func (pl *pool) add(p *Process) {
	pl.mu.Lock()
	pl.processes = append(pl.processes, p)
	pl.mu.Unlock()
}

func (pl *pool) remove(target *Process) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	for i, p := range pl.processes {
		if p == target {
			pl.processes = append(pl.processes[:i], pl.processes[i+1:]...)
			return
		}
	}
}

func (pl *pool) all() []*Process {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	out := make([]*Process, len(pl.processes))
	copy(out, pl.processes)
	return out
}

// pick returns the next ready-with-capacity process in round-robin order,
// starting just after the last one picked.
func (pl *pool) pick() (*Process, bool) {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	n := len(pl.processes)
	if n == 0 {
		return nil, false
	}
	for i := 0; i < n; i++ {
		idx := (pl.rrIndex + i) % n
		p := pl.processes[idx]
		if p.getState() == types.StateReady && p.hasCapacity() {
			pl.rrIndex = (idx + 1) % n
			return p, true
		}
	}
	return nil, false
}
