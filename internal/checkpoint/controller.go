package checkpoint

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/kiautoagent/orchestrator/internal/ctxbus"
	"github.com/kiautoagent/orchestrator/internal/history"
	"github.com/kiautoagent/orchestrator/internal/logging"
	"github.com/kiautoagent/orchestrator/internal/registry"
	"github.com/kiautoagent/orchestrator/internal/supervisor"
	"github.com/kiautoagent/orchestrator/pkg/types"
)

// record pairs a recorded Checkpoint with the full Shared Context Bus
// snapshot it was taken against, since types.Checkpoint itself only keeps
// the snapshot's version number.
type record struct {
	checkpoint types.Checkpoint
	snapshot   types.ContextSnapshot
}

// sessionState is a session's pause/resume gate plus its most recent
// checkpoint. paused is only ever honored by Supervisor between steps, so
// pausing mid-step has no effect until that step finishes.
type sessionState struct {
	mu       sync.Mutex
	paused   bool
	resumeCh chan string
	latest   *record
}

// Controller implements supervisor.PauseGate, supervisor.CheckpointSink,
// and gateway.PauseController: it is the one place pause state and
// rollback snapshots live.
type Controller struct {
	ctxBus     *ctxbus.Bus
	history    *history.History
	registry   *registry.Registry
	supervisor *supervisor.Supervisor

	mu       sync.Mutex
	sessions map[string]*sessionState
}

// New creates a Controller. sup is required for ActiveWorkflow/ActiveAgent
// lookups during rollback; the other dependencies may be nil in tests that
// only exercise pause/resume.
func New(bus *ctxbus.Bus, hist *history.History, reg *registry.Registry, sup *supervisor.Supervisor) *Controller {
	return &Controller{
		ctxBus:     bus,
		history:    hist,
		registry:   reg,
		supervisor: sup,
		sessions:   make(map[string]*sessionState),
	}
}

func (c *Controller) stateFor(sessionID string) *sessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.sessions[sessionID]
	if !ok {
		st = &sessionState{}
		c.sessions[sessionID] = st
	}
	return st
}

// Pause marks sessionID paused. The running workflow (if any) keeps
// executing its current step and blocks at the next step boundary.
func (c *Controller) Pause(sessionID string) error {
	st := c.stateFor(sessionID)
	st.mu.Lock()
	st.paused = true
	st.mu.Unlock()
	return nil
}

// Resume clears sessionID's pause flag and unblocks a Wait call already
// parked there, handing it additionalInstructions. A session that isn't
// paused is a no-op, not an error — resume after the workflow already
// moved past its pause point is harmless.
func (c *Controller) Resume(sessionID string, additionalInstructions string) error {
	st := c.stateFor(sessionID)
	st.mu.Lock()
	if !st.paused {
		st.mu.Unlock()
		return nil
	}
	st.paused = false
	ch := st.resumeCh
	st.resumeCh = nil
	st.mu.Unlock()

	if ch != nil {
		select {
		case ch <- additionalInstructions:
		default:
		}
	}
	return nil
}

// Wait implements supervisor.PauseGate. It returns immediately when
// sessionID isn't paused, otherwise blocks until Resume or ctx ends.
func (c *Controller) Wait(ctx context.Context, sessionID string) (string, error) {
	st := c.stateFor(sessionID)
	st.mu.Lock()
	if !st.paused {
		st.mu.Unlock()
		return "", nil
	}
	if st.resumeCh == nil {
		st.resumeCh = make(chan string, 1)
	}
	ch := st.resumeCh
	st.mu.Unlock()

	select {
	case instructions := <-ch:
		return instructions, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Record implements supervisor.CheckpointSink, keeping the most recent
// checkpoint and the context snapshot it was taken against.
func (c *Controller) Record(sessionID string, checkpoint types.Checkpoint, snapshot types.ContextSnapshot) {
	st := c.stateFor(sessionID)
	st.mu.Lock()
	st.latest = &record{checkpoint: checkpoint, snapshot: snapshot}
	st.mu.Unlock()
}

// StopAndRollback cancels sessionID's in-flight step, restores the Shared
// Context Bus to the most recent checkpoint's snapshot, and truncates
// Conversation History back to the workflow's pre-workflow marker. When no
// workflow is running on sessionID there is no marker and history is left
// untouched.
//
// Registry has no explicit cancel RPC: the caller is expected to have
// already cancelled the step's own context (which resolves its pending
// call locally as types.ErrCancelled). StopAndRollback additionally sends
// a best-effort "cancel" notification to the agent so it can stop its own
// work, but does not wait for or require an acknowledgement.
func (c *Controller) StopAndRollback(ctx context.Context, sessionID string) error {
	st := c.stateFor(sessionID)
	st.mu.Lock()
	rec := st.latest
	st.latest = nil
	st.paused = false
	ch := st.resumeCh
	st.resumeCh = nil
	st.mu.Unlock()
	if ch != nil {
		close(ch)
	}

	if c.supervisor != nil && c.registry != nil {
		if agent, ok := c.supervisor.ActiveAgent(sessionID); ok {
			if err := c.registry.Notify(agent, "cancel", map[string]string{"session": sessionID}); err != nil {
				logging.Logger.Warn().Str("agent", agent).Str("session", sessionID).Err(err).
					Msg("checkpoint: best-effort cancel notification failed")
			}
		}
	}

	if rec != nil && c.ctxBus != nil {
		before := c.ctxBus.Snapshot()
		c.ctxBus.Restore(rec.snapshot)
		logRollbackDiff(sessionID, before, rec.snapshot)
	}

	if c.history != nil && c.supervisor != nil {
		if wf, ok := c.supervisor.ActiveWorkflow(sessionID); ok {
			if keep, ok := wf.Context["preWorkflowMessageCount"].(int); ok {
				if err := c.history.TruncateTo(ctx, sessionID, keep); err != nil {
					return fmt.Errorf("checkpoint: truncate history for %s: %w", sessionID, err)
				}
			}
		}
	}

	return nil
}

// snapshotText renders a ContextSnapshot as sorted "key=value" lines, a
// stable textual form diffmatchpatch can line-diff.
func snapshotText(snapshot types.ContextSnapshot) string {
	keys := make([]string, 0, len(snapshot.Values))
	for k := range snapshot.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%v\n", k, snapshot.Values[k])
	}
	return b.String()
}

// logRollbackDiff reports, at info level, how many context lines a
// rollback changed — a cheap audit trail without logging full values.
func logRollbackDiff(sessionID string, before, after types.ContextSnapshot) {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(snapshotText(before), snapshotText(after), false)

	changed := 0
	for _, d := range diffs {
		if d.Type != diffmatchpatch.DiffEqual {
			changed++
		}
	}
	logging.Logger.Info().
		Str("session", sessionID).
		Int64("restoredVersion", after.Version).
		Int("changedRegions", changed).
		Msg("checkpoint: rolled back shared context")
}
