package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/kiautoagent/orchestrator/internal/ctxbus"
	"github.com/kiautoagent/orchestrator/internal/history"
	"github.com/kiautoagent/orchestrator/internal/logging"
	"github.com/kiautoagent/orchestrator/internal/memory"
	"github.com/kiautoagent/orchestrator/internal/permission"
	"github.com/kiautoagent/orchestrator/internal/registry"
	"github.com/kiautoagent/orchestrator/pkg/types"
)

const (
	defaultClassifierThreshold = 0.6
	defaultStepTimeout         = 60 * time.Second
)

// ChatOptions carries the per-request knobs a client's `chat` message can
// set: an explicit agent/mode override and a hint about the project the
// session is working in, used to select project-specific workflow steps.
type ChatOptions struct {
	PreferredAgent string
	Mode           string // "auto" | "single"
	ProjectType    string
}

// PauseGate is consulted between every step. The Checkpoint & Pause
// Controller supplies the concrete implementation; Supervisor only needs
// to know it can block there.
type PauseGate interface {
	// Wait blocks until sessionID is unpaused, or ctx ends first. A
	// non-empty additionalInstructions is prepended as a synthetic system
	// message visible to the next and all subsequent steps.
	Wait(ctx context.Context, sessionID string) (additionalInstructions string, err error)
}

// sessionSink pairs an in-flight step's session id with where its events
// should be forwarded, so OnAgentNotify can route a notification from an
// agent process back to the right client.
type sessionSink struct {
	sessionID string
	sink      EventSink
}

// CheckpointSink receives every checkpoint as it's recorded, alongside
// the Shared Context Bus snapshot it was taken against. The Checkpoint &
// Pause Controller supplies the concrete implementation, keeping its own
// restorable copy of context state that types.Checkpoint itself (which
// carries only a version number) doesn't retain.
type CheckpointSink interface {
	Record(sessionID string, checkpoint types.Checkpoint, snapshot types.ContextSnapshot)
}

// Supervisor classifies prompts, builds workflows, and drives their
// execution against the Agent Process Registry.
type Supervisor struct {
	registry    *registry.Registry
	history     *history.History
	memory      *memory.Store
	ctxBus      *ctxbus.Bus
	permissions *permission.Registry

	defaultAgent           string
	classifierAgent        string
	classifierThresholdVal float64
	minSimilarityVal       float64
	stepTimeout            time.Duration

	pauseGate      PauseGate
	checkpointSink CheckpointSink

	idMu    sync.Mutex
	entropy *ulid.MonotonicEntropy

	notifyMu   sync.Mutex
	activeStep map[string]sessionSink

	runMu    sync.Mutex
	running  map[string]*types.Workflow
}

// New creates a Supervisor. reg may be nil at construction time and
// supplied later via SetRegistry, since the Registry itself needs
// Supervisor.OnAgentNotify as its notification handler — callers break
// the cycle by constructing the Supervisor first. perm may be nil, in
// which case tool_use notifications are forwarded without enforcement
// (only the Client Stream Gateway's own tests construct a Supervisor this
// way; production wiring always supplies one).
func New(cfg types.Config, reg *registry.Registry, hist *history.History, mem *memory.Store, bus *ctxbus.Bus, perm *permission.Registry, pauseGate PauseGate) *Supervisor {
	stepTimeout := time.Duration(cfg.StepTimeoutSeconds) * time.Second
	if stepTimeout <= 0 {
		stepTimeout = defaultStepTimeout
	}
	return &Supervisor{
		registry:               reg,
		history:                hist,
		memory:                 mem,
		ctxBus:                 bus,
		permissions:            perm,
		defaultAgent:           cfg.DefaultAgent,
		classifierAgent:        cfg.ClassifierAgent,
		classifierThresholdVal: cfg.ClassifierThreshold,
		stepTimeout:            stepTimeout,
		pauseGate:              pauseGate,
		entropy:                ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
		activeStep:             make(map[string]sessionSink),
		running:                make(map[string]*types.Workflow),
	}
}

// SetRegistry wires the Registry after construction, resolving the
// Supervisor/Registry construction cycle (the Registry needs
// OnAgentNotify at its own New call).
func (s *Supervisor) SetRegistry(reg *registry.Registry) {
	s.registry = reg
}

// SetCheckpointSink wires the Checkpoint & Pause Controller's recorder
// after construction, for the same reason SetRegistry exists: the
// controller's own constructor can take the Supervisor as a dependency.
func (s *Supervisor) SetCheckpointSink(sink CheckpointSink) {
	s.checkpointSink = sink
}

// SetPauseGate wires the Checkpoint & Pause Controller's wait gate after
// construction, for the same reason SetCheckpointSink exists: the
// controller's own constructor takes the Supervisor as a dependency.
func (s *Supervisor) SetPauseGate(gate PauseGate) {
	s.pauseGate = gate
}

// ActiveWorkflow returns the workflow currently running on sessionID, if
// any. The Checkpoint & Pause Controller uses this to find the
// pre-workflow message-count marker for a rollback's history truncation.
func (s *Supervisor) ActiveWorkflow(sessionID string) (*types.Workflow, bool) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	wf, ok := s.running[sessionID]
	return wf, ok
}

// ActiveAgent returns the agent name currently dispatched for sessionID,
// if any. Used by stop_and_rollback to best-effort notify the agent its
// step was cancelled.
func (s *Supervisor) ActiveAgent(sessionID string) (string, bool) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	for agent, ss := range s.activeStep {
		if ss.sessionID == sessionID {
			return agent, true
		}
	}
	return "", false
}

func (s *Supervisor) newID() string {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

func (s *Supervisor) stepTimeoutOrDefault() time.Duration {
	if s.stepTimeout > 0 {
		return s.stepTimeout
	}
	return defaultStepTimeout
}

// runResult is the expected shape of an agent's "run" response.
type runResult struct {
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Handle classifies prompt, builds a Workflow, executes every step in
// order, and returns the completed Workflow. Events are pushed to sink as
// they occur; sink may be nil for callers that only want the final
// Workflow (e.g. tests, a non-streaming CLI).
func (s *Supervisor) Handle(ctx context.Context, sessionID, userPrompt string, options ChatOptions, sink EventSink) (*types.Workflow, error) {
	now := time.Now().UnixMilli()
	if sink != nil {
		sink(sessionID, types.ServerEvent{Type: "user_message", Data: types.UserMessageEvent{Content: userPrompt}})
	}
	if s.history != nil {
		if err := s.history.AddMessage(ctx, sessionID, types.ConversationMessage{
			Role: types.RoleUser, Content: userPrompt, Timestamp: now,
		}); err != nil {
			return nil, fmt.Errorf("supervisor: record user message: %w", err)
		}
	}

	intent := s.classify(ctx, userPrompt, options.PreferredAgent)
	steps := buildWorkflow(intent, options.ProjectType)

	workflow := &types.Workflow{
		ID:        s.newID(),
		SessionID: sessionID,
		Intent:    intent,
		Steps:     steps,
		Status:    types.WorkflowRunning,
		Context:   map[string]any{},
		CreatedAt: now,
	}
	if s.history != nil {
		if msgs, err := s.history.GetCurrentMessages(ctx, sessionID, 0); err == nil {
			workflow.Context["preWorkflowMessageCount"] = len(msgs)
		}
	}

	s.runMu.Lock()
	s.running[sessionID] = workflow
	s.runMu.Unlock()
	defer func() {
		s.runMu.Lock()
		delete(s.running, sessionID)
		s.runMu.Unlock()
	}()

	var extraSystem string
	for i := range workflow.Steps {
		step := &workflow.Steps[i]

		if blockedOn, ok := firstFailedDependency(workflow, step); ok {
			step.Status = types.StepSkipped
			step.Error = fmt.Sprintf("dependency %q did not succeed", blockedOn)
			s.recordCheckpoint(workflow, step)
			continue
		}

		if s.pauseGate != nil {
			instructions, err := s.pauseGate.Wait(ctx, sessionID)
			if err != nil {
				workflow.Status = types.WorkflowCancelled
				return workflow, err
			}
			if instructions != "" {
				extraSystem = instructions
			}
		}

		s.runStep(ctx, workflow, step, userPrompt, extraSystem, sink)
		s.recordCheckpoint(workflow, step)
	}

	workflow.Status = aggregateStatus(workflow.Steps)
	workflow.Content = aggregateContent(workflow.Steps)
	if sink != nil {
		sink(sessionID, types.ServerEvent{Type: "complete", Data: types.CompleteEvent{
			Content:  workflow.Content,
			Metadata: map[string]any{"status": string(workflow.Status)},
		}})
	}
	return workflow, nil
}

// aggregateStatus rolls up per-step outcomes into one Workflow status: all
// steps succeeding yields success, any mix of success and failure/skip
// yields partial_success, and zero successes yields failed.
func aggregateStatus(steps []types.WorkflowStep) types.WorkflowStatus {
	succeeded := 0
	for _, st := range steps {
		if st.Status == types.StepSuccess {
			succeeded++
		}
	}
	switch {
	case succeeded == len(steps):
		return types.WorkflowSuccess
	case succeeded > 0:
		return types.WorkflowPartialSuccess
	default:
		return types.WorkflowFailed
	}
}

// aggregateContent produces the workflow's final content: a single step's
// result verbatim, with no concatenation header, or every step's result
// concatenated under its Description in step order for a multi-step
// workflow. Steps with no result (skipped, or failed before producing
// output) are omitted.
func aggregateContent(steps []types.WorkflowStep) string {
	if len(steps) == 1 {
		return steps[0].Result
	}

	var b strings.Builder
	wrote := false
	for _, st := range steps {
		if st.Result == "" {
			continue
		}
		if wrote {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "### %s\n%s", st.Description, st.Result)
		wrote = true
	}
	return b.String()
}

// firstFailedDependency reports the first dependency of step that hasn't
// succeeded, if any.
func firstFailedDependency(workflow *types.Workflow, step *types.WorkflowStep) (string, bool) {
	for _, dep := range step.DependsOn {
		depStep := workflow.StepByID(dep)
		if depStep != nil && depStep.Status != types.StepSuccess {
			return dep, true
		}
	}
	return "", false
}

// runStep executes one step, falling back to the configured default
// agent on AgentUnavailable, and records the outcome onto step in place.
func (s *Supervisor) runStep(ctx context.Context, workflow *types.Workflow, step *types.WorkflowStep, userPrompt, extraSystem string, sink EventSink) {
	step.Status = types.StepRunning
	agent := step.Agent
	input := s.hydrateStep(ctx, workflow, step, userPrompt, extraSystem)

	result, err := s.callAgent(ctx, workflow.SessionID, agent, input, sink)
	if errors.Is(err, types.ErrAgentUnavailable) && s.defaultAgent != "" && s.defaultAgent != agent {
		if sink != nil {
			sink(workflow.SessionID, types.ServerEvent{Type: "fallback", Data: map[string]string{
				"agent": agent, "fallback": s.defaultAgent,
			}})
		}
		agent = s.defaultAgent
		result, err = s.callAgent(ctx, workflow.SessionID, agent, input, sink)
	}

	if err != nil {
		step.Status = types.StepFailed
		step.Error = err.Error()
		return
	}

	step.Status = types.StepSuccess
	step.Result = result.Content

	if s.history != nil {
		if err := s.history.AddMessage(ctx, workflow.SessionID, types.ConversationMessage{
			Role: types.RoleAssistant, AgentID: agent, Content: result.Content, Timestamp: time.Now().UnixMilli(),
		}); err != nil {
			logging.Logger.Warn().Str("session", workflow.SessionID).Err(err).Msg("supervisor: persist step result")
		}
	}
	if s.memory != nil {
		if _, err := s.memory.StoreEntry(ctx, agent, result.Content, types.MemoryEpisodic, nil); err != nil {
			logging.Logger.Warn().Str("agent", agent).Err(err).Msg("supervisor: store episodic memory")
		}
	}

	if sink != nil {
		sink(workflow.SessionID, types.ServerEvent{Type: "agent_response", Data: types.AgentResponseEvent{
			Agent: agent, Content: result.Content, Timestamp: time.Now().UnixMilli(), Metadata: result.Metadata,
		}})
	}
}

// callAgent dispatches one Registry.Call, registering the session as the
// current target for agent's notifications for the call's duration.
func (s *Supervisor) callAgent(ctx context.Context, sessionID, agent, input string, sink EventSink) (runResult, error) {
	if s.registry == nil {
		return runResult{}, fmt.Errorf("supervisor: no registry configured: %w", types.ErrAgentUnavailable)
	}

	s.setActive(agent, sessionID, sink)
	defer s.clearActive(agent)

	raw, err := s.registry.Call(ctx, agent, "run", map[string]string{"input": input}, s.stepTimeoutOrDefault())
	if err != nil {
		return runResult{}, err
	}
	var result runResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return runResult{}, fmt.Errorf("supervisor: malformed run response from %s: %w", agent, err)
	}
	return result, nil
}

func (s *Supervisor) setActive(agent, sessionID string, sink EventSink) {
	s.notifyMu.Lock()
	s.activeStep[agent] = sessionSink{sessionID: sessionID, sink: sink}
	s.notifyMu.Unlock()
}

func (s *Supervisor) clearActive(agent string) {
	s.notifyMu.Lock()
	delete(s.activeStep, agent)
	s.notifyMu.Unlock()
}

// OnAgentNotify is the Registry's NotificationHandler source: it routes a
// notification from agent to whichever session currently has a call in
// flight against it. A tool_use notification is checked against the
// Permission Registry before being forwarded — a denied tool surfaces to
// the client as an error event instead of a progress event, and the agent
// is sent a best-effort cancel so it doesn't proceed with the call it
// just announced. This never fails the step outright; the agent's own
// final response still completes the call.
func (s *Supervisor) OnAgentNotify(agent string, n types.Notification) {
	s.notifyMu.Lock()
	ss, ok := s.activeStep[agent]
	s.notifyMu.Unlock()
	if !ok || ss.sink == nil {
		return
	}

	if n.Method == "tool_use" && s.permissions != nil {
		if tool := notificationTool(n); tool != "" {
			if err := s.permissions.Enforce(agent, tool); err != nil {
				ss.sink(ss.sessionID, types.ServerEvent{Type: "error", Data: types.ErrorEvent{
					Code:    "permission_denied",
					Message: fmt.Sprintf("%s is not permitted to use %s", agent, tool),
				}})
				if s.registry != nil {
					_ = s.registry.Notify(agent, "cancel", map[string]string{"reason": "permission_denied", "tool": tool})
				}
				return
			}
		}
	}

	if event, ok := translateNotification(agent, n); ok {
		ss.sink(ss.sessionID, event)
	}
}

// recordCheckpoint appends a Checkpoint capturing the Shared Context
// Bus's version and every step result accumulated so far. Created after
// every step, per the checkpoint rule, regardless of that step's outcome.
func (s *Supervisor) recordCheckpoint(workflow *types.Workflow, step *types.WorkflowStep) {
	var snapshot types.ContextSnapshot
	if s.ctxBus != nil {
		snapshot = s.ctxBus.Snapshot()
	}

	results := make(map[string]string)
	for _, st := range workflow.Steps {
		if st.Result != "" {
			results[st.ID] = st.Result
		}
	}

	cp := types.Checkpoint{
		ID:             s.newID(),
		AfterStepID:    step.ID,
		Timestamp:      time.Now().UnixMilli(),
		ContextVersion: snapshot.Version,
		StepResults:    results,
	}
	workflow.Checkpoints = append(workflow.Checkpoints, cp)

	if s.checkpointSink != nil {
		s.checkpointSink.Record(workflow.SessionID, cp, snapshot)
	}
}
