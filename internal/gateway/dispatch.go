package gateway

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/kiautoagent/orchestrator/internal/logging"
	"github.com/kiautoagent/orchestrator/internal/supervisor"
	"github.com/kiautoagent/orchestrator/pkg/types"
)

// dispatch routes one decoded client frame to its handler. Unmarshal
// failures and unknown message kinds produce an `error` event rather than
// closing the socket — a single bad frame shouldn't end the session.
func (g *Gateway) dispatch(ctx context.Context, cs *clientSession, msg types.ClientMessage) {
	switch msg.Type {
	case "chat":
		g.handleChat(ctx, cs, msg.Data)
	case "command":
		g.handleCommand(ctx, cs, msg.Data)
	case "pause":
		g.handlePause(cs)
	case "resume":
		g.handleResume(ctx, cs, msg.Data)
	case "stop_and_rollback":
		g.handleStopAndRollback(ctx, cs)
	case "select_agent":
		g.handleSelectAgent(cs, msg.Data)
	case "toggle_thinking":
		g.handleToggleThinking(cs, msg.Data)
	case "load_history":
		g.handleLoadHistory(ctx, cs, msg.Data)
	case "new_session":
		g.handleNewSession(ctx, cs)
	default:
		cs.sink(cs.id, errorEvent("unknown_message", "unrecognized message type: "+msg.Type))
	}
}

// handleChat enforces the one-workflow-at-a-time-per-session rule: a
// second chat while one is in flight is rejected with a busy error rather
// than queued.
func (g *Gateway) handleChat(ctx context.Context, cs *clientSession, data json.RawMessage) {
	var payload types.ChatPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		cs.sink(cs.id, errorEvent("bad_request", "invalid chat payload"))
		return
	}

	if !cs.busy.CompareAndSwap(false, true) {
		cs.sink(cs.id, errorEvent("busy", "a workflow is already running on this session"))
		return
	}

	cs.mu.Lock()
	if payload.Agent == "" {
		payload.Agent = cs.preferredAgent
	}
	cs.mu.Unlock()

	go g.runWorkflow(ctx, cs, payload.Prompt, supervisor.ChatOptions{
		PreferredAgent: payload.Agent,
		Mode:           payload.Mode,
	})
}

// handleCommand funnels a slash-style command through the same workflow
// path as chat, rendered as a single prompt string.
func (g *Gateway) handleCommand(ctx context.Context, cs *clientSession, data json.RawMessage) {
	var payload types.CommandPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		cs.sink(cs.id, errorEvent("bad_request", "invalid command payload"))
		return
	}
	if !cs.busy.CompareAndSwap(false, true) {
		cs.sink(cs.id, errorEvent("busy", "a workflow is already running on this session"))
		return
	}

	prompt := "/" + payload.Command
	if len(payload.Args) > 0 {
		prompt += " " + strings.Join(payload.Args, " ")
	}
	go g.runWorkflow(ctx, cs, prompt, supervisor.ChatOptions{})
}

func (g *Gateway) runWorkflow(ctx context.Context, cs *clientSession, prompt string, options supervisor.ChatOptions) {
	defer cs.busy.Store(false)

	runCtx, cancel := context.WithCancel(ctx)
	cs.setActiveCancel(cancel)
	defer cs.setActiveCancel(nil)
	defer cancel()

	if g.supervisor == nil {
		cs.sink(cs.id, errorEvent("unavailable", "supervisor not configured"))
		return
	}

	if _, err := g.supervisor.Handle(runCtx, cs.conversation(), prompt, options, cs.sink); err != nil {
		logging.Logger.Warn().Str("session", cs.id).Err(err).Msg("gateway: workflow failed")
		cs.sink(cs.id, errorEvent("workflow_error", err.Error()))
	}
}

func (g *Gateway) handlePause(cs *clientSession) {
	if g.pauseCtl == nil {
		cs.sink(cs.id, errorEvent("unavailable", "pause controller not configured"))
		return
	}
	if err := g.pauseCtl.Pause(cs.conversation()); err != nil {
		cs.sink(cs.id, errorEvent("pause_failed", err.Error()))
		return
	}
	cs.setPaused(true)
	cs.sink(cs.id, types.ServerEvent{Type: "paused"})
}

func (g *Gateway) handleResume(ctx context.Context, cs *clientSession, data json.RawMessage) {
	var payload types.ResumePayload
	_ = json.Unmarshal(data, &payload)

	if g.pauseCtl == nil {
		cs.sink(cs.id, errorEvent("unavailable", "pause controller not configured"))
		return
	}
	if err := g.pauseCtl.Resume(cs.conversation(), payload.AdditionalInstructions); err != nil {
		cs.sink(cs.id, errorEvent("resume_failed", err.Error()))
		return
	}
	cs.setPaused(false)
	cs.sink(cs.id, types.ServerEvent{Type: "resumed"})
}

func (g *Gateway) handleStopAndRollback(ctx context.Context, cs *clientSession) {
	cs.cancelActiveWorkflow()

	if g.pauseCtl == nil {
		cs.sink(cs.id, errorEvent("unavailable", "pause controller not configured"))
		return
	}
	if err := g.pauseCtl.StopAndRollback(ctx, cs.conversation()); err != nil {
		cs.sink(cs.id, errorEvent("rollback_failed", err.Error()))
		return
	}
	cs.busy.Store(false)
	cs.setPaused(false)
	cs.sink(cs.id, types.ServerEvent{Type: "stopped_and_rolled_back"})
}

func (g *Gateway) handleSelectAgent(cs *clientSession, data json.RawMessage) {
	var payload types.SelectAgentPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.Agent == "" {
		cs.sink(cs.id, errorEvent("bad_request", "invalid select_agent payload"))
		return
	}
	cs.setPreferredAgent(payload.Agent)
}

func (g *Gateway) handleToggleThinking(cs *clientSession, data json.RawMessage) {
	var payload struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		cs.sink(cs.id, errorEvent("bad_request", "invalid toggle_thinking payload"))
		return
	}
	cs.setThinkingEnabled(payload.Enabled)
}

// handleLoadHistory replays a conversation's retained messages as
// user_message/agent_response events, oldest first, since the client
// event set has no dedicated history-batch frame.
func (g *Gateway) handleLoadHistory(ctx context.Context, cs *clientSession, data json.RawMessage) {
	var payload types.LoadHistoryPayload
	_ = json.Unmarshal(data, &payload)

	if g.history == nil {
		return
	}
	messages, err := g.history.GetCurrentMessages(ctx, cs.conversation(), payload.Limit)
	if err != nil {
		cs.sink(cs.id, errorEvent("history_unavailable", err.Error()))
		return
	}
	for _, m := range messages {
		switch m.Role {
		case types.RoleUser:
			cs.sink(cs.id, types.ServerEvent{Type: "user_message", Data: types.UserMessageEvent{Content: m.Content}})
		case types.RoleAssistant:
			cs.sink(cs.id, types.ServerEvent{Type: "agent_response", Data: types.AgentResponseEvent{
				Agent: m.AgentID, Content: m.Content, Timestamp: m.Timestamp,
			}})
		}
	}
}

// handleNewSession rebinds the socket to a freshly created conversation,
// leaving the previous one intact in history.
func (g *Gateway) handleNewSession(ctx context.Context, cs *clientSession) {
	if g.history == nil {
		cs.sink(cs.id, errorEvent("unavailable", "history not configured"))
		return
	}
	session, err := g.history.CreateSession(ctx, "")
	if err != nil {
		cs.sink(cs.id, errorEvent("new_session_failed", err.Error()))
		return
	}
	cs.setConversation(session.ID)
	cs.setPaused(false)
	cs.sink(cs.id, types.ServerEvent{Type: "session_cleared"})
}
