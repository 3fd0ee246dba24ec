package supervisor

import (
	"encoding/json"

	"github.com/kiautoagent/orchestrator/pkg/types"
)

// EventSink delivers one server -> client event to the named session's
// output stream. The Client Stream Gateway (C9) supplies the concrete
// implementation; the Supervisor only knows it can push events.
type EventSink func(sessionID string, event types.ServerEvent)

// notificationParams is the common shape of thinking/progress/tool_use/
// tool_result/log notification params — all carry at least a content
// string, which is all the Supervisor forwards to the client.
type notificationParams struct {
	Content string `json:"content"`
	Tool    string `json:"tool,omitempty"`
}

// notificationTool extracts the tool name from a tool_use notification's
// params, or "" if absent or unparsable.
func notificationTool(n types.Notification) string {
	var params notificationParams
	_ = json.Unmarshal(n.Params, &params)
	return params.Tool
}

// translateNotification maps an agent's RPC notification onto a client
// ServerEvent. Notification kinds without a direct client event
// equivalent (log) are dropped rather than forwarded verbatim, since §6's
// client event set is closed.
func translateNotification(agent string, n types.Notification) (types.ServerEvent, bool) {
	var params notificationParams
	_ = json.Unmarshal(n.Params, &params)

	switch n.Method {
	case "thinking":
		return types.ServerEvent{Type: "agent_thinking", Data: types.AgentThinkingEvent{Agent: agent, Content: params.Content}}, true
	case "progress", "tool_use", "tool_result":
		return types.ServerEvent{Type: "progress", Data: types.ProgressEvent{Agent: agent, Content: params.Content, IsStreaming: true}}, true
	default:
		return types.ServerEvent{}, false
	}
}
