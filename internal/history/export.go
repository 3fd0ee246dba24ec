package history

import (
	"encoding/json"

	"github.com/kiautoagent/orchestrator/pkg/types"
)

// marshalStable renders a session the same way storage.Storage persists
// it (two-space indent), so Export's output is byte-identical across
// calls given unchanged content and message order.
func marshalStable(session *types.ConversationSession) ([]byte, error) {
	return json.MarshalIndent(session, "", "  ")
}

func unmarshalSession(data []byte) (*types.ConversationSession, error) {
	var session types.ConversationSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, err
	}
	return &session, nil
}
