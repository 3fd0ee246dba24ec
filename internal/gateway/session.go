package gateway

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/kiautoagent/orchestrator/pkg/types"
)

// clientSession is the gateway's live state for one connected socket: its
// transport, its outbound queue, and the conversation it is currently
// bound to. ConversationID may change across the socket's lifetime (a
// `new_session` message rebinds it); the socket itself never does.
type clientSession struct {
	id    string
	conn  *websocket.Conn
	queue *eventQueue

	mu              sync.Mutex
	conversationID  string
	preferredAgent  string
	thinkingEnabled bool
	paused          bool
	busy            atomic.Bool
	cancelActive    context.CancelFunc
}

func newClientSession(id string, conn *websocket.Conn, conversationID string, queueCapacity int) *clientSession {
	return &clientSession{
		id:              id,
		conn:            conn,
		queue:           newEventQueue(queueCapacity),
		conversationID:  conversationID,
		thinkingEnabled: true,
	}
}

func (cs *clientSession) snapshot() types.ClientSession {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return types.ClientSession{
		ID:             cs.id,
		ConversationID: cs.conversationID,
		Paused:         cs.paused,
	}
}

func (cs *clientSession) setConversation(id string) {
	cs.mu.Lock()
	cs.conversationID = id
	cs.mu.Unlock()
}

func (cs *clientSession) conversation() string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.conversationID
}

func (cs *clientSession) setPreferredAgent(agent string) {
	cs.mu.Lock()
	cs.preferredAgent = agent
	cs.mu.Unlock()
}

func (cs *clientSession) setThinkingEnabled(enabled bool) {
	cs.mu.Lock()
	cs.thinkingEnabled = enabled
	cs.mu.Unlock()
}

func (cs *clientSession) setPaused(paused bool) {
	cs.mu.Lock()
	cs.paused = paused
	cs.mu.Unlock()
}

// sink delivers one server event into this session's outbound queue,
// dropping agent_thinking events while thinking display is toggled off.
func (cs *clientSession) sink(_ string, event types.ServerEvent) {
	if event.Type == "agent_thinking" {
		cs.mu.Lock()
		enabled := cs.thinkingEnabled
		cs.mu.Unlock()
		if !enabled {
			return
		}
	}
	cs.queue.Push(event)
}

// setActiveCancel records the cancel func for the workflow currently
// running on this session, so a later stop_and_rollback can reach it.
func (cs *clientSession) setActiveCancel(cancel context.CancelFunc) {
	cs.mu.Lock()
	cs.cancelActive = cancel
	cs.mu.Unlock()
}

func (cs *clientSession) cancelActiveWorkflow() {
	cs.mu.Lock()
	cancel := cs.cancelActive
	cs.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
