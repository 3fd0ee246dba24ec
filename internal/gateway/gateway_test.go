package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiautoagent/orchestrator/internal/history"
	"github.com/kiautoagent/orchestrator/internal/storage"
	"github.com/kiautoagent/orchestrator/pkg/types"
)

func newTestGateway(t *testing.T) (*Gateway, *httptest.Server) {
	t.Helper()
	store := storage.New(t.TempDir())
	hist, err := history.New(context.Background(), store, 0, 0)
	require.NoError(t, err)

	g := New(DefaultConfig(), nil, hist, nil)
	srv := httptest.NewServer(g.router)
	t.Cleanup(srv.Close)
	return g, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendMessage(t *testing.T, conn *websocket.Conn, kind string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(types.ClientMessage{Type: kind, Data: raw}))
}

func readEvent(t *testing.T, conn *websocket.Conn) types.ServerEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var e types.ServerEvent
	require.NoError(t, conn.ReadJSON(&e))
	return e
}

func TestGateway_ChatWithoutSupervisorReportsUnavailable(t *testing.T) {
	_, srv := newTestGateway(t)
	conn := dial(t, srv)

	sendMessage(t, conn, "chat", types.ChatPayload{Prompt: "hello"})

	event := readEvent(t, conn)
	assert.Equal(t, "error", event.Type)
}

func TestGateway_UnknownMessageProducesError(t *testing.T) {
	_, srv := newTestGateway(t)
	conn := dial(t, srv)

	sendMessage(t, conn, "not_a_real_kind", map[string]string{})

	event := readEvent(t, conn)
	assert.Equal(t, "error", event.Type)
}

func TestGateway_NewSessionClearsConversation(t *testing.T) {
	_, srv := newTestGateway(t)
	conn := dial(t, srv)

	sendMessage(t, conn, "new_session", struct{}{})

	event := readEvent(t, conn)
	assert.Equal(t, "session_cleared", event.Type)
}

func TestGateway_PauseWithoutControllerReportsUnavailable(t *testing.T) {
	_, srv := newTestGateway(t)
	conn := dial(t, srv)

	sendMessage(t, conn, "pause", struct{}{})

	event := readEvent(t, conn)
	assert.Equal(t, "error", event.Type)
}

func TestGateway_Health(t *testing.T) {
	_, srv := newTestGateway(t)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
