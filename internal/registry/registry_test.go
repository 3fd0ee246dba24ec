package registry

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/kiautoagent/orchestrator/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHelperProcess re-exec's the test binary as a fake agent subprocess;
// see internal/rpc's transport_test.go for the pattern this follows.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("REGISTRY_HELPER_PROCESS") != "1" {
		return
	}
	defer os.Exit(0)

	misbehave := os.Getenv("REGISTRY_HELPER_NO_PONG") == "1"

	reader := bufio.NewReader(os.Stdin)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}
		var req types.Request
		if err := json.Unmarshal(line, &req); err != nil {
			continue
		}

		switch req.Method {
		case "initialize":
			writeFrame(types.Response{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`{"protocolVersion":"1","tools":["run"]}`)})
		case "ping":
			if misbehave {
				continue // drop the ping, simulating a hung process
			}
			writeFrame(types.Response{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`{"pong":true}`)})
		case "run":
			writeFrame(types.Response{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`{"ok":true}`)})
		case "shutdown":
			return
		}
	}
}

func writeFrame(v any) {
	b, _ := json.Marshal(v)
	os.Stdout.Write(append(b, '\n'))
}

func testDescriptor(t *testing.T, name string, env map[string]string) types.AgentDescriptor {
	t.Helper()
	merged := map[string]string{"REGISTRY_HELPER_PROCESS": "1"}
	for k, v := range env {
		merged[k] = v
	}
	return types.AgentDescriptor{
		Name:           name,
		LaunchSpec:     types.LaunchSpec{Command: []string{os.Args[0], "-test.run=TestHelperProcess"}, Env: merged},
		MaxConcurrency: 2,
		RestartPolicy:  types.RestartNever,
	}
}

func TestRegistry_StartAndCall(t *testing.T) {
	r := New(nil)
	descriptor := testDescriptor(t, "architect", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := r.Start(ctx, descriptor)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Stop("architect", 0) })

	raw, err := r.Call(ctx, "architect", "run", nil, 2*time.Second)
	require.NoError(t, err)

	var payload struct {
		OK bool `json:"ok"`
	}
	require.NoError(t, json.Unmarshal(raw, &payload))
	assert.True(t, payload.OK)
}

func TestRegistry_Call_UnknownAgent(t *testing.T) {
	r := New(nil)
	_, err := r.Call(context.Background(), "nonexistent", "run", nil, time.Second)
	assert.ErrorIs(t, err, types.ErrAgentUnavailable)
}

func TestRegistry_Stop_RemovesPool(t *testing.T) {
	r := New(nil)
	descriptor := testDescriptor(t, "reviewer", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := r.Start(ctx, descriptor)
	require.NoError(t, err)

	require.NoError(t, r.Stop("reviewer", 50*time.Millisecond))

	_, err = r.Call(ctx, "reviewer", "run", nil, time.Second)
	assert.ErrorIs(t, err, types.ErrAgentUnavailable)
}

func TestRegistry_RoundRobinAcrossReplicas(t *testing.T) {
	r := New(nil)
	descriptor := testDescriptor(t, "worker", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := r.Start(ctx, descriptor)
	require.NoError(t, err)
	_, err = r.Start(ctx, descriptor)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Stop("worker", 0) })

	pl := r.poolFor("worker")
	require.Len(t, pl.all(), 2)

	first, ok := pl.pick()
	require.True(t, ok)
	second, ok := pl.pick()
	require.True(t, ok)
	assert.NotSame(t, first, second, "round-robin should pick a different replica next")
}

func TestRegistry_NotifyFanOut(t *testing.T) {
	received := make(chan types.Notification, 1)
	r := New(func(agent string, n types.Notification) {
		received <- n
	})
	descriptor := testDescriptor(t, "notifier", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := r.Start(ctx, descriptor)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Stop("notifier", 0) })

	// the helper process never emits spontaneous notifications, so this
	// only verifies Notify doesn't error against a live process.
	require.NoError(t, r.Notify("notifier", "announce", nil))

	select {
	case <-received:
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRestartTracker_DisablesAfterRateLimit(t *testing.T) {
	rt := newRestartTracker()
	for i := 0; i < maxRestartsPerWindow; i++ {
		assert.True(t, rt.allow("flaky"))
	}
	assert.False(t, rt.allow("flaky"))
	assert.True(t, rt.isDisabled("flaky"))
}

func TestRestartTracker_IndependentPerAgent(t *testing.T) {
	rt := newRestartTracker()
	for i := 0; i < maxRestartsPerWindow+1; i++ {
		rt.allow("flaky")
	}
	assert.True(t, rt.isDisabled("flaky"))
	assert.False(t, rt.isDisabled("stable"))
	assert.True(t, rt.allow("stable"))
}
