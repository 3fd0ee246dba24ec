package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kiautoagent/orchestrator/internal/logging"
	"github.com/kiautoagent/orchestrator/pkg/types"
)

// NotificationHandler receives notifications (no id) as they arrive —
// thinking traces, progress partials, tool-use announcements.
type NotificationHandler func(types.Notification)

type result struct {
	resp *types.Response
	err  error
}

type pendingCall struct {
	deadline time.Time // zero means no scheduler-enforced deadline
	ch       chan result
}

// Transport multiplexes JSON-RPC requests and notifications over one
// subprocess's stdin/stdout. Request ids are assigned monotonically and
// never reused, even across timeouts — only Close retires the transport
// for good.
type Transport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader

	writeMu sync.Mutex // serializes frame writes to stdin

	mu      sync.Mutex
	nextID  int64
	pending map[int64]*pendingCall
	closed  bool
	done    chan struct{}

	onNotify NotificationHandler
}

// NewStdioTransport spawns command with env merged onto the current
// process's environment, wires its stdio, and starts the read loop and
// deadline scheduler. onNotify may be nil.
func NewStdioTransport(ctx context.Context, command []string, env map[string]string, onNotify NotificationHandler) (*Transport, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("rpc: empty command")
	}

	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	t := &Transport{
		cmd:      cmd,
		stdin:    stdin,
		stdout:   bufio.NewReader(stdout),
		pending:  make(map[int64]*pendingCall),
		done:     make(chan struct{}),
		onNotify: onNotify,
	}

	go t.readLoop()
	go t.scheduleDeadlines()

	return t, nil
}

// Send dispatches method/params and waits for the matching response. If
// timeout > 0, the transport's deadline scheduler resolves the call with
// AgentTimeout once it elapses; ctx cancellation resolves it with
// Cancelled (or AgentTimeout, if ctx itself carried the expiring deadline).
func (t *Transport) Send(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("rpc: send %s: %w", method, types.ErrAgentCrashed)
	}
	id := atomic.AddInt64(&t.nextID, 1)
	pc := &pendingCall{ch: make(chan result, 1)}
	if timeout > 0 {
		pc.deadline = time.Now().Add(timeout)
	}
	t.pending[id] = pc
	t.mu.Unlock()

	raw, err := marshalParams(params)
	if err != nil {
		t.forget(id)
		return nil, err
	}
	if err := t.writeFrame(types.Request{JSONRPC: "2.0", ID: id, Method: method, Params: raw}); err != nil {
		t.forget(id)
		t.crash(fmt.Errorf("rpc: write failed: %w", err))
		return nil, fmt.Errorf("rpc: send %s: %w", method, types.ErrAgentCrashed)
	}

	select {
	case r := <-pc.ch:
		if r.err != nil {
			return nil, r.err
		}
		if r.resp.Error != nil {
			return nil, &types.AgentError{Message: r.resp.Error.Message}
		}
		return r.resp.Result, nil
	case <-ctx.Done():
		t.forget(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("rpc: send %s: %w", method, types.ErrAgentTimeout)
		}
		return nil, fmt.Errorf("rpc: send %s: %w", method, types.ErrCancelled)
	}
}

// Notify sends a fire-and-forget message; no response is expected.
func (t *Transport) Notify(method string, params any) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("rpc: notify %s: %w", method, types.ErrAgentCrashed)
	}
	t.mu.Unlock()

	raw, err := marshalParams(params)
	if err != nil {
		return err
	}
	if err := t.writeFrame(types.Notification{JSONRPC: "2.0", Method: method, Params: raw}); err != nil {
		t.crash(fmt.Errorf("rpc: write failed: %w", err))
		return fmt.Errorf("rpc: notify %s: %w", method, types.ErrAgentCrashed)
	}
	return nil
}

// Close terminates the subprocess and releases all pending waiters with
// AgentCrashed. Idempotent.
func (t *Transport) Close() error {
	t.crash(fmt.Errorf("rpc: transport closed"))
	t.stdin.Close()
	if t.cmd.Process != nil {
		return t.cmd.Process.Kill()
	}
	return nil
}

func (t *Transport) forget(id int64) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

func (t *Transport) resolve(id int64, r result) {
	t.mu.Lock()
	pc, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()
	if ok {
		pc.ch <- r
	}
}

// crash marks the transport closed and resolves every outstanding waiter
// with AgentCrashed. Safe to call more than once.
func (t *Transport) crash(cause error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	pending := t.pending
	t.pending = make(map[int64]*pendingCall)
	t.mu.Unlock()

	for _, pc := range pending {
		pc.ch <- result{err: fmt.Errorf("rpc: %v: %w", cause, types.ErrAgentCrashed)}
	}
	close(t.done)
}

func (t *Transport) readLoop() {
	for {
		line, err := t.stdout.ReadBytes('\n')
		if err != nil {
			t.crash(fmt.Errorf("stdout closed: %w", err))
			return
		}
		if len(line) == 0 {
			continue
		}

		resp, notif, err := types.ParseFrame(line)
		if err != nil {
			logging.Logger.Warn().Err(err).Msg("rpc: skipping unparseable frame")
			continue
		}
		if resp != nil {
			t.resolve(resp.ID, result{resp: resp})
			continue
		}
		if notif != nil && t.onNotify != nil {
			go t.onNotify(*notif)
		}
	}
}

// scheduleDeadlines is the single per-transport scheduler that enforces
// every pending call's deadline; it polls rather than running one timer
// per request, which keeps the timeout machinery in one place regardless
// of concurrency.
func (t *Transport) scheduleDeadlines() {
	const scanInterval = 25 * time.Millisecond
	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case now := <-ticker.C:
			t.mu.Lock()
			var expired []*pendingCall
			for id, pc := range t.pending {
				if !pc.deadline.IsZero() && now.After(pc.deadline) {
					expired = append(expired, pc)
					delete(t.pending, id)
				}
			}
			t.mu.Unlock()

			for _, pc := range expired {
				pc.ch <- result{err: fmt.Errorf("rpc: deadline exceeded: %w", types.ErrAgentTimeout)}
			}
		}
	}
}

func (t *Transport) writeFrame(msg any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err = t.stdin.Write(append(b, '\n'))
	return err
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	return json.Marshal(params)
}
