package gateway

import (
	"context"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kiautoagent/orchestrator/internal/history"
	"github.com/kiautoagent/orchestrator/internal/logging"
	"github.com/kiautoagent/orchestrator/internal/supervisor"
	"github.com/kiautoagent/orchestrator/pkg/types"
)

// PauseController implements pause/resume/stop_and_rollback for a
// conversation. The Checkpoint & Pause Controller supplies the concrete
// implementation.
type PauseController interface {
	Pause(sessionID string) error
	Resume(sessionID string, additionalInstructions string) error
	StopAndRollback(ctx context.Context, sessionID string) error
}

// Config holds gateway-level HTTP server settings.
type Config struct {
	Addr             string
	EnableCORS       bool
	QueueCapacity    int
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration

	// Metrics, if set, is served as Prometheus exposition format on
	// /metrics. Typically the Agent Process Registry's MetricsRegistry().
	Metrics *prometheus.Registry
}

// DefaultConfig returns sane Gateway defaults.
func DefaultConfig() Config {
	return Config{
		Addr:             ":8090",
		EnableCORS:       true,
		QueueCapacity:    defaultQueueCapacity,
		ReadTimeout:      30 * time.Second,
		WriteTimeout:     0,
		HandshakeTimeout: 10 * time.Second,
	}
}

// Gateway owns every connected client's duplex socket. It is the sole
// owner of each socket (no other component ever reads or writes one).
type Gateway struct {
	cfg      Config
	router   *chi.Mux
	httpSrv  *http.Server
	upgrader websocket.Upgrader

	supervisor *supervisor.Supervisor
	history    *history.History
	pauseCtl   PauseController

	idMu    sync.Mutex
	entropy *ulid.MonotonicEntropy

	mu       sync.Mutex
	sessions map[string]*clientSession
}

// New creates a Gateway. pauseCtl may be nil until the Checkpoint & Pause
// Controller is wired in; pause/resume/stop_and_rollback messages then
// fail with an error event rather than panicking.
func New(cfg Config, sup *supervisor.Supervisor, hist *history.History, pauseCtl PauseController) *Gateway {
	r := chi.NewRouter()
	g := &Gateway{
		cfg:        cfg,
		router:     r,
		upgrader:   websocket.Upgrader{HandshakeTimeout: cfg.HandshakeTimeout, CheckOrigin: func(*http.Request) bool { return true }},
		supervisor: sup,
		history:    hist,
		pauseCtl:   pauseCtl,
		entropy:    ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
		sessions:   make(map[string]*clientSession),
	}
	g.setupMiddleware()
	g.setupRoutes()
	return g
}

func (g *Gateway) setupMiddleware() {
	g.router.Use(middleware.RequestID)
	g.router.Use(middleware.Logger)
	g.router.Use(middleware.Recoverer)
	g.router.Use(middleware.RealIP)
	if g.cfg.EnableCORS {
		g.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
}

func (g *Gateway) setupRoutes() {
	g.router.Get("/ws", g.handleWS)
	g.router.Get("/healthz", g.handleHealth)
	if g.cfg.Metrics != nil {
		g.router.Handle("/metrics", promhttp.HandlerFor(g.cfg.Metrics, promhttp.HandlerOpts{}))
	}
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// Start runs the gateway's HTTP server until Shutdown is called.
func (g *Gateway) Start() error {
	g.httpSrv = &http.Server{
		Addr:         g.cfg.Addr,
		Handler:      g.router,
		ReadTimeout:  g.cfg.ReadTimeout,
		WriteTimeout: g.cfg.WriteTimeout,
	}
	if err := g.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server and closes every live socket.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	for _, cs := range g.sessions {
		cs.queue.Close()
		_ = cs.conn.Close()
	}
	g.mu.Unlock()

	if g.httpSrv == nil {
		return nil
	}
	return g.httpSrv.Shutdown(ctx)
}

func (g *Gateway) newID() string {
	g.idMu.Lock()
	defer g.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy).String()
}

func (g *Gateway) register(cs *clientSession) {
	g.mu.Lock()
	g.sessions[cs.id] = cs
	g.mu.Unlock()
}

func (g *Gateway) unregister(id string) {
	g.mu.Lock()
	delete(g.sessions, id)
	g.mu.Unlock()
}

// handleWS upgrades the HTTP request to a websocket connection, creates a
// backing conversation, and runs that socket's read/write loops until it
// disconnects.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Logger.Warn().Err(err).Msg("gateway: websocket upgrade failed")
		return
	}

	var conversationID string
	if g.history != nil {
		session, err := g.history.CreateSession(r.Context(), "")
		if err != nil {
			logging.Logger.Error().Err(err).Msg("gateway: create conversation session")
			_ = conn.Close()
			return
		}
		conversationID = session.ID
	} else {
		conversationID = g.newID()
	}

	cs := newClientSession(g.newID(), conn, conversationID, g.cfg.QueueCapacity)
	g.register(cs)
	defer g.unregister(cs.id)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); g.writeLoop(ctx, cs) }()
	go func() { defer wg.Done(); g.readLoop(ctx, cancel, cs) }()

	// Either loop exiting (client disconnect, read error, or the
	// request's own context ending) tears the socket down; closing the
	// queue here is what actually unblocks a writeLoop parked in Pop.
	<-ctx.Done()
	cs.queue.Close()
	_ = conn.Close()
	wg.Wait()
}

func (g *Gateway) writeLoop(ctx context.Context, cs *clientSession) {
	for {
		event, ok := cs.queue.Pop()
		if !ok {
			return
		}
		if err := cs.conn.WriteJSON(event); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (g *Gateway) readLoop(ctx context.Context, cancel context.CancelFunc, cs *clientSession) {
	defer cancel()
	for {
		var msg types.ClientMessage
		if err := cs.conn.ReadJSON(&msg); err != nil {
			return
		}
		g.dispatch(ctx, cs, msg)
	}
}

func errorEvent(code, message string) types.ServerEvent {
	return types.ServerEvent{Type: "error", Data: types.ErrorEvent{Code: code, Message: message}}
}
