package history

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/oklog/ulid/v2"

	"github.com/kiautoagent/orchestrator/internal/logging"
	"github.com/kiautoagent/orchestrator/internal/storage"
	"github.com/kiautoagent/orchestrator/pkg/types"
)

const (
	defaultMaxMessagesPerSession = 200
	defaultMaxSessions           = 500

	// titleMaxLen is the number of characters kept from a session's first
	// user message before appending an ellipsis.
	titleMaxLen = 50
)

var historyRoot = []string{"history"}

func sessionPath(id string) []string { return []string{"history", id} }

// History is the conversation history store: an append-only per-session
// message log with a per-session retention cap and LRU eviction across
// sessions, persisted through storage.Storage.
type History struct {
	store *storage.Storage

	maxMessagesPerSession int

	mu         sync.Mutex // guards writeLocks only; sessions is self-synchronized
	writeLocks map[string]*sync.Mutex
	sessions   *lru.Cache // sessionID -> struct{}, eviction deletes the session

	idMu    sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// New creates a History backed by store, hydrating its LRU index from any
// sessions already on disk. maxMessagesPerSession and maxSessions fall
// back to sane defaults when <= 0 — retention is never disabled outright,
// matching the rule that all retention limits are honored on every
// mutation.
func New(ctx context.Context, store *storage.Storage, maxMessagesPerSession, maxSessions int) (*History, error) {
	if maxMessagesPerSession <= 0 {
		maxMessagesPerSession = defaultMaxMessagesPerSession
	}
	if maxSessions <= 0 {
		maxSessions = defaultMaxSessions
	}

	h := &History{
		store:                 store,
		maxMessagesPerSession: maxMessagesPerSession,
		writeLocks:            make(map[string]*sync.Mutex),
		entropy:               ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}

	cache, err := lru.NewWithEvict(maxSessions, h.onEvict)
	if err != nil {
		return nil, fmt.Errorf("history: create session index: %w", err)
	}
	h.sessions = cache

	if err := h.hydrate(ctx); err != nil {
		return nil, err
	}
	return h, nil
}

// hydrate populates the LRU index from sessions already persisted, oldest
// last-modified first, so the most recently touched session on disk ends
// up most-recently-used in the cache.
func (h *History) hydrate(ctx context.Context) error {
	ids, err := h.store.List(ctx, historyRoot)
	if err != nil {
		return fmt.Errorf("history: list existing sessions: %w", err)
	}

	type stamped struct {
		id  string
		mod int64
	}
	var found []stamped
	for _, id := range ids {
		var session types.ConversationSession
		if err := h.store.Get(ctx, sessionPath(id), &session); err != nil {
			continue
		}
		found = append(found, stamped{id: id, mod: session.LastModifiedAt})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].mod < found[j].mod })
	for _, s := range found {
		h.sessions.Add(s.id, struct{}{})
	}
	return nil
}

// onEvict is the LRU eviction callback: it deletes the evicted session's
// persisted state. Eviction can happen from any Add, off the caller's
// context, so it uses a background one.
func (h *History) onEvict(key, _ any) {
	id, _ := key.(string)
	if id == "" {
		return
	}
	if err := h.store.Delete(context.Background(), sessionPath(id)); err != nil {
		logging.Logger.Warn().Str("session", id).Err(err).Msg("history: evict session")
	}
	h.mu.Lock()
	delete(h.writeLocks, id)
	h.mu.Unlock()
}

func (h *History) lockFor(id string) *sync.Mutex {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.writeLocks[id]
	if !ok {
		l = &sync.Mutex{}
		h.writeLocks[id] = l
	}
	return l
}

func (h *History) newID() string {
	h.idMu.Lock()
	defer h.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), h.entropy).String()
}

// CreateSession persists a new, empty session and returns it.
func (h *History) CreateSession(ctx context.Context, title string) (*types.ConversationSession, error) {
	now := time.Now().UnixMilli()
	session := &types.ConversationSession{
		ID:             h.newID(),
		Title:          title,
		CreatedAt:      now,
		LastModifiedAt: now,
	}

	l := h.lockFor(session.ID)
	l.Lock()
	defer l.Unlock()

	if err := h.store.Put(ctx, sessionPath(session.ID), session); err != nil {
		return nil, fmt.Errorf("history: create session: %w", err)
	}
	h.sessions.Add(session.ID, struct{}{})
	return session, nil
}

// AddMessage appends msg to sessionID, enforcing the per-session message
// cap (oldest dropped first) and deriving the session title from the
// first user message. Timestamps are forced strictly increasing within
// the session: a non-increasing Timestamp is bumped to one millisecond
// past the previous message.
func (h *History) AddMessage(ctx context.Context, sessionID string, msg types.ConversationMessage) error {
	l := h.lockFor(sessionID)
	l.Lock()
	defer l.Unlock()

	var session types.ConversationSession
	if err := h.store.Get(ctx, sessionPath(sessionID), &session); err != nil {
		return fmt.Errorf("history: session %s: %w", sessionID, types.ErrStore)
	}

	if msg.Timestamp <= 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	if n := len(session.Messages); n > 0 && msg.Timestamp <= session.Messages[n-1].Timestamp {
		msg.Timestamp = session.Messages[n-1].Timestamp + 1
	}

	if len(session.Messages) == 0 && msg.Role == types.RoleUser {
		session.Title = deriveTitle(msg.Content)
	}

	session.Messages = append(session.Messages, msg)
	if over := len(session.Messages) - h.maxMessagesPerSession; over > 0 {
		session.Messages = session.Messages[over:]
	}
	session.LastModifiedAt = msg.Timestamp

	if err := h.store.Put(ctx, sessionPath(sessionID), &session); err != nil {
		return fmt.Errorf("history: add message to %s: %w", sessionID, err)
	}
	h.sessions.Add(sessionID, struct{}{})
	return nil
}

// GetCurrentMessages returns up to limit of sessionID's most recent
// messages, oldest first. limit <= 0 returns the full retained log.
func (h *History) GetCurrentMessages(ctx context.Context, sessionID string, limit int) ([]types.ConversationMessage, error) {
	l := h.lockFor(sessionID)
	l.Lock()
	defer l.Unlock()

	var session types.ConversationSession
	if err := h.store.Get(ctx, sessionPath(sessionID), &session); err != nil {
		return nil, fmt.Errorf("history: session %s: %w", sessionID, types.ErrStore)
	}
	h.sessions.Add(sessionID, struct{}{})

	if limit <= 0 || limit >= len(session.Messages) {
		return session.Messages, nil
	}
	return session.Messages[len(session.Messages)-limit:], nil
}

// TruncateTo trims sessionID's message log back to its first keep
// messages, discarding everything after. Used by a workflow rollback to
// restore the conversation to its pre-workflow marker; keep >= the
// current length is a no-op.
func (h *History) TruncateTo(ctx context.Context, sessionID string, keep int) error {
	l := h.lockFor(sessionID)
	l.Lock()
	defer l.Unlock()

	var session types.ConversationSession
	if err := h.store.Get(ctx, sessionPath(sessionID), &session); err != nil {
		return fmt.Errorf("history: session %s: %w", sessionID, types.ErrStore)
	}

	if keep < 0 {
		keep = 0
	}
	if keep >= len(session.Messages) {
		return nil
	}
	session.Messages = session.Messages[:keep]
	session.LastModifiedAt = time.Now().UnixMilli()

	if err := h.store.Put(ctx, sessionPath(sessionID), &session); err != nil {
		return fmt.Errorf("history: truncate %s: %w", sessionID, err)
	}
	h.sessions.Add(sessionID, struct{}{})
	return nil
}

// ListSessions returns every retained session, most recently modified
// first.
func (h *History) ListSessions(ctx context.Context) ([]*types.ConversationSession, error) {
	var sessions []*types.ConversationSession
	for _, key := range h.sessions.Keys() {
		id, _ := key.(string)
		var session types.ConversationSession
		if err := h.store.Get(ctx, sessionPath(id), &session); err != nil {
			continue
		}
		sessions = append(sessions, &session)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastModifiedAt > sessions[j].LastModifiedAt
	})
	return sessions, nil
}

// Clear removes sessionID, or every session when sessionID is empty.
// Removal (explicit or LRU-driven) always runs through onEvict, which
// deletes the session's persisted state.
func (h *History) Clear(ctx context.Context, sessionID string) error {
	if sessionID != "" {
		h.sessions.Remove(sessionID)
		return nil
	}
	for _, key := range h.sessions.Keys() {
		h.sessions.Remove(key)
	}
	return nil
}

// Export marshals sessionID as indented JSON, byte-stable given identical
// content and order.
func (h *History) Export(ctx context.Context, sessionID string) ([]byte, error) {
	l := h.lockFor(sessionID)
	l.Lock()
	defer l.Unlock()

	var session types.ConversationSession
	if err := h.store.Get(ctx, sessionPath(sessionID), &session); err != nil {
		return nil, fmt.Errorf("history: session %s: %w", sessionID, types.ErrStore)
	}
	return marshalStable(&session)
}

// Import replaces (or creates) a session from previously exported JSON.
func (h *History) Import(ctx context.Context, data []byte) (*types.ConversationSession, error) {
	session, err := unmarshalSession(data)
	if err != nil {
		return nil, fmt.Errorf("history: import: %w", err)
	}
	if session.ID == "" {
		session.ID = h.newID()
	}

	l := h.lockFor(session.ID)
	l.Lock()
	defer l.Unlock()

	if err := h.store.Put(ctx, sessionPath(session.ID), session); err != nil {
		return nil, fmt.Errorf("history: import session %s: %w", session.ID, err)
	}
	h.sessions.Add(session.ID, struct{}{})
	return session, nil
}

// deriveTitle applies the "first 50 characters, plus ellipsis if
// truncated" session-title rule to a user message's content.
func deriveTitle(content string) string {
	content = strings.TrimSpace(content)
	if content == "" {
		return "New Session"
	}
	runes := []rune(content)
	if len(runes) <= titleMaxLen {
		return content
	}
	return string(runes[:titleMaxLen]) + "..."
}
