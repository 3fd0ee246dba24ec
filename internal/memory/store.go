package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/kiautoagent/orchestrator/internal/logging"
	"github.com/kiautoagent/orchestrator/pkg/types"
)

// SearchOptions narrows a Search call.
type SearchOptions struct {
	K             int
	Type          types.MemoryType // zero value: any type
	Agent         string           // empty: any agent
	MinSimilarity float64
}

// Store is the in-process vector memory store: a content-addressed map of
// MemoryEntry plus by-type and by-agent indexes, kept consistent under
// every mutation. All exported methods are safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*types.MemoryEntry
	byType  map[types.MemoryType]map[string]struct{}
	byAgent map[string]map[string]struct{}

	encoder     Encoder
	maxMemories int
	idMu        sync.Mutex
	entropy     *ulid.MonotonicEntropy

	patterns []types.MemoryPattern
	clusters []types.MemoryCluster
	dirty    bool // set on store/delete; cleared after pattern/cluster recompute
}

// New creates an empty Store. maxMemories <= 0 disables the forgetting
// policy.
func New(encoder Encoder, maxMemories int) *Store {
	if encoder == nil {
		encoder = NewHashEncoder()
	}
	return &Store{
		entries:     make(map[string]*types.MemoryEntry),
		byType:      make(map[types.MemoryType]map[string]struct{}),
		byAgent:     make(map[string]map[string]struct{}),
		encoder:     encoder,
		maxMemories: maxMemories,
		entropy:     ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

// StoreEntry encodes content and adds a new entry, returning its id. Fails only
// if the encoder fails.
func (s *Store) StoreEntry(ctx context.Context, agentID string, content any, typ types.MemoryType, importance *float64) (string, error) {
	embedding, err := s.encoder.Encode(ctx, content)
	if err != nil {
		return "", fmt.Errorf("encode memory content: %w", err)
	}
	embedding = normalize(embedding)

	imp := typ.DefaultImportance()
	if importance != nil {
		imp = *importance
	}

	id := s.newID()
	now := time.Now()
	entry := &types.MemoryEntry{
		ID:        id,
		AgentID:   agentID,
		CreatedAt: now.UnixMilli(),
		Content:   content,
		Embedding: embedding,
		Type:      typ,
		Metadata: types.MemoryMetadata{
			Importance:     imp,
			AccessCount:    0,
			LastAccessedAt: now.UnixMilli(),
			Version:        1,
		},
	}

	s.mu.Lock()
	s.insertLocked(entry)
	s.dirty = true
	needsForgetting := s.maxMemories > 0 && len(s.entries) > s.maxMemories
	s.mu.Unlock()

	if needsForgetting {
		s.forget()
	}
	s.recomputePatternsAndClusters()

	return id, nil
}

// Get returns a copy of the entry and bumps its access bookkeeping, or
// types.ErrStore-wrapping error if not found.
func (s *Store) Get(id string) (types.MemoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return types.MemoryEntry{}, fmt.Errorf("memory entry %s: %w", id, types.ErrStore)
	}
	entry.Metadata.AccessCount++
	entry.Metadata.LastAccessedAt = time.Now().UnixMilli()
	return *entry, nil
}

// Update regenerates the embedding for id from newContent and replaces its
// metadata, bumping Version. Returns types.ErrStore if id is unknown.
func (s *Store) Update(ctx context.Context, id string, newContent any, metadata *types.MemoryMetadata) error {
	embedding, err := s.encoder.Encode(ctx, newContent)
	if err != nil {
		return fmt.Errorf("encode memory content: %w", err)
	}
	embedding = normalize(embedding)

	s.mu.Lock()
	entry, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("memory entry %s: %w", id, types.ErrStore)
	}
	entry.Content = newContent
	entry.Embedding = embedding
	if metadata != nil {
		metadata.Version = entry.Metadata.Version + 1
		entry.Metadata = *metadata
	} else {
		entry.Metadata.Version++
	}
	s.dirty = true
	s.mu.Unlock()

	s.recomputePatternsAndClusters()
	return nil
}

// Delete removes id from the primary map and both indexes. Deleting an
// unknown id is a no-op.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteLocked(id)
	s.dirty = true
}

// Search returns entries ordered by descending relevance. It never fails;
// an empty or impossible query simply yields fewer (or zero) results.
func (s *Store) Search(ctx context.Context, query any, opts SearchOptions) []types.ScoredMemory {
	queryVec, err := s.encoder.Encode(ctx, query)
	if err != nil {
		logging.Logger.Warn().Err(err).Msg("memory search: query encode failed, returning no results")
		return nil
	}
	queryVec = normalize(queryVec)

	k := opts.K
	if k <= 0 {
		k = 10
	}

	s.mu.RLock()
	candidates := s.candidateIDsLocked(opts)
	now := time.Now()
	scored := make([]types.ScoredMemory, 0, len(candidates))
	for id := range candidates {
		entry := s.entries[id]
		sim := cosineSimilarity(queryVec, entry.Embedding)
		if sim < opts.MinSimilarity {
			continue
		}
		rel := relevance(sim, *entry, now)
		scored = append(scored, types.ScoredMemory{Entry: *entry, Similarity: sim, Relevance: rel})
	}
	s.mu.RUnlock()

	sortScoredByRelevanceDesc(scored)
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored
}

// candidateIDsLocked must be called with s.mu held (read or write).
func (s *Store) candidateIDsLocked(opts SearchOptions) map[string]struct{} {
	switch {
	case opts.Type != "" && opts.Agent != "":
		out := make(map[string]struct{})
		for id := range s.byType[opts.Type] {
			if _, ok := s.byAgent[opts.Agent][id]; ok {
				out[id] = struct{}{}
			}
		}
		return out
	case opts.Type != "":
		return s.byType[opts.Type]
	case opts.Agent != "":
		return s.byAgent[opts.Agent]
	default:
		out := make(map[string]struct{}, len(s.entries))
		for id := range s.entries {
			out[id] = struct{}{}
		}
		return out
	}
}

// relevance implements 0.4*similarity + 0.2*recency + 0.3*importance +
// 0.1*min(1, access_count/100), recency = 1/(1+age_days).
func relevance(similarity float64, entry types.MemoryEntry, now time.Time) float64 {
	ageDays := now.Sub(time.UnixMilli(entry.CreatedAt)).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	recency := 1 / (1 + ageDays)
	accessTerm := float64(entry.Metadata.AccessCount) / 100
	if accessTerm > 1 {
		accessTerm = 1
	}
	return 0.4*similarity + 0.2*recency + 0.3*entry.Metadata.Importance + 0.1*accessTerm
}

// Stats computes counts and access summaries over the current entry set.
func (s *Store) Stats() types.MemoryStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := types.MemoryStats{
		ByType:       make(map[types.MemoryType]int),
		ByAgent:      make(map[string]int),
		PatternCount: len(s.patterns),
		ClusterCount: len(s.clusters),
	}

	var totalAccess int
	top := make([]accessCount, 0, len(s.entries))

	for id, e := range s.entries {
		stats.TotalMemories++
		stats.ByType[e.Type]++
		stats.ByAgent[e.AgentID]++
		totalAccess += e.Metadata.AccessCount
		top = append(top, accessCount{id: id, count: e.Metadata.AccessCount})
	}

	if stats.TotalMemories > 0 {
		stats.AvgAccessCount = float64(totalAccess) / float64(stats.TotalMemories)
	}

	sortAccessedDesc(top)
	limit := 10
	if len(top) < limit {
		limit = len(top)
	}
	for i := 0; i < limit; i++ {
		stats.TopAccessed = append(stats.TopAccessed, top[i].id)
	}

	return stats
}

// exportedStore is the on-wire shape for Export/Import.
type exportedStore struct {
	Entries []types.MemoryEntry `json:"entries"`
}

// Export serializes every entry to JSON.
func (s *Store) Export() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := exportedStore{Entries: make([]types.MemoryEntry, 0, len(s.entries))}
	for _, e := range s.entries {
		out.Entries = append(out.Entries, *e)
	}
	return json.Marshal(out)
}

// Import rebuilds the store from previously Exported bytes. It either
// replaces the entire state (indexes included) atomically, or rejects the
// input and leaves the store untouched.
func (s *Store) Import(data []byte) error {
	var in exportedStore
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("import memory store: %w", err)
	}

	entries := make(map[string]*types.MemoryEntry, len(in.Entries))
	byType := make(map[types.MemoryType]map[string]struct{})
	byAgent := make(map[string]map[string]struct{})

	for i := range in.Entries {
		e := in.Entries[i]
		entries[e.ID] = &e
		addToIndex(byType, e.Type, e.ID)
		addToIndex(byAgent, e.AgentID, e.ID)
	}

	s.mu.Lock()
	s.entries = entries
	s.byType = byType
	s.byAgent = byAgent
	s.dirty = true
	s.mu.Unlock()

	s.recomputePatternsAndClusters()
	return nil
}

func (s *Store) insertLocked(entry *types.MemoryEntry) {
	s.entries[entry.ID] = entry
	addToIndex(s.byType, entry.Type, entry.ID)
	addToIndex(s.byAgent, entry.AgentID, entry.ID)
}

func (s *Store) deleteLocked(id string) {
	entry, ok := s.entries[id]
	if !ok {
		return
	}
	delete(s.entries, id)
	if set, ok := s.byType[entry.Type]; ok {
		delete(set, id)
	}
	if set, ok := s.byAgent[entry.AgentID]; ok {
		delete(set, id)
	}
}

func addToIndex[K comparable](index map[K]map[string]struct{}, key K, id string) {
	set, ok := index[key]
	if !ok {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[id] = struct{}{}
}

func (s *Store) newID() string {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}
