package memory

import (
	"context"
	"testing"
	"time"

	"github.com/kiautoagent/orchestrator/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_StoreAndGet(t *testing.T) {
	s := New(NewHashEncoder(), 0)
	ctx := context.Background()

	id, err := s.StoreEntry(ctx, "architect", "design the auth module", types.MemorySemantic, nil)
	require.NoError(t, err)

	entry, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "architect", entry.AgentID)
	assert.Equal(t, types.MemorySemantic, entry.Type)
	assert.InDelta(t, types.MemorySemantic.DefaultImportance(), entry.Metadata.Importance, 1e-9)
}

func TestStore_Get_UnknownID(t *testing.T) {
	s := New(NewHashEncoder(), 0)
	_, err := s.Get("does-not-exist")
	assert.Error(t, err)
}

func TestStore_Search_FindsSimilarContent(t *testing.T) {
	s := New(NewHashEncoder(), 0)
	ctx := context.Background()

	_, _ = s.StoreEntry(ctx, "a", "implement the login handler", types.MemoryEpisodic, nil)
	_, _ = s.StoreEntry(ctx, "a", "implement the login handler", types.MemoryEpisodic, nil)
	_, _ = s.StoreEntry(ctx, "a", "bake a loaf of sourdough bread", types.MemoryEpisodic, nil)

	results := s.Search(ctx, "implement the login handler", SearchOptions{K: 5})
	require.NotEmpty(t, results)
	assert.Equal(t, 1.0, results[0].Similarity) // identical content, identical hash vector
}

func TestStore_Search_FiltersByTypeAndAgent(t *testing.T) {
	s := New(NewHashEncoder(), 0)
	ctx := context.Background()

	_, _ = s.StoreEntry(ctx, "architect", "plan the schema", types.MemoryProcedural, nil)
	_, _ = s.StoreEntry(ctx, "reviewer", "plan the schema", types.MemoryProcedural, nil)

	results := s.Search(ctx, "plan the schema", SearchOptions{K: 10, Agent: "architect"})
	for _, r := range results {
		assert.Equal(t, "architect", r.Entry.AgentID)
	}
}

func TestStore_Search_EmptyStoreReturnsNoResults(t *testing.T) {
	s := New(NewHashEncoder(), 0)
	results := s.Search(context.Background(), "anything", SearchOptions{})
	assert.Empty(t, results)
}

func TestStore_Update_RegeneratesEmbeddingAndBumpsVersion(t *testing.T) {
	s := New(NewHashEncoder(), 0)
	ctx := context.Background()

	id, _ := s.StoreEntry(ctx, "a", "old content", types.MemorySemantic, nil)
	before, _ := s.Get(id)

	err := s.Update(ctx, id, "new content", nil)
	require.NoError(t, err)

	after, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "new content", after.Content)
	assert.Greater(t, after.Metadata.Version, before.Metadata.Version)
}

func TestStore_Delete_RemovesFromIndexes(t *testing.T) {
	s := New(NewHashEncoder(), 0)
	ctx := context.Background()

	id, _ := s.StoreEntry(ctx, "a", "ephemeral note", types.MemoryEpisodic, nil)
	s.Delete(id)

	_, err := s.Get(id)
	assert.Error(t, err)

	results := s.Search(ctx, "ephemeral note", SearchOptions{Agent: "a"})
	assert.Empty(t, results)
}

func TestStore_ExportImport_RoundTrip(t *testing.T) {
	s := New(NewHashEncoder(), 0)
	ctx := context.Background()
	id, _ := s.StoreEntry(ctx, "a", "roundtrip me", types.MemorySemantic, nil)

	data, err := s.Export()
	require.NoError(t, err)

	fresh := New(NewHashEncoder(), 0)
	require.NoError(t, fresh.Import(data))

	entry, err := fresh.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "roundtrip me", entry.Content)
}

func TestStore_Import_RejectsMalformedInput(t *testing.T) {
	s := New(NewHashEncoder(), 0)
	err := s.Import([]byte("not json"))
	assert.Error(t, err)
}

func TestStore_Forgetting_EvictsDownToFloor(t *testing.T) {
	s := New(NewHashEncoder(), 10)
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		_, _ = s.StoreEntry(ctx, "a", i, types.MemoryEpisodic, nil)
	}

	stats := s.Stats()
	// Forgetting triggers once count exceeds 10, evicting down to the 50%
	// floor (5); one more insert after that lands at 6.
	assert.LessOrEqual(t, stats.TotalMemories, 6)
}

func TestStore_Stats_CountsByTypeAndAgent(t *testing.T) {
	s := New(NewHashEncoder(), 0)
	ctx := context.Background()

	_, _ = s.StoreEntry(ctx, "a", "x", types.MemorySemantic, nil)
	_, _ = s.StoreEntry(ctx, "b", "y", types.MemoryEpisodic, nil)

	stats := s.Stats()
	assert.Equal(t, 2, stats.TotalMemories)
	assert.Equal(t, 1, stats.ByType[types.MemorySemantic])
	assert.Equal(t, 1, stats.ByAgent["b"])
}

func TestRelevance_WeightsSimilarityRecencyImportanceAccess(t *testing.T) {
	entry := types.MemoryEntry{
		CreatedAt: 0,
		Metadata:  types.MemoryMetadata{Importance: 1, AccessCount: 100},
	}
	// similarity=1, recency~0 (very old), importance=1, access term=1
	got := relevance(1, entry, time.Now())
	assert.InDelta(t, 0.4+0.3+0.1, got, 0.01)
}
