package ctxbus

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kiautoagent/orchestrator/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_UpdateAndGet(t *testing.T) {
	b := New()
	defer b.Close()

	cv, err := b.Update("architect", "plan", "draft-1", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cv.Version)

	got, ok := b.Get("plan")
	require.True(t, ok)
	assert.Equal(t, "draft-1", got.Value)
}

func TestBus_VersionsAreStrictlyIncreasing(t *testing.T) {
	b := New()
	defer b.Close()

	var last int64
	for i := 0; i < 5; i++ {
		cv, err := b.Update("a", "k", i, nil)
		require.NoError(t, err)
		assert.Greater(t, cv.Version, last)
		last = cv.Version
	}
}

func TestBus_History_ReturnsOldestFirstBoundedByLimit(t *testing.T) {
	b := New()
	defer b.Close()

	for i := 0; i < 4; i++ {
		_, _ = b.Update("a", "k", i, nil)
	}

	h := b.History("k", 2)
	require.Len(t, h, 2)
	assert.Equal(t, 2, h[0].Value)
	assert.Equal(t, 3, h[1].Value)
}

func TestBus_Subscribe_DoesNotReceiveOwnWrites(t *testing.T) {
	b := New()
	defer b.Close()

	received := make(chan types.ContextValue, 4)
	unsub := b.Subscribe("architect", nil, func(cv types.ContextValue) error {
		received <- cv
		return nil
	})
	defer unsub()

	_, _ = b.Update("architect", "plan", "own-write", nil)
	_, _ = b.Update("reviewer", "plan", "other-write", nil)

	select {
	case cv := <-received:
		assert.Equal(t, "other-write", cv.Value)
	case <-time.After(time.Second):
		t.Fatal("expected a notification for the other agent's write")
	}

	select {
	case cv := <-received:
		t.Fatalf("did not expect a second notification, got %+v", cv)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_Subscribe_DeliversInVersionOrderUnderConcurrentWriters(t *testing.T) {
	b := New()
	defer b.Close()

	const writers = 8
	const perWriter = 20

	var mu sync.Mutex
	var versions []int64
	unsub := b.Subscribe("observer", nil, func(cv types.ContextValue) error {
		mu.Lock()
		versions = append(versions, cv.Version)
		mu.Unlock()
		return nil
	})
	defer unsub()

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, _ = b.Update(fmt.Sprintf("writer-%d", w), "shared", i, nil)
			}
		}(w)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, versions, writers*perWriter)
	for i := 1; i < len(versions); i++ {
		assert.Less(t, versions[i-1], versions[i], "subscriber observed a version out of order")
	}
}

func TestBus_Subscribe_FilterExcludesNonMatchingKeys(t *testing.T) {
	b := New()
	defer b.Close()

	received := make(chan types.ContextValue, 4)
	unsub := b.Subscribe("architect", func(cv types.ContextValue) bool {
		return cv.Key == "wanted"
	}, func(cv types.ContextValue) error {
		received <- cv
		return nil
	})
	defer unsub()

	_, _ = b.Update("reviewer", "unwanted", "x", nil)
	_, _ = b.Update("reviewer", "wanted", "y", nil)

	select {
	case cv := <-received:
		assert.Equal(t, "wanted", cv.Key)
	case <-time.After(time.Second):
		t.Fatal("expected a notification for the filtered-in key")
	}
}

func TestBus_Subscribe_Unsubscribe(t *testing.T) {
	b := New()
	defer b.Close()

	received := make(chan types.ContextValue, 4)
	unsub := b.Subscribe("architect", nil, func(cv types.ContextValue) error {
		received <- cv
		return nil
	})
	unsub()

	_, _ = b.Update("reviewer", "plan", "x", nil)

	select {
	case cv := <-received:
		t.Fatalf("unsubscribed callback should not fire, got %+v", cv)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBus_Subscribe_CallbackErrorIsolatedAndReported(t *testing.T) {
	b := New()
	defer b.Close()

	boom := errors.New("boom")
	unsub1 := b.Subscribe("broken", nil, func(types.ContextValue) error { return boom })
	defer unsub1()

	gotSecond := make(chan struct{}, 1)
	unsub2 := b.Subscribe("fine", nil, func(types.ContextValue) error {
		gotSecond <- struct{}{}
		return nil
	})
	defer unsub2()

	_, _ = b.Update("writer", "k", "v", nil)

	select {
	case <-gotSecond:
	case <-time.After(time.Second):
		t.Fatal("second subscriber should still have been delivered to")
	}

	select {
	case se := <-b.Errors():
		assert.Equal(t, "broken", se.Agent)
		assert.ErrorIs(t, se.Err, boom)
	case <-time.After(time.Second):
		t.Fatal("expected a SubscriberError on the errors channel")
	}
}

func TestBus_Lock_BlocksOtherAgentUntilReleased(t *testing.T) {
	b := New()
	defer b.Close()

	require.NoError(t, b.AcquireLock("architect", "k", time.Second))

	err := b.AcquireLock("reviewer", "k", 50*time.Millisecond)
	assert.Error(t, err)

	b.ReleaseLock("architect", "k")
	assert.NoError(t, b.AcquireLock("reviewer", "k", time.Second))
	b.ReleaseLock("reviewer", "k")
}

func TestBus_Lock_ReentrantForSameAgent(t *testing.T) {
	b := New()
	defer b.Close()

	require.NoError(t, b.AcquireLock("architect", "k", time.Second))
	require.NoError(t, b.AcquireLock("architect", "k", time.Second))
	b.ReleaseLock("architect", "k")
	// still held once more, a second agent must still be blocked
	assert.Error(t, b.AcquireLock("reviewer", "k", 50*time.Millisecond))
	b.ReleaseLock("architect", "k")
	assert.NoError(t, b.AcquireLock("reviewer", "k", time.Second))
}

func TestBus_Lock_ReleaseIsIdempotent(t *testing.T) {
	b := New()
	defer b.Close()

	b.ReleaseLock("nobody", "k") // never acquired, must not panic or error
	require.NoError(t, b.AcquireLock("architect", "k", time.Second))
	b.ReleaseLock("architect", "k")
	b.ReleaseLock("architect", "k") // already released, still a no-op
}

func TestBus_Update_DoesNotBlockOnOwnLock(t *testing.T) {
	b := New()
	defer b.Close()

	require.NoError(t, b.AcquireLock("architect", "k", time.Second))
	defer b.ReleaseLock("architect", "k")

	_, err := b.Update("architect", "k", "v", nil)
	assert.NoError(t, err)
}

func TestBus_Merge_DefaultResolverIsLastWriterWins(t *testing.T) {
	b := New()
	defer b.Close()

	err := b.Merge([]types.ContextValue{
		{Key: "k", Value: "older", WriterAgentID: "a", Timestamp: 100},
		{Key: "k", Value: "newer", WriterAgentID: "b", Timestamp: 200},
	}, nil)
	require.NoError(t, err)

	got, ok := b.Get("k")
	require.True(t, ok)
	assert.Equal(t, "newer", got.Value)
}

func TestBus_Merge_CustomResolver(t *testing.T) {
	b := New()
	defer b.Close()

	err := b.Merge([]types.ContextValue{
		{Key: "k", Value: 3, WriterAgentID: "a", Timestamp: 100},
		{Key: "k", Value: 7, WriterAgentID: "b", Timestamp: 50},
	}, func(a, c types.ContextValue) types.ContextValue {
		if a.Value.(int) > c.Value.(int) {
			return a
		}
		return c
	})
	require.NoError(t, err)

	got, _ := b.Get("k")
	assert.Equal(t, 7, got.Value)
}

func TestBus_SnapshotRestore_RoundTripsValuesNotHistory(t *testing.T) {
	b := New()
	defer b.Close()

	_, _ = b.Update("a", "k1", "v1", nil)
	_, _ = b.Update("a", "k2", "v2", nil)
	snap := b.Snapshot()

	_, _ = b.Update("a", "k1", "v1-changed", nil)
	_, _ = b.Update("a", "k3", "v3", nil)

	b.Restore(snap)

	v1, ok := b.Get("k1")
	require.True(t, ok)
	assert.Equal(t, "v1", v1.Value)

	_, ok = b.Get("k3")
	assert.False(t, ok, "restore must drop keys written after the snapshot")

	// history predating the restore is preserved, not replayed/reset
	assert.Len(t, b.History("k1", 0), 2)
}

func TestBus_Restore_NotifiesSubscribers(t *testing.T) {
	b := New()
	defer b.Close()

	received := make(chan types.ContextValue, 1)
	unsub := b.Subscribe("watcher", nil, func(cv types.ContextValue) error {
		received <- cv
		return nil
	})
	defer unsub()

	b.Restore(types.ContextSnapshot{Version: 42, Values: map[string]any{"k": "v"}})

	select {
	case cv := <-received:
		assert.Equal(t, contextRestoredKey, cv.Key)
	case <-time.After(time.Second):
		t.Fatal("expected a context-restored notification")
	}
}
