package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/kv"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/store"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/types"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	events []store.PresenceEvent
}

func (r *recordingSink) RecordPresenceEvent(ctx context.Context, p *store.PresenceEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *p)
	return nil
}

func (r *recordingSink) byStatus(status types.PresenceStatus) []store.PresenceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []store.PresenceEvent
	for _, e := range r.events {
		if e.Status == status {
			out = append(out, e)
		}
	}
	return out
}

func newTestService(t *testing.T) (*Service, *recordingSink, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	sink := &recordingSink{}
	return NewService(kv.NewStoreFromClient(client), sink, DefaultTTL), sink, mr
}

func TestUpdateAndListArtifactPresence(t *testing.T) {
	s, sink, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, s.UpdatePresence(ctx, Record{
		UserID: "u1", ArtifactID: "a1", Status: types.PresenceActive,
	}))
	require.NoError(t, s.UpdatePresence(ctx, Record{
		UserID: "u2", ArtifactID: "a1", Status: types.PresenceAway,
	}))
	require.NoError(t, s.UpdatePresence(ctx, Record{
		UserID: "u3", ArtifactID: "a2", Status: types.PresenceActive,
	}))

	recs, err := s.ArtifactPresence(ctx, "a1")
	require.NoError(t, err)
	ids := make([]types.UserIDType, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.UserID)
	}
	assert.ElementsMatch(t, []types.UserIDType{"u1", "u2"}, ids)

	assert.Len(t, sink.byStatus(types.PresenceActive), 2)
}

func TestRemovePresenceWritesOfflineSnapshot(t *testing.T) {
	s, sink, mr := newTestService(t)
	ctx := context.Background()

	require.NoError(t, s.UpdatePresence(ctx, Record{UserID: "u1", ArtifactID: "a1"}))
	assert.True(t, mr.Exists("presence:a1:u1"))

	require.NoError(t, s.RemovePresence(ctx, "u1", "a1"))
	assert.False(t, mr.Exists("presence:a1:u1"))

	recs, err := s.ArtifactPresence(ctx, "a1")
	require.NoError(t, err)
	assert.Empty(t, recs)

	offline := sink.byStatus(types.PresenceOffline)
	require.Len(t, offline, 1)
	assert.Equal(t, "u1", offline[0].UserID)
}

func TestOfflineRecordsExcludedFromListing(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, s.UpdatePresence(ctx, Record{
		UserID: "u1", ArtifactID: "a1", Status: types.PresenceOffline,
	}))

	recs, err := s.ArtifactPresence(ctx, "a1")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestPartialUpdatesRefreshLastSeen(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, s.UpdatePresence(ctx, Record{UserID: "u1", ArtifactID: "a1"}))

	s.mu.Lock()
	before := s.records[recordKey{"u1", "a1"}].LastSeen
	s.mu.Unlock()

	time.Sleep(2 * time.Millisecond)
	require.NoError(t, s.UpdateCursor(ctx, "u1", "a1", types.Cursor{Line: 4, Column: 7}))
	require.NoError(t, s.UpdateActivity(ctx, "u1", "a1", types.ActivityEditing))

	s.mu.Lock()
	rec := s.records[recordKey{"u1", "a1"}]
	s.mu.Unlock()

	assert.True(t, rec.LastSeen.After(before))
	require.NotNil(t, rec.Cursor)
	assert.Equal(t, 4, rec.Cursor.Line)
	assert.Equal(t, types.ActivityEditing, rec.Activity)
}

func TestUserPresenceAcrossArtifacts(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, s.UpdatePresence(ctx, Record{UserID: "u1", ArtifactID: "a1"}))
	require.NoError(t, s.UpdatePresence(ctx, Record{UserID: "u1", ArtifactID: "a2"}))
	require.NoError(t, s.UpdatePresence(ctx, Record{UserID: "u2", ArtifactID: "a1"}))

	recs, err := s.UserPresence(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestNewerLastSeenWinsOnMerge(t *testing.T) {
	s, _, mr := newTestService(t)
	ctx := context.Background()

	require.NoError(t, s.UpdatePresence(ctx, Record{
		UserID: "u1", ArtifactID: "a1", Status: types.PresenceAway,
	}))

	// Another process wrote a newer record straight to the KV.
	remote := kv.NewStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	newer := Record{
		UserID: "u1", ArtifactID: "a1", Status: types.PresenceActive,
		LastSeen: time.Now().Add(time.Minute),
	}
	require.NoError(t, remote.SetJSON(ctx, "presence:a1:u1", newer, time.Hour))

	recs, err := s.ArtifactPresence(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, types.PresenceActive, recs[0].Status)
}

func TestCleanupExpiresStaleRecords(t *testing.T) {
	s, sink, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, s.UpdatePresence(ctx, Record{UserID: "u1", ArtifactID: "a1"}))

	// Age the record past the TTL, then sweep.
	s.mu.Lock()
	s.records[recordKey{"u1", "a1"}].LastSeen = time.Now().Add(-10 * time.Minute)
	s.mu.Unlock()

	s.cleanupStale(ctx)

	s.mu.RLock()
	_, ok := s.records[recordKey{"u1", "a1"}]
	s.mu.RUnlock()
	assert.False(t, ok)

	offline := sink.byStatus(types.PresenceOffline)
	require.Len(t, offline, 1)
	assert.Equal(t, "u1", offline[0].UserID)
}
