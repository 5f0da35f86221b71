package collab

import (
	"context"
	"testing"

	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttachSendsSnapshotAndJoin(t *testing.T) {
	d := newTestDeps()
	r := newTestRoom(d, nil)
	ctx := context.Background()

	alice := NewMockClient("alice", "Alice")
	r.Attach(ctx, alice)

	snapshots := alice.SentOfType(types.MsgRoomState)
	require.Len(t, snapshots, 1)
	assert.Equal(t, "artifact-1", snapshots[0].Data.String("artifact_id"))

	bob := NewMockClient("bob", "Bob")
	r.Attach(ctx, bob)

	// Bob gets a snapshot listing Alice; Alice gets user_join, not a snapshot.
	require.Len(t, bob.SentOfType(types.MsgRoomState), 1)
	joins := alice.SentOfType(types.MsgUserJoin)
	require.Len(t, joins, 1)
	assert.Equal(t, types.UserIDType("bob"), joins[0].UserID)
	assert.Empty(t, bob.SentOfType(types.MsgUserJoin))

	assert.True(t, r.HasUser("alice"))
	assert.True(t, r.HasUser("bob"))
	assert.Len(t, r.Users(), 2)
}

func TestDuplicateConnectionReplacesOld(t *testing.T) {
	d := newTestDeps()
	r := newTestRoom(d, nil)
	ctx := context.Background()

	first := NewMockClient("alice", "Alice")
	second := NewMockClient("alice", "Alice")
	r.Attach(ctx, first)
	r.Attach(ctx, second)

	assert.True(t, first.IsDisconnected())
	assert.False(t, second.IsDisconnected())
	assert.Len(t, r.Users(), 1)

	// The replaced connection's pump exit must not evict the new client.
	r.HandleClientDisconnect(first)
	assert.True(t, r.HasUser("alice"))
}

func TestDetachClearsEphemeralState(t *testing.T) {
	d := newTestDeps()
	r := newTestRoom(d, nil)
	ctx := context.Background()

	alice := NewMockClient("alice", "Alice")
	bob := NewMockClient("bob", "Bob")
	r.Attach(ctx, alice)
	r.Attach(ctx, bob)

	r.Deliver(ctx, alice, types.WSMessage{Type: types.MsgCursorMove, Data: types.JSONMap{"line": 3, "col": 7}})
	r.Deliver(ctx, alice, types.WSMessage{Type: types.MsgViewportChange, Data: types.JSONMap{"top_line": 1, "bottom_line": 40}})
	r.Deliver(ctx, alice, types.WSMessage{Type: types.MsgTypingStart})

	r.Detach(ctx, alice)

	r.mu.RLock()
	_, hasCursor := r.cursors["alice"]
	_, hasViewport := r.viewports["alice"]
	typing := r.typing.Has("alice")
	r.mu.RUnlock()
	assert.False(t, hasCursor)
	assert.False(t, hasViewport)
	assert.False(t, typing)

	leaves := bob.SentOfType(types.MsgUserLeave)
	require.Len(t, leaves, 1)
	assert.Equal(t, types.UserIDType("alice"), leaves[0].UserID)

	// Presence mirror was told to drop the user.
	assert.Contains(t, d.presence.removals, types.UserIDType("alice"))
}

func TestRoomLifecycleEmptyPopulatedEmpty(t *testing.T) {
	d := newTestDeps()
	var emptied []types.ArtifactIDType
	r := newTestRoom(d, func(id types.ArtifactIDType) { emptied = append(emptied, id) })
	ctx := context.Background()

	assert.True(t, r.IsEmpty())

	alice := NewMockClient("alice", "Alice")
	bob := NewMockClient("bob", "Bob")
	r.Attach(ctx, alice)
	r.Attach(ctx, bob)
	assert.False(t, r.IsEmpty())
	assert.Empty(t, emptied)

	r.Detach(ctx, alice)
	assert.Empty(t, emptied)

	r.Detach(ctx, bob)
	assert.True(t, r.IsEmpty())
	require.Len(t, emptied, 1)
	assert.Equal(t, types.ArtifactIDType("artifact-1"), emptied[0])

	// Join/leave made it into the activity log.
	assert.Contains(t, d.comments.activityTypes(), types.ActivityJoin)
	assert.Contains(t, d.comments.activityTypes(), types.ActivityLeave)
}

func TestBroadcastDetachesFailedRecipient(t *testing.T) {
	d := newTestDeps()
	r := newTestRoom(d, nil)
	ctx := context.Background()

	alice := NewMockClient("alice", "Alice")
	bob := NewMockClient("bob", "Bob")
	r.Attach(ctx, alice)
	r.Attach(ctx, bob)

	bob.FailSend = true
	r.Deliver(ctx, alice, types.WSMessage{Type: types.MsgCursorMove, Data: types.JSONMap{"line": 1, "col": 1}})

	assert.False(t, r.HasUser("bob"))
	assert.True(t, r.HasUser("alice"))
}

func TestSendToUser(t *testing.T) {
	d := newTestDeps()
	r := newTestRoom(d, nil)
	ctx := context.Background()

	alice := NewMockClient("alice", "Alice")
	r.Attach(ctx, alice)

	ok := r.SendToUser("alice", types.NewWSMessage(types.MsgNotification, "", types.JSONMap{"title": "hi"}))
	assert.True(t, ok)
	assert.Len(t, alice.SentOfType(types.MsgNotification), 1)

	ok = r.SendToUser("nobody", types.NewWSMessage(types.MsgNotification, "", nil))
	assert.False(t, ok)
}

func TestCloseDisconnectsAll(t *testing.T) {
	d := newTestDeps()
	r := newTestRoom(d, nil)
	ctx := context.Background()

	alice := NewMockClient("alice", "Alice")
	bob := NewMockClient("bob", "Bob")
	r.Attach(ctx, alice)
	r.Attach(ctx, bob)

	r.Close("shutdown")
	assert.True(t, alice.IsDisconnected())
	assert.True(t, bob.IsDisconnected())
}
