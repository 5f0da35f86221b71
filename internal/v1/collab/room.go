package collab

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/logging"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/metrics"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/presence"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/store"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/types"
	"go.uber.org/zap"
	"k8s.io/utils/set"
)

// defaultCommentLimit caps a get_comments response when the hub does not
// configure one.
const defaultCommentLimit = 100

// cursorState is one user's cursor plus optional selection.
type cursorState struct {
	Cursor    types.Cursor     `json:"cursor"`
	Selection *types.Selection `json:"selection,omitempty"`
}

// Room owns the live collaboration state of one artifact. All maps are keyed
// by user id and hold entries only while that user has a connected client.
type Room struct {
	ArtifactID types.ArtifactIDType

	mu        sync.RWMutex
	clients   map[types.UserIDType]types.ClientInterface
	cursors   map[types.UserIDType]*cursorState
	viewports map[types.UserIDType]types.Viewport
	typing    set.Set[string]

	createdAt    time.Time
	lastActivity time.Time

	onEmpty  func(types.ArtifactIDType)
	onDetach func(types.ClientInterface)
	deps     Deps

	// commentLimit caps a single get_comments response.
	commentLimit int

	ctx    context.Context
	cancel context.CancelFunc
}

// NewRoom creates an empty room for the artifact.
func NewRoom(ctx context.Context, artifactID types.ArtifactIDType, onEmpty func(types.ArtifactIDType), deps Deps) *Room {
	r := &Room{
		ArtifactID:   artifactID,
		clients:      make(map[types.UserIDType]types.ClientInterface),
		cursors:      make(map[types.UserIDType]*cursorState),
		viewports:    make(map[types.UserIDType]types.Viewport),
		typing:       set.New[string](),
		createdAt:    time.Now(),
		lastActivity: time.Now(),
		onEmpty:      onEmpty,
		deps:         deps,
		commentLimit: defaultCommentLimit,
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	return r
}

// Attach adds a client to the room. A second connection for the same user id
// replaces the first. The new client receives a room_state snapshot; peers
// receive user_join.
func (r *Room) Attach(ctx context.Context, client types.ClientInterface) {
	r.mu.Lock()

	if existing, ok := r.clients[client.GetUserID()]; ok {
		logging.Info(ctx, "Duplicate connection detected, replacing old client",
			zap.String("artifactId", string(r.ArtifactID)),
			zap.String("userId", string(client.GetUserID())))
		existing.Disconnect()
	}

	r.clients[client.GetUserID()] = client
	r.lastActivity = time.Now()
	occupancy := len(r.clients)
	r.mu.Unlock()

	metrics.RoomOccupancy.WithLabelValues(string(r.ArtifactID)).Set(float64(occupancy))

	_ = client.SendJSON(r.stateSnapshot())

	r.broadcast(types.NewWSMessage(types.MsgUserJoin, client.GetUserID(), types.JSONMap{
		"user": client.GetUserData(),
	}), client.GetUserID())

	r.recordActivity(ctx, client.GetUserID(), types.ActivityJoin, "joined the artifact", nil)
	if r.deps.Presence != nil {
		if err := r.deps.Presence.UpdatePresence(ctx, presence.Record{
			UserID:     client.GetUserID(),
			ArtifactID: r.ArtifactID,
			Status:     types.PresenceActive,
			SessionID:  client.GetSessionID(),
		}); err != nil {
			logging.Warn(ctx, "Failed to update presence on join", zap.Error(err))
		}
	}
}

// HandleClientDisconnect detaches a client after its read pump exits.
func (r *Room) HandleClientDisconnect(client types.ClientInterface) {
	r.Detach(context.Background(), client)
}

// Detach removes a client and every ephemeral entry keyed by its user id.
// Removing the last client hands the room to the hub for cleanup.
func (r *Room) Detach(ctx context.Context, client types.ClientInterface) {
	userID := client.GetUserID()

	r.mu.Lock()
	current, ok := r.clients[userID]
	if !ok || current != client {
		// Already replaced by a newer connection for the same user.
		r.mu.Unlock()
		client.Disconnect()
		if r.onDetach != nil {
			r.onDetach(client)
		}
		return
	}
	delete(r.clients, userID)
	delete(r.cursors, userID)
	delete(r.viewports, userID)
	r.typing.Delete(string(userID))
	r.lastActivity = time.Now()
	empty := len(r.clients) == 0
	occupancy := len(r.clients)
	r.mu.Unlock()

	client.Disconnect()
	if r.onDetach != nil {
		r.onDetach(client)
	}
	metrics.RoomOccupancy.WithLabelValues(string(r.ArtifactID)).Set(float64(occupancy))

	r.broadcast(types.NewWSMessage(types.MsgUserLeave, userID, types.JSONMap{
		"user": client.GetUserData(),
	}), userID)

	r.recordActivity(ctx, userID, types.ActivityLeave, "left the artifact", nil)
	if r.deps.Presence != nil {
		if err := r.deps.Presence.RemovePresence(ctx, userID, r.ArtifactID); err != nil {
			logging.Warn(ctx, "Failed to remove presence on leave", zap.Error(err))
		}
	}

	if empty && r.onEmpty != nil {
		r.onEmpty(r.ArtifactID)
	}
}

// IsEmpty reports whether the room has no clients.
func (r *Room) IsEmpty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients) == 0
}

// HasUser reports whether the user currently has a client here.
func (r *Room) HasUser(userID types.UserIDType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.clients[userID]
	return ok
}

// Users lists the display data of every connected user.
func (r *Room) Users() []types.UserData {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.UserData, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c.GetUserData())
	}
	return out
}

// UserIDs lists the ids of every connected user.
func (r *Room) UserIDs() []types.UserIDType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.UserIDType, 0, len(r.clients))
	for id := range r.clients {
		out = append(out, id)
	}
	return out
}

// SendToUser delivers a frame to one user if connected. Returns false when
// the user has no client here.
func (r *Room) SendToUser(userID types.UserIDType, msg types.WSMessage) bool {
	r.mu.RLock()
	client, ok := r.clients[userID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if err := client.SendJSON(msg); err != nil {
		r.Detach(context.Background(), client)
		return false
	}
	return true
}

// Close disconnects every client and cancels the room context.
func (r *Room) Close(reason string) {
	r.mu.Lock()
	targets := make([]types.ClientInterface, 0, len(r.clients))
	for _, c := range r.clients {
		targets = append(targets, c)
	}
	r.mu.Unlock()

	logging.Info(r.ctx, "Closing room",
		zap.String("artifactId", string(r.ArtifactID)), zap.String("reason", reason))
	r.cancel()

	for _, c := range targets {
		c.Disconnect()
	}
}

// broadcast fans a frame out to every client except exclude. The frame is
// marshalled once; recipients that cannot accept it are detached.
func (r *Room) broadcast(msg types.WSMessage, exclude types.UserIDType) {
	data, err := json.Marshal(msg)
	if err != nil {
		logging.Error(r.ctx, "Failed to marshal broadcast frame", zap.Error(err))
		return
	}

	r.mu.RLock()
	targets := make([]types.ClientInterface, 0, len(r.clients))
	for id, c := range r.clients {
		if id == exclude {
			continue
		}
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	var failed []types.ClientInterface
	for _, c := range targets {
		if err := r.sendSerialized(c, data, msg); err != nil {
			failed = append(failed, c)
		}
	}
	for _, c := range failed {
		logging.Warn(r.ctx, "Detaching unresponsive client",
			zap.String("userId", string(c.GetUserID())))
		r.Detach(context.Background(), c)
	}
}

// sendSerialized prefers the raw path for the concrete client and falls back
// to SendJSON for test doubles.
func (r *Room) sendSerialized(c types.ClientInterface, data []byte, msg types.WSMessage) error {
	if raw, ok := c.(*Client); ok {
		return raw.sendRaw(data)
	}
	return c.SendJSON(msg)
}

// stateSnapshot builds the room_state frame sent to newly attached clients.
func (r *Room) stateSnapshot() types.WSMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]types.UserData, 0, len(r.clients))
	for _, c := range r.clients {
		users = append(users, c.GetUserData())
	}
	cursors := make(map[string]*cursorState, len(r.cursors))
	for id, cs := range r.cursors {
		cursors[string(id)] = cs
	}
	viewports := make(map[string]types.Viewport, len(r.viewports))
	for id, vp := range r.viewports {
		viewports[string(id)] = vp
	}

	return types.NewWSMessage(types.MsgRoomState, "", types.JSONMap{
		"artifact_id": string(r.ArtifactID),
		"users":       users,
		"cursors":     cursors,
		"viewports":   viewports,
		"typing":      r.typing.SortedList(),
	})
}

// recordActivity appends to the artifact history log. Best effort.
func (r *Room) recordActivity(ctx context.Context, userID types.UserIDType, aType types.ActivityType, description string, data types.JSONMap) {
	if r.deps.Comments == nil {
		return
	}
	a := &store.Activity{
		ArtifactID:  string(r.ArtifactID),
		UserID:      string(userID),
		Type:        aType,
		Category:    "collaboration",
		Description: description,
		Data:        data,
	}
	if err := r.deps.Comments.RecordActivity(ctx, a); err != nil {
		logging.Warn(ctx, "Failed to record activity",
			zap.String("type", string(aType)), zap.Error(err))
	}
}
