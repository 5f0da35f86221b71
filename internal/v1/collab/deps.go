// Package collab is the real-time collaboration hub: per-artifact rooms of
// WebSocket clients exchanging cursor, selection, typing, and comment events.
// Ephemeral state lives in the Room; comments and activity write through to
// the durable store before fanout.
package collab

import (
	"context"

	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/notifications"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/presence"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/store"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/types"
)

// CommentStore is the durable persistence the hub writes through to.
// *store.Store implements it.
type CommentStore interface {
	CreateComment(ctx context.Context, c *store.Comment) error
	GetComment(ctx context.Context, id string) (*store.Comment, error)
	UpdateComment(ctx context.Context, id string, author types.UserIDType, content string) (*store.Comment, error)
	DeleteComment(ctx context.Context, id string, author types.UserIDType) error
	ListComments(ctx context.Context, artifact types.ArtifactIDType, limit int) ([]store.Comment, error)
	RecordActivity(ctx context.Context, a *store.Activity) error
}

// Notifier creates and delivers notifications. *notifications.Service
// implements it.
type Notifier interface {
	MentionNotification(ctx context.Context, mentioned, author types.UserIDType, artifact types.ArtifactIDType, commentID, excerpt string) (*store.Notification, error)
	CommentReplyNotification(ctx context.Context, parentAuthor, replier types.UserIDType, artifact types.ArtifactIDType, commentID, excerpt string) (*store.Notification, error)
	ArtifactUpdateNotification(ctx context.Context, recipients []types.UserIDType, updater types.UserIDType, artifact types.ArtifactIDType, description string) error
	Subscribe(user types.UserIDType, fn notifications.Subscriber) string
	Unsubscribe(user types.UserIDType, id string)
}

// PresenceTracker mirrors room membership into the presence service.
// *presence.Service implements it.
type PresenceTracker interface {
	UpdatePresence(ctx context.Context, rec presence.Record) error
	RemovePresence(ctx context.Context, user types.UserIDType, artifact types.ArtifactIDType) error
	UpdateCursor(ctx context.Context, user types.UserIDType, artifact types.ArtifactIDType, cursor types.Cursor) error
	UpdateActivity(ctx context.Context, user types.UserIDType, artifact types.ArtifactIDType, activity types.ActivityLabel) error
}

// Deps bundles the services a Room needs. Any field may be nil; the room
// skips that concern.
type Deps struct {
	Comments CommentStore
	Notifier Notifier
	Presence PresenceTracker
	Users    types.UserDirectory
}
