// Package api exposes the collaboration core over HTTP: comment CRUD,
// activity and presence reads, notification management, and the ML surface
// (classification, tagging, search, related artifacts, agent invocation).
// Routing is gin; handlers depend on consumer-side interfaces so tests run
// against in-memory fakes.
package api

import (
	"context"

	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/agents"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/inference"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/metrics"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/presence"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/store"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/types"
)

// DataStore is the durable persistence the HTTP surface reads and writes.
// *store.Store implements it.
type DataStore interface {
	CreateComment(ctx context.Context, c *store.Comment) error
	GetComment(ctx context.Context, id string) (*store.Comment, error)
	UpdateComment(ctx context.Context, id string, author types.UserIDType, content string) (*store.Comment, error)
	DeleteComment(ctx context.Context, id string, author types.UserIDType) error
	ListComments(ctx context.Context, artifact types.ArtifactIDType, limit int) ([]store.Comment, error)
	ResolveComment(ctx context.Context, id string, resolver types.UserIDType, resolved bool) (*store.Comment, error)
	ToggleReaction(ctx context.Context, id string, user types.UserIDType, symbol string) (*store.Comment, bool, error)

	RecordActivity(ctx context.Context, a *store.Activity) error
	ListActivities(ctx context.Context, artifact types.ArtifactIDType, limit, offset int) ([]store.Activity, error)

	GetArtifact(ctx context.Context, id types.ArtifactIDType) (*store.Artifact, error)
	SearchArtifactsKeyword(ctx context.Context, query string, limit int) ([]store.Artifact, error)
	ListEmbeddings(ctx context.Context) ([]store.ArtifactEmbedding, error)
	RelatedArtifactIDs(ctx context.Context, artifact types.ArtifactIDType, limit int) ([]string, error)
	ReplaceTags(ctx context.Context, artifact types.ArtifactIDType, names []string, source string) error
	RecordSearchQuery(ctx context.Context, q *store.SearchQuery) error

	QueryMetrics() map[string]store.QueryStats
}

// Notifier is the notification service surface. *notifications.Service
// implements it.
type Notifier interface {
	List(ctx context.Context, user types.UserIDType, unreadOnly bool, limit int) ([]store.Notification, error)
	MarkRead(ctx context.Context, id string, user types.UserIDType) error
	MarkAllRead(ctx context.Context, user types.UserIDType) (int64, error)
	Counts(ctx context.Context, user types.UserIDType) (store.NotificationCounts, error)
	MentionNotification(ctx context.Context, mentioned, author types.UserIDType, artifact types.ArtifactIDType, commentID, excerpt string) (*store.Notification, error)
	CommentReplyNotification(ctx context.Context, parentAuthor, replier types.UserIDType, artifact types.ArtifactIDType, commentID, excerpt string) (*store.Notification, error)
}

// PresenceReader reads live presence. *presence.Service implements it.
type PresenceReader interface {
	ArtifactPresence(ctx context.Context, artifact types.ArtifactIDType) ([]presence.Record, error)
}

// InferenceRunner is the pipeline surface. *inference.Pipeline implements it.
type InferenceRunner interface {
	Submit(ctx context.Context, req *inference.Request) (*inference.Result, error)
	ProcessBatch(ctx context.Context, reqs []*inference.Request, concurrency int) []*inference.Result
	Result(ctx context.Context, requestID string) (*inference.Result, bool)
}

// AgentInvoker dispatches named agent tasks. *agents.Bridge implements it.
type AgentInvoker interface {
	Invoke(ctx context.Context, name string, task types.JSONMap) agents.Result
	Agents() []string
}

// RoomBroadcaster pushes frames into live rooms. *collab.Hub implements it.
type RoomBroadcaster interface {
	BroadcastToArtifact(artifact types.ArtifactIDType, msg types.WSMessage)
	ActiveUsers(artifact types.ArtifactIDType) []types.UserData
}

// Deps bundles everything the HTTP handlers need. Users resolves mention
// handles; Collector feeds the internal metrics summary. Notifier, Presence,
// Hub, and Collector may be nil; the affected routes degrade.
type Deps struct {
	Store     DataStore
	Notifier  Notifier
	Presence  PresenceReader
	Pipeline  InferenceRunner
	Agents    AgentInvoker
	Hub       RoomBroadcaster
	Users     types.UserDirectory
	Embedder  inference.Embedder
	Collector *metrics.Collector
}
