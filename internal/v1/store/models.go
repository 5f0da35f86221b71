package store

import (
	"time"

	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/types"
	"gorm.io/gorm"
)

// User is the directory row behind types.UserDirectory lookups.
type User struct {
	ID          string `gorm:"primaryKey"`
	Username    string `gorm:"uniqueIndex"`
	DisplayName string
	Email       string
	AvatarURL   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Artifact mirrors the externally-owned artifact entity. The collaboration
// core only reads it (owner, title, content for inference and search).
type Artifact struct {
	ID          string `gorm:"primaryKey"`
	OwnerID     string `gorm:"index"`
	Title       string
	Description string
	Content     string
	FileType    string
	Language    string
	Checksum    string
	Size        int64
	Status      string `gorm:"default:active"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Comment is a threaded discussion entry anchored to an artifact.
type Comment struct {
	ID          string  `gorm:"primaryKey"`
	ArtifactID  string  `gorm:"index"`
	AuthorID    string  `gorm:"index"`
	ParentID    *string `gorm:"index"`
	Content     string
	ContentType string `gorm:"default:text"`
	// Position anchors an inline comment to a location in the artifact.
	Position   types.JSONMap `gorm:"type:jsonb"`
	Edited     bool
	Resolved   bool
	ResolvedBy *string
	// Reactions maps reaction symbol to the list of user ids who reacted.
	Reactions types.JSONMap    `gorm:"type:jsonb"`
	Mentions  types.StringList `gorm:"type:jsonb"`
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

// ToggleReaction adds userID under symbol, or removes it when already
// present. Returns true when the reaction was added. Symbols with no
// remaining reactors are dropped from the map.
func (c *Comment) ToggleReaction(symbol, userID string) bool {
	if c.Reactions == nil {
		c.Reactions = types.JSONMap{}
	}
	users := c.Reactions.Strings(symbol)
	for i, u := range users {
		if u == userID {
			users = append(users[:i], users[i+1:]...)
			if len(users) == 0 {
				delete(c.Reactions, symbol)
			} else {
				c.Reactions[symbol] = toAnySlice(users)
			}
			return false
		}
	}
	c.Reactions[symbol] = toAnySlice(append(users, userID))
	return true
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// Activity is one row of the append-only artifact history log.
type Activity struct {
	ID               string `gorm:"primaryKey"`
	ArtifactID       string `gorm:"index"`
	UserID           string `gorm:"index"`
	Type             types.ActivityType
	Category         string
	Description      string
	Data             types.JSONMap `gorm:"type:jsonb"`
	Visibility       string        `gorm:"default:public"`
	RelatedCommentID *string
	RelatedUserID    *string
	CreatedAt        time.Time
}

// Notification is a directed message awaiting delivery and acknowledgement.
type Notification struct {
	ID                string `gorm:"primaryKey"`
	RecipientID       string `gorm:"index"`
	ArtifactID        string
	Type              types.NotificationType
	Title             string
	Message           string
	Priority          types.NotificationPriority `gorm:"default:normal"`
	Channels          types.StringList           `gorm:"type:jsonb"`
	DeliveredChannels types.StringList           `gorm:"type:jsonb"`
	Read              bool
	ReadAt            *time.Time
	ScheduledFor      *time.Time
	RelatedCommentID  *string
	RelatedActivityID *string
	RelatedUserID     *string
	Data              types.JSONMap `gorm:"type:jsonb"`
	CreatedAt         time.Time
}

// PresenceEvent is the durable analytics trail of live presence state.
// Rows are append-only; the authoritative live state lives in the KV store.
type PresenceEvent struct {
	ID         uint   `gorm:"primaryKey"`
	UserID     string `gorm:"index:idx_presence_user_artifact"`
	ArtifactID string `gorm:"index:idx_presence_user_artifact"`
	SessionID  string
	Status     types.PresenceStatus
	Activity   types.ActivityLabel
	Cursor     types.JSONMap `gorm:"type:jsonb"`
	Viewport   types.JSONMap `gorm:"type:jsonb"`
	Metadata   types.JSONMap `gorm:"type:jsonb"`
	LastSeen   time.Time
	CreatedAt  time.Time
}

// Tag labels an artifact, either manually or from the inference pipeline.
type Tag struct {
	ID         uint   `gorm:"primaryKey"`
	ArtifactID string `gorm:"uniqueIndex:idx_artifact_tag"`
	Name       string `gorm:"uniqueIndex:idx_artifact_tag"`
	Source     string `gorm:"default:generated"`
	Confidence float64
	CreatedAt  time.Time
}

// ArtifactEmbedding holds the latest embedding vector for an artifact.
type ArtifactEmbedding struct {
	ArtifactID string          `gorm:"primaryKey"`
	Vector     types.FloatList `gorm:"type:jsonb"`
	Dim        int
	Model      string
	UpdatedAt  time.Time
}

// SearchQuery records one search execution for analytics.
type SearchQuery struct {
	ID          uint   `gorm:"primaryKey"`
	UserID      string `gorm:"index"`
	Query       string
	Mode        string
	ResultCount int
	DurationMs  int64
	CreatedAt   time.Time
}

// ClassificationResult is the durable record of one pipeline run.
type ClassificationResult struct {
	ID              uint   `gorm:"primaryKey"`
	RequestID       string `gorm:"index"`
	ArtifactID      *string
	UserID          string
	Language        string
	ContentType     string
	ProjectCategory string
	QualityScore    float64
	Tags            types.StringList `gorm:"type:jsonb"`
	ProcessingMs    int64
	CacheHit        bool
	CreatedAt       time.Time
}

// ModelMetric records latency and outcome of one inference backend call.
type ModelMetric struct {
	ID         uint `gorm:"primaryKey"`
	Model      string
	Operation  string
	DurationMs int64
	Success    bool
	CreatedAt  time.Time
}

func allModels() []any {
	return []any{
		&User{}, &Artifact{}, &Comment{}, &Activity{}, &Notification{},
		&PresenceEvent{}, &Tag{}, &ArtifactEmbedding{}, &SearchQuery{},
		&ClassificationResult{}, &ModelMetric{},
	}
}
