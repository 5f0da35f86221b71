// Package store is the durable persistence layer: comments, activity log,
// notifications, presence analytics, and the inference side tables. It wraps
// gorm over postgres; every operation runs under a bounded context and feeds
// the query metrics tracker.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/logging"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// DefaultOpTimeout bounds a single database operation.
const DefaultOpTimeout = 30 * time.Second

// Store provides all durable reads and writes for the collaboration core.
type Store struct {
	db        *gorm.DB
	opTimeout time.Duration
	tracker   *QueryTracker
}

// New opens the postgres pool, runs migrations, and returns a ready Store.
func New(dsn string, opTimeout time.Duration, maxOpen, maxIdle int) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access connection pool: %w", err)
	}
	if maxIdle <= 0 {
		maxIdle = 10
	}
	if maxOpen <= 0 {
		maxOpen = 100
	}
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(allModels()...); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logging.Info(context.Background(), "Connected to postgres")
	return NewFromDB(db, opTimeout), nil
}

// NewFromDB wraps an existing gorm handle. Used by tests.
func NewFromDB(db *gorm.DB, opTimeout time.Duration) *Store {
	if opTimeout <= 0 {
		opTimeout = DefaultOpTimeout
	}
	return &Store{db: db, opTimeout: opTimeout, tracker: NewQueryTracker()}
}

// QueryMetrics exposes the per-shape timing aggregates.
func (s *Store) QueryMetrics() map[string]QueryStats {
	return s.tracker.Snapshot()
}

// Ping checks database connectivity. Used by health checks.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	return sqlDB.PingContext(ctx)
}

// Close shuts down the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// run executes fn under the op timeout and records the shape's timing.
func (s *Store) run(ctx context.Context, shape string, fn func(tx *gorm.DB) error) error {
	opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	start := time.Now()
	err := fn(s.db.WithContext(opCtx))
	s.tracker.Record(shape, time.Since(start))

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return types.Wrap(types.KindNotFound, "record not found", err)
		}
		var kinded *types.Error
		if errors.As(err, &kinded) {
			return err
		}
		logging.Error(ctx, "Database operation failed", zap.String("shape", shape), zap.Error(err))
		return types.Wrap(types.KindStorage, "database operation failed", err)
	}
	return nil
}

// --- User directory ---

// UserExists reports whether the user id is known.
func (s *Store) UserExists(ctx context.Context, id types.UserIDType) (bool, error) {
	var count int64
	err := s.run(ctx, "user.exists", func(tx *gorm.DB) error {
		return tx.Model(&User{}).Where("id = ?", string(id)).Count(&count).Error
	})
	return count > 0, err
}

// DisplayName resolves the user's display name, falling back to the id.
func (s *Store) DisplayName(ctx context.Context, id types.UserIDType) (types.DisplayNameType, error) {
	var u User
	err := s.run(ctx, "user.get", func(tx *gorm.DB) error {
		return tx.First(&u, "id = ?", string(id)).Error
	})
	if err != nil {
		if types.KindOf(err) == types.KindNotFound {
			return types.DisplayNameType(id), nil
		}
		return "", err
	}
	if u.DisplayName != "" {
		return types.DisplayNameType(u.DisplayName), nil
	}
	return types.DisplayNameType(u.Username), nil
}

// UserIDByUsername resolves a @mention handle to a user id.
func (s *Store) UserIDByUsername(ctx context.Context, username string) (types.UserIDType, error) {
	var u User
	err := s.run(ctx, "user.by_username", func(tx *gorm.DB) error {
		return tx.First(&u, "username = ?", username).Error
	})
	if err != nil {
		return "", err
	}
	return types.UserIDType(u.ID), nil
}

// UpsertUser creates or refreshes a directory row from token claims.
func (s *Store) UpsertUser(ctx context.Context, u *User) error {
	return s.run(ctx, "user.upsert", func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"username", "display_name", "email", "avatar_url", "updated_at"}),
		}).Create(u).Error
	})
}

// --- Artifacts ---

// GetArtifact reads one artifact row.
func (s *Store) GetArtifact(ctx context.Context, id types.ArtifactIDType) (*Artifact, error) {
	var a Artifact
	err := s.run(ctx, "artifact.get", func(tx *gorm.DB) error {
		return tx.First(&a, "id = ?", string(id)).Error
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// SearchArtifactsKeyword runs a case-insensitive substring search over title,
// description, and content.
func (s *Store) SearchArtifactsKeyword(ctx context.Context, query string, limit int) ([]Artifact, error) {
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + strings.TrimSpace(query) + "%"
	var out []Artifact
	err := s.run(ctx, "artifact.search_keyword", func(tx *gorm.DB) error {
		return tx.
			Where("title ILIKE ? OR description ILIKE ? OR content ILIKE ?", pattern, pattern, pattern).
			Order("updated_at DESC").
			Limit(limit).
			Find(&out).Error
	})
	return out, err
}

// --- Comments ---

// CreateComment persists a new comment. The parent, when set, must be a
// comment on the same artifact.
func (s *Store) CreateComment(ctx context.Context, c *Comment) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.ContentType == "" {
		c.ContentType = "text"
	}
	return s.run(ctx, "comment.create", func(tx *gorm.DB) error {
		if c.ParentID != nil {
			var parent Comment
			if err := tx.First(&parent, "id = ?", *c.ParentID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return types.E(types.KindValidation, "parent comment does not exist")
				}
				return err
			}
			if parent.ArtifactID != c.ArtifactID {
				return types.E(types.KindValidation, "parent comment belongs to a different artifact")
			}
		}
		return tx.Create(c).Error
	})
}

// GetComment reads one comment.
func (s *Store) GetComment(ctx context.Context, id string) (*Comment, error) {
	var c Comment
	err := s.run(ctx, "comment.get", func(tx *gorm.DB) error {
		return tx.First(&c, "id = ?", id).Error
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListComments returns the most recent comments on an artifact, newest first.
func (s *Store) ListComments(ctx context.Context, artifactID types.ArtifactIDType, limit int) ([]Comment, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []Comment
	err := s.run(ctx, "comment.list", func(tx *gorm.DB) error {
		return tx.
			Where("artifact_id = ?", string(artifactID)).
			Order("created_at DESC").
			Limit(limit).
			Find(&out).Error
	})
	return out, err
}

// UpdateComment replaces a comment's content. Only the author may edit.
func (s *Store) UpdateComment(ctx context.Context, id string, authorID types.UserIDType, content string) (*Comment, error) {
	var c Comment
	err := s.run(ctx, "comment.update", func(tx *gorm.DB) error {
		if err := tx.First(&c, "id = ?", id).Error; err != nil {
			return err
		}
		if c.AuthorID != string(authorID) {
			return types.E(types.KindForbidden, "only the author can edit a comment")
		}
		c.Content = content
		c.Edited = true
		return tx.Model(&c).Select("content", "edited", "updated_at").Updates(&c).Error
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// DeleteComment soft-deletes a comment. Only the author may delete.
func (s *Store) DeleteComment(ctx context.Context, id string, authorID types.UserIDType) error {
	return s.run(ctx, "comment.delete", func(tx *gorm.DB) error {
		var c Comment
		if err := tx.First(&c, "id = ?", id).Error; err != nil {
			return err
		}
		if c.AuthorID != string(authorID) {
			return types.E(types.KindForbidden, "only the author can delete a comment")
		}
		return tx.Delete(&c).Error
	})
}

// ResolveComment sets or clears the resolved flag. The resolver is recorded
// only while resolved is true.
func (s *Store) ResolveComment(ctx context.Context, id string, resolverID types.UserIDType, resolved bool) (*Comment, error) {
	var c Comment
	err := s.run(ctx, "comment.resolve", func(tx *gorm.DB) error {
		if err := tx.First(&c, "id = ?", id).Error; err != nil {
			return err
		}
		c.Resolved = resolved
		if resolved {
			r := string(resolverID)
			c.ResolvedBy = &r
		} else {
			c.ResolvedBy = nil
		}
		return tx.Model(&c).Select("resolved", "resolved_by", "updated_at").Updates(map[string]any{
			"resolved":    c.Resolved,
			"resolved_by": c.ResolvedBy,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ToggleReaction flips userID's reaction under symbol and returns the updated
// comment plus whether the reaction was added.
func (s *Store) ToggleReaction(ctx context.Context, id string, userID types.UserIDType, symbol string) (*Comment, bool, error) {
	var c Comment
	var added bool
	err := s.run(ctx, "comment.react", func(tx *gorm.DB) error {
		if err := tx.First(&c, "id = ?", id).Error; err != nil {
			return err
		}
		added = c.ToggleReaction(symbol, string(userID))
		return tx.Model(&c).Select("reactions", "updated_at").Updates(map[string]any{
			"reactions": c.Reactions,
		}).Error
	})
	if err != nil {
		return nil, false, err
	}
	return &c, added, nil
}

// --- Activity log ---

// RecordActivity appends one event to the artifact history. Rows are never
// updated afterwards.
func (s *Store) RecordActivity(ctx context.Context, a *Activity) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return s.run(ctx, "activity.create", func(tx *gorm.DB) error {
		return tx.Create(a).Error
	})
}

// ListActivities pages through an artifact's history, newest first.
func (s *Store) ListActivities(ctx context.Context, artifactID types.ArtifactIDType, limit, offset int) ([]Activity, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []Activity
	err := s.run(ctx, "activity.list", func(tx *gorm.DB) error {
		return tx.
			Where("artifact_id = ?", string(artifactID)).
			Order("created_at DESC").
			Limit(limit).
			Offset(offset).
			Find(&out).Error
	})
	return out, err
}

// --- Notifications ---

// CreateNotification persists a new notification row.
func (s *Store) CreateNotification(ctx context.Context, n *Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	return s.run(ctx, "notification.create", func(tx *gorm.DB) error {
		return tx.Create(n).Error
	})
}

// ListNotifications returns a user's notifications, newest first.
func (s *Store) ListNotifications(ctx context.Context, userID types.UserIDType, unreadOnly bool, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []Notification
	err := s.run(ctx, "notification.list", func(tx *gorm.DB) error {
		q := tx.Where("recipient_id = ?", string(userID))
		if unreadOnly {
			q = q.Where("read = ?", false)
		}
		return q.Order("created_at DESC").Limit(limit).Find(&out).Error
	})
	return out, err
}

// MarkNotificationRead marks one notification read. Re-marking an already
// read notification is a no-op. Only the recipient may mark it.
func (s *Store) MarkNotificationRead(ctx context.Context, id string, userID types.UserIDType) error {
	return s.run(ctx, "notification.mark_read", func(tx *gorm.DB) error {
		var n Notification
		if err := tx.First(&n, "id = ?", id).Error; err != nil {
			return err
		}
		if n.RecipientID != string(userID) {
			return types.E(types.KindForbidden, "notification belongs to another user")
		}
		if n.Read {
			return nil
		}
		now := time.Now()
		return tx.Model(&n).Updates(map[string]any{"read": true, "read_at": &now}).Error
	})
}

// MarkAllNotificationsRead marks every unread notification for the user and
// returns how many rows changed.
func (s *Store) MarkAllNotificationsRead(ctx context.Context, userID types.UserIDType) (int64, error) {
	var affected int64
	now := time.Now()
	err := s.run(ctx, "notification.mark_all_read", func(tx *gorm.DB) error {
		res := tx.Model(&Notification{}).
			Where("recipient_id = ? AND read = ?", string(userID), false).
			Updates(map[string]any{"read": true, "read_at": &now})
		affected = res.RowsAffected
		return res.Error
	})
	return affected, err
}

// NotificationCounts summarizes a user's notification backlog.
type NotificationCounts struct {
	Total  int64 `json:"total"`
	Unread int64 `json:"unread"`
	Urgent int64 `json:"urgent"`
}

// CountNotifications returns total, unread, and unread-urgent counts.
func (s *Store) CountNotifications(ctx context.Context, userID types.UserIDType) (NotificationCounts, error) {
	var counts NotificationCounts
	err := s.run(ctx, "notification.counts", func(tx *gorm.DB) error {
		if err := tx.Model(&Notification{}).Where("recipient_id = ?", string(userID)).Count(&counts.Total).Error; err != nil {
			return err
		}
		if err := tx.Model(&Notification{}).Where("recipient_id = ? AND read = ?", string(userID), false).Count(&counts.Unread).Error; err != nil {
			return err
		}
		return tx.Model(&Notification{}).
			Where("recipient_id = ? AND read = ? AND priority = ?", string(userID), false, string(types.PriorityUrgent)).
			Count(&counts.Urgent).Error
	})
	return counts, err
}

// AppendDeliveredChannel records that the notification went out on channel.
// The channel must be one the notification requested.
func (s *Store) AppendDeliveredChannel(ctx context.Context, id, channel string) error {
	return s.run(ctx, "notification.delivered", func(tx *gorm.DB) error {
		var n Notification
		if err := tx.First(&n, "id = ?", id).Error; err != nil {
			return err
		}
		if !n.Channels.Contains(channel) {
			return types.E(types.KindValidation, "channel was not requested for this notification")
		}
		if n.DeliveredChannels.Contains(channel) {
			return nil
		}
		delivered := append(n.DeliveredChannels, channel)
		return tx.Model(&n).Update("delivered_channels", delivered).Error
	})
}

// --- Presence analytics ---

// RecordPresenceEvent appends a durable snapshot of live presence state.
func (s *Store) RecordPresenceEvent(ctx context.Context, p *PresenceEvent) error {
	return s.run(ctx, "presence.record", func(tx *gorm.DB) error {
		return tx.Create(p).Error
	})
}

// --- Inference side tables ---

// SaveEmbedding upserts the artifact's embedding vector.
func (s *Store) SaveEmbedding(ctx context.Context, e *ArtifactEmbedding) error {
	e.Dim = len(e.Vector)
	return s.run(ctx, "embedding.save", func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "artifact_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"vector", "dim", "model", "updated_at"}),
		}).Create(e).Error
	})
}

// ListEmbeddings returns every stored embedding. The semantic search path
// scores these in memory.
func (s *Store) ListEmbeddings(ctx context.Context) ([]ArtifactEmbedding, error) {
	var out []ArtifactEmbedding
	err := s.run(ctx, "embedding.list", func(tx *gorm.DB) error {
		return tx.Find(&out).Error
	})
	return out, err
}

// ReplaceTags swaps the generated tag set for an artifact.
func (s *Store) ReplaceTags(ctx context.Context, artifactID types.ArtifactIDType, names []string, source string) error {
	return s.run(ctx, "tag.replace", func(tx *gorm.DB) error {
		return tx.Transaction(func(tx *gorm.DB) error {
			if err := tx.Where("artifact_id = ? AND source = ?", string(artifactID), source).Delete(&Tag{}).Error; err != nil {
				return err
			}
			for _, name := range names {
				t := Tag{ArtifactID: string(artifactID), Name: name, Source: source}
				if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&t).Error; err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// ArtifactTags lists the tag names attached to an artifact.
func (s *Store) ArtifactTags(ctx context.Context, artifactID types.ArtifactIDType) ([]string, error) {
	var names []string
	err := s.run(ctx, "tag.list", func(tx *gorm.DB) error {
		return tx.Model(&Tag{}).Where("artifact_id = ?", string(artifactID)).Pluck("name", &names).Error
	})
	return names, err
}

// RelatedArtifactIDs finds artifacts sharing the most tags with the given
// one, strongest overlap first.
func (s *Store) RelatedArtifactIDs(ctx context.Context, artifactID types.ArtifactIDType, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 10
	}
	var ids []string
	err := s.run(ctx, "tag.related", func(tx *gorm.DB) error {
		return tx.Model(&Tag{}).
			Select("artifact_id").
			Where("artifact_id <> ?", string(artifactID)).
			Where("name IN (?)", tx.Session(&gorm.Session{NewDB: true}).Model(&Tag{}).
				Select("name").Where("artifact_id = ?", string(artifactID))).
			Group("artifact_id").
			Order("COUNT(*) DESC").
			Limit(limit).
			Pluck("artifact_id", &ids).Error
	})
	return ids, err
}

// SaveClassificationResult records a completed pipeline run.
func (s *Store) SaveClassificationResult(ctx context.Context, r *ClassificationResult) error {
	return s.run(ctx, "classification.save", func(tx *gorm.DB) error {
		return tx.Create(r).Error
	})
}

// RecordSearchQuery logs a search execution for analytics.
func (s *Store) RecordSearchQuery(ctx context.Context, q *SearchQuery) error {
	return s.run(ctx, "search.record", func(tx *gorm.DB) error {
		return tx.Create(q).Error
	})
}

// RecordModelMetric logs one inference backend call.
func (s *Store) RecordModelMetric(ctx context.Context, m *ModelMetric) error {
	return s.run(ctx, "model_metric.record", func(tx *gorm.DB) error {
		return tx.Create(m).Error
	})
}
