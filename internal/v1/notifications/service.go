// Package notifications creates, stores, and delivers user notifications.
// Creation persists the row, mirrors it into a capped per-user cache, and
// enqueues it for the single background delivery consumer; the websocket
// channel fans out to registered subscriber callbacks.
package notifications

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/logging"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/metrics"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/store"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MaxCachedPerUser caps the in-memory recent-notification list per user.
const MaxCachedPerUser = 100

// deliveryQueueSize bounds the FIFO delivery queue. Creation blocks briefly
// rather than dropping when the consumer falls behind.
const deliveryQueueSize = 1024

// Store is the durable persistence the service needs. *store.Store
// implements it.
type Store interface {
	CreateNotification(ctx context.Context, n *store.Notification) error
	ListNotifications(ctx context.Context, userID types.UserIDType, unreadOnly bool, limit int) ([]store.Notification, error)
	MarkNotificationRead(ctx context.Context, id string, userID types.UserIDType) error
	MarkAllNotificationsRead(ctx context.Context, userID types.UserIDType) (int64, error)
	CountNotifications(ctx context.Context, userID types.UserIDType) (store.NotificationCounts, error)
	AppendDeliveredChannel(ctx context.Context, id, channel string) error
}

// Subscriber receives live notifications for one user.
type Subscriber func(n store.Notification)

// CreateParams carries the optional fields of Create.
type CreateParams struct {
	ArtifactID        types.ArtifactIDType
	Priority          types.NotificationPriority
	Channels          []string
	RelatedCommentID  string
	RelatedActivityID string
	RelatedUserID     string
	Data              types.JSONMap
}

// Service is safe for concurrent use. The mutex guards the per-user cache
// and the subscriber registry; durable writes happen outside the lock.
type Service struct {
	mu          sync.Mutex
	recent      map[types.UserIDType][]store.Notification
	subscribers map[types.UserIDType]map[string]Subscriber

	store Store
	users types.UserDirectory
	queue chan store.Notification

	wg sync.WaitGroup
}

// NewService builds a notification service. Run must be started for
// deliveries to flow.
func NewService(st Store, users types.UserDirectory) *Service {
	return &Service{
		recent:      make(map[types.UserIDType][]store.Notification),
		subscribers: make(map[types.UserIDType]map[string]Subscriber),
		store:       st,
		users:       users,
		queue:       make(chan store.Notification, deliveryQueueSize),
	}
}

// Create persists a notification, caches it, and enqueues it for delivery.
func (s *Service) Create(ctx context.Context, recipient types.UserIDType, nType types.NotificationType, title, message string, p CreateParams) (*store.Notification, error) {
	if recipient == "" {
		return nil, types.E(types.KindValidation, "notification recipient is required")
	}
	if p.Priority == "" {
		p.Priority = types.PriorityNormal
	}
	if len(p.Channels) == 0 {
		p.Channels = []string{types.ChannelWebsocket}
	}

	n := store.Notification{
		ID:          uuid.NewString(),
		RecipientID: string(recipient),
		ArtifactID:  string(p.ArtifactID),
		Type:        nType,
		Title:       title,
		Message:     message,
		Priority:    p.Priority,
		Channels:    types.StringList(p.Channels),
		Data:        p.Data,
		CreatedAt:   time.Now(),
	}
	if p.RelatedCommentID != "" {
		n.RelatedCommentID = &p.RelatedCommentID
	}
	if p.RelatedActivityID != "" {
		n.RelatedActivityID = &p.RelatedActivityID
	}
	if p.RelatedUserID != "" {
		n.RelatedUserID = &p.RelatedUserID
	}

	if err := s.store.CreateNotification(ctx, &n); err != nil {
		return nil, err
	}

	s.cacheRecent(n)

	select {
	case s.queue <- n:
	case <-ctx.Done():
		return &n, ctx.Err()
	}
	return &n, nil
}

// MentionNotification notifies mentioned about being @-mentioned in a
// comment. Mentions are high priority.
func (s *Service) MentionNotification(ctx context.Context, mentioned, author types.UserIDType, artifactID types.ArtifactIDType, commentID, excerpt string) (*store.Notification, error) {
	name := s.displayName(ctx, author)
	return s.Create(ctx, mentioned, types.NotifyMention,
		fmt.Sprintf("%s mentioned you", name),
		excerpt,
		CreateParams{
			ArtifactID:       artifactID,
			Priority:         types.PriorityHigh,
			RelatedCommentID: commentID,
			RelatedUserID:    string(author),
		})
}

// CommentReplyNotification notifies the parent comment's author of a reply.
// Replies to one's own comment are suppressed.
func (s *Service) CommentReplyNotification(ctx context.Context, parentAuthor, replier types.UserIDType, artifactID types.ArtifactIDType, commentID, excerpt string) (*store.Notification, error) {
	if parentAuthor == replier {
		return nil, nil
	}
	name := s.displayName(ctx, replier)
	return s.Create(ctx, parentAuthor, types.NotifyCommentReply,
		fmt.Sprintf("%s replied to your comment", name),
		excerpt,
		CreateParams{
			ArtifactID:       artifactID,
			RelatedCommentID: commentID,
			RelatedUserID:    string(replier),
		})
}

// ArtifactUpdateNotification notifies recipients that updater changed the
// artifact. The updater is skipped.
func (s *Service) ArtifactUpdateNotification(ctx context.Context, recipients []types.UserIDType, updater types.UserIDType, artifactID types.ArtifactIDType, description string) error {
	name := s.displayName(ctx, updater)
	var firstErr error
	for _, recipient := range recipients {
		if recipient == updater {
			continue
		}
		_, err := s.Create(ctx, recipient, types.NotifyArtifactUpdate,
			fmt.Sprintf("%s updated an artifact", name),
			description,
			CreateParams{
				ArtifactID:    artifactID,
				RelatedUserID: string(updater),
			})
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// MarkRead marks one notification read and syncs the in-memory copy.
func (s *Service) MarkRead(ctx context.Context, id string, user types.UserIDType) error {
	if err := s.store.MarkNotificationRead(ctx, id, user); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for i := range s.recent[user] {
		if s.recent[user][i].ID == id && !s.recent[user][i].Read {
			s.recent[user][i].Read = true
			s.recent[user][i].ReadAt = &now
		}
	}
	return nil
}

// MarkAllRead marks all of a user's notifications read.
func (s *Service) MarkAllRead(ctx context.Context, user types.UserIDType) (int64, error) {
	affected, err := s.store.MarkAllNotificationsRead(ctx, user)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for i := range s.recent[user] {
		if !s.recent[user][i].Read {
			s.recent[user][i].Read = true
			s.recent[user][i].ReadAt = &now
		}
	}
	return affected, nil
}

// List returns the user's notifications, newest first.
func (s *Service) List(ctx context.Context, user types.UserIDType, unreadOnly bool, limit int) ([]store.Notification, error) {
	return s.store.ListNotifications(ctx, user, unreadOnly, limit)
}

// Counts returns total/unread/urgent counts for the user.
func (s *Service) Counts(ctx context.Context, user types.UserIDType) (store.NotificationCounts, error) {
	return s.store.CountNotifications(ctx, user)
}

// Recent returns the in-memory cached notifications for a user, newest
// first. It never touches the database.
func (s *Service) Recent(user types.UserIDType) []store.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Notification, len(s.recent[user]))
	copy(out, s.recent[user])
	return out
}

// Subscribe registers a live delivery callback for the user and returns the
// subscription id used to Unsubscribe.
func (s *Service) Subscribe(user types.UserIDType, fn Subscriber) string {
	id := uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscribers[user] == nil {
		s.subscribers[user] = make(map[string]Subscriber)
	}
	s.subscribers[user][id] = fn
	return id
}

// Unsubscribe removes a previously registered callback.
func (s *Service) Unsubscribe(user types.UserIDType, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if subs := s.subscribers[user]; subs != nil {
		delete(subs, id)
		if len(subs) == 0 {
			delete(s.subscribers, user)
		}
	}
}

// Run consumes the delivery queue until ctx is cancelled, then drains what
// is already queued before returning.
func (s *Service) Run(ctx context.Context) {
	s.wg.Add(1)
	defer s.wg.Done()

	for {
		select {
		case n := <-s.queue:
			s.deliver(ctx, n)
		case <-ctx.Done():
			for {
				select {
				case n := <-s.queue:
					s.deliver(context.WithoutCancel(ctx), n)
				default:
					return
				}
			}
		}
	}
}

// Wait blocks until the delivery consumer has exited.
func (s *Service) Wait() {
	s.wg.Wait()
}

// deliver dispatches one notification to each requested channel, at most
// once per channel. Email and push are recognized but not yet implemented.
func (s *Service) deliver(ctx context.Context, n store.Notification) {
	for _, channel := range n.Channels {
		switch channel {
		case types.ChannelWebsocket:
			delivered := s.fanOut(n)
			if !delivered {
				metrics.NotificationsDelivered.WithLabelValues(channel, "no_subscriber").Inc()
				continue
			}
		case types.ChannelEmail, types.ChannelPush:
			// TODO: wire the email/push providers once those services exist.
			metrics.NotificationsDelivered.WithLabelValues(channel, "skipped").Inc()
			continue
		default:
			metrics.NotificationsDelivered.WithLabelValues(channel, "unknown").Inc()
			continue
		}

		if err := s.store.AppendDeliveredChannel(ctx, n.ID, channel); err != nil {
			logging.Warn(ctx, "Failed to record delivered channel",
				zap.String("notification_id", n.ID), zap.String("channel", channel), zap.Error(err))
			metrics.NotificationsDelivered.WithLabelValues(channel, "record_failed").Inc()
			continue
		}
		metrics.NotificationsDelivered.WithLabelValues(channel, "delivered").Inc()
	}
}

// fanOut invokes every subscriber callback for the recipient. Returns false
// when no subscriber is registered.
func (s *Service) fanOut(n store.Notification) bool {
	s.mu.Lock()
	subs := make([]Subscriber, 0, len(s.subscribers[types.UserIDType(n.RecipientID)]))
	for _, fn := range s.subscribers[types.UserIDType(n.RecipientID)] {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(n)
	}
	return len(subs) > 0
}

// cacheRecent prepends n to the user's cache, trimming past the cap.
func (s *Service) cacheRecent(n store.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := types.UserIDType(n.RecipientID)
	list := append([]store.Notification{n}, s.recent[user]...)
	if len(list) > MaxCachedPerUser {
		list = list[:MaxCachedPerUser]
	}
	s.recent[user] = list
}

func (s *Service) displayName(ctx context.Context, user types.UserIDType) string {
	if s.users == nil {
		return string(user)
	}
	name, err := s.users.DisplayName(ctx, user)
	if err != nil || name == "" {
		return string(user)
	}
	return string(name)
}
