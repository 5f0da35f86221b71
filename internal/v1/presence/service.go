// Package presence tracks which users are on which artifacts and what they
// are doing. Live state lives in an in-process map mirrored to the shared KV
// with a 5-minute TTL; durable snapshots feed analytics.
package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/kv"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/logging"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/store"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/types"
	"go.uber.org/zap"
)

// DefaultTTL is how long a presence record stays valid without a refresh.
const DefaultTTL = 5 * time.Minute

// Record is one user's live state on one artifact.
type Record struct {
	UserID     types.UserIDType     `json:"user_id"`
	ArtifactID types.ArtifactIDType `json:"artifact_id"`
	Status     types.PresenceStatus `json:"status"`
	Activity   types.ActivityLabel  `json:"activity,omitempty"`
	Cursor     *types.Cursor        `json:"cursor,omitempty"`
	Viewport   *types.Viewport      `json:"viewport,omitempty"`
	SessionID  types.SessionIDType  `json:"session_id,omitempty"`
	Metadata   types.JSONMap        `json:"metadata,omitempty"`
	LastSeen   time.Time            `json:"last_seen"`
}

// EventRecorder is the durable analytics sink. The store implements it.
type EventRecorder interface {
	RecordPresenceEvent(ctx context.Context, p *store.PresenceEvent) error
}

type recordKey struct {
	user     types.UserIDType
	artifact types.ArtifactIDType
}

// Service is safe for concurrent use. The mutex guards only the in-memory
// map; KV and database writes happen outside the lock.
type Service struct {
	mu      sync.RWMutex
	records map[recordKey]*Record

	remote   *kv.Store
	recorder EventRecorder
	ttl      time.Duration
}

// NewService builds a presence service. remote and recorder may be nil.
func NewService(remote *kv.Store, recorder EventRecorder, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{
		records:  make(map[recordKey]*Record),
		remote:   remote,
		recorder: recorder,
		ttl:      ttl,
	}
}

func remoteKey(user types.UserIDType, artifact types.ArtifactIDType) string {
	return fmt.Sprintf("presence:%s:%s", artifact, user)
}

// UpdatePresence upserts the user's record, refreshes last-seen, writes
// through to the KV with the service TTL, and appends a durable snapshot.
func (s *Service) UpdatePresence(ctx context.Context, rec Record) error {
	rec.LastSeen = time.Now()
	if rec.Status == "" {
		rec.Status = types.PresenceActive
	}

	s.mu.Lock()
	s.records[recordKey{rec.UserID, rec.ArtifactID}] = &rec
	s.mu.Unlock()

	if err := s.remote.SetJSON(ctx, remoteKey(rec.UserID, rec.ArtifactID), rec, s.ttl); err != nil {
		return err
	}

	s.recordDurable(ctx, &rec)
	return nil
}

// RemovePresence drops the user's record from memory and KV and writes a
// final offline snapshot to the durable store.
func (s *Service) RemovePresence(ctx context.Context, user types.UserIDType, artifact types.ArtifactIDType) error {
	s.mu.Lock()
	delete(s.records, recordKey{user, artifact})
	s.mu.Unlock()

	if err := s.remote.Delete(ctx, remoteKey(user, artifact)); err != nil {
		return err
	}

	s.recordDurable(ctx, &Record{
		UserID:     user,
		ArtifactID: artifact,
		Status:     types.PresenceOffline,
		LastSeen:   time.Now(),
	})
	return nil
}

// UpdateCursor refreshes just the cursor and last-seen.
func (s *Service) UpdateCursor(ctx context.Context, user types.UserIDType, artifact types.ArtifactIDType, cursor types.Cursor) error {
	return s.partialUpdate(ctx, user, artifact, func(r *Record) {
		r.Cursor = &cursor
	})
}

// UpdateActivity refreshes just the activity label and last-seen.
func (s *Service) UpdateActivity(ctx context.Context, user types.UserIDType, artifact types.ArtifactIDType, activity types.ActivityLabel) error {
	return s.partialUpdate(ctx, user, artifact, func(r *Record) {
		r.Activity = activity
	})
}

func (s *Service) partialUpdate(ctx context.Context, user types.UserIDType, artifact types.ArtifactIDType, apply func(*Record)) error {
	key := recordKey{user, artifact}

	s.mu.Lock()
	rec, ok := s.records[key]
	if !ok {
		rec = &Record{UserID: user, ArtifactID: artifact, Status: types.PresenceActive}
		s.records[key] = rec
	}
	apply(rec)
	rec.LastSeen = time.Now()
	snapshot := *rec
	s.mu.Unlock()

	return s.remote.SetJSON(ctx, remoteKey(user, artifact), snapshot, s.ttl)
}

// ArtifactPresence lists the active and away users on an artifact, merging
// the in-memory map with KV records from other processes. On conflict the
// newer last-seen wins; stale records are excluded.
func (s *Service) ArtifactPresence(ctx context.Context, artifact types.ArtifactIDType) ([]Record, error) {
	merged := make(map[types.UserIDType]Record)

	s.mu.RLock()
	for key, rec := range s.records {
		if key.artifact == artifact {
			merged[key.user] = *rec
		}
	}
	s.mu.RUnlock()

	remote, err := s.remoteRecords(ctx, fmt.Sprintf("presence:%s:*", artifact))
	if err != nil {
		return nil, err
	}
	for _, rec := range remote {
		if existing, ok := merged[rec.UserID]; !ok || rec.LastSeen.After(existing.LastSeen) {
			merged[rec.UserID] = rec
		}
	}

	return filterLive(merged, s.ttl), nil
}

// UserPresence lists one user's records across all artifacts.
func (s *Service) UserPresence(ctx context.Context, user types.UserIDType) ([]Record, error) {
	merged := make(map[types.ArtifactIDType]Record)

	s.mu.RLock()
	for key, rec := range s.records {
		if key.user == user {
			merged[key.artifact] = *rec
		}
	}
	s.mu.RUnlock()

	remote, err := s.remoteRecords(ctx, fmt.Sprintf("presence:*:%s", user))
	if err != nil {
		return nil, err
	}
	for _, rec := range remote {
		if existing, ok := merged[rec.ArtifactID]; !ok || rec.LastSeen.After(existing.LastSeen) {
			merged[rec.ArtifactID] = rec
		}
	}

	return filterLive(merged, s.ttl), nil
}

// RunCleanup expires stale records once a minute until ctx is cancelled.
func (s *Service) RunCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanupStale(ctx)
		}
	}
}

// cleanupStale drops in-memory records whose last-seen is past the TTL and
// writes offline snapshots for them. KV entries expire on their own.
func (s *Service) cleanupStale(ctx context.Context) {
	cutoff := time.Now().Add(-s.ttl)

	s.mu.Lock()
	var stale []Record
	for key, rec := range s.records {
		if rec.LastSeen.Before(cutoff) {
			stale = append(stale, *rec)
			delete(s.records, key)
		}
	}
	s.mu.Unlock()

	for _, rec := range stale {
		rec.Status = types.PresenceOffline
		s.recordDurable(ctx, &rec)
		if err := s.remote.Delete(ctx, remoteKey(rec.UserID, rec.ArtifactID)); err != nil {
			logging.Warn(ctx, "Failed to delete stale presence key", zap.Error(err))
		}
	}

	if len(stale) > 0 {
		logging.Info(ctx, "Expired stale presence records", zap.Int("count", len(stale)))
	}
}

func (s *Service) remoteRecords(ctx context.Context, pattern string) ([]Record, error) {
	keys, err := s.remote.ScanKeys(ctx, pattern)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(keys))
	for _, key := range keys {
		var rec Record
		found, err := s.remote.GetJSON(ctx, key, &rec)
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, rec)
		}
	}
	return out, nil
}

// filterLive keeps active/away records whose last-seen is within the TTL.
func filterLive[K comparable](merged map[K]Record, ttl time.Duration) []Record {
	cutoff := time.Now().Add(-ttl)
	out := make([]Record, 0, len(merged))
	for _, rec := range merged {
		if rec.Status == types.PresenceOffline || rec.LastSeen.Before(cutoff) {
			continue
		}
		out = append(out, rec)
	}
	return out
}

func (s *Service) recordDurable(ctx context.Context, rec *Record) {
	if s.recorder == nil {
		return
	}
	event := &store.PresenceEvent{
		UserID:     string(rec.UserID),
		ArtifactID: string(rec.ArtifactID),
		SessionID:  string(rec.SessionID),
		Status:     rec.Status,
		Activity:   rec.Activity,
		Metadata:   rec.Metadata,
		LastSeen:   rec.LastSeen,
	}
	if rec.Cursor != nil {
		event.Cursor = types.JSONMap{"line": rec.Cursor.Line, "column": rec.Cursor.Column}
	}
	if rec.Viewport != nil {
		event.Viewport = types.JSONMap{"top_line": rec.Viewport.TopLine, "bottom_line": rec.Viewport.BottomLine}
	}
	if err := s.recorder.RecordPresenceEvent(ctx, event); err != nil {
		logging.Warn(ctx, "Failed to record presence event", zap.Error(err))
	}
}
