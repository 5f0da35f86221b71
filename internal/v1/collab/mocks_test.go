package collab

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/notifications"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/presence"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/store"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/types"
)

// MockClient implements types.ClientInterface for testing
type MockClient struct {
	ID        types.UserIDType
	Session   types.SessionIDType
	UserData  types.UserData
	FailSend  bool
	mu        sync.Mutex
	sent      []types.WSMessage
	connected bool
}

func NewMockClient(id, name string) *MockClient {
	return &MockClient{
		ID:      types.UserIDType(id),
		Session: types.SessionIDType("session-" + id),
		UserData: types.UserData{
			UserID:      types.UserIDType(id),
			DisplayName: types.DisplayNameType(name),
		},
		connected: true,
	}
}

func (m *MockClient) GetUserID() types.UserIDType       { return m.ID }
func (m *MockClient) GetSessionID() types.SessionIDType { return m.Session }
func (m *MockClient) GetUserData() types.UserData       { return m.UserData }

func (m *MockClient) SendJSON(msg types.WSMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailSend || !m.connected {
		return ErrClientUnavailable
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *MockClient) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
}

func (m *MockClient) Sent() []types.WSMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.WSMessage(nil), m.sent...)
}

// SentOfType filters received frames by message type.
func (m *MockClient) SentOfType(msgType string) []types.WSMessage {
	var out []types.WSMessage
	for _, msg := range m.Sent() {
		if msg.Type == msgType {
			out = append(out, msg)
		}
	}
	return out
}

func (m *MockClient) IsDisconnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.connected
}

// memCommentStore is an in-memory CommentStore.
type memCommentStore struct {
	mu         sync.Mutex
	seq        int
	comments   map[string]*store.Comment
	activities []store.Activity
	failCreate bool
}

func newMemCommentStore() *memCommentStore {
	return &memCommentStore{comments: make(map[string]*store.Comment)}
}

func (s *memCommentStore) CreateComment(ctx context.Context, c *store.Comment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreate {
		return types.E(types.KindStorage, "create comment failed")
	}
	if c.ParentID != nil {
		parent, ok := s.comments[*c.ParentID]
		if !ok {
			return types.E(types.KindNotFound, "parent comment not found")
		}
		if parent.ArtifactID != c.ArtifactID {
			return types.E(types.KindValidation, "parent comment belongs to another artifact")
		}
	}
	s.seq++
	c.ID = "c-" + strconv.Itoa(s.seq)
	stored := *c
	s.comments[c.ID] = &stored
	return nil
}

func (s *memCommentStore) GetComment(ctx context.Context, id string) (*store.Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.comments[id]
	if !ok {
		return nil, types.E(types.KindNotFound, "comment not found")
	}
	out := *c
	return &out, nil
}

func (s *memCommentStore) UpdateComment(ctx context.Context, id string, author types.UserIDType, content string) (*store.Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.comments[id]
	if !ok {
		return nil, types.E(types.KindNotFound, "comment not found")
	}
	if c.AuthorID != string(author) {
		return nil, types.E(types.KindForbidden, "only the author may edit a comment")
	}
	c.Content = content
	c.Edited = true
	out := *c
	return &out, nil
}

func (s *memCommentStore) DeleteComment(ctx context.Context, id string, author types.UserIDType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.comments[id]
	if !ok {
		return types.E(types.KindNotFound, "comment not found")
	}
	if c.AuthorID != string(author) {
		return types.E(types.KindForbidden, "only the author may delete a comment")
	}
	delete(s.comments, id)
	return nil
}

func (s *memCommentStore) ListComments(ctx context.Context, artifact types.ArtifactIDType, limit int) ([]store.Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Comment
	for _, c := range s.comments {
		if c.ArtifactID == string(artifact) {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (s *memCommentStore) RecordActivity(ctx context.Context, a *store.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activities = append(s.activities, *a)
	return nil
}

func (s *memCommentStore) activityTypes() []types.ActivityType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.ActivityType, len(s.activities))
	for i, a := range s.activities {
		out[i] = a.Type
	}
	return out
}

// recNotifier records notification calls without a durable store.
type recNotifier struct {
	mu       sync.Mutex
	mentions []types.UserIDType
	replies  []types.UserIDType
	updates  [][]types.UserIDType
	updaters []types.UserIDType
	subs     map[types.UserIDType]map[string]notifications.Subscriber
	subSeq   int
}

func newRecNotifier() *recNotifier {
	return &recNotifier{subs: make(map[types.UserIDType]map[string]notifications.Subscriber)}
}

func (n *recNotifier) MentionNotification(ctx context.Context, mentioned, author types.UserIDType, artifact types.ArtifactIDType, commentID, excerpt string) (*store.Notification, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.mentions = append(n.mentions, mentioned)
	return &store.Notification{RecipientID: string(mentioned), Type: types.NotifyMention}, nil
}

func (n *recNotifier) CommentReplyNotification(ctx context.Context, parentAuthor, replier types.UserIDType, artifact types.ArtifactIDType, commentID, excerpt string) (*store.Notification, error) {
	if parentAuthor == replier {
		return nil, nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.replies = append(n.replies, parentAuthor)
	return &store.Notification{RecipientID: string(parentAuthor), Type: types.NotifyCommentReply}, nil
}

func (n *recNotifier) ArtifactUpdateNotification(ctx context.Context, recipients []types.UserIDType, updater types.UserIDType, artifact types.ArtifactIDType, description string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.updates = append(n.updates, recipients)
	n.updaters = append(n.updaters, updater)
	return nil
}

func (n *recNotifier) Subscribe(user types.UserIDType, fn notifications.Subscriber) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subSeq++
	id := fmt.Sprintf("sub-%d", n.subSeq)
	if n.subs[user] == nil {
		n.subs[user] = make(map[string]notifications.Subscriber)
	}
	n.subs[user][id] = fn
	return id
}

func (n *recNotifier) Unsubscribe(user types.UserIDType, id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.subs[user], id)
}

func (n *recNotifier) mentionCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.mentions)
}

func (n *recNotifier) subCount(user types.UserIDType) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs[user])
}

// recPresence records presence mirror calls.
type recPresence struct {
	mu       sync.Mutex
	updates  []presence.Record
	removals []types.UserIDType
	cursors  []types.UserIDType
	labels   []types.ActivityLabel
}

func (p *recPresence) UpdatePresence(ctx context.Context, rec presence.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, rec)
	return nil
}

func (p *recPresence) RemovePresence(ctx context.Context, user types.UserIDType, artifact types.ArtifactIDType) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removals = append(p.removals, user)
	return nil
}

func (p *recPresence) UpdateCursor(ctx context.Context, user types.UserIDType, artifact types.ArtifactIDType, cursor types.Cursor) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cursors = append(p.cursors, user)
	return nil
}

func (p *recPresence) UpdateActivity(ctx context.Context, user types.UserIDType, artifact types.ArtifactIDType, activity types.ActivityLabel) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.labels = append(p.labels, activity)
	return nil
}

// staticDirectory resolves a fixed username -> user id mapping.
type staticDirectory struct {
	users     map[types.UserIDType]string
	usernames map[string]types.UserIDType
}

func newStaticDirectory(users map[string]string) *staticDirectory {
	d := &staticDirectory{
		users:     make(map[types.UserIDType]string),
		usernames: make(map[string]types.UserIDType),
	}
	for id, username := range users {
		d.users[types.UserIDType(id)] = username
		d.usernames[username] = types.UserIDType(id)
	}
	return d
}

func (d *staticDirectory) UserExists(ctx context.Context, id types.UserIDType) (bool, error) {
	_, ok := d.users[id]
	return ok, nil
}

func (d *staticDirectory) DisplayName(ctx context.Context, id types.UserIDType) (types.DisplayNameType, error) {
	if name, ok := d.users[id]; ok {
		return types.DisplayNameType(name), nil
	}
	return types.DisplayNameType(id), nil
}

func (d *staticDirectory) UserIDByUsername(ctx context.Context, username string) (types.UserIDType, error) {
	if id, ok := d.usernames[username]; ok {
		return id, nil
	}
	return "", types.E(types.KindNotFound, "user not found")
}

// testDeps bundles fresh mocks for one test.
type testDeps struct {
	comments *memCommentStore
	notifier *recNotifier
	presence *recPresence
	users    *staticDirectory
}

func newTestDeps() *testDeps {
	return &testDeps{
		comments: newMemCommentStore(),
		notifier: newRecNotifier(),
		presence: &recPresence{},
		users: newStaticDirectory(map[string]string{
			"alice": "alice",
			"bob":   "bob",
			"carol": "carol",
		}),
	}
}

func (d *testDeps) deps() Deps {
	return Deps{
		Comments: d.comments,
		Notifier: d.notifier,
		Presence: d.presence,
		Users:    d.users,
	}
}

func newTestRoom(d *testDeps, onEmpty func(types.ArtifactIDType)) *Room {
	return NewRoom(context.Background(), "artifact-1", onEmpty, d.deps())
}
