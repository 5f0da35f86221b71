package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/agents"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/auth"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/inference"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/presence"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/store"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/types"
	"github.com/gin-gonic/gin"
)

// --- store fake ---

type fakeStore struct {
	seq        int
	comments   map[string]*store.Comment
	activities []store.Activity
	artifacts  map[string]*store.Artifact
	embeddings []store.ArtifactEmbedding
	related    map[string][]string
	tags       map[string][]string
	queries    []store.SearchQuery
	failCreate bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		comments:  map[string]*store.Comment{},
		artifacts: map[string]*store.Artifact{},
		related:   map[string][]string{},
		tags:      map[string][]string{},
	}
}

func (f *fakeStore) CreateComment(ctx context.Context, c *store.Comment) error {
	if f.failCreate {
		return types.E(types.KindStorage, "comment insert failed")
	}
	f.seq++
	c.ID = fmt.Sprintf("c-%d", f.seq)
	f.comments[c.ID] = c
	return nil
}

func (f *fakeStore) GetComment(ctx context.Context, id string) (*store.Comment, error) {
	c, ok := f.comments[id]
	if !ok {
		return nil, types.E(types.KindNotFound, "comment not found")
	}
	return c, nil
}

func (f *fakeStore) UpdateComment(ctx context.Context, id string, author types.UserIDType, content string) (*store.Comment, error) {
	c, ok := f.comments[id]
	if !ok {
		return nil, types.E(types.KindNotFound, "comment not found")
	}
	if c.AuthorID != string(author) {
		return nil, types.E(types.KindForbidden, "only the author can edit a comment")
	}
	c.Content = content
	c.Edited = true
	return c, nil
}

func (f *fakeStore) DeleteComment(ctx context.Context, id string, author types.UserIDType) error {
	c, ok := f.comments[id]
	if !ok {
		return types.E(types.KindNotFound, "comment not found")
	}
	if c.AuthorID != string(author) {
		return types.E(types.KindForbidden, "only the author can delete a comment")
	}
	delete(f.comments, id)
	return nil
}

func (f *fakeStore) ListComments(ctx context.Context, artifact types.ArtifactIDType, limit int) ([]store.Comment, error) {
	var out []store.Comment
	for _, c := range f.comments {
		if c.ArtifactID == string(artifact) && len(out) < limit {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (f *fakeStore) ResolveComment(ctx context.Context, id string, resolver types.UserIDType, resolved bool) (*store.Comment, error) {
	c, ok := f.comments[id]
	if !ok {
		return nil, types.E(types.KindNotFound, "comment not found")
	}
	c.Resolved = resolved
	if resolved {
		r := string(resolver)
		c.ResolvedBy = &r
	} else {
		c.ResolvedBy = nil
	}
	return c, nil
}

func (f *fakeStore) ToggleReaction(ctx context.Context, id string, user types.UserIDType, symbol string) (*store.Comment, bool, error) {
	c, ok := f.comments[id]
	if !ok {
		return nil, false, types.E(types.KindNotFound, "comment not found")
	}
	added := c.ToggleReaction(symbol, string(user))
	return c, added, nil
}

func (f *fakeStore) RecordActivity(ctx context.Context, a *store.Activity) error {
	f.activities = append(f.activities, *a)
	return nil
}

func (f *fakeStore) ListActivities(ctx context.Context, artifact types.ArtifactIDType, limit, offset int) ([]store.Activity, error) {
	var out []store.Activity
	for _, a := range f.activities {
		if a.ArtifactID == string(artifact) {
			out = append(out, a)
		}
	}
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) GetArtifact(ctx context.Context, id types.ArtifactIDType) (*store.Artifact, error) {
	a, ok := f.artifacts[string(id)]
	if !ok {
		return nil, types.E(types.KindNotFound, "artifact not found")
	}
	return a, nil
}

func (f *fakeStore) SearchArtifactsKeyword(ctx context.Context, query string, limit int) ([]store.Artifact, error) {
	var out []store.Artifact
	needle := strings.ToLower(query)
	for _, a := range f.artifacts {
		if strings.Contains(strings.ToLower(a.Title), needle) || strings.Contains(strings.ToLower(a.Content), needle) {
			out = append(out, *a)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) ListEmbeddings(ctx context.Context) ([]store.ArtifactEmbedding, error) {
	return f.embeddings, nil
}

func (f *fakeStore) RelatedArtifactIDs(ctx context.Context, artifact types.ArtifactIDType, limit int) ([]string, error) {
	ids := f.related[string(artifact)]
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (f *fakeStore) ReplaceTags(ctx context.Context, artifact types.ArtifactIDType, names []string, source string) error {
	f.tags[string(artifact)] = names
	return nil
}

func (f *fakeStore) RecordSearchQuery(ctx context.Context, q *store.SearchQuery) error {
	f.queries = append(f.queries, *q)
	return nil
}

func (f *fakeStore) QueryMetrics() map[string]store.QueryStats {
	return map[string]store.QueryStats{"comment.create": {Executions: int64(f.seq)}}
}

// --- notifier fake ---

type fakeNotifier struct {
	seq           int
	notifications []store.Notification
	markedAll     int
}

func (f *fakeNotifier) add(n store.Notification) *store.Notification {
	f.seq++
	n.ID = fmt.Sprintf("n-%d", f.seq)
	f.notifications = append(f.notifications, n)
	return &f.notifications[len(f.notifications)-1]
}

func (f *fakeNotifier) List(ctx context.Context, user types.UserIDType, unreadOnly bool, limit int) ([]store.Notification, error) {
	var out []store.Notification
	for _, n := range f.notifications {
		if n.RecipientID != string(user) {
			continue
		}
		if unreadOnly && n.Read {
			continue
		}
		if len(out) < limit {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *fakeNotifier) MarkRead(ctx context.Context, id string, user types.UserIDType) error {
	for i := range f.notifications {
		if f.notifications[i].ID == id && f.notifications[i].RecipientID == string(user) {
			f.notifications[i].Read = true
			return nil
		}
	}
	return types.E(types.KindNotFound, "notification not found")
}

func (f *fakeNotifier) MarkAllRead(ctx context.Context, user types.UserIDType) (int64, error) {
	var n int64
	for i := range f.notifications {
		if f.notifications[i].RecipientID == string(user) && !f.notifications[i].Read {
			f.notifications[i].Read = true
			n++
		}
	}
	f.markedAll++
	return n, nil
}

func (f *fakeNotifier) Counts(ctx context.Context, user types.UserIDType) (store.NotificationCounts, error) {
	var counts store.NotificationCounts
	for _, n := range f.notifications {
		if n.RecipientID != string(user) {
			continue
		}
		counts.Total++
		if !n.Read {
			counts.Unread++
			if n.Priority == types.PriorityUrgent {
				counts.Urgent++
			}
		}
	}
	return counts, nil
}

func (f *fakeNotifier) MentionNotification(ctx context.Context, mentioned, author types.UserIDType, artifact types.ArtifactIDType, commentID, excerpt string) (*store.Notification, error) {
	return f.add(store.Notification{
		RecipientID: string(mentioned),
		ArtifactID:  string(artifact),
		Type:        types.NotifyMention,
		Message:     excerpt,
	}), nil
}

func (f *fakeNotifier) CommentReplyNotification(ctx context.Context, parentAuthor, replier types.UserIDType, artifact types.ArtifactIDType, commentID, excerpt string) (*store.Notification, error) {
	return f.add(store.Notification{
		RecipientID: string(parentAuthor),
		ArtifactID:  string(artifact),
		Type:        types.NotifyCommentReply,
		Message:     excerpt,
	}), nil
}

// --- remaining fakes ---

type fakePresence struct {
	records []presence.Record
}

func (f *fakePresence) ArtifactPresence(ctx context.Context, artifact types.ArtifactIDType) ([]presence.Record, error) {
	return f.records, nil
}

type fakePipeline struct {
	queued  bool
	fail    bool
	results map[string]*inference.Result
	batches [][]*inference.Request
}

func (f *fakePipeline) result(req *inference.Request) *inference.Result {
	if f.fail {
		return &inference.Result{RequestID: req.ComputeID(), Error: "backend down"}
	}
	return &inference.Result{
		RequestID: req.ComputeID(),
		Success:   true,
		Classification: &inference.Classification{
			Language:        inference.Prediction{Label: "go", Confidence: 0.9},
			ProjectCategory: inference.Prediction{Label: "library", Confidence: 0.8},
			Quality:         inference.Prediction{Label: "high", Confidence: 0.7},
		},
		Tags: []inference.TagResult{{Name: "go", Confidence: 0.9, Source: "language"}},
	}
}

func (f *fakePipeline) Submit(ctx context.Context, req *inference.Request) (*inference.Result, error) {
	if f.queued && req.Priority != inference.PriorityHigh {
		return &inference.Result{
			RequestID: req.ComputeID(),
			Metadata:  types.JSONMap{"status": "queued"},
		}, nil
	}
	return f.result(req), nil
}

func (f *fakePipeline) ProcessBatch(ctx context.Context, reqs []*inference.Request, concurrency int) []*inference.Result {
	f.batches = append(f.batches, reqs)
	out := make([]*inference.Result, len(reqs))
	for i, req := range reqs {
		out[i] = f.result(req)
	}
	return out
}

func (f *fakePipeline) Result(ctx context.Context, requestID string) (*inference.Result, bool) {
	res, ok := f.results[requestID]
	return res, ok
}

type fakeAgents struct {
	invoked []string
}

func (f *fakeAgents) Invoke(ctx context.Context, name string, task types.JSONMap) agents.Result {
	f.invoked = append(f.invoked, name)
	if name == "UNKNOWN" {
		return agents.Result{Agent: name, Error: "unknown agent: UNKNOWN"}
	}
	return agents.Result{Agent: name, Success: true, Result: "ok"}
}

func (f *fakeAgents) Agents() []string { return []string{"PYGUI", "DEBUGGER"} }

type fakeHub struct {
	broadcasts []types.WSMessage
}

func (f *fakeHub) BroadcastToArtifact(artifact types.ArtifactIDType, msg types.WSMessage) {
	f.broadcasts = append(f.broadcasts, msg)
}

func (f *fakeHub) ActiveUsers(artifact types.ArtifactIDType) []types.UserData { return nil }

type fakeUsers struct{}

func (f *fakeUsers) UserExists(ctx context.Context, id types.UserIDType) (bool, error) {
	return true, nil
}

func (f *fakeUsers) DisplayName(ctx context.Context, id types.UserIDType) (types.DisplayNameType, error) {
	return types.DisplayNameType(id), nil
}

func (f *fakeUsers) UserIDByUsername(ctx context.Context, username string) (types.UserIDType, error) {
	switch username {
	case "alice", "bob", "carol":
		return types.UserIDType(username), nil
	}
	return "", types.E(types.KindNotFound, "unknown username")
}

// --- harness ---

type fixture struct {
	store    *fakeStore
	notifier *fakeNotifier
	presence *fakePresence
	pipeline *fakePipeline
	agents   *fakeAgents
	hub      *fakeHub
	router   *gin.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &fixture{
		store:    newFakeStore(),
		notifier: &fakeNotifier{},
		presence: &fakePresence{},
		pipeline: &fakePipeline{results: map[string]*inference.Result{}},
		agents:   &fakeAgents{},
		hub:      &fakeHub{},
	}

	srv := NewServer(Deps{
		Store:    f.store,
		Notifier: f.notifier,
		Presence: f.presence,
		Pipeline: f.pipeline,
		Agents:   f.agents,
		Hub:      f.hub,
		Users:    &fakeUsers{},
		Embedder: inference.HashEmbedder{Dimension: 16},
	})
	f.router = srv.Router(RouterOptions{
		Validator:      &auth.MockValidator{},
		AllowedOrigins: []string{"http://localhost:3000"},
	})
	return f
}

// bearer builds an unsigned JWT the mock validator accepts.
func bearer(t *testing.T, sub string) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none"}`))
	payload, err := json.Marshal(map[string]string{"sub": sub})
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	return "Bearer " + header + "." + base64.RawURLEncoding.EncodeToString(payload) + ".x"
}

func (f *fixture) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = strings.NewReader(string(b))
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("Authorization", bearer(t, user))
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return body
}
