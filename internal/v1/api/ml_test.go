package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/inference"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedArtifact(f *fixture, id, title, content, language string) {
	f.store.artifacts[id] = &store.Artifact{
		ID:       id,
		OwnerID:  "alice",
		Title:    title,
		Content:  content,
		Language: language,
	}
}

func embedArtifact(t *testing.T, f *fixture, id, text string) {
	t.Helper()
	vec, err := inference.HashEmbedder{Dimension: 16}.Embed(context.Background(), text)
	require.NoError(t, err)
	f.store.embeddings = append(f.store.embeddings, store.ArtifactEmbedding{ArtifactID: id, Vector: vec})
}

func TestClassifyInline(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, "POST", "/ml/classify", "alice", map[string]any{
		"content": "package main",
	})

	require.Equal(t, http.StatusOK, w.Code)
	result := decodeBody(t, w)["result"].(map[string]any)
	assert.Equal(t, true, result["success"])
}

func TestClassifyQueuedReturnsAccepted(t *testing.T) {
	f := newFixture(t)
	f.pipeline.queued = true

	w := f.do(t, "POST", "/ml/classify", "alice", map[string]any{
		"content":  "package main",
		"priority": 3,
	})

	require.Equal(t, http.StatusAccepted, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "queued", body["status"])
	assert.NotEmpty(t, body["request_id"])
}

func TestClassificationResultNotReady(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, "GET", "/ml/classify/nope", "alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestClassifyBatchBounds(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, "POST", "/ml/classify/batch", "alice", map[string]any{
		"requests": []map[string]any{},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, "POST", "/ml/classify/batch", "alice", map[string]any{
		"requests": []map[string]any{{"content": "a"}, {"content": "b"}},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), decodeBody(t, w)["count"])
	require.Len(t, f.pipeline.batches, 1)
	assert.Len(t, f.pipeline.batches[0], 2)
}

func TestGenerateTagsPersistsForArtifact(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, "POST", "/ml/tags/generate", "alice", map[string]any{
		"content":     "package main",
		"artifact_id": "a1",
	})

	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, decodeBody(t, w)["tags"])
	assert.Equal(t, []string{"go"}, f.store.tags["a1"])
}

func TestAnalyzeProjectAggregates(t *testing.T) {
	f := newFixture(t)
	seedArtifact(f, "a1", "server", "package main", "go")
	seedArtifact(f, "a2", "client", "package main", "go")

	w := f.do(t, "POST", "/ml/projects/analyze", "alice", map[string]any{
		"artifact_ids": []string{"a1", "a2"},
	})

	require.Equal(t, http.StatusOK, w.Code)
	analysis := decodeBody(t, w)["analysis"].(map[string]any)
	assert.Equal(t, float64(2), analysis["analyzed"])
	languages := analysis["languages"].(map[string]any)
	assert.Equal(t, float64(2), languages["go"])
	assert.InDelta(t, 0.7, analysis["avg_quality_score"].(float64), 0.001)
}

func TestAnalyzeProjectUnknownArtifact(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, "POST", "/ml/projects/analyze", "alice", map[string]any{
		"artifact_ids": []string{"missing"},
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSearchKeyword(t *testing.T) {
	f := newFixture(t)
	seedArtifact(f, "a1", "redis cache layer", "lru eviction", "go")
	seedArtifact(f, "a2", "auth service", "jwt validation", "go")

	w := f.do(t, "POST", "/ml/search", "alice", map[string]any{
		"query": "redis",
		"type":  "keyword",
	})

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, float64(1), body["count"])
	assert.Equal(t, "keyword", body["type"])

	// Every execution is recorded for analytics.
	require.Len(t, f.store.queries, 1)
	assert.Equal(t, "redis", f.store.queries[0].Query)
	assert.Equal(t, 1, f.store.queries[0].ResultCount)
}

func TestSearchSemantic(t *testing.T) {
	f := newFixture(t)
	seedArtifact(f, "a1", "cache", "redis lru cache eviction policy", "go")
	seedArtifact(f, "a2", "auth", "jwt token validation middleware", "go")
	embedArtifact(t, f, "a1", "redis lru cache eviction policy")
	embedArtifact(t, f, "a2", "jwt token validation middleware")

	w := f.do(t, "POST", "/ml/search", "alice", map[string]any{
		"query": "redis cache eviction",
		"type":  "semantic",
	})

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	results := body["results"].([]any)
	require.NotEmpty(t, results)
	top := results[0].(map[string]any)
	assert.Equal(t, "a1", top["artifact"].(map[string]any)["ID"])
	assert.Equal(t, "semantic", top["source"])
}

func TestSearchHybridMerges(t *testing.T) {
	f := newFixture(t)
	seedArtifact(f, "a1", "redis cache", "redis lru cache", "go")
	embedArtifact(t, f, "a1", "redis lru cache")

	w := f.do(t, "POST", "/ml/search", "alice", map[string]any{
		"query": "redis cache",
		"type":  "hybrid",
	})

	require.Equal(t, http.StatusOK, w.Code)
	// The artifact matches both modes but appears once.
	assert.Equal(t, float64(1), decodeBody(t, w)["count"])
}

func TestSearchFilters(t *testing.T) {
	f := newFixture(t)
	seedArtifact(f, "a1", "redis cache", "redis", "go")
	seedArtifact(f, "a2", "redis client", "redis", "python")

	w := f.do(t, "POST", "/ml/search", "alice", map[string]any{
		"query":   "redis",
		"type":    "keyword",
		"filters": map[string]string{"language": "python"},
	})

	require.Equal(t, http.StatusOK, w.Code)
	results := decodeBody(t, w)["results"].([]any)
	require.Len(t, results, 1)
	assert.Equal(t, "a2", results[0].(map[string]any)["artifact"].(map[string]any)["ID"])
}

func TestSearchInvalidType(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, "POST", "/ml/search", "alice", map[string]any{
		"query": "x",
		"type":  "fuzzy",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRelatedArtifacts(t *testing.T) {
	f := newFixture(t)
	seedArtifact(f, "a1", "one", "x", "go")
	seedArtifact(f, "a2", "two", "y", "go")
	seedArtifact(f, "a3", "three", "z", "go")
	f.store.related["a1"] = []string{"a2", "a3", "gone"}

	w := f.do(t, "POST", "/ml/related", "alice", map[string]any{"artifact_id": "a1"})

	require.Equal(t, http.StatusOK, w.Code)
	// Dangling relation ids are skipped, not errors.
	assert.Equal(t, float64(2), decodeBody(t, w)["count"])
}
