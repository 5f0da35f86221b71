package api

import (
	"sort"
	"strings"
	"time"

	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/inference"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/logging"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/store"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	maxBatchSize        = 50
	defaultBatchWorkers = 4
	maxSearchLimit      = 50
)

type classifyRequest struct {
	Content     string `json:"content" binding:"required"`
	Title       string `json:"title"`
	Description string `json:"description"`
	FileType    string `json:"file_type"`
	Language    string `json:"language"`
	Priority    int    `json:"priority"`
	ArtifactID  string `json:"artifact_id"`
}

func (r *classifyRequest) toInference(user types.UserIDType) *inference.Request {
	priority := r.Priority
	if priority == 0 {
		priority = inference.PriorityHigh
	}
	return &inference.Request{
		Content:     r.Content,
		Title:       r.Title,
		Description: r.Description,
		FileType:    r.FileType,
		Language:    r.Language,
		UserID:      user,
		Priority:    priority,
	}
}

// Classify handles POST /ml/classify. Priority 1 (default) runs inline and
// returns the full result; lower priorities return 202 with the request id
// for later retrieval via the result cache.
func (s *Server) Classify(c *gin.Context) {
	var req classifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, types.Wrap(types.KindValidation, "invalid classification payload", err))
		return
	}

	res, err := s.deps.Pipeline.Submit(c.Request.Context(), req.toInference(currentUser(c)))
	if err != nil {
		respondError(c, err)
		return
	}

	if res.Metadata.String("status") == "queued" {
		c.JSON(202, gin.H{"request_id": res.RequestID, "status": "queued"})
		return
	}
	c.JSON(200, gin.H{"result": res})
}

// ClassificationResult handles GET /ml/classify/:requestId for queued work.
func (s *Server) ClassificationResult(c *gin.Context) {
	res, ok := s.deps.Pipeline.Result(c.Request.Context(), c.Param("requestId"))
	if !ok {
		respondError(c, types.E(types.KindNotFound, "result not ready"))
		return
	}
	c.JSON(200, gin.H{"result": res})
}

type classifyBatchRequest struct {
	Requests    []classifyRequest `json:"requests" binding:"required"`
	Concurrency int               `json:"concurrency"`
}

// ClassifyBatch handles POST /ml/classify/batch with a bounded concurrency
// cap.
func (s *Server) ClassifyBatch(c *gin.Context) {
	var req classifyBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, types.Wrap(types.KindValidation, "invalid batch payload", err))
		return
	}
	if len(req.Requests) == 0 || len(req.Requests) > maxBatchSize {
		respondError(c, types.E(types.KindValidation, "batch size must be between 1 and 50"))
		return
	}

	concurrency := req.Concurrency
	if concurrency <= 0 || concurrency > defaultBatchWorkers*4 {
		concurrency = defaultBatchWorkers
	}

	user := currentUser(c)
	reqs := make([]*inference.Request, len(req.Requests))
	for i := range req.Requests {
		reqs[i] = req.Requests[i].toInference(user)
	}

	results := s.deps.Pipeline.ProcessBatch(c.Request.Context(), reqs, concurrency)
	c.JSON(200, gin.H{"results": results, "count": len(results)})
}

// GenerateTags handles POST /ml/tags/generate. Runs the pipeline inline and
// returns only the tag list; with artifact_id set the tags replace the
// artifact's generated tag set.
func (s *Server) GenerateTags(c *gin.Context) {
	var req classifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, types.Wrap(types.KindValidation, "invalid tag payload", err))
		return
	}
	req.Priority = inference.PriorityHigh

	res, err := s.deps.Pipeline.Submit(c.Request.Context(), req.toInference(currentUser(c)))
	if err != nil {
		respondError(c, err)
		return
	}
	if !res.Success {
		respondError(c, types.E(types.KindUpstream, res.Error))
		return
	}

	if req.ArtifactID != "" {
		names := make([]string, len(res.Tags))
		for i, t := range res.Tags {
			names[i] = t.Name
		}
		if err := s.deps.Store.ReplaceTags(c.Request.Context(), types.ArtifactIDType(req.ArtifactID), names, "generated"); err != nil {
			logging.Warn(c.Request.Context(), "Failed to persist generated tags",
				zap.String("artifactId", req.ArtifactID), zap.Error(err))
		}
	}

	c.JSON(200, gin.H{"tags": res.Tags})
}

type projectAnalyzeRequest struct {
	ArtifactIDs []string `json:"artifact_ids" binding:"required"`
}

// AnalyzeProject handles POST /ml/projects/analyze: classify a set of
// artifacts and aggregate languages, categories, and quality.
func (s *Server) AnalyzeProject(c *gin.Context) {
	var req projectAnalyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, types.Wrap(types.KindValidation, "artifact_ids list is required", err))
		return
	}
	if len(req.ArtifactIDs) == 0 || len(req.ArtifactIDs) > maxBatchSize {
		respondError(c, types.E(types.KindValidation, "artifact_ids must contain between 1 and 50 entries"))
		return
	}

	ctx := c.Request.Context()
	user := currentUser(c)

	var reqs []*inference.Request
	for _, id := range req.ArtifactIDs {
		artifact, err := s.deps.Store.GetArtifact(ctx, types.ArtifactIDType(id))
		if err != nil {
			respondError(c, err)
			return
		}
		reqs = append(reqs, &inference.Request{
			Content:     artifact.Content,
			Title:       artifact.Title,
			Description: artifact.Description,
			FileType:    artifact.FileType,
			Language:    artifact.Language,
			UserID:      user,
			Priority:    inference.PriorityHigh,
		})
	}

	results := s.deps.Pipeline.ProcessBatch(ctx, reqs, defaultBatchWorkers)

	languages := map[string]int{}
	categories := map[string]int{}
	tagCounts := map[string]int{}
	var qualitySum float64
	var succeeded int
	for _, res := range results {
		if !res.Success || res.Classification == nil {
			continue
		}
		succeeded++
		languages[res.Classification.Language.Label]++
		categories[res.Classification.ProjectCategory.Label]++
		qualitySum += res.Classification.Quality.Confidence
		for _, t := range res.Tags {
			tagCounts[t.Name]++
		}
	}

	analysis := gin.H{
		"artifact_count": len(req.ArtifactIDs),
		"analyzed":       succeeded,
		"languages":      languages,
		"categories":     categories,
		"tag_frequency":  tagCounts,
	}
	if succeeded > 0 {
		analysis["avg_quality_score"] = qualitySum / float64(succeeded)
	}
	c.JSON(200, gin.H{"analysis": analysis})
}

type searchRequest struct {
	Query   string            `json:"query" binding:"required"`
	Type    string            `json:"type"`
	Limit   int               `json:"limit"`
	Filters map[string]string `json:"filters"`
}

type searchHit struct {
	Artifact *store.Artifact `json:"artifact"`
	Score    float64         `json:"score"`
	Source   string          `json:"source"`
}

// Search handles POST /ml/search with semantic, keyword, and hybrid modes.
func (s *Server) Search(c *gin.Context) {
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, types.Wrap(types.KindValidation, "invalid search payload", err))
		return
	}
	mode := req.Type
	if mode == "" {
		mode = "hybrid"
	}
	limit := req.Limit
	if limit <= 0 || limit > maxSearchLimit {
		limit = 10
	}

	ctx := c.Request.Context()
	start := time.Now()

	var hits []searchHit
	var err error
	switch mode {
	case "semantic":
		hits, err = s.semanticSearch(c, req.Query, limit)
	case "keyword":
		hits, err = s.keywordSearch(c, req.Query, limit)
	case "hybrid":
		hits, err = s.hybridSearch(c, req.Query, limit)
	default:
		respondError(c, types.E(types.KindValidation, "search type must be semantic, keyword, or hybrid"))
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}

	hits = filterHits(hits, req.Filters)

	q := &store.SearchQuery{
		UserID:      string(currentUser(c)),
		Query:       req.Query,
		Mode:        mode,
		ResultCount: len(hits),
		DurationMs:  time.Since(start).Milliseconds(),
	}
	if err := s.deps.Store.RecordSearchQuery(ctx, q); err != nil {
		logging.Warn(ctx, "Failed to record search query", zap.Error(err))
	}

	c.JSON(200, gin.H{"results": hits, "count": len(hits), "type": mode})
}

func (s *Server) semanticSearch(c *gin.Context, query string, limit int) ([]searchHit, error) {
	ctx := c.Request.Context()

	queryVec, err := s.deps.Embedder.Embed(ctx, query)
	if err != nil {
		return nil, types.Wrap(types.KindUpstream, "embedding backend unavailable", err)
	}
	if queryVec == nil {
		return nil, nil
	}

	embeddings, err := s.deps.Store.ListEmbeddings(ctx)
	if err != nil {
		return nil, err
	}

	type scored struct {
		artifactID string
		score      float64
	}
	ranked := make([]scored, 0, len(embeddings))
	for _, e := range embeddings {
		if sim := inference.CosineSimilarity(queryVec, e.Vector); sim > 0 {
			ranked = append(ranked, scored{e.ArtifactID, sim})
		}
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}

	hits := make([]searchHit, 0, len(ranked))
	for _, r := range ranked {
		artifact, err := s.deps.Store.GetArtifact(ctx, types.ArtifactIDType(r.artifactID))
		if err != nil {
			// The embedding may outlive its artifact; skip orphans.
			continue
		}
		hits = append(hits, searchHit{Artifact: artifact, Score: r.score, Source: "semantic"})
	}
	return hits, nil
}

func (s *Server) keywordSearch(c *gin.Context, query string, limit int) ([]searchHit, error) {
	artifacts, err := s.deps.Store.SearchArtifactsKeyword(c.Request.Context(), query, limit)
	if err != nil {
		return nil, err
	}
	hits := make([]searchHit, len(artifacts))
	for i := range artifacts {
		// Rank-derived score keeps keyword hits comparable to cosine scores.
		hits[i] = searchHit{
			Artifact: &artifacts[i],
			Score:    1.0 / float64(i+1),
			Source:   "keyword",
		}
	}
	return hits, nil
}

// hybridSearch merges both modes, preferring the higher score when an
// artifact appears in both result sets.
func (s *Server) hybridSearch(c *gin.Context, query string, limit int) ([]searchHit, error) {
	semantic, err := s.semanticSearch(c, query, limit)
	if err != nil {
		logging.Warn(c.Request.Context(), "Semantic search degraded, keyword only", zap.Error(err))
		semantic = nil
	}
	keyword, err := s.keywordSearch(c, query, limit)
	if err != nil {
		return nil, err
	}

	best := make(map[string]searchHit, len(semantic)+len(keyword))
	for _, hit := range append(semantic, keyword...) {
		existing, ok := best[hit.Artifact.ID]
		if !ok || hit.Score > existing.Score {
			best[hit.Artifact.ID] = hit
		}
	}

	merged := make([]searchHit, 0, len(best))
	for _, hit := range best {
		merged = append(merged, hit)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

func filterHits(hits []searchHit, filters map[string]string) []searchHit {
	if len(filters) == 0 {
		return hits
	}
	filtered := hits[:0]
	for _, hit := range hits {
		if v, ok := filters["language"]; ok && !strings.EqualFold(hit.Artifact.Language, v) {
			continue
		}
		if v, ok := filters["file_type"]; ok && !strings.EqualFold(hit.Artifact.FileType, v) {
			continue
		}
		if v, ok := filters["owner_id"]; ok && hit.Artifact.OwnerID != v {
			continue
		}
		filtered = append(filtered, hit)
	}
	return filtered
}

type relatedRequest struct {
	ArtifactID string `json:"artifact_id" binding:"required"`
	Limit      int    `json:"limit"`
}

// Related handles POST /ml/related: artifacts sharing the most tags with the
// given one, ordered by overlap.
func (s *Server) Related(c *gin.Context) {
	var req relatedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, types.Wrap(types.KindValidation, "artifact_id is required", err))
		return
	}
	limit := req.Limit
	if limit <= 0 || limit > maxSearchLimit {
		limit = 10
	}

	ctx := c.Request.Context()
	ids, err := s.deps.Store.RelatedArtifactIDs(ctx, types.ArtifactIDType(req.ArtifactID), limit)
	if err != nil {
		respondError(c, err)
		return
	}

	related := make([]*store.Artifact, 0, len(ids))
	for _, id := range ids {
		artifact, err := s.deps.Store.GetArtifact(ctx, types.ArtifactIDType(id))
		if err != nil {
			continue
		}
		related = append(related, artifact)
	}
	c.JSON(200, gin.H{"related": related, "count": len(related)})
}
