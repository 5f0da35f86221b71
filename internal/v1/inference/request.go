// Package inference runs artifact content through the five-stage analysis
// pipeline (preprocess, classify, tag, embed, postprocess) with priority
// scheduling, duplicate coalescing, and two-tier result caching.
package inference

import (
	"fmt"
	"hash/fnv"
	"time"

	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/types"
)

// Priorities accepted on submission. PriorityHigh runs inline on the
// submitting goroutine; the others are queued.
const (
	PriorityHigh   = 1
	PriorityMedium = 2
	PriorityLow    = 3
)

// Stage labels, in execution order.
const (
	StagePreprocess  = "preprocess"
	StageClassify    = "classify"
	StageTag         = "tag"
	StageEmbed       = "embed"
	StagePostprocess = "postprocess"
)

// AllStages lists every stage label in order.
var AllStages = []string{StagePreprocess, StageClassify, StageTag, StageEmbed, StagePostprocess}

// idContentPrefix bounds how much content feeds the request id so huge
// artifacts hash quickly. Two artifacts differing only past this prefix
// coalesce; the stats in the result still cover the full content.
const idContentPrefix = 1024

// Request is one unit of analysis work.
type Request struct {
	ID          string           `json:"id"`
	Content     string           `json:"content"`
	Title       string           `json:"title"`
	Description string           `json:"description"`
	FileType    string           `json:"file_type"`
	Language    string           `json:"language"`
	UserID      types.UserIDType `json:"user_id"`
	Priority    int              `json:"priority"`
	CreatedAt   time.Time        `json:"created_at"`
}

// ComputeID derives the stable content-addressed request id. Identical
// inputs always produce the same id, which is what coalescing and caching
// key on.
func (r *Request) ComputeID() string {
	content := r.Content
	if len(content) > idContentPrefix {
		content = content[:idContentPrefix]
	}

	h := fnv.New64a()
	for _, part := range []string{content, r.Title, r.Description, r.FileType, r.Language, string(r.UserID)} {
		_, _ = h.Write([]byte(part))
		_, _ = h.Write([]byte{0})
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// Alternative is a non-top prediction candidate.
type Alternative struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Prediction is one classifier's output.
type Prediction struct {
	Label        string        `json:"label"`
	Confidence   float64       `json:"confidence"`
	Alternatives []Alternative `json:"alternatives,omitempty"`
}

// Classification bundles the four predictor outputs. A failed sub-classifier
// leaves its Prediction zero-valued; the stage still succeeds with partial
// results.
type Classification struct {
	Language        Prediction `json:"language"`
	ContentType     Prediction `json:"content_type"`
	ProjectCategory Prediction `json:"project_category"`
	Quality         Prediction `json:"quality"`
}

// TagResult is one generated tag.
type TagResult struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"`
}

// Result is the pipeline's output for one request.
type Result struct {
	RequestID       string          `json:"request_id"`
	Success         bool            `json:"success"`
	Classification  *Classification `json:"classification,omitempty"`
	Tags            []TagResult     `json:"tags,omitempty"`
	Embedding       types.FloatList `json:"embedding,omitempty"`
	Metadata        types.JSONMap   `json:"metadata,omitempty"`
	Error           string          `json:"error,omitempty"`
	ProcessingTime  time.Duration   `json:"processing_time"`
	CacheHit        bool            `json:"cache_hit"`
	StagesCompleted []string        `json:"stages_completed"`
}

// Preprocessed is the normalized form every later stage consumes.
type Preprocessed struct {
	Analysis  string `json:"analysis"`
	Content   string `json:"content"`
	SizeBytes int    `json:"size_bytes"`
	Lines     int    `json:"lines"`
	Words     int    `json:"words"`
}
