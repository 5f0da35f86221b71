package inference

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/cache"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/logging"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/metrics"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/store"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/types"
	"go.uber.org/zap"
)

const cacheKeyPrefix = "inference:"

var priorityLabels = map[int]string{
	PriorityHigh:   "high",
	PriorityMedium: "medium",
	PriorityLow:    "low",
}

// Recorder persists completed runs for analytics. *store.Store implements
// it; a nil recorder disables persistence.
type Recorder interface {
	SaveClassificationResult(ctx context.Context, r *store.ClassificationResult) error
	RecordModelMetric(ctx context.Context, m *store.ModelMetric) error
}

// Options configures a Pipeline.
type Options struct {
	Workers       int
	QueueCapacity int
	MaxTags       int
	ResultTTL     time.Duration
	Classifier    Classifier
	Tagger        Tagger
	Embedder      Embedder
	Recorder      Recorder
	Collector     *metrics.Collector
}

type flight struct {
	done   chan struct{}
	result *Result
}

// Pipeline schedules and executes inference requests. Construct with New,
// start workers with Run, and stop with Shutdown.
type Pipeline struct {
	opts   Options
	cache  *cache.Cache
	queues [3]chan *Request // index 0 = high, 1 = medium, 2 = low

	mu       sync.Mutex
	inflight map[string]*flight
	closed   bool

	workerWG sync.WaitGroup
	stop     context.CancelFunc
}

// New builds a pipeline over the shared result cache.
func New(resultCache *cache.Cache, opts Options) *Pipeline {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = 256
	}
	if opts.MaxTags <= 0 {
		opts.MaxTags = 10
	}
	if opts.ResultTTL <= 0 {
		opts.ResultTTL = time.Hour
	}
	if opts.Classifier == nil {
		opts.Classifier = HeuristicClassifier{}
	}
	if opts.Tagger == nil {
		opts.Tagger = HeuristicTagger{}
	}
	if opts.Embedder == nil {
		opts.Embedder = HashEmbedder{}
	}

	p := &Pipeline{
		opts:     opts,
		cache:    resultCache,
		inflight: make(map[string]*flight),
	}
	for i := range p.queues {
		p.queues[i] = make(chan *Request, opts.QueueCapacity)
	}
	return p
}

// Run starts the worker pool. Workers exit when ctx is cancelled or after
// Shutdown completes its drain.
func (p *Pipeline) Run(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.stop = cancel
	p.mu.Unlock()

	for i := 0; i < p.opts.Workers; i++ {
		p.workerWG.Add(1)
		go p.worker(workerCtx)
	}
}

// Submit routes a request by priority. Priority 1 processes inline and
// returns the full result. Priorities 2 and 3 enqueue the request and return
// an acknowledgement with status "queued"; the result lands in the cache.
// A cache hit at any priority returns immediately.
func (p *Pipeline) Submit(ctx context.Context, req *Request) (*Result, error) {
	p.normalize(req)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, types.E(types.KindShutdown, "inference pipeline is shutting down")
	}
	p.mu.Unlock()

	if res, ok := p.cachedResult(ctx, req.ID); ok {
		return res, nil
	}

	if req.Priority == PriorityHigh {
		return p.process(ctx, req), nil
	}

	queue := p.queues[req.Priority-1]
	select {
	case queue <- req:
		label := priorityLabels[req.Priority]
		metrics.PipelineQueueDepth.WithLabelValues(label).Set(float64(len(queue)))
		return &Result{
			RequestID: req.ID,
			Metadata: types.JSONMap{
				"status":   "queued",
				"priority": req.Priority,
			},
		}, nil
	default:
		metrics.PipelineRequests.WithLabelValues("rejected").Inc()
		return nil, types.E(types.KindConflict, "inference queue is full")
	}
}

// ProcessBatch runs requests with at most concurrency in flight and returns
// results in submission order. Failures are represented in their slot; the
// batch itself never errors.
func (p *Pipeline) ProcessBatch(ctx context.Context, reqs []*Request, concurrency int) []*Result {
	if concurrency <= 0 {
		concurrency = 4
	}

	results := make([]*Result, len(reqs))
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req *Request) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			p.normalize(req)
			if res, ok := p.cachedResult(ctx, req.ID); ok {
				results[i] = res
				return
			}
			results[i] = p.process(ctx, req)
		}(i, req)
	}
	wg.Wait()
	return results
}

// Result fetches a previously computed result from the cache, if present.
func (p *Pipeline) Result(ctx context.Context, requestID string) (*Result, bool) {
	return p.cachedResult(ctx, requestID)
}

// Shutdown stops intake and waits for queued work to drain until ctx
// expires. Requests still queued at the deadline are completed with a
// shutdown error result.
func (p *Pipeline) Shutdown(ctx context.Context) {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		for {
			if len(p.queues[0])+len(p.queues[1])+len(p.queues[2]) == 0 {
				close(drained)
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		p.failRemaining()
	}

	p.mu.Lock()
	stop := p.stop
	p.mu.Unlock()
	if stop != nil {
		stop()
	}
	p.workerWG.Wait()
}

// failRemaining empties the queues, recording a shutdown error for each
// abandoned request so the failure is observable.
func (p *Pipeline) failRemaining() {
	for i := range p.queues {
		draining := true
		for draining {
			select {
			case req := <-p.queues[i]:
				metrics.PipelineRequests.WithLabelValues("shutdown").Inc()
				logging.Warn(context.Background(), "Inference request abandoned at shutdown",
					zap.String("request_id", req.ID))
			default:
				draining = false
			}
		}
	}
}

func (p *Pipeline) normalize(req *Request) {
	if req.Priority < PriorityHigh || req.Priority > PriorityLow {
		req.Priority = PriorityMedium
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}
	if req.ID == "" {
		req.ID = req.ComputeID()
	}
}

// worker services the queues with strict priority: high drains fully before
// medium, medium before low.
func (p *Pipeline) worker(ctx context.Context) {
	defer p.workerWG.Done()
	for {
		req, ok := p.nextRequest(ctx)
		if !ok {
			return
		}
		label := priorityLabels[req.Priority]
		metrics.PipelineQueueDepth.WithLabelValues(label).Set(float64(len(p.queues[req.Priority-1])))
		p.process(ctx, req)
	}
}

// nextRequest blocks for work, preferring higher-priority queues whenever
// they hold anything.
func (p *Pipeline) nextRequest(ctx context.Context) (*Request, bool) {
	select {
	case req := <-p.queues[0]:
		return req, true
	default:
	}
	select {
	case req := <-p.queues[0]:
		return req, true
	case req := <-p.queues[1]:
		return req, true
	default:
	}
	select {
	case req := <-p.queues[0]:
		return req, true
	case req := <-p.queues[1]:
		return req, true
	case req := <-p.queues[2]:
		return req, true
	case <-ctx.Done():
		return nil, false
	}
}

// cachedResult consults both cache tiers and stamps the hit flag.
func (p *Pipeline) cachedResult(ctx context.Context, requestID string) (*Result, bool) {
	var res Result
	found, err := p.cache.Get(ctx, cacheKeyPrefix+requestID, &res)
	if err != nil || !found {
		return nil, false
	}
	res.CacheHit = true
	return &res, true
}

// process computes the result for req, coalescing concurrent duplicates so
// each distinct request id runs at most once at a time.
func (p *Pipeline) process(ctx context.Context, req *Request) *Result {
	p.mu.Lock()
	if existing, ok := p.inflight[req.ID]; ok {
		p.mu.Unlock()
		select {
		case <-existing.done:
			metrics.PipelineRequests.WithLabelValues("coalesced").Inc()
			return existing.result
		case <-ctx.Done():
			return &Result{RequestID: req.ID, Error: ctx.Err().Error()}
		}
	}
	f := &flight{done: make(chan struct{})}
	p.inflight[req.ID] = f
	p.mu.Unlock()

	res := p.runStages(ctx, req)

	// A cancelled computation must not poison the cache with partial output.
	if res.Success && ctx.Err() == nil {
		if err := p.cache.Set(ctx, cacheKeyPrefix+req.ID, res, p.opts.ResultTTL, "inference"); err != nil {
			logging.Warn(ctx, "Failed to cache inference result",
				zap.String("request_id", req.ID), zap.Error(err))
		}
	}
	p.record(ctx, req, res)

	f.result = res
	close(f.done)

	p.mu.Lock()
	delete(p.inflight, req.ID)
	p.mu.Unlock()
	return res
}

// runStages executes the five stages in order. A stage failure stops the
// run; completed stages stay listed on the partial result.
func (p *Pipeline) runStages(ctx context.Context, req *Request) *Result {
	start := time.Now()
	res := &Result{RequestID: req.ID}

	metrics.PipelineInflightStages.Inc()
	defer metrics.PipelineInflightStages.Dec()

	fail := func(stage string, err error) *Result {
		res.Error = fmt.Sprintf("%s: %v", stage, err)
		res.ProcessingTime = time.Since(start)
		metrics.PipelineRequests.WithLabelValues("error").Inc()
		p.count("pipeline.errors")
		return res
	}

	pre := p.timeStage(StagePreprocess, func() *Preprocessed {
		return preprocess(req)
	})
	res.StagesCompleted = append(res.StagesCompleted, StagePreprocess)

	var classification *Classification
	var err error
	p.timeStageErr(StageClassify, func() {
		classification, err = p.opts.Classifier.Classify(ctx, req, pre)
	})
	if err != nil {
		return fail(StageClassify, err)
	}
	res.Classification = classification
	res.StagesCompleted = append(res.StagesCompleted, StageClassify)

	var tags []TagResult
	p.timeStageErr(StageTag, func() {
		tags, err = p.opts.Tagger.Tags(ctx, pre, classification, p.opts.MaxTags)
	})
	if err != nil {
		return fail(StageTag, err)
	}
	res.Tags = tags
	res.StagesCompleted = append(res.StagesCompleted, StageTag)

	var embedding types.FloatList
	p.timeStageErr(StageEmbed, func() {
		embedding, err = p.opts.Embedder.Embed(ctx, pre.Analysis)
	})
	if err != nil {
		return fail(StageEmbed, err)
	}
	res.Embedding = embedding
	res.StagesCompleted = append(res.StagesCompleted, StageEmbed)

	p.timeStageErr(StagePostprocess, func() {
		postprocess(res, pre)
	})
	res.StagesCompleted = append(res.StagesCompleted, StagePostprocess)

	res.Success = true
	res.ProcessingTime = time.Since(start)
	metrics.PipelineRequests.WithLabelValues("success").Inc()
	p.count("pipeline.requests")
	return res
}

func (p *Pipeline) timeStage(stage string, fn func() *Preprocessed) *Preprocessed {
	start := time.Now()
	out := fn()
	metrics.PipelineStageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	return out
}

func (p *Pipeline) timeStageErr(stage string, fn func()) {
	start := time.Now()
	fn()
	metrics.PipelineStageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

func (p *Pipeline) count(name string) {
	if p.opts.Collector != nil {
		p.opts.Collector.IncrementCounter(name, 1, nil)
	}
}

// record persists the run for analytics. Best effort.
func (p *Pipeline) record(ctx context.Context, req *Request, res *Result) {
	if p.opts.Recorder == nil {
		return
	}

	row := &store.ClassificationResult{
		RequestID:    req.ID,
		UserID:       string(req.UserID),
		ProcessingMs: res.ProcessingTime.Milliseconds(),
		CacheHit:     res.CacheHit,
	}
	if res.Classification != nil {
		row.Language = res.Classification.Language.Label
		row.ContentType = res.Classification.ContentType.Label
		row.ProjectCategory = res.Classification.ProjectCategory.Label
		row.QualityScore = res.Classification.Quality.Confidence
	}
	for _, tag := range res.Tags {
		row.Tags = append(row.Tags, tag.Name)
	}
	if err := p.opts.Recorder.SaveClassificationResult(ctx, row); err != nil {
		logging.Warn(ctx, "Failed to persist classification result", zap.Error(err))
	}

	metric := &store.ModelMetric{
		Model:      "heuristic-v1",
		Operation:  "pipeline",
		DurationMs: res.ProcessingTime.Milliseconds(),
		Success:    res.Success,
	}
	if err := p.opts.Recorder.RecordModelMetric(ctx, metric); err != nil {
		logging.Warn(ctx, "Failed to persist model metric", zap.Error(err))
	}
}

// --- stage implementations with no external backend ---

// preprocess normalizes whitespace and computes the size statistics later
// stages rely on. It cannot fail.
func preprocess(req *Request) *Preprocessed {
	content := strings.ReplaceAll(req.Content, "\r\n", "\n")
	content = strings.TrimRight(content, "\n ")

	var sb strings.Builder
	for _, part := range []string{req.Title, req.Description, content} {
		if part == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(part)
	}
	analysis := sb.String()

	lines := 0
	if content != "" {
		lines = strings.Count(content, "\n") + 1
	}
	return &Preprocessed{
		Analysis:  analysis,
		Content:   content,
		SizeBytes: len(content),
		Lines:     lines,
		Words:     len(strings.Fields(analysis)),
	}
}

// readWordsPerMinute is the reading-speed estimate behind read_time.
const readWordsPerMinute = 200

// postprocess folds stage outputs into the summary metadata and the overall
// quality score.
func postprocess(res *Result, pre *Preprocessed) {
	var confidences []float64
	if res.Classification != nil {
		confidences = append(confidences,
			res.Classification.Language.Confidence,
			res.Classification.ContentType.Confidence,
			res.Classification.Quality.Confidence)
	}
	for _, tag := range res.Tags {
		confidences = append(confidences, tag.Confidence)
	}

	score := 0.0
	if len(confidences) > 0 {
		for _, c := range confidences {
			score += c
		}
		score /= float64(len(confidences))
	}
	// Small artifacts carry less signal.
	if pre.Words < 10 {
		score *= 0.5
	}

	readSeconds := int(float64(pre.Words) / readWordsPerMinute * 60)
	res.Metadata = types.JSONMap{
		"quality_score":     clamp01(score),
		"processed_at":      time.Now().UTC().Format(time.RFC3339),
		"read_time_seconds": readSeconds,
		"size_bytes":        pre.SizeBytes,
		"lines":             pre.Lines,
		"words":             pre.Words,
	}
}
