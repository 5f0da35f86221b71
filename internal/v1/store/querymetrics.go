package store

import (
	"sort"
	"sync"
	"time"
)

// QueryStats aggregates timings for one distinct query shape.
type QueryStats struct {
	Executions int64   `json:"executions"`
	TotalMs    float64 `json:"total_ms"`
	MinMs      float64 `json:"min_ms"`
	MaxMs      float64 `json:"max_ms"`
	AvgMs      float64 `json:"avg_ms"`
}

// QueryTracker keeps per-query-shape counters the optimizer endpoint reads.
// A shape is a stable name like "comment.create", not the SQL text.
type QueryTracker struct {
	mu    sync.Mutex
	stats map[string]*QueryStats
}

func NewQueryTracker() *QueryTracker {
	return &QueryTracker{stats: make(map[string]*QueryStats)}
}

// Record folds one execution into the shape's aggregate.
func (t *QueryTracker) Record(shape string, elapsed time.Duration) {
	ms := float64(elapsed.Microseconds()) / 1000.0

	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.stats[shape]
	if !ok {
		s = &QueryStats{MinMs: ms, MaxMs: ms}
		t.stats[shape] = s
	}
	s.Executions++
	s.TotalMs += ms
	if ms < s.MinMs {
		s.MinMs = ms
	}
	if ms > s.MaxMs {
		s.MaxMs = ms
	}
}

// Snapshot returns a copy of all aggregates with averages computed.
func (t *QueryTracker) Snapshot() map[string]QueryStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]QueryStats, len(t.stats))
	for shape, s := range t.stats {
		c := *s
		if c.Executions > 0 {
			c.AvgMs = c.TotalMs / float64(c.Executions)
		}
		out[shape] = c
	}
	return out
}

// SlowestShapes lists shapes ordered by average time, slowest first.
func (t *QueryTracker) SlowestShapes(limit int) []string {
	snap := t.Snapshot()
	shapes := make([]string, 0, len(snap))
	for shape := range snap {
		shapes = append(shapes, shape)
	}
	sort.Slice(shapes, func(i, j int) bool {
		return snap[shapes[i]].AvgMs > snap[shapes[j]].AvgMs
	})
	if limit > 0 && len(shapes) > limit {
		shapes = shapes[:limit]
	}
	return shapes
}
