package metrics

import (
	"context"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

// Collector is the application-level metrics registry: counters, gauges,
// histograms and timers behind a single mutex, plus a background sampler
// that records process statistics into bounded ring buffers.
//
// Recording must stay cheap; the lock is held only while mutating maps.
type Collector struct {
	mu         sync.Mutex
	counters   map[string]*counterEntry
	gauges     map[string]*gaugeEntry
	histograms map[string]*histogramEntry

	samples    []SystemSample
	interval   time.Duration
	retention  time.Duration
	lastCounts map[string]float64 // counter values at last tick, for rates
	rates      map[string]float64 // per-minute rates derived at each tick
}

type counterEntry struct {
	Value float64
	Tags  map[string]string
}

type gaugeEntry struct {
	Value float64
	Tags  map[string]string
}

// histogramEntry keeps rolling aggregates plus a bounded window of recent
// observations for percentile queries.
type histogramEntry struct {
	Count  int64
	Sum    float64
	Min    float64
	Max    float64
	Tags   map[string]string
	window []float64
}

const histogramWindowSize = 512

// SystemSample is one reading of process-level statistics.
type SystemSample struct {
	At         time.Time `json:"at"`
	HeapBytes  uint64    `json:"heap_bytes"`
	StackBytes uint64    `json:"stack_bytes"`
	Goroutines int       `json:"goroutines"`
	NumGC      uint32    `json:"num_gc"`
}

// HistogramStats is the summary view of one histogram.
type HistogramStats struct {
	Count int64   `json:"count"`
	Sum   float64 `json:"sum"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P95   float64 `json:"p95"`
}

// Summary is a point-in-time snapshot of all application metrics.
type Summary struct {
	Counters       map[string]float64        `json:"counters"`
	Gauges         map[string]float64        `json:"gauges"`
	Histograms     map[string]HistogramStats `json:"histograms"`
	RatesPerMinute map[string]float64        `json:"rates_per_minute"`
	Samples        []SystemSample            `json:"samples"`
}

// NewCollector creates a collector sampling at interval and retaining
// history for the given retention period.
func NewCollector(interval, retention time.Duration) *Collector {
	if interval <= 0 {
		interval = time.Second
	}
	if retention <= 0 {
		retention = time.Hour
	}
	return &Collector{
		counters:   make(map[string]*counterEntry),
		gauges:     make(map[string]*gaugeEntry),
		histograms: make(map[string]*histogramEntry),
		interval:   interval,
		retention:  retention,
		lastCounts: make(map[string]float64),
		rates:      make(map[string]float64),
	}
}

// tagKey builds a stable map key from a metric name and its tags.
func tagKey(name string, tags map[string]string) string {
	if len(tags) == 0 {
		return name
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(tags[k])
	}
	return b.String()
}

// IncrementCounter adds delta to the named counter.
func (c *Collector) IncrementCounter(name string, delta float64, tags map[string]string) {
	key := tagKey(name, tags)
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.counters[key]
	if !ok {
		e = &counterEntry{Tags: tags}
		c.counters[key] = e
	}
	e.Value += delta
}

// SetGauge sets the named gauge to value.
func (c *Collector) SetGauge(name string, value float64, tags map[string]string) {
	key := tagKey(name, tags)
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.gauges[key]
	if !ok {
		e = &gaugeEntry{Tags: tags}
		c.gauges[key] = e
	}
	e.Value = value
}

// AddHistogramValue records one observation.
func (c *Collector) AddHistogramValue(name string, v float64, tags map[string]string) {
	key := tagKey(name, tags)
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.histograms[key]
	if !ok {
		e = &histogramEntry{Min: v, Max: v, Tags: tags}
		c.histograms[key] = e
	}
	e.Count++
	e.Sum += v
	if v < e.Min {
		e.Min = v
	}
	if v > e.Max {
		e.Max = v
	}
	e.window = append(e.window, v)
	if len(e.window) > histogramWindowSize {
		e.window = e.window[len(e.window)-histogramWindowSize:]
	}
}

// RecordTimer records a duration in seconds under the named timer.
func (c *Collector) RecordTimer(name string, d time.Duration, tags map[string]string) {
	c.AddHistogramValue(name, d.Seconds(), tags)
}

// TimerScope starts a timer whose duration is recorded when the returned
// stop function runs.
//
//	defer collector.TimerScope("pipeline.classify")()
func (c *Collector) TimerScope(name string) func() {
	start := time.Now()
	return func() {
		c.RecordTimer(name, time.Since(start), nil)
	}
}

// CounterValue returns the current value of a counter (zero if absent).
func (c *Collector) CounterValue(name string, tags map[string]string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.counters[tagKey(name, tags)]; ok {
		return e.Value
	}
	return 0
}

// GaugeValue returns the current value of a gauge (zero if absent).
func (c *Collector) GaugeValue(name string, tags map[string]string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.gauges[tagKey(name, tags)]; ok {
		return e.Value
	}
	return 0
}

// GetSummary snapshots every registered metric.
func (c *Collector) GetSummary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Summary{
		Counters:       make(map[string]float64, len(c.counters)),
		Gauges:         make(map[string]float64, len(c.gauges)),
		Histograms:     make(map[string]HistogramStats, len(c.histograms)),
		RatesPerMinute: make(map[string]float64, len(c.rates)),
		Samples:        append([]SystemSample(nil), c.samples...),
	}
	for k, e := range c.counters {
		s.Counters[k] = e.Value
	}
	for k, e := range c.gauges {
		s.Gauges[k] = e.Value
	}
	for k, e := range c.histograms {
		s.Histograms[k] = summarizeHistogram(e)
	}
	for k, v := range c.rates {
		s.RatesPerMinute[k] = v
	}
	return s
}

func summarizeHistogram(e *histogramEntry) HistogramStats {
	stats := HistogramStats{Count: e.Count, Sum: e.Sum, Min: e.Min, Max: e.Max}
	if e.Count > 0 {
		stats.Avg = e.Sum / float64(e.Count)
	}
	if len(e.window) > 0 {
		sorted := append([]float64(nil), e.window...)
		sort.Float64s(sorted)
		idx := int(float64(len(sorted)) * 0.95)
		if idx >= len(sorted) {
			idx = len(sorted) - 1
		}
		stats.P95 = sorted[idx]
	}
	return stats
}

// Run samples system statistics once per collection interval until the
// context is cancelled. Cancellation is observed between iterations.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

// collect takes one system sample, evicts expired history, and derives
// per-minute rates from counter deltas.
func (c *Collector) collect() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	sample := SystemSample{
		At:         time.Now(),
		HeapBytes:  ms.HeapAlloc,
		StackBytes: ms.StackInuse,
		Goroutines: runtime.NumGoroutine(),
		NumGC:      ms.NumGC,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.samples = append(c.samples, sample)
	cutoff := sample.At.Add(-c.retention)
	for len(c.samples) > 0 && c.samples[0].At.Before(cutoff) {
		c.samples = c.samples[1:]
	}

	perMinute := float64(time.Minute) / float64(c.interval)
	for key, e := range c.counters {
		delta := e.Value - c.lastCounts[key]
		c.rates[key] = delta * perMinute
		c.lastCounts[key] = e.Value
	}
}
