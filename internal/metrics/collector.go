package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"

	"github.com/torosent/dataloader/internal/ratelimit"
	"github.com/torosent/dataloader/internal/request"
)

// Collector records per-request metrics in a thread-safe manner.
type Collector struct {
	mu           sync.Mutex
	hist         *hdrhistogram.Histogram
	successes    int64
	failures     int64
	cancelled    int64
	downloaded   int64
	uploaded     int64
	minLatency   time.Duration
	maxLatency   time.Duration
	sumLatency   time.Duration
	errorsByType map[string]int64
	statuses     map[string]map[string]int
	bySource     map[string]int64
}

// Stats represents aggregated metrics.
type Stats struct {
	Total           int64         `json:"total"`
	Successes       int64         `json:"successes"`
	Failures        int64         `json:"failures"`
	Cancelled       int64         `json:"cancelled"`
	BytesDownloaded int64         `json:"bytes_downloaded"`
	BytesUploaded   int64         `json:"bytes_uploaded"`
	MinLatency      time.Duration `json:"-"`
	MaxLatency      time.Duration `json:"-"`
	MeanLatency     time.Duration `json:"-"`
	P50Latency      time.Duration `json:"-"`
	P90Latency      time.Duration `json:"-"`
	P99Latency      time.Duration `json:"-"`
	Duration        time.Duration `json:"-"`
	RequestsPerSec  float64       `json:"requests_per_sec"`

	// JSON-friendly millisecond fields.
	MinLatencyMs  float64          `json:"min_latency_ms"`
	MaxLatencyMs  float64          `json:"max_latency_ms"`
	MeanLatencyMs float64          `json:"mean_latency_ms"`
	P50LatencyMs  float64          `json:"p50_latency_ms"`
	P90LatencyMs  float64          `json:"p90_latency_ms"`
	P99LatencyMs  float64          `json:"p99_latency_ms"`
	DurationMs    float64          `json:"duration_ms"`
	Errors        map[string]int   `json:"errors,omitempty"`
	Statuses      []StatusBucket   `json:"statuses,omitempty"`
	Sources       map[string]int64 `json:"sources,omitempty"`
}

func NewCollector() *Collector {
	// Track latencies from 1µs up to 10m with 3 significant figures.
	h := hdrhistogram.New(1, 600_000_000, 3)
	return &Collector{
		hist:         h,
		errorsByType: make(map[string]int64),
		statuses:     make(map[string]map[string]int),
		bySource:     make(map[string]int64),
	}
}

// EndedRequest records the terminal response of one request.
func (c *Collector) EndedRequest(resp *request.Response, bytesDownloaded, bytesUploaded int64) {
	if resp == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.downloaded += bytesDownloaded
	c.uploaded += bytesUploaded
	if resp.Request != nil && resp.Request.SourceIdentifier != "" {
		c.bySource[resp.Request.SourceIdentifier]++
	}

	switch {
	case resp.Cancelled():
		c.cancelled++
		return
	case resp.Succeeded():
		c.successes++
	default:
		c.failures++
		c.recordFailureLocked(resp)
	}
	c.recordLatencyLocked(resp.RequestTime)
}

func (c *Collector) recordLatencyLocked(latency time.Duration) {
	if latency > 0 {
		us := latency.Microseconds()
		if us < c.hist.LowestTrackableValue() {
			us = c.hist.LowestTrackableValue()
		}
		if us > c.hist.HighestTrackableValue() {
			us = c.hist.HighestTrackableValue()
		}
		_ = c.hist.RecordValue(us)
	}
	c.sumLatency += latency

	if c.minLatency == 0 || latency < c.minLatency {
		c.minLatency = latency
	}
	if latency > c.maxLatency {
		c.maxLatency = latency
	}
}

func (c *Collector) recordFailureLocked(resp *request.Response) {
	if resp.Error != nil {
		c.errorsByType[ErrorCategory(resp.Error)]++
	}
	if !resp.HasStatus() {
		return
	}
	service := "unknown"
	if resp.Request != nil && resp.Request.URL != nil {
		service = ratelimit.ServiceKey(resp.Request.URL)
	}
	codes, ok := c.statuses[service]
	if !ok {
		codes = make(map[string]int)
		c.statuses[service] = codes
	}
	codes[strconv.Itoa(resp.StatusCode)]++
}

// Stats computes and returns current aggregated statistics. Cancelled requests are
// counted but contribute no latency samples.
func (c *Collector) Stats(elapsed time.Duration) Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	completed := c.successes + c.failures
	stats := Stats{
		Total:           completed + c.cancelled,
		Successes:       c.successes,
		Failures:        c.failures,
		Cancelled:       c.cancelled,
		BytesDownloaded: c.downloaded,
		BytesUploaded:   c.uploaded,
		MinLatency:      c.minLatency,
		MaxLatency:      c.maxLatency,
	}

	if completed > 0 {
		stats.MeanLatency = time.Duration(int64(c.sumLatency) / completed)
	}

	if c.hist.TotalCount() > 0 {
		stats.P50Latency = time.Duration(c.hist.ValueAtQuantile(50)) * time.Microsecond
		stats.P90Latency = time.Duration(c.hist.ValueAtQuantile(90)) * time.Microsecond
		stats.P99Latency = time.Duration(c.hist.ValueAtQuantile(99)) * time.Microsecond
	}

	stats.MinLatencyMs = float64(stats.MinLatency) / float64(time.Millisecond)
	stats.MaxLatencyMs = float64(stats.MaxLatency) / float64(time.Millisecond)
	stats.MeanLatencyMs = float64(stats.MeanLatency) / float64(time.Millisecond)
	stats.P50LatencyMs = float64(stats.P50Latency) / float64(time.Millisecond)
	stats.P90LatencyMs = float64(stats.P90Latency) / float64(time.Millisecond)
	stats.P99LatencyMs = float64(stats.P99Latency) / float64(time.Millisecond)

	stats.Duration = elapsed
	stats.DurationMs = float64(elapsed) / float64(time.Millisecond)
	if elapsed > 0 && stats.Total > 0 {
		stats.RequestsPerSec = float64(stats.Total) / elapsed.Seconds()
	}

	if len(c.errorsByType) > 0 {
		stats.Errors = make(map[string]int, len(c.errorsByType))
		for k, v := range c.errorsByType {
			stats.Errors[k] = int(v)
		}
	}
	stats.Statuses = FlattenStatusBuckets(c.statuses)
	if len(c.bySource) > 0 {
		stats.Sources = make(map[string]int64, len(c.bySource))
		for k, v := range c.bySource {
			stats.Sources[k] = v
		}
	}

	return stats
}

// Reset discards everything recorded so far.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.hist.Reset()
	c.successes, c.failures, c.cancelled = 0, 0, 0
	c.downloaded, c.uploaded = 0, 0
	c.minLatency, c.maxLatency, c.sumLatency = 0, 0, 0
	c.errorsByType = make(map[string]int64)
	c.statuses = make(map[string]map[string]int)
	c.bySource = make(map[string]int64)
}
