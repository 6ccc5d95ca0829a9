package runtime

import (
	"context"
	"errors"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/chatrelay/internal/runtime/completion"
	errspkg "github.com/drblury/chatrelay/internal/runtime/errors"
	"github.com/drblury/chatrelay/internal/runtime/jsoncodec"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// HandlerInfo describes one router handler for the introspection endpoint.
type HandlerInfo struct {
	Name         string        `json:"name"`
	ConsumeQueue string        `json:"consume_queue"`
	PublishQueue string        `json:"publish_queue"`
	Stats        *HandlerStats `json:"stats"`
}

// HandlerStats aggregates processing statistics for a handler.
type HandlerStats struct {
	mu sync.Mutex

	MessagesProcessed   uint64    `json:"messages_processed"`
	MessagesFailed      uint64    `json:"messages_failed"`
	InFlight            uint64    `json:"in_flight"`
	TotalProcessingTime int64     `json:"total_processing_time_ns"`
	LastProcessedAt     time.Time `json:"last_processed_at"`

	Latency    LatencyMetrics    `json:"latency"`
	Throughput ThroughputMetrics `json:"throughput"`
	Errors     ErrorBreakdown    `json:"errors"`
	Resource   ResourceUsage     `json:"resource"`

	latency    *latencyWindow
	throughput *throughputWindow
	sampler    *resourceTracker
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS       float64 `json:"current_rps"`
	WindowSeconds    float64 `json:"window_seconds"`
	MessagesInWindow uint64  `json:"messages_in_window"`
}

// ErrorBreakdown counts handler errors by category.
type ErrorBreakdown struct {
	Validation uint64 `json:"validation"`
	Downstream uint64 `json:"downstream"`
	Transport  uint64 `json:"transport"`
	Other      uint64 `json:"other"`
	LastError  string `json:"last_error,omitempty"`
}

type ResourceUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Goroutines  int     `json:"goroutines"`
}

type ErrorCategory string

const (
	ErrorCategoryNone       ErrorCategory = "none"
	ErrorCategoryValidation ErrorCategory = "validation"
	ErrorCategoryDownstream ErrorCategory = "downstream"
	ErrorCategoryTransport  ErrorCategory = "transport"
	ErrorCategoryOther      ErrorCategory = "other"
)

// ErrorClassifier maps a handler error onto a category.
type ErrorClassifier func(error) ErrorCategory

func defaultErrorClassifier(err error) ErrorCategory {
	var cerr *completion.Error
	switch {
	case err == nil:
		return ErrorCategoryNone
	case errors.Is(err, errspkg.ErrMalformedEnvelope):
		return ErrorCategoryValidation
	case errors.As(err, &cerr), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ErrorCategoryDownstream
	case errors.Is(err, errspkg.ErrPublisherRequired), errors.Is(err, errspkg.ErrTopicRequired):
		return ErrorCategoryTransport
	default:
		return ErrorCategoryOther
	}
}

func newHandlerStats(sampler *resourceTracker) *HandlerStats {
	return &HandlerStats{
		latency:    newLatencyWindow(latencySampleSize),
		throughput: newThroughputWindow(throughputWindowSize),
		sampler:    sampler,
	}
}

func (h *HandlerStats) start() {
	h.mu.Lock()
	h.InFlight++
	h.mu.Unlock()
}

func (h *HandlerStats) finish(duration time.Duration, err error, classifier ErrorClassifier) {
	now := time.Now()

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.InFlight > 0 {
		h.InFlight--
	}
	h.MessagesProcessed++
	if err != nil {
		h.MessagesFailed++
	}
	h.TotalProcessingTime += int64(duration)
	h.LastProcessedAt = now.UTC()

	h.latency.add(duration)
	h.Latency = h.latency.snapshot()
	h.Latency.AverageNs = h.TotalProcessingTime / int64(h.MessagesProcessed)

	h.Throughput = h.throughput.addAndSnapshot(now)

	if classifier == nil {
		classifier = defaultErrorClassifier
	}
	h.Errors.record(classifier(err), err)

	if h.sampler != nil {
		h.Resource = h.sampler.Snapshot()
	}
}

func (h *HandlerStats) MarshalJSON() ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	type plain HandlerStats
	return jsoncodec.Marshal((*plain)(h))
}

func (e *ErrorBreakdown) record(category ErrorCategory, err error) {
	if err == nil {
		return
	}
	switch category {
	case ErrorCategoryValidation:
		e.Validation++
	case ErrorCategoryDownstream:
		e.Downstream++
	case ErrorCategoryTransport:
		e.Transport++
	default:
		e.Other++
	}
	e.LastError = err.Error()
}

// wrapHandlerWithStats records every invocation of handler in stats.
func wrapHandlerWithStats(handler message.HandlerFunc, stats *HandlerStats, classifier ErrorClassifier) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		stats.start()
		start := time.Now()
		msgs, err := handler(msg)
		stats.finish(time.Since(start), err, classifier)
		return msgs, err
	}
}

// latencyWindow is a ring buffer of the most recent durations.
type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) add(d time.Duration) {
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) snapshot() LatencyMetrics {
	m := LatencyMetrics{LastNs: lw.last, SampleSize: lw.filled}
	if lw.filled == 0 {
		return m
	}

	sorted := slices.Clone(lw.samples[:lw.filled])
	slices.Sort(sorted)

	m.P50Ns = percentile(sorted, 0.50)
	m.P95Ns = percentile(sorted, 0.95)
	m.P99Ns = percentile(sorted, 0.99)
	return m
}

// percentile interpolates linearly between the closest ranks of sorted.
func percentile(sorted []int64, q float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	pos := q * float64(len(sorted)-1)
	lower, upper := int(math.Floor(pos)), int(math.Ceil(pos))
	if lower == upper {
		return sorted[lower]
	}
	frac := pos - float64(lower)
	return sorted[lower] + int64(float64(sorted[upper]-sorted[lower])*frac)
}

// throughputWindow keeps the completion times within horizon.
type throughputWindow struct {
	horizon time.Duration
	times   []time.Time
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	return &throughputWindow{horizon: horizon, times: make([]time.Time, 0, 64)}
}

func (tw *throughputWindow) addAndSnapshot(now time.Time) ThroughputMetrics {
	tw.times = append(tw.times, now)

	cutoff := now.Add(-tw.horizon)
	idx := 0
	for idx < len(tw.times) && tw.times[idx].Before(cutoff) {
		idx++
	}
	tw.times = slices.Delete(tw.times, 0, idx)

	span := now.Sub(tw.times[0])
	if span <= 0 {
		span = time.Nanosecond
	}
	return ThroughputMetrics{
		CurrentRPS:       float64(len(tw.times)) / span.Seconds(),
		WindowSeconds:    span.Seconds(),
		MessagesInWindow: uint64(len(tw.times)),
	}
}
