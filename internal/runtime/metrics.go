package runtime

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "chatrelay"

// Metrics holds the relay's Prometheus collectors. A nil *Metrics records
// nothing, which is how metrics are disabled.
type Metrics struct {
	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer

	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
	wsMessages        *prometheus.CounterVec
	wsDuration        *prometheus.HistogramVec
	deliveries        *prometheus.CounterVec
	completions       *prometheus.CounterVec
	completionRetries *prometheus.CounterVec
	jobDuration       *prometheus.HistogramVec
	poisoned          *prometheus.CounterVec
	activeConnections prometheus.Gauge
}

// NewMetrics registers the collectors on registerer. Collectors that are
// already registered are reused, so several services can share a registry.
func NewMetrics(registerer prometheus.Registerer, gatherer prometheus.Gatherer) (*Metrics, error) {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	m := &Metrics{registerer: registerer, gatherer: gatherer}
	var err error

	if m.httpRequests, err = registerCounterVec(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by method, route and status.",
	}, []string{"method", "route", "status"})); err != nil {
		return nil, err
	}
	if m.httpDuration, err = registerHistogramVec(registerer, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by method and route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})); err != nil {
		return nil, err
	}
	if m.wsMessages, err = registerCounterVec(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "websocket_messages_total",
		Help:      "Websocket messages by action.",
	}, []string{"action"})); err != nil {
		return nil, err
	}
	if m.wsDuration, err = registerHistogramVec(registerer, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "websocket_message_duration_seconds",
		Help:      "Time spent handling a websocket message by action.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"action"})); err != nil {
		return nil, err
	}
	if m.deliveries, err = registerCounterVec(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "relay_deliveries_total",
		Help:      "Responses handled by the relay by outcome.",
	}, []string{"outcome"})); err != nil {
		return nil, err
	}
	if m.completions, err = registerCounterVec(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "worker_completions_total",
		Help:      "Requests handled by the worker by result.",
	}, []string{"result"})); err != nil {
		return nil, err
	}
	if m.completionRetries, err = registerCounterVec(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "worker_completion_retries_total",
		Help:      "Completion attempts retried by the worker by error kind.",
	}, []string{"kind"})); err != nil {
		return nil, err
	}
	if m.jobDuration, err = registerHistogramVec(registerer, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "worker_job_duration_seconds",
		Help:      "Worker handler duration by handler and result.",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"handler", "result"})); err != nil {
		return nil, err
	}

	if m.poisoned, err = registerCounterVec(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "poison_queue_messages_total",
		Help:      "Messages moved to the poison queue by topic.",
	}, []string{"topic"})); err != nil {
		return nil, err
	}

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "active_connections",
		Help:      "Live websocket connections.",
	})
	collector, err := register(registerer, gauge)
	if err != nil {
		return nil, err
	}
	m.activeConnections = collector.(prometheus.Gauge)

	return m, nil
}

func register(registerer prometheus.Registerer, c prometheus.Collector) (prometheus.Collector, error) {
	err := registerer.Register(c)
	if err == nil {
		return c, nil
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		return are.ExistingCollector, nil
	}
	return nil, err
}

func registerCounterVec(registerer prometheus.Registerer, c *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	col, err := register(registerer, c)
	if err != nil {
		return nil, err
	}
	return col.(*prometheus.CounterVec), nil
}

func registerHistogramVec(registerer prometheus.Registerer, h *prometheus.HistogramVec) (*prometheus.HistogramVec, error) {
	col, err := register(registerer, h)
	if err != nil {
		return nil, err
	}
	return col.(*prometheus.HistogramVec), nil
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) observeHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func (m *Metrics) observeWebsocket(action string, d time.Duration) {
	if m == nil {
		return
	}
	m.wsMessages.WithLabelValues(action).Inc()
	if d > 0 {
		m.wsDuration.WithLabelValues(action).Observe(d.Seconds())
	}
}

func (m *Metrics) delivery(outcome DeliveryOutcome) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(string(outcome)).Inc()
}

func (m *Metrics) completion(result string) {
	if m == nil {
		return
	}
	m.completions.WithLabelValues(result).Inc()
}

func (m *Metrics) completionRetry(kind string) {
	if m == nil {
		return
	}
	m.completionRetries.WithLabelValues(kind).Inc()
}

func (m *Metrics) job(handler, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(handler, result).Observe(d.Seconds())
}

func (m *Metrics) poison(topic string) {
	if m == nil {
		return
	}
	m.poisoned.WithLabelValues(topic).Inc()
}

func (m *Metrics) connectionOpened() {
	if m == nil {
		return
	}
	m.activeConnections.Inc()
}

func (m *Metrics) connectionClosed() {
	if m == nil {
		return
	}
	m.activeConnections.Dec()
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// instrument records request count and latency for one route.
func (m *Metrics) instrument(route string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		m.observeHTTP(r.Method, route, rec.status, time.Since(start))
	})
}
