package runtime

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewMetrics(reg, reg)
	require.NoError(t, err)
	second, err := NewMetrics(reg, reg)
	require.NoError(t, err)

	first.delivery(OutcomeDelivered)
	second.delivery(OutcomeDelivered)

	assert.Equal(t, float64(2), testutil.ToFloat64(first.deliveries.WithLabelValues(string(OutcomeDelivered))))
}

func TestMetricsInstrumentRecordsStatus(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg, reg)
	require.NoError(t, err)

	h := m.instrument("/api/v1/chat", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/chat", nil))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.httpRequests.WithLabelValues(http.MethodPost, "/api/v1/chat", "202")))
}

func TestMetricsHandlerExposesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg, reg)
	require.NoError(t, err)

	m.connectionOpened()
	m.observeWebsocket("receive", 10*time.Millisecond)
	m.completion(resultSuccess)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	text := string(body)
	for _, name := range []string{
		"chatrelay_active_connections 1",
		`chatrelay_websocket_messages_total{action="receive"} 1`,
		`chatrelay_worker_completions_total{result="success"} 1`,
	} {
		assert.True(t, strings.Contains(text, name), "missing %s", name)
	}
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.delivery(OutcomeDropped)
	m.completion(resultSuccess)
	m.completionRetry("server")
	m.job(WorkerHandlerName, "success", time.Second)
	m.poison("q")
	m.connectionOpened()
	m.connectionClosed()
	m.observeHTTP("GET", "/health", 200, time.Millisecond)
	m.observeWebsocket("send", 0)

	next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
	assert.NotNil(t, m.instrument("/health", next))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
