package runtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/chatrelay/internal/runtime/config"
	errspkg "github.com/drblury/chatrelay/internal/runtime/errors"
	"github.com/drblury/chatrelay/internal/runtime/jsoncodec"
	"github.com/drblury/chatrelay/internal/runtime/registry"
	"github.com/drblury/chatrelay/transport/transporttest"
)

const ackFrame = `{"sender":"SYSTEM","content":"Message received and being processed..."}`

// startRelay runs the relay and worker roles and waits until both consume.
func startRelay(t *testing.T, svc *Service) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx, RoleRelay, RoleWorker) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("service did not stop")
		}
	})

	select {
	case <-svc.Running():
	case <-time.After(5 * time.Second):
		t.Fatal("router did not start")
	}
	select {
	case <-svc.Relay().Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not subscribe")
	}
}

func dialClient(t *testing.T, server *httptest.Server, clientID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/" + clientID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(data)
}

func failingGateway(t *testing.T, cfg GatewayConfig) *Gateway {
	t.Helper()
	requests, err := NewRequestPublisher(RequestPublisherConfig{
		Topic:  "q.ia_request",
		Mode:   configpkg.PublisherModeShared,
		Shared: &transporttest.Publisher{Err: errors.New("broker down")},
	})
	require.NoError(t, err)
	cfg.Registry = registry.New()
	cfg.Publisher = requests
	g, err := NewGateway(cfg)
	require.NoError(t, err)
	return g
}

func TestNewGatewayValidations(t *testing.T) {
	_, err := NewGateway(GatewayConfig{})
	assert.ErrorIs(t, err, errspkg.ErrRegistryRequired)

	_, err = NewGateway(GatewayConfig{Registry: registry.New()})
	assert.ErrorIs(t, err, errspkg.ErrPublisherRequired)
}

func TestGatewayHealth(t *testing.T) {
	svc := newChannelService(t, &stubCompleter{}, &memoryStore{})
	svc.Registry().Register("u1", &recordingHandle{})

	rec := httptest.NewRecorder()
	svc.Gateway().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body healthResponse
	require.NoError(t, jsoncodec.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, healthResponse{Status: "ok", Service: "chatrelay", Connections: 1}, body)
}

func TestGatewayChatAccepted(t *testing.T) {
	st := &memoryStore{}
	svc := newChannelService(t, &stubCompleter{}, st)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(`{"user_id":"u1","message":"hello"}`))
	rec := httptest.NewRecorder()
	svc.Gateway().Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var body chatResponse
	require.NoError(t, jsoncodec.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "accepted", body.Status)
	assert.NotEmpty(t, body.MessageID)

	saved := st.Saved()
	require.Len(t, saved, 1)
	assert.Equal(t, savedMessage{clientID: "u1", sender: "USER", content: "hello"}, saved[0])

	assert.Equal(t, float64(1), testutil.ToFloat64(svc.Metrics().httpRequests.WithLabelValues(http.MethodPost, "/api/v1/chat", "202")))
}

func TestGatewayChatBadRequests(t *testing.T) {
	svc := newChannelService(t, &stubCompleter{}, &memoryStore{})
	handler := svc.Gateway().Handler()

	for name, payload := range map[string]string{
		"invalid json":    `{"user_id":`,
		"missing user":    `{"message":"hello"}`,
		"missing message": `{"user_id":"u1","message":"  "}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(payload)))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestGatewayChatRequiresUUIDWhenConfigured(t *testing.T) {
	g := failingGateway(t, GatewayConfig{RequireUUIDClientID: true})

	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(`{"user_id":"u1","message":"hi"}`)))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "UUID")
}

func TestGatewayChatUnavailable(t *testing.T) {
	g := failingGateway(t, GatewayConfig{})

	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(`{"user_id":"u1","message":"hi"}`)))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), UnavailableMessage)
}

func TestGatewayCORS(t *testing.T) {
	g := failingGateway(t, GatewayConfig{AllowedOrigins: []string{"https://app.example"}})
	handler := g.Handler()

	preflight := httptest.NewRequest(http.MethodOptions, "/api/v1/chat", nil)
	preflight.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, preflight)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "Origin", rec.Header().Get("Vary"))

	other := httptest.NewRequest(http.MethodOptions, "/api/v1/chat", nil)
	other.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, other)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestGatewayWildcardOrigin(t *testing.T) {
	g := failingGateway(t, GatewayConfig{AllowedOrigins: []string{"*"}})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/handlers", nil)
	req.Header.Set("Origin", "https://anywhere.example")
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
}

func TestGatewayHandlersEndpoint(t *testing.T) {
	svc := newChannelService(t, &stubCompleter{}, &memoryStore{})
	require.NoError(t, svc.RegisterWorker())

	rec := httptest.NewRecorder()
	svc.Gateway().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/handlers", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body []map[string]any
	require.NoError(t, jsoncodec.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body, 1)
	assert.Equal(t, WorkerHandlerName, body[0]["name"])
	assert.Equal(t, "q.ia_request", body[0]["consume_queue"])
	assert.Equal(t, "q.ia_response", body[0]["publish_queue"])
	assert.Contains(t, body[0], "stats")
}

func TestGatewayMetricsEndpoint(t *testing.T) {
	svc := newChannelService(t, &stubCompleter{}, &memoryStore{})

	rec := httptest.NewRecorder()
	svc.Gateway().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "chatrelay_active_connections")
}

func TestGatewayWebsocketRoundTrip(t *testing.T) {
	// The reply is held back until the acknowledgement is read so the frame
	// order is deterministic.
	release := make(chan struct{})
	completer := &stubCompleter{replies: []stubReply{{text: "hi"}}, block: release}
	st := &memoryStore{}
	svc := newChannelService(t, completer, st)
	startRelay(t, svc)

	server := httptest.NewServer(svc.Gateway().Handler())
	defer server.Close()

	conn := dialClient(t, server, "u1")
	waitFor(t, 5*time.Second, func() bool { return svc.Registry().Has("u1") })

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello")))

	assert.Equal(t, ackFrame, readFrame(t, conn))
	close(release)
	assert.Equal(t, `{"sender":"BOT","content":"hi"}`, readFrame(t, conn))

	waitFor(t, 5*time.Second, func() bool { return len(st.Saved()) == 2 })
	saved := st.Saved()
	assert.Equal(t, savedMessage{clientID: "u1", sender: "USER", content: "hello"}, saved[0])
	assert.Equal(t, savedMessage{clientID: "u1", sender: "BOT", content: "hi"}, saved[1])
	assert.Equal(t, float64(1), testutil.ToFloat64(svc.Metrics().deliveries.WithLabelValues(string(OutcomeDelivered))))
}

func TestGatewayDropsResponseForDisconnectedClient(t *testing.T) {
	release := make(chan struct{})
	completer := &stubCompleter{replies: []stubReply{{text: "too late"}}, block: release}
	svc := newChannelService(t, completer, &memoryStore{})
	startRelay(t, svc)

	server := httptest.NewServer(svc.Gateway().Handler())
	defer server.Close()

	conn := dialClient(t, server, "u2")
	waitFor(t, 5*time.Second, func() bool { return svc.Registry().Has("u2") })
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello")))
	assert.Equal(t, ackFrame, readFrame(t, conn))

	waitFor(t, 5*time.Second, func() bool { return completer.Calls() == 1 })
	require.NoError(t, conn.Close())
	waitFor(t, 5*time.Second, func() bool { return !svc.Registry().Has("u2") })

	close(release)

	dropped := svc.Metrics().deliveries.WithLabelValues(string(OutcomeDropped))
	waitFor(t, 5*time.Second, func() bool { return testutil.ToFloat64(dropped) == 1 })
	assert.Equal(t, 0, svc.Registry().Len())
}

func TestGatewayWebsocketPublishFailureSendsUnavailable(t *testing.T) {
	g := failingGateway(t, GatewayConfig{})
	server := httptest.NewServer(g.Handler())
	defer server.Close()

	conn := dialClient(t, server, "u1")
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello")))

	assert.Equal(t, `{"sender":"SYSTEM","content":"`+UnavailableMessage+`"}`, readFrame(t, conn))
}

func TestGatewayRejectsNonUUIDClientID(t *testing.T) {
	g := failingGateway(t, GatewayConfig{RequireUUIDClientID: true})
	server := httptest.NewServer(g.Handler())
	defer server.Close()

	conn := dialClient(t, server, "not-a-uuid")
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()

	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "expected 1008 close, got %v", err)
}

func TestGatewayRejectsDisallowedWebsocketOrigin(t *testing.T) {
	g := failingGateway(t, GatewayConfig{AllowedOrigins: []string{"https://app.example"}})
	server := httptest.NewServer(g.Handler())
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/u1"
	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)

	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAllowedOrigin(t *testing.T) {
	g := &Gateway{cfg: GatewayConfig{AllowedOrigins: []string{" https://a.example ", "https://B.example"}}}

	assert.Equal(t, "https://a.example", g.allowedOrigin("https://a.example"))
	assert.Equal(t, "https://b.example", g.allowedOrigin("https://b.example"))
	assert.Empty(t, g.allowedOrigin("https://c.example"))
	assert.Empty(t, g.allowedOrigin(""))
}
