package runtime

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/drblury/chatrelay/internal/runtime/envelope"
	errspkg "github.com/drblury/chatrelay/internal/runtime/errors"
	"github.com/drblury/chatrelay/internal/runtime/ids"
	"github.com/drblury/chatrelay/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/chatrelay/internal/runtime/logging"
	"github.com/drblury/chatrelay/internal/runtime/registry"
)

// Frames the gateway sends on its own behalf.
const (
	AckMessage         = "Message received and being processed..."
	UnavailableMessage = "The messaging service is unavailable. Please try again later."
)

const (
	maxMessageBytes   = 64 << 10
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// GatewayConfig wires a Gateway.
type GatewayConfig struct {
	ServiceName         string
	AllowedOrigins      []string
	RequireUUIDClientID bool
	WriteTimeout        time.Duration
	SendBuffer          int

	Registry  *registry.Registry
	Publisher *RequestPublisher
	Saver     *MessageSaver
	Logger    loggingpkg.ServiceLogger
	Metrics   *Metrics
	// Handlers lists the router handlers for the introspection endpoint.
	Handlers func() []*HandlerInfo
	Now      func() time.Time
}

// Gateway is the HTTP surface of the relay: the websocket endpoint, the
// REST entry point, health and metrics.
type Gateway struct {
	cfg      GatewayConfig
	logger   loggingpkg.ServiceLogger
	upgrader websocket.Upgrader
}

func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.Registry == nil {
		return nil, errspkg.ErrRegistryRequired
	}
	if cfg.Publisher == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if cfg.Logger == nil {
		cfg.Logger = loggingpkg.NewNopLogger()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "chatrelay"
	}

	g := &Gateway{cfg: cfg, logger: cfg.Logger}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || g.allowedOrigin(origin) != ""
		},
	}
	return g, nil
}

// Handler returns the routed HTTP handler.
func (g *Gateway) Handler() http.Handler {
	m := g.cfg.Metrics
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/{client_id}", g.handleWebsocket)
	mux.Handle("POST /api/v1/chat", m.instrument("/api/v1/chat", g.withCORS(http.HandlerFunc(g.handleChat))))
	mux.Handle("OPTIONS /api/v1/chat", g.withCORS(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))
	mux.Handle("GET /api/v1/handlers", m.instrument("/api/v1/handlers", g.withCORS(http.HandlerFunc(g.handleHandlers))))
	mux.Handle("GET /health", m.instrument("/health", http.HandlerFunc(g.handleHealth)))
	if m != nil {
		mux.Handle("GET /metrics", m.Handler())
	}
	return mux
}

// ListenAndServe serves on addr until ctx ends, then shuts down and closes
// every live connection.
func (g *Gateway) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           g.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": addr})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	closed := g.cfg.Registry.Drain()
	g.logger.Info("HTTP server stopped", loggingpkg.LogFields{"address": addr, "connections_closed": closed})
	return err
}

func (g *Gateway) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	clientID := strings.TrimSpace(r.PathValue("client_id"))
	if clientID == "" {
		http.Error(w, "client id is required", http.StatusBadRequest)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error("Websocket upgrade failed", err, loggingpkg.LogFields{"client_id": clientID})
		return
	}

	if g.cfg.RequireUUIDClientID && !ids.IsUUID(clientID) {
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "client id must be a UUID")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
		g.logger.Info("Rejected connection with invalid client id", loggingpkg.LogFields{"client_id": clientID})
		return
	}

	handle := registry.NewWSHandle(conn, g.cfg.WriteTimeout, g.cfg.SendBuffer)
	g.cfg.Registry.Register(clientID, handle)
	g.cfg.Metrics.connectionOpened()
	g.cfg.Metrics.observeWebsocket("connect", 0)
	g.logger.Info("Client connected", loggingpkg.LogFields{"client_id": clientID})

	defer func() {
		g.cfg.Registry.Unregister(clientID, handle)
		_ = handle.Close()
		g.cfg.Metrics.connectionClosed()
		g.cfg.Metrics.observeWebsocket("disconnect", 0)
		g.logger.Info("Client disconnected", loggingpkg.LogFields{"client_id": clientID})
	}()

	conn.SetReadLimit(maxMessageBytes)
	ctx := r.Context()
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		start := time.Now()
		g.receive(ctx, clientID, handle, string(data))
		g.cfg.Metrics.observeWebsocket("receive", time.Since(start))
	}
}

// receive saves and publishes one user message, then acknowledges it on
// the client's own handle.
func (g *Gateway) receive(ctx context.Context, clientID string, handle *registry.WSHandle, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}

	frame := envelope.SystemFrame(AckMessage)
	g.cfg.Saver.Save(ctx, clientID, envelope.SenderUser, text)
	if !g.cfg.Publisher.Publish(ctx, envelope.NewRequest(clientID, text, g.cfg.Now())) {
		frame = envelope.SystemFrame(UnavailableMessage)
	}

	payload, err := frame.Encode()
	if err != nil {
		g.logger.Error("Failed to encode frame", err, loggingpkg.LogFields{"client_id": clientID})
		return
	}
	if err := handle.Write(ctx, payload); err != nil {
		g.logger.Error("Failed to send acknowledgement", err, loggingpkg.LogFields{"client_id": clientID})
		return
	}
	g.cfg.Metrics.observeWebsocket("send", 0)
}

type chatRequest struct {
	UserID  string `json:"user_id"`
	Message string `json:"message"`
}

type chatResponse struct {
	Status    string `json:"status"`
	MessageID string `json:"message_id,omitempty"`
	Detail    string `json:"detail"`
}

func (g *Gateway) handleChat(w http.ResponseWriter, r *http.Request) {
	var body chatRequest
	if err := jsoncodec.Decode(io.LimitReader(r.Body, maxMessageBytes), &body); err != nil {
		g.writeJSON(w, http.StatusBadRequest, chatResponse{Status: "error", Detail: "invalid JSON body"})
		return
	}
	body.UserID = strings.TrimSpace(body.UserID)
	if body.UserID == "" || strings.TrimSpace(body.Message) == "" {
		g.writeJSON(w, http.StatusBadRequest, chatResponse{Status: "error", Detail: "user_id and message are required"})
		return
	}
	if g.cfg.RequireUUIDClientID && !ids.IsUUID(body.UserID) {
		g.writeJSON(w, http.StatusBadRequest, chatResponse{Status: "error", Detail: "user_id must be a UUID"})
		return
	}

	g.cfg.Saver.Save(r.Context(), body.UserID, envelope.SenderUser, body.Message)
	id, ok := g.cfg.Publisher.PublishID(r.Context(), envelope.NewRequest(body.UserID, body.Message, g.cfg.Now()))
	if !ok {
		g.writeJSON(w, http.StatusServiceUnavailable, chatResponse{Status: "error", Detail: UnavailableMessage})
		return
	}
	g.writeJSON(w, http.StatusAccepted, chatResponse{Status: "accepted", MessageID: id, Detail: "Message queued for processing"})
}

type healthResponse struct {
	Status      string `json:"status"`
	Service     string `json:"service"`
	Connections int    `json:"connections"`
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	g.writeJSON(w, http.StatusOK, healthResponse{
		Status:      "ok",
		Service:     g.cfg.ServiceName,
		Connections: g.cfg.Registry.Len(),
	})
}

func (g *Gateway) handleHandlers(w http.ResponseWriter, _ *http.Request) {
	handlers := []*HandlerInfo{}
	if g.cfg.Handlers != nil {
		handlers = g.cfg.Handlers()
	}
	g.writeJSON(w, http.StatusOK, handlers)
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := jsoncodec.Encode(w, body); err != nil {
		g.logger.Error("Failed to encode response", err, nil)
	}
}

// withCORS sets the CORS headers for allowed origins.
func (g *Gateway) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if allowed := g.allowedOrigin(r.Header.Get("Origin")); allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			if allowed != "*" {
				w.Header().Add("Vary", "Origin")
			}
		}
		next.ServeHTTP(w, r)
	})
}

// allowedOrigin returns the Access-Control-Allow-Origin value for
// requestOrigin, or "" when it is not allowed.
func (g *Gateway) allowedOrigin(requestOrigin string) string {
	for _, allowed := range g.cfg.AllowedOrigins {
		allowed = strings.TrimSpace(allowed)
		if allowed == "*" {
			return "*"
		}
		if requestOrigin != "" && strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
