package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	configpkg "github.com/drblury/chatrelay/internal/runtime/config"
	"github.com/drblury/chatrelay/internal/runtime/envelope"
	loggingpkg "github.com/drblury/chatrelay/internal/runtime/logging"
	"github.com/drblury/chatrelay/internal/runtime/registry"
)

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewNopLogger()
}

type testPublisher struct {
	mu        sync.Mutex
	published []string
	err       error
}

func (p *testPublisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, topic)
	return nil
}

func (p *testPublisher) Close() error { return nil }

func (p *testPublisher) Topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	clone := make([]string, len(p.published))
	copy(clone, p.published)
	return clone
}

type testSubscriber struct {
	err error
}

func (s *testSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if s.err != nil {
		return nil, s.err
	}
	ch := make(chan *message.Message)
	close(ch)
	return ch, nil
}

func (s *testSubscriber) Close() error { return nil }

// stubReply is one scripted completion result.
type stubReply struct {
	text string
	err  error
}

// stubCompleter replays replies in order and repeats the last one.
type stubCompleter struct {
	mu      sync.Mutex
	replies []stubReply
	prompts []string
	block   chan struct{}
}

func (c *stubCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	c.mu.Lock()
	idx := len(c.prompts)
	c.prompts = append(c.prompts, prompt)
	block := c.block
	c.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if len(c.replies) == 0 {
		return "", nil
	}
	if idx >= len(c.replies) {
		idx = len(c.replies) - 1
	}
	return c.replies[idx].text, c.replies[idx].err
}

func (c *stubCompleter) Name() string { return "stub" }

func (c *stubCompleter) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.prompts)
}

type savedMessage struct {
	clientID string
	sender   string
	content  string
}

type memoryStore struct {
	mu     sync.Mutex
	saved  []savedMessage
	err    error
	closed bool
}

func (s *memoryStore) SaveMessage(_ context.Context, clientID, sender, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.saved = append(s.saved, savedMessage{clientID: clientID, sender: sender, content: content})
	return nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *memoryStore) Saved() []savedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]savedMessage(nil), s.saved...)
}

// recordingHandle is a registry.Handle that keeps every payload.
type recordingHandle struct {
	mu       sync.Mutex
	payloads [][]byte
	err      error
	closed   bool
}

var _ registry.Handle = (*recordingHandle)(nil)

func (h *recordingHandle) Write(_ context.Context, payload []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.payloads = append(h.payloads, payload)
	return nil
}

func (h *recordingHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

func (h *recordingHandle) Payloads() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.payloads))
	for i, p := range h.payloads {
		out[i] = string(p)
	}
	return out
}

func requestMessage(t *testing.T, clientID, content string) *message.Message {
	t.Helper()
	msg, err := envelope.RequestMessage(envelope.NewRequest(clientID, content, time.Now()), "")
	if err != nil {
		t.Fatalf("build request message: %v", err)
	}
	return msg
}

func responseMessage(t *testing.T, clientID, content string) *message.Message {
	t.Helper()
	msg, err := envelope.ResponseMessage(envelope.NewResponse(clientID, content, time.Now()), requestMessage(t, clientID, "q"))
	if err != nil {
		t.Fatalf("build response message: %v", err)
	}
	return msg
}

// newTestService returns a Service with a bare router, for middleware and
// registration tests that do not need a transport.
func newTestService(t *testing.T) *Service {
	t.Helper()
	log := newTestLogger()
	wmLogger := loggingpkg.NewWatermillAdapter(log)
	router, err := message.NewRouter(message.RouterConfig{}, wmLogger)
	if err != nil {
		t.Fatalf("router init failed: %v", err)
	}
	return &Service{
		Conf:       &configpkg.Config{},
		Logger:     log,
		wmLogger:   wmLogger,
		router:     router,
		publisher:  &testPublisher{},
		subscriber: &testSubscriber{},
		registry:   registry.New(),
	}
}

// waitFor polls cond until it holds or the timeout passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

type logEntry struct {
	level  string
	msg    string
	err    error
	fields loggingpkg.LogFields
}

// recordingLogger is a ServiceLogger that keeps every entry.
type recordingLogger struct {
	mu      *sync.Mutex
	entries *[]logEntry
	base    loggingpkg.LogFields
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{mu: &sync.Mutex{}, entries: &[]logEntry{}}
}

func (l *recordingLogger) record(level, msg string, err error, fields loggingpkg.LogFields) {
	merged := loggingpkg.LogFields{}
	for k, v := range l.base {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.entries = append(*l.entries, logEntry{level: level, msg: msg, err: err, fields: merged})
}

func (l *recordingLogger) With(fields loggingpkg.LogFields) loggingpkg.ServiceLogger {
	merged := loggingpkg.LogFields{}
	for k, v := range l.base {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &recordingLogger{mu: l.mu, entries: l.entries, base: merged}
}

func (l *recordingLogger) Debug(msg string, fields loggingpkg.LogFields) {
	l.record("debug", msg, nil, fields)
}

func (l *recordingLogger) Info(msg string, fields loggingpkg.LogFields) {
	l.record("info", msg, nil, fields)
}

func (l *recordingLogger) Error(msg string, err error, fields loggingpkg.LogFields) {
	l.record("error", msg, err, fields)
}

func (l *recordingLogger) Trace(msg string, fields loggingpkg.LogFields) {
	l.record("trace", msg, nil, fields)
}

func (l *recordingLogger) Entries() []logEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]logEntry(nil), *l.entries...)
}

func (l *recordingLogger) Messages(level string) []string {
	var out []string
	for _, e := range l.Entries() {
		if e.level == level {
			out = append(out, e.msg)
		}
	}
	return out
}
