package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	configpkg "github.com/drblury/chatrelay/internal/runtime/config"
	"github.com/drblury/chatrelay/internal/runtime/envelope"
	errspkg "github.com/drblury/chatrelay/internal/runtime/errors"
	metadatapkg "github.com/drblury/chatrelay/internal/runtime/metadata"
	"github.com/drblury/chatrelay/transport/transporttest"
)

const testRequestTopic = "q.ia_request"

func TestPublishMessageValidations(t *testing.T) {
	msg := message.NewMessage("id", nil)
	if err := PublishMessage(context.Background(), nil, "topic", msg); !errors.Is(err, errspkg.ErrPublisherRequired) {
		t.Fatalf("expected ErrPublisherRequired, got %v", err)
	}
	if err := PublishMessage(context.Background(), &testPublisher{}, "", msg); !errors.Is(err, errspkg.ErrTopicRequired) {
		t.Fatalf("expected ErrTopicRequired, got %v", err)
	}
}

type publisherTestContextKey struct{}

func TestPublishMessageAttachesContext(t *testing.T) {
	pub := &transporttest.Publisher{}
	ctx := context.WithValue(context.Background(), publisherTestContextKey{}, "value")
	msg := message.NewMessage("id", nil)

	if err := PublishMessage(ctx, pub, "topic", msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := pub.Published("topic"); len(got) != 1 || got[0].Context().Value(publisherTestContextKey{}) != "value" {
		t.Fatalf("expected the context to travel with the message")
	}
}

func TestNewRequestPublisherValidations(t *testing.T) {
	if _, err := NewRequestPublisher(RequestPublisherConfig{}); !errors.Is(err, errspkg.ErrTopicRequired) {
		t.Fatalf("expected ErrTopicRequired, got %v", err)
	}
	if _, err := NewRequestPublisher(RequestPublisherConfig{Topic: testRequestTopic, Mode: configpkg.PublisherModeShared}); !errors.Is(err, errspkg.ErrPublisherRequired) {
		t.Fatalf("expected ErrPublisherRequired, got %v", err)
	}
}

// dialRecorder hands out a fresh recording publisher per dial.
type dialRecorder struct {
	mu         sync.Mutex
	dialed     []*transporttest.Publisher
	dialErr    error
	publishErr error
}

func (d *dialRecorder) Dial(context.Context) (message.Publisher, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	pub := &transporttest.Publisher{Err: d.publishErr}
	d.dialed = append(d.dialed, pub)
	return pub, nil
}

func (d *dialRecorder) Dialed() []*transporttest.Publisher {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*transporttest.Publisher(nil), d.dialed...)
}

func TestRequestPublisherPerCallUsesFreshConnection(t *testing.T) {
	dialer := &dialRecorder{}
	shared := &transporttest.Publisher{}
	p, err := NewRequestPublisher(RequestPublisherConfig{
		Topic:  testRequestTopic,
		Mode:   configpkg.PublisherModePerCall,
		Shared: shared,
		Dial:   dialer.Dial,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.PerCall() {
		t.Fatal("expected per-call mode")
	}

	now := time.Now()
	if !p.Publish(context.Background(), envelope.NewRequest("u1", "hello", now)) {
		t.Fatal("expected first publish to succeed")
	}
	id, ok := p.PublishID(context.Background(), envelope.NewRequest("u2", "hi", now))
	if !ok || id == "" {
		t.Fatal("expected second publish to succeed with an id")
	}

	dialed := dialer.Dialed()
	if len(dialed) != 2 {
		t.Fatalf("expected one dial per publish, got %d", len(dialed))
	}
	for i, pub := range dialed {
		if pub.Closed() != 1 {
			t.Fatalf("publisher %d closed %d times", i, pub.Closed())
		}
		if len(pub.Published(testRequestTopic)) != 1 {
			t.Fatalf("publisher %d did not publish exactly once", i)
		}
	}
	if len(shared.Published(testRequestTopic)) != 0 {
		t.Fatal("shared publisher must not be used in per-call mode")
	}

	msg := dialed[1].Published(testRequestTopic)[0]
	if msg.UUID != id {
		t.Fatalf("expected returned id %q to match message %q", id, msg.UUID)
	}
	if msg.Metadata.Get(metadatapkg.KeyClientID) != "u2" {
		t.Fatalf("unexpected metadata %v", msg.Metadata)
	}
	req, err := envelope.DecodeRequest(msg.Payload)
	if err != nil || req.Content != "hi" {
		t.Fatalf("unexpected payload %q: %v", msg.Payload, err)
	}
}

func TestRequestPublisherSharedMode(t *testing.T) {
	dialer := &dialRecorder{}
	shared := &transporttest.Publisher{}
	p, err := NewRequestPublisher(RequestPublisherConfig{
		Topic:  testRequestTopic,
		Mode:   configpkg.PublisherModeShared,
		Shared: shared,
		Dial:   dialer.Dial,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.PerCall() {
		t.Fatal("expected shared mode")
	}

	for range 3 {
		if !p.Publish(context.Background(), envelope.NewRequest("u1", "hello", time.Now())) {
			t.Fatal("expected publish to succeed")
		}
	}
	if len(shared.Published(testRequestTopic)) != 3 {
		t.Fatal("expected all publishes on the shared publisher")
	}
	if shared.Closed() != 0 {
		t.Fatal("shared publisher must stay open")
	}
	if len(dialer.Dialed()) != 0 {
		t.Fatal("shared mode must not dial")
	}
}

func TestRequestPublisherFallsBackToSharedWithoutDialer(t *testing.T) {
	shared := &transporttest.Publisher{}
	p, err := NewRequestPublisher(RequestPublisherConfig{Topic: testRequestTopic, Shared: shared})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.PerCall() {
		t.Fatal("expected shared fallback without a dialer")
	}
}

func TestRequestPublisherReportsFailures(t *testing.T) {
	cases := map[string]*dialRecorder{
		"dial error":    {dialErr: errors.New("connection refused")},
		"publish error": {publishErr: errors.New("channel closed")},
	}
	for name, dialer := range cases {
		t.Run(name, func(t *testing.T) {
			p, err := NewRequestPublisher(RequestPublisherConfig{Topic: testRequestTopic, Dial: dialer.Dial})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if p.Publish(context.Background(), envelope.NewRequest("u1", "hello", time.Now())) {
				t.Fatal("expected publish to fail")
			}
			for _, pub := range dialer.Dialed() {
				if pub.Closed() != 1 {
					t.Fatal("expected the per-call publisher to be closed after a failure")
				}
			}
		})
	}
}

func TestRequestPublisherRejectsInvalidRequests(t *testing.T) {
	dialer := &dialRecorder{}
	p, err := NewRequestPublisher(RequestPublisherConfig{Topic: testRequestTopic, Dial: dialer.Dial})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Publish(context.Background(), envelope.NewRequest("  ", "hello", time.Now())) {
		t.Fatal("expected blank client id to be rejected")
	}
	if p.Publish(context.Background(), envelope.NewRequest("u1", " ", time.Now())) {
		t.Fatal("expected blank content to be rejected")
	}
	if len(dialer.Dialed()) != 0 {
		t.Fatal("invalid requests must not open a connection")
	}
}

func TestRequestPublisherCloseFailureDoesNotFailPublish(t *testing.T) {
	pub := &transporttest.Publisher{CloseErr: errors.New("close failed")}
	p, err := NewRequestPublisher(RequestPublisherConfig{
		Topic: testRequestTopic,
		Dial:  func(context.Context) (message.Publisher, error) { return pub, nil },
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.Publish(context.Background(), envelope.NewRequest("u1", "hello", time.Now())) {
		t.Fatal("expected publish to succeed despite the close error")
	}
}
