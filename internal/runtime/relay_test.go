package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	errspkg "github.com/drblury/chatrelay/internal/runtime/errors"
	"github.com/drblury/chatrelay/internal/runtime/registry"
)

const testResponseTopic = "q.ia_response"

func newTestRelay(t *testing.T, sub message.Subscriber, reg *registry.Registry, m *Metrics) *Relay {
	t.Helper()
	r, err := NewRelay(RelayConfig{
		Subscriber: sub,
		Topic:      testResponseTopic,
		Registry:   reg,
		Metrics:    m,
		reconnect:  newReconnector(time.Millisecond, 2*time.Millisecond, nil),
	})
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}
	return r
}

func TestNewRelayValidations(t *testing.T) {
	if _, err := NewRelay(RelayConfig{Topic: "t", Registry: registry.New()}); !errors.Is(err, errspkg.ErrSubscriberRequired) {
		t.Fatalf("expected ErrSubscriberRequired, got %v", err)
	}
	if _, err := NewRelay(RelayConfig{Subscriber: &testSubscriber{}, Registry: registry.New()}); !errors.Is(err, errspkg.ErrTopicRequired) {
		t.Fatalf("expected ErrTopicRequired, got %v", err)
	}
	if _, err := NewRelay(RelayConfig{Subscriber: &testSubscriber{}, Topic: "t"}); !errors.Is(err, errspkg.ErrRegistryRequired) {
		t.Fatalf("expected ErrRegistryRequired, got %v", err)
	}
}

func TestRelayDeliverOutcomes(t *testing.T) {
	promReg := prometheus.NewRegistry()
	m, err := NewMetrics(promReg, promReg)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	reg := registry.New()
	handle := &recordingHandle{}
	reg.Register("u1", handle)
	r := newTestRelay(t, &testSubscriber{}, reg, m)
	ctx := context.Background()

	if got := r.Deliver(ctx, responseMessage(t, "u1", "hi")); got != OutcomeDelivered {
		t.Fatalf("expected delivered, got %s", got)
	}
	if payloads := handle.Payloads(); len(payloads) != 1 || payloads[0] != `{"sender":"BOT","content":"hi"}` {
		t.Fatalf("unexpected frames %v", payloads)
	}

	if got := r.Deliver(ctx, responseMessage(t, "u2", "hi")); got != OutcomeDropped {
		t.Fatalf("expected dropped for an offline client, got %s", got)
	}
	if got := r.Deliver(ctx, message.NewMessage("m1", []byte("{"))); got != OutcomeMalformed {
		t.Fatalf("expected malformed, got %s", got)
	}

	for outcome, want := range map[DeliveryOutcome]float64{OutcomeDelivered: 1, OutcomeDropped: 1, OutcomeMalformed: 1} {
		if got := testutil.ToFloat64(m.deliveries.WithLabelValues(string(outcome))); got != want {
			t.Fatalf("outcome %s counted %v times", outcome, got)
		}
	}
}

func TestRelayDeliverRemovesFailingHandle(t *testing.T) {
	reg := registry.New()
	handle := &recordingHandle{err: errors.New("broken pipe")}
	reg.Register("u1", handle)
	r := newTestRelay(t, &testSubscriber{}, reg, nil)

	if got := r.Deliver(context.Background(), responseMessage(t, "u1", "hi")); got != OutcomeDropped {
		t.Fatalf("expected dropped, got %s", got)
	}
	if reg.Has("u1") {
		t.Fatal("expected the failing handle to be unregistered")
	}
}

func TestRelayRunDeliversAndAcks(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	t.Cleanup(func() { _ = pubSub.Close() })

	reg := registry.New()
	handle := &recordingHandle{}
	reg.Register("u1", handle)
	r := newTestRelay(t, pubSub, reg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	select {
	case <-r.Ready():
	case <-time.After(time.Second):
		t.Fatal("relay did not subscribe")
	}

	for _, id := range []string{"u1", "offline", "u1"} {
		if err := pubSub.Publish(testResponseTopic, responseMessage(t, id, "hi "+id)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if err := pubSub.Publish(testResponseTopic, message.NewMessage("bad", []byte("not json"))); err != nil {
		t.Fatalf("publish malformed: %v", err)
	}

	waitFor(t, time.Second, func() bool { return len(handle.Payloads()) == 2 })

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
}

// flakySubscriber fails the first subscriptions, then hands out channels
// that it can close on demand.
type flakySubscriber struct {
	mu       sync.Mutex
	failures int
	calls    int
	channels []chan *message.Message
}

func (s *flakySubscriber) Subscribe(context.Context, string) (<-chan *message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failures {
		return nil, errors.New("broker unavailable")
	}
	ch := make(chan *message.Message)
	s.channels = append(s.channels, ch)
	return ch, nil
}

func (s *flakySubscriber) Close() error { return nil }

func (s *flakySubscriber) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *flakySubscriber) closeLatest() {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(s.channels[len(s.channels)-1])
}

func TestRelayRunRetriesAndResubscribes(t *testing.T) {
	sub := &flakySubscriber{failures: 2}
	r := newTestRelay(t, sub, registry.New(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	select {
	case <-r.Ready():
	case <-time.After(time.Second):
		t.Fatal("relay did not subscribe after failures")
	}
	if sub.Calls() != 3 {
		t.Fatalf("expected 3 subscribe calls, got %d", sub.Calls())
	}

	sub.closeLatest()
	waitFor(t, time.Second, func() bool { return sub.Calls() == 4 })

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("expected nil on shutdown, got %v", err)
	}
}
