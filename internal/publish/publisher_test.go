package publish

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/jmerrifield20/rentledger/internal/ledger"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	fail   bool
	block  chan struct{}
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.block != nil {
		<-w.block
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		return errors.New("broker unreachable")
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

func testEvent(t *testing.T, subject string) *ledger.LedgerEvent {
	t.Helper()
	ev, err := ledger.NewFactory().Create(ledger.EventLeaseAction, subject,
		ledger.LeaseAction{LeaseID: "lease-1", Action: "renewed"}, ledger.Actor{System: "test"})
	if err != nil {
		t.Fatal(err)
	}
	return ev
}

func TestPublisher_deliversKeyedBySubject(t *testing.T) {
	w := &fakeWriter{}
	p := newWithWriter(w, 8, zap.NewNop())

	var mu sync.Mutex
	outcomes := map[string]int{}
	p.SetMetricsRecord(func(o string) {
		mu.Lock()
		outcomes[o]++
		mu.Unlock()
	})

	ev := testEvent(t, "tenant-1")
	if err := p.Publish(ev); err != nil {
		t.Fatal(err)
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(w.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != "tenant-1" {
		t.Errorf("key: got %q, want tenant-1", msg.Key)
	}
	var got ledger.LedgerEvent
	if err := json.Unmarshal(msg.Value, &got); err != nil {
		t.Fatal(err)
	}
	if got.EventID != ev.EventID || got.EventType != ledger.EventLeaseAction {
		t.Errorf("unexpected payload %+v", got)
	}
	if !w.closed {
		t.Error("writer should be closed on Stop")
	}
	if outcomes["ok"] != 1 {
		t.Errorf("expected one ok outcome, got %v", outcomes)
	}
}

func TestPublisher_dropsWhenQueueFull(t *testing.T) {
	w := &fakeWriter{block: make(chan struct{})}
	p := newWithWriter(w, 1, zap.NewNop())

	dropped := make(chan struct{}, 10)
	p.SetMetricsRecord(func(o string) {
		if o == "dropped" {
			dropped <- struct{}{}
		}
	})

	for i := 0; i < 5; i++ {
		if err := p.Publish(testEvent(t, "tenant-1")); err != nil {
			t.Fatalf("Publish must not fail when the queue is full: %v", err)
		}
	}
	select {
	case <-dropped:
	case <-time.After(time.Second):
		t.Error("expected at least one dropped event")
	}
	close(w.block)
	_ = p.Stop(context.Background())
}

func TestPublisher_afterStop(t *testing.T) {
	p := newWithWriter(&fakeWriter{}, 4, zap.NewNop())
	if err := p.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := p.Publish(testEvent(t, "tenant-1")); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}
}

func TestPublisher_nilIsNoop(t *testing.T) {
	var p *Publisher
	if err := p.Publish(testEvent(t, "tenant-1")); err != nil {
		t.Errorf("nil publisher should ignore events, got %v", err)
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Error(err)
	}
}

func TestNew_disabledAndInvalid(t *testing.T) {
	p, err := New(Config{Enabled: false}, zap.NewNop())
	if err != nil || p != nil {
		t.Errorf("disabled publisher: got %v, %v", p, err)
	}
	if _, err := New(Config{Enabled: true, Brokers: []string{"localhost:9092"}}, zap.NewNop()); err == nil {
		t.Error("expected an error for an empty topic")
	}
	if _, err := New(Config{Enabled: true, Topic: "ledger.events"}, zap.NewNop()); err == nil {
		t.Error("expected an error without brokers")
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func TestPublisher_pingTriesEachBroker(t *testing.T) {
	p := newWithWriter(&fakeWriter{}, 4, zap.NewNop())
	defer p.Stop(context.Background())

	if err := p.Ping(context.Background()); err == nil {
		t.Error("expected error with no brokers configured")
	}

	var dialed []string
	p.brokers = []string{"down:9092", "up:9092"}
	p.dial = func(_ context.Context, addr string) (io.Closer, error) {
		dialed = append(dialed, addr)
		if addr == "down:9092" {
			return nil, errors.New("connection refused")
		}
		return nopCloser{}, nil
	}
	if err := p.Ping(context.Background()); err != nil {
		t.Errorf("expected ping to succeed via the second broker, got %v", err)
	}
	if len(dialed) != 2 {
		t.Errorf("expected both brokers dialed, got %v", dialed)
	}

	var nilPub *Publisher
	if err := nilPub.Ping(context.Background()); err != nil {
		t.Errorf("nil publisher ping: %v", err)
	}
}
