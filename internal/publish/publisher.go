// Package publish streams appended ledger events to Kafka so that downstream
// consumers can follow the ledger without polling it. Publication is
// best-effort and asynchronous: the ledger remains the source of truth.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/jmerrifield20/rentledger/internal/ledger"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Config holds publisher configuration.
type Config struct {
	Enabled   bool
	Brokers   []string
	Topic     string
	QueueSize int
}

// ErrStopped is returned by Publish after Stop.
var ErrStopped = errors.New("publisher stopped")

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// MetricsRecordFunc is an optional callback recording each delivery outcome:
// "ok", "failed" or "dropped".
type MetricsRecordFunc func(outcome string)

// Publisher queues events and writes them to Kafka from a single background
// loop. Messages are keyed by subject so that one subject's events stay on
// one partition, in append order.
type Publisher struct {
	writer    messageWriter
	brokers   []string
	dial      func(ctx context.Context, addr string) (io.Closer, error)
	queue     chan kafka.Message
	onMetrics MetricsRecordFunc
	logger    *zap.Logger

	runCtx   context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a Publisher writing to the configured brokers. It returns nil
// when publication is disabled; a nil *Publisher accepts and ignores events.
func New(cfg Config, logger *zap.Logger) (*Publisher, error) {
	if !cfg.Enabled {
		logger.Info("event publisher disabled")
		return nil, nil
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("publish: topic must not be empty")
	}
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("publish: at least one broker is required")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: false,
		BatchTimeout:           50 * time.Millisecond,
	}
	p := newWithWriter(w, cfg.QueueSize, logger)
	p.brokers = cfg.Brokers
	return p, nil
}

func newWithWriter(w messageWriter, queueSize int, logger *zap.Logger) *Publisher {
	if queueSize <= 0 {
		queueSize = 256
	}
	p := &Publisher{
		writer: w,
		queue:  make(chan kafka.Message, queueSize),
		logger: logger,
		dial:   dialBroker,
	}
	p.runCtx, p.cancel = context.WithCancel(context.Background())
	p.wg.Add(1)
	go p.run()
	return p
}

func dialBroker(ctx context.Context, addr string) (io.Closer, error) {
	return kafka.DialContext(ctx, "tcp", addr)
}

// Ping reports whether at least one broker accepts connections.
func (p *Publisher) Ping(ctx context.Context) error {
	if p == nil {
		return nil
	}
	err := errors.New("publish: no brokers configured")
	for _, b := range p.brokers {
		var conn io.Closer
		conn, err = p.dial(ctx, b)
		if err == nil {
			conn.Close()
			return nil
		}
	}
	return fmt.Errorf("publish: no reachable broker: %w", err)
}

// SetMetricsRecord configures the metrics recording callback.
func (p *Publisher) SetMetricsRecord(fn MetricsRecordFunc) {
	if p != nil {
		p.onMetrics = fn
	}
}

// Publish queues ev for delivery. It never blocks: when the queue is full
// the event is dropped and logged.
func (p *Publisher) Publish(ev *ledger.LedgerEvent) error {
	if p == nil {
		return nil
	}
	if p.runCtx.Err() != nil {
		return ErrStopped
	}
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("publish: encode event %s: %w", ev.EventID, err)
	}
	msg := kafka.Message{
		Key:   []byte(ev.SubjectID),
		Value: value,
		Time:  ev.Timestamp,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.EventType)},
			{Key: "event_id", Value: []byte(ev.EventID)},
		},
	}
	select {
	case p.queue <- msg:
		return nil
	default:
		p.record("dropped")
		p.logger.Warn("publish: queue full, dropping event",
			zap.String("event_id", ev.EventID),
			zap.String("subject_id", ev.SubjectID),
		)
		return nil
	}
}

// Stop drains queued messages and closes the writer. It waits at most until
// ctx is done.
func (p *Publisher) Stop(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var stopErr error
	p.stopOnce.Do(func() {
		p.cancel()
		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			stopErr = ctx.Err()
		}
		if err := p.writer.Close(); err != nil {
			p.logger.Error("publish: close writer", zap.Error(err))
		}
	})
	return stopErr
}

func (p *Publisher) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.runCtx.Done():
			p.drain()
			return
		case msg := <-p.queue:
			p.deliver(context.Background(), msg)
		}
	}
}

func (p *Publisher) drain() {
	for {
		select {
		case msg := <-p.queue:
			p.deliver(context.Background(), msg)
		default:
			return
		}
	}
}

func (p *Publisher) deliver(ctx context.Context, msg kafka.Message) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.record("failed")
		p.logger.Error("publish: write message",
			zap.String("subject_id", string(msg.Key)),
			zap.Error(err),
		)
		return
	}
	p.record("ok")
}

func (p *Publisher) record(outcome string) {
	if p.onMetrics != nil {
		p.onMetrics(outcome)
	}
}
