package insight_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmerrifield20/rentledger/internal/insight"
	"github.com/jmerrifield20/rentledger/internal/ledger"
	"go.uber.org/zap"
)

var ctx = context.Background()

// seedPayments appends one payment per subject, each a minute later than the
// last, so that the most recent subject comes first in a type scan.
func seedPayments(t *testing.T, s ledger.Store, subjects ...string) {
	t.Helper()
	for i, subject := range subjects {
		at := due.Add(time.Duration(i) * time.Minute)
		f := ledger.NewFactory(ledger.WithClock(func() time.Time { return at }))
		p := ledger.PaymentRecorded{
			PaymentID: "pay-" + subject, AmountCents: 100000, MonthlyRentCents: 100000,
			DueDate: due, PaidAt: due,
		}
		if subject == "B" {
			p.DueDate = time.Time{}
		}
		ev, err := f.Create(ledger.EventPaymentRecorded, subject, p, ledger.Actor{System: "test"})
		if err != nil {
			t.Fatal(err)
		}
		if err := s.Append(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}
}

func newProcessor(s ledger.Store) *insight.Processor {
	return insight.NewProcessor(s, ledger.NewFactory(), insight.NewRiskScorer(fixed), insight.Config{}, zap.NewNop())
}

func TestRun_isolatesSubjectFailures(t *testing.T) {
	s := ledger.NewMemoryStore()
	seedPayments(t, s, "A", "B", "C")

	var (
		mu       sync.Mutex
		outcomes = map[string]int{}
		appended []string
	)
	p := newProcessor(s)
	p.SetMetricsRecord(func(o string) {
		mu.Lock()
		outcomes[o]++
		mu.Unlock()
	})
	p.SetAppendHook(func(_ context.Context, ev *ledger.LedgerEvent) {
		mu.Lock()
		appended = append(appended, ev.SubjectID)
		mu.Unlock()
	})

	res, err := p.Run(ctx, 100)
	if err != nil {
		t.Fatal(err)
	}
	if res.ScannedEvents != 3 || res.ProcessedSubjects != 3 || res.WrittenInsights != 2 {
		t.Errorf("got scanned=%d processed=%d written=%d, want 3/3/2",
			res.ScannedEvents, res.ProcessedSubjects, res.WrittenInsights)
	}
	if len(res.Failures) != 1 || res.Failures[0].SubjectID != "B" {
		t.Errorf("expected one failure for B, got %+v", res.Failures)
	}
	if outcomes["written"] != 2 || outcomes["failed"] != 1 {
		t.Errorf("unexpected metrics outcomes %v", outcomes)
	}
	if len(appended) != 2 {
		t.Errorf("append hook: got %v, want 2 subjects", appended)
	}

	if _, err := insight.Latest(ctx, s, "B"); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("expected no insight for B, got %v", err)
	}
	in, err := insight.Latest(ctx, s, "A")
	if err != nil {
		t.Fatal(err)
	}
	if in.TotalPayments != 1 || !in.InsufficientHistory {
		t.Errorf("unexpected insight for A: %+v", in)
	}
}

func TestRun_scoresFullHistoryNotJustBatch(t *testing.T) {
	s := ledger.NewMemoryStore()
	seedPayments(t, s, "A", "A", "A", "C")

	// The batch holds C's payment and only the newest of A's three.
	res, err := newProcessor(s).Run(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if res.ScannedEvents != 2 || res.ProcessedSubjects != 2 {
		t.Fatalf("got scanned=%d processed=%d, want 2/2", res.ScannedEvents, res.ProcessedSubjects)
	}
	in, err := insight.Latest(ctx, s, "A")
	if err != nil {
		t.Fatal(err)
	}
	if in.TotalPayments != 3 {
		t.Errorf("expected A scored over all 3 payments, got %d", in.TotalPayments)
	}
}

func TestRun_overlappingRunsKeepLatest(t *testing.T) {
	s := ledger.NewMemoryStore()
	seedPayments(t, s, "A")
	p := newProcessor(s)

	for i := 0; i < 2; i++ {
		if _, err := p.Run(ctx, 10); err != nil {
			t.Fatal(err)
		}
	}
	evs, err := s.QueryBySubject(ctx, "A", ledger.EventInsightGenerated)
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 2 {
		t.Errorf("expected two point-in-time insights, got %d", len(evs))
	}
	if _, err := insight.Latest(ctx, s, "A"); err != nil {
		t.Errorf("Latest: %v", err)
	}
}

// cancelAfterAppend cancels the run once the first insight has been stored.
type cancelAfterAppend struct {
	ledger.Store
	cancel context.CancelFunc
}

func (s cancelAfterAppend) Append(ctx context.Context, ev *ledger.LedgerEvent) error {
	err := s.Store.Append(ctx, ev)
	if ev.EventType == ledger.EventInsightGenerated {
		s.cancel()
	}
	return err
}

func TestRun_cancellationReturnsPartialResult(t *testing.T) {
	inner := ledger.NewMemoryStore()
	seedPayments(t, inner, "A", "C", "D")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s := cancelAfterAppend{Store: inner, cancel: cancel}
	p := insight.NewProcessor(s, ledger.NewFactory(), insight.NewRiskScorer(fixed),
		insight.Config{Concurrency: 1}, zap.NewNop())

	res, err := p.Run(runCtx, 10)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if res == nil {
		t.Fatal("expected a partial result")
	}
	if res.WrittenInsights != 1 || res.ProcessedSubjects != 1 {
		t.Errorf("got processed=%d written=%d, want 1/1", res.ProcessedSubjects, res.WrittenInsights)
	}
}

func TestRun_storeFailureAbortsScan(t *testing.T) {
	s := ledger.WithTimeout(slowStore{ledger.NewMemoryStore()}, 10*time.Millisecond)
	_, err := newProcessor(s).Run(ctx, 10)
	if !ledger.IsRetryable(err) {
		t.Errorf("expected a retryable store error, got %v", err)
	}
}

func TestRun_rejectsNonPositiveLimit(t *testing.T) {
	if _, err := newProcessor(ledger.NewMemoryStore()).Run(ctx, 0); !errors.Is(err, ledger.ErrInvalidEvent) {
		t.Errorf("expected ErrInvalidEvent, got %v", err)
	}
}

type slowStore struct{ ledger.Store }

func (slowStore) QueryByType(ctx context.Context, _ string, _ ledger.QueryOptions) ([]*ledger.LedgerEvent, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestScheduler_runOnce(t *testing.T) {
	s := ledger.NewMemoryStore()
	seedPayments(t, s, "A", "C")
	sch := insight.NewScheduler(newProcessor(s), insight.SchedulerConfig{Interval: time.Hour, Limit: 10}, zap.NewNop())

	res := sch.RunOnce()
	if res == nil || res.WrittenInsights != 2 {
		t.Fatalf("expected 2 insights, got %+v", res)
	}

	quit := make(chan struct{})
	done := make(chan struct{})
	go func() {
		sch.Start(quit)
		close(done)
	}()
	close(quit)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("scheduler did not stop on quit")
	}
}

// gatedStore holds the first payment history read until release is closed
// and reports each type scan on scanned.
type gatedStore struct {
	ledger.Store
	once    sync.Once
	entered chan struct{}
	release chan struct{}
	scanned chan struct{}
}

func (s *gatedStore) QueryByType(ctx context.Context, eventType string, opts ledger.QueryOptions) ([]*ledger.LedgerEvent, error) {
	evs, err := s.Store.QueryByType(ctx, eventType, opts)
	s.scanned <- struct{}{}
	return evs, err
}

func (s *gatedStore) QueryBySubject(ctx context.Context, subjectID, eventType string) ([]*ledger.LedgerEvent, error) {
	first := false
	s.once.Do(func() { first = true })
	if first {
		close(s.entered)
		<-s.release
	}
	return s.Store.QueryBySubject(ctx, subjectID, eventType)
}

func TestRun_overlappingRunsCountOneWrite(t *testing.T) {
	mem := ledger.NewMemoryStore()
	seedPayments(t, mem, "A")
	s := &gatedStore{
		Store:   mem,
		entered: make(chan struct{}),
		release: make(chan struct{}),
		scanned: make(chan struct{}, 2),
	}
	p := newProcessor(s)

	results := make(chan *insight.RunResult, 2)
	go func() {
		res, _ := p.Run(ctx, 10)
		results <- res
	}()
	<-s.scanned
	<-s.entered

	go func() {
		res, _ := p.Run(ctx, 10)
		results <- res
	}()
	<-s.scanned
	time.Sleep(50 * time.Millisecond) // let the second run join the in-flight subject
	close(s.release)

	var written, coalesced int
	for i := 0; i < 2; i++ {
		res := <-results
		if res == nil || res.ProcessedSubjects != 1 {
			t.Fatalf("unexpected run result %+v", res)
		}
		written += res.WrittenInsights
		coalesced += res.CoalescedSubjects
	}

	insights, err := mem.QueryBySubject(ctx, "A", ledger.EventInsightGenerated)
	if err != nil {
		t.Fatal(err)
	}
	if written != len(insights) {
		t.Errorf("runs report %d written insights, store holds %d", written, len(insights))
	}
	if written != 1 || coalesced != 1 {
		t.Errorf("expected one write shared by both runs, got written=%d coalesced=%d", written, coalesced)
	}
}
