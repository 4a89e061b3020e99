package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jmerrifield20/rentledger/internal/ledger"
)

// blockingStore never answers until its context is done.
type blockingStore struct{ ledger.Store }

func (blockingStore) QueryBySubject(ctx context.Context, _, _ string) ([]*ledger.LedgerEvent, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockingStore) Append(ctx context.Context, _ *ledger.LedgerEvent) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestWithTimeout_surfacesUnavailable(t *testing.T) {
	s := ledger.WithTimeout(blockingStore{ledger.NewMemoryStore()}, 20*time.Millisecond)

	start := time.Now()
	evs, err := s.QueryBySubject(ctx, "tenant-1", "")
	if !errors.Is(err, ledger.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if evs != nil {
		t.Errorf("expected no events on timeout, got %d", len(evs))
	}
	if time.Since(start) > time.Second {
		t.Error("timeout was not enforced")
	}

	f := ledger.NewFactory()
	err = s.Append(ctx, mustCreate(t, f, "tenant-1", payment("p", base, base)))
	if !ledger.IsRetryable(err) {
		t.Errorf("append timeout should be retryable, got %v", err)
	}
}

func TestWithTimeout_passesThrough(t *testing.T) {
	inner := ledger.NewMemoryStore()
	s := ledger.WithTimeout(inner, time.Second)
	f := ledger.NewFactory()
	ev := mustCreate(t, f, "tenant-1", payment("p", base, base))

	if err := s.Append(ctx, ev); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("expected ErrNotFound to pass through, got %v", err)
	}
	if ledger.WithTimeout(inner, 0) != ledger.Store(inner) {
		t.Error("zero timeout should return the store unchanged")
	}
}
