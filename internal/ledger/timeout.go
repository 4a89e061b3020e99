package ledger

import (
	"context"
	"fmt"
	"time"
)

// timeoutStore bounds every call to the wrapped Store. A call that runs out
// of time fails with ErrStoreUnavailable instead of returning partial data.
type timeoutStore struct {
	next    Store
	timeout time.Duration
}

// WithTimeout wraps s so that no call blocks longer than d. A non-positive
// d returns s unchanged.
func WithTimeout(s Store, d time.Duration) Store {
	if d <= 0 {
		return s
	}
	return &timeoutStore{next: s, timeout: d}
}

func (t *timeoutStore) classify(op string, err error) error {
	if err != nil && isTimeout(err) {
		return fmt.Errorf("%s timed out after %s: %w", op, t.timeout, Unavailable(op, err))
	}
	return err
}

func (t *timeoutStore) Append(ctx context.Context, ev *LedgerEvent) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.classify("append", t.next.Append(ctx, ev))
}

func (t *timeoutStore) Get(ctx context.Context, eventID string) (*LedgerEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	ev, err := t.next.Get(ctx, eventID)
	return ev, t.classify("get", err)
}

func (t *timeoutStore) QueryByType(ctx context.Context, eventType string, opts QueryOptions) ([]*LedgerEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	evs, err := t.next.QueryByType(ctx, eventType, opts)
	if err != nil {
		return nil, t.classify("query by type", err)
	}
	return evs, nil
}

func (t *timeoutStore) QueryBySubject(ctx context.Context, subjectID, eventType string) ([]*LedgerEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	evs, err := t.next.QueryBySubject(ctx, subjectID, eventType)
	if err != nil {
		return nil, t.classify("query by subject", err)
	}
	return evs, nil
}

func (t *timeoutStore) MarkChainStatus(ctx context.Context, eventID string, status ChainStatus) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.classify("mark chain status", t.next.MarkChainStatus(ctx, eventID, status))
}
