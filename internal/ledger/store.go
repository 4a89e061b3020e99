package ledger

import (
	"context"
	"time"
)

// QueryOptions narrows a QueryByType read.
type QueryOptions struct {
	// Since, when non-zero, excludes events older than this instant.
	Since time.Time
	// Limit caps the number of events returned; zero or negative means no cap.
	Limit int
}

// Store is the append-only event store. Implementations guarantee that each
// Append is atomic, that reads never write, and that returned events are
// copies the caller may not use to alter stored state.
type Store interface {
	// Append writes ev keyed by its id. Appending an event whose id already
	// exists with the same content is a no-op success; the same id with
	// different content fails with ErrDuplicateEvent.
	//
	// A newly stored event always sorts after every earlier event of its
	// subject: if ev.Timestamp is not later than the subject's newest
	// timestamp it is moved to one microsecond past it, and the stored value
	// is written back to ev. Late arrivals therefore extend a sealed chain
	// instead of rewriting it.
	Append(ctx context.Context, ev *LedgerEvent) error

	// Get returns the event with the given id or ErrNotFound.
	Get(ctx context.Context, eventID string) (*LedgerEvent, error)

	// QueryByType returns events of eventType, most recent first. Ties are
	// broken by descending event id.
	QueryByType(ctx context.Context, eventType string, opts QueryOptions) ([]*LedgerEvent, error)

	// QueryBySubject returns the subject's events in chain order: timestamp
	// ascending, ties broken by ascending event id. An empty eventType
	// returns every type.
	QueryBySubject(ctx context.Context, subjectID, eventType string) ([]*LedgerEvent, error)

	// MarkChainStatus updates the only mutable field of an event.
	MarkChainStatus(ctx context.Context, eventID string, status ChainStatus) error
}
