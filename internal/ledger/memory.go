package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory, thread-safe Store. Events live in an
// insertion-ordered arena; the id index points into it. Existing slots are
// never replaced, only their chain status is updated.
type MemoryStore struct {
	mu     sync.RWMutex
	events []*LedgerEvent
	byID   map[string]int
	lastTS map[string]time.Time // newest timestamp per subject
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]int), lastTS: make(map[string]time.Time)}
}

// Append implements Store.
func (s *MemoryStore) Append(ctx context.Context, ev *LedgerEvent) error {
	if err := ctx.Err(); err != nil {
		return Unavailable("append", err)
	}
	if err := ev.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if idx, ok := s.byID[ev.EventID]; ok {
		if s.events[idx].SameContent(ev) {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrDuplicateEvent, ev.EventID)
	}
	ev.orderAfter(s.lastTS[ev.SubjectID])
	s.lastTS[ev.SubjectID] = ev.Timestamp
	s.byID[ev.EventID] = len(s.events)
	s.events = append(s.events, ev.Clone())
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, eventID string) (*LedgerEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, Unavailable("get", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byID[eventID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, eventID)
	}
	return s.events[idx].Clone(), nil
}

// QueryByType implements Store.
func (s *MemoryStore) QueryByType(ctx context.Context, eventType string, opts QueryOptions) ([]*LedgerEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, Unavailable("query by type", err)
	}
	s.mu.RLock()
	var out []*LedgerEvent
	for _, ev := range s.events {
		if ev.EventType != eventType {
			continue
		}
		if !opts.Since.IsZero() && ev.Timestamp.Before(opts.Since) {
			continue
		}
		out = append(out, ev.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return precedes(out[j], out[i]) })
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// QueryBySubject implements Store.
func (s *MemoryStore) QueryBySubject(ctx context.Context, subjectID, eventType string) ([]*LedgerEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, Unavailable("query by subject", err)
	}
	s.mu.RLock()
	var out []*LedgerEvent
	for _, ev := range s.events {
		if ev.SubjectID != subjectID {
			continue
		}
		if eventType != "" && ev.EventType != eventType {
			continue
		}
		out = append(out, ev.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return precedes(out[i], out[j]) })
	return out, nil
}

// MarkChainStatus implements Store.
func (s *MemoryStore) MarkChainStatus(ctx context.Context, eventID string, status ChainStatus) error {
	if err := ctx.Err(); err != nil {
		return Unavailable("mark chain status", err)
	}
	if !status.Valid() {
		return fmt.Errorf("%w: unknown chain status %q", ErrInvalidEvent, status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.byID[eventID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, eventID)
	}
	s.events[idx].Meta.ChainStatus = status
	return nil
}

// Len returns the number of stored events.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}
