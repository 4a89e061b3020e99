package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Clock returns the current time.
type Clock func() time.Time

// IDSource returns a fresh, globally unique event id.
type IDSource func() (string, error)

// randomID returns a UUIDv4 (122 random bits).
func randomID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate event id: %w", err)
	}
	return id.String(), nil
}

// Factory constructs ledger events with canonical metadata. It never writes
// to a store.
type Factory struct {
	now   Clock
	newID IDSource
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithClock overrides the factory clock.
func WithClock(c Clock) FactoryOption {
	return func(f *Factory) { f.now = c }
}

// WithIDSource overrides the event id generator.
func WithIDSource(s IDSource) FactoryOption {
	return func(f *Factory) { f.newID = s }
}

// NewFactory creates a Factory using the wall clock and random UUIDs unless
// overridden.
func NewFactory(opts ...FactoryOption) *Factory {
	f := &Factory{
		now:   func() time.Time { return time.Now() },
		newID: randomID,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// CreateOption adjusts a single event at creation time.
type CreateOption func(*LedgerEvent)

// WithVersion overrides the schema version declared by the payload.
func WithVersion(v int) CreateOption {
	return func(e *LedgerEvent) { e.Version = v }
}

// WithMeta overrides the initial event metadata.
func WithMeta(m Meta) CreateOption {
	return func(e *LedgerEvent) { e.Meta = m }
}

// WithEventID uses a caller-supplied id instead of generating one. Callers
// retrying a submission after a timeout pass the id of the first attempt so
// that the store treats the retry as an idempotent replay.
func WithEventID(id string) CreateOption {
	return func(e *LedgerEvent) { e.EventID = id }
}

// Create builds a new pending event. Timestamps are UTC and truncated to
// microseconds, the finest precision every store keeps.
func (f *Factory) Create(eventType, subjectID string, data Payload, actor Actor, opts ...CreateOption) (*LedgerEvent, error) {
	if eventType == "" {
		return nil, fmt.Errorf("%w: event_type is required", ErrInvalidEvent)
	}
	if subjectID == "" {
		return nil, fmt.Errorf("%w: subject_id is required", ErrInvalidEvent)
	}
	if data == nil {
		return nil, fmt.Errorf("%w: data is required", ErrInvalidEvent)
	}
	if data.EventType() != eventType {
		return nil, fmt.Errorf("%w: payload of type %q cannot be recorded as %q",
			ErrInvalidEvent, data.EventType(), eventType)
	}
	if err := checkRecord(data); err != nil {
		return nil, err
	}

	ev := &LedgerEvent{
		EventType: eventType,
		Version:   schemaVersion(data),
		Timestamp: f.now().UTC().Truncate(time.Microsecond),
		Actor:     actor,
		SubjectID: subjectID,
		Data:      data,
		Meta:      Meta{ChainStatus: ChainPending},
	}
	for _, o := range opts {
		o(ev)
	}
	if ev.EventID == "" {
		id, err := f.newID()
		if err != nil {
			return nil, err
		}
		ev.EventID = id
	}
	if err := ev.validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

// Decode builds a payload from boundary JSON. Known types reject unknown
// fields so that typos surface as ErrInvalidEvent instead of being dropped.
func (f *Factory) Decode(eventType string, raw []byte) (Payload, error) {
	if eventType == "" {
		return nil, fmt.Errorf("%w: event_type is required", ErrInvalidEvent)
	}
	return decodePayload(eventType, raw, true)
}
