package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Well-known event types. The set is open: any non-empty type is legal and
// consumers ignore types they do not recognise.
const (
	EventPaymentRecorded  = "PaymentRecorded"
	EventInsightGenerated = "InsightGenerated"
	EventLeaseAction      = "LeaseAction"
)

// ChainStatus is the lifecycle of an event's inclusion in its subject's
// sealed hash chain.
type ChainStatus string

const (
	ChainPending   ChainStatus = "pending"
	ChainConfirmed ChainStatus = "confirmed"
	ChainFailed    ChainStatus = "failed"
)

// Valid reports whether s is one of the known chain statuses.
func (s ChainStatus) Valid() bool {
	switch s {
	case ChainPending, ChainConfirmed, ChainFailed:
		return true
	}
	return false
}

// Actor records who or what produced an event.
type Actor struct {
	System string `json:"system"`
	UserID string `json:"user_id,omitempty"`
}

// Meta holds the only mutable part of an event.
type Meta struct {
	ChainStatus ChainStatus `json:"chain_status"`
}

// LedgerEvent is a single immutable record in the ledger.
type LedgerEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Version   int       `json:"version"`
	Timestamp time.Time `json:"timestamp"`
	Actor     Actor     `json:"actor"`
	SubjectID string    `json:"subject_id"`
	Data      Payload   `json:"data"`
	Meta      Meta      `json:"meta"`
}

// wireEvent is LedgerEvent with the payload left undecoded.
type wireEvent struct {
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	Version   int             `json:"version"`
	Timestamp time.Time       `json:"timestamp"`
	Actor     Actor           `json:"actor"`
	SubjectID string          `json:"subject_id"`
	Data      json.RawMessage `json:"data"`
	Meta      Meta            `json:"meta"`
}

// UnmarshalJSON decodes the payload according to EventType.
func (e *LedgerEvent) UnmarshalJSON(b []byte) error {
	var w wireEvent
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	data, err := DecodePayload(w.EventType, w.Data)
	if err != nil {
		return err
	}
	*e = LedgerEvent{
		EventID:   w.EventID,
		EventType: w.EventType,
		Version:   w.Version,
		Timestamp: w.Timestamp,
		Actor:     w.Actor,
		SubjectID: w.SubjectID,
		Data:      data,
		Meta:      w.Meta,
	}
	return nil
}

// Clone returns a deep copy of e, including payload fields held by
// reference.
func (e *LedgerEvent) Clone() *LedgerEvent {
	if e == nil {
		return nil
	}
	cp := *e
	switch d := e.Data.(type) {
	case RawPayload:
		cp.Data = RawPayload{Type: d.Type, Raw: append(json.RawMessage(nil), d.Raw...)}
	case InsightGenerated:
		if d.AvgDaysLate != nil {
			v := *d.AvgDaysLate
			d.AvgDaysLate = &v
		}
		cp.Data = d
	}
	return &cp
}

// SameContent reports whether e and o describe the same submission: same
// id, type, subject, version, actor and canonical payload. Timestamp and
// Meta are excluded because a retried submission re-creates its envelope.
func (e *LedgerEvent) SameContent(o *LedgerEvent) bool {
	if e.EventID != o.EventID || e.EventType != o.EventType ||
		e.SubjectID != o.SubjectID || e.Version != o.Version || e.Actor != o.Actor {
		return false
	}
	a, errA := CanonicalPayload(e.Data)
	b, errB := CanonicalPayload(o.Data)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// validate performs the minimal structural checks shared by the factory and
// every store.
func (e *LedgerEvent) validate() error {
	if e == nil {
		return fmt.Errorf("%w: event is nil", ErrInvalidEvent)
	}
	if e.EventID == "" {
		return fmt.Errorf("%w: event_id is required", ErrInvalidEvent)
	}
	if e.EventType == "" {
		return fmt.Errorf("%w: event_type is required", ErrInvalidEvent)
	}
	if e.SubjectID == "" {
		return fmt.Errorf("%w: subject_id is required", ErrInvalidEvent)
	}
	if !e.Meta.ChainStatus.Valid() {
		return fmt.Errorf("%w: unknown chain status %q", ErrInvalidEvent, e.Meta.ChainStatus)
	}
	return checkRecord(e.Data)
}

// orderAfter moves e's timestamp just past last when it would otherwise not
// sort after it, so a subject's chain order is its append order. Stores call
// it under their per-subject write lock.
func (e *LedgerEvent) orderAfter(last time.Time) {
	if !last.IsZero() && !e.Timestamp.After(last) {
		e.Timestamp = last.Add(time.Microsecond)
	}
}

// precedes orders events by timestamp, then event id.
func precedes(a, b *LedgerEvent) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.EventID < b.EventID
}
