package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Payload is the type-tagged body of a ledger event. Each known event type
// has its own payload struct; anything else decodes into RawPayload.
type Payload interface {
	EventType() string
}

// versioned is implemented by payloads that declare a schema version.
type versioned interface {
	SchemaVersion() int
}

// PaymentRecorded is written whenever a rent payment is recorded.
type PaymentRecorded struct {
	PaymentID        string    `json:"payment_id"`
	LeaseID          string    `json:"lease_id,omitempty"`
	AmountCents      int64     `json:"amount_cents"`
	MonthlyRentCents int64     `json:"monthly_rent_cents"`
	DueDate          time.Time `json:"due_date"`
	PaidAt           time.Time `json:"paid_at"`
	Method           string    `json:"method,omitempty"`
}

func (PaymentRecorded) EventType() string  { return EventPaymentRecorded }
func (PaymentRecorded) SchemaVersion() int { return 1 }

// RiskLevel is the banded classification of a subject's payment behaviour.
type RiskLevel string

const (
	RiskLow    RiskLevel = "Low"
	RiskMedium RiskLevel = "Medium"
	RiskHigh   RiskLevel = "High"
)

// InsightGenerated is a point-in-time observation of a subject's payment
// behaviour. Several may exist per subject; the latest one wins.
type InsightGenerated struct {
	SubjectID        string    `json:"subject_id"`
	TotalPayments    int       `json:"total_payments"`
	OnTimePayments   int       `json:"on_time_payments"`
	LatePayments     int       `json:"late_payments"`
	OnTimePercentage int       `json:"on_time_percentage"`
	AvgDaysLate      *float64  `json:"avg_days_late,omitempty"`
	RiskScore        float64   `json:"risk_score"`
	RiskLevel        RiskLevel `json:"risk_level"`

	// InsufficientHistory is set when fewer than two payments were scored.
	// The Low/0.3 classification is then a default, not a low-risk signal.
	InsufficientHistory bool      `json:"insufficient_history"`
	Summary             string    `json:"summary"`
	GeneratedAt         time.Time `json:"generated_at"`
}

func (InsightGenerated) EventType() string  { return EventInsightGenerated }
func (InsightGenerated) SchemaVersion() int { return 1 }

// LeaseAction records a lifecycle change on a lease (signed, renewed,
// terminated, ...).
type LeaseAction struct {
	LeaseID     string    `json:"lease_id"`
	Action      string    `json:"action"`
	EffectiveAt time.Time `json:"effective_at"`
	Note        string    `json:"note,omitempty"`
}

func (LeaseAction) EventType() string  { return EventLeaseAction }
func (LeaseAction) SchemaVersion() int { return 1 }

// RawPayload carries the body of an event type this package does not know.
// It is stored and hashed verbatim but must not be interpreted.
type RawPayload struct {
	Type string
	Raw  json.RawMessage
}

func (r RawPayload) EventType() string { return r.Type }

func (r RawPayload) MarshalJSON() ([]byte, error) {
	if len(r.Raw) == 0 {
		return []byte("null"), nil
	}
	return r.Raw, nil
}

// DecodePayload decodes raw into the payload struct registered for
// eventType. Unknown types are kept as RawPayload.
func DecodePayload(eventType string, raw []byte) (Payload, error) {
	return decodePayload(eventType, raw, false)
}

func decodePayload(eventType string, raw []byte, strict bool) (Payload, error) {
	var p Payload
	switch eventType {
	case EventPaymentRecorded:
		var v PaymentRecorded
		if err := unmarshal(raw, &v, strict); err != nil {
			return nil, fmt.Errorf("%w: decode %s: %v", ErrInvalidEvent, eventType, err)
		}
		p = v
	case EventInsightGenerated:
		var v InsightGenerated
		if err := unmarshal(raw, &v, strict); err != nil {
			return nil, fmt.Errorf("%w: decode %s: %v", ErrInvalidEvent, eventType, err)
		}
		p = v
	case EventLeaseAction:
		var v LeaseAction
		if err := unmarshal(raw, &v, strict); err != nil {
			return nil, fmt.Errorf("%w: decode %s: %v", ErrInvalidEvent, eventType, err)
		}
		p = v
	default:
		p = RawPayload{Type: eventType, Raw: append(json.RawMessage(nil), raw...)}
	}
	return p, nil
}

func unmarshal(raw []byte, v any, strict bool) error {
	if !isObject(raw) {
		return fmt.Errorf("payload must be a JSON object")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	if strict {
		dec.DisallowUnknownFields()
	}
	return dec.Decode(v)
}

// CanonicalPayload serialises p so that semantically equal payloads always
// produce identical bytes: object keys sorted, no insignificant whitespace,
// numbers kept in their original textual form.
func CanonicalPayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: payload is nil", ErrInvalidEvent)
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal payload: %v", ErrInvalidEvent, err)
	}
	return canonicalJSON(b)
}

func canonicalJSON(b []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: payload is not valid JSON: %v", ErrInvalidEvent, err)
	}
	// encoding/json writes map keys in sorted order and emits no whitespace.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("%w: encode canonical payload: %v", ErrInvalidEvent, err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// checkRecord rejects payloads that are not JSON objects.
func checkRecord(p Payload) error {
	b, err := CanonicalPayload(p)
	if err != nil {
		return err
	}
	if !isObject(b) {
		return fmt.Errorf("%w: data must be a record", ErrInvalidEvent)
	}
	return nil
}

func isObject(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func schemaVersion(p Payload) int {
	if v, ok := p.(versioned); ok {
		return v.SchemaVersion()
	}
	return 1
}
