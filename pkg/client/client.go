package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

var (
	// ErrNotFound is returned for 404 responses, including verification
	// hidden from the caller by a feature gate.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when an event id was already used for
	// different content.
	ErrConflict = errors.New("conflict")

	// ErrUnavailable is returned when the server reports its store as
	// unavailable. The request is safe to retry.
	ErrUnavailable = errors.New("ledger unavailable")
)

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.StatusCode, e.Message)
}

// Is maps well-known statuses onto the package sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrConflict:
		return e.StatusCode == http.StatusConflict
	case ErrUnavailable:
		return e.StatusCode == http.StatusServiceUnavailable
	}
	return false
}

// IsRetryable reports whether err is worth retrying with the same request.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// Actor identifies who submitted an event.
type Actor struct {
	System string `json:"system"`
	UserID string `json:"user_id,omitempty"`
}

// AppendRequest is the payload for AppendEvent.
type AppendRequest struct {
	EventID   string          `json:"event_id,omitempty"`
	EventType string          `json:"event_type"`
	SubjectID string          `json:"subject_id"`
	Data      json.RawMessage `json:"data"`
	Actor     Actor           `json:"actor"`
}

// AppendResult is returned by AppendEvent.
type AppendResult struct {
	EventID  string `json:"event_id"`
	Replayed bool   `json:"replayed"`
}

// Event is a recorded ledger event.
type Event struct {
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	Version   int             `json:"version"`
	Timestamp time.Time       `json:"timestamp"`
	Actor     Actor           `json:"actor"`
	SubjectID string          `json:"subject_id"`
	Data      json.RawMessage `json:"data"`
	Meta      struct {
		ChainStatus string `json:"chain_status"`
	} `json:"meta"`
}

// Block is one link of a subject's chain.
type Block struct {
	Index       int    `json:"index"`
	EventID     string `json:"event_id"`
	PayloadHash string `json:"payload_hash"`
	PrevHash    string `json:"prev_hash"`
	Hash        string `json:"hash"`
}

// ChainView is the response of Chain.
type ChainView struct {
	SubjectID string  `json:"subject_id"`
	Length    int     `json:"length"`
	Root      string  `json:"root"`
	Blocks    []Block `json:"blocks"`
}

// VerifyResult is the response of Verify.
type VerifyResult struct {
	SubjectID         string `json:"subject_id"`
	OK                bool   `json:"ok"`
	Length            int    `json:"length"`
	AnchoredLength    int    `json:"anchored_length"`
	BrokenAtIndex     *int   `json:"broken_at_index,omitempty"`
	ExpectedHash      string `json:"expected_hash,omitempty"`
	ActualHash        string `json:"actual_hash,omitempty"`
	MismatchedIndexes []int  `json:"mismatched_indexes"`
	Root              string `json:"root"`
}

// SealResult is the response of Seal.
type SealResult struct {
	SubjectID string        `json:"subject_id"`
	Length    int           `json:"length"`
	Anchored  int           `json:"anchored"`
	Confirmed int           `json:"confirmed"`
	Failed    int           `json:"failed"`
	Root      string        `json:"root"`
	Verify    *VerifyResult `json:"verify"`
}

// RunResult is the response of RunInsights.
type RunResult struct {
	ScannedEvents     int  `json:"scanned_events"`
	ProcessedSubjects int  `json:"processed_subjects"`
	WrittenInsights   int  `json:"written_insights"`
	CoalescedSubjects int  `json:"coalesced_subjects"`
	SkippedSubjects   int  `json:"skipped_subjects"`
	Partial           bool `json:"partial,omitempty"`
	Failures          []struct {
		SubjectID string `json:"subject_id"`
		Error     string `json:"error"`
	} `json:"failures"`
}

// Insight is a subject's risk insight.
type Insight struct {
	SubjectID           string    `json:"subject_id"`
	TotalPayments       int       `json:"total_payments"`
	OnTimePayments      int       `json:"on_time_payments"`
	LatePayments        int       `json:"late_payments"`
	OnTimePercentage    int       `json:"on_time_percentage"`
	AvgDaysLate         *float64  `json:"avg_days_late,omitempty"`
	RiskScore           float64   `json:"risk_score"`
	RiskLevel           string    `json:"risk_level"`
	InsufficientHistory bool      `json:"insufficient_history"`
	Summary             string    `json:"summary"`
	GeneratedAt         time.Time `json:"generated_at"`
}

// Client talks to a rentledger server.
type Client struct {
	base        string
	httpClient  *http.Client
	bearerToken string
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithBearerToken attaches a caller token to every request.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		return nil
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("timeout must be positive")
		}
		c.httpClient = &http.Client{Timeout: d}
		return nil
	}
}

// New creates a new Client for the server at base.
func New(base string, opts ...Option) (*Client, error) {
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	c := &Client{
		base:       base,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// AppendEvent records an event.
func (c *Client) AppendEvent(ctx context.Context, req AppendRequest) (*AppendResult, error) {
	var out AppendResult
	if err := c.call(ctx, http.MethodPost, "/api/v1/events", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Events lists a subject's events in chain order. eventType may be empty.
func (c *Client) Events(ctx context.Context, subjectID, eventType string) ([]Event, error) {
	path := subjectPath(subjectID, "events")
	if eventType != "" {
		path += "?type=" + url.QueryEscape(eventType)
	}
	var out struct {
		Events []Event `json:"events"`
	}
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

// Chain returns a subject's chain.
func (c *Client) Chain(ctx context.Context, subjectID string) (*ChainView, error) {
	var out ChainView
	if err := c.call(ctx, http.MethodGet, subjectPath(subjectID, "chain"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Seal anchors a subject's chain.
func (c *Client) Seal(ctx context.Context, subjectID string) (*SealResult, error) {
	var out SealResult
	if err := c.call(ctx, http.MethodPost, subjectPath(subjectID, "chain/seal"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Verify checks a subject's chain against its anchors.
func (c *Client) Verify(ctx context.Context, subjectID string) (*VerifyResult, error) {
	var out VerifyResult
	if err := c.call(ctx, http.MethodGet, subjectPath(subjectID, "verify"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// LatestInsight returns a subject's most recent insight.
func (c *Client) LatestInsight(ctx context.Context, subjectID string) (*Insight, error) {
	var out Insight
	if err := c.call(ctx, http.MethodGet, subjectPath(subjectID, "insight"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RunInsights runs the insight processor over up to limit recent payments.
func (c *Client) RunInsights(ctx context.Context, limit int) (*RunResult, error) {
	var out RunResult
	body := map[string]int{"limit": limit}
	if err := c.call(ctx, http.MethodPost, "/api/v1/insights/run", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func subjectPath(subjectID, suffix string) string {
	return "/api/v1/subjects/" + url.PathEscape(subjectID) + "/" + suffix
}

func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	raw, err := c.do(req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		msg := string(body)
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	return body, nil
}
