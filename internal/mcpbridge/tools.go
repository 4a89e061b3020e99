package mcpbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmerrifield20/rentledger/pkg/client"
)

// LedgerReader is the part of the rentledger SDK the tools use.
type LedgerReader interface {
	Events(ctx context.Context, subjectID, eventType string) ([]client.Event, error)
	Chain(ctx context.Context, subjectID string) (*client.ChainView, error)
	Verify(ctx context.Context, subjectID string) (*client.VerifyResult, error)
	LatestInsight(ctx context.Context, subjectID string) (*client.Insight, error)
}

// ToolDefinition is the MCP tool descriptor sent in tools/list responses.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

func ok(text string) (string, bool)   { return text, false }
func fail(text string) (string, bool) { return text, true }
func failf(format string, a ...any) (string, bool) {
	return fmt.Sprintf(format, a...), true
}

func subjectSchema(extra map[string]any) map[string]any {
	props := map[string]any{
		"subject_id": map[string]any{
			"type":        "string",
			"description": "The subject (tenant or lease) whose history to read, e.g. tenant-42",
		},
	}
	for k, v := range extra {
		props[k] = v
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   []string{"subject_id"},
	}
}

// ToolRegistry holds the read-only ledger tools.
type ToolRegistry struct {
	c    LedgerReader
	defs []ToolDefinition
}

// NewToolRegistry creates a ToolRegistry backed by c.
func NewToolRegistry(c LedgerReader) *ToolRegistry {
	r := &ToolRegistry{c: c}
	r.defs = []ToolDefinition{
		{
			Name: "list_events",
			Description: "List a subject's ledger events in chain order. " +
				"Optionally filter by event type such as PaymentRecorded or LeaseAction.",
			InputSchema: subjectSchema(map[string]any{
				"event_type": map[string]any{
					"type":        "string",
					"description": "Only return events of this type. Leave empty for all.",
				},
			}),
		},
		{
			Name:        "get_chain",
			Description: "Return a subject's hash chain: its length, root hash and every block.",
			InputSchema: subjectSchema(nil),
		},
		{
			Name: "verify_chain",
			Description: "Check a subject's history against the hashes anchored when it was sealed. " +
				"Reports whether the history is intact and, if not, the first altered block.",
			InputSchema: subjectSchema(nil),
		},
		{
			Name: "latest_insight",
			Description: "Return the most recent payment risk insight for a subject: on-time percentage, " +
				"average days late, risk level and a short summary.",
			InputSchema: subjectSchema(nil),
		},
	}
	return r
}

// Definitions returns the list of tool definitions for tools/list responses.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	return r.defs
}

// Call dispatches a tool call by name and returns (output text, isError).
func (r *ToolRegistry) Call(ctx context.Context, name string, args json.RawMessage) (string, bool) {
	var in struct {
		SubjectID string `json:"subject_id"`
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(args, &in); err != nil || in.SubjectID == "" {
		return fail("subject_id is required")
	}

	var (
		v   any
		err error
	)
	switch name {
	case "list_events":
		var evs []client.Event
		evs, err = r.c.Events(ctx, in.SubjectID, in.EventType)
		if err == nil && len(evs) == 0 {
			return ok("No events recorded for this subject.")
		}
		v = evs
	case "get_chain":
		v, err = r.c.Chain(ctx, in.SubjectID)
	case "verify_chain":
		v, err = r.c.Verify(ctx, in.SubjectID)
	case "latest_insight":
		v, err = r.c.LatestInsight(ctx, in.SubjectID)
		if errors.Is(err, client.ErrNotFound) {
			return ok("No insight has been generated for this subject yet.")
		}
	default:
		return failf("unknown tool: %q", name)
	}
	if err != nil {
		return failf("%s failed: %v", name, err)
	}

	out, _ := json.MarshalIndent(v, "", "  ")
	return ok(string(out))
}
