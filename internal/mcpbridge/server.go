// Package mcpbridge implements a Model Context Protocol (MCP) server that
// lets a local AI host read rentledger data: subject events, chains,
// verification results and risk insights.
//
// The server speaks newline-delimited JSON-RPC 2.0 over stdio. Every tool is
// read-only; nothing reachable from here can append, seal or run insights.
package mcpbridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
)

const (
	protocolVersion = "2024-11-05"
	serverName      = "rentledger-mcp"

	// instructions is returned from initialize as guidance for the host model.
	instructions = "Tools read a rentledger server. Subjects are tenants or leases " +
		"identified by subject_id. Use verify_chain before relying on a history " +
		"for anything that matters; an ok=false result means stored events no " +
		"longer match the hashes anchored when the chain was sealed."
)

// JSON-RPC error codes.
const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
)

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"` // absent on notifications
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// methodFunc answers one request. A non-nil *rpcError is sent instead of the
// result.
type methodFunc func(ctx context.Context, params json.RawMessage) (any, *rpcError)

// Server is a stdio MCP server over a ToolRegistry.
type Server struct {
	tools   *ToolRegistry
	methods map[string]methodFunc
	version string
	logger  *zap.Logger

	encMu sync.Mutex
	enc   *json.Encoder
	calls sync.WaitGroup
}

// NewServer creates an MCP server that writes responses to w. The logger
// must not write to w.
func NewServer(w io.Writer, tools *ToolRegistry, version string, logger *zap.Logger) *Server {
	s := &Server{tools: tools, enc: json.NewEncoder(w), version: version, logger: logger}
	s.methods = map[string]methodFunc{
		"initialize": s.initialize,
		"ping":       func(context.Context, json.RawMessage) (any, *rpcError) { return struct{}{}, nil },
		"tools/list": s.listTools,
		"tools/call": s.callTool,
	}
	return s
}

// Serve reads requests from r until EOF or ctx is cancelled, then waits for
// in-flight tool calls to finish writing their responses.
func (s *Server) Serve(ctx context.Context, r io.Reader) error {
	defer s.calls.Wait()

	lines := bufio.NewScanner(r)
	lines.Buffer(make([]byte, 64<<10), 1<<20)

	for lines.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(lines.Bytes()) == 0 {
			continue
		}

		var req request
		if err := json.Unmarshal(lines.Bytes(), &req); err != nil {
			s.send(response{JSONRPC: "2.0", ID: json.RawMessage(`null`),
				Error: &rpcError{Code: codeParseError, Message: "parse error"}})
			continue
		}
		if len(req.ID) == 0 {
			s.logger.Debug("notification ignored", zap.String("method", req.Method))
			continue
		}

		// Tool calls wait on the ledger server; protocol methods answer in order.
		if req.Method == "tools/call" {
			s.calls.Add(1)
			go func() {
				defer s.calls.Done()
				s.answer(ctx, req)
			}()
			continue
		}
		s.answer(ctx, req)
	}
	return lines.Err()
}

func (s *Server) answer(ctx context.Context, req request) {
	resp := response{JSONRPC: "2.0", ID: req.ID}
	fn, ok := s.methods[req.Method]
	if !ok {
		resp.Error = &rpcError{Code: codeMethodNotFound, Message: fmt.Sprintf("method not found: %s", req.Method)}
	} else {
		resp.Result, resp.Error = fn(ctx, req.Params)
	}
	s.send(resp)
}

func (s *Server) initialize(context.Context, json.RawMessage) (any, *rpcError) {
	return map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{"tools": map[string]any{}},
		"serverInfo":      map[string]any{"name": serverName, "version": s.version},
		"instructions":    instructions,
	}, nil
}

func (s *Server) listTools(context.Context, json.RawMessage) (any, *rpcError) {
	return map[string]any{"tools": s.tools.Definitions()}, nil
}

func (s *Server) callTool(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	var call struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(params, &call); err != nil || call.Name == "" {
		return nil, &rpcError{Code: codeInvalidParams, Message: "invalid params"}
	}

	s.logger.Debug("tool call", zap.String("tool", call.Name))
	text, isErr := s.tools.Call(ctx, call.Name, call.Arguments)
	if isErr {
		s.logger.Info("tool call failed", zap.String("tool", call.Name), zap.String("error", text))
	}
	return map[string]any{
		"content": []map[string]any{{"type": "text", "text": text}},
		"isError": isErr,
	}, nil
}

func (s *Server) send(resp response) {
	s.encMu.Lock()
	defer s.encMu.Unlock()
	if err := s.enc.Encode(resp); err != nil {
		s.logger.Error("write response", zap.Error(err))
	}
}
