package mcpserver

import (
	"context"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"

	"github.com/tobert/csvedit-mcp/internal/apperr"
	"github.com/tobert/csvedit-mcp/internal/metrics"
	"github.com/tobert/csvedit-mcp/internal/session"
)

// Server binds the session registry to MCP tools and resources.
type Server struct {
	mcpServer *mcp.Server
	registry  *session.Registry
	metrics   *metrics.Metrics
	log       zerolog.Logger
	version   string
	started   time.Time
	// tools lists every registered tool, in registration order.
	tools []string
}

// ServerOptions configures the MCP server.
type ServerOptions struct {
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	Version string
}

// NewServer creates an MCP server over registry.
func NewServer(registry *session.Registry, opts ...ServerOptions) (*Server, error) {
	if registry == nil {
		return nil, fmt.Errorf("session registry cannot be nil")
	}

	var o ServerOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	if o.Version == "" {
		o.Version = "dev"
	}

	s := &Server{
		registry: registry,
		metrics:  o.Metrics,
		log:      o.Logger.With().Str("component", "mcp").Logger(),
		version:  o.Version,
		started:  time.Now(),
	}

	s.mcpServer = mcp.NewServer(&mcp.Implementation{
		Name:    "csvedit-mcp",
		Title:   "CSV editing sessions with undo/redo and auto-save",
		Version: o.Version,
	}, &mcp.ServerOptions{
		Instructions: `CSV editing server. Load a file or inline content to get a session_id, then transform it.

Workflow: load_csv -> filter_rows/sort_data/add_column/... -> undo/redo/restore_to_operation -> export_csv.
Every mutation is recorded in the session history and, depending on configure_auto_save, written to disk.
Every tool returns {success, data, error_kind, message, warnings, metadata}.
Read-only tools (get_cell_value, get_statistics, profile_data, ...) never change the session or its history.
Resources: csv://sessions, csv://activity, csv://{session_id}/preview, csv://{session_id}/schema, csv://{session_id}/history,
csv://{session_id}/data, csv://{session_id}/row/{row}, csv://{session_id}/cell/{row}/{column}.`,
		SubscribeHandler:   func(_ context.Context, _ *mcp.SubscribeRequest) error { return nil },
		UnsubscribeHandler: func(_ context.Context, _ *mcp.UnsubscribeRequest) error { return nil },
	})

	if err := s.registerTools(); err != nil {
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}
	s.registerResources()

	return s, nil
}

// Run starts the MCP server on stdio transport.
// This method blocks until the context is cancelled or EOF is received on stdin.
func (s *Server) Run(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcp.StdioTransport{})
}

// MCPServer returns the underlying mcp.Server for use with alternative transports.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcpServer
}

// Tools returns the registered tool names.
func (s *Server) Tools() []string {
	return append([]string(nil), s.tools...)
}

// Registry returns the session registry the tools operate on.
func (s *Server) Registry() *session.Registry {
	return s.registry
}

// Envelope is the output of every tool.
type Envelope struct {
	Success   bool           `json:"success" jsonschema:"Whether the call succeeded"`
	Data      any            `json:"data,omitempty" jsonschema:"Tool specific result"`
	ErrorKind string         `json:"error_kind,omitempty" jsonschema:"Error class when success is false, e.g. SessionNotFound or NothingToUndo"`
	Message   string         `json:"message,omitempty" jsonschema:"Human readable outcome or error"`
	Warnings  []string       `json:"warnings,omitempty" jsonschema:"Non-fatal problems such as a failed auto-save"`
	Metadata  map[string]any `json:"metadata,omitempty" jsonschema:"Session id, timing and history position"`
}

// reply is the common tail of every handler: it builds the envelope,
// records metrics and logs failures.
func (s *Server) reply(tool string, start time.Time, env Envelope, err error) (*mcp.CallToolResult, Envelope, error) {
	if err != nil {
		env.Success = false
		env.Data = nil
		env.ErrorKind = string(apperr.KindOf(err))
		env.Message = err.Error()
		s.log.Debug().Str("tool", tool).Str("error_kind", env.ErrorKind).Err(err).Msg("tool failed")
	} else {
		env.Success = true
	}
	if env.Metadata == nil {
		env.Metadata = map[string]any{}
	}
	elapsed := time.Since(start)
	env.Metadata["duration_ms"] = elapsed.Milliseconds()
	s.metrics.ToolCall(tool, env.ErrorKind, elapsed)
	return &mcp.CallToolResult{}, env, nil
}

// notifyChanged tells subscribed clients that a session's views changed.
func (s *Server) notifyChanged(ctx context.Context, sessionID string) {
	for _, suffix := range []string{"preview", "schema", "history", "data"} {
		uri := fmt.Sprintf("csv://%s/%s", sessionID, suffix)
		if err := s.mcpServer.ResourceUpdated(ctx, &mcp.ResourceUpdatedNotificationParams{URI: uri}); err != nil {
			s.log.Debug().Err(err).Str("uri", uri).Msg("resource update notification failed")
		}
	}
}
