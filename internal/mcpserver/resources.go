package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/tobert/csvedit-mcp/internal/session"
	"github.com/tobert/csvedit-mcp/internal/table"
)

const (
	// previewResourceRows bounds the rows rendered by csv://{id}/preview.
	previewResourceRows = 20
	// activityResourceEvents bounds the events rendered by csv://activity.
	activityResourceEvents = 50
)

// resourceURIs lists the static resources and resource templates.
var resourceURIs = []string{
	"csv://sessions",
	"csv://activity",
	"csv://{session_id}/preview",
	"csv://{session_id}/schema",
	"csv://{session_id}/history",
	"csv://{session_id}/data",
	"csv://{session_id}/row/{row}",
	"csv://{session_id}/cell/{row}/{column}",
}

// registerResources registers all MCP resources and resource templates.
func (s *Server) registerResources() {
	s.mcpServer.AddResource(&mcp.Resource{
		URI:         "csv://sessions",
		Name:        "sessions",
		Description: "Live sessions with shape, history position and last access time.",
		MIMEType:    "text/plain",
	}, s.handleSessionsResource)

	s.mcpServer.AddResource(&mcp.Resource{
		URI:         "csv://activity",
		Name:        "activity",
		Description: "Recent session lifecycle, operation and save events.",
		MIMEType:    "text/plain",
	}, s.handleActivityResource)

	s.mcpServer.AddResourceTemplate(&mcp.ResourceTemplate{
		URITemplate: "csv://{session_id}/preview",
		Name:        "session-preview",
		Description: "The first rows of a session's current dataset as a markdown table.",
		MIMEType:    "text/markdown",
	}, s.handlePreviewResource)

	s.mcpServer.AddResourceTemplate(&mcp.ResourceTemplate{
		URITemplate: "csv://{session_id}/schema",
		Name:        "session-schema",
		Description: "Column names, types, missing and distinct counts of a session's current dataset.",
		MIMEType:    "application/json",
	}, s.handleSchemaResource)

	s.mcpServer.AddResourceTemplate(&mcp.ResourceTemplate{
		URITemplate: "csv://{session_id}/history",
		Name:        "session-history",
		Description: "A session's operation log with the cursor position.",
		MIMEType:    "application/json",
	}, s.handleHistoryResource)

	s.mcpServer.AddResourceTemplate(&mcp.ResourceTemplate{
		URITemplate: "csv://{session_id}/data",
		Name:        "session-data",
		Description: "Every row of a session's current dataset as JSON objects keyed by column name.",
		MIMEType:    "application/json",
	}, s.handleDataResource)

	s.mcpServer.AddResourceTemplate(&mcp.ResourceTemplate{
		URITemplate: "csv://{session_id}/row/{row}",
		Name:        "session-row",
		Description: "One row, by 0-based index, of a session's current dataset.",
		MIMEType:    "application/json",
	}, s.handleRowResource)

	s.mcpServer.AddResourceTemplate(&mcp.ResourceTemplate{
		URITemplate: "csv://{session_id}/cell/{row}/{column}",
		Name:        "session-cell",
		Description: "One cell of a session's current dataset, by 0-based row index and column name.",
		MIMEType:    "application/json",
	}, s.handleCellResource)
}

// ─── Static resource handlers ───────────────────────────────────────────

func (s *Server) handleSessionsResource(
	ctx context.Context,
	req *mcp.ReadResourceRequest,
) (*mcp.ReadResourceResult, error) {
	sessions := s.registry.List()
	limit := s.registry.Config().MaxSessions

	var b strings.Builder
	fmt.Fprintf(&b, "Sessions (%d of %s, %s)\n", len(sessions), fmtNum(limit), fmtPct(len(sessions), limit))
	b.WriteString("════════════\n")
	if len(sessions) == 0 {
		b.WriteString("  (none)\n")
		return textResult(req.Params.URI, b.String()), nil
	}

	fmt.Fprintf(&b, "  %-36s  %8s  %4s  %9s  %-19s  %s\n", "ID", "Rows", "Cols", "Ops", "Last access", "Source")
	fmt.Fprintf(&b, "  %-36s  %8s  %4s  %9s  %-19s  %s\n",
		strings.Repeat("─", 36), "────────", "────", "─────────", "───────────────────", "──────")
	for _, info := range sessions {
		fmt.Fprintf(&b, "  %-36s  %8s  %4d  %4d/%-4d  %-19s  %s\n",
			info.ID, fmtNum(info.Rows), info.Columns, info.Cursor, info.Operations,
			info.LastAccessedAt.Format("2006-01-02 15:04:05"), info.Source)
	}
	return textResult(req.Params.URI, b.String()), nil
}

func (s *Server) handleActivityResource(
	ctx context.Context,
	req *mcp.ReadResourceRequest,
) (*mcp.ReadResourceResult, error) {
	var b strings.Builder
	b.WriteString("Recent Activity\n")
	b.WriteString("═══════════════\n")

	activity := s.registry.Activity()
	if activity == nil {
		b.WriteString("  (activity log disabled)\n")
		return textResult(req.Params.URI, b.String()), nil
	}

	stats := activity.Stats()
	fmt.Fprintf(&b, "  Sessions created: %s   Operations: %s   Saves: %s   Save failures: %s\n\n",
		fmtNum(int(stats.SessionsCreated)), fmtNum(int(stats.Operations)),
		fmtNum(int(stats.Saves)), fmtNum(int(stats.SaveFailures)))

	events := activity.Recent(activityResourceEvents)
	if len(events) == 0 {
		b.WriteString("  (none)\n")
	}
	for _, e := range events {
		fmt.Fprintf(&b, "  %s  %-20s  %-36s  %s\n",
			e.Timestamp.Format("15:04:05.000"), e.Type, e.SessionID, e.Detail)
	}
	return textResult(req.Params.URI, b.String()), nil
}

// ─── Resource template handlers ─────────────────────────────────────────

func (s *Server) handlePreviewResource(
	ctx context.Context,
	req *mcp.ReadResourceRequest,
) (*mcp.ReadResourceResult, error) {
	sess, err := s.sessionFromURI(req.Params.URI, "preview")
	if err != nil {
		return nil, err
	}

	ds := sess.Dataset()
	md, err := table.Bytes(ds.Head(previewResourceRows), table.FormatMarkdown)
	if err != nil {
		return nil, fmt.Errorf("render preview: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**%s**: %s rows x %d columns", sess.Source().Describe(), fmtNum(ds.NumRows()), ds.NumColumns())
	if ds.NumRows() > previewResourceRows {
		fmt.Fprintf(&b, ", showing the first %d", previewResourceRows)
	}
	b.WriteString("\n\n")
	b.Write(md)

	res := textResult(req.Params.URI, b.String())
	res.Contents[0].MIMEType = "text/markdown"
	return res, nil
}

func (s *Server) handleSchemaResource(
	ctx context.Context,
	req *mcp.ReadResourceRequest,
) (*mcp.ReadResourceResult, error) {
	sess, err := s.sessionFromURI(req.Params.URI, "schema")
	if err != nil {
		return nil, err
	}
	ds := sess.Dataset()
	return jsonResult(req.Params.URI, map[string]any{
		"session_id": sess.ID(),
		"rows":       ds.NumRows(),
		"columns":    table.Profile(ds),
	})
}

func (s *Server) handleHistoryResource(
	ctx context.Context,
	req *mcp.ReadResourceRequest,
) (*mcp.ReadResourceResult, error) {
	sess, err := s.sessionFromURI(req.Params.URI, "history")
	if err != nil {
		return nil, err
	}
	return jsonResult(req.Params.URI, map[string]any{
		"session_id": sess.ID(),
		"history":    sess.History().Page(0, 0),
		"stats":      sess.History().Stats(),
	})
}

func (s *Server) handleDataResource(
	ctx context.Context,
	req *mcp.ReadResourceRequest,
) (*mcp.ReadResourceResult, error) {
	sess, err := s.sessionFromURI(req.Params.URI, "data")
	if err != nil {
		return nil, err
	}
	ds := sess.Dataset()
	return jsonResult(req.Params.URI, map[string]any{
		"session_id": sess.ID(),
		"columns":    ds.ColumnNames(),
		"rows":       table.Records(ds),
	})
}

func (s *Server) handleRowResource(
	ctx context.Context,
	req *mcp.ReadResourceRequest,
) (*mcp.ReadResourceResult, error) {
	uri := req.Params.URI
	sess, args, err := s.sessionPath(uri, "row", 1)
	if err != nil {
		return nil, err
	}
	ds := sess.Dataset()
	row, err := strconv.Atoi(args[0])
	if err != nil || row < 0 || row >= ds.NumRows() {
		return nil, mcp.ResourceNotFoundError(uri)
	}
	return jsonResult(uri, map[string]any{
		"session_id": sess.ID(),
		"row_index":  row,
		"values":     ds.Record(row),
	})
}

func (s *Server) handleCellResource(
	ctx context.Context,
	req *mcp.ReadResourceRequest,
) (*mcp.ReadResourceResult, error) {
	uri := req.Params.URI
	sess, args, err := s.sessionPath(uri, "cell", 2)
	if err != nil {
		return nil, err
	}
	ds := sess.Dataset()
	row, err := strconv.Atoi(args[0])
	if err != nil || row < 0 || row >= ds.NumRows() {
		return nil, mcp.ResourceNotFoundError(uri)
	}
	value, err := ds.Cell(row, args[1])
	if err != nil {
		return nil, mcp.ResourceNotFoundError(uri)
	}
	return jsonResult(uri, map[string]any{
		"session_id": sess.ID(),
		"row_index":  row,
		"column":     args[1],
		"value":      value,
	})
}

// ─── Helpers ────────────────────────────────────────────────────────────

// sessionPath resolves csv://{session_id}/{view}/{arg}... to a live session
// and the n unescaped arguments following view.
func (s *Server) sessionPath(uri, view string, n int) (*session.Session, []string, error) {
	rest, ok := strings.CutPrefix(uri, "csv://")
	if !ok {
		return nil, nil, mcp.ResourceNotFoundError(uri)
	}
	parts := strings.Split(rest, "/")
	if len(parts) != n+2 || parts[1] != view {
		return nil, nil, mcp.ResourceNotFoundError(uri)
	}
	args := make([]string, n)
	for i, p := range parts[2:] {
		arg, err := url.PathUnescape(p)
		if err != nil || arg == "" {
			return nil, nil, mcp.ResourceNotFoundError(uri)
		}
		args[i] = arg
	}
	sess, err := s.registry.Get(parts[0])
	if err != nil {
		return nil, nil, mcp.ResourceNotFoundError(uri)
	}
	return sess, args, nil
}

// sessionFromURI resolves csv://{session_id}/{view} to a live session.
func (s *Server) sessionFromURI(uri, view string) (*session.Session, error) {
	id, err := extractURIParam(strings.TrimSuffix(uri, "/"+view), "csv://")
	if err != nil || strings.Contains(id, "/") {
		return nil, mcp.ResourceNotFoundError(uri)
	}
	sess, err := s.registry.Get(id)
	if err != nil {
		return nil, mcp.ResourceNotFoundError(uri)
	}
	return sess, nil
}

// extractURIParam extracts the parameter value from a URI by stripping the prefix
// and URL-decoding the remainder.
func extractURIParam(uri, prefix string) (string, error) {
	if !strings.HasPrefix(uri, prefix) {
		return "", fmt.Errorf("invalid URI: %s", uri)
	}
	param := strings.TrimPrefix(uri, prefix)
	if param == "" {
		return "", fmt.Errorf("empty parameter in URI: %s", uri)
	}
	decoded, err := url.PathUnescape(param)
	if err != nil {
		return "", fmt.Errorf("invalid encoding in URI: %w", err)
	}
	return decoded, nil
}

// textResult wraps a string in a ReadResourceResult.
func textResult(uri, text string) *mcp.ReadResourceResult {
	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{{
			URI:  uri,
			Text: text,
		}},
	}
}

// jsonResult wraps an indented JSON document in a ReadResourceResult.
func jsonResult(uri string, v any) (*mcp.ReadResourceResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", uri, err)
	}
	res := textResult(uri, string(data))
	res.Contents[0].MIMEType = "application/json"
	return res, nil
}

// fmtNum formats an integer with comma separators (e.g. 10,000).
func fmtNum(n int) string {
	if n < 0 {
		return "-" + fmtNum(-n)
	}
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}

	s := fmt.Sprintf("%d", n)
	var result strings.Builder
	remainder := len(s) % 3
	if remainder > 0 {
		result.WriteString(s[:remainder])
	}
	for i := remainder; i < len(s); i += 3 {
		if result.Len() > 0 {
			result.WriteByte(',')
		}
		result.WriteString(s[i : i+3])
	}
	return result.String()
}

// fmtPct formats a percentage like "62%" or "100%".
func fmtPct(count, capacity int) string {
	if capacity == 0 {
		return "─"
	}
	pct := float64(count) / float64(capacity) * 100
	return fmt.Sprintf("%.0f%%", pct)
}
