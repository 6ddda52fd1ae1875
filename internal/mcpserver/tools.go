package mcpserver

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/tobert/csvedit-mcp/internal/apperr"
	"github.com/tobert/csvedit-mcp/internal/session"
	"github.com/tobert/csvedit-mcp/internal/storage"
	"github.com/tobert/csvedit-mcp/internal/table"
)

// ═══════════════════════════════════════════════════════════════════════════
// CSV SESSION TOOLS
//
// Sessions:   load_csv, load_csv_from_content, load_csv_from_url, export_csv,
//             get_session_info, list_sessions, close_session, health_check,
//             get_server_info
// Transforms: filter_rows, sort_data, select_columns, rename_columns,
//             add_column, remove_columns, change_column_type,
//             fill_missing_values, remove_duplicates, update_column,
//             set_cell_value, insert_row, delete_row, update_row,
//             replace_in_column, strip_column, transform_column_case,
//             split_column, extract_from_column, validate_schema
// Data:       get_cell_value, get_row_data, get_column_data, get_statistics,
//             get_column_statistics, get_value_counts, profile_data
// History:    undo, redo, restore_to_operation, get_history, clear_history,
//             export_history
// Auto-save:  configure_auto_save, disable_auto_save, get_auto_save_status,
//             trigger_manual_save
//
// Every transform is one history record. Nothing is ever mutated in place:
// undo just moves the session back to an earlier dataset value.
// ═══════════════════════════════════════════════════════════════════════════

func (s *Server) registerTools() error {
	add := func(name string) string {
		s.tools = append(s.tools, name)
		return name
	}

	// Sessions
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        add("load_csv"),
		Description: "START HERE: load a CSV or TSV file into a new editing session. Returns the session_id every other tool needs, plus the inferred schema and a preview of the first rows.",
	}, s.handleLoadCSV)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        add("load_csv_from_content"),
		Description: "Create a session from CSV text passed inline. Without a source file, overwrite auto-saves go to the backup directory.",
	}, s.handleLoadCSVFromContent)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        add("load_csv_from_url"),
		Description: "Create a session from a UTF-8 CSV document fetched over http or https. Overwrite auto-saves go to the backup directory.",
	}, s.handleLoadCSVFromURL)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        add("export_csv"),
		Description: "Write the session's current dataset to a file as csv, tsv, json or markdown. The write is atomic.",
	}, s.handleExportCSV)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        add("get_session_info"),
		Description: "Describe a session: shape, schema, history position and auto-save status.",
	}, s.handleGetSessionInfo)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        add("list_sessions"),
		Description: "List every live session with its shape, history position and last access time.",
	}, s.handleListSessions)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        add("close_session"),
		Description: "Close a session. When auto-save is on the dataset is saved one last time. Closing an unknown or already closed session reports SessionNotFound.",
	}, s.handleCloseSession)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        add("health_check"),
		Description: "Server health: version, session counts and limits, snapshot count, uptime.",
	}, s.handleHealthCheck)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        add("get_server_info"),
		Description: "Server name, version, tools, resources, supported operations and formats, and limits.",
	}, s.handleGetServerInfo)

	// Transforms
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        add("filter_rows"),
		Description: "Keep rows matching conditions (==, !=, >, <, >=, <=, contains, starts_with, ends_with, in, not_in, is_null, not_null) joined by mode 'and' or 'or', and/or a boolean expression over column names such as 'age > 30 && city == \"Oslo\"'.",
	}, s.handleFilterRows)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        add("sort_data"),
		Description: "Stable sort by one or more columns. Missing values sort last.",
	}, s.handleSortData)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        add("select_columns"),
		Description: "Keep only the listed columns, in the listed order.",
	}, s.handleSelectColumns)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        add("rename_columns"),
		Description: "Rename columns using an old -> new mapping.",
	}, s.handleRenameColumns)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        add("add_column"),
		Description: "Append a column holding a constant value or a formula evaluated per row, e.g. 'price * quantity'. Missing cells are nil in formulas.",
	}, s.handleAddColumn)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        add("remove_columns"),
		Description: "Drop the listed columns.",
	}, s.handleRemoveColumns)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        add("change_column_type"),
		Description: "Convert a column to string, integer, float, boolean or datetime. With coerce, unconvertible cells become missing instead of failing.",
	}, s.handleChangeColumnType)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        add("fill_missing_values"),
		Description: "Handle missing cells: drop rows, fill a constant, forward/backward fill, or fill with the column mean, median or mode.",
	}, s.handleFillMissingValues)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        add("remove_duplicates"),
		Description: "Drop rows repeating on the given columns (all columns by default), keeping the first, last or none of each group.",
	}, s.handleRemoveDuplicates)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        add("update_column"),
		Description: "Rewrite a column: regex replace, map values, apply an expression with x bound to the cell, or fill missing cells.",
	}, s.handleUpdateColumn)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        add("set_cell_value"),
		Description: "Set one cell by 0-based row index and column name. A null value makes the cell missing.",
	}, s.handleSetCellValue)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        add("insert_row"),
		Description: "Insert a row before row_index, or append when row_index is omitted or -1. Columns not given are missing.",
	}, s.handleInsertRow)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        add("delete_row"),
		Description: "Delete the row at a 0-based index.",
	}, s.handleDeleteRow)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        add("update_row"),
		Description: "Set several cells of one row at once from a column name -> value object. Columns not given are left alone.",
	}, s.handleUpdateRow)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        add("replace_in_column"),
		Description: "Find and replace within a column's text, as a regular expression (default) or a literal string.",
	}, s.handleReplaceInColumn)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        add("strip_column"),
		Description: "Trim whitespace, or the given characters, from both ends of every cell in a column.",
	}, s.handleStripColumn)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        add("transform_column_case"),
		Description: "Change the case of a column's text: upper, lower, title or capitalize.",
	}, s.handleTransformColumnCase)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        add("split_column"),
		Description: "Split a column's text on a delimiter and keep one part, or expand every part into its own column.",
	}, s.handleSplitColumn)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        add("extract_from_column"),
		Description: "Keep the part of each cell matched by a regular expression, or expand its capture groups into new columns. Cells without a match become missing.",
	}, s.handleExtractFromColumn)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        add("validate_schema"),
		Description: "Validate every row, as an object keyed by column name, against a JSON Schema. Read-only; nothing is recorded.",
	}, s.handleValidateSchema)

	// Data
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        add("get_cell_value"),
		Description: "Read one cell by 0-based row index and column name or index.",
	}, s.handleGetCellValue)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        add("get_row_data"),
		Description: "Read one row as a column name -> value object, optionally limited to some columns.",
	}, s.handleGetRowData)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        add("get_column_data"),
		Description: "Read a column's values, optionally for the row range [start_row, end_row).",
	}, s.handleGetColumnData)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        add("get_statistics"),
		Description: "Count, mean, standard deviation, min, max, sum, variance, skewness, kurtosis and quartiles of numeric columns. Fails when no numeric column is selected.",
	}, s.handleGetStatistics)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        add("get_column_statistics"),
		Description: "Detailed statistics of one column: missing and unique counts, plus numeric moments, most frequent values and text lengths, or the date range, depending on its type.",
	}, s.handleGetColumnStatistics)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        add("get_value_counts"),
		Description: "Frequency of each distinct value in a column, most frequent first, with its share of the rows. Missing cells count as a null value unless drop_missing is set.",
	}, s.handleGetValueCounts)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        add("profile_data"),
		Description: "Profile the whole dataset: shape, duplicate rows, and per-column statistics.",
	}, s.handleProfileData)

	// History
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        add("undo"),
		Description: "Undo the most recent applied operation. Fails with NothingToUndo at the start of history, or HistoryTruncated when the earlier state was pruned from the retention window.",
	}, s.handleUndo)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        add("redo"),
		Description: "Redo the most recently undone operation. Any new operation after an undo discards the redo branch.",
	}, s.handleRedo)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        add("restore_to_operation"),
		Description: "Jump to the state right after a given operation_id, as listed by get_history. Later operations stay redoable.",
	}, s.handleRestoreToOperation)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        add("get_history"),
		Description: "Page through the operation log oldest first, with the cursor position and which entries can still be restored.",
	}, s.handleGetHistory)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        add("clear_history"),
		Description: "Forget every recorded operation. The current dataset stays and becomes the new starting point.",
	}, s.handleClearHistory)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        add("export_history"),
		Description: "Write the operation log to a file as json, csv or sqlite.",
	}, s.handleExportHistory)

	// Auto-save
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        add("configure_auto_save"),
		Description: "Replace the session's auto-save policy. mode: disabled, after_operation, periodic, hybrid. strategy: overwrite, backup, versioned, custom. Fields not given take their defaults; the previous policy is not merged.",
	}, s.handleConfigureAutoSave)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        add("disable_auto_save"),
		Description: "Turn auto-save off for a session and cancel its periodic timer.",
	}, s.handleDisableAutoSave)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        add("get_auto_save_status"),
		Description: "Auto-save policy, last save, last error, counters and next periodic run.",
	}, s.handleGetAutoSaveStatus)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        add("trigger_manual_save"),
		Description: "Save now with the configured strategy, whatever the mode.",
	}, s.handleTriggerManualSave)

	return nil
}

// SessionInput is the input of tools that only need a session.
type SessionInput struct {
	SessionID string `json:"session_id" jsonschema:"Session id returned by load_csv"`
}

// previewRows is how many rows load and info responses include.
const previewRows = 5

// session looks up a live session and starts the metadata of its reply.
func (s *Server) session(id string) (*session.Session, map[string]any, error) {
	meta := map[string]any{"session_id": id}
	if strings.TrimSpace(id) == "" {
		return nil, meta, apperr.ErrInvalidOperation.WithDetails("session_id is required")
	}
	sess, err := s.registry.Get(id)
	if err != nil {
		return nil, meta, err
	}
	return sess, meta, nil
}

// DatasetView is the shape, schema and leading rows of a dataset.
type DatasetView struct {
	SessionID string                `json:"session_id"`
	Source    string                `json:"source"`
	Rows      int                   `json:"rows"`
	Columns   int                   `json:"columns"`
	Schema    []table.ColumnProfile `json:"schema"`
	Preview   []table.PreviewRow    `json:"preview"`
}

func viewOf(sess *session.Session) DatasetView {
	ds := sess.Dataset()
	return DatasetView{
		SessionID: sess.ID(),
		Source:    sess.Source().Describe(),
		Rows:      ds.NumRows(),
		Columns:   ds.NumColumns(),
		Schema:    table.Profile(ds),
		Preview:   table.Preview(ds, previewRows),
	}
}

// Tool: load_csv

type LoadCSVInput struct {
	FilePath  string `json:"file_path" jsonschema:"Path of the CSV or TSV file to load"`
	Delimiter string `json:"delimiter,omitempty" jsonschema:"Field delimiter; defaults to tab for .tsv files and comma otherwise"`
	NoHeader  bool   `json:"no_header,omitempty" jsonschema:"The first line is data; columns are named column_1, column_2, ..."`
	MaxRows   int    `json:"max_rows,omitempty" jsonschema:"Stop after this many data rows (0 loads everything)"`
}

func (s *Server) handleLoadCSV(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input LoadCSVInput,
) (*mcp.CallToolResult, Envelope, error) {
	start := time.Now()
	if input.FilePath == "" {
		return s.reply("load_csv", start, Envelope{}, apperr.ErrInvalidOperation.WithDetails("file_path is required"))
	}
	path, err := filepath.Abs(input.FilePath)
	if err != nil {
		return s.reply("load_csv", start, Envelope{}, apperr.ErrStorageIO.WithCause(err))
	}

	sess, err := s.registry.Create(ctx, table.Source{
		Path:      path,
		Delimiter: input.Delimiter,
		NoHeader:  input.NoHeader,
		MaxRows:   input.MaxRows,
	})
	if err != nil {
		return s.reply("load_csv", start, Envelope{}, err)
	}

	view := viewOf(sess)
	return s.reply("load_csv", start, Envelope{
		Data:     view,
		Message:  fmt.Sprintf("Loaded %d rows x %d columns from %s", view.Rows, view.Columns, path),
		Metadata: map[string]any{"session_id": sess.ID()},
	}, nil)
}

// Tool: load_csv_from_content

type LoadCSVFromContentInput struct {
	Content   string `json:"content" jsonschema:"CSV text including the header line"`
	Delimiter string `json:"delimiter,omitempty" jsonschema:"Field delimiter (default comma)"`
	NoHeader  bool   `json:"no_header,omitempty" jsonschema:"The first line is data"`
}

func (s *Server) handleLoadCSVFromContent(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input LoadCSVFromContentInput,
) (*mcp.CallToolResult, Envelope, error) {
	start := time.Now()
	if strings.TrimSpace(input.Content) == "" {
		return s.reply("load_csv_from_content", start, Envelope{}, apperr.ErrInvalidOperation.WithDetails("content is empty"))
	}

	sess, err := s.registry.Create(ctx, table.Source{
		Content:   input.Content,
		Delimiter: input.Delimiter,
		NoHeader:  input.NoHeader,
	})
	if err != nil {
		return s.reply("load_csv_from_content", start, Envelope{}, err)
	}

	view := viewOf(sess)
	return s.reply("load_csv_from_content", start, Envelope{
		Data:     view,
		Message:  fmt.Sprintf("Loaded %d rows x %d columns from inline content", view.Rows, view.Columns),
		Metadata: map[string]any{"session_id": sess.ID()},
	}, nil)
}

// Tool: export_csv

type ExportCSVInput struct {
	SessionID string `json:"session_id" jsonschema:"Session id returned by load_csv"`
	FilePath  string `json:"file_path" jsonschema:"Destination file; parent directories are created"`
	Format    string `json:"format,omitempty" jsonschema:"csv, tsv, json or markdown; inferred from the file extension when omitted"`
}

func (s *Server) handleExportCSV(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input ExportCSVInput,
) (*mcp.CallToolResult, Envelope, error) {
	start := time.Now()
	sess, meta, err := s.session(input.SessionID)
	if err != nil {
		return s.reply("export_csv", start, Envelope{Metadata: meta}, err)
	}
	if input.FilePath == "" {
		return s.reply("export_csv", start, Envelope{Metadata: meta}, apperr.ErrInvalidOperation.WithDetails("file_path is required"))
	}

	name := input.Format
	if name == "" {
		name = strings.TrimPrefix(filepath.Ext(input.FilePath), ".")
		if _, err := table.ParseFormat(name); err != nil {
			name = ""
		}
	}
	format, err := table.ParseFormat(name)
	if err != nil {
		return s.reply("export_csv", start, Envelope{Metadata: meta}, apperr.ErrInvalidOperation.WithCause(err))
	}

	ds := sess.Dataset()
	data, err := table.Bytes(ds, format)
	if err != nil {
		return s.reply("export_csv", start, Envelope{Metadata: meta}, apperr.ErrStorageIO.WithCause(err))
	}
	if err := storage.WriteFileAtomic(input.FilePath, data); err != nil {
		return s.reply("export_csv", start, Envelope{Metadata: meta}, apperr.ErrStorageIO.WithCause(err))
	}
	s.registry.Activity().Record(storage.EventExport, sess.ID(), input.FilePath)

	return s.reply("export_csv", start, Envelope{
		Data: map[string]any{
			"file_path": input.FilePath,
			"format":    string(format),
			"rows":      ds.NumRows(),
			"columns":   ds.NumColumns(),
			"bytes":     len(data),
		},
		Message:  fmt.Sprintf("Exported %d rows to %s", ds.NumRows(), input.FilePath),
		Metadata: meta,
	}, nil)
}

// Tool: get_session_info

func (s *Server) handleGetSessionInfo(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input SessionInput,
) (*mcp.CallToolResult, Envelope, error) {
	start := time.Now()
	sess, meta, err := s.session(input.SessionID)
	if err != nil {
		return s.reply("get_session_info", start, Envelope{Metadata: meta}, err)
	}

	ds := sess.Dataset()
	return s.reply("get_session_info", start, Envelope{
		Data: map[string]any{
			"session":   sess.Info(),
			"schema":    table.Profile(ds),
			"nulls":     ds.NullCounts(),
			"history":   sess.History().Stats(),
			"auto_save": sess.AutoSave().Status(),
		},
		Metadata: meta,
	}, nil)
}

// Tool: list_sessions

type ListSessionsInput struct{}

func (s *Server) handleListSessions(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input ListSessionsInput,
) (*mcp.CallToolResult, Envelope, error) {
	start := time.Now()
	sessions := s.registry.List()
	return s.reply("list_sessions", start, Envelope{
		Data: map[string]any{
			"sessions": sessions,
			"count":    len(sessions),
		},
		Message: fmt.Sprintf("%d active sessions", len(sessions)),
	}, nil)
}

// Tool: close_session

func (s *Server) handleCloseSession(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input SessionInput,
) (*mcp.CallToolResult, Envelope, error) {
	start := time.Now()
	meta := map[string]any{"session_id": input.SessionID}
	if err := s.registry.Close(ctx, input.SessionID); err != nil {
		return s.reply("close_session", start, Envelope{Metadata: meta}, err)
	}
	return s.reply("close_session", start, Envelope{
		Data:     map[string]any{"closed": true},
		Message:  fmt.Sprintf("Closed session %s", input.SessionID),
		Metadata: meta,
	}, nil)
}

// Tool: health_check

type HealthCheckInput struct{}

func (s *Server) handleHealthCheck(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input HealthCheckInput,
) (*mcp.CallToolResult, Envelope, error) {
	start := time.Now()
	cfg := s.registry.Config()
	uptime := time.Since(s.started).Truncate(time.Second)
	return s.reply("health_check", start, Envelope{
		Data: map[string]any{
			"status":              "healthy",
			"version":             s.version,
			"active_sessions":     s.registry.Len(),
			"max_sessions":        cfg.MaxSessions,
			"session_ttl_minutes": cfg.TTL.Minutes(),
			"snapshots":           s.registry.Store().Count(),
			"tools":               len(s.tools),
			"uptime":              uptime.String(),
		},
		Message: "Server is healthy",
	}, nil)
}
