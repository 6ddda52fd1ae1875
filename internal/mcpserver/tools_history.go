package mcpserver

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/tobert/csvedit-mcp/internal/apperr"
	"github.com/tobert/csvedit-mcp/internal/autosave"
	"github.com/tobert/csvedit-mcp/internal/history"
	"github.com/tobert/csvedit-mcp/internal/session"
	"github.com/tobert/csvedit-mcp/internal/storage"
	"github.com/tobert/csvedit-mcp/internal/table"
)

// move is the shared body of undo, redo and restore_to_operation.
func (s *Server) move(ctx context.Context, tool, sessionID, verb string, step func(*session.Session) (*session.Result, error)) (*mcp.CallToolResult, Envelope, error) {
	start := time.Now()
	sess, meta, err := s.session(sessionID)
	if err != nil {
		return s.reply(tool, start, Envelope{Metadata: meta}, err)
	}
	res, err := step(sess)
	if err != nil {
		return s.reply(tool, start, Envelope{Metadata: meta}, err)
	}
	s.notifyChanged(ctx, sess.ID())

	meta["operation_id"] = res.Operation.OperationID
	meta["cursor"] = sess.History().Cursor()
	return s.reply(tool, start, Envelope{
		Data:     operationData(res),
		Message:  fmt.Sprintf("%s %s (operation %d); %d rows x %d columns", verb, res.Operation.Kind, res.Operation.OperationID, res.Rows, res.Columns),
		Warnings: res.Warnings,
		Metadata: meta,
	}, nil)
}

// Tool: undo

func (s *Server) handleUndo(ctx context.Context, req *mcp.CallToolRequest, input SessionInput) (*mcp.CallToolResult, Envelope, error) {
	return s.move(ctx, "undo", input.SessionID, "Undid", func(sess *session.Session) (*session.Result, error) {
		return sess.Undo(ctx)
	})
}

// Tool: redo

func (s *Server) handleRedo(ctx context.Context, req *mcp.CallToolRequest, input SessionInput) (*mcp.CallToolResult, Envelope, error) {
	return s.move(ctx, "redo", input.SessionID, "Redid", func(sess *session.Session) (*session.Result, error) {
		return sess.Redo(ctx)
	})
}

// Tool: restore_to_operation

type RestoreToOperationInput struct {
	SessionID   string `json:"session_id" jsonschema:"Session id returned by load_csv"`
	OperationID int64  `json:"operation_id" jsonschema:"Operation id from get_history"`
}

func (s *Server) handleRestoreToOperation(ctx context.Context, req *mcp.CallToolRequest, input RestoreToOperationInput) (*mcp.CallToolResult, Envelope, error) {
	return s.move(ctx, "restore_to_operation", input.SessionID, "Restored to", func(sess *session.Session) (*session.Result, error) {
		return sess.RestoreTo(ctx, input.OperationID)
	})
}

// Tool: get_history

type GetHistoryInput struct {
	SessionID string `json:"session_id" jsonschema:"Session id returned by load_csv"`
	Offset    int    `json:"offset,omitempty" jsonschema:"Index of the first record (default 0)"`
	Limit     int    `json:"limit,omitempty" jsonschema:"Maximum records to list; 0 lists everything"`
}

func (s *Server) handleGetHistory(ctx context.Context, req *mcp.CallToolRequest, input GetHistoryInput) (*mcp.CallToolResult, Envelope, error) {
	start := time.Now()
	sess, meta, err := s.session(input.SessionID)
	if err != nil {
		return s.reply("get_history", start, Envelope{Metadata: meta}, err)
	}
	if input.Offset < 0 || input.Limit < 0 {
		return s.reply("get_history", start, Envelope{Metadata: meta}, apperr.ErrInvalidOperation.WithDetails("offset and limit must not be negative"))
	}

	page := sess.History().Page(input.Offset, input.Limit)
	return s.reply("get_history", start, Envelope{
		Data: map[string]any{
			"history": page,
			"stats":   sess.History().Stats(),
		},
		Message:  fmt.Sprintf("%d of %d operations, cursor at %d", len(page.Entries), page.Total, page.Cursor),
		Metadata: meta,
	}, nil)
}

// Tool: clear_history

func (s *Server) handleClearHistory(ctx context.Context, req *mcp.CallToolRequest, input SessionInput) (*mcp.CallToolResult, Envelope, error) {
	start := time.Now()
	sess, meta, err := s.session(input.SessionID)
	if err != nil {
		return s.reply("clear_history", start, Envelope{Metadata: meta}, err)
	}
	n, err := sess.ClearHistory(ctx)
	if err != nil {
		return s.reply("clear_history", start, Envelope{Metadata: meta}, err)
	}
	s.notifyChanged(ctx, sess.ID())
	return s.reply("clear_history", start, Envelope{
		Data:     map[string]any{"cleared": n},
		Message:  fmt.Sprintf("Cleared %d operations; the current data is the new starting point", n),
		Metadata: meta,
	}, nil)
}

// Tool: export_history

type ExportHistoryInput struct {
	SessionID string `json:"session_id" jsonschema:"Session id returned by load_csv"`
	FilePath  string `json:"file_path" jsonschema:"Destination file"`
	Format    string `json:"format,omitempty" jsonschema:"json, csv or sqlite; inferred from the file extension when omitted"`
}

func exportFormatFor(path, format string) (history.ExportFormat, error) {
	if format != "" {
		return history.ParseExportFormat(format)
	}
	if f, err := history.ParseExportFormat(strings.TrimPrefix(filepath.Ext(path), ".")); err == nil {
		return f, nil
	}
	return history.ExportJSON, nil
}

func (s *Server) handleExportHistory(ctx context.Context, req *mcp.CallToolRequest, input ExportHistoryInput) (*mcp.CallToolResult, Envelope, error) {
	start := time.Now()
	sess, meta, err := s.session(input.SessionID)
	if err != nil {
		return s.reply("export_history", start, Envelope{Metadata: meta}, err)
	}
	if input.FilePath == "" {
		return s.reply("export_history", start, Envelope{Metadata: meta}, apperr.ErrInvalidOperation.WithDetails("file_path is required"))
	}
	format, err := exportFormatFor(input.FilePath, input.Format)
	if err != nil {
		return s.reply("export_history", start, Envelope{Metadata: meta}, err)
	}
	if err := sess.ExportHistory(ctx, input.FilePath, format); err != nil {
		return s.reply("export_history", start, Envelope{Metadata: meta}, err)
	}
	s.registry.Activity().Record(storage.EventExport, sess.ID(), input.FilePath)

	return s.reply("export_history", start, Envelope{
		Data: map[string]any{
			"file_path":  input.FilePath,
			"format":     string(format),
			"operations": sess.History().Len(),
		},
		Message:  fmt.Sprintf("Exported history to %s", input.FilePath),
		Metadata: meta,
	}, nil)
}

// Tool: configure_auto_save

type ConfigureAutoSaveInput struct {
	SessionID       string  `json:"session_id" jsonschema:"Session id returned by load_csv"`
	Enabled         *bool   `json:"enabled,omitempty" jsonschema:"Default true"`
	Mode            string  `json:"mode,omitempty" jsonschema:"disabled, after_operation (default), periodic or hybrid"`
	Strategy        string  `json:"strategy,omitempty" jsonschema:"overwrite (default), backup, versioned or custom"`
	IntervalSeconds float64 `json:"interval_seconds,omitempty" jsonschema:"Periodic interval in seconds (default 300)"`
	BackupDir       string  `json:"backup_dir,omitempty" jsonschema:"Directory for backup and versioned files"`
	CustomPath      string  `json:"custom_path,omitempty" jsonschema:"Target of the custom strategy; {session_id} and {timestamp} are substituted"`
	MaxBackups      *int    `json:"max_backups,omitempty" jsonschema:"Backups to keep (default 10, 0 keeps all)"`
	MaxVersions     *int    `json:"max_versions,omitempty" jsonschema:"Versions to keep (default 10, 0 keeps all)"`
	Format          string  `json:"format,omitempty" jsonschema:"csv (default), tsv, json or markdown"`
}

// config builds a complete policy. Omitted fields take their defaults; the
// session's previous policy is not consulted.
func (in ConfigureAutoSaveInput) config(defaultBackupDir string) autosave.Config {
	cfg := autosave.DefaultConfig()
	if defaultBackupDir != "" {
		cfg.BackupDir = defaultBackupDir
	}
	if in.Enabled != nil {
		cfg.Enabled = *in.Enabled
	}
	if in.Mode != "" {
		cfg.Mode = autosave.Mode(strings.ToLower(in.Mode))
	}
	if in.Strategy != "" {
		cfg.Strategy = autosave.Strategy(strings.ToLower(in.Strategy))
	}
	if in.IntervalSeconds != 0 {
		cfg.Interval = time.Duration(in.IntervalSeconds * float64(time.Second))
	}
	if in.BackupDir != "" {
		cfg.BackupDir = in.BackupDir
	}
	cfg.CustomPath = in.CustomPath
	if in.MaxBackups != nil {
		cfg.MaxBackups = *in.MaxBackups
	}
	if in.MaxVersions != nil {
		cfg.MaxVersions = *in.MaxVersions
	}
	if in.Format != "" {
		cfg.Format = table.Format(strings.ToLower(in.Format))
	}
	return cfg
}

func (s *Server) handleConfigureAutoSave(ctx context.Context, req *mcp.CallToolRequest, input ConfigureAutoSaveInput) (*mcp.CallToolResult, Envelope, error) {
	start := time.Now()
	sess, meta, err := s.session(input.SessionID)
	if err != nil {
		return s.reply("configure_auto_save", start, Envelope{Metadata: meta}, err)
	}
	cfg := input.config(s.registry.Config().AutoSave.BackupDir)
	if err := sess.ConfigureAutoSave(cfg); err != nil {
		return s.reply("configure_auto_save", start, Envelope{Metadata: meta}, err)
	}

	status := sess.AutoSave().Status()
	msg := "Auto-save disabled"
	if status.Enabled {
		msg = fmt.Sprintf("Auto-save %s with %s strategy", status.Mode, status.Strategy)
	}
	return s.reply("configure_auto_save", start, Envelope{Data: status, Message: msg, Metadata: meta}, nil)
}

// Tool: disable_auto_save

func (s *Server) handleDisableAutoSave(ctx context.Context, req *mcp.CallToolRequest, input SessionInput) (*mcp.CallToolResult, Envelope, error) {
	start := time.Now()
	sess, meta, err := s.session(input.SessionID)
	if err != nil {
		return s.reply("disable_auto_save", start, Envelope{Metadata: meta}, err)
	}
	sess.DisableAutoSave()
	return s.reply("disable_auto_save", start, Envelope{
		Data:     sess.AutoSave().Status(),
		Message:  "Auto-save disabled",
		Metadata: meta,
	}, nil)
}

// Tool: get_auto_save_status

func (s *Server) handleGetAutoSaveStatus(ctx context.Context, req *mcp.CallToolRequest, input SessionInput) (*mcp.CallToolResult, Envelope, error) {
	start := time.Now()
	sess, meta, err := s.session(input.SessionID)
	if err != nil {
		return s.reply("get_auto_save_status", start, Envelope{Metadata: meta}, err)
	}
	return s.reply("get_auto_save_status", start, Envelope{Data: sess.AutoSave().Status(), Metadata: meta}, nil)
}

// Tool: trigger_manual_save

func (s *Server) handleTriggerManualSave(ctx context.Context, req *mcp.CallToolRequest, input SessionInput) (*mcp.CallToolResult, Envelope, error) {
	start := time.Now()
	sess, meta, err := s.session(input.SessionID)
	if err != nil {
		return s.reply("trigger_manual_save", start, Envelope{Metadata: meta}, err)
	}
	res, err := sess.ManualSave(ctx)
	if err != nil {
		return s.reply("trigger_manual_save", start, Envelope{Metadata: meta}, err)
	}
	return s.reply("trigger_manual_save", start, Envelope{
		Data:     res,
		Message:  fmt.Sprintf("Saved %d bytes to %s", res.Bytes, res.Path),
		Metadata: meta,
	}, nil)
}
