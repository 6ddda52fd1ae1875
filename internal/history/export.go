package history

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tobert/csvedit-mcp/internal/apperr"
	"github.com/tobert/csvedit-mcp/internal/storage"
)

// ExportFormat is a history export format.
type ExportFormat string

const (
	ExportJSON   ExportFormat = "json"
	ExportCSV    ExportFormat = "csv"
	ExportSQLite ExportFormat = "sqlite"
)

// ParseExportFormat validates a format name. Empty means json.
func ParseExportFormat(s string) (ExportFormat, error) {
	switch f := ExportFormat(strings.ToLower(s)); f {
	case "":
		return ExportJSON, nil
	case ExportJSON, ExportCSV, ExportSQLite:
		return f, nil
	case "db", "sqlite3":
		return ExportSQLite, nil
	}
	return "", apperr.ErrInvalidConfig.WithDetails("unsupported history export format %q", s)
}

// ExportedOperation is one record in an export document.
type ExportedOperation struct {
	OperationID int64           `json:"operation_id"`
	Kind        string          `json:"kind"`
	Params      json.RawMessage `json:"params"`
	Timestamp   time.Time       `json:"timestamp"`
	RowsBefore  int             `json:"rows_before"`
	RowsAfter   int             `json:"rows_after"`
	Applied     bool            `json:"applied"`
}

// ExportDocument is the json export layout.
type ExportDocument struct {
	Label      string              `json:"label,omitempty"`
	ExportedAt time.Time           `json:"exported_at"`
	Cursor     int                 `json:"cursor"`
	Total      int                 `json:"total"`
	Operations []ExportedOperation `json:"operations"`
}

// Document builds the export document for the current log.
func (m *Manager) Document() (*ExportDocument, error) {
	m.mu.RLock()
	entries := make([]Entry, len(m.entries))
	copy(entries, m.entries)
	cursor := m.cursor
	label := m.opts.Label
	now := m.opts.Now()
	m.mu.RUnlock()

	doc := &ExportDocument{
		Label:      label,
		ExportedAt: now,
		Cursor:     cursor,
		Total:      len(entries),
		Operations: make([]ExportedOperation, len(entries)),
	}
	for i, e := range entries {
		params, err := json.Marshal(e.Params)
		if err != nil {
			return nil, fmt.Errorf("encode params of operation %d: %w", e.OperationID, err)
		}
		doc.Operations[i] = ExportedOperation{
			OperationID: e.OperationID,
			Kind:        string(e.Kind),
			Params:      params,
			Timestamp:   e.Timestamp,
			RowsBefore:  e.Summary.RowsBefore,
			RowsAfter:   e.Summary.RowsAfter,
			Applied:     i < cursor,
		}
	}
	return doc, nil
}

// Export writes the log to path. Failures are StorageIOError and are not
// retried.
func (m *Manager) Export(ctx context.Context, path string, format ExportFormat) error {
	doc, err := m.Document()
	if err != nil {
		return apperr.ErrStorageIO.WithCause(err)
	}

	switch format {
	case ExportJSON, "":
		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return apperr.ErrStorageIO.WithCause(err)
		}
		if err := storage.WriteFileAtomic(path, data); err != nil {
			return apperr.ErrStorageIO.WithCause(err)
		}
	case ExportCSV:
		data, err := documentCSV(doc)
		if err != nil {
			return apperr.ErrStorageIO.WithCause(err)
		}
		if err := storage.WriteFileAtomic(path, data); err != nil {
			return apperr.ErrStorageIO.WithCause(err)
		}
	case ExportSQLite:
		if err := writeSQLite(ctx, path, doc); err != nil {
			return apperr.ErrStorageIO.WithCause(err)
		}
	default:
		return apperr.ErrInvalidConfig.WithDetails("unsupported history export format %q", format)
	}
	return nil
}

func documentCSV(doc *ExportDocument) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"operation_id", "kind", "timestamp", "rows_before", "rows_after", "applied", "params"}); err != nil {
		return nil, err
	}
	for _, op := range doc.Operations {
		err := w.Write([]string{
			strconv.FormatInt(op.OperationID, 10),
			op.Kind,
			op.Timestamp.Format(time.RFC3339Nano),
			strconv.Itoa(op.RowsBefore),
			strconv.Itoa(op.RowsAfter),
			strconv.FormatBool(op.Applied),
			string(op.Params),
		})
		if err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

const sqliteSchema = `
CREATE TABLE operations (
	operation_id INTEGER PRIMARY KEY,
	kind         TEXT NOT NULL,
	params       TEXT NOT NULL,
	timestamp    TEXT NOT NULL,
	rows_before  INTEGER NOT NULL,
	rows_after   INTEGER NOT NULL,
	applied      INTEGER NOT NULL
);
CREATE TABLE export (
	label       TEXT,
	exported_at TEXT NOT NULL,
	cursor_pos  INTEGER NOT NULL,
	total       INTEGER NOT NULL
);`

// writeSQLite builds the database next to path and renames it into place.
func writeSQLite(ctx context.Context, path string, doc *ExportDocument) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	db, err := sql.Open("sqlite", tmpPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := fillSQLite(ctx, db, doc); err != nil {
		db.Close()
		return err
	}
	if err := db.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

func fillSQLite(ctx context.Context, db *sql.DB, doc *ExportDocument) error {
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO operations
		(operation_id, kind, params, timestamp, rows_before, rows_after, applied)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, op := range doc.Operations {
		_, err := stmt.ExecContext(ctx, op.OperationID, op.Kind, string(op.Params),
			op.Timestamp.Format(time.RFC3339Nano), op.RowsBefore, op.RowsAfter, op.Applied)
		if err != nil {
			return fmt.Errorf("insert operation %d: %w", op.OperationID, err)
		}
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO export (label, exported_at, cursor_pos, total) VALUES (?, ?, ?, ?)`,
		doc.Label, doc.ExportedAt.Format(time.RFC3339Nano), doc.Cursor, doc.Total)
	if err != nil {
		return err
	}
	return tx.Commit()
}
