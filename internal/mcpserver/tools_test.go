package mcpserver

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tobert/csvedit-mcp/internal/autosave"
	"github.com/tobert/csvedit-mcp/internal/history"
	"github.com/tobert/csvedit-mcp/internal/table"
)

func ptr[T any](v T) *T { return &v }

func TestFilterUndoRedo(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	id := loadPeople(t, srv)

	_, env, err := srv.handleFilterRows(ctx, nil, FilterRowsInput{
		SessionID:  id,
		Conditions: []table.Condition{{Column: "age", Operator: ">", Value: float64(30)}},
	})
	require.NoError(t, err)
	require.True(t, env.Success, env.Message)
	op := env.Data.(OperationData)
	assert.Equal(t, table.KindFilter, op.Kind)
	assert.Equal(t, 4, op.Rows)
	assert.True(t, op.CanUndo)
	assert.False(t, op.CanRedo)
	assert.Equal(t, id, env.Metadata["session_id"])
	assert.Contains(t, env.Metadata, "duration_ms")

	_, env, _ = srv.handleUndo(ctx, nil, SessionInput{SessionID: id})
	require.True(t, env.Success, env.Message)
	assert.Equal(t, 9, env.Data.(OperationData).Rows)
	assert.True(t, env.Data.(OperationData).CanRedo)

	_, env, _ = srv.handleRedo(ctx, nil, SessionInput{SessionID: id})
	require.True(t, env.Success, env.Message)
	assert.Equal(t, 4, env.Data.(OperationData).Rows)

	_, env, _ = srv.handleUndo(ctx, nil, SessionInput{SessionID: id})
	require.True(t, env.Success)
	_, env, _ = srv.handleUndo(ctx, nil, SessionInput{SessionID: id})
	assert.False(t, env.Success)
	assert.Equal(t, "NothingToUndo", env.ErrorKind)
	assert.Nil(t, env.Data)
}

func TestErrorEnvelopes(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	id := loadPeople(t, srv)

	tests := []struct {
		name string
		call func() Envelope
		kind string
	}{
		{"unknown session", func() Envelope {
			_, env, _ := srv.handleGetSessionInfo(ctx, nil, SessionInput{SessionID: "nope"})
			return env
		}, "SessionNotFound"},
		{"missing session id", func() Envelope {
			_, env, _ := srv.handleUndo(ctx, nil, SessionInput{})
			return env
		}, "InvalidOperation"},
		{"unknown column", func() Envelope {
			_, env, _ := srv.handleSortData(ctx, nil, SortDataInput{SessionID: id, Columns: []table.SortKey{{Column: "height"}}})
			return env
		}, "InvalidOperation"},
		{"bad row index", func() Envelope {
			_, env, _ := srv.handleDeleteRow(ctx, nil, DeleteRowInput{SessionID: id, RowIndex: 99})
			return env
		}, "InvalidOperation"},
		{"missing file", func() Envelope {
			_, env, _ := srv.handleLoadCSV(ctx, nil, LoadCSVInput{FilePath: filepath.Join(t.TempDir(), "absent.csv")})
			return env
		}, "InvalidOperation"},
		{"bad auto-save mode", func() Envelope {
			_, env, _ := srv.handleConfigureAutoSave(ctx, nil, ConfigureAutoSaveInput{SessionID: id, Mode: "weekly"})
			return env
		}, "InvalidConfig"},
		{"unknown operation id", func() Envelope {
			_, env, _ := srv.handleRestoreToOperation(ctx, nil, RestoreToOperationInput{SessionID: id, OperationID: 999})
			return env
		}, "OperationNotFound"},
		{"bad history format", func() Envelope {
			_, env, _ := srv.handleExportHistory(ctx, nil, ExportHistoryInput{SessionID: id, FilePath: "h.out", Format: "xml"})
			return env
		}, "InvalidConfig"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := tt.call()
			assert.False(t, env.Success)
			assert.Equal(t, tt.kind, env.ErrorKind)
			assert.NotEmpty(t, env.Message)
		})
	}

	_, env, _ := srv.handleGetHistory(ctx, nil, GetHistoryInput{SessionID: id})
	assert.Equal(t, 0, env.Data.(map[string]any)["history"].(history.Page).Total, "failed calls record nothing")
}

func TestRestoreAndHistory(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	id := loadPeople(t, srv)

	_, env, _ := srv.handleDeleteRow(ctx, nil, DeleteRowInput{SessionID: id, RowIndex: 0})
	require.True(t, env.Success, env.Message)
	first := env.Data.(OperationData).OperationID

	_, env, _ = srv.handleAddColumn(ctx, nil, AddColumnInput{SessionID: id, Name: "shout", Formula: "upper(name)"})
	require.True(t, env.Success, env.Message)
	_, env, _ = srv.handleSortData(ctx, nil, SortDataInput{SessionID: id, Columns: []table.SortKey{{Column: "name", Descending: true}}})
	require.True(t, env.Success, env.Message)

	_, env, _ = srv.handleGetHistory(ctx, nil, GetHistoryInput{SessionID: id, Limit: 2})
	require.True(t, env.Success)
	page := env.Data.(map[string]any)["history"].(history.Page)
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, 3, page.Cursor)
	require.Len(t, page.Entries, 2)
	assert.Equal(t, table.KindDeleteRow, page.Entries[0].Kind)

	_, env, _ = srv.handleRestoreToOperation(ctx, nil, RestoreToOperationInput{SessionID: id, OperationID: first})
	require.True(t, env.Success, env.Message)
	op := env.Data.(OperationData)
	assert.Equal(t, 8, op.Rows)
	assert.Equal(t, 3, op.Columns)
	assert.True(t, op.CanRedo)
	assert.Equal(t, 1, env.Metadata["cursor"])

	_, env, _ = srv.handleClearHistory(ctx, nil, SessionInput{SessionID: id})
	require.True(t, env.Success)
	assert.Equal(t, 3, env.Data.(map[string]any)["cleared"])
	_, env, _ = srv.handleUndo(ctx, nil, SessionInput{SessionID: id})
	assert.Equal(t, "NothingToUndo", env.ErrorKind)

	sess, err := srv.Registry().Get(id)
	require.NoError(t, err)
	assert.Equal(t, 8, sess.Dataset().NumRows(), "clearing keeps the current data")
}

func TestTransformTools(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	id := loadPeople(t, srv)

	ok := func(env Envelope) OperationData {
		t.Helper()
		require.True(t, env.Success, env.Message)
		return env.Data.(OperationData)
	}

	_, env, _ := srv.handleFillMissingValues(ctx, nil, FillMissingValuesInput{SessionID: id, Strategy: "mean", Columns: []string{"age"}})
	assert.Equal(t, 2, ok(env).Summary.RowsAffected)

	_, env, _ = srv.handleFillMissingValues(ctx, nil, FillMissingValuesInput{SessionID: id})
	assert.Equal(t, 7, ok(env).Rows, "the default strategy drops rows with missing values")

	_, env, _ = srv.handleInsertRow(ctx, nil, InsertRowInput{SessionID: id, Data: map[string]any{"name": "zed"}})
	assert.Equal(t, 8, ok(env).Rows)
	_, env, _ = srv.handleInsertRow(ctx, nil, InsertRowInput{SessionID: id, RowIndex: ptr(0), Data: map[string]any{"name": "abe"}})
	assert.Equal(t, 9, ok(env).Rows)

	_, env, _ = srv.handleSetCellValue(ctx, nil, SetCellValueInput{SessionID: id, RowIndex: 0, Column: "age", Value: float64(61)})
	ok(env)
	_, env, _ = srv.handleUpdateColumn(ctx, nil, UpdateColumnInput{SessionID: id, Column: "name", Operation: "map", Mapping: map[string]any{"zed": "zoe"}})
	ok(env)
	_, env, _ = srv.handleRenameColumns(ctx, nil, RenameColumnsInput{SessionID: id, Mapping: map[string]string{"score": "points"}})
	ok(env)
	_, env, _ = srv.handleChangeColumnType(ctx, nil, ChangeColumnTypeInput{SessionID: id, Column: "age", DType: "str"})
	ok(env)
	_, env, _ = srv.handleRemoveDuplicates(ctx, nil, RemoveDuplicatesInput{SessionID: id, Columns: []string{"name"}})
	ok(env)
	_, env, _ = srv.handleSelectColumns(ctx, nil, ColumnsInput{SessionID: id, Columns: []string{"points", "name", "age"}})
	ok(env)
	_, env, _ = srv.handleRemoveColumns(ctx, nil, ColumnsInput{SessionID: id, Columns: []string{"points"}})
	assert.Equal(t, 2, ok(env).Columns)

	sess, err := srv.Registry().Get(id)
	require.NoError(t, err)
	ds := sess.Dataset()
	assert.Equal(t, []string{"name", "age"}, ds.ColumnNames())
	assert.Equal(t, table.TypeString, ds.Columns()[1].Type)
	first := ds.Record(0)
	assert.Equal(t, "abe", first["name"])
	assert.Equal(t, "61", first["age"])

	var names []any
	for i := 0; i < ds.NumRows(); i++ {
		names = append(names, ds.Record(i)["name"])
	}
	assert.Contains(t, names, "zoe")
	assert.NotContains(t, names, "zed")
	assert.Equal(t, 11, sess.History().Len())
}

func TestParseTypeAliases(t *testing.T) {
	assert.Equal(t, table.TypeInteger, parseType("int"))
	assert.Equal(t, table.TypeFloat, parseType(" Number "))
	assert.Equal(t, table.TypeBoolean, parseType("bool"))
	assert.Equal(t, table.TypeDatetime, parseType("date"))
	assert.Equal(t, table.TypeString, parseType("string"))
	assert.Equal(t, table.Type("blob"), parseType("blob"))
}

func TestExportCSVInfersFormat(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	id := loadPeople(t, srv)
	dir := t.TempDir()

	out := filepath.Join(dir, "nested", "people.tsv")
	_, env, _ := srv.handleExportCSV(ctx, nil, ExportCSVInput{SessionID: id, FilePath: out})
	require.True(t, env.Success, env.Message)
	assert.Equal(t, "tsv", env.Data.(map[string]any)["format"])
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "name\tage\tscore\n"))

	out = filepath.Join(dir, "people.txt")
	_, env, _ = srv.handleExportCSV(ctx, nil, ExportCSVInput{SessionID: id, FilePath: out})
	require.True(t, env.Success, env.Message)
	assert.Equal(t, "csv", env.Data.(map[string]any)["format"])

	_, env, _ = srv.handleExportCSV(ctx, nil, ExportCSVInput{SessionID: id, FilePath: out, Format: "xlsx"})
	assert.Equal(t, "InvalidOperation", env.ErrorKind)
}

func TestExportHistoryFormats(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	id := loadPeople(t, srv)
	_, env, _ := srv.handleDeleteRow(ctx, nil, DeleteRowInput{SessionID: id, RowIndex: 0})
	require.True(t, env.Success)

	dir := t.TempDir()
	for file, want := range map[string]history.ExportFormat{
		"ops.json":   history.ExportJSON,
		"ops.csv":    history.ExportCSV,
		"ops.db":     history.ExportSQLite,
		"ops.sqlite": history.ExportSQLite,
		"ops.log":    history.ExportJSON,
	} {
		path := filepath.Join(dir, file)
		_, env, _ := srv.handleExportHistory(ctx, nil, ExportHistoryInput{SessionID: id, FilePath: path})
		require.True(t, env.Success, env.Message)
		assert.Equal(t, string(want), env.Data.(map[string]any)["format"], file)
		assert.FileExists(t, path)
	}
}

func TestAutoSaveTools(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	id := loadPeople(t, srv)
	backups := t.TempDir()

	_, env, _ := srv.handleConfigureAutoSave(ctx, nil, ConfigureAutoSaveInput{
		SessionID:  id,
		Strategy:   "backup",
		BackupDir:  backups,
		MaxBackups: ptr(2),
	})
	require.True(t, env.Success, env.Message)
	status := env.Data.(autosave.Status)
	assert.True(t, status.Enabled)
	assert.Equal(t, autosave.ModeAfterOperation, status.Mode)
	assert.Equal(t, autosave.StrategyBackup, status.Strategy)
	assert.Equal(t, 2, status.MaxBackups)
	assert.Equal(t, autosave.DefaultMaxVersions, status.MaxVersions, "omitted fields take their defaults")

	for i := 0; i < 3; i++ {
		_, env, _ = srv.handleDeleteRow(ctx, nil, DeleteRowInput{SessionID: id, RowIndex: 0})
		require.True(t, env.Success, env.Message)
		require.NotNil(t, env.Data.(OperationData).Saved)
		assert.Empty(t, env.Warnings)
	}
	files, err := filepath.Glob(filepath.Join(backups, "people_*.csv"))
	require.NoError(t, err)
	assert.Len(t, files, 2)

	_, env, _ = srv.handleDisableAutoSave(ctx, nil, SessionInput{SessionID: id})
	require.True(t, env.Success)
	assert.False(t, env.Data.(autosave.Status).Enabled)

	_, env, _ = srv.handleDeleteRow(ctx, nil, DeleteRowInput{SessionID: id, RowIndex: 0})
	require.True(t, env.Success)
	assert.Nil(t, env.Data.(OperationData).Saved)

	_, env, _ = srv.handleTriggerManualSave(ctx, nil, SessionInput{SessionID: id})
	require.True(t, env.Success, env.Message)
	assert.Equal(t, "manual", env.Data.(*autosave.Result).Trigger)

	_, env, _ = srv.handleGetAutoSaveStatus(ctx, nil, SessionInput{SessionID: id})
	require.True(t, env.Success)
	assert.Equal(t, 4, env.Data.(autosave.Status).SaveCount)
}

func TestAutoSaveFailureIsAWarning(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	id := loadPeople(t, srv)

	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	_, env, _ := srv.handleConfigureAutoSave(ctx, nil, ConfigureAutoSaveInput{
		SessionID:  id,
		Strategy:   "custom",
		CustomPath: filepath.Join(blocker, "{session_id}.csv"),
	})
	require.True(t, env.Success, env.Message)

	_, env, _ = srv.handleDeleteRow(ctx, nil, DeleteRowInput{SessionID: id, RowIndex: 0})
	assert.True(t, env.Success, "the operation stands when the save fails")
	assert.Equal(t, 8, env.Data.(OperationData).Rows)
	require.Len(t, env.Warnings, 1)
	assert.Contains(t, env.Warnings[0], "auto-save failed")

	_, env, _ = srv.handleGetAutoSaveStatus(ctx, nil, SessionInput{SessionID: id})
	status := env.Data.(autosave.Status)
	assert.Equal(t, 1, status.FailureCount)
	assert.NotEmpty(t, status.LastError)

	// A failed explicit save is fatal for that save only
	_, env, _ = srv.handleTriggerManualSave(ctx, nil, SessionInput{SessionID: id})
	assert.False(t, env.Success)
	assert.Equal(t, "StorageIOError", env.ErrorKind)
	assert.Empty(t, env.Warnings)

	sess, err := srv.Registry().Get(id)
	require.NoError(t, err)
	assert.Equal(t, 8, sess.Dataset().NumRows())
	assert.Equal(t, 2, sess.AutoSave().Status().FailureCount)
}

func TestValidateSchema(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	id := loadPeople(t, srv)

	_, env, _ := srv.handleValidateSchema(ctx, nil, ValidateSchemaInput{
		SessionID: id,
		Schema: map[string]any{
			"type":     "object",
			"required": []any{"name"},
			"properties": map[string]any{
				"age": map[string]any{"type": []any{"integer", "null"}, "minimum": 26},
			},
		},
	})
	require.True(t, env.Success, env.Message)
	report := env.Data.(*table.ValidationReport)
	assert.False(t, report.Valid)
	assert.Equal(t, 9, report.RowsChecked)
	assert.Equal(t, 1, report.InvalidRows)
	require.NotEmpty(t, report.Violations)
	assert.Equal(t, 2, report.Violations[0].Row)

	_, env, _ = srv.handleValidateSchema(ctx, nil, ValidateSchemaInput{SessionID: id})
	assert.Equal(t, "InvalidOperation", env.ErrorKind)

	sess, err := srv.Registry().Get(id)
	require.NoError(t, err)
	assert.Equal(t, 0, sess.History().Len(), "validation is read-only")
}

func TestSessionTools(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	a := loadPeople(t, srv)

	_, env, _ := srv.handleLoadCSVFromContent(ctx, nil, LoadCSVFromContentInput{Content: "x;y\n1;2\n", Delimiter: ";"})
	require.True(t, env.Success, env.Message)
	view := env.Data.(DatasetView)
	assert.Equal(t, "inline content", view.Source)
	assert.Equal(t, 2, view.Columns)
	b := view.SessionID

	_, env, _ = srv.handleLoadCSVFromContent(ctx, nil, LoadCSVFromContentInput{Content: "  "})
	assert.Equal(t, "InvalidOperation", env.ErrorKind)

	_, env, _ = srv.handleListSessions(ctx, nil, ListSessionsInput{})
	assert.Equal(t, 2, env.Data.(map[string]any)["count"])

	_, env, _ = srv.handleGetSessionInfo(ctx, nil, SessionInput{SessionID: a})
	require.True(t, env.Success)
	info := env.Data.(map[string]any)
	assert.Equal(t, map[string]int{"name": 0, "age": 2, "score": 2}, info["nulls"])

	_, env, _ = srv.handleCloseSession(ctx, nil, SessionInput{SessionID: b})
	require.True(t, env.Success, env.Message)
	_, env, _ = srv.handleCloseSession(ctx, nil, SessionInput{SessionID: b})
	assert.Equal(t, "SessionNotFound", env.ErrorKind)

	_, env, _ = srv.handleHealthCheck(ctx, nil, HealthCheckInput{})
	health := env.Data.(map[string]any)
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, "test", health["version"])
	assert.Equal(t, 1, health["active_sessions"])
	assert.Equal(t, 46, health["tools"])
}
