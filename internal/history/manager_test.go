package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tobert/csvedit-mcp/internal/apperr"
	"github.com/tobert/csvedit-mcp/internal/storage"
	"github.com/tobert/csvedit-mcp/internal/table"
)

// harness drives a Manager the way a session does: it owns one reference on
// the active value and hands pre/post ids to the history.
type harness struct {
	t      *testing.T
	store  *storage.SnapshotStore[int]
	hist   *Manager
	active storage.SnapshotID
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	store := storage.NewSnapshotStore[int]()
	base := store.Put(0)
	hist, err := New(store, base, opts)
	require.NoError(t, err)
	return &harness{t: t, store: store, hist: hist, active: base}
}

func (h *harness) value() int {
	v, err := h.store.Get(h.active)
	require.NoError(h.t, err)
	return v
}

// apply adds delta to the active value and records it.
func (h *harness) apply(delta int) Entry {
	h.t.Helper()
	post := h.store.Put(h.value() + delta)
	e, err := h.hist.Record(table.SetCell{Row: delta, Column: "n"}, h.active, post, table.Summary{RowsBefore: 1, RowsAfter: 1, RowsAffected: 1})
	require.NoError(h.t, err)
	h.swap(post, false)
	return e
}

func (h *harness) swap(id storage.SnapshotID, retain bool) {
	if retain {
		require.NoError(h.t, h.store.Retain(id))
	}
	_, err := h.store.Release(h.active)
	require.NoError(h.t, err)
	h.active = id
}

func (h *harness) undo() error {
	id, _, err := h.hist.Undo()
	if err == nil {
		h.swap(id, true)
	}
	return err
}

func (h *harness) redo() error {
	id, _, err := h.hist.Redo()
	if err == nil {
		h.swap(id, true)
	}
	return err
}

func (h *harness) restore(opID int64) error {
	id, _, err := h.hist.RestoreTo(opID)
	if err == nil {
		h.swap(id, true)
	}
	return err
}

func TestUndoAllRestoresBase(t *testing.T) {
	h := newHarness(t, Options{})
	for i := 1; i <= 5; i++ {
		h.apply(i)
	}
	assert.Equal(t, 15, h.value())

	for i := 0; i < 5; i++ {
		require.NoError(t, h.undo())
	}
	assert.Equal(t, 0, h.value())
	assert.True(t, errors.Is(h.undo(), apperr.ErrNothingToUndo))
}

func TestUndoRedoRoundTrip(t *testing.T) {
	h := newHarness(t, Options{})
	h.apply(3)
	h.apply(4)

	require.NoError(t, h.undo())
	assert.Equal(t, 3, h.value())
	require.NoError(t, h.redo())
	assert.Equal(t, 7, h.value())
	assert.True(t, errors.Is(h.redo(), apperr.ErrNothingToRedo))
}

func TestRecordAfterUndoDiscardsRedo(t *testing.T) {
	h := newHarness(t, Options{})
	h.apply(1)
	second := h.apply(2)
	h.apply(3)

	require.NoError(t, h.undo())
	require.NoError(t, h.undo())
	fresh := h.apply(10)

	assert.True(t, errors.Is(h.redo(), apperr.ErrNothingToRedo))
	assert.Equal(t, 11, h.value())
	assert.Equal(t, 2, h.hist.Len())
	assert.Greater(t, fresh.OperationID, int64(3), "operation ids are never reused")

	// The discarded branch is gone from the log and from the store
	assert.True(t, errors.Is(h.restore(second.OperationID), apperr.ErrOperationNotFound))
	assert.Equal(t, 3, h.store.Count(), "base, op1 and the new op remain")
}

func TestRestoreToMatchesReplay(t *testing.T) {
	h := newHarness(t, Options{})
	var ids []int64
	for i := 1; i <= 6; i++ {
		ids = append(ids, h.apply(i*10).OperationID)
	}

	for k := 1; k <= 6; k++ {
		require.NoError(t, h.restore(ids[k-1]))
		want := 0
		for i := 1; i <= k; i++ {
			want += i * 10
		}
		assert.Equal(t, want, h.value(), "restore to operation %d", k)
		assert.Equal(t, k, h.hist.Cursor())
	}

	require.NoError(t, h.restore(ids[1]))
	require.NoError(t, h.redo())
	assert.Equal(t, 60, h.value())

	assert.True(t, errors.Is(h.restore(999), apperr.ErrOperationNotFound))
}

func TestStaleRecordRejected(t *testing.T) {
	h := newHarness(t, Options{})
	h.apply(1)

	other := h.store.Put(99)
	_, err := h.hist.Record(table.DeleteRow{}, other, other, table.Summary{})
	assert.True(t, errors.Is(err, ErrStaleSnapshot))
	assert.Equal(t, 1, h.hist.Len())
}

func TestRetentionWindow(t *testing.T) {
	h := newHarness(t, Options{Window: 3})
	var ids []int64
	for i := 1; i <= 5; i++ {
		ids = append(ids, h.apply(1).OperationID)
	}

	stats := h.hist.Stats()
	assert.Equal(t, 3, stats.RetainedSnapshots)
	assert.Equal(t, 3, stats.PrunedSnapshots)
	assert.Equal(t, 5, stats.TotalOperations)
	// history holds 3 states; the harness shares the active one
	assert.Equal(t, 3, h.store.Count())

	require.NoError(t, h.undo())
	require.NoError(t, h.undo())
	assert.Equal(t, 3, h.value())

	err := h.undo()
	assert.True(t, errors.Is(err, apperr.ErrHistoryTruncated))
	assert.Equal(t, 3, h.value(), "failed undo leaves the dataset alone")

	// Records outside the window are still listed but not restorable
	assert.True(t, errors.Is(h.restore(ids[0]), apperr.ErrHistoryTruncated))
	page := h.hist.Page(0, 0)
	require.Len(t, page.Entries, 5)
	assert.False(t, page.Entries[0].CanRestore)
	assert.True(t, page.Entries[3].CanRestore)
	require.NoError(t, h.restore(ids[4]))
	assert.Equal(t, 5, h.value())
}

func TestMaxRecordsTrimsMetadata(t *testing.T) {
	h := newHarness(t, Options{MaxRecords: 2})
	first := h.apply(1)
	h.apply(1)
	h.apply(1)

	assert.Equal(t, 2, h.hist.Len())
	assert.True(t, errors.Is(h.restore(first.OperationID), apperr.ErrOperationNotFound))
	require.NoError(t, h.undo())
	require.NoError(t, h.undo())
	assert.Equal(t, 1, h.value())
	assert.True(t, errors.Is(h.undo(), apperr.ErrNothingToUndo))
}

func TestClearKeepsActiveState(t *testing.T) {
	h := newHarness(t, Options{})
	h.apply(1)
	h.apply(2)
	require.NoError(t, h.undo())

	assert.Equal(t, 2, h.hist.Clear())
	assert.Equal(t, 0, h.hist.Len())
	assert.Equal(t, h.active, h.hist.Active())
	assert.Equal(t, 1, h.store.Count())
	assert.True(t, errors.Is(h.undo(), apperr.ErrNothingToUndo))

	next := h.apply(5)
	assert.Equal(t, int64(3), next.OperationID)
	assert.Equal(t, 6, h.value())
}

func TestCloseReleasesEverything(t *testing.T) {
	h := newHarness(t, Options{})
	h.apply(1)
	h.apply(1)
	require.NoError(t, h.undo())

	h.hist.Close()
	h.hist.Close()
	_, err := h.store.Release(h.active)
	require.NoError(t, err)
	assert.Equal(t, 0, h.store.Count())
}

func TestPage(t *testing.T) {
	h := newHarness(t, Options{})
	for i := 0; i < 5; i++ {
		h.apply(1)
	}
	require.NoError(t, h.undo())

	page := h.hist.Page(1, 2)
	assert.Equal(t, 5, page.Total)
	assert.Equal(t, 4, page.Cursor)
	require.Len(t, page.Entries, 2)
	assert.Equal(t, 1, page.Entries[0].Index)
	assert.Equal(t, int64(2), page.Entries[0].OperationID)

	all := h.hist.Page(0, 0)
	assert.True(t, all.Entries[3].IsCurrent)
	assert.True(t, all.Entries[4].IsUndone)
	assert.Equal(t, 4, h.hist.Cursor(), "paging does not move the cursor")

	assert.Empty(t, h.hist.Page(10, 5).Entries)
}

func TestExportFormats(t *testing.T) {
	h := newHarness(t, Options{Label: "session-1"})
	h.apply(1)
	h.apply(2)
	require.NoError(t, h.undo())
	dir := t.TempDir()
	ctx := context.Background()

	jsonPath := filepath.Join(dir, "history.json")
	require.NoError(t, h.hist.Export(ctx, jsonPath, ExportJSON))
	data, err := os.ReadFile(jsonPath)
	require.NoError(t, err)
	var doc ExportDocument
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "session-1", doc.Label)
	assert.Equal(t, 1, doc.Cursor)
	require.Len(t, doc.Operations, 2)
	assert.Equal(t, "set_cell", doc.Operations[0].Kind)
	assert.True(t, doc.Operations[0].Applied)
	assert.False(t, doc.Operations[1].Applied)
	assert.JSONEq(t, `{"row": 1, "column": "n", "value": null}`, string(doc.Operations[0].Params))

	csvPath := filepath.Join(dir, "history.csv")
	require.NoError(t, h.hist.Export(ctx, csvPath, ExportCSV))
	data, err = os.ReadFile(csvPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "operation_id,kind,timestamp"))

	dbPath := filepath.Join(dir, "history.db")
	require.NoError(t, h.hist.Export(ctx, dbPath, ExportSQLite))
	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	defer db.Close()
	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM operations`).Scan(&count))
	assert.Equal(t, 2, count)
}

func TestExportFailureIsStorageError(t *testing.T) {
	h := newHarness(t, Options{})
	h.apply(1)

	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	err := h.hist.Export(context.Background(), filepath.Join(blocker, "history.json"), ExportJSON)
	assert.Equal(t, apperr.KindStorageIO, apperr.KindOf(err))

	_, err = ParseExportFormat("xml")
	assert.Equal(t, apperr.KindInvalidConfig, apperr.KindOf(err))
}
