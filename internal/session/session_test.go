package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tobert/csvedit-mcp/internal/apperr"
	"github.com/tobert/csvedit-mcp/internal/autosave"
	"github.com/tobert/csvedit-mcp/internal/metrics"
	"github.com/tobert/csvedit-mcp/internal/storage"
	"github.com/tobert/csvedit-mcp/internal/table"
)

const people = `name,age,score
alice,30,85
bob,,90
carol,25,
dave,40,70
eve,,60
frank,35,75
grace,28,
heidi,50,95
ivan,33,80
`

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.AutoSave.Mode = autosave.ModeDisabled
	cfg.CloseTimeout = 200 * time.Millisecond
	return cfg
}

func newTestRegistry(t *testing.T, cfg Config, opts Options) *Registry {
	t.Helper()
	if opts.Activity == nil {
		opts.Activity = storage.NewActivityLog(100)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	opts.Logger = zerolog.Nop()
	r, err := NewRegistry(cfg, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = r.Shutdown(context.Background())
	})
	return r
}

func load(t *testing.T, r *Registry, content string) *Session {
	t.Helper()
	s, err := r.Create(context.Background(), table.Source{Content: content})
	require.NoError(t, err)
	return s
}

func TestUndoEverythingRestoresOriginal(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, testConfig(), Options{})
	s := load(t, r, people)
	original := s.Dataset()

	ops := []table.Op{
		table.FillMissing{Strategy: table.FillConstant, Value: 0, Columns: []string{"age"}},
		table.Sort{Keys: []table.SortKey{{Column: "score", Descending: true}}},
		table.Filter{Conditions: []table.Condition{{Column: "age", Operator: ">", Value: 26}}},
		table.RenameColumns{Mapping: map[string]string{"score": "points"}},
		table.DeleteRow{Index: 0},
	}
	for _, op := range ops {
		_, err := s.Apply(ctx, op)
		require.NoError(t, err, "op %s", op.Kind())
	}
	assert.False(t, s.Dataset().Equal(original))

	for range ops {
		_, err := s.Undo(ctx)
		require.NoError(t, err)
	}
	assert.True(t, s.Dataset().Equal(original))

	_, err := s.Undo(ctx)
	assert.True(t, errors.Is(err, apperr.ErrNothingToUndo))
}

func TestUndoRedoRoundTrip(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, testConfig(), Options{})
	s := load(t, r, people)

	_, err := s.Apply(ctx, table.SetCell{Row: 0, Column: "name", Value: "alicia"})
	require.NoError(t, err)
	after := s.Dataset()

	res, err := s.Undo(ctx)
	require.NoError(t, err)
	assert.Equal(t, table.KindSetCell, res.Operation.Kind)
	assert.True(t, res.CanRedo)
	name, _ := s.Dataset().Cell(0, "name")
	assert.Equal(t, "alice", name)

	_, err = s.Redo(ctx)
	require.NoError(t, err)
	assert.True(t, s.Dataset().Equal(after))

	_, err = s.Redo(ctx)
	assert.True(t, errors.Is(err, apperr.ErrNothingToRedo))
}

func TestApplyAfterUndoDiscardsRedo(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, testConfig(), Options{})
	s := load(t, r, people)

	_, err := s.Apply(ctx, table.DeleteRow{Index: 0})
	require.NoError(t, err)
	_, err = s.Undo(ctx)
	require.NoError(t, err)
	_, err = s.Apply(ctx, table.DeleteRow{Index: 1})
	require.NoError(t, err)

	_, err = s.Redo(ctx)
	assert.True(t, errors.Is(err, apperr.ErrNothingToRedo))
	assert.Equal(t, 1, s.History().Len())
}

func TestRestoreToMatchesReplay(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, testConfig(), Options{})
	s := load(t, r, people)
	replay := load(t, r, people)

	ops := []table.Op{
		table.AddColumn{Name: "bonus", Value: 5},
		table.UpdateColumn{Column: "bonus", Operation: table.UpdateApply, Expression: "x * 2"},
		table.RemoveColumns{Columns: []string{"age"}},
		table.InsertRow{Index: 0, Values: map[string]any{"name": "zed", "score": 1}},
	}
	var ids []int64
	for _, op := range ops {
		res, err := s.Apply(ctx, op)
		require.NoError(t, err)
		ids = append(ids, res.Operation.OperationID)
	}

	for k := range ops {
		_, err := replay.Apply(ctx, ops[k])
		require.NoError(t, err)

		res, err := s.RestoreTo(ctx, ids[k])
		require.NoError(t, err)
		assert.Equal(t, ids[k], res.Operation.OperationID)
		assert.True(t, s.Dataset().Equal(replay.Dataset()), "restore to operation %d", ids[k])
	}

	_, err := s.RestoreTo(ctx, 42)
	assert.True(t, errors.Is(err, apperr.ErrOperationNotFound))
}

func TestInvalidOperationRecordsNothing(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, testConfig(), Options{})
	s := load(t, r, people)
	before := s.Dataset()

	_, err := s.Apply(ctx, table.SelectColumns{Columns: []string{"missing"}})
	assert.True(t, errors.Is(err, apperr.ErrInvalidOperation))
	assert.Equal(t, 0, s.History().Len())
	assert.Same(t, before, s.Dataset())
}

func TestSessionsDoNotBlockEachOther(t *testing.T) {
	r := newTestRegistry(t, testConfig(), Options{})
	a := load(t, r, people)
	b := load(t, r, people)

	require.NoError(t, a.Lock(context.Background()))
	defer a.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := b.Apply(ctx, table.DeleteRow{Index: 0})
	require.NoError(t, err)
	assert.Equal(t, 8, b.Dataset().NumRows())

	// a is still held
	assert.False(t, a.TryLock(10*time.Millisecond))
}

func TestConcurrentOperationsSerialize(t *testing.T) {
	r := newTestRegistry(t, testConfig(), Options{})
	s := load(t, r, people)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Apply(context.Background(), table.InsertRow{Index: -1, Values: map[string]any{"name": "extra", "age": i}})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 9+n, s.Dataset().NumRows())
	entries := s.History().Entries()
	require.Len(t, entries, n)
	for i := 1; i < n; i++ {
		assert.Equal(t, entries[i-1].Post, entries[i].Pre, "record %d starts where %d ended", i, i-1)
		assert.Equal(t, entries[i-1].Summary.RowsAfter, entries[i].Summary.RowsBefore)
	}
}

func TestLockedSessionHonoursContext(t *testing.T) {
	r := newTestRegistry(t, testConfig(), Options{})
	s := load(t, r, people)

	require.NoError(t, s.Lock(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Apply(ctx, table.DeleteRow{Index: 0})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	s.Unlock()
}

func TestNineRowEndToEnd(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, testConfig(), Options{})
	s := load(t, r, people)
	original := s.Dataset()
	require.Equal(t, 9, original.NumRows())

	res, err := s.Apply(ctx, table.FillMissing{Strategy: table.FillMean, Columns: []string{"age", "score"}})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Summary.RowsAffected)
	for _, n := range s.Dataset().NullCounts() {
		assert.Zero(t, n)
	}

	_, err = s.Apply(ctx, table.AddColumn{Name: "total", Formula: "age + score"})
	require.NoError(t, err)
	assert.Equal(t, 4, s.Dataset().NumColumns())

	_, err = s.Undo(ctx)
	require.NoError(t, err)
	_, err = s.Undo(ctx)
	require.NoError(t, err)
	assert.True(t, s.Dataset().Equal(original))
}

func TestAutoSaveFailureIsAWarning(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	cfg := testConfig()
	cfg.AutoSave = autosave.DefaultConfig()
	cfg.AutoSave.Strategy = autosave.StrategyBackup
	cfg.AutoSave.BackupDir = filepath.Join(blocker, "backups")
	activity := storage.NewActivityLog(100)
	r := newTestRegistry(t, cfg, Options{Activity: activity})
	s := load(t, r, people)

	res, err := s.Apply(context.Background(), table.DeleteRow{Index: 0})
	require.NoError(t, err, "the operation stands")
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "auto-save failed")
	assert.Nil(t, res.Save)
	assert.Equal(t, 8, s.Dataset().NumRows())
	assert.Equal(t, 1, s.AutoSave().Status().FailureCount)

	var failed bool
	for _, e := range activity.Recent(100) {
		failed = failed || e.Type == storage.EventSaveFailed
	}
	assert.True(t, failed)
}

func TestAutoSaveAfterOperationAndUndo(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "people.csv")
	require.NoError(t, os.WriteFile(src, []byte(people), 0o644))

	cfg := testConfig()
	cfg.AutoSave = autosave.DefaultConfig()
	r := newTestRegistry(t, cfg, Options{})
	s, err := r.Create(context.Background(), table.Source{Path: src})
	require.NoError(t, err)

	res, err := s.Apply(context.Background(), table.DeleteRow{Index: 0})
	require.NoError(t, err)
	require.NotNil(t, res.Save)
	assert.Equal(t, src, res.Save.Path)
	reloaded, err := table.Load(context.Background(), table.Source{Path: src})
	require.NoError(t, err)
	assert.Equal(t, 8, reloaded.NumRows())

	res, err = s.Undo(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res.Save)
	reloaded, err = table.Load(context.Background(), table.Source{Path: src})
	require.NoError(t, err)
	assert.Equal(t, 9, reloaded.NumRows())
}

func TestBackupRetentionThroughSession(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	r := newTestRegistry(t, cfg, Options{})
	s := load(t, r, people)

	as := autosave.DefaultConfig()
	as.Strategy = autosave.StrategyBackup
	as.BackupDir = dir
	as.MaxBackups = 3
	require.NoError(t, s.ConfigureAutoSave(as))

	for i := 0; i < 5; i++ {
		_, err := s.Apply(context.Background(), table.SetCell{Row: 0, Column: "age", Value: i})
		require.NoError(t, err)
	}
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestManualSaveInDisabledMode(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.AutoSave.BackupDir = dir
	r := newTestRegistry(t, cfg, Options{})
	s := load(t, r, people)

	res, err := s.ManualSave(context.Background())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "session_"+s.ID()+"_autosave.csv"), res.Path)
	assert.FileExists(t, res.Path)
}

func TestClearHistoryKeepsDataset(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, testConfig(), Options{})
	s := load(t, r, people)

	_, err := s.Apply(ctx, table.DeleteRow{Index: 0})
	require.NoError(t, err)
	_, err = s.Apply(ctx, table.DeleteRow{Index: 0})
	require.NoError(t, err)

	n, err := s.ClearHistory(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 7, s.Dataset().NumRows())
	_, err = s.Undo(ctx)
	assert.True(t, errors.Is(err, apperr.ErrNothingToUndo))
	assert.Equal(t, 1, r.Store().Count())
}

func TestHistoryWindowTruncatesUndo(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.HistoryWindow = 2
	r := newTestRegistry(t, cfg, Options{})
	s := load(t, r, people)

	for i := 0; i < 4; i++ {
		_, err := s.Apply(ctx, table.DeleteRow{Index: 0})
		require.NoError(t, err)
	}
	_, err := s.Undo(ctx)
	require.NoError(t, err)
	_, err = s.Undo(ctx)
	assert.True(t, errors.Is(err, apperr.ErrHistoryTruncated))
	assert.Equal(t, 6, s.Dataset().NumRows())
}

func TestPeriodicSaveSkipsBusySession(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.PeriodicLockWait = 10 * time.Millisecond
	activity := storage.NewActivityLog(100)
	r := newTestRegistry(t, cfg, Options{Activity: activity})
	r.Start()
	s := load(t, r, people)

	as := autosave.DefaultConfig()
	as.Mode = autosave.ModePeriodic
	as.Interval = time.Second
	as.BackupDir = dir
	require.NoError(t, s.ConfigureAutoSave(as))

	require.NoError(t, s.Lock(context.Background()))
	assert.Eventually(t, func() bool {
		return s.AutoSave().Status().SkippedTicks >= 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Zero(t, s.AutoSave().Status().SaveCount)
	s.Unlock()

	assert.Eventually(t, func() bool {
		return s.AutoSave().Status().SaveCount >= 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.FileExists(t, filepath.Join(dir, "session_"+s.ID()+"_autosave.csv"))
}
