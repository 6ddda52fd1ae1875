// Package session owns the per-session state of the server: the active
// dataset, its undo history and its auto-save policy, and the registry that
// creates, finds, expires and closes sessions.
//
// Every mutation of a session runs under the session lock. Reads of the
// active dataset and of session metadata do not take it.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/tobert/csvedit-mcp/internal/apperr"
	"github.com/tobert/csvedit-mcp/internal/autosave"
	"github.com/tobert/csvedit-mcp/internal/history"
	"github.com/tobert/csvedit-mcp/internal/metrics"
	"github.com/tobert/csvedit-mcp/internal/storage"
	"github.com/tobert/csvedit-mcp/internal/table"
)

// Store holds every dataset snapshot of the process.
type Store = storage.SnapshotStore[*table.Dataset]

// Session is one client's working dataset with its history and save policy.
type Session struct {
	id        string
	createdAt time.Time
	ttl       time.Duration
	source    table.Source
	now       func() time.Time

	lastAccess atomic.Int64 // unix nanos
	closed     atomic.Bool

	sem   *semaphore.Weighted
	store *Store
	hist  *history.Manager
	saver *autosave.Controller

	// current is readable without the lock; currentID is guarded by it.
	current   atomic.Pointer[table.Dataset]
	currentID storage.SnapshotID

	activity *storage.ActivityLog
	metrics  *metrics.Metrics
	log      zerolog.Logger

	releaseOnce sync.Once
}

// Result is the outcome of a mutating call.
type Result struct {
	// Operation is the record applied, undone, redone or restored to.
	Operation history.Entry
	Summary   table.Summary
	Rows      int
	Columns   int
	CanUndo   bool
	CanRedo   bool
	// Save is set when the call triggered a successful save.
	Save *autosave.Result
	// Warnings carry non-fatal failures such as a failed auto-save.
	Warnings []string
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// CreatedAt returns the creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Source returns where the dataset came from.
func (s *Session) Source() table.Source { return s.source }

// TTL returns the idle time after which the session expires.
func (s *Session) TTL() time.Duration { return s.ttl }

// LastAccessed returns the time of the last successful lookup.
func (s *Session) LastAccessed() time.Time {
	return time.Unix(0, s.lastAccess.Load())
}

func (s *Session) touch() {
	s.lastAccess.Store(s.now().UnixNano())
}

func (s *Session) expired(now time.Time) bool {
	return s.ttl > 0 && now.Sub(s.LastAccessed()) > s.ttl
}

// Dataset returns the active dataset without taking the session lock.
func (s *Session) Dataset() *table.Dataset {
	return s.current.Load()
}

// History returns the session's history.
func (s *Session) History() *history.Manager { return s.hist }

// AutoSave returns the session's auto-save controller.
func (s *Session) AutoSave() *autosave.Controller { return s.saver }

// Lock acquires the session lock, waiting until ctx is done.
func (s *Session) Lock(ctx context.Context) error {
	return s.sem.Acquire(ctx, 1)
}

// TryLock acquires the session lock, waiting at most wait.
func (s *Session) TryLock(wait time.Duration) bool {
	if s.sem.TryAcquire(1) {
		return true
	}
	if wait <= 0 {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	return s.sem.Acquire(ctx, 1) == nil
}

// Unlock releases the session lock.
func (s *Session) Unlock() {
	s.sem.Release(1)
}

// lock acquires the session lock and checks that the session is still open.
func (s *Session) lock(ctx context.Context) error {
	if err := s.Lock(ctx); err != nil {
		return err
	}
	if s.closed.Load() {
		s.Unlock()
		return apperr.ErrSessionNotFound.WithDetails("session %s is closed", s.id)
	}
	return nil
}

// Apply runs op against the active dataset and records it.
func (s *Session) Apply(ctx context.Context, op table.Op) (*Result, error) {
	if err := s.lock(ctx); err != nil {
		return nil, err
	}
	defer s.Unlock()

	pre := s.currentID
	out, sum, err := table.Apply(ctx, s.Dataset(), op)
	s.metrics.Operation(string(op.Kind()), err)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, apperr.ErrInvalidOperation.WithCause(err)
	}

	post := s.store.Put(out)
	entry, err := s.hist.Record(op, pre, post, sum)
	if err != nil {
		_, _ = s.store.Release(post)
		return nil, err
	}
	// Put's reference becomes the session's own reference on post.
	s.swapLocked(post, out)

	s.activity.Record(storage.EventOperation, s.id, string(op.Kind()))
	s.log.Debug().
		Int64("operation_id", entry.OperationID).
		Str("kind", string(op.Kind())).
		Int("rows_affected", sum.RowsAffected).
		Msg("operation applied")

	res := s.resultLocked(entry)
	res.Summary = sum
	s.autoSaveLocked(res)
	return res, nil
}

// Undo reverts the most recent applied operation.
func (s *Session) Undo(ctx context.Context) (*Result, error) {
	return s.move(ctx, "undo", storage.EventUndo, s.hist.Undo)
}

// Redo reapplies the most recently undone operation.
func (s *Session) Redo(ctx context.Context) (*Result, error) {
	return s.move(ctx, "redo", storage.EventRedo, s.hist.Redo)
}

// RestoreTo makes the state right after operationID active.
func (s *Session) RestoreTo(ctx context.Context, operationID int64) (*Result, error) {
	return s.move(ctx, "restore", storage.EventRestore, func() (storage.SnapshotID, history.Entry, error) {
		return s.hist.RestoreTo(operationID)
	})
}

func (s *Session) move(ctx context.Context, direction string, event storage.EventType, step func() (storage.SnapshotID, history.Entry, error)) (*Result, error) {
	if err := s.lock(ctx); err != nil {
		return nil, err
	}
	defer s.Unlock()

	id, entry, err := step()
	s.metrics.HistoryMove(direction, err)
	if err != nil {
		return nil, err
	}
	ds, err := s.store.Get(id)
	if err == nil {
		err = s.store.Retain(id)
	}
	if err != nil {
		// The history holds a reference on id, so this means a bookkeeping bug.
		return nil, apperr.New(apperr.KindInternal, "history snapshot missing").WithCause(err)
	}
	s.swapLocked(id, ds)

	s.activity.Record(event, s.id, string(entry.Kind))
	s.log.Debug().Str("direction", direction).Int64("operation_id", entry.OperationID).Msg("history moved")

	res := s.resultLocked(entry)
	res.Summary = entry.Summary
	s.autoSaveLocked(res)
	return res, nil
}

// swapLocked makes id the active snapshot. The caller has already taken
// the session's reference on id.
func (s *Session) swapLocked(id storage.SnapshotID, ds *table.Dataset) {
	old := s.currentID
	s.currentID = id
	s.current.Store(ds)
	if old != "" {
		_, _ = s.store.Release(old)
	}
}

func (s *Session) resultLocked(entry history.Entry) *Result {
	ds := s.Dataset()
	return &Result{
		Operation: entry,
		Rows:      ds.NumRows(),
		Columns:   ds.NumColumns(),
		CanUndo:   s.hist.CanUndo(),
		CanRedo:   s.hist.CanRedo(),
	}
}

func (s *Session) autoSaveLocked(res *Result) {
	saved, err := s.saver.OnOperationCommitted(s.Dataset())
	if err != nil {
		res.Warnings = append(res.Warnings, err.Error())
		return
	}
	res.Save = saved
}

// ClearHistory drops every record; the active dataset becomes the new base.
func (s *Session) ClearHistory(ctx context.Context) (int, error) {
	if err := s.lock(ctx); err != nil {
		return 0, err
	}
	defer s.Unlock()
	n := s.hist.Clear()
	s.activity.Record(storage.EventHistoryCleared, s.id, fmt.Sprintf("%d records", n))
	s.log.Debug().Int("cleared", n).Msg("history cleared")
	return n, nil
}

// ManualSave saves the active dataset with the current strategy, in any mode.
func (s *Session) ManualSave(ctx context.Context) (*autosave.Result, error) {
	if err := s.lock(ctx); err != nil {
		return nil, err
	}
	defer s.Unlock()
	return s.saver.TriggerManualSave(s.Dataset())
}

// ConfigureAutoSave replaces the auto-save policy.
func (s *Session) ConfigureAutoSave(cfg autosave.Config) error {
	if err := s.saver.Configure(cfg); err != nil {
		return err
	}
	s.activity.Record(storage.EventConfigured, s.id, string(s.saver.Config().Mode))
	return nil
}

// DisableAutoSave turns auto-save off and cancels the periodic timer.
func (s *Session) DisableAutoSave() {
	s.saver.Disable()
	s.activity.Record(storage.EventConfigured, s.id, string(autosave.ModeDisabled))
}

// ExportHistory writes the operation log to path.
func (s *Session) ExportHistory(ctx context.Context, path string, format history.ExportFormat) error {
	return s.hist.Export(ctx, path, format)
}

// Info is a point-in-time description of a session.
type Info struct {
	ID             string    `json:"session_id"`
	Source         string    `json:"source"`
	Rows           int       `json:"rows"`
	Columns        int       `json:"columns"`
	ColumnNames    []string  `json:"column_names"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	Operations     int       `json:"operations"`
	Cursor         int       `json:"cursor"`
	AutoSave       bool      `json:"auto_save"`
}

// Info describes the session without taking the session lock.
func (s *Session) Info() Info {
	ds := s.Dataset()
	last := s.LastAccessed()
	info := Info{
		ID:             s.id,
		Source:         s.source.Describe(),
		CreatedAt:      s.createdAt,
		LastAccessedAt: last,
		Operations:     s.hist.Len(),
		Cursor:         s.hist.Cursor(),
		AutoSave:       s.saver.Config().Active(),
	}
	if s.ttl > 0 {
		info.ExpiresAt = last.Add(s.ttl)
	}
	if ds != nil {
		info.Rows = ds.NumRows()
		info.Columns = ds.NumColumns()
		info.ColumnNames = ds.ColumnNames()
	}
	return info
}

// shutdown stops the session. It waits up to timeout for an in-flight
// mutation, saves once more when auto-save is on, and releases every
// snapshot. If the lock is not acquired in time the release happens when
// the in-flight mutation finishes and the final save is skipped.
func (s *Session) shutdown(timeout time.Duration) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.saver.Stop()

	if !s.TryLock(timeout) {
		s.log.Warn().Dur("timeout", timeout).Msg("session busy at close; final save skipped")
		go func() {
			if err := s.Lock(context.Background()); err == nil {
				s.release()
				s.Unlock()
			}
		}()
		return
	}
	defer s.Unlock()

	if s.saver.Config().Active() {
		if _, err := s.saver.Save(s.Dataset(), "close"); err != nil {
			s.log.Warn().Err(err).Msg("final save failed")
		}
	}
	s.release()
}

func (s *Session) release() {
	s.releaseOnce.Do(func() {
		s.hist.Close()
		if s.currentID != "" {
			_, _ = s.store.Release(s.currentID)
			s.currentID = ""
		}
	})
}
