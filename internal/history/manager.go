// Package history keeps the linear undo/redo log of a session.
//
// The log is a sequence of operation records and a parallel sequence of
// dataset states: record i turns states[i] into states[i+1]. The cursor
// selects the active state. Recording while the cursor is behind the end
// discards the redo branch. Only the newest Window states keep their
// snapshot; older records stay listed but can no longer be restored.
package history

import (
	"sync"
	"time"

	"github.com/tobert/csvedit-mcp/internal/apperr"
	"github.com/tobert/csvedit-mcp/internal/storage"
	"github.com/tobert/csvedit-mcp/internal/table"
)

const DefaultWindow = 100

// RefCounter is the part of a snapshot store the manager needs.
type RefCounter interface {
	Retain(id storage.SnapshotID) error
	Release(id storage.SnapshotID) (bool, error)
}

// Options configures a Manager.
type Options struct {
	// Window is the number of dataset states whose snapshots are retained.
	Window int
	// MaxRecords caps the number of listed records; 0 means unlimited.
	MaxRecords int
	// Label names the log in exports, usually the session id.
	Label string
	Now   func() time.Time
}

// Entry is one operation record.
type Entry struct {
	OperationID int64              `json:"operation_id"`
	Kind        table.Kind         `json:"kind"`
	Params      table.Op           `json:"params"`
	Timestamp   time.Time          `json:"timestamp"`
	Pre         storage.SnapshotID `json:"pre_snapshot"`
	Post        storage.SnapshotID `json:"post_snapshot"`
	Summary     table.Summary      `json:"summary"`
}

// Manager is the history of one session. It is safe for concurrent use;
// callers still serialize mutations through the session lock so that the
// pre snapshot they pass to Record is the one that is active.
type Manager struct {
	mu      sync.RWMutex
	opts    Options
	refs    RefCounter
	entries []Entry
	states  []storage.SnapshotID // len(entries)+1, "" once pruned
	cursor  int
	nextID  int64
	pruned  int
	closed  bool
}

// New creates a history whose base state is base. It takes its own
// reference on base.
func New(refs RefCounter, base storage.SnapshotID, opts Options) (*Manager, error) {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.MaxRecords < 0 {
		opts.MaxRecords = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if err := refs.Retain(base); err != nil {
		return nil, err
	}
	return &Manager{
		opts:   opts,
		refs:   refs,
		states: []storage.SnapshotID{base},
		nextID: 1,
	}, nil
}

// ErrStaleSnapshot is returned by Record when pre is not the active state.
var ErrStaleSnapshot = apperr.New(apperr.KindInternal, "pre snapshot is not the active state")

// Record appends an operation that moved the active state pre to post.
// The redo branch is discarded and the manager takes a reference on post.
func (m *Manager) Record(op table.Op, pre, post storage.SnapshotID, sum table.Summary) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.states[m.cursor] != pre {
		return Entry{}, ErrStaleSnapshot.WithDetails("active %s, got %s", m.states[m.cursor], pre)
	}
	if err := m.refs.Retain(post); err != nil {
		return Entry{}, err
	}

	m.discardRedoLocked()

	e := Entry{
		OperationID: m.nextID,
		Kind:        op.Kind(),
		Params:      op,
		Timestamp:   m.opts.Now(),
		Pre:         pre,
		Post:        post,
		Summary:     sum,
	}
	m.nextID++
	m.entries = append(m.entries, e)
	m.states = append(m.states, post)
	m.cursor++

	m.enforceLimitsLocked()
	return e, nil
}

func (m *Manager) discardRedoLocked() {
	for _, id := range m.states[m.cursor+1:] {
		m.releaseLocked(id)
	}
	m.states = m.states[:m.cursor+1]
	m.entries = m.entries[:m.cursor]
}

func (m *Manager) enforceLimitsLocked() {
	retained := 0
	for _, id := range m.states {
		if id != "" {
			retained++
		}
	}
	for i := 0; retained > m.opts.Window && i < m.cursor; i++ {
		if m.states[i] == "" {
			continue
		}
		m.releaseLocked(m.states[i])
		m.states[i] = ""
		m.pruned++
		retained--
	}

	if m.opts.MaxRecords == 0 {
		return
	}
	for len(m.entries) > m.opts.MaxRecords {
		m.releaseLocked(m.states[0])
		m.entries = m.entries[1:]
		m.states = m.states[1:]
		m.cursor--
	}
}

func (m *Manager) releaseLocked(id storage.SnapshotID) {
	if id == "" {
		return
	}
	// The store only errors for unknown ids, which would mean a double
	// release elsewhere; the history has nothing to recover.
	_, _ = m.refs.Release(id)
}

// Undo moves the cursor back one record and returns the snapshot to activate.
func (m *Manager) Undo() (storage.SnapshotID, Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cursor == 0 {
		return "", Entry{}, apperr.ErrNothingToUndo
	}
	target := m.states[m.cursor-1]
	undone := m.entries[m.cursor-1]
	if target == "" {
		return "", Entry{}, apperr.ErrHistoryTruncated.WithDetails("cannot undo operation %d", undone.OperationID)
	}
	m.cursor--
	return target, undone, nil
}

// Redo moves the cursor forward one record and returns the snapshot to activate.
func (m *Manager) Redo() (storage.SnapshotID, Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cursor == len(m.entries) {
		return "", Entry{}, apperr.ErrNothingToRedo
	}
	target := m.states[m.cursor+1]
	redone := m.entries[m.cursor]
	if target == "" {
		return "", Entry{}, apperr.ErrHistoryTruncated.WithDetails("cannot redo operation %d", redone.OperationID)
	}
	m.cursor++
	return target, redone, nil
}

// RestoreTo moves the cursor to just after the record with operationID.
func (m *Manager) RestoreTo(operationID int64) (storage.SnapshotID, Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.indexLocked(operationID)
	if i < 0 {
		return "", Entry{}, apperr.ErrOperationNotFound.WithDetails("operation %d", operationID)
	}
	target := m.states[i+1]
	if target == "" {
		return "", Entry{}, apperr.ErrHistoryTruncated.WithDetails("operation %d is outside the retention window", operationID)
	}
	m.cursor = i + 1
	return target, m.entries[i], nil
}

func (m *Manager) indexLocked(operationID int64) int {
	// Operation ids are strictly increasing, so the entries are sorted.
	lo, hi := 0, len(m.entries)
	for lo < hi {
		mid := (lo + hi) / 2
		switch {
		case m.entries[mid].OperationID == operationID:
			return mid
		case m.entries[mid].OperationID < operationID:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return -1
}

// Clear drops every record and every snapshot except the active one, which
// becomes the new base. Operation ids keep counting.
func (m *Manager) Clear() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := m.states[m.cursor]
	for i, id := range m.states {
		if i != m.cursor {
			m.releaseLocked(id)
		}
	}
	n := len(m.entries)
	m.entries = nil
	m.states = []storage.SnapshotID{active}
	m.cursor = 0
	m.pruned = 0
	return n
}

// Close releases every snapshot reference the history holds. The manager
// must not be used afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	for _, id := range m.states {
		m.releaseLocked(id)
	}
	m.closed = true
	m.entries = nil
	m.states = []storage.SnapshotID{""}
	m.cursor = 0
}

// Active returns the snapshot selected by the cursor.
func (m *Manager) Active() storage.SnapshotID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.states[m.cursor]
}

// Cursor returns the number of applied records.
func (m *Manager) Cursor() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cursor
}

// Len returns the number of listed records.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// CanUndo reports whether Undo would succeed.
func (m *Manager) CanUndo() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cursor > 0 && m.states[m.cursor-1] != ""
}

// CanRedo reports whether Redo would succeed.
func (m *Manager) CanRedo() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cursor < len(m.entries)
}
