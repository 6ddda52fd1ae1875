package storage

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// SnapshotID identifies an immutable value held by a SnapshotStore.
type SnapshotID string

// SnapshotStore holds immutable values under reference counts.
// A value is dropped when its last reference is released; the store has no
// expiry policy of its own.
type SnapshotStore[T any] struct {
	sync.RWMutex
	snapshots map[SnapshotID]*snapshot[T]
	entropy   *ulid.MonotonicEntropy
}

type snapshot[T any] struct {
	value     T
	refs      int
	createdAt time.Time
}

// SnapshotInfo describes a stored snapshot without exposing its value.
type SnapshotInfo struct {
	ID        SnapshotID
	Refs      int
	CreatedAt time.Time
}

// NewSnapshotStore creates an empty store.
func NewSnapshotStore[T any]() *SnapshotStore[T] {
	return &SnapshotStore[T]{
		snapshots: make(map[SnapshotID]*snapshot[T]),
		entropy:   ulid.Monotonic(rand.Reader, 0),
	}
}

// Put stores value and returns its id with one reference owned by the caller.
func (s *SnapshotStore[T]) Put(value T) SnapshotID {
	s.Lock()
	defer s.Unlock()

	now := time.Now()
	id := SnapshotID(ulid.MustNew(ulid.Timestamp(now), s.entropy).String())
	s.snapshots[id] = &snapshot[T]{value: value, refs: 1, createdAt: now}
	return id
}

// Get returns the value stored under id.
func (s *SnapshotStore[T]) Get(id SnapshotID) (T, error) {
	s.RLock()
	defer s.RUnlock()

	snap, ok := s.snapshots[id]
	if !ok {
		var zero T
		return zero, fmt.Errorf("snapshot %q not found", id)
	}
	return snap.value, nil
}

// Retain adds a reference to id.
func (s *SnapshotStore[T]) Retain(id SnapshotID) error {
	s.Lock()
	defer s.Unlock()

	snap, ok := s.snapshots[id]
	if !ok {
		return fmt.Errorf("snapshot %q not found", id)
	}
	snap.refs++
	return nil
}

// Release drops a reference to id and deletes the snapshot when none remain.
// It reports whether the snapshot was deleted.
func (s *SnapshotStore[T]) Release(id SnapshotID) (bool, error) {
	s.Lock()
	defer s.Unlock()

	snap, ok := s.snapshots[id]
	if !ok {
		return false, fmt.Errorf("snapshot %q not found", id)
	}
	snap.refs--
	if snap.refs > 0 {
		return false, nil
	}
	delete(s.snapshots, id)
	return true, nil
}

// Refs returns the reference count of id, or 0 if it is not stored.
func (s *SnapshotStore[T]) Refs(id SnapshotID) int {
	s.RLock()
	defer s.RUnlock()

	if snap, ok := s.snapshots[id]; ok {
		return snap.refs
	}
	return 0
}

// Info describes a stored snapshot.
func (s *SnapshotStore[T]) Info(id SnapshotID) (SnapshotInfo, bool) {
	s.RLock()
	defer s.RUnlock()

	snap, ok := s.snapshots[id]
	if !ok {
		return SnapshotInfo{}, false
	}
	return SnapshotInfo{ID: id, Refs: snap.refs, CreatedAt: snap.createdAt}, true
}

// Count returns the number of stored snapshots.
func (s *SnapshotStore[T]) Count() int {
	s.RLock()
	defer s.RUnlock()

	return len(s.snapshots)
}
