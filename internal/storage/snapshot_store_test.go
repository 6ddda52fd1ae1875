package storage

import (
	"sync"
	"testing"
)

func TestSnapshotStorePutGet(t *testing.T) {
	s := NewSnapshotStore[string]()

	id := s.Put("alpha")
	if id == "" {
		t.Fatal("expected non-empty id")
	}

	v, err := s.Get(id)
	if err != nil {
		t.Fatalf("failed to get snapshot: %v", err)
	}
	if v != "alpha" {
		t.Errorf("expected 'alpha', got %q", v)
	}
	if s.Refs(id) != 1 {
		t.Errorf("expected 1 ref, got %d", s.Refs(id))
	}

	if _, err := s.Get("missing"); err == nil {
		t.Error("expected error getting unknown snapshot")
	}
}

func TestSnapshotStoreIDsAreOrdered(t *testing.T) {
	s := NewSnapshotStore[int]()

	prev := s.Put(0)
	for i := 1; i < 50; i++ {
		id := s.Put(i)
		if id <= prev {
			t.Fatalf("id %q not after %q", id, prev)
		}
		prev = id
	}
}

func TestSnapshotStoreRefCounting(t *testing.T) {
	s := NewSnapshotStore[int]()
	id := s.Put(42)

	if err := s.Retain(id); err != nil {
		t.Fatalf("retain: %v", err)
	}
	if s.Refs(id) != 2 {
		t.Fatalf("expected 2 refs, got %d", s.Refs(id))
	}

	deleted, err := s.Release(id)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if deleted {
		t.Error("snapshot deleted while still referenced")
	}

	deleted, err = s.Release(id)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if !deleted {
		t.Error("expected snapshot to be deleted at zero refs")
	}
	if s.Count() != 0 {
		t.Errorf("expected 0 snapshots, got %d", s.Count())
	}

	if _, err := s.Release(id); err == nil {
		t.Error("expected error releasing deleted snapshot")
	}
	if err := s.Retain(id); err == nil {
		t.Error("expected error retaining deleted snapshot")
	}
}

func TestSnapshotStoreInfo(t *testing.T) {
	s := NewSnapshotStore[int]()
	id := s.Put(1)

	info, ok := s.Info(id)
	if !ok {
		t.Fatal("expected info for stored snapshot")
	}
	if info.ID != id || info.Refs != 1 || info.CreatedAt.IsZero() {
		t.Errorf("unexpected info: %+v", info)
	}

	if _, ok := s.Info("nope"); ok {
		t.Error("expected no info for unknown snapshot")
	}
}

func TestSnapshotStoreConcurrent(t *testing.T) {
	s := NewSnapshotStore[int]()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := s.Put(n)
			_ = s.Retain(id)
			_, _ = s.Release(id)
			_, _ = s.Release(id)
		}(i)
	}
	wg.Wait()

	if s.Count() != 0 {
		t.Errorf("expected empty store, got %d", s.Count())
	}
}
