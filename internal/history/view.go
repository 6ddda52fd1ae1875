package history

import (
	"github.com/tobert/csvedit-mcp/internal/table"
)

// PageEntry is a record as listed by Page.
type PageEntry struct {
	Entry
	Index      int  `json:"index"`
	IsCurrent  bool `json:"is_current"`
	IsUndone   bool `json:"is_undone"`
	CanRestore bool `json:"can_restore"`
}

// Page is a window of the log, oldest first.
type Page struct {
	Entries []PageEntry `json:"entries"`
	Total   int         `json:"total"`
	Cursor  int         `json:"cursor"`
	Offset  int         `json:"offset"`
	Limit   int         `json:"limit"`
}

// Page lists up to limit records starting at offset. A limit of 0 or less
// lists everything after offset. The cursor does not move.
func (m *Manager) Page(offset, limit int) Page {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := len(m.entries)
	offset = min(max(offset, 0), total)
	end := total
	if limit > 0 {
		end = min(offset+limit, total)
	}

	p := Page{
		Entries: make([]PageEntry, 0, end-offset),
		Total:   total,
		Cursor:  m.cursor,
		Offset:  offset,
		Limit:   limit,
	}
	for i := offset; i < end; i++ {
		p.Entries = append(p.Entries, PageEntry{
			Entry:      m.entries[i],
			Index:      i,
			IsCurrent:  i == m.cursor-1,
			IsUndone:   i >= m.cursor,
			CanRestore: m.states[i+1] != "",
		})
	}
	return p
}

// Stats summarizes the log.
type Stats struct {
	TotalOperations   int                `json:"total_operations"`
	Cursor            int                `json:"cursor"`
	CanUndo           bool               `json:"can_undo"`
	CanRedo           bool               `json:"can_redo"`
	RetainedSnapshots int                `json:"retained_snapshots"`
	PrunedSnapshots   int                `json:"pruned_snapshots"`
	Window            int                `json:"window"`
	ByKind            map[table.Kind]int `json:"by_kind"`
}

// Stats returns counts for the log.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Stats{
		TotalOperations: len(m.entries),
		Cursor:          m.cursor,
		CanUndo:         m.cursor > 0 && m.states[m.cursor-1] != "",
		CanRedo:         m.cursor < len(m.entries),
		PrunedSnapshots: m.pruned,
		Window:          m.opts.Window,
		ByKind:          make(map[table.Kind]int),
	}
	for _, id := range m.states {
		if id != "" {
			s.RetainedSnapshots++
		}
	}
	for _, e := range m.entries {
		s.ByKind[e.Kind]++
	}
	return s
}

// Entries returns a copy of every listed record.
func (m *Manager) Entries() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}
