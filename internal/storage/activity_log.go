package storage

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType classifies an activity event.
type EventType string

const (
	EventSessionCreated EventType = "session_created"
	EventSessionClosed  EventType = "session_closed"
	EventSessionExpired EventType = "session_expired"
	EventSessionEvicted EventType = "session_evicted"
	EventOperation      EventType = "operation"
	EventUndo           EventType = "undo"
	EventRedo           EventType = "redo"
	EventRestore        EventType = "restore"
	EventSave           EventType = "save"
	EventSaveFailed     EventType = "save_failed"
	EventSaveSkipped    EventType = "save_skipped"
	EventHistoryCleared EventType = "history_cleared"
	EventExport         EventType = "export"
	EventConfigured     EventType = "auto_save_configured"
)

// Event is one entry of the activity feed.
type Event struct {
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// DefaultActivityCapacity is the number of events kept in memory.
const DefaultActivityCapacity = 500

// ActivityLog is a bounded, in-memory feed of session lifecycle and
// persistence events. Counters use atomics for lock-free reads.
type ActivityLog struct {
	events *RingBuffer[Event]

	sessionsCreated atomic.Uint64
	operations      atomic.Uint64
	saves           atomic.Uint64
	saveFailures    atomic.Uint64

	// Subscriber notification for real-time streaming (e.g. WebSocket)
	subscriberMu     sync.Mutex
	subscribers      map[uint64]chan struct{}
	nextSubscriberID uint64

	startTime time.Time
}

// NewActivityLog creates an activity log holding up to capacity events.
func NewActivityLog(capacity int) *ActivityLog {
	if capacity <= 0 {
		capacity = DefaultActivityCapacity
	}
	return &ActivityLog{
		events:      NewRingBuffer[Event](capacity),
		subscribers: make(map[uint64]chan struct{}),
		startTime:   time.Now(),
	}
}

// Record appends an event and wakes subscribers. A nil log discards events.
func (a *ActivityLog) Record(typ EventType, sessionID, detail string) {
	if a == nil {
		return
	}
	switch typ {
	case EventSessionCreated:
		a.sessionsCreated.Add(1)
	case EventOperation, EventUndo, EventRedo, EventRestore:
		a.operations.Add(1)
	case EventSave:
		a.saves.Add(1)
	case EventSaveFailed:
		a.saveFailures.Add(1)
	}

	a.events.AddFunc(func(pos uint64) Event {
		return Event{
			Seq:       pos,
			Timestamp: time.Now(),
			Type:      typ,
			SessionID: sessionID,
			Detail:    detail,
		}
	})

	a.notifySubscribers()
}

// Subscribe returns a notification channel and an unsubscribe function.
// The channel receives a signal (non-blocking) whenever an event is recorded.
// The channel is buffered with capacity 1 to coalesce rapid updates.
func (a *ActivityLog) Subscribe() (<-chan struct{}, func()) {
	a.subscriberMu.Lock()
	defer a.subscriberMu.Unlock()

	id := a.nextSubscriberID
	a.nextSubscriberID++

	ch := make(chan struct{}, 1)
	a.subscribers[id] = ch

	unsubscribe := func() {
		a.subscriberMu.Lock()
		defer a.subscriberMu.Unlock()
		delete(a.subscribers, id)
	}

	return ch, unsubscribe
}

func (a *ActivityLog) notifySubscribers() {
	a.subscriberMu.Lock()
	defer a.subscriberMu.Unlock()

	for _, ch := range a.subscribers {
		select {
		case ch <- struct{}{}:
		default:
			// Pending notification already queued
		}
	}
}

// Recent returns the n most recent events, oldest first.
func (a *ActivityLog) Recent(n int) []Event {
	return a.events.GetRecent(n)
}

// Since returns buffered events after seq and the seq to resume from.
func (a *ActivityLog) Since(seq uint64) ([]Event, uint64) {
	return a.events.Since(seq)
}

// ActivityStats is a point-in-time view of the counters.
type ActivityStats struct {
	SessionsCreated uint64  `json:"sessions_created"`
	Operations      uint64  `json:"operations"`
	Saves           uint64  `json:"saves"`
	SaveFailures    uint64  `json:"save_failures"`
	UptimeSeconds   float64 `json:"uptime_seconds"`
}

// Stats returns the counters.
func (a *ActivityLog) Stats() ActivityStats {
	return ActivityStats{
		SessionsCreated: a.sessionsCreated.Load(),
		Operations:      a.operations.Load(),
		Saves:           a.saves.Load(),
		SaveFailures:    a.saveFailures.Load(),
		UptimeSeconds:   time.Since(a.startTime).Seconds(),
	}
}
