package storage

import "sync"

// RingBuffer is a generic thread-safe ring buffer that stores a fixed number of items.
// When the buffer is full, adding a new item overwrites the oldest item.
// Every item gets an absolute position (1, 2, 3, ...) that survives wraparound,
// so readers can resume with Since.
type RingBuffer[T any] struct {
	sync.RWMutex
	items    []T
	capacity int
	head     int    // next write position
	size     int    // current number of items
	total    uint64 // items ever added
}

// NewRingBuffer creates a new ring buffer with the specified capacity.
// The capacity must be greater than zero.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity <= 0 {
		panic("ring buffer capacity must be greater than zero")
	}

	return &RingBuffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
	}
}

// Add inserts an item and returns its absolute position.
// If the buffer is at capacity, this overwrites the oldest item.
func (rb *RingBuffer[T]) Add(item T) uint64 {
	return rb.AddFunc(func(uint64) T { return item })
}

// AddFunc inserts the item built by fn, which receives the position the item
// will occupy. fn runs under the buffer lock.
func (rb *RingBuffer[T]) AddFunc(fn func(pos uint64) T) uint64 {
	rb.Lock()
	defer rb.Unlock()

	rb.items[rb.head] = fn(rb.total + 1)
	rb.head = (rb.head + 1) % rb.capacity
	if rb.size < rb.capacity {
		rb.size++
	}
	rb.total++
	return rb.total
}

// GetAll returns all items in chronological order (oldest to newest).
// The returned slice is a copy and safe to modify.
func (rb *RingBuffer[T]) GetAll() []T {
	rb.RLock()
	defer rb.RUnlock()
	return rb.snapshotLocked()
}

func (rb *RingBuffer[T]) snapshotLocked() []T {
	if rb.size == 0 {
		return nil
	}

	result := make([]T, rb.size)
	if rb.size < rb.capacity {
		copy(result, rb.items[:rb.size])
	} else {
		// Wrapped: head points to oldest item
		n := copy(result, rb.items[rb.head:])
		copy(result[n:], rb.items[:rb.head])
	}
	return result
}

// GetRecent returns the N most recent items in chronological order.
// If N is greater than the current size, all items are returned.
func (rb *RingBuffer[T]) GetRecent(n int) []T {
	all := rb.GetAll()
	if len(all) <= n {
		return all
	}
	return all[len(all)-n:]
}

// Since returns the items added after absolute position pos that are still
// buffered, plus the current position to pass on the next call.
func (rb *RingBuffer[T]) Since(pos uint64) ([]T, uint64) {
	rb.RLock()
	defer rb.RUnlock()

	if pos >= rb.total {
		return nil, rb.total
	}
	all := rb.snapshotLocked()
	missed := rb.total - pos
	if missed < uint64(len(all)) {
		all = all[uint64(len(all))-missed:]
	}
	return all, rb.total
}

// Position returns the absolute position of the newest item.
func (rb *RingBuffer[T]) Position() uint64 {
	rb.RLock()
	defer rb.RUnlock()
	return rb.total
}

// Size returns the current number of items in the buffer.
func (rb *RingBuffer[T]) Size() int {
	rb.RLock()
	defer rb.RUnlock()
	return rb.size
}

// Capacity returns the maximum capacity of the buffer.
func (rb *RingBuffer[T]) Capacity() int {
	return rb.capacity
}

// Clear removes all items from the buffer. Positions keep counting.
func (rb *RingBuffer[T]) Clear() {
	rb.Lock()
	defer rb.Unlock()
	clear(rb.items)
	rb.size = 0
	rb.head = 0
}
