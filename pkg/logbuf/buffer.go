package logbuf

import (
	"sync"
	"time"
)

// DefaultCapacity is the number of entries kept when no capacity is configured.
const DefaultCapacity = 10000

// TimestampLayout is the UTC ISO-8601 layout used for LogEntry timestamps.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Entry is one timestamped device message. It is treated as immutable.
type Entry struct {
	Timestamp string `json:"timestamp"`
	Message   string `json:"message"`
}

// NewEntry stamps message with t in UTC.
func NewEntry(t time.Time, message string) Entry {
	return Entry{Timestamp: t.UTC().Format(TimestampLayout), Message: message}
}

// Buffer is a bounded FIFO of entries awaiting upload. When full, the oldest
// entry is evicted to make room.
type Buffer struct {
	mu       sync.Mutex
	entries  []Entry
	capacity int
	evicted  uint64
}

// NewBuffer creates a buffer holding at most capacity entries.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{capacity: capacity}
}

// Push appends e, evicting the oldest entry when the buffer is full.
func (b *Buffer) Push(e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) >= b.capacity {
		drop := len(b.entries) - b.capacity + 1
		b.entries = b.entries[drop:]
		b.evicted += uint64(drop)
	}
	b.entries = append(b.entries, e)
}

// Drain swaps out every pending entry and leaves the buffer empty. New entries
// can be pushed while the caller works on the returned batch.
func (b *Buffer) Drain() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.entries
	b.entries = nil
	return out
}

// Requeue puts a batch that failed to upload back in front of the entries
// pushed since it was drained. The capacity rule still holds: if the merged
// queue is too long, the oldest entries are evicted.
func (b *Buffer) Requeue(batch []Entry) {
	if len(batch) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	merged := make([]Entry, 0, len(batch)+len(b.entries))
	merged = append(merged, batch...)
	merged = append(merged, b.entries...)
	if over := len(merged) - b.capacity; over > 0 {
		merged = merged[over:]
		b.evicted += uint64(over)
	}
	b.entries = merged
}

// Len reports the number of pending entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Cap reports the configured capacity.
func (b *Buffer) Cap() int { return b.capacity }

// Evicted reports how many entries were dropped by the capacity rule.
func (b *Buffer) Evicted() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.evicted
}
