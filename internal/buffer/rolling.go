// Package buffer implements the bounded rolling window of finalized
// records kept per (symbol, timeframe). Producers push value-type records;
// readers get copies, never the internal storage.
package buffer

import (
	"sync"
	"time"

	"causalfeed/internal/model"
)

// Rolling is a fixed-capacity FIFO of records in strictly increasing
// datetime order. When a push would exceed capacity, the single oldest
// record is evicted first.
//
// Thread-safe: written by the owning aggregator, read by the dispatcher.
type Rolling struct {
	mu   sync.RWMutex
	buf  []model.Record
	cap  int
	pos  int // next write position
	full bool
}

// New creates a rolling buffer with the given capacity.
func New(capacity int) *Rolling {
	if capacity <= 0 {
		capacity = 5000
	}
	return &Rolling{
		buf: make([]model.Record, capacity),
		cap: capacity,
	}
}

// Push appends a record, evicting the oldest entry when full. A record
// whose datetime is not strictly after the newest held record is rejected
// (returns false) to preserve the ordering invariant.
func (b *Rolling) Push(r model.Record) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size() > 0 {
		newest := b.buf[(b.pos-1+b.cap)%b.cap]
		if !r.Dt().After(newest.Dt()) {
			return false
		}
	}

	b.buf[b.pos] = r
	b.pos = (b.pos + 1) % b.cap
	if b.pos == 0 && !b.full {
		b.full = true
	}
	return true
}

// Last returns the most recent min(n, size) records in chronological
// order. The returned slice is a copy; the buffer is not mutated.
func (b *Rolling) Last(n int) []model.Record {
	b.mu.RLock()
	defer b.mu.RUnlock()

	size := b.size()
	if n > size {
		n = size
	}
	if n <= 0 {
		return nil
	}
	out := make([]model.Record, n)
	for i := 0; i < n; i++ {
		out[i] = b.buf[b.index(size-n+i)]
	}
	return out
}

// Size returns the number of records currently held.
func (b *Rolling) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size()
}

// Cap returns the fixed capacity.
func (b *Rolling) Cap() int { return b.cap }

// Full reports whether the buffer has reached capacity.
func (b *Rolling) Full() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.full
}

// OldestTime returns the datetime of the oldest record, if any.
func (b *Rolling) OldestTime() (time.Time, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.size() == 0 {
		return time.Time{}, false
	}
	return b.buf[b.index(0)].Dt(), true
}

// NewestTime returns the datetime of the newest record, if any.
func (b *Rolling) NewestTime() (time.Time, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.size() == 0 {
		return time.Time{}, false
	}
	return b.buf[(b.pos-1+b.cap)%b.cap].Dt(), true
}

// Clear drops every record. Capacity is retained.
func (b *Rolling) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = make([]model.Record, b.cap)
	b.pos = 0
	b.full = false
}

func (b *Rolling) size() int {
	if b.full {
		return b.cap
	}
	return b.pos
}

// index converts a logical index (0 = oldest) to a physical buffer index.
func (b *Rolling) index(logical int) int {
	if b.full {
		return (b.pos + logical) % b.cap
	}
	return logical
}
