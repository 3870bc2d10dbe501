// Package bus fans finalized-record events out from the aggregation path
// to sink channels (redis publisher, log sink). A slow subscriber drops
// events rather than blocking the pipeline.
package bus

import (
	"context"
	"log"
	"sync"

	"causalfeed/internal/model"
)

// FanOut broadcasts events from a single input channel to N subscribers.
type FanOut struct {
	mu      sync.RWMutex
	outputs []chan model.Event
	bufSize int

	// OnDrop is called when an event is dropped for a subscriber.
	// subscriberIdx is the 0-based index of the slow consumer.
	OnDrop func(subscriberIdx int)

	drops []int64 // per-subscriber drop counters, guarded by mu
}

// New creates a FanOut with the given buffer size for subscriber channels.
func New(outputBufferSize int) *FanOut {
	return &FanOut{bufSize: outputBufferSize}
}

// Subscribe creates and returns a new subscriber channel.
func (f *FanOut) Subscribe() <-chan model.Event {
	ch := make(chan model.Event, f.bufSize)
	f.mu.Lock()
	f.outputs = append(f.outputs, ch)
	f.drops = append(f.drops, 0)
	f.mu.Unlock()
	return ch
}

// Run reads from input and fans out to every subscriber. Blocks until
// ctx is cancelled or input is closed; subscriber channels are closed on
// the way out.
func (f *FanOut) Run(ctx context.Context, input <-chan model.Event) {
	defer func() {
		f.mu.RLock()
		for _, ch := range f.outputs {
			close(ch)
		}
		f.mu.RUnlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-input:
			if !ok {
				return
			}
			f.mu.Lock()
			for i, ch := range f.outputs {
				select {
				case ch <- ev:
				default:
					f.drops[i]++
					if f.OnDrop != nil {
						f.OnDrop(i)
					} else {
						log.Printf("[bus] subscriber %d full, dropping event %s", i, ev.StreamKey())
					}
				}
			}
			f.mu.Unlock()
		}
	}
}

// Stat describes one subscriber channel: occupancy, capacity and events
// dropped so far. Used for saturation gauges.
type Stat struct {
	Len     int
	Cap     int
	Dropped int64
}

// Stats returns a snapshot per subscriber.
func (f *FanOut) Stats() []Stat {
	f.mu.RLock()
	defer f.mu.RUnlock()
	stats := make([]Stat, len(f.outputs))
	for i, ch := range f.outputs {
		stats[i] = Stat{Len: len(ch), Cap: cap(ch), Dropped: f.drops[i]}
	}
	return stats
}
