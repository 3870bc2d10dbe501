package connector

import (
	"context"
	"hash/fnv"
	"log"
	"math/rand"
	"sync"
	"time"
)

// mockSession is the fallback used when no vendor session factory is
// registered. Each subscription emits a deterministic random-walk tick on
// a fixed cadence, seeded per security so runs are reproducible.
type mockSession struct {
	interval time.Duration
	events   chan SessionEvent

	mu     sync.Mutex
	subs   map[int64]*mockWalk
	closed bool
	wg     sync.WaitGroup
}

type mockWalk struct {
	security string
	rng      *rand.Rand
	price    float64
	stop     chan struct{}
}

// newMockSession creates a mock with the given emit cadence (the
// production default is 5s; tests shorten it).
func newMockSession(interval time.Duration) *mockSession {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &mockSession{
		interval: interval,
		events:   make(chan SessionEvent, 256),
		subs:     make(map[int64]*mockWalk),
	}
}

// Open implements MarketSession. The mock has nothing to dial.
func (m *mockSession) Open(ctx context.Context) error { return nil }

// Subscribe starts a per-security emitter goroutine.
func (m *mockSession) Subscribe(security string, id int64) error {
	seed := fnv.New64a()
	seed.Write([]byte(security))
	w := &mockWalk{
		security: security,
		rng:      rand.New(rand.NewSource(int64(seed.Sum64()))),
		stop:     make(chan struct{}),
	}
	w.price = 50 + w.rng.Float64()*150 // starting level per security

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.subs[id] = w
	m.mu.Unlock()

	m.wg.Add(1)
	go m.emit(id, w)
	return nil
}

// Unsubscribe stops the emitter for id.
func (m *mockSession) Unsubscribe(id int64) error {
	m.mu.Lock()
	w, ok := m.subs[id]
	if ok {
		delete(m.subs, id)
	}
	m.mu.Unlock()
	if ok {
		close(w.stop)
	}
	return nil
}

// Events implements MarketSession.
func (m *mockSession) Events() <-chan SessionEvent { return m.events }

// Close stops every emitter and closes the event channel.
func (m *mockSession) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for id, w := range m.subs {
		close(w.stop)
		delete(m.subs, id)
	}
	m.mu.Unlock()

	m.wg.Wait()
	close(m.events)
	return nil
}

// emit produces one synthetic tick per interval until unsubscribed.
func (m *mockSession) emit(id int64, w *mockWalk) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.price *= 1 + (w.rng.Float64()-0.5)*0.004 // ±0.2% step
			ev := SessionEvent{
				CorrelationID: id,
				Fields: map[string]float64{
					"LAST_PRICE": w.price,
					"VOLUME":     float64(w.rng.Intn(900) + 100),
				},
				Time: time.Now().UTC(),
			}
			select {
			case m.events <- ev:
			default:
				log.Printf("[mock-session] event channel full, dropping tick for %s", w.security)
			}
		}
	}
}
