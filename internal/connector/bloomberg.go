package connector

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"causalfeed/internal/normalize"
)

// BloombergConfig configures the subscription-session connector.
type BloombergConfig struct {
	Host       string // default "localhost"
	Port       int    // default 8194
	Securities []string

	// MockInterval is the mock emit cadence used when no vendor session
	// factory is registered. Default 5s.
	MockInterval time.Duration
}

func (c *BloombergConfig) defaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 8194
	}
	if c.MockInterval == 0 {
		c.MockInterval = 5 * time.Second
	}
}

// Bloomberg drives a vendor market-data session. Subscriptions carry
// monotonically increasing correlation IDs; inbound events are resolved
// back to their security string before normalization. When the native
// client library is absent the built-in mock session is substituted
// transparently — the two behave identically at the Connector contract.
type Bloomberg struct {
	cfg  BloombergConfig
	sink TickSink
	norm normalize.Bloomberg
	st   *state

	mu      sync.Mutex
	session MarketSession
	subs    map[string]int64 // security -> correlation id
	nextID  int64
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mock    bool
}

// NewBloomberg creates the connector.
func NewBloomberg(cfg BloombergConfig, sink TickSink) (*Bloomberg, error) {
	cfg.defaults()
	if len(cfg.Securities) == 0 {
		return nil, fmt.Errorf("bloomberg: at least one security required")
	}
	return &Bloomberg{
		cfg:  cfg,
		sink: sink,
		st:   newState(),
		subs: make(map[string]int64),
	}, nil
}

// Name implements Connector.
func (b *Bloomberg) Name() string { return normalize.SourceBloomberg }

// Health implements Connector.
func (b *Bloomberg) Health() Health { return b.st.snapshot() }

// Mock reports whether the connector is running on the mock session.
func (b *Bloomberg) Mock() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mock
}

// Connect opens the session, subscribes every configured security and
// starts the event loop.
func (b *Bloomberg) Connect(ctx context.Context) error {
	session, mock, err := b.openSession(ctx)
	if err != nil {
		return fmt.Errorf("bloomberg: open session: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.session = session
	b.mock = mock
	b.cancel = cancel
	b.mu.Unlock()

	for _, sec := range b.cfg.Securities {
		if err := b.subscribe(sec); err != nil {
			log.Printf("[bloomberg] subscribe %q failed: %v", sec, err)
			b.st.markError()
		}
	}

	b.st.setStatus(StatusConnected)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.eventLoop(runCtx, session)
	}()
	return nil
}

// openSession picks the registered vendor factory or falls back to the
// mock.
func (b *Bloomberg) openSession(ctx context.Context) (MarketSession, bool, error) {
	if factory := registeredSessionFactory(); factory != nil {
		session, err := factory(b.cfg.Host, b.cfg.Port)
		if err != nil {
			return nil, false, err
		}
		if err := session.Open(ctx); err != nil {
			return nil, false, err
		}
		log.Printf("[bloomberg] vendor session open on %s:%d", b.cfg.Host, b.cfg.Port)
		return session, false, nil
	}

	session := newMockSession(b.cfg.MockInterval)
	if err := session.Open(ctx); err != nil {
		return nil, false, err
	}
	log.Printf("[bloomberg] vendor client unavailable, using mock session (interval %s)", b.cfg.MockInterval)
	return session, true, nil
}

// Shutdown closes the session and stops the event loop. Idempotent.
func (b *Bloomberg) Shutdown() error {
	b.mu.Lock()
	session := b.session
	b.session = nil
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	b.mu.Unlock()

	if session != nil {
		if err := session.Close(); err != nil {
			log.Printf("[bloomberg] session close: %v", err)
		}
	}
	b.wg.Wait()
	b.st.setStatus(StatusDisconnected)
	return nil
}

// AddSecurities subscribes additional securities on the live session.
func (b *Bloomberg) AddSecurities(securities ...string) error {
	for _, sec := range securities {
		if err := b.subscribe(sec); err != nil {
			return err
		}
	}
	return nil
}

// RemoveSecurities unsubscribes securities. Unknown names are no-ops.
func (b *Bloomberg) RemoveSecurities(securities ...string) error {
	b.mu.Lock()
	session := b.session
	ids := make([]int64, 0, len(securities))
	for _, sec := range securities {
		if id, ok := b.subs[sec]; ok {
			ids = append(ids, id)
			delete(b.subs, sec)
		}
	}
	b.mu.Unlock()

	if session == nil {
		return nil
	}
	for _, id := range ids {
		if err := session.Unsubscribe(id); err != nil {
			return err
		}
	}
	return nil
}

// subscribe issues one subscription with a fresh correlation id.
func (b *Bloomberg) subscribe(security string) error {
	b.mu.Lock()
	session := b.session
	if session == nil {
		b.mu.Unlock()
		return nil
	}
	if _, exists := b.subs[security]; exists {
		b.mu.Unlock()
		return nil
	}
	b.nextID++
	id := b.nextID
	b.subs[security] = id
	b.mu.Unlock()

	return session.Subscribe(security, id)
}

// securityFor resolves a correlation id back to its security string.
func (b *Bloomberg) securityFor(id int64) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sec, subID := range b.subs {
		if subID == id {
			return sec
		}
	}
	return ""
}

// eventLoop normalizes inbound session events until the stream closes.
func (b *Bloomberg) eventLoop(ctx context.Context, session MarketSession) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-session.Events():
			if !ok {
				return
			}
			sec := b.securityFor(ev.CorrelationID)
			if sec == "" {
				log.Printf("[bloomberg] event for unknown correlation id %d", ev.CorrelationID)
				b.st.markError()
				continue
			}
			b.st.markMessage()

			tick, ok := b.norm.Normalize(normalize.SessionEvent{
				Security: sec,
				Fields:   ev.Fields,
				Time:     ev.Time,
			})
			if !ok {
				continue
			}
			b.sink.AddTick(tick)
		}
	}
}
