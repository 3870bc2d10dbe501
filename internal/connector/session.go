package connector

import (
	"context"
	"sync"
	"time"
)

// SessionEvent is one raw market-data event from a vendor session. The
// connector resolves CorrelationID back to its security string before
// normalizing.
type SessionEvent struct {
	CorrelationID int64
	Fields        map[string]float64
	Time          time.Time
}

// MarketSession abstracts the vendor session client so the connector can
// run against either the native library or the built-in mock.
type MarketSession interface {
	// Open establishes the session and its market-data service.
	Open(ctx context.Context) error

	// Subscribe starts a market-data subscription identified by id.
	Subscribe(security string, id int64) error

	// Unsubscribe stops the subscription identified by id.
	Unsubscribe(id int64) error

	// Events returns the inbound event stream. Closed by Close.
	Events() <-chan SessionEvent

	// Close tears down the session. Idempotent.
	Close() error
}

// SessionFactory creates a vendor session for a host:port endpoint.
type SessionFactory func(host string, port int) (MarketSession, error)

var (
	sessionMu      sync.Mutex
	sessionFactory SessionFactory
)

// RegisterSessionFactory installs the native vendor client. Builds that
// link the vendor library call this from an init(); when no factory is
// registered the connector falls back to the deterministic mock.
func RegisterSessionFactory(f SessionFactory) {
	sessionMu.Lock()
	sessionFactory = f
	sessionMu.Unlock()
}

func registeredSessionFactory() SessionFactory {
	sessionMu.Lock()
	defer sessionMu.Unlock()
	return sessionFactory
}
