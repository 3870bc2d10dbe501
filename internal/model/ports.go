package model

import "context"

// ── Sink Port Interfaces ──
// These interfaces decouple the pipeline from concrete sink implementations
// (redis publisher, webhook notifier) so the supervisor can wire any subset.

// CandlePublisher receives finalized records fanned out from aggregators.
type CandlePublisher interface {
	// PublishCandle delivers one finalized record event.
	PublishCandle(ctx context.Context, ev Event) error

	// Close flushes anything pending and releases underlying resources.
	Close() error
}

// SignalPublisher receives chain signals returned by the causal service.
type SignalPublisher interface {
	PublishSignal(ctx context.Context, sig ChainSignal) error
}

// Notifier delivers operator-facing alerts (non-zero chain signals,
// connectors giving up on reconnection).
type Notifier interface {
	Notify(ctx context.Context, title, message string) error
}
