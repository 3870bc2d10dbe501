// Package connector provides the ingestion adapters that acquire raw
// vendor messages and feed normalized ticks into an aggregator. Every
// variant exposes the same lifecycle: construct (init), Connect, Health,
// Shutdown. Connection failures are handled by each connector's own
// reconnect machine and never surface to the caller after Connect returns.
package connector

import (
	"context"
	"sync"
	"time"

	"causalfeed/internal/model"
)

// Status values reported in health snapshots.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// RateLimitInfo carries vendor rate-limit headers for polling sources.
type RateLimitInfo struct {
	Remaining int       `json:"remaining"`
	Reset     time.Time `json:"reset"`
}

// Health is a point-in-time connector snapshot, rebuilt on every call.
type Health struct {
	Status      Status         `json:"status"`
	LastMessage time.Time      `json:"last_message,omitempty"`
	ErrorCount  int64          `json:"error_count"`
	UptimeMS    int64          `json:"uptime_ms"`
	RateLimit   *RateLimitInfo `json:"rate_limit,omitempty"`
}

// TickSink receives normalized ticks. Implemented by the aggregators.
type TickSink interface {
	AddTick(t model.Tick)
}

// Connector is the uniform adapter contract the supervisor drives.
type Connector interface {
	// Name identifies the connector in logs and health reports.
	Name() string

	// Connect starts the connector's tasks and returns once they are
	// launched. Dial failures are retried by the reconnect machine, not
	// returned here; only unusable configuration is an error.
	Connect(ctx context.Context) error

	// Health returns a fresh snapshot.
	Health() Health

	// Shutdown stops all timers, closes the underlying resource and
	// waits for the connector's tasks. Idempotent; bounded by ~5s.
	Shutdown() error
}

// Defaults shared by the connector variants.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultReconnectBase     = 2 * time.Second
	DefaultReconnectMax      = 60 * time.Second
	DefaultMaxAttempts       = 10
	DefaultConnectTimeout    = 10 * time.Second
)

// backoffDelay computes min(base * 2^attempt, max) for attempt >= 0.
func backoffDelay(base time.Duration, attempt int, max time.Duration) time.Duration {
	if base <= 0 {
		base = DefaultReconnectBase
	}
	if max <= 0 {
		max = DefaultReconnectMax
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false when the
// context won.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// state holds the health counters every variant maintains. Written by the
// I/O tasks, read by the health-reporting task.
type state struct {
	mu          sync.Mutex
	status      Status
	lastMessage time.Time
	errorCount  int64
	startedAt   time.Time
	rateLimit   *RateLimitInfo
}

func newState() *state {
	return &state{status: StatusDisconnected, startedAt: time.Now()}
}

func (s *state) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

func (s *state) markMessage() {
	s.mu.Lock()
	s.lastMessage = time.Now()
	s.mu.Unlock()
}

func (s *state) markError() {
	s.mu.Lock()
	s.errorCount++
	s.mu.Unlock()
}

func (s *state) setRateLimit(info *RateLimitInfo) {
	s.mu.Lock()
	s.rateLimit = info
	s.mu.Unlock()
}

func (s *state) lastMessageTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastMessage
}

// snapshot builds a fresh Health value.
func (s *state) snapshot() Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := Health{
		Status:      s.status,
		LastMessage: s.lastMessage,
		ErrorCount:  s.errorCount,
		UptimeMS:    time.Since(s.startedAt).Milliseconds(),
	}
	if s.rateLimit != nil {
		rl := *s.rateLimit
		h.RateLimit = &rl
	}
	return h
}
