// Package publish delivers finalized candles and chain signals to Redis
// for the dashboard collaborator: SET of the latest value, XADD onto a
// trimmed stream and PUBLISH for live subscribers, all in one pipeline.
// Round trips run through a circuit breaker; while the breaker is open,
// writes land in a bounded pending queue that is flushed when Redis
// recovers. Nothing in the ingest pipeline ever blocks on Redis.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/sony/gobreaker"

	"causalfeed/internal/model"
)

const (
	defaultLatestTTL    = 30 * time.Minute
	defaultStreamMaxLen = 12000
	defaultPendingMax   = 10000
)

// Config configures the publisher.
type Config struct {
	Addr     string
	Password string
	DB       int

	// StreamMaxLen trims every stream with XADD MAXLEN ~. Default 12000.
	StreamMaxLen int64

	// PendingMax bounds the queue held while the breaker is open; the
	// oldest write is dropped when full. Default 10000.
	PendingMax int
}

type pendingWrite struct {
	key     string
	payload []byte
}

// Publisher implements model.CandlePublisher and model.SignalPublisher
// over Redis.
type Publisher struct {
	client       *goredis.Client
	cb           *gobreaker.CircuitBreaker
	streamMaxLen int64

	mu         sync.Mutex
	pending    []pendingWrite
	pendingMax int

	// send is the transport; tests substitute it.
	send func(ctx context.Context, key string, payload []byte) error

	// Metrics hooks.
	OnBreakerTrip func()
	OnPending     func()
	OnFlush       func(count int)
}

// New connects to Redis and returns a publisher. The ping failure is an
// error so the caller can decide to run without a publisher.
func New(cfg Config) (*Publisher, error) {
	if cfg.StreamMaxLen <= 0 {
		cfg.StreamMaxLen = defaultStreamMaxLen
	}
	if cfg.PendingMax <= 0 {
		cfg.PendingMax = defaultPendingMax
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	log.Printf("[publish] connected to redis at %s", cfg.Addr)

	p := &Publisher{
		client:       client,
		streamMaxLen: cfg.StreamMaxLen,
		pendingMax:   cfg.PendingMax,
	}
	p.send = p.sendRedis
	p.cb = p.newBreaker()
	return p, nil
}

// newForTest builds a publisher over an injected transport (no Redis).
func newForTest(send func(ctx context.Context, key string, payload []byte) error, pendingMax int) *Publisher {
	p := &Publisher{pendingMax: pendingMax, streamMaxLen: defaultStreamMaxLen, send: send}
	p.cb = p.newBreaker()
	return p
}

func (p *Publisher) newBreaker() *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "redis-publish",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("[publish] breaker %s: %s -> %s", name, from, to)
			if to == gobreaker.StateOpen && p.OnBreakerTrip != nil {
				p.OnBreakerTrip()
			}
			if to == gobreaker.StateClosed {
				go p.flush()
			}
		},
	})
}

// PublishCandle implements model.CandlePublisher.
func (p *Publisher) PublishCandle(ctx context.Context, ev model.Event) error {
	return p.publish(ctx, ev.StreamKey(), ev.JSON())
}

// PublishSignal implements model.SignalPublisher.
func (p *Publisher) PublishSignal(ctx context.Context, sig model.ChainSignal) error {
	return p.publish(ctx, sig.StreamKey(), sig.JSON())
}

// publish runs one write through the breaker. Writes rejected by an open
// breaker are queued, not lost, and reported as success to the caller.
func (p *Publisher) publish(ctx context.Context, key string, payload []byte) error {
	_, err := p.cb.Execute(func() (interface{}, error) {
		return nil, p.send(ctx, key, payload)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		p.enqueue(key, payload)
		return nil
	}
	return err
}

// enqueue appends to the pending queue, evicting the oldest when full.
func (p *Publisher) enqueue(key string, payload []byte) {
	p.mu.Lock()
	if len(p.pending) >= p.pendingMax {
		p.pending = p.pending[1:]
	}
	p.pending = append(p.pending, pendingWrite{key: key, payload: payload})
	p.mu.Unlock()

	if p.OnPending != nil {
		p.OnPending()
	}
}

// PendingCount returns the number of queued writes.
func (p *Publisher) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// flush replays queued writes directly through the transport.
func (p *Publisher) flush() {
	p.mu.Lock()
	if len(p.pending) == 0 {
		p.mu.Unlock()
		return
	}
	toFlush := p.pending
	p.pending = nil
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	flushed := 0
	for _, pw := range toFlush {
		if err := p.send(ctx, pw.key, pw.payload); err != nil {
			log.Printf("[publish] flush aborted after %d writes: %v", flushed, err)
			// Requeue what remains; the next close transition retries.
			p.mu.Lock()
			p.pending = append(toFlush[flushed:], p.pending...)
			if len(p.pending) > p.pendingMax {
				p.pending = p.pending[len(p.pending)-p.pendingMax:]
			}
			p.mu.Unlock()
			return
		}
		flushed++
	}

	log.Printf("[publish] flushed %d pending writes", flushed)
	if p.OnFlush != nil {
		p.OnFlush(flushed)
	}
}

// sendRedis performs the pipelined SET + XADD + PUBLISH round trip.
func (p *Publisher) sendRedis(ctx context.Context, key string, payload []byte) error {
	data := string(payload)
	pipe := p.client.Pipeline()
	pipe.Set(ctx, "latest:"+key, data, defaultLatestTTL)
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: "stream:" + key,
		MaxLen: p.streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"data": data},
	})
	pipe.Publish(ctx, "pub:"+key, data)
	_, err := pipe.Exec(ctx)
	return err
}

// Close flushes the pending queue and closes the client.
func (p *Publisher) Close() error {
	p.flush()
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}
