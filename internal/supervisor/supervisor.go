// Package supervisor owns the engine lifecycle: it starts every pipeline's
// connector, drives the dispatch and health cadences, and on cancellation
// finalizes open windows before stopping the connectors.
package supervisor

import (
	"context"
	"log"
	"sync"
	"time"

	"causalfeed/internal/buffer"
	"causalfeed/internal/connector"
	"causalfeed/internal/model"
)

// Aggregator is the pipeline-facing aggregator surface, satisfied by the
// OHLC and univariate aggregators.
type Aggregator interface {
	Buffer(label string) *buffer.Rolling
	Timeframes() []model.Timeframe
	ForceFinalizeAll()
	Symbol() string
	Source() string
}

// Sender posts one buffer's window; satisfied by the dispatcher.
type Sender interface {
	Send(ctx context.Context, buf *buffer.Rolling, tf model.Timeframe) (*model.ChainSignal, bool)
}

// Pipeline binds one connector to its aggregators and their dispatchers.
// A connector with several symbols carries one Target per symbol.
type Pipeline struct {
	Name      string
	Connector connector.Connector
	Targets   []Target
}

// Target is one aggregator/dispatcher pair inside a pipeline.
type Target struct {
	Agg    Aggregator
	Sender Sender
}

// Config tunes the supervisor cadences.
type Config struct {
	DispatchInterval time.Duration
	HealthInterval   time.Duration
	ShutdownTimeout  time.Duration
}

// HealthFunc receives periodic connector snapshots.
type HealthFunc func(name string, h connector.Health)

// Supervisor runs a set of pipelines until its context is cancelled.
type Supervisor struct {
	cfg       Config
	pipelines []Pipeline

	// OnHealth forwards snapshots to the health registry and metrics.
	OnHealth HealthFunc

	wg sync.WaitGroup
}

// New creates a supervisor. Zero cadences get conservative defaults.
func New(cfg Config, pipelines []Pipeline) *Supervisor {
	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = 60 * time.Second
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 30 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	return &Supervisor{cfg: cfg, pipelines: pipelines}
}

// Run starts every pipeline and blocks until ctx is cancelled and the
// shutdown sequence has finished. Pipelines whose connector refuses to
// start are dropped with a log line; the rest keep running.
func (s *Supervisor) Run(ctx context.Context) error {
	started := make([]Pipeline, 0, len(s.pipelines))
	for _, p := range s.pipelines {
		if err := p.Connector.Connect(ctx); err != nil {
			log.Printf("[supervisor] %s: connect failed, pipeline disabled: %v", p.Name, err)
			continue
		}
		log.Printf("[supervisor] %s: started (%d targets)", p.Name, len(p.Targets))
		started = append(started, p)
	}

	for _, p := range started {
		p := p
		s.wg.Add(2)
		go func() {
			defer s.wg.Done()
			s.dispatchLoop(ctx, p)
		}()
		go func() {
			defer s.wg.Done()
			s.healthLoop(ctx, p)
		}()
	}

	<-ctx.Done()
	s.shutdown(started)
	s.wg.Wait()
	return ctx.Err()
}

// dispatchLoop posts every target's buffers on the dispatch cadence.
func (s *Supervisor) dispatchLoop(ctx context.Context, p Pipeline) {
	ticker := time.NewTicker(s.cfg.DispatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.dispatchOnce(ctx, p)
		}
	}
}

// dispatchOnce walks every timeframe of every target. Short buffers and
// failed posts are skipped; the next tick retries them.
func (s *Supervisor) dispatchOnce(ctx context.Context, p Pipeline) {
	for _, t := range p.Targets {
		for _, tf := range t.Agg.Timeframes() {
			select {
			case <-ctx.Done():
				return
			default:
			}
			buf := t.Agg.Buffer(tf.Label)
			if buf == nil {
				continue
			}
			if sig, ok := t.Sender.Send(ctx, buf, tf); ok && sig.ChainDetected != 0 {
				log.Printf("[supervisor] %s: chain detected %s %s direction=%d",
					p.Name, t.Agg.Symbol(), tf.Label, sig.ChainDetected)
			}
		}
	}
}

// healthLoop samples the connector on the health cadence.
func (s *Supervisor) healthLoop(ctx context.Context, p Pipeline) {
	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := p.Connector.Health()
			if s.OnHealth != nil {
				s.OnHealth(p.Name, snap)
			}
			if snap.Status != connector.StatusConnected {
				log.Printf("[supervisor] %s: health %s (errors=%d)", p.Name, snap.Status, snap.ErrorCount)
			}
		}
	}
}

// shutdown finalizes in-progress windows first so their partial candles
// reach the buffers, then stops every connector within the timeout.
func (s *Supervisor) shutdown(started []Pipeline) {
	for _, p := range started {
		for _, t := range p.Targets {
			t.Agg.ForceFinalizeAll()
		}
	}

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, p := range started {
			p := p
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := p.Connector.Shutdown(); err != nil {
					log.Printf("[supervisor] %s: shutdown: %v", p.Name, err)
				}
			}()
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Printf("[supervisor] all connectors stopped")
	case <-time.After(s.cfg.ShutdownTimeout):
		log.Printf("[supervisor] shutdown timeout after %s, abandoning stragglers", s.cfg.ShutdownTimeout)
	}
}
