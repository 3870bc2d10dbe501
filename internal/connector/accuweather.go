package connector

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"causalfeed/internal/normalize"
)

// AccuWeatherConfig configures the polling-REST connector.
type AccuWeatherConfig struct {
	BaseURL     string // e.g. "https://dataservice.accuweather.com"
	APIKey      string
	LocationKey string // stamped as the tick symbol

	PollInterval time.Duration // default 5m
	MaxRetries   int           // per poll, default 3
	RetryDelay   time.Duration // between attempts, default 5s

	// RESTRate caps request throughput across retries. Nil means unlimited.
	RESTRate *rate.Limiter
}

func (c *AccuWeatherConfig) defaults() {
	if c.PollInterval == 0 {
		c.PollInterval = 5 * time.Minute
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 5 * time.Second
	}
}

// AccuWeather polls the current-conditions endpoint on a fixed cadence.
// Each poll makes up to MaxRetries attempts; a 429 aborts the attempt
// loop and delays the next poll by Retry-After instead of the cadence.
// Consecutive failures never cause catch-up bursts.
type AccuWeather struct {
	cfg  AccuWeatherConfig
	sink TickSink
	norm normalize.AccuWeather
	st   *state
	http *http.Client

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	OnPoll func(ok bool)
}

// NewAccuWeather creates the connector.
func NewAccuWeather(cfg AccuWeatherConfig, sink TickSink) (*AccuWeather, error) {
	cfg.defaults()
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("accuweather: base URL required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("accuweather: API key required")
	}
	if cfg.LocationKey == "" {
		return nil, fmt.Errorf("accuweather: location key required")
	}
	return &AccuWeather{
		cfg:  cfg,
		sink: sink,
		norm: normalize.AccuWeather{Symbol: cfg.LocationKey},
		st:   newState(),
		http: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Name implements Connector.
func (a *AccuWeather) Name() string { return normalize.SourceAccuWeather }

// Health implements Connector.
func (a *AccuWeather) Health() Health { return a.st.snapshot() }

// Connect launches the polling task and returns.
func (a *AccuWeather) Connect(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()

	a.st.setStatus(StatusConnected)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.run(runCtx)
	}()
	return nil
}

// Shutdown stops the polling task. Idempotent; retry sleeps are
// interruptible so this returns promptly.
func (a *AccuWeather) Shutdown() error {
	a.mu.Lock()
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	a.mu.Unlock()

	a.wg.Wait()
	a.st.setStatus(StatusDisconnected)
	return nil
}

// run polls immediately, then on the cadence. A rate-limited poll pushes
// the next tick to the vendor's Retry-After instead.
func (a *AccuWeather) run(ctx context.Context) {
	next := time.Duration(0)
	for {
		if !sleepCtx(ctx, next) {
			return
		}
		next = a.pollOnce(ctx)
	}
}

// pollOnce performs one poll with retries and returns the delay until the
// next poll.
func (a *AccuWeather) pollOnce(ctx context.Context) time.Duration {
	var lastErr error
	for attempt := 0; attempt < a.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if !sleepCtx(ctx, a.cfg.RetryDelay) {
				return a.cfg.PollInterval
			}
		}

		wait, err := a.fetch(ctx)
		if err == nil {
			a.st.setStatus(StatusConnected)
			if a.OnPoll != nil {
				a.OnPoll(true)
			}
			return a.cfg.PollInterval
		}
		if wait > 0 {
			// Rate-limited: stop retrying, reschedule the whole poll.
			log.Printf("[accuweather] rate-limited, next poll in %s", wait)
			if a.OnPoll != nil {
				a.OnPoll(false)
			}
			return wait
		}
		lastErr = err
		a.st.markError()
	}

	a.st.setStatus(StatusError)
	log.Printf("[accuweather] poll failed after %d attempts: %v", a.cfg.MaxRetries, lastErr)
	if a.OnPoll != nil {
		a.OnPoll(false)
	}
	return a.cfg.PollInterval
}

// fetch performs one request. A positive duration means the vendor
// rate-limited us and wants that much delay.
func (a *AccuWeather) fetch(ctx context.Context) (time.Duration, error) {
	if a.cfg.RESTRate != nil {
		if err := a.cfg.RESTRate.Wait(ctx); err != nil {
			return 0, err
		}
	}

	u := fmt.Sprintf("%s/currentconditions/v1/%s?apikey=%s&details=true",
		a.cfg.BaseURL, a.cfg.LocationKey, a.cfg.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	a.updateRateLimit(resp.Header)

	if resp.StatusCode == http.StatusTooManyRequests {
		return retryAfter(resp.Header, 5*time.Second), fmt.Errorf("rate limited")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("read body: %w", err)
	}

	tick, ok := a.norm.Normalize(body)
	if !ok {
		return 0, fmt.Errorf("unusable observation payload")
	}
	a.st.markMessage()
	a.sink.AddTick(tick)
	return 0, nil
}

// updateRateLimit records RateLimit-Remaining / RateLimit-Reset headers
// into the health snapshot.
func (a *AccuWeather) updateRateLimit(h http.Header) {
	remaining := h.Get("RateLimit-Remaining")
	if remaining == "" {
		return
	}
	n, err := strconv.Atoi(remaining)
	if err != nil {
		return
	}
	info := &RateLimitInfo{Remaining: n}
	if reset := h.Get("RateLimit-Reset"); reset != "" {
		if t, err := http.ParseTime(reset); err == nil {
			info.Reset = t
		} else if secs, err := strconv.Atoi(reset); err == nil {
			info.Reset = time.Now().Add(time.Duration(secs) * time.Second)
		}
	}
	a.st.setRateLimit(info)
}
