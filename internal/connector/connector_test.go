package connector

import (
	"sync"
	"testing"
	"time"

	"causalfeed/internal/model"
)

// captureSink records every tick it receives.
type captureSink struct {
	mu    sync.Mutex
	ticks []model.Tick
	ch    chan model.Tick
}

func newCaptureSink() *captureSink {
	return &captureSink{ch: make(chan model.Tick, 256)}
}

func (s *captureSink) AddTick(t model.Tick) {
	s.mu.Lock()
	s.ticks = append(s.ticks, t)
	s.mu.Unlock()
	select {
	case s.ch <- t:
	default:
	}
}

func (s *captureSink) all() []model.Tick {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Tick, len(s.ticks))
	copy(out, s.ticks)
	return out
}

// wait blocks until n ticks arrived or the deadline passes.
func (s *captureSink) wait(t *testing.T, n int, timeout time.Duration) []model.Tick {
	t.Helper()
	deadline := time.After(timeout)
	for {
		s.mu.Lock()
		got := len(s.ticks)
		s.mu.Unlock()
		if got >= n {
			return s.all()
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d ticks (got %d)", n, got)
			return nil
		case <-s.ch:
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestBackoffDelay(t *testing.T) {
	base := 2 * time.Second
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 2 * time.Second},
		{1, 4 * time.Second},
		{2, 8 * time.Second},
		{3, 16 * time.Second},
		{4, 32 * time.Second},
		{5, 60 * time.Second}, // capped, not 64s
		{6, 60 * time.Second},
		{20, 60 * time.Second},
	}
	for _, tc := range cases {
		if got := backoffDelay(base, tc.attempt, time.Minute); got != tc.want {
			t.Errorf("backoffDelay(base, %d) = %s, want %s", tc.attempt, got, tc.want)
		}
	}
}

func TestBackoffDelaySequence(t *testing.T) {
	// Three consecutive failures yield delays base, 2·base, 4·base.
	base := 100 * time.Millisecond
	var delays []time.Duration
	for attempt := 1; attempt <= 3; attempt++ {
		delays = append(delays, backoffDelay(base, attempt-1, time.Minute))
	}
	want := []time.Duration{base, 2 * base, 4 * base}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("failure %d: delay = %s, want %s", i+1, delays[i], want[i])
		}
	}
}

func TestBackoffDelayDefaults(t *testing.T) {
	if got := backoffDelay(0, 0, 0); got != DefaultReconnectBase {
		t.Errorf("zero base: got %s, want %s", got, DefaultReconnectBase)
	}
	if got := backoffDelay(time.Second, 30, 0); got != DefaultReconnectMax {
		t.Errorf("zero max: got %s, want cap %s", got, DefaultReconnectMax)
	}
}
