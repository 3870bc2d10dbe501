package metrics

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"causalfeed/internal/connector"
)

// Metrics holds all Prometheus metrics for the feed engine.
type Metrics struct {
	TicksTotal   *prometheus.CounterVec // labels: source
	CandlesTotal *prometheus.CounterVec // labels: source, tf
	Reconnects   *prometheus.CounterVec // labels: source

	BufferSize    *prometheus.GaugeVec   // labels: source, symbol, tf
	BufferRejects *prometheus.CounterVec // labels: source, symbol, tf

	DispatchTotal  *prometheus.CounterVec // labels: source, symbol, tf, outcome=ok|error
	DispatchDur    prometheus.Histogram
	ChainSignals   *prometheus.CounterVec // labels: source, symbol, tf, direction
	RateLimitLeft  *prometheus.GaugeVec   // labels: source
	FanoutDrops    *prometheus.CounterVec // labels: subscriber
	PendingWrites  prometheus.Gauge
	BreakerTrips   prometheus.Counter
	PublishErrors  prometheus.Counter
	SeededCandles  *prometheus.CounterVec // labels: symbol, tf
	ForeignTicks   *prometheus.CounterVec // labels: source
	SessionMock    prometheus.Gauge       // 1 when the session connector runs on the mock
}

// NewMetrics registers and returns all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedengine_ticks_total",
			Help: "Normalized ticks ingested per source",
		}, []string{"source"}),
		CandlesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedengine_candles_total",
			Help: "Finalized windows emitted per source and timeframe",
		}, []string{"source", "tf"}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedengine_reconnects_total",
			Help: "Connector reconnection attempts per source",
		}, []string{"source"}),
		BufferSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "feedengine_buffer_size",
			Help: "Rolling buffer occupancy",
		}, []string{"source", "symbol", "tf"}),
		BufferRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedengine_buffer_rejects_total",
			Help: "Records rejected by the monotonicity check",
		}, []string{"source", "symbol", "tf"}),
		DispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedengine_dispatch_total",
			Help: "Dispatch cycles per buffer and outcome",
		}, []string{"source", "symbol", "tf", "outcome"}),
		DispatchDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "feedengine_dispatch_duration_seconds",
			Help:    "Round-trip latency of one CSV dispatch",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		ChainSignals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedengine_chain_signals_total",
			Help: "Chain signals received per buffer and direction",
		}, []string{"source", "symbol", "tf", "direction"}),
		RateLimitLeft: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "feedengine_rate_limit_remaining",
			Help: "Provider-reported remaining request quota",
		}, []string{"source"}),
		FanoutDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedengine_fanout_drops_total",
			Help: "Events dropped by the fan-out bus per subscriber",
		}, []string{"subscriber"}),
		PendingWrites: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feedengine_publish_pending_writes",
			Help: "Writes queued while the Redis breaker is open",
		}),
		BreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedengine_publish_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		PublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedengine_publish_errors_total",
			Help: "Failed Redis publishes surfaced to callers",
		}),
		SeededCandles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedengine_seeded_candles_total",
			Help: "Historical candles loaded into buffers at startup",
		}, []string{"symbol", "tf"}),
		ForeignTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedengine_foreign_ticks_total",
			Help: "Ticks discarded for carrying an unexpected symbol",
		}, []string{"source"}),
		SessionMock: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feedengine_session_mock",
			Help: "1 when the subscription session runs on the built-in mock",
		}),
	}

	prometheus.MustRegister(
		m.TicksTotal,
		m.CandlesTotal,
		m.Reconnects,
		m.BufferSize,
		m.BufferRejects,
		m.DispatchTotal,
		m.DispatchDur,
		m.ChainSignals,
		m.RateLimitLeft,
		m.FanoutDrops,
		m.PendingWrites,
		m.BreakerTrips,
		m.PublishErrors,
		m.SeededCandles,
		m.ForeignTicks,
		m.SessionMock,
	)

	return m
}

// HealthStatus aggregates per-connector health snapshots for /healthz.
type HealthStatus struct {
	mu        sync.RWMutex
	startedAt time.Time
	byName    map[string]connector.Health
}

// NewHealthStatus returns an empty health registry.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		startedAt: time.Now(),
		byName:    make(map[string]connector.Health),
	}
}

// Record stores the latest snapshot for one connector.
func (h *HealthStatus) Record(name string, snap connector.Health) {
	h.mu.Lock()
	h.byName[name] = snap
	h.mu.Unlock()
}

// ServeHTTP handles the /healthz endpoint. All connectors down is a 503;
// a partial outage reports degraded but stays 200 so orchestrators do not
// restart a process that is still producing data.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.byName))
	for name := range h.byName {
		names = append(names, name)
	}
	sort.Strings(names)

	connected := 0
	conns := make(map[string]connector.Health, len(names))
	for _, name := range names {
		snap := h.byName[name]
		conns[name] = snap
		if snap.Status == connector.StatusConnected {
			connected++
		}
	}

	overall := "healthy"
	httpCode := http.StatusOK
	switch {
	case len(conns) == 0 || connected == 0:
		overall = "unhealthy"
		httpCode = http.StatusServiceUnavailable
	case connected < len(conns):
		overall = "degraded"
	}

	status := struct {
		Status     string                      `json:"status"`
		Uptime     string                      `json:"uptime"`
		Connectors map[string]connector.Health `json:"connectors"`
	}{
		Status:     overall,
		Uptime:     time.Since(h.startedAt).Round(time.Second).String(),
		Connectors: conns,
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	addr string
	srv  *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		addr: addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
