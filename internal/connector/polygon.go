package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"causalfeed/internal/model"
	"causalfeed/internal/normalize"
)

// Backfill tuning.
const (
	backfillPageLimit  = 50000
	backfillMaxRetries = 3
	backfillRetryBase  = 2 * time.Second
)

// PolygonConfig configures the equities streaming connector.
type PolygonConfig struct {
	WSURL   string // e.g. "wss://socket.polygon.io/stocks"
	RESTURL string // e.g. "https://api.polygon.io", used for gap backfill
	APIKey  string
	Symbols []string // uppercased tickers, e.g. "AAPL"

	HeartbeatInterval time.Duration
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	MaxAttempts       int
	ConnectTimeout    time.Duration

	// Gap backfill: on disconnect, trades missed for longer than
	// GapThreshold are fetched from the REST range endpoint and replayed
	// before reconnecting.
	BackfillEnabled bool
	GapThreshold    time.Duration

	// RESTRate caps backfill request throughput. Nil means unlimited.
	RESTRate *rate.Limiter
}

func (c *PolygonConfig) defaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.ReconnectBase == 0 {
		c.ReconnectBase = DefaultReconnectBase
	}
	if c.ReconnectMax == 0 {
		c.ReconnectMax = DefaultReconnectMax
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.GapThreshold == 0 {
		c.GapThreshold = time.Minute
	}
}

// polygonStatus is a control event on the equities stream.
type polygonStatus struct {
	Ev      string `json:"ev"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// polygonTrade is one row of the REST range-trades response.
type polygonTrade struct {
	Price        float64 `json:"price"`
	Size         float64 `json:"size"`
	SipTimestamp int64   `json:"sip_timestamp"` // epoch nanos
}

type polygonTradesPage struct {
	Results []polygonTrade `json:"results"`
	Status  string         `json:"status"`
}

// Polygon streams equities trades: auth frame, subscribe frame with
// "T.<SYMBOL>" channels, then trade events. On disconnect it optionally
// backfills the gap from the REST range-trades endpoint before redialing.
type Polygon struct {
	cfg  PolygonConfig
	sink TickSink
	norm normalize.Polygon
	st   *state
	http *http.Client

	mu      sync.Mutex
	conn    *websocket.Conn
	symbols map[string]struct{}
	cancel  context.CancelFunc

	wg sync.WaitGroup

	OnReconnect func()
	OnBackfill  func(ticks int)
}

// NewPolygon creates the connector.
func NewPolygon(cfg PolygonConfig, sink TickSink) (*Polygon, error) {
	cfg.defaults()
	if cfg.WSURL == "" {
		return nil, fmt.Errorf("polygon: websocket URL required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("polygon: API key required")
	}
	if len(cfg.Symbols) == 0 {
		return nil, fmt.Errorf("polygon: at least one symbol required")
	}
	symbols := make(map[string]struct{}, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		symbols[strings.ToUpper(s)] = struct{}{}
	}
	return &Polygon{
		cfg:     cfg,
		sink:    sink,
		st:      newState(),
		http:    &http.Client{Timeout: 30 * time.Second},
		symbols: symbols,
	}, nil
}

// Name implements Connector.
func (p *Polygon) Name() string { return normalize.SourcePolygon }

// Health implements Connector.
func (p *Polygon) Health() Health { return p.st.snapshot() }

// Connect launches the dial/read/heartbeat tasks and returns.
func (p *Polygon) Connect(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(runCtx)
	}()
	return nil
}

// Shutdown closes the socket and stops all tasks. Idempotent.
func (p *Polygon) Shutdown() error {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
	p.mu.Unlock()

	p.wg.Wait()
	p.st.setStatus(StatusDisconnected)
	return nil
}

// AddSymbols subscribes additional tickers on the live connection.
func (p *Polygon) AddSymbols(symbols ...string) error {
	p.mu.Lock()
	for _, s := range symbols {
		p.symbols[strings.ToUpper(s)] = struct{}{}
	}
	conn := p.conn
	p.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.WriteJSON(map[string]string{
		"action": "subscribe",
		"params": tradeChannels(symbols),
	})
}

// RemoveSymbols unsubscribes tickers on the live connection.
func (p *Polygon) RemoveSymbols(symbols ...string) error {
	p.mu.Lock()
	for _, s := range symbols {
		delete(p.symbols, strings.ToUpper(s))
	}
	conn := p.conn
	p.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.WriteJSON(map[string]string{
		"action": "unsubscribe",
		"params": tradeChannels(symbols),
	})
}

// tradeChannels renders "T.SYM1,T.SYM2" for a subscribe frame.
func tradeChannels(symbols []string) string {
	chans := make([]string, len(symbols))
	for i, s := range symbols {
		chans[i] = "T." + strings.ToUpper(s)
	}
	return strings.Join(chans, ",")
}

func (p *Polygon) desiredSymbols() []string {
	p.mu.Lock()
	out := make([]string, 0, len(p.symbols))
	for s := range p.symbols {
		out = append(out, s)
	}
	p.mu.Unlock()
	sort.Strings(out)
	return out
}

// run is the reconnect machine. Before each redial it checks for a
// message gap worth backfilling.
func (p *Polygon) run(ctx context.Context) {
	attempt := 0
	for ctx.Err() == nil {
		conn, err := p.open(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.st.markError()
			attempt++
			if attempt > p.cfg.MaxAttempts {
				log.Printf("[polygon] giving up after %d connect attempts: %v", p.cfg.MaxAttempts, err)
				p.st.setStatus(StatusError)
				return
			}
			delay := backoffDelay(p.cfg.ReconnectBase, attempt-1, p.cfg.ReconnectMax)
			log.Printf("[polygon] connect failed (attempt %d/%d): %v — retrying in %s",
				attempt, p.cfg.MaxAttempts, err, delay)
			if !sleepCtx(ctx, delay) {
				return
			}
			continue
		}

		attempt = 0
		p.st.setStatus(StatusConnected)
		log.Printf("[polygon] authenticated and subscribed on %s", p.cfg.WSURL)

		p.serve(ctx, conn)

		p.st.setStatus(StatusDisconnected)
		if ctx.Err() != nil {
			return
		}
		if p.OnReconnect != nil {
			p.OnReconnect()
		}

		// Replay missed trades before the live stream resumes so the
		// aggregator sees them in timestamp order.
		p.maybeBackfill(ctx)
		log.Printf("[polygon] disconnected, reconnecting...")
	}
}

// open dials, authenticates and subscribes. Status frames received before
// auth_success are logged and skipped.
func (p *Polygon) open(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, p.cfg.WSURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	if err := conn.WriteJSON(map[string]string{"action": "auth", "params": p.cfg.APIKey}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("auth write: %w", err)
	}

	// Await auth_success; the server sends a connected status first.
	conn.SetReadDeadline(time.Now().Add(p.cfg.ConnectTimeout))
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("auth read: %w", err)
		}
		authed, err := p.scanAuth(msg)
		if err != nil {
			conn.Close()
			return nil, err
		}
		if authed {
			break
		}
	}
	conn.SetReadDeadline(time.Time{})

	if err := conn.WriteJSON(map[string]string{
		"action": "subscribe",
		"params": tradeChannels(p.desiredSymbols()),
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe write: %w", err)
	}
	return conn, nil
}

// scanAuth inspects a handshake frame for auth_success / auth_failed.
func (p *Polygon) scanAuth(msg []byte) (bool, error) {
	var statuses []polygonStatus
	if err := json.Unmarshal(msg, &statuses); err != nil {
		var one polygonStatus
		if err := json.Unmarshal(msg, &one); err != nil {
			return false, nil
		}
		statuses = []polygonStatus{one}
	}
	for _, s := range statuses {
		switch s.Status {
		case "auth_success":
			return true, nil
		case "auth_failed":
			return false, fmt.Errorf("auth failed: %s", s.Message)
		default:
			log.Printf("[polygon] status: %s %s", s.Status, s.Message)
		}
	}
	return false, nil
}

// serve runs the read loop and heartbeat for one connection.
func (p *Polygon) serve(ctx context.Context, conn *websocket.Conn) {
	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		if p.conn == conn {
			p.conn = nil
		}
		p.mu.Unlock()
		conn.Close()
	}()

	var lastFrame atomic.Int64
	lastFrame.Store(time.Now().UnixNano())

	conn.SetPingHandler(func(appData string) error {
		lastFrame.Store(time.Now().UnixNano())
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
	})
	conn.SetPongHandler(func(string) error {
		lastFrame.Store(time.Now().UnixNano())
		return nil
	})

	hbDone := make(chan struct{})
	defer close(hbDone)
	go func() {
		ticker := time.NewTicker(p.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.Close()
				return
			case <-hbDone:
				return
			case <-ticker.C:
				silent := time.Since(time.Unix(0, lastFrame.Load()))
				if silent > 3*p.cfg.HeartbeatInterval {
					log.Printf("[polygon] no frames for %s, forcing reconnect", silent.Truncate(time.Second))
					conn.Close()
					return
				}
				conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				p.st.markError()
				log.Printf("[polygon] read error: %v", err)
			}
			return
		}
		lastFrame.Store(time.Now().UnixNano())
		p.st.markMessage()
		p.handleFrame(msg)
	}
}

// handleFrame splits array frames and dispatches each event: trades go
// through the normalizer, status events are logged.
func (p *Polygon) handleFrame(msg []byte) {
	var events []json.RawMessage
	if err := json.Unmarshal(msg, &events); err != nil {
		events = []json.RawMessage{msg}
	}
	for _, ev := range events {
		if tick, ok := p.norm.Normalize(ev); ok {
			p.sink.AddTick(tick)
			continue
		}
		var s polygonStatus
		if json.Unmarshal(ev, &s) == nil && s.Ev == "status" {
			log.Printf("[polygon] status: %s %s", s.Status, s.Message)
		}
	}
}

// maybeBackfill replays trades missed during a disconnect gap longer than
// the threshold. Errors are logged; backfill is best-effort.
func (p *Polygon) maybeBackfill(ctx context.Context) {
	if !p.cfg.BackfillEnabled || p.cfg.RESTURL == "" {
		return
	}
	last := p.st.lastMessageTime()
	if last.IsZero() {
		return
	}
	now := time.Now()
	if now.Sub(last) <= p.cfg.GapThreshold {
		return
	}

	for _, sym := range p.desiredSymbols() {
		n, err := p.Backfill(ctx, sym, last, now)
		if err != nil {
			log.Printf("[polygon] backfill %s failed: %v", sym, err)
			continue
		}
		log.Printf("[polygon] backfilled %d trades for %s (gap %s)", n, sym, now.Sub(last).Truncate(time.Second))
		if p.OnBackfill != nil {
			p.OnBackfill(n)
		}
	}
}

// Backfill pages the REST range-trades endpoint for [from, to], sorts the
// normalized ticks ascending and replays them into the sink. Returns the
// number of ticks replayed.
func (p *Polygon) Backfill(ctx context.Context, symbol string, from, to time.Time) (int, error) {
	var ticks []model.Tick
	gte := from.UnixNano()
	lte := to.UnixNano()

	for gte <= lte {
		page, err := p.fetchTrades(ctx, symbol, gte, lte)
		if err != nil {
			return 0, err
		}
		if len(page) == 0 {
			break
		}
		for _, tr := range page {
			ticks = append(ticks, model.Tick{
				Symbol:    symbol,
				Source:    normalize.SourcePolygon,
				Price:     tr.Price,
				Size:      tr.Size,
				Timestamp: time.Unix(0, tr.SipTimestamp).UTC(),
			})
		}
		if len(page) < backfillPageLimit {
			break
		}
		// Advance past the last observed timestamp so the loop terminates.
		gte = page[len(page)-1].SipTimestamp + 1
	}

	sort.Slice(ticks, func(i, j int) bool { return ticks[i].Timestamp.Before(ticks[j].Timestamp) })
	for _, t := range ticks {
		p.sink.AddTick(t)
	}
	return len(ticks), nil
}

// fetchTrades requests one page, honoring Retry-After on 429 and retrying
// transient failures with exponential backoff.
func (p *Polygon) fetchTrades(ctx context.Context, symbol string, gte, lte int64) ([]polygonTrade, error) {
	u := fmt.Sprintf("%s/v3/trades/%s?%s", p.cfg.RESTURL, url.PathEscape(symbol), url.Values{
		"timestamp.gte": {strconv.FormatInt(gte, 10)},
		"timestamp.lte": {strconv.FormatInt(lte, 10)},
		"limit":         {strconv.Itoa(backfillPageLimit)},
		"order":         {"asc"},
		"apiKey":        {p.cfg.APIKey},
	}.Encode())

	var lastErr error
	for attempt := 0; attempt < backfillMaxRetries; attempt++ {
		if p.cfg.RESTRate != nil {
			if err := p.cfg.RESTRate.Wait(ctx); err != nil {
				return nil, err
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		resp, err := p.http.Do(req)
		if err != nil {
			lastErr = err
			if !sleepCtx(ctx, backoffDelay(backfillRetryBase, attempt, p.cfg.ReconnectMax)) {
				return nil, ctx.Err()
			}
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			wait := retryAfter(resp.Header, 5*time.Second)
			log.Printf("[polygon] backfill rate-limited, waiting %s", wait)
			if !sleepCtx(ctx, wait) {
				return nil, ctx.Err()
			}
			continue
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			lastErr = fmt.Errorf("trades request: status %d", resp.StatusCode)
			if !sleepCtx(ctx, backoffDelay(backfillRetryBase, attempt, p.cfg.ReconnectMax)) {
				return nil, ctx.Err()
			}
			continue
		}

		var page polygonTradesPage
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("trades decode: %w", err)
		}
		return page.Results, nil
	}
	return nil, fmt.Errorf("trades request failed after %d attempts: %w", backfillMaxRetries, lastErr)
}

// retryAfter parses a Retry-After header (seconds) with a fallback.
func retryAfter(h http.Header, fallback time.Duration) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return fallback
}
