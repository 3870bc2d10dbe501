package connector

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"causalfeed/internal/normalize"
)

// BinanceConfig configures the crypto streaming connector.
type BinanceConfig struct {
	// URL is the websocket base, e.g. "wss://stream.binance.com:9443".
	// The connector appends the multiplexed /stream path itself.
	URL     string
	Symbols []string // lowercased trading pairs, e.g. "btcusdt"
	Streams []string // stream kinds: "trade", "aggTrade"

	HeartbeatInterval time.Duration
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	MaxAttempts       int
	ConnectTimeout    time.Duration
}

func (c *BinanceConfig) defaults() {
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
	if len(c.Streams) == 0 {
		c.Streams = []string{"trade"}
	}
}

// Binance streams crypto trades over the multiplexed websocket endpoint
// and feeds them through the normalizer into the sink.
type Binance struct {
	cfg  BinanceConfig
	sink TickSink
	norm normalize.Binance
	st   *state

	mu      sync.Mutex
	conn    *websocket.Conn
	symbols map[string]struct{} // desired subscription set
	cancel  context.CancelFunc

	subID int64 // monotonically increasing control-frame id
	wg    sync.WaitGroup

	// OnReconnect is an optional metrics hook, called per redial.
	OnReconnect func()
}

// NewBinance creates the connector. The sink is typically an OHLC
// aggregator for one of cfg.Symbols.
func NewBinance(cfg BinanceConfig, sink TickSink) (*Binance, error) {
	cfg.defaults()
	if cfg.URL == "" {
		return nil, fmt.Errorf("binance: websocket URL required")
	}
	if len(cfg.Symbols) == 0 {
		return nil, fmt.Errorf("binance: at least one symbol required")
	}
	symbols := make(map[string]struct{}, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		symbols[strings.ToLower(s)] = struct{}{}
	}
	return &Binance{cfg: cfg, sink: sink, st: newState(), symbols: symbols}, nil
}

// Name implements Connector.
func (b *Binance) Name() string { return normalize.SourceBinance }

// Health implements Connector.
func (b *Binance) Health() Health { return b.st.snapshot() }

// Connect launches the dial/read/heartbeat tasks and returns.
func (b *Binance) Connect(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancel = cancel
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.run(runCtx)
	}()
	return nil
}

// Shutdown closes the socket and stops all tasks. Idempotent.
func (b *Binance) Shutdown() error {
	b.mu.Lock()
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
	b.mu.Unlock()

	b.wg.Wait()
	b.st.setStatus(StatusDisconnected)
	return nil
}

// AddSymbols subscribes additional symbols on the live connection. Safe
// no-op while disconnected; the desired set is re-derived on reconnect.
func (b *Binance) AddSymbols(symbols ...string) error {
	b.mu.Lock()
	for _, s := range symbols {
		b.symbols[strings.ToLower(s)] = struct{}{}
	}
	conn := b.conn
	b.mu.Unlock()

	if conn == nil {
		return nil
	}
	return b.writeControl(conn, "SUBSCRIBE", symbols)
}

// RemoveSymbols unsubscribes symbols on the live connection.
func (b *Binance) RemoveSymbols(symbols ...string) error {
	b.mu.Lock()
	for _, s := range symbols {
		delete(b.symbols, strings.ToLower(s))
	}
	conn := b.conn
	b.mu.Unlock()

	if conn == nil {
		return nil
	}
	return b.writeControl(conn, "UNSUBSCRIBE", symbols)
}

// writeControl sends a SUBSCRIBE/UNSUBSCRIBE frame with a fresh id.
func (b *Binance) writeControl(conn *websocket.Conn, method string, symbols []string) error {
	req := map[string]interface{}{
		"method": method,
		"params": b.streamParams(symbols),
		"id":     atomic.AddInt64(&b.subID, 1),
	}
	return conn.WriteJSON(req)
}

// streamParams renders "<symbol>@<stream>" pairs for the given symbols.
func (b *Binance) streamParams(symbols []string) []string {
	params := make([]string, 0, len(symbols)*len(b.cfg.Streams))
	for _, sym := range symbols {
		for _, stream := range b.cfg.Streams {
			params = append(params, strings.ToLower(sym)+"@"+stream)
		}
	}
	return params
}

// streamURL builds the multiplexed endpoint from the desired set.
func (b *Binance) streamURL() string {
	b.mu.Lock()
	symbols := make([]string, 0, len(b.symbols))
	for s := range b.symbols {
		symbols = append(symbols, s)
	}
	b.mu.Unlock()
	sort.Strings(symbols)
	return b.cfg.URL + "/stream?streams=" + strings.Join(b.streamParams(symbols), "/")
}

// run is the reconnect machine: dial with exponential backoff, serve the
// connection until it drops, repeat. Gives up after MaxAttempts
// consecutive dial failures.
func (b *Binance) run(ctx context.Context) {
	attempt := 0
	for ctx.Err() == nil {
		conn, err := b.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.st.markError()
			attempt++
			if attempt > b.cfg.MaxAttempts {
				log.Printf("[binance] giving up after %d connect attempts: %v", b.cfg.MaxAttempts, err)
				b.st.setStatus(StatusError)
				return
			}
			delay := backoffDelay(b.cfg.ReconnectBase, attempt-1, b.cfg.ReconnectMax)
			log.Printf("[binance] connect failed (attempt %d/%d): %v — retrying in %s",
				attempt, b.cfg.MaxAttempts, err, delay)
			if !sleepCtx(ctx, delay) {
				return
			}
			continue
		}

		attempt = 0
		b.st.setStatus(StatusConnected)
		log.Printf("[binance] connected to %s", b.cfg.URL)

		b.serve(ctx, conn)

		b.st.setStatus(StatusDisconnected)
		if ctx.Err() != nil {
			return
		}
		if b.OnReconnect != nil {
			b.OnReconnect()
		}
		log.Printf("[binance] disconnected, reconnecting...")
	}
}

// dial opens the multiplexed stream with the connect timeout.
func (b *Binance) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, b.cfg.ConnectTimeout)
	defer cancel()

	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, b.streamURL(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial: %w (status %s)", err, resp.Status)
		}
		return nil, fmt.Errorf("dial: %w", err)
	}
	if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
		conn.Close()
		return nil, fmt.Errorf("dial: unexpected status %s", resp.Status)
	}
	return conn, nil
}

// serve runs the read loop and the heartbeat for one connection. Returns
// when the connection drops or ctx is cancelled.
func (b *Binance) serve(ctx context.Context, conn *websocket.Conn) {
	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		if b.conn == conn {
			b.conn = nil
		}
		b.mu.Unlock()
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

	// Heartbeat: ping on the interval; force-close after 3 silent intervals.
	hbDone := make(chan struct{})
	defer close(hbDone)
	go func() {
		ticker := time.NewTicker(b.cfg.HeartbeatInterval)
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
				if silent > 3*b.cfg.HeartbeatInterval {
					log.Printf("[binance] no frames for %s, forcing reconnect", silent.Truncate(time.Second))
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
				b.st.markError()
				log.Printf("[binance] read error: %v", err)
			}
			return
		}
		lastFrame.Store(time.Now().UnixNano())
		b.st.markMessage()

		tick, ok := b.norm.Normalize(msg)
		if !ok {
			// Subscription acks and other non-trade frames land here.
			continue
		}
		b.sink.AddTick(tick)
	}
}
