// cmd/ticksim — dev WebSocket trade simulator.
// Speaks the multiplexed crypto-stream protocol so feedengine can run
// against it without exchange connectivity: clients dial
// /stream?streams=btcusdt@trade/ethusdt@trade, receive {"stream","data"}
// envelopes, and may adjust their subscription set with SUBSCRIBE /
// UNSUBSCRIBE control frames.
//
// Config (env vars):
//
//	TICKSIM_ADDR         — listen address (default ":9444")
//	TICKSIM_SYMBOLS      — comma-separated pairs (default "btcusdt,ethusdt")
//	TICKSIM_INTERVAL_MS  — emit interval milliseconds (default "250")
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// tradeEvent is the payload inside the {"stream","data"} envelope,
// mirroring the exchange trade event shape.
type tradeEvent struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	TradeID   int64  `json:"t"`
	Price     string `json:"p"`
	Qty       string `json:"q"`
	TradeTime int64  `json:"T"`
}

type envelope struct {
	Stream string     `json:"stream"`
	Data   tradeEvent `json:"data"`
}

// controlFrame is a client subscription change request.
type controlFrame struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// instrument holds per-symbol simulation state.
type instrument struct {
	symbol string
	price  float64
	trades int64
}

// client is one connected consumer with its own subscription set.
type client struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	streams map[string]struct{}
	out     chan []byte
}

func (c *client) subscribed(stream string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.streams[stream]
	return ok
}

func (c *client) adjust(method string, params []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range params {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if method == "SUBSCRIBE" {
			c.streams[p] = struct{}{}
		} else {
			delete(c.streams, p)
		}
	}
}

// hub tracks connected clients and broadcasts envelopes to subscribers.
type hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
}

func newHub() *hub {
	return &hub{clients: make(map[*client]struct{})}
}

func (h *hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		close(c.out)
		delete(h.clients, c)
	}
	h.mu.Unlock()
}

func (h *hub) broadcast(stream string, msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.subscribed(stream) {
			continue
		}
		select {
		case c.out <- msg:
		default: // slow client — drop trade
		}
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// streamHandler upgrades the connection, seeds the subscription set from
// the ?streams= query and runs the read/write pumps.
func streamHandler(h *hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[ticksim] upgrade error: %v", err)
			return
		}

		c := &client{
			conn:    conn,
			streams: make(map[string]struct{}),
			out:     make(chan []byte, 256),
		}
		for _, s := range strings.Split(r.URL.Query().Get("streams"), "/") {
			if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
				c.streams[s] = struct{}{}
			}
		}
		h.register(c)
		log.Printf("[ticksim] client connected: %s streams=%d", r.RemoteAddr, len(c.streams))

		// Read pump: control frames and pings.
		go func() {
			defer func() {
				h.unregister(c)
				conn.Close()
				log.Printf("[ticksim] client disconnected: %s", r.RemoteAddr)
			}()
			for {
				_, msg, err := conn.ReadMessage()
				if err != nil {
					return
				}
				var cf controlFrame
				if err := json.Unmarshal(msg, &cf); err != nil {
					continue
				}
				switch cf.Method {
				case "SUBSCRIBE", "UNSUBSCRIBE":
					c.adjust(cf.Method, cf.Params)
					ack, _ := json.Marshal(map[string]interface{}{"result": nil, "id": cf.ID})
					select {
					case c.out <- ack:
					default:
					}
				}
			}
		}()

		// Write pump.
		for msg := range c.out {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// walkPrice applies a tiny random walk (±0.1%) to simulate price movement.
func walkPrice(price float64, rng *rand.Rand) float64 {
	pct := (rng.Float64()*0.2 - 0.1) / 100.0
	next := price * (1 + pct)
	if next < 0.01 {
		next = 0.01
	}
	return next
}

func runGenerator(h *hub, instruments []instrument, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	for range ticker.C {
		now := time.Now().UTC()
		for i := range instruments {
			inst := &instruments[i]
			inst.price = walkPrice(inst.price, rng)
			inst.trades++

			ev := envelope{
				Stream: inst.symbol + "@trade",
				Data: tradeEvent{
					Event:     "trade",
					EventTime: now.UnixMilli(),
					Symbol:    strings.ToUpper(inst.symbol),
					TradeID:   inst.trades,
					Price:     strconv.FormatFloat(inst.price, 'f', 2, 64),
					Qty:       strconv.FormatFloat(rng.Float64()*2, 'f', 5, 64),
					TradeTime: now.UnixMilli(),
				},
			}
			b, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			h.broadcast(ev.Stream, b)
		}
	}
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Println("[ticksim] starting trade simulator...")

	addr := envOrDefault("TICKSIM_ADDR", ":9444")
	symbolsEnv := envOrDefault("TICKSIM_SYMBOLS", "btcusdt,ethusdt")
	intervalMs := envIntOrDefault("TICKSIM_INTERVAL_MS", 250)

	startPrices := map[string]float64{
		"btcusdt": 65000,
		"ethusdt": 3200,
		"solusdt": 150,
	}
	var instruments []instrument
	for _, s := range strings.Split(symbolsEnv, ",") {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		price := startPrices[s]
		if price == 0 {
			price = 100
		}
		instruments = append(instruments, instrument{symbol: s, price: price})
	}
	if len(instruments) == 0 {
		log.Fatalf("[ticksim] no symbols configured via TICKSIM_SYMBOLS")
	}
	log.Printf("[ticksim] symbols: %s  interval: %dms", symbolsEnv, intervalMs)

	h := newHub()
	go runGenerator(h, instruments, time.Duration(intervalMs)*time.Millisecond)

	http.HandleFunc("/stream", streamHandler(h))
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, `{"status":"ok","service":"ticksim"}`)
	})

	log.Printf("[ticksim] listening on %s (ws://localhost%s/stream?streams=btcusdt@trade)", addr, addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatalf("[ticksim] server error: %v", err)
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
