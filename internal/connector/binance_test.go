package connector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// binanceTestServer speaks just enough of the multiplexed protocol for
// the connector: it records the requested streams and inbound control
// frames, and lets the test push envelope frames to the client.
type binanceTestServer struct {
	*httptest.Server

	mu       sync.Mutex
	streams  string
	controls []map[string]interface{}
	conns    []*websocket.Conn
}

func newBinanceTestServer(t *testing.T) *binanceTestServer {
	t.Helper()
	s := &binanceTestServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/stream" {
			http.NotFound(w, r)
			return
		}
		s.mu.Lock()
		s.streams = r.URL.Query().Get("streams")
		s.mu.Unlock()

		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		for {
			var ctrl map[string]interface{}
			if err := conn.ReadJSON(&ctrl); err != nil {
				return
			}
			s.mu.Lock()
			s.controls = append(s.controls, ctrl)
			s.mu.Unlock()
			conn.WriteJSON(map[string]interface{}{"result": nil, "id": ctrl["id"]})
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *binanceTestServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (s *binanceTestServer) send(t *testing.T, stream string, data interface{}) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		t.Fatal("no client connected")
	}
	conn := s.conns[len(s.conns)-1]
	if err := conn.WriteJSON(map[string]interface{}{"stream": stream, "data": data}); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func (s *binanceTestServer) lastControls() []map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]interface{}, len(s.controls))
	copy(out, s.controls)
	return out
}

func tradeEvent(symbol, price, qty string, ms int64) map[string]interface{} {
	return map[string]interface{}{
		"e": "trade", "s": symbol, "p": price, "q": qty, "T": ms,
	}
}

func TestBinanceStreamsTicks(t *testing.T) {
	srv := newBinanceTestServer(t)
	sink := newCaptureSink()

	c, err := NewBinance(BinanceConfig{
		URL:     srv.wsURL(),
		Symbols: []string{"BTCUSDT", "ethusdt"},
		Streams: []string{"trade"},
	}, sink)
	if err != nil {
		t.Fatalf("NewBinance: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Shutdown()

	// Wait for the dial, then verify the multiplexed streams parameter.
	deadline := time.Now().Add(2 * time.Second)
	for {
		srv.mu.Lock()
		streams := srv.streams
		srv.mu.Unlock()
		if streams != "" {
			if streams != "btcusdt@trade/ethusdt@trade" {
				t.Fatalf("streams = %q, want btcusdt@trade/ethusdt@trade", streams)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("client never dialed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	srv.send(t, "btcusdt@trade", tradeEvent("BTCUSDT", "43250.5", "0.25", 1735689600123))
	srv.send(t, "btcusdt@trade", map[string]interface{}{"result": nil, "id": 1}) // ack-shaped, skipped
	srv.send(t, "btcusdt@trade", tradeEvent("BTCUSDT", "43251", "0.5", 1735689601456))

	ticks := sink.wait(t, 2, 2*time.Second)
	if ticks[0].Symbol != "btcusdt" || ticks[0].Price != 43250.5 {
		t.Errorf("tick 0 = %+v", ticks[0])
	}
	if ticks[0].Source != "binance" {
		t.Errorf("source = %q, want binance", ticks[0].Source)
	}
	if !ticks[1].Timestamp.After(ticks[0].Timestamp) {
		t.Error("ticks out of order")
	}

	h := c.Health()
	if h.Status != StatusConnected {
		t.Errorf("health status = %s, want connected", h.Status)
	}
	if h.LastMessage.IsZero() {
		t.Error("health last-message not stamped")
	}
}

func TestBinanceDynamicSubscription(t *testing.T) {
	srv := newBinanceTestServer(t)
	sink := newCaptureSink()

	c, err := NewBinance(BinanceConfig{
		URL:     srv.wsURL(),
		Symbols: []string{"btcusdt"},
	}, sink)
	if err != nil {
		t.Fatalf("NewBinance: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Shutdown()

	// Wait for the connection before sending control frames.
	deadline := time.Now().Add(2 * time.Second)
	for {
		srv.mu.Lock()
		n := len(srv.conns)
		srv.mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("client never connected")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := c.AddSymbols("solusdt"); err != nil {
		t.Fatalf("AddSymbols: %v", err)
	}
	if err := c.RemoveSymbols("solusdt"); err != nil {
		t.Fatalf("RemoveSymbols: %v", err)
	}

	deadline = time.Now().Add(2 * time.Second)
	var ctrls []map[string]interface{}
	for {
		ctrls = srv.lastControls()
		if len(ctrls) >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 2 control frames, got %d", len(ctrls))
		}
		time.Sleep(5 * time.Millisecond)
	}

	if ctrls[0]["method"] != "SUBSCRIBE" || ctrls[1]["method"] != "UNSUBSCRIBE" {
		t.Fatalf("control methods = %v, %v", ctrls[0]["method"], ctrls[1]["method"])
	}
	params, _ := ctrls[0]["params"].([]interface{})
	if len(params) != 1 || params[0] != "solusdt@trade" {
		t.Errorf("subscribe params = %v, want [solusdt@trade]", params)
	}
	// Control ids are client-chosen integers and must increase.
	id0, _ := ctrls[0]["id"].(float64)
	id1, _ := ctrls[1]["id"].(float64)
	if id1 <= id0 {
		t.Errorf("control ids not increasing: %v then %v", id0, id1)
	}
}

func TestBinanceReconnects(t *testing.T) {
	srv := newBinanceTestServer(t)
	sink := newCaptureSink()

	c, err := NewBinance(BinanceConfig{
		URL:           srv.wsURL(),
		Symbols:       []string{"btcusdt"},
		ReconnectBase: 10 * time.Millisecond,
		ReconnectMax:  50 * time.Millisecond,
	}, sink)
	if err != nil {
		t.Fatalf("NewBinance: %v", err)
	}

	var reconnects int
	var mu sync.Mutex
	c.OnReconnect = func() {
		mu.Lock()
		reconnects++
		mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Shutdown()

	// Sever the first connection from the server side.
	deadline := time.Now().Add(2 * time.Second)
	for {
		srv.mu.Lock()
		n := len(srv.conns)
		srv.mu.Unlock()
		if n >= 1 {
			srv.mu.Lock()
			srv.conns[0].Close()
			srv.mu.Unlock()
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("client never connected")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// A second connection must appear and still deliver ticks.
	deadline = time.Now().Add(2 * time.Second)
	for {
		srv.mu.Lock()
		n := len(srv.conns)
		srv.mu.Unlock()
		if n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("client never reconnected")
		}
		time.Sleep(5 * time.Millisecond)
	}

	srv.send(t, "btcusdt@trade", tradeEvent("BTCUSDT", "100", "1", time.Now().UnixMilli()))
	sink.wait(t, 1, 2*time.Second)

	mu.Lock()
	defer mu.Unlock()
	if reconnects < 1 {
		t.Errorf("reconnect hook fired %d times, want >= 1", reconnects)
	}
}

func TestBinanceNormalizeEnvelope(t *testing.T) {
	// The connector hands raw frames to the normalizer; envelopes with a
	// stream field must decode the same as bare events.
	raw, _ := json.Marshal(tradeEvent("BTCUSDT", "1.5", "2", 1700000000000))
	env, _ := json.Marshal(map[string]interface{}{
		"stream": "btcusdt@trade",
		"data":   tradeEvent("BTCUSDT", "1.5", "2", 1700000000000),
	})

	var b Binance
	t1, ok1 := b.norm.Normalize(raw)
	t2, ok2 := b.norm.Normalize(env)
	if !ok1 || !ok2 {
		t.Fatal("normalize rejected valid frames")
	}
	if t1 != t2 {
		t.Errorf("envelope tick %+v != bare tick %+v", t2, t1)
	}
}
