package dispatch

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"causalfeed/internal/buffer"
	"causalfeed/internal/model"
	"causalfeed/pkg/causalapi"
)

var tf1m = model.Timeframe{Seconds: 60, Label: "1m", Capacity: 6000}

// fillMinuteCandles pushes n one-minute candles so the newest ends at end.
func fillMinuteCandles(buf *buffer.Rolling, n int, end time.Time) {
	start := end.Add(-time.Duration(n-1) * time.Minute)
	for i := 0; i < n; i++ {
		dt := start.Add(time.Duration(i) * time.Minute)
		buf.Push(model.Candle{Datetime: dt, Open: 100, High: 101, Low: 99, Close: 100, Volume: 1})
	}
}

func TestSend_PlaceholderRow(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		w.Write([]byte(`{"datetime":"2025-01-01T10:01:00Z","chain_detected":1}`))
	}))
	defer srv.Close()

	buf := buffer.New(6000)
	end := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	fillMinuteCandles(buf, 5000, end)

	d := New(causalapi.New(srv.URL, ""), "binance", "btcusdt", model.CSVHeaderOHLC, 5000)

	var got model.ChainSignal
	d.OnSignal(func(sig model.ChainSignal) { got = sig })

	sig, ok := d.Send(context.Background(), buf, tf1m)
	if !ok {
		t.Fatal("expected dispatch to succeed")
	}

	lines := strings.Split(strings.TrimRight(body, "\n"), "\n")
	if len(lines) != 5002 {
		t.Fatalf("payload lines = %d, want 5002 (header + 5000 + placeholder)", len(lines))
	}
	if lines[0] != "datetime,open,high,low,close" {
		t.Errorf("header = %q", lines[0])
	}
	if last := lines[len(lines)-1]; last != "2025-01-01T10:01:00Z,0,0,0,0" {
		t.Errorf("placeholder = %q, want 2025-01-01T10:01:00Z,0,0,0,0", last)
	}
	// Second-to-last line is the newest real candle.
	if prev := lines[len(lines)-2]; !strings.HasPrefix(prev, "2025-01-01T10:00:00Z,") {
		t.Errorf("newest data row = %q, want datetime 2025-01-01T10:00:00Z", prev)
	}

	if sig.ChainDetected != 1 || sig.TF != "1m" || sig.Symbol != "btcusdt" {
		t.Errorf("signal = %+v", sig)
	}
	if !sig.Datetime.Equal(time.Date(2025, 1, 1, 10, 1, 0, 0, time.UTC)) {
		t.Errorf("signal datetime = %v", sig.Datetime)
	}
	if got.ChainDetected != sig.ChainDetected {
		t.Error("OnSignal listener not invoked with the parsed signal")
	}
	if sig.ReceivedAt.IsZero() {
		t.Error("ReceivedAt not stamped")
	}
}

func TestSend_UnivariatePlaceholder(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		w.Write([]byte(`{"datetime":"2025-01-01T10:01:00Z","chain_detected":-1}`))
	}))
	defer srv.Close()

	buf := buffer.New(200)
	end := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 100; i++ {
		buf.Push(model.Sample{Datetime: end.Add(time.Duration(i-99) * time.Minute), Value: 12.5})
	}

	d := New(causalapi.New(srv.URL, ""), "accuweather", "349727", model.CSVHeaderUnivariate, 100)
	sig, ok := d.Send(context.Background(), buf, tf1m)
	if !ok {
		t.Fatal("expected dispatch to succeed")
	}
	if sig.ChainDetected != -1 {
		t.Errorf("chain = %d, want -1", sig.ChainDetected)
	}

	lines := strings.Split(strings.TrimRight(body, "\n"), "\n")
	if len(lines) != 102 {
		t.Fatalf("payload lines = %d, want 102", len(lines))
	}
	if lines[0] != "datetime,value" {
		t.Errorf("header = %q", lines[0])
	}
	if last := lines[len(lines)-1]; last != "2025-01-01T10:01:00Z,0" {
		t.Errorf("placeholder = %q, want a single zero column", last)
	}
}

func TestSend_ShortBufferSkipped(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"datetime":"2025-01-01T10:01:00Z","chain_detected":0}`))
	}))
	defer srv.Close()

	buf := buffer.New(6000)
	fillMinuteCandles(buf, 4999, time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC))

	d := New(causalapi.New(srv.URL, ""), "binance", "btcusdt", model.CSVHeaderOHLC, 5000)
	if _, ok := d.Send(context.Background(), buf, tf1m); ok {
		t.Fatal("expected short buffer to be skipped")
	}
	if calls != 0 {
		t.Errorf("service called %d times for a short buffer, want 0", calls)
	}
}

func TestSend_Non2xxDropped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	buf := buffer.New(200)
	fillMinuteCandles(buf, 100, time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC))

	d := New(causalapi.New(srv.URL, ""), "binance", "btcusdt", model.CSVHeaderOHLC, 100)

	var hookOK *bool
	d.OnDispatch = func(tf string, ok bool, _ time.Duration) { hookOK = &ok }

	if _, ok := d.Send(context.Background(), buf, tf1m); ok {
		t.Fatal("expected non-2xx dispatch to be dropped")
	}
	if hookOK == nil || *hookOK {
		t.Error("metrics hook should record a failed attempt")
	}
}
