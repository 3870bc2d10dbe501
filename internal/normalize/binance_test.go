package normalize

import (
	"testing"
	"time"
)

func TestBinance_TradeEnvelope(t *testing.T) {
	raw := []byte(`{"stream":"btcusdt@trade","data":{"e":"trade","E":1735725601000,"s":"BTCUSDT","t":12345,"p":"95000.50","q":"0.012","T":1735725600123}}`)

	tick, ok := Binance{}.Normalize(raw)
	if !ok {
		t.Fatal("expected trade envelope to normalize")
	}
	if tick.Symbol != "btcusdt" {
		t.Errorf("symbol = %q, want lowercase btcusdt", tick.Symbol)
	}
	if tick.Source != SourceBinance {
		t.Errorf("source = %q, want %q", tick.Source, SourceBinance)
	}
	if tick.Price != 95000.50 {
		t.Errorf("price = %v, want 95000.50", tick.Price)
	}
	if tick.Size != 0.012 {
		t.Errorf("size = %v, want 0.012", tick.Size)
	}
	// Trade time (T) wins over event time (E)
	want := time.Unix(0, 1735725600123*int64(time.Millisecond)).UTC()
	if !tick.Timestamp.Equal(want) {
		t.Errorf("timestamp = %v, want %v", tick.Timestamp, want)
	}
}

func TestBinance_BareAggTrade(t *testing.T) {
	raw := []byte(`{"e":"aggTrade","E":1735725601000,"s":"ETHUSDT","a":99,"p":"3300.1","q":"1.5","T":1735725600500}`)

	tick, ok := Binance{}.Normalize(raw)
	if !ok {
		t.Fatal("expected bare aggTrade to normalize")
	}
	if tick.Symbol != "ethusdt" || tick.Price != 3300.1 || tick.Size != 1.5 {
		t.Errorf("unexpected tick: %+v", tick)
	}
}

func TestBinance_SkipsNonTickMessages(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"subscribe ack", `{"result":null,"id":1}`},
		{"kline event", `{"e":"kline","s":"BTCUSDT","k":{"o":"1","c":"2"}}`},
		{"missing symbol", `{"e":"trade","p":"100","q":"1","T":1735725600000}`},
		{"missing price", `{"e":"trade","s":"BTCUSDT","q":"1","T":1735725600000}`},
		{"garbage", `not json at all`},
	}
	for _, tc := range cases {
		if _, ok := (Binance{}).Normalize([]byte(tc.raw)); ok {
			t.Errorf("%s: expected skip", tc.name)
		}
	}
}

func TestBinance_IdempotentNormalize(t *testing.T) {
	raw := []byte(`{"e":"trade","s":"BTCUSDT","p":"100.5","q":"2","T":1735725600000}`)

	a, ok1 := Binance{}.Normalize(raw)
	b, ok2 := Binance{}.Normalize(raw)
	if !ok1 || !ok2 {
		t.Fatal("expected both normalizations to succeed")
	}
	if a != b {
		t.Errorf("normalizing the same bytes twice differs: %+v vs %+v", a, b)
	}
}
