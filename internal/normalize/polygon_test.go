package normalize

import (
	"testing"
	"time"
)

func TestPolygon_TradeEvent(t *testing.T) {
	raw := []byte(`{"ev":"T","sym":"AAPL","i":"52983525029461","x":4,"p":236.18,"s":25,"t":1735725600123}`)

	tick, ok := Polygon{}.Normalize(raw)
	if !ok {
		t.Fatal("expected trade event to normalize")
	}
	if tick.Symbol != "AAPL" {
		t.Errorf("symbol = %q, want AAPL", tick.Symbol)
	}
	if tick.Source != SourcePolygon {
		t.Errorf("source = %q, want %q", tick.Source, SourcePolygon)
	}
	if tick.Price != 236.18 {
		t.Errorf("price = %v, want 236.18", tick.Price)
	}
	if tick.Size != 25 {
		t.Errorf("size = %v, want 25", tick.Size)
	}
	want := time.Unix(0, 1735725600123*int64(time.Millisecond)).UTC()
	if !tick.Timestamp.Equal(want) {
		t.Errorf("timestamp = %v, want %v", tick.Timestamp, want)
	}
}

func TestPolygon_SkipsStatusAndUnknown(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"status event", `{"ev":"status","status":"auth_success","message":"authenticated"}`},
		{"quote event", `{"ev":"Q","sym":"AAPL","bp":236.1,"ap":236.2}`},
		{"missing symbol", `{"ev":"T","p":100,"s":1,"t":1735725600000}`},
		{"missing price", `{"ev":"T","sym":"AAPL","s":1,"t":1735725600000}`},
	}
	for _, tc := range cases {
		if _, ok := (Polygon{}).Normalize([]byte(tc.raw)); ok {
			t.Errorf("%s: expected skip", tc.name)
		}
	}
}
