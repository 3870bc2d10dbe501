package model

import (
	"testing"
	"time"
)

func TestParseTimeframe(t *testing.T) {
	cases := []struct {
		in      string
		seconds int64
		label   string
	}{
		{"1s", 1, "1s"},
		{"15s", 15, "15s"},
		{"1m", 60, "1m"},
		{"5m", 300, "5m"},
		{"1h", 3600, "1h"},
		{"1d", 86400, "1d"},
		{"90", 90, "90s"}, // bare second counts get an explicit unit
		{" 5s ", 5, "5s"},
	}
	for _, tc := range cases {
		tf, err := ParseTimeframe(tc.in)
		if err != nil {
			t.Errorf("ParseTimeframe(%q): unexpected error %v", tc.in, err)
			continue
		}
		if tf.Seconds != tc.seconds || tf.Label != tc.label {
			t.Errorf("ParseTimeframe(%q) = {%d %q}, want {%d %q}",
				tc.in, tf.Seconds, tf.Label, tc.seconds, tc.label)
		}
	}

	for _, bad := range []string{"", "0s", "-5m", "xm", "m", "1.5m"} {
		if _, err := ParseTimeframe(bad); err == nil {
			t.Errorf("ParseTimeframe(%q): expected error", bad)
		}
	}
}

func TestWindowStart(t *testing.T) {
	tf := Timeframe{Seconds: 60, Label: "1m"}
	in := time.Date(2025, 1, 1, 10, 0, 37, 250_000_000, time.UTC)
	want := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

	got := tf.WindowStart(in)
	if !got.Equal(want) {
		t.Errorf("WindowStart = %v, want %v", got, want)
	}
	if got.Unix()%tf.Seconds != 0 {
		t.Error("window start not aligned")
	}

	// Already-aligned instants map to themselves.
	if got2 := tf.WindowStart(want); !got2.Equal(want) {
		t.Errorf("WindowStart(aligned) = %v, want %v", got2, want)
	}
}

func TestParseNetwork(t *testing.T) {
	n, err := ParseNetwork("market", "1s,5s,1m", 5000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(n.TFs) != 3 {
		t.Fatalf("timeframes = %d, want 3", len(n.TFs))
	}
	for _, tf := range n.TFs {
		if tf.Capacity != 5000 {
			t.Errorf("tf %s capacity = %d, want 5000", tf.Label, tf.Capacity)
		}
	}

	// Duplicate labels rejected
	if _, err := ParseNetwork("dup", "1m,1m", 100); err == nil {
		t.Error("expected duplicate-label error")
	}
	// Empty network rejected
	if _, err := ParseNetwork("empty", "", 100); err == nil {
		t.Error("expected empty-network error")
	}
}

func TestCandleCSVRow(t *testing.T) {
	c := Candle{
		Datetime: time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC),
		Open:     100.5, High: 101, Low: 99.25, Close: 100, Volume: 42,
	}
	want := "2025-01-01T10:00:00Z,100.5,101,99.25,100"
	if got := c.CSVRow(); got != want {
		t.Errorf("CSVRow = %q, want %q", got, want)
	}

	// Zero fields must serialize as bare zeros (placeholder-row contract).
	z := Candle{Datetime: time.Date(2025, 1, 1, 10, 1, 0, 0, time.UTC)}
	want = "2025-01-01T10:01:00Z,0,0,0,0"
	if got := z.CSVRow(); got != want {
		t.Errorf("zero CSVRow = %q, want %q", got, want)
	}
}
