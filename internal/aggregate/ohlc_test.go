package aggregate

import (
	"testing"
	"time"

	"causalfeed/internal/model"
)

// baseTS is 2025-01-01T10:00:00Z — aligned to every timeframe under test.
var baseTS = time.Unix(1735725600, 0).UTC()

func testNetwork(capacity int, labels ...string) model.Network {
	var tfs []model.Timeframe
	for _, l := range labels {
		tf, err := model.ParseTimeframe(l)
		if err != nil {
			panic(err)
		}
		tf.Capacity = capacity
		tfs = append(tfs, tf)
	}
	return model.Network{Name: "test", TFs: tfs}
}

func tickAt(offsetMs int64, price, size float64) model.Tick {
	return model.Tick{
		Symbol:    "btcusdt",
		Source:    "binance",
		Price:     price,
		Size:      size,
		Timestamp: baseTS.Add(time.Duration(offsetMs) * time.Millisecond),
	}
}

func TestOHLC_OneSecondWindow(t *testing.T) {
	agg := NewOHLC("btcusdt", "binance", testNetwork(100, "1s"))

	// Five ticks: four inside window T, one at T+1.2s that closes it.
	agg.AddTick(tickAt(0, 100, 1))
	agg.AddTick(tickAt(300, 101, 2))
	agg.AddTick(tickAt(700, 99, 1))
	agg.AddTick(tickAt(900, 100, 1))
	agg.AddTick(tickAt(1200, 105, 1))

	buf := agg.Buffer("1s")
	if buf.Size() != 1 {
		t.Fatalf("1s buffer size = %d, want 1 finalized candle", buf.Size())
	}
	c := buf.Last(1)[0].(model.Candle)
	if !c.Datetime.Equal(baseTS) {
		t.Errorf("datetime = %v, want %v", c.Datetime, baseTS)
	}
	if c.Open != 100 || c.High != 101 || c.Low != 99 || c.Close != 100 {
		t.Errorf("ohlc = %v/%v/%v/%v, want 100/101/99/100", c.Open, c.High, c.Low, c.Close)
	}
	if c.Volume != 5 {
		t.Errorf("volume = %v, want 5", c.Volume)
	}

	// The T+1 window is still in progress; force-finalize exposes it.
	agg.ForceFinalizeAll()
	if buf.Size() != 2 {
		t.Fatalf("buffer size after force-finalize = %d, want 2", buf.Size())
	}
	c2 := buf.Last(1)[0].(model.Candle)
	if !c2.Datetime.Equal(baseTS.Add(time.Second)) {
		t.Errorf("in-progress window = %v, want %v", c2.Datetime, baseTS.Add(time.Second))
	}
	if c2.Open != 105 || c2.Close != 105 {
		t.Errorf("in-progress candle = %v/%v, want 105/105", c2.Open, c2.Close)
	}
}

func TestOHLC_MultiTimeframeFanOut(t *testing.T) {
	agg := NewOHLC("btcusdt", "binance", testNetwork(100, "1s", "5s"))

	// First tick aligned to both timeframes: in-progress only, no content.
	agg.AddTick(tickAt(0, 100, 0))
	if n := agg.Buffer("1s").Size(); n != 0 {
		t.Fatalf("1s buffer size after first tick = %d, want 0", n)
	}
	if n := agg.Buffer("5s").Size(); n != 0 {
		t.Fatalf("5s buffer size after first tick = %d, want 0", n)
	}

	// A tick six seconds later closes the T window in both networks.
	agg.AddTick(tickAt(6000, 101, 0))
	for _, label := range []string{"1s", "5s"} {
		buf := agg.Buffer(label)
		if buf.Size() != 1 {
			t.Fatalf("%s buffer size = %d, want 1", label, buf.Size())
		}
		c := buf.Last(1)[0].(model.Candle)
		if !c.Datetime.Equal(baseTS) {
			t.Errorf("%s candle datetime = %v, want %v", label, c.Datetime, baseTS)
		}
		if c.Open != 100 || c.Close != 100 {
			t.Errorf("%s candle = %+v, want open=close=100", label, c)
		}
	}
}

func TestOHLC_ForeignSymbolDropped(t *testing.T) {
	agg := NewOHLC("btcusdt", "binance", testNetwork(100, "1s"))
	foreign := 0
	agg.OnForeignTick = func() { foreign++ }

	tick := tickAt(0, 100, 1)
	tick.Symbol = "ethusdt"
	agg.AddTick(tick)

	agg.ForceFinalizeAll()
	if agg.Buffer("1s").Size() != 0 {
		t.Error("foreign-symbol tick must not create a candle")
	}
	if foreign != 1 {
		t.Errorf("foreign hook fired %d times, want 1", foreign)
	}
}

func TestOHLC_OutOfOrderOpensNewWindow(t *testing.T) {
	agg := NewOHLC("btcusdt", "binance", testNetwork(100, "1s"))
	rejected := []string{}
	agg.OnRejectedPush = func(tf string) { rejected = append(rejected, tf) }

	agg.AddTick(tickAt(10_000, 100, 0)) // window T+10
	agg.AddTick(tickAt(3_000, 90, 0))   // earlier window T+3: finalizes T+10

	buf := agg.Buffer("1s")
	if buf.Size() != 1 {
		t.Fatalf("buffer size = %d, want the T+10 candle finalized", buf.Size())
	}
	if dt := buf.Last(1)[0].Dt(); !dt.Equal(baseTS.Add(10 * time.Second)) {
		t.Errorf("finalized window = %v, want T+10", dt)
	}

	// The out-of-order T+3 candle is finalized on shutdown but rejected by
	// the buffer to keep its ordering invariant.
	agg.ForceFinalizeAll()
	if buf.Size() != 1 {
		t.Fatalf("buffer size after force-finalize = %d, want 1", buf.Size())
	}
	if len(rejected) != 1 || rejected[0] != "1s" {
		t.Errorf("rejected pushes = %v, want [1s]", rejected)
	}
}

func TestOHLC_SameTimestampTicks(t *testing.T) {
	agg := NewOHLC("btcusdt", "binance", testNetwork(100, "1s"))

	agg.AddTick(tickAt(100, 100, 1))
	agg.AddTick(tickAt(100, 108, 1)) // identical timestamp, same window
	agg.ForceFinalizeAll()

	buf := agg.Buffer("1s")
	if buf.Size() != 1 {
		t.Fatalf("buffer size = %d, want 1", buf.Size())
	}
	c := buf.Last(1)[0].(model.Candle)
	if c.Open != 100 || c.High != 108 || c.Close != 108 || c.Volume != 2 {
		t.Errorf("candle = %+v, want both ticks accumulated", c)
	}
}

func TestOHLC_ForceFinalizeIdempotent(t *testing.T) {
	agg := NewOHLC("btcusdt", "binance", testNetwork(100, "1s", "5s"))
	agg.AddTick(tickAt(0, 100, 1))
	agg.AddTick(tickAt(1000, 101, 1))

	agg.ForceFinalizeAll()
	first := agg.Buffer("1s").Size() + agg.Buffer("5s").Size()

	agg.ForceFinalizeAll()
	second := agg.Buffer("1s").Size() + agg.Buffer("5s").Size()
	if first != second {
		t.Errorf("second force-finalize changed buffers: %d -> %d", first, second)
	}
}

func TestOHLC_ListenersAfterPush(t *testing.T) {
	agg := NewOHLC("btcusdt", "binance", testNetwork(100, "1s"))

	var gotTF string
	var sizeAtCallback int
	agg.OnComplete(func(rec model.Record, tf model.Timeframe) {
		gotTF = tf.Label
		sizeAtCallback = agg.Buffer(tf.Label).Size()
		if _, ok := rec.(model.Candle); !ok {
			t.Errorf("listener record type = %T, want model.Candle", rec)
		}
	})

	agg.AddTick(tickAt(0, 100, 1))
	agg.AddTick(tickAt(1000, 101, 1))

	if gotTF != "1s" {
		t.Fatalf("listener tf = %q, want 1s", gotTF)
	}
	if sizeAtCallback != 1 {
		t.Errorf("buffer size inside listener = %d, want 1 (push happens first)", sizeAtCallback)
	}
}

func TestOHLC_PerSecondReconstruction(t *testing.T) {
	agg := NewOHLC("btcusdt", "binance", testNetwork(100, "1s"))

	prices := []float64{100, 101, 99, 102, 98, 103, 104, 97, 105, 100}
	for i, p := range prices {
		agg.AddTick(tickAt(int64(i)*1000, p, 1))
	}
	agg.ForceFinalizeAll()

	buf := agg.Buffer("1s")
	recs := buf.Last(len(prices))
	if len(recs) != len(prices) {
		t.Fatalf("got %d candles, want %d", len(recs), len(prices))
	}
	for i, r := range recs {
		c := r.(model.Candle)
		want := baseTS.Add(time.Duration(i) * time.Second)
		if !c.Datetime.Equal(want) {
			t.Errorf("candle[%d] datetime = %v, want %v", i, c.Datetime, want)
		}
		if c.Open != prices[i] || c.High != prices[i] || c.Low != prices[i] || c.Close != prices[i] {
			t.Errorf("candle[%d] = %+v, want flat %v", i, c, prices[i])
		}
		if c.Datetime.Unix()%1 != 0 {
			t.Errorf("candle[%d] datetime not aligned", i)
		}
		if c.Low > c.Open || c.Low > c.Close || c.High < c.Open || c.High < c.Close {
			t.Errorf("candle[%d] violates OHLC invariant: %+v", i, c)
		}
	}
}
