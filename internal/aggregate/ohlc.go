// Package aggregate folds normalized ticks into finalized records across a
// network of timeframes. Each aggregator owns one symbol's rolling buffers
// and keeps a single in-progress record per timeframe; a tick whose window
// differs from the in-progress one (later or earlier — out-of-order ticks
// open a new window, never back-patch) finalizes the current record first.
package aggregate

import (
	"log"
	"sync"

	"causalfeed/internal/buffer"
	"causalfeed/internal/model"
)

// CompleteFunc is invoked with each finalized record after its buffer push.
// Listeners run synchronously on the ingest path and must not call back
// into the same aggregator.
type CompleteFunc func(rec model.Record, tf model.Timeframe)

// ohlcState holds the in-progress candle for one timeframe window.
type ohlcState struct {
	candle model.Candle // Datetime is the window start
	ticks  int
}

// OHLC builds OHLC candles from a single symbol's tick stream across every
// timeframe in a network.
//
// Mutex-guarded: ticks arrive on the connector's read task while
// ForceFinalizeAll runs on the shutdown task.
type OHLC struct {
	mu        sync.Mutex
	symbol    string
	source    string
	network   model.Network
	states    map[string]*ohlcState      // key = timeframe label
	buffers   map[string]*buffer.Rolling // key = timeframe label
	listeners []CompleteFunc

	// Metrics hooks (optional, set externally)
	OnForeignTick  func()
	OnRejectedPush func(tfLabel string)
}

// NewOHLC creates an aggregator for one (symbol, source) pair with a
// rolling buffer per timeframe.
func NewOHLC(symbol, source string, network model.Network) *OHLC {
	buffers := make(map[string]*buffer.Rolling, len(network.TFs))
	for _, tf := range network.TFs {
		buffers[tf.Label] = buffer.New(tf.Capacity)
	}
	return &OHLC{
		symbol:  symbol,
		source:  source,
		network: network,
		states:  make(map[string]*ohlcState, len(network.TFs)),
		buffers: buffers,
	}
}

// OnComplete registers a finalization listener.
func (a *OHLC) OnComplete(fn CompleteFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listeners = append(a.listeners, fn)
}

// AddTick folds one tick into every timeframe. Ticks for a different
// symbol are dropped silently (each pipeline has one upstream).
func (a *OHLC) AddTick(t model.Tick) {
	if t.Symbol != a.symbol {
		if a.OnForeignTick != nil {
			a.OnForeignTick()
		}
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, tf := range a.network.TFs {
		ws := tf.WindowStart(t.Timestamp)
		st := a.states[tf.Label]

		if st != nil && !st.candle.Datetime.Equal(ws) {
			// Window changed in either direction — finalize first.
			a.finalize(tf, st)
			st = nil
		}

		if st == nil {
			a.states[tf.Label] = &ohlcState{
				candle: model.Candle{
					Datetime: ws,
					Open:     t.Price,
					High:     t.Price,
					Low:      t.Price,
					Close:    t.Price,
					Volume:   t.Size,
				},
				ticks: 1,
			}
			continue
		}

		c := &st.candle
		if t.Price > c.High {
			c.High = t.Price
		}
		if t.Price < c.Low {
			c.Low = t.Price
		}
		c.Close = t.Price
		c.Volume += t.Size
		st.ticks++
	}
}

// ForceFinalizeAll finalizes every in-progress candle across all
// timeframes and clears the in-progress state. Invoked during graceful
// shutdown; calling it again is a no-op.
func (a *OHLC) ForceFinalizeAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, tf := range a.network.TFs {
		if st := a.states[tf.Label]; st != nil {
			a.finalize(tf, st)
		}
	}
}

// finalize pushes the candle into its buffer and notifies listeners.
// Caller holds a.mu.
func (a *OHLC) finalize(tf model.Timeframe, st *ohlcState) {
	delete(a.states, tf.Label)

	if !a.buffers[tf.Label].Push(st.candle) {
		// Out-of-order window start, the buffer keeps its order invariant.
		log.Printf("[aggregate] %s %s %s: dropped out-of-order candle dt=%s",
			a.source, a.symbol, tf.Label, st.candle.Datetime.Format("15:04:05"))
		if a.OnRejectedPush != nil {
			a.OnRejectedPush(tf.Label)
		}
		return
	}
	for _, fn := range a.listeners {
		fn(st.candle, tf)
	}
}

// Buffer returns the rolling buffer for a timeframe label, nil if unknown.
func (a *OHLC) Buffer(label string) *buffer.Rolling { return a.buffers[label] }

// Timeframes returns the network's timeframes in order.
func (a *OHLC) Timeframes() []model.Timeframe { return a.network.TFs }

// Symbol returns the aggregator's configured symbol.
func (a *OHLC) Symbol() string { return a.symbol }

// Source returns the aggregator's source name.
func (a *OHLC) Source() string { return a.source }
