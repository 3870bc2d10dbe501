package aggregate

import (
	"log"
	"sync"

	"causalfeed/internal/buffer"
	"causalfeed/internal/model"
)

// uniState holds the in-progress sample for one timeframe window. Sum and
// count are maintained for a future mean-of-window variant; finalization
// uses the last observed value.
type uniState struct {
	sample model.Sample // Datetime is the window start, Value the latest price
	sum    float64
	count  int
}

// Univariate builds last-observation-carried-forward samples from a single
// symbol's tick stream, one rolling buffer per timeframe. Contract is
// parallel to OHLC.
type Univariate struct {
	mu        sync.Mutex
	symbol    string
	source    string
	network   model.Network
	states    map[string]*uniState
	buffers   map[string]*buffer.Rolling
	listeners []CompleteFunc

	OnForeignTick  func()
	OnRejectedPush func(tfLabel string)
}

// NewUnivariate creates a univariate aggregator for one (symbol, source) pair.
func NewUnivariate(symbol, source string, network model.Network) *Univariate {
	buffers := make(map[string]*buffer.Rolling, len(network.TFs))
	for _, tf := range network.TFs {
		buffers[tf.Label] = buffer.New(tf.Capacity)
	}
	return &Univariate{
		symbol:  symbol,
		source:  source,
		network: network,
		states:  make(map[string]*uniState, len(network.TFs)),
		buffers: buffers,
	}
}

// OnComplete registers a finalization listener.
func (a *Univariate) OnComplete(fn CompleteFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listeners = append(a.listeners, fn)
}

// AddTick folds one tick into every timeframe.
func (a *Univariate) AddTick(t model.Tick) {
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

		if st != nil && !st.sample.Datetime.Equal(ws) {
			a.finalize(tf, st)
			st = nil
		}

		if st == nil {
			a.states[tf.Label] = &uniState{
				sample: model.Sample{Datetime: ws, Value: t.Price},
				sum:    t.Price,
				count:  1,
			}
			continue
		}

		st.sample.Value = t.Price // last observation carried forward
		st.sum += t.Price
		st.count++
	}
}

// ForceFinalizeAll finalizes every in-progress sample; idempotent.
func (a *Univariate) ForceFinalizeAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, tf := range a.network.TFs {
		if st := a.states[tf.Label]; st != nil {
			a.finalize(tf, st)
		}
	}
}

// finalize pushes the sample into its buffer and notifies listeners.
// Caller holds a.mu.
func (a *Univariate) finalize(tf model.Timeframe, st *uniState) {
	delete(a.states, tf.Label)

	if !a.buffers[tf.Label].Push(st.sample) {
		log.Printf("[aggregate] %s %s %s: dropped out-of-order sample dt=%s",
			a.source, a.symbol, tf.Label, st.sample.Datetime.Format("15:04:05"))
		if a.OnRejectedPush != nil {
			a.OnRejectedPush(tf.Label)
		}
		return
	}
	for _, fn := range a.listeners {
		fn(st.sample, tf)
	}
}

// Buffer returns the rolling buffer for a timeframe label, nil if unknown.
func (a *Univariate) Buffer(label string) *buffer.Rolling { return a.buffers[label] }

// Timeframes returns the network's timeframes in order.
func (a *Univariate) Timeframes() []model.Timeframe { return a.network.TFs }

// Symbol returns the aggregator's configured symbol.
func (a *Univariate) Symbol() string { return a.symbol }

// Source returns the aggregator's source name.
func (a *Univariate) Source() string { return a.source }
