package normalize

import (
	"encoding/json"
	"strings"
	"time"

	"causalfeed/internal/model"
)

// binanceFrame is the combined-stream envelope {"stream": ..., "data": {...}}.
// Events arriving on a raw (non-multiplexed) endpoint have no envelope.
type binanceFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// binanceEvent covers the trade and aggTrade payloads. Prices and
// quantities arrive as strings.
type binanceEvent struct {
	Event     string      `json:"e"`
	EventTime int64       `json:"E"` // epoch millis, server stamp
	Symbol    string      `json:"s"`
	Price     interface{} `json:"p"`
	Qty       interface{} `json:"q"`
	TradeTime int64       `json:"T"` // epoch millis, trade time
}

// Binance normalizes crypto stream messages. Accepted event kinds are
// "trade" and "aggTrade"; control-frame acks and other kinds yield false.
type Binance struct{}

// Normalize implements the normalizer contract for crypto stream frames.
func (Binance) Normalize(msg []byte) (model.Tick, bool) {
	// Unwrap the {stream,data} envelope transparently when present.
	var frame binanceFrame
	if err := json.Unmarshal(msg, &frame); err == nil && len(frame.Data) > 0 {
		msg = frame.Data
	}

	var ev binanceEvent
	if err := json.Unmarshal(msg, &ev); err != nil {
		return model.Tick{}, false
	}
	if ev.Event != "trade" && ev.Event != "aggTrade" {
		return model.Tick{}, false
	}
	if ev.Symbol == "" {
		return model.Tick{}, false
	}
	price, ok := asFloat(ev.Price)
	if !ok {
		return model.Tick{}, false
	}
	qty, _ := asFloat(ev.Qty)

	// Prefer the trade time over the server event time.
	var ts time.Time
	switch {
	case ev.TradeTime > 0:
		ts = fromMillis(ev.TradeTime)
	case ev.EventTime > 0:
		ts = fromMillis(ev.EventTime)
	default:
		ts = time.Now().UTC()
	}

	return model.Tick{
		// Stream names are lowercase; keep symbols consistent with them.
		Symbol:    strings.ToLower(ev.Symbol),
		Source:    SourceBinance,
		Price:     price,
		Size:      qty,
		Timestamp: ts,
	}, true
}
