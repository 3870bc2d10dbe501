package model

import "time"

// Tick is a single normalized observation produced by a source normalizer.
// Immutable after construction: connectors hand ticks to the aggregator by
// value and never mutate them afterwards.
type Tick struct {
	Symbol    string    `json:"symbol"`
	Source    string    `json:"source"`    // e.g. "binance", "polygon", "accuweather", "bloomberg"
	Price     float64   `json:"price"`
	Size      float64   `json:"size"`      // 0 when the source carries no size
	Timestamp time.Time `json:"timestamp"` // UTC, vendor trade time preferred over receipt time
}
