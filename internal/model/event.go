package model

import "encoding/json"

// Event is a finalized record with its pipeline coordinates, fanned out
// from an aggregator to downstream sinks (redis publisher, log sink).
type Event struct {
	Source    string `json:"source"`
	Symbol    string `json:"symbol"`
	TF        string `json:"tf"` // timeframe label, e.g. "1m"
	TFSeconds int64  `json:"tf_seconds"`
	Record    Record `json:"record"`
}

// StreamKey returns the sink subject: "candle:{tf}:{source}:{symbol}".
func (e *Event) StreamKey() string {
	return "candle:" + e.TF + ":" + e.Source + ":" + e.Symbol
}

// JSON returns the JSON-encoded event.
func (e *Event) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}
