package model

import (
	"encoding/json"
	"time"
)

// ChainSignal is the outcome of one causal-API dispatch for a single
// (symbol, timeframe) window.
type ChainSignal struct {
	Datetime      time.Time `json:"datetime"`       // window the detection refers to
	ChainDetected int       `json:"chain_detected"` // -1, 0 or +1
	Symbol        string    `json:"symbol"`
	TF            string    `json:"tf"`
	Source        string    `json:"source"`
	ReceivedAt    time.Time `json:"received_at"` // local receipt time
}

// Direction renders ChainDetected as a label for logs and metrics.
func (s *ChainSignal) Direction() string {
	switch {
	case s.ChainDetected > 0:
		return "up"
	case s.ChainDetected < 0:
		return "down"
	default:
		return "none"
	}
}

// StreamKey returns the sink subject: "signal:{tf}:{source}:{symbol}".
func (s *ChainSignal) StreamKey() string {
	return "signal:" + s.TF + ":" + s.Source + ":" + s.Symbol
}

// JSON returns the JSON-encoded signal.
func (s *ChainSignal) JSON() []byte {
	b, _ := json.Marshal(s)
	return b
}
