package model

import (
	"encoding/json"
	"strconv"
	"time"
)

// CSV headers for the two record shapes accepted by the causal service.
const (
	CSVHeaderOHLC       = "datetime,open,high,low,close"
	CSVHeaderUnivariate = "datetime,value"
)

// Record is a finalized time-series row held by a rolling buffer and
// serialized into causal-API payloads. Implemented by Candle and Sample.
type Record interface {
	// Dt returns the aligned window-start instant (UTC).
	Dt() time.Time
	// CSVRow renders the record as one CSV data line, datetime first.
	CSVRow() string
}

// Candle is an OHLC aggregation of ticks within one timeframe window.
// Invariants: Low <= min(Open, Close), max(Open, Close) <= High, and
// Datetime is aligned to a multiple of the timeframe's seconds.
// Volume is the sum of tick sizes in the window; 0 when the source
// carries no sizes. Volume is published to sinks but is not part of the
// causal CSV contract.
type Candle struct {
	Datetime time.Time `json:"datetime"` // window start (UTC, TF-aligned)
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// Dt returns the candle's window-start instant.
func (c Candle) Dt() time.Time { return c.Datetime }

// CSVRow renders "datetime,open,high,low,close" fields.
func (c Candle) CSVRow() string {
	return c.Datetime.UTC().Format(time.RFC3339) + "," +
		ftoa(c.Open) + "," + ftoa(c.High) + "," + ftoa(c.Low) + "," + ftoa(c.Close)
}

// JSON returns the JSON-encoded candle (ignoring errors for hot-path usage).
func (c Candle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}

// Sample is a univariate observation for one timeframe window: the most
// recent tick price within the window (last observation carried forward).
type Sample struct {
	Datetime time.Time `json:"datetime"` // window start (UTC, TF-aligned)
	Value    float64   `json:"value"`
}

// Dt returns the sample's window-start instant.
func (s Sample) Dt() time.Time { return s.Datetime }

// CSVRow renders "datetime,value" fields.
func (s Sample) CSVRow() string {
	return s.Datetime.UTC().Format(time.RFC3339) + "," + ftoa(s.Value)
}

// JSON returns the JSON-encoded sample.
func (s Sample) JSON() []byte {
	b, _ := json.Marshal(s)
	return b
}

// ftoa renders a float with the minimal digits needed, so zero values
// serialize exactly as "0" in dispatch payloads.
func ftoa(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
