// Package normalize decodes vendor-specific payloads into the common
// model.Tick shape. Each source has its own normalizer with the same
// contract: raw message in, (tick, true) out, or (zero, false) when the
// message carries no usable tick. Normalization is pure — the same bytes
// always yield the same tick.
package normalize

import (
	"encoding/json"
	"strconv"
	"time"
)

// Source names stamped on normalized ticks.
const (
	SourceBinance     = "binance"
	SourcePolygon     = "polygon"
	SourceAccuWeather = "accuweather"
	SourceBloomberg   = "bloomberg"
)

// asFloat coerces numeric JSON fields that may arrive as float64, string
// or integer. Returns false for anything unusable (including nil).
func asFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func fromMillis(ms int64) time.Time {
	return time.Unix(0, ms*int64(time.Millisecond)).UTC()
}

func fromSeconds(s int64) time.Time {
	return time.Unix(s, 0).UTC()
}

func fromNanos(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}
