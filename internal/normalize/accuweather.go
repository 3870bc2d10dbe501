package normalize

import (
	"encoding/json"
	"time"

	"causalfeed/internal/model"
)

// awObservation is one element of a current-conditions response array.
type awObservation struct {
	EpochTime   int64  `json:"EpochTime"`                // epoch seconds
	LocalTime   string `json:"LocalObservationDateTime"` // ISO-8601 with offset
	Temperature struct {
		Metric struct {
			Value interface{} `json:"Value"`
		} `json:"Metric"`
	} `json:"Temperature"`
	RelativeHumidity interface{} `json:"RelativeHumidity"`
}

// AccuWeather maps current-conditions responses onto the tick shape:
// metric temperature becomes the price, relative humidity the size. The
// response body is an array; only the first observation is used.
type AccuWeather struct {
	Symbol string // location key the poller is configured with
}

// Normalize implements the normalizer contract for a poll response body.
func (n AccuWeather) Normalize(body []byte) (model.Tick, bool) {
	if n.Symbol == "" {
		return model.Tick{}, false
	}
	var arr []awObservation
	if err := json.Unmarshal(body, &arr); err != nil || len(arr) == 0 {
		return model.Tick{}, false
	}
	obs := arr[0]

	price, ok := asFloat(obs.Temperature.Metric.Value)
	if !ok {
		return model.Tick{}, false
	}
	size, _ := asFloat(obs.RelativeHumidity)

	ts := time.Now().UTC()
	switch {
	case obs.EpochTime > 0:
		ts = fromSeconds(obs.EpochTime)
	case obs.LocalTime != "":
		if t, err := time.Parse(time.RFC3339, obs.LocalTime); err == nil {
			ts = t.UTC()
		}
	}

	return model.Tick{
		Symbol:    n.Symbol,
		Source:    SourceAccuWeather,
		Price:     price,
		Size:      size,
		Timestamp: ts,
	}, true
}
