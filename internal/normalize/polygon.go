package normalize

import (
	"encoding/json"
	"time"

	"causalfeed/internal/model"
)

// polygonEvent is one element of an equities frame. Frames are arrays of
// events; the connector splits them before calling Normalize.
type polygonEvent struct {
	Ev     string      `json:"ev"`
	Sym    string      `json:"sym"`
	Price  interface{} `json:"p"`
	Size   interface{} `json:"s"`
	Millis int64       `json:"t"` // SIP timestamp, epoch millis
}

// Polygon normalizes equities trade events (ev == "T"). Status events are
// handled by the connector and yield false here.
type Polygon struct{}

// Normalize implements the normalizer contract for a single equities event.
func (Polygon) Normalize(msg []byte) (model.Tick, bool) {
	var ev polygonEvent
	if err := json.Unmarshal(msg, &ev); err != nil {
		return model.Tick{}, false
	}
	if ev.Ev != "T" || ev.Sym == "" {
		return model.Tick{}, false
	}
	price, ok := asFloat(ev.Price)
	if !ok {
		return model.Tick{}, false
	}
	size, _ := asFloat(ev.Size)

	ts := time.Now().UTC()
	if ev.Millis > 0 {
		ts = fromMillis(ev.Millis)
	}

	return model.Tick{
		Symbol:    ev.Sym,
		Source:    SourcePolygon,
		Price:     price,
		Size:      size,
		Timestamp: ts,
	}, true
}
