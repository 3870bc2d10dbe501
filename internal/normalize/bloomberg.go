package normalize

import (
	"time"

	"causalfeed/internal/model"
)

// SessionEvent is one market-data event from a vendor session, already
// resolved to its security string by the connector's correlation map.
// Absent fields are simply missing from the map.
type SessionEvent struct {
	Security string
	Fields   map[string]float64
	Time     time.Time
}

// bloombergPriceFields in precedence order: the first present field wins.
var bloombergPriceFields = [...]string{"LAST_TRADE", "LAST_PRICE", "BID", "ASK"}

// Bloomberg normalizes vendor session events. Size comes from VOLUME.
type Bloomberg struct{}

// Normalize implements the normalizer contract for session events.
func (Bloomberg) Normalize(ev SessionEvent) (model.Tick, bool) {
	if ev.Security == "" {
		return model.Tick{}, false
	}

	var price float64
	found := false
	for _, f := range bloombergPriceFields {
		if v, ok := ev.Fields[f]; ok {
			price, found = v, true
			break
		}
	}
	if !found {
		return model.Tick{}, false
	}

	ts := ev.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	return model.Tick{
		Symbol:    ev.Security,
		Source:    SourceBloomberg,
		Price:     price,
		Size:      ev.Fields["VOLUME"],
		Timestamp: ts.UTC(),
	}, true
}
