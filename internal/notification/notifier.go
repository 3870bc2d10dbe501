// Package notification delivers operator alerts (non-zero chain signals,
// connectors giving up) to external channels.
package notification

import (
	"context"
	"log"

	"causalfeed/internal/model"
)

// LogNotifier writes alerts to the process log (useful for development
// and as the fallback when no channel is configured).
type LogNotifier struct{}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Notify(ctx context.Context, title, message string) error {
	log.Printf("[notify] %s: %s", title, message)
	return nil
}

// Multi fans one alert out to several backends; delivery failures are
// logged, not returned, so one dead channel never silences the rest.
type Multi struct {
	backends []model.Notifier
}

// NewMulti creates a notifier that forwards to every backend given.
func NewMulti(backends ...model.Notifier) *Multi {
	return &Multi{backends: backends}
}

func (m *Multi) Notify(ctx context.Context, title, message string) error {
	for _, b := range m.backends {
		if err := b.Notify(ctx, title, message); err != nil {
			log.Printf("[notify] backend failed: %v", err)
		}
	}
	return nil
}
