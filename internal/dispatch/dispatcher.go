// Package dispatch serializes full rolling windows into causal-API
// payloads and turns service verdicts into chain signals. One dispatcher
// serves one pipeline; the supervisor invokes it per timeframe on a fixed
// cadence, and timeframes never affect each other.
package dispatch

import (
	"context"
	"log"
	"strings"
	"time"

	"causalfeed/internal/buffer"
	"causalfeed/internal/model"
	"causalfeed/pkg/causalapi"
)

// DefaultRows is the number of data rows a payload carries. The posted
// body is rows + 2 physical lines: header, data rows, one placeholder.
const DefaultRows = 5000

// SignalFunc receives every successfully parsed chain signal.
type SignalFunc func(sig model.ChainSignal)

// Dispatcher posts one pipeline's windows to the causal service.
type Dispatcher struct {
	client *causalapi.Client
	source string
	symbol string
	header string // model.CSVHeaderOHLC or model.CSVHeaderUnivariate
	rows   int

	onSignal SignalFunc

	// OnDispatch is an optional metrics hook called per attempt.
	OnDispatch func(tfLabel string, ok bool, latency time.Duration)
}

// New creates a dispatcher. rows <= 0 selects DefaultRows.
func New(client *causalapi.Client, source, symbol, header string, rows int) *Dispatcher {
	if rows <= 0 {
		rows = DefaultRows
	}
	return &Dispatcher{
		client: client,
		source: source,
		symbol: symbol,
		header: header,
		rows:   rows,
	}
}

// OnSignal registers the signal listener (publisher, notifier).
func (d *Dispatcher) OnSignal(fn SignalFunc) { d.onSignal = fn }

// Send serializes the most recent window of buf and posts it. It returns
// (nil, false) when the buffer is still short, the post fails or the
// verdict cannot be parsed — the next scheduled cycle is the retry.
func (d *Dispatcher) Send(ctx context.Context, buf *buffer.Rolling, tf model.Timeframe) (*model.ChainSignal, bool) {
	if buf == nil || buf.Size() < d.rows {
		return nil, false
	}
	recs := buf.Last(d.rows)

	start := time.Now()
	fc, err := d.client.DetectChain(ctx, d.payload(recs, tf))
	latency := time.Since(start)
	if err != nil {
		log.Printf("[dispatch] %s %s %s: %v", d.source, d.symbol, tf.Label, err)
		if d.OnDispatch != nil {
			d.OnDispatch(tf.Label, false, latency)
		}
		return nil, false
	}
	if d.OnDispatch != nil {
		d.OnDispatch(tf.Label, true, latency)
	}

	dt, err := fc.Time()
	if err != nil {
		log.Printf("[dispatch] %s %s %s: %v", d.source, d.symbol, tf.Label, err)
		return nil, false
	}

	sig := model.ChainSignal{
		Datetime:      dt,
		ChainDetected: fc.ChainDetected,
		Symbol:        d.symbol,
		TF:            tf.Label,
		Source:        d.source,
		ReceivedAt:    time.Now().UTC(),
	}
	if d.onSignal != nil {
		d.onSignal(sig)
	}
	return &sig, true
}

// payload renders the header, every data row and the zero placeholder row
// whose datetime is the next theoretical window start.
func (d *Dispatcher) payload(recs []model.Record, tf model.Timeframe) []byte {
	var b strings.Builder
	b.Grow((len(recs) + 2) * 48)

	b.WriteString(d.header)
	b.WriteByte('\n')
	for _, r := range recs {
		b.WriteString(r.CSVRow())
		b.WriteByte('\n')
	}

	next := recs[len(recs)-1].Dt().Add(tf.Duration()).UTC()
	b.WriteString(next.Format(time.RFC3339))
	for i := strings.Count(d.header, ","); i > 0; i-- {
		b.WriteString(",0")
	}
	b.WriteByte('\n')

	return []byte(b.String())
}
