// Package history pre-seeds crypto rolling buffers from the exchange
// klines REST API so dispatch thresholds can be met at startup instead of
// waiting hours for live candles to accumulate.
package history

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	binance "github.com/adshao/go-binance/v2"

	"causalfeed/internal/buffer"
	"causalfeed/internal/model"
)

const (
	klineBatch = 1000 // exchange max per request
	maxPages   = 5    // enough for a 5000-capacity buffer
)

// nativeIntervals are the kline intervals the exchange serves directly.
// Timeframe labels use the same notation, so lookups are literal.
var nativeIntervals = map[string]struct{}{
	"1s": {}, "1m": {}, "3m": {}, "5m": {}, "15m": {}, "30m": {},
	"1h": {}, "2h": {}, "4h": {}, "6h": {}, "8h": {}, "12h": {},
	"1d": {}, "3d": {}, "1w": {}, "1M": {},
}

// NativeInterval reports whether a timeframe label is a kline interval
// the exchange can serve, and returns it in exchange notation.
func NativeInterval(label string) (string, bool) {
	_, ok := nativeIntervals[label]
	return label, ok
}

// BufferProvider is the aggregator surface the seeder fills. Satisfied by
// the OHLC aggregator.
type BufferProvider interface {
	Buffer(label string) *buffer.Rolling
	Timeframes() []model.Timeframe
}

// klineFetcher is the exchange call, extracted so tests can stub it.
type klineFetcher func(ctx context.Context, symbol, interval string, endTime int64, limit int) ([]*binance.Kline, error)

// Seeder fills a symbol's rolling buffers with historical candles.
type Seeder struct {
	symbol string // lowercased, as stamped on ticks
	fetch  klineFetcher
}

// NewSeeder creates a seeder for one symbol. No credentials are needed;
// klines are public market data.
func NewSeeder(symbol string) *Seeder {
	client := binance.NewClient("", "")
	return &Seeder{
		symbol: strings.ToLower(symbol),
		fetch: func(ctx context.Context, sym, interval string, endTime int64, limit int) ([]*binance.Kline, error) {
			svc := client.NewKlinesService().Symbol(sym).Interval(interval).Limit(limit)
			if endTime > 0 {
				svc = svc.EndTime(endTime)
			}
			return svc.Do(ctx)
		},
	}
}

// Seed fills every native-interval buffer of the provider, oldest candle
// first. Per-timeframe failures are logged, not fatal; seeding is an
// optimization, never a requirement.
func (s *Seeder) Seed(ctx context.Context, bp BufferProvider) {
	restSymbol := strings.ToUpper(s.symbol)
	for _, tf := range bp.Timeframes() {
		interval, ok := NativeInterval(tf.Label)
		if !ok {
			log.Printf("[history] %s: %s is not a native kline interval, skipping", s.symbol, tf.Label)
			continue
		}
		buf := bp.Buffer(tf.Label)
		if buf == nil {
			continue
		}

		candles, err := s.fetchWindow(ctx, restSymbol, interval, buf.Cap())
		if err != nil {
			log.Printf("[history] %s %s: seed failed: %v", s.symbol, tf.Label, err)
			continue
		}
		pushed := 0
		for _, c := range candles {
			if buf.Push(c) {
				pushed++
			}
		}
		log.Printf("[history] %s %s: seeded %d candles", s.symbol, tf.Label, pushed)
	}
}

// fetchWindow pages backwards until `want` candles (or maxPages) are
// collected, then returns the most recent `want` in chronological order.
func (s *Seeder) fetchWindow(ctx context.Context, symbol, interval string, want int) ([]model.Candle, error) {
	var batches [][]*binance.Kline
	total := 0
	endTime := int64(0)

	for page := 0; page < maxPages && total < want; page++ {
		kl, err := s.fetch(ctx, symbol, interval, endTime, klineBatch)
		if err != nil {
			return nil, fmt.Errorf("klines page %d: %w", page, err)
		}
		if len(kl) == 0 {
			break
		}
		batches = append(batches, kl)
		total += len(kl)
		// Page backwards: everything strictly before the oldest row seen.
		endTime = kl[0].OpenTime - 1
	}

	// Batches were fetched newest-window-first; reassemble ascending.
	candles := make([]model.Candle, 0, total)
	for i := len(batches) - 1; i >= 0; i-- {
		for _, kl := range batches[i] {
			c, err := toCandle(kl)
			if err != nil {
				return nil, err
			}
			candles = append(candles, c)
		}
	}
	if len(candles) > want {
		candles = candles[len(candles)-want:]
	}
	return candles, nil
}

// toCandle converts one kline row; the exchange serialized prices as
// strings.
func toCandle(kl *binance.Kline) (model.Candle, error) {
	open, err1 := strconv.ParseFloat(kl.Open, 64)
	high, err2 := strconv.ParseFloat(kl.High, 64)
	low, err3 := strconv.ParseFloat(kl.Low, 64)
	cls, err4 := strconv.ParseFloat(kl.Close, 64)
	vol, err5 := strconv.ParseFloat(kl.Volume, 64)
	for _, err := range []error{err1, err2, err3, err4, err5} {
		if err != nil {
			return model.Candle{}, fmt.Errorf("kline parse: %w", err)
		}
	}
	return model.Candle{
		Datetime: time.Unix(0, kl.OpenTime*int64(time.Millisecond)).UTC(),
		Open:     open,
		High:     high,
		Low:      low,
		Close:    cls,
		Volume:   vol,
	}, nil
}
