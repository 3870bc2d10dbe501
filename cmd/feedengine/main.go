// feedengine ingests market and weather observations from four vendor
// feeds, folds them into multi-timeframe rolling windows and ships full
// windows to the causal detection service on a fixed cadence. Finalized
// records and chain signals are optionally published to Redis; non-zero
// signals raise operator alerts.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/time/rate"

	"causalfeed/config"
	"causalfeed/internal/aggregate"
	"causalfeed/internal/bus"
	"causalfeed/internal/connector"
	"causalfeed/internal/dispatch"
	"causalfeed/internal/history"
	"causalfeed/internal/logger"
	"causalfeed/internal/metrics"
	"causalfeed/internal/model"
	"causalfeed/internal/normalize"
	"causalfeed/internal/notification"
	"causalfeed/internal/publish"
	"causalfeed/internal/supervisor"
	"causalfeed/pkg/causalapi"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger.Init(cfg.ServiceName, logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.NewMetrics()
	health := metrics.NewHealthStatus()
	msrv := metrics.NewServer(cfg.MetricsAddr, health)
	msrv.Start()

	market, weather, err := cfg.Networks()
	if err != nil {
		log.Fatalf("[main] timeframe networks: %v", err)
	}
	slog.Info("timeframe networks resolved",
		"market", market.Labels(), "weather", weather.Labels())

	eng := &engine{
		cfg:          cfg,
		m:            m,
		market:       market,
		weather:      weather,
		marketClient: causalapi.New(cfg.CausalAPIURL, cfg.CausalAPIKey),
		notifier:     buildNotifier(cfg),
	}
	uniURL := cfg.CausalAPIUnivariateURL
	if uniURL == "" {
		uniURL = cfg.CausalAPIURL
	}
	eng.uniClient = causalapi.New(uniURL, cfg.CausalAPIKey)

	if cfg.RedisAddr != "" {
		pub, err := publish.New(publish.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			slog.Warn("redis unavailable, running without publisher", "err", err)
		} else {
			pub.OnBreakerTrip = m.BreakerTrips.Inc
			pub.OnPending = func() { m.PendingWrites.Set(float64(pub.PendingCount())) }
			pub.OnFlush = func(int) { m.PendingWrites.Set(float64(pub.PendingCount())) }
			eng.pub = pub
			defer pub.Close()
		}
	} else {
		slog.Info("REDIS_ADDR not set, candle publishing disabled")
	}
	eng.startFanOut(ctx)

	pipelines := eng.buildPipelines(ctx)
	if len(pipelines) == 0 {
		log.Fatalf("[main] no runnable pipelines for CONNECTOR_KIND=%s (missing credentials?)", cfg.Kind)
	}

	sup := supervisor.New(supervisor.Config{
		DispatchInterval: cfg.DispatchInterval,
		HealthInterval:   cfg.HealthInterval,
		ShutdownTimeout:  5 * time.Second,
	}, pipelines)
	sup.OnHealth = func(name string, snap connector.Health) {
		health.Record(name, snap)
		if snap.RateLimit != nil {
			m.RateLimitLeft.WithLabelValues(name).Set(float64(snap.RateLimit.Remaining))
		}
		if eng.bloomberg != nil && name == eng.bloomberg.Name() {
			if eng.bloomberg.Mock() {
				m.SessionMock.Set(1)
			} else {
				m.SessionMock.Set(0)
			}
		}
	}

	slog.Info("feedengine starting", "kind", string(cfg.Kind), "pipelines", len(pipelines))
	sup.Run(ctx)

	shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	msrv.Stop(shutCtx)
	slog.Info("feedengine stopped")
}

// engine carries the shared wiring used while assembling pipelines.
type engine struct {
	cfg          *config.Config
	m            *metrics.Metrics
	market       model.Network
	weather      model.Network
	marketClient *causalapi.Client
	uniClient    *causalapi.Client
	notifier     model.Notifier

	pub    *publish.Publisher
	events chan model.Event

	bloomberg *connector.Bloomberg
}

// startFanOut runs the finalized-event bus with the Redis publisher as its
// subscriber. Without a publisher there is nothing to fan out to.
func (e *engine) startFanOut(ctx context.Context) {
	if e.pub == nil {
		return
	}
	e.events = make(chan model.Event, 1024)
	fo := bus.New(256)
	fo.OnDrop = func(idx int) {
		e.m.FanoutDrops.WithLabelValues(fmt.Sprintf("sub%d", idx)).Inc()
	}
	sub := fo.Subscribe()
	go fo.Run(ctx, e.events)
	go func() {
		for ev := range sub {
			if err := e.pub.PublishCandle(ctx, ev); err != nil {
				e.m.PublishErrors.Inc()
			}
		}
	}()
}

// emit hands a finalized record to the fan-out without ever blocking the
// ingest path.
func (e *engine) emit(ev model.Event) {
	if e.events == nil {
		return
	}
	select {
	case e.events <- ev:
	default:
		e.m.FanoutDrops.WithLabelValues("input").Inc()
	}
}

// buildPipelines assembles one pipeline per enabled, fully configured
// source. Missing credentials skip the source with a warning so a partial
// deployment still runs.
func (e *engine) buildPipelines(ctx context.Context) []supervisor.Pipeline {
	cfg := e.cfg
	var pipelines []supervisor.Pipeline

	if cfg.Kind.Includes(config.KindBinance) {
		if p, ok := e.binancePipeline(ctx); ok {
			pipelines = append(pipelines, p)
		}
	}
	if cfg.Kind.Includes(config.KindPolygon) {
		if p, ok := e.polygonPipeline(); ok {
			pipelines = append(pipelines, p)
		}
	}
	if cfg.Kind.Includes(config.KindAccuWeather) {
		if p, ok := e.accuweatherPipeline(); ok {
			pipelines = append(pipelines, p)
		}
	}
	if cfg.Kind.Includes(config.KindBloomberg) {
		if p, ok := e.bloombergPipeline(); ok {
			pipelines = append(pipelines, p)
		}
	}
	return pipelines
}

func (e *engine) binancePipeline(ctx context.Context) (supervisor.Pipeline, bool) {
	cfg := e.cfg
	fan := &tickFan{count: func() { e.m.TicksTotal.WithLabelValues(normalize.SourceBinance).Inc() }}

	var targets []supervisor.Target
	var aggs []*aggregate.OHLC
	for _, sym := range cfg.BinanceSymbols {
		agg := aggregate.NewOHLC(sym, normalize.SourceBinance, e.market)
		e.instrumentOHLC(agg)
		disp := dispatch.New(e.marketClient, normalize.SourceBinance, sym, model.CSVHeaderOHLC, cfg.CausalRows)
		e.instrumentDispatcher(disp, normalize.SourceBinance, sym)
		fan.sinks = append(fan.sinks, agg)
		aggs = append(aggs, agg)
		targets = append(targets, supervisor.Target{Agg: agg, Sender: disp})
	}

	conn, err := connector.NewBinance(connector.BinanceConfig{
		URL:               cfg.BinanceWSURL,
		Symbols:           cfg.BinanceSymbols,
		Streams:           cfg.BinanceStreams,
		HeartbeatInterval: cfg.HeartbeatInterval,
		ReconnectBase:     cfg.ReconnectBaseDelay,
		ReconnectMax:      cfg.ReconnectMaxDelay,
		MaxAttempts:       cfg.ReconnectMaxAttempts,
		ConnectTimeout:    cfg.ConnectTimeout,
	}, fan)
	if err != nil {
		slog.Warn("binance pipeline skipped", "err", err)
		return supervisor.Pipeline{}, false
	}
	conn.OnReconnect = func() { e.m.Reconnects.WithLabelValues(normalize.SourceBinance).Inc() }

	if cfg.BinanceSeedHistory {
		for _, agg := range aggs {
			history.NewSeeder(agg.Symbol()).Seed(ctx, agg)
			for _, tf := range agg.Timeframes() {
				if buf := agg.Buffer(tf.Label); buf != nil {
					e.m.SeededCandles.WithLabelValues(agg.Symbol(), tf.Label).Add(float64(buf.Size()))
				}
			}
		}
	}

	return supervisor.Pipeline{Name: conn.Name(), Connector: conn, Targets: targets}, true
}

func (e *engine) polygonPipeline() (supervisor.Pipeline, bool) {
	cfg := e.cfg
	if cfg.PolygonAPIKey == "" {
		slog.Warn("polygon pipeline skipped: POLYGON_API_KEY not set")
		return supervisor.Pipeline{}, false
	}
	fan := &tickFan{count: func() { e.m.TicksTotal.WithLabelValues(normalize.SourcePolygon).Inc() }}

	var targets []supervisor.Target
	for _, sym := range cfg.PolygonSymbols {
		agg := aggregate.NewOHLC(sym, normalize.SourcePolygon, e.market)
		e.instrumentOHLC(agg)
		disp := dispatch.New(e.marketClient, normalize.SourcePolygon, sym, model.CSVHeaderOHLC, cfg.CausalRows)
		e.instrumentDispatcher(disp, normalize.SourcePolygon, sym)
		fan.sinks = append(fan.sinks, agg)
		targets = append(targets, supervisor.Target{Agg: agg, Sender: disp})
	}

	conn, err := connector.NewPolygon(connector.PolygonConfig{
		WSURL:             cfg.PolygonWSURL,
		RESTURL:           cfg.PolygonRESTURL,
		APIKey:            cfg.PolygonAPIKey,
		Symbols:           cfg.PolygonSymbols,
		HeartbeatInterval: cfg.HeartbeatInterval,
		ReconnectBase:     cfg.ReconnectBaseDelay,
		ReconnectMax:      cfg.ReconnectMaxDelay,
		MaxAttempts:       cfg.ReconnectMaxAttempts,
		ConnectTimeout:    cfg.ConnectTimeout,
		BackfillEnabled:   cfg.BackfillEnabled,
		GapThreshold:      cfg.BackfillGapThreshold,
		RESTRate:          rate.NewLimiter(rate.Every(200*time.Millisecond), 5),
	}, fan)
	if err != nil {
		slog.Warn("polygon pipeline skipped", "err", err)
		return supervisor.Pipeline{}, false
	}
	conn.OnReconnect = func() { e.m.Reconnects.WithLabelValues(normalize.SourcePolygon).Inc() }
	conn.OnBackfill = func(ticks int) {
		slog.Info("polygon gap backfill replayed", "ticks", ticks)
	}

	return supervisor.Pipeline{Name: conn.Name(), Connector: conn, Targets: targets}, true
}

func (e *engine) accuweatherPipeline() (supervisor.Pipeline, bool) {
	cfg := e.cfg
	if cfg.AccuWeatherAPIKey == "" || cfg.AccuWeatherLocationKey == "" {
		slog.Warn("accuweather pipeline skipped: ACCUWEATHER_API_KEY / ACCUWEATHER_LOCATION_KEY not set")
		return supervisor.Pipeline{}, false
	}

	agg := aggregate.NewUnivariate(cfg.AccuWeatherLocationKey, normalize.SourceAccuWeather, e.weather)
	e.instrumentUnivariate(agg)
	disp := dispatch.New(e.uniClient, normalize.SourceAccuWeather, cfg.AccuWeatherLocationKey, model.CSVHeaderUnivariate, cfg.CausalRows)
	e.instrumentDispatcher(disp, normalize.SourceAccuWeather, cfg.AccuWeatherLocationKey)

	fan := &tickFan{
		count: func() { e.m.TicksTotal.WithLabelValues(normalize.SourceAccuWeather).Inc() },
		sinks: []connector.TickSink{agg},
	}
	conn, err := connector.NewAccuWeather(connector.AccuWeatherConfig{
		BaseURL:      cfg.AccuWeatherBaseURL,
		APIKey:       cfg.AccuWeatherAPIKey,
		LocationKey:  cfg.AccuWeatherLocationKey,
		PollInterval: cfg.AccuWeatherPollInterval,
		MaxRetries:   cfg.PollMaxRetries,
		RetryDelay:   cfg.PollRetryDelay,
		RESTRate:     rate.NewLimiter(rate.Every(time.Second), 1),
	}, fan)
	if err != nil {
		slog.Warn("accuweather pipeline skipped", "err", err)
		return supervisor.Pipeline{}, false
	}

	return supervisor.Pipeline{
		Name:      conn.Name(),
		Connector: conn,
		Targets:   []supervisor.Target{{Agg: agg, Sender: disp}},
	}, true
}

func (e *engine) bloombergPipeline() (supervisor.Pipeline, bool) {
	cfg := e.cfg
	fan := &tickFan{count: func() { e.m.TicksTotal.WithLabelValues(normalize.SourceBloomberg).Inc() }}

	var targets []supervisor.Target
	for _, sec := range cfg.BloombergSecurities {
		agg := aggregate.NewOHLC(sec, normalize.SourceBloomberg, e.market)
		e.instrumentOHLC(agg)
		disp := dispatch.New(e.marketClient, normalize.SourceBloomberg, sec, model.CSVHeaderOHLC, cfg.CausalRows)
		e.instrumentDispatcher(disp, normalize.SourceBloomberg, sec)
		fan.sinks = append(fan.sinks, agg)
		targets = append(targets, supervisor.Target{Agg: agg, Sender: disp})
	}

	conn, err := connector.NewBloomberg(connector.BloombergConfig{
		Host:       cfg.BloombergHost,
		Port:       cfg.BloombergPort,
		Securities: cfg.BloombergSecurities,
	}, fan)
	if err != nil {
		slog.Warn("bloomberg pipeline skipped", "err", err)
		return supervisor.Pipeline{}, false
	}
	e.bloomberg = conn

	return supervisor.Pipeline{Name: conn.Name(), Connector: conn, Targets: targets}, true
}

// instrumentOHLC wires the aggregator's hooks into metrics and the
// fan-out.
func (e *engine) instrumentOHLC(agg *aggregate.OHLC) {
	source, symbol := agg.Source(), agg.Symbol()
	agg.OnForeignTick = func() { e.m.ForeignTicks.WithLabelValues(source).Inc() }
	agg.OnRejectedPush = func(tfLabel string) {
		e.m.BufferRejects.WithLabelValues(source, symbol, tfLabel).Inc()
	}
	agg.OnComplete(func(rec model.Record, tf model.Timeframe) {
		e.m.CandlesTotal.WithLabelValues(source, tf.Label).Inc()
		if buf := agg.Buffer(tf.Label); buf != nil {
			e.m.BufferSize.WithLabelValues(source, symbol, tf.Label).Set(float64(buf.Size()))
		}
		e.emit(model.Event{Source: source, Symbol: symbol, TF: tf.Label, TFSeconds: tf.Seconds, Record: rec})
	})
}

func (e *engine) instrumentUnivariate(agg *aggregate.Univariate) {
	source, symbol := agg.Source(), agg.Symbol()
	agg.OnForeignTick = func() { e.m.ForeignTicks.WithLabelValues(source).Inc() }
	agg.OnRejectedPush = func(tfLabel string) {
		e.m.BufferRejects.WithLabelValues(source, symbol, tfLabel).Inc()
	}
	agg.OnComplete(func(rec model.Record, tf model.Timeframe) {
		e.m.CandlesTotal.WithLabelValues(source, tf.Label).Inc()
		if buf := agg.Buffer(tf.Label); buf != nil {
			e.m.BufferSize.WithLabelValues(source, symbol, tf.Label).Set(float64(buf.Size()))
		}
		e.emit(model.Event{Source: source, Symbol: symbol, TF: tf.Label, TFSeconds: tf.Seconds, Record: rec})
	})
}

// instrumentDispatcher wires dispatch metrics and the signal sinks.
func (e *engine) instrumentDispatcher(d *dispatch.Dispatcher, source, symbol string) {
	d.OnDispatch = func(tfLabel string, ok bool, latency time.Duration) {
		outcome := "ok"
		if !ok {
			outcome = "error"
		}
		e.m.DispatchTotal.WithLabelValues(source, symbol, tfLabel, outcome).Inc()
		e.m.DispatchDur.Observe(latency.Seconds())
	}
	d.OnSignal(func(sig model.ChainSignal) {
		e.m.ChainSignals.WithLabelValues(sig.Source, sig.Symbol, sig.TF, sig.Direction()).Inc()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if e.pub != nil {
			if err := e.pub.PublishSignal(ctx, sig); err != nil {
				e.m.PublishErrors.Inc()
			}
		}
		if sig.ChainDetected != 0 {
			title := fmt.Sprintf("chain detected: %s %s %s", sig.Source, sig.Symbol, sig.TF)
			msg := fmt.Sprintf("direction=%s window=%s", sig.Direction(), sig.Datetime.Format(time.RFC3339))
			if err := e.notifier.Notify(ctx, title, msg); err != nil {
				slog.Warn("notify failed", "err", err)
			}
		}
	})
}

// buildNotifier assembles the alert chain from the configured channels,
// falling back to the process log.
func buildNotifier(cfg *config.Config) model.Notifier {
	var backends []model.Notifier
	if cfg.WebhookURL != "" {
		backends = append(backends, notification.NewWebhookNotifier(cfg.WebhookURL))
	}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		backends = append(backends, notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID))
	}
	if len(backends) == 0 {
		return notification.NewLogNotifier()
	}
	return notification.NewMulti(backends...)
}

// tickFan forwards each tick to every per-symbol aggregator; aggregators
// drop ticks that are not theirs.
type tickFan struct {
	sinks []connector.TickSink
	count func()
}

func (f *tickFan) AddTick(t model.Tick) {
	if f.count != nil {
		f.count()
	}
	for _, s := range f.sinks {
		s.AddTick(t)
	}
}
