package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// ConnectorKind selects which pipelines the engine runs.
type ConnectorKind string

const (
	KindPolygon     ConnectorKind = "polygon"
	KindBinance     ConnectorKind = "binance"
	KindAccuWeather ConnectorKind = "accuweather"
	KindBloomberg   ConnectorKind = "bloomberg"
	KindBoth        ConnectorKind = "both" // polygon + binance
	KindAll         ConnectorKind = "all"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	ServiceName string
	LogLevel    string

	// Causal service
	CausalAPIURL           string
	CausalAPIKey           string
	CausalAPIUnivariateURL string
	CausalRows             int

	// Which pipelines to run
	Kind ConnectorKind

	// Polygon
	PolygonAPIKey  string
	PolygonSymbols []string
	PolygonWSURL   string
	PolygonRESTURL string

	// Binance
	BinanceWSURL       string
	BinanceSymbols     []string
	BinanceStreams     []string
	BinanceSeedHistory bool

	// AccuWeather
	AccuWeatherAPIKey       string
	AccuWeatherLocationKey  string
	AccuWeatherBaseURL      string
	AccuWeatherPollInterval time.Duration

	// Bloomberg-style subscription session
	BloombergHost       string
	BloombergPort       int
	BloombergSecurities []string

	// Cadences and reconnect tuning
	DispatchInterval     time.Duration
	HealthInterval       time.Duration
	HeartbeatInterval    time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectMaxAttempts int
	ConnectTimeout       time.Duration
	PollMaxRetries       int
	PollRetryDelay       time.Duration
	BackfillEnabled      bool
	BackfillGapThreshold time.Duration

	// Buffers and timeframes
	BufferCapacity int
	TFNetworkFile  string
	MarketTFs      string
	WeatherTFs     string

	// Optional sinks
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	WebhookURL    string
	MetricsAddr   string

	// Optional Telegram alerts
	TelegramBotToken string
	TelegramChatID   string
}

// Load reads configuration from environment variables with sensible defaults.
// Only the causal endpoint is fatal when missing; per-source credentials are
// checked at pipeline construction so one missing key skips that source.
func Load() *Config {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "causalfeed"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		CausalAPIURL:           mustEnv("CAUSAL_API_URL"),
		CausalAPIKey:           getEnv("CAUSAL_API_KEY", ""),
		CausalAPIUnivariateURL: getEnv("CAUSAL_API_UNIVARIATE_URL", ""),
		CausalRows:             getEnvInt("CAUSAL_ROWS", 5000),

		Kind: ConnectorKind(strings.ToLower(getEnv("CONNECTOR_KIND", "all"))),

		PolygonAPIKey:  getEnv("POLYGON_API_KEY", ""),
		PolygonSymbols: splitCSV(getEnv("POLYGON_SYMBOLS", "AAPL")),
		PolygonWSURL:   getEnv("POLYGON_WS_URL", "wss://socket.polygon.io/stocks"),
		PolygonRESTURL: getEnv("POLYGON_REST_URL", "https://api.polygon.io"),

		BinanceWSURL:       getEnv("BINANCE_WS_URL", "wss://stream.binance.com:9443"),
		BinanceSymbols:     splitCSV(strings.ToLower(getEnv("BINANCE_SYMBOLS", "btcusdt"))),
		BinanceStreams:     splitCSV(strings.ToLower(getEnv("BINANCE_STREAMS", "trade"))),
		BinanceSeedHistory: getEnvBool("BINANCE_SEED_HISTORY", false),

		AccuWeatherAPIKey:       getEnv("ACCUWEATHER_API_KEY", ""),
		AccuWeatherLocationKey:  getEnv("ACCUWEATHER_LOCATION_KEY", ""),
		AccuWeatherBaseURL:      getEnv("ACCUWEATHER_BASE_URL", "https://dataservice.accuweather.com"),
		AccuWeatherPollInterval: getEnvDuration("ACCUWEATHER_POLL_INTERVAL", 5*time.Minute),

		BloombergHost:       getEnv("BLOOMBERG_HOST", "localhost"),
		BloombergPort:       getEnvInt("BLOOMBERG_PORT", 8194),
		BloombergSecurities: splitCSV(getEnv("BLOOMBERG_SECURITIES", "IBM US Equity")),

		DispatchInterval:     getEnvDuration("DISPATCH_INTERVAL", 60*time.Second),
		HealthInterval:       getEnvDuration("HEALTH_INTERVAL", 30*time.Second),
		HeartbeatInterval:    getEnvDuration("HEARTBEAT_INTERVAL", 30*time.Second),
		ReconnectBaseDelay:   getEnvDuration("RECONNECT_BASE_DELAY", 2*time.Second),
		ReconnectMaxDelay:    getEnvDuration("RECONNECT_MAX_DELAY", 60*time.Second),
		ReconnectMaxAttempts: getEnvInt("RECONNECT_MAX_ATTEMPTS", 10),
		ConnectTimeout:       getEnvDuration("CONNECT_TIMEOUT", 10*time.Second),
		PollMaxRetries:       getEnvInt("POLL_MAX_RETRIES", 3),
		PollRetryDelay:       getEnvDuration("POLL_RETRY_DELAY", 5*time.Second),
		BackfillEnabled:      getEnvBool("BACKFILL_ENABLED", true),
		BackfillGapThreshold: getEnvDuration("BACKFILL_GAP_THRESHOLD", 60*time.Second),

		BufferCapacity: getEnvInt("BUFFER_CAPACITY", 5000),
		TFNetworkFile:  getEnv("TF_NETWORK_FILE", ""),
		MarketTFs:      getEnv("MARKET_TFS", ""),
		WeatherTFs:     getEnv("WEATHER_TFS", ""),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		WebhookURL:    getEnv("WEBHOOK_URL", ""),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9100"),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),
	}

	if err := cfg.Kind.Validate(); err != nil {
		log.Fatalf("[config] %v", err)
	}
	return cfg
}

// Validate checks the selector against the known kinds.
func (k ConnectorKind) Validate() error {
	switch k {
	case KindPolygon, KindBinance, KindAccuWeather, KindBloomberg, KindBoth, KindAll:
		return nil
	}
	return fmt.Errorf("invalid CONNECTOR_KIND %q (want polygon|binance|accuweather|bloomberg|both|all)", string(k))
}

// Includes reports whether the selector enables the given source.
func (k ConnectorKind) Includes(source ConnectorKind) bool {
	switch k {
	case KindAll:
		return true
	case KindBoth:
		return source == KindPolygon || source == KindBinance
	default:
		return k == source
	}
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("[config] required env var %s not set", key)
	}
	return v
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] %s=%q is not an integer, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("[config] %s=%q is not a boolean, using %v", key, v, fallback)
		return fallback
	}
	return b
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("[config] %s=%q is not a duration, using %s", key, v, fallback)
		return fallback
	}
	return d
}
