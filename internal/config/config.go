// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes settings for the HTTP
// server, logging, the conversation store, the listing cache, the dispatch
// queue, the generation worker and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "chatroom-backend")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// RedisConfig is shared by the redis cache and queue backends.
type RedisConfig struct {
	Addr     string // REDIS_ADDR
	Password string // REDIS_PASSWORD
	DB       int    // REDIS_DB
}

// CacheConfig selects and tunes the chatroom listing cache.
type CacheConfig struct {
	Backend string        // redis|badger|none
	TTL     time.Duration // CACHE_TTL
}

// QueueConfig selects and tunes the dispatch queue.
type QueueConfig struct {
	Backend           string        // badger|redis
	BadgerPath        string        // BADGER_PATH, "" = in-memory
	VisibilityTimeout time.Duration // lease length before redelivery
	MaxAttempts       int           // deliveries before dead-lettering
	RetryBackoff      time.Duration // base delay, doubled per attempt
	PollInterval      time.Duration // idle wait between empty claims
}

// ModelConfig configures the generation model provider.
type ModelConfig struct {
	Provider string        // googleai|openai|echo
	Name     string        // MODEL_NAME
	APIKey   string        // MODEL_API_KEY
	BaseURL  string        // MODEL_BASE_URL (openai-compatible endpoints)
	Timeout  time.Duration // per call
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test
	RunMode           string        // all|api|worker

	// Logging
	LogLevel    string // debug|info|warn|error|fatal|panic
	LogPretty   bool   // pretty console logs in dev
	APIBasePath string // base path for API routes

	// Store
	DBDriver    string // sqlite|postgres
	DBPath      string // SQLite path
	DatabaseURL string // Postgres DSN

	// Quota / admission
	BasicDailyLimit int // sends per UTC day for the Basic tier
	MaxPromptRunes  int // max message length after normalization

	// Rate limiting (edge, per client)
	RateRPS      float64 // tokens per second (>= 0)
	RateBurst    int     // bucket size (>= 1)
	RateProRPS   float64 // Pro tier tokens per second
	RateProBurst int     // Pro tier bucket size

	// Auth
	JWTSecret     string // HS256 signing secret for caller tokens
	InternalToken string // shared secret for /internal routes

	// Pipeline
	Redis             RedisConfig
	Cache             CacheConfig
	Queue             QueueConfig
	Model             ModelConfig
	WorkerConcurrency int

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency
	IdempotencyTTL time.Duration // how long a given Idempotency-Key is valid

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),
		RunMode:           strings.ToLower(getenv("RUN_MODE", "all")),

		// Logging
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:   getbool("LOG_PRETTY", false),
		APIBasePath: normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// Store
		DBDriver:    strings.ToLower(getenv("DB_DRIVER", "sqlite")),
		DBPath:      getenv("DB_PATH", "app.db"),
		DatabaseURL: getenv("DATABASE_URL", ""),

		// Quota / admission
		BasicDailyLimit: getint("BASIC_DAILY_LIMIT", 5),
		MaxPromptRunes:  getint("MAX_PROMPT_RUNES", 4000),

		// Rate limiting
		RateRPS:      getfloat("RATE_RPS", 5.0),
		RateBurst:    getint("RATE_BURST", 10),
		RateProRPS:   getfloat("RATE_PRO_RPS", 20.0),
		RateProBurst: getint("RATE_PRO_BURST", 40),

		// Auth
		JWTSecret:     getenv("JWT_SECRET", ""),
		InternalToken: getenv("INTERNAL_TOKEN", ""),

		// Pipeline
		Redis: RedisConfig{
			Addr:     getenv("REDIS_ADDR", "localhost:6379"),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getint("REDIS_DB", 0),
		},
		Cache: CacheConfig{
			Backend: strings.ToLower(getenv("CACHE_BACKEND", "badger")),
			TTL:     getdur("CACHE_TTL", 300*time.Second),
		},
		Queue: QueueConfig{
			Backend:           strings.ToLower(getenv("QUEUE_BACKEND", "badger")),
			BadgerPath:        getenv("BADGER_PATH", "data/badger"),
			VisibilityTimeout: getdur("QUEUE_VISIBILITY_TIMEOUT", 2*time.Minute),
			MaxAttempts:       getint("QUEUE_MAX_ATTEMPTS", 3),
			RetryBackoff:      getdur("QUEUE_RETRY_BACKOFF", 2*time.Second),
			PollInterval:      getdur("QUEUE_POLL_INTERVAL", 500*time.Millisecond),
		},
		Model: ModelConfig{
			Provider: strings.ToLower(getenv("MODEL_PROVIDER", "googleai")),
			Name:     getenv("MODEL_NAME", "gemini-2.5-flash"),
			APIKey:   getenv("MODEL_API_KEY", ""),
			BaseURL:  getenv("MODEL_BASE_URL", ""),
			Timeout:  getdur("MODEL_TIMEOUT", 30*time.Second),
		},
		WorkerConcurrency: getint("WORKER_CONCURRENCY", 4),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Idempotency
		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "chatroom-backend"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	switch cfg.RunMode {
	case "all", "api", "worker":
	default:
		return cfg, errors.New("RUN_MODE must be one of: all, api, worker")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	switch cfg.DBDriver {
	case "sqlite":
		if strings.TrimSpace(cfg.DBPath) == "" {
			return cfg, errors.New("DB_PATH must not be empty")
		}
	case "postgres":
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return cfg, errors.New("DATABASE_URL must be set when DB_DRIVER=postgres")
		}
	default:
		return cfg, errors.New("DB_DRIVER must be one of: sqlite, postgres")
	}
	if cfg.BasicDailyLimit < 1 {
		return cfg, errors.New("BASIC_DAILY_LIMIT must be >= 1")
	}
	if cfg.MaxPromptRunes < 1 {
		return cfg, errors.New("MAX_PROMPT_RUNES must be >= 1")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.RateProRPS < 0 || cfg.RateProBurst < 1 {
		return cfg, errors.New("RATE_PRO_RPS must be >= 0 and RATE_PRO_BURST >= 1")
	}
	switch cfg.Cache.Backend {
	case "redis", "badger", "none":
	default:
		return cfg, errors.New("CACHE_BACKEND must be one of: redis, badger, none")
	}
	if cfg.Cache.TTL <= 0 {
		return cfg, errors.New("CACHE_TTL must be > 0")
	}
	switch cfg.Queue.Backend {
	case "redis":
	case "badger":
		if cfg.RunMode != "all" {
			return cfg, errors.New("QUEUE_BACKEND=badger requires RUN_MODE=all")
		}
	default:
		return cfg, errors.New("QUEUE_BACKEND must be one of: badger, redis")
	}
	if cfg.Queue.VisibilityTimeout <= 0 || cfg.Queue.RetryBackoff <= 0 || cfg.Queue.PollInterval <= 0 {
		return cfg, errors.New("queue durations must be positive")
	}
	if cfg.Queue.MaxAttempts < 1 {
		return cfg, errors.New("QUEUE_MAX_ATTEMPTS must be >= 1")
	}
	switch cfg.Model.Provider {
	case "googleai", "openai", "echo":
	default:
		return cfg, errors.New("MODEL_PROVIDER must be one of: googleai, openai, echo")
	}
	if cfg.Model.Timeout <= 0 {
		return cfg, errors.New("MODEL_TIMEOUT must be > 0")
	}
	if cfg.WorkerConcurrency < 1 {
		return cfg, errors.New("WORKER_CONCURRENCY must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
