// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes the guardrail
// settings (confidence tiers, idempotency cache sizing, matcher timeout,
// budget sweep cadence) together with server, logging, and observability
// settings.
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
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "go-reply-guard")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// GuardrailConfig groups the decision-pipeline knobs. The two tier
// thresholds are boundary-inclusive: a score equal to AutoThreshold is
// auto-reply tier, a score equal to SuggestThreshold is suggest tier.
type GuardrailConfig struct {
	AutoThreshold    float64       // GUARD_AUTO_THRESHOLD, default 0.85
	SuggestThreshold float64       // GUARD_SUGGEST_THRESHOLD, default 0.70
	MatchTopK        int           // GUARD_MATCH_TOPK, default 3
	MatcherTimeout   time.Duration // GUARD_MATCHER_TIMEOUT, default 1s

	CacheSize     int           // GUARD_CACHE_SIZE, default 1000
	CacheTTL      time.Duration // GUARD_CACHE_TTL, default 5m
	CacheSweep    time.Duration // GUARD_CACHE_SWEEP, default 60s
	BudgetSweep   time.Duration // GUARD_BUDGET_SWEEP, default 1h
	EmbeddingDims int           // GUARD_EMBEDDING_DIMS, default 256

	AutoReplyCostCents  int64 // BILL_AUTO_REPLY_CENTS, default 5
	SuggestionCostCents int64 // BILL_SUGGESTION_CENTS, default 1
	DailyBudgetCents    int64 // BUDGET_DAILY_LIMIT_CENTS, default 10000
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

	// Logging
	LogLevel    string // debug|info|warn|error|fatal|panic
	LogPretty   bool   // pretty console logs in dev
	APIBasePath string // base path for API routes

	// App
	DBPath    string // SQLite path
	Guardrail GuardrailConfig

	// Edge rate limiting (HTTP, token bucket)
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency records (persistent layer under the in-memory cache)
	IdempotencyTTL time.Duration

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

		// Logging
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:   getbool("LOG_PRETTY", false),
		APIBasePath: normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// App
		DBPath: getenv("DB_PATH", "app.db"),
		Guardrail: GuardrailConfig{
			AutoThreshold:    getfloat("GUARD_AUTO_THRESHOLD", 0.85),
			SuggestThreshold: getfloat("GUARD_SUGGEST_THRESHOLD", 0.70),
			MatchTopK:        getint("GUARD_MATCH_TOPK", 3),
			MatcherTimeout:   getdur("GUARD_MATCHER_TIMEOUT", time.Second),
			CacheSize:        getint("GUARD_CACHE_SIZE", 1000),
			CacheTTL:         getdur("GUARD_CACHE_TTL", 5*time.Minute),
			CacheSweep:       getdur("GUARD_CACHE_SWEEP", 60*time.Second),
			BudgetSweep:      getdur("GUARD_BUDGET_SWEEP", time.Hour),
			EmbeddingDims:    getint("GUARD_EMBEDDING_DIMS", 256),

			AutoReplyCostCents:  int64(getint("BILL_AUTO_REPLY_CENTS", 5)),
			SuggestionCostCents: int64(getint("BILL_SUGGESTION_CENTS", 1)),
			DailyBudgetCents:    int64(getint("BUDGET_DAILY_LIMIT_CENTS", 10000)),
		},

		// Edge rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Idempotency persistence
		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-reply-guard"),
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
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	g := cfg.Guardrail
	if g.AutoThreshold < 0 || g.AutoThreshold > 1 {
		return cfg, errors.New("GUARD_AUTO_THRESHOLD must be between 0 and 1")
	}
	if g.SuggestThreshold < 0 || g.SuggestThreshold > g.AutoThreshold {
		return cfg, errors.New("GUARD_SUGGEST_THRESHOLD must be between 0 and GUARD_AUTO_THRESHOLD")
	}
	if g.MatchTopK < 1 {
		return cfg, errors.New("GUARD_MATCH_TOPK must be >= 1")
	}
	if g.MatcherTimeout <= 0 {
		return cfg, errors.New("GUARD_MATCHER_TIMEOUT must be > 0")
	}
	if g.CacheSize < 1 {
		return cfg, errors.New("GUARD_CACHE_SIZE must be >= 1")
	}
	if g.CacheTTL <= 0 || g.CacheSweep <= 0 || g.BudgetSweep <= 0 {
		return cfg, errors.New("guardrail TTLs and sweep intervals must be > 0")
	}
	if g.AutoReplyCostCents < 0 || g.SuggestionCostCents < 0 || g.DailyBudgetCents < 0 {
		return cfg, errors.New("billing costs and the daily budget must be >= 0")
	}
	if g.EmbeddingDims < 1 {
		return cfg, errors.New("GUARD_EMBEDDING_DIMS must be >= 1")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
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
