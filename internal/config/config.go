// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes application settings
// such as server timeouts, logging, database paths, dispatch worker pools,
// retry/backoff policy, conversation thresholds, and observability.
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
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "go-comms-backend")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// ChannelConfig sizes one delivery channel's worker pool and retry policy.
// External senders have different rate limits and failure modes, so every
// channel gets its own numbers rather than a shared subclassed base.
type ChannelConfig struct {
	Workers    int     // concurrent workers in the pool
	BatchSize  int     // max items claimed per loop iteration
	MaxRetries int     // default max_retries for items on this channel
	RateRPS    float64 // sender calls per second (0 = unlimited)
	RateBurst  int     // sender burst size
}

// DispatchConfig groups queue/dispatch settings shared by all channels.
type DispatchConfig struct {
	Email ChannelConfig
	Push  ChannelConfig
	InApp ChannelConfig
	SMS   ChannelConfig

	ClaimTimeout time.Duration // lease age after which a claim is reclaimable
	PollInterval time.Duration // idle sleep between empty claim batches
	BackoffBase  time.Duration // first retry delay; grows as base·2^n
	BackoffCap   time.Duration // ceiling on the retry delay
	SendTimeout  time.Duration // per-call deadline against the external sender
}

// ConversationConfig tunes the assistant's decision pipeline.
type ConversationConfig struct {
	ConfidenceThreshold   float64       // classified intents below this escalate to a human
	FallbackEscalateAfter int           // consecutive fallbacks before escalation
	AbandonAfter          time.Duration // inactivity before the sweep abandons
	FallbackLanguage      string        // BCP 47 tag used when no language match
	MaxPromptRunes        int           // user message length cap
	AgentQueueID          string        // recipient id for agent-queue escalation notifications
}

// SweepConfig holds the cron specs for background maintenance jobs.
type SweepConfig struct {
	AbandonSpec string // e.g. "*/5 * * * *"
	ReclaimSpec string // e.g. "* * * * *"
	FlushSpec   string // article counter flush, e.g. "* * * * *"
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
	LogLevel  string // debug|info|warn|error|fatal|panic
	LogPretty bool   // pretty console logs in dev

	// App
	DBPath      string // SQLite path
	APIBasePath string // base path for API routes

	// Subsystems
	Dispatch     DispatchConfig
	Conversation ConversationConfig
	Sweep        SweepConfig

	// HTTP rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

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

		// Logging
		LogLevel:  strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty: getbool("LOG_PRETTY", false),

		// App
		DBPath:      getenv("DB_PATH", "comms.db"),
		APIBasePath: normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		Dispatch: DispatchConfig{
			Email: channelFromEnv("EMAIL", ChannelConfig{Workers: 4, BatchSize: 20, MaxRetries: 5, RateRPS: 10, RateBurst: 20}),
			Push:  channelFromEnv("PUSH", ChannelConfig{Workers: 8, BatchSize: 50, MaxRetries: 3, RateRPS: 50, RateBurst: 100}),
			InApp: channelFromEnv("INAPP", ChannelConfig{Workers: 4, BatchSize: 50, MaxRetries: 3, RateRPS: 0, RateBurst: 1}),
			SMS:   channelFromEnv("SMS", ChannelConfig{Workers: 2, BatchSize: 10, MaxRetries: 4, RateRPS: 5, RateBurst: 5}),

			ClaimTimeout: getdur("CLAIM_TIMEOUT", 5*time.Minute),
			PollInterval: getdur("POLL_INTERVAL", 2*time.Second),
			BackoffBase:  getdur("BACKOFF_BASE", 30*time.Second),
			BackoffCap:   getdur("BACKOFF_CAP", 30*time.Minute),
			SendTimeout:  getdur("SEND_TIMEOUT", 15*time.Second),
		},

		Conversation: ConversationConfig{
			ConfidenceThreshold:   getfloat("CONFIDENCE_THRESHOLD", 0.45),
			FallbackEscalateAfter: getint("FALLBACK_ESCALATE_AFTER", 2),
			AbandonAfter:          getdur("CONVERSATION_ABANDON_AFTER", 30*time.Minute),
			FallbackLanguage:      getenv("FALLBACK_LANGUAGE", "en"),
			MaxPromptRunes:        getint("MAX_PROMPT_RUNES", 2000),
			AgentQueueID:          getenv("AGENT_QUEUE_ID", "support-queue"),
		},

		Sweep: SweepConfig{
			AbandonSpec: getenv("SWEEP_ABANDON_SPEC", "*/5 * * * *"),
			ReclaimSpec: getenv("SWEEP_RECLAIM_SPEC", "* * * * *"),
			FlushSpec:   getenv("SWEEP_FLUSH_SPEC", "* * * * *"),
		},

		// HTTP rate limiting
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

		// Idempotency
		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-comms-backend"),
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
	for _, ch := range []ChannelConfig{cfg.Dispatch.Email, cfg.Dispatch.Push, cfg.Dispatch.InApp, cfg.Dispatch.SMS} {
		if ch.Workers < 1 || ch.BatchSize < 1 {
			return cfg, errors.New("channel workers and batch size must be >= 1")
		}
		if ch.MaxRetries < 0 {
			return cfg, errors.New("channel max retries must be >= 0")
		}
		if ch.RateRPS < 0 {
			return cfg, errors.New("channel rate must be >= 0")
		}
	}
	if cfg.Dispatch.ClaimTimeout <= 0 {
		return cfg, errors.New("CLAIM_TIMEOUT must be > 0")
	}
	if cfg.Dispatch.BackoffBase <= 0 || cfg.Dispatch.BackoffCap < cfg.Dispatch.BackoffBase {
		return cfg, errors.New("BACKOFF_BASE must be > 0 and BACKOFF_CAP >= BACKOFF_BASE")
	}
	if cfg.Dispatch.SendTimeout <= 0 {
		return cfg, errors.New("SEND_TIMEOUT must be > 0")
	}
	if cfg.Conversation.ConfidenceThreshold < 0 || cfg.Conversation.ConfidenceThreshold > 1 {
		return cfg, errors.New("CONFIDENCE_THRESHOLD must be between 0 and 1")
	}
	if cfg.Conversation.FallbackEscalateAfter < 1 {
		return cfg, errors.New("FALLBACK_ESCALATE_AFTER must be >= 1")
	}
	if cfg.Conversation.AbandonAfter <= 0 {
		return cfg, errors.New("CONVERSATION_ABANDON_AFTER must be > 0")
	}
	if strings.TrimSpace(cfg.Conversation.FallbackLanguage) == "" {
		return cfg, errors.New("FALLBACK_LANGUAGE must not be empty")
	}
	if strings.TrimSpace(cfg.Conversation.AgentQueueID) == "" {
		return cfg, errors.New("AGENT_QUEUE_ID must not be empty")
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

// channelFromEnv reads one channel's settings using a common prefix, e.g.
// EMAIL_WORKERS, EMAIL_BATCH_SIZE, EMAIL_MAX_RETRIES, EMAIL_RATE_RPS,
// EMAIL_RATE_BURST.
func channelFromEnv(prefix string, def ChannelConfig) ChannelConfig {
	return ChannelConfig{
		Workers:    getint(prefix+"_WORKERS", def.Workers),
		BatchSize:  getint(prefix+"_BATCH_SIZE", def.BatchSize),
		MaxRetries: getint(prefix+"_MAX_RETRIES", def.MaxRetries),
		RateRPS:    getfloat(prefix+"_RATE_RPS", def.RateRPS),
		RateBurst:  getint(prefix+"_RATE_BURST", def.RateBurst),
	}
}

// ChannelFor returns the per-channel config for the given channel name.
// Unknown names fall back to the in-app settings (the cheapest channel).
func (d DispatchConfig) ChannelFor(name string) ChannelConfig {
	switch name {
	case "email":
		return d.Email
	case "push":
		return d.Push
	case "sms":
		return d.SMS
	default:
		return d.InApp
	}
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
