// Package config loads runtime settings from environment variables:
// env-var driven with typed fallback helpers, no file format is parsed
// (configuration file parsing is out of scope for this system).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// RateLimit is the sliding-window admission limit for one request kind.
type RateLimit struct {
	Limit  int
	Window time.Duration
}

// Config contains all runtime settings for the exhibit guide orchestrator.
type Config struct {
	BindAddr        string
	ShutdownTimeout time.Duration

	MetricsNamespace string

	// Cleaner (C4) thresholds.
	MinChunkSize int
	SoftMin      int
	MaxChunkSize int

	// TTS dispatch (C6) bounded in-flight pool.
	TTSMaxInFlight  int
	PipelineQueueSize int

	// Tour prefetch (C8) lookahead window.
	PrefetchWindow int

	// Request deadlines and per-stage soft timeouts (§5).
	RequestDeadline     time.Duration
	ASRSoftTimeout      time.Duration
	RAGFirstByteTimeout time.Duration
	RAGInterByteTimeout time.Duration
	TTSFirstByteTimeout time.Duration

	// Rate limits per endpoint kind (§4.2 defaults).
	RateLimitAsk         RateLimit
	RateLimitAskPrefetch RateLimit
	RateLimitASR         RateLimit
	RateLimitTTS         RateLimit

	// Event store (C3) retention.
	EventRetentionPerRequest int

	// SSE heartbeat cadence (§6, Open Question default).
	HeartbeatInterval time.Duration

	// Tour interrupt resume semantics (§9 Open Question default).
	DefaultResumeMode string

	// TTS provider selection (C5).
	TTSProvider   string
	TTSFallback   string

	// Event export backend (optional Postgres sink for C3).
	EventStoreDSN string

	MinWordsToInterrupt int

	// Default voice selection (C5), overridden per-request via AskOptions.Style.
	DefaultVoiceID   string
	DefaultLanguage  string
	DefaultVoiceRate float64
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("EXHIBIT_BIND_ADDR", ":8080"),
		ShutdownTimeout:  15 * time.Second,
		MetricsNamespace: envOrDefault("EXHIBIT_METRICS_NAMESPACE", "exhibit_guide"),

		MinChunkSize: 40,
		SoftMin:      80,
		MaxChunkSize: 260,

		TTSMaxInFlight:    2,
		PipelineQueueSize: 16,

		PrefetchWindow: 2,

		RequestDeadline:     120 * time.Second,
		ASRSoftTimeout:      10 * time.Second,
		RAGFirstByteTimeout: 8 * time.Second,
		RAGInterByteTimeout: 5 * time.Second,
		TTSFirstByteTimeout: 6 * time.Second,

		RateLimitAsk:         RateLimit{Limit: 30, Window: time.Minute},
		RateLimitAskPrefetch: RateLimit{Limit: 120, Window: time.Minute},
		RateLimitASR:         RateLimit{Limit: 6, Window: 3 * time.Second},
		RateLimitTTS:         RateLimit{Limit: 60, Window: time.Minute},

		EventRetentionPerRequest: 256,
		HeartbeatInterval:        15 * time.Second,
		DefaultResumeMode:        "restart",

		TTSProvider: envOrDefault("EXHIBIT_TTS_PROVIDER", "cloud_cosyvoice"),
		TTSFallback: envOrDefault("EXHIBIT_TTS_FALLBACK", ""),

		EventStoreDSN: stringsTrimSpace("EXHIBIT_EVENT_STORE_DSN"),

		MinWordsToInterrupt: 1,

		DefaultVoiceID:   envOrDefault("EXHIBIT_DEFAULT_VOICE_ID", "F1"),
		DefaultLanguage:  envOrDefault("EXHIBIT_DEFAULT_LANGUAGE", "zh"),
		DefaultVoiceRate: 1.0,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("EXHIBIT_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.MinChunkSize, err = intFromEnv("EXHIBIT_MIN_CHUNK_SIZE", cfg.MinChunkSize)
	if err != nil {
		return Config{}, err
	}
	cfg.SoftMin, err = intFromEnv("EXHIBIT_SOFT_MIN", cfg.SoftMin)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxChunkSize, err = intFromEnv("EXHIBIT_MAX_CHUNK_SIZE", cfg.MaxChunkSize)
	if err != nil {
		return Config{}, err
	}
	cfg.TTSMaxInFlight, err = intFromEnv("EXHIBIT_TTS_MAX_INFLIGHT", cfg.TTSMaxInFlight)
	if err != nil {
		return Config{}, err
	}
	cfg.PrefetchWindow, err = intFromEnv("EXHIBIT_PREFETCH_WINDOW", cfg.PrefetchWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.RequestDeadline, err = durationFromEnv("EXHIBIT_REQUEST_DEADLINE", cfg.RequestDeadline)
	if err != nil {
		return Config{}, err
	}
	cfg.HeartbeatInterval, err = durationFromEnv("EXHIBIT_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.DefaultResumeMode = envOrDefault("EXHIBIT_TOUR_RESUME_MODE", cfg.DefaultResumeMode)

	if cfg.MinChunkSize <= 0 || cfg.SoftMin < cfg.MinChunkSize || cfg.MaxChunkSize < cfg.SoftMin {
		return Config{}, fmt.Errorf("invalid chunk thresholds: min=%d soft_min=%d max=%d", cfg.MinChunkSize, cfg.SoftMin, cfg.MaxChunkSize)
	}
	if cfg.TTSMaxInFlight <= 0 {
		return Config{}, fmt.Errorf("EXHIBIT_TTS_MAX_INFLIGHT must be positive")
	}
	if cfg.PrefetchWindow < 0 {
		return Config{}, fmt.Errorf("EXHIBIT_PREFETCH_WINDOW must be >= 0")
	}
	if cfg.DefaultResumeMode != "restart" && cfg.DefaultResumeMode != "continue" {
		return Config{}, fmt.Errorf("EXHIBIT_TOUR_RESUME_MODE must be restart or continue")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}
