package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the call bridge.
type Config struct {
	BindAddr         string
	PublicHost       string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	ModelWSURL      string
	ModelAPIKey     string
	ModelVoice      string
	ModelName       string
	ModelDialRetry  int
	BlockingDeadline time.Duration

	RegistryTTL             time.Duration
	RegistryJanitorInterval time.Duration

	DefaultAgentName   string
	DefaultOpeningLine string
	DefaultGoal        string
	DefaultTone        string

	// Hand-tuned heuristics; overridable because the defaults are neither
	// exhaustive nor guaranteed correct.
	CustomerPhrases []string
	NameDenyList    []string

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		PublicHost:       trimEnv("APP_PUBLIC_HOST"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "pitchline"),
		AllowAnyOrigin:   false,

		ModelWSURL:     envOrDefault("MODEL_WS_URL", "wss://api.openai.com/v1/realtime?model=gpt-4o-realtime-preview"),
		ModelAPIKey:    trimEnv("MODEL_API_KEY"),
		ModelVoice:     envOrDefault("MODEL_VOICE", "alloy"),
		ModelName:      envOrDefault("MODEL_NAME", "gpt-4o-realtime-preview"),
		ModelDialRetry: 2,

		BlockingDeadline:        3 * time.Second,
		RegistryTTL:             10 * time.Minute,
		RegistryJanitorInterval: 30 * time.Second,
		ShutdownTimeout:         15 * time.Second,

		DefaultAgentName:   envOrDefault("AGENT_DEFAULT_NAME", "Alex"),
		DefaultOpeningLine: envOrDefault("AGENT_DEFAULT_OPENING_LINE", "Hi, this is Alex, thanks for taking my call."),
		DefaultGoal:        envOrDefault("AGENT_DEFAULT_GOAL", "book a follow-up demo"),
		DefaultTone:        envOrDefault("AGENT_DEFAULT_TONE", "friendly and direct"),

		CustomerPhrases: listOrDefault("VALIDATION_CUSTOMER_PHRASES", defaultCustomerPhrases),
		NameDenyList:    listOrDefault("SANITIZER_NAME_DENYLIST", defaultNameDenyList),

		DatabaseURL: trimEnv("DATABASE_URL"),
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.BlockingDeadline, err = durationFromEnv("BLOCKING_DEADLINE", cfg.BlockingDeadline)
	if err != nil {
		return Config{}, err
	}
	cfg.RegistryTTL, err = durationFromEnv("REGISTRY_TTL", cfg.RegistryTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.RegistryJanitorInterval, err = durationFromEnv("REGISTRY_JANITOR_INTERVAL", cfg.RegistryJanitorInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.ModelDialRetry, err = intFromEnv("MODEL_DIAL_RETRY", cfg.ModelDialRetry)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.BlockingDeadline < 250*time.Millisecond {
		return Config{}, fmt.Errorf("BLOCKING_DEADLINE must be at least 250ms")
	}
	if cfg.RegistryTTL < 10*time.Second {
		return Config{}, fmt.Errorf("REGISTRY_TTL must be at least 10s")
	}
	if cfg.ModelDialRetry < 0 {
		return Config{}, fmt.Errorf("MODEL_DIAL_RETRY must be >= 0")
	}

	return cfg, nil
}

// Defaults for the opening-validation heuristics. Intentionally conservative:
// a miss only extends buffering up to the deadline.
var defaultCustomerPhrases = []string{
	"sounds good",
	"works for me",
	"i'm interested",
	"im interested",
	"that works",
	"sign me up",
	"yes please",
	"perfect, thanks",
}

var defaultNameDenyList = []string{
	"Voice Rep",
	"Sales Representative",
	"AI Assistant",
	"Sarah",
	"John",
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func listOrDefault(key string, fallback []string) []string {
	raw := trimEnv(key)
	if raw == "" {
		out := make([]string, len(fallback))
		copy(out, fallback)
		return out
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimEnv(key)
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
	v := trimEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
