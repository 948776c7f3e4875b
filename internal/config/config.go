package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the tripweaver backend.
type Config struct {
	Port      int
	Version   string
	Store     StoreConfig
	Chat      ChatConfig
	LLM       LLMConfig
	Places    PlacesConfig
	Telemetry TelemetryConfig
}

type StoreConfig struct {
	// DataDir is where the JSON snapshot lives. Empty disables persistence.
	DataDir string
	// ChatTTL evicts chat log entries older than this.
	ChatTTL time.Duration
}

type ChatConfig struct {
	// ConfidenceThreshold below which classification yields TaskUnknown.
	ConfidenceThreshold float64
	// DisambigTTL expires pending disambiguations left idle.
	DisambigTTL time.Duration
	// AutoApplyDefault controls whether proposals apply without an
	// explicit confirm step when the request does not say.
	AutoApplyDefault bool
}

type LLMConfig struct {
	Provider string // openai, anthropic, ollama
	Endpoint string
	APIKey   string
	Model    string
	Timeout  time.Duration
}

type PlacesConfig struct {
	Endpoint string
	CacheTTL time.Duration
	Timeout  time.Duration
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("TRIPWEAVER_PORT", 8080),
		Version: envStr("TRIPWEAVER_VERSION", "0.4.0"),
		Store: StoreConfig{
			DataDir: envStr("TRIPWEAVER_DATA_DIR", defaultDataDir()),
			ChatTTL: envDuration("TRIPWEAVER_CHAT_TTL", 30*24*time.Hour),
		},
		Chat: ChatConfig{
			ConfidenceThreshold: envFloat("TRIPWEAVER_CONFIDENCE_THRESHOLD", 0.55),
			DisambigTTL:         envDuration("TRIPWEAVER_DISAMBIG_TTL", 10*time.Minute),
			AutoApplyDefault:    envBool("TRIPWEAVER_AUTO_APPLY", false),
		},
		LLM: LLMConfig{
			Provider: envStr("TRIPWEAVER_LLM_PROVIDER", "openai"),
			Endpoint: envStr("TRIPWEAVER_LLM_ENDPOINT", ""),
			APIKey:   envStr("TRIPWEAVER_LLM_API_KEY", os.Getenv("OPENAI_API_KEY")),
			Model:    envStr("TRIPWEAVER_LLM_MODEL", "gpt-4o-mini"),
			Timeout:  envDuration("TRIPWEAVER_LLM_TIMEOUT", 45*time.Second),
		},
		Places: PlacesConfig{
			Endpoint: envStr("TRIPWEAVER_PLACES_ENDPOINT", "https://nominatim.openstreetmap.org"),
			CacheTTL: envDuration("TRIPWEAVER_PLACES_CACHE_TTL", 30*time.Minute),
			Timeout:  envDuration("TRIPWEAVER_PLACES_TIMEOUT", 10*time.Second),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "tripweaver-backend"),
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home + "/.tripweaver"
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
