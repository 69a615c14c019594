// Package config provides environment configuration for the API server.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	ShutdownTimeout    time.Duration

	// Thread store settings
	StoreBackend      string
	SQLitePath        string
	SQLiteBusyTimeout time.Duration
	DatabaseURL       string

	// NATS settings
	NATSURL       string
	NATSCAFile    string
	NATSCertFile  string
	NATSKeyFile   string
	NATSToken     string
	NATSKVBucket  string
	EventsEnabled bool

	// LLM settings
	LLMProvider       string
	LLMModel          string
	LLMMaxTokens      int
	LLMTemperature    float64
	OpenAIAPIKey      string
	OpenAIBaseURL     string
	AnthropicAPIKey   string
	GenerationTimeout time.Duration

	// Behavioral instruction sent ahead of each thread's history
	Instruction string

	// Request limits
	MaxContentBytes    int
	CORSAllowedOrigins []string
	RateLimitRequests  int
	RateLimitWindow    time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8000")
	v.SetDefault("SERVER_READ_TIMEOUT", 30*time.Second)
	v.SetDefault("SERVER_WRITE_TIMEOUT", 120*time.Second)
	v.SetDefault("SHUTDOWN_TIMEOUT", 30*time.Second)

	v.SetDefault("STORE_BACKEND", "memory")
	v.SetDefault("SQLITE_PATH", "data/threads.db")
	v.SetDefault("SQLITE_BUSY_TIMEOUT", 5*time.Second)
	v.SetDefault("DATABASE_URL", "")

	v.SetDefault("NATS_URL", "nats://localhost:4222")
	v.SetDefault("NATS_CA_FILE", "")
	v.SetDefault("NATS_CERT_FILE", "")
	v.SetDefault("NATS_KEY_FILE", "")
	v.SetDefault("NATS_TOKEN", "")
	v.SetDefault("NATS_KV_BUCKET", "SESSION_THREADS")
	v.SetDefault("EVENTS_ENABLED", false)

	v.SetDefault("LLM_PROVIDER", "openai")
	v.SetDefault("LLM_MODEL", "gpt-4o-mini")
	v.SetDefault("LLM_MAX_TOKENS", 1024)
	v.SetDefault("LLM_TEMPERATURE", 0.0)
	v.SetDefault("OPENAI_API_KEY", "")
	v.SetDefault("OPENAI_BASE_URL", "")
	v.SetDefault("ANTHROPIC_API_KEY", "")
	v.SetDefault("GENERATION_TIMEOUT", 60*time.Second)

	v.SetDefault("INSTRUCTION", "")
	v.SetDefault("INSTRUCTION_FILE", "")

	v.SetDefault("MAX_CONTENT_BYTES", 100000)
	v.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	v.SetDefault("RATE_LIMIT_REQUESTS", 60)
	v.SetDefault("RATE_LIMIT_WINDOW", time.Minute)

	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("TRACING_ENDPOINT", "localhost:4318")
	v.SetDefault("TRACING_ENABLED", false)
}

// Load reads configuration from environment variables, optionally layered
// over a YAML file named by CONFIG_FILE.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{
		// Server
		ServerPort:         v.GetString("PORT"),
		ServerReadTimeout:  v.GetDuration("SERVER_READ_TIMEOUT"),
		ServerWriteTimeout: v.GetDuration("SERVER_WRITE_TIMEOUT"),
		ShutdownTimeout:    v.GetDuration("SHUTDOWN_TIMEOUT"),

		// Thread store
		StoreBackend:      strings.ToLower(v.GetString("STORE_BACKEND")),
		SQLitePath:        v.GetString("SQLITE_PATH"),
		SQLiteBusyTimeout: v.GetDuration("SQLITE_BUSY_TIMEOUT"),
		DatabaseURL:       v.GetString("DATABASE_URL"),

		// NATS
		NATSURL:       v.GetString("NATS_URL"),
		NATSCAFile:    v.GetString("NATS_CA_FILE"),
		NATSCertFile:  v.GetString("NATS_CERT_FILE"),
		NATSKeyFile:   v.GetString("NATS_KEY_FILE"),
		NATSToken:     v.GetString("NATS_TOKEN"),
		NATSKVBucket:  v.GetString("NATS_KV_BUCKET"),
		EventsEnabled: v.GetBool("EVENTS_ENABLED"),

		// LLM
		LLMProvider:       strings.ToLower(v.GetString("LLM_PROVIDER")),
		LLMModel:          v.GetString("LLM_MODEL"),
		LLMMaxTokens:      v.GetInt("LLM_MAX_TOKENS"),
		LLMTemperature:    v.GetFloat64("LLM_TEMPERATURE"),
		OpenAIAPIKey:      v.GetString("OPENAI_API_KEY"),
		OpenAIBaseURL:     v.GetString("OPENAI_BASE_URL"),
		AnthropicAPIKey:   v.GetString("ANTHROPIC_API_KEY"),
		GenerationTimeout: v.GetDuration("GENERATION_TIMEOUT"),

		// Limits
		MaxContentBytes:    v.GetInt("MAX_CONTENT_BYTES"),
		CORSAllowedOrigins: splitList(v.GetString("CORS_ALLOWED_ORIGINS")),
		RateLimitRequests:  v.GetInt("RATE_LIMIT_REQUESTS"),
		RateLimitWindow:    v.GetDuration("RATE_LIMIT_WINDOW"),

		// Logging
		LogLevel: v.GetString("LOG_LEVEL"),

		// Tracing
		TracingEndpoint: v.GetString("TRACING_ENDPOINT"),
		TracingEnabled:  v.GetBool("TRACING_ENABLED"),
	}

	instruction, err := loadInstruction(v.GetString("INSTRUCTION"), v.GetString("INSTRUCTION_FILE"))
	if err != nil {
		return nil, err
	}
	cfg.Instruction = instruction

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the selected backends have what they need.
func (c *Config) Validate() error {
	var errs []error

	switch c.StoreBackend {
	case "memory":
	case "sqlite":
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required for the sqlite store"))
		}
	case "postgres":
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres store"))
		}
	case "nats":
		if c.NATSURL == "" {
			errs = append(errs, errors.New("NATS_URL is required for the nats store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend))
	}

	if c.EventsEnabled && c.NATSURL == "" {
		errs = append(errs, errors.New("NATS_URL is required when EVENTS_ENABLED is set"))
	}

	switch c.LLMProvider {
	case "openai":
		if c.OpenAIAPIKey == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY is required for the openai provider"))
		}
	case "anthropic":
		if c.AnthropicAPIKey == "" {
			errs = append(errs, errors.New("ANTHROPIC_API_KEY is required for the anthropic provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown LLM_PROVIDER %q", c.LLMProvider))
	}

	if c.GenerationTimeout <= 0 {
		errs = append(errs, errors.New("GENERATION_TIMEOUT must be positive"))
	}
	if c.MaxContentBytes <= 0 {
		errs = append(errs, errors.New("MAX_CONTENT_BYTES must be positive"))
	}

	return errors.Join(errs...)
}

// UsesNATS reports whether any component needs a NATS connection.
func (c *Config) UsesNATS() bool {
	return c.StoreBackend == "nats" || c.EventsEnabled
}

func loadInstruction(text, path string) (string, error) {
	if text != "" {
		return text, nil
	}
	if path == "" {
		return DefaultInstruction, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read instruction file: %w", err)
	}
	instruction := strings.TrimSpace(string(data))
	if instruction == "" {
		return "", fmt.Errorf("instruction file %s is empty", path)
	}
	return instruction, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
