package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8000", cfg.ServerPort)
	assert.Equal(t, "memory", cfg.StoreBackend)
	assert.Equal(t, "openai", cfg.LLMProvider)
	assert.Equal(t, "gpt-4o-mini", cfg.LLMModel)
	assert.Equal(t, 60*time.Second, cfg.GenerationTimeout)
	assert.Equal(t, []string{"*"}, cfg.CORSAllowedOrigins)
	assert.Equal(t, DefaultInstruction, cfg.Instruction)
	assert.False(t, cfg.UsesNATS())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("STORE_BACKEND", "SQLite")
	t.Setenv("SQLITE_PATH", "/tmp/threads.db")
	t.Setenv("LLM_PROVIDER", "anthropic")
	t.Setenv("ANTHROPIC_API_KEY", "ak-test")
	t.Setenv("GENERATION_TIMEOUT", "15s")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("INSTRUCTION", "Answer in French.")
	t.Setenv("EVENTS_ENABLED", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.ServerPort)
	assert.Equal(t, "sqlite", cfg.StoreBackend)
	assert.Equal(t, "anthropic", cfg.LLMProvider)
	assert.Equal(t, 15*time.Second, cfg.GenerationTimeout)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSAllowedOrigins)
	assert.Equal(t, "Answer in French.", cfg.Instruction)
	assert.True(t, cfg.UsesNATS())
}

func TestLoad_InstructionFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instruction.txt")
	require.NoError(t, os.WriteFile(path, []byte("  Be terse.\n"), 0o600))

	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("INSTRUCTION_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "Be terse.", cfg.Instruction)

	t.Setenv("INSTRUCTION_FILE", filepath.Join(t.TempDir(), "missing.txt"))
	_, err = Load()
	assert.Error(t, err)
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("PORT: \"7000\"\nOPENAI_API_KEY: sk-file\n"), 0o600))
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "7000", cfg.ServerPort)
	assert.Equal(t, "sk-file", cfg.OpenAIAPIKey)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			StoreBackend:      "memory",
			LLMProvider:       "openai",
			OpenAIAPIKey:      "sk",
			GenerationTimeout: time.Second,
			MaxContentBytes:   100,
		}
	}
	require.NoError(t, valid().Validate())

	tests := map[string]func(c *Config){
		"unknown backend":   func(c *Config) { c.StoreBackend = "redis" },
		"postgres no url":   func(c *Config) { c.StoreBackend = "postgres" },
		"sqlite no path":    func(c *Config) { c.StoreBackend = "sqlite" },
		"unknown provider":  func(c *Config) { c.LLMProvider = "cohere" },
		"missing key":       func(c *Config) { c.OpenAIAPIKey = "" },
		"zero timeout":      func(c *Config) { c.GenerationTimeout = 0 },
		"events no nats":    func(c *Config) { c.EventsEnabled = true },
		"zero content size": func(c *Config) { c.MaxContentBytes = 0 },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			c := valid()
			mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestDefaultInstruction_Rules(t *testing.T) {
	for _, rule := range []string{
		"refuse and offer a safer alternative",
		"say you're not sure",
		"Don't invent order details",
		"short numbered list",
		"one or two specific questions",
	} {
		assert.Contains(t, DefaultInstruction, rule)
	}
	assert.NotContains(t, DefaultInstruction, "long lists")
}
