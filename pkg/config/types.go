package config

import (
	"os"

	"github.com/Einzieg/AI-meeting/pkg/models"
)

// AppConfig holds process-level settings.
type AppConfig struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
	// LogFormat is "json" or "text".
	LogFormat string `yaml:"log_format"`
	// ShutdownGraceSeconds bounds the drain on SIGTERM.
	ShutdownGraceSeconds int `yaml:"shutdown_grace_seconds"`
}

// DatabaseConfig selects and configures the store backend.
type DatabaseConfig struct {
	// Enabled selects Postgres; false runs on the in-memory store.
	Enabled bool `yaml:"enabled"`
	// DSNEnv names the environment variable holding the Postgres DSN.
	DSNEnv string `yaml:"dsn_env"`
	// MaxOpenConns caps the pool; 0 uses the driver default.
	MaxOpenConns int `yaml:"max_open_conns"`
	MaxIdleConns int `yaml:"max_idle_conns"`
}

// DSN resolves the connection string from the environment.
func (d *DatabaseConfig) DSN() string {
	return os.Getenv(d.DSNEnv)
}

// MeetingDefaults carries the meeting template new meetings start from
// when the caller supplies no config, plus the demo topic.
type MeetingDefaults struct {
	// DemoTopic is the fallback topic when meetingd runs without -topic.
	DemoTopic string `yaml:"demo_topic"`
	// Template is the base MeetingConfig; per-meeting configs are laid
	// over it.
	Template models.MeetingConfig `yaml:"template"`
}

// ProviderConfig describes one chat-completions backend registered on
// the gateway. The built-in mock provider needs no entry.
type ProviderConfig struct {
	// BaseURL is the API root, e.g. https://api.openai.com/v1.
	BaseURL string `yaml:"base_url"`
	// APIKeyEnv names the environment variable holding the key.
	APIKeyEnv string `yaml:"api_key_env"`
	// ExtraHeaders are sent verbatim on every request.
	ExtraHeaders map[string]string `yaml:"extra_headers"`
}

// APIKey resolves the key from the environment.
func (p *ProviderConfig) APIKey() string {
	if p.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(p.APIKeyEnv)
}
