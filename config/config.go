// Package config provides configuration management for siteloom.
// Configuration comes from environment variables, optionally seeded from a
// YAML file and a .env file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the siteloom server.
type Config struct {
	// ServerAddr is the address the HTTP server listens on (e.g., ":7090").
	ServerAddr string `yaml:"server_addr"`

	// DataDir is the directory for persistent data (SQLite DB, etc.).
	DataDir string `yaml:"data_dir"`

	// DatabasePath is the full path to the SQLite database file. Derived
	// from DataDir when empty.
	DatabasePath string `yaml:"database_path"`

	// LLM provider selection and API keys. Provider is "anthropic" or
	// "openai"; empty picks whichever key is set, preferring Anthropic.
	LLMProvider     string `yaml:"llm_provider"`
	LLMModel        string `yaml:"llm_model"`
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	OpenAIAPIKey    string `yaml:"openai_api_key"`

	// SandboxTemplate is the Docker image sandboxes are provisioned from.
	SandboxTemplate string `yaml:"sandbox_template"`

	// SandboxPublicHost is the host used in preview URLs.
	SandboxPublicHost string `yaml:"sandbox_public_host"`

	// SandboxLifetime is how long a sandbox stays alive after each run
	// attempt starts. Set via SITELOOM_SANDBOX_LIFETIME (Go duration syntax).
	SandboxLifetime time.Duration `yaml:"-"`

	// MaxIterations bounds the coding agent's loop per run.
	MaxIterations int `yaml:"max_iterations"`

	// MaxAttempts bounds pipeline retries per run.
	MaxAttempts int `yaml:"max_attempts"`

	// GitHub export (optional).
	GitHubToken string `yaml:"github_token"`
	GitHubOwner string `yaml:"github_owner"`

	// Slack notifications (optional).
	SlackBotToken string `yaml:"slack_bot_token"`
	SlackChannel  string `yaml:"slack_channel"`

	// LogLevel is the zap level name ("debug", "info", "warn", "error").
	LogLevel string `yaml:"log_level"`
}

// Load creates a Config from environment variables with sensible defaults.
func Load() (*Config, error) {
	dataDir := envOr("SITELOOM_DATA_DIR", defaultDataDir())
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	cfg := &Config{
		ServerAddr:        envOr("SITELOOM_ADDR", ":7090"),
		DataDir:           dataDir,
		DatabasePath:      envOr("SITELOOM_DB_PATH", filepath.Join(dataDir, "siteloom.db")),
		LLMProvider:       os.Getenv("SITELOOM_LLM_PROVIDER"),
		LLMModel:          os.Getenv("SITELOOM_LLM_MODEL"),
		AnthropicAPIKey:   os.Getenv("ANTHROPIC_API_KEY"),
		OpenAIAPIKey:      os.Getenv("OPENAI_API_KEY"),
		SandboxTemplate:   envOr("SITELOOM_SANDBOX_TEMPLATE", "siteloom-nextjs"),
		SandboxPublicHost: envOr("SITELOOM_SANDBOX_HOST", "localhost"),
		SandboxLifetime:   envOrDuration("SITELOOM_SANDBOX_LIFETIME", 30*time.Minute),
		MaxIterations:     envOrInt("SITELOOM_MAX_ITERATIONS", 15),
		MaxAttempts:       envOrInt("SITELOOM_MAX_ATTEMPTS", 2),
		GitHubToken:       os.Getenv("GITHUB_TOKEN"),
		GitHubOwner:       os.Getenv("SITELOOM_GITHUB_OWNER"),
		SlackBotToken:     os.Getenv("SLACK_BOT_TOKEN"),
		SlackChannel:      os.Getenv("SLACK_CHANNEL"),
		LogLevel:          envOr("SITELOOM_LOG_LEVEL", "info"),
	}
	return cfg, nil
}

// LoadFile reads a YAML config file, expands ${VAR} and ${VAR:-default}
// references, and overlays it on the environment-derived config.
func LoadFile(path string) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("cannot read config file %q: %w", path, err)
	}

	expanded := ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("invalid YAML in %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.AnthropicAPIKey == "" && c.OpenAIAPIKey == "" {
		return fmt.Errorf("at least one of ANTHROPIC_API_KEY or OPENAI_API_KEY is required")
	}
	switch c.LLMProvider {
	case "", "anthropic", "openai":
	default:
		return fmt.Errorf("unknown llm provider %q", c.LLMProvider)
	}
	if c.LLMProvider == "anthropic" && c.AnthropicAPIKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is required for the anthropic provider")
	}
	if c.LLMProvider == "openai" && c.OpenAIAPIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required for the openai provider")
	}
	return nil
}

// SlackEnabled returns true if Slack notifications are configured.
func (c *Config) SlackEnabled() bool {
	return c.SlackBotToken != "" && c.SlackChannel != ""
}

// GitHubEnabled returns true if fragment export is configured.
func (c *Config) GitHubEnabled() bool {
	return c.GitHubToken != ""
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".siteloom"
	}
	return filepath.Join(home, ".siteloom")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
