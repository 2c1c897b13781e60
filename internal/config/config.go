// Package config loads the daemon configuration and resolves the user state
// directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration, loaded from config.yaml in the state
// dir with defaults applied for anything unset.
type Config struct {
	Gateway GatewayConfig `yaml:"gateway"`
	LLM     LLMConfig     `yaml:"llm"`
	Logging LoggingConfig `yaml:"logging"`
}

// GatewayConfig configures the local WebSocket listener and telemetry.
type GatewayConfig struct {
	// Host is the bind address; the daemon is local-only by default.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// HeartbeatIntervalMs is the telemetry cadence.
	HeartbeatIntervalMs int `yaml:"heartbeat_interval_ms"`

	// ApprovalTTLSeconds is loaded and defaulted to 120, but the daemon does
	// not pass it to the approval gate; approval requests wait for the gate's
	// DefaultTTL of two minutes.
	ApprovalTTLSeconds int `yaml:"approval_ttl_seconds"`
}

// TierModelConfig names the candidate chain for one tier.
type TierModelConfig struct {
	Provider  string   `yaml:"provider"`
	Model     string   `yaml:"model"`
	Fallbacks []string `yaml:"fallbacks"` // "provider/model" entries
	MaxTokens int      `yaml:"max_tokens"`
}

// LLMConfig configures the model backends.
type LLMConfig struct {
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	LocalBaseURL    string `yaml:"local_base_url"`

	Tier1  TierModelConfig `yaml:"tier1"`
	Tier2  TierModelConfig `yaml:"tier2"`
	Worker TierModelConfig `yaml:"worker"`

	// Persona is the base system prompt text.
	Persona string `yaml:"persona"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:                "127.0.0.1",
			Port:                8787,
			HeartbeatIntervalMs: 1000,
			ApprovalTTLSeconds:  120,
		},
		LLM: LLMConfig{
			LocalBaseURL: "http://127.0.0.1:11434/v1",
			Tier1:        TierModelConfig{Provider: "local", Model: "llama3.1:8b"},
			Tier2:        TierModelConfig{Provider: "anthropic", Model: "claude-sonnet-4-20250514"},
			Worker:       TierModelConfig{Provider: "local", Model: "qwen2.5:7b"},
			Persona:      "You are Aided, a background assistant daemon running on the user's machine.",
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// StateDir resolves the daemon state directory: $AIDED_STATE_DIR, else
// <user config dir>/aided. The directory is created if missing.
func StateDir() (string, error) {
	dir := os.Getenv("AIDED_STATE_DIR")
	if dir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("resolve state dir: %w", err)
		}
		dir = filepath.Join(base, "aided")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create state dir: %w", err)
	}
	return dir, nil
}

// Load reads config.yaml from the state dir, tolerating a missing file.
func Load(stateDir string) (*Config, error) {
	cfg := Default()
	path := filepath.Join(stateDir, "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("invalid gateway port %d", c.Gateway.Port)
	}
	if c.Gateway.HeartbeatIntervalMs <= 0 {
		c.Gateway.HeartbeatIntervalMs = 1000
	}
	if c.Gateway.ApprovalTTLSeconds <= 0 {
		c.Gateway.ApprovalTTLSeconds = 120
	}
	return nil
}

// EnsureFile creates a file with the given content unless it already exists.
// Safe to call repeatedly.
func EnsureFile(path, content string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o600)
}

// WritePidFile records the daemon pid in the state dir.
func WritePidFile(stateDir string) (string, error) {
	path := filepath.Join(stateDir, "daemon.pid")
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o600); err != nil {
		return "", fmt.Errorf("write pid file: %w", err)
	}
	return path, nil
}
