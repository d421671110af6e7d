// Package config defines the assistant configuration and its YAML loader.
// Credentials never need to live in the file: values support environment
// references, and the capability layer resolves secrets through the vault
// and OS keyring first.
package config

import (
	"github.com/jholhewres/valet/pkg/valet/agent"
	"github.com/jholhewres/valet/pkg/valet/bridge"
	"github.com/jholhewres/valet/pkg/valet/bridge/discord"
	"github.com/jholhewres/valet/pkg/valet/capability"
	"github.com/jholhewres/valet/pkg/valet/store"
	"github.com/jholhewres/valet/pkg/valet/trigger"
)

// Config holds the full assistant configuration.
type Config struct {
	// Name is the assistant name used in log output and the setup wizard.
	Name string `yaml:"name"`

	// Timezone is the user's IANA timezone (e.g. "Europe/Amsterdam").
	// Trigger schedules are interpreted in it.
	Timezone string `yaml:"timezone"`

	// Database configures the shared SQLite store.
	Database store.Config `yaml:"database"`

	// Inference configures the chat-completions backend.
	Inference capability.InferenceConfig `yaml:"inference"`

	// Mail configures the mail-automation service.
	Mail capability.MailConfig `yaml:"mail"`

	// Agents configures the execution agent pool.
	Agents agent.Config `yaml:"agents"`

	// Triggers configures the sweep scheduler.
	Triggers trigger.Config `yaml:"triggers"`

	// Gateway configures the HTTP front door.
	Gateway bridge.Config `yaml:"gateway"`

	// Discord configures the optional Discord front end.
	Discord discord.Config `yaml:"discord"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Level is debug, info, warn, or error (default: info).
	Level string `yaml:"level"`

	// Format is "text" or "json" (default: text).
	Format string `yaml:"format"`
}

// DefaultConfig returns a configuration with working defaults: local SQLite,
// loopback gateway, Discord disabled until a token is set.
func DefaultConfig() *Config {
	return &Config{
		Name:     "valet",
		Timezone: "UTC",
		Database: store.Config{
			Path:        "./data/valet.db",
			JournalMode: "WAL",
			BusyTimeout: 5000,
		},
		Inference: capability.InferenceConfig{
			BaseURL:        "https://openrouter.ai/api",
			Model:          "anthropic/claude-sonnet-4",
			TimeoutSeconds: 60,
		},
		Mail: capability.MailConfig{
			TimeoutSeconds: 30,
		},
		Agents:   agent.DefaultConfig(),
		Triggers: trigger.Config{SweepSeconds: 5, MaxFailures: 5},
		Gateway: bridge.Config{
			Address: "127.0.0.1:8090",
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}
