// Package config handles configuration loading and management for baton.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for baton.
type Config struct {
	Anthropic  AnthropicConfig  `mapstructure:"anthropic"`
	Conductor  ConductorConfig  `mapstructure:"conductor"`
	Background BackgroundConfig `mapstructure:"background"`
	Session    SessionConfig    `mapstructure:"session"`
	Events     EventsConfig     `mapstructure:"events"`
	Roster     RosterConfig     `mapstructure:"roster"`
	Store      StoreConfig      `mapstructure:"store"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	APIKey     string `mapstructure:"api_key"`
	UseBedrock bool   `mapstructure:"use_bedrock"`
	AWSRegion  string `mapstructure:"aws_region"`
	AWSProfile string `mapstructure:"aws_profile"`
}

// ConductorConfig holds orchestration settings.
type ConductorConfig struct {
	// MaxVerificationRetries bounds re-delegation rounds after a
	// reviewer rejection.
	MaxVerificationRetries int `mapstructure:"max_verification_retries"`
	// PlanningStepThreshold triggers the planner stage for explicit
	// intents whose estimated scope exceeds this many steps.
	PlanningStepThreshold int `mapstructure:"planning_step_threshold"`
	// WorkerTimeout bounds a single worker run.
	WorkerTimeout time.Duration `mapstructure:"worker_timeout"`
}

// BackgroundConfig holds background task manager settings.
type BackgroundConfig struct {
	// Concurrency is the maximum number of simultaneously running tasks.
	Concurrency int `mapstructure:"concurrency"`
	// QueueCapacity bounds the FIFO queue; submissions beyond it are
	// rejected with backpressure.
	QueueCapacity int `mapstructure:"queue_capacity"`
}

// SessionConfig holds session store settings.
type SessionConfig struct {
	// IdleTimeout is how long an idle session survives before sweeping.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	// SweepInterval is how often the sweeper runs.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// EventsConfig holds status event settings.
type EventsConfig struct {
	// BufferSize is the capacity of each status channel. Events beyond
	// a full buffer are dropped and counted, never blocked on.
	BufferSize int `mapstructure:"buffer_size"`
}

// RosterConfig holds worker roster settings.
type RosterConfig struct {
	// Path is an optional YAML roster file. Empty uses the built-in roster.
	Path string `mapstructure:"path"`
}

// StoreConfig holds audit database settings.
type StoreConfig struct {
	// Path is the SQLite database file. Empty uses the XDG default.
	Path string `mapstructure:"path"`
	// Disabled turns off audit persistence entirely.
	Disabled bool `mapstructure:"disabled"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (ANTHROPIC_API_KEY)
// 2. Project config (.baton.yaml in current directory or parent)
// 3. User config (~/.config/baton/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.AutomaticEnv()
	v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = os.ExpandEnv(cfg.Anthropic.APIKey)

	return cfg, nil
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = os.ExpandEnv(cfg.Anthropic.APIKey)

	return cfg, nil
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.use_bedrock", false)
	v.SetDefault("anthropic.aws_region", "")
	v.SetDefault("anthropic.aws_profile", "")

	v.SetDefault("conductor.max_verification_retries", 2)
	v.SetDefault("conductor.planning_step_threshold", 3)
	v.SetDefault("conductor.worker_timeout", "15m")

	v.SetDefault("background.concurrency", 4)
	v.SetDefault("background.queue_capacity", 64)

	v.SetDefault("session.idle_timeout", "30m")
	v.SetDefault("session.sweep_interval", "5m")

	v.SetDefault("events.buffer_size", 128)

	v.SetDefault("roster.path", "")

	v.SetDefault("store.path", "")
	v.SetDefault("store.disabled", false)
}

// getUserConfigDir returns the XDG config directory for baton.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "baton")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "baton")
	}
	return filepath.Join(home, ".config", "baton")
}

// findProjectConfig searches for .baton.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".baton.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Conductor: ConductorConfig{
			MaxVerificationRetries: 2,
			PlanningStepThreshold:  3,
			WorkerTimeout:          15 * time.Minute,
		},
		Background: BackgroundConfig{
			Concurrency:   4,
			QueueCapacity: 64,
		},
		Session: SessionConfig{
			IdleTimeout:   30 * time.Minute,
			SweepInterval: 5 * time.Minute,
		},
		Events: EventsConfig{
			BufferSize: 128,
		},
	}
}
