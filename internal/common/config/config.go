// Package config provides configuration management for the Singularity supervisor.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the supervisor.
type Config struct {
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Agent      AgentConfig      `mapstructure:"agent"`
	Replica    ReplicaConfig    `mapstructure:"replica"`
	TaskStore  TaskStoreConfig  `mapstructure:"taskStore"`
	Bus        BusConfig        `mapstructure:"bus"`
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// SupervisorConfig holds the agent loop configuration.
type SupervisorConfig struct {
	MaxWorkers          int    `mapstructure:"maxWorkers"`          // Cap on concurrent worker-class agents
	PollIntervalMs      int    `mapstructure:"pollIntervalMs"`      // Scheduler tick interval
	SteeringIntervalMin int    `mapstructure:"steeringIntervalMin"` // Minutes between steering reviews per worker
	SessionDir          string `mapstructure:"sessionDir"`          // Holds oms.log, crashes/, replica/
	ProjectRoot         string `mapstructure:"projectRoot"`         // Shared workspace agents merge into
	ShutdownGraceSec    int    `mapstructure:"shutdownGraceSec"`
}

// AgentConfig holds how agent subprocesses are launched.
type AgentConfig struct {
	Command        string            `mapstructure:"command"`        // LLM CLI binary
	ExtensionDir   string            `mapstructure:"extensionDir"`   // Where extension files live
	PromptDir      string            `mapstructure:"promptDir"`      // Where per-type prompt files live
	DefaultModel   string            `mapstructure:"defaultModel"`
	ExtraEnv       map[string]string `mapstructure:"extraEnv"`
	SendTimeoutSec int               `mapstructure:"sendTimeoutSec"` // Per-RPC-request timeout
}

// ReplicaConfig holds per-task workspace replica configuration.
type ReplicaConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	OverlayBinary string `mapstructure:"overlayBinary"` // fuse-overlayfs path, empty = $PATH lookup
}

// TaskStoreConfig holds task store configuration.
type TaskStoreConfig struct {
	Path string `mapstructure:"path"` // SQLite database path
}

// BusConfig holds event bus configuration. Empty URL means in-memory.
type BusConfig struct {
	URL           string `mapstructure:"url"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// ServerConfig holds the HTTP control API configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// PollInterval returns the scheduler tick interval as a time.Duration.
func (s *SupervisorConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalMs) * time.Millisecond
}

// SteeringInterval returns the per-worker steering interval as a time.Duration.
func (s *SupervisorConfig) SteeringInterval() time.Duration {
	return time.Duration(s.SteeringIntervalMin) * time.Minute
}

// ShutdownGrace returns the shutdown grace window as a time.Duration.
func (s *SupervisorConfig) ShutdownGrace() time.Duration {
	return time.Duration(s.ShutdownGraceSec) * time.Second
}

// SendTimeout returns the per-request RPC timeout as a time.Duration.
func (a *AgentConfig) SendTimeout() time.Duration {
	return time.Duration(a.SendTimeoutSec) * time.Second
}

// ReplicaRoot returns the directory replicas live under.
func (s *SupervisorConfig) ReplicaRoot() string {
	return filepath.Join(s.SessionDir, "replica")
}

// CrashDir returns the directory crash reports are written to.
func (s *SupervisorConfig) CrashDir() string {
	return filepath.Join(s.SessionDir, "crashes")
}

// detectDefaultLogFormat returns "json" for unattended runs, "text" for terminals.
func detectDefaultLogFormat() string {
	if env := os.Getenv("OMS_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Supervisor defaults
	v.SetDefault("supervisor.maxWorkers", 4)
	v.SetDefault("supervisor.pollIntervalMs", 5000)
	v.SetDefault("supervisor.steeringIntervalMin", 15)
	v.SetDefault("supervisor.sessionDir", ".oms")
	v.SetDefault("supervisor.projectRoot", ".")
	v.SetDefault("supervisor.shutdownGraceSec", 3)

	// Agent defaults
	v.SetDefault("agent.command", "oms-agent")
	v.SetDefault("agent.extensionDir", ".oms/extensions")
	v.SetDefault("agent.promptDir", ".oms/prompts")
	v.SetDefault("agent.defaultModel", "")
	v.SetDefault("agent.sendTimeoutSec", 30)

	// Replica defaults
	v.SetDefault("replica.enabled", true)
	v.SetDefault("replica.overlayBinary", "")

	// Task store defaults
	v.SetDefault("taskStore.path", ".oms/tasks/tasks.db")

	// Bus defaults - empty URL means use in-memory event bus
	v.SetDefault("bus.url", "")
	v.SetDefault("bus.maxReconnects", 10)

	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 7337)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix OMS_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or in the session dir.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("OMS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("supervisor.maxWorkers", "OMS_MAX_WORKERS")
	_ = v.BindEnv("supervisor.sessionDir", "OMS_SESSION_DIR")
	_ = v.BindEnv("supervisor.projectRoot", "OMS_PROJECT_ROOT")
	_ = v.BindEnv("taskStore.path", "OMS_TASK_STORE_PATH")
	_ = v.BindEnv("agent.command", "OMS_AGENT_COMMAND")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath(".oms")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Supervisor.MaxWorkers <= 0 {
		errs = append(errs, "supervisor.maxWorkers must be positive")
	}
	if cfg.Supervisor.PollIntervalMs <= 0 {
		errs = append(errs, "supervisor.pollIntervalMs must be positive")
	}
	if cfg.Supervisor.SteeringIntervalMin <= 0 {
		errs = append(errs, "supervisor.steeringIntervalMin must be positive")
	}
	if cfg.Supervisor.SessionDir == "" {
		errs = append(errs, "supervisor.sessionDir is required")
	}
	if cfg.Agent.Command == "" {
		errs = append(errs, "agent.command is required")
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
