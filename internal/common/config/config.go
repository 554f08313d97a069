// Package config provides configuration management for agent-queue.
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

// Config holds all configuration sections for agent-queue.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Sessions   SessionsConfig   `mapstructure:"sessions"`
	Worktrees  WorktreesConfig  `mapstructure:"worktrees"`
	Heartbeat  HeartbeatConfig  `mapstructure:"heartbeat"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Assessment AssessmentConfig `mapstructure:"assessment"`
	Agent      AgentConfig      `mapstructure:"agent"`
	VCS        VCSConfig        `mapstructure:"vcs"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds SQLite database configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// SessionsConfig holds session log storage configuration.
type SessionsConfig struct {
	Dir string `mapstructure:"dir"`
}

// WorktreesConfig holds the root directory for git worktrees.
type WorktreesConfig struct {
	Dir string `mapstructure:"dir"`
}

// HeartbeatConfig holds the periodic driver configuration.
type HeartbeatConfig struct {
	IntervalSeconds    int `mapstructure:"intervalSeconds"`
	AssessBatchSize    int `mapstructure:"assessBatchSize"`
	MaxConcurrentTasks int `mapstructure:"maxConcurrentTasks"`
}

// SchedulerConfig holds retry policy and the fallback repository used
// by tasks that are not attached to a project.
type SchedulerConfig struct {
	MaxRetries   int    `mapstructure:"maxRetries"`
	RepoDir      string `mapstructure:"repoDir"`
	DefaultModel string `mapstructure:"defaultModel"`
}

// AssessmentConfig holds the assessment LLM configuration.
type AssessmentConfig struct {
	Model          string `mapstructure:"model"`
	APIKey         string `mapstructure:"apiKey"`
	BaseURL        string `mapstructure:"baseUrl"`
	TimeoutSeconds int    `mapstructure:"timeoutSeconds"`
}

// AgentConfig holds the agent CLI configuration.
type AgentConfig struct {
	Binary         string `mapstructure:"binary"`
	UsageCachePath string `mapstructure:"usageCachePath"`
}

// VCSConfig holds git and PR tooling configuration.
type VCSConfig struct {
	TimeoutSeconds     int    `mapstructure:"timeoutSeconds"`
	PushTimeoutSeconds int    `mapstructure:"pushTimeoutSeconds"`
	DefaultBranch      string `mapstructure:"defaultBranch"`
	Remote             string `mapstructure:"remote"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// Interval returns the heartbeat cadence as a time.Duration.
func (h *HeartbeatConfig) Interval() time.Duration {
	return time.Duration(h.IntervalSeconds) * time.Second
}

// Timeout returns the assessment call timeout as a time.Duration.
func (a *AssessmentConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// Timeout returns the default subprocess timeout as a time.Duration.
func (v *VCSConfig) Timeout() time.Duration {
	return time.Duration(v.TimeoutSeconds) * time.Second
}

// PushTimeout returns the push/PR subprocess timeout as a time.Duration.
func (v *VCSConfig) PushTimeout() time.Duration {
	return time.Duration(v.PushTimeoutSeconds) * time.Second
}

// detectDefaultLogFormat returns "json" in production-like environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if env := os.Getenv("AGENTQUEUE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8765)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Storage defaults
	v.SetDefault("database.path", "data/agent-queue.db")
	v.SetDefault("sessions.dir", "data/sessions")
	v.SetDefault("worktrees.dir", "~/agent-queue-worktrees")

	// Heartbeat defaults
	v.SetDefault("heartbeat.intervalSeconds", 60)
	v.SetDefault("heartbeat.assessBatchSize", 10)
	v.SetDefault("heartbeat.maxConcurrentTasks", 2)

	// Scheduler defaults
	v.SetDefault("scheduler.maxRetries", 3)
	v.SetDefault("scheduler.repoDir", "")
	v.SetDefault("scheduler.defaultModel", "sonnet")

	// Assessment defaults
	v.SetDefault("assessment.model", "claude-sonnet-4-20250514")
	v.SetDefault("assessment.apiKey", "")
	v.SetDefault("assessment.baseUrl", "https://api.anthropic.com")
	v.SetDefault("assessment.timeoutSeconds", 60)

	// Agent CLI defaults
	v.SetDefault("agent.binary", "claude")
	v.SetDefault("agent.usageCachePath", "~/.claude/usage.json")

	// VCS defaults
	v.SetDefault("vcs.timeoutSeconds", 30)
	v.SetDefault("vcs.pushTimeoutSeconds", 120)
	v.SetDefault("vcs.defaultBranch", "main")
	v.SetDefault("vcs.remote", "origin")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agent-queue")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTQUEUE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/agent-queue/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("AGENTQUEUE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings where env var naming differs from the config key
	// (AutomaticEnv does not convert camelCase keys to SNAKE_CASE).
	_ = v.BindEnv("assessment.apiKey", "ANTHROPIC_API_KEY", "AGENTQUEUE_ASSESSMENT_API_KEY")
	_ = v.BindEnv("heartbeat.intervalSeconds", "AGENTQUEUE_HEARTBEAT_INTERVAL_SECONDS")
	_ = v.BindEnv("heartbeat.maxConcurrentTasks", "AGENTQUEUE_MAX_CONCURRENT_TASKS")
	_ = v.BindEnv("worktrees.dir", "AGENTQUEUE_WORKTREES_DIR")
	_ = v.BindEnv("scheduler.repoDir", "AGENTQUEUE_REPO_DIR")
	_ = v.BindEnv("scheduler.defaultModel", "AGENTQUEUE_DEFAULT_MODEL")
	_ = v.BindEnv("assessment.model", "AGENTQUEUE_ASSESSMENT_MODEL")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agent-queue/")

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

	expandHome(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// expandHome replaces a leading ~ in path-valued options with the user's
// home directory.
func expandHome(cfg *Config) {
	cfg.Worktrees.Dir = expandPath(cfg.Worktrees.Dir)
	cfg.Agent.UsageCachePath = expandPath(cfg.Agent.UsageCachePath)
	cfg.Database.Path = expandPath(cfg.Database.Path)
	cfg.Sessions.Dir = expandPath(cfg.Sessions.Dir)
	cfg.Scheduler.RepoDir = expandPath(cfg.Scheduler.RepoDir)
}

func expandPath(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return p
		}
		return filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	return p
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if cfg.Heartbeat.IntervalSeconds <= 0 {
		errs = append(errs, "heartbeat.intervalSeconds must be positive")
	}
	if cfg.Heartbeat.AssessBatchSize <= 0 {
		errs = append(errs, "heartbeat.assessBatchSize must be positive")
	}
	if cfg.Heartbeat.MaxConcurrentTasks <= 0 {
		errs = append(errs, "heartbeat.maxConcurrentTasks must be positive")
	}
	if cfg.Scheduler.MaxRetries < 0 {
		errs = append(errs, "scheduler.maxRetries must not be negative")
	}
	if cfg.Agent.Binary == "" {
		errs = append(errs, "agent.binary is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
