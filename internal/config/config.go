// Package config provides YAML-based configuration loading for Chorus.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Chorus configuration, loaded from config.yaml.
type Config struct {
	OwnerID    string        `yaml:"owner_id"`
	Sudoers    []string      `yaml:"sudoers"`
	Platform   Platform      `yaml:"platform"`
	Database   Database      `yaml:"database"`
	Pool       Pool          `yaml:"pool"`
	Supervisor SupervisorCfg `yaml:"supervisor"`
	Limits     Limits        `yaml:"limits"`
	Call       Call          `yaml:"call"`
	Report     Report        `yaml:"report"`
	Dashboard  Dashboard     `yaml:"dashboard"`
}

// Platform holds credentials for the chat platform the bot account runs on.
type Platform struct {
	BotToken     string `yaml:"bot_token"`
	LogChannelID string `yaml:"log_channel_id"`
}

// Database holds connection settings for the MySQL server.
type Database struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// Pool bounds the assistant fleet and per-assistant concurrency.
type Pool struct {
	MaxAssistants        int `yaml:"max_assistants"`
	MaxCallsPerAssistant int `yaml:"max_calls_per_assistant"`
	TopK                 int `yaml:"top_k"`
}

// SupervisorCfg tunes health sweeps and reconnection.
type SupervisorCfg struct {
	SweepIntervalSec  int `yaml:"sweep_interval_sec"`
	ProbeConcurrency  int `yaml:"probe_concurrency"`
	ReconnectAttempts int `yaml:"reconnect_attempts"`
}

// Limits holds the admission gate's spam and flood thresholds.
type Limits struct {
	SpamThreshold  int `yaml:"spam_threshold"`
	SpamWindowSec  int `yaml:"spam_window_sec"`
	SpamBanSec     int `yaml:"spam_ban_sec"`
	FloodThreshold int `yaml:"flood_threshold"`
	FloodWindowSec int `yaml:"flood_window_sec"`
}

// Call tunes voice-call lifecycle deadlines.
type Call struct {
	JoinDeadlineSec int `yaml:"join_deadline_sec"`
	IdleTimeoutSec  int `yaml:"idle_timeout_sec"`
}

// Report configures the daily fleet report notice.
type Report struct {
	Enabled bool   `yaml:"enabled"`
	Cron    string `yaml:"cron"` // 5-field cron expression
}

// Dashboard configures the read-only HTTP status server.
type Dashboard struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Host == "" {
		c.Database.Host = "127.0.0.1"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 3306
	}
	if c.Database.Database == "" {
		c.Database.Database = "chorus"
	}
	if c.Database.User == "" {
		c.Database.User = "root"
	}
	if c.Pool.MaxAssistants == 0 {
		c.Pool.MaxAssistants = 20
	}
	if c.Pool.MaxCallsPerAssistant == 0 {
		c.Pool.MaxCallsPerAssistant = 5
	}
	if c.Pool.TopK == 0 {
		c.Pool.TopK = 3
	}
	if c.Supervisor.SweepIntervalSec == 0 {
		c.Supervisor.SweepIntervalSec = 300
	}
	if c.Supervisor.ProbeConcurrency == 0 {
		c.Supervisor.ProbeConcurrency = 16
	}
	if c.Supervisor.ReconnectAttempts == 0 {
		c.Supervisor.ReconnectAttempts = 3
	}
	if c.Limits.SpamThreshold == 0 {
		c.Limits.SpamThreshold = 12
	}
	if c.Limits.SpamWindowSec == 0 {
		c.Limits.SpamWindowSec = 60
	}
	if c.Limits.SpamBanSec == 0 {
		c.Limits.SpamBanSec = 900
	}
	if c.Limits.FloodThreshold == 0 {
		c.Limits.FloodThreshold = 5
	}
	if c.Limits.FloodWindowSec == 0 {
		c.Limits.FloodWindowSec = 5
	}
	if c.Call.JoinDeadlineSec == 0 {
		c.Call.JoinDeadlineSec = 30
	}
	if c.Call.IdleTimeoutSec == 0 {
		c.Call.IdleTimeoutSec = 1800
	}
	if c.Report.Enabled && c.Report.Cron == "" {
		c.Report.Cron = "0 9 * * *"
	}
	if c.Dashboard.Enabled && c.Dashboard.Port == 0 {
		c.Dashboard.Port = 8080
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.OwnerID == "" {
		errs = append(errs, "owner_id is required")
	}
	if c.Platform.BotToken == "" {
		errs = append(errs, "platform.bot_token is required")
	}
	if c.Pool.MaxCallsPerAssistant < 1 {
		errs = append(errs, "pool.max_calls_per_assistant must be at least 1")
	}
	if c.Pool.TopK < 1 {
		errs = append(errs, "pool.top_k must be at least 1")
	}
	if c.Supervisor.ProbeConcurrency < 1 {
		errs = append(errs, "supervisor.probe_concurrency must be at least 1")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// SweepInterval returns the health sweep interval as a duration.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Supervisor.SweepIntervalSec) * time.Second
}

// JoinDeadline returns the voice-join deadline as a duration.
func (c *Config) JoinDeadline() time.Duration {
	return time.Duration(c.Call.JoinDeadlineSec) * time.Second
}

// IdleTimeout returns the idle session timeout as a duration.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Call.IdleTimeoutSec) * time.Second
}

// IsOwner reports whether userID is the configured bot owner.
func (c *Config) IsOwner(userID string) bool {
	return userID != "" && userID == c.OwnerID
}

// IsSudoer reports whether userID is the owner or a configured sudoer.
func (c *Config) IsSudoer(userID string) bool {
	if c.IsOwner(userID) {
		return true
	}
	for _, s := range c.Sudoers {
		if s == userID {
			return true
		}
	}
	return false
}
