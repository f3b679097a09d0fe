// Package config loads the TOML file describing a supervision tree:
// the root supervisor's restart budget, the children to run under it,
// and the ambient journal/server/metrics settings.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/supv/internal/child"
	"github.com/loykin/supv/internal/logger"
)

// Defaults applied by Validate when the file leaves fields zero.
const (
	DefaultRestartLimit  = 5
	DefaultRestartWithin = 30 * time.Second
)

// Config is the top-level TOML structure.
type Config struct {
	Supervisor SupervisorConfig `toml:"supervisor" mapstructure:"supervisor"`
	Log        LogConfig        `toml:"log" mapstructure:"log"`
	Journal    JournalConfig    `toml:"journal" mapstructure:"journal"`
	Server     ServerConfig     `toml:"server" mapstructure:"server"`
	Metrics    MetricsConfig    `toml:"metrics" mapstructure:"metrics"`
	Children   []ChildConfig    `toml:"children" mapstructure:"children"`
}

type SupervisorConfig struct {
	Name          string        `toml:"name" mapstructure:"name"`
	RestartLimit  int           `toml:"restart_limit" mapstructure:"restart_limit"`
	RestartWithin time.Duration `toml:"restart_within" mapstructure:"restart_within"`
	StartSlack    time.Duration `toml:"start_slack" mapstructure:"start_slack"`
}

type LogConfig struct {
	Level string `toml:"level" mapstructure:"level"`
	Color bool   `toml:"color" mapstructure:"color"`
}

type JournalConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

type ServerConfig struct {
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

type MetricsConfig struct {
	Enabled bool `toml:"enabled" mapstructure:"enabled"`
}

// ChildConfig describes one process child of the root supervisor.
type ChildConfig struct {
	Name            string        `toml:"name" mapstructure:"name"`
	Command         string        `toml:"command" mapstructure:"command"`
	WorkDir         string        `toml:"workdir" mapstructure:"workdir"`
	Env             []string      `toml:"env" mapstructure:"env"`
	Policy          string        `toml:"policy" mapstructure:"policy"`
	StartDuration   time.Duration `toml:"startsecs" mapstructure:"startsecs"`
	StartTimeout    time.Duration `toml:"start_timeout" mapstructure:"start_timeout"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	Log             logger.Config `toml:"log" mapstructure:"log"`
}

// Load reads and validates a TOML config file.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate fills defaults and rejects contradictions.
func (c *Config) Validate() error {
	if c.Supervisor.Name == "" {
		c.Supervisor.Name = "supv"
	}
	if c.Supervisor.RestartLimit < 0 {
		return fmt.Errorf("supervisor.restart_limit must not be negative")
	}
	if c.Supervisor.RestartLimit == 0 {
		c.Supervisor.RestartLimit = DefaultRestartLimit
	}
	if c.Supervisor.RestartWithin <= 0 {
		c.Supervisor.RestartWithin = DefaultRestartWithin
	}
	if c.Supervisor.StartSlack < 0 {
		return fmt.Errorf("supervisor.start_slack must not be negative")
	}
	seen := make(map[string]bool, len(c.Children))
	for i := range c.Children {
		cc := &c.Children[i]
		if cc.Name == "" {
			return fmt.Errorf("children[%d]: name is required", i)
		}
		if seen[cc.Name] {
			return fmt.Errorf("children[%d]: duplicate name %q", i, cc.Name)
		}
		seen[cc.Name] = true
		if cc.Command == "" {
			return fmt.Errorf("child %q: command is required", cc.Name)
		}
		if _, err := child.ParsePolicy(cc.Policy); err != nil {
			return fmt.Errorf("child %q: %w", cc.Name, err)
		}
	}
	return nil
}
