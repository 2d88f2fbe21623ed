// Package config provides configuration management for Agent Forge.
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

// Config holds all configuration sections for Agent Forge.
type Config struct {
	Server     ServerConfig               `mapstructure:"server" yaml:"server"`
	Database   DatabaseConfig             `mapstructure:"database" yaml:"database"`
	NATS       NATSConfig                 `mapstructure:"nats" yaml:"nats"`
	Logging    LoggingConfig              `mapstructure:"logging" yaml:"logging"`
	Defaults   DefaultsConfig             `mapstructure:"defaults" yaml:"defaults"`
	Monitor    MonitorConfig              `mapstructure:"monitor" yaml:"monitor"`
	Profiles   map[string]AgentProfile    `mapstructure:"profiles" yaml:"profiles"`
	Projects   map[string]ProjectConfig   `mapstructure:"projects" yaml:"projects"`
	Connectors map[string]ConnectorConfig `mapstructure:"connectors" yaml:"connectors"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host" yaml:"host"`
	Port         int    `mapstructure:"port" yaml:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout" yaml:"readTimeout"`   // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout" yaml:"writeTimeout"` // in seconds
}

// DatabaseConfig holds the sqlite database location.
type DatabaseConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url" yaml:"url"`
	ClientID      string `mapstructure:"clientId" yaml:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects" yaml:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	OutputPath string `mapstructure:"outputPath" yaml:"outputPath"`
}

// DefaultsConfig holds fleet-wide agent defaults.
type DefaultsConfig struct {
	MaxAgentsPerProject int               `mapstructure:"maxAgentsPerProject" yaml:"maxAgentsPerProject"`
	Sandbox             bool              `mapstructure:"sandbox" yaml:"sandbox"`
	SandboxCommand      string            `mapstructure:"sandboxCommand" yaml:"sandboxCommand,omitempty"`
	ClaudeCommand       string            `mapstructure:"claudeCommand" yaml:"claudeCommand"`
	ClaudeEnv           map[string]string `mapstructure:"claudeEnv" yaml:"claudeEnv,omitempty"`
	BranchPrefix        string            `mapstructure:"branchPrefix" yaml:"branchPrefix"`
	PollIntervalSeconds float64           `mapstructure:"pollIntervalSeconds" yaml:"pollIntervalSeconds"`
	AgentInstructions   string            `mapstructure:"agentInstructions" yaml:"agentInstructions,omitempty"`
}

// MonitorConfig holds optional overrides for the status inference rules.
// Empty lists keep the built-in defaults.
type MonitorConfig struct {
	InputPatterns []string `mapstructure:"inputPatterns" yaml:"inputPatterns,omitempty"`
	ErrorPatterns []string `mapstructure:"errorPatterns" yaml:"errorPatterns,omitempty"`
	IdlePatterns  []string `mapstructure:"idlePatterns" yaml:"idlePatterns,omitempty"`
}

// StartStep is a single step in an agent's boot sequence.
// Action is one of "wait", "send", "wait_for_idle".
type StartStep struct {
	Action string `mapstructure:"action" yaml:"action"`
	Value  string `mapstructure:"value" yaml:"value,omitempty"`
}

// AgentProfile is a named preset with system prompt, instructions, and start sequence.
type AgentProfile struct {
	Description   string      `mapstructure:"description" yaml:"description,omitempty"`
	SystemPrompt  string      `mapstructure:"systemPrompt" yaml:"systemPrompt,omitempty"`
	Instructions  string      `mapstructure:"instructions" yaml:"instructions,omitempty"`
	StartSequence []StartStep `mapstructure:"startSequence" yaml:"startSequence,omitempty"`
}

// SandboxConfig holds per-project sandbox settings.
type SandboxConfig struct {
	AllowedHosts []string `mapstructure:"allowedHosts" yaml:"allowedHosts,omitempty"`
}

// ChannelBinding binds a project to one chat channel on one connector.
type ChannelBinding struct {
	ConnectorID string `mapstructure:"connectorId" yaml:"connectorId"`
	ChannelID   string `mapstructure:"channelId" yaml:"channelId"`
	ChannelName string `mapstructure:"channelName" yaml:"channelName,omitempty"`
	Inbound     bool   `mapstructure:"inbound" yaml:"inbound"`
	Outbound    bool   `mapstructure:"outbound" yaml:"outbound"`
}

// ProjectConfig describes one registered project.
type ProjectConfig struct {
	Path              string           `mapstructure:"path" yaml:"path"`
	DefaultBranch     string           `mapstructure:"defaultBranch" yaml:"defaultBranch"`
	MaxAgents         *int             `mapstructure:"maxAgents" yaml:"maxAgents,omitempty"`
	Description       string           `mapstructure:"description" yaml:"description,omitempty"`
	Sandbox           *SandboxConfig   `mapstructure:"sandbox" yaml:"sandbox,omitempty"`
	Channels          []ChannelBinding `mapstructure:"channels" yaml:"channels,omitempty"`
	AgentInstructions string           `mapstructure:"agentInstructions" yaml:"agentInstructions,omitempty"`
	ContextFiles      []string         `mapstructure:"contextFiles" yaml:"contextFiles,omitempty"`
}

// ConnectorConfig describes one chat platform connector instance.
type ConnectorConfig struct {
	Type        string            `mapstructure:"type" yaml:"type"`
	Enabled     bool              `mapstructure:"enabled" yaml:"enabled"`
	Credentials map[string]string `mapstructure:"credentials" yaml:"credentials,omitempty"`
	Settings    map[string]any    `mapstructure:"settings" yaml:"settings,omitempty"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// PollInterval returns the scheduler poll interval as a time.Duration.
func (d *DefaultsConfig) PollInterval() time.Duration {
	return time.Duration(d.PollIntervalSeconds * float64(time.Second))
}

// MaxAgents returns the agent cap for a project, falling back to defaults.
func (c *Config) MaxAgents(project string) int {
	if p, ok := c.Projects[project]; ok && p.MaxAgents != nil {
		return *p.MaxAgents
	}
	return c.Defaults.MaxAgentsPerProject
}

// SandboxEnabled reports whether agents of a project run sandboxed. A
// project-level sandbox section always opts in; otherwise the fleet-wide
// default applies.
func (c *Config) SandboxEnabled(project string) bool {
	if p, ok := c.Projects[project]; ok && p.Sandbox != nil {
		return true
	}
	return c.Defaults.Sandbox
}

// Profile returns a profile by name, or nil when not defined.
func (c *Config) Profile(name string) *AgentProfile {
	if p, ok := c.Profiles[name]; ok {
		return &p
	}
	return nil
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("FORGE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults
	v.SetDefault("database.path", "forge.db")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "forge-server")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Agent defaults
	v.SetDefault("defaults.maxAgentsPerProject", 5)
	v.SetDefault("defaults.sandbox", true)
	v.SetDefault("defaults.claudeCommand", "claude")
	v.SetDefault("defaults.branchPrefix", "agent")
	v.SetDefault("defaults.pollIntervalSeconds", 3.0)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix FORGE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/agentforge/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("FORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		if info, err := os.Stat(configPath); err == nil && !info.IsDir() {
			v.SetConfigFile(configPath)
		} else {
			v.AddConfigPath(configPath)
		}
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentforge/")

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

	normalize(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// normalize expands user-relative project paths and fills per-entry defaults
// that viper cannot apply inside maps.
func normalize(cfg *Config) {
	home, _ := os.UserHomeDir()
	for name, p := range cfg.Projects {
		if strings.HasPrefix(p.Path, "~") && home != "" {
			p.Path = filepath.Join(home, strings.TrimPrefix(p.Path, "~"))
		}
		if abs, err := filepath.Abs(p.Path); err == nil {
			p.Path = abs
		}
		if p.DefaultBranch == "" {
			p.DefaultBranch = "main"
		}
		cfg.Projects[name] = p
	}
}

var validStartActions = map[string]bool{"wait": true, "send": true, "wait_for_idle": true}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if cfg.Defaults.MaxAgentsPerProject <= 0 {
		errs = append(errs, "defaults.maxAgentsPerProject must be positive")
	}
	if cfg.Defaults.PollIntervalSeconds <= 0 {
		errs = append(errs, "defaults.pollIntervalSeconds must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	for name, p := range cfg.Projects {
		if p.Path == "" {
			errs = append(errs, fmt.Sprintf("projects.%s.path is required", name))
		}
		if p.MaxAgents != nil && *p.MaxAgents <= 0 {
			errs = append(errs, fmt.Sprintf("projects.%s.maxAgents must be positive", name))
		}
	}

	for name, prof := range cfg.Profiles {
		for i, step := range prof.StartSequence {
			if !validStartActions[step.Action] {
				errs = append(errs, fmt.Sprintf("profiles.%s.startSequence[%d].action must be one of: wait, send, wait_for_idle", name, i))
			}
		}
	}

	for id, c := range cfg.Connectors {
		if c.Type == "" {
			errs = append(errs, fmt.Sprintf("connectors.%s.type is required", id))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
