// File: internal/config/config.go
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger      LoggerConfig      `mapstructure:"logger" yaml:"logger"`
	Observation ObservationConfig `mapstructure:"observation" yaml:"observation"`
	Matcher     MatcherConfig     `mapstructure:"matcher" yaml:"matcher"`
	Learning    LearningConfig    `mapstructure:"learning" yaml:"learning"`
	Executor    ExecutorConfig    `mapstructure:"executor" yaml:"executor"`
	Security    SecurityConfig    `mapstructure:"security" yaml:"security"`
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	Database    DatabaseConfig    `mapstructure:"database" yaml:"database"`
	Injector    InjectorConfig    `mapstructure:"injector" yaml:"injector"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// ObservationConfig tunes the observation sources feeding the agent loop.
type ObservationConfig struct {
	MonitorPanel    bool          `mapstructure:"monitor_panel" yaml:"monitor_panel"`
	MonitorTerminal bool          `mapstructure:"monitor_terminal" yaml:"monitor_terminal"`
	TerminalLogPath string        `mapstructure:"terminal_log_path" yaml:"terminal_log_path"`
	PollInterval    time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	QueueSize       int           `mapstructure:"queue_size" yaml:"queue_size"`
	// RedactionPatterns strips volatile substrings (timestamps, counters)
	// before fingerprinting. Each entry is a regular expression.
	RedactionPatterns []string `mapstructure:"redaction_patterns" yaml:"redaction_patterns"`
}

// MatcherConfig controls when a similarity match is accepted.
type MatcherConfig struct {
	MatchThreshold  float64 `mapstructure:"match_threshold" yaml:"match_threshold"`
	AmbiguityMargin float64 `mapstructure:"ambiguity_margin" yaml:"ambiguity_margin"`
}

// LearningConfig drives the human-in-the-loop learning sessions.
type LearningConfig struct {
	SessionTimeout      time.Duration `mapstructure:"session_timeout" yaml:"session_timeout"`
	InitialConfidence   float64       `mapstructure:"initial_confidence" yaml:"initial_confidence"`
	RequireConfirmation bool          `mapstructure:"require_confirmation" yaml:"require_confirmation"`
	TransportRetries    int           `mapstructure:"transport_retries" yaml:"transport_retries"`
}

// ExecutorConfig tunes action execution.
type ExecutorConfig struct {
	RetryAttempts  int           `mapstructure:"retry_attempts" yaml:"retry_attempts"`
	ActionDelay    time.Duration `mapstructure:"action_delay" yaml:"action_delay"`
	PoolSize       int           `mapstructure:"pool_size" yaml:"pool_size"`
	ShutdownGrace  time.Duration `mapstructure:"shutdown_grace" yaml:"shutdown_grace"`
	ConfidenceStep float64       `mapstructure:"confidence_step" yaml:"confidence_step"`
}

// SecurityConfig holds the audit and permission settings.
type SecurityConfig struct {
	AuditLogging    bool   `mapstructure:"audit_logging" yaml:"audit_logging"`
	SandboxMode     bool   `mapstructure:"sandbox_mode" yaml:"sandbox_mode"`
	PermissionLevel string `mapstructure:"permission_level" yaml:"permission_level"`
}

// ServerConfig configures the control-surface HTTP listener.
type ServerConfig struct {
	Addr     string   `mapstructure:"addr" yaml:"addr"`
	Webhooks []string `mapstructure:"webhooks" yaml:"webhooks"`
	// LogLimit caps GET /logs responses when the caller gives no limit.
	LogLimit int `mapstructure:"log_limit" yaml:"log_limit"`
}

// DatabaseConfig holds the optional Postgres connection for pattern and
// audit persistence. Empty URL keeps the agent fully in-memory.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// InjectorConfig selects the input-injection backend.
type InjectorConfig struct {
	// Mode is "cdp" (Chrome DevTools Protocol, e.g. code-server) or "noop".
	Mode string `mapstructure:"mode" yaml:"mode"`
	// DevToolsURL is the websocket debugger address for cdp mode.
	DevToolsURL string `mapstructure:"devtools_url" yaml:"devtools_url"`
}

// DefaultDataDir returns the agent's data directory (~/.nexus-agent).
func DefaultDataDir() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".nexus-agent"), nil
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "nexus-agent")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Observation --
	v.SetDefault("observation.monitor_panel", true)
	v.SetDefault("observation.monitor_terminal", true)
	v.SetDefault("observation.terminal_log_path", "")
	v.SetDefault("observation.poll_interval", "500ms")
	v.SetDefault("observation.queue_size", 256)
	v.SetDefault("observation.redaction_patterns", []string{
		`\d{4}[-/]\d{2}[-/]\d{2}[ tT]?\d{0,2}:?\d{0,2}:?\d{0,2}`, // timestamps
		`\b\d+\b`, // bare counters
	})

	// -- Matcher --
	v.SetDefault("matcher.match_threshold", 0.85)
	v.SetDefault("matcher.ambiguity_margin", 0.05)

	// -- Learning --
	v.SetDefault("learning.session_timeout", "30s")
	v.SetDefault("learning.initial_confidence", 0.7)
	v.SetDefault("learning.require_confirmation", true)
	v.SetDefault("learning.transport_retries", 3)

	// -- Executor --
	v.SetDefault("executor.retry_attempts", 3)
	v.SetDefault("executor.action_delay", "100ms")
	v.SetDefault("executor.pool_size", 4)
	v.SetDefault("executor.shutdown_grace", "5s")
	v.SetDefault("executor.confidence_step", 0.05)

	// -- Security --
	v.SetDefault("security.audit_logging", true)
	v.SetDefault("security.sandbox_mode", true)
	v.SetDefault("security.permission_level", "standard")

	// -- Server --
	v.SetDefault("server.addr", "127.0.0.1:7633")
	v.SetDefault("server.log_limit", 100)

	// -- Injector --
	v.SetDefault("injector.mode", "noop")
	v.SetDefault("injector.devtools_url", "")
}

// NewDefaultConfig creates a configuration populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// NewConfigFromViper creates a configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Matcher.MatchThreshold < 0.0 || c.Matcher.MatchThreshold > 1.0 {
		return fmt.Errorf("matcher.match_threshold must be between 0.0 and 1.0")
	}
	if c.Matcher.AmbiguityMargin < 0.0 || c.Matcher.AmbiguityMargin > 1.0 {
		return fmt.Errorf("matcher.ambiguity_margin must be between 0.0 and 1.0")
	}
	if c.Learning.InitialConfidence < 0.0 || c.Learning.InitialConfidence > 1.0 {
		return fmt.Errorf("learning.initial_confidence must be between 0.0 and 1.0")
	}
	if c.Learning.SessionTimeout <= 0 {
		return fmt.Errorf("learning.session_timeout must be a positive duration")
	}
	if c.Executor.RetryAttempts < 0 {
		return fmt.Errorf("executor.retry_attempts must not be negative")
	}
	if c.Executor.PoolSize <= 0 {
		return fmt.Errorf("executor.pool_size must be a positive integer")
	}
	if c.Observation.PollInterval <= 0 {
		return fmt.Errorf("observation.poll_interval must be a positive duration")
	}
	if c.Observation.MonitorTerminal && c.Observation.TerminalLogPath == "" {
		// Terminal monitoring stays enabled by default but silently idle
		// until a log path is configured.
		c.Observation.MonitorTerminal = false
	}
	switch c.Injector.Mode {
	case "noop", "cdp":
	default:
		return fmt.Errorf("injector.mode must be \"noop\" or \"cdp\"")
	}
	if c.Injector.Mode == "cdp" && c.Injector.DevToolsURL == "" {
		return fmt.Errorf("injector.devtools_url is required in cdp mode")
	}
	return nil
}
