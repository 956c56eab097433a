// Package config provides configuration management for the bridge.
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

// Config holds all configuration sections for the bridge.
type Config struct {
	Bridge   BridgeConfig   `mapstructure:"bridge"`
	Hub      HubConfig      `mapstructure:"hub"`
	Watchdog WatchdogConfig `mapstructure:"watchdog"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Buffer   BufferConfig   `mapstructure:"buffer"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// BridgeConfig holds the session-level defaults for the bridge.
type BridgeConfig struct {
	// WorkDir is the working directory driven turns run against.
	WorkDir string `mapstructure:"workDir"`

	// Model is the default Codex model; empty lets the backend pick.
	Model string `mapstructure:"model"`

	// ReasoningEffort is forwarded only when one of low|medium|high|xhigh.
	ReasoningEffort string `mapstructure:"reasoningEffort"`

	// PermissionMode is the starting permission mode (default, read-only,
	// safe-yolo, yolo).
	PermissionMode string `mapstructure:"permissionMode"`

	// CodexBin is the path to the codex binary used by the app-server, MCP
	// and SDK transports.
	CodexBin string `mapstructure:"codexBin"`

	// McpBridgePort is the local port for the bundled MCP server exposed to
	// the backend. 0 disables the bridge.
	McpBridgePort int `mapstructure:"mcpBridgePort"`
}

// HubConfig holds the hub link configuration.
type HubConfig struct {
	URL   string `mapstructure:"url"`
	Token string `mapstructure:"token"`

	// ReconnectDelay is a reconnect delay, in seconds. The hub client does
	// not reconnect after the link drops and does not read this value.
	ReconnectDelay int `mapstructure:"reconnectDelay"`
}

// WatchdogConfig holds turn progress watchdog configuration.
type WatchdogConfig struct {
	// Interval is how often the watchdog checks for progress, in seconds.
	Interval int `mapstructure:"interval"`

	// StallThreshold is the idle time after which a warning is emitted, in seconds.
	StallThreshold int `mapstructure:"stallThreshold"`
}

// QueueConfig holds message queue configuration.
type QueueConfig struct {
	MaxSize int `mapstructure:"maxSize"`
}

// BufferConfig holds message buffer configuration.
type BufferConfig struct {
	MaxEntries int `mapstructure:"maxEntries"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TracingConfig holds OpenTelemetry tracing configuration.
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// IntervalDuration returns the watchdog check interval as a time.Duration.
func (w *WatchdogConfig) IntervalDuration() time.Duration {
	return time.Duration(w.Interval) * time.Second
}

// StallThresholdDuration returns the stall threshold as a time.Duration.
func (w *WatchdogConfig) StallThresholdDuration() time.Duration {
	return time.Duration(w.StallThreshold) * time.Second
}

// ReconnectDelayDuration returns the hub reconnect delay as a time.Duration.
func (h *HubConfig) ReconnectDelayDuration() time.Duration {
	return time.Duration(h.ReconnectDelay) * time.Second
}

// SettingsDir returns the directory for bridge settings, honouring HAPI_HOME.
func SettingsDir() string {
	if home := os.Getenv("HAPI_HOME"); home != "" {
		return home
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".hapi")
	}
	return ".hapi"
}

// detectDefaultLogFormat returns "json" in production environments and
// "text" for terminal use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("HAPI_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Bridge defaults
	v.SetDefault("bridge.workDir", ".")
	v.SetDefault("bridge.model", "")
	v.SetDefault("bridge.reasoningEffort", "")
	v.SetDefault("bridge.permissionMode", "default")
	v.SetDefault("bridge.codexBin", "codex")
	v.SetDefault("bridge.mcpBridgePort", 9872)

	// Hub defaults
	v.SetDefault("hub.url", "ws://localhost:8005/v1/session")
	v.SetDefault("hub.token", "")
	v.SetDefault("hub.reconnectDelay", 3)

	// Watchdog defaults
	v.SetDefault("watchdog.interval", 5)
	v.SetDefault("watchdog.stallThreshold", 90)

	// Queue and buffer defaults
	v.SetDefault("queue.maxSize", 100)
	v.SetDefault("buffer.maxEntries", 1000)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stderr")

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CODEX_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or the settings directory (HAPI_HOME or ~/.hapi).
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CODEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings where env var naming differs from config key naming.
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("bridge.workDir", "CODEX_BRIDGE_WORK_DIR")
	_ = v.BindEnv("bridge.reasoningEffort", "CODEX_BRIDGE_REASONING_EFFORT")
	_ = v.BindEnv("bridge.permissionMode", "CODEX_BRIDGE_PERMISSION_MODE")
	_ = v.BindEnv("bridge.codexBin", "CODEX_BRIDGE_BIN")
	_ = v.BindEnv("hub.url", "CODEX_HUB_URL")
	_ = v.BindEnv("hub.token", "CODEX_HUB_TOKEN")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath(SettingsDir())

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

// validate checks that all required configuration fields are sane.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Hub.URL == "" {
		errs = append(errs, "hub.url must be set")
	}
	if cfg.Watchdog.Interval <= 0 {
		errs = append(errs, "watchdog.interval must be positive")
	}
	if cfg.Watchdog.StallThreshold <= 0 {
		errs = append(errs, "watchdog.stallThreshold must be positive")
	}
	if cfg.Queue.MaxSize <= 0 {
		errs = append(errs, "queue.maxSize must be positive")
	}
	if cfg.Buffer.MaxEntries <= 0 {
		errs = append(errs, "buffer.maxEntries must be positive")
	}
	switch cfg.Bridge.PermissionMode {
	case "default", "read-only", "safe-yolo", "yolo":
	default:
		errs = append(errs, "bridge.permissionMode must be one of default, read-only, safe-yolo, yolo")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
