// Package config provides YAML-based configuration loading for meshrpc nodes.
package config

import (
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "strings"
    "time"

    "github.com/spf13/viper"
)

// Config is the root node configuration.
type Config struct {
    // AppName optional logical name of the node/application
    AppName string `mapstructure:"app_name"`

    // NodeID is the unique mesh participant identifier
    NodeID string `mapstructure:"node_id"`

    // Namespace is the first segment of every topic string, isolating
    // independent meshes sharing one transport substrate
    Namespace string `mapstructure:"namespace"`

    // Codec selects the packet wire encoding: json or cbor
    Codec string `mapstructure:"codec"`

    // RequestTimeoutMS bounds each outbound request
    RequestTimeoutMS int `mapstructure:"request_timeout_ms"`

    // HeartbeatIntervalMS is the discoverer tick interval
    HeartbeatIntervalMS int `mapstructure:"heartbeat_interval_ms"`

    // NodeLivenessMS is how long a node may stay silent before it is
    // considered unavailable
    NodeLivenessMS int `mapstructure:"node_liveness_ms"`

    // MetricsAddr exposes Prometheus metrics on this address when set,
    // e.g. ":9090". Empty disables the listener.
    MetricsAddr string `mapstructure:"metrics_addr"`

    // Log holds logging configuration
    Log LogConfig `mapstructure:"log"`
}

// LogConfig defines logger settings.
type LogConfig struct {
    // Level: debug, info, warn, error
    Level string `mapstructure:"level"`
    // Format: console or json
    Format string `mapstructure:"format"`
    // Outputs: stdout, stderr, or file paths
    Outputs []string `mapstructure:"outputs"`
    // Rotation controls file rotation when writing to files
    Rotation RotationConfig `mapstructure:"rotation"`
    // Development toggles development-friendly logging options
    Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
    Enable     bool `mapstructure:"enable"`
    MaxSizeMB  int  `mapstructure:"max_size_mb"`
    MaxBackups int  `mapstructure:"max_backups"`
    MaxAgeDays int  `mapstructure:"max_age_days"`
    Compress   bool `mapstructure:"compress"`
}

// RequestTimeout returns the configured request timeout as a duration.
func (c *Config) RequestTimeout() time.Duration {
    return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

// HeartbeatInterval returns the configured heartbeat interval as a duration.
func (c *Config) HeartbeatInterval() time.Duration {
    return time.Duration(c.HeartbeatIntervalMS) * time.Millisecond
}

// NodeLiveness returns the configured liveness window as a duration.
func (c *Config) NodeLiveness() time.Duration {
    return time.Duration(c.NodeLivenessMS) * time.Millisecond
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
    return &Config{
        AppName:             "meshrpc-node",
        NodeID:              "node-1",
        Namespace:           "MESH",
        Codec:               "json",
        RequestTimeoutMS:    5000,
        HeartbeatIntervalMS: 5000,
        NodeLivenessMS:      30000,
        MetricsAddr:         "",
        Log: LogConfig{
            Level:       "info",
            Format:      "console",
            Outputs:     []string{"stdout"},
            Development: true,
            Rotation: RotationConfig{
                Enable:     false,
                MaxSizeMB:  50,
                MaxBackups: 3,
                MaxAgeDays: 28,
                Compress:   true,
            },
        },
    }
}

// Load reads configuration from the provided path (if non-empty), otherwise
// it searches common locations and supports environment overrides. Env vars
// use the prefix MESHRPC and `.`/`-` are replaced with `_`.
// Example: MESHRPC_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
    cfg := Default()

    v := viper.New()
    v.SetConfigType("yaml")
    v.SetEnvPrefix("MESHRPC")
    v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
    v.AutomaticEnv()

    // seed defaults for viper so env-only configs work
    v.SetDefault("app_name", cfg.AppName)
    v.SetDefault("node_id", cfg.NodeID)
    v.SetDefault("namespace", cfg.Namespace)
    v.SetDefault("codec", cfg.Codec)
    v.SetDefault("request_timeout_ms", cfg.RequestTimeoutMS)
    v.SetDefault("heartbeat_interval_ms", cfg.HeartbeatIntervalMS)
    v.SetDefault("node_liveness_ms", cfg.NodeLivenessMS)
    v.SetDefault("metrics_addr", cfg.MetricsAddr)
    v.SetDefault("log.level", cfg.Log.Level)
    v.SetDefault("log.format", cfg.Log.Format)
    v.SetDefault("log.outputs", cfg.Log.Outputs)
    v.SetDefault("log.development", cfg.Log.Development)
    v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
    v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
    v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
    v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
    v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

    if path == "" {
        if envPath := os.Getenv("MESHRPC_CONFIG"); envPath != "" {
            path = envPath
        }
    }

    if path != "" {
        v.SetConfigFile(path)
    } else {
        v.SetConfigName("meshrpc")
        v.AddConfigPath(".")
        v.AddConfigPath("./configs")
        if home, err := os.UserHomeDir(); err == nil {
            v.AddConfigPath(filepath.Join(home, ".meshrpc"))
        }
    }

    // Read config file if present; if not found, continue with defaults/env
    if err := v.ReadInConfig(); err != nil {
        var notFound viper.ConfigFileNotFoundError
        if !errors.As(err, &notFound) {
            return nil, fmt.Errorf("read config: %w", err)
        }
    }

    if err := v.Unmarshal(&cfg); err != nil {
        return nil, fmt.Errorf("decode config: %w", err)
    }

    if err := cfg.validate(); err != nil {
        return nil, err
    }
    return cfg, nil
}

func (c *Config) validate() error {
    switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
    case "debug", "info", "warn", "warning", "error":
        // ok
    default:
        return fmt.Errorf("invalid log.level: %q", c.Log.Level)
    }
    switch strings.ToLower(strings.TrimSpace(c.Codec)) {
    case "json", "cbor":
        // ok
    default:
        return fmt.Errorf("invalid codec: %q", c.Codec)
    }
    if c.Log.Format == "" {
        c.Log.Format = "console"
    }
    if len(c.Log.Outputs) == 0 {
        c.Log.Outputs = []string{"stdout"}
    }
    if strings.TrimSpace(c.NodeID) == "" {
        c.NodeID = "node-1"
    }
    if c.RequestTimeoutMS <= 0 {
        c.RequestTimeoutMS = 5000
    }
    if c.HeartbeatIntervalMS <= 0 {
        c.HeartbeatIntervalMS = 5000
    }
    return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
    cfg, err := Load(path)
    if err != nil {
        panic(err)
    }
    return cfg
}
