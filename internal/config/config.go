package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/artemis/device-manager/internal/observability"
)

// Config holds all Manager configuration.
type Config struct {
	// HTTP/WebSocket server configuration.
	Host string `json:"host"`
	Port int    `json:"port"`

	// HTTPAddr is the address the inspection REST API listens on.
	HTTPAddr string `json:"http_addr"`

	// PingInterval/PingTimeout govern the transport's own liveness probing.
	PingInterval time.Duration `json:"ping_interval"`
	PingTimeout  time.Duration `json:"ping_timeout"`

	// BearerToken is the shared secret Workers must present at handshake.
	BearerToken string `json:"bearer_token"`

	// AdminTokenHash, if set, gates the inspection REST API with a bcrypt-hashed
	// admin token (empty disables admin auth).
	AdminTokenHash string `json:"admin_token_hash,omitempty"`

	Registry   RegistryConfig   `json:"registry"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
	Stream     StreamConfig     `json:"stream"`

	// LogLevel configures the zap logger.
	LogLevel string `json:"log_level"`

	mu sync.RWMutex
}

// RegistryConfig configures WorkerRegistry health tracking.
type RegistryConfig struct {
	HeartbeatTimeout    time.Duration `json:"heartbeat_timeout"`
	HealthCheckInterval time.Duration `json:"health_check_interval"`
}

// DispatcherConfig configures TaskDispatcher defaults.
type DispatcherConfig struct {
	DefaultTimeout time.Duration `json:"default_timeout"`
	DefaultRetry   RetryPolicy   `json:"default_retry"`
	JobMaxAge      time.Duration `json:"job_max_age"`
}

// RetryPolicy is forwarded to Workers on dispatch when the caller omits one.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	Delay       time.Duration `json:"delay"`
}

// StreamConfig configures StreamProxy limits.
type StreamConfig struct {
	MaxBufferSize             int `json:"max_buffer_size"`
	MaxViewersPerStream       int `json:"max_viewers_per_stream"`
	MaxFrameRate              int `json:"max_frame_rate"`
	QualityReductionThreshold int `json:"quality_reduction_threshold"`
}

// DefaultConfig returns a configuration with the defaults named in spec §6.
func DefaultConfig() *Config {
	return &Config{
		Host:         "0.0.0.0",
		Port:         3001,
		HTTPAddr:     ":8080",
		PingInterval: 10 * time.Second,
		PingTimeout:  5 * time.Second,
		LogLevel:     "info",
		Registry: RegistryConfig{
			HeartbeatTimeout:    30 * time.Second,
			HealthCheckInterval: 10 * time.Second,
		},
		Dispatcher: DispatcherConfig{
			DefaultTimeout: 300 * time.Second,
			DefaultRetry: RetryPolicy{
				MaxAttempts: 3,
				Delay:       5 * time.Second,
			},
			JobMaxAge: 24 * time.Hour,
		},
		Stream: StreamConfig{
			MaxBufferSize:             3,
			MaxViewersPerStream:       10,
			MaxFrameRate:              30,
			QualityReductionThreshold: 5,
		},
	}
}

// LoadConfig loads configuration from a file or returns default config.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(homeDir, ".device-manager", "config.json")
		}
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

// Save saves the configuration to a file.
func (c *Config) Save(path string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if path == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, ".device-manager", "config.json")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename config file: %w", err)
	}

	return nil
}

// Redact returns a redacted copy of the config for logging.
func (c *Config) Redact() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return map[string]interface{}{
		"host":            c.Host,
		"port":            c.Port,
		"http_addr":       c.HTTPAddr,
		"ping_interval":   c.PingInterval,
		"ping_timeout":    c.PingTimeout,
		"bearer_token":    observability.RedactString("token=" + c.BearerToken),
		"admin_token_set": c.AdminTokenHash != "",
		"log_level":       c.LogLevel,
		"registry":        c.Registry,
		"dispatcher":      c.Dispatcher,
		"stream":          c.Stream,
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Host == "" {
		cfg.Host = defaults.Host
	}
	if cfg.Port == 0 {
		cfg.Port = defaults.Port
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = defaults.HTTPAddr
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = defaults.PingInterval
	}
	if cfg.PingTimeout == 0 {
		cfg.PingTimeout = defaults.PingTimeout
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaults.LogLevel
	}
	if cfg.Registry.HeartbeatTimeout == 0 {
		cfg.Registry.HeartbeatTimeout = defaults.Registry.HeartbeatTimeout
	}
	if cfg.Registry.HealthCheckInterval == 0 {
		cfg.Registry.HealthCheckInterval = defaults.Registry.HealthCheckInterval
	}
	if cfg.Dispatcher.DefaultTimeout == 0 {
		cfg.Dispatcher.DefaultTimeout = defaults.Dispatcher.DefaultTimeout
	}
	if cfg.Dispatcher.DefaultRetry.MaxAttempts == 0 {
		cfg.Dispatcher.DefaultRetry = defaults.Dispatcher.DefaultRetry
	}
	if cfg.Dispatcher.JobMaxAge == 0 {
		cfg.Dispatcher.JobMaxAge = defaults.Dispatcher.JobMaxAge
	}
	if cfg.Stream.MaxBufferSize == 0 {
		cfg.Stream.MaxBufferSize = defaults.Stream.MaxBufferSize
	}
	if cfg.Stream.MaxViewersPerStream == 0 {
		cfg.Stream.MaxViewersPerStream = defaults.Stream.MaxViewersPerStream
	}
	if cfg.Stream.MaxFrameRate == 0 {
		cfg.Stream.MaxFrameRate = defaults.Stream.MaxFrameRate
	}
	if cfg.Stream.QualityReductionThreshold == 0 {
		cfg.Stream.QualityReductionThreshold = defaults.Stream.QualityReductionThreshold
	}
}
