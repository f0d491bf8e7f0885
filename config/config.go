// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/absmach/tether/transport/api"
	"github.com/absmach/tether/transport/agent"
	"gopkg.in/yaml.v3"
)

// APIKeyEnv fills transport.api_key when the file leaves it empty.
const APIKeyEnv = "TENDRL_KEY"

// Config holds all configuration for the tether agent.
type Config struct {
	Client    ClientConfig    `yaml:"client"`
	Transport TransportConfig `yaml:"transport"`
	Storage   StorageConfig   `yaml:"storage"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Health    HealthConfig    `yaml:"health"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
}

// ClientConfig holds the dispatch loop settings.
type ClientConfig struct {
	Mode     string `yaml:"mode"` // api, agent
	Headless bool   `yaml:"headless"`

	MaxQueueSize     int           `yaml:"max_queue_size"`
	TargetCPU        float64       `yaml:"target_cpu_percent"`
	TargetMemory     float64       `yaml:"target_mem_percent"`
	MinBatchSize     int           `yaml:"min_batch_size"`
	MaxBatchSize     int           `yaml:"max_batch_size"`
	MinBatchInterval time.Duration `yaml:"min_batch_interval"`
	MaxBatchInterval time.Duration `yaml:"max_batch_interval"`
	MinTick          time.Duration `yaml:"min_tick"`

	ConnectionCheckInterval time.Duration `yaml:"connection_check_interval"`
	CheckMsgInterval        time.Duration `yaml:"check_msg_interval"`
	CheckMsgLimit           int           `yaml:"check_msg_limit"`
	CallbackTimeout         time.Duration `yaml:"callback_timeout"`
	ShutdownTimeout         time.Duration `yaml:"shutdown_timeout"`
}

// TransportConfig holds settings of both transports.
type TransportConfig struct {
	// API mode
	APIKey       string               `yaml:"api_key"`
	BaseURL      string               `yaml:"base_url"`
	Timeout      time.Duration        `yaml:"timeout"`
	BatchTimeout time.Duration        `yaml:"batch_timeout"`
	Compression  string               `yaml:"compression"` // none, gzip, zstd
	Breaker      CircuitBreakerConfig `yaml:"circuit_breaker"`

	// Agent mode
	SocketPath string `yaml:"socket_path"`
}

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// StorageConfig holds offline storage configuration.
type StorageConfig struct {
	Type string `yaml:"type"` // none, memory, badger

	// BadgerDB settings
	BadgerDir string `yaml:"badger_dir"`

	TTL             time.Duration `yaml:"ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	ReplayPageSize  int           `yaml:"replay_page_size"`
	ReplayRate      float64       `yaml:"replay_rate"` // batches per second, 0 = unlimited
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// TelemetryConfig holds OpenTelemetry configuration.
type TelemetryConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Endpoint        string        `yaml:"endpoint"` // OTLP gRPC collector
	ServiceName     string        `yaml:"service_name"`
	ServiceVersion  string        `yaml:"service_version"`
	MetricsEnabled  bool          `yaml:"metrics_enabled"`
	TracesEnabled   bool          `yaml:"traces_enabled"`
	TraceSampleRate float64       `yaml:"trace_sample_rate"` // 0.0 to 1.0
	ExportInterval  time.Duration `yaml:"export_interval"`

	// Exporter connection to the collector.
	ExportTimeout time.Duration     `yaml:"export_timeout"`
	Insecure      bool              `yaml:"insecure"` // plaintext gRPC
	Headers       map[string]string `yaml:"headers,omitempty"`
}

// HealthConfig holds the local health endpoint configuration.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// HeartbeatConfig controls the host usage producer of the agent binary.
type HeartbeatConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Interval     time.Duration `yaml:"interval"`
	Tags         []string      `yaml:"tags"`
	WriteOffline bool          `yaml:"write_offline"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Client: ClientConfig{
			Mode:                    "api",
			MaxQueueSize:            1000,
			TargetCPU:               65,
			TargetMemory:            75,
			MinBatchSize:            10,
			MaxBatchSize:            100,
			MinBatchInterval:        100 * time.Millisecond,
			MaxBatchInterval:        time.Second,
			MinTick:                 250 * time.Millisecond,
			ConnectionCheckInterval: 30 * time.Second,
			CheckMsgInterval:        3 * time.Second,
			CheckMsgLimit:           1,
			CallbackTimeout:         5 * time.Second,
			ShutdownTimeout:         30 * time.Second,
		},
		Transport: TransportConfig{
			BaseURL:      api.DefaultBaseURL,
			Timeout:      api.DefaultTimeout,
			BatchTimeout: api.DefaultBatchTimeout,
			Compression:  "none",
			Breaker: CircuitBreakerConfig{
				FailureThreshold: api.DefaultFailureThreshold,
				ResetTimeout:     api.DefaultResetTimeout,
			},
			SocketPath: agent.DefaultSocketPath(),
		},
		Storage: StorageConfig{
			Type:            "badger",
			BadgerDir:       "tether_offline",
			TTL:             time.Hour,
			CleanupInterval: 60 * time.Second,
			ReplayPageSize:  50,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			Enabled:         false,
			Endpoint:        "localhost:4317",
			ServiceName:     "tether",
			ServiceVersion:  api.Version,
			MetricsEnabled:  true,
			TracesEnabled:   false,
			TraceSampleRate: 0.1,
			ExportInterval:  15 * time.Second,
			ExportTimeout:   10 * time.Second,
			Insecure:        true,
		},
		Health: HealthConfig{
			Enabled: true,
			Addr:    "localhost:8081",
		},
		Heartbeat: HeartbeatConfig{
			Enabled:  true,
			Interval: 30 * time.Second,
			Tags:     []string{"heartbeat"},
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	cfg := Default()
	if filename != "" {
		data, err := os.ReadFile(filename)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	if cfg.Transport.APIKey == "" {
		cfg.Transport.APIKey = os.Getenv(APIKeyEnv)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid. A missing API key is not
// an error here; the client reports it when it is built in api mode.
func (c *Config) Validate() error {
	if c.Client.Mode != "api" && c.Client.Mode != "agent" {
		return fmt.Errorf("client.mode must be one of: api, agent")
	}
	if c.Client.MaxQueueSize < 1 {
		return fmt.Errorf("client.max_queue_size must be at least 1")
	}
	if c.Client.TargetCPU <= 0 || c.Client.TargetCPU > 100 {
		return fmt.Errorf("client.target_cpu_percent must be in (0, 100]")
	}
	if c.Client.TargetMemory <= 0 || c.Client.TargetMemory > 100 {
		return fmt.Errorf("client.target_mem_percent must be in (0, 100]")
	}
	if c.Client.MinBatchSize < 1 {
		return fmt.Errorf("client.min_batch_size must be at least 1")
	}
	if c.Client.MaxBatchSize < c.Client.MinBatchSize {
		return fmt.Errorf("client.max_batch_size must not be less than client.min_batch_size")
	}
	if c.Client.MinBatchInterval <= 0 {
		return fmt.Errorf("client.min_batch_interval must be positive")
	}
	if c.Client.MaxBatchInterval < c.Client.MinBatchInterval {
		return fmt.Errorf("client.max_batch_interval must not be less than client.min_batch_interval")
	}
	if c.Client.MinTick < 0 {
		return fmt.Errorf("client.min_tick cannot be negative")
	}
	if c.Client.ConnectionCheckInterval < time.Second {
		return fmt.Errorf("client.connection_check_interval must be at least 1 second")
	}
	if c.Client.CheckMsgLimit < 1 {
		return fmt.Errorf("client.check_msg_limit must be at least 1")
	}
	if c.Client.ShutdownTimeout < time.Second {
		return fmt.Errorf("client.shutdown_timeout must be at least 1 second")
	}

	if c.Client.Mode == "api" {
		if c.Transport.BaseURL == "" {
			return fmt.Errorf("transport.base_url cannot be empty in api mode")
		}
		if _, err := api.ParseCompression(c.Transport.Compression); err != nil {
			return fmt.Errorf("transport.compression must be one of: none, gzip, zstd")
		}
		if c.Transport.Breaker.FailureThreshold < 1 {
			return fmt.Errorf("transport.circuit_breaker.failure_threshold must be at least 1")
		}
		if c.Transport.Breaker.ResetTimeout < time.Second {
			return fmt.Errorf("transport.circuit_breaker.reset_timeout must be at least 1 second")
		}
	}
	if c.Client.Mode == "agent" && c.Transport.SocketPath == "" {
		return fmt.Errorf("transport.socket_path cannot be empty in agent mode")
	}
	if c.Transport.Timeout <= 0 {
		return fmt.Errorf("transport.timeout must be positive")
	}

	validStorage := map[string]bool{"none": true, "memory": true, "badger": true}
	if !validStorage[c.Storage.Type] {
		return fmt.Errorf("storage.type must be one of: none, memory, badger")
	}
	if c.Storage.Type == "badger" && c.Storage.BadgerDir == "" {
		return fmt.Errorf("storage.badger_dir required when type is badger")
	}
	if c.Storage.Type != "none" {
		if c.Storage.TTL < time.Second {
			return fmt.Errorf("storage.ttl must be at least 1 second")
		}
		if c.Storage.ReplayPageSize < 1 {
			return fmt.Errorf("storage.replay_page_size must be at least 1")
		}
		if c.Storage.ReplayRate < 0 {
			return fmt.Errorf("storage.replay_rate cannot be negative")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.Endpoint == "" {
			return fmt.Errorf("telemetry.endpoint cannot be empty when telemetry is enabled")
		}
		if c.Telemetry.ServiceName == "" {
			return fmt.Errorf("telemetry.service_name cannot be empty when telemetry is enabled")
		}
		if c.Telemetry.TraceSampleRate < 0.0 || c.Telemetry.TraceSampleRate > 1.0 {
			return fmt.Errorf("telemetry.trace_sample_rate must be between 0.0 and 1.0")
		}
		if c.Telemetry.ExportTimeout <= 0 {
			return fmt.Errorf("telemetry.export_timeout must be positive")
		}
		if c.Telemetry.ExportInterval < c.Telemetry.ExportTimeout {
			return fmt.Errorf("telemetry.export_interval must not be shorter than telemetry.export_timeout")
		}
	}

	if c.Health.Enabled && c.Health.Addr == "" {
		return fmt.Errorf("health.addr required when health is enabled")
	}

	if c.Heartbeat.Enabled && c.Heartbeat.Interval < time.Second {
		return fmt.Errorf("heartbeat.interval must be at least 1 second")
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
