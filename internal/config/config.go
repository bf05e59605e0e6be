package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config represents the main mnemo configuration
type Config struct {
	// Workspace root the bridge operates on
	WorkspacePath string `json:"workspace_path" mapstructure:"workspace_path"`

	// Data directory (ledger, staging artifacts, logs)
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Engine holds worker-process configuration
	Engine EngineConfig `json:"engine" mapstructure:"engine"`

	// Ops holds operation-manager configuration
	Ops OpsConfig `json:"ops" mapstructure:"ops"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Metrics endpoint
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`
}

// EngineConfig holds worker channel configuration
type EngineConfig struct {
	// Persistent daemon channel
	DaemonEnabled bool   `json:"daemon_enabled" mapstructure:"daemon_enabled"`
	DaemonURL     string `json:"daemon_url" mapstructure:"daemon_url"`

	// One-shot subprocess channel
	Command    string            `json:"command" mapstructure:"command"`
	ScriptPath string            `json:"script_path" mapstructure:"script_path"`
	Env        map[string]string `json:"env" mapstructure:"env"`

	// Per-method dispatch timeouts in seconds
	IngestTimeout    int `json:"ingest_timeout" mapstructure:"ingest_timeout"`
	RetrieveTimeout  int `json:"retrieve_timeout" mapstructure:"retrieve_timeout"`
	VisualizeTimeout int `json:"visualize_timeout" mapstructure:"visualize_timeout"`

	// Receive-buffer ceiling for one-shot stdout, bytes
	MaxOutputBytes int `json:"max_output_bytes" mapstructure:"max_output_bytes"`
}

// OpsConfig holds operation manager configuration
type OpsConfig struct {
	MaxConcurrent   int `json:"max_concurrent" mapstructure:"max_concurrent"`
	MaxQueue        int `json:"max_queue" mapstructure:"max_queue"`
	MaxPayloadBytes int `json:"max_payload_bytes" mapstructure:"max_payload_bytes"`

	StagingMaxRetries   int `json:"staging_max_retries" mapstructure:"staging_max_retries"`
	StagingRetryDelayMs int `json:"staging_retry_delay_ms" mapstructure:"staging_retry_delay_ms"`

	// Cleanup sweeper
	SweepSchedule           string `json:"sweep_schedule" mapstructure:"sweep_schedule"` // cron spec
	CompletedRetentionHours int    `json:"completed_retention_hours" mapstructure:"completed_retention_hours"`
	FailedRetentionHours    int    `json:"failed_retention_hours" mapstructure:"failed_retention_hours"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Addr    string `json:"addr" mapstructure:"addr"`
}

// StagingRetryDelay returns the staging retry delay as a duration
func (o OpsConfig) StagingRetryDelay() time.Duration {
	return time.Duration(o.StagingRetryDelayMs) * time.Millisecond
}

// CompletedRetention returns the completed-entry retention window
func (o OpsConfig) CompletedRetention() time.Duration {
	return time.Duration(o.CompletedRetentionHours) * time.Hour
}

// FailedRetention returns the failed/terminated-entry retention window
func (o OpsConfig) FailedRetention() time.Duration {
	return time.Duration(o.FailedRetentionHours) * time.Hour
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			DaemonEnabled:    false,
			DaemonURL:        "ws://127.0.0.1:8765/rpc",
			Command:          "python3",
			IngestTimeout:    120,
			RetrieveTimeout:  30,
			VisualizeTimeout: 60,
			MaxOutputBytes:   4 * 1024 * 1024,
		},
		Ops: OpsConfig{
			MaxConcurrent:           2,
			MaxQueue:                5,
			MaxPayloadBytes:         1024 * 1024,
			StagingMaxRetries:       3,
			StagingRetryDelayMs:     1000,
			SweepSchedule:           "@every 1h",
			CompletedRetentionHours: 24,
			FailedRetentionHours:    7 * 24,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Redaction: true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9464",
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.WorkspacePath == "" {
		return fmt.Errorf("workspace_path is required")
	}

	if c.Engine.DaemonEnabled && c.Engine.DaemonURL == "" {
		return fmt.Errorf("engine: daemon_url is required when the daemon channel is enabled")
	}
	if c.Engine.Command == "" {
		return fmt.Errorf("engine: command is required (one-shot worker is the fallback path)")
	}
	if c.Engine.ScriptPath == "" {
		return fmt.Errorf("engine: script_path is required")
	}
	if c.Engine.MaxOutputBytes <= 0 {
		return fmt.Errorf("engine: max_output_bytes must be > 0")
	}

	if c.Ops.MaxConcurrent <= 0 {
		return fmt.Errorf("ops: max_concurrent must be > 0")
	}
	if c.Ops.MaxQueue <= 0 {
		return fmt.Errorf("ops: max_queue must be > 0")
	}
	if c.Ops.MaxPayloadBytes <= 0 {
		return fmt.Errorf("ops: max_payload_bytes must be > 0")
	}
	if c.Ops.StagingMaxRetries < 1 || c.Ops.StagingMaxRetries > 5 {
		return fmt.Errorf("ops: staging_max_retries must be between 1 and 5")
	}
	if c.Ops.StagingRetryDelayMs < 500 || c.Ops.StagingRetryDelayMs > 5000 {
		return fmt.Errorf("ops: staging_retry_delay_ms must be between 500 and 5000")
	}
	if c.Ops.CompletedRetentionHours <= 0 {
		return fmt.Errorf("ops: completed_retention_hours must be > 0")
	}
	if c.Ops.FailedRetentionHours <= 0 {
		return fmt.Errorf("ops: failed_retention_hours must be > 0")
	}

	return nil
}
