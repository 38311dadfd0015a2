// Package config provides runtime configuration and pipeline definitions.
//
// Runtime configuration covers where state lives, how the process reports
// suspension and how it logs. It is layered: defaults, then a YAML file,
// then AGENTBRIDGE_* environment variables (see Load).
package config

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/guardkit/agentbridge/coreengine/logging"
	"github.com/guardkit/agentbridge/coreengine/typeutil"
)

// State backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// DefaultExitCodeSuspend is the process exit code meaning "suspended,
// waiting for an agent response".
const DefaultExitCodeSuspend = 42

// Config holds runtime configuration.
type Config struct {
	// RuntimeDir is the root for per-run state and envelopes.
	// Empty means the platform default (see state.DefaultRoot).
	RuntimeDir string `koanf:"runtime_dir" json:"runtime_dir"`
	// StateBackend is "file" or "sqlite".
	StateBackend string `koanf:"state_backend" json:"state_backend"`

	ExitCodeSuspend            int `koanf:"exit_code_suspend" json:"exit_code_suspend"`
	DefaultAgentTimeoutSeconds int `koanf:"default_agent_timeout_seconds" json:"default_agent_timeout_seconds"`
	WaitPollIntervalMS         int `koanf:"wait_poll_interval_ms" json:"wait_poll_interval_ms"`
	StaleRunRetentionHours     int `koanf:"stale_run_retention_hours" json:"stale_run_retention_hours"`

	// Logging
	LogLevel  string `koanf:"log_level" json:"log_level"`
	LogFormat string `koanf:"log_format" json:"log_format"`

	// Observability. Both are off when empty.
	MetricsTextfile string `koanf:"metrics_textfile" json:"metrics_textfile"`
	OTLPEndpoint    string `koanf:"otlp_endpoint" json:"otlp_endpoint"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		StateBackend:               BackendFile,
		ExitCodeSuspend:            DefaultExitCodeSuspend,
		DefaultAgentTimeoutSeconds: 600,
		WaitPollIntervalMS:         500,
		StaleRunRetentionHours:     168,
		LogLevel:                   "info",
		LogFormat:                  "console",
	}
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	var errs []error
	switch c.StateBackend {
	case BackendFile, BackendSQLite:
	default:
		errs = append(errs, fmt.Errorf("state_backend must be %q or %q, got %q", BackendFile, BackendSQLite, c.StateBackend))
	}
	// 0 means success, 1 failure and 2 usage error.
	if c.ExitCodeSuspend < 3 || c.ExitCodeSuspend > 125 {
		errs = append(errs, fmt.Errorf("exit_code_suspend must be between 3 and 125, got %d", c.ExitCodeSuspend))
	}
	if c.DefaultAgentTimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("default_agent_timeout_seconds must be positive, got %d", c.DefaultAgentTimeoutSeconds))
	}
	if c.WaitPollIntervalMS <= 0 {
		errs = append(errs, fmt.Errorf("wait_poll_interval_ms must be positive, got %d", c.WaitPollIntervalMS))
	}
	if c.StaleRunRetentionHours <= 0 {
		errs = append(errs, fmt.Errorf("stale_run_retention_hours must be positive, got %d", c.StaleRunRetentionHours))
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format must be \"console\" or \"json\", got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// DefaultAgentTimeout returns DefaultAgentTimeoutSeconds as a duration.
func (c *Config) DefaultAgentTimeout() time.Duration {
	return time.Duration(c.DefaultAgentTimeoutSeconds) * time.Second
}

// WaitPollInterval returns WaitPollIntervalMS as a duration.
func (c *Config) WaitPollInterval() time.Duration {
	return time.Duration(c.WaitPollIntervalMS) * time.Millisecond
}

// StaleRunRetention returns StaleRunRetentionHours as a duration.
func (c *Config) StaleRunRetention() time.Duration {
	return time.Duration(c.StaleRunRetentionHours) * time.Hour
}

// FromMap creates a Config from a map. Unknown keys are ignored.
func FromMap(m map[string]any) *Config {
	c := DefaultConfig()

	c.RuntimeDir = typeutil.SafeStringDefault(m["runtime_dir"], c.RuntimeDir)
	c.StateBackend = typeutil.SafeStringDefault(m["state_backend"], c.StateBackend)
	c.ExitCodeSuspend = typeutil.SafeIntDefault(m["exit_code_suspend"], c.ExitCodeSuspend)
	c.DefaultAgentTimeoutSeconds = typeutil.SafeIntDefault(m["default_agent_timeout_seconds"], c.DefaultAgentTimeoutSeconds)
	c.WaitPollIntervalMS = typeutil.SafeIntDefault(m["wait_poll_interval_ms"], c.WaitPollIntervalMS)
	c.StaleRunRetentionHours = typeutil.SafeIntDefault(m["stale_run_retention_hours"], c.StaleRunRetentionHours)
	c.LogLevel = typeutil.SafeStringDefault(m["log_level"], c.LogLevel)
	c.LogFormat = typeutil.SafeStringDefault(m["log_format"], c.LogFormat)
	c.MetricsTextfile = typeutil.SafeStringDefault(m["metrics_textfile"], c.MetricsTextfile)
	c.OTLPEndpoint = typeutil.SafeStringDefault(m["otlp_endpoint"], c.OTLPEndpoint)

	return c
}

// ToMap converts config to a map.
func (c *Config) ToMap() map[string]any {
	return map[string]any{
		"runtime_dir":                   c.RuntimeDir,
		"state_backend":                 c.StateBackend,
		"exit_code_suspend":             c.ExitCodeSuspend,
		"default_agent_timeout_seconds": c.DefaultAgentTimeoutSeconds,
		"wait_poll_interval_ms":         c.WaitPollIntervalMS,
		"stale_run_retention_hours":     c.StaleRunRetentionHours,
		"log_level":                     c.LogLevel,
		"log_format":                    c.LogFormat,
		"metrics_textfile":              c.MetricsTextfile,
		"otlp_endpoint":                 c.OTLPEndpoint,
	}
}

// =============================================================================
// GLOBAL CONFIG (set by the CLI after loading)
// =============================================================================

var (
	globalConfig *Config
	configMu     sync.RWMutex
)

// Get returns the installed configuration, or defaults.
func Get() *Config {
	configMu.RLock()
	defer configMu.RUnlock()

	if globalConfig == nil {
		return DefaultConfig()
	}
	return globalConfig
}

// Set installs the configuration.
func Set(c *Config) {
	configMu.Lock()
	defer configMu.Unlock()

	globalConfig = c
}

// Reset clears the installed configuration (useful for testing).
// After reset, Get returns defaults.
func Reset() {
	configMu.Lock()
	defer configMu.Unlock()

	globalConfig = nil
}
