// Package config provides YAML configuration loading and validation for the
// ProcTail agent.
package config

import (
	"errors"
	"fmt"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for the ProcTail agent.
type Config struct {
	// MaxEventsPerTag is the per-tag bounded FIFO capacity (cap_per_tag).
	// Defaults to 1000.
	MaxEventsPerTag int `yaml:"max_events_per_tag"`

	// PipeName is the local IPC endpoint's name. Defaults to "ProcTailIPC".
	PipeName string `yaml:"pipe_name"`

	// MaxConcurrentConnections bounds simultaneous IPC clients. Defaults to 10.
	MaxConcurrentConnections int `yaml:"max_concurrent_connections"`

	// ResponseTimeoutSeconds bounds how long a connection handler may take to
	// write its response. Defaults to 30.
	ResponseTimeoutSeconds int `yaml:"response_timeout_seconds"`

	// ConnectionTimeoutSeconds bounds how long an idle IPC connection may sit
	// before being closed. Defaults to 10.
	ConnectionTimeoutSeconds int `yaml:"connection_timeout_seconds"`

	// EnabledProviders and EnabledEventNames are the trace-provider allow-lists
	// consulted by the processor's should-process gate.
	EnabledProviders  []string `yaml:"enabled_providers"`
	EnabledEventNames []string `yaml:"enabled_event_names"`

	// ExcludeSystemProcesses and MinProcessID gate the system-process
	// exclusion in the file-filter policy.
	ExcludeSystemProcesses bool `yaml:"exclude_system_processes"`
	MinProcessID           int  `yaml:"min_process_id"`

	// ExcludedProcessNames, IncludeFileExtensions, ExcludeFilePatterns
	// complete the file-filter policy.
	ExcludedProcessNames  []string `yaml:"excluded_process_names"`
	IncludeFileExtensions []string `yaml:"include_file_extensions"`
	ExcludeFilePatterns   []string `yaml:"exclude_file_patterns"`

	// WatchPaths lists the filesystem roots the Linux reference trace
	// provider registers inotify watches on, required by the concrete
	// adapter (traceprovider package) since inotify has no kernel-wide mode.
	WatchPaths []string `yaml:"watch_paths"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// AuditLogPath is where the tamper-evident, hash-chained record of IPC
	// control operations (add/remove watch target, clear events, shutdown)
	// is appended. Defaults to "/var/log/proctail/audit.log".
	AuditLogPath string `yaml:"audit_log_path"`
}

// defaults returns a Config populated with every documented default value.
// LoadConfig merges the user-supplied document onto a copy of this via
// mergo, so omitted fields take these values without a long hand-written
// if-empty chain.
func defaults() Config {
	return Config{
		MaxEventsPerTag:          1000,
		PipeName:                 "ProcTailIPC",
		MaxConcurrentConnections: 10,
		ResponseTimeoutSeconds:   30,
		ConnectionTimeoutSeconds: 10,
		EnabledProviders: []string{
			"Microsoft-Windows-Kernel-FileIO",
			"Microsoft-Windows-Kernel-Process",
		},
		EnabledEventNames: []string{
			"FileIO/Create", "FileIO/Write", "FileIO/Delete", "FileIO/Close",
			"Process/Start", "Process/End",
		},
		LogLevel:     "info",
		AuditLogPath: "/var/log/proctail/audit.log",
	}
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// LoadConfig reads the YAML file at path, merges it onto the documented
// defaults, and validates all fields. It returns a typed error describing
// every validation failure encountered (not just the first).
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	merged := defaults()
	if err := mergo.Merge(&merged, cfg, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("config: merge defaults for %q: %w", path, err)
	}

	if err := validate(&merged); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &merged, nil
}

// validate checks that enumerated and numeric fields hold valid values.
func validate(cfg *Config) error {
	var errs []error

	if cfg.MaxEventsPerTag <= 0 {
		errs = append(errs, errors.New("max_events_per_tag must be > 0"))
	}
	if cfg.PipeName == "" {
		errs = append(errs, errors.New("pipe_name must not be empty"))
	}
	if cfg.MaxConcurrentConnections <= 0 {
		errs = append(errs, errors.New("max_concurrent_connections must be > 0"))
	}
	if cfg.ResponseTimeoutSeconds <= 0 {
		errs = append(errs, errors.New("response_timeout_seconds must be > 0"))
	}
	if cfg.ConnectionTimeoutSeconds <= 0 {
		errs = append(errs, errors.New("connection_timeout_seconds must be > 0"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.AuditLogPath == "" {
		errs = append(errs, errors.New("audit_log_path must not be empty"))
	}
	if cfg.ExcludeSystemProcesses && cfg.MinProcessID < 0 {
		errs = append(errs, errors.New("min_process_id must be >= 0 when exclude_system_processes is set"))
	}

	return errors.Join(errs...)
}
