package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/proctail/agent/internal/config"
)

// writeTemp writes content to a temp file and returns its path.
func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()
	return f.Name()
}

const validYAML = `
max_events_per_tag: 500
pipe_name: "CustomPipeName"
max_concurrent_connections: 5
response_timeout_seconds: 15
connection_timeout_seconds: 20
log_level: debug
enabled_providers:
  - "Microsoft-Windows-Kernel-FileIO"
enabled_event_names:
  - "FileIO/Create"
  - "FileIO/Write"
exclude_system_processes: true
min_process_id: 100
excluded_process_names:
  - "svchost.exe"
include_file_extensions:
  - ".txt"
  - ".log"
exclude_file_patterns:
  - "*\\Temp\\*"
watch_paths:
  - "/home"
  - "/tmp"
`

func TestLoadConfig_Valid(t *testing.T) {
	path := writeTemp(t, validYAML)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.MaxEventsPerTag != 500 {
		t.Errorf("MaxEventsPerTag = %d, want 500", cfg.MaxEventsPerTag)
	}
	if cfg.PipeName != "CustomPipeName" {
		t.Errorf("PipeName = %q, want %q", cfg.PipeName, "CustomPipeName")
	}
	if cfg.MaxConcurrentConnections != 5 {
		t.Errorf("MaxConcurrentConnections = %d, want 5", cfg.MaxConcurrentConnections)
	}
	if cfg.ResponseTimeoutSeconds != 15 {
		t.Errorf("ResponseTimeoutSeconds = %d, want 15", cfg.ResponseTimeoutSeconds)
	}
	if cfg.ConnectionTimeoutSeconds != 20 {
		t.Errorf("ConnectionTimeoutSeconds = %d, want 20", cfg.ConnectionTimeoutSeconds)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if !cfg.ExcludeSystemProcesses {
		t.Error("ExcludeSystemProcesses = false, want true")
	}
	if cfg.MinProcessID != 100 {
		t.Errorf("MinProcessID = %d, want 100", cfg.MinProcessID)
	}
	if len(cfg.ExcludedProcessNames) != 1 || cfg.ExcludedProcessNames[0] != "svchost.exe" {
		t.Errorf("ExcludedProcessNames = %+v", cfg.ExcludedProcessNames)
	}
	if len(cfg.IncludeFileExtensions) != 2 {
		t.Fatalf("len(IncludeFileExtensions) = %d, want 2", len(cfg.IncludeFileExtensions))
	}
	if len(cfg.ExcludeFilePatterns) != 1 {
		t.Fatalf("len(ExcludeFilePatterns) = %d, want 1", len(cfg.ExcludeFilePatterns))
	}
	if len(cfg.WatchPaths) != 2 {
		t.Fatalf("len(WatchPaths) = %d, want 2", len(cfg.WatchPaths))
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	// Omit everything to exercise the documented default values.
	path := writeTemp(t, "{}\n")
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MaxEventsPerTag != 1000 {
		t.Errorf("default MaxEventsPerTag = %d, want 1000", cfg.MaxEventsPerTag)
	}
	if cfg.PipeName != "ProcTailIPC" {
		t.Errorf("default PipeName = %q, want %q", cfg.PipeName, "ProcTailIPC")
	}
	if cfg.MaxConcurrentConnections != 10 {
		t.Errorf("default MaxConcurrentConnections = %d, want 10", cfg.MaxConcurrentConnections)
	}
	if cfg.ResponseTimeoutSeconds != 30 {
		t.Errorf("default ResponseTimeoutSeconds = %d, want 30", cfg.ResponseTimeoutSeconds)
	}
	if cfg.ConnectionTimeoutSeconds != 10 {
		t.Errorf("default ConnectionTimeoutSeconds = %d, want 10", cfg.ConnectionTimeoutSeconds)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if len(cfg.EnabledProviders) != 2 {
		t.Errorf("default EnabledProviders = %+v", cfg.EnabledProviders)
	}
	if len(cfg.EnabledEventNames) != 6 {
		t.Errorf("default EnabledEventNames = %+v", cfg.EnabledEventNames)
	}
}

func TestLoadConfig_PartialOverrideKeepsOtherDefaults(t *testing.T) {
	yaml := `
max_events_per_tag: 250
`
	path := writeTemp(t, yaml)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MaxEventsPerTag != 250 {
		t.Errorf("MaxEventsPerTag = %d, want 250", cfg.MaxEventsPerTag)
	}
	if cfg.PipeName != "ProcTailIPC" {
		t.Errorf("PipeName = %q, want default %q", cfg.PipeName, "ProcTailIPC")
	}
}

func TestLoadConfig_InvalidMaxEventsPerTag(t *testing.T) {
	// A negative (non-zero) value survives the defaulting merge and reaches
	// validation; zero itself is indistinguishable from "unset" under
	// mergo's override-non-zero-only semantics and falls back to the
	// default instead, which is exercised by TestLoadConfig_Defaults.
	yaml := `max_events_per_tag: -5`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for negative max_events_per_tag, got nil")
	}
	if !strings.Contains(err.Error(), "max_events_per_tag") {
		t.Errorf("error %q does not mention max_events_per_tag", err.Error())
	}
}

func TestLoadConfig_InvalidLogLevel(t *testing.T) {
	yaml := `log_level: "verbose"`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid log_level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error %q does not mention log_level", err.Error())
	}
}

func TestLoadConfig_NegativeMinProcessIDWithExclusionEnabled(t *testing.T) {
	yaml := `
exclude_system_processes: true
min_process_id: -1
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for negative min_process_id, got nil")
	}
	if !strings.Contains(err.Error(), "min_process_id") {
		t.Errorf("error %q does not mention min_process_id", err.Error())
	}
}

func TestLoadConfig_MultipleValidationFailuresAreJoined(t *testing.T) {
	yaml := `
max_events_per_tag: -5
max_concurrent_connections: -1
log_level: "nope"
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	for _, want := range []string{"max_events_per_tag", "max_concurrent_connections", "log_level"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err.Error(), want)
		}
	}
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	missingPath := filepath.Join(t.TempDir(), "nonexistent.yaml")
	_, err := config.LoadConfig(missingPath)
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := writeTemp(t, ":::invalid yaml:::")
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML, got nil")
	}
}
