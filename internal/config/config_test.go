package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		envConfigFile, envListenAddr, envDBPath, envLogLevel, envDevices,
		envStorageProvider, envExecutorMode, envBroker, envWorkers, envCacheCapacity,
		envDataRetention,
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr != defaultListenAddr {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, defaultListenAddr)
	}
	if cfg.DBPath != defaultDBPath {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, defaultDBPath)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelInfo)
	}
	if cfg.Executor.Mode != ExecutorLocal {
		t.Errorf("Executor.Mode = %q, want %q", cfg.Executor.Mode, ExecutorLocal)
	}
	if cfg.Storage.DataRetention != 24*time.Hour {
		t.Errorf("DataRetention = %v, want 24h", cfg.Storage.DataRetention)
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv(envListenAddr, ":9090")
	t.Setenv(envDBPath, "/tmp/test.db")
	t.Setenv(envLogLevel, "debug")
	t.Setenv(envDevices, "cpu, gpu")
	t.Setenv(envWorkers, "4")
	t.Setenv(envDataRetention, "2h")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":9090")
	}
	if cfg.DBPath != "/tmp/test.db" {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, "/tmp/test.db")
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelDebug)
	}
	if len(cfg.Devices) != 2 || cfg.Devices[1] != "gpu" {
		t.Errorf("Devices = %v, want [cpu gpu]", cfg.Devices)
	}
	if cfg.Executor.Workers != 4 {
		t.Errorf("Workers = %d, want 4", cfg.Executor.Workers)
	}
	if cfg.Storage.DataRetention != 2*time.Hour {
		t.Errorf("DataRetention = %v, want 2h", cfg.Storage.DataRetention)
	}
}

func TestLoadFromFileThenEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "crucible.yaml")
	content := `
listen_addr: ":7000"
log_level: warn
storage:
  provider: minio
  endpoint: "minio:9000"
  data_retention: 48h
executor:
  workers: 3
cache:
  capacity: 2
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(envConfigFile, path)
	t.Setenv(envListenAddr, ":7001")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr != ":7001" {
		t.Errorf("ListenAddr = %q, env should override file", cfg.ListenAddr)
	}
	if cfg.LogLevel != slog.LevelWarn {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelWarn)
	}
	if cfg.Storage.Provider != StorageMinIO || cfg.Storage.Endpoint != "minio:9000" {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
	if cfg.Storage.DataRetention != 48*time.Hour {
		t.Errorf("DataRetention = %v, want 48h", cfg.Storage.DataRetention)
	}
	if cfg.Executor.Workers != 3 || cfg.Cache.Capacity != 2 {
		t.Errorf("Workers = %d, Capacity = %d", cfg.Executor.Workers, cfg.Cache.Capacity)
	}
	if cfg.Executor.QueueSize != 64 {
		t.Errorf("QueueSize = %d, defaults should survive a partial file", cfg.Executor.QueueSize)
	}
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)
	t.Setenv(envConfigFile, filepath.Join(t.TempDir(), "missing.yaml"))

	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"storage provider", func(c *Config) { c.Storage.Provider = "s4" }},
		{"executor mode", func(c *Config) { c.Executor.Mode = "cluster" }},
		{"broker", func(c *Config) { c.Executor.Broker = "kafka" }},
		{"distributed needs redis", func(c *Config) { c.Executor.Mode = ExecutorDistributed }},
		{"workers", func(c *Config) { c.Executor.Workers = 0 }},
		{"capacity", func(c *Config) { c.Cache.Capacity = 0 }},
		{"retention", func(c *Config) { c.Storage.DataRetention = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	if err := Default().Validate(); err != nil {
		t.Errorf("Default().Validate() = %v", err)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		got := parseLogLevel(tt.input)
		if got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNewLoggerOutputsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)
	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}

	logger.Info("test message", "key", "value")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("logger output is not valid JSON: %v\noutput: %s", err, buf.String())
	}

	for _, key := range []string{"time", "level", "msg"} {
		if _, ok := entry[key]; !ok {
			t.Errorf("JSON output missing expected key %q", key)
		}
	}
	if entry["msg"] != "test message" {
		t.Errorf("msg = %v, want %q", entry["msg"], "test message")
	}
}
