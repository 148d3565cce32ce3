package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() Config {
	c := Config{
		Server: ServerConfig{
			TCPPort:                  9300,
			BindAddress:              "0.0.0.0",
			MaxConcurrentConnections: 500,
		},
		Audio: AudioConfig{
			SampleRate:      16000,
			WindowDuration:  5,
			OverlapDuration: 1,
			SpeechThreshold: 0.1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
	c.applyDefaults()
	return c
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(c *Config)
		errorMsg string
	}{
		{
			name:   "valid configuration",
			mutate: func(c *Config) {},
		},
		{
			name:     "invalid server port",
			mutate:   func(c *Config) { c.Server.TCPPort = 70000 },
			errorMsg: "tcp_port must be between 1 and 65535",
		},
		{
			name:     "invalid header delimiter",
			mutate:   func(c *Config) { c.Server.HeaderDelimiter = 300 },
			errorMsg: "header_delimiter must be a byte value",
		},
		{
			name:     "invalid sample rate",
			mutate:   func(c *Config) { c.Audio.SampleRate = 4000 },
			errorMsg: "sample_rate must be between",
		},
		{
			name:     "window too long",
			mutate:   func(c *Config) { c.Audio.WindowDuration = 31 },
			errorMsg: "window_duration must be in (0, 30]",
		},
		{
			name:     "overlap not below window",
			mutate:   func(c *Config) { c.Audio.OverlapDuration = 5 },
			errorMsg: "overlap_duration",
		},
		{
			name:     "unknown byte order",
			mutate:   func(c *Config) { c.Audio.ByteOrder = "middle" },
			errorMsg: "byte_order must be",
		},
		{
			name:     "fractional frame",
			mutate:   func(c *Config) { c.Audio.SampleRate = 11025; c.Audio.FrameDurationMS = 20 },
			errorMsg: "whole number of samples",
		},
		{
			name:     "unknown create failure policy",
			mutate:   func(c *Config) { c.Session.CreateFailurePolicy = "retry" },
			errorMsg: "create_failure_policy",
		},
		{
			name:     "unknown default mode",
			mutate:   func(c *Config) { c.Session.DefaultMode = "batch" },
			errorMsg: "default_mode",
		},
		{
			name:     "saturation above one",
			mutate:   func(c *Config) { c.Dispatch.SaturationThreshold = 1.5 },
			errorMsg: "saturation_threshold",
		},
		{
			name:     "redis without address",
			mutate:   func(c *Config) { c.Store.Backend = "redis" },
			errorMsg: "redis address cannot be empty",
		},
		{
			name:     "postgres store without dsn",
			mutate:   func(c *Config) { c.Store.Backend = "postgres" },
			errorMsg: "postgres dsn cannot be empty",
		},
		{
			name:     "unknown store backend",
			mutate:   func(c *Config) { c.Store.Backend = "etcd" },
			errorMsg: "backend must be one of [memory, redis, postgres]",
		},
		{
			name:     "http queue without endpoint",
			mutate:   func(c *Config) { c.Queue.Backend = "http" },
			errorMsg: "http endpoint cannot be empty",
		},
		{
			name:     "unknown tracing exporter",
			mutate:   func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "zipkin" },
			errorMsg: "exporter must be",
		},
		{
			name:     "invalid log level",
			mutate:   func(c *Config) { c.Logging.Level = "trace" },
			errorMsg: "level must be one of",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := validConfig()
			tt.mutate(&config)
			err := config.Validate()
			if tt.errorMsg == "" {
				if err != nil {
					t.Errorf("Expected no error but got: %v", err)
				}
				return
			}
			if err == nil {
				t.Errorf("Expected error but got none")
			} else if !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
			}
		})
	}
}

func TestConfigLoad(t *testing.T) {
	tempDir := t.TempDir()

	tests := []struct {
		name        string
		configYAML  string
		expectError bool
		errorMsg    string
	}{
		{
			name: "valid config file",
			configYAML: `
server:
  tcp_port: 9300
  bind_address: "0.0.0.0"
  max_concurrent_connections: 100
audio:
  sample_rate: 16000
  window_duration: 5
  overlap_duration: 0.5
session:
  create_failure_policy: degrade
  plan:
    transcription: true
    translation: true
store:
  backend: redis
  redis:
    address: "localhost:6379"
queue:
  backend: http
  http:
    endpoint: "http://localhost:8123/jobs"
logging:
  level: "debug"
  format: "text"
`,
		},
		{
			name: "invalid YAML syntax",
			configYAML: `
server:
  tcp_port: 9300
  bind_address: "0.0.0.0"
  max_concurrent_connections: not_a_number
`,
			expectError: true,
			errorMsg:    "failed to parse",
		},
		{
			name: "missing required fields",
			configYAML: `
server:
  tcp_port: 9300
`,
			expectError: true,
			errorMsg:    "bind_address cannot be empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := filepath.Join(tempDir, "config.yaml")
			if err := os.WriteFile(configPath, []byte(tt.configYAML), 0644); err != nil {
				t.Fatalf("Failed to create test config file: %v", err)
			}

			config, err := Load(configPath)

			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if tt.errorMsg != "" && !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error but got: %v", err)
			}
			if config.Session.CreateFailurePolicy != "degrade" {
				t.Errorf("Expected degrade policy, got %s", config.Session.CreateFailurePolicy)
			}
			if !config.Session.Plan.Translation || config.Session.Plan.Entities {
				t.Errorf("Unexpected plan: %+v", config.Session.Plan)
			}
			if config.Server.HeaderDelimiter != 0x0D || config.Audio.FrameDurationMS != 20 {
				t.Error("Expected protocol defaults to be applied")
			}
			if !config.Audio.StrictFramesEnabled() {
				t.Error("Frames should default to strict")
			}
		})
	}
}

func TestConfigLoadNonexistentFile(t *testing.T) {
	_, err := Load("nonexistent.yaml")
	if err == nil {
		t.Fatalf("Expected error for nonexistent file but got none")
	}
	if !strings.Contains(err.Error(), "failed to read config file") {
		t.Errorf("Expected error about reading file, got: %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvQueueAPIKey, "from-env")
	t.Setenv(EnvRedisPassword, "hunter2")
	t.Setenv(EnvPostgresDSN, "postgres://u:p@db/calls")

	config := validConfig()
	config.applyEnv()

	if config.Queue.HTTP.APIKey != "from-env" {
		t.Errorf("Expected API key from env, got %q", config.Queue.HTTP.APIKey)
	}
	if config.Store.Redis.Password != "hunter2" {
		t.Errorf("Expected redis password from env, got %q", config.Store.Redis.Password)
	}
	if config.Store.Postgres.DSN != "postgres://u:p@db/calls" || config.Queue.Postgres.DSN != config.Store.Postgres.DSN {
		t.Error("Expected postgres DSN from env for store and queue")
	}

	sanitized := config.Sanitized()
	if sanitized.Queue.HTTP.APIKey != redactedSecret || sanitized.Store.Redis.Password != redactedSecret ||
		sanitized.Store.Postgres.DSN != redactedSecret {
		t.Errorf("Secrets not redacted: %+v", sanitized)
	}
	if config.Queue.HTTP.APIKey != "from-env" {
		t.Error("Sanitized must not modify the original")
	}
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte("CALLSTREAM_TEST_LOAD_ENV=loaded\n"), 0644); err != nil {
		t.Fatalf("Failed to write env file: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("CALLSTREAM_TEST_LOAD_ENV") })

	if err := LoadEnv(filepath.Join(dir, "missing.env"), envPath); err != nil {
		t.Fatalf("LoadEnv failed: %v", err)
	}
	if os.Getenv("CALLSTREAM_TEST_LOAD_ENV") != "loaded" {
		t.Error("Expected variable from .env file")
	}
}

func TestDurationHelpers(t *testing.T) {
	audio := AudioConfig{WindowDuration: 2.5, OverlapDuration: 0.5}
	if audio.GetWindowDuration() != 2500*time.Millisecond {
		t.Errorf("Expected 2.5 seconds, got %v", audio.GetWindowDuration())
	}
	if audio.GetOverlapDuration() != 500*time.Millisecond {
		t.Errorf("Expected 0.5 seconds, got %v", audio.GetOverlapDuration())
	}

	sess := SessionConfig{IdleTimeout: 300, ReaperInterval: 30}
	if sess.GetIdleTimeoutDuration() != 5*time.Minute {
		t.Errorf("Expected 5 minutes, got %v", sess.GetIdleTimeoutDuration())
	}
	if sess.GetReaperIntervalDuration() != 30*time.Second {
		t.Errorf("Expected 30 seconds, got %v", sess.GetReaperIntervalDuration())
	}

	dispatch := DispatchConfig{LeaseTimeout: 120, SubmitTimeout: 15}
	if dispatch.GetLeaseTimeoutDuration() != 2*time.Minute {
		t.Errorf("Expected 2 minutes, got %v", dispatch.GetLeaseTimeoutDuration())
	}
	if dispatch.GetSubmitTimeoutDuration() != 15*time.Second {
		t.Errorf("Expected 15 seconds, got %v", dispatch.GetSubmitTimeoutDuration())
	}

	archive := ArchiveConfig{Retention: 48}
	if archive.GetRetentionDuration() != 48*time.Hour {
		t.Errorf("Expected 48 hours, got %v", archive.GetRetentionDuration())
	}
}
