package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/openchlai/ai-sub002/internal/session"
)

// Environment variables that override secrets from the config file
const (
	EnvQueueAPIKey    = "CALLSTREAM_QUEUE_API_KEY"
	EnvRedisPassword  = "CALLSTREAM_REDIS_PASSWORD"
	EnvPostgresDSN    = "CALLSTREAM_POSTGRES_DSN"
	redactedSecret    = "[redacted]"
	defaultSessionTTL = 86400
)

// Config represents the complete service configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	HTTP     HTTPConfig     `yaml:"http"`
	Audio    AudioConfig    `yaml:"audio"`
	Session  SessionConfig  `yaml:"session"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Store    StoreConfig    `yaml:"store"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Queue    QueueConfig    `yaml:"queue"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig contains TCP ingest server configuration
type ServerConfig struct {
	TCPPort                  int    `yaml:"tcp_port"`
	BindAddress              string `yaml:"bind_address"`
	MaxConcurrentConnections int    `yaml:"max_concurrent_connections"`
	HeaderDelimiter          int    `yaml:"header_delimiter"` // byte value, 13 is '\r'
	MaxHeaderLength          int    `yaml:"max_header_length"`
	ReadBufferSize           int    `yaml:"read_buffer_size"`
	HeaderTimeout            int    `yaml:"header_timeout"`   // seconds
	ShutdownTimeout          int    `yaml:"shutdown_timeout"` // seconds
	NodeID                   string `yaml:"node_id"`
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// AudioConfig contains audio framing and windowing parameters
type AudioConfig struct {
	SampleRate      int     `yaml:"sample_rate"`
	FrameDurationMS int     `yaml:"frame_duration_ms"`
	ByteOrder       string  `yaml:"byte_order"`
	StrictFrames    *bool   `yaml:"strict_frames"`
	WindowDuration  float64 `yaml:"window_duration"`  // seconds
	OverlapDuration float64 `yaml:"overlap_duration"` // seconds
	SpeechThreshold float32 `yaml:"speech_threshold"`
	FullScaleRMS    float64 `yaml:"full_scale_rms"`
}

// SessionConfig contains session registry and reaper configuration
type SessionConfig struct {
	IdleTimeout         int          `yaml:"idle_timeout"`    // seconds
	ReaperInterval      int          `yaml:"reaper_interval"` // seconds
	SubstanceThreshold  int          `yaml:"substance_threshold"`
	CreateFailurePolicy string       `yaml:"create_failure_policy"`
	DefaultMode         string       `yaml:"default_mode"`
	Plan                session.Plan `yaml:"plan"`
	StitchMaxWords      int          `yaml:"stitch_max_words"`
	CompletionBuffer    int          `yaml:"completion_buffer"`
}

// DispatchConfig contains job dispatcher configuration
type DispatchConfig struct {
	Workers             int     `yaml:"workers"`
	QueueSize           int     `yaml:"queue_size"`
	SaturationThreshold float64 `yaml:"saturation_threshold"`
	SkipSilentWindows   bool    `yaml:"skip_silent_windows"`
	LeaseTimeout        int     `yaml:"lease_timeout"` // seconds
	InteractiveCapacity int     `yaml:"interactive_capacity"`
	BatchCapacity       int     `yaml:"batch_capacity"`
	SubmitTimeout       int     `yaml:"submit_timeout"` // seconds
}

// StoreConfig selects and configures the shared session store
type StoreConfig struct {
	Backend  string         `yaml:"backend"` // memory, redis or postgres
	TTL      int            `yaml:"ttl"`     // seconds
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
	ActiveKey string `yaml:"active_key"`
}

// PostgresConfig contains PostgreSQL connection settings
type PostgresConfig struct {
	DSN     string `yaml:"dsn"`
	Channel string `yaml:"channel"` // job queue NOTIFY channel
}

// ArchiveConfig contains ended-session archive configuration
type ArchiveConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Path      string `yaml:"path"`      // empty keeps the archive in memory
	Retention int    `yaml:"retention"` // hours
}

// QueueConfig selects and configures the analysis job queue
type QueueConfig struct {
	Backend  string          `yaml:"backend"` // memory, http or postgres
	HTTP     QueueHTTPConfig `yaml:"http"`
	Postgres PostgresConfig  `yaml:"postgres"`
}

// QueueHTTPConfig contains the HTTP job gateway client configuration
type QueueHTTPConfig struct {
	Endpoint      string `yaml:"endpoint"`
	APIKey        string `yaml:"api_key"`
	Timeout       int    `yaml:"timeout"` // seconds
	MaxRetries    int    `yaml:"max_retries"`
	MaxConcurrent int    `yaml:"max_concurrent"`
}

// TracingConfig contains OpenTelemetry configuration
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"service_name"`
	Exporter    string  `yaml:"exporter"` // none or log
	SampleRatio float64 `yaml:"sample_ratio"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// LoadEnv loads environment variables from the given .env files. Missing
// files are ignored.
func LoadEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load env file %s: %w", path, err)
		}
	}
	return nil
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	config.applyDefaults()
	config.applyEnv()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// applyDefaults fills optional settings left out of the file
func (c *Config) applyDefaults() {
	if c.Server.HeaderDelimiter == 0 {
		c.Server.HeaderDelimiter = 0x0D
	}
	if c.Server.MaxHeaderLength == 0 {
		c.Server.MaxHeaderLength = 256
	}
	if c.Server.ReadBufferSize == 0 {
		c.Server.ReadBufferSize = 4096
	}
	if c.Server.HeaderTimeout == 0 {
		c.Server.HeaderTimeout = 10
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10
	}

	if c.Audio.FrameDurationMS == 0 {
		c.Audio.FrameDurationMS = 20
	}
	if c.Audio.ByteOrder == "" {
		c.Audio.ByteOrder = "little"
	}
	if c.Audio.WindowDuration == 0 {
		c.Audio.WindowDuration = 5
	}

	if c.Session.IdleTimeout == 0 {
		c.Session.IdleTimeout = 300
	}
	if c.Session.ReaperInterval == 0 {
		c.Session.ReaperInterval = 30
	}
	if c.Session.SubstanceThreshold == 0 {
		c.Session.SubstanceThreshold = 50
	}
	if c.Session.CreateFailurePolicy == "" {
		c.Session.CreateFailurePolicy = string(session.PolicyAbort)
	}
	if c.Session.DefaultMode == "" {
		c.Session.DefaultMode = string(session.ModeRealtime)
	}

	if c.Dispatch.SaturationThreshold == 0 {
		c.Dispatch.SaturationThreshold = 1.0
	}
	if c.Dispatch.LeaseTimeout == 0 {
		c.Dispatch.LeaseTimeout = 120
	}

	if c.Store.Backend == "" {
		c.Store.Backend = "memory"
	}
	if c.Store.TTL == 0 {
		c.Store.TTL = defaultSessionTTL
	}
	if c.Queue.Backend == "" {
		c.Queue.Backend = "memory"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// applyEnv overrides secrets from the environment
func (c *Config) applyEnv() {
	if v := os.Getenv(EnvQueueAPIKey); v != "" {
		c.Queue.HTTP.APIKey = v
	}
	if v := os.Getenv(EnvRedisPassword); v != "" {
		c.Store.Redis.Password = v
	}
	if v := os.Getenv(EnvPostgresDSN); v != "" {
		c.Store.Postgres.DSN = v
		c.Queue.Postgres.DSN = v
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}

	if err := c.Dispatch.Validate(); err != nil {
		return fmt.Errorf("dispatch config: %w", err)
	}

	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("store config: %w", err)
	}

	if err := c.Archive.Validate(); err != nil {
		return fmt.Errorf("archive config: %w", err)
	}

	if err := c.Queue.Validate(); err != nil {
		return fmt.Errorf("queue config: %w", err)
	}

	if err := c.Tracing.Validate(); err != nil {
		return fmt.Errorf("tracing config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.TCPPort < 1 || s.TCPPort > 65535 {
		return fmt.Errorf("tcp_port must be between 1 and 65535, got %d", s.TCPPort)
	}

	if s.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if s.MaxConcurrentConnections < 1 {
		return fmt.Errorf("max_concurrent_connections must be at least 1, got %d", s.MaxConcurrentConnections)
	}

	if s.HeaderDelimiter < 0 || s.HeaderDelimiter > 255 {
		return fmt.Errorf("header_delimiter must be a byte value, got %d", s.HeaderDelimiter)
	}

	if s.MaxHeaderLength < 1 {
		return fmt.Errorf("max_header_length must be at least 1, got %d", s.MaxHeaderLength)
	}

	if s.ReadBufferSize < 512 {
		return fmt.Errorf("read_buffer_size must be at least 512 bytes, got %d", s.ReadBufferSize)
	}

	if s.HeaderTimeout < 1 {
		return fmt.Errorf("header_timeout must be at least 1 second, got %d", s.HeaderTimeout)
	}

	if s.ShutdownTimeout < 1 {
		return fmt.Errorf("shutdown_timeout must be at least 1 second, got %d", s.ShutdownTimeout)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.SampleRate < 8000 || a.SampleRate > 48000 {
		return fmt.Errorf("sample_rate must be between 8000 and 48000 Hz, got %d", a.SampleRate)
	}

	if a.FrameDurationMS < 1 || a.FrameDurationMS > 1000 {
		return fmt.Errorf("frame_duration_ms must be between 1 and 1000, got %d", a.FrameDurationMS)
	}

	if a.SampleRate*a.FrameDurationMS%1000 != 0 {
		return fmt.Errorf("frame_duration_ms %d does not hold a whole number of samples at %d Hz", a.FrameDurationMS, a.SampleRate)
	}

	if a.ByteOrder != "little" && a.ByteOrder != "big" {
		return fmt.Errorf("byte_order must be 'little' or 'big', got '%s'", a.ByteOrder)
	}

	if a.WindowDuration <= 0 || a.WindowDuration > 30 {
		return fmt.Errorf("window_duration must be in (0, 30] seconds, got %f", a.WindowDuration)
	}

	if a.OverlapDuration < 0 || a.OverlapDuration >= a.WindowDuration {
		return fmt.Errorf("overlap_duration (%f) must be non-negative and less than window_duration (%f)",
			a.OverlapDuration, a.WindowDuration)
	}

	if a.SpeechThreshold < 0 || a.SpeechThreshold > 1 {
		return fmt.Errorf("speech_threshold must be between 0 and 1, got %f", a.SpeechThreshold)
	}

	if a.FullScaleRMS < 0 || a.FullScaleRMS > 1 {
		return fmt.Errorf("full_scale_rms must be between 0 and 1, got %f", a.FullScaleRMS)
	}

	return nil
}

// Validate validates session configuration
func (s *SessionConfig) Validate() error {
	if s.IdleTimeout < 1 {
		return fmt.Errorf("idle_timeout must be at least 1 second, got %d", s.IdleTimeout)
	}

	if s.ReaperInterval < 1 {
		return fmt.Errorf("reaper_interval must be at least 1 second, got %d", s.ReaperInterval)
	}

	if s.SubstanceThreshold < 0 {
		return fmt.Errorf("substance_threshold cannot be negative, got %d", s.SubstanceThreshold)
	}

	switch session.CreateFailurePolicy(s.CreateFailurePolicy) {
	case session.PolicyAbort, session.PolicyDegrade:
	default:
		return fmt.Errorf("create_failure_policy must be 'abort' or 'degrade', got '%s'", s.CreateFailurePolicy)
	}

	switch session.Mode(s.DefaultMode) {
	case session.ModeRealtime, session.ModeTranscriptionOnly:
	default:
		return fmt.Errorf("default_mode must be 'realtime' or 'transcription_only', got '%s'", s.DefaultMode)
	}

	if s.StitchMaxWords < 0 {
		return fmt.Errorf("stitch_max_words cannot be negative, got %d", s.StitchMaxWords)
	}

	if s.CompletionBuffer < 0 {
		return fmt.Errorf("completion_buffer cannot be negative, got %d", s.CompletionBuffer)
	}

	return nil
}

// Validate validates dispatcher configuration
func (d *DispatchConfig) Validate() error {
	if d.Workers < 0 {
		return fmt.Errorf("workers cannot be negative, got %d", d.Workers)
	}

	if d.QueueSize < 0 {
		return fmt.Errorf("queue_size cannot be negative, got %d", d.QueueSize)
	}

	if d.SaturationThreshold <= 0 || d.SaturationThreshold > 1 {
		return fmt.Errorf("saturation_threshold must be in (0, 1], got %f", d.SaturationThreshold)
	}

	if d.LeaseTimeout < 1 {
		return fmt.Errorf("lease_timeout must be at least 1 second, got %d", d.LeaseTimeout)
	}

	if d.InteractiveCapacity < 0 || d.BatchCapacity < 0 {
		return fmt.Errorf("pool capacities cannot be negative")
	}

	if d.SubmitTimeout < 0 {
		return fmt.Errorf("submit_timeout cannot be negative, got %d", d.SubmitTimeout)
	}

	return nil
}

// Validate validates store configuration
func (s *StoreConfig) Validate() error {
	if s.TTL < 1 {
		return fmt.Errorf("ttl must be at least 1 second, got %d", s.TTL)
	}

	switch s.Backend {
	case "memory":
	case "redis":
		if s.Redis.Address == "" {
			return fmt.Errorf("redis address cannot be empty for the redis backend")
		}
		if s.Redis.DB < 0 {
			return fmt.Errorf("redis db cannot be negative, got %d", s.Redis.DB)
		}
	case "postgres":
		if s.Postgres.DSN == "" {
			return fmt.Errorf("postgres dsn cannot be empty for the postgres backend (set %s)", EnvPostgresDSN)
		}
	default:
		return fmt.Errorf("backend must be one of [memory, redis, postgres], got '%s'", s.Backend)
	}

	return nil
}

// Validate validates archive configuration
func (a *ArchiveConfig) Validate() error {
	if a.Retention < 0 {
		return fmt.Errorf("retention cannot be negative, got %d", a.Retention)
	}

	return nil
}

// Validate validates job queue configuration
func (q *QueueConfig) Validate() error {
	switch q.Backend {
	case "memory":
	case "http":
		if q.HTTP.Endpoint == "" {
			return fmt.Errorf("http endpoint cannot be empty for the http backend")
		}
		if q.HTTP.Timeout < 0 {
			return fmt.Errorf("http timeout cannot be negative, got %d", q.HTTP.Timeout)
		}
		if q.HTTP.MaxRetries < 0 {
			return fmt.Errorf("http max_retries cannot be negative, got %d", q.HTTP.MaxRetries)
		}
		if q.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("http max_concurrent cannot be negative, got %d", q.HTTP.MaxConcurrent)
		}
	case "postgres":
		if q.Postgres.DSN == "" {
			return fmt.Errorf("postgres dsn cannot be empty for the postgres backend (set %s)", EnvPostgresDSN)
		}
	default:
		return fmt.Errorf("backend must be one of [memory, http, postgres], got '%s'", q.Backend)
	}

	return nil
}

// Validate validates tracing configuration
func (t *TracingConfig) Validate() error {
	if !t.Enabled {
		return nil
	}

	if t.Exporter != "" && t.Exporter != "none" && t.Exporter != "log" {
		return fmt.Errorf("exporter must be 'none' or 'log', got '%s'", t.Exporter)
	}

	if t.SampleRatio < 0 || t.SampleRatio > 1 {
		return fmt.Errorf("sample_ratio must be between 0 and 1, got %f", t.SampleRatio)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Output may be stdout, stderr, empty (stdout) or a file path
	return nil
}

// Sanitized returns a copy with secrets redacted, safe to serve over HTTP
func (c *Config) Sanitized() Config {
	out := *c
	if out.Store.Redis.Password != "" {
		out.Store.Redis.Password = redactedSecret
	}
	if out.Store.Postgres.DSN != "" {
		out.Store.Postgres.DSN = redactedSecret
	}
	if out.Queue.Postgres.DSN != "" {
		out.Queue.Postgres.DSN = redactedSecret
	}
	if out.Queue.HTTP.APIKey != "" {
		out.Queue.HTTP.APIKey = redactedSecret
	}
	return out
}

// StrictFramesEnabled reports whether misaligned reads are discarded.
// Unset means strict.
func (a *AudioConfig) StrictFramesEnabled() bool {
	return a.StrictFrames == nil || *a.StrictFrames
}

// GetWindowDuration returns the window duration as a time.Duration
func (a *AudioConfig) GetWindowDuration() time.Duration {
	return time.Duration(a.WindowDuration * float64(time.Second))
}

// GetOverlapDuration returns the overlap duration as a time.Duration
func (a *AudioConfig) GetOverlapDuration() time.Duration {
	return time.Duration(a.OverlapDuration * float64(time.Second))
}

// GetHeaderTimeoutDuration returns how long a connection may take to send its call id
func (s *ServerConfig) GetHeaderTimeoutDuration() time.Duration {
	return time.Duration(s.HeaderTimeout) * time.Second
}

// GetShutdownTimeoutDuration returns the connection teardown timeout
func (s *ServerConfig) GetShutdownTimeoutDuration() time.Duration {
	return time.Duration(s.ShutdownTimeout) * time.Second
}

// GetIdleTimeoutDuration returns the session idle timeout as a time.Duration
func (s *SessionConfig) GetIdleTimeoutDuration() time.Duration {
	return time.Duration(s.IdleTimeout) * time.Second
}

// GetReaperIntervalDuration returns the reaper interval as a time.Duration
func (s *SessionConfig) GetReaperIntervalDuration() time.Duration {
	return time.Duration(s.ReaperInterval) * time.Second
}

// GetLeaseTimeoutDuration returns the pool lease timeout as a time.Duration
func (d *DispatchConfig) GetLeaseTimeoutDuration() time.Duration {
	return time.Duration(d.LeaseTimeout) * time.Second
}

// GetSubmitTimeoutDuration returns the job submission timeout as a time.Duration
func (d *DispatchConfig) GetSubmitTimeoutDuration() time.Duration {
	return time.Duration(d.SubmitTimeout) * time.Second
}

// GetTTLDuration returns the session store TTL as a time.Duration
func (s *StoreConfig) GetTTLDuration() time.Duration {
	return time.Duration(s.TTL) * time.Second
}

// GetRetentionDuration returns the archive retention as a time.Duration
func (a *ArchiveConfig) GetRetentionDuration() time.Duration {
	return time.Duration(a.Retention) * time.Hour
}

// GetTimeoutDuration returns the job gateway timeout as a time.Duration
func (q *QueueHTTPConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(q.Timeout) * time.Second
}
