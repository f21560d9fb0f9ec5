// Package config loads the settings shared by the fabric commands from a YAML
// file and the environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/aceteam-ai/citadel-fabric/internal/agent"
	"github.com/aceteam-ai/citadel-fabric/internal/batch"
	"github.com/aceteam-ai/citadel-fabric/internal/bus"
	"github.com/aceteam-ai/citadel-fabric/internal/fabric"
	"github.com/aceteam-ai/citadel-fabric/internal/ingest"
	"github.com/aceteam-ai/citadel-fabric/internal/observability"
	"github.com/aceteam-ai/citadel-fabric/internal/protocol"
	"github.com/aceteam-ai/citadel-fabric/internal/store"
	"github.com/aceteam-ai/citadel-fabric/internal/telemetry"
)

// Config holds every setting of the consume, serve and agent commands.
type Config struct {
	Log      LogConfig      `yaml:"log"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Batch    BatchConfig    `yaml:"batch"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Points   PointsConfig   `yaml:"points"`
	Server   ServerConfig   `yaml:"server"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Agent    AgentConfig    `yaml:"agent"`
}

// LogConfig selects level and format.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DatabaseConfig points at SQLite (a file path) or PostgreSQL (a postgres:// URL).
type DatabaseConfig struct {
	URL          string        `yaml:"url"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	BusyTimeout  time.Duration `yaml:"busy_timeout"`
}

// RedisConfig configures the heartbeat streams.
type RedisConfig struct {
	URL           string `yaml:"url"`
	Password      string `yaml:"password"`
	Topic         string `yaml:"topic"`
	Partitions    int    `yaml:"partitions"`
	ConsumerGroup string `yaml:"consumer_group"`

	// ConsumerName must stay the same across restarts of one consumer.
	ConsumerName string `yaml:"consumer_name"`
	MaxLen       int64  `yaml:"max_len"`
}

// BatchConfig holds the accumulator thresholds.
type BatchConfig struct {
	MaxBatchSize int           `yaml:"max_batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	IdlePoll     time.Duration `yaml:"idle_poll"`
}

// IngestConfig holds bucketing, retry and liveness settings.
type IngestConfig struct {
	Interval      time.Duration `yaml:"interval"`
	MaxRetries    int           `yaml:"max_retries"`
	BaseBackoff   time.Duration `yaml:"base_backoff"`
	MaxBackoff    time.Duration `yaml:"max_backoff"`
	OfflineAfter  time.Duration `yaml:"offline_after"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// PointsConfig holds the recomputation and catalog schedules.
type PointsConfig struct {
	RecomputeInterval time.Duration `yaml:"recompute_interval"`
	CatalogRefresh    time.Duration `yaml:"catalog_refresh"`

	// DeviceTypesFile replaces the built-in catalog when seeding.
	DeviceTypesFile string `yaml:"device_types_file"`
}

// ServerConfig configures the worker-facing listeners.
type ServerConfig struct {
	TCPAddr           string        `yaml:"tcp_addr"`
	HTTPAddr          string        `yaml:"http_addr"`
	MaxFrameSize      int           `yaml:"max_frame_size"`
	RateLimitRPS      float64       `yaml:"rate_limit_rps"`
	RateLimitBurst    int           `yaml:"rate_limit_burst"`
	DrainTimeout      time.Duration `yaml:"drain_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	RegisterTimeout   time.Duration `yaml:"register_timeout"`
	TaskTimeout       time.Duration `yaml:"task_timeout"`
	CancelTimeout     time.Duration `yaml:"cancel_timeout"`
	TransferTimeout   time.Duration `yaml:"transfer_timeout"`
	MaxVersion        uint8         `yaml:"max_version"`
}

// MetricsConfig is the health and metrics endpoint of the consume command.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// TracingConfig enables OpenTelemetry export.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Service  string `yaml:"service"`
	Endpoint string `yaml:"endpoint"`
}

// AgentConfig configures the node agent.
type AgentConfig struct {
	ServerURL string `yaml:"server_url"`

	// ClientID is 32 hex digits. Empty derives one from the machine id.
	ClientID          string        `yaml:"client_id"`
	Hostname          string        `yaml:"hostname"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	MinBackoff        time.Duration `yaml:"min_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	MaxVersion        uint8         `yaml:"max_version"`
	Compression       string        `yaml:"compression"`
	DiskPath          string        `yaml:"disk_path"`
	NvidiaSMIPath     string        `yaml:"nvidia_smi_path"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "auto"},
		Database: DatabaseConfig{
			URL:          "fabric.db",
			MaxOpenConns: 8,
			BusyTimeout:  5 * time.Second,
		},
		Redis: RedisConfig{
			URL:           "redis://localhost:6379",
			Topic:         "client-heartbeats",
			Partitions:    1,
			ConsumerGroup: "heartbeat-consumer-group",
			MaxLen:        100000,
		},
		Batch: BatchConfig{
			MaxBatchSize: 100,
			BatchTimeout: 5 * time.Second,
			IdlePoll:     time.Second,
		},
		Ingest: IngestConfig{
			Interval:      60 * time.Second,
			MaxRetries:    5,
			BaseBackoff:   time.Second,
			MaxBackoff:    30 * time.Second,
			OfflineAfter:  5 * time.Minute,
			SweepInterval: 30 * time.Second,
		},
		Points: PointsConfig{
			RecomputeInterval: 5 * time.Minute,
			CatalogRefresh:    time.Minute,
		},
		Server: ServerConfig{
			TCPAddr:           ":7450",
			HTTPAddr:          ":7451",
			RateLimitRPS:      5,
			RateLimitBurst:    10,
			DrainTimeout:      30 * time.Second,
			HeartbeatInterval: 60 * time.Second,
			RegisterTimeout:   10 * time.Second,
			TaskTimeout:       5 * time.Minute,
			CancelTimeout:     10 * time.Second,
			TransferTimeout:   2 * time.Minute,
			MaxVersion:        uint8(protocol.Latest),
		},
		Metrics: MetricsConfig{Addr: ":9464"},
		Tracing: TracingConfig{Service: "citadel-fabric"},
		Agent: AgentConfig{
			ServerURL:         "tcp://localhost:7450",
			HeartbeatInterval: 60 * time.Second,
			MinBackoff:        time.Second,
			MaxBackoff:        time.Minute,
			MaxVersion:        uint8(protocol.Latest),
			Compression:       "zstd",
			DiskPath:          "/",
		},
	}
}

// Load reads path over the defaults, then applies environment overrides.
// An empty path skips the file. Unknown keys in the file are an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Log.Level = getEnvOrDefault("FABRIC_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnvOrDefault("FABRIC_LOG_FORMAT", c.Log.Format)

	c.Database.URL = getEnvOrDefault("DATABASE_URL", c.Database.URL)
	c.Database.MaxOpenConns = getEnvInt("FABRIC_DB_MAX_OPEN_CONNS", c.Database.MaxOpenConns)

	c.Redis.URL = getEnvOrDefault("REDIS_URL", c.Redis.URL)
	c.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.Partitions = getEnvInt("FABRIC_PARTITIONS", c.Redis.Partitions)
	c.Redis.ConsumerName = getEnvOrDefault("FABRIC_CONSUMER_NAME", c.Redis.ConsumerName)

	c.Batch.MaxBatchSize = getEnvInt("FABRIC_MAX_BATCH_SIZE", c.Batch.MaxBatchSize)
	c.Batch.BatchTimeout = getEnvDuration("FABRIC_BATCH_TIMEOUT", c.Batch.BatchTimeout)
	c.Ingest.Interval = getEnvDuration("FABRIC_HEARTBEAT_INTERVAL", c.Ingest.Interval)

	c.Server.TCPAddr = getEnvOrDefault("FABRIC_TCP_ADDR", c.Server.TCPAddr)
	c.Server.HTTPAddr = getEnvOrDefault("FABRIC_HTTP_ADDR", c.Server.HTTPAddr)
	c.Metrics.Addr = getEnvOrDefault("FABRIC_METRICS_ADDR", c.Metrics.Addr)

	c.Tracing.Enabled = getEnvBool("FABRIC_TRACING", c.Tracing.Enabled)
	c.Tracing.Endpoint = getEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", c.Tracing.Endpoint)

	c.Agent.ServerURL = getEnvOrDefault("FABRIC_SERVER_URL", c.Agent.ServerURL)
	c.Agent.ClientID = getEnvOrDefault("FABRIC_CLIENT_ID", c.Agent.ClientID)
}

// getEnvOrDefault returns the environment variable value or a default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as an int or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvBool returns the environment variable as a bool or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go duration strings such as "90s" or "5m".
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// Validate checks the settings used by the control plane commands.
func (c *Config) Validate() error {
	if _, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level)); err != nil || c.Log.Level == "" {
		return fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "auto", "json", "console":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLogFormat, c.Log.Format)
	}
	if c.Database.URL == "" {
		return ErrMissingDatabase
	}
	if c.Redis.URL == "" {
		return ErrMissingRedis
	}
	if c.Redis.Partitions < 1 {
		return ErrInvalidPartitions
	}
	if c.Batch.MaxBatchSize < 1 {
		return ErrInvalidBatchSize
	}
	for _, d := range []time.Duration{
		c.Batch.BatchTimeout,
		c.Ingest.Interval,
		c.Ingest.OfflineAfter,
		c.Ingest.SweepInterval,
		c.Points.RecomputeInterval,
		c.Points.CatalogRefresh,
		c.Server.HeartbeatInterval,
	} {
		if d <= 0 {
			return ErrInvalidInterval
		}
	}
	return nil
}

// ValidateAgent checks the settings used by the agent command.
func (c *Config) ValidateAgent() error {
	if c.Agent.ServerURL == "" {
		return ErrMissingServerURL
	}
	if c.Agent.ClientID != "" {
		if _, err := telemetry.ParseClientID(c.Agent.ClientID); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidClientID, err)
		}
	}
	if c.Agent.HeartbeatInterval <= 0 {
		return ErrInvalidInterval
	}
	return nil
}

// LogOptions returns the logger settings.
func (c *Config) LogOptions() observability.LogConfig {
	return observability.LogConfig{Level: c.Log.Level, Format: c.Log.Format}
}

// TracingOptions returns the tracer settings.
func (c *Config) TracingOptions() observability.TracingConfig {
	return observability.TracingConfig(c.Tracing)
}

// StoreOptions returns the database pool settings.
func (c *Config) StoreOptions() store.Options {
	return store.Options{MaxOpenConns: c.Database.MaxOpenConns, BusyTimeout: c.Database.BusyTimeout}
}

// Bus returns the Redis Streams settings.
func (c *Config) Bus() bus.RedisConfig {
	return bus.RedisConfig(c.Redis)
}

// BatchOptions returns the accumulator thresholds.
func (c *Config) BatchOptions() batch.Config {
	return batch.Config(c.Batch)
}

// IngestOptions returns the processor settings.
func (c *Config) IngestOptions() ingest.Config {
	return ingest.Config{
		Interval:    c.Ingest.Interval,
		MaxRetries:  c.Ingest.MaxRetries,
		BaseBackoff: c.Ingest.BaseBackoff,
		MaxBackoff:  c.Ingest.MaxBackoff,
	}
}

// FabricServer returns the listener and per-connection settings.
func (c *Config) FabricServer() fabric.ServerConfig {
	s := c.Server
	return fabric.ServerConfig{
		TCPAddr:        s.TCPAddr,
		HTTPAddr:       s.HTTPAddr,
		MaxFrameSize:   s.MaxFrameSize,
		RateLimitRPS:   s.RateLimitRPS,
		RateLimitBurst: s.RateLimitBurst,
		DrainTimeout:   s.DrainTimeout,
		Handle: fabric.Config{
			MaxVersion:        protocol.Version(s.MaxVersion),
			HeartbeatInterval: s.HeartbeatInterval,
			RegisterTimeout:   s.RegisterTimeout,
			TaskTimeout:       s.TaskTimeout,
			CancelTimeout:     s.CancelTimeout,
			TransferTimeout:   s.TransferTimeout,
		},
	}
}

// AgentOptions returns the agent settings. version is the build version
// reported at registration.
func (c *Config) AgentOptions(version string) (agent.Config, error) {
	a := c.Agent

	var id telemetry.ClientID
	var err error
	if a.ClientID != "" {
		id, err = telemetry.ParseClientID(a.ClientID)
	} else {
		id, err = agent.MachineClientID()
	}
	if err != nil {
		return agent.Config{}, fmt.Errorf("client id: %w", err)
	}

	hostname := a.Hostname
	if hostname == "" {
		hostname, _ = os.Hostname()
	}

	chunk := protocol.DefaultChunkOptions()
	compression, err := protocol.ParseCompressionTag(strings.ToLower(a.Compression))
	if err != nil {
		return agent.Config{}, err
	}
	chunk.Compression = compression

	return agent.Config{
		ServerURL:         a.ServerURL,
		ClientID:          id,
		Hostname:          hostname,
		AgentVersion:      version,
		MaxVersion:        protocol.Version(a.MaxVersion),
		HeartbeatInterval: a.HeartbeatInterval,
		MinBackoff:        a.MinBackoff,
		MaxBackoff:        a.MaxBackoff,
		MaxFrameSize:      c.Server.MaxFrameSize,
		Chunk:             chunk,
	}, nil
}
