package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aceteam-ai/citadel-fabric/internal/protocol"
)

// clearEnv blanks every variable Load reads so the host environment cannot
// leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"FABRIC_LOG_LEVEL", "FABRIC_LOG_FORMAT", "DATABASE_URL", "FABRIC_DB_MAX_OPEN_CONNS",
		"REDIS_URL", "REDIS_PASSWORD", "FABRIC_PARTITIONS", "FABRIC_CONSUMER_NAME",
		"FABRIC_MAX_BATCH_SIZE", "FABRIC_BATCH_TIMEOUT", "FABRIC_HEARTBEAT_INTERVAL",
		"FABRIC_TCP_ADDR", "FABRIC_HTTP_ADDR", "FABRIC_METRICS_ADDR", "FABRIC_TRACING",
		"OTEL_EXPORTER_OTLP_ENDPOINT", "FABRIC_SERVER_URL", "FABRIC_CLIENT_ID",
	} {
		t.Setenv(key, "")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fabric.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.Batch.MaxBatchSize != 100 {
		t.Errorf("expected default max batch size 100, got %d", config.Batch.MaxBatchSize)
	}
	if config.Batch.BatchTimeout != 5*time.Second {
		t.Errorf("expected default batch timeout 5s, got %v", config.Batch.BatchTimeout)
	}
	if config.Ingest.Interval != time.Minute {
		t.Errorf("expected default bucket interval 60s, got %v", config.Ingest.Interval)
	}
	if config.Redis.Topic != "client-heartbeats" || config.Redis.ConsumerGroup != "heartbeat-consumer-group" {
		t.Errorf("unexpected stream names %q/%q", config.Redis.Topic, config.Redis.ConsumerGroup)
	}
	if config.Ingest.OfflineAfter != 5*time.Minute {
		t.Errorf("expected default offline threshold 5m, got %v", config.Ingest.OfflineAfter)
	}
	if err := config.Validate(); err != nil {
		t.Errorf("default config does not validate: %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
log:
  level: debug
  format: json
database:
  url: postgres://fabric@db/fabric
redis:
  partitions: 4
batch:
  max_batch_size: 250
  batch_timeout: 2s
ingest:
  interval: 2m
server:
  heartbeat_interval: 30s
  max_version: 1
`)

	config, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if config.Log.Level != "debug" || config.Log.Format != "json" {
		t.Errorf("log = %+v", config.Log)
	}
	if config.Database.URL != "postgres://fabric@db/fabric" {
		t.Errorf("database url = %q", config.Database.URL)
	}
	if config.Redis.Partitions != 4 {
		t.Errorf("partitions = %d, want 4", config.Redis.Partitions)
	}
	// Keys absent from the file keep their defaults.
	if config.Redis.Topic != "client-heartbeats" {
		t.Errorf("topic = %q, want default", config.Redis.Topic)
	}
	if config.Batch.MaxBatchSize != 250 || config.Batch.BatchTimeout != 2*time.Second {
		t.Errorf("batch = %+v", config.Batch)
	}
	if config.Ingest.Interval != 2*time.Minute {
		t.Errorf("interval = %v, want 2m", config.Ingest.Interval)
	}

	srv := config.FabricServer()
	if srv.Handle.HeartbeatInterval != 30*time.Second || srv.Handle.MaxVersion != protocol.V1 {
		t.Errorf("handle config = %+v", srv.Handle)
	}
	if b := config.BatchOptions(); b.MaxBatchSize != 250 {
		t.Errorf("batch options = %+v", b)
	}
	if r := config.Bus(); r.Partitions != 4 || r.ConsumerGroup != "heartbeat-consumer-group" {
		t.Errorf("bus options = %+v", r)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "batch:\n  max_batch: 10\n")
	if _, err := Load(path); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestLoadEmptyFile(t *testing.T) {
	clearEnv(t)
	config, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if config.Batch.MaxBatchSize != 100 {
		t.Errorf("expected defaults from an empty file, got %+v", config.Batch)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for a missing file")
	}
}

func TestConfigFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "/var/lib/fabric/fabric.db")
	t.Setenv("REDIS_URL", "redis://cache:6380/2")
	t.Setenv("FABRIC_PARTITIONS", "8")
	t.Setenv("FABRIC_BATCH_TIMEOUT", "750ms")
	t.Setenv("FABRIC_TRACING", "true")
	t.Setenv("FABRIC_MAX_BATCH_SIZE", "not-a-number")

	path := writeConfig(t, "redis:\n  url: redis://from-file:6379\n  partitions: 2\n")
	config, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if config.Database.URL != "/var/lib/fabric/fabric.db" {
		t.Errorf("expected database url from env, got %q", config.Database.URL)
	}
	if config.Redis.URL != "redis://cache:6380/2" {
		t.Errorf("expected env to override the file, got %q", config.Redis.URL)
	}
	if config.Redis.Partitions != 8 {
		t.Errorf("expected partitions 8 from env, got %d", config.Redis.Partitions)
	}
	if config.Batch.BatchTimeout != 750*time.Millisecond {
		t.Errorf("expected batch timeout 750ms from env, got %v", config.Batch.BatchTimeout)
	}
	if !config.Tracing.Enabled {
		t.Error("expected tracing enabled from env")
	}
	if config.Batch.MaxBatchSize != 100 {
		t.Errorf("expected unparsable env value to be ignored, got %d", config.Batch.MaxBatchSize)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr error
	}{
		{"valid config", func(*Config) {}, nil},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, ErrInvalidLogLevel},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, ErrInvalidLogFormat},
		{"no database", func(c *Config) { c.Database.URL = "" }, ErrMissingDatabase},
		{"no redis", func(c *Config) { c.Redis.URL = "" }, ErrMissingRedis},
		{"zero partitions", func(c *Config) { c.Redis.Partitions = 0 }, ErrInvalidPartitions},
		{"zero batch size", func(c *Config) { c.Batch.MaxBatchSize = 0 }, ErrInvalidBatchSize},
		{"zero batch timeout", func(c *Config) { c.Batch.BatchTimeout = 0 }, ErrInvalidInterval},
		{"negative interval", func(c *Config) { c.Ingest.Interval = -time.Second }, ErrInvalidInterval},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.modify(config)
			err := config.Validate()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateAgent(t *testing.T) {
	config := DefaultConfig()
	if err := config.ValidateAgent(); err != nil {
		t.Errorf("default agent config: %v", err)
	}

	config.Agent.ClientID = "abc"
	if err := config.ValidateAgent(); !errors.Is(err, ErrInvalidClientID) {
		t.Errorf("short client id: got %v", err)
	}

	config.Agent.ClientID = ""
	config.Agent.ServerURL = ""
	if err := config.ValidateAgent(); !errors.Is(err, ErrMissingServerURL) {
		t.Errorf("missing server url: got %v", err)
	}
}

func TestAgentOptions(t *testing.T) {
	config := DefaultConfig()
	config.Agent.ClientID = "c0ffee0102030405060708090a0b0c0d"
	config.Agent.Hostname = "gpu-01"
	config.Agent.Compression = "LZ4"

	opts, err := config.AgentOptions("1.2.3")
	if err != nil {
		t.Fatal(err)
	}
	if opts.ClientID.String() != "c0ffee0102030405060708090a0b0c0d" {
		t.Errorf("client id = %s", opts.ClientID)
	}
	if opts.Hostname != "gpu-01" || opts.AgentVersion != "1.2.3" {
		t.Errorf("identity = %q/%q", opts.Hostname, opts.AgentVersion)
	}
	if opts.Chunk.Compression != protocol.CompressionLZ4 {
		t.Errorf("compression = %v, want lz4", opts.Chunk.Compression)
	}

	config.Agent.Compression = "brotli"
	if _, err := config.AgentOptions("1.2.3"); err == nil {
		t.Error("expected error for unknown compression")
	}
}
