package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the resolved SDK configuration. It is built once at client
// construction (defaults < file < env < options) and handed to the
// dispatcher as an immutable value; it is never re-resolved per call.
type Config struct {
	// APIHost is the base URL of the ingestion endpoint.
	APIHost string `json:"apiHost" yaml:"apiHost"`
	// DataDir is the root directory for durable spools. Each token gets its
	// own store underneath it.
	DataDir string `json:"dataDir" yaml:"dataDir"`

	// FlushIntervalMs is the periodic flush cadence.
	FlushIntervalMs int `json:"flushIntervalMs" yaml:"flushIntervalMs"`
	// FlushAt triggers an immediate flush when a stream's pending count
	// reaches this threshold.
	FlushAt int `json:"flushAt" yaml:"flushAt"`
	// MaxBatchSize bounds the number of records in one delivery attempt.
	MaxBatchSize int `json:"maxBatchSize" yaml:"maxBatchSize"`
	// MaxBatchBytes bounds the serialized payload bytes in one delivery attempt.
	MaxBatchBytes int `json:"maxBatchBytes" yaml:"maxBatchBytes"`
	// QueueCeiling caps pending entries per stream; the oldest entries are
	// evicted when the ceiling is exceeded.
	QueueCeiling int `json:"queueCeiling" yaml:"queueCeiling"`
	// ChannelCapacity bounds the producer message channel.
	ChannelCapacity int `json:"channelCapacity" yaml:"channelCapacity"`
	// RequestTimeoutMs bounds a single network submission.
	RequestTimeoutMs int `json:"requestTimeoutMs" yaml:"requestTimeoutMs"`
	// Fsync selects the storage durability mode: always, interval, or never.
	Fsync string `json:"fsync" yaml:"fsync"`

	Backoff BackoffConfig `json:"backoff" yaml:"backoff"`
	Log     LogConfig     `json:"log" yaml:"log"`
}

// BackoffConfig controls retry pacing after transient delivery failures.
type BackoffConfig struct {
	BaseMs int     `json:"baseMs" yaml:"baseMs"`
	CapMs  int     `json:"capMs" yaml:"capMs"`
	Factor float64 `json:"factor" yaml:"factor"`
}

// LogConfig controls the SDK logger.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		APIHost:          "https://api.mixpanel.com",
		DataDir:          DefaultDataDir(),
		FlushIntervalMs:  60_000,
		FlushAt:          20,
		MaxBatchSize:     50,
		MaxBatchBytes:    1 << 20,
		QueueCeiling:     10_000,
		ChannelCapacity:  1024,
		RequestTimeoutMs: 10_000,
		Fsync:            "interval",
		Backoff: BackoffConfig{
			BaseMs: 2_000,
			CapMs:  60_000,
			Factor: 2.0,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads configuration from a JSON or YAML file (by extension) over the
// defaults. If path is empty, returns defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	return cfg, nil
}

// FlushInterval returns FlushIntervalMs as a duration.
func (c Config) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMs) * time.Millisecond
}

// RequestTimeout returns RequestTimeoutMs as a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

// BackoffBase returns the backoff base as a duration.
func (c Config) BackoffBase() time.Duration {
	return time.Duration(c.Backoff.BaseMs) * time.Millisecond
}

// BackoffCap returns the backoff cap as a duration.
func (c Config) BackoffCap() time.Duration {
	return time.Duration(c.Backoff.CapMs) * time.Millisecond
}
