package config

import (
	"os"
	"strconv"
)

// FromEnv overlays MIXPANEL_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	if v := os.Getenv("MIXPANEL_API_HOST"); v != "" {
		cfg.APIHost = v
	}
	if v := os.Getenv("MIXPANEL_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	envInt("MIXPANEL_FLUSH_INTERVAL_MS", &cfg.FlushIntervalMs)
	envInt("MIXPANEL_FLUSH_AT", &cfg.FlushAt)
	envInt("MIXPANEL_MAX_BATCH_SIZE", &cfg.MaxBatchSize)
	envInt("MIXPANEL_MAX_BATCH_BYTES", &cfg.MaxBatchBytes)
	envInt("MIXPANEL_QUEUE_CEILING", &cfg.QueueCeiling)
	envInt("MIXPANEL_CHANNEL_CAPACITY", &cfg.ChannelCapacity)
	envInt("MIXPANEL_REQUEST_TIMEOUT_MS", &cfg.RequestTimeoutMs)
	if v := os.Getenv("MIXPANEL_FSYNC"); v != "" {
		cfg.Fsync = v
	}
	envInt("MIXPANEL_BACKOFF_BASE_MS", &cfg.Backoff.BaseMs)
	envInt("MIXPANEL_BACKOFF_CAP_MS", &cfg.Backoff.CapMs)
	if v := os.Getenv("MIXPANEL_BACKOFF_FACTOR"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.Backoff.Factor = f
		}
	}
	if v := os.Getenv("MIXPANEL_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("MIXPANEL_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
