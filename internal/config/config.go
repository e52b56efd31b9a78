// Package config loads runtime settings for the sync core in three layers:
// defaults, then a JSON file, then command-line flags. Later sources take
// precedence over earlier ones.
package config

import "time"

// Config holds runtime settings for the sync core.
//
// Units: intervals and windows are time.Duration. Batch sizes are record
// counts: RemoteBatchSize bounds one atomic remote batch write,
// LocalChunkSize bounds one local-store transaction so a large sync pass
// cannot starve interactive reads.
type Config struct {
	RemoteBaseURL string
	DatabasePath  string

	ProbeInterval    time.Duration
	ProbeMaxAttempts int

	RemoteBatchSize int
	LocalChunkSize  int
	MaxSyncAttempts int

	DebounceWindow  time.Duration
	RetentionWindow time.Duration
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.RemoteBaseURL = "http://127.0.0.1:8787"
	c.DatabasePath = "nekay.db"
	c.ProbeInterval = 3 * time.Second
	c.ProbeMaxAttempts = 5
	c.RemoteBatchSize = 500
	c.LocalChunkSize = 10
	c.MaxSyncAttempts = 3
	c.DebounceWindow = 1500 * time.Millisecond
	c.RetentionWindow = 30 * 24 * time.Hour
}

// LoadConfig constructs a Config, applies defaults, then overlays values
// from JSON (if present) and command-line flags (if present).
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
