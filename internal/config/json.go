package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/nekay/nekaysync/internal/flagx"
	"github.com/nekay/nekaysync/internal/timex"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling. It relies on
// timex.Duration so JSON can specify intervals either as strings like
// "1500ms" or as integer nanoseconds.
type JsonConfig struct {
	RemoteBaseURL    string         `json:"remote_base_url"`
	DatabasePath     string         `json:"database_path"`
	ProbeInterval    timex.Duration `json:"probe_interval"`
	ProbeMaxAttempts int            `json:"probe_max_attempts"`
	RemoteBatchSize  int            `json:"remote_batch_size"`
	LocalChunkSize   int            `json:"local_chunk_size"`
	MaxSyncAttempts  int            `json:"max_sync_attempts"`
	DebounceWindow   timex.Duration `json:"debounce_window"`
	RetentionWindow  timex.Duration `json:"retention_window"`
}

// parseJson overlays Config with values loaded from the JSON file named by
// the -c/-config flag. Zero values in the file leave the existing setting
// untouched, so a partial file only overrides what it names.
func parseJson(cfg *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	var jc JsonConfig

	data, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(data, &jc); err != nil {
		panic(err)
	}

	if jc.RemoteBaseURL != "" {
		cfg.RemoteBaseURL = jc.RemoteBaseURL
	}
	if jc.DatabasePath != "" {
		cfg.DatabasePath = jc.DatabasePath
	}
	if jc.ProbeInterval.Duration != 0 {
		cfg.ProbeInterval = time.Duration(jc.ProbeInterval.Duration)
	}
	if jc.ProbeMaxAttempts != 0 {
		cfg.ProbeMaxAttempts = jc.ProbeMaxAttempts
	}
	if jc.RemoteBatchSize != 0 {
		cfg.RemoteBatchSize = jc.RemoteBatchSize
	}
	if jc.LocalChunkSize != 0 {
		cfg.LocalChunkSize = jc.LocalChunkSize
	}
	if jc.MaxSyncAttempts != 0 {
		cfg.MaxSyncAttempts = jc.MaxSyncAttempts
	}
	if jc.DebounceWindow.Duration != 0 {
		cfg.DebounceWindow = time.Duration(jc.DebounceWindow.Duration)
	}
	if jc.RetentionWindow.Duration != 0 {
		cfg.RetentionWindow = time.Duration(jc.RetentionWindow.Duration)
	}
}
