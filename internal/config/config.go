package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/guildworks/guildcore/internal/common"
)

// Config represents the application configuration.
type Config struct {
	Server    ServerConfig         `toml:"server"`
	Storage   StorageConfig        `toml:"storage"`
	Scheduler SchedulerConfig      `toml:"scheduler"`
	Discord   DiscordConfig        `toml:"discord"`
	Logging   common.LoggingConfig `toml:"logging"`
}

// ServerConfig contains the diagnostic HTTP server settings.
type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// StorageConfig contains storage layer settings.
type StorageConfig struct {
	// DataDir is the root directory for file-backed collections.
	DataDir string `toml:"data_dir"`
	// PostgresDSN selects the database backend when reachable. Empty means
	// file-only mode.
	PostgresDSN string `toml:"postgres_dsn"`
	// ForceFile skips the database entirely even when a DSN is configured.
	ForceFile bool `toml:"force_file"`
	// CacheTTLSeconds bounds read staleness through the cache layer.
	CacheTTLSeconds int `toml:"cache_ttl_seconds"`
	// SyncIntervalSeconds is the reconciliation loop interval. Zero disables
	// the periodic loop; the one-shot migration pass still runs.
	SyncIntervalSeconds int `toml:"sync_interval_seconds"`
	// WatchFiles enables cache invalidation when collection files are
	// edited outside the process (file backend only).
	WatchFiles bool `toml:"watch_files"`
}

// CacheTTL returns the cache TTL as a duration.
func (c StorageConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// SyncInterval returns the reconciliation interval as a duration.
func (c StorageConfig) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalSeconds) * time.Second
}

// SchedulerConfig contains expiration scheduler settings.
type SchedulerConfig struct {
	// FloorSeconds is the minimum re-arm interval.
	FloorSeconds int `toml:"floor_seconds"`
	// CeilingSeconds is the maximum re-arm interval.
	CeilingSeconds int `toml:"ceiling_seconds"`
	// FanOut bounds concurrent side-effect processing per pass.
	FanOut int `toml:"fan_out"`
	// BatchDelayMillis is inserted between side-effect batches to stay under
	// collaborator rate limits.
	BatchDelayMillis int `toml:"batch_delay_millis"`
}

// Floor returns the minimum re-arm interval as a duration.
func (c SchedulerConfig) Floor() time.Duration {
	return time.Duration(c.FloorSeconds) * time.Second
}

// Ceiling returns the maximum re-arm interval as a duration.
func (c SchedulerConfig) Ceiling() time.Duration {
	return time.Duration(c.CeilingSeconds) * time.Second
}

// BatchDelay returns the inter-batch delay as a duration.
func (c SchedulerConfig) BatchDelay() time.Duration {
	return time.Duration(c.BatchDelayMillis) * time.Millisecond
}

// DiscordConfig contains the Discord REST collaborator settings.
type DiscordConfig struct {
	Token   string `toml:"token"`
	APIBase string `toml:"api_base"`
}

// LoadFromFile loads configuration with priority: defaults -> file -> env.
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return LoadFromFiles()
	}
	return LoadFromFiles(path)
}

// LoadFromFiles loads configuration from multiple files with priority:
// defaults -> file1 -> file2 -> ... -> env.
// Later files override earlier files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		err = toml.Unmarshal(data, config)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies GUILDCORE_* environment variable overrides to config.
func applyEnvOverrides(config *Config) {
	if port := os.Getenv("GUILDCORE_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("GUILDCORE_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if dataDir := os.Getenv("GUILDCORE_DATA_DIR"); dataDir != "" {
		config.Storage.DataDir = dataDir
	}
	if dsn := os.Getenv("GUILDCORE_POSTGRES_DSN"); dsn != "" {
		config.Storage.PostgresDSN = dsn
	}
	if forceFile := os.Getenv("GUILDCORE_FORCE_FILE"); forceFile != "" {
		if v, err := strconv.ParseBool(forceFile); err == nil {
			config.Storage.ForceFile = v
		}
	}
	if token := os.Getenv("GUILDCORE_DISCORD_TOKEN"); token != "" {
		config.Discord.Token = token
	}
	if level := os.Getenv("GUILDCORE_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("GUILDCORE_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config.
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Validate returns a list of configuration problems. An empty list means the
// configuration is usable.
func (c *Config) Validate() []string {
	var issues []string
	if c.Storage.DataDir == "" {
		issues = append(issues, "storage.data_dir must not be empty")
	}
	if c.Scheduler.FloorSeconds <= 0 {
		issues = append(issues, "scheduler.floor_seconds must be positive")
	}
	if c.Scheduler.CeilingSeconds < c.Scheduler.FloorSeconds {
		issues = append(issues, "scheduler.ceiling_seconds must be >= scheduler.floor_seconds")
	}
	if c.Scheduler.FanOut <= 0 {
		issues = append(issues, "scheduler.fan_out must be positive")
	}
	return issues
}
