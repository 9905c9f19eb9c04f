package config

import (
	"github.com/guildworks/guildcore/internal/common"
)

// NewDefaultConfig creates a configuration with default values.
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 4310,
			Host: "localhost",
		},
		Storage: StorageConfig{
			DataDir:             "./data",
			PostgresDSN:         "",
			ForceFile:           false,
			CacheTTLSeconds:     300,
			SyncIntervalSeconds: 300,
			WatchFiles:          true,
		},
		Scheduler: SchedulerConfig{
			FloorSeconds:     10,
			CeilingSeconds:   300,
			FanOut:           5,
			BatchDelayMillis: 250,
		},
		Discord: DiscordConfig{
			APIBase: "https://discord.com/api/v10",
		},
		Logging: common.LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
