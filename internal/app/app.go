// Package app wires the application together: storage, the expiration
// scheduler, the Discord client, and the award batcher, with explicit
// construction so tests can swap any collaborator.
package app

import (
	"fmt"
	"time"

	"github.com/guildworks/guildcore/internal/common"
	"github.com/guildworks/guildcore/internal/config"
	"github.com/guildworks/guildcore/internal/discord"
	"github.com/guildworks/guildcore/internal/handlers"
	"github.com/guildworks/guildcore/internal/interfaces"
	"github.com/guildworks/guildcore/internal/scheduler"
	"github.com/guildworks/guildcore/internal/storage"
	"github.com/guildworks/guildcore/internal/xp"
)

const (
	xpFlushInterval = 30 * time.Second
	xpMaxPending    = 64
)

// App holds all application components and dependencies.
type App struct {
	Config *config.Config
	Logger *common.Logger

	Storage   *storage.Manager
	Discord   interfaces.Discord
	Scheduler *scheduler.Scheduler
	Awards    *xp.Batcher

	HealthHandler *handlers.HealthHandler
	StatusHandler *handlers.StatusHandler
}

// New initializes the application with all dependencies.
func New(cfg *config.Config, logger *common.Logger) (*App, error) {
	manager, err := storage.NewManager(logger, &cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	if cfg.Discord.Token == "" {
		logger.Warn().Msg("discord token not configured, role revokes and notifications will fail")
	}
	client := discord.NewClient(&cfg.Discord, logger)

	sched := scheduler.New(logger, &cfg.Scheduler,
		scheduler.NewTempRoleSource(manager, client, logger),
		scheduler.NewPollSource(manager, client, logger),
	)
	manager.SetDeadlineNotifier(sched.Notify)

	a := &App{
		Config:    cfg,
		Logger:    logger,
		Storage:   manager,
		Discord:   client,
		Scheduler: sched,
		Awards:    xp.NewBatcher(manager, logger, xpFlushInterval, xpMaxPending),
	}

	a.HealthHandler = handlers.NewHealthHandler(logger)
	a.StatusHandler = handlers.NewStatusHandler(logger, manager, sched)

	logger.Info().Msg("application initialization complete")
	return a, nil
}

// Start launches the background workers. The scheduler's first pass runs
// immediately, which handles anything that came due while the process was
// down.
func (a *App) Start() {
	a.Scheduler.Start()
	a.Awards.Start()
}

// Close stops background workers and releases storage. Safe to call after a
// failed Start.
func (a *App) Close() error {
	a.Awards.Stop()
	a.Scheduler.Stop()
	return a.Storage.Close()
}
