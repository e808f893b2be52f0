// Package db opens the message and profile stores for the configured driver.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"groupchat/internal/config"
	"groupchat/internal/domain/ports/repository"
	"groupchat/internal/infra/db/postgres"
	"groupchat/internal/infra/db/sqlite"
	"groupchat/internal/infra/memory"
	"groupchat/internal/infra/scheduler"
)

const statsInterval = 15 * time.Second

type Stores struct {
	Messages repository.MessageStore
	Profiles interface {
		repository.ProfileStore
		repository.ProfileWriter
	}
	close func()
}

// Close stops pool reporting and releases connections.
func (s *Stores) Close() {
	if s.close != nil {
		s.close()
	}
}

// Open connects to cfg.Driver. Pool gauges are reported until ctx is done.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *zerolog.Logger) (*Stores, error) {
	switch cfg.Driver {
	case "memory":
		return &Stores{
			Messages: memory.NewMessageLog(),
			Profiles: memory.NewProfileDirectory(),
		}, nil

	case "postgres":
		pool, err := postgres.Connect(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("postgres: %w", err)
		}
		stats := poolStats(ctx, "postgres", func() { postgres.ReportPoolStats(pool) }, logger)
		return &Stores{
			Messages: postgres.NewPostgresMessageRepo(pool, postgres.NewTxManager(pool)),
			Profiles: postgres.NewPostgresProfileRepo(pool),
			close: func() {
				stats.Stop()
				pool.Close()
			},
		}, nil

	case "sqlite":
		st, err := sqlite.Open(cfg.URL, logger)
		if err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		stats := poolStats(ctx, "sqlite", st.ReportPoolStats, logger)
		return &Stores{
			Messages: st,
			Profiles: st,
			close: func() {
				stats.Stop()
				if err := st.Close(); err != nil {
					logger.Warn().Err(err).Msg("sqlite close")
				}
			},
		}, nil

	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

func poolStats(ctx context.Context, driver string, report func(), logger *zerolog.Logger) *scheduler.Scheduler {
	s := scheduler.NewScheduler(driver+"_pool_stats", statsInterval, func(context.Context) error {
		report()
		return nil
	}, logger)
	s.Start(ctx)
	return s
}
