// Package bootstrap builds the configured backends for the commands.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/sf7293/task-scheduler/configs"
	db2 "github.com/sf7293/task-scheduler/db"
	"github.com/sf7293/task-scheduler/internal/domain"
	"github.com/sf7293/task-scheduler/internal/etcd"
	"github.com/sf7293/task-scheduler/internal/memlease"
	"github.com/sf7293/task-scheduler/internal/postgres"
	"github.com/sf7293/task-scheduler/internal/redis"
	"github.com/sf7293/task-scheduler/internal/sqlite"

	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
)

// RunMigrations applies the embedded migrations to the postgres database.
func RunMigrations(migrationURI string) error {
	d, err := iofs.New(db2.Migrations, "migrations")
	if err != nil {
		return err
	}

	m, err := migrate.NewWithSourceInstance("iofs", d, migrationURI)
	if err != nil {
		return err
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if srcErr != nil || dbErr != nil {
			slog.Warn("Failed to close migration instance", "source_error", srcErr, "database_error", dbErr)
		}
	}()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	slog.Info("Migrations ran successfully")
	return nil
}

// OpenStore connects to the configured TaskStore, migrating postgres first when migrate is set.
func OpenStore(ctx context.Context, cfg *configs.Config, migrate bool) (domain.TaskStore, error) {
	switch cfg.StoreBackend {
	case "postgres":
		if migrate {
			if err := RunMigrations(cfg.Database.ToMigrationUri()); err != nil {
				return nil, fmt.Errorf("migrations: %w", err)
			}
		}

		storage, err := postgres.NewStorage(ctx, cfg.Database.ToDbConnectionUri())
		if err != nil {
			return nil, err
		}
		slog.Info("Postgres connection has been initialized successfully")
		return storage, nil
	case "sqlite":
		storage, err := sqlite.NewStorage(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		slog.Info("SQLite store has been opened successfully", "path", cfg.SQLitePath)
		return storage, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

// OpenLeases connects to the configured coordination service and pings it.
func OpenLeases(ctx context.Context, cfg *configs.Config) (domain.LeaseService, error) {
	var leases domain.LeaseService
	switch cfg.CoordinationBackend {
	case "redis":
		client, err := redis.NewClient(cfg.RedisConfig.ToRedisConnectionUri())
		if err != nil {
			return nil, err
		}
		leases = client
	case "etcd":
		client, err := etcd.NewClient(cfg.Etcd.Endpoints, time.Duration(cfg.Etcd.DialTimeoutSeconds)*time.Second)
		if err != nil {
			return nil, err
		}
		leases = client
	case "memory":
		slog.Warn("In-memory coordination only elects within this process; do not run more than one node")
		leases = memlease.NewService()
	default:
		return nil, fmt.Errorf("unknown coordination backend %q", cfg.CoordinationBackend)
	}

	if err := leases.Ping(ctx); err != nil {
		_ = leases.Close()
		return nil, err
	}

	slog.Info("Coordination service connection has been initialized successfully", "backend", cfg.CoordinationBackend)
	return leases, nil
}
