// Package database owns the delivery service's PostgreSQL access: a pgx
// connection pool tuned for the conversation actors' short transactional
// writes, plain SQL with no ORM, and schema migrations embedded in the
// binary so a freshly deployed DS can bring its store to the current
// version before serving traffic. Every §3 table lives in migrations/.
package database

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations
var migrationsFS embed.FS

// appName identifies this service in pg_stat_activity.
const appName = "mlsds"

// DB wraps the shared pgxpool.Pool.
type DB struct {
	Pool   *pgxpool.Pool
	logger *slog.Logger
}

// New opens a connection pool against databaseURL and verifies it with a
// ping. Actor commands hold transactions only around their commit boundary
// (§5), so connections turn over quickly; the lifetime settings below keep
// the pool from pinning stale connections across Postgres failovers.
func New(ctx context.Context, databaseURL string, maxConns int, logger *slog.Logger) (*DB, error) {
	if maxConns < 1 {
		maxConns = 10
	}

	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}
	poolCfg.MaxConns = int32(maxConns)
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = 30 * time.Second
	poolCfg.ConnConfig.RuntimeParams["application_name"] = appName

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	logger.Info("database pool ready",
		slog.String("host", poolCfg.ConnConfig.Host),
		slog.Int("max_conns", maxConns),
	)
	return &DB{Pool: pool, logger: logger}, nil
}

// HealthCheck reports whether the pool can still reach Postgres; the
// /health endpoint calls this per request.
func (db *DB) HealthCheck(ctx context.Context) error {
	if err := db.Pool.Ping(ctx); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	return nil
}

// Close drains and shuts down the pool.
func (db *DB) Close() {
	db.logger.Info("closing database connection pool")
	db.Pool.Close()
}

// withMigrator runs fn against a migrator over the embedded SQL files,
// folding the migrator's split source/database close errors into the
// returned error so callers see every failure.
func withMigrator(databaseURL string, fn func(*migrate.Migrate) error) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("opening embedded migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}

	runErr := fn(m)
	srcErr, dbErr := m.Close()
	return errors.Join(runErr, srcErr, dbErr)
}

// MigrateUp applies every pending migration. Already being at the latest
// version is a no-op, so it is safe to run on every startup.
func MigrateUp(databaseURL string, logger *slog.Logger) error {
	return withMigrator(databaseURL, func(m *migrate.Migrate) error {
		if err := m.Up(); err != nil {
			if errors.Is(err, migrate.ErrNoChange) {
				logger.Debug("schema already at latest version")
				return nil
			}
			return fmt.Errorf("applying migrations: %w", err)
		}

		version, dirty, err := m.Version()
		if err != nil {
			return fmt.Errorf("reading migration version: %w", err)
		}
		logger.Info("schema migrated",
			slog.Uint64("version", uint64(version)),
			slog.Bool("dirty", dirty),
		)
		return nil
	})
}

// MigrateDown rolls every migration back, dropping all delivery-service
// tables. Only operator tooling calls this.
func MigrateDown(databaseURL string, logger *slog.Logger) error {
	return withMigrator(databaseURL, func(m *migrate.Migrate) error {
		logger.Warn("rolling back all migrations; every table will be dropped")
		if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("rolling back migrations: %w", err)
		}
		return nil
	})
}

// MigrateStatus reports the schema's current version and dirty flag. A
// database with no schema_migrations row reports version 0.
func MigrateStatus(databaseURL string) (version uint, dirty bool, err error) {
	err = withMigrator(databaseURL, func(m *migrate.Migrate) error {
		v, d, verr := m.Version()
		if errors.Is(verr, migrate.ErrNilVersion) {
			return nil
		}
		if verr != nil {
			return fmt.Errorf("reading migration status: %w", verr)
		}
		version, dirty = v, d
		return nil
	})
	return version, dirty, err
}
