package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	_ "github.com/lib/pq"              // registers the "postgres" driver
	_ "modernc.org/sqlite"             // registers the "sqlite" driver

	"github.com/nyashahama/early-warning-analyst-backend/internal/config"
	"github.com/nyashahama/early-warning-analyst-backend/internal/store"
)

// openStore builds the configured document store, migrates SQL schemas and
// wraps the result in the read cache. The returned func releases the
// connection pool.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.DocStore, func(), error) {
	var (
		docs    store.DocStore
		closeFn = func() {}
	)

	switch cfg.StoreBackend {
	case config.StoreMemory:
		docs = store.NewMemory()
		logger.Warn("store: in-memory backend; runs are lost on restart")

	case config.StorePostgres:
		pool, err := openDB(ctx, cfg.DBDriver, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		sqlStore := store.NewSQL(pool, store.DialectPostgres)
		if err := sqlStore.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		docs = sqlStore
		closeFn = func() { pool.Close() }
		logger.Info("store: postgres connected", "driver", cfg.DBDriver)

	case config.StoreSQLite:
		dsn := "file:" + cfg.SQLitePath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
		pool, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite: open: %w", err)
		}
		// One writer at a time.
		pool.SetMaxOpenConns(1)
		sqlStore := store.NewSQL(pool, store.DialectSQLite)
		if err := sqlStore.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		docs = sqlStore
		closeFn = func() { pool.Close() }
		logger.Info("store: sqlite opened", "path", cfg.SQLitePath)

	case config.StoreS3:
		s3, err := store.NewS3(store.S3Config{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			return nil, nil, err
		}
		docs = s3
		logger.Info("store: s3 bucket", "endpoint", cfg.S3Endpoint, "bucket", cfg.S3Bucket)

	default:
		return nil, nil, fmt.Errorf("unknown backend %q", cfg.StoreBackend)
	}

	if cfg.StoreCacheSize > 0 && cfg.StoreBackend != config.StoreMemory {
		cached, err := store.NewCached(docs, cfg.StoreCacheSize)
		if err != nil {
			closeFn()
			return nil, nil, err
		}
		docs = cached
	}
	return docs, closeFn, nil
}

// openDB opens the Postgres connection pool with the chosen driver and
// verifies the connection is reachable before proceeding.
func openDB(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	pool, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	// Tune the connection pool.
	pool.SetMaxOpenConns(25)
	pool.SetMaxIdleConns(10)
	pool.SetConnMaxLifetime(5 * time.Minute)
	pool.SetConnMaxIdleTime(2 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := pool.PingContext(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}
