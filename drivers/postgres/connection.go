package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"runtime"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx" for goose's database/sql handle
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// PoolConfig configures the pgxpool.Pool backing a Driver. Zero-valued
// fields fall back to the documented defaults below.
type PoolConfig struct {
	// MaxConns bounds the pool's open connections. Zero auto-scales to
	// 4x GOMAXPROCS.
	MaxConns int32
	// MinConns bounds the pool's idle connections. Zero auto-scales to
	// GOMAXPROCS.
	MinConns int32
	// MaxConnLifetime bounds how long a pooled connection may live.
	// Zero defaults to 5 minutes.
	MaxConnLifetime time.Duration
	// MaxConnIdleTime bounds how long a connection may sit idle. Zero
	// defaults to 1 minute.
	MaxConnIdleTime time.Duration
}

// Connect runs pending migrations against dsn, then opens a pgxpool.Pool
// tuned by cfg (its zero value is valid and auto-scales to the host's
// GOMAXPROCS). Every pooled connection is pinned to UTC, matching the
// Clock contract's "wall time, UTC" requirement.
func Connect(ctx context.Context, dsn string, cfg PoolConfig) (*pgxpool.Pool, error) {
	if err := migrate(dsn); err != nil {
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}

	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = int32(runtime.GOMAXPROCS(0) * 4)
	}
	minConns := cfg.MinConns
	if minConns <= 0 {
		minConns = int32(runtime.GOMAXPROCS(0))
	}
	maxConnLifetime := cfg.MaxConnLifetime
	if maxConnLifetime <= 0 {
		maxConnLifetime = 5 * time.Minute
	}
	maxConnIdleTime := cfg.MaxConnIdleTime
	if maxConnIdleTime <= 0 {
		maxConnIdleTime = time.Minute
	}

	poolConfig.MaxConns = maxConns
	poolConfig.MinConns = minConns
	poolConfig.MaxConnLifetime = maxConnLifetime
	poolConfig.MaxConnIdleTime = maxConnIdleTime
	poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, "SET TIMEZONE='UTC'")
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("postgres: new pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}

// migrate applies every embedded migration using a throwaway
// database/sql handle, which goose requires instead of a pgxpool.Pool.
func migrate(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migration handle: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("ping migration handle: %w", err)
	}
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	goose.SetBaseFS(embedMigrations)
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
