// Package postgres opens PostgreSQL connections through the pgx driver and
// installs the schema shared by the kit loader and the run store.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed schema.sql
var schema string

// Config configures the connection pool.
type Config struct {
	URL             string        `yaml:"url"`
	PingTimeout     time.Duration `yaml:"ping_timeout"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// WithDefaults fills unset pool settings.
func (c Config) WithDefaults() Config {
	if c.PingTimeout <= 0 {
		c.PingTimeout = 2 * time.Second
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = 30 * time.Minute
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
	return c
}

// Validate checks the settings.
func (c Config) Validate() error {
	if c.URL == "" {
		return errors.New("postgres url is required")
	}
	if c.PingTimeout <= 0 {
		return errors.New("postgres ping timeout must be positive")
	}
	if c.MaxOpenConns < 1 {
		return errors.New("postgres max open conns must be >= 1")
	}
	if c.MaxIdleConns < 0 || c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("postgres max idle conns must be within 0..max open conns")
	}
	if c.ConnMaxLifetime < 0 || c.ConnMaxIdleTime < 0 {
		return errors.New("postgres connection lifetimes must be >= 0")
	}
	return nil
}

// Open opens and pings a pool.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return db, nil
}

// Migrate creates the tables when missing. It is idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Pinger adapts a pool to clue's health.Pinger.
type Pinger struct {
	DB *sql.DB
}

// Name implements health.Pinger.
func (Pinger) Name() string { return "postgres" }

// Ping implements health.Pinger.
func (p Pinger) Ping(ctx context.Context) error { return p.DB.PingContext(ctx) }

// IsUniqueViolation reports whether err is a unique constraint violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
