// Package database owns the durable-store connection used by the
// durability writer. The venue is authoritative from memory; this
// layer is best-effort long-term history.
package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	// Drivers registered for the two supported stores.
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Supported drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

var (
	// ErrNilInstance is returned when methods are called on a nil
	// connection.
	ErrNilInstance = errors.New("database instance is nil")

	errUnsupportedDriver = errors.New("unsupported database driver")
	errEmptyDSN          = errors.New("database dsn is empty")
)

// Instance wraps the live connection with its driver name so callers
// can rebind queries.
type Instance struct {
	SQL    *sqlx.DB
	driver string
}

// Connect opens and verifies a connection. Pool limits follow the
// driver: sqlite serializes on one connection, postgres keeps a small
// steady pool.
func Connect(driver, dsn string) (*Instance, error) {
	if driver != DriverPostgres && driver != DriverSQLite {
		return nil, fmt.Errorf("%w: %q", errUnsupportedDriver, driver)
	}
	if dsn == "" {
		return nil, errEmptyDSN
	}
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	switch driver {
	case DriverSQLite:
		db.SetMaxOpenConns(1)
	case DriverPostgres:
		db.SetMaxOpenConns(2)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(time.Hour)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Instance{SQL: db, driver: driver}, nil
}

// Driver reports the connected driver name.
func (i *Instance) Driver() string {
	if i == nil {
		return ""
	}
	return i.driver
}

// Close releases the connection pool.
func (i *Instance) Close() error {
	if i == nil || i.SQL == nil {
		return ErrNilInstance
	}
	return i.SQL.Close()
}

// Ping verifies the connection is still alive.
func (i *Instance) Ping(ctx context.Context) error {
	if i == nil || i.SQL == nil {
		return ErrNilInstance
	}
	return i.SQL.PingContext(ctx)
}

// schema is portable between postgres and sqlite: ids arrive from the
// engine (no autoincrement), decimals are stored as canonical strings.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS orders (
		id              BIGINT PRIMARY KEY,
		symbol          TEXT NOT NULL,
		user_id         BIGINT NOT NULL,
		side            TEXT NOT NULL,
		type            TEXT NOT NULL,
		price           TEXT NOT NULL,
		quantity        TEXT NOT NULL,
		filled_quantity TEXT NOT NULL,
		status          TEXT NOT NULL,
		cancel_reason   TEXT NOT NULL DEFAULT '',
		created_at      TIMESTAMP NOT NULL,
		updated_at      TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_symbol ON orders (symbol)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_user ON orders (user_id)`,
	`CREATE TABLE IF NOT EXISTS trades (
		id            BIGINT PRIMARY KEY,
		symbol        TEXT NOT NULL,
		price         TEXT NOT NULL,
		quantity      TEXT NOT NULL,
		buy_order_id  BIGINT NOT NULL,
		sell_order_id BIGINT NOT NULL,
		buyer_id      BIGINT NOT NULL,
		seller_id     BIGINT NOT NULL,
		taker_side    TEXT NOT NULL,
		executed_at   TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades (symbol, executed_at)`,
}

// EnsureSchema bootstraps the tables the repositories expect.
func (i *Instance) EnsureSchema(ctx context.Context) error {
	if i == nil || i.SQL == nil {
		return ErrNilInstance
	}
	for _, stmt := range schema {
		if _, err := i.SQL.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema bootstrap failed: %w", err)
		}
	}
	return nil
}
