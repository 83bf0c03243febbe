// Package db implements the EventStore collaborator: durable persistence
// for published events and registered access keys, backed by bun over
// either SQLite or Postgres.
package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"github.com/andreasots/eventhub/internal/hub"

	_ "modernc.org/sqlite"
)

// ctx returns a background context for bun queries issued outside of a
// request-scoped call site.
func ctx() context.Context { return context.Background() }

// Event is a persisted (id, endpoint, event, data) tuple, the unit of
// broadcast. ID is assigned by the store, never by the caller.
type Event struct {
	bun.BaseModel `bun:"table:events"`

	ID       int64  `bun:"id,pk,autoincrement"`
	Endpoint string `bun:"endpoint,notnull"`
	Event    string `bun:"event,notnull"`
	Data     string `bun:"data,notnull"`
}

// AccessKey authorizes POST submissions to an endpoint. Multiple keys per
// endpoint are permitted; membership, not uniqueness, is what matters.
type AccessKey struct {
	bun.BaseModel `bun:"table:access_keys"`

	ID       int64  `bun:"id,pk,autoincrement"`
	Endpoint string `bun:"endpoint,notnull"`
	Key      string `bun:"key,notnull"`
}

// DB wraps the bun connection and implements the EventStore interface
// consumed by the hub.
type DB struct {
	bun    *bun.DB
	dbType string
}

// DBType returns the database type ("sqlite" or "postgres").
func (d *DB) DBType() string {
	return d.dbType
}

// OpenDB opens a database connection for the given type and DSN, runs any
// pending migrations, and returns the DB handle.
func OpenDB(dbType, dsn string) (*DB, error) {
	var driverName string
	switch dbType {
	case "sqlite":
		driverName = "sqlite"
	case "postgres":
		driverName = "postgres"
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}

	// For SQLite in-memory databases, use shared cache so that the migration
	// connection (opened separately by golang-migrate) sees the same database.
	migrateDSN := dsn
	if dbType == "sqlite" && dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
		migrateDSN = dsn
	}

	conn, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dbType == "sqlite" {
		// busy_timeout waits up to 5 seconds for locks to clear
		if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to set busy_timeout: %w", err)
		}

		// WAL mode allows concurrent reads while writing
		if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}

		// Keep at least one connection open to prevent in-memory databases
		// from being destroyed when all connections close.
		conn.SetMaxIdleConns(1)
	}

	// Run all pending migrations (uses its own connection to avoid m.Close() side effects)
	if err := runMigrations(dbType, migrateDSN); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	var bunDB *bun.DB
	switch dbType {
	case "sqlite":
		bunDB = bun.NewDB(conn, sqlitedialect.New())
	case "postgres":
		bunDB = bun.NewDB(conn, pgdialect.New())
	}

	return &DB{bun: bunDB, dbType: dbType}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.bun.Close()
}

// Ping verifies the database connection is alive, backing the /readyz
// endpoint.
func (d *DB) Ping() error {
	return d.bun.PingContext(ctx())
}

// Append persists a new event for endpoint, assigning it the next
// monotone ID, and returns the complete row. Atomic: the ID is only
// observable once the row is durable. Satisfies hub.Store.
func (d *DB) Append(endpoint, event, data string) (hub.StoredEvent, error) {
	row := Event{Endpoint: endpoint, Event: event, Data: data}
	if _, err := d.bun.NewInsert().Model(&row).Exec(ctx()); err != nil {
		return hub.StoredEvent{}, fmt.Errorf("append event: %w", err)
	}
	return hub.StoredEvent{ID: row.ID, Endpoint: row.Endpoint, Event: row.Event, Data: row.Data}, nil
}

// EventsAfter returns every event on endpoint with id > after, ordered by
// id ascending, for gap replay on subscriber attach. Satisfies hub.Store.
func (d *DB) EventsAfter(endpoint string, after int64) ([]hub.StoredEvent, error) {
	var rows []Event
	err := d.bun.NewSelect().
		Model(&rows).
		Where("endpoint = ?", endpoint).
		Where("id > ?", after).
		OrderExpr("id ASC").
		Scan(ctx())
	if err != nil {
		return nil, fmt.Errorf("events after: %w", err)
	}
	out := make([]hub.StoredEvent, len(rows))
	for i, r := range rows {
		out[i] = hub.StoredEvent{ID: r.ID, Endpoint: r.Endpoint, Event: r.Event, Data: r.Data}
	}
	return out, nil
}

// RegisterKey adds an access key to endpoint. Duplicate (endpoint, key)
// pairs are harmless since check is a membership test.
func (d *DB) RegisterKey(endpoint, key string) error {
	row := AccessKey{Endpoint: endpoint, Key: key}
	if _, err := d.bun.NewInsert().Model(&row).On("CONFLICT (endpoint, key) DO NOTHING").Exec(ctx()); err != nil {
		return fmt.Errorf("register key: %w", err)
	}
	return nil
}

// CheckKey reports whether at least one (endpoint, key) row matches.
func (d *DB) CheckKey(endpoint, key string) (bool, error) {
	count, err := d.bun.NewSelect().
		Model((*AccessKey)(nil)).
		Where("endpoint = ?", endpoint).
		Where("key = ?", key).
		Count(ctx())
	if err != nil {
		return false, fmt.Errorf("check key: %w", err)
	}
	return count > 0, nil
}

// ExecRaw runs a raw SQL statement against the underlying connection.
// Used by test helpers that need to reset state outside of the model layer.
func (d *DB) ExecRaw(query string, args ...interface{}) (sql.Result, error) {
	return d.bun.ExecContext(ctx(), query, args...)
}
