// Package store is the authoritative persistence layer for the canon:
// rules, source pointers, conflicts, resolution records, releases and
// reference-graph edges live in one SQL database. It supports Postgres
// and SQLite via standard drivers and keeps every query portable across
// both.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Driver selects the SQL backend.
type Driver string

const (
	DriverPostgres Driver = "postgres"
	DriverSQLite   Driver = "sqlite"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// timeLayout is RFC3339 with a fixed nine-digit fraction so stored
// timestamps sort lexicographically in timestamp order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// DB wraps the SQL connection with driver-aware query rebinding and a
// serializable transaction helper.
type DB struct {
	sql       *sql.DB
	driver    Driver
	txTimeout time.Duration
	logger    *slog.Logger
}

// Option configures a DB.
type Option func(*DB)

// WithTxTimeout bounds every transaction opened by WithinTx. Zero
// disables the bound.
func WithTxTimeout(d time.Duration) Option {
	return func(db *DB) { db.txTimeout = d }
}

// WithLogger replaces the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(db *DB) { db.logger = l }
}

// Open connects to the database named by driver and dsn. The caller owns
// the returned DB and should Close it when done.
func Open(driver Driver, dsn string, opts ...Option) (*DB, error) {
	var name string
	switch driver {
	case DriverPostgres:
		name = "postgres"
	case DriverSQLite:
		name = "sqlite"
	default:
		return nil, fmt.Errorf("store: unknown driver %q", driver)
	}
	raw, err := sql.Open(name, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}
	return New(raw, driver, opts...), nil
}

// New wraps an already-open connection. Tests use this with sqlmock.
func New(raw *sql.DB, driver Driver, opts ...Option) *DB {
	db := &DB{
		sql:       raw,
		driver:    driver,
		txTimeout: 30 * time.Second,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(db)
	}
	return db
}

// Close releases the underlying connection pool.
func (db *DB) Close() error {
	return db.sql.Close()
}

// dbtx is the query surface shared by *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// q returns the ambient transaction when the context carries one, the
// raw connection otherwise. Every store method routes through it so
// calls made inside WithinTx automatically join the transaction.
func (db *DB) q(ctx context.Context) dbtx {
	if tx := txFrom(ctx); tx != nil {
		return tx
	}
	return db.sql
}

// rebind rewrites ? placeholders to $N for Postgres. Queries are written
// once in ? form and stay portable across both drivers.
func (db *DB) rebind(query string) string {
	if db.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// placeholders returns a comma-joined list of n ? markers for IN clauses.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
