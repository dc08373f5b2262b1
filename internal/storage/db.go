package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Dialect selects placeholder style and driver quirks.
type Dialect int32

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

func (d Dialect) String() string {
	switch d {
	case DialectSQLite:
		return "sqlite3"
	case DialectPostgres:
		return "postgres"
	default:
		return "unknown"
	}
}

// ParseDialect accepts the driver names used in config.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(s) {
	case "sqlite", "sqlite3", "":
		return DialectSQLite, nil
	case "postgres", "postgresql", "pg":
		return DialectPostgres, nil
	default:
		return 0, fmt.Errorf("unknown database driver %q", s)
	}
}

// DB is a *sql.DB that knows its dialect. Queries are written with '?'
// placeholders and passed through Rebind.
type DB struct {
	*sql.DB
	Dialect Dialect
}

// Open connects and pings. SQLite is limited to one connection so writers
// never see SQLITE_BUSY from inside this process.
func Open(ctx context.Context, dialect Dialect, dsn string) (*DB, error) {
	raw, err := sql.Open(dialect.String(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}

	switch dialect {
	case DialectSQLite:
		raw.SetMaxOpenConns(1)
	case DialectPostgres:
		raw.SetMaxOpenConns(16)
		raw.SetMaxIdleConns(4)
		raw.SetConnMaxIdleTime(5 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := raw.PingContext(pingCtx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}

	if dialect == DialectSQLite {
		for _, pragma := range []string{
			`PRAGMA foreign_keys = ON`,
			`PRAGMA busy_timeout = 5000`,
			`PRAGMA journal_mode = WAL`,
		} {
			if _, err := raw.ExecContext(ctx, pragma); err != nil {
				raw.Close()
				return nil, fmt.Errorf("%s: %w", pragma, err)
			}
		}
	}

	return &DB{DB: raw, Dialect: dialect}, nil
}

// Rebind rewrites '?' placeholders to '$n' for Postgres. Question marks inside
// single-quoted literals are left alone.
func (db *DB) Rebind(query string) string {
	if db.Dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Queryer is satisfied by both *sql.DB and *sql.Tx.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Micros converts t to the BIGINT form stored in every timestamp column.
func Micros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

// FromMicros is the inverse of Micros.
func FromMicros(us int64) time.Time {
	if us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(us).UTC()
}
