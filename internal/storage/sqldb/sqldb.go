// Package sqldb adapts database/sql handles to the storage session
// interfaces. The sqlite and mssql backends share it; postgres talks to pgx
// directly.
package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"batchload/internal/loader"
	"batchload/internal/storage"
)

// DB wraps a *sql.DB as a storage.Pool.
type DB struct {
	db *sql.DB
}

// Open opens driver/dsn, applies configure (pool sizing, pragmas) and pings.
func Open(ctx context.Context, driver, dsn string, configure func(*sql.DB)) (*DB, error) {
	raw, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if configure != nil {
		configure(raw)
	}
	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return &DB{db: raw}, nil
}

// Wrap adapts an already-open handle.
func Wrap(db *sql.DB) *DB { return &DB{db: db} }

// AcquireConn pins one connection from the pool until Release.
func (d *DB) AcquireConn(ctx context.Context) (storage.Conn, error) {
	c, err := d.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	return &Conn{conn: c}, nil
}

// Exec runs stmt on any pooled connection.
func (d *DB) Exec(ctx context.Context, stmt string, args ...any) error {
	_, err := d.db.ExecContext(ctx, stmt, BindArgs(args)...)
	return err
}

// Query runs q on any pooled connection and returns all rows.
func (d *DB) Query(ctx context.Context, q string, args ...any) ([]loader.Record, error) {
	rows, err := d.db.QueryContext(ctx, q, BindArgs(args)...)
	if err != nil {
		return nil, err
	}
	return collect(rows, -1)
}

// Close closes the underlying handle.
func (d *DB) Close() { _ = d.db.Close() }

// Conn is one pinned database/sql connection.
type Conn struct {
	conn *sql.Conn
}

var _ storage.Conn = (*Conn)(nil)

func (c *Conn) FetchRow(ctx context.Context, query string, args ...any) (loader.Record, error) {
	rows, err := c.conn.QueryContext(ctx, query, BindArgs(args)...)
	if err != nil {
		return nil, err
	}
	out, err := collect(rows, 1)
	if err != nil || len(out) == 0 {
		return nil, err
	}
	return out[0], nil
}

func (c *Conn) FetchAll(ctx context.Context, query string, args ...any) ([]loader.Record, error) {
	rows, err := c.conn.QueryContext(ctx, query, BindArgs(args)...)
	if err != nil {
		return nil, err
	}
	return collect(rows, -1)
}

func (c *Conn) Execute(ctx context.Context, stmt string, args ...any) error {
	_, err := c.conn.ExecContext(ctx, stmt, BindArgs(args)...)
	return err
}

func (c *Conn) Release() { _ = c.conn.Close() }

// collect scans up to limit rows (all when limit < 0) and closes rows.
func collect(rows *sql.Rows, limit int) ([]loader.Record, error) {
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []loader.Record
	for (limit < 0 || len(out) < limit) && rows.Next() {
		// Scan needs pointers; scanning into a []any of nils leaves them nil.
		vals := make([]any, len(cols))
		dests := make([]any, len(cols))
		for i := range vals {
			dests[i] = &vals[i]
		}
		if err := rows.Scan(dests...); err != nil {
			return nil, err
		}
		rec := make(loader.Record, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				rec[c] = string(b)
				continue
			}
			rec[c] = vals[i]
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// BindArgs converts values database/sql drivers cannot bind natively.
// Arrays and JSON-shaped values become JSON text; time.Time is normalized to
// UTC so text-affinity stores compare consistently.
func BindArgs(args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		switch v := a.(type) {
		case []string, []any, map[string]any, loader.Record:
			b, err := json.Marshal(v)
			if err != nil {
				out[i] = fmt.Sprint(v)
				continue
			}
			out[i] = string(b)
		case time.Time:
			out[i] = v.UTC()
		default:
			out[i] = a
		}
	}
	return out
}
