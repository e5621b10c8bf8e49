// Package sqlite is the SQLite destination backend (modernc.org/sqlite, no
// cgo).
//
// SQLite has no TIMESTAMPTZ or array types: timestamps are stored as text in
// UTC and arrays as JSON text. Use a file DSN (or "file::memory:?cache=shared")
// since the tracker and the loader hold separate connections.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"batchload/internal/loader"
	"batchload/internal/storage"
	"batchload/internal/storage/sqldb"
)

// Backend implements storage.Backend for SQLite.
type Backend struct {
	*storage.Tracking
	db *sqldb.DB
}

var _ storage.Backend = (*Backend)(nil)

func init() {
	storage.Register("sqlite", Open)
}

// Open opens the database at cfg.DSN and verifies it is reachable.
func Open(ctx context.Context, cfg storage.Config) (storage.Backend, error) {
	db, err := sqldb.Open(ctx, "sqlite", withBusyTimeout(cfg.DSN), func(d *sql.DB) {
		d.SetMaxIdleConns(4)
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return &Backend{Tracking: storage.NewTracking(db, loader.SQLite), db: db}, nil
}

// withBusyTimeout makes every pooled connection wait on a locked database
// instead of failing with SQLITE_BUSY.
func withBusyTimeout(dsn string) string {
	if strings.Contains(dsn, "busy_timeout") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)"
}

func (b *Backend) Close() { b.db.Close() }

func (b *Backend) Dialect() loader.Dialect { return loader.SQLite }

func (b *Backend) Acquire(ctx context.Context) (loader.Conn, error) {
	return b.db.AcquireConn(ctx)
}

// ColumnTypes reads declared column types from pragma_table_info.
func (b *Backend) ColumnTypes(ctx context.Context, table string) (map[string]string, error) {
	schema, name := storage.SplitQualifiedName(table)
	if schema == "" {
		schema = "main"
	}
	rows, err := b.db.Query(ctx, `SELECT name, type FROM pragma_table_info(?1, ?2)`, name, schema)
	if err != nil {
		return nil, fmt.Errorf("table info %s: %w", table, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("table %s not found", table)
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		col, _ := r["name"].(string)
		typ, _ := r["type"].(string)
		if typ == "" {
			typ = "text"
		}
		out[col] = typ
	}
	return out, nil
}

// EnsureTracking creates the tracking tables and their indexes.
func (b *Backend) EnsureTracking(ctx context.Context) error {
	for _, t := range storage.TrackingTables() {
		stmts, err := buildCreateSQL(t)
		if err != nil {
			return err
		}
		for _, s := range stmts {
			if err := b.db.Exec(ctx, s); err != nil {
				return fmt.Errorf("create %s: %w", t.Name, err)
			}
		}
	}
	return nil
}

var sqliteTypes = map[string]string{
	storage.TypeText:      "TEXT",
	storage.TypeInt:       "INTEGER",
	storage.TypeJSON:      "TEXT",
	storage.TypeTimestamp: "TIMESTAMP",
}

// buildCreateSQL renders CREATE TABLE / CREATE INDEX IF NOT EXISTS statements.
func buildCreateSQL(t storage.TableSpec) ([]string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return nil, fmt.Errorf("table name is empty")
	}
	q := loader.SQLite.QuoteIdent

	defs := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		if c.Type == storage.TypeSerial {
			defs = append(defs, q(c.Name)+" INTEGER PRIMARY KEY AUTOINCREMENT")
			continue
		}
		typ, ok := sqliteTypes[c.Type]
		if !ok {
			return nil, fmt.Errorf("table %s column %s: unsupported type %q", t.Name, c.Name, c.Type)
		}
		def := q(c.Name) + " " + typ
		if c.Name == t.PrimaryKey {
			def += " PRIMARY KEY"
		} else if !c.Nullable {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}

	stmts := []string{fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", t.Name, strings.Join(defs, ", "))}
	for _, idx := range t.Indexes {
		cols := make([]string, len(idx))
		for i, c := range idx {
			cols[i] = q(c)
		}
		stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
			q(t.Name+"_"+strings.Join(idx, "_")+"_idx"), t.Name, strings.Join(cols, ", ")))
	}
	return stmts, nil
}
