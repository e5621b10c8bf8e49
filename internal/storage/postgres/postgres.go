// Package postgres is the Postgres destination backend, built on pgxpool.
package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"batchload/internal/loader"
	"batchload/internal/storage"
)

// Backend implements storage.Backend for Postgres.
type Backend struct {
	*storage.Tracking
	pool *pgxpool.Pool
}

var _ storage.Backend = (*Backend)(nil)

func init() {
	storage.Register("postgres", Open)
}

// Open creates a pool for cfg.DSN and pings it.
func Open(ctx context.Context, cfg storage.Config) (storage.Backend, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewFromPool(pool), nil
}

// NewFromPool wraps an existing pool. The backend takes ownership of it.
func NewFromPool(pool *pgxpool.Pool) *Backend {
	p := &connPool{pool: pool}
	return &Backend{Tracking: storage.NewTracking(p, loader.Postgres), pool: pool}
}

func (b *Backend) Close() { b.pool.Close() }

func (b *Backend) Dialect() loader.Dialect { return loader.Postgres }

func (b *Backend) Acquire(ctx context.Context) (loader.Conn, error) {
	return (&connPool{pool: b.pool}).AcquireConn(ctx)
}

// ColumnTypes reads information_schema.columns. Array columns report
// data_type ARRAY; their element type comes from udt_name (e.g. _text), so
// they are rendered as "<elem>[]".
func (b *Backend) ColumnTypes(ctx context.Context, table string) (map[string]string, error) {
	schema, name := storage.SplitQualifiedName(table)
	if schema == "" {
		schema = "public"
	}
	rows, err := b.pool.Query(ctx, `
		SELECT column_name, data_type, udt_name
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position`, schema, name)
	if err != nil {
		return nil, fmt.Errorf("column types for %s: %w", table, err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var col, dataType, udt string
		if err := rows.Scan(&col, &dataType, &udt); err != nil {
			return nil, err
		}
		out[col] = declaredType(dataType, udt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("table %s not found", table)
	}
	return out, nil
}

func declaredType(dataType, udt string) string {
	if strings.EqualFold(dataType, "ARRAY") && strings.HasPrefix(udt, "_") {
		return strings.TrimPrefix(udt, "_") + "[]"
	}
	if strings.EqualFold(dataType, "USER-DEFINED") && udt != "" {
		return udt
	}
	return dataType
}

// EnsureTracking creates the tracking tables and their indexes.
func (b *Backend) EnsureTracking(ctx context.Context) error {
	for _, t := range storage.TrackingTables() {
		schemaSQL, stmts, err := buildCreateSQL(t)
		if err != nil {
			return err
		}
		if schemaSQL != "" {
			if _, err := b.pool.Exec(ctx, schemaSQL); err != nil {
				return fmt.Errorf("create schema for %s: %w", t.Name, err)
			}
		}
		for _, s := range stmts {
			if _, err := b.pool.Exec(ctx, s); err != nil {
				return fmt.Errorf("create %s: %w", t.Name, err)
			}
		}
	}
	return nil
}

var pgTypes = map[string]string{
	storage.TypeText:      "TEXT",
	storage.TypeInt:       "INTEGER",
	storage.TypeSerial:    "BIGSERIAL",
	storage.TypeJSON:      "JSONB",
	storage.TypeTimestamp: "TIMESTAMPTZ",
}

// buildCreateSQL is pure so DDL can be checked without a database.
func buildCreateSQL(t storage.TableSpec) (schemaSQL string, stmts []string, err error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", nil, fmt.Errorf("table name is empty")
	}
	q := loader.Postgres.QuoteIdent

	schema, bare := storage.SplitQualifiedName(t.Name)
	if schema != "" {
		schemaSQL = fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", q(schema))
	}

	defs := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		typ, ok := pgTypes[c.Type]
		if !ok {
			return "", nil, fmt.Errorf("table %s column %s: unsupported type %q", t.Name, c.Name, c.Type)
		}
		def := q(c.Name) + " " + typ
		switch {
		case c.Name == t.PrimaryKey:
			def += " PRIMARY KEY"
		case !c.Nullable:
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}

	stmts = []string{fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", t.Name, strings.Join(defs, ", "))}
	for _, idx := range t.Indexes {
		cols := make([]string, len(idx))
		for i, c := range idx {
			cols[i] = q(c)
		}
		stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
			q(bare+"_"+strings.Join(idx, "_")+"_idx"), t.Name, strings.Join(cols, ", ")))
	}
	return schemaSQL, stmts, nil
}

// connPool adapts pgxpool to storage.Pool.
type connPool struct {
	pool *pgxpool.Pool
}

func (p *connPool) AcquireConn(ctx context.Context) (storage.Conn, error) {
	c, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	return &conn{c: c}, nil
}

// conn is one pooled pgx connection, held until Release.
type conn struct {
	c *pgxpool.Conn
}

func (c *conn) FetchRow(ctx context.Context, query string, args ...any) (loader.Record, error) {
	rows, err := c.c.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	out, err := collect(rows, 1)
	if err != nil || len(out) == 0 {
		return nil, err
	}
	return out[0], nil
}

func (c *conn) FetchAll(ctx context.Context, query string, args ...any) ([]loader.Record, error) {
	rows, err := c.c.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collect(rows, -1)
}

func (c *conn) Execute(ctx context.Context, stmt string, args ...any) error {
	_, err := c.c.Exec(ctx, stmt, args...)
	return err
}

func (c *conn) Release() { c.c.Release() }

// collect reads up to limit rows (all when limit < 0) keyed by field name,
// then closes rows.
func collect(rows pgx.Rows, limit int) ([]loader.Record, error) {
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []loader.Record
	for (limit < 0 || len(out) < limit) && rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		rec := make(loader.Record, len(fields))
		for i, f := range fields {
			rec[f.Name] = vals[i]
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
