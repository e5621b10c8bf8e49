// Package mssql is the Microsoft SQL Server destination backend.
//
// Upserts use MERGE, parameters are @pN ordinals, and arrays are bound as JSON
// text. The go-mssqldb driver is registered here under "sqlserver".
package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/microsoft/go-mssqldb"

	"batchload/internal/loader"
	"batchload/internal/storage"
	"batchload/internal/storage/sqldb"
)

// Backend implements storage.Backend for SQL Server.
type Backend struct {
	*storage.Tracking
	db *sqldb.DB
}

var _ storage.Backend = (*Backend)(nil)

func init() {
	storage.Register("mssql", Open)
}

// Open connects with the "sqlserver" driver and pings.
func Open(ctx context.Context, cfg storage.Config) (storage.Backend, error) {
	db, err := sqldb.Open(ctx, "sqlserver", cfg.DSN, func(d *sql.DB) {
		// Conservative defaults for bursty loads.
		d.SetMaxOpenConns(64)
		d.SetMaxIdleConns(64)
	})
	if err != nil {
		return nil, fmt.Errorf("open mssql: %w", err)
	}
	return &Backend{Tracking: storage.NewTracking(db, loader.SQLServer), db: db}, nil
}

func (b *Backend) Close() { b.db.Close() }

func (b *Backend) Dialect() loader.Dialect { return loader.SQLServer }

func (b *Backend) Acquire(ctx context.Context) (loader.Conn, error) {
	return b.db.AcquireConn(ctx)
}

// ColumnTypes reads INFORMATION_SCHEMA.COLUMNS; unqualified names resolve
// in dbo.
func (b *Backend) ColumnTypes(ctx context.Context, table string) (map[string]string, error) {
	schema, name := storage.SplitQualifiedName(table)
	if schema == "" {
		schema = "dbo"
	}
	rows, err := b.db.Query(ctx, `
		SELECT COLUMN_NAME AS column_name, DATA_TYPE AS data_type
		FROM INFORMATION_SCHEMA.COLUMNS
		WHERE TABLE_SCHEMA = @p1 AND TABLE_NAME = @p2
		ORDER BY ORDINAL_POSITION`, schema, name)
	if err != nil {
		return nil, fmt.Errorf("column types for %s: %w", table, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("table %s not found", table)
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		col, _ := r["column_name"].(string)
		typ, _ := r["data_type"].(string)
		out[col] = typ
	}
	return out, nil
}

// EnsureTracking creates the tracking tables and indexes when missing.
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

// Key and index columns must fit the 900-byte index key limit, so text
// columns that are indexed get a bounded width.
var mssqlTypes = map[string]string{
	storage.TypeText:      "NVARCHAR(MAX)",
	storage.TypeInt:       "INT",
	storage.TypeSerial:    "BIGINT IDENTITY(1,1)",
	storage.TypeJSON:      "NVARCHAR(MAX)",
	storage.TypeTimestamp: "DATETIMEOFFSET",
}

const indexedText = "NVARCHAR(450)"

func buildCreateSQL(t storage.TableSpec) ([]string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return nil, fmt.Errorf("mssql: table name is empty")
	}
	q := loader.SQLServer.QuoteIdent

	indexed := map[string]bool{t.PrimaryKey: true}
	for _, idx := range t.Indexes {
		for _, c := range idx {
			indexed[c] = true
		}
	}

	defs := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		typ, ok := mssqlTypes[c.Type]
		if !ok {
			return nil, fmt.Errorf("mssql: table %s column %s: unsupported type %q", t.Name, c.Name, c.Type)
		}
		if c.Type == storage.TypeText && indexed[c.Name] {
			typ = indexedText
		}
		def := q(c.Name) + " " + typ
		switch {
		case c.Name == t.PrimaryKey:
			def += " PRIMARY KEY"
		case c.Nullable:
			def += " NULL"
		default:
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}

	stmts := []string{wrapCreateIfMissing(t.Name, strings.Join(defs, ", "))}
	for _, idx := range t.Indexes {
		_, bare := storage.SplitQualifiedName(t.Name)
		name := bare + "_" + strings.Join(idx, "_") + "_idx"
		cols := make([]string, len(idx))
		for i, c := range idx {
			cols[i] = q(c)
		}
		stmts = append(stmts, fmt.Sprintf(
			"IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = N'%s' AND object_id = OBJECT_ID(N'%s')) CREATE INDEX %s ON %s (%s);",
			name, t.Name, q(name), tableIdent(t.Name), strings.Join(cols, ", ")))
	}
	return stmts, nil
}

// wrapCreateIfMissing guards CREATE TABLE with OBJECT_ID since SQL Server has
// no CREATE TABLE IF NOT EXISTS.
func wrapCreateIfMissing(tableName, innerDefs string) string {
	return fmt.Sprintf(
		"IF OBJECT_ID(N'%s', N'U') IS NULL BEGIN CREATE TABLE %s (%s); END;",
		tableName,
		tableIdent(tableName),
		innerDefs,
	)
}

// tableIdent bracket-quotes each part of a possibly schema-qualified name.
//
//	"dbo.imports" -> [dbo].[imports]
func tableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = loader.SQLServer.QuoteIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}
