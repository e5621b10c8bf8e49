package loader

import (
	"fmt"
	"strconv"
	"strings"
)

// Dialect captures the destination-specific parts of statement generation.
// Plain INSERT and UPDATE are built generically from QuoteIdent and
// Placeholder; the probe and the upsert differ per destination.
type Dialect interface {
	Name() string
	QuoteIdent(id string) string

	// Placeholder renders the n-th (1-based) positional parameter. Every
	// dialect here supports numbered parameters, so a parameter may be
	// referenced more than once in a statement.
	Placeholder(n int) string

	// TypeCast returns the annotation appended to a placeholder to force the
	// column's type, or "" when none applies.
	TypeCast(ct ColumnType) string

	// ProbeSQL selects the existing row for a primary key value bound as $1.
	ProbeSQL(table, primaryKey string, pkType ColumnType) string

	// UpsertSQL inserts all columns and, on primary key conflict, updates every
	// non-key column.
	UpsertSQL(table string, columns []string, primaryKey string, schema Schema) string
}

var (
	Postgres  Dialect = postgresDialect{}
	SQLite    Dialect = sqliteDialect{}
	SQLServer Dialect = sqlServerDialect{}
)

// DialectFor resolves a dialect by storage kind.
func DialectFor(kind string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "postgres", "postgresql", "pg":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "mssql", "sqlserver":
		return SQLServer, nil
	default:
		return nil, fmt.Errorf("loader: no dialect for storage kind %q", kind)
	}
}

func doubleQuoteIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

// ---- postgres ----

type postgresDialect struct{}

func (postgresDialect) Name() string                { return "postgres" }
func (postgresDialect) QuoteIdent(id string) string { return doubleQuoteIdent(id) }
func (postgresDialect) Placeholder(n int) string    { return "$" + strconv.Itoa(n) }

// pgCasts is checked in order against the upper-cased declared type.
// INTEGER maps to bigint so int4 columns accept int64 inputs.
var pgCasts = []struct{ key, cast string }{
	{"TIMESTAMP WITH TIME ZONE", "::timestamptz"},
	{"TIMESTAMPTZ", "::timestamptz"},
	{"TIMESTAMP", "::timestamp"},
	{"JSON", "::jsonb"},
	{"JSONB", "::jsonb"},
	{"NUMERIC", "::numeric"},
	{"INTEGER", "::bigint"},
	{"BIGINT", "::bigint"},
	{"BOOLEAN", "::boolean"},
}

func (postgresDialect) TypeCast(ct ColumnType) string {
	if ct.Category == CategoryArray {
		return "::text[]"
	}
	upper := strings.ToUpper(ct.Declared)
	for _, c := range pgCasts {
		if strings.Contains(upper, c.key) {
			return c.cast
		}
	}
	return ""
}

func (d postgresDialect) ProbeSQL(table, primaryKey string, pkType ColumnType) string {
	declared := strings.TrimSpace(pkType.Declared)
	if declared == "" {
		declared = "text"
	}
	return fmt.Sprintf("SELECT * FROM %s WHERE %s = $1::%s", table, d.QuoteIdent(primaryKey), declared)
}

func (d postgresDialect) UpsertSQL(table string, columns []string, primaryKey string, schema Schema) string {
	return onConflictUpsert(d, table, columns, primaryKey, schema)
}

// onConflictUpsert renders INSERT ... ON CONFLICT (pk) DO UPDATE, shared by
// Postgres and SQLite. Every reference to a parameter carries the same cast;
// Postgres rejects a parameter deduced as two different types (42P08).
func onConflictUpsert(d Dialect, table string, columns []string, primaryKey string, schema Schema) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(d.QuoteIdent(c))
	}
	b.WriteString(") VALUES (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(d.Placeholder(i + 1))
		b.WriteString(d.TypeCast(schema.Column(c)))
	}
	b.WriteString(") ON CONFLICT (")
	b.WriteString(d.QuoteIdent(primaryKey))
	b.WriteString(")")

	first := true
	for i, c := range columns {
		if c == primaryKey {
			continue
		}
		if first {
			b.WriteString(" DO UPDATE SET ")
			first = false
		} else {
			b.WriteString(", ")
		}
		b.WriteString(d.QuoteIdent(c))
		b.WriteString(" = ")
		b.WriteString(d.Placeholder(i + 1))
		b.WriteString(d.TypeCast(schema.Column(c)))
	}
	if first {
		// Key-only tables have nothing to update.
		b.WriteString(" DO NOTHING")
	}
	return b.String()
}

// ---- sqlite ----

type sqliteDialect struct{}

func (sqliteDialect) Name() string                { return "sqlite" }
func (sqliteDialect) QuoteIdent(id string) string { return doubleQuoteIdent(id) }
func (sqliteDialect) Placeholder(n int) string    { return "?" + strconv.Itoa(n) }

// SQLite columns have type affinity only; casts are never needed.
func (sqliteDialect) TypeCast(ColumnType) string { return "" }

func (d sqliteDialect) ProbeSQL(table, primaryKey string, _ ColumnType) string {
	return fmt.Sprintf("SELECT * FROM %s WHERE %s = ?1 LIMIT 1", table, d.QuoteIdent(primaryKey))
}

func (d sqliteDialect) UpsertSQL(table string, columns []string, primaryKey string, schema Schema) string {
	return onConflictUpsert(d, table, columns, primaryKey, schema)
}

// ---- sql server ----

type sqlServerDialect struct{}

func (sqlServerDialect) Name() string { return "mssql" }

func (sqlServerDialect) QuoteIdent(id string) string {
	return "[" + strings.ReplaceAll(id, "]", "]]") + "]"
}

func (sqlServerDialect) Placeholder(n int) string { return "@p" + strconv.Itoa(n) }

// The driver binds typed Go values; SQL Server needs no placeholder casts.
func (sqlServerDialect) TypeCast(ColumnType) string { return "" }

func (d sqlServerDialect) ProbeSQL(table, primaryKey string, _ ColumnType) string {
	return fmt.Sprintf("SELECT TOP (1) * FROM %s WHERE %s = @p1", table, d.QuoteIdent(primaryKey))
}

// UpsertSQL uses MERGE since SQL Server has no ON CONFLICT clause.
func (d sqlServerDialect) UpsertSQL(table string, columns []string, primaryKey string, schema Schema) string {
	var b strings.Builder
	b.WriteString("MERGE INTO ")
	b.WriteString(table)
	b.WriteString(" AS target USING (SELECT ")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(d.Placeholder(i + 1))
		b.WriteString(d.TypeCast(schema.Column(c)))
		b.WriteString(" AS ")
		b.WriteString(d.QuoteIdent(c))
	}
	b.WriteString(") AS source ON target.")
	b.WriteString(d.QuoteIdent(primaryKey))
	b.WriteString(" = source.")
	b.WriteString(d.QuoteIdent(primaryKey))

	first := true
	for _, c := range columns {
		if c == primaryKey {
			continue
		}
		if first {
			b.WriteString(" WHEN MATCHED THEN UPDATE SET ")
			first = false
		} else {
			b.WriteString(", ")
		}
		b.WriteString("target.")
		b.WriteString(d.QuoteIdent(c))
		b.WriteString(" = source.")
		b.WriteString(d.QuoteIdent(c))
	}

	b.WriteString(" WHEN NOT MATCHED THEN INSERT (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(d.QuoteIdent(c))
	}
	b.WriteString(") VALUES (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("source.")
		b.WriteString(d.QuoteIdent(c))
	}
	b.WriteString(");")
	return b.String()
}
