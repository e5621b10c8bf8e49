package loader

import (
	"fmt"
	"strings"
)

// MergeStatementBuilder formats batches and renders the statement that is
// executed once per record of a batch.
type MergeStatementBuilder struct {
	formatter *ValueFormatter
	dialect   Dialect
}

// NewMergeStatementBuilder builds a statement builder on top of f.
func NewMergeStatementBuilder(f *ValueFormatter) *MergeStatementBuilder {
	return &MergeStatementBuilder{formatter: f, dialect: f.dialect}
}

// ProcessBatch formats every (record, column) pair in order. The first value
// that fails aborts the whole batch; nothing partial is returned.
func (b *MergeStatementBuilder) ProcessBatch(columns []string, records []Record, schema Schema) ([]Record, error) {
	out := make([]Record, 0, len(records))
	for i, rec := range records {
		formatted := make(Record, len(columns))
		for _, col := range columns {
			v, err := b.formatter.Format(rec[col], col, schema)
			if err != nil {
				return nil, fmt.Errorf("record %d: %w", i+1, err)
			}
			formatted[col] = v
		}
		out = append(out, formatted)
	}
	return out, nil
}

// GenerateSQL renders the statement for strategy. Parameters are numbered in
// column order, so Values(record, columns) binds them.
func (b *MergeStatementBuilder) GenerateSQL(table string, columns []string, schema Schema, strategy MergeStrategy, primaryKey string) (string, error) {
	if table == "" {
		return "", fmt.Errorf("generate sql: table is empty")
	}
	if len(columns) == 0 {
		return "", fmt.Errorf("generate sql: no columns for table %s", table)
	}
	if indexOf(columns, primaryKey) < 0 {
		return "", fmt.Errorf("generate sql: primary key %q not among columns of %s", primaryKey, table)
	}

	switch strategy {
	case StrategyInsert:
		return insertSQL(b.dialect, table, columns), nil
	case StrategyUpdate:
		return updateSQL(b.dialect, table, columns, primaryKey), nil
	case StrategyMerge:
		return b.dialect.UpsertSQL(table, columns, primaryKey, schema), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
}

// ProbeSQL renders the existence probe for the table's primary key.
func (b *MergeStatementBuilder) ProbeSQL(table, primaryKey string, schema Schema) string {
	return b.dialect.ProbeSQL(table, primaryKey, schema.Column(primaryKey))
}

// Values returns rec's values in column order.
func Values(rec Record, columns []string) []any {
	out := make([]any, len(columns))
	for i, c := range columns {
		out[i] = rec[c]
	}
	return out
}

func insertSQL(d Dialect, table string, columns []string) string {
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
	for i := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(d.Placeholder(i + 1))
	}
	b.WriteString(")")
	return b.String()
}

// updateSQL sets every non-key column and matches on the key. The key's
// parameter keeps its column-order position.
func updateSQL(d Dialect, table string, columns []string, primaryKey string) string {
	var b strings.Builder
	b.WriteString("UPDATE ")
	b.WriteString(table)
	b.WriteString(" SET ")

	first := true
	pkParam := 0
	for i, c := range columns {
		if c == primaryKey {
			pkParam = i + 1
			continue
		}
		if !first {
			b.WriteString(", ")
		}
		first = false
		b.WriteString(d.QuoteIdent(c))
		b.WriteString(" = ")
		b.WriteString(d.Placeholder(i + 1))
	}
	if first {
		// Only the key was supplied; a self-assignment keeps the statement valid.
		b.WriteString(d.QuoteIdent(primaryKey))
		b.WriteString(" = ")
		b.WriteString(d.Placeholder(pkParam))
	}

	b.WriteString(" WHERE ")
	b.WriteString(d.QuoteIdent(primaryKey))
	b.WriteString(" = ")
	b.WriteString(d.Placeholder(pkParam))
	return b.String()
}

func indexOf(columns []string, name string) int {
	for i, c := range columns {
		if c == name {
			return i
		}
	}
	return -1
}
