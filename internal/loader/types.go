// Package loader implements the chunked upsert engine: value coercion,
// per-batch statement generation and the sequential record loop that
// classifies every write as an insert or an update.
//
// Collaborators (connections, schema lookup, batch tracking, change audit) are
// consumed through the small interfaces declared here. Backends live in
// internal/storage and satisfy them.
package loader

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Record maps a column name to its value. Column order is carried by the
// enclosing Dataset.
type Record map[string]any

// Dataset is the ordered, named tabular input of one load invocation.
type Dataset struct {
	Columns []string
	Records []Record
}

// Len returns the number of records.
func (d Dataset) Len() int { return len(d.Records) }

// MergeStrategy selects the statement shape used for every record of a load.
type MergeStrategy string

const (
	StrategyInsert MergeStrategy = "INSERT"
	StrategyUpdate MergeStrategy = "UPDATE"
	StrategyMerge  MergeStrategy = "MERGE"
)

// ParseMergeStrategy parses a strategy name case-insensitively.
// An empty string selects MERGE, the loader's historical default.
func ParseMergeStrategy(s string) (MergeStrategy, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "":
		return StrategyMerge, nil
	case "INSERT":
		return StrategyInsert, nil
	case "UPDATE":
		return StrategyUpdate, nil
	case "MERGE", "UPSERT":
		return StrategyMerge, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
	}
}

// Operation is the classification of a single write.
type Operation string

const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
)

// LoadRequest describes one load invocation.
type LoadRequest struct {
	Table      string
	PrimaryKey string
	Source     string // source identifier, usually the file name
	LoadID     string // correlation id shared by batch and change records
	Strategy   MergeStrategy

	// ColumnTypes overrides the discovered type of each column it names.
	// Without a SchemaProvider it is the whole schema.
	ColumnTypes map[string]string
}

// LoadResult carries the aggregate counts of a fully completed load.
type LoadResult struct {
	Processed int
	Inserted  int
	Updated   int
}

// Batch is a contiguous slice of the input tagged with its 1-based number.
// It only lives for the duration of one chunk's processing.
type Batch struct {
	Number  int
	Total   int
	Records []Record
}

// BatchStart is sent to the tracker before any row work of a batch.
type BatchStart struct {
	LoadID       string
	Table        string
	Source       string
	Number       int
	TotalBatches int
	RecordCount  int
	StartedAt    time.Time
}

// BatchOutcome is sent to the tracker when a batch finishes, successfully or not.
type BatchOutcome struct {
	LoadID      string
	Number      int
	Processed   int
	Inserted    int
	Updated     int
	Failed      int
	Err         string // empty on success
	CompletedAt time.Time
}

// Status returns COMPLETED or FAILED.
func (o BatchOutcome) Status() string {
	if o.Err != "" {
		return StatusFailed
	}
	return StatusCompleted
}

const (
	StatusRunning   = "RUNNING"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
)

// Change is one audited write.
type Change struct {
	Table      string
	Operation  Operation
	New        Record
	Old        Record // nil for inserts
	LoadID     string
	PrimaryKey string
	Source     string
}

// Conn is a single database session. All calls of one load are issued on the
// same Conn, strictly in sequence.
type Conn interface {
	// FetchRow returns the first row of query, or nil and no error when the
	// query yields nothing.
	FetchRow(ctx context.Context, query string, args ...any) (Record, error)
	Execute(ctx context.Context, stmt string, args ...any) error
	Release()
}

// ConnectionProvider hands out sessions from a pool.
type ConnectionProvider interface {
	Acquire(ctx context.Context) (Conn, error)
}

// SchemaProvider returns column -> declared type name for a table.
type SchemaProvider interface {
	ColumnTypes(ctx context.Context, table string) (map[string]string, error)
}

// BatchTracker persists batch lifecycle state for external recovery.
type BatchTracker interface {
	StartBatch(ctx context.Context, b BatchStart) error
	CompleteBatch(ctx context.Context, o BatchOutcome) error
}

// ChangeRecorder persists the audit trail of individual writes. It runs on
// the load's own connection so it observes the write it records.
type ChangeRecorder interface {
	RecordChange(ctx context.Context, conn Conn, c Change) error
}
