package loader

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrInvalidBatchSize  = errors.New("loader: batch size must be positive")
	ErrUnknownStrategy   = errors.New("loader: unknown merge strategy")
	ErrMissingPrimaryKey = errors.New("loader: record has no primary key value")
)

// FormatError reports a value that cannot be coerced to its column's declared
// type. It is fatal to the batch being formatted.
type FormatError struct {
	Column string
	Value  any
	Err    error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("format column %q value %v: %v", e.Column, e.Value, e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

// ExecutionError reports a write (or its probe/audit) rejected by the
// destination. Statement is kept for diagnosis.
type ExecutionError struct {
	Table      string
	Batch      int
	PrimaryKey any
	Statement  string
	Err        error
}

func (e *ExecutionError) Error() string {
	if code := e.SQLState(); code != "" {
		return fmt.Sprintf("load %s batch %d pk=%v: sqlstate %s: %v", e.Table, e.Batch, e.PrimaryKey, code, e.Err)
	}
	return fmt.Sprintf("load %s batch %d pk=%v: %v", e.Table, e.Batch, e.PrimaryKey, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// SQLState returns the Postgres error code when the cause came from pgx.
func (e *ExecutionError) SQLState() string {
	var pgErr *pgconn.PgError
	if errors.As(e.Err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// BatchError wraps the error that aborted a batch. Processed is the number of
// records written before the failure.
type BatchError struct {
	Number    int
	Total     int
	Processed int
	Err       error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch %d/%d failed after %d records: %v", e.Number, e.Total, e.Processed, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }
