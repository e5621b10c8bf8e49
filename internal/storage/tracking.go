package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"batchload/internal/loader"
)

// Conn is a backend session. It extends loader.Conn with multi-row reads
// used for diagnosis.
type Conn interface {
	loader.Conn
	FetchAll(ctx context.Context, query string, args ...any) ([]loader.Record, error)
}

// Pool hands out backend sessions.
type Pool interface {
	AcquireConn(ctx context.Context) (Conn, error)
}

// Tracking persists batch lifecycle rows and change audit rows through a
// backend's own pool and dialect. Backends embed it to satisfy
// loader.BatchTracker and loader.ChangeRecorder.
type Tracking struct {
	pool    Pool
	dialect loader.Dialect
	now     func() time.Time
}

// NewTracking builds a Tracking writing through pool in dialect d.
func NewTracking(pool Pool, d loader.Dialect) *Tracking {
	return &Tracking{pool: pool, dialect: d, now: time.Now}
}

func batchKey(loadID string, number int) string {
	return loadID + ":" + strconv.Itoa(number)
}

func columnNames(cols []ColumnSpec) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.Name
	}
	return out
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (t *Tracking) exec(ctx context.Context, stmt string, args ...any) error {
	conn, err := t.pool.AcquireConn(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	return conn.Execute(ctx, stmt, args...)
}

// StartBatch writes a RUNNING row for the batch. Re-running a batch of the
// same load id resets its row.
func (t *Tracking) StartBatch(ctx context.Context, b loader.BatchStart) error {
	stmt := t.dialect.UpsertSQL(BatchTable, columnNames(batchColumns), "batch_key", nil)
	err := t.exec(ctx, stmt,
		batchKey(b.LoadID, b.Number),
		b.LoadID,
		b.Number,
		b.Table,
		nullIfEmpty(b.Source),
		b.TotalBatches,
		b.RecordCount,
		0, 0, 0, 0,
		loader.StatusRunning,
		nil,
		b.StartedAt.UTC(),
		nil,
	)
	if err != nil {
		return fmt.Errorf("track start of batch %d: %w", b.Number, err)
	}
	return nil
}

// CompleteBatch stamps the batch row with its outcome.
func (t *Tracking) CompleteBatch(ctx context.Context, o loader.BatchOutcome) error {
	set := []string{"processed", "inserted", "updated", "failed", "status", "error_message", "completed_at"}
	var b strings.Builder
	b.WriteString("UPDATE ")
	b.WriteString(BatchTable)
	b.WriteString(" SET ")
	for i, c := range set {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.dialect.QuoteIdent(c))
		b.WriteString(" = ")
		b.WriteString(t.dialect.Placeholder(i + 1))
	}
	b.WriteString(" WHERE ")
	b.WriteString(t.dialect.QuoteIdent("batch_key"))
	b.WriteString(" = ")
	b.WriteString(t.dialect.Placeholder(len(set) + 1))

	err := t.exec(ctx, b.String(),
		o.Processed,
		o.Inserted,
		o.Updated,
		o.Failed,
		o.Status(),
		nullIfEmpty(o.Err),
		o.CompletedAt.UTC(),
		batchKey(o.LoadID, o.Number),
	)
	if err != nil {
		return fmt.Errorf("track completion of batch %d: %w", o.Number, err)
	}
	return nil
}

// RecordChange appends an audit row on the load's own connection.
func (t *Tracking) RecordChange(ctx context.Context, conn loader.Conn, c loader.Change) error {
	newJSON, err := json.Marshal(c.New)
	if err != nil {
		return fmt.Errorf("encode new image: %w", err)
	}
	var oldJSON any
	if c.Old != nil {
		raw, err := json.Marshal(c.Old)
		if err != nil {
			return fmt.Errorf("encode old image: %w", err)
		}
		oldJSON = string(raw)
	}

	cols := columnNames(changeColumns[1:]) // change_id is generated
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(ChangeTable)
	b.WriteString(" (")
	for i, col := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.dialect.QuoteIdent(col))
	}
	b.WriteString(") VALUES (")
	for i := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.dialect.Placeholder(i + 1))
	}
	b.WriteString(")")

	return conn.Execute(ctx, b.String(),
		c.Table,
		string(c.Operation),
		NormalizeKey(c.New[c.PrimaryKey]),
		c.PrimaryKey,
		string(newJSON),
		oldJSON,
		nullIfEmpty(c.LoadID),
		nullIfEmpty(c.Source),
		t.now().UTC(),
	)
}

// Batches lists the tracked batches of loadID ordered by batch number.
func (t *Tracking) Batches(ctx context.Context, loadID string) ([]BatchRecord, error) {
	cols := columnNames(batchColumns)
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = t.dialect.QuoteIdent(c)
	}
	q := fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s ORDER BY %s",
		strings.Join(quoted, ", "),
		BatchTable,
		t.dialect.QuoteIdent("load_id"),
		t.dialect.Placeholder(1),
		t.dialect.QuoteIdent("batch_number"),
	)

	conn, err := t.pool.AcquireConn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	rows, err := conn.FetchAll(ctx, q, loadID)
	if err != nil {
		return nil, fmt.Errorf("list batches of %s: %w", loadID, err)
	}

	out := make([]BatchRecord, 0, len(rows))
	for _, r := range rows {
		rec, err := batchRecordFrom(r)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func batchRecordFrom(r loader.Record) (BatchRecord, error) {
	started, err := asTime(r["started_at"])
	if err != nil {
		return BatchRecord{}, fmt.Errorf("started_at: %w", err)
	}
	rec := BatchRecord{
		LoadID:       asString(r["load_id"]),
		Number:       asInt(r["batch_number"]),
		Table:        asString(r["table_name"]),
		Source:       asString(r["source_name"]),
		TotalBatches: asInt(r["total_batches"]),
		RecordCount:  asInt(r["record_count"]),
		Processed:    asInt(r["processed"]),
		Inserted:     asInt(r["inserted"]),
		Updated:      asInt(r["updated"]),
		Failed:       asInt(r["failed"]),
		Status:       asString(r["status"]),
		Error:        asString(r["error_message"]),
		StartedAt:    started,
	}
	if v := r["completed_at"]; v != nil {
		done, err := asTime(v)
		if err != nil {
			return BatchRecord{}, fmt.Errorf("completed_at: %w", err)
		}
		rec.CompletedAt = &done
	}
	return rec, nil
}

func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(v)
	}
}

func asInt(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int16:
		return int(t)
	case int32:
		return int(t)
	case int64:
		return int(t)
	case float64:
		return int(t)
	default:
		n, _ := strconv.Atoi(strings.TrimSpace(asString(v)))
		return n
	}
}

// timeLayouts covers what drivers hand back for timestamps stored as text.
// Zone-less forms are read as UTC, which is what Tracking writes.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
}

func asTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case nil:
		return time.Time{}, fmt.Errorf("timestamp is null")
	}
	s := strings.TrimSpace(asString(v))
	for _, layout := range timeLayouts {
		if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
