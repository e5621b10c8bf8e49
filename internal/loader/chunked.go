package loader

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"batchload/internal/metrics"
)

// Options configures a ChunkedLoader.
type Options struct {
	Connections ConnectionProvider
	Schemas     SchemaProvider

	// Tracker and Changes default to no-ops when nil.
	Tracker BatchTracker
	Changes ChangeRecorder

	// Dialect defaults to Postgres.
	Dialect   Dialect
	BatchSize int

	// Logger receives every structured event of the loader. Nil discards.
	Logger *zerolog.Logger

	// Now is a clock seam for tests. Defaults to time.Now.
	Now func() time.Time
}

// ChunkedLoader writes a dataset into one table, batch by batch, on a single
// connection. It holds no per-load state and may serve concurrent Load calls;
// each call acquires its own connection.
type ChunkedLoader struct {
	conns     ConnectionProvider
	schemas   SchemaProvider
	tracker   BatchTracker
	changes   ChangeRecorder
	builder   *MergeStatementBuilder
	batchSize int
	log       zerolog.Logger
	now       func() time.Time
}

// New validates opts and builds a loader.
func New(opts Options) (*ChunkedLoader, error) {
	if opts.Connections == nil {
		return nil, fmt.Errorf("loader: Connections is required")
	}
	if opts.BatchSize <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidBatchSize, opts.BatchSize)
	}

	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	tracker := opts.Tracker
	if tracker == nil {
		tracker = NopTracker{}
	}
	changes := opts.Changes
	if changes == nil {
		changes = NopRecorder{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &ChunkedLoader{
		conns:     opts.Connections,
		schemas:   opts.Schemas,
		tracker:   tracker,
		changes:   changes,
		builder:   NewMergeStatementBuilder(NewValueFormatter(opts.Dialect, log)),
		batchSize: opts.BatchSize,
		log:       log,
		now:       now,
	}, nil
}

// SplitBatches slices records into contiguous batches of at most size
// records, numbered 1..ceil(len/size). Batches share the input's backing array.
func SplitBatches(records []Record, size int) ([]Batch, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidBatchSize, size)
	}
	total := (len(records) + size - 1) / size
	out := make([]Batch, 0, total)
	for start, n := 0, 1; start < len(records); start, n = start+size, n+1 {
		end := min(start+size, len(records))
		out = append(out, Batch{Number: n, Total: total, Records: records[start:end]})
	}
	return out, nil
}

// Load writes ds into req.Table and returns the aggregate counts.
//
// Batches run in order. A batch either completes or aborts at its first
// failing record; an aborted batch stops the load and its error is returned
// with a zero LoadResult. The tracker has been told about every batch that
// started by the time Load returns.
func (l *ChunkedLoader) Load(ctx context.Context, ds Dataset, req LoadRequest) (LoadResult, error) {
	if err := validateRequest(ds, req); err != nil {
		return LoadResult{}, err
	}

	log := l.log.With().Str("load_id", req.LoadID).Str("table", req.Table).Str("source", req.Source).Logger()
	log.Info().Int("records", ds.Len()).Str("strategy", string(req.Strategy)).Int("batch_size", l.batchSize).Msg("stage=load start")

	conn, err := l.conns.Acquire(ctx)
	if err != nil {
		return LoadResult{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	schema, err := l.schema(ctx, req)
	if err != nil {
		return LoadResult{}, err
	}

	batches, err := SplitBatches(ds.Records, l.batchSize)
	if err != nil {
		return LoadResult{}, err
	}

	var total LoadResult
	for _, batch := range batches {
		res, err := l.runBatch(ctx, conn, ds.Columns, schema, batch, req, log)
		if err != nil {
			return LoadResult{}, err
		}
		total.Processed += res.Processed
		total.Inserted += res.Inserted
		total.Updated += res.Updated
	}

	log.Info().
		Int("processed", total.Processed).
		Int("inserted", total.Inserted).
		Int("updated", total.Updated).
		Msg("stage=load ok")
	return total, nil
}

func validateRequest(ds Dataset, req LoadRequest) error {
	if req.Table == "" {
		return fmt.Errorf("loader: table is required")
	}
	if req.PrimaryKey == "" {
		return fmt.Errorf("loader: primary key is required for table %s", req.Table)
	}
	if indexOf(ds.Columns, req.PrimaryKey) < 0 {
		return fmt.Errorf("loader: primary key %q not among dataset columns %v", req.PrimaryKey, ds.Columns)
	}
	switch req.Strategy {
	case StrategyInsert, StrategyUpdate, StrategyMerge:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStrategy, req.Strategy)
	}
}

func (l *ChunkedLoader) schema(ctx context.Context, req LoadRequest) (Schema, error) {
	if l.schemas == nil {
		if len(req.ColumnTypes) == 0 {
			return nil, fmt.Errorf("loader: no column types for %s and no schema provider", req.Table)
		}
		return ResolveSchema(req.ColumnTypes), nil
	}

	raw, err := l.schemas.ColumnTypes(ctx, req.Table)
	if err != nil {
		return nil, fmt.Errorf("column types for %s: %w", req.Table, err)
	}
	return ResolveSchema(overlayColumnTypes(raw, req.ColumnTypes)), nil
}

// overlayColumnTypes replaces the discovered type of every column named in
// override. Names match case-insensitively so an override never leaves a
// second spelling of the same column behind.
func overlayColumnTypes(discovered, override map[string]string) map[string]string {
	merged := make(map[string]string, len(discovered)+len(override))
	for name, typ := range discovered {
		merged[name] = typ
	}
	for name, typ := range override {
		for existing := range merged {
			if existing != name && strings.EqualFold(existing, name) {
				delete(merged, existing)
			}
		}
		merged[name] = typ
	}
	return merged
}

// runBatch drives one batch through start -> write -> complete. The
// completion notice is sent on both the success and the failure path.
func (l *ChunkedLoader) runBatch(
	ctx context.Context,
	conn Conn,
	columns []string,
	schema Schema,
	batch Batch,
	req LoadRequest,
	log zerolog.Logger,
) (LoadResult, error) {
	blog := log.With().Int("batch", batch.Number).Int("total_batches", batch.Total).Logger()

	err := l.tracker.StartBatch(ctx, BatchStart{
		LoadID:       req.LoadID,
		Table:        req.Table,
		Source:       req.Source,
		Number:       batch.Number,
		TotalBatches: batch.Total,
		RecordCount:  len(batch.Records),
		StartedAt:    l.now(),
	})
	if err != nil {
		return LoadResult{}, fmt.Errorf("start batch %d/%d: %w", batch.Number, batch.Total, err)
	}

	var res LoadResult
	werr := l.writeBatch(ctx, conn, columns, schema, batch, req, blog, &res)

	outcome := BatchOutcome{
		LoadID:      req.LoadID,
		Number:      batch.Number,
		Processed:   res.Processed,
		Inserted:    res.Inserted,
		Updated:     res.Updated,
		CompletedAt: l.now(),
	}
	if werr != nil {
		outcome.Failed = len(batch.Records) - res.Processed
		outcome.Err = werr.Error()
	}

	// The outcome must be persisted even when ctx was canceled mid-batch.
	cerr := l.tracker.CompleteBatch(context.WithoutCancel(ctx), outcome)
	metrics.IncCounter("load_batches_total", 1, metrics.Labels{"table": req.Table, "status": outcome.Status()})

	if werr != nil {
		if cerr != nil {
			blog.Error().Err(cerr).Msg("batch completion notice failed")
		}
		return LoadResult{}, &BatchError{Number: batch.Number, Total: batch.Total, Processed: res.Processed, Err: werr}
	}
	if cerr != nil {
		return LoadResult{}, fmt.Errorf("complete batch %d/%d: %w", batch.Number, batch.Total, cerr)
	}

	blog.Info().
		Int("processed", res.Processed).
		Int("inserted", res.Inserted).
		Int("updated", res.Updated).
		Msg("stage=batch ok")
	return res, nil
}

// writeBatch formats the batch and writes its records one by one, counting
// into res. It stops at the first failing record.
func (l *ChunkedLoader) writeBatch(
	ctx context.Context,
	conn Conn,
	columns []string,
	schema Schema,
	batch Batch,
	req LoadRequest,
	log zerolog.Logger,
	res *LoadResult,
) error {
	formatted, err := l.builder.ProcessBatch(columns, batch.Records, schema)
	if err != nil {
		log.Error().Err(err).Msg("stage=batch_format failed")
		return err
	}
	for i, rec := range formatted {
		if rec[req.PrimaryKey] == nil {
			err := &FormatError{Column: req.PrimaryKey, Err: fmt.Errorf("record %d: %w", i+1, ErrMissingPrimaryKey)}
			log.Error().Err(err).Interface("record", batch.Records[i]).Msg("stage=batch_format failed")
			return err
		}
	}

	stmt, err := l.builder.GenerateSQL(req.Table, columns, schema, req.Strategy, req.PrimaryKey)
	if err != nil {
		return err
	}
	probe := l.builder.ProbeSQL(req.Table, req.PrimaryKey, schema)

	for _, rec := range formatted {
		pk := rec[req.PrimaryKey]
		values := Values(rec, columns)

		fail := func(sql string, err error) error {
			log.Error().
				Err(err).
				Interface("pk", pk).
				Interface("values", values).
				Str("sql", sql).
				Msg("stage=record failed")
			return &ExecutionError{Table: req.Table, Batch: batch.Number, PrimaryKey: pk, Statement: sql, Err: err}
		}

		existing, err := conn.FetchRow(ctx, probe, pk)
		if err != nil {
			return fail(probe, fmt.Errorf("probe: %w", err))
		}
		if err := conn.Execute(ctx, stmt, values...); err != nil {
			return fail(stmt, err)
		}

		op := OpInsert
		if existing != nil {
			op = OpUpdate
		}
		res.Processed++
		if op == OpUpdate {
			res.Updated++
		} else {
			res.Inserted++
		}
		log.Info().Str("operation", string(op)).Interface("pk", pk).Msg("stage=record ok")

		err = l.changes.RecordChange(ctx, conn, Change{
			Table:      req.Table,
			Operation:  op,
			New:        rec,
			Old:        existing,
			LoadID:     req.LoadID,
			PrimaryKey: req.PrimaryKey,
			Source:     req.Source,
		})
		if err != nil {
			return fail("record change", fmt.Errorf("record change: %w", err))
		}
	}
	return nil
}

// NopTracker discards batch lifecycle notices.
type NopTracker struct{}

func (NopTracker) StartBatch(context.Context, BatchStart) error      { return nil }
func (NopTracker) CompleteBatch(context.Context, BatchOutcome) error { return nil }

// NopRecorder discards change audits.
type NopRecorder struct{}

func (NopRecorder) RecordChange(context.Context, Conn, Change) error { return nil }
