//go:build integration

package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batchload/internal/loader"
	"batchload/internal/storage"
	"batchload/internal/testinfra"
)

func TestIntegration_MergeLoad(t *testing.T) {
	ctx := context.Background()

	ctr, err := testinfra.StartPostgres(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { ctr.Terminate(context.Background()) }) //nolint:errcheck

	sb, err := storage.New(ctx, storage.Config{Kind: "postgres", DSN: ctr.ConnString})
	require.NoError(t, err)
	t.Cleanup(sb.Close)
	be := sb.(*Backend)

	require.NoError(t, be.EnsureTracking(ctx))
	require.NoError(t, be.EnsureTracking(ctx), "EnsureTracking must be idempotent")

	_, err = be.pool.Exec(ctx, `CREATE TABLE customers (
		id BIGINT PRIMARY KEY,
		name TEXT NOT NULL,
		tags TEXT[],
		attrs JSONB,
		joined_at TIMESTAMPTZ)`)
	require.NoError(t, err)

	types, err := be.ColumnTypes(ctx, "customers")
	require.NoError(t, err)
	assert.Equal(t, "text[]", types["tags"])
	assert.Equal(t, "jsonb", types["attrs"])
	assert.Equal(t, "timestamp with time zone", types["joined_at"])

	ld, err := loader.New(loader.Options{
		Connections: be,
		Schemas:     be,
		Tracker:     be,
		Changes:     be,
		Dialect:     be.Dialect(),
		BatchSize:   2,
	})
	require.NoError(t, err)

	ds := loader.Dataset{
		Columns: []string{"id", "name", "tags", "attrs", "joined_at"},
		Records: []loader.Record{
			{"id": int64(1), "name": "Ada", "tags": "{vip,early}", "attrs": map[string]any{"tier": 1}, "joined_at": "2024-01-02"},
			{"id": int64(2), "name": "Brian", "tags": nil, "attrs": nil, "joined_at": "2024-02-03T10:00:00Z"},
			{"id": int64(3), "name": "Cleo", "tags": []any{"x"}, "attrs": `{"a": true}`, "joined_at": nil},
		},
	}
	req := loader.LoadRequest{Table: "customers", PrimaryKey: "id", Source: "customers.json", LoadID: "first", Strategy: loader.StrategyMerge}

	res, err := ld.Load(ctx, ds, req)
	require.NoError(t, err)
	assert.Equal(t, loader.LoadResult{Processed: 3, Inserted: 3}, res)

	ds.Records[0]["name"] = "Ada L."
	req.LoadID = "second"
	res, err = ld.Load(ctx, ds, req)
	require.NoError(t, err)
	assert.Equal(t, loader.LoadResult{Processed: 3, Updated: 3}, res)

	var (
		name string
		tags []string
		tier int
	)
	require.NoError(t, be.pool.QueryRow(ctx,
		`SELECT name, tags, (attrs->>'tier')::int FROM customers WHERE id = 1`).Scan(&name, &tags, &tier))
	assert.Equal(t, "Ada L.", name)
	assert.Equal(t, []string{"vip", "early"}, tags)
	assert.Equal(t, 1, tier)

	batches, err := be.Batches(ctx, "second")
	require.NoError(t, err)
	require.Len(t, batches, 2)
	for _, b := range batches {
		assert.Equal(t, loader.StatusCompleted, b.Status)
		assert.Equal(t, 2, b.TotalBatches)
		assert.NotNil(t, b.CompletedAt)
	}
	assert.Equal(t, 2, batches[0].Updated)
	assert.Equal(t, 1, batches[1].Updated)

	var inserts, updates int
	require.NoError(t, be.pool.QueryRow(ctx, `
		SELECT count(*) FILTER (WHERE operation = 'INSERT'),
		       count(*) FILTER (WHERE operation = 'UPDATE' AND old_values IS NOT NULL)
		FROM change_log WHERE table_name = 'customers'`).Scan(&inserts, &updates))
	assert.Equal(t, 3, inserts)
	assert.Equal(t, 3, updates)
}

func TestIntegration_FailedBatchIsTracked(t *testing.T) {
	ctx := context.Background()

	ctr, err := testinfra.StartPostgres(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { ctr.Terminate(context.Background()) }) //nolint:errcheck

	sb, err := storage.New(ctx, storage.Config{Kind: "postgres", DSN: ctr.ConnString})
	require.NoError(t, err)
	t.Cleanup(sb.Close)
	be := sb.(*Backend)
	require.NoError(t, be.EnsureTracking(ctx))

	_, err = be.pool.Exec(ctx, `CREATE TABLE items (code TEXT PRIMARY KEY, qty INTEGER NOT NULL)`)
	require.NoError(t, err)

	ld, err := loader.New(loader.Options{Connections: be, Schemas: be, Tracker: be, Changes: be, Dialect: be.Dialect(), BatchSize: 10})
	require.NoError(t, err)

	ds := loader.Dataset{
		Columns: []string{"code", "qty"},
		Records: []loader.Record{{"code": "a", "qty": int64(1)}, {"code": "b", "qty": nil}},
	}
	_, err = ld.Load(ctx, ds, loader.LoadRequest{Table: "items", PrimaryKey: "code", LoadID: "bad", Strategy: loader.StrategyMerge})
	var execErr *loader.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "23502", execErr.SQLState())

	batches, err := be.Batches(ctx, "bad")
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, loader.StatusFailed, batches[0].Status)
	assert.Equal(t, 1, batches[0].Processed)
	assert.Equal(t, 1, batches[0].Failed)
	assert.Contains(t, batches[0].Error, "null value")
}
