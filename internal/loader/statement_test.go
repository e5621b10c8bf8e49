package loader

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBuilder(d Dialect) *MergeStatementBuilder {
	return NewMergeStatementBuilder(NewValueFormatter(d, zerolog.Nop()))
}

func TestGenerateSQL_Postgres(t *testing.T) {
	s := ResolveSchema(map[string]string{"id": "integer", "name": "text", "tags": "text[]", "created_at": "timestamp"})
	cols := []string{"id", "name", "tags", "created_at"}
	b := newBuilder(Postgres)

	tests := []struct {
		strategy MergeStrategy
		want     string
	}{
		{
			strategy: StrategyInsert,
			want:     `INSERT INTO customers ("id", "name", "tags", "created_at") VALUES ($1, $2, $3, $4)`,
		},
		{
			strategy: StrategyUpdate,
			want:     `UPDATE customers SET "name" = $2, "tags" = $3, "created_at" = $4 WHERE "id" = $1`,
		},
		{
			strategy: StrategyMerge,
			want: `INSERT INTO customers ("id", "name", "tags", "created_at") VALUES ($1::bigint, $2, $3::text[], $4::timestamp)` +
				` ON CONFLICT ("id") DO UPDATE SET "name" = $2, "tags" = $3::text[], "created_at" = $4::timestamp`,
		},
	}
	for _, tc := range tests {
		t.Run(string(tc.strategy), func(t *testing.T) {
			got, err := b.GenerateSQL("customers", cols, s, tc.strategy, "id")
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestGenerateSQL_KeyNotFirst(t *testing.T) {
	s := ResolveSchema(map[string]string{"code": "text", "label": "text"})
	got, err := newBuilder(Postgres).GenerateSQL("public.items", []string{"label", "code"}, s, StrategyUpdate, "code")
	require.NoError(t, err)
	assert.Equal(t, `UPDATE public.items SET "label" = $1 WHERE "code" = $2`, got)
}

func TestGenerateSQL_KeyOnly(t *testing.T) {
	s := ResolveSchema(map[string]string{"id": "integer"})
	b := newBuilder(Postgres)

	merge, err := b.GenerateSQL("ids", []string{"id"}, s, StrategyMerge, "id")
	require.NoError(t, err)
	assert.Equal(t, `INSERT INTO ids ("id") VALUES ($1::bigint) ON CONFLICT ("id") DO NOTHING`, merge)

	upd, err := b.GenerateSQL("ids", []string{"id"}, s, StrategyUpdate, "id")
	require.NoError(t, err)
	assert.Equal(t, `UPDATE ids SET "id" = $1 WHERE "id" = $1`, upd)
}

func TestGenerateSQL_SQLite(t *testing.T) {
	s := ResolveSchema(map[string]string{"id": "INTEGER", "tags": "text[]"})
	got, err := newBuilder(SQLite).GenerateSQL("customers", []string{"id", "tags"}, s, StrategyMerge, "id")
	require.NoError(t, err)
	assert.Equal(t, `INSERT INTO customers ("id", "tags") VALUES (?1, ?2) ON CONFLICT ("id") DO UPDATE SET "tags" = ?2`, got)
}

func TestGenerateSQL_SQLServer(t *testing.T) {
	s := ResolveSchema(map[string]string{"id": "int", "name": "nvarchar"})
	got, err := newBuilder(SQLServer).GenerateSQL("dbo.customers", []string{"id", "name"}, s, StrategyMerge, "id")
	require.NoError(t, err)
	assert.Equal(t,
		"MERGE INTO dbo.customers AS target USING (SELECT @p1 AS [id], @p2 AS [name]) AS source"+
			" ON target.[id] = source.[id]"+
			" WHEN MATCHED THEN UPDATE SET target.[name] = source.[name]"+
			" WHEN NOT MATCHED THEN INSERT ([id], [name]) VALUES (source.[id], source.[name]);",
		got)
}

func TestGenerateSQL_Errors(t *testing.T) {
	s := ResolveSchema(map[string]string{"id": "integer"})
	b := newBuilder(Postgres)

	_, err := b.GenerateSQL("t", []string{"id"}, s, MergeStrategy("DELETE"), "id")
	assert.True(t, errors.Is(err, ErrUnknownStrategy), "err=%v", err)

	_, err = b.GenerateSQL("", []string{"id"}, s, StrategyInsert, "id")
	assert.Error(t, err)

	_, err = b.GenerateSQL("t", nil, s, StrategyInsert, "id")
	assert.Error(t, err)

	_, err = b.GenerateSQL("t", []string{"name"}, s, StrategyInsert, "id")
	assert.ErrorContains(t, err, "primary key")
}

func TestProbeSQL(t *testing.T) {
	s := ResolveSchema(map[string]string{"id": "integer", "code": "character varying"})

	tests := []struct {
		name string
		d    Dialect
		pk   string
		want string
	}{
		{name: "postgres_integer", d: Postgres, pk: "id", want: `SELECT * FROM t WHERE "id" = $1::integer`},
		{name: "postgres_varchar", d: Postgres, pk: "code", want: `SELECT * FROM t WHERE "code" = $1::character varying`},
		{name: "postgres_unknown_is_text", d: Postgres, pk: "other", want: `SELECT * FROM t WHERE "other" = $1::text`},
		{name: "sqlite", d: SQLite, pk: "id", want: `SELECT * FROM t WHERE "id" = ?1 LIMIT 1`},
		{name: "mssql", d: SQLServer, pk: "id", want: `SELECT TOP (1) * FROM t WHERE [id] = @p1`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, newBuilder(tc.d).ProbeSQL("t", tc.pk, s))
		})
	}
}

func TestProcessBatch(t *testing.T) {
	s := ResolveSchema(map[string]string{"id": "integer", "tags": "text[]", "at": "timestamp"})
	cols := []string{"id", "tags", "at"}
	b := newBuilder(Postgres)

	t.Run("formats_every_column", func(t *testing.T) {
		out, err := b.ProcessBatch(cols, []Record{
			{"id": 1, "tags": "a,b", "at": "2024-01-02"},
			{"id": 2, "tags": nil},
		}, s)
		require.NoError(t, err)
		require.Len(t, out, 2)
		assert.Equal(t, []string{"a", "b"}, out[0]["tags"])
		assert.Contains(t, out[1], "at")
		assert.Nil(t, out[1]["at"])
	})

	t.Run("aborts_on_first_bad_value", func(t *testing.T) {
		out, err := b.ProcessBatch(cols, []Record{
			{"id": 1, "at": "2024-01-02"},
			{"id": 2, "at": "yesterday"},
		}, s)
		assert.Nil(t, out)
		var fe *FormatError
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, "at", fe.Column)
		assert.Contains(t, err.Error(), "record 2")
	})
}

func TestValues(t *testing.T) {
	got := Values(Record{"b": 2, "a": 1}, []string{"a", "b", "c"})
	assert.Equal(t, []any{1, 2, nil}, got)
}

func TestParseMergeStrategy(t *testing.T) {
	tests := []struct {
		in   string
		want MergeStrategy
	}{
		{"", StrategyMerge},
		{"merge", StrategyMerge},
		{"upsert", StrategyMerge},
		{" Insert ", StrategyInsert},
		{"UPDATE", StrategyUpdate},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseMergeStrategy(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := ParseMergeStrategy("replace")
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}

func TestDialectFor(t *testing.T) {
	for kind, want := range map[string]Dialect{
		"postgres": Postgres, "PG": Postgres, "sqlite3": SQLite, "sqlserver": SQLServer, "mssql": SQLServer,
	} {
		got, err := DialectFor(kind)
		require.NoError(t, err, kind)
		assert.Equal(t, want.Name(), got.Name(), kind)
	}
	_, err := DialectFor("oracle")
	assert.Error(t, err)
}
