package probe

import (
	"reflect"
	"testing"
	"time"

	"batchload/internal/config"
	"batchload/internal/loader"
)

func TestInspect_Kinds(t *testing.T) {
	t.Parallel()

	ds := loader.Dataset{
		Columns: []string{"code", "qty", "price", "active", "born", "seen_at", "tags", "attrs", "note", "empty"},
		Records: []loader.Record{
			{"code": "A-1", "qty": "1", "price": "9.99", "active": "yes", "born": "2024-01-02",
				"seen_at": "2024-01-02T10:00:00Z", "tags": "{a,b}", "attrs": `{"k": 1}`, "note": "x", "empty": nil},
			{"code": "A-2", "qty": "20", "price": "1", "active": "n", "born": "02.01.2024",
				"seen_at": "2024-01-02 10:00:00", "tags": []any{"c"}, "attrs": map[string]any{"k": 2}, "note": "12"},
			{"code": "A-3", "qty": "", "price": "12345678901234567890", "active": nil, "born": nil,
				"seen_at": time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC), "tags": `["d"]`, "attrs": nil, "note": "2024-01-01", "empty": "  "},
		},
	}

	rep := Inspect(ds, Options{})
	if rep.Records != 3 {
		t.Fatalf("Records = %d", rep.Records)
	}

	want := map[string]Kind{
		"code":    KindText,
		"qty":     KindInteger,
		"price":   KindNumeric,
		"active":  KindBoolean,
		"born":    KindDate,
		"seen_at": KindTimestamp,
		"tags":    KindArray,
		"attrs":   KindJSON,
		"note":    KindText,
		"empty":   KindText,
	}
	for _, c := range rep.Columns {
		if c.Kind != want[c.Name] {
			t.Fatalf("column %s: kind = %s, want %s", c.Name, c.Kind, want[c.Name])
		}
	}

	qty := rep.Columns[1]
	if qty.NonEmpty != 2 || qty.Distinct != 2 {
		t.Fatalf("qty stats = %+v", qty)
	}
	if rep.PrimaryKey != "code" {
		t.Fatalf("PrimaryKey = %q, want code", rep.PrimaryKey)
	}
}

func TestInspect_PrimaryKeyPreference(t *testing.T) {
	t.Parallel()

	ds := loader.Dataset{
		Columns: []string{"name", "customer_id", "flag"},
		Records: []loader.Record{
			{"name": "a", "customer_id": "10", "flag": true},
			{"name": "b", "customer_id": "11", "flag": false},
		},
	}
	if got := Inspect(ds, Options{}).PrimaryKey; got != "customer_id" {
		t.Fatalf("PrimaryKey = %q, want customer_id", got)
	}

	// Duplicates and gaps disqualify every column.
	ds.Records = append(ds.Records, loader.Record{"name": "a", "customer_id": nil, "flag": true})
	if got := Inspect(ds, Options{}).PrimaryKey; got != "" {
		t.Fatalf("PrimaryKey = %q, want none", got)
	}

	// Only the first two records are inspected.
	if got := Inspect(ds, Options{MaxRecords: 2}).PrimaryKey; got != "customer_id" {
		t.Fatalf("PrimaryKey with MaxRecords = %q", got)
	}
}

func TestInspect_EmptyDataset(t *testing.T) {
	t.Parallel()

	rep := Inspect(loader.Dataset{Columns: []string{"a"}}, Options{})
	if rep.PrimaryKey != "" || rep.Columns[0].Kind != KindText {
		t.Fatalf("report = %+v", rep)
	}
}

func TestReport_Load(t *testing.T) {
	t.Parallel()

	ds := loader.Dataset{
		Columns: []string{"id", "tags"},
		Records: []loader.Record{{"id": "1", "tags": "{x}"}},
	}
	src := config.Source{Kind: "csv", Path: "in.csv"}
	l := Inspect(ds, Options{}).Load("items", src)

	want := config.Load{
		Name:          "items",
		Table:         "items",
		PrimaryKey:    "id",
		MergeStrategy: "MERGE",
		ColumnTypes:   map[string]string{"id": "bigint", "tags": "text[]"},
		Source:        src,
	}
	if !reflect.DeepEqual(l, want) {
		t.Fatalf("Load = %+v\nwant %+v", l, want)
	}
	if loader.Categorize(l.ColumnTypes["tags"]) != loader.CategoryArray {
		t.Fatalf("declared array type must categorize as array")
	}
}
