package storage

// TableSpec describes a table the loader owns (tracking and audit), in
// logical types that each backend maps to its own DDL.
type TableSpec struct {
	Name       string
	PrimaryKey string
	Columns    []ColumnSpec
	Indexes    [][]string
}

// Logical column types understood by every backend.
const (
	TypeText      = "text"
	TypeInt       = "int"
	TypeSerial    = "serial"
	TypeJSON      = "json"
	TypeTimestamp = "timestamp"
)

type ColumnSpec struct {
	Name     string
	Type     string
	Nullable bool
}

// Tracking table names.
const (
	BatchTable  = "load_batches"
	ChangeTable = "change_log"
)

// batchColumns is the column order of the batch tracking table. Batches()
// selects in this order.
var batchColumns = []ColumnSpec{
	{Name: "batch_key", Type: TypeText},
	{Name: "load_id", Type: TypeText},
	{Name: "batch_number", Type: TypeInt},
	{Name: "table_name", Type: TypeText},
	{Name: "source_name", Type: TypeText, Nullable: true},
	{Name: "total_batches", Type: TypeInt},
	{Name: "record_count", Type: TypeInt},
	{Name: "processed", Type: TypeInt},
	{Name: "inserted", Type: TypeInt},
	{Name: "updated", Type: TypeInt},
	{Name: "failed", Type: TypeInt},
	{Name: "status", Type: TypeText},
	{Name: "error_message", Type: TypeText, Nullable: true},
	{Name: "started_at", Type: TypeTimestamp},
	{Name: "completed_at", Type: TypeTimestamp, Nullable: true},
}

var changeColumns = []ColumnSpec{
	{Name: "change_id", Type: TypeSerial},
	{Name: "table_name", Type: TypeText},
	{Name: "operation", Type: TypeText},
	{Name: "record_id", Type: TypeText},
	{Name: "primary_key", Type: TypeText},
	{Name: "new_values", Type: TypeJSON, Nullable: true},
	{Name: "old_values", Type: TypeJSON, Nullable: true},
	{Name: "load_id", Type: TypeText, Nullable: true},
	{Name: "source_name", Type: TypeText, Nullable: true},
	{Name: "changed_at", Type: TypeTimestamp},
}

// TrackingTables returns the specs of the tables EnsureTracking creates.
func TrackingTables() []TableSpec {
	return []TableSpec{
		{
			Name:       BatchTable,
			PrimaryKey: "batch_key",
			Columns:    batchColumns,
			Indexes:    [][]string{{"load_id", "batch_number"}},
		},
		{
			Name:       ChangeTable,
			PrimaryKey: "change_id",
			Columns:    changeColumns,
			Indexes:    [][]string{{"table_name", "record_id"}, {"load_id"}},
		},
	}
}
