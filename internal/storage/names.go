package storage

import (
	"fmt"
	"strings"
)

// NormalizeKey converts a primary key value to a canonical string form, as
// stored in the change log's record_id column (e.g. "Germany" or "8429529").
//
// Backends must not assume a particular Go type for keys; CSV sources yield
// strings while JSON and database round-trips yield numbers.
func NormalizeKey(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case int64:
		return fmt.Sprintf("%d", t)
	case int32:
		return fmt.Sprintf("%d", t)
	case int:
		return fmt.Sprintf("%d", t)
	case []byte:
		return strings.TrimSpace(string(t))
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// SplitQualifiedName splits a schema-qualified table name.
//
//	"public.countries" => ("public", "countries")
//	"countries"        => ("", "countries")
//
// Only a single dot is understood; anything else is treated as unqualified.
func SplitQualifiedName(name string) (schema string, table string) {
	name = strings.TrimSpace(name)
	parts := strings.Split(name, ".")
	if len(parts) != 2 {
		return "", name
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
}
