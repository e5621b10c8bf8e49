// Package probe inspects a sample of a dataset and suggests how to load it:
// a declared type per column and a primary key candidate.
//
// Inference is best-effort. Values that fit no narrower kind widen the column
// to text; nothing here fails on odd input.
package probe

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"batchload/internal/config"
	"batchload/internal/loader"
)

// Kind is the coarse type inferred for a column.
type Kind string

const (
	KindInteger   Kind = "integer"
	KindNumeric   Kind = "numeric"
	KindBoolean   Kind = "boolean"
	KindDate      Kind = "date"
	KindTimestamp Kind = "timestamp"
	KindArray     Kind = "array"
	KindJSON      Kind = "json"
	KindText      Kind = "text"
)

// DeclaredType maps k to the column type written into column_types. The
// names are understood by every destination's value formatter.
func (k Kind) DeclaredType() string {
	switch k {
	case KindInteger:
		return "bigint"
	case KindNumeric:
		return "numeric"
	case KindBoolean:
		return "boolean"
	case KindDate:
		return "date"
	case KindTimestamp:
		return "timestamp"
	case KindArray:
		return "text[]"
	case KindJSON:
		return "jsonb"
	default:
		return "text"
	}
}

// distinctCap bounds the distinct values tracked per column. A capped column
// is never suggested as primary key.
const distinctCap = 10000

// Options bound the inspection.
type Options struct {
	// MaxRecords limits how many records are inspected. <= 0 means all.
	MaxRecords int
}

// Column is the inference result for one column.
type Column struct {
	Name     string
	Kind     Kind
	NonEmpty int
	Distinct int
	Capped   bool
}

// Report is the outcome of Inspect.
type Report struct {
	Records    int
	Columns    []Column
	PrimaryKey string
}

// Inspect infers a Kind per column of ds and picks a primary key candidate:
// the first column (preferring one named id or *_id) whose values are present
// and distinct in every inspected record.
func Inspect(ds loader.Dataset, opt Options) Report {
	recs := ds.Records
	if opt.MaxRecords > 0 && len(recs) > opt.MaxRecords {
		recs = recs[:opt.MaxRecords]
	}

	rep := Report{Records: len(recs), Columns: make([]Column, 0, len(ds.Columns))}
	for _, name := range ds.Columns {
		rep.Columns = append(rep.Columns, inspectColumn(name, recs))
	}
	rep.PrimaryKey = pickPrimaryKey(rep)
	return rep
}

// candidates tracks which kinds every non-empty value of a column still fits.
type candidates struct {
	integer, numeric, boolean, date, timestamp, array, json bool
}

func inspectColumn(name string, recs []loader.Record) Column {
	col := Column{Name: name, Kind: KindText}
	c := candidates{true, true, true, true, true, true, true}
	seen := map[string]struct{}{}

	for _, r := range recs {
		v := r[name]
		s, ok := stringify(v)
		if !ok {
			continue
		}
		col.NonEmpty++

		if !col.Capped {
			seen[s] = struct{}{}
			if len(seen) > distinctCap {
				col.Capped = true
				seen = nil
			}
		}
		c.narrow(v, s)
	}

	if col.Capped {
		col.Distinct = distinctCap
	} else {
		col.Distinct = len(seen)
	}
	if col.NonEmpty > 0 {
		col.Kind = c.best()
	}
	return col
}

// narrow drops every kind v does not fit. s is v's trimmed text.
func (c *candidates) narrow(v any, s string) {
	switch v.(type) {
	case bool:
		c.integer, c.numeric, c.date, c.timestamp, c.array, c.json = false, false, false, false, false, false
		return
	case []any, []string:
		c.integer, c.numeric, c.boolean, c.date, c.timestamp, c.json = false, false, false, false, false, false
		return
	case map[string]any:
		c.integer, c.numeric, c.boolean, c.date, c.timestamp, c.array = false, false, false, false, false, false
		return
	case time.Time:
		c.integer, c.numeric, c.boolean, c.date, c.array, c.json = false, false, false, false, false, false
		return
	}

	if c.integer {
		if _, err := strconv.ParseInt(s, 10, 64); err != nil {
			c.integer = false
		}
	}
	if c.numeric {
		if _, err := strconv.ParseFloat(s, 64); err != nil {
			c.numeric = false
		}
	}
	if c.boolean {
		if _, ok := parseBoolLoose(s); !ok {
			c.boolean = false
		}
	}
	if c.date && !matchesLayout(s, dateLayouts) {
		c.date = false
	}
	if c.timestamp && !matchesLayout(s, tsLayouts) {
		c.timestamp = false
	}
	if c.array && !looksLikeArray(s) {
		c.array = false
	}
	if c.json && !(strings.HasPrefix(s, "{") && json.Valid([]byte(s))) {
		c.json = false
	}
}

// best returns the most specific kind still possible.
func (c candidates) best() Kind {
	switch {
	case c.integer:
		return KindInteger
	case c.boolean:
		return KindBoolean
	case c.date:
		return KindDate
	case c.timestamp:
		return KindTimestamp
	case c.numeric:
		return KindNumeric
	case c.json:
		return KindJSON
	case c.array:
		return KindArray
	default:
		return KindText
	}
}

func pickPrimaryKey(rep Report) string {
	if rep.Records == 0 {
		return ""
	}
	first := ""
	for _, c := range rep.Columns {
		if c.Capped || c.NonEmpty != rep.Records || c.Distinct != rep.Records {
			continue
		}
		switch c.Kind {
		case KindArray, KindJSON, KindBoolean:
			continue
		}
		lower := strings.ToLower(c.Name)
		if lower == "id" || strings.HasSuffix(lower, "_id") {
			return c.Name
		}
		if first == "" {
			first = c.Name
		}
	}
	return first
}

// ColumnTypes returns the declared type per column, suitable for
// config.Load.ColumnTypes.
func (r Report) ColumnTypes() map[string]string {
	out := make(map[string]string, len(r.Columns))
	for _, c := range r.Columns {
		out[c.Name] = c.Kind.DeclaredType()
	}
	return out
}

// Load builds a load entry for table reading src, using the inferred
// primary key and column types.
func (r Report) Load(table string, src config.Source) config.Load {
	return config.Load{
		Name:          table,
		Table:         table,
		PrimaryKey:    r.PrimaryKey,
		MergeStrategy: string(loader.StrategyMerge),
		ColumnTypes:   r.ColumnTypes(),
		Source:        src,
	}
}

// stringify returns the trimmed text of v and false when v is missing or
// blank.
func stringify(v any) (string, bool) {
	var s string
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		s = t
	case []byte:
		s = string(t)
	case bool:
		s = strconv.FormatBool(t)
	case time.Time:
		s = t.Format(time.RFC3339Nano)
	case []any, []string, map[string]any:
		b, err := json.Marshal(t)
		if err != nil {
			s = fmt.Sprint(t)
		} else {
			s = string(b)
		}
	default:
		s = fmt.Sprint(t)
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}

func parseBoolLoose(s string) (bool, bool) {
	switch strings.ToLower(s) {
	case "1", "t", "true", "yes", "y":
		return true, true
	case "0", "f", "false", "no", "n":
		return false, true
	default:
		return false, false
	}
}

var dateLayouts = []string{
	"2006-01-02",
	"02.01.2006",
	"02/01/2006",
	"01/02/2006",
}

var tsLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	time.RFC3339,
	time.RFC3339Nano,
	"02.01.2006 15:04:05",
}

func matchesLayout(s string, layouts []string) bool {
	for _, lay := range layouts {
		if _, err := time.Parse(lay, s); err == nil {
			return true
		}
	}
	return false
}

// looksLikeArray accepts Postgres array literals and JSON arrays.
func looksLikeArray(s string) bool {
	if strings.HasPrefix(s, "[") {
		return strings.HasSuffix(s, "]") && json.Valid([]byte(s))
	}
	return strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}") && !json.Valid([]byte(s))
}
