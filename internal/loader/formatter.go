package loader

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Category is the closed set of coercion behaviors a column can have.
type Category int

const (
	CategoryScalar Category = iota
	CategoryArray
	CategoryTimestamp
	CategoryJSON
)

func (c Category) String() string {
	switch c {
	case CategoryArray:
		return "array"
	case CategoryTimestamp:
		return "timestamp"
	case CategoryJSON:
		return "json"
	default:
		return "scalar"
	}
}

// Categorize maps a declared type name to its category. Matching is
// case-insensitive; anything unrecognized is a scalar.
func Categorize(declared string) Category {
	upper := strings.ToUpper(strings.TrimSpace(declared))
	switch {
	case upper == "ARRAY" || strings.Contains(upper, "[]"):
		return CategoryArray
	case strings.Contains(upper, "TIMESTAMP"),
		strings.Contains(upper, "DATE"),
		strings.Contains(upper, "TIME"):
		return CategoryTimestamp
	case strings.Contains(upper, "JSON"):
		return CategoryJSON
	default:
		return CategoryScalar
	}
}

// ColumnType is a declared type resolved once at schema-load time.
type ColumnType struct {
	Declared string
	Category Category
}

// Schema maps column name to its resolved type.
type Schema map[string]ColumnType

// defaultColumnType is used for columns the destination did not report.
var defaultColumnType = ColumnType{Declared: "text", Category: CategoryScalar}

// ResolveSchema categorizes every declared type of a raw column -> type map.
func ResolveSchema(raw map[string]string) Schema {
	s := make(Schema, len(raw))
	for col, typ := range raw {
		s[col] = ColumnType{Declared: typ, Category: Categorize(typ)}
	}
	return s
}

// Column returns the resolved type of name, falling back to a
// case-insensitive match and then to text.
func (s Schema) Column(name string) ColumnType {
	if ct, ok := s[name]; ok {
		return ct
	}
	for col, ct := range s {
		if strings.EqualFold(col, name) {
			return ct
		}
	}
	return defaultColumnType
}

// ValueFormatter coerces raw values into the shape their destination column
// expects.
type ValueFormatter struct {
	dialect Dialect
	log     zerolog.Logger
}

// NewValueFormatter builds a formatter emitting warnings to log.
func NewValueFormatter(d Dialect, log zerolog.Logger) *ValueFormatter {
	if d == nil {
		d = Postgres
	}
	return &ValueFormatter{dialect: d, log: log}
}

// Format coerces value for column. nil always passes through.
//
// Array coercion never fails: unparseable text is logged and becomes an
// empty slice. Timestamp coercion failures are returned as *FormatError.
func (f *ValueFormatter) Format(value any, column string, schema Schema) (any, error) {
	if value == nil {
		return nil, nil
	}

	switch schema.Column(column).Category {
	case CategoryArray:
		return f.formatArray(value, column), nil
	case CategoryTimestamp:
		t, err := formatTimestamp(value)
		if err != nil {
			f.log.Error().Err(err).Str("column", column).Interface("value", value).Msg("timestamp coercion failed")
			return nil, &FormatError{Column: column, Value: value, Err: err}
		}
		return t, nil
	case CategoryJSON:
		s, err := formatJSON(value)
		if err != nil {
			return nil, &FormatError{Column: column, Value: value, Err: err}
		}
		return s, nil
	default:
		return value, nil
	}
}

// TypeCast returns the destination cast annotation for column's placeholder.
func (f *ValueFormatter) TypeCast(column string, schema Schema) string {
	return f.dialect.TypeCast(schema.Column(column))
}

// ---- arrays ----

func (f *ValueFormatter) formatArray(value any, column string) []string {
	var text string
	switch v := value.(type) {
	case string:
		text = v
	case []byte:
		text = string(v)
	case []string:
		return append([]string{}, v...)
	default:
		rv := reflect.ValueOf(value)
		if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
			out := make([]string, rv.Len())
			for i := range out {
				out[i] = fmt.Sprint(rv.Index(i).Interface())
			}
			return out
		}
		return []string{fmt.Sprint(value)}
	}

	out, err := parseArrayText(text)
	if err != nil {
		f.log.Warn().Err(err).Str("column", column).Str("value", text).Msg("array value not parseable, storing empty array")
		return []string{}
	}
	return out
}

// parseArrayText accepts, in order: a bracketed list literal, a brace set
// literal, a comma separated list, or a single value.
func parseArrayText(s string) ([]string, error) {
	switch {
	case strings.HasPrefix(s, "["):
		if len(s) < 2 || !strings.HasSuffix(s, "]") {
			return nil, errors.New("unterminated list literal")
		}
		return parseListLiteral(s[1 : len(s)-1])
	case strings.HasPrefix(s, "{"):
		if len(s) < 2 || !strings.HasSuffix(s, "}") {
			return nil, errors.New("unterminated set literal")
		}
		return splitTrimmed(s[1 : len(s)-1]), nil
	case strings.Contains(s, ","):
		return splitTrimmed(s), nil
	default:
		return []string{strings.TrimSpace(s)}, nil
	}
}

func splitTrimmed(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseListLiteral parses the body of a list literal such as
// `'a', "b", 1, 2.5, None`. Elements are returned as their text; nested
// containers and bare words are rejected.
func parseListLiteral(body string) ([]string, error) {
	out := []string{}
	i, n := 0, len(body)

	skipSpace := func() {
		for i < n && (body[i] == ' ' || body[i] == '\t' || body[i] == '\n' || body[i] == '\r') {
			i++
		}
	}

	for {
		skipSpace()
		if i >= n {
			return out, nil
		}

		switch c := body[i]; c {
		case '\'', '"':
			s, next, err := readQuoted(body, i)
			if err != nil {
				return nil, err
			}
			out = append(out, s)
			i = next
		case '[', '{', '(':
			return nil, fmt.Errorf("nested literal at offset %d", i)
		default:
			j := i
			for j < n && body[j] != ',' {
				j++
			}
			tok := strings.TrimSpace(body[i:j])
			if !isBareLiteral(tok) {
				return nil, fmt.Errorf("invalid list element %q", tok)
			}
			out = append(out, tok)
			i = j
		}

		skipSpace()
		if i >= n {
			return out, nil
		}
		if body[i] != ',' {
			return nil, fmt.Errorf("expected ',' at offset %d", i)
		}
		i++
	}
}

func isBareLiteral(tok string) bool {
	switch tok {
	case "":
		return false
	case "None", "True", "False", "null", "true", "false":
		return true
	}
	_, err := strconv.ParseFloat(tok, 64)
	return err == nil
}

// readQuoted reads a quoted string starting at body[start] and returns the
// unescaped content and the offset after the closing quote.
func readQuoted(body string, start int) (string, int, error) {
	quote := body[start]
	var b strings.Builder
	for i := start + 1; i < len(body); i++ {
		c := body[i]
		switch {
		case c == '\\' && i+1 < len(body):
			i++
			switch body[i] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			default:
				b.WriteByte(body[i])
			}
		case c == quote:
			return b.String(), i + 1, nil
		default:
			b.WriteByte(c)
		}
	}
	return "", 0, fmt.Errorf("unterminated string at offset %d", start)
}

// ---- timestamps ----

// isoLayouts approximates ISO-8601 as accepted by common parsers. Go accepts
// fractional seconds after the seconds field even when a layout omits them.
var isoLayouts = []string{
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02T15:04:05-0700",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

var explicitLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000000",
}

func formatTimestamp(value any) (time.Time, error) {
	switch v := value.(type) {
	case time.Time:
		return v, nil
	case *time.Time:
		if v != nil {
			return *v, nil
		}
	case string:
		return parseTimestamp(v)
	}
	return time.Time{}, fmt.Errorf("unexpected type %T for timestamp value", value)
}

func parseTimestamp(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if strings.HasSuffix(s, "Z") {
		s = strings.TrimSuffix(s, "Z") + "+00:00"
	}

	if t, ok := parseWithLayouts(s, isoLayouts); ok {
		return t, nil
	}
	if t, ok := parseWithLayouts(s, explicitLayouts); ok {
		return t, nil
	}
	if base, _, found := strings.Cut(s, "+"); found {
		if t, ok := parseWithLayouts(base, isoLayouts); ok {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("could not parse timestamp %q", raw)
}

func parseWithLayouts(s string, layouts []string) (time.Time, bool) {
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ---- json ----

// formatJSON passes valid JSON text through untouched so it is not encoded a
// second time; everything else is encoded.
func formatJSON(value any) (string, error) {
	switch v := value.(type) {
	case string:
		if json.Valid([]byte(v)) {
			return v, nil
		}
	case []byte:
		if json.Valid(v) {
			return string(v), nil
		}
		value = string(v)
	case json.RawMessage:
		if json.Valid(v) {
			return string(v), nil
		}
		value = string(v)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(value); err != nil {
		return "", fmt.Errorf("json encode: %w", err)
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}
