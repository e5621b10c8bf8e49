// Package json reads JSON documents into a loader dataset.
//
// Accepted shapes:
//   - a root array of objects
//   - a root object whose first array-of-objects field holds the records
//     (envelope); the remaining fields are ignored
//   - a single root object, which is one record
//
// Any of these may be followed by further objects (JSON lines).
//
// Columns are taken in order of first appearance unless options.columns is
// set. Numbers are kept as their literal text so integer and numeric columns
// never lose precision. Nested arrays stay []any (array columns) and nested
// objects stay maps (JSON columns).
//
// Options:
//   - columns: target column order
//   - header_map: source key -> column name
//   - array_join_separator: when set, arrays of strings are joined into one
//     scalar
package json

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"batchload/internal/config"
	"batchload/internal/loader"
	"batchload/internal/source"
)

func init() {
	source.Register("json", Read)
}

// Read parses r into a dataset.
func Read(ctx context.Context, r io.Reader, opt config.Options) (loader.Dataset, error) {
	c := &collector{
		ctx:       ctx,
		headerMap: opt.StringMap("header_map"),
		sep:       opt.String("array_join_separator", ""),
		seen:      map[string]bool{},
	}

	dec := json.NewDecoder(r)
	dec.UseNumber()

	tok, err := dec.Token()
	if errors.Is(err, io.EOF) {
		return c.dataset(opt.StringSlice("columns")), nil
	}
	if err != nil {
		return loader.Dataset{}, fmt.Errorf("json: read first token: %w", err)
	}

	switch tok {
	case json.Delim('['):
		if err := c.arrayOfObjects(dec); err != nil {
			return loader.Dataset{}, err
		}
		if err := expectDelim(dec, ']'); err != nil {
			return loader.Dataset{}, err
		}
	case json.Delim('{'):
		if err := c.envelopeOrSingle(dec); err != nil {
			return loader.Dataset{}, err
		}
	default:
		return loader.Dataset{}, fmt.Errorf("json: unsupported root token %v (want object or array)", tok)
	}

	if err := c.trailingObjects(dec); err != nil {
		return loader.Dataset{}, err
	}
	return c.dataset(opt.StringSlice("columns")), nil
}

type collector struct {
	ctx       context.Context
	headerMap map[string]string
	sep       string

	columns []string
	seen    map[string]bool
	records []loader.Record
}

// field is one key/value of an object in document order.
type field struct {
	key string
	val any
}

func (c *collector) emit(fields []field) error {
	if err := c.ctx.Err(); err != nil {
		return err
	}
	rec := make(loader.Record, len(fields))
	for _, f := range fields {
		name := f.key
		if mapped, ok := c.headerMap[name]; ok {
			name = mapped
		}
		if !c.seen[name] {
			c.seen[name] = true
			c.columns = append(c.columns, name)
		}
		rec[name] = c.normalize(f.val)
	}
	c.records = append(c.records, rec)
	return nil
}

func (c *collector) dataset(columns []string) loader.Dataset {
	ds := loader.Dataset{Columns: c.columns, Records: c.records}
	if len(columns) > 0 {
		return source.Project(ds, columns)
	}
	// Records that lack a later-discovered column still expose it as nil.
	for _, rec := range ds.Records {
		for _, col := range ds.Columns {
			if _, ok := rec[col]; !ok {
				rec[col] = nil
			}
		}
	}
	return ds
}

// normalize converts decoded values into loader-friendly shapes.
func (c *collector) normalize(v any) any {
	switch t := v.(type) {
	case json.Number:
		return t.String()
	case []any:
		out := make([]any, len(t))
		for i, it := range t {
			out[i] = c.normalize(it)
		}
		if c.sep != "" {
			if joined, ok := joinStrings(out, c.sep); ok {
				return joined
			}
		}
		return out
	default:
		// Objects stay maps; json.Number inside them re-encodes as a number.
		return v
	}
}

func joinStrings(vals []any, sep string) (string, bool) {
	ss := make([]string, 0, len(vals))
	for _, v := range vals {
		if v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			return "", false
		}
		ss = append(ss, s)
	}
	return strings.Join(ss, sep), true
}

// arrayOfObjects reads elements of the current array (after '[' has been
// consumed). null elements are skipped.
func (c *collector) arrayOfObjects(dec *json.Decoder) error {
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("json: read array element: %w", err)
		}
		if tok == nil {
			continue
		}
		if tok != json.Delim('{') {
			return fmt.Errorf("json: record %d is not an object (got %v)", len(c.records)+1, tok)
		}
		fields, err := readObject(dec)
		if err != nil {
			return fmt.Errorf("json: record %d: %w", len(c.records)+1, err)
		}
		if err := c.emit(fields); err != nil {
			return err
		}
	}
	return nil
}

// envelopeOrSingle walks a root object (after '{' has been consumed).
func (c *collector) envelopeOrSingle(dec *json.Decoder) error {
	var single []field
	for dec.More() {
		key, err := readKey(dec)
		if err != nil {
			return err
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("json: decode %q: %w", key, err)
		}
		if isArrayOfObjects(raw) {
			sub := json.NewDecoder(bytes.NewReader(raw))
			sub.UseNumber()
			if err := expectDelim(sub, '['); err != nil {
				return err
			}
			if err := c.arrayOfObjects(sub); err != nil {
				return err
			}
			// Skip the remaining fields of the envelope.
			for dec.More() {
				if _, err := readKey(dec); err != nil {
					return err
				}
				var skip json.RawMessage
				if err := dec.Decode(&skip); err != nil {
					return fmt.Errorf("json: skip envelope field: %w", err)
				}
			}
			return expectDelim(dec, '}')
		}

		val, err := decodeValue(raw)
		if err != nil {
			return fmt.Errorf("json: decode %q: %w", key, err)
		}
		single = append(single, field{key: key, val: val})
	}
	if err := expectDelim(dec, '}'); err != nil {
		return err
	}
	return c.emit(single)
}

func (c *collector) trailingObjects(dec *json.Decoder) error {
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("json: trailing object %d: %w", len(c.records)+1, err)
		}
		if tok != json.Delim('{') {
			return fmt.Errorf("json: trailing value %v is not an object", tok)
		}
		fields, err := readObject(dec)
		if err != nil {
			return fmt.Errorf("json: trailing object %d: %w", len(c.records)+1, err)
		}
		if err := c.emit(fields); err != nil {
			return err
		}
	}
}

// readObject reads the fields of an object whose '{' has been consumed,
// keeping document order, and consumes the closing '}'.
func readObject(dec *json.Decoder) ([]field, error) {
	var fields []field
	for dec.More() {
		key, err := readKey(dec)
		if err != nil {
			return nil, err
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("decode %q: %w", key, err)
		}
		fields = append(fields, field{key: key, val: v})
	}
	return fields, expectDelim(dec, '}')
}

func readKey(dec *json.Decoder) (string, error) {
	tok, err := dec.Token()
	if err != nil {
		return "", fmt.Errorf("json: read object key: %w", err)
	}
	key, ok := tok.(string)
	if !ok {
		return "", fmt.Errorf("json: object key not a string (got %T)", tok)
	}
	return key, nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("json: expected %q: %w", want, err)
	}
	if tok != want {
		return fmt.Errorf("json: expected %q, got %v", want, tok)
	}
	return nil
}

// isArrayOfObjects reports whether raw is a non-empty array whose first
// element is an object.
func isArrayOfObjects(raw json.RawMessage) bool {
	b := bytes.TrimSpace(raw)
	if len(b) == 0 || b[0] != '[' {
		return false
	}
	b = bytes.TrimSpace(b[1:])
	return len(b) > 0 && b[0] == '{'
}

func decodeValue(raw json.RawMessage) (any, error) {
	d := json.NewDecoder(bytes.NewReader(raw))
	d.UseNumber()
	var v any
	if err := d.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}
