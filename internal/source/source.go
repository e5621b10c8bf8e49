// Package source turns input files into loader datasets.
//
// Readers register themselves per kind ("csv", "json", "html") from init()
// the same way storage backends do; commands blank-import source/all. Read
// opens the input (file, "-" for stdin, or an http(s) URL), applies the
// optional character set decoding and hands the stream to the reader.
package source

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"batchload/internal/config"
	"batchload/internal/loader"
)

// Spec locates one input.
type Spec struct {
	Kind    string
	Path    string
	Options config.Options
}

// SpecFrom converts a pipeline source block.
func SpecFrom(s config.Source) Spec {
	return Spec{Kind: s.Kind, Path: s.Path, Options: s.Options}
}

// Reader decodes a whole input into a dataset. Readers must not close r.
type Reader func(ctx context.Context, r io.Reader, opt config.Options) (loader.Dataset, error)

var (
	mu      sync.RWMutex
	readers = map[string]Reader{}
)

// Register makes a reader available under kind. Registering an empty kind, a
// nil reader or the same kind twice panics.
func Register(kind string, r Reader) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("source: Register called with empty kind")
	}
	if r == nil {
		panic("source: Register called with nil reader")
	}
	if _, exists := readers[kind]; exists {
		panic(fmt.Sprintf("source: reader already registered for kind=%q", kind))
	}
	readers[kind] = r
}

// Kinds returns the registered source kinds, sorted.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(readers))
	for k := range readers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Read opens spec.Path and decodes it with the reader registered for
// spec.Kind.
func Read(ctx context.Context, spec Spec) (loader.Dataset, error) {
	mu.RLock()
	rd := readers[spec.Kind]
	mu.RUnlock()
	if rd == nil {
		return loader.Dataset{}, fmt.Errorf("source: unsupported kind=%s (registered: %v)", spec.Kind, Kinds())
	}

	rc, err := Open(ctx, spec.Path, OpenOptions{
		Encoding: spec.Options.String("encoding", ""),
		Timeout:  spec.Options.Int("http_timeout_seconds", 0),
	})
	if err != nil {
		return loader.Dataset{}, err
	}
	defer rc.Close()

	ds, err := rd(ctx, rc, spec.Options)
	if err != nil {
		return loader.Dataset{}, fmt.Errorf("read %s %s: %w", spec.Kind, spec.Path, err)
	}
	return ds, nil
}

// NormalizeHeader maps a raw header cell to a column name: header_map wins,
// otherwise the cell is trimmed, lower-cased and spaces become underscores.
// A leading byte order mark is dropped.
func NormalizeHeader(h string, headerMap map[string]string) string {
	h = strings.TrimPrefix(h, "\uFEFF")
	h = strings.TrimSpace(h)
	if mapped, ok := headerMap[h]; ok {
		return mapped
	}
	return strings.ReplaceAll(strings.ToLower(h), " ", "_")
}

// Project narrows and reorders ds to columns. Columns missing from the input
// become nil in every record. An empty columns list returns ds unchanged.
func Project(ds loader.Dataset, columns []string) loader.Dataset {
	if len(columns) == 0 {
		return ds
	}
	out := loader.Dataset{Columns: append([]string(nil), columns...), Records: make([]loader.Record, len(ds.Records))}
	for i, rec := range ds.Records {
		r := make(loader.Record, len(columns))
		for _, c := range columns {
			r[c] = rec[c]
		}
		out.Records[i] = r
	}
	return out
}
