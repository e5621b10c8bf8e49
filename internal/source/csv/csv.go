// Package csv reads delimited text into a loader dataset.
//
// Options:
//   - has_header (true): first row names the columns
//   - columns: target column order; required without a header
//   - header_map: raw header -> column name
//   - comma (","), lazy_quotes (false), fields_per_record (0 = variable)
//   - trim_space (true): trim surrounding whitespace of every field
//   - skip_bad_rows (false): log and skip malformed rows instead of failing
//
// Empty fields become nil so they load as NULL.
package csv

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"batchload/internal/config"
	"batchload/internal/loader"
	"batchload/internal/source"
)

func init() {
	source.Register("csv", Read)
}

// Read parses r into a dataset.
func Read(ctx context.Context, r io.Reader, opt config.Options) (loader.Dataset, error) {
	log := zerolog.Ctx(ctx)

	hasHeader := opt.Bool("has_header", true)
	trim := opt.Bool("trim_space", true)
	skipBad := opt.Bool("skip_bad_rows", false)
	hm := opt.StringMap("header_map")
	columns := opt.StringSlice("columns")

	cr := csv.NewReader(r)
	cr.Comma = opt.Rune("comma", ',')
	cr.LazyQuotes = opt.Bool("lazy_quotes", false)
	cr.ReuseRecord = true
	if n := opt.Int("fields_per_record", 0); n != 0 {
		cr.FieldsPerRecord = n
	} else {
		cr.FieldsPerRecord = -1
	}

	line := 0
	readRec := func() ([]string, error) {
		line++
		return cr.Read()
	}

	// colIx[t] is the source field index of target column t, or -1.
	var colIx []int
	if hasHeader {
		hdr, err := readRec()
		if errors.Is(err, io.EOF) {
			return loader.Dataset{Columns: columns}, nil
		}
		if err != nil {
			return loader.Dataset{}, fmt.Errorf("read header: %w", err)
		}
		srcToIdx := make(map[string]int, len(hdr))
		header := make([]string, 0, len(hdr))
		for i, h := range hdr {
			name := source.NormalizeHeader(h, hm)
			if name == "" {
				continue
			}
			if _, dup := srcToIdx[name]; dup {
				return loader.Dataset{}, fmt.Errorf("duplicate column %q in header", name)
			}
			srcToIdx[name] = i
			header = append(header, name)
		}
		if len(columns) == 0 {
			columns = header
		}
		colIx = make([]int, len(columns))
		for t, target := range columns {
			colIx[t] = -1
			if si, ok := srcToIdx[target]; ok {
				colIx[t] = si
			}
		}
	} else {
		if len(columns) == 0 {
			return loader.Dataset{}, fmt.Errorf("csv: options.columns is required when has_header is false")
		}
		colIx = make([]int, len(columns))
		for i := range columns {
			colIx[i] = i
		}
	}

	ds := loader.Dataset{Columns: columns}
	for {
		if err := ctx.Err(); err != nil {
			return loader.Dataset{}, err
		}

		rec, err := readRec()
		if errors.Is(err, io.EOF) {
			return ds, nil
		}
		if err != nil {
			if skipBad {
				log.Warn().Err(err).Int("line", line).Msg("stage=source skipped malformed row")
				continue
			}
			return loader.Dataset{}, fmt.Errorf("line %d: %w", line, err)
		}

		row := make(loader.Record, len(columns))
		for t, col := range columns {
			si := colIx[t]
			if si < 0 || si >= len(rec) {
				row[col] = nil
				continue
			}
			v := rec[si]
			if trim {
				v = strings.TrimSpace(v)
			}
			if v == "" {
				row[col] = nil
			} else {
				row[col] = v
			}
		}
		ds.Records = append(ds.Records, row)
	}
}
