// Package html reads HTML pages into a loader dataset with goquery.
//
// Table mode (default) takes the table matched by options.selector ("table")
// at options.index (0). Header cells come from the first row containing <th>
// cells, or from the first row when has_header is true and there are none.
//
// Record mode is selected by options.record_selector: every matching element
// is one record and options.mappings say which values to pull out of it.
//
// Options shared by both modes: columns, header_map.
package html

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"batchload/internal/config"
	"batchload/internal/loader"
	"batchload/internal/source"
)

func init() {
	source.Register("html", Read)
}

// Mapping is one extraction rule of record mode.
type Mapping struct {
	Selector string `json:"selector"`        // relative to the record element; empty means the element itself
	Extract  string `json:"extract"`         // "text" (default) or "attr"
	Attr     string `json:"attr,omitempty"`  // used when Extract == "attr"
	Column   string `json:"column"`          // destination column
	Match    string `json:"match,omitempty"` // optional regex filter on the extracted value
	All      bool   `json:"all,omitempty"`   // collect all matches into an array value
}

// Read parses r into a dataset.
func Read(ctx context.Context, r io.Reader, opt config.Options) (loader.Dataset, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return loader.Dataset{}, fmt.Errorf("parse html: %w", err)
	}

	var ds loader.Dataset
	if sel := opt.String("record_selector", ""); sel != "" {
		mappings, err := mappingsFrom(opt.Any("mappings"))
		if err != nil {
			return loader.Dataset{}, err
		}
		ds, err = extractRecords(ctx, doc, sel, mappings)
		if err != nil {
			return loader.Dataset{}, err
		}
	} else {
		ds, err = extractTable(ctx, doc, opt)
		if err != nil {
			return loader.Dataset{}, err
		}
	}
	return source.Project(ds, opt.StringSlice("columns")), nil
}

// ---- table mode ----

func extractTable(ctx context.Context, doc *goquery.Document, opt config.Options) (loader.Dataset, error) {
	selector := opt.String("selector", "table")
	index := opt.Int("index", 0)
	hm := opt.StringMap("header_map")

	tables := doc.Find(selector)
	if tables.Length() <= index {
		return loader.Dataset{}, fmt.Errorf("html: %d table(s) match %q, want index %d", tables.Length(), selector, index)
	}
	table := tables.Eq(index)

	// Nested tables belong to their own cells, not to this table.
	rows := table.Find("tr").FilterFunction(func(_ int, tr *goquery.Selection) bool {
		return tr.Closest("table").IsSelection(table)
	})

	var header []string
	start := 0
	rows.EachWithBreak(func(i int, tr *goquery.Selection) bool {
		if th := tr.ChildrenFiltered("th"); th.Length() > 0 {
			header = cellTexts(th)
			start = i + 1
			return false
		}
		return true
	})
	if header == nil && opt.Bool("has_header", true) && rows.Length() > 0 {
		header = cellTexts(rows.First().ChildrenFiltered("td"))
		start = 1
	}
	if header == nil {
		header = opt.StringSlice("columns")
		if len(header) == 0 {
			return loader.Dataset{}, fmt.Errorf("html: table has no header row and options.columns is empty")
		}
	} else {
		for i, h := range header {
			header[i] = source.NormalizeHeader(h, hm)
		}
	}

	ds := loader.Dataset{Columns: header}
	for i := start; i < rows.Length(); i++ {
		if err := ctx.Err(); err != nil {
			return loader.Dataset{}, err
		}
		cells := rows.Eq(i).ChildrenFiltered("td")
		if cells.Length() == 0 {
			continue
		}
		vals := cellTexts(cells)
		rec := make(loader.Record, len(header))
		for c, col := range header {
			if col == "" {
				continue
			}
			if c < len(vals) && vals[c] != "" {
				rec[col] = vals[c]
			} else {
				rec[col] = nil
			}
		}
		ds.Records = append(ds.Records, rec)
	}

	cols := ds.Columns[:0:0]
	for _, c := range ds.Columns {
		if c != "" {
			cols = append(cols, c)
		}
	}
	ds.Columns = cols
	return ds, nil
}

func cellTexts(cells *goquery.Selection) []string {
	out := make([]string, 0, cells.Length())
	cells.Each(func(_ int, c *goquery.Selection) {
		out = append(out, collapseSpace(c.Text()))
	})
	return out
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// ---- record mode ----

func mappingsFrom(raw any) ([]Mapping, error) {
	if raw == nil {
		return nil, fmt.Errorf("html: record_selector needs options.mappings")
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("html: encode mappings: %w", err)
	}
	var ms []Mapping
	if err := json.Unmarshal(b, &ms); err != nil {
		return nil, fmt.Errorf("html: decode mappings: %w", err)
	}
	if len(ms) == 0 {
		return nil, fmt.Errorf("html: options.mappings is empty")
	}
	for i, m := range ms {
		if m.Column == "" {
			return nil, fmt.Errorf("html: mappings[%d].column is required", i)
		}
	}
	return ms, nil
}

type compiledMapping struct {
	Mapping
	re *regexp.Regexp
}

func extractRecords(ctx context.Context, doc *goquery.Document, recordSelector string, mappings []Mapping) (loader.Dataset, error) {
	compiled := make([]compiledMapping, len(mappings))
	columns := make([]string, 0, len(mappings))
	seen := map[string]bool{}
	for i, m := range mappings {
		re, err := compileOptionalRegex(m.Match, m.Column)
		if err != nil {
			return loader.Dataset{}, err
		}
		compiled[i] = compiledMapping{Mapping: m, re: re}
		if !seen[m.Column] {
			seen[m.Column] = true
			columns = append(columns, m.Column)
		}
	}

	ds := loader.Dataset{Columns: columns}
	var cerr error
	doc.Find(recordSelector).EachWithBreak(func(_ int, root *goquery.Selection) bool {
		if cerr = ctx.Err(); cerr != nil {
			return false
		}
		rec := parseSelection(root, compiled)
		for _, c := range columns {
			if _, ok := rec[c]; !ok {
				rec[c] = nil
			}
		}
		ds.Records = append(ds.Records, rec)
		return true
	})
	if cerr != nil {
		return loader.Dataset{}, cerr
	}
	return ds, nil
}

// parseSelection applies all mappings relative to root.
//
// With All set, every match is collected into []string; otherwise only the
// first match is used. Missing selectors produce no value.
func parseSelection(root *goquery.Selection, mappings []compiledMapping) loader.Record {
	out := make(loader.Record, len(mappings))

	for _, m := range mappings {
		extractOne := func(sel *goquery.Selection) string {
			switch m.Extract {
			case "", "text":
				return collapseSpace(sel.Text())
			case "attr":
				if m.Attr == "" {
					return ""
				}
				if val, ok := sel.Attr(m.Attr); ok {
					return strings.TrimSpace(val)
				}
				return ""
			default:
				return ""
			}
		}

		matches := root
		if m.Selector != "" {
			matches = root.Find(m.Selector)
		}

		if m.All {
			var vals []string
			matches.Each(func(_ int, sel *goquery.Selection) {
				if v := applyRegexFilter(extractOne(sel), m.re); v != "" {
					vals = append(vals, v)
				}
			})
			if len(vals) > 0 {
				out[m.Column] = vals
			}
			continue
		}

		sel := matches.First()
		if sel.Length() == 0 {
			continue
		}
		if v := applyRegexFilter(extractOne(sel), m.re); v != "" {
			out[m.Column] = v
		}
	}
	return out
}

// compileOptionalRegex returns nil for an empty pattern. Errors name the
// column so broken configs are easy to find.
func compileOptionalRegex(pattern, column string) (*regexp.Regexp, error) {
	if strings.TrimSpace(pattern) == "" {
		return nil, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("html: invalid regex for column %q: %w", column, err)
	}
	return re, nil
}

// applyRegexFilter keeps group 1 when the pattern has groups, the whole match
// otherwise, and "" when it does not match.
func applyRegexFilter(value string, re *regexp.Regexp) string {
	if value == "" || re == nil {
		return value
	}
	sm := re.FindStringSubmatch(value)
	if len(sm) == 0 {
		return ""
	}
	if len(sm) > 1 {
		return sm[1]
	}
	return sm[0]
}
