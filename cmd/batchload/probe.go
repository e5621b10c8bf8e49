package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"batchload/internal/config"
	"batchload/internal/probe"
	"batchload/internal/source"
)

// probeOptions are the flags of the probe subcommand.
type probeOptions struct {
	kind    string
	path    string
	table   string
	options map[string]string
	sample  int
	report  bool
}

func newProbeCmd(opts *rootOptions) *cobra.Command {
	po := &probeOptions{}

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Sample a source and print a load entry with inferred column types",
		Long: `probe reads a source the same way a load would, infers a type per column
and picks a primary key candidate. By default it prints a YAML "loads" entry
ready to paste into a pipeline config; --report prints the per-column
statistics instead.`,
		Example: `  batchload probe --kind csv --path customers.csv --table customers
  batchload probe --kind json --path https://example.com/items.json --report
  batchload probe --kind csv --path export.csv --option comma=";" --option encoding=windows-1250`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log, err := newLogger(cmd.ErrOrStderr(), opts.logLevel)
			if err != nil {
				return err
			}

			src := config.Source{Kind: po.kind, Path: po.path}
			if len(po.options) > 0 {
				src.Options = config.Options{}
				for k, v := range po.options {
					src.Options[k] = v
				}
			}

			ds, err := source.Read(log.WithContext(cmd.Context()), source.SpecFrom(src))
			if err != nil {
				return err
			}
			rep := probe.Inspect(ds, probe.Options{MaxRecords: po.sample})

			if po.report {
				renderProbe(cmd.OutOrStdout(), rep)
				return nil
			}

			table := po.table
			if table == "" {
				table = tableFromPath(po.path)
			}
			out, err := yaml.Marshal(struct {
				Loads []config.Load `yaml:"loads"`
			}{Loads: []config.Load{rep.Load(table, src)}})
			if err != nil {
				return fmt.Errorf("encode load: %w", err)
			}
			if rep.PrimaryKey == "" {
				log.Warn().Msg("no column is unique and present in every sampled record; set primary_key by hand")
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}

	f := cmd.Flags()
	f.StringVar(&po.kind, "kind", "csv", "source kind (csv, json, html)")
	f.StringVar(&po.path, "path", "", `source file path, http(s) URL or "-" for stdin`)
	f.StringVar(&po.table, "table", "", "destination table (default: derived from --path)")
	f.StringToStringVar(&po.options, "option", nil, "source option key=value (repeatable)")
	f.IntVar(&po.sample, "sample", 5000, "records to inspect (<= 0 means all)")
	f.BoolVar(&po.report, "report", false, "print per-column statistics instead of a load entry")
	_ = cmd.MarkFlagRequired("path")
	return cmd
}

// tableFromPath derives a table name from the last path element:
// "data/Customer List.csv" becomes "customer_list".
func tableFromPath(p string) string {
	base := filepath.Base(p)
	if i := strings.IndexAny(base, "?#"); i >= 0 {
		base = base[:i]
	}
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if base == "" || base == "-" || base == "." || base == "/" {
		return "data"
	}
	return source.NormalizeHeader(base, nil)
}
