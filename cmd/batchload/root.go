package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// rootOptions holds the flags shared by every subcommand.
type rootOptions struct {
	configPath string
	envFile    string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "batchload",
		Short: "Load CSV, JSON and HTML sources into database tables in tracked batches",
		Long: `batchload reads the sources listed in a pipeline config and merges their
records into destination tables (PostgreSQL, SQL Server or SQLite).

Every load is split into fixed-size batches. Each batch is recorded in the
load_batches table and every inserted or updated row in change_log.

Exit Codes:
  0  - Success
  1  - Invalid configuration or at least one failed load`,
		SilenceUsage: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "pipeline.yaml", "pipeline config path (.yaml, .yml or .json)")
	pf.StringVar(&opts.envFile, "env-file", "", "dotenv file to load before reading the config (default: .env beside the config)")
	pf.StringVar(&opts.logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")

	cmd.AddCommand(newLoadCmd(opts), newValidateCmd(opts), newBatchesCmd(opts), newProbeCmd(opts))
	return cmd
}

// newLogger returns a human readable zerolog logger writing to w.
func newLogger(w io.Writer, level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid --log-level %q: %w", level, err)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	out := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger(), nil
}
