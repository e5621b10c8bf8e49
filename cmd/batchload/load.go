package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"batchload/internal/config"
	"batchload/internal/runner"
)

func newLoadCmd(opts *rootOptions) *cobra.Command {
	var (
		metricsBackend string
		loadID         string
	)

	cmd := &cobra.Command{
		Use:   "load",
		Short: "Run every load of the pipeline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log, err := newLogger(cmd.ErrOrStderr(), opts.logLevel)
			if err != nil {
				return err
			}

			p, err := config.LoadFile(opts.configPath, opts.envFile)
			if err != nil {
				return err
			}
			if loadID != "" {
				if len(p.Loads) != 1 {
					return fmt.Errorf("--load-id needs a pipeline with exactly one load, got %d", len(p.Loads))
				}
				p.Loads[0].LoadID = loadID
			}
			if err := checkPipeline(cmd.ErrOrStderr(), opts.configPath, p); err != nil {
				return err
			}

			ctx := cmd.Context()
			stopMetrics := setupMetrics(ctx, metricsBackend, p.Job, log)
			defer stopMetrics()

			start := time.Now()
			results, runErr := runner.NewDefaultRunner(log).Run(ctx, p)
			if len(results) > 0 {
				renderResults(cmd.OutOrStdout(), results)
			}
			log.Debug().Dur("elapsed", time.Since(start).Truncate(time.Millisecond)).Msg("completed")
			return runErr
		},
	}

	cmd.Flags().StringVar(&metricsBackend, "metrics-backend", "", "metrics backend: datadog or none (default: env METRICS_BACKEND, else none)")
	cmd.Flags().StringVar(&loadID, "load-id", "", "load id to record batches under (single-load pipelines only)")
	return cmd
}
