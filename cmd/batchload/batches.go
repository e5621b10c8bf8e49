package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"batchload/internal/config"
	"batchload/internal/runner"
)

func newBatchesCmd(opts *rootOptions) *cobra.Command {
	var loadID string

	cmd := &cobra.Command{
		Use:   "batches",
		Short: "List the tracked batches of a load",
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

			batches, err := runner.NewDefaultRunner(log).Batches(cmd.Context(), p.Storage, loadID)
			if err != nil {
				return err
			}
			if len(batches) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "no batches recorded for load %s\n", loadID)
				return nil
			}
			renderBatches(cmd.OutOrStdout(), batches)
			return nil
		},
	}

	cmd.Flags().StringVar(&loadID, "load-id", "", "load id to list")
	_ = cmd.MarkFlagRequired("load-id")
	return cmd
}
