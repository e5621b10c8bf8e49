package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"batchload/internal/config"
)

func newValidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the pipeline config and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := config.LoadFile(opts.configPath, opts.envFile)
			if err != nil {
				return err
			}
			if err := checkPipeline(cmd.ErrOrStderr(), opts.configPath, p); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration is valid: %s\n", opts.configPath)
			return nil
		},
	}
}

// checkPipeline prints every validation issue of p to w and fails when any
// of them is an error.
func checkPipeline(w io.Writer, path string, p config.Pipeline) error {
	issues := config.ValidatePipeline(p)
	for _, iss := range issues {
		fmt.Fprintln(w, iss.String())
	}
	if config.HasErrors(issues) {
		return fmt.Errorf("configuration is invalid: %s", path)
	}
	return nil
}
