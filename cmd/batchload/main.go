// Command batchload reads the sources of a pipeline config and merges them
// into relational tables in tracked batches.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	// register all backends and source readers; the config picks which to use.
	_ "batchload/internal/source/all"
	_ "batchload/internal/storage/all"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
