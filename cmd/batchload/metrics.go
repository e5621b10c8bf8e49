package main

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"

	"batchload/internal/metrics"
	"batchload/internal/metrics/datadog"
)

// setupMetrics installs the named metrics backend and returns the function
// that shuts it down. Unknown names and init failures leave metrics disabled.
func setupMetrics(ctx context.Context, name, job string, log zerolog.Logger) func() {
	if name == "" {
		name = os.Getenv("METRICS_BACKEND")
	}

	switch name {
	case "datadog":
		if job == "" {
			job = "batchload"
		}
		tags := datadog.ParseTagsCSV(os.Getenv("METRICS_TAGS"))

		// The backend flushes once a minute and once more on Close.
		b, err := datadog.NewBackend(context.WithoutCancel(ctx), datadog.Options{
			JobName:    job,
			Tags:       tags,
			FlushEvery: 60 * time.Second,
		})
		if err != nil {
			log.Warn().Err(err).Msg("metrics: datadog init failed; metrics disabled")
			return func() {}
		}
		log.Debug().Str("backend", name).Str("job", job).Strs("tags", tags).Msg("metrics: enabled")
		metrics.SetBackend(b)
		return func() {
			if err := b.Close(); err != nil {
				log.Warn().Err(err).Msg("metrics: datadog close/flush error")
			}
			metrics.SetBackend(nil)
		}

	case "", "none":
		log.Debug().Msg("metrics: disabled")
	default:
		log.Warn().Str("backend", name).Msg("metrics: unknown backend; metrics disabled")
	}
	return func() {}
}
