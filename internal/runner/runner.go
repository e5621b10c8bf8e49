// Package runner executes a pipeline: it opens the destination backend, reads
// every load's source and hands the datasets to the chunked loader.
//
// Loads into different tables run concurrently, bounded by
// runtime.max_concurrent_loads. Loads into the same table run one after
// another in config order, so their batch and change rows interleave
// predictably.
package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"batchload/internal/config"
	"batchload/internal/loader"
	"batchload/internal/source"
	"batchload/internal/storage"
)

type Runner struct {
	// storage-agnostic factory seam
	NewBackend func(ctx context.Context, cfg storage.Config) (storage.Backend, error)

	ReadSource func(ctx context.Context, spec source.Spec) (loader.Dataset, error)
	NewLoadID  func() string

	Logger zerolog.Logger
}

func NewDefaultRunner(log zerolog.Logger) *Runner {
	return &Runner{
		NewBackend: storage.New,
		ReadSource: source.Read,
		NewLoadID:  func() string { return uuid.NewString() },
		Logger:     log,
	}
}

// Result is the outcome of one configured load.
type Result struct {
	Name string
	loader.Metrics
	Err error
}

// Run executes every load of cfg and returns one Result per load, in config
// order. The error joins all load failures; a failing load does not stop the
// others.
func (r *Runner) Run(ctx context.Context, cfg config.Pipeline) ([]Result, error) {
	if issues := config.ValidatePipeline(cfg); config.HasErrors(issues) {
		return nil, invalidConfig(issues)
	}

	be, err := r.NewBackend(ctx, storage.Config{Kind: cfg.Storage.Kind, DSN: cfg.Storage.DSN})
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	defer be.Close()

	if cfg.Storage.EnsureTracking() {
		if err := be.EnsureTracking(ctx); err != nil {
			return nil, fmt.Errorf("ensure tracking tables: %w", err)
		}
	}

	ld, err := loader.New(loader.Options{
		Connections: be,
		Schemas:     be,
		Tracker:     be,
		Changes:     be,
		Dialect:     be.Dialect(),
		BatchSize:   cfg.Runtime.BatchSize,
		Logger:      &r.Logger,
	})
	if err != nil {
		return nil, err
	}

	loads := make([]config.Load, len(cfg.Loads))
	copy(loads, cfg.Loads)
	for i := range loads {
		if loads[i].LoadID == "" {
			loads[i].LoadID = r.NewLoadID()
		}
	}

	results := make([]Result, len(loads))
	limit := cfg.Runtime.MaxConcurrentLoads
	if limit <= 0 {
		limit = config.DefaultMaxConcurrentLoads
	}

	r.Logger.Info().
		Str("job", cfg.Job).
		Str("storage", cfg.Storage.Kind).
		Int("loads", len(loads)).
		Int("max_concurrent_loads", limit).
		Msg("stage=pipeline start")

	var g errgroup.Group
	g.SetLimit(limit)
	for _, idxs := range groupByTable(loads) {
		g.Go(func() error {
			for _, i := range idxs {
				// Each goroutine owns its own slots of results.
				results[i] = r.runOne(ctx, ld, loads[i])
			}
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	for _, res := range results {
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("load %s: %w", res.Name, res.Err))
		}
	}
	r.Logger.Info().Int("loads", len(results)).Int("failed", len(errs)).Msg("stage=pipeline done")
	return results, errors.Join(errs...)
}

func (r *Runner) runOne(ctx context.Context, ld *loader.ChunkedLoader, l config.Load) Result {
	res := Result{Name: l.DisplayName()}
	res.Table, res.LoadID = l.Table, l.LoadID

	log := r.Logger.With().Str("load", res.Name).Str("load_id", l.LoadID).Str("table", l.Table).Logger()

	srcName := l.SourceName
	if srcName == "" {
		srcName = l.Source.Path
	}
	res.Source = srcName

	ds, err := r.ReadSource(log.WithContext(ctx), source.SpecFrom(l.Source))
	if err != nil {
		log.Error().Err(err).Str("path", l.Source.Path).Msg("stage=source failed")
		res.Status, res.ErrorMessage, res.Err = loader.StatusFailed, err.Error(), err
		return res
	}
	log.Info().Int("records", ds.Len()).Strs("columns", ds.Columns).Msg("stage=source ok")

	strategy, err := loader.ParseMergeStrategy(l.MergeStrategy)
	if err != nil {
		res.Status, res.ErrorMessage, res.Err = loader.StatusFailed, err.Error(), err
		return res
	}

	req := loader.LoadRequest{
		Table:       l.Table,
		PrimaryKey:  l.PrimaryKey,
		Source:      srcName,
		LoadID:      l.LoadID,
		Strategy:    strategy,
		ColumnTypes: l.ColumnTypes,
	}
	res.Err = ld.LoadWithTracking(ctx, ds, req, &res.Metrics)
	return res
}

// groupByTable returns load indexes grouped per destination table, groups in
// order of first appearance.
func groupByTable(loads []config.Load) [][]int {
	pos := map[string]int{}
	var groups [][]int
	for i, l := range loads {
		key := strings.ToLower(l.Table)
		g, ok := pos[key]
		if !ok {
			g = len(groups)
			pos[key] = g
			groups = append(groups, nil)
		}
		groups[g] = append(groups[g], i)
	}
	return groups
}

// Batches opens the configured backend and lists the tracked batches of
// loadID.
func (r *Runner) Batches(ctx context.Context, cfg config.Storage, loadID string) ([]storage.BatchRecord, error) {
	if strings.TrimSpace(loadID) == "" {
		return nil, fmt.Errorf("load id is required")
	}
	be, err := r.NewBackend(ctx, storage.Config{Kind: cfg.Kind, DSN: cfg.DSN})
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	defer be.Close()

	return be.Batches(ctx, loadID)
}

// ConfigError carries the validation issues that made a pipeline unusable.
type ConfigError struct {
	Issues []config.Issue
}

func (e *ConfigError) Error() string {
	msgs := make([]string, 0, len(e.Issues))
	for _, iss := range e.Issues {
		if iss.Severity == config.SeverityError {
			msgs = append(msgs, iss.Path+": "+iss.Message)
		}
	}
	return "invalid pipeline config: " + strings.Join(msgs, "; ")
}

func invalidConfig(issues []config.Issue) error {
	return &ConfigError{Issues: issues}
}
