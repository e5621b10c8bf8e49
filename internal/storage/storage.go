// Package storage defines the destination backends the loader writes to.
//
// A backend bundles everything one load needs from a database: pooled
// sessions, column type lookup, batch tracking and change audit. Backends
// register themselves from init() under a kind ("postgres", "sqlite",
// "mssql") and are constructed with New.
package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"batchload/internal/loader"
)

// Config is the minimal configuration needed to open a backend.
//
// Kind must match a registered backend. DSN is passed through to the backend
// factory; validation is backend-specific.
type Config struct {
	Kind string
	DSN  string
}

// Backend is a destination database as seen by the loader.
type Backend interface {
	loader.ConnectionProvider
	loader.SchemaProvider
	loader.BatchTracker
	loader.ChangeRecorder

	// Dialect returns the statement dialect matching this database.
	Dialect() loader.Dialect

	// EnsureTracking creates the batch tracking and change audit tables when
	// missing. It is idempotent.
	EnsureTracking(ctx context.Context) error

	// Batches lists the persisted batch states of a load, ordered by number.
	Batches(ctx context.Context, loadID string) ([]BatchRecord, error)

	// Close releases pooled connections. Call once.
	Close()
}

// BatchRecord is one persisted row of the batch tracking table.
type BatchRecord struct {
	LoadID       string
	Number       int
	Table        string
	Source       string
	TotalBatches int
	RecordCount  int
	Processed    int
	Inserted     int
	Updated      int
	Failed       int
	Status       string
	Error        string
	StartedAt    time.Time
	CompletedAt  *time.Time
}

// Factory opens a backend for cfg.
type Factory func(ctx context.Context, cfg Config) (Backend, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register makes a backend available under kind. It is meant to be called
// from a backend package's init().
//
// Registering an empty kind, a nil factory or the same kind twice panics, so
// ambiguous backend selection fails at startup.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}
	factories[kind] = f
}

// New constructs a Backend using the factory registered for cfg.Kind.
func New(ctx context.Context, cfg Config) (Backend, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing storage.kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("storage: unsupported storage.kind=%s (registered: %v)", cfg.Kind, Kinds())
	}
	return f(ctx, cfg)
}

// Kinds returns the registered backend kinds, sorted.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
