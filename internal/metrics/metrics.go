// Package metrics is the process-wide metrics facade.
//
// Core code records through the package-level functions and never imports a
// concrete backend. The command wires one backend at startup via SetBackend;
// until then every call is a no-op.
package metrics

import (
	"sync"
	"time"
)

// Labels are metric dimensions. Backends decide which keys they keep.
type Labels map[string]string

// Backend receives metric observations.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
}

// flusher is implemented by buffering backends.
type flusher interface {
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}

var (
	mu      sync.RWMutex
	current Backend = nopBackend{}
)

// SetBackend installs b as the process backend. A nil b restores the no-op.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		current = nopBackend{}
		return
	}
	current = b
}

func backend() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// IncCounter adds delta to the named counter.
func IncCounter(name string, delta float64, labels Labels) {
	backend().IncCounter(name, delta, labels)
}

// ObserveHistogram records one sample of the named distribution.
func ObserveHistogram(name string, value float64, labels Labels) {
	backend().ObserveHistogram(name, value, labels)
}

// Flush pushes buffered observations when the backend buffers, else no-op.
func Flush() error {
	if f, ok := backend().(flusher); ok {
		return f.Flush()
	}
	return nil
}

// RecordLoad emits the standard series for one finished load.
func RecordLoad(table, status string, inserted, updated int, sourceBytes int64, d time.Duration) {
	l := Labels{"table": table, "status": status}
	IncCounter("load_runs_total", 1, l)
	IncCounter("load_rows_total", float64(inserted), Labels{"table": table, "kind": "inserted"})
	IncCounter("load_rows_total", float64(updated), Labels{"table": table, "kind": "updated"})
	ObserveHistogram("load_duration_seconds", d.Seconds(), l)
	if sourceBytes > 0 {
		ObserveHistogram("load_source_bytes", float64(sourceBytes), l)
	}
}
