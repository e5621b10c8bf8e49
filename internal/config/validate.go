package config

import (
	"fmt"
	"strings"

	"batchload/internal/loader"
)

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one finding of ValidatePipeline. Path points into the document,
// e.g. "loads[2].primary_key".
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s: %s", i.Severity, i.Path, i.Message)
}

var (
	knownStorageKinds = map[string]bool{"postgres": true, "mssql": true, "sqlite": true}
	knownSourceKinds  = map[string]bool{"csv": true, "json": true, "html": true}
)

// ValidatePipeline checks p without touching the database or the sources.
func ValidatePipeline(p Pipeline) []Issue {
	var issues []Issue
	add := func(sev Severity, path, format string, args ...any) {
		issues = append(issues, Issue{Severity: sev, Path: path, Message: fmt.Sprintf(format, args...)})
	}

	switch {
	case p.Storage.Kind == "":
		add(SeverityError, "storage.kind", "must be set")
	case !knownStorageKinds[p.Storage.Kind]:
		add(SeverityError, "storage.kind", "unsupported kind %q", p.Storage.Kind)
	}
	if strings.TrimSpace(p.Storage.DSN) == "" {
		add(SeverityError, "storage.dsn", "must be set")
	}

	if p.Runtime.BatchSize < 0 {
		add(SeverityError, "runtime.batch_size", "must be positive, got %d", p.Runtime.BatchSize)
	}
	if p.Runtime.MaxConcurrentLoads < 0 {
		add(SeverityError, "runtime.max_concurrent_loads", "must be positive, got %d", p.Runtime.MaxConcurrentLoads)
	}

	if len(p.Loads) == 0 {
		add(SeverityError, "loads", "must not be empty")
	}

	seenNames := map[string]int{}
	seenIDs := map[string]int{}
	for i, l := range p.Loads {
		at := func(field string) string { return fmt.Sprintf("loads[%d].%s", i, field) }

		if l.Table == "" {
			add(SeverityError, at("table"), "must be set")
		}
		if l.PrimaryKey == "" {
			add(SeverityError, at("primary_key"), "must be set")
		}
		if _, err := loader.ParseMergeStrategy(l.MergeStrategy); err != nil {
			add(SeverityError, at("merge_strategy"), "%v", err)
		}

		switch {
		case l.Source.Kind == "":
			add(SeverityError, at("source.kind"), "must be set")
		case !knownSourceKinds[l.Source.Kind]:
			add(SeverityError, at("source.kind"), "unsupported kind %q", l.Source.Kind)
		}
		if l.Source.Path == "" {
			add(SeverityError, at("source.path"), "must be set")
		}

		if l.Name != "" {
			if j, dup := seenNames[l.Name]; dup {
				add(SeverityWarning, at("name"), "duplicate of loads[%d].name %q", j, l.Name)
			} else {
				seenNames[l.Name] = i
			}
		}
		if l.LoadID != "" {
			if j, dup := seenIDs[l.LoadID]; dup {
				add(SeverityError, at("load_id"), "duplicate of loads[%d].load_id; batch rows would collide", j)
			} else {
				seenIDs[l.LoadID] = i
			}
		}
	}
	return issues
}

// HasErrors reports whether any issue is an error.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}
