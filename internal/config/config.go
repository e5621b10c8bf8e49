// Package config loads batchload pipeline files.
//
// A pipeline names one destination database and the loads to run against it.
// Files are JSON or YAML, chosen by extension. A .env file next to the
// pipeline (or named explicitly) is loaded first so ${VAR} references in the
// DSN resolve.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Default runtime values applied by Load when a field is zero.
const (
	DefaultBatchSize          = 1000
	DefaultMaxConcurrentLoads = 4
)

type Pipeline struct {
	Job     string  `json:"job" yaml:"job"`
	Storage Storage `json:"storage" yaml:"storage"`
	Runtime Runtime `json:"runtime" yaml:"runtime"`
	Loads   []Load  `json:"loads" yaml:"loads"`
}

type Storage struct {
	// Backend kind: "postgres" | "mssql" | "sqlite"
	Kind string `json:"kind" yaml:"kind"`
	DSN  string `json:"dsn" yaml:"dsn"`

	// EnsureTrackingTables creates load_batches and change_log before the
	// first load. Nil means true.
	EnsureTrackingTables *bool `json:"ensure_tracking_tables,omitempty" yaml:"ensure_tracking_tables,omitempty"`
}

// EnsureTracking reports whether tracking tables should be created.
func (s Storage) EnsureTracking() bool {
	return s.EnsureTrackingTables == nil || *s.EnsureTrackingTables
}

// Runtime controls pipeline execution behavior.
type Runtime struct {
	BatchSize int `json:"batch_size" yaml:"batch_size"`

	// MaxConcurrentLoads bounds how many loads run at once. Loads into the
	// same table always run one after another.
	MaxConcurrentLoads int `json:"max_concurrent_loads" yaml:"max_concurrent_loads"`
}

// Load is one dataset written into one table.
type Load struct {
	Name          string `json:"name" yaml:"name"`
	Table         string `json:"table" yaml:"table"`
	PrimaryKey    string `json:"primary_key" yaml:"primary_key"`
	MergeStrategy string `json:"merge_strategy" yaml:"merge_strategy"`

	// LoadID correlates batch and change rows. Generated when empty.
	LoadID     string `json:"load_id,omitempty" yaml:"load_id,omitempty"`
	SourceName string `json:"source_name,omitempty" yaml:"source_name,omitempty"`

	// ColumnTypes overrides the destination's reported type per named column.
	ColumnTypes map[string]string `json:"column_types,omitempty" yaml:"column_types,omitempty"`

	Source Source `json:"source" yaml:"source"`
}

// DisplayName is Name, or the table when the load is unnamed.
func (l Load) DisplayName() string {
	if l.Name != "" {
		return l.Name
	}
	return l.Table
}

// Source locates the input of a load.
type Source struct {
	// Kind: "csv" | "json" | "html"
	Kind    string  `json:"kind" yaml:"kind"`
	Path    string  `json:"path" yaml:"path"`
	Options Options `json:"options,omitempty" yaml:"options,omitempty"`
}

// LoadFile reads the pipeline at path. envFile, when non-empty, must exist;
// otherwise a ".env" beside the pipeline is loaded if present. Variables
// already set in the environment win over the file.
func LoadFile(path, envFile string) (Pipeline, error) {
	if err := loadEnv(path, envFile); err != nil {
		return Pipeline{}, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Pipeline{}, fmt.Errorf("read config: %w", err)
	}

	p, err := Parse(raw, filepath.Ext(path))
	if err != nil {
		return Pipeline{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	baseDir := filepath.Dir(path)
	for i := range p.Loads {
		src := &p.Loads[i].Source
		if src.Path != "" && src.Path != "-" && !isURL(src.Path) && !filepath.IsAbs(src.Path) {
			src.Path = filepath.Join(baseDir, src.Path)
		}
	}
	return p, nil
}

// Parse decodes a pipeline document. ext selects the format (".yaml"/".yml"
// or JSON for anything else) and defaults are applied.
func Parse(raw []byte, ext string) (Pipeline, error) {
	var p Pipeline
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&p); err != nil {
			return Pipeline{}, err
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&p); err != nil {
			return Pipeline{}, err
		}
	}

	p.Storage.DSN = os.ExpandEnv(p.Storage.DSN)
	if p.Runtime.BatchSize == 0 {
		p.Runtime.BatchSize = DefaultBatchSize
	}
	if p.Runtime.MaxConcurrentLoads == 0 {
		p.Runtime.MaxConcurrentLoads = DefaultMaxConcurrentLoads
	}
	return p, nil
}

func loadEnv(cfgPath, envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("load env file %s: %w", envFile, err)
		}
		return nil
	}
	candidate := filepath.Join(filepath.Dir(cfgPath), ".env")
	if err := godotenv.Load(candidate); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load env file %s: %w", candidate, err)
	}
	return nil
}

func isURL(p string) bool {
	return strings.HasPrefix(p, "http://") || strings.HasPrefix(p, "https://")
}
