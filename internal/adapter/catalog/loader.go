// Package catalog loads query and index metadata from YAML.
package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/guillermoBallester/querywatch/internal/core/domain"
	"gopkg.in/yaml.v3"
)

// File is the on-disk catalog: the monitored queries and the indexes the
// advisor assesses.
type File struct {
	Queries []domain.QueryInfo `yaml:"queries"`
	Indexes []domain.IndexDef  `yaml:"indexes"`
}

// Writer is the registry a File is applied to.
type Writer interface {
	RegisterQuery(q domain.QueryInfo) (domain.QueryInfo, error)
	UpsertIndex(def domain.IndexDef, at time.Time) (domain.IndexDef, *domain.IndexDelta, error)
}

// LoadFromFile reads a YAML catalog file and returns a validated File.
func LoadFromFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates catalog YAML. Unknown keys are rejected.
func Parse(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing catalog YAML: %w", err)
	}

	if err := validate(&f); err != nil {
		return nil, fmt.Errorf("validating catalog: %w", err)
	}
	return &f, nil
}

func validate(f *File) error {
	queries := make(map[string]bool, len(f.Queries))
	for i, q := range f.Queries {
		if q.ID == "" {
			return fmt.Errorf("queries[%d].id must not be empty", i)
		}
		if queries[q.ID] {
			return fmt.Errorf("queries[%d]: duplicate id %q", i, q.ID)
		}
		queries[q.ID] = true
	}

	indexes := make(map[string]bool, len(f.Indexes))
	for i, def := range f.Indexes {
		def = def.Normalize()
		if err := domain.ValidateIndex(def); err != nil {
			return fmt.Errorf("indexes[%d]: %w", i, err)
		}
		key := def.Table + "." + def.Name
		if indexes[key] {
			return fmt.Errorf("indexes[%d]: duplicate index %q on %s", i, def.Name, def.Table)
		}
		indexes[key] = true
	}
	return nil
}

// Apply registers every query and index. Loaded indexes are the starting
// state, so their creation deltas are discarded rather than correlated.
func (f *File) Apply(w Writer, at time.Time) error {
	for _, q := range f.Queries {
		if _, err := w.RegisterQuery(q); err != nil {
			return fmt.Errorf("registering query %q: %w", q.ID, err)
		}
	}
	for _, def := range f.Indexes {
		if _, _, err := w.UpsertIndex(def, at); err != nil {
			return fmt.Errorf("registering index %q: %w", def.Name, err)
		}
	}
	return nil
}
