// Package routes holds the namespace to upstream base URL table.
package routes

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	json "github.com/goccy/go-json"
	toml "github.com/pelletier/go-toml/v2"
	"go.uber.org/multierr"
)

// ErrInvalidTable is wrapped by every validation failure reported by Load.
var ErrInvalidTable = errors.New("invalid route table")

// Table maps a namespace (the first path segment after /api/) to an upstream
// base URL. It is read-only after construction and safe for concurrent use.
type Table struct {
	entries map[string]string
}

// New builds a Table from the given entries. The map is copied.
func New(entries map[string]string) (*Table, error) {
	raw := make(map[string]any, len(entries))
	for k, v := range entries {
		raw[k] = v
	}
	return build(raw)
}

// Load reads a flat namespace -> base URL definition from path. Files ending in
// .toml are parsed as TOML; everything else is parsed as JSON. Any problem with
// the source fails the whole load; a partial table is never returned.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("routes: read %s: %w", path, err)
	}

	raw := make(map[string]any)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, &raw)
	default:
		err = json.Unmarshal(data, &raw)
	}
	if err != nil {
		return nil, fmt.Errorf("routes: parse %s: %w", path, err)
	}

	t, err := build(raw)
	if err != nil {
		return nil, fmt.Errorf("routes: validate %s: %w", path, err)
	}
	return t, nil
}

func build(raw map[string]any) (*Table, error) {
	entries := make(map[string]string, len(raw))

	var errs error
	for _, ns := range sortedKeys(raw) {
		base, ok := raw[ns].(string)
		switch {
		case ns == "":
			errs = multierr.Append(errs, fmt.Errorf("%w: empty namespace", ErrInvalidTable))
		case strings.Contains(ns, "/"):
			errs = multierr.Append(errs, fmt.Errorf("%w: namespace %q contains '/'", ErrInvalidTable, ns))
		case !ok:
			errs = multierr.Append(errs, fmt.Errorf("%w: namespace %q: base URL must be a string, got %T", ErrInvalidTable, ns, raw[ns]))
		case base == "":
			errs = multierr.Append(errs, fmt.Errorf("%w: namespace %q: empty base URL", ErrInvalidTable, ns))
		default:
			entries[ns] = base
		}
	}
	if errs != nil {
		return nil, errs
	}

	return &Table{entries: entries}, nil
}

// Resolve returns the upstream base URL configured for namespace.
func (t *Table) Resolve(namespace string) (string, bool) {
	base, ok := t.entries[namespace]
	return base, ok
}

// Namespaces returns the configured namespaces in sorted order.
func (t *Table) Namespaces() []string {
	return sortedKeys(t.entries)
}

// Len returns the number of configured namespaces.
func (t *Table) Len() int {
	return len(t.entries)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
