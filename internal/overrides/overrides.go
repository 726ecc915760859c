// Package overrides holds domain-supplied name corrections that outrank
// every other resolution layer.
package overrides

import (
	"os"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/pension-etl/internal/normalize"
)

// Map is a read-only name -> company_id correction table, loaded once per
// run. Keys are normalized at load so lookups use the same canonical form
// as the rest of the subsystem.
type Map struct {
	entries map[string]string
}

// Load reads the override file (YAML mapping of raw name to company id).
// A missing path yields an empty map, not an error: overrides are optional.
func Load(path string) (*Map, error) {
	if path == "" {
		return &Map{entries: map[string]string{}}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			zap.L().Debug("overrides: file not found, using empty map", zap.String("path", path))
			return &Map{entries: map[string]string{}}, nil
		}
		return nil, eris.Wrapf(err, "overrides: read %s", path)
	}

	var raw map[string]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, eris.Wrapf(err, "overrides: parse %s", path)
	}

	entries := make(map[string]string, len(raw))
	for name, companyID := range raw {
		key := normalize.Name(name)
		if key == "" || companyID == "" {
			zap.L().Warn("overrides: skipping blank entry", zap.String("name", name))
			continue
		}
		entries[key] = companyID
	}

	zap.L().Info("overrides: loaded", zap.String("path", path), zap.Int("entries", len(entries)))
	return &Map{entries: entries}, nil
}

// FromEntries builds a Map from already-known pairs. Used by tests and by
// callers that source corrections from somewhere other than a file.
func FromEntries(raw map[string]string) *Map {
	entries := make(map[string]string, len(raw))
	for name, companyID := range raw {
		entries[normalize.Name(name)] = companyID
	}
	return &Map{entries: entries}
}

// Lookup returns the override company id for a normalized name, if any.
func (m *Map) Lookup(normalizedName string) (string, bool) {
	id, ok := m.entries[normalizedName]
	return id, ok
}

// Len returns the number of loaded overrides.
func (m *Map) Len() int {
	return len(m.entries)
}
