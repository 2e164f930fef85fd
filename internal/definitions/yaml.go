package definitions

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/hrflow/internal/store"
	"github.com/rendis/hrflow/pkg/schema"
)

// ParseYAML decodes a definition file. Keys follow the JSON field names
// (depends_on, due_in, input_schema), so the document goes through a generic
// map and then the JSON decoder.
func ParseYAML(data []byte) (*schema.WorkflowDefinition, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("empty definition document")
	}
	body, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("convert definition: %w", err)
	}
	var def schema.WorkflowDefinition
	dec := json.NewDecoder(strings.NewReader(string(body)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("decode definition: %w", err)
	}
	return &def, nil
}

// LoadFile reads and parses one definition file. A definition without a name
// takes the file's base name.
func LoadFile(path string) (*schema.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	def, err := ParseYAML(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if def.Name == "" {
		base := filepath.Base(path)
		def.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return def, nil
}

// LoadResult reports what LoadDir did with each file.
type LoadResult struct {
	File    string `json:"file"`
	Name    string `json:"name,omitempty"`
	Version int    `json:"version,omitempty"`
	Changed bool   `json:"changed"`
	Error   string `json:"error,omitempty"`
}

// LoadDir registers every *.yaml and *.yml file in dir, in file name order.
// Unchanged definitions keep their current version. A bad file is reported
// in its result and does not stop the others; the returned error is the
// first failure.
func (r *Registry) LoadDir(ctx context.Context, dir, createdBy string) ([]LoadResult, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read definitions dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".yaml", ".yml":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)

	results := make([]LoadResult, 0, len(files))
	var firstErr error
	for _, path := range files {
		res := LoadResult{File: filepath.Base(path)}
		def, err := LoadFile(path)
		if err == nil {
			res.Name = def.Name
			var stored *store.Definition
			stored, res.Changed, err = r.RegisterIfChanged(ctx, *def, createdBy)
			if err == nil {
				res.Version = stored.Version
			}
		}
		if err != nil {
			res.Error = err.Error()
			if firstErr == nil {
				firstErr = err
			}
			r.logger.Warn("definition file rejected", "file", res.File, "error", err)
		}
		results = append(results, res)
	}
	return results, firstErr
}
