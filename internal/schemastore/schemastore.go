package schemastore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNotFound is returned when no schema exists for a (source, dataset).
var ErrNotFound = errors.New("schema not found")

// Store maps (source, dataset) to a JSON-Schema document kept on disk under
// <dataRoot>/schemas/<source>/<dataset>.json.
type Store struct {
	root string
}

func New(dataRoot string) *Store {
	return &Store{root: dataRoot}
}

func (s *Store) path(source, dataset string) string {
	return filepath.Join(s.root, "schemas", filepath.Base(source), filepath.Base(dataset)+".json")
}

// Get loads the schema for a (source, dataset) pair.
func (s *Store) Get(source, dataset string) (map[string]any, error) {
	data, err := os.ReadFile(s.path(source, dataset))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("schema for %s/%s: %w", source, dataset, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read schema %s/%s: %w", source, dataset, err)
	}
	var schema map[string]any
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, fmt.Errorf("decode schema %s/%s: %w", source, dataset, err)
	}
	return schema, nil
}

// Put stores a schema, creating parent directories as needed.
func (s *Store) Put(source, dataset string, schema map[string]any) error {
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return fmt.Errorf("encode schema %s/%s: %w", source, dataset, err)
	}
	path := s.path(source, dataset)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create schema dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write schema %s/%s: %w", source, dataset, err)
	}
	return nil
}
