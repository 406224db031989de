package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// CatalogEntry is one statically configured offline model.
//
// Example catalog file:
//
//	small-ru-0.22:
//	  name: Vosk Small Russian
//	  path: vosk-model-small-ru-0.22
//	  size: 45 MB
//	  recommended: true
//	  language: ru
type CatalogEntry struct {
	Name        string `yaml:"name"`
	Path        string `yaml:"path"`
	Size        string `yaml:"size"`
	Description string `yaml:"description"`
	Language    string `yaml:"language"`
	Recommended bool   `yaml:"recommended"`
}

// LoadCatalog reads the static model catalog. An empty path yields an empty catalog.
func LoadCatalog(path string) (map[string]CatalogEntry, error) {
	if path == "" {
		return map[string]CatalogEntry{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model catalog: %w", err)
	}
	catalog := make(map[string]CatalogEntry)
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("parse model catalog %s: %w", path, err)
	}
	for id, e := range catalog {
		if e.Path == "" {
			return nil, fmt.Errorf("model catalog entry %q has no path", id)
		}
	}
	return catalog, nil
}
