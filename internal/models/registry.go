package models

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/snarg/scribe-engine/internal/config"
)

// ErrModelNotFound is returned when an id is unknown or its files are gone.
var ErrModelNotFound = errors.New("model not found")

// markers are the subdirectories that identify an installed model package.
// Layouts vary across releases, so any one of them is enough.
var markers = []string{"am", "graph", "conf"}

// Descriptor describes one installable offline model.
type Descriptor struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Path         string `json:"path"` // absolute, or relative to the models root
	Size         string `json:"size,omitempty"`
	Description  string `json:"description,omitempty"`
	Language     string `json:"language,omitempty"`
	Recommended  bool   `json:"recommended"`
	AutoDetected bool   `json:"auto_detected"`
}

// Label is the human-readable choice label: "name (size)" or just "name".
func (d Descriptor) Label() string {
	if d.Size != "" {
		return fmt.Sprintf("%s (%s)", d.Name, d.Size)
	}
	return d.Name
}

// Choice is one entry of an ordered model picker.
type Choice struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Options configures a Registry.
type Options struct {
	Root            string
	Catalog         map[string]config.CatalogEntry
	DefaultLanguage string
	Log             zerolog.Logger
}

// Registry merges the configured model catalog with a scan of the models root.
// The merged view is cached until Invalidate is called.
type Registry struct {
	root     string
	catalog  map[string]config.CatalogEntry
	language string
	log      zerolog.Logger

	mu     sync.Mutex
	cached map[string]Descriptor
}

// NewRegistry creates a registry. Nothing is read from disk until the first query.
func NewRegistry(opts Options) *Registry {
	lang := opts.DefaultLanguage
	if lang == "" {
		lang = "ru"
	}
	return &Registry{
		root:     opts.Root,
		catalog:  opts.Catalog,
		language: lang,
		log:      opts.Log,
	}
}

// Root returns the models root directory.
func (r *Registry) Root() string { return r.root }

// Invalidate drops the cached view; the next query rescans.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	r.cached = nil
	r.mu.Unlock()
	r.log.Info().Msg("model registry cache invalidated")
}

// Refresh rebuilds the cached view immediately and returns the number of models.
func (r *Registry) Refresh() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cached = r.build()
	return len(r.cached)
}

// All returns a copy of the merged id -> descriptor mapping.
func (r *Registry) All() map[string]Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cached == nil {
		r.cached = r.build()
	}
	out := make(map[string]Descriptor, len(r.cached))
	for id, d := range r.cached {
		out[id] = d
	}
	return out
}

// ModelCount returns the number of registered models.
func (r *Registry) ModelCount() int { return len(r.All()) }

// Get returns the descriptor for id.
func (r *Registry) Get(id string) (Descriptor, bool) {
	d, ok := r.All()[id]
	return d, ok
}

// IDs returns all model ids in alphabetical order.
func (r *Registry) IDs() []string {
	all := r.All()
	ids := make([]string, 0, len(all))
	for id := range all {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Resolve returns the full path of a model. The path is re-validated on every
// call since a model directory may have been removed after the cache was built.
func (r *Registry) Resolve(id string) (string, error) {
	d, ok := r.Get(id)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrModelNotFound, id)
	}
	full := r.fullPath(d.Path)
	if !IsValidModel(full) {
		r.log.Error().Str("model", id).Str("path", full).Msg("model is registered but missing on disk")
		return "", fmt.Errorf("%w: %q has no model files at %s", ErrModelNotFound, id, full)
	}
	return full, nil
}

// Default picks the model used when none was requested: the first recommended
// model by id, otherwise the first model by id.
func (r *Registry) Default() (string, error) {
	choices := r.Choices()
	if len(choices) == 0 {
		return "", fmt.Errorf("%w: no offline models installed in %s", ErrModelNotFound, r.root)
	}
	return choices[0].ID, nil
}

// Choices returns models ordered recommended-first, then the rest, each group
// alphabetical by id. Model pickers depend on this order.
func (r *Registry) Choices() []Choice {
	all := r.All()
	var rec, rest []Descriptor
	for _, d := range all {
		if d.Recommended {
			rec = append(rec, d)
		} else {
			rest = append(rest, d)
		}
	}
	sort.Slice(rec, func(i, j int) bool { return rec[i].ID < rec[j].ID })
	sort.Slice(rest, func(i, j int) bool { return rest[i].ID < rest[j].ID })

	choices := make([]Choice, 0, len(all))
	for _, d := range append(rec, rest...) {
		choices = append(choices, Choice{ID: d.ID, Label: d.Label()})
	}
	return choices
}

func (r *Registry) fullPath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(r.root, p)
}

// build merges configured and scanned models. Must hold r.mu.
func (r *Registry) build() map[string]Descriptor {
	merged := make(map[string]Descriptor)

	for id, e := range r.catalog {
		full := r.fullPath(e.Path)
		if !IsValidModel(full) {
			r.log.Warn().Str("model", id).Str("path", full).Msg("configured model not installed, skipping")
			continue
		}
		lang := e.Language
		if lang == "" {
			lang = r.language
		}
		name := e.Name
		if name == "" {
			name = id
		}
		merged[id] = Descriptor{
			ID:          id,
			Name:        name,
			Path:        e.Path,
			Size:        e.Size,
			Description: e.Description,
			Language:    lang,
			Recommended: e.Recommended,
		}
	}

	scanned := 0
	for id, d := range r.scan() {
		if _, ok := merged[id]; ok {
			continue
		}
		merged[id] = d
		scanned++
	}

	r.log.Info().
		Int("configured", len(merged)-scanned).
		Int("discovered", scanned).
		Str("root", r.root).
		Msg("model registry built")
	return merged
}

func (r *Registry) scan() map[string]Descriptor {
	found := make(map[string]Descriptor)
	entries, err := os.ReadDir(r.root)
	if err != nil {
		if os.IsNotExist(err) {
			r.log.Warn().Str("root", r.root).Msg("models directory not found")
		} else {
			r.log.Error().Err(err).Str("root", r.root).Msg("failed to scan models directory")
		}
		return found
	}
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if !IsValidModel(filepath.Join(r.root, e.Name())) {
			continue
		}
		id := e.Name()
		found[id] = Descriptor{
			ID:           id,
			Name:         fmt.Sprintf("Vosk Model (%s)", id),
			Path:         id,
			Size:         "Unknown",
			Description:  "Auto-detected model: " + id,
			Language:     r.language,
			AutoDetected: true,
		}
		r.log.Debug().Str("model", id).Msg("discovered model")
	}
	return found
}

// IsValidModel reports whether dir looks like an installed model package:
// it must be a directory containing at least one of am/, graph/ or conf/.
func IsValidModel(dir string) bool {
	st, err := os.Stat(dir)
	if err != nil || !st.IsDir() {
		return false
	}
	for _, m := range markers {
		if st, err := os.Stat(filepath.Join(dir, m)); err == nil && st.IsDir() {
			return true
		}
	}
	return false
}
