package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// Registry holds the live configuration behind an atomic pointer so readers
// never observe a partially applied reload. A failed reload keeps the
// previous configuration in place.
type Registry struct {
	current atomic.Pointer[Config]
	path    string
}

// NewRegistry loads the initial configuration from path (or the default
// search locations when path is empty) and returns a registry around it.
func NewRegistry(path string) (*Registry, error) {
	cfg, err := LoadWithPath(path)
	if err != nil {
		return nil, err
	}
	r := &Registry{path: path}
	r.current.Store(cfg)
	return r, nil
}

// NewStaticRegistry wraps an already-built configuration. Reload and Save
// are no-ops against the default path; intended for tests and embedding.
func NewStaticRegistry(cfg *Config) *Registry {
	r := &Registry{}
	r.current.Store(cfg)
	return r
}

// Current returns the active configuration snapshot.
func (r *Registry) Current() *Config {
	return r.current.Load()
}

// Reload re-reads the configuration from disk and atomically swaps it in.
// On error the active configuration is left untouched.
func (r *Registry) Reload() (*Config, error) {
	cfg, err := LoadWithPath(r.path)
	if err != nil {
		return nil, err
	}
	r.current.Store(cfg)
	return cfg, nil
}

// Save writes the active configuration back to its yaml file. Used to
// persist state discovered at runtime, such as chats a connector has seen.
// A registry without a backing file (static, or default search locations)
// has nowhere to write and Save is a no-op.
func (r *Registry) Save() error {
	cfg := r.current.Load()
	path := r.path
	if path == "" {
		return nil
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, "config.yaml")
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return os.Rename(tmp, path)
}

// Update applies fn to a copy of the active configuration and swaps the
// result in. The copy is shallow at the section level; fn must replace maps
// it mutates rather than writing into shared ones.
func (r *Registry) Update(fn func(*Config)) *Config {
	cur := r.current.Load()
	next := *cur
	fn(&next)
	r.current.Store(&next)
	return &next
}
