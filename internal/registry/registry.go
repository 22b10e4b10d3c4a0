// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package registry loads source configurations and exposes every upstream
// source through the provider.Source interface. Generic sources share one
// data-driven adapter; custom sources resolve code factories by class name.
package registry

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/kuroibara/kuroibara/pkg/provider"
)

// Factory builds a custom source from its descriptor. Custom adapters
// register under their class name at init time.
type Factory func(desc provider.Descriptor, env *Env) (provider.Source, error)

var (
	factoryMu sync.RWMutex
	factories = map[string]Factory{}
)

// RegisterFactory makes a custom adapter class available to the loader.
// Later registrations for the same name win, which lets tests stub classes.
func RegisterFactory(className string, f Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[className] = f
}

func lookupFactory(className string) (Factory, bool) {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	f, ok := factories[className]
	return f, ok
}

// Entry is one loaded source plus its registry-level state. Disabled is set
// at load for sources that cannot run (solver required but unconfigured);
// the health monitor seeds its status from it.
type Entry struct {
	Source   provider.Source
	Disabled bool
	Reason   string
}

// Registry is the immutable set of loaded sources. Reload builds a new one.
type Registry struct {
	log     *zap.Logger
	env     *Env
	entries map[string]*Entry
	order   []string
}

// Load merges the built-in source set with a community configuration
// directory. On duplicate id the community entry wins. Invalid entries are
// logged and skipped; they never prevent startup.
func Load(log *zap.Logger, env *Env, builtin fs.FS, communityDir string) (*Registry, error) {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Registry{
		log:     log.Named("registry"),
		env:     env,
		entries: make(map[string]*Entry),
	}

	configs := make(map[string]*sourceConfig)
	if builtin != nil {
		r.collectFS(builtin, configs)
	}
	if communityDir != "" {
		r.collectDir(communityDir, configs)
	}

	for id, cfg := range configs {
		entry, err := r.build(cfg)
		if err != nil {
			r.log.Warn("skipping source", zap.String("source", id), zap.Error(err))
			continue
		}
		r.entries[id] = entry
		r.order = append(r.order, id)
	}
	// Deterministic listing order: priority, then id.
	sort.Slice(r.order, func(i, j int) bool {
		a, b := r.entries[r.order[i]].Source.Descriptor(), r.entries[r.order[j]].Source.Descriptor()
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.ID < b.ID
	})

	r.log.Info("sources loaded",
		zap.Int("total", len(r.entries)),
		zap.Int("configured", len(configs)))
	return r, nil
}

func (r *Registry) collectFS(fsys fs.FS, configs map[string]*sourceConfig) {
	fs.WalkDir(fsys, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".json") {
			return nil
		}
		data, err := fs.ReadFile(fsys, path)
		if err != nil {
			r.log.Warn("unreadable source file", zap.String("file", path), zap.Error(err))
			return nil
		}
		r.collectBytes(data, path, configs)
		return nil
	})
}

func (r *Registry) collectDir(dir string, configs map[string]*sourceConfig) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		r.log.Warn("community source directory unreadable", zap.String("dir", dir), zap.Error(err))
		return
	}
	for _, de := range entries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, de.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			r.log.Warn("unreadable source file", zap.String("file", path), zap.Error(err))
			continue
		}
		r.collectBytes(data, path, configs)
	}
}

// collectBytes parses one file, which may hold a single entry or an array.
// Community files are collected after built-in ones, so a plain overwrite
// gives duplicate ids to the community entry.
func (r *Registry) collectBytes(data []byte, path string, configs map[string]*sourceConfig) {
	if strings.HasPrefix(strings.TrimSpace(string(data)), "[") {
		for _, item := range gjson.ParseBytes(data).Array() {
			r.addConfig([]byte(item.Raw), path, configs)
		}
		return
	}
	r.addConfig(data, path, configs)
}

func (r *Registry) addConfig(data []byte, path string, configs map[string]*sourceConfig) {
	cfg, err := parseSourceConfig(data)
	if err != nil {
		r.log.Warn("invalid source entry", zap.String("file", path), zap.Error(err))
		return
	}
	configs[cfg.ID] = cfg
}

func (r *Registry) build(cfg *sourceConfig) (*Entry, error) {
	desc := cfg.descriptor()

	var src provider.Source
	if desc.Kind == provider.KindCustom {
		factory, ok := lookupFactory(cfg.ClassName)
		if !ok {
			return nil, &unknownClassError{cfg.ClassName}
		}
		built, err := factory(desc, r.env)
		if err != nil {
			return nil, err
		}
		src = built
	} else {
		src = newGenericSource(desc, r.env)
	}

	entry := &Entry{Source: src}
	if desc.RequiresSolver && r.env.Solver == nil {
		entry.Disabled = true
		entry.Reason = "requires challenge solver, none configured"
	}

	// Register the source's rate spec; missing values fall back to the
	// controller defaults.
	if r.env.Rate != nil {
		r.env.Rate.Configure(desc.ID, desc.Rate, desc.RequestTimeout)
	}
	return entry, nil
}

type unknownClassError struct{ class string }

func (e *unknownClassError) Error() string { return "unknown source class " + e.class }

// Get returns the source for id.
func (r *Registry) Get(id string) (provider.Source, bool) {
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.Source, true
}

// Entry returns the full registry entry for id.
func (r *Registry) Entry(id string) (*Entry, bool) {
	e, ok := r.entries[id]
	return e, ok
}

// List returns every source in priority order.
func (r *Registry) List() []provider.Source {
	out := make([]provider.Source, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entries[id].Source)
	}
	return out
}

// ByTier returns sources of one tier in priority order, skipping entries
// disabled at load.
func (r *Registry) ByTier(tier provider.Tier) []provider.Source {
	var out []provider.Source
	for _, id := range r.order {
		e := r.entries[id]
		if e.Disabled {
			continue
		}
		if e.Source.Descriptor().Tier == tier {
			out = append(out, e.Source)
		}
	}
	return out
}

// Len reports the number of loaded sources.
func (r *Registry) Len() int { return len(r.entries) }
