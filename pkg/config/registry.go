package config

import (
	"fmt"
	"sort"
	"sync"
)

// Registry discovers Plugin and Group declarations at startup and exposes
// them read-only thereafter (spec §4.1: "registry is frozen after startup;
// changes require restart"). It mirrors the teacher's ChainRegistry: a
// defensive-copy constructor, an RWMutex-guarded map, and read helpers that
// never leak internal slices/maps to callers.
type Registry struct {
	plugins map[string]Plugin
	groups  map[string]Group

	mu        sync.RWMutex
	overrides *OverrideStore
	frozen    bool
}

// NewRegistry validates and freezes a set of plugin/group declarations.
// Validation enforces spec §4.1: a plugin listing a disabled plugin as a
// dependency fails registration, and duplicate names are rejected.
func NewRegistry(plugins []Plugin, groups []Group, overrides *OverrideStore) (*Registry, error) {
	byName := make(map[string]Plugin, len(plugins))
	for _, p := range plugins {
		if _, exists := byName[p.Name]; exists {
			return nil, &ConfigError{Plugin: p.Name, Err: ErrDuplicatePlugin}
		}
		byName[p.Name] = p
	}

	// Filter out plugins disabled at discovery time (spec §4.1), but keep
	// them visible for dependency validation below.
	enabled := make(map[string]Plugin, len(byName))
	for name, p := range byName {
		if p.Enabled {
			enabled[name] = p
		}
	}

	for _, p := range byName {
		if !p.Enabled {
			continue
		}
		for _, dep := range p.Dependencies {
			depPlugin, exists := byName[dep]
			if !exists {
				return nil, &ConfigError{Plugin: p.Name, Err: fmt.Errorf("%w: %s", ErrMissingDependency, dep)}
			}
			if !depPlugin.Enabled {
				return nil, &ConfigError{Plugin: p.Name, Err: fmt.Errorf("%w: %s", ErrDisabledDependency, dep)}
			}
		}
	}

	groupsByName := make(map[string]Group, len(groups))
	for _, g := range groups {
		for _, name := range g.Plugins {
			if _, exists := enabled[name]; !exists {
				return nil, &ConfigError{Plugin: name, Err: fmt.Errorf("%w: referenced by group %s", ErrPluginNotFound, g.Name)}
			}
		}
		groupsByName[g.Name] = g
	}

	return &Registry{
		plugins:   enabled,
		groups:    groupsByName,
		overrides: overrides,
		frozen:    true,
	}, nil
}

// List returns all registered plugins, sorted by name.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Plugin, 0, len(r.plugins))
	for _, p := range r.plugins {
		out = append(out, r.withOverride(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns a single plugin by name with its runtime override applied.
func (r *Registry) Get(name string) (Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, exists := r.plugins[name]
	if !exists {
		return Plugin{}, &ConfigError{Plugin: name, Err: ErrPluginNotFound}
	}
	return r.withOverride(p), nil
}

// GetGroup returns a plugin group by name.
func (r *Registry) GetGroup(name string) (Group, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, exists := r.groups[name]
	if !exists {
		return Group{}, &ConfigError{Plugin: name, Err: ErrGroupNotFound}
	}
	return g, nil
}

// Dependencies returns the (enabled) dependency plugins of a plugin, in
// declared order.
func (r *Registry) Dependencies(name string) ([]Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, exists := r.plugins[name]
	if !exists {
		return nil, &ConfigError{Plugin: name, Err: ErrPluginNotFound}
	}
	deps := make([]Plugin, 0, len(p.Dependencies))
	for _, dep := range p.Dependencies {
		depPlugin, exists := r.plugins[dep]
		if !exists {
			continue // disabled/unregistered dependency already rejected at construction
		}
		deps = append(deps, r.withOverride(depPlugin))
	}
	return deps, nil
}

// withOverride applies the runtime schedule_enabled override, which is
// authoritative over the static declaration (spec §4.1, §6).
func (r *Registry) withOverride(p Plugin) Plugin {
	if r.overrides == nil {
		return p
	}
	if enabled, ok := r.overrides.Get(p.Name); ok {
		p.ScheduleEnabled = enabled
	}
	return p
}

// EffectiveScheduleEnabled reports whether cron/group dispatch should
// consider this plugin, honoring the runtime override.
func (r *Registry) EffectiveScheduleEnabled(name string) (bool, error) {
	p, err := r.Get(name)
	if err != nil {
		return false, err
	}
	return p.ScheduleEnabled, nil
}
