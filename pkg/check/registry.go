package check

import (
	"fmt"
	"maps"
	"slices"
)

// Factory builds a Check from its configuration entry.
type Factory func(config map[string]any) (Check, error)

// Registry maps check type names to factories. Types are registered once
// at startup; a Registry is not safe for concurrent registration.
type Registry struct {
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register binds a type name to its factory. Names are unique.
func (r *Registry) Register(name string, factory Factory) error {
	if _, dup := r.factories[name]; dup {
		return fmt.Errorf("check type %q is already registered", name)
	}
	r.factories[name] = factory
	return nil
}

// Create builds one check of type name.
func (r *Registry) Create(name string, config map[string]any) (Check, error) {
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown check type %q (known: %v)", name, r.Types())
	}
	return f(config)
}

// Build creates one Instance per configuration entry.
//
// An entry names its type under "type" and may carry a display name under
// "name", which defaults to the type. Names must be unique. An entry with
// "enabled: false" is skipped.
func (r *Registry) Build(configs []map[string]any) ([]Instance, error) {
	var out []Instance
	names := map[string]bool{}
	for i, cfg := range configs {
		typ, _ := cfg["type"].(string)
		if typ == "" {
			return nil, fmt.Errorf("checks[%d]: missing required 'type'", i)
		}
		if on, ok := cfg["enabled"].(bool); ok && !on {
			continue
		}

		name := typ
		if raw, present := cfg["name"]; present {
			if s, _ := raw.(string); s != "" {
				name = s
			} else {
				return nil, fmt.Errorf("checks[%d]: 'name' must be a non-empty string", i)
			}
		}
		if names[name] {
			return nil, fmt.Errorf("checks[%d]: duplicate check name %q", i, name)
		}
		names[name] = true

		c, err := r.Create(typ, cfg)
		if err != nil {
			return nil, fmt.Errorf("check %q: %w", name, err)
		}
		out = append(out, Instance{Name: name, Check: c})
	}
	return out, nil
}

// Types lists the registered type names in order.
func (r *Registry) Types() []string {
	return slices.Sorted(maps.Keys(r.factories))
}
