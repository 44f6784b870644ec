package composition

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"time"

	"dario.cat/mergo"
)

// Resolver turns composition definitions into resolved objects:
// extends chains, mixin merges, condition gating, and variable
// substitution. Resolution is deterministic and memoless; every call
// re-reads referenced files.
type Resolver struct {
	loader *Loader
	index  *Index

	mu        sync.RWMutex
	ephemeral map[string]*Composition
}

// NewResolver builds a resolver. index may be nil; lookups then go to
// the loader directly.
func NewResolver(loader *Loader, index *Index) *Resolver {
	return &Resolver{
		loader:    loader,
		index:     index,
		ephemeral: make(map[string]*Composition),
	}
}

// Create registers an ephemeral composition, visible to lookups until
// the daemon restarts. The definition must validate.
func (r *Resolver) Create(comp *Composition) error {
	if issues := Validate(comp); len(issues) > 0 {
		return fmt.Errorf("invalid composition %q: %s", comp.Name, issues[0])
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.ephemeral[comp.Name]; exists {
		return fmt.Errorf("composition %q already registered", comp.Name)
	}
	r.ephemeral[comp.Name] = comp
	return nil
}

// EphemeralNames lists registered ephemeral compositions, for
// discovery.
func (r *Resolver) EphemeralNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.ephemeral))
	for name := range r.ephemeral {
		out = append(out, name)
	}
	return out
}

// Lookup finds a composition by name: ephemeral registrations first,
// then the index, then a direct directory search.
func (r *Resolver) Lookup(ctx context.Context, name, typ string) (*Composition, error) {
	r.mu.RLock()
	comp, ok := r.ephemeral[name]
	r.mu.RUnlock()
	if ok {
		return comp, nil
	}

	if r.index != nil {
		if meta, err := r.index.Get(ctx, name); err == nil {
			return r.loader.LoadFile(meta.FilePath)
		}
	}
	// Files created since the last index pass are still resolvable.
	return r.loader.Load(name, typ)
}

// ResolveName looks a composition up and resolves it.
func (r *Resolver) ResolveName(ctx context.Context, name, typ string, vars map[string]any) (map[string]any, error) {
	comp, err := r.Lookup(ctx, name, typ)
	if err != nil {
		return nil, err
	}
	return r.Resolve(ctx, comp, vars)
}

// Resolve resolves a composition under the given variables.
func (r *Resolver) Resolve(ctx context.Context, comp *Composition, vars map[string]any) (map[string]any, error) {
	return r.resolve(ctx, comp, vars, make(map[string]bool))
}

// resolve carries the visited set along the current reference path, so
// diamond references resolve fine while true cycles fail.
func (r *Resolver) resolve(ctx context.Context, comp *Composition, vars map[string]any, visited map[string]bool) (map[string]any, error) {
	if visited[comp.Name] {
		return nil, fmt.Errorf("resolving %q: %w", comp.Name, ErrCircular)
	}
	visited[comp.Name] = true
	defer delete(visited, comp.Name)

	effective := make(map[string]any, len(vars)+len(comp.Variables))
	for k, v := range vars {
		effective[k] = v
	}
	for name, decl := range comp.Variables {
		if decl == nil {
			continue
		}
		if _, ok := effective[name]; !ok && decl.Default != nil {
			effective[name] = decl.Default
		}
	}
	for name, decl := range comp.Variables {
		if decl != nil && decl.Required {
			if _, ok := effective[name]; !ok {
				return nil, fmt.Errorf("composition %q: required variable %q not provided", comp.Name, name)
			}
		}
	}

	result := make(map[string]any)

	if comp.Extends != "" {
		parent, err := r.Lookup(ctx, comp.Extends, "")
		if err != nil {
			return nil, fmt.Errorf("extends of %q: %w", comp.Name, err)
		}
		base, err := r.resolve(ctx, parent, effective, visited)
		if err != nil {
			return nil, err
		}
		result = base
	}

	for _, mixinName := range comp.Mixins {
		mixin, err := r.Lookup(ctx, mixinName, "")
		if err != nil {
			return nil, fmt.Errorf("mixin of %q: %w", comp.Name, err)
		}
		overlay, err := r.resolve(ctx, mixin, effective, visited)
		if err != nil {
			return nil, err
		}
		if err := mergo.Merge(&result, overlay, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merge mixin %q into %q: %w", mixinName, comp.Name, err)
		}
	}

	if comp.Content != "" {
		result["content"] = substitute(comp.Content, effective)
	}

	for i := range comp.Components {
		c := &comp.Components[i]
		if !c.selected(effective) {
			continue
		}
		cvars := effective
		if len(c.Vars) > 0 {
			cvars = make(map[string]any, len(effective)+len(c.Vars))
			for k, v := range effective {
				cvars[k] = v
			}
			for k, v := range c.Vars {
				cvars[k] = v
			}
		}

		value, err := r.resolveComponent(ctx, comp, c, cvars, visited)
		if err != nil {
			return nil, err
		}
		result[c.Name] = value
	}

	result["_metadata"] = map[string]any{
		"composition": comp.Name,
		"type":        comp.Type,
		"version":     comp.Version,
		"resolved_at": time.Now().UTC().Format(time.RFC3339),
	}
	return result, nil
}

func (r *Resolver) resolveComponent(ctx context.Context, comp *Composition, c *Component, vars map[string]any, visited map[string]bool) (any, error) {
	switch {
	case c.Source != "":
		content, err := r.loader.Fragment(c.Source)
		if err != nil {
			return nil, fmt.Errorf("component %q of %q: %w", c.Name, comp.Name, err)
		}
		return substitute(content, vars), nil

	case c.Composition != "":
		nested, err := r.Lookup(ctx, c.Composition, "")
		if err != nil {
			return nil, fmt.Errorf("component %q of %q: %w", c.Name, comp.Name, err)
		}
		return r.resolve(ctx, nested, vars, visited)

	case c.Inline != nil:
		return substituteDeep(c.Inline, vars), nil

	case c.Template != "":
		return substitute(c.Template, vars), nil
	}
	return nil, fmt.Errorf("component %q of %q: no source, composition, inline, or template", c.Name, comp.Name)
}

var varPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)

// substitute replaces {{name}} placeholders. Scalars render plainly,
// anything else as JSON; unknown variables keep their placeholder so
// missing inputs stay visible in the output.
func substitute(s string, vars map[string]any) string {
	return varPattern.ReplaceAllStringFunc(s, func(m string) string {
		name := varPattern.FindStringSubmatch(m)[1]
		v, ok := vars[name]
		if !ok {
			return m
		}
		return encodeVar(v)
	})
}

func encodeVar(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return "null"
	case bool, int, int64, float64:
		return fmt.Sprint(t)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}

// substituteDeep walks maps and slices substituting string values.
func substituteDeep(v any, vars map[string]any) any {
	switch t := v.(type) {
	case string:
		return substitute(t, vars)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = substituteDeep(val, vars)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = substituteDeep(val, vars)
		}
		return out
	default:
		return v
	}
}
