package capability

import (
	"fmt"
	"log/slog"
	"sort"
)

// Resolution is the flattened result of expanding a profile or
// requirement: the event names the holder may emit, the host tools it
// may use, and every capability name (atom or mixin) that contributed.
type Resolution struct {
	AllowedEvents        []string `json:"allowed_events"`
	AllowedTools         []string `json:"allowed_tools"`
	ExpandedCapabilities []string `json:"expanded_capabilities"`
}

// Requirement is a structured capability request, used by agent
// profiles that do not reference a named profile. "all" in
// Capabilities or Mixins selects every member of that level; Exclude
// subtracts names after expansion.
type Requirement struct {
	Profile      string   `json:"profile,omitempty" yaml:"profile,omitempty"`
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	Mixins       []string `json:"mixins,omitempty" yaml:"mixins,omitempty"`
	ClaudeTools  []string `json:"claude_tools,omitempty" yaml:"claude_tools,omitempty"`
	Exclude      []string `json:"exclude,omitempty" yaml:"exclude,omitempty"`
}

// resolution accumulates sets during expansion.
type resolution struct {
	events   map[string]bool
	tools    map[string]bool
	expanded map[string]bool
}

func newResolution() *resolution {
	return &resolution{
		events:   make(map[string]bool),
		tools:    make(map[string]bool),
		expanded: make(map[string]bool),
	}
}

func (rs *resolution) result(exclude []string) *Resolution {
	drop := make(map[string]bool, len(exclude))
	for _, name := range exclude {
		drop[name] = true
	}
	out := &Resolution{
		AllowedEvents:        []string{},
		AllowedTools:         []string{},
		ExpandedCapabilities: []string{},
	}
	for ev := range rs.events {
		out.AllowedEvents = append(out.AllowedEvents, ev)
	}
	for tool := range rs.tools {
		out.AllowedTools = append(out.AllowedTools, tool)
	}
	for name := range rs.expanded {
		if drop[name] {
			continue
		}
		out.ExpandedCapabilities = append(out.ExpandedCapabilities, name)
	}
	sort.Strings(out.AllowedEvents)
	sort.Strings(out.AllowedTools)
	sort.Strings(out.ExpandedCapabilities)
	return out
}

// ResolveProfile expands a named profile, following inherits
// recursively. Legacy tier names map to their structured profiles.
func (r *Registry) ResolveProfile(name string) (*Resolution, error) {
	if mapped, ok := legacyTiers[name]; ok {
		if _, exists := r.Profiles[name]; !exists {
			name = mapped
		}
	}
	p, ok := r.Profiles[name]
	if !ok {
		return nil, fmt.Errorf("capability profile %q not found", name)
	}

	rs := newResolution()
	var exclude []string
	visited := make(map[string]bool)
	if err := r.expandProfile(name, p, rs, &exclude, visited); err != nil {
		return nil, err
	}
	return rs.result(exclude), nil
}

// Resolve expands a structured requirement. A named profile, when
// present, contributes first; explicit atoms/mixins/tool groups union
// on top.
func (r *Registry) Resolve(req Requirement) (*Resolution, error) {
	rs := newResolution()
	exclude := append([]string(nil), req.Exclude...)

	if req.Profile != "" {
		name := req.Profile
		if mapped, ok := legacyTiers[name]; ok {
			if _, exists := r.Profiles[name]; !exists {
				name = mapped
			}
		}
		p, ok := r.Profiles[name]
		if !ok {
			return nil, fmt.Errorf("capability profile %q not found", req.Profile)
		}
		if err := r.expandProfile(name, p, rs, &exclude, make(map[string]bool)); err != nil {
			return nil, err
		}
	}

	if err := r.expandAtoms(req.Capabilities, rs); err != nil {
		return nil, err
	}
	if err := r.expandMixins(req.Mixins, rs, make(map[string]bool)); err != nil {
		return nil, err
	}
	if err := r.expandToolGroups(req.ClaudeTools, rs); err != nil {
		return nil, err
	}
	return rs.result(exclude), nil
}

func (r *Registry) expandProfile(name string, p *Profile, rs *resolution, exclude *[]string, visited map[string]bool) error {
	if visited[name] {
		slog.Warn("capability profile inheritance cycle broken", "profile", name)
		return nil
	}
	visited[name] = true

	for _, parent := range p.Inherits {
		pp, ok := r.Profiles[parent]
		if !ok {
			return fmt.Errorf("profile %q inherits unknown profile %q", name, parent)
		}
		if err := r.expandProfile(parent, pp, rs, exclude, visited); err != nil {
			return err
		}
	}

	*exclude = append(*exclude, p.Exclude...)
	if err := r.expandAtoms(p.Capabilities, rs); err != nil {
		return fmt.Errorf("profile %q: %w", name, err)
	}
	if err := r.expandMixins(p.Mixins, rs, make(map[string]bool)); err != nil {
		return fmt.Errorf("profile %q: %w", name, err)
	}
	if err := r.expandToolGroups(p.ClaudeTools, rs); err != nil {
		return fmt.Errorf("profile %q: %w", name, err)
	}
	return nil
}

// expandAtoms unions atom event sets into the resolution. The "all"
// special form selects every atom.
func (r *Registry) expandAtoms(names []string, rs *resolution) error {
	for _, name := range names {
		if name == "all" {
			for atomName := range r.Atoms {
				r.addAtom(atomName, rs)
			}
			continue
		}
		if _, ok := r.Atoms[name]; !ok {
			return fmt.Errorf("unknown capability %q", name)
		}
		r.addAtom(name, rs)
	}
	return nil
}

func (r *Registry) addAtom(name string, rs *resolution) {
	rs.expanded[name] = true
	for _, ev := range r.Atoms[name].Events {
		rs.events[ev] = true
	}
}

// expandMixins unions mixin contributions, following dependencies
// recursively. A dependency may be an atom or another mixin; cycles
// are broken with a warning and contribute nothing further.
func (r *Registry) expandMixins(names []string, rs *resolution, visited map[string]bool) error {
	for _, name := range names {
		if name == "all" {
			for mixinName := range r.Mixins {
				if err := r.expandMixins([]string{mixinName}, rs, visited); err != nil {
					return err
				}
			}
			continue
		}
		if visited[name] {
			slog.Warn("capability mixin cycle broken", "mixin", name)
			continue
		}
		m, ok := r.Mixins[name]
		if !ok {
			return fmt.Errorf("unknown mixin %q", name)
		}
		visited[name] = true
		rs.expanded[name] = true

		for _, dep := range m.Dependencies {
			if _, isAtom := r.Atoms[dep]; isAtom {
				r.addAtom(dep, rs)
				continue
			}
			if _, isMixin := r.Mixins[dep]; isMixin {
				if err := r.expandMixins([]string{dep}, rs, visited); err != nil {
					return err
				}
				continue
			}
			return fmt.Errorf("mixin %q depends on unknown capability %q", name, dep)
		}
		for _, ev := range m.AdditionalEvents {
			rs.events[ev] = true
		}
	}
	return nil
}

func (r *Registry) expandToolGroups(names []string, rs *resolution) error {
	for _, name := range names {
		if name == "all" {
			for groupName := range r.ToolGroups {
				for _, tool := range r.ToolGroups[groupName].Tools {
					rs.tools[tool] = true
				}
			}
			continue
		}
		g, ok := r.ToolGroups[name]
		if !ok {
			return fmt.Errorf("unknown tool group %q", name)
		}
		for _, tool := range g.Tools {
			rs.tools[tool] = true
		}
	}
	return nil
}

// Allows reports whether a resolution permits emitting the named
// event. Suffix globs in the allowed set ("state:*") match their
// namespace.
func (res *Resolution) Allows(eventName string) bool {
	for _, allowed := range res.AllowedEvents {
		if allowed == eventName {
			return true
		}
		if n := len(allowed); n > 0 && allowed[n-1] == '*' {
			if allowed == "*" || (n > 1 && len(eventName) >= n-1 && eventName[:n-1] == allowed[:n-1]) {
				return true
			}
		}
	}
	return false
}
