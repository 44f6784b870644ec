// Package permission resolves agent permission profiles and validates
// parent/child spawn relationships.
//
// A profile bundles tool allow/deny sets, filesystem path allowances,
// scalar resource limits, and capability flags. Agents get a named
// base profile plus structured overrides; a spawned child can never
// exceed its parent's profile on any axis.
package permission

import (
	"fmt"
	"sort"
	"strings"

	"dario.cat/mergo"
)

// Permission levels, least to most privileged. Researcher sits beside
// trusted rather than above it: broader reads, no spawn rights.
const (
	LevelRestricted = "restricted"
	LevelStandard   = "standard"
	LevelTrusted    = "trusted"
	LevelResearcher = "researcher"
)

// Levels lists the built-in profile levels.
var Levels = []string{LevelRestricted, LevelStandard, LevelTrusted, LevelResearcher}

// ToolWildcard in Tools.Allowed grants every tool.
const ToolWildcard = "*"

// SandboxPlaceholder in filesystem paths is replaced with the agent's
// sandbox directory when the profile is bound at spawn.
const SandboxPlaceholder = "{{sandbox}}"

// Tools is the tool allow/deny pair. Disallowed wins over Allowed.
type Tools struct {
	Allowed    []string `yaml:"allowed" json:"allowed"`
	Disallowed []string `yaml:"disallowed,omitempty" json:"disallowed,omitempty"`
}

// Filesystem is the path allow-lists. Paths are directory prefixes.
type Filesystem struct {
	ReadPaths  []string `yaml:"read_paths" json:"read_paths"`
	WritePaths []string `yaml:"write_paths" json:"write_paths"`
}

// Resources holds scalar limits by axis name (max_tokens, timeout_s,
// max_subagents, ...). Merging takes the maximum per axis; spawn
// validation requires child ≤ parent per axis.
type Resources map[string]float64

// Profile is one resolved permission set.
type Profile struct {
	Level        string         `yaml:"level" json:"level"`
	Tools        Tools          `yaml:"tools" json:"tools"`
	Filesystem   Filesystem     `yaml:"filesystem" json:"filesystem"`
	Resources    Resources      `yaml:"resources" json:"resources"`
	Capabilities map[string]any `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
}

// Overrides adjusts a base profile without replacing it. Set semantics
// only ever narrow or extend membership; scalar resources take the
// maximum of base and override.
type Overrides struct {
	Tools struct {
		AllowedAdd    []string `yaml:"allowed_add,omitempty" json:"allowed_add,omitempty"`
		AllowedRemove []string `yaml:"allowed_remove,omitempty" json:"allowed_remove,omitempty"`
		DisallowedAdd []string `yaml:"disallowed_add,omitempty" json:"disallowed_add,omitempty"`
	} `yaml:"tools,omitempty" json:"tools,omitempty"`
	Filesystem struct {
		ReadPathsAdd  []string `yaml:"read_paths_add,omitempty" json:"read_paths_add,omitempty"`
		WritePathsAdd []string `yaml:"write_paths_add,omitempty" json:"write_paths_add,omitempty"`
	} `yaml:"filesystem,omitempty" json:"filesystem,omitempty"`
	Resources    Resources      `yaml:"resources,omitempty" json:"resources,omitempty"`
	Capabilities map[string]any `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
}

// builtinProfiles are the four levels available with no YAML on disk.
func builtinProfiles() map[string]*Profile {
	return map[string]*Profile{
		LevelRestricted: {
			Level: LevelRestricted,
			Tools: Tools{Allowed: []string{"Read", "Grep", "Glob", "LS"}},
			Filesystem: Filesystem{
				ReadPaths:  []string{SandboxPlaceholder},
				WritePaths: []string{SandboxPlaceholder},
			},
			Resources: Resources{
				"max_tokens":    50000,
				"timeout_s":     120,
				"max_subagents": 0,
			},
			Capabilities: map[string]any{"spawn_agents": false, "network_access": false},
		},
		LevelStandard: {
			Level: LevelStandard,
			Tools: Tools{
				Allowed:    []string{"Read", "Grep", "Glob", "LS", "Write", "Edit", "MultiEdit", "TodoWrite"},
				Disallowed: []string{"Bash"},
			},
			Filesystem: Filesystem{
				ReadPaths:  []string{SandboxPlaceholder, "var/lib/compositions"},
				WritePaths: []string{SandboxPlaceholder},
			},
			Resources: Resources{
				"max_tokens":    200000,
				"timeout_s":     300,
				"max_subagents": 2,
			},
			Capabilities: map[string]any{"spawn_agents": false, "network_access": false},
		},
		LevelTrusted: {
			Level: LevelTrusted,
			Tools: Tools{Allowed: []string{ToolWildcard}},
			Filesystem: Filesystem{
				ReadPaths:  []string{SandboxPlaceholder, "var/lib", "var/logs"},
				WritePaths: []string{SandboxPlaceholder, "var/lib/compositions"},
			},
			Resources: Resources{
				"max_tokens":    1000000,
				"timeout_s":     1800,
				"max_subagents": 10,
			},
			Capabilities: map[string]any{"spawn_agents": true, "network_access": true},
		},
		LevelResearcher: {
			Level: LevelResearcher,
			Tools: Tools{
				Allowed:    []string{"Read", "Grep", "Glob", "LS", "Write", "Edit", "WebFetch", "WebSearch", "TodoWrite"},
				Disallowed: []string{"Bash"},
			},
			Filesystem: Filesystem{
				ReadPaths:  []string{SandboxPlaceholder, "var/lib", "var/logs"},
				WritePaths: []string{SandboxPlaceholder},
			},
			Resources: Resources{
				"max_tokens":    500000,
				"timeout_s":     900,
				"max_subagents": 0,
			},
			Capabilities: map[string]any{"spawn_agents": false, "network_access": true},
		},
	}
}

// Clone deep-copies a profile so callers can adjust their copy.
func (p *Profile) Clone() *Profile {
	out := &Profile{
		Level: p.Level,
		Tools: Tools{
			Allowed:    append([]string(nil), p.Tools.Allowed...),
			Disallowed: append([]string(nil), p.Tools.Disallowed...),
		},
		Filesystem: Filesystem{
			ReadPaths:  append([]string(nil), p.Filesystem.ReadPaths...),
			WritePaths: append([]string(nil), p.Filesystem.WritePaths...),
		},
		Resources: make(Resources, len(p.Resources)),
	}
	for k, v := range p.Resources {
		out.Resources[k] = v
	}
	if p.Capabilities != nil {
		out.Capabilities = make(map[string]any, len(p.Capabilities))
		for k, v := range p.Capabilities {
			out.Capabilities[k] = v
		}
	}
	return out
}

// Apply returns a copy of the profile with overrides applied.
func (p *Profile) Apply(o *Overrides) (*Profile, error) {
	out := p.Clone()
	if o == nil {
		return out, nil
	}

	out.Tools.Allowed = addUnique(out.Tools.Allowed, o.Tools.AllowedAdd)
	out.Tools.Allowed = removeAll(out.Tools.Allowed, o.Tools.AllowedRemove)
	out.Tools.Disallowed = addUnique(out.Tools.Disallowed, o.Tools.DisallowedAdd)
	out.Filesystem.ReadPaths = addUnique(out.Filesystem.ReadPaths, o.Filesystem.ReadPathsAdd)
	out.Filesystem.WritePaths = addUnique(out.Filesystem.WritePaths, o.Filesystem.WritePathsAdd)

	for axis, v := range o.Resources {
		if cur, ok := out.Resources[axis]; !ok || v > cur {
			out.Resources[axis] = v
		}
	}

	if len(o.Capabilities) > 0 {
		if out.Capabilities == nil {
			out.Capabilities = make(map[string]any)
		}
		if err := mergo.Merge(&out.Capabilities, o.Capabilities, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merge capability overrides: %w", err)
		}
	}
	return out, nil
}

// BindSandbox substitutes the sandbox placeholder in filesystem paths
// with the agent's actual sandbox directory.
func (p *Profile) BindSandbox(sandboxPath string) *Profile {
	out := p.Clone()
	sub := func(paths []string) []string {
		for i, path := range paths {
			if strings.Contains(path, SandboxPlaceholder) {
				paths[i] = strings.ReplaceAll(path, SandboxPlaceholder, sandboxPath)
			}
		}
		return paths
	}
	out.Filesystem.ReadPaths = sub(out.Filesystem.ReadPaths)
	out.Filesystem.WritePaths = sub(out.Filesystem.WritePaths)
	return out
}

// AllowsTool reports whether the profile permits a tool. Disallowed
// entries win over the allowed set and the wildcard.
func (p *Profile) AllowsTool(tool string) bool {
	for _, t := range p.Tools.Disallowed {
		if t == tool {
			return false
		}
	}
	for _, t := range p.Tools.Allowed {
		if t == ToolWildcard || t == tool {
			return true
		}
	}
	return false
}

// ValidateSpawn reports whether child stays within parent on every
// axis. The returned reasons are empty exactly when the spawn is
// valid.
func ValidateSpawn(parent, child *Profile) (bool, []string) {
	var reasons []string

	parentAll := containsString(parent.Tools.Allowed, ToolWildcard)
	for _, tool := range child.Tools.Allowed {
		if tool == ToolWildcard {
			if !parentAll {
				reasons = append(reasons, "child requests all tools but parent is restricted")
			}
			continue
		}
		if !parent.AllowsTool(tool) {
			reasons = append(reasons, fmt.Sprintf("tool %q not allowed by parent", tool))
		}
	}

	// Placeholder paths resolve to the child's own sandbox at bind
	// time; every agent holds its own sandbox, so they never count
	// against the parent's paths.
	for _, path := range child.Filesystem.ReadPaths {
		if strings.HasPrefix(path, SandboxPlaceholder) {
			continue
		}
		if !pathWithin(path, parent.Filesystem.ReadPaths) {
			reasons = append(reasons, fmt.Sprintf("read path %q outside parent's read paths", path))
		}
	}
	for _, path := range child.Filesystem.WritePaths {
		if strings.HasPrefix(path, SandboxPlaceholder) {
			continue
		}
		if !pathWithin(path, parent.Filesystem.WritePaths) {
			reasons = append(reasons, fmt.Sprintf("write path %q outside parent's write paths", path))
		}
	}

	for axis, limit := range parent.Resources {
		childLimit, ok := child.Resources[axis]
		if !ok {
			reasons = append(reasons, fmt.Sprintf("resource %q unbounded in child but limited by parent", axis))
			continue
		}
		if childLimit > limit {
			reasons = append(reasons, fmt.Sprintf("resource %q: child %g exceeds parent %g", axis, childLimit, limit))
		}
	}

	for name, v := range child.Capabilities {
		enabled, isBool := v.(bool)
		if !isBool || !enabled {
			continue
		}
		pv, ok := parent.Capabilities[name]
		if !ok {
			reasons = append(reasons, fmt.Sprintf("capability %q not granted to parent", name))
			continue
		}
		if pb, isBool := pv.(bool); !isBool || !pb {
			reasons = append(reasons, fmt.Sprintf("capability %q disabled for parent", name))
		}
	}

	sort.Strings(reasons)
	return len(reasons) == 0, reasons
}

// pathWithin reports whether path equals or nests under one of the
// allowed prefixes.
func pathWithin(path string, allowed []string) bool {
	for _, prefix := range allowed {
		if path == prefix {
			return true
		}
		if prefix != "" && strings.HasPrefix(path, strings.TrimSuffix(prefix, "/")+"/") {
			return true
		}
	}
	return false
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func addUnique(list, add []string) []string {
	for _, v := range add {
		if !containsString(list, v) {
			list = append(list, v)
		}
	}
	return list
}

func removeAll(list, remove []string) []string {
	if len(remove) == 0 {
		return list
	}
	out := list[:0]
	for _, v := range list {
		if !containsString(remove, v) {
			out = append(out, v)
		}
	}
	return out
}
