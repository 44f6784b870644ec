// Package capability maps named capability profiles to the concrete
// event and tool sets an agent is allowed to use.
//
// A registry holds three levels: atomic capabilities (each a set of
// event names), mixins (aggregates with dependencies on atoms or other
// mixins), and tool groups (sets of host-tool names). Profiles draw
// from all three and may inherit from other profiles. Resolution
// flattens the graph into (allowed_events, allowed_tools,
// expanded_capabilities).
package capability

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/ksi-project/ksi/pkg/config"
)

// Atom is an atomic capability: a named set of event names.
type Atom struct {
	Description string   `yaml:"description,omitempty"`
	Events      []string `yaml:"events"`
}

// Mixin aggregates atoms and other mixins. AdditionalEvents are
// granted on top of whatever the dependencies contribute.
type Mixin struct {
	Description      string   `yaml:"description,omitempty"`
	Dependencies     []string `yaml:"dependencies,omitempty"`
	AdditionalEvents []string `yaml:"additional_events,omitempty"`
}

// ToolGroup is a named set of host-tool names.
type ToolGroup struct {
	Description string   `yaml:"description,omitempty"`
	Tools       []string `yaml:"tools"`
}

// Profile is a named bundle of atoms, mixins, and tool groups.
// Inherits chains to other profiles; Exclude subtracts members after
// expansion (used with the "all" special form).
type Profile struct {
	Description  string   `yaml:"description,omitempty"`
	Inherits     []string `yaml:"inherits,omitempty"`
	Capabilities []string `yaml:"capabilities,omitempty"`
	Mixins       []string `yaml:"mixins,omitempty"`
	ClaudeTools  []string `yaml:"claude_tools,omitempty"`
	Exclude      []string `yaml:"exclude,omitempty"`
}

// Registry is a parsed capability definition file.
type Registry struct {
	Atoms      map[string]*Atom      `yaml:"capabilities"`
	Mixins     map[string]*Mixin     `yaml:"mixins"`
	ToolGroups map[string]*ToolGroup `yaml:"claude_tools"`
	Profiles   map[string]*Profile   `yaml:"profiles"`
}

// legacyTiers maps pre-profile tier names, still seen in old agent
// definitions, onto structured profiles.
var legacyTiers = map[string]string{
	"minimal":  "base",
	"basic":    "base",
	"standard": "standard",
	"advanced": "trusted",
	"full":     "trusted",
}

// LoadFile parses a capability registry from a YAML file, expanding
// {{.VAR}} environment references first. A missing file is not an
// error: the built-in defaults apply.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultRegistry(), nil
		}
		return nil, fmt.Errorf("read capability file %s: %w", path, err)
	}
	reg, err := Parse(config.ExpandEnv(data))
	if err != nil {
		return nil, fmt.Errorf("parse capability file %s: %w", path, err)
	}
	return reg, nil
}

// Parse parses registry YAML and fills empty sections from the
// defaults, so a file declaring only profiles still resolves against
// the built-in atoms.
func Parse(data []byte) (*Registry, error) {
	var reg Registry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("unmarshal capability registry: %w", err)
	}
	defaults := DefaultRegistry()
	if reg.Atoms == nil {
		reg.Atoms = defaults.Atoms
	}
	if reg.Mixins == nil {
		reg.Mixins = defaults.Mixins
	}
	if reg.ToolGroups == nil {
		reg.ToolGroups = defaults.ToolGroups
	}
	if reg.Profiles == nil {
		reg.Profiles = defaults.Profiles
	}
	return &reg, nil
}

// DefaultRegistry returns the built-in capability set used when no
// ksi_capabilities.yaml exists. It covers the core event surface so a
// bare daemon can still spawn agents.
func DefaultRegistry() *Registry {
	return &Registry{
		Atoms: map[string]*Atom{
			"health": {
				Description: "Daemon liveness checks",
				Events:      []string{"system:health", "system:discover", "system:help"},
			},
			"state_read": {
				Description: "Read shared state",
				Events:      []string{"state:get", "state:list", "state:session:get"},
			},
			"state_write": {
				Description: "Mutate shared state",
				Events:      []string{"state:set", "state:delete", "state:clear", "state:session:update"},
			},
			"async_state": {
				Description: "Async queue access",
				Events: []string{
					"async_state:push", "async_state:pop", "async_state:get_queue",
					"async_state:get_keys", "async_state:queue_length", "async_state:delete",
				},
			},
			"completion": {
				Description: "Request LLM completions",
				Events:      []string{"completion:async", "completion:cancel", "completion:status"},
			},
			"composition_read": {
				Description: "Read and resolve compositions",
				Events:      []string{"composition:get", "composition:list", "composition:compose", "composition:profile", "composition:prompt"},
			},
			"agent_messaging": {
				Description: "Message other agents",
				Events:      []string{"agent:send_message", "agent:status"},
			},
			"spawn_agents": {
				Description: "Create and destroy child agents",
				Events:      []string{"agent:spawn", "agent:terminate", "agent:list"},
			},
			"monitoring": {
				Description: "Observe the event stream",
				Events: []string{
					"monitor:get_events", "monitor:get_stats", "monitor:subscribe",
					"monitor:unsubscribe", "monitor:get_session_events", "monitor:get_correlation_chain",
				},
			},
		},
		Mixins: map[string]*Mixin{
			"agent_core": {
				Description:  "Baseline surface every agent receives",
				Dependencies: []string{"health", "state_read", "agent_messaging"},
			},
			"state_full": {
				Description:  "Full state access",
				Dependencies: []string{"state_read", "state_write", "async_state"},
			},
			"orchestration": {
				Description:      "Run multi-agent orchestrations",
				Dependencies:     []string{"agent_core", "spawn_agents", "completion"},
				AdditionalEvents: []string{"composition:discover"},
			},
		},
		ToolGroups: map[string]*ToolGroup{
			"read_tools":  {Description: "Read-only host tools", Tools: []string{"Read", "Grep", "Glob", "LS"}},
			"edit_tools":  {Description: "File mutation tools", Tools: []string{"Write", "Edit", "MultiEdit"}},
			"exec_tools":  {Description: "Process execution", Tools: []string{"Bash", "Task"}},
			"web_tools":   {Description: "Network access", Tools: []string{"WebFetch", "WebSearch"}},
			"think_tools": {Description: "No side effects", Tools: []string{"TodoWrite", "NotebookRead"}},
		},
		Profiles: map[string]*Profile{
			"base": {
				Description: "Minimal footprint: health and reads only",
				Mixins:      []string{"agent_core"},
				ClaudeTools: []string{"read_tools"},
			},
			"standard": {
				Description:  "Default agent profile",
				Inherits:     []string{"base"},
				Capabilities: []string{"completion", "composition_read"},
				Mixins:       []string{"state_full"},
				ClaudeTools:  []string{"edit_tools"},
			},
			"trusted": {
				Description: "Everything standard plus spawning and execution",
				Inherits:    []string{"standard"},
				Mixins:      []string{"orchestration"},
				ClaudeTools: []string{"exec_tools", "web_tools"},
			},
			"researcher": {
				Description:  "Observation-heavy profile for analysis agents",
				Inherits:     []string{"standard"},
				Capabilities: []string{"monitoring"},
				ClaudeTools:  []string{"web_tools", "think_tools"},
			},
		},
	}
}

// AtomNames lists the registry's atoms, sorted.
func (r *Registry) AtomNames() []string { return sortedKeys(r.Atoms) }

// MixinNames lists the registry's mixins, sorted.
func (r *Registry) MixinNames() []string { return sortedKeys(r.Mixins) }

// ToolGroupNames lists the registry's tool groups, sorted.
func (r *Registry) ToolGroupNames() []string { return sortedKeys(r.ToolGroups) }

// ProfileNames lists the registry's profiles, sorted.
func (r *Registry) ProfileNames() []string { return sortedKeys(r.Profiles) }

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
