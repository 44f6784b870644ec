package permission

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Manager holds the profile catalog (built-ins plus YAML-loaded
// definitions) and the per-agent assignment registry.
type Manager struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
	agents   map[string]*Profile
}

// NewManager builds a manager with the built-in level profiles.
func NewManager() *Manager {
	return &Manager{
		profiles: builtinProfiles(),
		agents:   make(map[string]*Profile),
	}
}

// profileFile is the YAML shape for profile definition files: either a
// profiles map or a single profile at the top level.
type profileFile struct {
	Profiles map[string]*Profile `yaml:"profiles"`
}

// LoadDir reads every *.yaml/*.yml under dir and merges the declared
// profiles over the catalog. A missing directory is fine; built-ins
// stand alone.
func (m *Manager) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read permission profile dir %s: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read profile file %s: %w", path, err)
		}
		var pf profileFile
		if err := yaml.Unmarshal(data, &pf); err != nil {
			return fmt.Errorf("parse profile file %s: %w", path, err)
		}
		m.mu.Lock()
		for name, p := range pf.Profiles {
			if p == nil {
				continue
			}
			if p.Level == "" {
				p.Level = name
			}
			m.profiles[name] = p
		}
		m.mu.Unlock()
	}
	return nil
}

// Get returns a copy of the named profile.
func (m *Manager) Get(name string) (*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[name]
	if !ok {
		return nil, fmt.Errorf("permission profile %q not found", name)
	}
	return p.Clone(), nil
}

// Names lists the catalog's profile names, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.profiles))
	for name := range m.profiles {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ResolveSpec turns a spawn-time permission specification into a
// concrete profile: a named base (default standard), optional
// overrides, or a full inline profile which is taken as-is.
type ResolveSpec struct {
	Profile   string     `json:"profile,omitempty" yaml:"profile,omitempty"`
	Overrides *Overrides `json:"overrides,omitempty" yaml:"overrides,omitempty"`
	Inline    *Profile   `json:"permissions,omitempty" yaml:"permissions,omitempty"`
}

// Resolve produces the effective profile for a spec.
func (m *Manager) Resolve(spec ResolveSpec) (*Profile, error) {
	if spec.Inline != nil {
		p := spec.Inline.Clone()
		if p.Level == "" {
			p.Level = LevelStandard
		}
		return p, nil
	}
	name := spec.Profile
	if name == "" {
		name = LevelStandard
	}
	base, err := m.Get(name)
	if err != nil {
		return nil, err
	}
	return base.Apply(spec.Overrides)
}

// SetAgent assigns a profile to an agent id, replacing any previous
// assignment.
func (m *Manager) SetAgent(agentID string, p *Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[agentID] = p.Clone()
}

// GetAgent returns the profile assigned to an agent, or false when
// none is recorded.
func (m *Manager) GetAgent(agentID string) (*Profile, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.agents[agentID]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// RemoveAgent drops an agent's assignment.
func (m *Manager) RemoveAgent(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.agents, agentID)
}

// ValidateSpawnFor checks a prospective child profile against the
// parent agent's assigned profile. An empty parent id is the daemon
// itself, which may spawn anything.
func (m *Manager) ValidateSpawnFor(parentAgentID string, child *Profile) (bool, []string) {
	if parentAgentID == "" {
		return true, nil
	}
	parent, ok := m.GetAgent(parentAgentID)
	if !ok {
		return false, []string{fmt.Sprintf("parent agent %q has no recorded permissions", parentAgentID)}
	}
	return ValidateSpawn(parent, child)
}
