// Package sandbox manages per-agent filesystem sandboxes under the
// configured sandbox root.
//
// Every spawned agent gets a fresh directory with a standard
// substructure. Isolation modes control what the sandbox links to:
// isolated sandboxes see nothing else, shared sandboxes link the
// session's shared area read-write, readonly sandboxes are stripped of
// write permission entirely (the permission layer denies writes too;
// the mode makes accidental writes fail at the OS).
package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Isolation modes.
const (
	ModeIsolated = "isolated"
	ModeShared   = "shared"
	ModeReadonly = "readonly"
)

// Parent-share levels for nested agents.
const (
	ParentShareNone      = "none"
	ParentShareReadOnly  = "read_only"
	ParentShareReadWrite = "read_write"
)

// sharedDirName holds per-session shared areas under the root. The
// leading underscore keeps it out of the agent id namespace.
const sharedDirName = "_shared"

// Config describes the sandbox an agent wants at spawn.
type Config struct {
	Mode          string `json:"mode,omitempty" yaml:"mode,omitempty"`
	ParentAgentID string `json:"parent_agent_id,omitempty" yaml:"parent_agent_id,omitempty"`
	SessionID     string `json:"session_id,omitempty" yaml:"session_id,omitempty"`
	ParentShare   string `json:"parent_share,omitempty" yaml:"parent_share,omitempty"`
	SessionShare  bool   `json:"session_share,omitempty" yaml:"session_share,omitempty"`
}

// Sandbox is one agent's filesystem area.
type Sandbox struct {
	AgentID       string    `json:"agent_id"`
	Path          string    `json:"path"`
	Mode          string    `json:"mode"`
	ParentAgentID string    `json:"parent_agent_id,omitempty"`
	SessionID     string    `json:"session_id,omitempty"`
	ParentShare   string    `json:"parent_share"`
	SessionShare  bool      `json:"session_share"`
	CreatedAt     time.Time `json:"created_at"`
}

// Stats summarizes the manager's sandboxes.
type Stats struct {
	Root    string         `json:"root"`
	Total   int            `json:"total"`
	ByMode  map[string]int `json:"by_mode"`
	Shared  int            `json:"shared_session_dirs"`
}

// Manager creates and removes sandboxes. Safe for concurrent use.
type Manager struct {
	root string

	mu    sync.RWMutex
	boxes map[string]*Sandbox
}

// NewManager builds a manager over root, creating it if missing.
func NewManager(root string) (*Manager, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create sandbox root %s: %w", root, err)
	}
	return &Manager{root: root, boxes: make(map[string]*Sandbox)}, nil
}

// Root returns the sandbox root directory.
func (m *Manager) Root() string { return m.root }

// validAgentID rejects ids that would escape the root or collide with
// reserved directories.
func validAgentID(id string) error {
	if id == "" {
		return fmt.Errorf("agent id required")
	}
	if strings.HasPrefix(id, "_") || strings.HasPrefix(id, ".") {
		return fmt.Errorf("agent id %q: reserved prefix", id)
	}
	if strings.ContainsAny(id, "/\\") || id != filepath.Clean(id) {
		return fmt.Errorf("agent id %q: must be a plain name", id)
	}
	return nil
}

// Create builds a fresh sandbox directory for an agent. An existing
// sandbox for the same agent id is an error.
func (m *Manager) Create(agentID string, cfg Config) (*Sandbox, error) {
	if err := validAgentID(agentID); err != nil {
		return nil, err
	}
	mode := cfg.Mode
	if mode == "" {
		mode = ModeIsolated
	}
	switch mode {
	case ModeIsolated, ModeShared, ModeReadonly:
	default:
		return nil, fmt.Errorf("unknown sandbox mode %q", mode)
	}
	share := cfg.ParentShare
	if share == "" {
		share = ParentShareNone
	}
	switch share {
	case ParentShareNone, ParentShareReadOnly, ParentShareReadWrite:
	default:
		return nil, fmt.Errorf("unknown parent share %q", share)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.boxes[agentID]; exists {
		return nil, fmt.Errorf("sandbox for agent %q already exists", agentID)
	}

	path := filepath.Join(m.root, agentID)
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("sandbox directory %s already exists on disk", path)
	}

	for _, sub := range []string{"workspace", "exports", "tmp"} {
		if err := os.MkdirAll(filepath.Join(path, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create sandbox %s: %w", path, err)
		}
	}

	box := &Sandbox{
		AgentID:       agentID,
		Path:          path,
		Mode:          mode,
		ParentAgentID: cfg.ParentAgentID,
		SessionID:     cfg.SessionID,
		ParentShare:   share,
		SessionShare:  cfg.SessionShare,
		CreatedAt:     time.Now().UTC(),
	}

	if err := m.applyLinks(box); err != nil {
		_ = os.RemoveAll(path)
		return nil, err
	}

	if mode == ModeReadonly {
		// Strip write bits last so the links above could be created.
		if err := chmodTree(path, 0o555); err != nil {
			_ = os.RemoveAll(path)
			return nil, fmt.Errorf("make sandbox readonly: %w", err)
		}
	}

	m.boxes[agentID] = box
	return box, nil
}

// applyLinks wires the shared and parent symlinks per mode and share
// settings. Isolated sandboxes get no links at all.
func (m *Manager) applyLinks(box *Sandbox) error {
	if box.Mode == ModeIsolated {
		return nil
	}

	if box.SessionShare || box.Mode == ModeShared {
		if box.SessionID == "" {
			return fmt.Errorf("session share requested without session_id")
		}
		sessionDir := filepath.Join(m.root, sharedDirName, box.SessionID)
		if err := os.MkdirAll(sessionDir, 0o755); err != nil {
			return fmt.Errorf("create session shared dir: %w", err)
		}
		if err := os.Symlink(sessionDir, filepath.Join(box.Path, "shared")); err != nil {
			return fmt.Errorf("link session shared dir: %w", err)
		}
	}

	if box.ParentShare != ParentShareNone && box.ParentAgentID != "" {
		parent, ok := m.boxes[box.ParentAgentID]
		if !ok {
			return fmt.Errorf("parent agent %q has no sandbox", box.ParentAgentID)
		}
		if err := os.Symlink(parent.Path, filepath.Join(box.Path, "parent")); err != nil {
			return fmt.Errorf("link parent sandbox: %w", err)
		}
		// read_only parent shares rely on the permission layer's path
		// allow-list: the link itself cannot restrict access modes.
	}
	return nil
}

// Get returns an agent's sandbox.
func (m *Manager) Get(agentID string) (*Sandbox, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	box, ok := m.boxes[agentID]
	if !ok {
		return nil, false
	}
	cp := *box
	return &cp, true
}

// children returns agent ids whose sandboxes name agentID as parent.
// Caller holds the lock.
func (m *Manager) children(agentID string) []string {
	var out []string
	for id, box := range m.boxes {
		if box.ParentAgentID == agentID {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Remove tears down an agent's sandbox. Removal fails when child
// sandboxes still reference it, unless forced.
func (m *Manager) Remove(agentID string, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	box, ok := m.boxes[agentID]
	if !ok {
		return fmt.Errorf("sandbox for agent %q not found", agentID)
	}
	if kids := m.children(agentID); len(kids) > 0 && !force {
		return fmt.Errorf("sandbox for agent %q has active children %v; use force", agentID, kids)
	}

	if box.Mode == ModeReadonly {
		// Restore write permission so the tree can be deleted.
		_ = chmodTree(box.Path, 0o755)
	}
	if err := os.RemoveAll(box.Path); err != nil {
		return fmt.Errorf("remove sandbox %s: %w", box.Path, err)
	}
	delete(m.boxes, agentID)
	return nil
}

// List returns all sandboxes sorted by agent id.
func (m *Manager) List() []*Sandbox {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Sandbox, 0, len(m.boxes))
	for _, box := range m.boxes {
		cp := *box
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Stats summarizes current sandboxes.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := Stats{Root: m.root, Total: len(m.boxes), ByMode: map[string]int{}}
	for _, box := range m.boxes {
		st.ByMode[box.Mode]++
	}
	if entries, err := os.ReadDir(filepath.Join(m.root, sharedDirName)); err == nil {
		st.Shared = len(entries)
	}
	return st
}

// RemoveAll force-removes every sandbox, used at daemon shutdown.
func (m *Manager) RemoveAll() error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.boxes))
	for id := range m.boxes {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := m.Remove(id, true); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// chmodTree applies mode to every directory in the tree. Files keep
// their read bits; only directory write permission matters for the
// readonly mode since content creation happens at the directory level.
func chmodTree(root string, mode os.FileMode) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return nil
		}
		if info.IsDir() {
			return os.Chmod(path, mode)
		}
		return nil
	})
}
