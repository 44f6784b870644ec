package composition

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// extOrder is the fixed extension search order for Load.
var extOrder = []string{".yaml", ".yml", ".md", ".json"}

// typeDirs maps a composition type to its directory under the
// compositions root.
var typeDirs = map[string]string{
	TypeComponent:     "components",
	TypePersona:       "components/personas",
	TypeBehavior:      "components/behaviors",
	TypeTool:          "components/tools",
	TypeProfile:       "components/profiles",
	TypePrompt:        "components/prompts",
	TypeOrchestration: "orchestrations",
	TypeEvaluation:    "evaluations",
}

// Loader reads composition files from the compositions root.
//
// YAML and JSON files hold the whole definition (JSON parses as a YAML
// subset). Markdown files carry the definition in `---` fenced YAML
// frontmatter with the body as Content.
type Loader struct {
	root string
}

func NewLoader(root string) *Loader {
	return &Loader{root: root}
}

// Root returns the compositions root directory.
func (l *Loader) Root() string { return l.root }

// Path locates the file for (name, type), trying extensions in order.
// An empty type searches every type directory.
func (l *Loader) Path(name, typ string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("composition name required")
	}
	dirs := make([]string, 0, len(typeDirs))
	if typ != "" {
		dir, ok := typeDirs[typ]
		if !ok {
			return "", fmt.Errorf("unknown composition type %q", typ)
		}
		dirs = append(dirs, dir)
	} else {
		// Deterministic search order across all types.
		for _, t := range Types {
			dirs = append(dirs, typeDirs[t])
		}
	}

	for _, dir := range dirs {
		for _, ext := range extOrder {
			candidate := filepath.Join(l.root, dir, name+ext)
			if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
				return candidate, nil
			}
		}
	}
	return "", fmt.Errorf("composition %q (type %q): %w", name, typ, ErrNotFound)
}

// Load parses the composition for (name, type).
func (l *Loader) Load(name, typ string) (*Composition, error) {
	path, err := l.Path(name, typ)
	if err != nil {
		return nil, err
	}
	comp, err := l.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return comp, nil
}

// LoadFile parses one composition file. The name defaults to the file
// stem and the type to the directory the file sits under, so minimal
// fragments need no boilerplate frontmatter.
func (l *Loader) LoadFile(path string) (*Composition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read composition %s: %w", path, err)
	}

	comp := &Composition{}
	if strings.HasSuffix(path, ".md") {
		meta, body, hasFrontmatter := splitFrontmatter(string(raw))
		if hasFrontmatter {
			if err := yaml.Unmarshal([]byte(meta), comp); err != nil {
				return nil, fmt.Errorf("parse frontmatter %s: %w", path, err)
			}
		}
		comp.Content = strings.TrimSpace(body)
	} else {
		if err := yaml.Unmarshal(raw, comp); err != nil {
			return nil, fmt.Errorf("parse composition %s: %w", path, err)
		}
	}

	if comp.Name == "" {
		base := filepath.Base(path)
		comp.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if comp.Type == "" {
		comp.Type = l.typeForPath(path)
	}
	return comp, nil
}

// Fragment reads a source fragment referenced by a component. The
// reference is relative to the compositions root; markdown frontmatter
// is stripped.
func (l *Loader) Fragment(ref string) (string, error) {
	clean := filepath.Clean(ref)
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("fragment reference %q escapes the compositions root", ref)
	}
	raw, err := os.ReadFile(filepath.Join(l.root, clean))
	if err != nil {
		return "", fmt.Errorf("read fragment %s: %w", ref, err)
	}
	content := string(raw)
	if strings.HasSuffix(clean, ".md") {
		_, body, _ := splitFrontmatter(content)
		content = body
	}
	return strings.TrimSpace(content), nil
}

// typeForPath infers the composition type from the directory layout,
// longest directory prefix first.
func (l *Loader) typeForPath(path string) string {
	rel, err := filepath.Rel(l.root, path)
	if err != nil {
		return TypeComponent
	}
	rel = filepath.ToSlash(rel)

	best := TypeComponent
	bestLen := -1
	for typ, dir := range typeDirs {
		if strings.HasPrefix(rel, dir+"/") && len(dir) > bestLen {
			best = typ
			bestLen = len(dir)
		}
	}
	return best
}

// splitFrontmatter separates `---` fenced YAML frontmatter from the
// markdown body.
func splitFrontmatter(content string) (meta, body string, ok bool) {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	lines := strings.Split(content, "\n")
	if len(lines) < 3 || strings.TrimSpace(lines[0]) != "---" {
		return "", content, false
	}
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			return strings.Join(lines[1:i], "\n"), strings.Join(lines[i+1:], "\n"), true
		}
	}
	return "", content, false
}
