// Package composition loads, indexes, and resolves declarative
// compositions: agent profiles, prompts, personas, and orchestration
// patterns assembled from fragments, mixins, and inheritance chains.
package composition

import (
	"errors"
	"fmt"
)

// Composition types. The type selects the directory the loader
// searches and how consumers interpret the resolved object.
const (
	TypeComponent     = "component"
	TypePersona       = "persona"
	TypeBehavior      = "behavior"
	TypeOrchestration = "orchestration"
	TypeEvaluation    = "evaluation"
	TypeTool          = "tool"
	TypeProfile       = "profile"
	TypePrompt        = "prompt"
)

// Types lists every valid composition type.
var Types = []string{
	TypeComponent, TypePersona, TypeBehavior, TypeOrchestration,
	TypeEvaluation, TypeTool, TypeProfile, TypePrompt,
}

// ErrCircular is returned when extends/mixins/nested references form a
// cycle.
var ErrCircular = errors.New("composition: circular reference")

// ErrNotFound is returned when a composition cannot be located by name.
var ErrNotFound = errors.New("composition: not found")

// Composition is one declarative unit: either parsed from a file under
// the compositions tree or registered ephemerally via
// composition:create.
type Composition struct {
	Name        string               `yaml:"name" json:"name"`
	Type        string               `yaml:"type" json:"type"`
	Version     string               `yaml:"version,omitempty" json:"version,omitempty"`
	Description string               `yaml:"description,omitempty" json:"description,omitempty"`
	Author      string               `yaml:"author,omitempty" json:"author,omitempty"`
	Extends     string               `yaml:"extends,omitempty" json:"extends,omitempty"`
	Mixins      []string             `yaml:"mixins,omitempty" json:"mixins,omitempty"`
	Components  []Component          `yaml:"components,omitempty" json:"components,omitempty"`
	Variables   map[string]*Variable `yaml:"variables,omitempty" json:"variables,omitempty"`
	Metadata    map[string]any       `yaml:"metadata,omitempty" json:"metadata,omitempty"`

	// Content is the markdown body when the composition was loaded
	// from a frontmatter file. Never serialized back into frontmatter.
	Content string `yaml:"-" json:"content,omitempty"`
}

// Component is one part of a composition. Exactly one of Source,
// Composition, Inline, or Template must be set.
type Component struct {
	Name string `yaml:"name" json:"name"`

	// Source references a fragment file relative to the compositions
	// root; its content is attached (with variable substitution).
	Source string `yaml:"source,omitempty" json:"source,omitempty"`

	// Composition nests another composition by name, resolved
	// recursively.
	Composition string `yaml:"composition,omitempty" json:"composition,omitempty"`

	// Inline attaches a literal object; string values inside it are
	// substituted.
	Inline map[string]any `yaml:"inline,omitempty" json:"inline,omitempty"`

	// Template attaches a rendered template string.
	Template string `yaml:"template,omitempty" json:"template,omitempty"`

	// Vars overlay the resolution variables for this component only.
	Vars map[string]any `yaml:"vars,omitempty" json:"vars,omitempty"`

	// Condition gates the component with a single expression;
	// Conditions with a block. Both present means both must pass.
	Condition  string      `yaml:"condition,omitempty" json:"condition,omitempty"`
	Conditions *Conditions `yaml:"conditions,omitempty" json:"conditions,omitempty"`
}

// Conditions gates a component on several expressions at once.
type Conditions struct {
	AllOf  []string `yaml:"all_of,omitempty" json:"all_of,omitempty"`
	AnyOf  []string `yaml:"any_of,omitempty" json:"any_of,omitempty"`
	NoneOf []string `yaml:"none_of,omitempty" json:"none_of,omitempty"`
}

// Variable declares one substitution variable and its default.
type Variable struct {
	Type        string `yaml:"type,omitempty" json:"type,omitempty"`
	Default     any    `yaml:"default,omitempty" json:"default,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Required    bool   `yaml:"required,omitempty" json:"required,omitempty"`
}

// ValidType reports whether t is a known composition type.
func ValidType(t string) bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

// Validate checks a composition definition and returns the list of
// problems; an empty list means valid.
func Validate(c *Composition) []string {
	var issues []string
	if c.Name == "" {
		issues = append(issues, "name is required")
	}
	if c.Type == "" {
		issues = append(issues, "type is required")
	} else if !ValidType(c.Type) {
		issues = append(issues, fmt.Sprintf("unknown type %q", c.Type))
	}
	for i, comp := range c.Components {
		if comp.Name == "" {
			issues = append(issues, fmt.Sprintf("components[%d]: name is required", i))
		}
		set := 0
		for _, present := range []bool{
			comp.Source != "", comp.Composition != "", comp.Inline != nil, comp.Template != "",
		} {
			if present {
				set++
			}
		}
		if set != 1 {
			issues = append(issues, fmt.Sprintf(
				"components[%d] (%s): exactly one of source, composition, inline, template required",
				i, comp.Name))
		}
		for _, cond := range collectConditions(&comp) {
			if _, err := parseCondition(cond); err != nil {
				issues = append(issues, fmt.Sprintf("components[%d] (%s): %v", i, comp.Name, err))
			}
		}
	}
	for name, v := range c.Variables {
		if v == nil {
			issues = append(issues, fmt.Sprintf("variables[%s]: empty declaration", name))
		}
	}
	return issues
}

func collectConditions(c *Component) []string {
	var out []string
	if c.Condition != "" {
		out = append(out, c.Condition)
	}
	if c.Conditions != nil {
		out = append(out, c.Conditions.AllOf...)
		out = append(out, c.Conditions.AnyOf...)
		out = append(out, c.Conditions.NoneOf...)
	}
	return out
}
