package composition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestResolver(t *testing.T, files map[string]string) *Resolver {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		writeFile(t, root, rel, content)
	}
	return NewResolver(NewLoader(root), nil)
}

func TestResolveInlineTemplateAndVars(t *testing.T) {
	r := newTestResolver(t, map[string]string{
		"components/profiles/agent.yaml": `
name: agent
type: profile
version: "2.1.0"
variables:
  model:
    default: claude
  temperature:
    default: 0.7
components:
  - name: settings
    inline:
      model: "{{model}}"
      temperature: "{{temperature}}"
      static: unchanged
  - name: banner
    template: "Running {{model}} with config {{extra}}"
`})

	resolved, err := r.ResolveName(t.Context(), "agent", TypeProfile, map[string]any{
		"extra": map[string]any{"retries": 3},
	})
	require.NoError(t, err)

	settings := resolved["settings"].(map[string]any)
	assert.Equal(t, "claude", settings["model"])
	assert.Equal(t, "0.7", settings["temperature"], "substitution is string replacement")
	assert.Equal(t, "unchanged", settings["static"])

	assert.Equal(t, `Running claude with config {"retries":3}`,
		resolved["banner"], "non-scalars substitute as JSON")

	meta := resolved["_metadata"].(map[string]any)
	assert.Equal(t, "agent", meta["composition"])
	assert.Equal(t, TypeProfile, meta["type"])
	assert.Equal(t, "2.1.0", meta["version"])
	assert.NotEmpty(t, meta["resolved_at"])
}

func TestResolveUnknownPlaceholderKept(t *testing.T) {
	r := newTestResolver(t, map[string]string{
		"components/prompts/p.yaml": `
name: p
type: prompt
components:
  - name: text
    template: "Hello {{who}}"
`})
	resolved, err := r.ResolveName(t.Context(), "p", TypePrompt, nil)
	require.NoError(t, err)
	assert.Equal(t, "Hello {{who}}", resolved["text"])
}

func TestResolveRequiredVariable(t *testing.T) {
	r := newTestResolver(t, map[string]string{
		"components/profiles/strict.yaml": `
name: strict
type: profile
variables:
  target:
    required: true
`})
	_, err := r.ResolveName(t.Context(), "strict", TypeProfile, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `required variable "target"`)

	_, err = r.ResolveName(t.Context(), "strict", TypeProfile, map[string]any{"target": "x"})
	assert.NoError(t, err)
}

func TestResolveConditionGating(t *testing.T) {
	r := newTestResolver(t, map[string]string{
		"components/profiles/gated.yaml": `
name: gated
type: profile
components:
  - name: tools
    condition: enable_tools
    inline:
      allowed: [file_read]
  - name: guard
    conditions:
      none_of: [enable_tools]
    template: "tools disabled"
`})

	resolved, err := r.ResolveName(t.Context(), "gated", TypeProfile,
		map[string]any{"enable_tools": true})
	require.NoError(t, err)
	assert.Contains(t, resolved, "tools")
	assert.NotContains(t, resolved, "guard")

	resolved, err = r.ResolveName(t.Context(), "gated", TypeProfile, nil)
	require.NoError(t, err)
	assert.NotContains(t, resolved, "tools", "undefined variable gates the component off")
	assert.Contains(t, resolved, "guard")
}

func TestResolveExtendsAndMixins(t *testing.T) {
	r := newTestResolver(t, map[string]string{
		"components/profiles/base.yaml": `
name: base
type: profile
components:
  - name: limits
    inline:
      max_tokens: 1000
      timeout: 30
  - name: role
    template: "assistant"
`,
		"components/profiles/tooling.yaml": `
name: tooling
type: profile
components:
  - name: limits
    inline:
      max_tokens: 4000
  - name: tools
    inline:
      allowed: [file_read, file_write]
`,
		"components/profiles/researcher.yaml": `
name: researcher
type: profile
extends: base
mixins: [tooling]
components:
  - name: role
    template: "researcher"
`})

	resolved, err := r.ResolveName(t.Context(), "researcher", TypeProfile, nil)
	require.NoError(t, err)

	limits := resolved["limits"].(map[string]any)
	assert.Equal(t, 4000, limits["max_tokens"], "mixin overrides the base map key")
	assert.Equal(t, 30, limits["timeout"], "non-overlapping base keys survive the merge")
	assert.Contains(t, resolved, "tools")
	assert.Equal(t, "researcher", resolved["role"], "own components override inherited ones")

	meta := resolved["_metadata"].(map[string]any)
	assert.Equal(t, "researcher", meta["composition"], "annotation reflects the outermost composition")
}

func TestResolveNestedComposition(t *testing.T) {
	r := newTestResolver(t, map[string]string{
		"components/personas/critic.yaml": `
name: critic
type: persona
components:
  - name: stance
    template: "Critique with {{severity}} severity"
`,
		"components/profiles/review.yaml": `
name: review
type: profile
components:
  - name: persona
    composition: critic
    vars:
      severity: high
`})

	resolved, err := r.ResolveName(t.Context(), "review", TypeProfile, nil)
	require.NoError(t, err)
	persona := resolved["persona"].(map[string]any)
	assert.Equal(t, "Critique with high severity", persona["stance"],
		"component vars overlay the resolution variables")
}

func TestResolveFragment(t *testing.T) {
	r := newTestResolver(t, map[string]string{
		"components/fragments/rules.md": "Always cite {{count}} sources.",
		"components/prompts/research.yaml": `
name: research
type: prompt
variables:
  count:
    default: 3
components:
  - name: rules
    source: components/fragments/rules.md
`})

	resolved, err := r.ResolveName(t.Context(), "research", TypePrompt, nil)
	require.NoError(t, err)
	assert.Equal(t, "Always cite 3 sources.", resolved["rules"])
}

func TestResolveCycle(t *testing.T) {
	r := newTestResolver(t, map[string]string{
		"components/profiles/a.yaml": "name: a\ntype: profile\nextends: b\n",
		"components/profiles/b.yaml": "name: b\ntype: profile\nextends: a\n",
	})
	_, err := r.ResolveName(t.Context(), "a", TypeProfile, nil)
	assert.ErrorIs(t, err, ErrCircular)
}

func TestResolveMixinCycle(t *testing.T) {
	r := newTestResolver(t, map[string]string{
		"components/profiles/m1.yaml": "name: m1\ntype: profile\nmixins: [m2]\n",
		"components/profiles/m2.yaml": "name: m2\ntype: profile\nmixins: [m1]\n",
	})
	_, err := r.ResolveName(t.Context(), "m1", TypeProfile, nil)
	assert.ErrorIs(t, err, ErrCircular)
}

func TestResolveDiamondIsNotACycle(t *testing.T) {
	r := newTestResolver(t, map[string]string{
		"components/profiles/shared.yaml": "name: shared\ntype: profile\ncomponents:\n  - name: s\n    template: shared\n",
		"components/profiles/left.yaml":   "name: left\ntype: profile\nextends: shared\n",
		"components/profiles/top.yaml":    "name: top\ntype: profile\nextends: left\nmixins: [shared]\n",
	})
	resolved, err := r.ResolveName(t.Context(), "top", TypeProfile, nil)
	require.NoError(t, err)
	assert.Equal(t, "shared", resolved["s"], "re-reaching a node off the current path is allowed")
}

func TestResolveMarkdownContent(t *testing.T) {
	r := newTestResolver(t, map[string]string{
		"components/personas/guide.md": `---
name: guide
type: persona
variables:
  tone:
    default: calm
---
Speak in a {{tone}} tone.
`})
	resolved, err := r.ResolveName(t.Context(), "guide", TypePersona, nil)
	require.NoError(t, err)
	assert.Equal(t, "Speak in a calm tone.", resolved["content"])
}

func TestEphemeralCreateAndResolve(t *testing.T) {
	r := newTestResolver(t, nil)

	err := r.Create(&Composition{
		Name: "runtime_profile",
		Type: TypeProfile,
		Components: []Component{
			{Name: "origin", Template: "created at runtime"},
		},
	})
	require.NoError(t, err)

	assert.Error(t, r.Create(&Composition{Name: "runtime_profile", Type: TypeProfile}),
		"duplicate ephemeral names are rejected")
	assert.Error(t, r.Create(&Composition{Name: "", Type: TypeProfile}),
		"ephemeral definitions still validate")

	resolved, err := r.ResolveName(t.Context(), "runtime_profile", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "created at runtime", resolved["origin"])
}

func TestValidateComposition(t *testing.T) {
	issues := Validate(&Composition{
		Name: "bad",
		Type: "mystery",
		Components: []Component{
			{Name: "both", Template: "x", Source: "y.md"},
			{Name: "neither"},
			{Name: "badcond", Template: "x", Condition: "one two three"},
		},
	})
	require.Len(t, issues, 4)
	assert.Contains(t, issues[0], "unknown type")

	assert.Empty(t, Validate(&Composition{
		Name: "good",
		Type: TypeProfile,
		Components: []Component{
			{Name: "only", Template: "x", Condition: "enable"},
		},
	}))
}
