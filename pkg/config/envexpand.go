package config

import (
	"bytes"
	"os"
	"strings"
	"text/template"
)

// ExpandEnv expands environment variables in YAML sources (capability
// definitions, permission profiles, composition files) using Go
// template syntax: {{.VAR_NAME}}.
//
// The {{.VAR}} form is used instead of $VAR so that literal $ survives
// untouched, which matters for the content these files carry:
//   - regex patterns in conditions: ^agent_.*$
//   - prompt text quoting shell: echo $PATH
//
// Missing variables expand to empty string; validation downstream
// catches required fields left empty. Malformed template syntax leaves
// the input unchanged so plain YAML always passes through.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("ksi").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	envMap := make(map[string]string)
	for _, env := range os.Environ() {
		// Split on the first = only; values may contain =.
		if idx := strings.IndexByte(env, '='); idx > 0 {
			envMap[env[:idx]] = env[idx+1:]
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, envMap); err != nil {
		return data
	}
	return buf.Bytes()
}
