package composition

import (
	"fmt"
	"strings"
)

// Condition grammar, one expression per string:
//
//	name            variable is truthy
//	not name        variable is falsy (also: !name)
//	name == value   string comparison against the variable
//	name != value   negated comparison
//
// An undefined variable evaluates as false: bare references fail,
// negated references pass, comparisons fail either way. Values may be
// quoted; comparison is on the string form.
type condition struct {
	negate  bool
	varName string
	op      string
	literal string
}

func parseCondition(expr string) (*condition, error) {
	s := strings.TrimSpace(expr)
	if s == "" {
		return nil, fmt.Errorf("empty condition")
	}

	c := &condition{}
	switch {
	case strings.HasPrefix(s, "not "):
		c.negate = true
		s = strings.TrimSpace(s[4:])
	case strings.HasPrefix(s, "!") && !strings.HasPrefix(s, "!="):
		c.negate = true
		s = strings.TrimSpace(s[1:])
	}

	for _, op := range []string{"==", "!="} {
		if left, right, ok := strings.Cut(s, op); ok {
			if c.negate {
				return nil, fmt.Errorf("condition %q: negation cannot combine with %s", expr, op)
			}
			c.varName = strings.TrimSpace(left)
			c.op = op
			c.literal = strings.Trim(strings.TrimSpace(right), `"'`)
			if c.varName == "" || c.literal == "" {
				return nil, fmt.Errorf("condition %q: malformed comparison", expr)
			}
			return c, nil
		}
	}

	c.varName = s
	if c.varName == "" || strings.ContainsAny(c.varName, " \t") {
		return nil, fmt.Errorf("condition %q: malformed variable reference", expr)
	}
	return c, nil
}

func (c *condition) eval(vars map[string]any) bool {
	v, defined := vars[c.varName]

	switch c.op {
	case "==":
		return defined && fmt.Sprint(v) == c.literal
	case "!=":
		return defined && fmt.Sprint(v) != c.literal
	}

	result := defined && truthy(v)
	if c.negate {
		return !result
	}
	return result
}

// evalCondition evaluates one expression; unparseable expressions are
// false (Validate reports them ahead of time).
func evalCondition(expr string, vars map[string]any) bool {
	c, err := parseCondition(expr)
	if err != nil {
		return false
	}
	return c.eval(vars)
}

// selected reports whether a component's gates pass under vars.
func (c *Component) selected(vars map[string]any) bool {
	if c.Condition != "" && !evalCondition(c.Condition, vars) {
		return false
	}
	if c.Conditions == nil {
		return true
	}
	for _, expr := range c.Conditions.AllOf {
		if !evalCondition(expr, vars) {
			return false
		}
	}
	if len(c.Conditions.AnyOf) > 0 {
		any := false
		for _, expr := range c.Conditions.AnyOf {
			if evalCondition(expr, vars) {
				any = true
				break
			}
		}
		if !any {
			return false
		}
	}
	for _, expr := range c.Conditions.NoneOf {
		if evalCondition(expr, vars) {
			return false
		}
	}
	return true
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != "" && t != "false"
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}
