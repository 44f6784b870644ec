package event

import "strings"

// MatchPattern reports whether an event name matches a registration or
// subscription pattern. Patterns are exact names, the full wildcard
// "*", or a suffix glob like "completion:*" where the single * must be
// the final character. Wildcards elsewhere do not match anything; the
// router rejects them at registration.
func MatchPattern(pattern, name string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		prefix := pattern[:len(pattern)-1]
		if strings.Contains(prefix, "*") {
			return false
		}
		return strings.HasPrefix(name, prefix)
	}
	if strings.Contains(pattern, "*") {
		return false
	}
	return pattern == name
}

// ValidPattern reports whether a pattern is usable for registration:
// an exact valid name, "*", or "<prefix>*" with no interior wildcard.
func ValidPattern(pattern string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return !strings.Contains(pattern[:len(pattern)-1], "*")
	}
	return ValidName(pattern)
}

// MatchAny reports whether any pattern in patterns matches name. An
// empty pattern list matches everything, the subscription default.
func MatchAny(patterns []string, name string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if MatchPattern(p, name) {
			return true
		}
	}
	return false
}
