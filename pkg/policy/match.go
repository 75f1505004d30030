package policy

import "strings"

// matchPattern matches a policy pattern against a concrete value. A
// pattern is either a literal or a literal prefix followed by a trailing
// "*" that matches any remainder. Empty patterns match everything.
func matchPattern(pattern, value string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(value, pattern[:len(pattern)-1])
	}
	return pattern == value
}

// specificity is the length of the action-kind pattern's literal prefix.
// Longer prefixes win; an exact pattern outranks "<same prefix>*".
func specificity(actionKind string) int {
	if i := strings.IndexByte(actionKind, '*'); i >= 0 {
		return i
	}
	return len(actionKind) + 1
}
