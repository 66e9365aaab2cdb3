package filter

import "strings"

// ReplaceVars makes one left-to-right pass over value replacing each
// var(--name[, fallback]) token. lookup supplies known values; an unknown
// name takes its fallback when one is given and otherwise the token is kept
// verbatim. Replaced text is not scanned again.
func ReplaceVars(value string, lookup func(name string) (string, bool)) string {
	if !strings.Contains(value, "var(") {
		return value
	}
	var b strings.Builder
	rest := value
	for {
		start := strings.Index(rest, "var(")
		if start < 0 {
			b.WriteString(rest)
			return b.String()
		}
		end := matchParen(rest, start+3)
		if end < 0 {
			b.WriteString(rest)
			return b.String()
		}
		b.WriteString(rest[:start])
		token := rest[start : end+1]
		name, fallback, hasFallback := splitVar(rest[start+4 : end])
		switch v, ok := lookup(name); {
		case ok:
			b.WriteString(v)
		case hasFallback:
			b.WriteString(fallback)
		default:
			b.WriteString(token)
		}
		rest = rest[end+1:]
	}
}

// HasVars reports whether value still references a custom property.
func HasVars(value string) bool {
	return strings.Contains(value, "var(")
}

// matchParen returns the index of the parenthesis closing the one at open.
func matchParen(s string, open int) int {
	depth := 0
	for i := open; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func splitVar(inner string) (name, fallback string, hasFallback bool) {
	depth := 0
	for i := 0; i < len(inner); i++ {
		switch inner[i] {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				return strings.TrimSpace(inner[:i]), strings.TrimSpace(inner[i+1:]), true
			}
		}
	}
	return strings.TrimSpace(inner), "", false
}
