package store

import "strings"

// SanitizeAlias restricts a profile alias (or hook name) to a filename-safe
// character set. Anything outside [A-Za-z0-9._-] becomes an underscore; an
// empty result falls back to "default".
func SanitizeAlias(alias string) string {
	var b strings.Builder
	for _, r := range alias {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '_' || r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "default"
	}
	return out
}
