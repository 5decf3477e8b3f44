package model

import "strings"

// PreservedPattern is an exact hostname or a single-leading-wildcard
// pattern such as "*.example.com".
type PreservedPattern string

// Matches reports whether hostname (already normalized) is protected by
// this pattern: an exact match, or a proper subdomain of the pattern's
// suffix when the pattern starts with "*.".
func (p PreservedPattern) Matches(hostname string) bool {
	pattern := NormalizeHostname(string(p))
	hostname = NormalizeHostname(hostname)

	if !strings.HasPrefix(pattern, "*.") {
		return pattern == hostname
	}

	suffix := pattern[1:] // ".example.com"
	if !strings.HasSuffix(hostname, suffix) {
		return false
	}
	// Must be a proper subdomain: "example.com" itself does not match
	// "*.example.com", only "foo.example.com" does.
	return len(hostname) > len(suffix)
}

// MatchesAny reports whether hostname matches any pattern in patterns.
func MatchesAny(patterns []PreservedPattern, hostname string) bool {
	for _, p := range patterns {
		if p.Matches(hostname) {
			return true
		}
	}
	return false
}
