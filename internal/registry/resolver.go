package registry

import (
	"sort"
	"strings"
)

// Resolve returns every key visible from r (its own keys plus ancestors',
// same shadowing rule as AllKeys) that matches the dotted glob pattern.
// A pattern segment of "*" matches exactly one dotted segment; patterns
// with a different segment count than a key never match it.
func Resolve(r *Registry, pattern string) []string {
	if !strings.Contains(pattern, "*") {
		if _, ok := r.Get(pattern); ok {
			return []string{pattern}
		}
		return nil
	}

	patternSegments := strings.Split(pattern, ".")
	var matches []string
	for _, key := range r.AllKeys() {
		if matchSegments(patternSegments, strings.Split(key, ".")) {
			matches = append(matches, key)
		}
	}
	sort.Strings(matches)
	return matches
}

func matchSegments(pattern, key []string) bool {
	if len(pattern) != len(key) {
		return false
	}
	for i, p := range pattern {
		if p == "*" {
			continue
		}
		if p != key[i] {
			return false
		}
	}
	return true
}
