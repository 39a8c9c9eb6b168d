package util

import "path"

// MatchAny reports whether name matches at least one wildcard pattern.
// An empty pattern list matches everything. Pattern syntax is path.Match:
// '*' matches any run of non-separator characters and '?' a single one.
func MatchAny(patterns []string, name string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if matched, _ := path.Match(p, name); matched {
			return true
		}
	}
	return false
}
