package policy

import (
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// NormalizePath converts a target path to the slash-separated form rules match against.
// Backslashes become slashes, "./" prefixes and duplicate separators are removed.
func NormalizePath(p string) string {
	p = strings.ReplaceAll(strings.TrimSpace(p), `\`, "/")
	if p == "" {
		return ""
	}
	leadingSlash := strings.HasPrefix(p, "/")
	cleaned := path.Clean(p)
	if cleaned == "." {
		return ""
	}
	if !leadingSlash {
		cleaned = strings.TrimPrefix(cleaned, "/")
	}
	return cleaned
}

// ValidatePattern reports whether pattern is a well-formed glob.
func ValidatePattern(pattern string) bool {
	return pattern != "" && doublestar.ValidatePattern(pattern)
}

// MatchPath reports whether target matches pattern. A lone "**" matches everything.
func MatchPath(pattern, target string) bool {
	if pattern == "**" {
		return true
	}
	target = NormalizePath(target)
	// Rules are written without a leading slash; absolute targets still match them.
	ok, err := doublestar.Match(pattern, target)
	if err == nil && ok {
		return true
	}
	if strings.HasPrefix(target, "/") && !strings.HasPrefix(pattern, "/") {
		ok, err = doublestar.Match(pattern, strings.TrimPrefix(target, "/"))
		return err == nil && ok
	}
	return false
}

// WildcardSegments counts path segments of pattern containing glob metacharacters.
// Fewer wildcard segments means a more specific pattern.
func WildcardSegments(pattern string) int {
	n := 0
	for _, seg := range strings.Split(pattern, "/") {
		if strings.ContainsAny(seg, "*?[{") {
			n++
		}
	}
	return n
}
