package docmodel

import (
	"fmt"
	"strings"
)

// SplitPath splits a slash separated path into segments. Leading and
// trailing slashes are ignored; "" and "/" are the root. Empty interior
// segments ("a//b") are rejected.
func SplitPath(path string) ([]string, error) {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil, nil
	}
	segs := strings.Split(path, "/")
	for _, s := range segs {
		if s == "" {
			return nil, fmt.Errorf("%w: %q has an empty segment", ErrInvalidPath, path)
		}
	}
	return segs, nil
}

// CommonPrefix returns the longest shared segment prefix of paths, or ""
// when they share none. A single path is its own prefix.
func CommonPrefix(paths []string) string {
	if len(paths) == 0 {
		return ""
	}
	prefix := strings.Split(strings.Trim(paths[0], "/"), "/")
	for _, p := range paths[1:] {
		segs := strings.Split(strings.Trim(p, "/"), "/")
		n := 0
		for n < len(prefix) && n < len(segs) && prefix[n] == segs[n] {
			n++
		}
		prefix = prefix[:n]
	}
	return strings.Join(prefix, "/")
}
