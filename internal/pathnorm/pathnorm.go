// Package pathnorm canonicalizes path strings for storage in the catalog.
package pathnorm

import "strings"

// Normalize rewrites p into its canonical catalog form: backslashes become
// forward slashes, the path is split on "/", empty segments (leading,
// trailing or doubled separators) are dropped, and the remaining segments
// are rejoined with "/".
func Normalize(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	parts := strings.Split(p, "/")
	kept := make([]string, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			continue
		}
		kept = append(kept, part)
	}
	return strings.Join(kept, "/")
}

// IsAbs reports whether p, after normalization of its separators, is an
// absolute path. Job initialize rejects any src_dir/dst_dir for which this
// is false.
func IsAbs(p string) bool {
	q := strings.ReplaceAll(p, "\\", "/")
	return strings.HasPrefix(q, "/")
}

// Join joins a root directory with an already-normalized relative path.
func Join(root, relPath string) string {
	root = strings.TrimRight(strings.ReplaceAll(root, "\\", "/"), "/")
	return root + "/" + relPath
}
