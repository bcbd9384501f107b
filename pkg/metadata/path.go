package metadata

import (
	"path"
	"strings"
)

// SplitPath cleans an absolute path and returns its components.
// "/" yields no components.
func SplitPath(p string) ([]string, error) {
	if !strings.HasPrefix(p, "/") {
		return nil, NewError(ErrInvalid, "path is not absolute", p)
	}
	clean := path.Clean(p)
	if clean == "/" {
		return nil, nil
	}
	return strings.Split(clean[1:], "/"), nil
}

// CleanPath returns the cleaned form of an absolute path.
func CleanPath(p string) (string, error) {
	if !strings.HasPrefix(p, "/") {
		return "", NewError(ErrInvalid, "path is not absolute", p)
	}
	return path.Clean(p), nil
}

// SplitParent splits an absolute path into its parent directory and base name.
// The root has no parent and is rejected.
func SplitParent(p string) (dir, name string, err error) {
	clean, err := CleanPath(p)
	if err != nil {
		return "", "", err
	}
	if clean == "/" {
		return "", "", NewError(ErrInvalid, "root has no parent", p)
	}
	return path.Dir(clean), path.Base(clean), nil
}

// Depth returns the number of components in a cleaned absolute path.
func Depth(p string) int {
	parts, err := SplitPath(p)
	if err != nil {
		return 0
	}
	return len(parts)
}

// MaxNameLength bounds the length in bytes of a directory entry name.
const MaxNameLength = 255

// ValidName reports whether name can be used as a directory entry.
func ValidName(name string) bool {
	return name != "" && name != "." && name != ".." && len(name) <= MaxNameLength && !strings.Contains(name, "/")
}
