// Package pathutil holds path helpers shared by the engine and the worker
// binary. Engine paths are repo-relative and always use the "./sub/name.ext"
// form with forward slashes; the project root never appears in them, which
// keeps snapshots portable when the project directory is moved or renamed.
package pathutil

import (
	"path/filepath"
	"strings"
)

// Rel converts an absolute path under root to the engine's "./…" form.
func Rel(root, abs string) (string, error) {
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return "", err
	}
	return "./" + filepath.ToSlash(rel), nil
}

// Abs resolves an engine-relative path against the project root.
func Abs(root, rel string) string {
	return filepath.Join(root, filepath.FromSlash(strings.TrimPrefix(rel, "./")))
}

// IsHidden reports whether any component of the path begins with a dot.
// Hidden files and everything under hidden directories are excluded from
// the matrix and from watcher subscriptions.
func IsHidden(path string) bool {
	path = strings.TrimPrefix(filepath.ToSlash(path), "./")
	for _, part := range strings.Split(path, "/") {
		if strings.HasPrefix(part, ".") && part != "." && part != ".." {
			return true
		}
	}
	return false
}

// compound extensions treated as a single extension when sorting and when
// selecting tools.
var compoundExts = []string{".tar.gz", ".tar.bz2"}

// SplitExt splits a path into root and extension, keeping known compound
// extensions together.
func SplitExt(path string) (string, string) {
	for _, compound := range compoundExts {
		if strings.HasSuffix(path, compound) {
			return path[:len(path)-len(compound)], compound
		}
	}
	ext := filepath.Ext(path)
	return path[:len(path)-len(ext)], ext
}
