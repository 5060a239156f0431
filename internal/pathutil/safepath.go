// Package pathutil validates paths that come from untrusted archives before
// they are joined onto a directory on disk.
package pathutil

import (
	"errors"
	"path"
	"path/filepath"
	"strings"
)

var (
	ErrEmptyPath    = errors.New("empty path")
	ErrAbsolutePath = errors.New("absolute path")
	ErrTraversal    = errors.New("path traversal")
)

// HasDotSegments reports whether any slash-separated segment is "." or "..".
func HasDotSegments(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// CleanArchiveName normalizes a slash-separated archive entry name and
// rejects names that are empty, absolute, or climb out of the archive root.
// A trailing slash (directory entries) is dropped.
func CleanArchiveName(name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	if strings.HasPrefix(name, "/") || filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return "", ErrAbsolutePath
	}
	clean := path.Clean(name)
	if clean == "." || clean == "" {
		return "", ErrEmptyPath
	}
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", ErrTraversal
	}
	return clean, nil
}

// Within reports whether target is root itself or lies underneath it,
// after both are cleaned. Neither path is resolved against the filesystem.
func Within(root, target string) bool {
	root = filepath.Clean(root)
	target = filepath.Clean(target)
	if root == target {
		return true
	}
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}
