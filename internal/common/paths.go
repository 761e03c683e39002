package common

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var unsafeIDChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// CleanPath sanitizes a file path to prevent directory traversal attacks
func CleanPath(path string) (string, error) {
	cleaned := filepath.Clean(path)

	if strings.Contains(cleaned, "..") {
		return "", fmt.Errorf("invalid path: contains directory traversal")
	}

	if !filepath.IsAbs(cleaned) {
		abs, err := filepath.Abs(cleaned)
		if err != nil {
			return "", fmt.Errorf("failed to resolve absolute path: %w", err)
		}
		cleaned = abs
	}

	return cleaned, nil
}

// SafeJoin joins a relative member name (for example a zip entry) onto base and
// rejects names that would escape base.
func SafeJoin(base, name string) (string, error) {
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("invalid member name %q: absolute path", name)
	}
	joined := filepath.Join(base, filepath.FromSlash(name))
	rel, err := filepath.Rel(base, joined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid member name %q: escapes target directory", name)
	}
	return joined, nil
}

// SanitizeID maps a project identifier onto a single safe directory name
func SanitizeID(id string) string {
	safe := unsafeIDChars.ReplaceAllString(strings.TrimSpace(id), "_")
	safe = strings.Trim(safe, ".")
	if safe == "" {
		return "_"
	}
	return safe
}
