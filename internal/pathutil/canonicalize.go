// Package pathutil canonicalizes filesystem paths so that semantically
// equal working directories compare equal as strings when used as client
// lookup keys.
package pathutil

import (
	"os"
	"path/filepath"
	"strings"
)

// Canonicalize expands a leading "~", resolves "." and ".." segments, and
// strips any trailing slash, returning an absolute, clean path.
//
// It never touches the filesystem beyond reading $HOME: a non-existent
// path canonicalizes the same as an existing one, since the client keyed
// on it may not exist yet.
func Canonicalize(path string) (string, error) {
	expanded, err := expandHome(path)
	if err != nil {
		return "", err
	}

	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", err
	}

	return filepath.Clean(abs), nil
}

func expandHome(path string) (string, error) {
	if path == "~" {
		return os.UserHomeDir()
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, `~\`) {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}

// ClientKey builds the canonical dedup key for a (kind, cwd) pair.
func ClientKey(kind, canonicalCwd string) string {
	return kind + "\x00" + canonicalCwd
}
