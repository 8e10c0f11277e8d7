package files

import (
	"fmt"
	"os"
	"path/filepath"
)

// FindUp searches dir and each of its parents for the relative path rel,
// returning the first existing match.
func FindUp(rel, dir string) (string, error) {
	curDir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolving %q: %w", dir, err)
	}
	for {
		candidate := filepath.Join(curDir, rel)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
		newDir := filepath.Dir(curDir)
		if newDir == curDir {
			return "", fmt.Errorf("%s not found in %s or any parent: %w", rel, dir, os.ErrNotExist)
		}
		curDir = newDir
	}
}
