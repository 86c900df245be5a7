package fsutil

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ExpandHome expands a leading '~' to the user's home directory.
func ExpandHome(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~/")), nil
}

// PathExists checks if the given path exists.
func PathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil || !errors.Is(err, os.ErrNotExist)
}

// FindExecutable resolves a helper binary. An explicit path (containing a
// separator or '~') is only expanded and checked. A bare name is looked up
// next to the running executable first, then on PATH.
func FindExecutable(name string) (string, error) {
	if name == "" {
		return "", errors.New("empty executable name")
	}
	if strings.ContainsRune(name, os.PathSeparator) || name[0] == '~' {
		p, err := ExpandHome(name)
		if err != nil {
			return "", err
		}
		if !PathExists(p) {
			return "", fmt.Errorf("%s: %w", p, os.ErrNotExist)
		}
		return p, nil
	}
	if self, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(self), name)
		if fi, err := os.Stat(sibling); err == nil && !fi.IsDir() {
			return sibling, nil
		}
	}
	return exec.LookPath(name)
}
