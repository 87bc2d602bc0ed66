package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var networkFilesystems = map[string]struct{}{
	"afpfs":  {},
	"cifs":   {},
	"nfs":    {},
	"smbfs":  {},
	"smb2":   {},
	"webdav": {},
}

// EnsureLocalFilesystem fails when path (or its nearest existing parent) is
// on a network filesystem. purpose names the path in the error, e.g.
// "document store" or "scratch root".
func EnsureLocalFilesystem(path, purpose string) error {
	return ensureLocalWithDetector(path, purpose, detectFilesystemType)
}

func ensureLocalWithDetector(path, purpose string, detector func(string) (string, error)) error {
	if path == "" {
		return fmt.Errorf("%s path is empty", purpose)
	}

	inspectPath, err := nearestExistingPath(path)
	if err != nil {
		return fmt.Errorf("resolve %s path %q: %w", purpose, path, err)
	}

	fsType, err := detector(inspectPath)
	if err != nil {
		return fmt.Errorf("detect filesystem for %q: %w", inspectPath, err)
	}

	if isNetworkFilesystem(fsType) {
		return fmt.Errorf(
			"%s %q is on network filesystem %q; use local disk (set store.path or scratch.dir to a local path)",
			purpose,
			path,
			fsType,
		)
	}
	return nil
}

func nearestExistingPath(path string) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}

	candidate := absPath
	for {
		_, err := os.Stat(candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat %q: %w", candidate, err)
		}

		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing parent for %q", absPath)
		}
		candidate = parent
	}
}

// remotePrefix marks a mount the OS reports as non-local under an
// otherwise unknown type name.
const remotePrefix = "remote:"

func isNetworkFilesystem(fsType string) bool {
	name := strings.TrimSpace(strings.ToLower(fsType))
	if strings.HasPrefix(name, remotePrefix) {
		return true
	}
	_, found := networkFilesystems[name]
	return found
}
