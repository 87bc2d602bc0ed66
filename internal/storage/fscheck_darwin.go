//go:build darwin

package storage

import (
	"fmt"
	"syscall"
)

// MNT_LOCAL from sys/mount.h
const mntLocal = 0x00001000

// f_fstypename values that differ from the names used in networkFilesystems
var darwinFilesystems = map[string]string{
	"nfs4":     "nfs",
	"smb":      "smbfs",
	"cifs":     "cifs",
	"afp":      "afpfs",
	"webdavfs": "webdav",
	"osxfuse":  "fuse",
	"macfuse":  "fuse",
}

func detectFilesystemType(path string) (string, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return "", fmt.Errorf("statfs %q: %w", path, err)
	}
	return darwinFilesystemName(stat.Fstypename[:], stat.Flags), nil
}

// darwinFilesystemName canonicalizes the mount's type name. A mount the
// kernel does not flag as local is reported as remote even when its name
// is unknown.
func darwinFilesystemName(typename []int8, flags uint32) string {
	raw := make([]byte, 0, len(typename))
	for _, b := range typename {
		if b == 0 {
			break
		}
		raw = append(raw, byte(b))
	}
	name := string(raw)
	if canonical, ok := darwinFilesystems[name]; ok {
		name = canonical
	}
	if flags&mntLocal == 0 && !isNetworkFilesystem(name) {
		return remotePrefix + name
	}
	return name
}
