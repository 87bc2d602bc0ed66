//go:build !darwin && !linux

package storage

// detectFilesystemType reports an unknown local type where statfs is not
// available, so the check never blocks those platforms.
func detectFilesystemType(path string) (string, error) {
	return "unknown", nil
}
