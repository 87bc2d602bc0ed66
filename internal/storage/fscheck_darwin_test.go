//go:build darwin

package storage

import "testing"

func typename(s string) []int8 {
	buf := make([]int8, 16)
	for i := 0; i < len(s); i++ {
		buf[i] = int8(s[i])
	}
	return buf
}

func TestDarwinFilesystemName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		raw   string
		flags uint32
		want  string
	}{
		{"local apfs", "apfs", mntLocal, "apfs"},
		{"smb alias", "smb", 0, "smbfs"},
		{"nfs4 alias", "nfs4", 0, "nfs"},
		{"unknown remote", "osxfuse", 0, "remote:fuse"},
		{"local fuse", "macfuse", mntLocal, "fuse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := darwinFilesystemName(typename(tt.raw), tt.flags); got != tt.want {
				t.Fatalf("darwinFilesystemName(%q, %#x) = %q, want %q", tt.raw, tt.flags, got, tt.want)
			}
		})
	}
}
