package fileutil

import (
	"encoding/hex"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// Blake3File returns the hex BLAKE3-256 digest and size of the file at path.
func Blake3File(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := blake3.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// Blake3Bytes returns the hex BLAKE3-256 digest of data.
func Blake3Bytes(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
