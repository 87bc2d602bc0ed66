package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
)

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// VerifyFileHash verifies a file against an expected BLAKE3 hash.
func VerifyFileHash(filePath, expectedHash string) error {
	actualHash, err := ComputeBlake3Hash(filePath)
	if err != nil {
		return fmt.Errorf("failed to compute hash: %w", err)
	}

	if actualHash != expectedHash {
		return fmt.Errorf("hash mismatch for %s: expected %s, got %s",
			filepath.Base(filePath), expectedHash, actualHash)
	}
	return nil
}

// Fingerprint hashes every source file in order, so a run can record exactly
// which configuration produced it.
func (c *Config) Fingerprint() (string, error) {
	h := blake3.New()
	for _, p := range c.SourceFiles {
		sum, err := ComputeBlake3Hash(p)
		if err != nil {
			return "", fmt.Errorf("hash %s: %w", p, err)
		}
		_, _ = h.Write([]byte(sum))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
