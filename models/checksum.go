package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

// ComputeSHA256 returns the lowercase hex SHA-256 of the file at path.
func ComputeSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyChecksum reports whether the file matches expected (hex,
// case-insensitive).
func VerifyChecksum(path, expected string) (bool, error) {
	if len(expected) != sha256.Size*2 {
		return false, fmt.Errorf("invalid SHA256 length: got %d characters, want %d", len(expected), sha256.Size*2)
	}
	if _, err := hex.DecodeString(expected); err != nil {
		return false, fmt.Errorf("invalid SHA256: %w", err)
	}
	actual, err := ComputeSHA256(path)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(actual, expected), nil
}

// ChecksumError is returned when a file's content does not match the
// manifest. It is never retried.
type ChecksumError struct {
	Path     string
	Expected string
	Actual   string
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: expected %s, got %s", e.Path, e.Expected, e.Actual)
}
