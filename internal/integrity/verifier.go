// Package integrity provides file verification and hash calculation
package integrity

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"
)

// FileVerifier handles file integrity checks
type FileVerifier struct{}

func NewFileVerifier() *FileVerifier {
	return &FileVerifier{}
}

// Verify checks if the file at path matches the expected hash
func (v *FileVerifier) Verify(path string, algo string, expected string) error {
	actual, err := CalculateHash(path, algo)
	if err != nil {
		return err
	}

	if !strings.EqualFold(actual, expected) {
		return fmt.Errorf("hash mismatch: expected %s, got %s", expected, actual)
	}

	return nil
}

// CalculateHash computes the hash of a file.
// algorithm is one of "md5", "sha1", "sha256", "sha512".
func CalculateHash(filePath string, algorithm string) (string, error) {
	h, err := newHasher(algorithm)
	if err != nil {
		return "", err
	}

	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	if _, err := io.Copy(h, file); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

func newHasher(algorithm string) (hash.Hash, error) {
	switch strings.ToLower(algorithm) {
	case "md5":
		return md5.New(), nil
	case "sha1":
		return sha1.New(), nil
	case "sha256":
		return sha256.New(), nil
	case "sha512":
		return sha512.New(), nil
	default:
		return nil, fmt.Errorf("unsupported algorithm: %s", algorithm)
	}
}
