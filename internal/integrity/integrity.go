package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"stackops/internal/errors"
)

// SidecarSuffix is appended to an archive path to name its checksum file
const SidecarSuffix = ".sha256"

// FileChecksum computes the SHA-256 checksum of a file, streaming so
// large archives never load fully into memory.
func FileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s for checksumming: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to read %s for checksumming: %w", path, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// Checksum computes the SHA-256 checksum of in-memory data
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// WriteSidecar computes the file's checksum and persists it alongside
// the file in "<checksum>  <basename>" form, the same layout sha256sum
// emits. Returns the checksum.
func WriteSidecar(path string) (string, error) {
	sum, err := FileChecksum(path)
	if err != nil {
		return "", err
	}

	base := path[strings.LastIndex(path, "/")+1:]
	content := fmt.Sprintf("%s  %s\n", sum, base)
	if err := os.WriteFile(path+SidecarSuffix, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("failed to write checksum sidecar: %w", err)
	}

	return sum, nil
}

// VerifyFile recomputes the file's checksum and compares it to the
// expected value. A mismatch is an integrity failure, never repaired.
func VerifyFile(path, expected string) error {
	actual, err := FileChecksum(path)
	if err != nil {
		return errors.NewIntegrityError(
			fmt.Sprintf("cannot verify %s", path), err)
	}

	if actual != expected {
		return errors.NewIntegrityError(
			fmt.Sprintf("checksum mismatch for %s", path), nil).
			WithContext("expected", expected).
			WithContext("actual", actual)
	}

	return nil
}

// ReadSidecar reads the checksum recorded next to the file
func ReadSidecar(path string) (string, error) {
	data, err := os.ReadFile(path + SidecarSuffix)
	if err != nil {
		return "", fmt.Errorf("failed to read checksum sidecar for %s: %w", path, err)
	}

	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return "", fmt.Errorf("empty checksum sidecar for %s", path)
	}
	return fields[0], nil
}
