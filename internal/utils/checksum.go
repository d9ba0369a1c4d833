package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/nulvox/firecracker-helpers/internal/logging"
)

// CalculateSHA256 computes the hex-encoded SHA256 digest of a file.
func CalculateSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyChecksum checks a file against an expected SHA256 digest. The
// expected value may carry a "sha256:" prefix.
func VerifyChecksum(path, expected string) error {
	expected = strings.TrimPrefix(strings.TrimSpace(expected), "sha256:")

	actual, err := CalculateSHA256(path)
	if err != nil {
		return err
	}

	if !strings.EqualFold(actual, expected) {
		return fmt.Errorf("checksum mismatch: expected %s, got %s", expected, actual)
	}

	logging.Debug("Checksum verified", "file", path, "sha256", actual)
	return nil
}
