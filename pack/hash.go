package pack

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

// VerifyFileHash checks that the SHA-256 of the file at path matches the
// expected hex-encoded hash. An empty expected hash skips verification: the
// bundle is treated as unverified rather than rejected, trusting
// transport-level security instead. Callers should log that downgrade.
func VerifyFileHash(path, expectedHash string) error {
	if strings.TrimSpace(expectedHash) == "" {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open bundle for verification: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("failed to hash bundle: %w", err)
	}

	actual := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(actual, expectedHash) {
		return &UpdateError{
			Hash: expectedHash,
			Msg:  fmt.Sprintf("content hash mismatch, got %s", actual),
		}
	}
	return nil
}

// HashBytes returns the hex-encoded SHA-256 of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
