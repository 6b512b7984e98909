package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/blake2b"

	"vidpress/internal/services"
)

// Supported digest algorithms.
const (
	AlgorithmSHA256  = "sha256"
	AlgorithmBLAKE2b = "blake2b"
)

const hashChunkSize = 1 << 20

// NewHasher returns a fresh digest for the named algorithm. An empty name
// selects sha256.
func NewHasher(algorithm string) (hash.Hash, error) {
	switch strings.ToLower(strings.TrimSpace(algorithm)) {
	case "", AlgorithmSHA256:
		return sha256.New(), nil
	case AlgorithmBLAKE2b:
		return blake2b.New256(nil)
	default:
		return nil, services.Wrap(services.ErrValidation, "dedup", "hash", fmt.Sprintf("unsupported algorithm %q", algorithm), nil)
	}
}

// HashReader digests everything readable from r and returns lower-case hex.
func HashReader(r io.Reader, algorithm string) (string, error) {
	return hashStream(context.Background(), r, algorithm)
}

// HashFile digests the file at path. Cancellation is honoured between chunks.
func HashFile(ctx context.Context, path, algorithm string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()
	return hashStream(ctx, file, algorithm)
}

func hashStream(ctx context.Context, r io.Reader, algorithm string) (string, error) {
	hasher, err := NewHasher(algorithm)
	if err != nil {
		return "", err
	}
	buf := make([]byte, hashChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, readErr := r.Read(buf)
		if n > 0 {
			_, _ = hasher.Write(buf[:n])
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return "", fmt.Errorf("read content: %w", readErr)
		}
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// NormalizeHash trims and lower-cases a digest supplied by a caller.
func NormalizeHash(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

// ValidHash reports whether value looks like a hex digest of a supported length.
func ValidHash(value string) bool {
	if len(value) != 64 {
		return false
	}
	_, err := hex.DecodeString(value)
	return err == nil
}
