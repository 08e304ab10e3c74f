package chunklist

import (
	"bufio"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/vertextoedge/installer-fetch/internal/domain"
)

// Verify checks file against the manifest at manifestPath. The manifest is
// authenticated before any file data is hashed, so a forged manifest fails
// with a signature error rather than a chunk mismatch. It returns nil only
// when the manifest is authentic, every chunk hash matches and the file
// holds nothing past the last chunk.
func Verify(filePath, manifestPath string, opts ...Option) error {
	_, chunks, err := ReadAll(manifestPath, opts...)
	if err != nil {
		return err
	}

	f, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	br := bufio.NewReaderSize(f, 1<<20)
	h := sha256.New()
	var offset int64

	for i, c := range chunks {
		h.Reset()
		n, err := io.CopyN(h, br, int64(c.Size))
		if err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("%w: chunk %d wants %d bytes at offset %d, got %d", domain.ErrFileTruncated, i, c.Size, offset, n)
			}
			return fmt.Errorf("failed to read file: %w", err)
		}

		var actual [32]byte
		copy(actual[:], h.Sum(nil))
		if actual != c.Hash {
			return &domain.ChunkError{Index: i, Offset: offset, Expected: c.Hash, Actual: actual}
		}
		offset += n
	}

	if _, err := br.ReadByte(); err != io.EOF {
		if err != nil {
			return fmt.Errorf("failed to read file: %w", err)
		}
		return fmt.Errorf("%w at offset %d", domain.ErrTrailingData, offset)
	}
	return nil
}

// VerifyFile reports whether file matches the manifest. Any failure,
// including an unreadable or unauthentic manifest, yields false.
func VerifyFile(filePath, manifestPath string, opts ...Option) bool {
	return Verify(filePath, manifestPath, opts...) == nil
}

// FileDigest returns the hex digest of the file at path. Supported
// algorithms are sha256, sha1 and md5.
func FileDigest(path, algorithm string) (string, error) {
	var h hash.Hash
	switch strings.ToLower(algorithm) {
	case "", "sha256":
		h = sha256.New()
	case "sha1":
		h = sha1.New()
	case "md5":
		h = md5.New()
	default:
		return "", fmt.Errorf("unsupported hash algorithm: %s", algorithm)
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
