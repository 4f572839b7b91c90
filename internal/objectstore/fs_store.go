package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/book-expert/narration-service/internal/core"
)

const (
	blobSuffix = ".zst"
	dirPerm    = 0o755
	filePerm   = 0o644
)

// ErrInvalidKey indicates a key that would escape the store directory.
var ErrInvalidKey = errors.New("invalid object key")

// FSObjectStore keeps zstd-compressed blobs under a base directory. Writes go
// through a temp file and a rename, so readers never see partial objects.
type FSObjectStore struct {
	basePath string
	encoder  *zstd.Encoder
	decoder  *zstd.Decoder
}

// Compile-time interface assertion.
var _ core.ObjectStore = (*FSObjectStore)(nil)

// NewFS creates basePath if needed. compressionLevel follows zstd's 1-22 scale.
func NewFS(basePath string, compressionLevel int) (*FSObjectStore, error) {
	err := os.MkdirAll(basePath, dirPerm)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob directory '%s': %w", basePath, err)
	}

	if compressionLevel < 1 {
		compressionLevel = 3
	}

	encoder, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(compressionLevel)))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &FSObjectStore{basePath: basePath, encoder: encoder, decoder: decoder}, nil
}

// Download reads and decompresses the blob under key.
func (s *FSObjectStore) Download(_ context.Context, key string) ([]byte, error) {
	path, err := s.pathFor(key)
	if err != nil {
		return nil, err
	}

	compressed, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: '%s'", core.ErrBlobNotFound, key)
		}

		return nil, fmt.Errorf("failed to read blob '%s': %w", key, err)
	}

	data, err := s.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress blob '%s': %w", key, err)
	}

	return data, nil
}

// Upload compresses data and atomically replaces the blob under key.
func (s *FSObjectStore) Upload(_ context.Context, key string, data []byte) error {
	path, err := s.pathFor(key)
	if err != nil {
		return err
	}

	err = os.MkdirAll(filepath.Dir(path), dirPerm)
	if err != nil {
		return fmt.Errorf("failed to create directory for blob '%s': %w", key, err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for blob '%s': %w", key, err)
	}

	_, writeErr := tempFile.Write(s.encoder.EncodeAll(data, nil))
	closeErr := tempFile.Close()

	if writeErr == nil {
		writeErr = closeErr
	}

	if writeErr == nil {
		writeErr = os.Chmod(tempFile.Name(), filePerm)
	}

	if writeErr == nil {
		writeErr = os.Rename(tempFile.Name(), path)
	}

	if writeErr != nil {
		_ = os.Remove(tempFile.Name())

		return fmt.Errorf("failed to write blob '%s': %w", key, writeErr)
	}

	return nil
}

// Close releases the zstd decoder.
func (s *FSObjectStore) Close() {
	s.decoder.Close()
}

func (s *FSObjectStore) pathFor(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if key == "" || filepath.IsAbs(clean) || clean == "." || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("%w: '%s'", ErrInvalidKey, key)
	}

	return filepath.Join(s.basePath, clean+blobSuffix), nil
}
