// Package local implements a content-addressed blob store on the local
// filesystem. Objects live at BASE/XX/YY/KEY.zst, zstd compressed.
package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/JakeFAU/wayback-harvester/internal/harvest"
)

const objectSuffix = ".zst"

// Config captures the parameters for the local filesystem blob store.
type Config struct {
	// BaseDir is the root directory where blobs will be stored.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
	// Level is the zstd compression level (1-22). Zero uses the library default.
	Level int `mapstructure:"level" yaml:"level"`
}

// BlobStore writes compressed objects to the local filesystem.
type BlobStore struct {
	baseDir string
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// New creates a new local filesystem-backed blob store.
func New(cfg Config) (*BlobStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	encOpts := []zstd.EOption{}
	if cfg.Level > 0 {
		encOpts = append(encOpts, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(cfg.Level)))
	}
	encoder, err := zstd.NewWriter(nil, encOpts...)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	return &BlobStore{
		baseDir: filepath.Clean(cfg.BaseDir),
		encoder: encoder,
		decoder: decoder,
	}, nil
}

// Create compresses data into a temp file and publishes it with a hard link,
// which fails if the object already exists, so the first writer wins.
func (s *BlobStore) Create(_ context.Context, key string, data []byte) (bool, error) {
	fullPath, err := s.objectPath(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(fullPath); err == nil {
		return false, nil
	}

	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return false, fmt.Errorf("failed to create parent directories: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-"+key+"-*")
	if err != nil {
		return false, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck // the temp name is unlinked once published

	if _, err := tmp.Write(s.encoder.EncodeAll(data, nil)); err != nil {
		_ = tmp.Close()
		return false, fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return false, fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return false, fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Link(tmpName, fullPath); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("publish object: %w", err)
	}
	return true, nil
}

// Get reads and decompresses an object.
func (s *BlobStore) Get(_ context.Context, key string) ([]byte, error) {
	fullPath, err := s.objectPath(key)
	if err != nil {
		return nil, err
	}
	compressed, err := os.ReadFile(fullPath) // #nosec G304 -- path is derived from a validated key.
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("object %s: %w", key, harvest.ErrNotFound)
		}
		return nil, fmt.Errorf("read object: %w", err)
	}
	data, err := s.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress object %s: %w", key, err)
	}
	return data, nil
}

// Exists reports whether an object is stored under key.
func (s *BlobStore) Exists(_ context.Context, key string) (bool, error) {
	fullPath, err := s.objectPath(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(fullPath)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("stat object: %w", err)
	}
}

// Close releases the compression resources.
func (s *BlobStore) Close() error {
	s.decoder.Close()
	if err := s.encoder.Close(); err != nil {
		return fmt.Errorf("close zstd encoder: %w", err)
	}
	return nil
}

func (s *BlobStore) objectPath(key string) (string, error) {
	if len(key) < 4 {
		return "", fmt.Errorf("object key %q is too short", key)
	}
	for _, r := range key {
		if (r < 'A' || r > 'Z') && (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return "", fmt.Errorf("object key %q contains %q", key, r)
		}
	}
	fullPath := filepath.Join(s.baseDir, key[0:2], key[2:4], key+objectSuffix)
	if !strings.HasPrefix(fullPath, s.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	return fullPath, nil
}
