package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const localScheme = "local://"

// LocalStore keeps blobs on the filesystem under a base directory.
type LocalStore struct {
	baseDir string
}

func NewLocalStore(baseDir string) (*LocalStore, error) {
	if baseDir == "" {
		return nil, errors.New("blob base dir required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &LocalStore{baseDir: baseDir}, nil
}

func (s *LocalStore) Put(ctx context.Context, key string, r io.Reader, size int64, _ string, progress ProgressFunc) (string, error) {
	key, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	dest := s.path(key)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("create blob dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create temp blob: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, newProgressReader(&ctxReader{ctx: ctx, r: r}, size, progress)); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", fmt.Errorf("commit blob: %w", err)
	}
	return localScheme + key, nil
}

func (s *LocalStore) Open(_ context.Context, location string) (io.ReadCloser, error) {
	key, err := s.keyOf(location)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, location)
		}
		return nil, fmt.Errorf("open blob: %w", err)
	}
	return f, nil
}

func (s *LocalStore) Delete(_ context.Context, location string) error {
	key, err := s.keyOf(location)
	if err != nil {
		return err
	}
	p := s.path(key)
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete blob: %w", err)
	}
	// prune empty directories
	_ = os.Remove(filepath.Dir(p))
	return nil
}

func (s *LocalStore) keyOf(location string) (string, error) {
	if !strings.HasPrefix(location, localScheme) {
		return "", fmt.Errorf("%w: %s", ErrInvalidLocation, location)
	}
	return cleanKey(strings.TrimPrefix(location, localScheme))
}

func (s *LocalStore) path(key string) string {
	return filepath.Join(s.baseDir, filepath.FromSlash(key))
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
