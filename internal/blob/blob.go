// Package blob stores document sources and rendered audio.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"readaloud/internal/config"
)

// ErrNotFound is returned when a location does not resolve to an object.
var ErrNotFound = errors.New("blob not found")

// ErrInvalidLocation is returned for locations a store does not own.
var ErrInvalidLocation = errors.New("invalid blob location")

// ProgressFunc receives the number of bytes written so far and the expected
// total (-1 when unknown).
type ProgressFunc func(written, total int64)

// Store is the blob storage collaborator.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string, progress ProgressFunc) (string, error)
	Open(ctx context.Context, location string) (io.ReadCloser, error)
	Delete(ctx context.Context, location string) error
}

// New builds the store selected by cfg.Blob.Backend.
func New(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.Blob.Backend {
	case "", "local":
		return NewLocalStore(cfg.Blob.BaseDir)
	case "minio":
		return NewMinioStore(ctx, cfg.Blob)
	default:
		return nil, fmt.Errorf("unsupported blob backend: %s", cfg.Blob.Backend)
	}
}

// DocumentKey is the object key for an uploaded source file.
func DocumentKey(ownerID, documentID, filename string) string {
	ext := strings.ToLower(path.Ext(filename))
	if ext == "" {
		ext = ".bin"
	}
	return path.Join("documents", ownerID, documentID+ext)
}

// AudioKey is the object key for a rendered audio file.
func AudioKey(ownerID, documentID, renderID string) string {
	return path.Join("audio", ownerID, documentID, renderID+".mp3")
}

func cleanKey(key string) (string, error) {
	key = strings.TrimLeft(path.Clean("/"+key), "/")
	if key == "" || key == "." {
		return "", fmt.Errorf("%w: empty key", ErrInvalidLocation)
	}
	return key, nil
}

type progressReader struct {
	r        io.Reader
	total    int64
	written  int64
	progress ProgressFunc
}

func newProgressReader(r io.Reader, total int64, fn ProgressFunc) io.Reader {
	if fn == nil {
		return r
	}
	return &progressReader{r: r, total: total, progress: fn}
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.written += int64(n)
		p.progress(p.written, p.total)
	}
	return n, err
}
