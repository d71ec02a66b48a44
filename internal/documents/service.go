package documents

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"readaloud/internal/apperr"
	"readaloud/internal/blob"
	"readaloud/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	ErrTooLarge  = apperr.New(apperr.Validation, "too-large", "the file is larger than the upload limit")
	ErrEmptyFile = apperr.New(apperr.Validation, "empty-file", "the file is empty")
	ErrNoAudio   = errors.New("document has no generated audio")
)

// Service pairs document records with their blobs so uploads and deletes
// keep both in step.
type Service struct {
	repo     *Repository
	store    blob.Store
	maxBytes int64
}

func NewService(repo *Repository, store blob.Store, maxBytes int64) *Service {
	if maxBytes <= 0 {
		maxBytes = 25 << 20
	}
	return &Service{repo: repo, store: store, maxBytes: maxBytes}
}

func (s *Service) Repository() *Repository { return s.repo }

// Upload stores the source bytes and creates the record. The media type is
// sniffed from the content, not taken from the client.
func (s *Service) Upload(ctx context.Context, ownerID, filename string, r io.Reader, size int64, progress blob.ProgressFunc) (*models.Document, error) {
	if size > s.maxBytes {
		return nil, ErrTooLarge
	}
	br := bufio.NewReaderSize(r, 512)
	head, err := br.Peek(512)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if len(head) == 0 {
		return nil, ErrEmptyFile
	}
	mediaType := http.DetectContentType(head)
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = strings.TrimSpace(mediaType[:i])
	}

	doc := &models.Document{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		DisplayName: displayName(filename),
		MediaType:   mediaType,
	}
	counted := &countingReader{r: io.LimitReader(br, s.maxBytes+1)}
	location, err := s.store.Put(ctx, blob.DocumentKey(ownerID, doc.ID, filename), counted, size, mediaType, progress)
	if err != nil {
		return nil, fmt.Errorf("store upload: %w", err)
	}
	if counted.n > s.maxBytes {
		s.dropBlob(location)
		return nil, ErrTooLarge
	}
	doc.ByteSize = counted.n
	doc.SourceLocation = location
	if err := s.repo.Create(ctx, doc); err != nil {
		s.dropBlob(location)
		return nil, err
	}
	logrus.WithFields(logrus.Fields{"user_id": ownerID, "document_id": doc.ID, "bytes": doc.ByteSize}).Info("document uploaded")
	return doc, nil
}

// Create records an already stored document.
func (s *Service) Create(ctx context.Context, doc *models.Document) error {
	return s.repo.Create(ctx, doc)
}

// Remove deletes the record, then its source and generated audio blobs.
func (s *Service) Remove(ctx context.Context, ownerID, id string) error {
	doc, err := s.repo.Delete(ctx, ownerID, id)
	if err != nil {
		return err
	}
	s.dropBlob(doc.SourceLocation)
	if doc.GeneratedAudioLocation != "" {
		s.dropBlob(doc.GeneratedAudioLocation)
	}
	return nil
}

// RemoveAll deletes every document of the owner.
func (s *Service) RemoveAll(ctx context.Context, ownerID string) error {
	docs, err := s.repo.List(ctx, ownerID)
	if err != nil {
		return err
	}
	for _, d := range docs {
		if err := s.Remove(ctx, ownerID, d.ID); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	return nil
}

// OpenSource streams the document's source bytes.
func (s *Service) OpenSource(ctx context.Context, ownerID, id string) (*models.Document, io.ReadCloser, error) {
	doc, err := s.repo.Get(ctx, ownerID, id)
	if err != nil {
		return nil, nil, err
	}
	rc, err := s.store.Open(ctx, doc.SourceLocation)
	if err != nil {
		return nil, nil, err
	}
	return doc, rc, nil
}

// OpenAudio streams the document's generated audio.
func (s *Service) OpenAudio(ctx context.Context, ownerID, id string) (*models.Document, io.ReadCloser, error) {
	doc, err := s.repo.Get(ctx, ownerID, id)
	if err != nil {
		return nil, nil, err
	}
	if doc.GeneratedAudioLocation == "" {
		return nil, nil, ErrNoAudio
	}
	rc, err := s.store.Open(ctx, doc.GeneratedAudioLocation)
	if err != nil {
		return nil, nil, err
	}
	return doc, rc, nil
}

// AttachAudio points the document at location and deletes the audio blob it
// replaces.
func (s *Service) AttachAudio(ctx context.Context, ownerID, id, location string) error {
	previous, err := s.repo.AttachAudio(ctx, ownerID, id, location)
	if err != nil {
		return err
	}
	if previous != "" {
		s.dropBlob(previous)
	}
	return nil
}

func (s *Service) dropBlob(location string) {
	if location == "" {
		return
	}
	if err := s.store.Delete(context.Background(), location); err != nil && !errors.Is(err, blob.ErrNotFound) {
		logrus.WithError(err).WithField("location", location).Warn("delete blob failed")
	}
}

func displayName(filename string) string {
	name := strings.TrimSpace(path.Base(strings.ReplaceAll(filename, "\\", "/")))
	if name == "" || name == "." || name == "/" {
		return "untitled"
	}
	return name
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
