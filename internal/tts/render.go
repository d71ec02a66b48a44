// Package tts renders document text to audio and keeps rendered blobs from
// piling up.
package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode"

	"readaloud/internal/apperr"
	"readaloud/internal/blob"
	"readaloud/internal/documents"
	"readaloud/internal/metrics"
	"readaloud/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Error codes of the render endpoint.
const (
	CodeUnauthenticated = "unauthenticated"
	CodeInvalidInput    = "invalid-input"
	CodeInternal        = "internal"
)

// Synthesizer turns text into an mp3 stream.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (io.ReadCloser, error)
}

// Catalog is the slice of the document repository rendering needs.
type Catalog interface {
	Get(ctx context.Context, ownerID, id string) (*models.Document, error)
	RecordArtifact(ctx context.Context, a *models.AudioArtifact) error
}

type Service struct {
	synth  Synthesizer
	store  blob.Store
	docs   Catalog
	minLen int
	maxLen int
}

func NewService(synth Synthesizer, store blob.Store, docs Catalog, minLen, maxLen int) *Service {
	if minLen <= 0 {
		minLen = 20
	}
	if maxLen <= 0 {
		maxLen = 4096
	}
	return &Service{synth: synth, store: store, docs: docs, minLen: minLen, maxLen: maxLen}
}

func invalidInput(msg string) error {
	return apperr.New(apperr.Validation, CodeInvalidInput, msg)
}

func internal(err error) error {
	return apperr.Wrap(apperr.Transient, CodeInternal, "audio rendering failed", err)
}

// Render synthesizes text for the owner's document and stores the audio.
// The returned location is recorded as an unattached artifact until the
// caller attaches it to the document.
func (s *Service) Render(ctx context.Context, ownerID, documentID, text string) (location string, err error) {
	log := logrus.WithFields(logrus.Fields{"user_id": ownerID, "document_id": documentID})
	defer func() {
		switch {
		case err == nil:
			metrics.Render("ok")
		case apperr.CodeOf(err) == CodeInvalidInput:
			metrics.Render("invalid")
		default:
			metrics.Render("error")
			log.WithError(err).Warn("audio render failed")
		}
	}()

	if ownerID == "" {
		return "", apperr.New(apperr.Authorization, CodeUnauthenticated, "please sign in again")
	}
	text = strings.TrimSpace(text)
	if len([]rune(text)) < s.minLen {
		return "", invalidInput(fmt.Sprintf("text must be at least %d characters", s.minLen))
	}
	if documentID == "" {
		return "", invalidInput("documentId is required")
	}
	if s.synth == nil || s.store == nil || s.docs == nil {
		return "", internal(errors.New("renderer not configured"))
	}
	if _, err := s.docs.Get(ctx, ownerID, documentID); err != nil {
		if errors.Is(err, documents.ErrNotFound) {
			return "", invalidInput("unknown document")
		}
		return "", internal(err)
	}

	audio, err := s.synth.Synthesize(ctx, Truncate(text, s.maxLen))
	if err != nil {
		return "", internal(fmt.Errorf("synthesize: %w", err))
	}
	defer audio.Close()

	renderID := uuid.NewString()
	location, err = s.store.Put(ctx, blob.AudioKey(ownerID, documentID, renderID), audio, -1, "audio/mpeg", nil)
	if err != nil {
		return "", internal(fmt.Errorf("store audio: %w", err))
	}
	if err := s.docs.RecordArtifact(ctx, &models.AudioArtifact{
		ID:         renderID,
		OwnerID:    ownerID,
		DocumentID: documentID,
		Location:   location,
	}); err != nil {
		if derr := s.store.Delete(context.Background(), location); derr != nil {
			log.WithError(derr).Warn("drop unrecorded audio failed")
		}
		return "", internal(err)
	}
	log.WithField("location", location).Info("audio rendered")
	return location, nil
}

// Truncate cuts text to at most max runes, backing off to the last word
// boundary when there is one.
func Truncate(text string, max int) string {
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	cut := runes[:max]
	if unicode.IsSpace(runes[max]) {
		return strings.TrimSpace(string(cut))
	}
	for i := len(cut) - 1; i > max/2; i-- {
		if unicode.IsSpace(cut[i]) {
			return strings.TrimSpace(string(cut[:i]))
		}
	}
	return string(cut)
}
