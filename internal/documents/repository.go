// Package documents persists document records and serves owner-scoped live
// queries over them.
package documents

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"readaloud/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var ErrNotFound = errors.New("document not found")

// Repository is the persistence collaborator for documents and audio
// artifacts. Every query is scoped by owner.
type Repository struct {
	db  *sql.DB
	hub *Hub
}

func NewRepository(db *sql.DB, hub *Hub) *Repository {
	if hub == nil {
		hub = NewHub()
	}
	return &Repository{db: db, hub: hub}
}

const documentColumns = `id, owner_id, display_name, media_type, byte_size, source_location, generated_audio_location, created_at`

// Create inserts doc, assigning an id and creation time when missing.
func (r *Repository) Create(ctx context.Context, doc *models.Document) error {
	if doc == nil || doc.OwnerID == "" {
		return errors.New("owner id is required")
	}
	doc.DisplayName = strings.TrimSpace(doc.DisplayName)
	if doc.DisplayName == "" {
		return errors.New("display name is required")
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO documents (`+documentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.OwnerID, doc.DisplayName, doc.MediaType, doc.ByteSize, doc.SourceLocation,
		nullable(doc.GeneratedAudioLocation), doc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	r.hub.Notify(doc.OwnerID)
	return nil
}

// Get loads one document owned by ownerID.
func (r *Repository) Get(ctx context.Context, ownerID, id string) (*models.Document, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = ? AND owner_id = ?`, id, ownerID)
	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query document: %w", err)
	}
	return doc, nil
}

// List returns the owner's documents, newest first.
func (r *Repository) List(ctx context.Context, ownerID string) ([]models.Document, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE owner_id = ? ORDER BY created_at DESC, id DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	docs := make([]models.Document, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, *doc)
	}
	return docs, rows.Err()
}

// Delete removes the document and returns the deleted record so the caller
// can remove its blobs.
func (r *Repository) Delete(ctx context.Context, ownerID, id string) (*models.Document, error) {
	doc, err := r.Get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	res, err := r.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ? AND owner_id = ?`, id, ownerID)
	if err != nil {
		return nil, fmt.Errorf("delete document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	if _, err := r.db.ExecContext(ctx, `DELETE FROM audio_artifacts WHERE document_id = ? AND owner_id = ? AND attached = 1`, id, ownerID); err != nil {
		logrus.WithError(err).WithField("document_id", id).Warn("delete audio artifact rows failed")
	}
	r.hub.Notify(ownerID)
	return doc, nil
}

// AttachAudio stores location as the document's generated audio and returns
// the location it replaced.
func (r *Repository) AttachAudio(ctx context.Context, ownerID, id, location string) (string, error) {
	if location == "" {
		return "", errors.New("audio location is required")
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin attach: %w", err)
	}
	defer tx.Rollback()

	var previous sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT generated_audio_location FROM documents WHERE id = ? AND owner_id = ?`, id, ownerID,
	).Scan(&previous)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("load document: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE documents SET generated_audio_location = ? WHERE id = ? AND owner_id = ?`, location, id, ownerID,
	); err != nil {
		return "", fmt.Errorf("update audio location: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE audio_artifacts SET attached = 1 WHERE location = ? AND owner_id = ?`, location, ownerID,
	); err != nil {
		return "", fmt.Errorf("mark artifact attached: %w", err)
	}
	if previous.Valid && previous.String != location {
		if _, err := tx.ExecContext(ctx, `DELETE FROM audio_artifacts WHERE location = ?`, previous.String); err != nil {
			return "", fmt.Errorf("drop replaced artifact: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit attach: %w", err)
	}
	r.hub.Notify(ownerID)
	if previous.Valid && previous.String != location {
		return previous.String, nil
	}
	return "", nil
}

// RecordArtifact registers a freshly rendered, not yet attached audio blob.
func (r *Repository) RecordArtifact(ctx context.Context, a *models.AudioArtifact) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO audio_artifacts (id, owner_id, document_id, location, attached, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.OwnerID, a.DocumentID, a.Location, a.Attached, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record artifact: %w", err)
	}
	return nil
}

// OrphanedArtifacts lists unattached artifacts created before cutoff.
func (r *Repository) OrphanedArtifacts(ctx context.Context, cutoff time.Time, limit int) ([]models.AudioArtifact, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, owner_id, document_id, location, attached, created_at FROM audio_artifacts
		 WHERE attached = 0 AND created_at <= ? ORDER BY created_at LIMIT ?`, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query orphaned artifacts: %w", err)
	}
	defer rows.Close()
	var out []models.AudioArtifact
	for rows.Next() {
		var a models.AudioArtifact
		if err := rows.Scan(&a.ID, &a.OwnerID, &a.DocumentID, &a.Location, &a.Attached, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *Repository) DeleteArtifact(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM audio_artifacts WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete artifact: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(s scanner) (*models.Document, error) {
	var (
		doc   models.Document
		audio sql.NullString
	)
	if err := s.Scan(&doc.ID, &doc.OwnerID, &doc.DisplayName, &doc.MediaType, &doc.ByteSize,
		&doc.SourceLocation, &audio, &doc.CreatedAt); err != nil {
		return nil, err
	}
	doc.GeneratedAudioLocation = audio.String
	return &doc, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
