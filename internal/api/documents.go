package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"readaloud/internal/apperr"
	"readaloud/internal/documents"
	"readaloud/internal/models"
	"readaloud/internal/reader"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const (
	progressInterval = 250 * time.Millisecond
	streamKeepalive  = 25 * time.Second
)

func documentError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, documents.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "document not found", "code": "not-found"})
	case errors.Is(err, documents.ErrNoAudio):
		c.JSON(http.StatusNotFound, gin.H{"error": "no generated audio for this document", "code": "not-found"})
	case errors.Is(err, documents.ErrTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": apperr.Message(err), "code": apperr.CodeOf(err)})
	case errors.Is(err, documents.ErrEmptyFile):
		c.JSON(http.StatusBadRequest, gin.H{"error": apperr.Message(err), "code": apperr.CodeOf(err)})
	default:
		logrus.WithError(err).Error("document request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "document request failed", "code": "internal"})
	}
}

// progressReporter throttles upload progress fan-out to the user's open
// reader sessions.
type progressReporter struct {
	readers  *reader.Manager
	userID   string
	filename string

	mu   sync.Mutex
	last time.Time
}

func (p *progressReporter) report(written, total int64) {
	p.mu.Lock()
	now := time.Now()
	if total <= 0 || written < total {
		if now.Sub(p.last) < progressInterval {
			p.mu.Unlock()
			return
		}
	}
	p.last = now
	p.mu.Unlock()
	p.send(reader.UploadProgress{Filename: p.filename, Written: written, Total: total})
}

func (p *progressReporter) send(up reader.UploadProgress) {
	if p.readers == nil {
		return
	}
	p.readers.Broadcast(p.userID, reader.Outbound{Type: "upload", Upload: &up})
}

func (h *Handler) uploadDocument(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload+(1<<20))
	fileHeader, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			documentError(c, documents.ErrTooLarge)
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required", "code": "invalid-input"})
		return
	}
	if fileHeader.Size > h.maxUpload {
		documentError(c, documents.ErrTooLarge)
		return
	}
	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot read file", "code": "invalid-input"})
		return
	}
	defer file.Close()

	progress := &progressReporter{readers: h.readers, userID: userID, filename: fileHeader.Filename}
	doc, err := h.documents.Upload(c.Request.Context(), userID, fileHeader.Filename, file, fileHeader.Size, progress.report)
	if err != nil {
		progress.send(reader.UploadProgress{Filename: fileHeader.Filename, Done: true, Error: uploadFailure(err)})
		documentError(c, err)
		return
	}
	progress.send(reader.UploadProgress{
		DocumentID: doc.ID,
		Filename:   fileHeader.Filename,
		Written:    doc.ByteSize,
		Total:      doc.ByteSize,
		Done:       true,
	})
	c.JSON(http.StatusCreated, gin.H{"document": doc})
}

func uploadFailure(err error) string {
	if apperr.KindOf(err) == apperr.Validation {
		return apperr.Message(err)
	}
	return "upload failed"
}

func (h *Handler) listDocuments(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	docs, err := h.documents.Repository().List(c.Request.Context(), userID)
	if err != nil {
		documentError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"documents": docs})
}

// streamDocuments serves the owner's live document query as server-sent
// events: one "snapshot" event per change.
func (h *Handler) streamDocuments(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	ctx := c.Request.Context()
	snapshots := make(chan []models.Document, 1)
	stop, err := h.documents.Repository().Watch(ctx, userID, func(docs []models.Document) {
		// keep only the newest snapshot
		select {
		case <-snapshots:
		default:
		}
		select {
		case snapshots <- docs:
		default:
		}
	})
	if err != nil {
		documentError(c, err)
		return
	}
	defer stop()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	sendEvent := func(event string, payload interface{}) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	keepalive := time.NewTicker(streamKeepalive)
	defer keepalive.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case docs := <-snapshots:
			if err := sendEvent("snapshot", gin.H{"documents": docs}); err != nil {
				return
			}
		case <-keepalive.C:
			if _, err := fmt.Fprint(c.Writer, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *Handler) documentSource(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	doc, body, err := h.documents.OpenSource(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		documentError(c, err)
		return
	}
	defer body.Close()
	c.DataFromReader(http.StatusOK, doc.ByteSize, doc.MediaType, body, map[string]string{
		"Content-Disposition": fmt.Sprintf("inline; filename=%q", doc.DisplayName),
	})
}

func (h *Handler) documentAudio(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	_, body, err := h.documents.OpenAudio(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		documentError(c, err)
		return
	}
	defer body.Close()
	c.DataFromReader(http.StatusOK, -1, "audio/mpeg", body, nil)
}

func (h *Handler) deleteDocument(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	if err := h.documents.Remove(c.Request.Context(), userID, c.Param("id")); err != nil {
		documentError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
