package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"readaloud/internal/apperr"
	"readaloud/internal/audio"
	"readaloud/internal/tts"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const renderBodyLimit = 64 << 10

func renderReply(c *gin.Context, status int, code, msg string) {
	c.JSON(status, audio.RenderResponse{Error: msg, Code: code})
}

// renderAudio is the remote audio generation endpoint. The caller proves its
// identity with a bearer credential; the body names the document and text.
func (h *Handler) renderAudio(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") || strings.TrimSpace(header[7:]) == "" {
		renderReply(c, http.StatusUnauthorized, tts.CodeUnauthenticated, "authorization required")
		return
	}
	ownerID, err := h.auth.ValidateToken(c.Request.Context(), strings.TrimSpace(header[7:]))
	if err != nil {
		if apperr.KindOf(err) == apperr.Transient {
			renderReply(c, http.StatusInternalServerError, tts.CodeInternal, "could not verify the credential")
			return
		}
		renderReply(c, http.StatusUnauthorized, tts.CodeUnauthenticated, "invalid or expired credential")
		return
	}

	var req audio.RenderRequest
	dec := json.NewDecoder(http.MaxBytesReader(c.Writer, c.Request.Body, renderBodyLimit))
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			renderReply(c, http.StatusBadRequest, tts.CodeInvalidInput, "request body is too large")
			return
		}
		renderReply(c, http.StatusBadRequest, tts.CodeInvalidInput, "invalid request body")
		return
	}
	if h.renderer == nil {
		renderReply(c, http.StatusInternalServerError, tts.CodeInternal, "audio rendering is not configured")
		return
	}

	location, err := h.renderer.Render(c.Request.Context(), ownerID, req.DocumentID, req.Text)
	if err != nil {
		if apperr.CodeOf(err) == tts.CodeInvalidInput {
			renderReply(c, http.StatusBadRequest, tts.CodeInvalidInput, apperr.Message(err))
			return
		}
		logrus.WithError(err).WithFields(logrus.Fields{"user_id": ownerID, "document_id": req.DocumentID}).Warn("render endpoint failed")
		renderReply(c, http.StatusInternalServerError, tts.CodeInternal, "audio rendering failed")
		return
	}
	c.JSON(http.StatusOK, audio.RenderResponse{ResultLocation: location})
}
