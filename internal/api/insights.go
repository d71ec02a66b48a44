package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"readaloud/internal/apperr"
	"readaloud/internal/insight"
	"readaloud/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const (
	insightTimeout   = 2 * time.Minute
	insightBodyLimit = 1 << 20
)

type insightRequest struct {
	Text  string `json:"text"`
	Count int    `json:"count"`
}

func insightError(c *gin.Context, err error) {
	status := http.StatusBadGateway
	switch apperr.KindOf(err) {
	case apperr.Validation:
		status = http.StatusBadRequest
	case apperr.Configuration:
		status = http.StatusServiceUnavailable
	case apperr.Authorization:
		status = http.StatusUnauthorized
	}
	if errors.Is(err, insight.ErrInvalidQuiz) {
		status = http.StatusBadGateway
	}
	if status == http.StatusBadGateway {
		logrus.WithError(err).Warn("insight request failed")
	}
	c.JSON(status, gin.H{"error": apperr.Message(err), "code": apperr.CodeOf(err)})
}

func (h *Handler) bindInsight(c *gin.Context) (insightRequest, bool) {
	var req insightRequest
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, insightBodyLimit)
	if err := c.ShouldBindJSON(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body is too large", "code": "invalid-input"})
			return req, false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "code": "invalid-input"})
		return req, false
	}
	if strings.TrimSpace(req.Text) == "" {
		insightError(c, insight.ErrNoText)
		return req, false
	}
	if h.insights == nil {
		insightError(c, insight.ErrNoGenerator)
		return req, false
	}
	return req, true
}

func (h *Handler) summarize(c *gin.Context) {
	if _, ok := h.authorizedUserID(c); !ok {
		return
	}
	req, ok := h.bindInsight(c)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), insightTimeout)
	defer cancel()
	summary, err := h.insights.Summarize(ctx, req.Text)
	if err == nil && strings.TrimSpace(summary) == "" {
		err = apperr.New(apperr.Transient, "invalid-response", "the AI returned an empty summary")
	}
	if err != nil {
		metrics.Insight("summary", "error")
		insightError(c, err)
		return
	}
	metrics.Insight("summary", "ok")
	c.JSON(http.StatusOK, gin.H{"summary": summary})
}

func (h *Handler) quiz(c *gin.Context) {
	if _, ok := h.authorizedUserID(c); !ok {
		return
	}
	req, ok := h.bindInsight(c)
	if !ok {
		return
	}
	count := insight.QuizCount(req.Count, h.defaultQuiz)
	ctx, cancel := context.WithTimeout(c.Request.Context(), insightTimeout)
	defer cancel()
	questions, err := h.insights.GenerateQuiz(ctx, req.Text, count)
	if err == nil {
		err = insight.ValidateQuiz(questions)
	}
	if err != nil {
		metrics.Insight("quiz", "error")
		insightError(c, err)
		return
	}
	metrics.Insight("quiz", "ok")
	c.JSON(http.StatusOK, gin.H{"questions": questions})
}
