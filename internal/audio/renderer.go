package audio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"readaloud/internal/apperr"
)

// RenderRequest is the render endpoint's request body.
type RenderRequest struct {
	Text       string `json:"text"`
	DocumentID string `json:"documentId"`
}

// RenderResponse is the render endpoint's reply. Error and Code are set on
// failure.
type RenderResponse struct {
	ResultLocation string `json:"resultLocation,omitempty"`
	Error          string `json:"error,omitempty"`
	Code           string `json:"code,omitempty"`
}

// HTTPRenderer calls a remote render endpoint.
type HTTPRenderer struct {
	endpoint string
	client   *http.Client
}

func NewHTTPRenderer(endpoint string, client *http.Client) *HTTPRenderer {
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	return &HTTPRenderer{endpoint: endpoint, client: client}
}

func (h *HTTPRenderer) Render(ctx context.Context, credential, documentID, text string) (string, error) {
	body, err := json.Marshal(RenderRequest{Text: text, DocumentID: documentID})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", apperr.Wrap(apperr.Configuration, "configuration-invalid", "the audio endpoint is misconfigured", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+credential)

	resp, err := h.client.Do(req)
	if err != nil {
		return "", apperr.Wrap(apperr.Transient, "network", "could not reach the audio service", err)
	}
	defer resp.Body.Close()

	var out RenderResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err := json.Unmarshal(data, &out); err != nil && resp.StatusCode == http.StatusOK {
		return "", apperr.Wrap(apperr.Transient, "internal", "the audio service sent an unreadable reply", err)
	}
	if resp.StatusCode == http.StatusOK && out.ResultLocation != "" {
		return out.ResultLocation, nil
	}
	return "", renderError(resp.StatusCode, out)
}

func renderError(status int, out RenderResponse) error {
	msg := strings.TrimSpace(out.Error)
	code := out.Code
	if code == "" {
		switch status {
		case http.StatusUnauthorized, http.StatusForbidden:
			code = "unauthenticated"
		case http.StatusBadRequest, http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
			code = "invalid-input"
		default:
			code = "internal"
		}
	}
	switch code {
	case "unauthenticated":
		return apperr.New(apperr.Authorization, code, "please sign in again")
	case "invalid-input":
		if msg == "" {
			msg = "the text cannot be turned into audio"
		}
		return apperr.New(apperr.Validation, code, msg)
	default:
		if msg == "" {
			msg = fmt.Sprintf("audio service failed (%d)", status)
		}
		return apperr.New(apperr.Transient, code, msg)
	}
}

// TokenValidator resolves a bearer credential to a user id.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (string, error)
}

// OwnerRenderer renders for an already authenticated owner.
type OwnerRenderer interface {
	Render(ctx context.Context, ownerID, documentID, text string) (string, error)
}

// LocalRenderer serves Render in process, checking the credential the same
// way the HTTP endpoint does.
type LocalRenderer struct {
	tokens TokenValidator
	render OwnerRenderer
}

func NewLocalRenderer(tokens TokenValidator, render OwnerRenderer) *LocalRenderer {
	return &LocalRenderer{tokens: tokens, render: render}
}

func (l *LocalRenderer) Render(ctx context.Context, credential, documentID, text string) (string, error) {
	ownerID, err := l.tokens.ValidateToken(ctx, credential)
	if err != nil {
		if apperr.KindOf(err) == apperr.Transient {
			return "", err
		}
		return "", apperr.Wrap(apperr.Authorization, "unauthenticated", "please sign in again", err)
	}
	return l.render.Render(ctx, ownerID, documentID, text)
}
