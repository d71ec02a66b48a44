// Package audio tracks server-side audio generation for the selected
// document.
package audio

import (
	"context"
	"errors"
	"sync"
	"time"

	"readaloud/internal/apperr"

	"github.com/sirupsen/logrus"
)

type Status int

const (
	Idle Status = iota
	Pending
	Ready
	Error
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Ready:
		return "ready"
	case Error:
		return "error"
	}
	return "idle"
}

type State struct {
	Status         Status
	DocumentID     string
	ResultLocation string
	Err            error
}

var (
	ErrInFlight      = apperr.New(apperr.Validation, "in-flight", "audio generation is already running")
	ErrNoCredentials = apperr.New(apperr.Authorization, "unauthenticated", "please sign in again")
	ErrNotConfigured = apperr.New(apperr.Configuration, "configuration-invalid", "audio generation is not configured")
)

// Renderer calls the render endpoint with a bearer credential.
type Renderer interface {
	Render(ctx context.Context, credential, documentID, text string) (string, error)
}

// CredentialIssuer hands out a fresh bearer credential per call.
type CredentialIssuer interface {
	IssueCredential(ctx context.Context) (string, error)
}

// Persister records the rendered location on the document.
type Persister interface {
	AttachAudio(ctx context.Context, ownerID, documentID, location string) error
}

// Runner executes task asynchronously.
type Runner func(kind string, task func())

const generateTimeout = 3 * time.Minute

type Controller struct {
	renderer Renderer
	creds    CredentialIssuer
	persist  Persister
	run      Runner
	onChange func()

	mu    sync.Mutex
	seq   uint64
	state State
}

func NewController(renderer Renderer, creds CredentialIssuer, persist Persister, run Runner, onChange func()) *Controller {
	if run == nil {
		run = func(_ string, task func()) { go task() }
	}
	return &Controller{renderer: renderer, creds: creds, persist: persist, run: run, onChange: onChange}
}

// Generate renders text for the document and attaches the result to it.
// It is rejected while a generation is pending. Failed generations are
// only retried by calling Generate again.
func (c *Controller) Generate(ctx context.Context, ownerID, documentID, text string) error {
	if c.renderer == nil || c.persist == nil {
		return ErrNotConfigured
	}
	if c.creds == nil || ownerID == "" {
		return ErrNoCredentials
	}
	c.mu.Lock()
	if c.state.Status == Pending {
		c.mu.Unlock()
		return ErrInFlight
	}
	c.seq++
	seq := c.seq
	c.state = State{Status: Pending, DocumentID: documentID}
	c.mu.Unlock()
	c.changed()

	c.run("audio", func() {
		defer apperr.Recover("audio-failed", "audio generation failed", func(err error) {
			logrus.WithError(err).WithField("document_id", documentID).Error("audio generation panicked")
			c.complete(seq, "", err)
		})
		if ctx == nil {
			ctx = context.Background()
		}
		tctx, cancel := context.WithTimeout(ctx, generateTimeout)
		defer cancel()
		location, err := c.generate(tctx, seq, ownerID, documentID, text)
		c.complete(seq, location, err)
	})
	return nil
}

func (c *Controller) generate(ctx context.Context, seq uint64, ownerID, documentID, text string) (string, error) {
	log := logrus.WithFields(logrus.Fields{"user_id": ownerID, "document_id": documentID})
	credential, err := c.creds.IssueCredential(ctx)
	if err != nil {
		if apperr.KindOf(err) == apperr.Unknown {
			err = apperr.Wrap(apperr.Authorization, "unauthenticated", "please sign in again", err)
		}
		return "", err
	}
	location, err := c.renderer.Render(ctx, credential, documentID, text)
	if err != nil {
		return "", err
	}
	if !c.current(seq) {
		// left unattached; the orphan sweeper reclaims it
		log.WithField("location", location).Debug("stale audio render discarded")
		return "", nil
	}
	if err := c.persist.AttachAudio(ctx, ownerID, documentID, location); err != nil {
		log.WithError(err).Warn("attach generated audio failed")
		return "", apperr.Wrap(apperr.Transient, "persist-failed", "the audio was generated but could not be saved", err)
	}
	return location, nil
}

func (c *Controller) complete(seq uint64, location string, err error) {
	c.mu.Lock()
	if seq != c.seq {
		c.mu.Unlock()
		return
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = apperr.Wrap(apperr.Transient, "timeout", "audio generation timed out", err)
		}
		c.state = State{Status: Error, DocumentID: c.state.DocumentID, Err: err}
	} else {
		c.state = State{Status: Ready, DocumentID: c.state.DocumentID, ResultLocation: location}
	}
	c.mu.Unlock()
	c.changed()
}

func (c *Controller) current(seq uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return seq == c.seq
}

// Reset returns to idle. A pending generation becomes stale.
func (c *Controller) Reset() {
	c.mu.Lock()
	c.seq++
	c.state = State{}
	c.mu.Unlock()
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) changed() {
	if c.onChange != nil {
		c.onChange()
	}
}
