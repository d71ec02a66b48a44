// Package speech drives the browser's speech engine. One Controller owns one
// engine and keeps at most one utterance registered with it.
package speech

import (
	"strings"
	"sync"

	"readaloud/internal/apperr"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type State int

const (
	Idle State = iota
	Speaking
	Paused
)

func (s State) String() string {
	switch s {
	case Speaking:
		return "speaking"
	case Paused:
		return "paused"
	}
	return "idle"
}

var (
	ErrUnavailable = apperr.New(apperr.Configuration, "speech-unavailable", "speech playback is not available in this browser")
	ErrEmptyText   = apperr.New(apperr.Validation, "empty-text", "there is no text to read")
)

// Listener receives notifications for the current utterance only.
type Listener struct {
	OnStart func(text string)
	OnEnd   func(text string)
	OnError func(text string, err error)
}

type Controller struct {
	engine   Engine
	listener Listener
	newID    func() string

	mu      sync.Mutex
	state   State
	text    string
	current string
	started bool
}

func NewController(engine Engine, l Listener) *Controller {
	if engine == nil {
		engine = Unavailable{}
	}
	return &Controller{engine: engine, listener: l, newID: uuid.NewString}
}

// Available reports whether the engine can speak at all.
func (c *Controller) Available() bool {
	return c.engine.Available()
}

// State returns the playback state and the text bound to it.
func (c *Controller) State() (State, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.text
}

// Utterance returns the id of the registered utterance, or "".
func (c *Controller) Utterance() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Play speaks text. Playing the paused text resumes it; anything else
// preempts the current utterance.
func (c *Controller) Play(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyText
	}
	if !c.engine.Available() {
		return ErrUnavailable
	}

	c.mu.Lock()
	if c.state == Paused && c.text == text {
		c.state = Speaking
		id := c.current
		c.mu.Unlock()
		c.engine.Resume(id)
		return nil
	}
	previous := c.current
	id := c.newID()
	c.current = id
	c.state = Speaking
	c.text = text
	c.started = false
	c.mu.Unlock()

	// previous is no longer current, so anything the engine reports for it
	// is dropped in HandleEvent.
	if previous != "" {
		c.engine.Cancel(previous)
	}
	if err := c.engine.Speak(id, text); err != nil {
		c.mu.Lock()
		if c.current == id {
			c.reset()
		}
		c.mu.Unlock()
		return apperr.Wrap(apperr.Transient, "speech-failed", "speech could not start", err)
	}
	return nil
}

func (c *Controller) Pause() {
	c.mu.Lock()
	if c.state != Speaking {
		c.mu.Unlock()
		return
	}
	c.state = Paused
	id := c.current
	c.mu.Unlock()
	c.engine.Pause(id)
}

// Stop cancels the utterance. The bound text is cleared before the engine
// acknowledges.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.state == Idle {
		c.mu.Unlock()
		return
	}
	id := c.current
	c.reset()
	c.mu.Unlock()
	c.engine.Cancel(id)
}

// HandleEvent applies an engine report. Reports for anything but the current
// utterance are ignored.
func (c *Controller) HandleEvent(ev Event) {
	log := logrus.WithFields(logrus.Fields{"utterance": ev.Utterance, "event": string(ev.Kind)})

	c.mu.Lock()
	if ev.Utterance == "" || ev.Utterance != c.current {
		c.mu.Unlock()
		log.Debug("stale speech event dropped")
		return
	}
	text := c.text
	switch ev.Kind {
	case EventStart:
		if c.started {
			c.mu.Unlock()
			return
		}
		c.started = true
		c.mu.Unlock()
		if c.listener.OnStart != nil {
			c.listener.OnStart(text)
		}
	case EventPause:
		if c.state == Speaking {
			c.state = Paused
		}
		c.mu.Unlock()
	case EventResume:
		if c.state == Paused {
			c.state = Speaking
		}
		c.mu.Unlock()
	case EventEnd:
		c.reset()
		c.mu.Unlock()
		if c.listener.OnEnd != nil {
			c.listener.OnEnd(text)
		}
	case EventError:
		c.reset()
		c.mu.Unlock()
		err := classify(ev.Reason)
		if apperr.IsNoise(err) {
			log.WithField("reason", ev.Reason).Debug("speech interrupted")
			return
		}
		log.WithError(err).Warn("speech engine error")
		if c.listener.OnError != nil {
			c.listener.OnError(text, err)
		}
	default:
		c.mu.Unlock()
		log.Debug("unknown speech event")
	}
}

func (c *Controller) reset() {
	c.state = Idle
	c.text = ""
	c.current = ""
	c.started = false
}

func classify(reason string) error {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case "interrupted", "canceled", "cancelled":
		return apperr.New(apperr.Noise, reason, "")
	case "not-allowed":
		return apperr.New(apperr.Authorization, reason, "the browser blocked speech playback")
	case "synthesis-unavailable", "audio-hardware", "voice-unavailable", "language-unavailable":
		return apperr.New(apperr.Configuration, reason, "speech playback is not available in this browser")
	case "network":
		return apperr.New(apperr.Transient, reason, "speech playback lost its connection")
	case "":
		return apperr.New(apperr.Transient, "speech-error", "speech playback failed")
	default:
		return apperr.New(apperr.Transient, reason, "speech playback failed: "+reason)
	}
}
