package speech

import (
	"github.com/sirupsen/logrus"
)

// Engine is the platform speech engine. Implementations may report events
// synchronously from inside these calls.
type Engine interface {
	Available() bool
	Speak(utterance, text string) error
	Pause(utterance string)
	Resume(utterance string)
	Cancel(utterance string)
}

type EventKind string

const (
	EventStart  EventKind = "start"
	EventEnd    EventKind = "end"
	EventPause  EventKind = "pause"
	EventResume EventKind = "resume"
	EventError  EventKind = "error"
)

// Event is an engine report about one utterance.
type Event struct {
	Utterance string    `json:"utterance"`
	Kind      EventKind `json:"event"`
	Reason    string    `json:"reason,omitempty"`
}

// Command is what a Relay asks the browser to do.
type Command struct {
	Op        string `json:"op"`
	Utterance string `json:"utterance"`
	Text      string `json:"text,omitempty"`
}

// Relay forwards engine calls to a browser, which reports events back.
type Relay struct {
	send func(Command) error
}

func NewRelay(send func(Command) error) *Relay {
	return &Relay{send: send}
}

func (r *Relay) Available() bool { return r != nil && r.send != nil }

func (r *Relay) Speak(utterance, text string) error {
	return r.send(Command{Op: "speak", Utterance: utterance, Text: text})
}

func (r *Relay) Pause(utterance string)  { r.fire("pause", utterance) }
func (r *Relay) Resume(utterance string) { r.fire("resume", utterance) }
func (r *Relay) Cancel(utterance string) { r.fire("cancel", utterance) }

func (r *Relay) fire(op, utterance string) {
	if err := r.send(Command{Op: op, Utterance: utterance}); err != nil {
		logrus.WithError(err).WithField("op", op).Debug("speech command not delivered")
	}
}

// Unavailable is the engine for browsers without speech synthesis.
type Unavailable struct{}

func (Unavailable) Available() bool            { return false }
func (Unavailable) Speak(string, string) error { return ErrUnavailable }
func (Unavailable) Pause(string)               {}
func (Unavailable) Resume(string)              {}
func (Unavailable) Cancel(string)              {}
