// Package session tracks the authenticated identity of one reader session and
// whether it has been resolved yet.
package session

import (
	"errors"
	"sync"

	"readaloud/internal/apperr"
	"readaloud/internal/models"

	"github.com/sirupsen/logrus"
)

type Readiness int

const (
	Loading Readiness = iota
	ReadyWithIdentity
	ReadyWithoutIdentity
	Error
)

func (r Readiness) String() string {
	switch r {
	case Loading:
		return "loading"
	case ReadyWithIdentity:
		return "ready-with-identity"
	case ReadyWithoutIdentity:
		return "ready-without-identity"
	case Error:
		return "error"
	}
	return "unknown"
}

// Provider is the identity-change notification stream.
type Provider interface {
	OnIdentityChange(fn func(*models.Identity)) (unsubscribe func(), err error)
}

var errNoProvider = apperr.New(apperr.Configuration, "configuration-invalid", "authentication is not configured")

// Listener is told about every readiness or identity change.
type Listener func(Readiness, *models.Identity)

// Store holds the identity and its resolution state. It subscribes to the
// provider once, on Start, and unsubscribes on Close.
type Store struct {
	provider Provider

	mu          sync.Mutex
	state       Readiness
	identity    *models.Identity
	err         error
	started     bool
	closed      bool
	unsubscribe func()
	listeners   []Listener
}

func NewStore(p Provider) *Store {
	return &Store{provider: p}
}

// OnChange registers l. Listeners are called outside the store's lock.
func (s *Store) OnChange(l Listener) {
	if l == nil {
		return
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

// Start subscribes to the provider. Later calls do nothing.
func (s *Store) Start() {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return
	}
	s.started = true
	provider := s.provider
	s.mu.Unlock()

	if provider == nil {
		s.fail(errNoProvider)
		return
	}
	unsubscribe, err := provider.OnIdentityChange(s.handle)
	if err != nil {
		if apperr.KindOf(err) == apperr.Configuration {
			s.fail(err)
			return
		}
		logrus.WithError(err).Warn("identity provider unavailable, continuing signed out")
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		s.handle(nil)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		if unsubscribe != nil {
			unsubscribe()
		}
		return
	}
	s.unsubscribe = unsubscribe
	s.mu.Unlock()
}

// Close unsubscribes from the provider. The store stops reporting changes.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

// State returns the readiness, the identity (nil unless ready-with-identity)
// and the error behind an error state.
func (s *Store) State() (Readiness, *models.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.identity, s.err
}

// Identity returns the current identity or nil.
func (s *Store) Identity() *models.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

func (s *Store) handle(id *models.Identity) {
	s.mu.Lock()
	if s.closed || s.state == Error {
		s.mu.Unlock()
		return
	}
	if id != nil {
		cp := *id
		s.identity = &cp
		s.state = ReadyWithIdentity
	} else {
		s.identity = nil
		s.state = ReadyWithoutIdentity
	}
	state, identity := s.state, s.identity
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()

	for _, l := range listeners {
		l(state, identity)
	}
}

// fail moves the store into the terminal error state.
func (s *Store) fail(err error) {
	if err == nil {
		err = errors.New("identity provider failed")
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.state = Error
	s.identity = nil
	s.err = err
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()

	logrus.WithError(err).Error("identity provider misconfigured")
	for _, l := range listeners {
		l(Error, nil)
	}
}
