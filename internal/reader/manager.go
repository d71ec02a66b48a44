package reader

import (
	"sync"

	"readaloud/internal/audio"
	"readaloud/internal/session"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Manager is the registry of live reader sessions, grouped by user.
type Manager struct {
	base   Deps
	bus    *invalidationBus
	origin string

	mu       sync.Mutex
	sessions map[string]map[string]*Session
}

// NewManager builds sessions from base. Identity and Credentials are bound
// per connection in Open.
func NewManager(base Deps) *Manager {
	return &Manager{
		base:     base,
		origin:   uuid.NewString(),
		sessions: make(map[string]map[string]*Session),
	}
}

// Open starts a session for userID. It unregisters itself when closed.
func (m *Manager) Open(userID string, identity session.Provider, creds audio.CredentialIssuer) *Session {
	deps := m.base
	deps.Identity = identity
	deps.Credentials = creds
	s := New(deps)

	m.mu.Lock()
	if m.sessions[userID] == nil {
		m.sessions[userID] = make(map[string]*Session)
	}
	m.sessions[userID][s.ID()] = s
	m.mu.Unlock()

	go func() {
		<-s.Done()
		m.remove(userID, s.ID())
	}()
	s.Start()
	logrus.WithFields(logrus.Fields{"user_id": userID, "session": s.ID()}).Debug("reader session opened")
	return s
}

func (m *Manager) remove(userID, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions[userID], id)
	if len(m.sessions[userID]) == 0 {
		delete(m.sessions, userID)
	}
}

func (m *Manager) userSessions(userID string) []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions[userID]))
	for _, s := range m.sessions[userID] {
		out = append(out, s)
	}
	return out
}

// Count reports the user's live sessions on this instance.
func (m *Manager) Count(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions[userID])
}

// ResetUser returns every session of the user, on every instance, to an
// empty list view.
func (m *Manager) ResetUser(userID string) {
	m.resetLocal(userID)
	m.bus.publish(invalidateMessage{UserID: userID, Scope: scopeReset, Origin: m.origin})
}

// CloseUser closes every session of the user, on every instance.
func (m *Manager) CloseUser(userID string) {
	m.closeLocal(userID)
	m.bus.publish(invalidateMessage{UserID: userID, Scope: scopeClose, Origin: m.origin})
}

func (m *Manager) resetLocal(userID string) {
	for _, s := range m.userSessions(userID) {
		s.Reset()
	}
}

func (m *Manager) closeLocal(userID string) {
	for _, s := range m.userSessions(userID) {
		s.Close()
	}
}

// Broadcast sends msg to every local session of the user.
func (m *Manager) Broadcast(userID string, msg Outbound) {
	for _, s := range m.userSessions(userID) {
		s.Notify(msg)
	}
}

// Shutdown closes every session.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	var all []*Session
	for _, byID := range m.sessions {
		for _, s := range byID {
			all = append(all, s)
		}
	}
	m.mu.Unlock()
	for _, s := range all {
		s.Close()
	}
}
