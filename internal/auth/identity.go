package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"readaloud/internal/apperr"
	"readaloud/internal/models"

	"github.com/sirupsen/logrus"
)

type watcher struct {
	deliverMu sync.Mutex // serializes calls to fn
	mu        sync.Mutex
	fn        func(*models.Identity)
	closed    bool
	timer     *time.Timer
}

func (w *watcher) deliver(id *models.Identity) {
	w.deliverMu.Lock()
	defer w.deliverMu.Unlock()
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	if id == nil {
		w.closed = true
	}
	w.mu.Unlock()
	w.fn(id)
}

func (w *watcher) close() {
	w.mu.Lock()
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
}

type revokedMessage struct {
	Token string `json:"token"`
}

// OnIdentityChange resolves the identity behind authToken and reports it to
// fn, then reports nil once the token is revoked or expires. fn is called
// synchronously with the current identity before OnIdentityChange returns.
func (s *Service) OnIdentityChange(ctx context.Context, authToken string, fn func(*models.Identity)) (func(), error) {
	if s == nil || s.db == nil {
		return nil, ErrConfigurationInvalid
	}
	if fn == nil {
		return nil, errors.New("identity callback required")
	}
	userID, expires, err := s.lookup(ctx, authToken)
	if err != nil {
		if apperr.KindOf(err) == apperr.Authorization {
			fn(nil)
			return func() {}, nil
		}
		return nil, err
	}
	identity, err := s.Identity(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrTokenInvalid) {
			fn(nil)
			return func() {}, nil
		}
		return nil, err
	}

	w := &watcher{fn: fn}
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	if s.watchers[authToken] == nil {
		s.watchers[authToken] = make(map[uint64]*watcher)
	}
	s.watchers[authToken][id] = w
	s.mu.Unlock()

	w.mu.Lock()
	w.timer = time.AfterFunc(time.Until(expires), func() { s.revoked(authToken, false) })
	w.mu.Unlock()

	w.deliver(identity)

	return func() {
		s.mu.Lock()
		delete(s.watchers[authToken], id)
		if len(s.watchers[authToken]) == 0 {
			delete(s.watchers, authToken)
		}
		s.mu.Unlock()
		w.close()
	}, nil
}

// Identity loads the identity for a user id.
func (s *Service) Identity(ctx context.Context, userID string) (*models.Identity, error) {
	var email string
	err := s.db.QueryRowContext(ctx, `SELECT email FROM users WHERE id = ?`, userID).Scan(&email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTokenInvalid
		}
		return nil, networkError("load identity", err)
	}
	return &models.Identity{ID: userID, Email: email}, nil
}

// AttachRedis delivers revocations made on other instances until ctx ends.
func (s *Service) AttachRedis(ctx context.Context) {
	if s.rdb == nil {
		return
	}
	s.rdb.Subscribe(ctx, redisRevokedChannel, func(payload []byte) {
		var msg revokedMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			logrus.WithError(err).Warn("revocation decode failed")
			return
		}
		s.revoked(msg.Token, false)
	})
}

func (s *Service) revoked(token string, publish bool) {
	s.mu.Lock()
	ws := s.watchers[token]
	delete(s.watchers, token)
	s.mu.Unlock()

	for _, w := range ws {
		w.deliver(nil)
		w.close()
	}
	if publish && s.rdb != nil {
		if err := s.rdb.Publish(context.Background(), redisRevokedChannel, revokedMessage{Token: token}); err != nil {
			logrus.WithError(err).Warn("publish revocation failed")
		}
	}
}

// TokenProvider binds a token to the identity-change stream so a session
// store can subscribe without knowing about tokens.
type TokenProvider struct {
	svc   *Service
	token string
}

func (s *Service) ProviderFor(token string) *TokenProvider {
	return &TokenProvider{svc: s, token: token}
}

func (p *TokenProvider) OnIdentityChange(fn func(*models.Identity)) (func(), error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.svc.OnIdentityChange(ctx, p.token, fn)
}

// IssueCredential mints a per-call bearer credential for the bound user.
func (p *TokenProvider) IssueCredential(ctx context.Context) (string, error) {
	userID, err := p.svc.ValidateToken(ctx, p.token)
	if err != nil {
		return "", err
	}
	return p.svc.IssueCredential(ctx, userID)
}
