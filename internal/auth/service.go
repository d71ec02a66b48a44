package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"readaloud/internal/redis"

	"github.com/sirupsen/logrus"
)

const (
	redisTokenPrefix     = "auth:token:"
	redisRevokedChannel  = "auth:revoked"
	defaultCredentialTTL = 5 * time.Minute
)

// Service issues, validates, and revokes user authentication tokens, and
// notifies identity subscribers when a token stops being valid.
type Service struct {
	db             *sql.DB
	rdb            *redis.Client
	tokenTTL       time.Duration
	credentialTTL  time.Duration
	bcryptCost     int
	cookieName     string
	headerName     string
	csrfCookieName string
	csrfHeaderName string

	mu       sync.Mutex
	watchers map[string]map[uint64]*watcher
	nextID   uint64
}

// NewService constructs an auth service with the supplied token lifetime.
// rdb may be nil; tokens are then validated against the database only.
func NewService(db *sql.DB, rdb *redis.Client, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		db:             db,
		rdb:            rdb,
		tokenTTL:       ttl,
		credentialTTL:  defaultCredentialTTL,
		cookieName:     "auth_token",
		headerName:     "Authorization",
		csrfCookieName: "csrf_token",
		csrfHeaderName: "X-CSRF-Token",
		watchers:       make(map[string]map[uint64]*watcher),
	}
}

// IssueToken mints a new session token for the user and persists it.
func (s *Service) IssueToken(ctx context.Context, userID string) (string, error) {
	return s.issue(ctx, userID, s.tokenTTL)
}

// IssueCredential mints a short-lived bearer credential for a single call to
// a collaborator such as the audio render endpoint.
func (s *Service) IssueCredential(ctx context.Context, userID string) (string, error) {
	return s.issue(ctx, userID, s.credentialTTL)
}

func (s *Service) issue(ctx context.Context, userID string, ttl time.Duration) (string, error) {
	if s == nil || s.db == nil {
		return "", ErrConfigurationInvalid
	}
	if userID == "" {
		return "", errors.New("invalid user id")
	}
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)
	var lastErr error
	for i := 0; i < 5; i++ {
		token, err := generateToken()
		if err != nil {
			return "", err
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO user_tokens (token, user_id, created_at, expires_at) VALUES (?, ?, ?, ?)`,
			token, userID, now, expiresAt,
		)
		if err == nil {
			s.cacheToken(ctx, token, userID, ttl)
			return token, nil
		}
		lastErr = err
	}
	return "", networkError("issue token", lastErr)
}

// PurgeExpired deletes every expired token, including spent render
// credentials, and reports how many rows went.
func (s *Service) PurgeExpired(ctx context.Context) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrConfigurationInvalid
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM user_tokens WHERE expires_at < ?`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("purge expired tokens: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// NewCSRFToken returns a random token used for CSRF protection.
func (s *Service) NewCSRFToken() (string, error) {
	return generateToken()
}

// ValidateToken verifies the token exists and has not expired, returning the user id.
func (s *Service) ValidateToken(ctx context.Context, authToken string) (string, error) {
	userID, _, err := s.lookup(ctx, authToken)
	return userID, err
}

func (s *Service) lookup(ctx context.Context, authToken string) (string, time.Time, error) {
	if s == nil || s.db == nil {
		return "", time.Time{}, ErrConfigurationInvalid
	}
	if authToken == "" {
		return "", time.Time{}, ErrTokenInvalid
	}
	if userID, ttl, ok := s.cachedToken(ctx, authToken); ok {
		return userID, time.Now().UTC().Add(ttl), nil
	}
	var userID string
	var expires time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, expires_at FROM user_tokens WHERE token = ?`, authToken,
	).Scan(&userID, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", time.Time{}, ErrTokenInvalid
		}
		return "", time.Time{}, networkError("lookup token", err)
	}
	if time.Now().UTC().After(expires) {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM user_tokens WHERE token = ?`, authToken)
		return "", time.Time{}, ErrTokenInvalid
	}
	s.cacheToken(ctx, authToken, userID, time.Until(expires))
	return userID, expires, nil
}

// RevokeToken deletes a single token and clears identity subscribers bound to it.
func (s *Service) RevokeToken(ctx context.Context, authToken string) error {
	if authToken == "" {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM user_tokens WHERE token = ?`, authToken); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	s.uncacheToken(ctx, authToken)
	s.revoked(authToken, true)
	return nil
}

// RevokeUserTokens removes all tokens belonging to the user.
func (s *Service) RevokeUserTokens(ctx context.Context, userID string) error {
	if userID == "" {
		return nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT token FROM user_tokens WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("list user tokens: %w", err)
	}
	var tokens []string
	for rows.Next() {
		var tok string
		if err := rows.Scan(&tok); err != nil {
			rows.Close()
			return fmt.Errorf("scan token: %w", err)
		}
		tokens = append(tokens, tok)
	}
	rows.Close()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM user_tokens WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("revoke user tokens: %w", err)
	}
	for _, tok := range tokens {
		s.uncacheToken(ctx, tok)
		s.revoked(tok, true)
	}
	return nil
}

func (s *Service) cacheToken(ctx context.Context, token, userID string, ttl time.Duration) {
	if s.rdb == nil || ttl <= 0 {
		return
	}
	if err := s.rdb.Set(ctx, redisTokenPrefix+token, userID, ttl); err != nil {
		logrus.WithError(err).Warn("cache auth token failed")
	}
}

func (s *Service) cachedToken(ctx context.Context, token string) (string, time.Duration, bool) {
	if s.rdb == nil {
		return "", 0, false
	}
	userID, err := s.rdb.Get(ctx, redisTokenPrefix+token)
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			logrus.WithError(err).Warn("load cached auth token failed")
		}
		return "", 0, false
	}
	ttl, err := s.rdb.Raw().TTL(ctx, redisTokenPrefix+token).Result()
	if err != nil || ttl <= 0 {
		return "", 0, false
	}
	return userID, ttl, true
}

func (s *Service) uncacheToken(ctx context.Context, token string) {
	if s.rdb == nil {
		return
	}
	if err := s.rdb.Del(ctx, redisTokenPrefix+token); err != nil {
		logrus.WithError(err).Warn("drop cached auth token failed")
	}
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// AuthCookieName returns the cookie name storing auth tokens.
func (s *Service) AuthCookieName() string {
	return s.cookieName
}

// CSRFCookieName returns the cookie used for CSRF tokens.
func (s *Service) CSRFCookieName() string {
	return s.csrfCookieName
}

// CSRFHeaderName returns the CSRF header name.
func (s *Service) CSRFHeaderName() string {
	return s.csrfHeaderName
}

// TokenTTL reports the configured token lifetime.
func (s *Service) TokenTTL() time.Duration {
	return s.tokenTTL
}
