package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"readaloud/internal/models"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const minPasswordLength = 8

// SignUp creates an account. Errors are classified identity errors.
func (s *Service) SignUp(ctx context.Context, email, password string) (*models.User, error) {
	if s == nil || s.db == nil {
		return nil, ErrConfigurationInvalid
	}
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if len(password) < minPasswordLength {
		return nil, ErrWeakPassword
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE email = ?)`, email).Scan(&exists); err != nil {
		return nil, networkError("check email", err)
	}
	if exists {
		return nil, ErrEmailInUse
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.hashCost())
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	user := &models.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: string(hash),
		CreatedAt:    time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, password_hash, created_at) VALUES (?, ?, ?, ?)`,
		user.ID, user.Email, user.PasswordHash, user.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrEmailInUse
		}
		return nil, networkError("create user", err)
	}
	return user, nil
}

// SignIn checks credentials and returns the account.
func (s *Service) SignIn(ctx context.Context, email, password string) (*models.User, error) {
	if s == nil || s.db == nil {
		return nil, ErrConfigurationInvalid
	}
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, ErrInvalidCredential
	}
	if password == "" {
		return nil, ErrInvalidCredential
	}
	var user models.User
	err = s.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash, created_at FROM users WHERE email = ?`, email,
	).Scan(&user.ID, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidCredential
		}
		return nil, networkError("query user", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, ErrInvalidCredential
	}
	return &user, nil
}

// SignOut revokes the session token.
func (s *Service) SignOut(ctx context.Context, authToken string) error {
	return s.RevokeToken(ctx, authToken)
}

// DeleteUser revokes every token of the user and removes the account. Rows
// owned by the user cascade.
func (s *Service) DeleteUser(ctx context.Context, userID string) error {
	if err := s.RevokeUserTokens(ctx, userID); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, userID)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Service) hashCost() int {
	if s.bcryptCost > 0 {
		return s.bcryptCost
	}
	return bcrypt.DefaultCost
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", ErrInvalidEmail
	}
	return email, nil
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}
