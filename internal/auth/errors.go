package auth

import (
	"errors"
	"fmt"

	"readaloud/internal/apperr"
)

// Classified identity errors. Each carries the message shown to users.
var (
	ErrInvalidCredential    = apperr.New(apperr.Authorization, "invalid-credential", "email or password is incorrect")
	ErrEmailInUse           = apperr.New(apperr.Validation, "email-in-use", "an account with this email already exists")
	ErrWeakPassword         = apperr.New(apperr.Validation, "weak-password", "password must be at least 8 characters")
	ErrInvalidEmail         = apperr.New(apperr.Validation, "invalid-email", "enter a valid email address")
	ErrRateLimited          = apperr.New(apperr.Transient, "rate-limited", "too many attempts, try again later")
	ErrConfigurationInvalid = apperr.New(apperr.Configuration, "configuration-invalid", "authentication is not configured")
	ErrTokenInvalid         = apperr.New(apperr.Authorization, "unauthenticated", "please sign in again")
)

// networkError classifies a storage failure as transient.
func networkError(op string, err error) error {
	return apperr.Wrap(apperr.Transient, "network", "could not reach the account service, try again", fmt.Errorf("%s: %w", op, err))
}

// Code returns the identity error code of err, or "" when unclassified.
func Code(err error) string {
	for _, known := range []*apperr.Error{
		ErrInvalidCredential, ErrEmailInUse, ErrWeakPassword, ErrInvalidEmail,
		ErrRateLimited, ErrConfigurationInvalid, ErrTokenInvalid,
	} {
		if errors.Is(err, known) {
			return known.Code
		}
	}
	return apperr.CodeOf(err)
}
