package models

import "time"

// User represents an account that owns documents.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Identity is the authenticated subject seen by reader sessions.
type Identity struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// SameSubject reports whether two identities refer to the same user.
func SameSubject(a, b *Identity) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.ID == b.ID
}
