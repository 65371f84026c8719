package api

import (
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Authenticator checks the credentials that accompany destructive requests.
type Authenticator interface {
	Authenticate(username, password string) error
}

// PasswordAuth accepts a single user whose password is stored as a bcrypt hash.
type PasswordAuth struct {
	user string
	hash []byte
}

// NewPasswordAuth creates an authenticator. An empty hash rejects everyone.
func NewPasswordAuth(user, hash string) *PasswordAuth {
	return &PasswordAuth{user: user, hash: []byte(hash)}
}

// Authenticate returns ErrUnauthorized unless both fields match.
func (a *PasswordAuth) Authenticate(username, password string) error {
	if len(a.hash) == 0 {
		return fmt.Errorf("%w: no admin password configured on the server", ErrUnauthorized)
	}
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(a.user)) == 1
	passErr := bcrypt.CompareHashAndPassword(a.hash, []byte(password))
	if !userOK || passErr != nil {
		return ErrUnauthorized
	}
	return nil
}
