package auth

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNoToken           = errors.New("no access token stored")
	ErrNoRefreshToken    = errors.New("no refresh token stored")
	ErrMissingCredential = errors.New("email and password are required")
)

// CredentialError is a rejected login or registration. Message is safe to
// show to the user.
type CredentialError struct {
	Message string
	Status  int
	Err     error
}

func (e *CredentialError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (status %d)", e.Message, e.Status)
	}
	return e.Message
}

func (e *CredentialError) Unwrap() error {
	return e.Err
}

// TokenDecodeError means the stored token could not be read. The session
// must be purged.
type TokenDecodeError struct {
	Err error
}

func (e *TokenDecodeError) Error() string {
	return "invalid authentication token: " + e.Err.Error()
}

func (e *TokenDecodeError) Unwrap() error {
	return e.Err
}

// TokenExpiredError means the access token is past its exp claim.
type TokenExpiredError struct {
	ExpiredAt time.Time
}

func (e *TokenExpiredError) Error() string {
	return "token expired at " + e.ExpiredAt.UTC().Format(time.RFC3339)
}

// ProfileFetchError is a failed GET /user.
type ProfileFetchError struct {
	Attempts int
	Err      error
}

func (e *ProfileFetchError) Error() string {
	return fmt.Sprintf("failed to fetch user profile after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *ProfileFetchError) Unwrap() error {
	return e.Err
}
