package auth

import (
	"errors"
	"fmt"
)

// Reason classifies an authentication failure.
type Reason int

const (
	// Forbidden means the backend refused the credentials or the session
	// lacks permission even after renewal.
	Forbidden Reason = iota + 1
	// InvalidCredentials means the backend rejected the login request.
	InvalidCredentials
	// InvalidToken means a static token failed self-lookup.
	InvalidToken
	// CredentialSourceMissing means local credential material could not be read.
	CredentialSourceMissing
)

func (r Reason) String() string {
	switch r {
	case Forbidden:
		return "forbidden"
	case InvalidCredentials:
		return "invalid credentials"
	case InvalidToken:
		return "invalid token"
	case CredentialSourceMissing:
		return "credential source missing"
	default:
		return "unknown"
	}
}

// AuthError is returned when a session cannot be established or an
// operation stays unauthorized after one renewal.
type AuthError struct {
	Reason Reason
	Scheme string
	Err    error
}

func (e *AuthError) Error() string {
	msg := "authentication failed: " + e.Reason.String()
	if e.Scheme != "" {
		msg = fmt.Sprintf("%s authentication failed: %s", e.Scheme, e.Reason)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// IsReason reports whether err is an AuthError with the given reason.
func IsReason(err error, reason Reason) bool {
	var ae *AuthError
	return errors.As(err, &ae) && ae.Reason == reason
}

// AsAuthError extracts an AuthError from err.
func AsAuthError(err error) (*AuthError, bool) {
	var ae *AuthError
	ok := errors.As(err, &ae)
	return ae, ok
}
