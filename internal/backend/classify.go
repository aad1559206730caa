package backend

import (
	"errors"
	"net/http"
	"strings"

	"github.com/hashicorp/vault/api"
)

// Class is the outcome category of a backend call.
type Class int

const (
	Success Class = iota
	NotFound
	Forbidden
	InvalidRequest
	Other
)

func (c Class) String() string {
	switch c {
	case Success:
		return "success"
	case NotFound:
		return "not_found"
	case Forbidden:
		return "forbidden"
	case InvalidRequest:
		return "invalid_request"
	default:
		return "other"
	}
}

// Classify maps an error returned by the Vault API client to a Class.
// 401 and 403 both count as authorization failures.
func Classify(err error) Class {
	if err == nil {
		return Success
	}

	var respErr *api.ResponseError
	if !errors.As(err, &respErr) {
		return Other
	}

	switch respErr.StatusCode {
	case http.StatusNotFound:
		return NotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return Forbidden
	case http.StatusBadRequest:
		return InvalidRequest
	default:
		return Other
	}
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var respErr *api.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode
	}
	return 0
}

// IsForbidden reports whether err is an authorization failure.
func IsForbidden(err error) bool {
	return Classify(err) == Forbidden
}

// IsNotFound reports whether err is a 404.
func IsNotFound(err error) bool {
	return Classify(err) == NotFound
}

// HasMessage reports whether any backend error message contains substr,
// case-insensitively.
func HasMessage(err error, substr string) bool {
	var respErr *api.ResponseError
	if !errors.As(err, &respErr) {
		return false
	}
	substr = strings.ToLower(substr)
	for _, msg := range respErr.Errors {
		if strings.Contains(strings.ToLower(msg), substr) {
			return true
		}
	}
	return false
}
