package errors

import (
	"errors"
	"fmt"
	"strings"
)

// UserError represents an error that should be shown to the user with helpful context
type UserError struct {
	Message    string
	Suggestion string
	Details    string
	Err        error
}

func (e UserError) Error() string {
	var parts []string

	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}

	if e.Details != "" {
		parts = append(parts, "\n  Details: "+e.Details)
	}

	if e.Suggestion != "" {
		parts = append(parts, "\n  💡 Try: "+e.Suggestion)
	}

	return strings.Join(parts, "")
}

func (e UserError) Unwrap() error {
	return e.Err
}

// ConfigError represents a configuration error with helpful context.
// It is fatal: configuration problems are never retried.
type ConfigError struct {
	Field      string
	Value      interface{}
	Message    string
	Suggestion string
}

func (e ConfigError) Error() string {
	msg := "Configuration error"
	if e.Field != "" {
		msg += fmt.Sprintf(" in field '%s'", e.Field)
	}
	if e.Value != nil {
		msg += fmt.Sprintf(" (value: %v)", e.Value)
	}
	msg += ": " + e.Message

	if e.Suggestion != "" {
		msg += "\n  💡 " + e.Suggestion
	}

	return msg
}

// EngineConfigError reports a secret engine constructed without a required parameter
type EngineConfigError struct {
	Engine  string
	Field   string
	Message string
}

func (e EngineConfigError) Error() string {
	msg := fmt.Sprintf("%s engine configuration error", e.Engine)
	if e.Field != "" {
		msg += fmt.Sprintf(" in field '%s'", e.Field)
	}
	return msg + ": " + e.Message
}

// BackendError enhances a backend failure with context and a suggestion
func BackendError(operation, address string, err error) error {
	return UserError{
		Message:    fmt.Sprintf("vault backend error during %s", operation),
		Details:    err.Error(),
		Suggestion: backendSuggestion(address, err),
		Err:        err,
	}
}

// backendSuggestion provides helpful suggestions based on backend errors
func backendSuggestion(address string, err error) string {
	errStr := strings.ToLower(err.Error())

	switch {
	case strings.Contains(errStr, "connection refused"), strings.Contains(errStr, "no such host"):
		return "Check that the Vault server is running and accessible at " + address
	case strings.Contains(errStr, "permission denied"):
		return "Check the policy attached to your token for this path"
	case strings.Contains(errStr, "invalid token"):
		return "Your Vault token may be expired or revoked"
	case strings.Contains(errStr, "namespace"):
		return "Check your Vault namespace configuration"
	case strings.Contains(errStr, "tls"), strings.Contains(errStr, "x509"):
		return "Check the TLS configuration (ca_cert, client_cert, client_key)"
	case strings.Contains(errStr, "sealed"):
		return "The Vault instance is sealed; unseal it before use"
	case strings.Contains(errStr, "timeout"), strings.Contains(errStr, "deadline exceeded"):
		return "The operation timed out. Check your network connection and the configured timeout"
	default:
		return ""
	}
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"timeout",
		"temporary failure",
		"connection reset",
		"connection refused",
		"broken pipe",
		"rate limit",
		"too many requests",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// IsConfigError reports whether err is a configuration problem of any kind
func IsConfigError(err error) bool {
	var ce ConfigError
	var ee EngineConfigError
	return errors.As(err, &ce) || errors.As(err, &ee)
}
