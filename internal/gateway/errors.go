package gateway

import (
	"errors"
	"fmt"
)

// ConfigError indicates missing or incomplete gateway credentials.
// It is raised before any network or database call is attempted.
type ConfigError struct {
	Gateway string
	Reason  string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("gateway %s not configured: %s", e.Gateway, e.Reason)
}

// NewConfigError creates a ConfigError.
func NewConfigError(gateway, reason string) *ConfigError {
	return &ConfigError{Gateway: gateway, Reason: reason}
}

// IsConfigError reports whether err is a configuration error.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// AuthError indicates the provider rejected a token exchange. Callers
// may invalidate the cached token and retry once, never loop.
type AuthError struct {
	Gateway string
	Body    string
	Err     error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gateway %s auth failed: %v", e.Gateway, e.Err)
	}
	return fmt.Sprintf("gateway %s auth failed: %s", e.Gateway, e.Body)
}

func (e *AuthError) Unwrap() error { return e.Err }

// IsAuthError reports whether err is an authentication error.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// SignatureError indicates a webhook authenticity check failed.
// The request is rejected with 401 and not processed.
type SignatureError struct {
	Gateway string
	Reason  string
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("gateway %s signature verification failed: %s", e.Gateway, e.Reason)
}

// IsSignatureError reports whether err is a signature error.
func IsSignatureError(err error) bool {
	var se *SignatureError
	return errors.As(err, &se)
}
