package amocrm

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidConfig  = errors.New("invalid config")
	ErrInvalidInput   = errors.New("invalid input")
	ErrTokenNotFound  = errors.New("token file not found")
	ErrTokenCorrupt   = errors.New("token file corrupt")
	ErrNotImplemented = errors.New("not implemented")
)

type ConfigError struct {
	Key string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("missing required amoCRM config key: %s", e.Key)
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrInvalidConfig
}

// TokenFileError reports a failed read or write of the token file. Err is
// ErrTokenNotFound, ErrTokenCorrupt or the underlying I/O error.
type TokenFileError struct {
	Op   string
	Path string
	Err  error
}

func (e *TokenFileError) Error() string {
	return fmt.Sprintf("token file %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *TokenFileError) Unwrap() error {
	return e.Err
}

type OAuthError struct {
	StatusCode int
	Body       string
}

func (e *OAuthError) Error() string {
	return fmt.Sprintf("oauth error (%d): %s", e.StatusCode, strings.TrimSpace(e.Body))
}

type APIError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Endpoint != "" {
		return fmt.Sprintf("api request %s failed: %d - %s", e.Endpoint, e.StatusCode, strings.TrimSpace(e.Body))
	}
	return fmt.Sprintf("api request failed: %d - %s", e.StatusCode, strings.TrimSpace(e.Body))
}

type TransportError struct {
	Method string
	URL    string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %s %s: %v", e.Method, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
