package config

import (
	"errors"
	"fmt"
)

// Sentinel configuration errors.
var (
	// ErrChainNotConfigured is returned when a chain has no RPC endpoints.
	ErrChainNotConfigured = errors.New("chain not configured")

	// ErrMissingEnv is returned when a required environment variable is absent.
	ErrMissingEnv = errors.New("required environment variable missing")
)

// LoadError wraps a failure to load a specific configuration file.
type LoadError struct {
	File string
	Err  error
}

// NewLoadError creates a LoadError for the given file.
func NewLoadError(file string, err error) *LoadError {
	return &LoadError{File: file, Err: err}
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("loading %s: %v", e.File, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// RequireEnv returns the value of key or ErrMissingEnv. Services call this
// at boot for variables they cannot run without; a missing one exits non-zero.
func RequireEnv(key string) (string, error) {
	if v := getenv(key); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("%w: %s", ErrMissingEnv, key)
}
