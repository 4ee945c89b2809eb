// Package service provides the shared HTTP scaffold every bugbot service
// is built on: the echo server, the health/metrics surface, CORS for the
// dashboard origins, and admin bearer auth.
package service

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// Sentinel errors forming the platform error taxonomy. Lower layers retry
// what they can; what reaches the HTTP edge is one of these, wrapped with
// context.
var (
	ErrInvalidRequest     = errors.New("invalid request")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrTimeout            = errors.New("timeout")
	ErrUnsafeInput        = errors.New("unsafe input")
	ErrCancelled          = errors.New("cancelled")
)

// taggedError is a package-local sentinel attached to one of the
// taxonomy errors above, so errors.Is finds the taxonomy entry without
// the sentinel changing its message.
type taggedError struct {
	msg    string
	target error
}

func (e *taggedError) Error() string { return e.msg }

func (e *taggedError) Is(target error) bool { return target == e.target }

// Sentinel creates a named error that matches target in errors.Is
// chains. Packages define their own sentinels with it so MapError can
// translate them at the HTTP edge.
func Sentinel(msg string, target error) error {
	return &taggedError{msg: msg, target: target}
}

// ValidationError carries a field-level validation failure.
type ValidationError struct {
	Field   string
	Message string
}

// NewValidationError creates a ValidationError for the given field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Is makes ValidationError match ErrInvalidRequest in errors.Is chains.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidRequest
}

// MapError translates a taxonomy error into an echo HTTP error. Unknown
// errors become 500 with a generic message; the detail goes to the log,
// never to the client.
func MapError(err error) *echo.HTTPError {
	var validErr *ValidationError
	if errors.As(err, &validErr) {
		return echo.NewHTTPError(http.StatusBadRequest, validErr.Error())
	}
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrUnauthorized):
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrBackendUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, ErrTimeout):
		return echo.NewHTTPError(http.StatusGatewayTimeout, "upstream timeout")
	case errors.Is(err, ErrUnsafeInput):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrCancelled):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}

	slog.Error("Unexpected service error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
