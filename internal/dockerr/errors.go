// Package dockerr defines the error taxonomy shared across all DockMon
// components: kinds rather than Go types, so callers can classify and log
// without caring which subsystem produced the failure.
package dockerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is one of the eight error kinds. It is a closed set.
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindAuthz      Kind = "authz"
	KindTransient  Kind = "transient"
	KindPermanent  Kind = "permanent"
	KindIntegrity  Kind = "integrity"
	KindSecurity   Kind = "security"
)

// Error is a classified, structured error carrying enough context to decide
// retry behavior and an HTTP status mapping at the boundary.
type Error struct {
	Kind      Kind
	Message   string
	Entity    string // e.g. composite key, rule id, channel id
	Details   string
	Retryable bool
}

func (e *Error) Error() string {
	if e.Entity != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Entity)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func new_(kind Kind, retryable bool, message string) *Error {
	return &Error{Kind: kind, Message: message, Retryable: retryable}
}

func NewValidationError(message string) *Error { return new_(KindValidation, false, message) }
func NewNotFoundError(message string) *Error    { return new_(KindNotFound, false, message) }
func NewConflictError(message string) *Error    { return new_(KindConflict, false, message) }
func NewAuthzError(message string) *Error       { return new_(KindAuthz, false, message) }
func NewTransientError(message string) *Error   { return new_(KindTransient, true, message) }
func NewPermanentError(message string) *Error   { return new_(KindPermanent, false, message) }
func NewIntegrityError(message string) *Error   { return new_(KindIntegrity, false, message) }
func NewSecurityError(message string) *Error    { return new_(KindSecurity, false, message) }

// WithEntity attaches the entity this error pertains to and returns the same
// *Error for chaining at the call site.
func (e *Error) WithEntity(entity string) *Error {
	e.Entity = entity
	return e
}

// WithDetails attaches free-form diagnostic detail (not shown to end users).
func (e *Error) WithDetails(details string) *Error {
	e.Details = details
	return e
}

// CategorizeError heuristically classifies an error surfaced by a
// third-party library (Docker API, compose-go, registry client) that does
// not already carry a *Error. Used at the boundary of external calls only;
// internal code should construct a *Error directly instead of round-tripping
// through a message string.
func CategorizeError(err error) *Error {
	if err == nil {
		return nil
	}
	if de, ok := err.(*Error); ok {
		return de
	}

	msg := err.Error()
	msgLower := strings.ToLower(msg)

	switch {
	case strings.Contains(msgLower, "yaml") || strings.Contains(msgLower, "parse") ||
		strings.Contains(msgLower, "invalid"):
		return NewValidationError(msg)

	case strings.Contains(msgLower, "not found") || strings.Contains(msgLower, "no such"):
		return NewNotFoundError(msg)

	case strings.Contains(msgLower, "already exists") || strings.Contains(msgLower, "conflict") ||
		(strings.Contains(msgLower, "port") && strings.Contains(msgLower, "already")):
		return NewConflictError(msg)

	case strings.Contains(msgLower, "unauthorized") || strings.Contains(msgLower, "forbidden") ||
		strings.Contains(msgLower, "permission denied"):
		return NewAuthzError(msg)

	case strings.Contains(msgLower, "constraint") || strings.Contains(msgLower, "unique") ||
		strings.Contains(msgLower, "foreign key"):
		return NewIntegrityError(msg)

	case strings.Contains(msgLower, "tls") || strings.Contains(msgLower, "certificate") ||
		strings.Contains(msgLower, "credential"):
		return NewPermanentError(msg)

	case strings.Contains(msgLower, "timeout") || strings.Contains(msgLower, "connection") ||
		strings.Contains(msgLower, "network") || strings.Contains(msgLower, "dns") ||
		strings.Contains(msgLower, "daemon") || strings.Contains(msgLower, "pull"):
		return NewTransientError(msg)

	default:
		return NewPermanentError(msg)
	}
}

// IsRetryable reports whether err (wrapped or not) classifies as retryable.
func IsRetryable(err error) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Retryable
	}
	return CategorizeError(err).Retryable
}
