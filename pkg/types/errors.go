package types

import (
	"errors"
	"fmt"
)

// Kind is the error taxonomy shared by collectors, the scheduler and the
// HTTP layer. Every failure that crosses a component boundary carries one.
type Kind string

const (
	KindConfigError       Kind = "config_error"
	KindVaultCorrupt      Kind = "vault_corrupt"
	KindStoreUnavailable  Kind = "store_unavailable"
	KindCacheUnavailable  Kind = "cache_unavailable"
	KindAuthFailed        Kind = "auth_failed"
	KindSourceUnavailable Kind = "source_unavailable"
	KindParseError        Kind = "parse_error"
	KindRateLimited       Kind = "rate_limited"
	KindValidationError   Kind = "validation_error"
	KindAlreadyRunning    Kind = "already_running"
	KindNotFound          Kind = "not_found"
	KindPartial           Kind = "partial"
)

// Error is a kinded error. Field optionally points at the offending
// request parameter for validation failures.
type Error struct {
	Kind    Kind
	Message string
	Field   string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// E constructs a kinded error.
func E(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Ef constructs a kinded error with formatting.
func Ef(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf extracts the Kind from err, or empty when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
