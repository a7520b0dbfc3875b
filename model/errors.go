package model

import (
	"context"
	"errors"
	"fmt"
)

// Stable error kind strings surfaced to API clients. These are part of the
// public contract; clients branch on them.
const (
	KindValidation            = "validation"
	KindNotFound              = "not_found"
	KindUnauthenticated       = "unauthenticated"
	KindForbidden             = "forbidden"
	KindUnknownTrigger        = "unknown_trigger"
	KindGuardFailed           = "guard_failed"
	KindAlreadyCompleted      = "already_completed"
	KindConflict              = "conflict"
	KindActionFailed          = "action_failed"
	KindRepositoryUnavailable = "repository_unavailable"
	KindAIProvider            = "ai_provider_failure"
	KindAIRateLimited         = "ai_rate_limited"
	KindAIAllFailed           = "ai_all_providers_failed"
	KindCancelled             = "cancelled"
	KindDeadlineExceeded      = "deadline_exceeded"
	KindInternal              = "internal"
)

// Error is the structured domain error carried across layer boundaries.
type Error struct {
	Kind    string
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// WithDetail attaches a detail key/value and returns the error for chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// NewError creates a domain error with the given kind.
func NewError(kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError creates a domain error wrapping an underlying cause.
func WrapError(kind string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf classifies any error into a stable kind string. Context errors map
// to cancelled/deadline kinds; unrecognized errors are internal.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindDeadlineExceeded
	}
	return KindInternal
}

// IsKind reports whether err classifies as the given kind.
func IsKind(err error, kind string) bool {
	return KindOf(err) == kind
}
