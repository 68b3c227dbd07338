package domain

import (
	"errors"
	"fmt"
)

// Kind classifies a domain error. Handlers map kinds to transport status codes.
type Kind string

const (
	KindValidation            Kind = "VALIDATION_ERROR"
	KindNotFound              Kind = "NOT_FOUND"
	KindForbidden             Kind = "FORBIDDEN"
	KindOverdraft             Kind = "OVERDRAFT"
	KindProvisioningExhausted Kind = "PROVISIONING_EXHAUSTED"
	KindConflict              Kind = "CONFLICT"
	KindInternal              Kind = "INTERNAL"
)

// Sentinels for errors.Is checks. Every *Error matches the sentinel of its kind.
var (
	ErrValidation            = &Error{Kind: KindValidation, Message: "invalid request"}
	ErrNotFound              = &Error{Kind: KindNotFound, Message: "not found"}
	ErrForbidden             = &Error{Kind: KindForbidden, Message: "forbidden"}
	ErrOverdraft             = &Error{Kind: KindOverdraft, Message: "insufficient credit"}
	ErrProvisioningExhausted = &Error{Kind: KindProvisioningExhausted, Message: "no gift card source available"}
	ErrConflict              = &Error{Kind: KindConflict, Message: "conflict"}
	ErrInternal              = &Error{Kind: KindInternal, Message: "internal error"}
)

// Error is a typed domain error with a stable code and a user-safe message.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches targets of the same kind. A target carrying a code only matches that code,
// so errors.Is(err, ErrNotFound) holds for every not-found error while coded sentinels stay distinct.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if e.Kind != t.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// StableCode returns the machine-readable code, defaulting to the kind.
func (e *Error) StableCode() string {
	if e.Code != "" {
		return e.Code
	}
	return string(e.Kind)
}

func NewValidationError(message string) *Error {
	return &Error{Kind: KindValidation, Message: message}
}

func NewNotFoundError(code, message string) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: message}
}

func NewForbiddenError(message string) *Error {
	return &Error{Kind: KindForbidden, Message: message}
}

func NewOverdraftError(available, requested int64) *Error {
	return &Error{
		Kind:    KindOverdraft,
		Message: fmt.Sprintf("insufficient credit: available %d, requested %d", available, requested),
	}
}

func NewProvisioningExhaustedError(cause error) *Error {
	return &Error{Kind: KindProvisioningExhausted, Message: "no gift card source available", Cause: cause}
}

func NewConflictError(code, message string) *Error {
	return &Error{Kind: KindConflict, Code: code, Message: message}
}

// NewInternalError wraps an unexpected failure without exposing it to users.
func NewInternalError(cause error) *Error {
	return &Error{Kind: KindInternal, Message: "internal error", Cause: cause}
}

// KindOf extracts the kind of err, treating unknown errors as internal.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}
