// Package apperr defines the error taxonomy shared by every governance component.
// Each failure carries a stable Code and a human-readable message that never
// includes stack traces or secret material.
package apperr

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error identifier.
type Code string

const (
	CodeValidation          Code = "validation_error"
	CodeNotFound            Code = "not_found"
	CodeAlreadyResolved     Code = "already_resolved"
	CodeVaultNotInitialized Code = "vault_not_initialized"
	CodePersistenceDegraded Code = "persistence_degraded"
	CodeChainIntegrity      Code = "chain_integrity"
	CodeConflict            Code = "conflict"
	CodeInternal            Code = "internal"
)

// Error is the typed failure returned across package boundaries.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying error. The underlying error is
// available through errors.Is/As but is not part of the message.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Validation returns a ValidationError.
func Validation(message string) *Error {
	return New(CodeValidation, message)
}

// NotFound returns a NotFoundError for an entity of the given kind.
func NotFound(kind, id string) *Error {
	return New(CodeNotFound, fmt.Sprintf("%s '%s' not found", kind, id))
}

// AlreadyResolved returns an AlreadyResolvedError.
func AlreadyResolved(kind, id, state string) *Error {
	return New(CodeAlreadyResolved, fmt.Sprintf("%s '%s' is %s", kind, id, state))
}

// PersistenceDegraded wraps a storage failure on a path that must not fail the caller.
func PersistenceDegraded(message string, err error) *Error {
	return Wrap(CodePersistenceDegraded, message, err)
}

// CodeOf extracts the Code from err, or CodeInternal when err is not an *Error.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// MessageOf returns the safe message of err. Errors outside the taxonomy collapse to a
// generic message so internal details never leak to callers.
func MessageOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		if appErr.Message != "" {
			return appErr.Message
		}
		return string(appErr.Code)
	}
	return "internal error"
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// IsNotFound checks if an error is a not found error
func IsNotFound(err error) bool {
	return HasCode(err, CodeNotFound)
}

// IsAlreadyResolved checks if an error is an already resolved error
func IsAlreadyResolved(err error) bool {
	return HasCode(err, CodeAlreadyResolved)
}

// IsValidation checks if an error is a validation error
func IsValidation(err error) bool {
	return HasCode(err, CodeValidation)
}
