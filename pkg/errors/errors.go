// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package errors defines the structured error types returned by the client
// pool. Every error carries a stable machine-readable type alongside a
// human-readable message, so callers can branch on failures without string
// matching.
package errors

import (
	"errors"
	"fmt"
)

// Error types
const (
	// ErrMissingTenant is returned when an auth request carries an assertion
	// without a tenant id
	ErrMissingTenant = "missing_tenant"

	// ErrMissingUser is returned when an auth request carries an assertion
	// without a user object id
	ErrMissingUser = "missing_user"

	// ErrTokenExpired is returned when a user assertion is past its deadline
	ErrTokenExpired = "token_expired"

	// ErrAuthModeMismatch is returned when a delegated credential is requested
	// from an application-only auth request
	ErrAuthModeMismatch = "auth_mode_mismatch"

	// ErrInvalidConfig is returned when configuration loading rejects
	// malformed or contradictory settings
	ErrInvalidConfig = "invalid_config"

	// ErrFactoryFailure wraps errors raised by a user-supplied client factory
	ErrFactoryFailure = "factory_failure"

	// ErrCredentialFailure wraps errors raised by a credential strategy
	ErrCredentialFailure = "credential_failure"

	// ErrInternal is returned when an internal invariant is violated
	ErrInternal = "internal"
)

// Error represents an error in the client pool
type Error struct {
	// Type is the error type
	Type string

	// Message is the error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new error
func NewError(errorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// NewMissingTenantError creates a new missing tenant error
func NewMissingTenantError(message string) *Error {
	return NewError(ErrMissingTenant, message, nil)
}

// NewMissingUserError creates a new missing user error
func NewMissingUserError(message string) *Error {
	return NewError(ErrMissingUser, message, nil)
}

// NewTokenExpiredError creates a new token expired error
func NewTokenExpiredError(message string) *Error {
	return NewError(ErrTokenExpired, message, nil)
}

// NewAuthModeMismatchError creates a new auth mode mismatch error
func NewAuthModeMismatchError(message string) *Error {
	return NewError(ErrAuthModeMismatch, message, nil)
}

// NewInvalidConfigError creates a new invalid config error
func NewInvalidConfigError(message string, cause error) *Error {
	return NewError(ErrInvalidConfig, message, cause)
}

// NewFactoryFailureError creates a new factory failure error
func NewFactoryFailureError(message string, cause error) *Error {
	return NewError(ErrFactoryFailure, message, cause)
}

// NewCredentialFailureError creates a new credential failure error
func NewCredentialFailureError(message string, cause error) *Error {
	return NewError(ErrCredentialFailure, message, cause)
}

// NewInternalError creates a new internal error
func NewInternalError(message string, cause error) *Error {
	return NewError(ErrInternal, message, cause)
}

// IsType reports whether err is (or wraps) an Error of the given type.
func IsType(err error, errorType string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Type == errorType
	}
	return false
}

// TypeOf returns the type of err if it is (or wraps) an Error, and an
// empty string otherwise.
func TypeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ""
}
