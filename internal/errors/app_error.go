// Package errors defines the structured error values used across the
// session lifecycle subsystem. Callers branch on error codes with
// errors.As rather than string matching.
package errors

import (
	"encoding/json"
	"fmt"
)

// Error codes for credential and session failures.
const (
	CodeMissingCredentials    = "missing_credentials"
	CodeTokenExchangeFailure  = "token_exchange_failure"
	CodeSessionExpired        = "session_expired"
	CodeVerificationTimeout   = "verification_timeout"
	CodeAmbiguousSessionState = "ambiguous_session_state"
)

// AppError represents a structured application error.
type AppError struct {
	// Code is an internal error code string.
	Code string `json:"code"`
	// Message is the user-facing error message.
	Message string `json:"message"`
	// Details provides additional error context (optional).
	Details map[string]interface{} `json:"details,omitempty"`
	// Err is the underlying error (not marshaled to JSON).
	Err error `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// ToJSON returns the JSON byte representation of the error.
func (e *AppError) ToJSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// New creates a new AppError.
func New(code, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// MissingCredentials reports that the stored credential bundle lacks a
// field required for the requested operation.
func MissingCredentials(field string) *AppError {
	e := New(CodeMissingCredentials, "credential bundle is missing "+field, nil)
	e.Details = map[string]interface{}{"field": field}
	return e
}

// TokenExchangeFailure reports that the signing-key exchange with the
// auth host did not produce usable material.
func TokenExchangeFailure(message string, err error) *AppError {
	return New(CodeTokenExchangeFailure, message, err)
}

// SessionExpired reports that the browser session behind the credential
// bundle is no longer accepted by the auth host.
func SessionExpired(message string, err error) *AppError {
	return New(CodeSessionExpired, message, err)
}

// VerificationTimeout reports that the expected verification email did
// not arrive within the polling budget.
func VerificationTimeout(message string, err error) *AppError {
	return New(CodeVerificationTimeout, message, err)
}

// AmbiguousSessionState reports that a validity check could not decide
// between a live and a dead session.
func AmbiguousSessionState(message string, err error) *AppError {
	return New(CodeAmbiguousSessionState, message, err)
}
