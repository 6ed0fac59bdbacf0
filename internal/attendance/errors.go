package attendance

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"geoattend/internal/scantoken"
)

var (
	ErrMalformedToken    = scantoken.ErrMalformedToken
	ErrSignatureMismatch = scantoken.ErrSignatureMismatch
	ErrTokenExpired      = scantoken.ErrTokenExpired

	ErrSessionNotFound   = errors.New("session not found")
	ErrOutsideCampus     = errors.New("outside campus boundary")
	ErrAlreadyScanned    = errors.New("scan already recorded")
	ErrNotSessionOwner   = errors.New("session belongs to another faculty member")
	ErrNotSubjectFaculty = errors.New("subject is taught by another faculty member")
	ErrNotEnrolled       = errors.New("student is not enrolled in the subject")
)

func alreadyScanned(dir Direction) error {
	return fmt.Errorf("%w: %s", ErrAlreadyScanned, dir)
}

// FieldError is used to indicate an error with a specific input field.
type FieldError struct {
	Field string `json:"field"`
	Error string `json:"error"`
}

// ValidationError reports missing or invalid input.
type ValidationError struct {
	Fields []FieldError
}

func newValidationError(flds ...FieldError) error {
	return &ValidationError{Fields: flds}
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Error)
	}
	return "invalid input: " + strings.Join(parts, "; ")
}

// PersistenceError wraps a failure of the storage collaborator.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return "persistence failure: " + e.Op + ": " + e.Err.Error() }

func (e *PersistenceError) Unwrap() error { return e.Err }

func persistErr(op string, err error) error {
	return &PersistenceError{Op: op, Err: err}
}

// Error codes returned to callers.
const (
	CodeMalformedToken     = "malformed_token"
	CodeSignatureMismatch  = "signature_mismatch"
	CodeTokenExpired       = "token_expired"
	CodeSessionNotFound    = "session_not_found"
	CodeOutsideCampus      = "outside_campus_boundary"
	CodeAlreadyScanned     = "already_scanned"
	CodeForbidden          = "forbidden"
	CodeValidation         = "validation_error"
	CodePersistenceFailure = "persistence_failure"
	CodeTimeout            = "timeout"
	CodeInternal           = "internal"
)

// Code maps err to its taxonomy code.
func Code(err error) string {
	var verr *ValidationError
	var perr *PersistenceError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMalformedToken):
		return CodeMalformedToken
	case errors.Is(err, ErrSignatureMismatch):
		return CodeSignatureMismatch
	case errors.Is(err, ErrTokenExpired):
		return CodeTokenExpired
	case errors.Is(err, ErrSessionNotFound):
		return CodeSessionNotFound
	case errors.Is(err, ErrOutsideCampus):
		return CodeOutsideCampus
	case errors.Is(err, ErrAlreadyScanned):
		return CodeAlreadyScanned
	case errors.Is(err, ErrNotSessionOwner), errors.Is(err, ErrNotSubjectFaculty), errors.Is(err, ErrNotEnrolled):
		return CodeForbidden
	case errors.As(err, &verr):
		return CodeValidation
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.As(err, &perr):
		return CodePersistenceFailure
	default:
		return CodeInternal
	}
}
