package model

import (
	"errors"
	"fmt"
)

// Error codes shared by every endpoint.
const (
	ErrBadRequest         = "BAD_REQUEST"
	ErrUnauthorized       = "UNAUTHORIZED"
	ErrForbidden          = "FORBIDDEN"
	ErrNotFound           = "NOT_FOUND"
	ErrConflict           = "CONFLICT"
	ErrValidationError    = "VALIDATION_ERROR"
	ErrInternalError      = "INTERNAL_ERROR"
	ErrBackendUnavailable = "BACKEND_UNAVAILABLE"
	ErrBackendTimeout     = "BACKEND_TIMEOUT"
)

// Authoring-specific error codes.
const (
	ErrSessionNotFound  = "SESSION_NOT_FOUND"
	ErrWorkflowNotFound = "WORKFLOW_NOT_FOUND"
	ErrSaveInProgress   = "SAVE_IN_PROGRESS"
	ErrNoOpenStep       = "NO_OPEN_STEP"
)

// ErrorEnvelope is the JSON error body of every failed API call. It is also
// an error, so services return it directly and transport maps its Code to a
// status.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id"`
}

func (e *ErrorEnvelope) Error() string {
	return e.Code + ": " + e.Message
}

// FieldError is one entry of a VALIDATION_ERROR's details.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func envelope(code, msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: code, Message: msg}
}

// AsEnvelope returns the ErrorEnvelope wrapped anywhere in err's chain.
func AsEnvelope(err error) (*ErrorEnvelope, bool) {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

// HasCode reports whether err carries an ErrorEnvelope with the given code.
func HasCode(err error, code string) bool {
	ee, ok := AsEnvelope(err)
	return ok && ee.Code == code
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope { return envelope(ErrBadRequest, msg) }

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope { return envelope(ErrUnauthorized, msg) }

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope { return envelope(ErrForbidden, msg) }

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope { return envelope(ErrNotFound, msg) }

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope { return envelope(ErrConflict, msg) }

// NewValidationError wraps field problems in a VALIDATION_ERROR.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	e := envelope(ErrValidationError, "The workflow has validation errors that must be resolved before saving")
	e.Details = details
	return e
}

// NewInternalError hides the cause behind a generic INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return envelope(ErrInternalError, "An unexpected error occurred")
}

func NewBackendUnavailableError() *ErrorEnvelope {
	return envelope(ErrBackendUnavailable, "The backend service is temporarily unavailable")
}

func NewBackendTimeoutError() *ErrorEnvelope {
	return envelope(ErrBackendTimeout, "The backend service did not respond in time")
}

func NewSessionNotFoundError(id string) *ErrorEnvelope {
	return envelope(ErrSessionNotFound, fmt.Sprintf("authoring session %q not found or expired", id))
}

func NewWorkflowNotFoundError(id string) *ErrorEnvelope {
	return envelope(ErrWorkflowNotFound, fmt.Sprintf("workflow %q not found", id))
}

// NewSaveInProgressError reports that another save holds the workflow's lease.
func NewSaveInProgressError(id string) *ErrorEnvelope {
	return envelope(ErrSaveInProgress, fmt.Sprintf("a save of workflow %q is already in progress", id))
}

func NewNoOpenStepError() *ErrorEnvelope {
	return envelope(ErrNoOpenStep, "no step is open for editing")
}
