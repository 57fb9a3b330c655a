package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeStageFailed       = "STAGE_FAILED"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeGateNotFound      = "GATE_NOT_FOUND"
	ErrCodeTerminated        = "EXECUTION_TERMINATED"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeStore             = "STORE_ERROR"
)

// BidflowError is the structured error type for all engine operations.
type BidflowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Stage   StageType      `json:"stage,omitempty"`
	Cause   error          `json:"-"`
}

func (e *BidflowError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("[%s] stage %s: %s", e.Code, e.Stage, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *BidflowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new BidflowError.
func NewError(code, message string) *BidflowError {
	return &BidflowError{Code: code, Message: message}
}

// NewErrorf creates a new BidflowError with a formatted message.
func NewErrorf(code, format string, args ...any) *BidflowError {
	return &BidflowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStage attaches the originating stage to the error.
func (e *BidflowError) WithStage(stage StageType) *BidflowError {
	e.Stage = stage
	return e
}

// WithCause attaches an underlying cause.
func (e *BidflowError) WithCause(err error) *BidflowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *BidflowError) WithDetails(details map[string]any) *BidflowError {
	e.Details = details
	return e
}
