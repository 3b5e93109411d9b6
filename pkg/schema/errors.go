package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeExecution        = "EXECUTION_ERROR"
	ErrCodeRuleFailed       = "RULE_FAILED"
	ErrCodeUnroutableSignal = "UNROUTABLE_SIGNAL"
	ErrCodeHandlerMalformed = "HANDLER_MALFORMED"
	ErrCodeHandlerFailed    = "HANDLER_FAILED"
	ErrCodeRoundLimit       = "ROUND_LIMIT"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeCancelled        = "CANCELLED"
	ErrCodeStore            = "STORE_ERROR"
)

// SigilError is the structured error type for all sigil operations.
type SigilError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Path    string         `json:"path,omitempty"`
	Cause   error          `json:"-"`
}

func (e *SigilError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Path, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *SigilError) Unwrap() error {
	return e.Cause
}

// NewError creates a new SigilError.
func NewError(code, message string) *SigilError {
	return &SigilError{Code: code, Message: message}
}

// NewErrorf creates a new SigilError with a formatted message.
func NewErrorf(code, format string, args ...any) *SigilError {
	return &SigilError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithPath attaches the document field path the error refers to.
func (e *SigilError) WithPath(path string) *SigilError {
	e.Path = path
	return e
}

// WithCause attaches an underlying cause.
func (e *SigilError) WithCause(err error) *SigilError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *SigilError) WithDetails(details map[string]any) *SigilError {
	e.Details = details
	return e
}
