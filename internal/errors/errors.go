package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

/**
 * Custom error types for the Drawing Extraction Worker
 *
 * Design Pattern: Factory Pattern for error creation
 * Every failure that crosses a component boundary is an *ExtractionError
 * so callers can branch on Code instead of message text.
 */

// ErrorCode enum for structured error handling
type ErrorCode string

const (
	// Extraction pipeline errors
	ErrorRecognitionUnavailable ErrorCode = "RECOGNITION_UNAVAILABLE"
	ErrorExternalService        ErrorCode = "EXTERNAL_SERVICE_ERROR"
	ErrorMalformedAIResponse    ErrorCode = "MALFORMED_AI_RESPONSE"

	// Capture errors
	ErrorInsufficientCredits ErrorCode = "INSUFFICIENT_CREDITS"
	ErrorInvalidSelection    ErrorCode = "INVALID_SELECTION"

	// Operational errors
	ErrorProcessingTimeout ErrorCode = "PROCESSING_TIMEOUT"
	ErrorStorageFailed     ErrorCode = "STORAGE_FAILED"
	ErrorInvalidRequest    ErrorCode = "INVALID_REQUEST"
)

// ExtractionError represents a structured extraction error
type ExtractionError struct {
	Code      ErrorCode
	Message   string
	JobID     string
	Timestamp time.Time
	Details   map[string]interface{}
	Cause     error
}

func (e *ExtractionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ExtractionError) Unwrap() error {
	return e.Cause
}

// WithJobID tags the error with the job or session it belongs to
func (e *ExtractionError) WithJobID(jobID string) *ExtractionError {
	e.JobID = jobID
	return e
}

// Factory functions for common errors

func NewRecognitionUnavailableError(engine string, cause error) *ExtractionError {
	return &ExtractionError{
		Code:      ErrorRecognitionUnavailable,
		Message:   fmt.Sprintf("Text recognition engine unavailable: %s", engine),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"engine": engine,
		},
		Cause: cause,
	}
}

func NewExternalServiceError(service string, cause error) *ExtractionError {
	return &ExtractionError{
		Code:      ErrorExternalService,
		Message:   fmt.Sprintf("External service call failed: %s", service),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"service": service,
		},
		Cause: cause,
	}
}

func NewMalformedAIResponseError(reason string, cause error) *ExtractionError {
	return &ExtractionError{
		Code:      ErrorMalformedAIResponse,
		Message:   fmt.Sprintf("Malformed AI response: %s", reason),
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewInsufficientCreditsError(balance float64, purchaseURL string) *ExtractionError {
	return &ExtractionError{
		Code:      ErrorInsufficientCredits,
		Message:   "Insufficient AI credits",
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"balance":    balance,
			"action_url": purchaseURL,
		},
	}
}

func NewInvalidSelectionError(reason string) *ExtractionError {
	return &ExtractionError{
		Code:      ErrorInvalidSelection,
		Message:   reason,
		Timestamp: time.Now(),
	}
}

func NewProcessingTimeoutError(jobID string, duration time.Duration, cause error) *ExtractionError {
	return &ExtractionError{
		Code:      ErrorProcessingTimeout,
		Message:   fmt.Sprintf("Processing timed out after %v", duration),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"timeout_duration": duration.String(),
		},
		Cause: cause,
	}
}

func NewStorageFailedError(jobID string, cause error) *ExtractionError {
	return &ExtractionError{
		Code:      ErrorStorageFailed,
		Message:   "Failed to store extraction results",
		JobID:     jobID,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewInvalidRequestError(msg string) *ExtractionError {
	return &ExtractionError{
		Code:      ErrorInvalidRequest,
		Message:   msg,
		Timestamp: time.Now(),
	}
}

// HasCode reports whether err (or anything it wraps) is an ExtractionError with the given code
func HasCode(err error, code ErrorCode) bool {
	var extractionErr *ExtractionError
	if stderrors.As(err, &extractionErr) {
		return extractionErr.Code == code
	}
	return false
}

// CodeOf returns the code of the first ExtractionError in err's chain, or "" if there is none
func CodeOf(err error) ErrorCode {
	var extractionErr *ExtractionError
	if stderrors.As(err, &extractionErr) {
		return extractionErr.Code
	}
	return ""
}

// From returns the first ExtractionError in err's chain
func From(err error) (*ExtractionError, bool) {
	var extractionErr *ExtractionError
	if stderrors.As(err, &extractionErr) {
		return extractionErr, true
	}
	return nil, false
}

// ToMap converts error to map for database storage
func (e *ExtractionError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
		"message":    e.Message,
		"timestamp":  e.Timestamp,
	}

	if e.JobID != "" {
		result["job_id"] = e.JobID
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}
