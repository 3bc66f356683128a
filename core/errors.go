package core

import (
	"errors"
	"fmt"
)

// PipelineError is a typed error carried through the attachment pipeline.
// Code is stable for programmatic handling; Message is human-readable.
type PipelineError struct {
	Code    string // Error code for programmatic handling
	Message string // Human-readable error message
	Err     error  // Wrapped cause, if any
}

func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// Error codes for pipeline errors
const (
	ErrCodeExportNotFound     = "EXPORT_NOT_FOUND"
	ErrCodeExportFailed       = "EXPORT_FAILED"
	ErrCodeSyncWriteFailed    = "SYNC_WRITE_FAILED"
	ErrCodeProviderCallFailed = "PROVIDER_CALL_FAILED"
	ErrCodeStreamInterrupted  = "STREAM_INTERRUPTED"
	ErrCodeEmptyTurn          = "EMPTY_TURN"
)

// ErrExportNotFound returns an error for a mention that matches no known canvas.
func ErrExportNotFound(name string) *PipelineError {
	return &PipelineError{
		Code:    ErrCodeExportNotFound,
		Message: fmt.Sprintf("no canvas named %q", name),
	}
}

// ErrExportFailed returns an error for a hydration or rasterization failure.
func ErrExportFailed(name string, cause error) *PipelineError {
	return &PipelineError{
		Code:    ErrCodeExportFailed,
		Message: fmt.Sprintf("export of canvas %q failed", name),
		Err:     cause,
	}
}

// ErrSyncWriteFailed returns an error for a failed debounced snapshot write.
func ErrSyncWriteFailed(canvasID string, cause error) *PipelineError {
	return &PipelineError{
		Code:    ErrCodeSyncWriteFailed,
		Message: fmt.Sprintf("snapshot write for canvas %s failed", canvasID),
		Err:     cause,
	}
}

// ErrProviderCallFailed returns an error for a provider call that produced no tokens.
func ErrProviderCallFailed(model string, cause error) *PipelineError {
	return &PipelineError{
		Code:    ErrCodeProviderCallFailed,
		Message: fmt.Sprintf("provider call for model %q failed", model),
		Err:     cause,
	}
}

// ErrStreamInterrupted returns an error for a stream that failed after tokens were emitted.
func ErrStreamInterrupted(cause error) *PipelineError {
	return &PipelineError{
		Code:    ErrCodeStreamInterrupted,
		Message: "response stream interrupted",
		Err:     cause,
	}
}

// ErrEmptyTurn is returned when an assembled message has no text and no images.
var ErrEmptyTurn = &PipelineError{
	Code:    ErrCodeEmptyTurn,
	Message: "nothing to send: message has no text and no attachments",
}

// IsPipelineError checks if an error is a PipelineError and returns it if so.
func IsPipelineError(err error) (*PipelineError, bool) {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// ErrorCode extracts the code from an error, or "" when it carries none.
func ErrorCode(err error) string {
	if pe, ok := IsPipelineError(err); ok {
		return pe.Code
	}
	return ""
}
