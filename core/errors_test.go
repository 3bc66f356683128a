package core

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestPipelineErrorCodes(t *testing.T) {
	cause := errors.New("boom")

	tests := []struct {
		name string
		err  error
		code string
	}{
		{"export not found", ErrExportNotFound("Diagram"), ErrCodeExportNotFound},
		{"export failed", ErrExportFailed("Notes", cause), ErrCodeExportFailed},
		{"sync write failed", ErrSyncWriteFailed("c1", cause), ErrCodeSyncWriteFailed},
		{"provider call failed", ErrProviderCallFailed("gpt-5-mini", cause), ErrCodeProviderCallFailed},
		{"stream interrupted", ErrStreamInterrupted(cause), ErrCodeStreamInterrupted},
		{"empty turn", ErrEmptyTurn, ErrCodeEmptyTurn},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ErrorCode(tt.err); got != tt.code {
				t.Errorf("ErrorCode() = %q, want %q", got, tt.code)
			}
		})
	}
}

func TestPipelineErrorUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := ErrExportFailed("Diagram", cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is(err, cause) = false, want true")
	}
	if !strings.Contains(err.Error(), "disk full") {
		t.Errorf("Error() = %q, want cause included", err.Error())
	}
}

func TestPipelineErrorThroughWrapping(t *testing.T) {
	wrapped := fmt.Errorf("turn failed: %w", ErrProviderCallFailed("m", errors.New("refused")))

	pe, ok := IsPipelineError(wrapped)
	if !ok {
		t.Fatal("IsPipelineError() = false for wrapped pipeline error")
	}
	if pe.Code != ErrCodeProviderCallFailed {
		t.Errorf("Code = %q, want %q", pe.Code, ErrCodeProviderCallFailed)
	}
}

func TestErrorCodeNonPipeline(t *testing.T) {
	if got := ErrorCode(errors.New("plain")); got != "" {
		t.Errorf("ErrorCode(plain error) = %q, want empty", got)
	}
}
