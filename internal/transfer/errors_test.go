package transfer

import (
	"errors"
	"fmt"
	"testing"
)

// TestNetworkError_Error verifies error message formatting
func TestNetworkError_Error(t *testing.T) {
	tests := []struct {
		name       string
		err        *NetworkError
		wantFormat string
	}{
		{
			name: "with HTTP status code",
			err: &NetworkError{
				Operation:  "open_range",
				StatusCode: 503,
				Message:    "service unavailable",
			},
			wantFormat: "network error during open_range (HTTP 503): service unavailable",
		},
		{
			name: "without HTTP status code",
			err: &NetworkError{
				Operation:  "open_range",
				StatusCode: 0,
				Message:    "connection timeout",
			},
			wantFormat: "network error during open_range: connection timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantFormat {
				t.Errorf("Error() = %q, want %q", got, tt.wantFormat)
			}
		})
	}
}

func TestIntegrityMismatchError_Error(t *testing.T) {
	err := &IntegrityMismatchError{
		Path:     "out/SRR1_1.fastq.gz",
		Expected: "aaa",
		Actual:   "bbb",
	}

	expected := "md5 mismatch for out/SRR1_1.fastq.gz: expected aaa, got bbb"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestConfigurationError_Error(t *testing.T) {
	err := &ConfigurationError{
		Field:  "chunk_size",
		Reason: "must be positive",
	}

	expected := "invalid configuration for 'chunk_size': must be positive"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

// TestRetryExhaustedError_Unwrap verifies error chain traversal
func TestRetryExhaustedError_Unwrap(t *testing.T) {
	cause := &NetworkError{Operation: "open_range", Message: "connection reset"}
	err := &RetryExhaustedError{
		Chunk:    2,
		Start:    600,
		End:      900,
		Attempts: 5,
		Err:      cause,
	}

	if unwrapped := errors.Unwrap(err); unwrapped != cause {
		t.Errorf("Unwrap() = %v, want %v", unwrapped, cause)
	}

	wrapped := fmt.Errorf("file SRR1: %w", err)

	var netErr *NetworkError
	if !errors.As(wrapped, &netErr) {
		t.Fatal("errors.As() should find NetworkError through RetryExhaustedError")
	}

	if netErr.Operation != "open_range" {
		t.Errorf("Operation = %q, want %q", netErr.Operation, "open_range")
	}
}

func TestFallbackFailedError_As(t *testing.T) {
	primary := &RetryExhaustedError{Chunk: 0, Attempts: 3, Err: errors.New("boom")}
	originalErr := &FallbackFailedError{
		Mechanism: "wget",
		ExitCode:  8,
		Reason:    "server issued an error response",
		Primary:   primary,
	}

	wrapped := fmt.Errorf("context: %w", originalErr)

	var target *FallbackFailedError
	if !errors.As(wrapped, &target) {
		t.Fatal("errors.As() should extract FallbackFailedError from wrapped chain")
	}

	if target.Mechanism != "wget" {
		t.Errorf("Mechanism = %q, want %q", target.Mechanism, "wget")
	}
	if target.ExitCode != 8 {
		t.Errorf("ExitCode = %d, want %d", target.ExitCode, 8)
	}
	if target.Primary != primary {
		t.Errorf("Primary = %v, want %v", target.Primary, primary)
	}
}

func TestConfigurationError_Unwrap(t *testing.T) {
	cause := errors.New("missing ) in regexp")
	err := &ConfigurationError{Field: "filter-run", Reason: "invalid pattern", Err: cause}

	wrapped := fmt.Errorf("context: %w", err)
	if !errors.Is(wrapped, cause) {
		t.Error("errors.Is() should find cause in wrapped chain")
	}
}

// TestErrorTypes_Nil verifies nil error handling
func TestErrorTypes_Nil(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{
			name: "NetworkError with nil Err",
			err:  &NetworkError{Operation: "open_range", StatusCode: 500, Message: "error", Err: nil},
		},
		{
			name: "RetryExhaustedError with nil Err",
			err:  &RetryExhaustedError{Chunk: 1, Attempts: 2, Err: nil},
		},
		{
			name: "FallbackFailedError with nil Err",
			err:  &FallbackFailedError{Mechanism: "ascp", ExitCode: -1, Reason: "not found", Err: nil},
		},
		{
			name: "ConfigurationError with nil Err",
			err:  &ConfigurationError{Field: "fallback", Reason: "unknown", Err: nil},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if unwrapped := errors.Unwrap(tt.err); unwrapped != nil {
				t.Errorf("Unwrap() = %v, want nil", unwrapped)
			}

			if errMsg := tt.err.Error(); errMsg == "" {
				t.Error("Error() should return non-empty string even when Err is nil")
			}
		})
	}
}

func TestSummary(t *testing.T) {
	s := NewSummary([]Outcome{
		{Kind: OutcomeVerified, Bytes: 10},
		{Kind: OutcomeSkipped},
		{Kind: OutcomeFailedFallback, Bytes: 5},
	})

	if !s.Failed() {
		t.Error("Failed() = false, want true")
	}
	if s.Interrupted() {
		t.Error("Interrupted() = true, want false")
	}
	if s.Counts[OutcomeVerified] != 1 || s.Counts[OutcomeSkipped] != 1 {
		t.Errorf("Counts = %v", s.Counts)
	}
	if s.Bytes() != 15 {
		t.Errorf("Bytes() = %d, want 15", s.Bytes())
	}
}
