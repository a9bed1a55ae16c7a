package transfer

import "fmt"

// NetworkError represents a transient failure while talking to a remote endpoint:
// connection errors, timeouts, non-2xx statuses and short reads.
type NetworkError struct {
	Operation  string // The operation that failed (e.g., "open_range", "filereport")
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	Message    string // Error message from the remote or network layer
	Err        error  // Underlying error, if any
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("network error during %s: %s", e.Operation, e.Message)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// IntegrityMismatchError is reported as a warning when the local MD5 differs from the
// reference checksum. The file is kept.
type IntegrityMismatchError struct {
	Path     string
	Expected string
	Actual   string
}

func (e *IntegrityMismatchError) Error() string {
	return fmt.Sprintf("md5 mismatch for %s: expected %s, got %s", e.Path, e.Expected, e.Actual)
}

// SizeMismatchError means a resume sidecar was written for a different total size than
// the descriptor now reports. The sidecar is discarded and the file restarts.
type SizeMismatchError struct {
	Path     string
	Recorded int64
	Expected int64
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("resume state for %s records %d bytes, descriptor expects %d", e.Path, e.Recorded, e.Expected)
}

// RetryExhaustedError is the chunk-level terminal error. It escalates the owning file to
// FailedPrimary.
type RetryExhaustedError struct {
	Chunk    int   // Chunk index
	Start    int64 // First byte of the range
	End      int64 // One past the last byte of the range
	Attempts int   // Number of attempts made
	Err      error // Last attempt's error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("chunk %d [%d,%d) failed after %d attempts: %v", e.Chunk, e.Start, e.End, e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Err
}

// FallbackFailedError is the file-level terminal error of the secondary mechanism.
type FallbackFailedError struct {
	Mechanism string // Name of the secondary mechanism
	ExitCode  int    // Process exit code, -1 if it never ran
	Reason    string // Human-readable explanation
	Primary   error  // The primary-path failure that triggered the fallback
	Err       error  // Underlying error, if any
}

func (e *FallbackFailedError) Error() string {
	return fmt.Sprintf("fallback %s failed (exit %d): %s", e.Mechanism, e.ExitCode, e.Reason)
}

func (e *FallbackFailedError) Unwrap() error {
	return e.Err
}

// ConfigurationError aborts a run before any transfer starts.
type ConfigurationError struct {
	Field  string // The option that is invalid
	Reason string // Human-readable explanation
	Err    error  // Underlying error, if any
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration for '%s': %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}
