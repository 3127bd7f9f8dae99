package fetch

import "fmt"

// NetworkError represents transient transfer failures: connection errors,
// timeouts, 5xx responses. These are retried with backoff up to the
// configured budget.
type NetworkError struct {
	Operation  string // The operation that failed (e.g., "get", "stream")
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	Err        error  // Underlying error, if any
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s (HTTP %d)", e.Operation, e.StatusCode)
	}

	return fmt.Sprintf("network error during %s: %v", e.Operation, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ProtocolError represents an unexpected range-protocol response, such as a
// Content-Range start that does not match the requested resume offset.
// Restarting silently would risk a corrupt artifact, so these are never
// retried automatically.
type ProtocolError struct {
	URL    string // The request URL
	Reason string // Human-readable explanation of the protocol violation
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("range protocol error for %s: %s", e.URL, e.Reason)
}

// FilesystemError represents local I/O failures: permission denied, disk
// full, unwritable paths. Surfaced distinctly from network errors and not
// retried.
type FilesystemError struct {
	Path string // The local path involved
	Op   string // The filesystem operation that failed
	Err  error  // Underlying error, if any
}

func (e *FilesystemError) Error() string {
	return fmt.Sprintf("filesystem error during %s on %s: %v", e.Op, e.Path, e.Err)
}

func (e *FilesystemError) Unwrap() error {
	return e.Err
}
