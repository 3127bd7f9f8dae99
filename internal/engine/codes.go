package engine

import (
	"errors"
	"fmt"

	"github.com/fetchq/fetchq/internal/fetch"
	"github.com/fetchq/fetchq/internal/storage"
)

// VerificationError records a checksum mismatch. The offending artifact is
// kept on disk for inspection.
type VerificationError struct {
	Path     string // The artifact that failed verification
	Expected string // Expected digest, lowercase hex
	Computed string // Computed digest, lowercase hex
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: expected %s, got %s", e.Path, e.Expected, e.Computed)
}

// Code is the result class surfaced to the presentation shell, one distinct
// value per failure family so callers can report specifically.
type Code int

const (
	CodeOK Code = iota
	CodeNetworkFailure
	CodeVerificationFailure
	CodeFilesystemFailure
	CodeStateFailure
	CodeUsageFailure
)

// CodeOf classifies an error returned by an engine operation.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}

	var (
		netErr    *fetch.NetworkError
		protoErr  *fetch.ProtocolError
		fsErr     *fetch.FilesystemError
		verifyErr *VerificationError
	)

	switch {
	case errors.As(err, &verifyErr):
		return CodeVerificationFailure
	case errors.As(err, &fsErr):
		return CodeFilesystemFailure
	case errors.As(err, &netErr), errors.As(err, &protoErr):
		return CodeNetworkFailure
	case errors.Is(err, storage.ErrSchemaTooNew), errors.Is(err, storage.ErrStoreClosed):
		return CodeStateFailure
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrItemActive):
		return CodeUsageFailure
	default:
		return CodeStateFailure
	}
}
