package domain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Transfer errors
var (
	ErrNotFound          = errors.New("resource not found")
	ErrForbidden         = errors.New("access forbidden")
	ErrRangeNotSatisfied = errors.New("requested range not satisfiable")
	ErrSizeMismatch      = errors.New("downloaded size does not match expected size")
	ErrRetriesExhausted  = errors.New("retries exhausted")
	ErrTooManyRestarts   = errors.New("too many restarts")
	ErrInvalidTask       = errors.New("invalid download task")
	ErrInsufficientSpace = errors.New("insufficient disk space")
	ErrReadTimeout       = errors.New("no data received within read timeout")
)

// ErrCancelled marks an operation stopped by the caller. It matches
// context.Canceled so callers can test either.
var ErrCancelled = fmt.Errorf("operation cancelled: %w", context.Canceled)

// Manifest errors. Structural errors wrap ErrMalformedManifest, integrity
// errors wrap ErrIntegrity.
var (
	ErrMalformedManifest = errors.New("malformed chunklist")
	ErrIntegrity         = errors.New("integrity check failed")

	ErrUnsignedManifest  = fmt.Errorf("%w: chunklist missing digital signature", ErrIntegrity)
	ErrSignatureMismatch = fmt.Errorf("%w: chunklist signature verification failed", ErrIntegrity)
	ErrDigestMismatch    = fmt.Errorf("%w: chunklist hash verification failed", ErrIntegrity)
	ErrFileTruncated     = fmt.Errorf("%w: file truncated", ErrIntegrity)
	ErrTrailingData      = fmt.Errorf("%w: extra data after last chunk", ErrIntegrity)
)

// Recovery protocol errors
var (
	ErrProtocol          = errors.New("recovery protocol error")
	ErrNoSession         = fmt.Errorf("%w: no session found in server response", ErrProtocol)
	ErrMissingInfoKey    = fmt.Errorf("%w: missing required keys in server response", ErrProtocol)
	ErrMalformedResponse = fmt.Errorf("%w: malformed response line", ErrProtocol)
)

// RetryableError represents an error that should trigger a retry.
type RetryableError struct {
	Err        error
	RetryAfter time.Duration
}

// Error returns the error message
func (e *RetryableError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return "retryable error"
}

// Unwrap returns the underlying error
func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error, retryAfter time.Duration) *RetryableError {
	return &RetryableError{Err: err, RetryAfter: retryAfter}
}

// IsRetryable returns true if the error should be retried
func IsRetryable(err error) bool {
	var re *RetryableError
	if errors.As(err, &re) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return false
}

// GetRetryAfter returns the retry duration if the error is retryable
func GetRetryAfter(err error) (time.Duration, bool) {
	var re *RetryableError
	if errors.As(err, &re) {
		return re.RetryAfter, true
	}
	var se *StatusError
	if errors.As(err, &se) && se.Retryable() {
		return se.RetryAfter, true
	}
	return 0, false
}

// StatusError is a non-2xx HTTP response.
type StatusError struct {
	Code       int
	URL        string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http error %d (%s) for %s", e.Code, http.StatusText(e.Code), e.URL)
}

// Retryable reports whether the status is worth another attempt: 429 and
// every 5xx.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// Is lets errors.Is match the sentinel for well-known terminal statuses.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Code == http.StatusNotFound
	case ErrForbidden:
		return e.Code == http.StatusForbidden
	case ErrRangeNotSatisfied:
		return e.Code == http.StatusRequestedRangeNotSatisfiable
	}
	return false
}

// ChunkError reports the first chunk whose bytes do not match the manifest.
type ChunkError struct {
	Index    int
	Offset   int64
	Expected [32]byte
	Actual   [32]byte
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("chunk %d at offset %d: sha256 %x, want %x", e.Index, e.Offset, e.Actual, e.Expected)
}

// Unwrap makes every chunk mismatch an integrity failure.
func (e *ChunkError) Unwrap() error {
	return ErrIntegrity
}

// FailedDownload is one entry of a batch failure list.
type FailedDownload struct {
	Name string
	URL  string
	Err  error
}

// BatchError aggregates per-file failures of a batch. It is returned only
// after every file has been attempted.
type BatchError struct {
	Failed []FailedDownload
}

func (e *BatchError) Error() string {
	names := make([]string, 0, len(e.Failed))
	for _, f := range e.Failed {
		names = append(names, f.Name)
	}
	noun := "files"
	if len(e.Failed) == 1 {
		noun = "file"
	}
	return fmt.Sprintf("%d %s failed to download: %s", len(e.Failed), noun, strings.Join(names, ", "))
}

// Unwrap exposes the individual causes to errors.Is and errors.As.
func (e *BatchError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, f := range e.Failed {
		if f.Err != nil {
			errs = append(errs, f.Err)
		}
	}
	return errs
}
