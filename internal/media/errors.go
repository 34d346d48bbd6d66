package media

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrCancelled marks a download stopped by its cancellation handle.
	ErrCancelled = errors.New("download cancelled")

	// ErrBlobNotFound is returned by the blob store for unknown ids.
	ErrBlobNotFound = errors.New("blob not found")

	// ErrPromptUnavailable is returned when a save-as download has nowhere to prompt.
	ErrPromptUnavailable = errors.New("save-as location unavailable")
)

// Admission reasons reported with a blocked download.
const (
	ReasonAlreadyActive    = "already_active"
	ReasonConcurrencyLimit = "concurrency_limit"
	ReasonSegmentLimit     = "segment_limit"
	ReasonSizeLimit        = "size_limit"
)

// AdmissionError represents a request refused before any media was fetched.
type AdmissionError struct {
	Reason  string // One of the Reason* constants
	Message string // Human-readable explanation shown to the user
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("download blocked (%s): %s", e.Reason, e.Message)
}

// NetworkError represents a failed HTTP exchange for a manifest, segment or direct file.
type NetworkError struct {
	Operation  string // The operation that failed (e.g., "fetch_manifest", "fetch_segment")
	URL        string // Requested URL
	StatusCode int    // HTTP status code, if applicable (0 for transport errors)
	Err        error  // Underlying error, if any
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.URL)
	}

	return fmt.Sprintf("network error during %s: %v", e.Operation, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Transient reports whether retrying the same request may succeed.
func (e *NetworkError) Transient() bool {
	switch {
	case e.StatusCode == 0:
		return !errors.Is(e.Err, context.Canceled)
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= http.StatusInternalServerError:
		return true
	default:
		return false
	}
}

// ManifestError represents an HLS playlist that cannot be used.
type ManifestError struct {
	URL    string
	Reason string
	Err    error
}

func (e *ManifestError) Error() string {
	return fmt.Sprintf("invalid manifest %s: %s", e.URL, e.Reason)
}

func (e *ManifestError) Unwrap() error {
	return e.Err
}

// PlatformError represents the download manager refusing a handoff.
type PlatformError struct {
	Attempt string // "prompt" or "silent"
	Err     error
}

func (e *PlatformError) Error() string {
	return fmt.Sprintf("platform download (%s) failed: %v", e.Attempt, e.Err)
}

func (e *PlatformError) Unwrap() error {
	return e.Err
}

// IsCancellation distinguishes cancellation-shaped errors from genuine failures.
func IsCancellation(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}

// IsTransient reports whether err is a retryable network failure.
func IsTransient(err error) bool {
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return netErr.Transient()
	}

	return false
}
