package signedmedia

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrValidation is returned when a picked file fails type or size checks.
	// No network call is made.
	ErrValidation = errors.New("validation failed")

	// ErrUpstreamExchange is returned when a storage key could not be
	// exchanged for a view URL.
	ErrUpstreamExchange = errors.New("upstream exchange failed")

	// ErrNoURLReturned is returned when the exchange succeeded without a
	// usable URL.
	ErrNoURLReturned = fmt.Errorf("%w: no url returned", ErrUpstreamExchange)

	// ErrFetchFailed is returned when materializing a local object failed.
	ErrFetchFailed = errors.New("fetch failed")

	// ErrUploadFailed is returned when an upload could not be completed.
	ErrUploadFailed = errors.New("upload failed")

	// ErrPersistFailed is returned when a commit could not be saved.
	ErrPersistFailed = errors.New("persist failed")

	// ErrAborted is returned when an operation was superseded or torn down.
	// It is never shown to users.
	ErrAborted = errors.New("aborted")

	// ErrConflict is returned when a remote mutation was rejected because of
	// a duplicate or a concurrent modification.
	ErrConflict = errors.New("conflict")

	// ErrNotFound is returned when a record or item does not exist.
	ErrNotFound = errors.New("not found")

	// ErrForbidden is returned when a key is outside the caller's namespace.
	ErrForbidden = errors.New("forbidden")

	// ErrUndoExpired is returned when no undo is live.
	ErrUndoExpired = errors.New("undo expired")

	// ErrUploadsInFlight is returned when a gallery commit is attempted while
	// an item is still drafted or uploading.
	ErrUploadsInFlight = errors.New("uploads in flight")
)

// ValidationError describes a rejected file pick.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// Is reports ErrValidation so callers can use errors.Is.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// StatusError is a non-2xx response from an HTTP collaborator.
type StatusError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: status %d", e.Op, e.StatusCode)
}

// Is maps well-known statuses onto the sentinel errors.
func (e *StatusError) Is(target error) bool {
	switch e.StatusCode {
	case http.StatusConflict:
		return target == ErrConflict
	case http.StatusForbidden, http.StatusUnauthorized:
		return target == ErrForbidden
	case http.StatusNotFound:
		return target == ErrNotFound
	}
	return false
}
