package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidInput = errors.New("invalid input")

	// ErrIdentityNotFound is terminal: retrying will not create the missing hosting account.
	ErrIdentityNotFound = errors.New("hosting identity not found")

	// ErrRepositoryNotReady is a normal "try again later" outcome of a link attempt.
	ErrRepositoryNotReady = errors.New("repository not ready")

	ErrMaxAttemptsExceeded = errors.New("max attempts exceeded")
	ErrInvalidAction       = errors.New("invalid membership action")
	ErrInvalidMapping      = errors.New("invalid mapping kind")
)

// HostingAPIError is returned for any non-2xx response (or transport failure)
// from the hosting service. StatusCode is 0 when no response was received.
type HostingAPIError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *HostingAPIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("hosting api %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("hosting api %s returned status %d: %s", e.Op, e.StatusCode, e.Body)
}

func (e *HostingAPIError) Unwrap() error { return e.Err }

// IsRetryable reports true for every hosting failure. The caller's retry budget bounds it.
func (e *HostingAPIError) IsRetryable() bool { return true }

// IsStatus reports whether err is a HostingAPIError carrying the given status code.
func IsStatus(err error, statusCode int) bool {
	var apiErr *HostingAPIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == statusCode
	}
	return false
}

// IsConflict reports whether err is a 409 from the hosting service.
func IsConflict(err error) bool { return IsStatus(err, http.StatusConflict) }

// IsHostingNotFound reports whether err is a 404 from the hosting service.
func IsHostingNotFound(err error) bool { return IsStatus(err, http.StatusNotFound) }

// StorageError wraps a persistence failure. It is propagated to the work queue,
// which retries it as part of the task's budget.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s failed: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) IsRetryable() bool { return true }

// Storage wraps err as a StorageError. Not-found sentinels pass through unchanged.
func Storage(op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
