package pack

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across components.
var (
	// ErrNotFound is returned when a package hash has no stored record.
	ErrNotFound = errors.New("package not found")
	// ErrNoPackageData is returned when metadata exists but the bundle bytes
	// are missing from storage.
	ErrNoPackageData = errors.New("package data not found")
)

// ConfigurationError reports missing or invalid setup. It is never retried
// and always surfaced to the caller.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Msg
}

// NetworkError reports a transient transport failure. Download and check
// paths retry these with backoff; they surface only after retry exhaustion.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// UpdateError reports a permanent update failure: hash mismatch, missing
// package data, failed install. Never retried.
type UpdateError struct {
	Hash string
	Msg  string
	Err  error
}

func (e *UpdateError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("update error for %s: %s: %v", e.Hash, e.Msg, e.Err)
	}
	return fmt.Sprintf("update error for %s: %s", e.Hash, e.Msg)
}

func (e *UpdateError) Unwrap() error { return e.Err }

// TimeoutError reports that a sync-level deadline elapsed. The coordinator
// guarantees its single-flight guard is released before this surfaces.
type TimeoutError struct {
	Op string
}

func (e *TimeoutError) Error() string {
	return "timed out waiting for " + e.Op
}

// IsTransient reports whether err should be retried by backoff policies.
func IsTransient(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr)
}
